package middleware

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/Strob0t/Switchyard/internal/port/cache"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
	maxIdempotencyBody   = 1 << 20 // 1 MB
	idempotencyPrefix    = "idem:"
)

var errBodyTooLarge = errors.New("request body too large to fingerprint")

// replayEntry is a stored response together with the fingerprint of the
// request body that produced it.
type replayEntry struct {
	Fingerprint string              `json:"fingerprint"`
	StatusCode  int                 `json:"status_code"`
	Headers     map[string][]string `json:"headers"`
	Body        []byte              `json:"body"`
}

// Idempotency deduplicates mutating requests carrying an Idempotency-Key
// header. The first response is stored in store for ttl and replayed for
// later requests with the same key, path and body. Reusing a key with a
// different body is answered with 422. Server errors are not stored.
// A nil store disables the middleware.
func Idempotency(store cache.Cache, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(headerIdempotencyKey)
			if key == "" || !mutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			key = idempotencyPrefix + r.Method + ":" + r.URL.Path + ":" + key

			fp, err := fingerprint(r)
			if err != nil {
				// Oversized or unreadable bodies are left to the handler.
				next.ServeHTTP(w, r)
				return
			}

			if entry, ok := lookupReplay(r, store, key); ok {
				if entry.Fingerprint != fp {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusUnprocessableEntity)
					_, _ = w.Write([]byte(`{"error":"Idempotency-Key was already used with a different request body"}` + "\n"))
					return
				}
				replay(w, entry)
				return
			}

			rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.statusCode >= http.StatusInternalServerError || rec.overflow {
				return
			}
			stored, err := json.Marshal(replayEntry{
				Fingerprint: fp,
				StatusCode:  rec.statusCode,
				Headers:     w.Header().Clone(),
				Body:        rec.body.Bytes(),
			})
			if err != nil {
				return
			}
			if err := store.Set(r.Context(), key, stored, ttl); err != nil {
				slog.Warn("idempotency: failed to store response", "key", key, "error", err)
			}
		})
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

// fingerprint hashes the request body and restores it for the handler.
func fingerprint(r *http.Request) (string, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return "", nil
	}
	orig := r.Body
	body, err := io.ReadAll(io.LimitReader(orig, maxIdempotencyBody+1))
	if err != nil {
		return "", err
	}
	if len(body) > maxIdempotencyBody {
		r.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(body), orig), orig}
		return "", errBodyTooLarge
	}
	_ = orig.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	if len(body) == 0 {
		return "", nil
	}
	sum := blake2b.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

func lookupReplay(r *http.Request, store cache.Cache, key string) (replayEntry, bool) {
	data, found, err := store.Get(r.Context(), key)
	if err != nil {
		slog.Warn("idempotency lookup failed", "error", err)
		return replayEntry{}, false
	}
	if !found {
		return replayEntry{}, false
	}
	var entry replayEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		slog.Warn("idempotency: corrupt cache entry", "key", key)
		return replayEntry{}, false
	}
	return entry, true
}

func replay(w http.ResponseWriter, entry replayEntry) {
	for k, vals := range entry.Headers {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set(headerReplayed, "true")
	w.WriteHeader(entry.StatusCode)
	_, _ = w.Write(entry.Body)
}

// responseRecorder tees the response into a bounded buffer.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
	overflow   bool
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.overflow {
		if r.body.Len()+len(b) > maxIdempotencyBody {
			r.overflow = true
			r.body.Reset()
		} else {
			r.body.Write(b)
		}
	}
	return r.ResponseWriter.Write(b)
}

func (r *responseRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
