package http

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	return nil, nil, nil
}

func TestResponseWriterHijack(t *testing.T) {
	inner := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw := &responseWriter{ResponseWriter: inner, status: http.StatusOK}

	hj, ok := http.ResponseWriter(rw).(http.Hijacker)
	if !ok {
		t.Fatal("responseWriter does not implement http.Hijacker")
	}
	if _, _, err := hj.Hijack(); err != nil {
		t.Fatalf("Hijack: %v", err)
	}
	if !inner.hijacked {
		t.Error("hijack was not delegated")
	}

	plain := &responseWriter{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	if _, _, err := plain.Hijack(); err == nil {
		t.Error("expected error when upstream does not implement Hijacker")
	}
}

func TestResponseWriterRecordsStatusAndBytes(t *testing.T) {
	inner := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: inner, status: http.StatusOK}

	rw.WriteHeader(http.StatusAccepted)
	rw.WriteHeader(http.StatusInternalServerError) // superfluous, ignored
	_, _ = rw.Write([]byte("hello"))
	_, _ = rw.Write([]byte(" world"))
	rw.Flush()

	if rw.status != http.StatusAccepted || rw.bytes != 11 {
		t.Errorf("status %d bytes %d", rw.status, rw.bytes)
	}
	if !inner.Flushed {
		t.Error("expected flush to be delegated")
	}
	if http.NewResponseController(rw).Flush() != nil {
		t.Error("response controller should reach the recorder")
	}
}

func TestCORSOrigins(t *testing.T) {
	h := CORS("http://a.test, http://b.test")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		origin string
		want   string
	}{
		{"http://a.test", "http://a.test"},
		{"http://b.test", "http://b.test"},
		{"http://evil.test", ""},
		{"", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
			t.Errorf("origin %q: got %q, want %q", tt.origin, got, tt.want)
		}
		if rec.Code != http.StatusOK {
			t.Errorf("origin %q: status %d", tt.origin, rec.Code)
		}
	}
}

func TestCORSWildcardAndDisabled(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("Origin", "http://any.test")
	rec := httptest.NewRecorder()
	CORS("*")(ok).ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "http://any.test" {
		t.Error("wildcard should echo the origin")
	}

	rec = httptest.NewRecorder()
	CORS("")(ok).ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" || rec.Code != http.StatusTeapot {
		t.Error("empty origin list should pass through untouched")
	}
}
