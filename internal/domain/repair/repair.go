// Package repair holds the pure parts of the generate-review loop: verdict
// parsing, verdict fingerprints and result banners.
package repair

import (
	"bufio"
	"encoding/hex"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/blake2b"
)

// Outcome tells callers how the loop ended without parsing banner text.
type Outcome string

const (
	OutcomeApproved       Outcome = "approved"
	OutcomeLoopDetected   Outcome = "loop_detected"
	OutcomeBudgetExceeded Outcome = "budget_exceeded"
	OutcomeMaxAttempts    Outcome = "max_attempts"
)

// Result banners prefixed to unapproved artifacts.
const (
	BannerLoopDetected   = "[SELF-REPAIR:LOOP_DETECTED]"
	BannerBudgetExceeded = "[SELF-REPAIR:BUDGET_EXCEEDED]"
	BannerMaxAttempts    = "[SELF-REPAIR:MAX_ATTEMPTS]"
)

// IsApproved reports whether the trimmed verdict starts with token, ignoring case.
func IsApproved(verdict, token string) bool {
	token = strings.ToUpper(strings.TrimSpace(token))
	if token == "" {
		return false
	}
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(verdict)), token)
}

// TargetFile returns the path named by the first "FILE: <path>" line, if any.
func TargetFile(verdict string) (string, bool) {
	sc := bufio.NewScanner(strings.NewReader(verdict))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if len(line) < 5 || !strings.EqualFold(line[:5], "FILE:") {
			continue
		}
		if p := strings.TrimSpace(line[5:]); p != "" {
			return p, true
		}
	}
	return "", false
}

// Fingerprint hashes the normalised verdict: lower-cased, whitespace collapsed.
func Fingerprint(verdict string) string {
	sum := blake2b.Sum256([]byte(normalize(verdict)))
	return hex.EncodeToString(sum[:16])
}

func normalize(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.TrimSpace(s) {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// Window is a rolling history of verdict fingerprints.
type Window struct {
	size   int
	hashes []string
}

// NewWindow creates a window holding the most recent size fingerprints.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = 6
	}
	return &Window{size: size, hashes: make([]string, 0, size)}
}

// Push records a fingerprint, dropping the oldest once full.
func (w *Window) Push(fp string) {
	if len(w.hashes) == w.size {
		copy(w.hashes, w.hashes[1:])
		w.hashes = w.hashes[:w.size-1]
	}
	w.hashes = append(w.hashes, fp)
}

// Count returns how often fp occurs in the window.
func (w *Window) Count(fp string) int {
	n := 0
	for _, h := range w.hashes {
		if h == fp {
			n++
		}
	}
	return n
}

// Repeated reports whether any fingerprint appears at least threshold times.
func (w *Window) Repeated(threshold int) bool {
	for _, h := range w.hashes {
		if w.Count(h) >= threshold {
			return true
		}
	}
	return false
}

// Len returns the number of fingerprints held.
func (w *Window) Len() int { return len(w.hashes) }

// Truncate shortens s to n runes, appending "..." when cut.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

// Banner prefixes artifact with the banner for outcome. Approved artifacts are returned unmodified.
func Banner(outcome Outcome, artifact, feedback string, previewChars int) string {
	switch outcome {
	case OutcomeLoopDetected:
		return BannerLoopDetected + "\n" + artifact
	case OutcomeBudgetExceeded:
		return BannerBudgetExceeded + "\n" + artifact
	case OutcomeMaxAttempts:
		head := BannerMaxAttempts
		if fb := strings.TrimSpace(feedback); fb != "" {
			head += " Last review: " + Truncate(fb, previewChars)
		}
		return head + "\n" + artifact
	}
	return artifact
}
