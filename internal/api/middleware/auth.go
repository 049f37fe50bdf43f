package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/sydlexius/roadie/internal/queue"
)

// Anonymous is the reviewer recorded when authentication is disabled.
const Anonymous = "anonymous"

// Reviewer is a token holder. Hash is the bcrypt hash of the bearer token.
type Reviewer struct {
	Name string
	Hash string
}

// Authenticator maps bearer tokens to reviewer names. Verified tokens are
// remembered by digest so bcrypt runs once per token.
type Authenticator struct {
	reviewers []Reviewer
	mu        sync.RWMutex
	verified  map[string]string
}

// NewAuthenticator creates an Authenticator. With no reviewers every request
// is accepted as Anonymous.
func NewAuthenticator(reviewers []Reviewer) *Authenticator {
	return &Authenticator{
		reviewers: reviewers,
		verified:  make(map[string]string),
	}
}

// Enabled reports whether tokens are required.
func (a *Authenticator) Enabled() bool {
	return a != nil && len(a.reviewers) > 0
}

// Verify returns the reviewer owning token.
func (a *Authenticator) Verify(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	sum := sha256.Sum256([]byte(token))
	digest := hex.EncodeToString(sum[:])

	a.mu.RLock()
	name, ok := a.verified[digest]
	a.mu.RUnlock()
	if ok {
		return name, true
	}

	for _, r := range a.reviewers {
		if bcrypt.CompareHashAndPassword([]byte(r.Hash), []byte(token)) == nil {
			a.mu.Lock()
			a.verified[digest] = r.Name
			a.mu.Unlock()
			return r.Name, true
		}
	}
	return "", false
}

// Auth returns middleware that requires a valid bearer token and records the
// token's reviewer on the request context for queue decisions.
func Auth(a *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.Enabled() {
				next.ServeHTTP(w, r.WithContext(noteReviewer(r.Context(), Anonymous)))
				return
			}
			name, ok := a.Verify(extractToken(r))
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="roadie"`)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r.WithContext(noteReviewer(r.Context(), name)))
		})
	}
}

// ReviewerFromContext returns the authenticated reviewer, or "".
func ReviewerFromContext(ctx context.Context) string {
	return queue.ReviewerFrom(ctx)
}

func extractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}
