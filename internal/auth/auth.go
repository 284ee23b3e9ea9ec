package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
)

// GroupOperators may trigger ephemeris refreshes and see every mission.
const GroupOperators = "operators"

// Identity is the caller behind a request.
type Identity struct {
	Subject string
	Groups  []string
}

// InGroup reports whether the caller belongs to group.
func (id Identity) InGroup(group string) bool {
	return slices.Contains(id.Groups, group)
}

// anonymous is the identity of every request when auth is disabled.
var anonymous = Identity{Subject: "anonymous", Groups: []string{GroupOperators}}

// Config holds authentication configuration.
type Config struct {
	Enabled bool
	// Tokens maps bearer tokens to identities.
	Tokens map[string]Identity
}

// ParseTokens reads "token=subject:group1|group2" entries. Groups are
// optional.
func ParseTokens(entries []string) (map[string]Identity, error) {
	out := make(map[string]Identity, len(entries))
	for _, e := range entries {
		token, rest, ok := strings.Cut(strings.TrimSpace(e), "=")
		if !ok || token == "" || rest == "" {
			return nil, fmt.Errorf("token entry %q: want token=subject[:groups]", e)
		}
		subject, groups, _ := strings.Cut(rest, ":")
		if subject == "" {
			return nil, fmt.Errorf("token entry for %q has no subject", subject)
		}
		id := Identity{Subject: subject}
		if groups != "" {
			id.Groups = strings.Split(groups, "|")
		}
		if _, dup := out[token]; dup {
			return nil, fmt.Errorf("token for %s listed twice", subject)
		}
		out[token] = id
	}
	return out, nil
}

// exemptPaths are always public regardless of auth configuration.
var exemptPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

type ctxKey struct{}

// WithIdentity returns ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the caller attached by Middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

func (c Config) lookup(token string) (Identity, bool) {
	// Compare against every token so timing does not reveal a prefix match.
	var found Identity
	ok := false
	for t, id := range c.Tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(t)) == 1 {
			found, ok = id, true
		}
	}
	return found, ok
}

// Middleware returns an HTTP middleware that resolves the Bearer token on
// non-exempt paths and attaches the caller's identity to the request.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exemptPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			if !cfg.Enabled {
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), anonymous)))
				return
			}

			header := r.Header.Get("Authorization")
			token := strings.TrimPrefix(header, "Bearer ")
			id, ok := cfg.lookup(token)
			if header == "" || token == header || !ok {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
