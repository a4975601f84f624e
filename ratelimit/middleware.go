package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// Resolver extracts the caller identity and tier of a request.
type Resolver func(r *http.Request) (Identity, Tier)

// IdentifyRequest is the default Resolver. It reads the api key from the
// X-API-Key header and the client address from X-Forwarded-For or the remote
// address. Every caller is on the free tier.
func IdentifyRequest(r *http.Request) (Identity, Tier) {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ip = strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	return Identity{
		APIKey:    r.Header.Get("X-API-Key"),
		IP:        ip,
		UserAgent: r.UserAgent(),
	}, Free
}

// Middleware limits requests to next. Denied requests are answered with 429
// and a Retry-After header. A nil resolver means IdentifyRequest.
func (l *Limiter) Middleware(resolve Resolver) func(http.Handler) http.Handler {
	if resolve == nil {
		resolve = IdentifyRequest
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, tier := resolve(r)
			result := l.CheckTier(r.Context(), id, tier)

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetTime.Unix(), 10))
			if result.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			retryAfter := result.RetryAfter(l.clock.Now())
			h.Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			h.Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"error":   "rate limit exceeded",
				"blocked": result.Blocked,
				"resetAt": result.ResetTime.UTC(),
			})
		})
	}
}
