package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"

	"github.com/arw-run/arw/internal/apierr"
	"github.com/arw-run/arw/internal/ratelimit"
)

// adminRateLimit checks the request against the global and remote-IP
// buckets, the forwarded-IP bucket when TrustForwardHdrs is set, and, when
// a bearer token is present, the token-fingerprint and token×IP buckets,
// refusing with 429 at the first exhausted dimension. The fingerprint is
// the hex SHA-256 of the token, so raw tokens never become bucket keys.
func (s *Server) adminRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.RateLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		checks := []ratelimit.Check{{Key: ratelimit.KeyGlobal, Identity: "*"}}

		if ip := remoteIP(r); ip != "" {
			checks = append(checks, ratelimit.Check{Key: ratelimit.KeyRemoteIP, Identity: ip})
		}
		if s.TrustForwardHdrs {
			if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
				checks = append(checks, ratelimit.Check{Key: ratelimit.KeyForwardedIP, Identity: fwd})
			}
		}
		if token := bearerToken(r); token != "" {
			sum := sha256.Sum256([]byte(token))
			fp := hex.EncodeToString(sum[:])
			checks = append(checks,
				ratelimit.Check{Key: ratelimit.KeyTokenFingerprint, Identity: fp},
				ratelimit.Check{Key: ratelimit.KeyTokenAndIP, Identity: fp + "|" + remoteIP(r)},
			)
		}

		if !s.RateLimiter.AllowAll(checks) {
			apierr.WriteHTTP(w, apierr.New(apierr.KindRateLimited, "rate limit exceeded"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}
