package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kylink/suffixpool/internal/ratelimit"
	"github.com/kylink/suffixpool/internal/state"
)

// AuthMiddleware validates the `Authorization: Bearer <api-key>` header
// against the stored SHA-256 hash of an issued key (spec §6), resolving and
// attaching the owning tenant ID to the request context. cronSecret, when
// non-empty, is also accepted verbatim via the X-Cron-Secret header so the
// job endpoints can be driven by an external scheduler without an API key.
func AuthMiddleware(repo Repo, cronSecret string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cronSecret != "" {
			if given := r.Header.Get("X-Cron-Secret"); given != "" {
				if subtle.ConstantTimeCompare([]byte(given), []byte(cronSecret)) == 1 {
					next.ServeHTTP(w, r)
					return
				}
				WriteError(w, http.StatusUnauthorized, string(CodeUnauthorized), "invalid cron secret")
				return
			}
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			WriteError(w, http.StatusUnauthorized, string(CodeUnauthorized), "missing Authorization header")
			return
		}

		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) {
			WriteError(w, http.StatusUnauthorized, string(CodeUnauthorized), "invalid Authorization header format")
			return
		}
		token := strings.TrimPrefix(auth, prefix)
		if !isWellFormedAPIKey(token) {
			WriteError(w, http.StatusUnauthorized, string(CodeUnauthorized), "malformed api key")
			return
		}

		sum := sha256.Sum256([]byte(token))
		hash := hex.EncodeToString(sum[:])

		key, err := repo.FindAPIKeyByHash(hash)
		if errors.Is(err, state.ErrNotFound) {
			WriteError(w, http.StatusUnauthorized, string(CodeUnauthorized), "invalid api key")
			return
		}
		if err != nil {
			WriteError(w, http.StatusInternalServerError, string(CodeInternalError), "internal error")
			return
		}
		if key.RevokedAt != nil {
			WriteError(w, http.StatusUnauthorized, string(CodeUnauthorized), "api key revoked")
			return
		}

		next.ServeHTTP(w, r.WithContext(withTenantID(r.Context(), key.TenantID)))
	})
}

// isWellFormedAPIKey checks the key-shape validation spec §6 calls out:
// ky_live_ or ky_test_ prefix, 40 characters total.
func isWellFormedAPIKey(key string) bool {
	if len(key) != 40 {
		return false
	}
	return strings.HasPrefix(key, "ky_live_") || strings.HasPrefix(key, "ky_test_")
}

// RequestBodyLimitMiddleware caps the request body at limitBytes using
// http.MaxBytesReader; a handler (or DecodeBody/readRawBodyOrWriteInvalid)
// that reads past the limit observes an *http.MaxBytesError, which the
// decode-error helpers turn into a VALIDATION_ERROR 422 response.
func RequestBodyLimitMiddleware(limitBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limitBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, limitBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitTierFor classifies a request path into one of the three rate
// tiers spec §6 enumerates: admin mutation routes, batch suffix routes, and
// everything else (generic).
func rateLimitTierFor(r *http.Request) ratelimit.Tier {
	switch {
	case strings.HasPrefix(r.URL.Path, "/v1/jobs"):
		return ratelimit.TierAdmin
	case strings.HasSuffix(r.URL.Path, "/batch"):
		return ratelimit.TierBatch
	default:
		return ratelimit.TierGeneric
	}
}

// rateLimitIdentity keys the limiter by the resolved tenant ID when
// available (set by AuthMiddleware), otherwise by client IP (spec §6:
// "API-key prefix or client IP if none").
func rateLimitIdentity(r *http.Request) string {
	if tenantID := TenantID(r.Context()); tenantID != "" {
		return tenantID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimitMiddleware enforces the per-tier, per-identifier sliding-window
// limits (spec §6), setting X-RateLimit-* headers and, over the limit, a
// 429 with Retry-After.
func RateLimitMiddleware(limiter *ratelimit.Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tier := rateLimitTierFor(r)
		identity := rateLimitIdentity(r)
		decision := limiter.Allow(tier, identity, time.Now())

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))

		if !decision.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())+1))
			WriteError(w, http.StatusTooManyRequests, string(CodeRateLimitExceeded), "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
