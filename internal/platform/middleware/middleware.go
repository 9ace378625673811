// Package middleware provides the HTTP glue between transport and the
// pipeline: request correlation and bearer-token authentication that
// materializes a SecurityContext for downstream handlers.
package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"opgate/internal/jwt_token"
	"opgate/internal/operation"
	"opgate/pkg/requestcontext"
)

type securityContextKey struct{}

// SecurityContextFrom retrieves the authenticated caller's SecurityContext.
func SecurityContextFrom(ctx context.Context) (operation.SecurityContext, bool) {
	sctx, ok := ctx.Value(securityContextKey{}).(operation.SecurityContext)
	return sctx, ok
}

// RequestID assigns a correlation ID to every request, honoring an inbound
// X-Request-ID when present.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		ctx := requestcontext.WithRequestID(r.Context(), id)
		ctx = requestcontext.WithClientIP(ctx, clientIP(r))
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAuth validates the bearer token and attaches the caller's
// SecurityContext. Requests without a valid token never reach the pipeline.
func RequireAuth(tokens *jwttoken.Service, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			authHeader := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok {
				unauthorized(w)
				return
			}

			claims, err := tokens.ValidateToken(token)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized: invalid token",
					"error", err,
					"request_id", requestcontext.RequestID(ctx),
				)
				unauthorized(w)
				return
			}

			origin := clientIP(r)
			sctx := operation.SecurityContext{
				CallerID:           claims.CallerID,
				OriginAddress:      origin,
				GrantedPermissions: claims.Permissions,
				RequestFingerprint: fingerprint(claims.CallerID, origin, r.UserAgent()),
			}
			ctx = context.WithValue(ctx, securityContextKey{}, sctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized","error_description":"Invalid or expired token"}`))
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.Index(fwd, ","); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// fingerprint derives a stable per-request identity marker from caller,
// origin, and user agent. Stored in audit records, never used for authz.
func fingerprint(callerID, origin, userAgent string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(callerID+"|"+origin+"|"+userAgent)).String()
}
