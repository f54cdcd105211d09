package core

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"toeicprep/internal/billing"
	"toeicprep/internal/types"
)

// AuthMiddleware resolves the bearer token to a Principal and stores it in
// the request context. Failures answer 401 with one of:
//   - auth_token_missing: no Authorization header or empty Bearer token
//   - auth_token_invalid: malformed, unverifiable or generic failure
//   - auth_token_expired: valid signature, past expiry
//
// A nil Authenticator passes through (tests only).
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Authenticator == nil {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Authorization header is required")
			return
		}
		token := extractBearerToken(authHeader)
		if token == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Bearer token is required")
			return
		}

		principal, err := s.Authenticator.ResolveToken(r.Context(), token)
		if err != nil {
			s.handleAuthError(w, r, err)
			return
		}
		if principal == nil || principal.UserID == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
			return
		}

		ctx := types.WithPrincipal(r.Context(), *principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractBearerToken returns the token of a "Bearer <token>" header
// (case-insensitive scheme per RFC 7235), or "".
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) {
		return ""
	}
	if !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

func (s *Server) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case types.ErrCodeAuthTokenExpired:
			s.Logger.WarnContext(r.Context(), "authentication failed: token expired", "path", r.URL.Path)
			s.writeAuthError(w, r, types.ErrCodeAuthTokenExpired, "Authentication token has expired")
			return
		case types.ErrCodeAuthTokenInvalid:
			s.Logger.WarnContext(r.Context(), "authentication failed: token invalid", "path", r.URL.Path)
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
			return
		}
	}

	s.Logger.ErrorContext(r.Context(), "authentication failed: unexpected error",
		"path", r.URL.Path,
		"error", err,
	)
	s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Authentication failed")
}

func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	JSON(w, r, http.StatusUnauthorized, APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(code),
			Message:   message,
			RequestID: types.GetRequestID(r.Context()),
		},
	})
}

// AdminMiddleware guards operator routes with the X-Admin-Key header. A
// valid key yields an admin Principal with no user id.
func (s *Server) AdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Admin == nil {
			Error(w, r, types.NewAppError(types.ErrCodePermissionAdmin, "admin access is not configured", nil))
			return
		}
		if err := s.Admin.Verify(r.Context(), r.Header.Get("X-Admin-Key"), clientIP(r)); err != nil {
			Error(w, r, err)
			return
		}
		ctx := types.WithPrincipal(r.Context(), types.Principal{IsAdmin: true})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// clientIP prefers the first X-Forwarded-For entry over RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0]); ip != "" {
			return ip
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// FeatureGate admits or denies one use of a metered feature.
type FeatureGate interface {
	RequireFeatureAccess(ctx context.Context, userID string, resource types.ResourceType, feature types.Feature) (*billing.Grant, error)
}

type grantKey struct{}

// GrantFromContext returns the admission recorded by RequireFeature.
func GrantFromContext(ctx context.Context) (*billing.Grant, bool) {
	g, ok := ctx.Value(grantKey{}).(*billing.Grant)
	return g, ok
}

// RequireFeature gates a handler behind a feature flag and the daily quota
// of resource. Denials are written as structured 403 or 503 errors and never
// reach next. Usage is committed only when next answers below 400.
func (s *Server) RequireFeature(gate FeatureGate, resource types.ResourceType, feature types.Feature) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := types.GetUserID(r.Context())
			if userID == "" {
				s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Authentication required")
				return
			}

			grant, err := gate.RequireFeatureAccess(r.Context(), userID, resource, feature)
			if err != nil {
				Error(w, r, err)
				return
			}

			ww := wrap(w, r)
			next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), grantKey{}, grant)))

			if status(ww) < http.StatusBadRequest {
				grant.Commit(context.WithoutCancel(r.Context()))
			}
		})
	}
}
