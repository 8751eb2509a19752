package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"ocpihub.org/internal/auth"
	"ocpihub.org/internal/ocpi"
)

const authHeader = "Authorization"

var errForbidden = errors.New("forbidden")

// extractToken accepts "Token <t>" as OCPI prescribes and "Bearer <t>".
func extractToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok {
		return "", fmt.Errorf("%w: invalid authorization header", errMissingToken)
	}
	switch strings.ToLower(scheme) {
	case "token", "bearer":
	default:
		return "", fmt.Errorf("%w: unsupported authorization scheme %q", errMissingToken, scheme)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errMissingToken
	}
	return token, nil
}

// withAdmin guards operator endpoints with a JWT carrying the admin role.
func (a *API) withAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.issuer == nil {
			writeError(w, r, http.StatusServiceUnavailable, ocpi.StatusServerError, "operator authentication is not configured")
			return
		}
		token, err := extractToken(r.Header.Get(authHeader))
		if err != nil {
			handleError(w, r, err)
			return
		}
		claims, err := a.issuer.ParseAndValidate(token)
		if err != nil {
			handleError(w, r, err)
			return
		}
		if !claims.HasRole(auth.RoleAdmin) {
			handleError(w, r, fmt.Errorf("%w: role %q required", errForbidden, auth.RoleAdmin))
			return
		}
		next(w, r.WithContext(auth.ContextWithClaims(r.Context(), claims)))
	}
}
