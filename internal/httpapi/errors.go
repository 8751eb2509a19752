package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"ocpihub.org/internal/audit"
	"ocpihub.org/internal/auth"
	"ocpihub.org/internal/credentials"
	"ocpihub.org/internal/obs"
	"ocpihub.org/internal/ocpi"
	"ocpihub.org/internal/party"
	"ocpihub.org/internal/router"
)

var (
	errBadRequest         = errors.New("bad request")
	errMissingToken       = errors.New("missing authorization token")
	errUnsupportedVersion = errors.New("unsupported OCPI version")
	errNotFound           = errors.New("not found")
)

// errorStatus maps a domain error onto the HTTP status and the OCPI
// status_code carried in the envelope.
func errorStatus(err error) (int, int) {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, party.ErrValidation),
		errors.Is(err, router.ErrValidation),
		errors.Is(err, credentials.ErrMalformed):
		return http.StatusBadRequest, ocpi.StatusInvalidParameters
	case errors.Is(err, party.ErrConflict):
		return http.StatusConflict, ocpi.StatusClientError
	case errors.Is(err, errMissingToken),
		errors.Is(err, credentials.ErrInvalidToken),
		errors.Is(err, router.ErrUnauthorized),
		errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, ocpi.StatusClientError
	case errors.Is(err, router.ErrForbidden), errors.Is(err, errForbidden):
		return http.StatusForbidden, ocpi.StatusClientError
	case errors.Is(err, credentials.ErrWrongState),
		errors.Is(err, router.ErrInFlight),
		errors.Is(err, party.ErrInvalidTransition):
		return http.StatusConflict, ocpi.StatusClientError
	case errors.Is(err, errUnsupportedVersion):
		return http.StatusNotFound, ocpi.StatusUnsupportedVersion
	case errors.Is(err, party.ErrNotFound),
		errors.Is(err, router.ErrNotFound),
		errors.Is(err, errNotFound):
		return http.StatusNotFound, ocpi.StatusUnknownLocation
	case errors.Is(err, router.ErrNoEndpoint):
		return http.StatusBadGateway, ocpi.StatusNoMatchingEndpoints
	case errors.Is(err, router.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout, ocpi.StatusUnableToUseClient
	case errors.Is(err, router.ErrUpstream):
		return http.StatusBadGateway, ocpi.StatusUnableToUseClient
	default:
		return http.StatusInternalServerError, ocpi.StatusServerError
	}
}

// handleError writes err as an envelope with data null.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	code, status := errorStatus(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		obs.Logger().Error("request failed",
			zap.String("request_id", audit.RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		msg = "internal error"
	}
	if code == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Token realm="ocpi"`)
	}
	writeError(w, r, code, status, msg)
}

func writeError(w http.ResponseWriter, r *http.Request, code, status int, msg string) {
	writeJSON(w, code, ocpi.Failure(status, msg, time.Now()))
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, ocpi.StatusClientError, "method not allowed")
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is required", errBadRequest)
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: unexpected data after JSON body", errBadRequest)
	}
	return nil
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", errBadRequest, raw)
	}
	if v < min || v > max {
		return 0, fmt.Errorf("%w: %d out of range [%d,%d]", errBadRequest, v, min, max)
	}
	return v, nil
}
