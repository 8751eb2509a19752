package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ocpihub.org/internal/audit"
	"ocpihub.org/internal/credentials"
	"ocpihub.org/internal/ocpi"
	"ocpihub.org/internal/router"
)

const (
	correlationIDHeader = "X-Correlation-ID"
	dedupeReplayHeader  = "X-Dedupe-Replay"
)

// forwarded response headers worth handing back to the caller
var passthroughHeaders = []string{"Content-Type", "X-Total-Count", "X-Limit", "Link"}

func writeEnvelope(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, ocpi.Success(data, time.Now()))
}

func checkVersion(r *http.Request) error {
	if v := r.PathValue("version"); v != ocpi.Version {
		return fmt.Errorf("%w: %q", errUnsupportedVersion, v)
	}
	return nil
}

// authenticated checks the presented hub token in any credential state.
func (a *API) authenticated(r *http.Request) (string, error) {
	token, err := extractToken(r.Header.Get(authHeader))
	if err != nil {
		return "", err
	}
	if _, err := a.engine.Authenticate(r.Context(), token); err != nil {
		return "", err
	}
	return token, nil
}

func (a *API) versions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, err := a.authenticated(r); err != nil {
		handleError(w, r, err)
		return
	}
	writeEnvelope(w, []ocpi.VersionInfo{{
		Version: ocpi.Version,
		URL:     strings.TrimRight(a.cfg.PublicURL, "/") + "/ocpi/" + ocpi.Version,
	}})
}

func (a *API) versionDetails(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if err := checkVersion(r); err != nil {
		handleError(w, r, err)
		return
	}
	if _, err := a.authenticated(r); err != nil {
		handleError(w, r, err)
		return
	}
	writeEnvelope(w, ocpi.VersionDetails{
		Version:   ocpi.Version,
		Endpoints: ocpi.HubEndpoints(a.cfg.PublicURL),
	})
}

func (a *API) credentials(w http.ResponseWriter, r *http.Request) {
	if err := checkVersion(r); err != nil {
		handleError(w, r, err)
		return
	}
	token, err := extractToken(r.Header.Get(authHeader))
	if err != nil {
		handleError(w, r, err)
		return
	}
	ctx := r.Context()

	switch r.Method {
	case http.MethodGet:
		obj, err := a.engine.View(ctx, token)
		if err != nil {
			handleError(w, r, err)
			return
		}
		writeEnvelope(w, obj)
	case http.MethodPost, http.MethodPut:
		var offer credentials.Object
		if err := decodeCredentials(r, &offer); err != nil {
			handleError(w, r, err)
			return
		}
		var obj credentials.Object
		if r.Method == http.MethodPost {
			obj, err = a.engine.Exchange(ctx, token, offer)
		} else {
			obj, err = a.engine.Rotate(ctx, token, offer)
		}
		if err != nil {
			handleError(w, r, err)
			return
		}
		writeEnvelope(w, obj)
	case http.MethodDelete:
		if err := a.engine.Revoke(ctx, token); err != nil {
			handleError(w, r, err)
			return
		}
		writeEnvelope(w, nil)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete)
	}
}

// decodeCredentials tolerates fields the hub does not model; peers send
// whatever their OCPI version carries.
func decodeCredentials(r *http.Request, dst *credentials.Object) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if len(body) == 0 {
		return fmt.Errorf("%w: request body is required", errBadRequest)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: %v", credentials.ErrMalformed, err)
	}
	return nil
}

func (a *API) module(w http.ResponseWriter, r *http.Request) {
	if err := checkVersion(r); err != nil {
		handleError(w, r, err)
		return
	}
	module, err := ocpi.ParseModule(r.PathValue("module"))
	if err != nil || !module.IsRoutable() {
		handleError(w, r, fmt.Errorf("%w: module %q", errNotFound, r.PathValue("module")))
		return
	}
	switch r.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut:
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost, http.MethodPut)
		return
	}
	token, err := extractToken(r.Header.Get(authHeader))
	if err != nil {
		handleError(w, r, err)
		return
	}
	target, err := router.ParseTarget(
		r.Header.Get("OCPI-to-country-code"),
		r.Header.Get("OCPI-to-party-id"),
		r.Header.Get("OCPI-to-role"),
	)
	if err != nil {
		handleError(w, r, err)
		return
	}
	var body []byte
	if r.Method != http.MethodGet {
		if body, err = io.ReadAll(r.Body); err != nil {
			handleError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
	}

	res, err := a.router.Dispatch(r.Context(), router.Request{
		CallerToken:   token,
		Target:        target,
		Module:        module,
		Method:        r.Method,
		CorrelationID: strings.TrimSpace(r.Header.Get(correlationIDHeader)),
		RequestID:     audit.RequestIDFromContext(r.Context()),
		Query:         r.URL.Query(),
		Body:          body,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeResult(w, res)
}

func writeResult(w http.ResponseWriter, res router.Result) {
	for _, h := range passthroughHeaders {
		if v := res.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	}
	if res.Replayed {
		w.Header().Set(dedupeReplayHeader, "true")
	}
	status := res.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(res.Body)
}
