package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"ocpihub.org/internal/party"
)

func (a *API) registerOrganization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req party.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		handleError(w, r, err)
		return
	}
	reg, err := a.registry.Register(r.Context(), req)
	if err != nil {
		handleError(w, r, err)
		return
	}
	w.Header().Set("Location", "/organizations/"+reg.ID)
	writeJSON(w, http.StatusCreated, reg)
}

func (a *API) listOrganizations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q := r.URL.Query()
	var f party.Filter
	if raw := q.Get("role"); raw != "" {
		role, err := party.ParseRole(raw)
		if err != nil {
			handleError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
		f.Role = role
	}
	if raw := q.Get("status"); raw != "" {
		status, err := party.ParseStatus(raw)
		if err != nil {
			handleError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
		f.Status = status
	}
	f.CountryCode = strings.ToUpper(strings.TrimSpace(q.Get("country_code")))

	orgs, err := a.registry.List(r.Context(), f)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if orgs == nil {
		orgs = []party.Organization{}
	}
	writeJSON(w, http.StatusOK, orgs)
}

func (a *API) getOrganization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	org, err := a.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, org)
}

func (a *API) dashboardStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, a.stats.Snapshot())
}
