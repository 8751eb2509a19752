package httpapi

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"ocpihub.org/internal/audit"
	"ocpihub.org/internal/auth"
	"ocpihub.org/internal/obs"
	"ocpihub.org/internal/party"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

func (a *API) suspendOrganization(w http.ResponseWriter, r *http.Request) {
	a.operatorTransition(w, r, "suspend", a.registry.Suspend)
}

func (a *API) reinstateOrganization(w http.ResponseWriter, r *http.Request) {
	a.operatorTransition(w, r, "reinstate", a.registry.Reinstate)
}

func (a *API) operatorTransition(w http.ResponseWriter, r *http.Request, action string, fn func(ctx context.Context, id string) (party.Organization, error)) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	id := r.PathValue("id")
	org, err := fn(r.Context(), id)
	if err != nil {
		handleError(w, r, err)
		return
	}
	obs.Logger().Info("operator action",
		zap.String("action", action),
		zap.String("organization_id", id),
		zap.String("operator", auth.OperatorFromContext(r.Context())),
		zap.String("request_id", audit.RequestIDFromContext(r.Context())))
	writeJSON(w, http.StatusOK, org)
}

func (a *API) listAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.audit == nil {
		writeJSON(w, http.StatusOK, []audit.Record{})
		return
	}
	q := r.URL.Query()
	limit, err := parsePositiveInt(q.Get("limit"), defaultAuditLimit, 1, maxAuditLimit)
	if err != nil {
		handleError(w, r, err)
		return
	}
	recs, err := a.audit.List(r.Context(), q.Get("organization_id"), limit)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if recs == nil {
		recs = []audit.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}
