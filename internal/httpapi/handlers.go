// Package httpapi exposes the hub over HTTP: the registration and dashboard
// surface, the OCPI versions, credentials and module endpoints, operator
// actions and the ops probes.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"ocpihub.org/internal/audit"
	"ocpihub.org/internal/auth"
	"ocpihub.org/internal/config"
	"ocpihub.org/internal/credentials"
	"ocpihub.org/internal/events"
	"ocpihub.org/internal/obs"
	"ocpihub.org/internal/ocpi"
	"ocpihub.org/internal/party"
	"ocpihub.org/internal/router"
	"ocpihub.org/internal/stats"
)

const serviceName = "ocpihub"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe pings the database when one is configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Deps are the hub components served by the API.
type Deps struct {
	Registry *party.Registry
	Engine   *credentials.Engine
	Router   *router.Router
	Stats    *stats.Aggregator
	Events   *events.Bus
	Audit    audit.Reader
	// Issuer verifies operator tokens. Without it /admin answers 503.
	Issuer *auth.Issuer
	Ready  readinessChecker
}

type API struct {
	mux      *http.ServeMux
	cfg      config.Config
	registry *party.Registry
	engine   *credentials.Engine
	router   *router.Router
	stats    *stats.Aggregator
	events   *events.Bus
	audit    audit.Reader
	issuer   *auth.Issuer
	ready    readinessChecker
	version  string
}

func New(cfg config.Config, d Deps, version string) *API {
	a := &API{
		mux:      http.NewServeMux(),
		cfg:      cfg,
		registry: d.Registry,
		engine:   d.Engine,
		router:   d.Router,
		stats:    d.Stats,
		events:   d.Events,
		audit:    d.Audit,
		issuer:   d.Issuer,
		ready:    d.Ready,
		version:  version,
	}
	if a.ready == nil {
		a.ready = ReadyProbe{}
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.Handle("/organizations/register",
		RateLimit(http.HandlerFunc(a.registerOrganization), cfg.RegisterBurst, cfg.RegisterRateLimit))
	a.mux.HandleFunc("/organizations", a.listOrganizations)
	a.mux.HandleFunc("/organizations/{id}", a.getOrganization)

	a.mux.HandleFunc("/dashboard/stats", a.dashboardStats)
	a.mux.HandleFunc("/dashboard/events", a.Stream)

	a.mux.HandleFunc("/ocpi/versions", a.versions)
	a.mux.HandleFunc("/ocpi/{version}", a.versionDetails)
	a.mux.HandleFunc("/ocpi/{version}/credentials", a.credentials)
	a.mux.HandleFunc("/ocpi/{version}/{module}", a.module)

	a.mux.HandleFunc("/admin/organizations/{id}/suspend", a.withAdmin(a.suspendOrganization))
	a.mux.HandleFunc("/admin/organizations/{id}/reinstate", a.withAdmin(a.reinstateOrganization))
	a.mux.HandleFunc("/admin/audit", a.withAdmin(a.listAudit))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		handleError(w, r, errNotFound)
	})

	return a
}

// Handler wraps the mux with the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = obs.Instrument(a.mux)
	h = MaxBodyBytes(h, a.cfg.MaxBodyBytes)
	h = CORS(a.cfg.CORSOrigins)(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":         serviceName,
		"time":         time.Now().UTC().Format(time.RFC3339),
		"version":      a.version,
		"revision":     obs.VCSRevision(),
		"ocpi_version": ocpi.Version,
		"versions_url": a.cfg.VersionsURL(),
		"party":        a.cfg.HubCountryCode + "*" + a.cfg.HubPartyID,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
