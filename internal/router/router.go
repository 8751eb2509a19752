// Package router authorizes OCPI module traffic between parties and
// dispatches it to the target party or to the hub's own object store.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"ocpihub.org/internal/credentials"
	"ocpihub.org/internal/events"
	"ocpihub.org/internal/obs"
	"ocpihub.org/internal/ocpi"
	"ocpihub.org/internal/party"
)

// Request is one inbound module call.
type Request struct {
	CallerToken   string
	Target        *party.Tuple
	Module        ocpi.Module
	Method        string
	CorrelationID string
	RequestID     string
	Query         url.Values
	Body          []byte
}

// ParseTarget builds a target tuple from the OCPI-to-* header values. No
// values means no target; a partial set is invalid.
func ParseTarget(countryCode, partyID, role string) (*party.Tuple, error) {
	countryCode, partyID, role = strings.TrimSpace(countryCode), strings.TrimSpace(partyID), strings.TrimSpace(role)
	if countryCode == "" && partyID == "" && role == "" {
		return nil, nil
	}
	if countryCode == "" || partyID == "" || role == "" {
		return nil, fmt.Errorf("%w: target needs country code, party id and role", ErrValidation)
	}
	r, err := party.ParseRole(role)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	t := party.Tuple{CountryCode: countryCode, PartyID: partyID, Role: r}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return &t, nil
}

// Authenticator resolves hub tokens and credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (credentials.Principal, error)
	Get(ctx context.Context, orgID string) (credentials.Credential, error)
}

// Directory resolves organizations.
type Directory interface {
	Get(ctx context.Context, id string) (party.Organization, error)
	Lookup(ctx context.Context, t party.Tuple) (party.Organization, error)
	Promote(ctx context.Context, id string) error
}

// Router is the authorization gate in front of every module call.
type Router struct {
	auth      Authenticator
	dir       Directory
	objects   *Objects
	dedupe    Deduper
	forwarder *Forwarder
	events    events.Publisher
	log       *zap.Logger
	now       func() time.Time
}

type Option func(*Router)

func WithDedupe(d Deduper) Option { return func(r *Router) { r.dedupe = d } }

func WithForwarder(f *Forwarder) Option { return func(r *Router) { r.forwarder = f } }

func WithObjects(o *Objects) Option { return func(r *Router) { r.objects = o } }

func WithEvents(p events.Publisher) Option { return func(r *Router) { r.events = p } }

func WithLogger(l *zap.Logger) Option { return func(r *Router) { r.log = l } }

func WithClock(now func() time.Time) Option { return func(r *Router) { r.now = now } }

func New(auth Authenticator, dir Directory, opts ...Option) *Router {
	r := &Router{
		auth:   auth,
		dir:    dir,
		events: events.Discard{},
		log:    obs.Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.objects == nil {
		r.objects = NewObjects()
	}
	if r.dedupe == nil {
		r.dedupe = NewMemoryDedupe(DefaultDedupeWindow)
	}
	if r.forwarder == nil {
		r.forwarder = &Forwarder{}
	}
	return r
}

// Dispatch authenticates, authorizes and executes req.
func (r *Router) Dispatch(ctx context.Context, req Request) (Result, error) {
	caller, err := r.caller(ctx, req.CallerToken)
	if err != nil {
		return Result{}, err
	}
	if !req.Module.IsRoutable() {
		return Result{}, fmt.Errorf("%w: module %q is not routed", ErrValidation, req.Module)
	}
	method := strings.ToUpper(req.Method)
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut:
	default:
		return Result{}, fmt.Errorf("%w: method %s not supported", ErrValidation, req.Method)
	}
	req.Method = method

	if err := authorize(caller.Tuple(), req.Module, method, req.Target); err != nil {
		return Result{}, err
	}
	if !isPush(method) {
		return r.pull(ctx, caller, req)
	}

	obj, err := parsePushed(req.Module, req.Body)
	if err != nil {
		return Result{}, err
	}
	if err := checkOwnership(caller.Tuple(), obj); err != nil {
		return Result{}, err
	}
	if req.CorrelationID == "" {
		return r.push(ctx, caller, req, obj)
	}

	key := caller.ID + "|" + req.CorrelationID
	recorded, replay, err := r.dedupe.Begin(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if replay {
		obs.IncDedupeReplay()
		recorded.Replayed = true
		return recorded, nil
	}

	res, err := r.push(ctx, caller, req, obj)
	// the reservation must settle even when the caller has gone away
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err != nil {
		if relErr := r.dedupe.Release(settleCtx, key); relErr != nil {
			r.log.Warn("dedupe release failed", zap.String("key", key), zap.Error(relErr))
		}
		return Result{}, err
	}
	if cErr := r.dedupe.Complete(settleCtx, key, res); cErr != nil {
		r.log.Warn("dedupe record failed", zap.String("key", key), zap.Error(cErr))
	}
	return res, nil
}

func (r *Router) caller(ctx context.Context, token string) (party.Organization, error) {
	p, err := r.auth.Authenticate(ctx, token)
	if err != nil {
		if errors.Is(err, credentials.ErrInvalidToken) {
			return party.Organization{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return party.Organization{}, err
	}
	if p.State != credentials.StateActive {
		return party.Organization{}, fmt.Errorf("%w: credential is %s", ErrUnauthorized, p.State)
	}
	org, err := r.dir.Get(ctx, p.OrganizationID)
	if err != nil {
		if errors.Is(err, party.ErrNotFound) {
			return party.Organization{}, fmt.Errorf("%w: unknown organization", ErrUnauthorized)
		}
		return party.Organization{}, err
	}
	if org.Status == party.StatusPending {
		// activation promotes; this covers a promotion that did not land
		if err := r.dir.Promote(ctx, org.ID); err != nil {
			return party.Organization{}, err
		}
		org.Status = party.StatusRegistered
	}
	if !org.Routable() {
		return party.Organization{}, fmt.Errorf("%w: organization is %s", ErrUnauthorized, org.Status)
	}
	return org, nil
}

func (r *Router) pull(ctx context.Context, caller party.Organization, req Request) (Result, error) {
	if req.Target == nil {
		offset, limit, err := paging(req.Query)
		if err != nil {
			return Result{}, err
		}
		page := r.objects.List(req.Module, caller.Tuple(), offset, limit)
		res, err := r.envelope(page.Items)
		if err != nil {
			return Result{}, err
		}
		res.Header.Set("X-Total-Count", strconv.Itoa(page.Total))
		res.Header.Set("X-Limit", strconv.Itoa(page.Limit))
		obs.ObserveForward(string(req.Module), req.Method, "local")
		return res, nil
	}
	return r.forward(ctx, caller, req, ocpi.Sender)
}

func (r *Router) push(ctx context.Context, caller party.Organization, req Request, obj pushed) (Result, error) {
	if req.Target == nil {
		created := r.objects.Put(req.Module, obj, r.now().UTC())
		res, err := r.envelope(nil)
		if err != nil {
			return Result{}, err
		}
		obs.ObserveForward(string(req.Module), req.Method, "local")
		if created {
			r.dispatched(caller, req, true)
		}
		return res, nil
	}
	res, err := r.forward(ctx, caller, req, ocpi.Receiver)
	if err != nil {
		return Result{}, err
	}
	if res.Status >= 200 && res.Status < 300 && r.objects.Relayed(req.Module, obj) {
		r.dispatched(caller, req, false)
	}
	return res, nil
}

func (r *Router) forward(ctx context.Context, caller party.Organization, req Request, iface ocpi.InterfaceRole) (Result, error) {
	target, err := r.dir.Lookup(ctx, *req.Target)
	if err != nil {
		if errors.Is(err, party.ErrNotFound) {
			return Result{}, fmt.Errorf("%w: %s", ErrNotFound, req.Target)
		}
		return Result{}, err
	}
	if !target.Routable() {
		return Result{}, fmt.Errorf("%w: %s is %s", ErrNotFound, req.Target, target.Status)
	}
	cred, err := r.auth.Get(ctx, target.ID)
	if err != nil || cred.State != credentials.StateActive {
		return Result{}, fmt.Errorf("%w: %s has no active credentials", ErrNotFound, req.Target)
	}
	ep, ok := ocpi.FindEndpoint(cred.PeerEndpoints, req.Module, iface)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s %s", ErrNoEndpoint, req.Module, iface)
	}

	h := http.Header{}
	h.Set("Authorization", "Token "+cred.PeerToken)
	h.Set("OCPI-from-country-code", caller.CountryCode)
	h.Set("OCPI-from-party-id", caller.PartyID)
	h.Set("OCPI-to-country-code", target.CountryCode)
	h.Set("OCPI-to-party-id", target.PartyID)
	if req.RequestID != "" {
		h.Set("X-Request-ID", req.RequestID)
	}
	if req.CorrelationID != "" {
		h.Set("X-Correlation-ID", req.CorrelationID)
	}
	if len(req.Body) > 0 {
		h.Set("Content-Type", "application/json")
	}

	res, err := r.forwarder.Do(ctx, Outbound{
		Method: req.Method,
		URL:    ep.URL,
		Query:  req.Query,
		Header: h,
		Body:   req.Body,
		Module: string(req.Module),
	})
	switch {
	case errors.Is(err, ErrUpstreamTimeout):
		obs.ObserveForward(string(req.Module), req.Method, "timeout")
	case err != nil:
		obs.ObserveForward(string(req.Module), req.Method, "transport_error")
	case res.Status >= 200 && res.Status < 300:
		obs.ObserveForward(string(req.Module), req.Method, "ok")
	default:
		obs.ObserveForward(string(req.Module), req.Method, "upstream_error")
	}
	if err != nil {
		r.log.Warn("forward failed",
			zap.String("module", string(req.Module)),
			zap.String("method", req.Method),
			zap.String("target", req.Target.String()),
			zap.String("request_id", req.RequestID),
			zap.Error(err))
		return Result{}, err
	}
	return res, nil
}

// dispatched announces the first successful push of an object key.
func (r *Router) dispatched(caller party.Organization, req Request, local bool) {
	switch req.Module {
	case ocpi.ModuleLocations, ocpi.ModuleSessions:
	default:
		return
	}
	r.events.Publish(events.Event{
		Kind:           events.ModuleDispatched,
		OrganizationID: caller.ID,
		Role:           string(caller.Role),
		Module:         string(req.Module),
		Method:         req.Method,
		Local:          local,
	})
}

func (r *Router) envelope(data any) (Result, error) {
	body, err := json.Marshal(ocpi.Success(data, r.now()))
	if err != nil {
		return Result{}, fmt.Errorf("encode envelope: %w", err)
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return Result{Status: http.StatusOK, Header: h, Body: body, Local: true}, nil
}

func paging(q url.Values) (offset, limit int, err error) {
	if raw := q.Get("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("%w: offset must be a non-negative integer", ErrValidation)
		}
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return 0, 0, fmt.Errorf("%w: limit must be a positive integer", ErrValidation)
		}
	}
	return offset, limit, nil
}
