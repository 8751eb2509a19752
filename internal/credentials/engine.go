// Package credentials runs the OCPI credentials handshake: token issuance,
// exchange, activation, rotation and revocation.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"ocpihub.org/internal/audit"
	"ocpihub.org/internal/events"
	"ocpihub.org/internal/obs"
	"ocpihub.org/internal/ocpi"
)

const (
	DefaultGraceWindow     = 30 * time.Second
	DefaultHandshakeWindow = 15 * time.Minute

	auditTimeout = 2 * time.Second
	// bound on reloads when an activation loses a race
	maxActivationAttempts = 3
)

// Store persists credentials. Swap replaces the credential of
// next.OrganizationID only if its version still equals expect.
type Store interface {
	Create(ctx context.Context, c Credential) error
	Get(ctx context.Context, orgID string) (Credential, error)
	ResolveToken(ctx context.Context, hash string) (Credential, error)
	Swap(ctx context.Context, expect int64, next Credential) error
}

// Hub describes the hub side of the handshake.
type Hub struct {
	VersionsURL string
	Role        Role
	Endpoints   []ocpi.Endpoint
}

// Engine owns every credential transition.
type Engine struct {
	store           Store
	audit           audit.Sink
	alerter         Alerter
	events          events.Publisher
	log             *zap.Logger
	now             func() time.Time
	grace           time.Duration
	handshakeWindow time.Duration
	hub             Hub
	onActivate      func(ctx context.Context, orgID string) error
}

type Option func(*Engine)

func WithAudit(s audit.Sink) Option { return func(e *Engine) { e.audit = s } }

func WithAlerter(a Alerter) Option { return func(e *Engine) { e.alerter = a } }

func WithEvents(p events.Publisher) Option { return func(e *Engine) { e.events = p } }

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.log = l } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithHub(h Hub) Option { return func(e *Engine) { e.hub = h } }

// WithGraceWindow sets how long a rotated-out token stays valid.
func WithGraceWindow(d time.Duration) Option { return func(e *Engine) { e.grace = d } }

// WithHandshakeWindow sets how long a consumed TOKEN_A is remembered so that
// replays are told apart from unknown tokens.
func WithHandshakeWindow(d time.Duration) Option {
	return func(e *Engine) { e.handshakeWindow = d }
}

func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:           store,
		events:          events.Discard{},
		log:             obs.Logger(),
		now:             time.Now,
		grace:           DefaultGraceWindow,
		handshakeWindow: DefaultHandshakeWindow,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.audit == nil {
		e.audit = audit.LogSink{Logger: e.log}
	}
	if e.alerter == nil {
		e.alerter = LogAlerter{Logger: e.log}
	}
	return e
}

// OnActivate installs the hook run after a credential becomes ACTIVE. It must
// be set before the engine serves requests.
func (e *Engine) OnActivate(fn func(ctx context.Context, orgID string) error) {
	e.onActivate = fn
}

// Bootstrap creates the credential of a new organization and issues TOKEN_A.
func (e *Engine) Bootstrap(ctx context.Context, orgID string) (string, error) {
	token, err := NewToken()
	if err != nil {
		return "", err
	}
	now := e.now().UTC()
	initial := Credential{
		OrganizationID: orgID,
		State:          StateUninitialized,
		Version:        1,
		UpdatedAt:      now,
	}
	if err := e.store.Create(ctx, initial); err != nil {
		return "", fmt.Errorf("create credential: %w", err)
	}
	e.transitioned(ctx, orgID, "", StateUninitialized)

	next := initial
	next.TokenHash = HashToken(token)
	next.State = StateTokenAIssued
	next.Version++
	if err := e.store.Swap(ctx, initial.Version, next); err != nil {
		return "", fmt.Errorf("issue token A: %w", err)
	}
	e.transitioned(ctx, orgID, StateUninitialized, StateTokenAIssued)
	return token, nil
}

// Authenticate resolves a presented hub token. The first use of the token
// issued by Exchange activates the credential.
func (e *Engine) Authenticate(ctx context.Context, token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrInvalidToken
	}
	hash := HashToken(token)

	for attempt := 0; attempt < maxActivationAttempts; attempt++ {
		cred, err := e.store.ResolveToken(ctx, hash)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return Principal{}, ErrInvalidToken
			}
			return Principal{}, err
		}
		switch {
		case cred.State == StateRevoked:
			return Principal{}, ErrInvalidToken
		case hash == cred.TokenHash:
			if cred.State != StateHandshake {
				return Principal{OrganizationID: cred.OrganizationID, State: cred.State}, nil
			}
			err := e.activate(ctx, cred)
			if errors.Is(err, ErrStale) {
				continue
			}
			if err != nil {
				return Principal{}, err
			}
			return Principal{OrganizationID: cred.OrganizationID, State: StateActive}, nil
		case hash == cred.PreviousTokenHash:
			if !e.now().Before(cred.PreviousExpiresAt) {
				return Principal{}, ErrInvalidToken
			}
			return Principal{OrganizationID: cred.OrganizationID, State: cred.State, Previous: true}, nil
		default:
			return Principal{}, ErrInvalidToken
		}
	}
	return Principal{}, ErrWrongState
}

func (e *Engine) activate(ctx context.Context, cred Credential) error {
	next := cred.clone()
	next.State = StateActive
	next.PreviousTokenHash = ""
	next.PreviousExpiresAt = time.Time{}
	next.Version++
	next.UpdatedAt = e.now().UTC()
	if err := e.store.Swap(ctx, cred.Version, next); err != nil {
		return err
	}
	e.transitioned(ctx, cred.OrganizationID, StateHandshake, StateActive)
	if e.onActivate != nil {
		if err := e.onActivate(ctx, cred.OrganizationID); err != nil {
			e.log.Error("activation hook failed",
				zap.String("organization_id", cred.OrganizationID),
				zap.Error(err))
		}
	}
	return nil
}

// Exchange consumes TOKEN_A: it stores the party's token and endpoints and
// returns the hub credentials carrying TOKEN_C.
func (e *Engine) Exchange(ctx context.Context, token string, offer Object) (Object, error) {
	p, err := e.Authenticate(ctx, token)
	if err != nil {
		return Object{}, err
	}
	if p.Previous || p.State != StateTokenAIssued {
		return Object{}, fmt.Errorf("%w: exchange requires %s, credential is %s", ErrWrongState, StateTokenAIssued, p.State)
	}
	offer, err = offer.Canonical()
	if err != nil {
		return Object{}, err
	}
	cred, err := e.current(ctx, p.OrganizationID, token, StateTokenAIssued)
	if err != nil {
		return Object{}, err
	}

	issued, err := NewToken()
	if err != nil {
		return Object{}, err
	}
	now := e.now().UTC()
	next := cred.clone()
	next.PreviousTokenHash = cred.TokenHash
	next.PreviousExpiresAt = now.Add(e.handshakeWindow)
	next.TokenHash = HashToken(issued)
	next.PeerToken = offer.Token
	next.PeerURL = offer.URL
	next.PeerEndpoints = append([]ocpi.Endpoint(nil), offer.Endpoints...)
	next.State = StateHandshake
	next.Version++
	next.UpdatedAt = now

	if err := e.swap(ctx, cred, next); err != nil {
		return Object{}, err
	}
	e.transitioned(ctx, cred.OrganizationID, cred.State, StateHandshake)
	return e.hubObject(issued), nil
}

// Rotate replaces the party's token and endpoints and issues a new hub
// token. The old hub token stays valid for the grace window.
func (e *Engine) Rotate(ctx context.Context, token string, offer Object) (Object, error) {
	p, err := e.Authenticate(ctx, token)
	if err != nil {
		return Object{}, err
	}
	if p.Previous || p.State != StateActive {
		return Object{}, fmt.Errorf("%w: rotation requires the current token of an %s credential", ErrWrongState, StateActive)
	}
	offer, err = offer.Canonical()
	if err != nil {
		return Object{}, err
	}
	cred, err := e.current(ctx, p.OrganizationID, token, StateActive)
	if err != nil {
		return Object{}, err
	}

	issued, err := NewToken()
	if err != nil {
		return Object{}, err
	}
	now := e.now().UTC()
	next := cred.clone()
	next.PreviousTokenHash = cred.TokenHash
	next.PreviousExpiresAt = now.Add(e.grace)
	next.TokenHash = HashToken(issued)
	next.PeerToken = offer.Token
	next.PeerURL = offer.URL
	next.PeerEndpoints = append([]ocpi.Endpoint(nil), offer.Endpoints...)
	next.Version++
	next.UpdatedAt = now

	if err := e.swap(ctx, cred, next); err != nil {
		return Object{}, err
	}
	e.transitioned(ctx, cred.OrganizationID, StateActive, StateActive)
	return e.hubObject(issued), nil
}

// Revoke permanently invalidates the caller's credential.
func (e *Engine) Revoke(ctx context.Context, token string) error {
	p, err := e.Authenticate(ctx, token)
	if err != nil {
		return err
	}
	cred, err := e.store.Get(ctx, p.OrganizationID)
	if err != nil {
		return err
	}
	if cred.State == StateRevoked {
		return ErrInvalidToken
	}
	next := cred.clone()
	next.TokenHash = ""
	next.PreviousTokenHash = ""
	next.PreviousExpiresAt = time.Time{}
	next.PeerToken = ""
	next.State = StateRevoked
	next.Version++
	next.UpdatedAt = e.now().UTC()

	if err := e.swap(ctx, cred, next); err != nil {
		return err
	}
	e.transitioned(ctx, cred.OrganizationID, cred.State, StateRevoked)
	return nil
}

// View returns the hub credentials object for the presented token.
func (e *Engine) View(ctx context.Context, token string) (Object, error) {
	if _, err := e.Authenticate(ctx, token); err != nil {
		return Object{}, err
	}
	return e.hubObject(strings.TrimSpace(token)), nil
}

// Get returns the credential of an organization.
func (e *Engine) Get(ctx context.Context, orgID string) (Credential, error) {
	return e.store.Get(ctx, orgID)
}

// current reloads the credential and checks it is still in state with token
// as its current token.
func (e *Engine) current(ctx context.Context, orgID, token string, state State) (Credential, error) {
	cred, err := e.store.Get(ctx, orgID)
	if err != nil {
		return Credential{}, err
	}
	if cred.State != state || cred.TokenHash != HashToken(strings.TrimSpace(token)) {
		return Credential{}, fmt.Errorf("%w: credential changed concurrently", ErrWrongState)
	}
	return cred, nil
}

func (e *Engine) swap(ctx context.Context, cur, next Credential) error {
	err := e.store.Swap(ctx, cur.Version, next)
	if errors.Is(err, ErrStale) {
		return fmt.Errorf("%w: credential changed concurrently", ErrWrongState)
	}
	return err
}

func (e *Engine) hubObject(token string) Object {
	return Object{
		Token:     token,
		URL:       e.hub.VersionsURL,
		Roles:     []Role{e.hub.Role},
		Endpoints: append([]ocpi.Endpoint(nil), e.hub.Endpoints...),
	}
}

// transitioned records a committed transition. Audit failures are reported
// but never undo the transition.
func (e *Engine) transitioned(ctx context.Context, orgID string, from, to State) {
	now := e.now().UTC()
	obs.ObserveTransition(string(from), string(to))

	rec := audit.NewRecord(ctx, orgID, string(from), string(to), now)
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	if err := e.audit.Append(actx, rec); err != nil {
		obs.IncAuditFailure()
		e.log.Error("audit append failed",
			zap.String("organization_id", orgID),
			zap.String("from_state", string(from)),
			zap.String("to_state", string(to)),
			zap.Error(err))
		e.alerter.Alert(ctx, "audit append failed", map[string]string{
			"organization_id": orgID,
			"from_state":      string(from),
			"to_state":        string(to),
			"error":           err.Error(),
		})
	}

	e.events.Publish(events.Event{
		Kind:           events.CredentialTransition,
		OrganizationID: orgID,
		From:           string(from),
		To:             string(to),
		Timestamp:      now,
	})
}
