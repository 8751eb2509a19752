package party

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ocpihub.org/internal/events"
	"ocpihub.org/internal/ids"
	"ocpihub.org/internal/obs"
)

// Store persists organizations. Insert must be an atomic insert-if-absent on
// the identity tuple.
type Store interface {
	Insert(ctx context.Context, org Organization) error
	// Remove deletes a reservation; only used to roll back a failed registration.
	Remove(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (Organization, error)
	FindByTuple(ctx context.Context, t Tuple) (Organization, error)
	List(ctx context.Context, f Filter) ([]Organization, error)
	// UpdateStatus moves id to `to` when its current status is one of `from`,
	// otherwise it returns ErrInvalidTransition.
	UpdateStatus(ctx context.Context, id string, from []Status, to Status, at time.Time) (Organization, error)
	CountByRole(ctx context.Context) (map[Role]int, error)
}

// Issuer creates the credential of a freshly reserved organization and returns
// its first hub token.
type Issuer interface {
	Bootstrap(ctx context.Context, orgID string) (string, error)
}

// Registry owns the organization lifecycle.
type Registry struct {
	store  Store
	issuer Issuer
	events events.Publisher
	log    *zap.Logger
	now    func() time.Time
}

type Option func(*Registry)

func WithEvents(p events.Publisher) Option {
	return func(r *Registry) { r.events = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(store Store, issuer Issuer, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		issuer: issuer,
		events: events.Discard{},
		log:    obs.Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates the request, reserves the identity tuple and bootstraps
// the organization's credential. On bootstrap failure the reservation is
// removed so no half-registered party remains.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (Registration, error) {
	org, err := req.organization()
	if err != nil {
		obs.ObserveRegistration("invalid")
		return Registration{}, err
	}
	now := r.now().UTC()
	org.ID = ids.Prefixed("org")
	org.Status = StatusPending
	org.CreatedAt = now
	org.UpdatedAt = now

	if err := r.store.Insert(ctx, org); err != nil {
		if errors.Is(err, ErrConflict) {
			obs.ObserveRegistration("conflict")
		} else {
			obs.ObserveRegistration("error")
		}
		return Registration{}, err
	}

	token, err := r.issuer.Bootstrap(ctx, org.ID)
	if err != nil {
		rollbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if rbErr := r.store.Remove(rollbackCtx, org.ID); rbErr != nil {
			r.log.Error("registration rollback failed",
				zap.String("organization_id", org.ID),
				zap.Error(rbErr))
			err = errors.Join(err, rbErr)
		}
		obs.ObserveRegistration("error")
		return Registration{}, fmt.Errorf("bootstrap credential: %w", err)
	}

	obs.ObserveRegistration("ok")
	r.log.Info("organization registered",
		zap.String("organization_id", org.ID),
		zap.String("tuple", org.Tuple().String()))
	r.events.Publish(events.Event{
		Kind:           events.OrganizationRegistered,
		OrganizationID: org.ID,
		Role:           string(org.Role),
		To:             string(org.Status),
		Timestamp:      now,
	})
	return Registration{ID: org.ID, Token: token}, nil
}

func (r *Registry) Get(ctx context.Context, id string) (Organization, error) {
	return r.store.Get(ctx, id)
}

func (r *Registry) List(ctx context.Context, f Filter) ([]Organization, error) {
	return r.store.List(ctx, f)
}

// Lookup resolves an identity tuple.
func (r *Registry) Lookup(ctx context.Context, t Tuple) (Organization, error) {
	if err := t.Validate(); err != nil {
		return Organization{}, err
	}
	return r.store.FindByTuple(ctx, t)
}

// Promote marks a pending organization as registered. Already registered is a
// no-op; a suspended organization stays suspended.
func (r *Registry) Promote(ctx context.Context, id string) error {
	_, err := r.transition(ctx, id, []Status{StatusPending}, StatusRegistered)
	if errors.Is(err, ErrInvalidTransition) {
		return nil
	}
	return err
}

// Suspend freezes routing to and from the organization. The tuple stays reserved.
func (r *Registry) Suspend(ctx context.Context, id string) (Organization, error) {
	return r.transition(ctx, id, []Status{StatusPending, StatusRegistered}, StatusSuspended)
}

func (r *Registry) Reinstate(ctx context.Context, id string) (Organization, error) {
	return r.transition(ctx, id, []Status{StatusSuspended}, StatusRegistered)
}

// Counts returns the number of organizations per role.
func (r *Registry) Counts(ctx context.Context) (map[Role]int, error) {
	return r.store.CountByRole(ctx)
}

func (r *Registry) transition(ctx context.Context, id string, from []Status, to Status) (Organization, error) {
	before, err := r.store.Get(ctx, id)
	if err != nil {
		return Organization{}, err
	}
	org, err := r.store.UpdateStatus(ctx, id, from, to, r.now().UTC())
	if err != nil {
		return Organization{}, err
	}
	r.events.Publish(events.Event{
		Kind:           events.OrganizationStatus,
		OrganizationID: org.ID,
		Role:           string(org.Role),
		From:           string(before.Status),
		To:             string(org.Status),
	})
	return org, nil
}
