// Package service hosts the treasury governance core.
//
// It supplies what the core leaves to its host: identities for new
// treasuries, the caller and clock of every Call, per-treasury serialisation
// through the store, custody transfers committed with the treasury state,
// event delivery and telemetry.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/helm-treasury/pkg/authz"
	"github.com/Mindburn-Labs/helm-treasury/pkg/custody"
	"github.com/Mindburn-Labs/helm-treasury/pkg/events"
	"github.com/Mindburn-Labs/helm-treasury/pkg/observability"
	"github.com/Mindburn-Labs/helm-treasury/pkg/store"
	"github.com/Mindburn-Labs/helm-treasury/pkg/treasury"
)

// ErrTreasuryNotFound is returned for an unknown treasury ID.
var ErrTreasuryNotFound = errors.New("treasury not found")

// Options wires a Service. Only Store is required.
type Options struct {
	Store     store.Store
	Engine    *treasury.Engine
	Custody   custody.Policy
	Publisher events.Publisher
	Issuer    *authz.Issuer
	ACL       *authz.Engine
	Telemetry *observability.Provider
	Logger    *slog.Logger
	Clock     func() time.Time
	NewID     func() string
}

// Service runs treasury operations against durable state.
type Service struct {
	store     store.Store
	engine    *treasury.Engine
	custody   custody.Policy
	publisher events.Publisher
	issuer    *authz.Issuer
	acl       *authz.Engine
	telemetry *observability.Provider
	logger    *slog.Logger
	clock     func() time.Time
	newID     func() string
}

// New builds a Service, filling unset options with in-process defaults.
func New(ctx context.Context, opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("service: store is required")
	}
	s := &Service{
		store:     opts.Store,
		engine:    opts.Engine,
		custody:   opts.Custody,
		publisher: opts.Publisher,
		issuer:    opts.Issuer,
		acl:       opts.ACL,
		telemetry: opts.Telemetry,
		logger:    opts.Logger,
		clock:     opts.Clock,
		newID:     opts.NewID,
	}
	if s.engine == nil {
		s.engine = treasury.NewEngine()
	}
	if s.publisher == nil {
		s.publisher = events.NewMemorySink()
	}
	if s.acl == nil {
		s.acl = authz.NewEngine()
	}
	if s.telemetry == nil {
		tp, err := observability.New(ctx, &observability.Config{Enabled: false})
		if err != nil {
			return nil, err
		}
		s.telemetry = tp
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "treasury")
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.newID == nil {
		s.newID = func() string { return uuid.New().String() }
	}
	return s, nil
}

func (s *Service) call(caller treasury.Address) treasury.Call {
	return treasury.Call{Caller: caller, Now: s.clock().UnixMilli()}
}

// update runs fn inside a store transaction and maps store errors onto
// treasury failure kinds.
func (s *Service) update(ctx context.Context, treasuryID string, fn func(tx *store.Tx) error) error {
	err := s.store.Update(ctx, treasuryID, fn)
	if errors.Is(err, store.ErrNotFound) && treasury.KindOf(err) == "" {
		return fmt.Errorf("%w: %s", ErrTreasuryNotFound, treasuryID)
	}
	return err
}

func loadProposal(tx *store.Tx, id string) (*treasury.Proposal, error) {
	p, err := tx.Proposal(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", treasury.ErrProposalNotFound, id)
	}
	return p, err
}

// publish delivers events after state committed. Delivery failures are
// logged; state is not rolled back.
func (s *Service) publish(ctx context.Context, evs []treasury.Event) {
	if len(evs) == 0 {
		return
	}
	envs, err := events.Seal(evs)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to seal events", "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, envs...); err != nil {
		s.logger.WarnContext(ctx, "event delivery failed", "events", len(envs), "error", err)
		return
	}
	for _, env := range envs {
		observability.AddSpanEvent(ctx, string(env.Event.Type),
			attribute.String("event.id", env.ID),
			attribute.String("event.digest", env.Digest),
		)
	}
}

// track wraps an operation in a span and RED metrics.
func (s *Service) track(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(ctx context.Context) error) error {
	ctx, finish := s.telemetry.TrackOperation(ctx, op, attrs...)
	err := fn(ctx)
	finish(err)
	if err != nil {
		s.logger.InfoContext(ctx, "operation rejected", "op", op, "kind", treasury.KindOf(err), "error", err)
	}
	return err
}
