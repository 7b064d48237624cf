// Package service is the name registry. It binds names to identifiers and
// coordinates the ownership ledger and the stake escrow so that a live name
// always has exactly one certificate and one stake behind it.
//
// Register and Destroy each run as a single execution keyed on the derived
// identifier. A step that fails aborts the execution and every earlier step is
// undone, so there is no partially registered or partially destroyed name.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"namereg/internal/access"
	escrowmodels "namereg/internal/escrow/models"
	"namereg/internal/events"
	ledgermodels "namereg/internal/ledger/models"
	"namereg/internal/platform/metrics"
	"namereg/internal/registry/models"
	"namereg/pkg/domain"
	dErrors "namereg/pkg/domain-errors"
	"namereg/pkg/platform/sentinel"
	"namereg/pkg/platform/tx"
	"namereg/pkg/requestcontext"
)

const (
	// DefaultCost applies until an administrator sets one.
	DefaultCost domain.Quantity = 10

	maxMetadataURILength = 2048

	costKey = "registry:cost"
)

// NameStore holds name records and registry settings.
type NameStore interface {
	Insert(ctx context.Context, rec *models.NameRecord) error
	FindByName(ctx context.Context, name string) (*models.NameRecord, error)
	FindByIdentifier(ctx context.Context, id domain.Identifier) (*models.NameRecord, error)
	FindMany(ctx context.Context, ids []domain.Identifier) ([]*models.NameRecord, error)
	Delete(ctx context.Context, id domain.Identifier) error
	Scan(ctx context.Context) ([]*models.NameRecord, error)
	Cost(ctx context.Context) (domain.Quantity, error)
	SetCost(ctx context.Context, cost domain.Quantity) error
}

// Ledger is the ownership ledger as seen by the registry.
type Ledger interface {
	Issue(ctx context.Context, id domain.Identifier, owner domain.Principal) (*ledgermodels.Certificate, error)
	Revoke(ctx context.Context, id domain.Identifier, requester domain.Principal) error
	OwnerOf(ctx context.Context, id domain.Identifier) (domain.Principal, error)
	Get(ctx context.Context, id domain.Identifier) (*ledgermodels.Certificate, error)
	Exists(ctx context.Context, id domain.Identifier) (bool, error)
	Transfer(ctx context.Context, id domain.Identifier, from, to, requester domain.Principal) error
	Approve(ctx context.Context, id domain.Identifier, owner, delegate domain.Principal) error
	TotalLive(ctx context.Context) (int64, error)
	Scan(ctx context.Context) ([]*ledgermodels.Certificate, error)
	OwnedBy(ctx context.Context, owner domain.Principal) ([]domain.Identifier, error)
}

// Escrow is the stake escrow as seen by the registry.
type Escrow interface {
	Deposit(ctx context.Context, id domain.Identifier, amount domain.Quantity, payer domain.Principal) (*escrowmodels.Stake, error)
	Release(ctx context.Context, id domain.Identifier, recipient domain.Principal) (*escrowmodels.Payout, error)
	Withdraw(ctx context.Context, principal domain.Principal) (domain.Quantity, error)
	AmountOf(ctx context.Context, id domain.Identifier) domain.Quantity
	PendingOf(ctx context.Context, principal domain.Principal) (domain.Quantity, error)
	Scan(ctx context.Context) ([]*escrowmodels.Stake, error)
	TotalLocked(ctx context.Context) (domain.Quantity, error)
	Mode() escrowmodels.PayoutMode
}

type Service struct {
	names       NameStore
	ledger      Ledger
	escrow      Escrow
	runner      tx.Runner
	access      access.Control
	logger      *slog.Logger
	publisher   events.Publisher
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	defaultCost domain.Quantity
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithAccessControl installs the capability check used by SetCost and
// Authorize. Without one every privileged call is denied.
func WithAccessControl(c access.Control) Option {
	return func(s *Service) {
		s.access = c
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = t
	}
}

// WithDefaultCost sets the registration cost used before SetCost is called.
func WithDefaultCost(cost domain.Quantity) Option {
	return func(s *Service) {
		s.defaultCost = cost
	}
}

func New(names NameStore, ledger Ledger, escrow Escrow, runner tx.Runner, opts ...Option) (*Service, error) {
	if names == nil {
		return nil, errors.New("name store is required")
	}
	if ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if escrow == nil {
		return nil, errors.New("escrow is required")
	}
	if runner == nil {
		return nil, errors.New("tx runner is required")
	}
	s := &Service{
		names:       names,
		ledger:      ledger,
		escrow:      escrow,
		runner:      runner,
		logger:      slog.Default(),
		tracer:      otel.Tracer("namereg/registry"),
		defaultCost: DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.defaultCost == 0 {
		return nil, errors.New("default cost must be positive")
	}
	return s, nil
}

// Register binds name to caller. The caller owns the new certificate and pays
// the current cost as stake.
func (s *Service) Register(ctx context.Context, rawName string, caller domain.Principal, metadataURI string) (reg *models.Registration, err error) {
	ctx, span := s.startSpan(ctx, "registry.Register", attribute.String("name", rawName))
	defer func(start time.Time) { s.finish(ctx, span, "register", start, err) }(time.Now())

	if caller.IsNull() {
		return nil, dErrors.New(dErrors.CodeInvalidOwner, "caller must not be the null principal")
	}
	name, err := domain.NormalizeName(rawName)
	if err != nil {
		return nil, err
	}
	if len(metadataURI) > maxMetadataURILength {
		return nil, dErrors.New(dErrors.CodeBadRequest, "metadata uri is too long")
	}
	id := domain.DeriveIdentifier(name)
	span.SetAttributes(attribute.String("identifier", id.String()))

	cost, err := s.Cost(ctx)
	if err != nil {
		return nil, err
	}

	err = s.runner.RunInTx(ctx, []string{id.String()}, func(ctx context.Context) error {
		if _, err := s.names.FindByName(ctx, name); err == nil {
			return dErrors.New(dErrors.CodeNameTaken, "name is already registered")
		} else if !errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load name record")
		}
		// A certificate without a record means a registration for this
		// identifier is still in flight further up the call stack.
		exists, err := s.ledger.Exists(ctx, id)
		if err != nil {
			return err
		}
		if exists {
			return dErrors.New(dErrors.CodeNameTaken, "name is already registered")
		}

		if _, err := s.ledger.Issue(ctx, id, caller); err != nil {
			return err
		}
		if _, err := s.escrow.Deposit(ctx, id, cost, caller); err != nil {
			return err
		}

		rec := &models.NameRecord{
			Identifier:  id,
			Name:        name,
			MetadataURI: metadataURI,
			CreatedAt:   requestcontext.Now(ctx),
		}
		if err := s.names.Insert(ctx, rec); err != nil {
			if errors.Is(err, sentinel.ErrAlreadyUsed) {
				return dErrors.New(dErrors.CodeNameTaken, "name is already registered")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to bind name")
		}

		events.Emit(ctx, s.publisher, s.logger, events.Registered(ctx, id, name, caller, metadataURI))
		tx.AfterCommit(ctx, func(context.Context) {
			s.metrics.IncrementRegistrations(uint64(cost))
		})
		reg = &models.Registration{Record: rec, Owner: caller, Stake: cost}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "name registered",
		"name", name,
		"identifier", id,
		"owner", caller,
		"stake", uint64(cost),
	)
	return reg, nil
}

// Destroy unbinds target, refunds the stake to the caller and revokes the
// certificate. target is a name or a 0x identifier. Only the live owner may
// destroy.
func (s *Service) Destroy(ctx context.Context, target string, caller domain.Principal) (out *models.Destruction, err error) {
	ctx, span := s.startSpan(ctx, "registry.Destroy", attribute.String("target", target))
	defer func(start time.Time) { s.finish(ctx, span, "destroy", start, err) }(time.Now())

	id, err := s.resolveTarget(target)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("identifier", id.String()))

	// The refund credits caller's pending withdrawal, so its key is taken up
	// front together with the identifier.
	keys := []string{id.String(), escrowmodels.WithdrawalKey(caller)}
	err = s.runner.RunInTx(ctx, keys, func(ctx context.Context) error {
		rec, err := s.record(ctx, id)
		if err != nil {
			return err
		}
		owner, err := s.ledger.OwnerOf(ctx, id)
		if err != nil {
			return missingIsInconsistent(err, "name record has no certificate")
		}
		if caller.IsNull() || caller != owner {
			return dErrors.New(dErrors.CodeNotAuthorized, "only the owner may destroy a name")
		}

		if err := s.names.Delete(ctx, id); err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return dErrors.New(dErrors.CodeNotFound, "name not found")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to unbind name")
		}
		payout, err := s.escrow.Release(ctx, id, caller)
		if err != nil {
			return missingIsInconsistent(err, "name record has no stake")
		}
		if err := s.ledger.Revoke(ctx, id, caller); err != nil {
			return missingIsInconsistent(err, "certificate vanished during destroy")
		}

		events.Emit(ctx, s.publisher, s.logger, events.Destroyed(ctx, id, rec.Name))
		tx.AfterCommit(ctx, func(context.Context) {
			s.metrics.IncrementDestructions(uint64(payout.Amount))
		})
		out = &models.Destruction{
			Identifier: id,
			Name:       rec.Name,
			Recipient:  caller,
			Refund:     payout.Amount,
			Paid:       payout.Paid,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "name destroyed",
		"name", out.Name,
		"identifier", id,
		"recipient", caller,
		"refund", uint64(out.Refund),
	)
	return out, nil
}

// IsAvailable reports whether name can be registered right now.
func (s *Service) IsAvailable(ctx context.Context, rawName string) (bool, error) {
	name, err := domain.NormalizeName(rawName)
	if err != nil {
		return false, err
	}
	id := domain.DeriveIdentifier(name)
	available := false
	err = s.runner.RunInTx(ctx, []string{id.String()}, func(ctx context.Context) error {
		if _, err := s.names.FindByName(ctx, name); err == nil {
			return nil
		} else if !errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load name record")
		}
		exists, err := s.ledger.Exists(ctx, id)
		if err != nil {
			return err
		}
		available = !exists
		return nil
	})
	if err != nil {
		return false, err
	}
	return available, nil
}

// Resolve returns the record bound to name.
func (s *Service) Resolve(ctx context.Context, rawName string) (*models.NameRecord, error) {
	name, err := domain.NormalizeName(rawName)
	if err != nil {
		return nil, err
	}
	rec, err := s.names.FindByName(ctx, name)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "name not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load name record")
	}
	return rec, nil
}

// Lookup joins the record for id with its certificate and stake.
func (s *Service) Lookup(ctx context.Context, id domain.Identifier) (*models.NameView, error) {
	var view *models.NameView
	err := s.runner.RunInTx(ctx, []string{id.String()}, func(ctx context.Context) error {
		rec, err := s.record(ctx, id)
		if err != nil {
			return err
		}
		cert, err := s.ledger.Get(ctx, id)
		if err != nil {
			return missingIsInconsistent(err, "name record has no certificate")
		}
		view = &models.NameView{
			Record:   rec,
			Owner:    cert.Owner,
			Approved: cert.Approved,
			Stake:    s.escrow.AmountOf(ctx, id),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// LookupTarget is Lookup for a name or a 0x identifier.
func (s *Service) LookupTarget(ctx context.Context, target string) (*models.NameView, error) {
	id, err := s.resolveTarget(target)
	if err != nil {
		return nil, err
	}
	return s.Lookup(ctx, id)
}

// NamesOf lists the names whose certificates owner holds.
func (s *Service) NamesOf(ctx context.Context, owner domain.Principal) ([]*models.NameRecord, error) {
	ids, err := s.ledger.OwnedBy(ctx, owner)
	if err != nil {
		return nil, err
	}
	recs, err := s.names.FindMany(ctx, ids)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load name records")
	}
	return recs, nil
}

// Transfer moves ownership of target to `to`. The caller must be the owner or
// the approved delegate. The stake stays with the identifier and is refunded
// to whoever destroys the name.
func (s *Service) Transfer(ctx context.Context, target string, to, caller domain.Principal) (err error) {
	ctx, span := s.startSpan(ctx, "registry.Transfer", attribute.String("target", target))
	defer func(start time.Time) { s.finish(ctx, span, "transfer", start, err) }(time.Now())

	id, err := s.resolveTarget(target)
	if err != nil {
		return err
	}
	return s.runner.RunInTx(ctx, []string{id.String()}, func(ctx context.Context) error {
		if _, err := s.record(ctx, id); err != nil {
			return err
		}
		owner, err := s.ledger.OwnerOf(ctx, id)
		if err != nil {
			return missingIsInconsistent(err, "name record has no certificate")
		}
		return s.ledger.Transfer(ctx, id, owner, to, caller)
	})
}

// Approve names the delegate allowed to transfer target on the owner's
// behalf. The null principal clears it.
func (s *Service) Approve(ctx context.Context, target string, delegate, caller domain.Principal) error {
	id, err := s.resolveTarget(target)
	if err != nil {
		return err
	}
	return s.runner.RunInTx(ctx, []string{id.String()}, func(ctx context.Context) error {
		if _, err := s.record(ctx, id); err != nil {
			return err
		}
		return s.ledger.Approve(ctx, id, caller, delegate)
	})
}

// Cost returns the stake a new registration pays.
func (s *Service) Cost(ctx context.Context) (domain.Quantity, error) {
	cost, err := s.names.Cost(ctx)
	if errors.Is(err, sentinel.ErrNotFound) {
		return s.defaultCost, nil
	}
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read cost")
	}
	return cost, nil
}

// SetCost changes the stake for future registrations. Existing stakes keep
// the amount they were deposited with.
func (s *Service) SetCost(ctx context.Context, cost domain.Quantity, caller domain.Principal) (err error) {
	ctx, span := s.startSpan(ctx, "registry.SetCost", attribute.Int64("cost", int64(cost)))
	defer func(start time.Time) { s.finish(ctx, span, "set_cost", start, err) }(time.Now())

	if err := s.Authorize(ctx, caller, access.CapabilitySetCost); err != nil {
		return err
	}
	if cost == 0 {
		return dErrors.New(dErrors.CodeInvalidAmount, "cost must be positive")
	}
	err = s.runner.RunInTx(ctx, []string{costKey}, func(ctx context.Context) error {
		if err := s.names.SetCost(ctx, cost); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to set cost")
		}
		events.Emit(ctx, s.publisher, s.logger, events.CostChanged(ctx, cost))
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "registration cost changed", "cost", uint64(cost), "principal", caller)
	return nil
}

// Authorize fails with NotAuthorized unless caller holds capability.
func (s *Service) Authorize(ctx context.Context, caller domain.Principal, capability string) error {
	if !access.Allowed(ctx, s.access, caller, capability) {
		return dErrors.New(dErrors.CodeNotAuthorized, "caller lacks "+capability)
	}
	return nil
}

// Withdraw pays out the caller's pending refunds.
func (s *Service) Withdraw(ctx context.Context, caller domain.Principal) (domain.Quantity, error) {
	return s.escrow.Withdraw(ctx, caller)
}

func (s *Service) PendingOf(ctx context.Context, caller domain.Principal) (domain.Quantity, error) {
	return s.escrow.PendingOf(ctx, caller)
}

// Stats reads the counters and refreshes the gauges from them.
func (s *Service) Stats(ctx context.Context) (*models.Stats, error) {
	live, err := s.ledger.TotalLive(ctx)
	if err != nil {
		return nil, err
	}
	locked, err := s.escrow.TotalLocked(ctx)
	if err != nil {
		return nil, err
	}
	cost, err := s.Cost(ctx)
	if err != nil {
		return nil, err
	}
	s.metrics.SetGauges(live, uint64(locked))
	return &models.Stats{
		LiveNames:   live,
		StakeLocked: locked,
		Cost:        cost,
		PayoutMode:  string(s.escrow.Mode()),
	}, nil
}

func (s *Service) record(ctx context.Context, id domain.Identifier) (*models.NameRecord, error) {
	rec, err := s.names.FindByIdentifier(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "name not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load name record")
	}
	return rec, nil
}

func (s *Service) resolveTarget(target string) (domain.Identifier, error) {
	if domain.LooksLikeIdentifier(target) {
		return domain.ParseIdentifier(target)
	}
	name, err := domain.NormalizeName(target)
	if err != nil {
		return domain.Identifier{}, err
	}
	return domain.DeriveIdentifier(name), nil
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (s *Service) finish(ctx context.Context, span trace.Span, operation string, start time.Time, err error) {
	defer span.End()
	s.metrics.ObserveOperation(operation, start)
	if err == nil {
		return
	}
	code := dErrors.CodeOf(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(code))
	s.metrics.IncrementFailure(operation, string(code))
	if code == dErrors.CodeInconsistent {
		s.metrics.AddInconsistencies(1)
		s.logger.ErrorContext(ctx, "registry invariant violated", "operation", operation, "error", err)
		return
	}
	s.logger.DebugContext(ctx, "registry operation failed", "operation", operation, "code", code, "error", err)
}

// missingIsInconsistent reports a NotFound from a collaborator as a broken
// invariant: the caller already holds a name record for the identifier.
func missingIsInconsistent(err error, msg string) error {
	if dErrors.HasCode(err, dErrors.CodeNotFound) {
		return dErrors.Wrap(err, dErrors.CodeInconsistent, msg)
	}
	return err
}

func violationsError(n int) error {
	return dErrors.New(dErrors.CodeInconsistent, fmt.Sprintf("%d identifiers violate the registry invariant", n))
}
