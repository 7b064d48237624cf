package service

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"namereg/internal/access"
	accessmocks "namereg/internal/access/mocks"
	escrowmodels "namereg/internal/escrow/models"
	escrowservice "namereg/internal/escrow/service"
	escrowmem "namereg/internal/escrow/store/memory"
	"namereg/internal/events"
	ledgermodels "namereg/internal/ledger/models"
	ledgerservice "namereg/internal/ledger/service"
	ledgermem "namereg/internal/ledger/store/memory"
	"namereg/internal/platform/metrics"
	"namereg/internal/registry/models"
	"namereg/internal/registry/store/memory"
	tokenmem "namereg/internal/token/memory"
	"namereg/pkg/domain"
	dErrors "namereg/pkg/domain-errors"
	"namereg/pkg/platform/tx"
)

const (
	escrowAccount domain.Principal = "escrow"
	admin         domain.Principal = "admin"
	alice         domain.Principal = "alice"
	bob           domain.Principal = "bob"
	carol         domain.Principal = "carol"

	cost domain.Quantity = 1000
)

// =============================================================================
// Registry Service Test Suite
// =============================================================================
// The registry is exercised end to end against the in-memory ledger, escrow
// and token. Token hooks stand in for a third-party token calling back into
// the registry mid-transfer.

type RegistryServiceSuite struct {
	suite.Suite
	ctx      context.Context
	runner   *tx.ShardedRunner
	names    *memory.InMemoryStore
	certs    *ledgermem.InMemoryStore
	stakes   *escrowmem.InMemoryStore
	ledger   *ledgerservice.Service
	token    *tokenmem.Ledger
	recorder *events.Recorder
	metrics  *metrics.Metrics
	logger   *slog.Logger
	control  *access.Static
	service  *Service
}

func TestRegistryServiceSuite(t *testing.T) {
	suite.Run(t, new(RegistryServiceSuite))
}

func (s *RegistryServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.runner = tx.NewSharded()
	s.names = memory.New()
	s.certs = ledgermem.New()
	s.stakes = escrowmem.New()
	s.recorder = events.NewRecorder()
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.control = access.NewStatic(map[domain.Principal][]string{
		admin: {access.CapabilitySetCost, access.CapabilityCheckConsistency},
	})

	s.token = tokenmem.NewLedger()
	s.token.Mint(alice, 1000)
	s.token.Mint(bob, 500)
	s.token.Approve(alice, escrowAccount, 10_000)
	s.token.Approve(bob, escrowAccount, 10_000)

	ledger, err := ledgerservice.New(s.certs, s.runner,
		ledgerservice.WithLogger(s.logger),
		ledgerservice.WithPublisher(s.recorder),
	)
	s.Require().NoError(err)
	s.ledger = ledger

	s.service = s.build(escrowmodels.PayoutDeferred)
}

func (s *RegistryServiceSuite) build(mode escrowmodels.PayoutMode, opts ...Option) *Service {
	return s.buildWithLedger(s.ledger, mode, opts...)
}

func (s *RegistryServiceSuite) buildWithLedger(ledger Ledger, mode escrowmodels.PayoutMode, opts ...Option) *Service {
	escrow, err := escrowservice.New(s.stakes, s.token.Client(escrowAccount), escrowAccount, s.runner,
		escrowservice.WithPayoutMode(mode),
		escrowservice.WithLogger(s.logger),
		escrowservice.WithPublisher(s.recorder),
		escrowservice.WithMetrics(s.metrics),
	)
	s.Require().NoError(err)

	base := []Option{
		WithLogger(s.logger),
		WithPublisher(s.recorder),
		WithMetrics(s.metrics),
		WithAccessControl(s.control),
		WithDefaultCost(cost),
	}
	svc, err := New(s.names, ledger, escrow, s.runner, append(base, opts...)...)
	s.Require().NoError(err)
	return svc
}

func (s *RegistryServiceSuite) register(name string, caller domain.Principal) *models.Registration {
	reg, err := s.service.Register(s.ctx, name, caller, "")
	s.Require().NoError(err)
	return reg
}

func (s *RegistryServiceSuite) requireCode(err error, code dErrors.Code) {
	s.Require().Error(err)
	s.Equal(code, dErrors.CodeOf(err), "unexpected error: %v", err)
}

func (s *RegistryServiceSuite) TestNew() {
	escrow, err := escrowservice.New(s.stakes, s.token.Client(escrowAccount), escrowAccount, s.runner)
	s.Require().NoError(err)

	s.Run("nil name store", func() {
		_, err := New(nil, s.ledger, escrow, s.runner)
		s.ErrorContains(err, "name store is required")
	})
	s.Run("nil ledger", func() {
		_, err := New(s.names, nil, escrow, s.runner)
		s.ErrorContains(err, "ledger is required")
	})
	s.Run("nil escrow", func() {
		_, err := New(s.names, s.ledger, nil, s.runner)
		s.ErrorContains(err, "escrow is required")
	})
	s.Run("nil runner", func() {
		_, err := New(s.names, s.ledger, escrow, nil)
		s.ErrorContains(err, "tx runner is required")
	})
	s.Run("zero default cost", func() {
		_, err := New(s.names, s.ledger, escrow, s.runner, WithDefaultCost(0))
		s.ErrorContains(err, "default cost must be positive")
	})
}

func (s *RegistryServiceSuite) TestRegister() {
	s.Run("binds name, issues certificate and locks stake", func() {
		reg, err := s.service.Register(s.ctx, "  Alice ", alice, "ipfs://meta")
		s.Require().NoError(err)

		id := domain.DeriveIdentifier("alice")
		s.Equal(id, reg.Record.Identifier)
		s.Equal("alice", reg.Record.Name)
		s.Equal("ipfs://meta", reg.Record.MetadataURI)
		s.Equal(alice, reg.Owner)
		s.Equal(cost, reg.Stake)

		owner, err := s.ledger.OwnerOf(s.ctx, id)
		s.Require().NoError(err)
		s.Equal(alice, owner)
		s.Equal(domain.Quantity(0), s.token.Balance(alice))
		s.Equal(cost, s.token.Balance(escrowAccount))

		available, err := s.service.IsAvailable(s.ctx, "alice")
		s.Require().NoError(err)
		s.False(available)

		registered := s.recorder.OfType(events.TypeRegistered)
		s.Require().Len(registered, 1)
		s.Equal(id.String(), registered[0].Identifier)
		s.Equal("alice", registered[0].Name)
		s.Equal(alice, registered[0].Owner)
		s.InDelta(1, testutil.ToFloat64(s.metrics.Registrations), 0)
	})

	s.Run("second registration of the same name is refused", func() {
		_, err := s.service.Register(s.ctx, "alice", bob, "")
		s.requireCode(err, dErrors.CodeNameTaken)
		s.Equal(domain.Quantity(500), s.token.Balance(bob))
	})

	s.Run("invalid names", func() {
		for _, name := range []string{"", "-alice", "al ice", "ali_ce", strings.Repeat("a", 64)} {
			_, err := s.service.Register(s.ctx, name, bob, "")
			s.requireCode(err, dErrors.CodeInvalidName)
		}
	})

	s.Run("null caller", func() {
		_, err := s.service.Register(s.ctx, "nobody", domain.NullPrincipal, "")
		s.requireCode(err, dErrors.CodeInvalidOwner)
	})

	s.Run("oversized metadata uri", func() {
		_, err := s.service.Register(s.ctx, "meta", bob, strings.Repeat("x", maxMetadataURILength+1))
		s.requireCode(err, dErrors.CodeBadRequest)
	})
}

func (s *RegistryServiceSuite) TestRegisterWithoutFundsLeavesNoCertificate() {
	_, err := s.service.Register(s.ctx, "carol", carol, "")
	s.requireCode(err, dErrors.CodeTransferFailed)

	id := domain.DeriveIdentifier("carol")
	exists, err := s.ledger.Exists(s.ctx, id)
	s.Require().NoError(err)
	s.False(exists)

	available, err := s.service.IsAvailable(s.ctx, "carol")
	s.Require().NoError(err)
	s.True(available)

	live, err := s.ledger.TotalLive(s.ctx)
	s.Require().NoError(err)
	s.Zero(live)
	s.Empty(s.recorder.OfType(events.TypeRegistered))
	s.Empty(s.recorder.OfType(events.TypeStakeDeposited))
}

func (s *RegistryServiceSuite) TestRegisterWithInsufficientBalance() {
	_, err := s.service.Register(s.ctx, "bob", bob, "")
	s.requireCode(err, dErrors.CodeTransferFailed)

	exists, err := s.ledger.Exists(s.ctx, domain.DeriveIdentifier("bob"))
	s.Require().NoError(err)
	s.False(exists)
	s.Equal(domain.Quantity(500), s.token.Balance(bob))
	s.Equal(domain.Quantity(0), s.token.Balance(escrowAccount))

	available, err := s.service.IsAvailable(s.ctx, "bob")
	s.Require().NoError(err)
	s.True(available)
}

func (s *RegistryServiceSuite) TestDestroyRefundsExactStake() {
	s.register("alice", alice)
	s.Equal(domain.Quantity(0), s.token.Balance(alice))

	out, err := s.service.Destroy(s.ctx, "alice", alice)
	s.Require().NoError(err)
	s.Equal("alice", out.Name)
	s.Equal(cost, out.Refund)
	s.Equal(alice, out.Recipient)

	s.Equal(domain.Quantity(1000), s.token.Balance(alice))
	s.Equal(domain.Quantity(0), s.token.Balance(escrowAccount))

	pending, err := s.service.PendingOf(s.ctx, alice)
	s.Require().NoError(err)
	s.Zero(pending)

	_, err = s.service.Resolve(s.ctx, "alice")
	s.requireCode(err, dErrors.CodeNotFound)
	available, err := s.service.IsAvailable(s.ctx, "alice")
	s.Require().NoError(err)
	s.True(available)

	destroyed := s.recorder.OfType(events.TypeDestroyed)
	s.Require().Len(destroyed, 1)
	s.Equal("alice", destroyed[0].Name)

	report, err := s.service.CheckConsistency(s.ctx)
	s.Require().NoError(err)
	s.True(report.Consistent())
}

func (s *RegistryServiceSuite) TestDestroyByIdentifier() {
	reg := s.register("alice", alice)

	out, err := s.service.Destroy(s.ctx, reg.Record.Identifier.String(), alice)
	s.Require().NoError(err)
	s.Equal("alice", out.Name)
}

func (s *RegistryServiceSuite) TestDestroyRejections() {
	s.register("alice", alice)

	s.Run("non-owner", func() {
		_, err := s.service.Destroy(s.ctx, "alice", bob)
		s.requireCode(err, dErrors.CodeNotAuthorized)
		rec, err := s.service.Resolve(s.ctx, "alice")
		s.Require().NoError(err)
		s.Equal("alice", rec.Name)
		s.Equal(cost, s.token.Balance(escrowAccount))
	})

	s.Run("unknown name", func() {
		_, err := s.service.Destroy(s.ctx, "nobody", alice)
		s.requireCode(err, dErrors.CodeNotFound)
	})

	s.Run("malformed identifier", func() {
		_, err := s.service.Destroy(s.ctx, "0x"+strings.Repeat("z", 64), alice)
		s.requireCode(err, dErrors.CodeBadRequest)
	})
}

func (s *RegistryServiceSuite) TestDeferredRefundStaysPendingWhenPushFails() {
	s.register("alice", alice)
	s.token.SetHook(func(_ context.Context, m tokenmem.Movement) error {
		if m.Direction == tokenmem.DirectionOut {
			return dErrors.New(dErrors.CodeInternal, "recipient rejects funds")
		}
		return nil
	})

	out, err := s.service.Destroy(s.ctx, "alice", alice)
	s.Require().NoError(err)
	s.False(out.Paid)

	pending, err := s.service.PendingOf(s.ctx, alice)
	s.Require().NoError(err)
	s.Equal(cost, pending)

	s.token.SetHook(nil)
	paid, err := s.service.Withdraw(s.ctx, alice)
	s.Require().NoError(err)
	s.Equal(cost, paid)
	s.Equal(domain.Quantity(1000), s.token.Balance(alice))
}

func (s *RegistryServiceSuite) TestDirectPayoutFailureAbortsDestroy() {
	svc := s.build(escrowmodels.PayoutDirect)
	_, err := svc.Register(s.ctx, "alice", alice, "")
	s.Require().NoError(err)

	s.token.SetHook(func(_ context.Context, m tokenmem.Movement) error {
		if m.Direction == tokenmem.DirectionOut {
			return dErrors.New(dErrors.CodeInternal, "recipient rejects funds")
		}
		return nil
	})
	_, err = svc.Destroy(s.ctx, "alice", alice)
	s.requireCode(err, dErrors.CodeTransferFailed)
	s.token.SetHook(nil)

	rec, err := svc.Resolve(s.ctx, "alice")
	s.Require().NoError(err)
	s.Equal("alice", rec.Name)
	owner, err := s.ledger.OwnerOf(s.ctx, rec.Identifier)
	s.Require().NoError(err)
	s.Equal(alice, owner)
	s.Equal(cost, s.token.Balance(escrowAccount))

	report, err := svc.CheckConsistency(s.ctx)
	s.Require().NoError(err)
	s.True(report.Consistent())
}

func (s *RegistryServiceSuite) TestReentrantCallsDuringRegister() {
	var (
		registerErr error
		destroyErr  error
		fired       bool
	)
	s.token.SetHook(func(ctx context.Context, m tokenmem.Movement) error {
		if fired || m.Direction != tokenmem.DirectionIn {
			return nil
		}
		fired = true
		_, registerErr = s.service.Register(ctx, "alice", bob, "")
		_, destroyErr = s.service.Destroy(ctx, "alice", alice)
		return nil
	})

	reg := s.register("alice", alice)
	s.Require().True(fired)
	s.requireCode(registerErr, dErrors.CodeNameTaken)
	s.requireCode(destroyErr, dErrors.CodeNotFound)

	s.Equal(alice, reg.Owner)
	s.Equal(domain.Quantity(500), s.token.Balance(bob))
	s.Len(s.recorder.OfType(events.TypeRegistered), 1)

	report, err := s.service.CheckConsistency(s.ctx)
	s.Require().NoError(err)
	s.True(report.Consistent())
}

func (s *RegistryServiceSuite) TestReentrantRegisterDuringDirectPayout() {
	svc := s.build(escrowmodels.PayoutDirect)
	_, err := svc.Register(s.ctx, "alice", alice, "")
	s.Require().NoError(err)

	var reentrantErr error
	s.token.SetHook(func(ctx context.Context, m tokenmem.Movement) error {
		if m.Direction == tokenmem.DirectionOut {
			_, reentrantErr = svc.Register(ctx, "alice", bob, "")
		}
		return nil
	})
	out, err := svc.Destroy(s.ctx, "alice", alice)
	s.Require().NoError(err)
	s.True(out.Paid)

	// The record is gone but the certificate is not revoked yet.
	s.requireCode(reentrantErr, dErrors.CodeNameTaken)
	s.Equal(domain.Quantity(1000), s.token.Balance(alice))
	s.Equal(domain.Quantity(500), s.token.Balance(bob))
}

func (s *RegistryServiceSuite) TestReentrantDestroyDuringDirectPayout() {
	svc := s.build(escrowmodels.PayoutDirect)
	_, err := svc.Register(s.ctx, "alice", alice, "")
	s.Require().NoError(err)

	var (
		reentrantErr error
		payouts      int
	)
	s.token.SetHook(func(ctx context.Context, m tokenmem.Movement) error {
		if m.Direction != tokenmem.DirectionOut {
			return nil
		}
		payouts++
		if payouts == 1 {
			_, reentrantErr = svc.Destroy(ctx, "alice", alice)
		}
		return nil
	})
	out, err := svc.Destroy(s.ctx, "alice", alice)
	s.Require().NoError(err)
	s.True(out.Paid)

	s.requireCode(reentrantErr, dErrors.CodeNotFound)
	s.Equal(1, payouts)
	s.Equal(domain.Quantity(1000), s.token.Balance(alice))
	s.Equal(domain.Quantity(0), s.token.Balance(escrowAccount))
	s.Len(s.recorder.OfType(events.TypeDestroyed), 1)

	report, err := svc.CheckConsistency(s.ctx)
	s.Require().NoError(err)
	s.True(report.Consistent())
}

// revokeFailure fails Revoke after letting a concurrent caller act on the
// state the destroy has produced so far.
type revokeFailure struct {
	Ledger
	during func()
}

func (l *revokeFailure) Revoke(context.Context, domain.Identifier, domain.Principal) error {
	l.during()
	return dErrors.New(dErrors.CodeInternal, "ledger unavailable")
}

func (s *RegistryServiceSuite) TestWithdrawCannotPayRefundOfAbortedDestroy() {
	s.register("alice", alice)
	s.Equal(domain.Quantity(0), s.token.Balance(alice))

	var (
		paid        domain.Quantity
		withdrawErr error
		done        = make(chan struct{})
	)
	failing := &revokeFailure{Ledger: s.ledger}
	svc := s.buildWithLedger(failing, escrowmodels.PayoutDeferred)
	failing.during = func() {
		go func() {
			defer close(done)
			paid, withdrawErr = svc.Withdraw(context.Background(), alice)
		}()
		// Long enough for the withdrawal to run if it were not blocked.
		time.Sleep(50 * time.Millisecond)
	}

	_, err := svc.Destroy(s.ctx, "alice", alice)
	s.requireCode(err, dErrors.CodeInternal)
	<-done

	s.requireCode(withdrawErr, dErrors.CodeNotFound)
	s.Zero(paid)
	s.Equal(domain.Quantity(0), s.token.Balance(alice))
	s.Equal(cost, s.token.Balance(escrowAccount))

	rec, err := svc.Resolve(s.ctx, "alice")
	s.Require().NoError(err)
	s.Equal("alice", rec.Name)
	s.Equal(cost, s.stakeOf(rec.Identifier))
	pending, err := svc.PendingOf(s.ctx, alice)
	s.Require().NoError(err)
	s.Zero(pending)

	report, err := svc.CheckConsistency(s.ctx)
	s.Require().NoError(err)
	s.True(report.Consistent())
}

func (s *RegistryServiceSuite) stakeOf(id domain.Identifier) domain.Quantity {
	stake, err := s.stakes.FindStake(s.ctx, id)
	s.Require().NoError(err)
	return stake.Amount
}

func (s *RegistryServiceSuite) TestReentrantCallWithFreshContextTimesOut() {
	var reentrantErr error
	s.token.SetHook(func(context.Context, tokenmem.Movement) error {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, reentrantErr = s.service.Register(ctx, "alice", bob, "")
		return nil
	})

	s.register("alice", alice)
	s.requireCode(reentrantErr, dErrors.CodeTimeout)
}

func (s *RegistryServiceSuite) TestSetCost() {
	s.Run("admin changes the cost for future registrations", func() {
		s.Require().NoError(s.service.SetCost(s.ctx, 250, admin))
		got, err := s.service.Cost(s.ctx)
		s.Require().NoError(err)
		s.Equal(domain.Quantity(250), got)

		reg := s.register("bob", bob)
		s.Equal(domain.Quantity(250), reg.Stake)
		s.Equal(domain.Quantity(250), s.token.Balance(bob))

		changed := s.recorder.OfType(events.TypeCostChanged)
		s.Require().Len(changed, 1)
		s.Equal(domain.Quantity(250), changed[0].Amount)
	})

	s.Run("existing stakes keep their amount", func() {
		s.Require().NoError(s.service.SetCost(s.ctx, 400, admin))
		out, err := s.service.Destroy(s.ctx, "bob", bob)
		s.Require().NoError(err)
		s.Equal(domain.Quantity(250), out.Refund)
		s.Equal(domain.Quantity(500), s.token.Balance(bob))
	})

	s.Run("non-admin is refused", func() {
		err := s.service.SetCost(s.ctx, 1, alice)
		s.requireCode(err, dErrors.CodeNotAuthorized)
	})

	s.Run("zero cost is refused", func() {
		err := s.service.SetCost(s.ctx, 0, admin)
		s.requireCode(err, dErrors.CodeInvalidAmount)
	})

	s.Run("without access control every caller is refused", func() {
		escrow, err := escrowservice.New(s.stakes, s.token.Client(escrowAccount), escrowAccount, s.runner)
		s.Require().NoError(err)
		svc, err := New(s.names, s.ledger, escrow, s.runner, WithLogger(s.logger))
		s.Require().NoError(err)
		s.requireCode(svc.SetCost(s.ctx, 5, admin), dErrors.CodeNotAuthorized)
	})
}

func (s *RegistryServiceSuite) TestSetCostConsultsAccessControl() {
	ctrl := gomock.NewController(s.T())
	control := accessmocks.NewMockControl(ctrl)
	svc := s.build(escrowmodels.PayoutDeferred, WithAccessControl(control))

	control.EXPECT().HasCapability(gomock.Any(), carol, access.CapabilitySetCost).Return(true)
	s.Require().NoError(svc.SetCost(s.ctx, 7, carol))

	control.EXPECT().HasCapability(gomock.Any(), bob, access.CapabilitySetCost).Return(false)
	s.requireCode(svc.SetCost(s.ctx, 7, bob), dErrors.CodeNotAuthorized)
}

func (s *RegistryServiceSuite) TestTransferAndApprove() {
	s.register("alice", alice)

	s.Run("stranger cannot transfer", func() {
		err := s.service.Transfer(s.ctx, "alice", bob, bob)
		s.requireCode(err, dErrors.CodeNotAuthorized)
	})

	s.Run("approved delegate transfers", func() {
		s.Require().NoError(s.service.Approve(s.ctx, "alice", carol, alice))
		view, err := s.service.LookupTarget(s.ctx, "alice")
		s.Require().NoError(err)
		s.Equal(carol, view.Approved)

		s.Require().NoError(s.service.Transfer(s.ctx, "alice", bob, carol))
		view, err = s.service.LookupTarget(s.ctx, "alice")
		s.Require().NoError(err)
		s.Equal(bob, view.Owner)
		s.Equal(domain.NullPrincipal, view.Approved)
		s.Equal(cost, view.Stake)
	})

	s.Run("previous owner can no longer destroy", func() {
		_, err := s.service.Destroy(s.ctx, "alice", alice)
		s.requireCode(err, dErrors.CodeNotAuthorized)
	})

	s.Run("new owner destroys and receives the stake", func() {
		out, err := s.service.Destroy(s.ctx, "alice", bob)
		s.Require().NoError(err)
		s.Equal(cost, out.Refund)
		s.Equal(domain.Quantity(1500), s.token.Balance(bob))
	})

	s.Run("unknown target", func() {
		err := s.service.Transfer(s.ctx, "ghost", bob, alice)
		s.requireCode(err, dErrors.CodeNotFound)
		err = s.service.Approve(s.ctx, "ghost", bob, alice)
		s.requireCode(err, dErrors.CodeNotFound)
	})
}

func (s *RegistryServiceSuite) TestNamesOf() {
	s.Require().NoError(s.service.SetCost(s.ctx, 100, admin))
	s.register("zeta", alice)
	s.register("alpha", alice)
	s.register("bob", bob)

	recs, err := s.service.NamesOf(s.ctx, alice)
	s.Require().NoError(err)
	s.Require().Len(recs, 2)
	s.Equal("alpha", recs[0].Name)
	s.Equal("zeta", recs[1].Name)

	recs, err = s.service.NamesOf(s.ctx, carol)
	s.Require().NoError(err)
	s.Empty(recs)
}

func (s *RegistryServiceSuite) TestStats() {
	s.Require().NoError(s.service.SetCost(s.ctx, 100, admin))
	s.register("alice", alice)
	s.register("bob", bob)

	stats, err := s.service.Stats(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(2), stats.LiveNames)
	s.Equal(domain.Quantity(200), stats.StakeLocked)
	s.Equal(domain.Quantity(100), stats.Cost)
	s.Equal(string(escrowmodels.PayoutDeferred), stats.PayoutMode)
	s.InDelta(2, testutil.ToFloat64(s.metrics.LiveNames), 0)
}

func (s *RegistryServiceSuite) TestCheckConsistencyReportsViolations() {
	s.Require().NoError(s.service.SetCost(s.ctx, 100, admin))
	s.register("alice", alice)
	s.register("bob", bob)

	// Corrupt the stores directly, outside any execution.
	s.Require().NoError(s.stakes.DeleteStake(s.ctx, domain.DeriveIdentifier("alice")))
	orphan := domain.DeriveIdentifier("orphan")
	s.Require().NoError(s.certs.Insert(s.ctx, &ledgermodels.Certificate{Identifier: orphan, Owner: carol}))

	report, err := s.service.CheckConsistency(s.ctx)
	s.requireCode(err, dErrors.CodeInconsistent)
	s.Require().NotNil(report)
	s.False(report.Consistent())
	s.Equal(2, report.Records)
	s.Equal(3, report.Certificates)
	s.Equal(1, report.Stakes)
	s.False(report.CountMismatch)

	byID := make(map[domain.Identifier]models.Violation)
	for _, v := range report.Violations {
		byID[v.Identifier] = v
	}
	s.Require().Len(byID, 2)
	s.Equal([]models.ViolationKind{models.ViolationMissingStake}, byID[domain.DeriveIdentifier("alice")].Kinds)
	s.Equal("alice", byID[domain.DeriveIdentifier("alice")].Name)
	s.Equal([]models.ViolationKind{models.ViolationOrphanCertificate}, byID[orphan].Kinds)
	s.InDelta(1, testutil.ToFloat64(s.metrics.Inconsistencies), 0)
}

func (s *RegistryServiceSuite) TestDestroyWithMissingStakeIsInconsistent() {
	reg := s.register("alice", alice)
	s.Require().NoError(s.stakes.DeleteStake(s.ctx, reg.Record.Identifier))

	_, err := s.service.Destroy(s.ctx, "alice", alice)
	s.requireCode(err, dErrors.CodeInconsistent)

	// The aborted destroy left the record in place.
	_, err = s.service.Resolve(s.ctx, "alice")
	s.Require().NoError(err)
}
