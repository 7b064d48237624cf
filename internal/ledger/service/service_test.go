package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/suite"

	"namereg/internal/events"
	"namereg/internal/ledger/store/memory"
	"namereg/pkg/domain"
	dErrors "namereg/pkg/domain-errors"
	"namereg/pkg/platform/tx"
)

const (
	alice domain.Principal = "alice"
	bob   domain.Principal = "bob"
	carol domain.Principal = "carol"
)

type LedgerServiceSuite struct {
	suite.Suite
	store    *memory.InMemoryStore
	runner   *tx.ShardedRunner
	recorder *events.Recorder
	service  *Service
	ctx      context.Context
}

func TestLedgerServiceSuite(t *testing.T) {
	suite.Run(t, new(LedgerServiceSuite))
}

func (s *LedgerServiceSuite) SetupTest() {
	s.store = memory.New()
	s.runner = tx.NewSharded()
	s.recorder = events.NewRecorder()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var err error
	s.service, err = New(s.store, s.runner, WithLogger(logger), WithPublisher(s.recorder))
	s.Require().NoError(err)
	s.ctx = context.Background()
}

func (s *LedgerServiceSuite) TestNew() {
	s.Run("nil store returns error", func() {
		_, err := New(nil, s.runner)
		s.ErrorContains(err, "certificate store is required")
	})

	s.Run("nil runner returns error", func() {
		_, err := New(s.store, nil)
		s.ErrorContains(err, "tx runner is required")
	})
}

func (s *LedgerServiceSuite) TestIssue() {
	id := domain.DeriveIdentifier("alice")

	s.Run("issues to the owner", func() {
		cert, err := s.service.Issue(s.ctx, id, alice)
		s.Require().NoError(err)
		s.Equal(alice, cert.Owner)

		owner, err := s.service.OwnerOf(s.ctx, id)
		s.Require().NoError(err)
		s.Equal(alice, owner)
	})

	s.Run("duplicate identifier", func() {
		_, err := s.service.Issue(s.ctx, id, bob)
		s.True(dErrors.HasCode(err, dErrors.CodeDuplicateIdentifier))

		owner, _ := s.service.OwnerOf(s.ctx, id)
		s.Equal(alice, owner)
	})

	s.Run("null owner", func() {
		_, err := s.service.Issue(s.ctx, domain.DeriveIdentifier("other"), domain.NullPrincipal)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidOwner))
	})

	s.Run("owner lookup of unknown identifier", func() {
		_, err := s.service.OwnerOf(s.ctx, domain.DeriveIdentifier("missing"))
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

		exists, err := s.service.Exists(s.ctx, domain.DeriveIdentifier("missing"))
		s.Require().NoError(err)
		s.False(exists)
	})
}

func (s *LedgerServiceSuite) TestRevoke() {
	id := domain.DeriveIdentifier("alice")
	_, err := s.service.Issue(s.ctx, id, alice)
	s.Require().NoError(err)

	s.Run("stranger cannot revoke", func() {
		err := s.service.Revoke(s.ctx, id, bob)
		s.True(dErrors.HasCode(err, dErrors.CodeNotAuthorized))
		exists, _ := s.service.Exists(s.ctx, id)
		s.True(exists)
	})

	s.Run("approved delegate can revoke", func() {
		s.Require().NoError(s.service.Approve(s.ctx, id, alice, bob))
		s.Require().NoError(s.service.Revoke(s.ctx, id, bob))
		exists, _ := s.service.Exists(s.ctx, id)
		s.False(exists)
	})

	s.Run("unknown identifier", func() {
		err := s.service.Revoke(s.ctx, id, alice)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *LedgerServiceSuite) TestTransfer() {
	id := domain.DeriveIdentifier("alice")
	_, err := s.service.Issue(s.ctx, id, alice)
	s.Require().NoError(err)

	s.Run("from must be the current owner", func() {
		err := s.service.Transfer(s.ctx, id, bob, carol, bob)
		s.True(dErrors.HasCode(err, dErrors.CodeNotAuthorized))
	})

	s.Run("requester must be owner or approved", func() {
		err := s.service.Transfer(s.ctx, id, alice, carol, carol)
		s.True(dErrors.HasCode(err, dErrors.CodeNotAuthorized))
	})

	s.Run("null recipient", func() {
		err := s.service.Transfer(s.ctx, id, alice, domain.NullPrincipal, alice)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidOwner))
	})

	s.Run("approved delegate transfers and approval is cleared", func() {
		s.Require().NoError(s.service.Approve(s.ctx, id, alice, carol))
		s.Require().NoError(s.service.Transfer(s.ctx, id, alice, bob, carol))

		cert, err := s.service.Get(s.ctx, id)
		s.Require().NoError(err)
		s.Equal(bob, cert.Owner)
		s.True(cert.Approved.IsNull())

		transferred := s.recorder.OfType(events.TypeCertificateTransferred)
		s.Require().Len(transferred, 1)
		s.Equal(alice, transferred[0].From)
		s.Equal(bob, transferred[0].To)
	})

	s.Run("previous owner lost control", func() {
		err := s.service.Transfer(s.ctx, id, bob, alice, alice)
		s.True(dErrors.HasCode(err, dErrors.CodeNotAuthorized))
	})
}

func (s *LedgerServiceSuite) TestApprove() {
	id := domain.DeriveIdentifier("alice")
	_, err := s.service.Issue(s.ctx, id, alice)
	s.Require().NoError(err)

	err = s.service.Approve(s.ctx, id, bob, bob)
	s.True(dErrors.HasCode(err, dErrors.CodeNotAuthorized))

	s.Require().NoError(s.service.Approve(s.ctx, id, alice, bob))
	s.Require().NoError(s.service.Approve(s.ctx, id, alice, domain.NullPrincipal))
	err = s.service.Revoke(s.ctx, id, bob)
	s.True(dErrors.HasCode(err, dErrors.CodeNotAuthorized))
}

func (s *LedgerServiceSuite) TestRollback() {
	id := domain.DeriveIdentifier("alice")

	err := s.runner.RunInTx(s.ctx, []string{id.String()}, func(ctx context.Context) error {
		if _, err := s.service.Issue(ctx, id, alice); err != nil {
			return err
		}
		return errors.New("later step failed")
	})
	s.Require().Error(err)

	exists, err := s.service.Exists(s.ctx, id)
	s.Require().NoError(err)
	s.False(exists)
	live, err := s.service.TotalLive(s.ctx)
	s.Require().NoError(err)
	s.Zero(live)
}

func (s *LedgerServiceSuite) TestSealedIdentifierRejectsNestedMutation() {
	id := domain.DeriveIdentifier("alice")
	_, err := s.service.Issue(s.ctx, id, alice)
	s.Require().NoError(err)

	err = s.runner.RunInTx(s.ctx, []string{id.String()}, func(ctx context.Context) error {
		unseal := tx.Seal(ctx, id.String())
		defer unseal()
		return s.service.Transfer(ctx, id, alice, bob, alice)
	})
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))

	owner, _ := s.service.OwnerOf(s.ctx, id)
	s.Equal(alice, owner)
}

func (s *LedgerServiceSuite) TestLiveCountMatchesScan() {
	for i := range 20 {
		_, err := s.service.Issue(s.ctx, domain.DeriveIdentifier(fmt.Sprintf("name-%d", i)), alice)
		s.Require().NoError(err)
	}
	for i := 0; i < 20; i += 3 {
		s.Require().NoError(s.service.Revoke(s.ctx, domain.DeriveIdentifier(fmt.Sprintf("name-%d", i)), alice))
	}
	_, err := s.service.Issue(s.ctx, domain.DeriveIdentifier("name-1"), bob)
	s.Require().Error(err)

	live, err := s.service.TotalLive(s.ctx)
	s.Require().NoError(err)
	certs, err := s.service.Scan(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(len(certs)), live)
	s.Equal(int64(13), live)

	owned, err := s.service.OwnedBy(s.ctx, alice)
	s.Require().NoError(err)
	s.Len(owned, 13)
}
