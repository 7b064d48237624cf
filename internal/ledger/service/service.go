// Package service is the ownership ledger: the single source of truth for who
// owns an identifier. It issues, transfers and revokes certificates and keeps
// an incrementally maintained count of live certificates.
package service

import (
	"context"
	"errors"
	"log/slog"

	"namereg/internal/events"
	"namereg/internal/ledger/models"
	"namereg/pkg/domain"
	dErrors "namereg/pkg/domain-errors"
	"namereg/pkg/platform/sentinel"
	"namereg/pkg/platform/tx"
	"namereg/pkg/requestcontext"
)

type Store interface {
	Insert(ctx context.Context, cert *models.Certificate) error
	Find(ctx context.Context, id domain.Identifier) (*models.Certificate, error)
	Update(ctx context.Context, cert *models.Certificate) error
	Delete(ctx context.Context, id domain.Identifier) error
	LiveCount(ctx context.Context) (int64, error)
	Scan(ctx context.Context) ([]*models.Certificate, error)
	ListByOwner(ctx context.Context, owner domain.Principal) ([]domain.Identifier, error)
}

type Service struct {
	store     Store
	runner    tx.Runner
	logger    *slog.Logger
	publisher events.Publisher
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

func New(store Store, runner tx.Runner, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("certificate store is required")
	}
	if runner == nil {
		return nil, errors.New("tx runner is required")
	}
	s := &Service{store: store, runner: runner, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue creates the certificate for id, owned by owner.
func (s *Service) Issue(ctx context.Context, id domain.Identifier, owner domain.Principal) (*models.Certificate, error) {
	if owner.IsNull() {
		return nil, dErrors.New(dErrors.CodeInvalidOwner, "owner must not be the null principal")
	}
	var cert *models.Certificate
	err := s.runner.RunInTx(ctx, keys(id), func(ctx context.Context) error {
		if err := tx.Guard(ctx, id.String()); err != nil {
			return err
		}
		cert = &models.Certificate{
			Identifier: id,
			Owner:      owner,
			IssuedAt:   requestcontext.Now(ctx),
		}
		if err := s.store.Insert(ctx, cert); err != nil {
			if errors.Is(err, sentinel.ErrAlreadyUsed) {
				return dErrors.New(dErrors.CodeDuplicateIdentifier, "certificate already issued for identifier")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to issue certificate")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.DebugContext(ctx, "certificate issued", "identifier", id, "owner", owner)
	return cert, nil
}

// Revoke destroys the certificate. Only the owner or the approved delegate may
// revoke.
func (s *Service) Revoke(ctx context.Context, id domain.Identifier, requester domain.Principal) error {
	err := s.runner.RunInTx(ctx, keys(id), func(ctx context.Context) error {
		if err := tx.Guard(ctx, id.String()); err != nil {
			return err
		}
		cert, err := s.find(ctx, id)
		if err != nil {
			return err
		}
		if !cert.CanManage(requester) {
			return dErrors.New(dErrors.CodeNotAuthorized, "requester may not revoke this certificate")
		}
		if err := s.store.Delete(ctx, id); err != nil {
			return translate(err, "failed to revoke certificate")
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.DebugContext(ctx, "certificate revoked", "identifier", id, "requester", requester)
	return nil
}

// OwnerOf returns the live owner of id.
func (s *Service) OwnerOf(ctx context.Context, id domain.Identifier) (domain.Principal, error) {
	cert, err := s.Get(ctx, id)
	if err != nil {
		return domain.NullPrincipal, err
	}
	return cert.Owner, nil
}

func (s *Service) Get(ctx context.Context, id domain.Identifier) (*models.Certificate, error) {
	var cert *models.Certificate
	err := s.runner.RunInTx(ctx, keys(id), func(ctx context.Context) error {
		var err error
		cert, err = s.find(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cert, nil
}

func (s *Service) Exists(ctx context.Context, id domain.Identifier) (bool, error) {
	_, err := s.Get(ctx, id)
	if dErrors.HasCode(err, dErrors.CodeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Transfer moves the certificate from `from` to `to`. The requester must be
// the owner or the approved delegate, and `from` must be the current owner.
// Any approval is cleared.
func (s *Service) Transfer(ctx context.Context, id domain.Identifier, from, to, requester domain.Principal) error {
	if to.IsNull() {
		return dErrors.New(dErrors.CodeInvalidOwner, "cannot transfer to the null principal")
	}
	err := s.runner.RunInTx(ctx, keys(id), func(ctx context.Context) error {
		if err := tx.Guard(ctx, id.String()); err != nil {
			return err
		}
		cert, err := s.find(ctx, id)
		if err != nil {
			return err
		}
		if cert.Owner != from {
			return dErrors.New(dErrors.CodeNotAuthorized, "from is not the current owner")
		}
		if !cert.CanManage(requester) {
			return dErrors.New(dErrors.CodeNotAuthorized, "requester may not transfer this certificate")
		}
		next := cert.Clone()
		next.Owner = to
		next.Approved = domain.NullPrincipal
		if err := s.store.Update(ctx, next); err != nil {
			return translate(err, "failed to transfer certificate")
		}
		events.Emit(ctx, s.publisher, s.logger, events.CertificateTransferred(ctx, id, from, to))
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "certificate transferred", "identifier", id, "from", from, "to", to)
	return nil
}

// Approve sets the single delegate allowed to manage the certificate. The null
// principal clears it.
func (s *Service) Approve(ctx context.Context, id domain.Identifier, owner, delegate domain.Principal) error {
	return s.runner.RunInTx(ctx, keys(id), func(ctx context.Context) error {
		if err := tx.Guard(ctx, id.String()); err != nil {
			return err
		}
		cert, err := s.find(ctx, id)
		if err != nil {
			return err
		}
		if owner.IsNull() || cert.Owner != owner {
			return dErrors.New(dErrors.CodeNotAuthorized, "only the owner may approve a delegate")
		}
		next := cert.Clone()
		next.Approved = delegate
		if err := s.store.Update(ctx, next); err != nil {
			return translate(err, "failed to approve delegate")
		}
		return nil
	})
}

// TotalLive returns the maintained count of live certificates.
func (s *Service) TotalLive(ctx context.Context) (int64, error) {
	n, err := s.store.LiveCount(ctx)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read live count")
	}
	return n, nil
}

// Scan lists every live certificate.
func (s *Service) Scan(ctx context.Context) ([]*models.Certificate, error) {
	certs, err := s.store.Scan(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to scan certificates")
	}
	return certs, nil
}

func (s *Service) OwnedBy(ctx context.Context, owner domain.Principal) ([]domain.Identifier, error) {
	ids, err := s.store.ListByOwner(ctx, owner)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list certificates")
	}
	return ids, nil
}

func (s *Service) find(ctx context.Context, id domain.Identifier) (*models.Certificate, error) {
	cert, err := s.store.Find(ctx, id)
	if err != nil {
		return nil, translate(err, "failed to load certificate")
	}
	return cert, nil
}

func translate(err error, msg string) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, "certificate not found")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, msg)
}

func keys(id domain.Identifier) []string {
	return []string{id.String()}
}
