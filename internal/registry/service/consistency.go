package service

import (
	"context"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"namereg/internal/registry/models"
	"namereg/pkg/domain"
	dErrors "namereg/pkg/domain-errors"
	"namereg/pkg/requestcontext"
)

// presence records which of the three stores hold an identifier.
type presence struct {
	name  string
	rec   bool
	cert  bool
	stake bool
}

func (p presence) violations() []models.ViolationKind {
	var kinds []models.ViolationKind
	switch {
	case p.rec:
		if !p.cert {
			kinds = append(kinds, models.ViolationMissingCertificate)
		}
		if !p.stake {
			kinds = append(kinds, models.ViolationMissingStake)
		}
	default:
		if p.cert {
			kinds = append(kinds, models.ViolationOrphanCertificate)
		}
		if p.stake {
			kinds = append(kinds, models.ViolationOrphanStake)
		}
	}
	return kinds
}

// CheckConsistency scans all three stores and verifies that every identifier
// has either all of record, certificate and stake, or none of them. It also
// compares the ledger's maintained live counter against the scan.
//
// The scan is not a snapshot. Identifiers that look wrong are re-read under
// their lock before being reported, so an operation that was in flight during
// the scan is not mistaken for a violation. A non-nil report is returned with
// an Inconsistent error when anything is off.
func (s *Service) CheckConsistency(ctx context.Context) (report *models.ConsistencyReport, err error) {
	ctx, span := s.startSpan(ctx, "registry.CheckConsistency")
	defer func(start time.Time) { s.finish(ctx, span, "check_consistency", start, err) }(time.Now())

	seen, report, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}

	var suspects []domain.Identifier
	for id, p := range seen {
		if len(p.violations()) > 0 {
			suspects = append(suspects, id)
		}
	}
	slices.SortFunc(suspects, domain.Identifier.Compare)

	for _, id := range suspects {
		p, err := s.recheck(ctx, id)
		if err != nil {
			return nil, err
		}
		if kinds := p.violations(); len(kinds) > 0 {
			report.Violations = append(report.Violations, models.Violation{
				Identifier: id,
				Name:       p.name,
				Kinds:      kinds,
			})
		}
	}

	if report.LiveCount != int64(report.Certificates) {
		// Concurrent registrations can move the counter between the two
		// reads, so compare again before reporting.
		certs, err := s.ledger.Scan(ctx)
		if err != nil {
			return nil, err
		}
		live, err := s.ledger.TotalLive(ctx)
		if err != nil {
			return nil, err
		}
		report.Certificates = len(certs)
		report.LiveCount = live
		report.CountMismatch = live != int64(len(certs))
	}

	span.SetAttributes(
		attribute.Int("violations", len(report.Violations)),
		attribute.Bool("count_mismatch", report.CountMismatch),
	)
	if !report.Consistent() {
		s.logger.ErrorContext(ctx, "consistency check failed",
			"violations", len(report.Violations),
			"count_mismatch", report.CountMismatch,
			"live_count", report.LiveCount,
			"certificates", report.Certificates,
		)
		return report, violationsError(len(report.Violations))
	}
	s.logger.InfoContext(ctx, "consistency check passed", "records", report.Records)
	return report, nil
}

func (s *Service) scan(ctx context.Context) (map[domain.Identifier]*presence, *models.ConsistencyReport, error) {
	recs, err := s.names.Scan(ctx)
	if err != nil {
		return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to scan name records")
	}
	live, err := s.ledger.TotalLive(ctx)
	if err != nil {
		return nil, nil, err
	}
	certs, err := s.ledger.Scan(ctx)
	if err != nil {
		return nil, nil, err
	}
	stakes, err := s.escrow.Scan(ctx)
	if err != nil {
		return nil, nil, err
	}

	seen := make(map[domain.Identifier]*presence, len(recs))
	entry := func(id domain.Identifier) *presence {
		p, ok := seen[id]
		if !ok {
			p = &presence{}
			seen[id] = p
		}
		return p
	}
	report := &models.ConsistencyReport{
		CheckedAt:    requestcontext.Now(ctx),
		Records:      len(recs),
		Certificates: len(certs),
		Stakes:       len(stakes),
		LiveCount:    live,
	}
	for _, rec := range recs {
		p := entry(rec.Identifier)
		p.rec = true
		p.name = rec.Name
	}
	for _, cert := range certs {
		entry(cert.Identifier).cert = true
	}
	for _, stake := range stakes {
		p := entry(stake.Identifier)
		p.stake = stake.Amount > 0
		report.StakeLocked += stake.Amount
	}
	return seen, report, nil
}

func (s *Service) recheck(ctx context.Context, id domain.Identifier) (presence, error) {
	var p presence
	err := s.runner.RunInTx(ctx, []string{id.String()}, func(ctx context.Context) error {
		rec, err := s.record(ctx, id)
		switch {
		case err == nil:
			p.rec = true
			p.name = rec.Name
		case !dErrors.HasCode(err, dErrors.CodeNotFound):
			return err
		}
		exists, err := s.ledger.Exists(ctx, id)
		if err != nil {
			return err
		}
		p.cert = exists
		p.stake = s.escrow.AmountOf(ctx, id) > 0
		return nil
	})
	return p, err
}
