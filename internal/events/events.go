// Package events defines the registry's observable event stream and the
// publishers it can be delivered through.
//
// Events describe committed state only. Services schedule them with Emit,
// which defers publication until the surrounding execution commits; an
// aborted operation emits nothing.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"namereg/pkg/domain"
	"namereg/pkg/platform/tx"
	"namereg/pkg/requestcontext"
)

type Type string

const (
	TypeRegistered             Type = "registered"
	TypeDestroyed              Type = "destroyed"
	TypeCostChanged            Type = "cost_changed"
	TypeStakeDeposited         Type = "stake_deposited"
	TypeStakeReleased          Type = "stake_released"
	TypeCertificateTransferred Type = "certificate_transferred"
	TypeWithdrawalQueued       Type = "withdrawal_queued"
	TypeWithdrawn              Type = "withdrawn"
)

// Event is one entry of the stream. Fields not relevant to Type are empty.
type Event struct {
	ID          string           `json:"id"`
	Type        Type             `json:"type"`
	OccurredAt  time.Time        `json:"occurred_at"`
	RequestID   string           `json:"request_id,omitempty"`
	Identifier  string           `json:"identifier,omitempty"`
	Name        string           `json:"name,omitempty"`
	Owner       domain.Principal `json:"owner,omitempty"`
	From        domain.Principal `json:"from,omitempty"`
	To          domain.Principal `json:"to,omitempty"`
	Principal   domain.Principal `json:"principal,omitempty"`
	Amount      domain.Quantity  `json:"amount,omitempty"`
	MetadataURI string           `json:"metadata_uri,omitempty"`
}

// PartitionKey groups events that must stay ordered relative to each other.
func (e Event) PartitionKey() string {
	switch {
	case e.Identifier != "":
		return e.Identifier
	case !e.Principal.IsNull():
		return e.Principal.String()
	default:
		return string(e.Type)
	}
}

func newEvent(ctx context.Context, t Type) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		OccurredAt: requestcontext.Now(ctx),
		RequestID:  requestcontext.RequestID(ctx),
	}
}

func Registered(ctx context.Context, id domain.Identifier, name string, owner domain.Principal, metadataURI string) Event {
	e := newEvent(ctx, TypeRegistered)
	e.Identifier = id.String()
	e.Name = name
	e.Owner = owner
	e.MetadataURI = metadataURI
	return e
}

func Destroyed(ctx context.Context, id domain.Identifier, name string) Event {
	e := newEvent(ctx, TypeDestroyed)
	e.Identifier = id.String()
	e.Name = name
	return e
}

func CostChanged(ctx context.Context, cost domain.Quantity) Event {
	e := newEvent(ctx, TypeCostChanged)
	e.Amount = cost
	return e
}

func StakeDeposited(ctx context.Context, id domain.Identifier, amount domain.Quantity, depositor domain.Principal) Event {
	e := newEvent(ctx, TypeStakeDeposited)
	e.Identifier = id.String()
	e.Amount = amount
	e.From = depositor
	return e
}

func StakeReleased(ctx context.Context, id domain.Identifier, amount domain.Quantity, recipient domain.Principal) Event {
	e := newEvent(ctx, TypeStakeReleased)
	e.Identifier = id.String()
	e.Amount = amount
	e.To = recipient
	return e
}

func CertificateTransferred(ctx context.Context, id domain.Identifier, from, to domain.Principal) Event {
	e := newEvent(ctx, TypeCertificateTransferred)
	e.Identifier = id.String()
	e.From = from
	e.To = to
	return e
}

func WithdrawalQueued(ctx context.Context, principal domain.Principal, amount domain.Quantity) Event {
	e := newEvent(ctx, TypeWithdrawalQueued)
	e.Principal = principal
	e.Amount = amount
	return e
}

func Withdrawn(ctx context.Context, principal domain.Principal, amount domain.Quantity) Event {
	e := newEvent(ctx, TypeWithdrawn)
	e.Principal = principal
	e.Amount = amount
	return e
}

// Publisher delivers events to a sink.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Emit publishes e once the execution in ctx commits. Publication failures are
// logged; the operation has already succeeded by then.
func Emit(ctx context.Context, pub Publisher, logger *slog.Logger, e Event) {
	if pub == nil {
		return
	}
	tx.AfterCommit(ctx, func(ctx context.Context) {
		if err := pub.Publish(ctx, e); err != nil && logger != nil {
			logger.ErrorContext(ctx, "failed to publish event",
				"event_type", e.Type,
				"event_id", e.ID,
				"error", err,
			)
		}
	})
}
