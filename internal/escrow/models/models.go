package models

import (
	"time"

	"namereg/pkg/domain"
)

// Stake is collateral locked for an identifier. Depositor is kept for audit
// only and never authorizes anything.
type Stake struct {
	Identifier  domain.Identifier `json:"identifier"`
	Amount      domain.Quantity   `json:"amount"`
	Depositor   domain.Principal  `json:"depositor"`
	DepositedAt time.Time         `json:"deposited_at"`
}

func (s *Stake) Clone() *Stake {
	cp := *s
	return &cp
}

// Withdrawal is a refund owed to a principal that has not been paid out yet.
type Withdrawal struct {
	Principal domain.Principal `json:"principal"`
	Amount    domain.Quantity  `json:"amount"`
}

// WithdrawalKey is the lock key guarding principal's pending withdrawal.
// Anything that credits or pays it must hold this key.
func WithdrawalKey(p domain.Principal) string {
	return "withdrawal:" + p.String()
}

// PayoutMode selects how a released stake reaches its recipient.
type PayoutMode string

const (
	// PayoutDeferred credits a pending withdrawal and pushes it after commit.
	PayoutDeferred PayoutMode = "deferred"
	// PayoutDirect pushes inside the operation; a failed push aborts it.
	PayoutDirect PayoutMode = "direct"
)

func ParsePayoutMode(s string) (PayoutMode, bool) {
	switch PayoutMode(s) {
	case PayoutDeferred, PayoutDirect:
		return PayoutMode(s), true
	default:
		return "", false
	}
}

// Payout describes a released stake.
type Payout struct {
	Identifier domain.Identifier `json:"identifier"`
	Recipient  domain.Principal  `json:"recipient"`
	Amount     domain.Quantity   `json:"amount"`
	Mode       PayoutMode        `json:"mode"`
	// Paid is true when the funds reached the recipient within the operation.
	// Deferred payouts are attempted after commit and stay withdrawable.
	Paid bool `json:"paid"`
}
