package models

import (
	"time"

	"namereg/pkg/domain"
)

// NameRecord binds a normalized name to the identifier derived from it. At
// most one record exists per name.
type NameRecord struct {
	Identifier  domain.Identifier `json:"identifier"`
	Name        string            `json:"name"`
	MetadataURI string            `json:"metadata_uri,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

func (r *NameRecord) Clone() *NameRecord {
	cp := *r
	return &cp
}

// Registration is the outcome of a successful register.
type Registration struct {
	Record *NameRecord      `json:"record"`
	Owner  domain.Principal `json:"owner"`
	Stake  domain.Quantity  `json:"stake"`
}

// Destruction is the outcome of a successful destroy.
type Destruction struct {
	Identifier domain.Identifier `json:"identifier"`
	Name       string            `json:"name"`
	Recipient  domain.Principal  `json:"recipient"`
	Refund     domain.Quantity   `json:"refund"`
	// Paid is false when the refund was queued as a pending withdrawal.
	Paid bool `json:"paid"`
}

// NameView joins a record with its live certificate and stake.
type NameView struct {
	Record   *NameRecord      `json:"record"`
	Owner    domain.Principal `json:"owner"`
	Approved domain.Principal `json:"approved,omitempty"`
	Stake    domain.Quantity  `json:"stake"`
}

// Stats summarizes registry state.
type Stats struct {
	LiveNames   int64           `json:"live_names"`
	StakeLocked domain.Quantity `json:"stake_locked"`
	Cost        domain.Quantity `json:"cost"`
	PayoutMode  string          `json:"payout_mode"`
}

// ViolationKind names which part of the record/certificate/stake triple is off.
type ViolationKind string

const (
	ViolationMissingCertificate ViolationKind = "missing_certificate"
	ViolationMissingStake       ViolationKind = "missing_stake"
	ViolationOrphanCertificate  ViolationKind = "orphan_certificate"
	ViolationOrphanStake        ViolationKind = "orphan_stake"
)

type Violation struct {
	Identifier domain.Identifier `json:"identifier"`
	Name       string            `json:"name,omitempty"`
	Kinds      []ViolationKind   `json:"kinds"`
}

// ConsistencyReport is the result of a full scan.
type ConsistencyReport struct {
	CheckedAt    time.Time       `json:"checked_at"`
	Records      int             `json:"records"`
	Certificates int             `json:"certificates"`
	Stakes       int             `json:"stakes"`
	LiveCount    int64           `json:"live_count"`
	Violations   []Violation     `json:"violations"`
	StakeLocked  domain.Quantity `json:"stake_locked"`
	// CountMismatch is set when the maintained live counter disagrees with
	// the number of certificates found by the scan.
	CountMismatch bool `json:"count_mismatch"`
}

func (r *ConsistencyReport) Consistent() bool {
	return len(r.Violations) == 0 && !r.CountMismatch
}
