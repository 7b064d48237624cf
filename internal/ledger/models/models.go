package models

import (
	"time"

	"namereg/pkg/domain"
)

// Certificate is the transferable proof of ownership of an identifier. It is
// the only place ownership is recorded.
type Certificate struct {
	Identifier domain.Identifier `json:"identifier"`
	Owner      domain.Principal  `json:"owner"`
	Approved   domain.Principal  `json:"approved,omitempty"`
	IssuedAt   time.Time         `json:"issued_at"`
}

// CanManage reports whether p may revoke or transfer the certificate.
func (c *Certificate) CanManage(p domain.Principal) bool {
	if p.IsNull() {
		return false
	}
	return p == c.Owner || p == c.Approved
}

func (c *Certificate) Clone() *Certificate {
	cp := *c
	return &cp
}
