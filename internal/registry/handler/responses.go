package handler

import (
	"time"

	"namereg/internal/registry/models"
	"namereg/pkg/domain"
)

type RegistrationResponse struct {
	Identifier  string    `json:"identifier"`
	Name        string    `json:"name"`
	Owner       string    `json:"owner"`
	Stake       uint64    `json:"stake"`
	MetadataURI string    `json:"metadata_uri,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func fromRegistration(reg *models.Registration) RegistrationResponse {
	return RegistrationResponse{
		Identifier:  reg.Record.Identifier.String(),
		Name:        reg.Record.Name,
		Owner:       reg.Owner.String(),
		Stake:       uint64(reg.Stake),
		MetadataURI: reg.Record.MetadataURI,
		CreatedAt:   reg.Record.CreatedAt,
	}
}

type NameResponse struct {
	Identifier  string    `json:"identifier"`
	Name        string    `json:"name"`
	Owner       string    `json:"owner"`
	Approved    string    `json:"approved,omitempty"`
	Stake       uint64    `json:"stake"`
	MetadataURI string    `json:"metadata_uri,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func fromView(v *models.NameView) NameResponse {
	return NameResponse{
		Identifier:  v.Record.Identifier.String(),
		Name:        v.Record.Name,
		Owner:       v.Owner.String(),
		Approved:    v.Approved.String(),
		Stake:       uint64(v.Stake),
		MetadataURI: v.Record.MetadataURI,
		CreatedAt:   v.Record.CreatedAt,
	}
}

type DestructionResponse struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
	Refund     uint64 `json:"refund"`
	Paid       bool   `json:"paid"`
}

type AvailabilityResponse struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

type NameListResponse struct {
	Principal string              `json:"principal"`
	Names     []*models.NameRecord `json:"names"`
}

type AmountResponse struct {
	Principal string `json:"principal,omitempty"`
	Amount    uint64 `json:"amount"`
}

type CostResponse struct {
	Cost uint64 `json:"cost"`
}

func amount(p domain.Principal, q domain.Quantity) AmountResponse {
	return AmountResponse{Principal: p.String(), Amount: uint64(q)}
}
