package handler

import (
	"strings"

	"namereg/pkg/domain"
	dErrors "namereg/pkg/domain-errors"
)

// RegisterRequest is the body of POST /names.
type RegisterRequest struct {
	Name        string `json:"name"`
	MetadataURI string `json:"metadata_uri"`
}

func (r *RegisterRequest) Validate() error {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return dErrors.New(dErrors.CodeInvalidName, "name is required")
	}
	r.MetadataURI = strings.TrimSpace(r.MetadataURI)
	return nil
}

// TransferRequest is the body of POST /names/{name}/transfer.
type TransferRequest struct {
	To string `json:"to"`

	to domain.Principal
}

func (r *TransferRequest) Validate() error {
	to, err := domain.ParsePrincipal(r.To)
	if err != nil {
		return dErrors.New(dErrors.CodeInvalidOwner, "to must be a valid principal")
	}
	r.to = to
	return nil
}

// ApproveRequest is the body of POST /names/{name}/approve. An empty delegate
// clears the approval.
type ApproveRequest struct {
	Delegate string `json:"delegate"`

	delegate domain.Principal
}

func (r *ApproveRequest) Validate() error {
	if strings.TrimSpace(r.Delegate) == "" {
		r.delegate = domain.NullPrincipal
		return nil
	}
	delegate, err := domain.ParsePrincipal(r.Delegate)
	if err != nil {
		return err
	}
	r.delegate = delegate
	return nil
}

// SetCostRequest is the body of PUT /admin/cost.
type SetCostRequest struct {
	Cost uint64 `json:"cost"`
}

func (r *SetCostRequest) Validate() error {
	if r.Cost == 0 {
		return dErrors.New(dErrors.CodeInvalidAmount, "cost must be positive")
	}
	return nil
}
