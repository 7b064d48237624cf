// Package sentinel holds the errors stores return for facts about stored
// rows. Services translate them into domain-errors codes; nothing above the
// service layer should see them.
package sentinel

import "errors"

var (
	// ErrNotFound: no name record, certificate, stake or pending balance.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyUsed: the name, identifier or stake slot is already taken.
	ErrAlreadyUsed = errors.New("already used")
	// ErrInvalidState: the row exists but cannot take the change, such as a
	// debit larger than the pending balance.
	ErrInvalidState = errors.New("invalid state")
)
