package domain

import (
	"bytes"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/crypto/sha3"

	dErrors "namereg/pkg/domain-errors"
)

// Identifier is the handle a registered name occupies in the ownership ledger
// and the stake escrow. It is derived from the normalized name, so the same
// name always maps to the same identifier and registration order is not
// observable.
type Identifier [32]byte

const identifierPrefix = "0x"

// maxPrincipalLength bounds principals accepted at trust boundaries.
const maxPrincipalLength = 128

// DeriveIdentifier hashes an already-normalized name. Callers holding raw
// input go through NormalizeName first.
func DeriveIdentifier(normalizedName string) Identifier {
	return Identifier(sha3.Sum256([]byte(normalizedName)))
}

// ParseIdentifier parses the 0x-prefixed hex form produced by String.
func ParseIdentifier(s string) (Identifier, error) {
	var id Identifier
	hexPart, ok := strings.CutPrefix(s, identifierPrefix)
	if !ok || len(hexPart) != hex.EncodedLen(len(id)) {
		return Identifier{}, dErrors.New(dErrors.CodeBadRequest, "identifier must be 0x followed by 64 hex characters")
	}
	if _, err := hex.Decode(id[:], []byte(hexPart)); err != nil {
		return Identifier{}, dErrors.Wrap(err, dErrors.CodeBadRequest, "identifier is not valid hex")
	}
	if id.IsZero() {
		return Identifier{}, dErrors.New(dErrors.CodeBadRequest, "identifier must not be zero")
	}
	return id, nil
}

// LooksLikeIdentifier reports whether s is shaped like an identifier rather
// than a name. Names cannot contain the 0x prefix followed by 64 hex digits
// because they are capped at 63 characters.
func LooksLikeIdentifier(s string) bool {
	return strings.HasPrefix(s, identifierPrefix) && len(s) == len(identifierPrefix)+64
}

func (i Identifier) String() string {
	return identifierPrefix + hex.EncodeToString(i[:])
}

func (i Identifier) IsZero() bool {
	return i == Identifier{}
}

// Compare orders identifiers bytewise.
func (i Identifier) Compare(other Identifier) int {
	return bytes.Compare(i[:], other[:])
}

func (i Identifier) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

func (i *Identifier) UnmarshalText(text []byte) error {
	parsed, err := ParseIdentifier(string(text))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// Principal is an account that can own certificates, pay stakes and hold
// token balances. The empty principal is the null principal.
type Principal string

// NullPrincipal never owns anything.
const NullPrincipal Principal = ""

func (p Principal) IsNull() bool { return p == NullPrincipal }

func (p Principal) String() string { return string(p) }

// ParsePrincipal validates a principal received from outside the process.
func ParsePrincipal(s string) (Principal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return NullPrincipal, dErrors.New(dErrors.CodeBadRequest, "principal is required")
	}
	if len(s) > maxPrincipalLength {
		return NullPrincipal, dErrors.New(dErrors.CodeBadRequest, "principal is too long")
	}
	for _, r := range s {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return NullPrincipal, dErrors.New(dErrors.CodeBadRequest, "principal contains invalid characters")
		}
	}
	return Principal(s), nil
}

// Quantity is an amount of collateral token units.
type Quantity uint64
