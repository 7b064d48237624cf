package domain

import (
	"strings"

	dErrors "namereg/pkg/domain-errors"
)

// MaxNameLength follows the DNS label limit.
const MaxNameLength = 63

// NormalizeName lowercases and trims raw input and checks it is a single
// label of [a-z0-9-] that neither starts nor ends with a hyphen.
func NormalizeName(raw string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if name == "" {
		return "", dErrors.New(dErrors.CodeInvalidName, "name is required")
	}
	if len(name) > MaxNameLength {
		return "", dErrors.New(dErrors.CodeInvalidName, "name must be 63 characters or less")
	}
	if name[0] == '-' || name[len(name)-1] == '-' {
		return "", dErrors.New(dErrors.CodeInvalidName, "name must not start or end with a hyphen")
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' {
			return "", dErrors.New(dErrors.CodeInvalidName, "name may only contain letters, digits and hyphens")
		}
	}
	return name, nil
}
