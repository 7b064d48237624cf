package domain

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "namereg/pkg/domain-errors"
)

// TestDeriveIdentifier_Invariants covers the properties the registry relies
// on: the same name always yields the same identifier and distinct names do
// not collide.
func TestDeriveIdentifier_Invariants(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t, DeriveIdentifier("alice"), DeriveIdentifier("alice"))
	})

	t.Run("distinct names map to distinct identifiers", func(t *testing.T) {
		assert.NotEqual(t, DeriveIdentifier("alice"), DeriveIdentifier("bob"))
	})

	t.Run("never zero", func(t *testing.T) {
		assert.False(t, DeriveIdentifier("alice").IsZero())
	})
}

func TestParseIdentifier(t *testing.T) {
	id := DeriveIdentifier("alice")

	t.Run("round trips through String", func(t *testing.T) {
		parsed, err := ParseIdentifier(id.String())
		require.NoError(t, err)
		assert.Equal(t, id, parsed)
	})

	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"missing prefix", strings.TrimPrefix(id.String(), "0x")},
		{"short", "0xabcdef"},
		{"non hex", "0x" + strings.Repeat("zz", 32)},
		{"zero", "0x" + strings.Repeat("00", 32)},
	}
	for _, tt := range tests {
		t.Run("rejects "+tt.name, func(t *testing.T) {
			_, err := ParseIdentifier(tt.input)
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeBadRequest))
		})
	}
}

func TestIdentifierJSON(t *testing.T) {
	id := DeriveIdentifier("carol")
	raw, err := json.Marshal(struct {
		ID Identifier `json:"id"`
	}{ID: id})
	require.NoError(t, err)
	assert.Contains(t, string(raw), id.String())

	var decoded struct {
		ID Identifier `json:"id"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, id, decoded.ID)
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"alice", "alice", false},
		{"  Alice ", "alice", false},
		{"my-name-42", "my-name-42", false},
		{"", "", true},
		{"-alice", "", true},
		{"alice-", "", true},
		{"al ice", "", true},
		{"alice.eth", "", true},
		{"ålice", "", true},
		{strings.Repeat("a", MaxNameLength), strings.Repeat("a", MaxNameLength), false},
		{strings.Repeat("a", MaxNameLength+1), "", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := NormalizeName(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidName))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLooksLikeIdentifier(t *testing.T) {
	assert.True(t, LooksLikeIdentifier(DeriveIdentifier("alice").String()))
	assert.False(t, LooksLikeIdentifier("alice"))
	assert.False(t, LooksLikeIdentifier("0xabc"))
}

// TestParsePrincipal_SecurityInvariants validates the trust-boundary rules for
// principals arriving from tokens and request bodies.
func TestParsePrincipal_SecurityInvariants(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"Empty string", "", true},
		{"Whitespace only", "   ", true},
		{"Embedded space", "ali ce", true},
		{"Null byte", "alice\x00", true},
		{"Oversized input", strings.Repeat("a", 1000), true},
		{"Plain account", "alice", false},
		{"Hex address", "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParsePrincipal(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, dErrors.HasCode(err, dErrors.CodeBadRequest))
				assert.True(t, p.IsNull())
				return
			}
			require.NoError(t, err)
			assert.False(t, p.IsNull())
		})
	}
}
