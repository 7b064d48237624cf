//go:build go1.18

package domain

import (
	"testing"
)

// FuzzNormalizeName checks that normalization never panics, is idempotent,
// and that accepted names always derive a parseable identifier.
func FuzzNormalizeName(f *testing.F) {
	f.Add("")
	f.Add("alice")
	f.Add("  ALICE  ")
	f.Add("-")
	f.Add("0x" + "ab")
	f.Add(string([]byte{0x00, 0x01, 0x02}))

	f.Fuzz(func(t *testing.T, input string) {
		name, err := NormalizeName(input)
		if err != nil {
			return
		}
		again, err := NormalizeName(name)
		if err != nil {
			t.Fatalf("normalized name %q rejected on second pass: %v", name, err)
		}
		if again != name {
			t.Fatalf("normalization not idempotent: %q -> %q", name, again)
		}
		id := DeriveIdentifier(name)
		parsed, err := ParseIdentifier(id.String())
		if err != nil || parsed != id {
			t.Fatalf("derived identifier failed round-trip: %v", err)
		}
	})
}

// FuzzParseIdentifier tests that parsing never panics and that any accepted
// identifier round-trips.
func FuzzParseIdentifier(f *testing.F) {
	f.Add("")
	f.Add(DeriveIdentifier("alice").String())
	f.Add("0x")
	f.Add("'; DROP TABLE certificates;--")

	f.Fuzz(func(t *testing.T, input string) {
		id, err := ParseIdentifier(input)
		if err != nil {
			return
		}
		if id.IsZero() {
			t.Fatal("accepted zero identifier")
		}
		roundTrip, err := ParseIdentifier(id.String())
		if err != nil || roundTrip != id {
			t.Fatalf("round-trip failed: %v", err)
		}
	})
}
