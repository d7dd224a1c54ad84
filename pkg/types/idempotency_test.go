package types

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDerivedKeyStability pins the derivation so that it can never drift:
// replayed workers must regenerate byte-identical keys.
func TestDerivedKeyStability(t *testing.T) {
	tests := []struct {
		name  string
		base  string
		index OplogIndex
	}{
		{"uuid base", "2e2b44cf-8a10-4f9a-917d-50b5b2a14b81", 5},
		{"uuid base other index", "2e2b44cf-8a10-4f9a-917d-50b5b2a14b81", 6},
		{"free-form base", "my-user-chosen-key", 5},
		{"empty-ish base", "x", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := NewIdempotencyKey(tt.base)
			first := DerivedIdempotencyKey(base, tt.index)
			for i := 0; i < 20; i++ {
				assert.Equal(t, first, DerivedIdempotencyKey(base, tt.index))
			}
			// Derived keys are themselves valid UUIDs.
			_, err := uuid.Parse(first.Value)
			require.NoError(t, err)
		})
	}
}

func TestDerivedKeyMatchesUUIDv5(t *testing.T) {
	// When the base is a UUID it is used directly as the v5 namespace over
	// "oplog-index-{n}".
	base := NewIdempotencyKey("2e2b44cf-8a10-4f9a-917d-50b5b2a14b81")
	ns := uuid.MustParse(base.Value)
	want := uuid.NewSHA1(ns, []byte("oplog-index-7")).String()
	assert.Equal(t, want, DerivedIdempotencyKey(base, 7).Value)

	// Otherwise the namespace is first derived from the fixed root.
	freeform := NewIdempotencyKey("some arbitrary string")
	derivedNs := uuid.NewSHA1(idempotencyRootNamespace, []byte("some arbitrary string"))
	want = uuid.NewSHA1(derivedNs, []byte("oplog-index-7")).String()
	assert.Equal(t, want, DerivedIdempotencyKey(freeform, 7).Value)
}

func TestDerivedKeysDifferPerIndex(t *testing.T) {
	base := FreshIdempotencyKey()
	seen := map[string]bool{}
	for idx := OplogIndex(1); idx <= 50; idx++ {
		k := DerivedIdempotencyKey(base, idx)
		assert.False(t, seen[k.Value], "index %d produced duplicate key", idx)
		seen[k.Value] = true
	}
}

func TestFreshKeysAreUnique(t *testing.T) {
	a := FreshIdempotencyKey()
	b := FreshIdempotencyKey()
	assert.NotEqual(t, a.Value, b.Value)
	assert.False(t, a.IsZero())
	assert.True(t, IdempotencyKey{}.IsZero())
}
