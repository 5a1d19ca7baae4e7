package vclock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b VectorClock
		want Ordering
	}{
		{"both empty", VectorClock{}, VectorClock{}, Equal},
		{"nil and empty", nil, VectorClock{}, Equal},
		{"identical", VectorClock{"a": 1, "b": 2}, VectorClock{"a": 1, "b": 2}, Equal},
		{"missing key counts as zero", VectorClock{"a": 1, "b": 0}, VectorClock{"a": 1}, Equal},
		{"strictly less", VectorClock{"a": 1}, VectorClock{"a": 2}, Before},
		{"less via missing key", VectorClock{"a": 1}, VectorClock{"a": 1, "b": 1}, Before},
		{"empty before anything", VectorClock{}, VectorClock{"b": 1}, Before},
		{"strictly greater", VectorClock{"a": 3, "b": 1}, VectorClock{"a": 2, "b": 1}, After},
		{"greater via extra key", VectorClock{"a": 1, "b": 1}, VectorClock{"a": 1}, After},
		{"disjoint devices", VectorClock{"a": 1}, VectorClock{"b": 1}, Concurrent},
		{"mixed", VectorClock{"a": 2, "b": 1}, VectorClock{"a": 1, "b": 2}, Concurrent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compare(tt.a, tt.b))
		})
	}
}

func TestCompare_Symmetry(t *testing.T) {
	a := VectorClock{"a": 1}
	b := VectorClock{"a": 1, "b": 4}

	assert.Equal(t, Before, Compare(a, b))
	assert.Equal(t, After, Compare(b, a))
}

func TestMerge_PointwiseMax(t *testing.T) {
	a := VectorClock{"a": 3, "b": 1}
	b := VectorClock{"b": 5, "c": 2}

	merged := Merge(a, b)

	assert.Equal(t, VectorClock{"a": 3, "b": 5, "c": 2}, merged)
	assert.Equal(t, VectorClock{"a": 3, "b": 1}, a, "Merge must not mutate its inputs")
}

func TestMerge_Monotonic(t *testing.T) {
	local := VectorClock{"a": 4, "b": 2, "c": 9}
	remote := VectorClock{"a": 1, "b": 7, "d": 3}
	before := local.Clone()

	local.Merge(remote)

	for id, v := range before {
		assert.GreaterOrEqual(t, local[id], v, "entry %s decreased", id)
	}
	for id, v := range remote {
		assert.GreaterOrEqual(t, local[id], v, "entry %s below remote", id)
	}
	assert.True(t, local.Dominates(remote))
	assert.True(t, local.Dominates(before))
}

func TestIncrement_OwnEntryOnly(t *testing.T) {
	vc := VectorClock{"b": 4}

	assert.Equal(t, int64(1), vc.Increment("a"))
	assert.Equal(t, int64(2), vc.Increment("a"))
	assert.Equal(t, int64(4), vc.Get("b"))
}

func TestNormalizeID_NFC(t *testing.T) {
	decomposed := "cafe\u0301"
	composed := "caf\u00e9"

	assert.Equal(t, composed, NormalizeID(decomposed))
	assert.Equal(t, composed, NormalizeID("  "+composed+" "))

	vc := New()
	vc.Increment(decomposed)
	vc.Increment(composed)
	assert.Equal(t, int64(2), vc.Get(composed))
	assert.Len(t, vc, 1)
}

func TestNormalized_MergesCollidingKeys(t *testing.T) {
	vc := VectorClock{"cafe\u0301": 2, "caf\u00e9": 5}

	assert.Equal(t, VectorClock{"caf\u00e9": 5}, vc.Normalized())
}

func TestValidate(t *testing.T) {
	require.NoError(t, VectorClock{"a": 0, "b": 3}.Validate())

	err := VectorClock{"a": -1}.Validate()
	var clockErr *InvalidClockError
	require.ErrorAs(t, err, &clockErr)
	assert.Equal(t, "a", clockErr.DeviceID)

	assert.Error(t, VectorClock{" ": 1}.Validate())
}

func TestString_SortedKeys(t *testing.T) {
	assert.Equal(t, "{a:1 b:2}", VectorClock{"b": 2, "a": 1}.String())
	assert.Equal(t, "before", Before.String())
}
