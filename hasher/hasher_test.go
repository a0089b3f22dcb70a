package hasher

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestEnvelopesDistinctForStringIntFloat(t *testing.T) {
	t.Parallel()

	str, err := Serialize("3")
	assert.NilError(t, err)
	i, err := Serialize(int64(3))
	assert.NilError(t, err)
	f, err := Serialize(float64(3.0))
	assert.NilError(t, err)

	assert.Assert(t, string(str) != string(i))
	assert.Assert(t, string(str) != string(f))
	assert.Assert(t, string(i) != string(f))
}

func TestHashDeterministicForEqualDocuments(t *testing.T) {
	t.Parallel()

	a := map[string]Value{"b": int64(1), "a": int64(2)}
	b := map[string]Value{"a": int64(2), "b": int64(1)}

	da, err := Hash(a)
	assert.NilError(t, err)
	db, err := Hash(b)
	assert.NilError(t, err)
	assert.Equal(t, da, db)
}

func TestHashDiffersWhenFieldsDiffer(t *testing.T) {
	t.Parallel()

	a := map[string]Value{"x": int64(1)}
	b := map[string]Value{"x": int64(2)}

	da, err := Hash(a)
	assert.NilError(t, err)
	db, err := Hash(b)
	assert.NilError(t, err)
	assert.Assert(t, da != db)
}

func TestNoHashPrefixStrippedFromDigest(t *testing.T) {
	t.Parallel()

	a := map[string]Value{"x": int64(1)}
	b := map[string]Value{"x": int64(1), "nohash_hint": int64(99)}

	da, err := Hash(a)
	assert.NilError(t, err)
	db, err := Hash(b)
	assert.NilError(t, err)
	assert.Equal(t, da, db)
}

func TestNaNRejected(t *testing.T) {
	t.Parallel()

	_, err := Hash(nan())
	assert.ErrorContains(t, err, "NaN")
}

func nan() float64 {
	var zero float64
	return zero / zero
}

func TestDigestIs32Chars(t *testing.T) {
	t.Parallel()

	d, err := Hash("hello")
	assert.NilError(t, err)
	assert.Equal(t, len(d.String()), 32)
}

func TestShortHash(t *testing.T) {
	t.Parallel()

	d, err := Hash("hello")
	assert.NilError(t, err)
	assert.Equal(t, len(d.ShortHash(12)), 12)
	assert.Assert(t, d.ShortHash(12) == d.String()[:12])
}

func TestUnsupportedTypeErrors(t *testing.T) {
	t.Parallel()

	type unknown struct{}
	_, err := Hash(unknown{})
	assert.ErrorContains(t, err, "not hashable")
}

func TestSequenceAndMappingNesting(t *testing.T) {
	t.Parallel()

	v := map[string]Value{
		"items": []Value{int64(1), "two", true, nil},
	}
	d, err := Hash(v)
	assert.NilError(t, err)
	assert.Assert(t, !d.Empty())
}
