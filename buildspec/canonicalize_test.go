package buildspec

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gotest.tools/v3/assert"
)

func TestArtifactIDDeterministic(t *testing.T) {
	t.Parallel()

	spec := Spec{
		Name:    "foo",
		Version: "1.0",
		Build:   JobSpec{Commands: []Command{{Verb: VerbSet, Key: "X", Value: "1"}}},
	}

	a, err := ArtifactIDFor(spec)
	assert.NilError(t, err)
	b, err := ArtifactIDFor(spec)
	assert.NilError(t, err)
	assert.Equal(t, a.Digest, b.Digest)
	assert.Equal(t, a.Name, "foo")
}

func TestArtifactIDDiffersOnContent(t *testing.T) {
	t.Parallel()

	a := Spec{Name: "foo", Version: "1.0", Build: JobSpec{Commands: []Command{{Verb: VerbSet, Key: "X", Value: "1"}}}}
	b := Spec{Name: "foo", Version: "1.0", Build: JobSpec{Commands: []Command{{Verb: VerbSet, Key: "X", Value: "2"}}}}

	ida, err := ArtifactIDFor(a)
	assert.NilError(t, err)
	idb, err := ArtifactIDFor(b)
	assert.NilError(t, err)
	assert.Assert(t, ida.Digest != idb.Digest)
}

func TestCanonicalizeRejectsInvalidName(t *testing.T) {
	t.Parallel()

	_, err := Canonicalize(Spec{Name: "bad name!", Version: "1.0"})
	assert.ErrorContains(t, err, "name")
}

func TestInEnvDefaultsTrue(t *testing.T) {
	t.Parallel()

	spec := Spec{
		Name:    "foo",
		Version: "1.0",
		Build: JobSpec{
			Imports: []ImportRecord{{ID: "bar/abc"}},
		},
	}
	out, err := Canonicalize(spec)
	assert.NilError(t, err)
	assert.Assert(t, out.Build.Imports[0].InEnvOrDefault())
}

func TestArtifactIDStringRoundtrip(t *testing.T) {
	t.Parallel()

	spec := Spec{Name: "foo", Version: "1.0", Build: JobSpec{Commands: []Command{}}}
	id, err := ArtifactIDFor(spec)
	assert.NilError(t, err)

	parsed, ok := ParseArtifactID(id.String())
	assert.Assert(t, ok)
	assert.Equal(t, parsed.Name, id.Name)
	assert.Equal(t, parsed.Digest, id.Digest)
}

func TestVirtualPrefixRoundtrip(t *testing.T) {
	t.Parallel()

	id := ArtifactID{Name: "bar", Digest: "abc", Virtual: true}
	parsed, ok := ParseArtifactID(id.String())
	assert.Assert(t, ok)
	assert.Assert(t, parsed.Virtual)
	assert.Equal(t, parsed.Name, "bar")
}

func TestCanonicalizeIsIdempotent(t *testing.T) {
	t.Parallel()

	spec := Spec{
		Name:    "foo",
		Version: "1.0",
		Sources: []SourceEntry{{Key: "tar.gz:abc"}},
		Build: JobSpec{
			Imports:  []ImportRecord{{ID: "bar/abc"}},
			Commands: []Command{{Verb: VerbSet, Key: "X", Value: "1"}},
		},
	}

	once, err := Canonicalize(spec)
	assert.NilError(t, err)
	twice, err := Canonicalize(once)
	assert.NilError(t, err)

	if diff := cmp.Diff(once, twice); diff != "" {
		t.Fatalf("canonicalization is not idempotent (-once +twice):\n%s", diff)
	}
}

func TestSpecJSONRoundtripsUnknownFields(t *testing.T) {
	t.Parallel()

	spec := Spec{
		Name:    "foo",
		Version: "1.0",
		Build:   JobSpec{Commands: []Command{{Verb: VerbSet, Key: "X", Value: "1"}}},
		Extra:   map[string]interface{}{"maintainer": "ci-team", "experimental": true},
	}

	raw, err := json.Marshal(spec)
	assert.NilError(t, err)

	var out Spec
	assert.NilError(t, json.Unmarshal(raw, &out))

	assert.Equal(t, out.Name, spec.Name)
	assert.Equal(t, out.Version, spec.Version)
	assert.Equal(t, out.Extra["maintainer"], "ci-team")
	assert.Equal(t, out.Extra["experimental"], true)
}

func TestSpecJSONWithoutExtraOmitsIt(t *testing.T) {
	t.Parallel()

	spec := Spec{Name: "foo", Version: "1.0", Build: JobSpec{Commands: []Command{}}}
	raw, err := json.Marshal(spec)
	assert.NilError(t, err)

	var out Spec
	assert.NilError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, len(out.Extra), 0)
}
