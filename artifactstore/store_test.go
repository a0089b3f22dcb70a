package artifactstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"gotest.tools/v3/assert"

	"github.com/hashdist/hit/buildspec"
	"github.com/hashdist/hit/hasher"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	s, err := New(filepath.Join(root, "db"), filepath.Join(root, "opt"), "{name}-{shorthash}", logrus.NewEntry(logrus.New()))
	assert.NilError(t, err)
	return s
}

func TestRegisterAndResolve(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	id := buildspec.ArtifactID{Name: "foo", Digest: hasher.Digest("abcdefghijklmnopqrstuvwxyz234567")}
	staged, created, err := s.StageDir(id)
	assert.NilError(t, err)
	assert.Assert(t, created)
	assert.NilError(t, os.WriteFile(filepath.Join(staged, "build.json"), []byte("{}"), 0644))

	path, err := s.Register(id, staged)
	assert.NilError(t, err)
	assert.Equal(t, path, staged)

	present, err := s.IsPresent(id)
	assert.NilError(t, err)
	assert.Assert(t, present)

	resolved, ok, err := s.Resolve(id)
	assert.NilError(t, err)
	assert.Assert(t, ok)
	assert.Equal(t, resolved, staged)
}

func TestResolveAbsentHealsStaleLink(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	id := buildspec.ArtifactID{Name: "foo", Digest: hasher.Digest("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")}

	staged, _, err := s.StageDir(id)
	assert.NilError(t, err)
	_, err = s.Register(id, staged)
	assert.NilError(t, err)

	assert.NilError(t, os.RemoveAll(staged))

	_, ok, err := s.Resolve(id)
	assert.NilError(t, err)
	assert.Assert(t, !ok)
}

func TestCollisionHandlingTwoDistinctDigestsResolveIndependently(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	idA := buildspec.ArtifactID{Name: "foo", Digest: hasher.Digest("aaaaaaaaaaaazzzzzzzzzzzzzzzzzzzz")}
	idB := buildspec.ArtifactID{Name: "foo", Digest: hasher.Digest("aaaaaaaaaaaayyyyyyyyyyyyyyyyyyyy")}

	stagedA, _, err := s.StageDir(idA)
	assert.NilError(t, err)
	_, err = s.Register(idA, stagedA)
	assert.NilError(t, err)

	stagedB, _, err := s.StageDir(idB)
	assert.NilError(t, err)
	assert.Assert(t, stagedA != stagedB)
	_, err = s.Register(idB, stagedB)
	assert.NilError(t, err)

	resolvedA, ok, err := s.Resolve(idA)
	assert.NilError(t, err)
	assert.Assert(t, ok)
	resolvedB, ok, err := s.Resolve(idB)
	assert.NilError(t, err)
	assert.Assert(t, ok)
	assert.Assert(t, resolvedA != resolvedB)
}

func TestRegisterRaceLoserRemovesStaged(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	id := buildspec.ArtifactID{Name: "foo", Digest: hasher.Digest("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")}

	winner, _, err := s.StageDir(id)
	assert.NilError(t, err)
	winnerPath, err := s.Register(id, winner)
	assert.NilError(t, err)

	loser := winner + "-loser"
	assert.NilError(t, os.MkdirAll(loser, 0755))
	result, err := s.Register(id, loser)
	assert.NilError(t, err)
	assert.Equal(t, result, winnerPath)

	_, statErr := os.Stat(loser)
	assert.Assert(t, os.IsNotExist(statErr))
}

func TestDeleteRemovesRegisteredArtifact(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	id := buildspec.ArtifactID{Name: "foo", Digest: hasher.Digest("cccccccccccccccccccccccccccccccc")}

	staged, _, err := s.StageDir(id)
	assert.NilError(t, err)
	_, err = s.Register(id, staged)
	assert.NilError(t, err)

	assert.NilError(t, s.Delete(false))
	present, err := s.IsPresent(id)
	assert.NilError(t, err)
	assert.Assert(t, !present)
}
