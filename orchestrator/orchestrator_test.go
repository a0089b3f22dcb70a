package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"gotest.tools/v3/assert"

	"github.com/hashdist/hit/artifactstore"
	"github.com/hashdist/hit/buildspec"
	"github.com/hashdist/hit/internal/config"
	"github.com/hashdist/hit/sourcecache"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	root := t.TempDir()
	sc, err := sourcecache.New(filepath.Join(root, "src"), nil)
	assert.NilError(t, err)
	store, err := artifactstore.New(filepath.Join(root, "db"), filepath.Join(root, "artifacts"), "{name}/{shorthash}", nil)
	assert.NilError(t, err)
	buildTemp := filepath.Join(root, "tmp")
	assert.NilError(t, os.MkdirAll(buildTemp, 0755))
	logger := logrus.NewEntry(logrus.New())
	return New(sc, store, buildTemp, logger)
}

func TestNewFromConfigWiresCollaborators(t *testing.T) {
	t.Parallel()
	cfg := config.Default(t.TempDir())

	o, err := NewFromConfig(cfg, nil)
	assert.NilError(t, err)

	spec := buildspec.Spec{
		Name:    "cfgtest",
		Version: "1.0",
		Build: buildspec.JobSpec{
			Commands: []buildspec.Command{
				{Verb: buildspec.VerbCmd, Argv: []string{"touch", "$ARTIFACT/marker"}},
			},
		},
	}
	_, path, err := o.EnsurePresent(spec, nil, KeepNever)
	assert.NilError(t, err)
	_, err = os.Stat(filepath.Join(path, "marker"))
	assert.NilError(t, err)
}

func TestEnsurePresentBuildsAndRegisters(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t)

	key, err := o.SourceCache.Put(map[string][]byte{"hello.txt": []byte("hi there\n")})
	assert.NilError(t, err)

	spec := buildspec.Spec{
		Name:    "greeter",
		Version: "1.0",
		Sources: []buildspec.SourceEntry{{Key: key.String(), Target: "."}},
		Build: buildspec.JobSpec{
			Commands: []buildspec.Command{
				{Verb: buildspec.VerbCmd, Argv: []string{"cp", "$BUILD/hello.txt", "$ARTIFACT/hello.txt"}},
			},
		},
	}

	id, path, err := o.EnsurePresent(spec, nil, KeepNever)
	assert.NilError(t, err)
	assert.Equal(t, id.Name, "greeter")

	data, err := os.ReadFile(filepath.Join(path, "hello.txt"))
	assert.NilError(t, err)
	assert.Equal(t, string(data), "hi there\n")

	_, err = os.Stat(filepath.Join(path, "build.log.gz"))
	assert.NilError(t, err)
}

func TestEnsurePresentIsIdempotent(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t)

	spec := buildspec.Spec{
		Name:    "noop",
		Version: "1.0",
		Build: buildspec.JobSpec{
			Commands: []buildspec.Command{
				{Verb: buildspec.VerbCmd, Argv: []string{"touch", "$ARTIFACT/marker"}},
			},
		},
	}

	id1, path1, err := o.EnsurePresent(spec, nil, KeepNever)
	assert.NilError(t, err)
	id2, path2, err := o.EnsurePresent(spec, nil, KeepNever)
	assert.NilError(t, err)

	assert.Equal(t, id1.String(), id2.String())
	assert.Equal(t, path1, path2)
}

func TestEnsurePresentKeepsBuildDirOnErrorWithKeepOnError(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t)

	spec := buildspec.Spec{
		Name:    "broken",
		Version: "1.0",
		Build: buildspec.JobSpec{
			Commands: []buildspec.Command{
				{Verb: buildspec.VerbCmd, Argv: []string{"false"}},
			},
		},
	}

	_, _, err := o.EnsurePresent(spec, nil, KeepOnError)
	assert.ErrorContains(t, err, "build failed")

	entries, err := os.ReadDir(o.BuildTemp)
	assert.NilError(t, err)
	assert.Assert(t, len(entries) == 1)
}
