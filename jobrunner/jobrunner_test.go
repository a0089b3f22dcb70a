package jobrunner

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"gotest.tools/v3/assert"

	"github.com/hashdist/hit/buildspec"
)

func TestSubstituteBasic(t *testing.T) {
	t.Parallel()
	env := Env{"FOO": "bar"}
	out, err := Substitute("hello $FOO and ${FOO}!", env)
	assert.NilError(t, err)
	assert.Equal(t, out, "hello bar and bar!")
}

func TestSubstituteEscapeDollar(t *testing.T) {
	t.Parallel()
	out, err := Substitute(`price: \$5`, Env{})
	assert.NilError(t, err)
	assert.Equal(t, out, "price: $5")
}

func TestSubstituteBareDoubleDollarForbidden(t *testing.T) {
	t.Parallel()
	_, err := Substitute("$$", Env{})
	assert.ErrorContains(t, err, "$$")
}

func TestSubstituteUndefinedFails(t *testing.T) {
	t.Parallel()
	_, err := Substitute("$MISSING", Env{})
	assert.ErrorContains(t, err, "undefined")
}

func TestStableTopoSortPreservesDeclarationOrderForIndependents(t *testing.T) {
	t.Parallel()
	imports := []buildspec.ImportRecord{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	sorted, err := StableTopoSort(imports)
	assert.NilError(t, err)
	assert.DeepEqual(t, ids(sorted), []string{"a", "b", "c"})
}

func TestStableTopoSortHonorsBeforeEdge(t *testing.T) {
	t.Parallel()
	imports := []buildspec.ImportRecord{
		{ID: "b"},
		{ID: "a", Before: []string{"b"}},
	}
	sorted, err := StableTopoSort(imports)
	assert.NilError(t, err)
	assert.DeepEqual(t, ids(sorted), []string{"a", "b"})
}

func TestStableTopoSortRootDFSVisitsBeforeChildImmediately(t *testing.T) {
	t.Parallel()
	imports := []buildspec.ImportRecord{
		{ID: "a", Before: []string{"c"}},
		{ID: "b"},
		{ID: "c"},
	}
	sorted, err := StableTopoSort(imports)
	assert.NilError(t, err)
	assert.DeepEqual(t, ids(sorted), []string{"a", "c", "b"})
}

func TestStableTopoSortDetectsCycle(t *testing.T) {
	t.Parallel()
	imports := []buildspec.ImportRecord{
		{ID: "a", Before: []string{"b"}},
		{ID: "b", Before: []string{"a"}},
	}
	_, err := StableTopoSort(imports)
	assert.ErrorContains(t, err, "cycle")
}

func ids(imports []buildspec.ImportRecord) []string {
	out := make([]string, len(imports))
	for i, imp := range imports {
		out[i] = imp.ID
	}
	return out
}

type fakeResolver struct {
	paths map[string]string
}

func (f fakeResolver) ResolveImport(id string, virtuals map[string]string) (string, string, error) {
	concrete := id
	if v, ok := virtuals[id]; ok {
		concrete = v
	}
	return f.paths[concrete], concrete, nil
}

func TestBuildImportEnvSetsRefVars(t *testing.T) {
	t.Parallel()
	ref := "FOOSOFT"
	imports := []buildspec.ImportRecord{{ID: "foosoft/abc", Ref: &ref}}
	resolver := fakeResolver{paths: map[string]string{"foosoft/abc": "/opt/foosoft-abc"}}

	env, err := BuildImportEnv(Env{}, imports, nil, resolver)
	assert.NilError(t, err)
	assert.Equal(t, env["FOOSOFT_DIR"], "/opt/foosoft-abc")
	assert.Equal(t, env["FOOSOFT_ID"], "foosoft/abc")
	assert.Equal(t, env["HDIST_IMPORT"], "foosoft/abc")
}

func TestRunnerSetAndCmdToVar(t *testing.T) {
	t.Parallel()
	logger := logrus.NewEntry(logrus.New())
	r, err := NewRunner(Env{"PATH": "/usr/bin"}, t.TempDir(), t.TempDir(), logger, nil)
	assert.NilError(t, err)
	t.Cleanup(func() { assert.NilError(t, r.Close()) })

	err = r.Run([]buildspec.Command{
		{Verb: buildspec.VerbSet, Key: "GREETING", Value: "hello"},
		{Verb: buildspec.VerbCmdToVar, Var: "OUT", Argv: []string{"/bin/echo", "$GREETING"}},
	})
	assert.NilError(t, err)
	assert.Equal(t, r.Env["OUT"], "hello")
}

func TestRunnerSubScopeDiscardsEnvChanges(t *testing.T) {
	t.Parallel()
	logger := logrus.NewEntry(logrus.New())
	r, err := NewRunner(Env{}, t.TempDir(), t.TempDir(), logger, nil)
	assert.NilError(t, err)
	t.Cleanup(func() { assert.NilError(t, r.Close()) })

	err = r.Run([]buildspec.Command{
		{Verb: buildspec.VerbSubScope, Commands: []buildspec.Command{
			{Verb: buildspec.VerbSet, Key: "X", Value: "1"},
		}},
	})
	assert.NilError(t, err)
	_, ok := r.Env["X"]
	assert.Assert(t, !ok)
}

func TestRunnerCmdFailureReportsBuildFailed(t *testing.T) {
	t.Parallel()
	logger := logrus.NewEntry(logrus.New())
	r, err := NewRunner(Env{}, t.TempDir(), t.TempDir(), logger, nil)
	assert.NilError(t, err)
	t.Cleanup(func() { assert.NilError(t, r.Close()) })

	err = r.Run([]buildspec.Command{{Verb: buildspec.VerbCmd, Argv: []string{"/bin/false"}}})
	assert.ErrorContains(t, err, "build failed")
}

func TestRunnerDrainsLogPipe(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.TextFormatter{DisableColors: true})
	entry := logrus.NewEntry(logger)

	r, err := NewRunner(Env{}, t.TempDir(), t.TempDir(), entry, nil)
	assert.NilError(t, err)

	pipePath, err := CreateLogPipe(r.TmpDir, "mylog", logrus.WarnLevel, r.Mux)
	assert.NilError(t, err)

	err = r.Run([]buildspec.Command{
		{Verb: buildspec.VerbCmd, Argv: []string{"/bin/sh", "-c", "echo hello from pipe > " + pipePath}},
	})
	assert.NilError(t, err)

	assert.NilError(t, r.Close())
	assert.Assert(t, strings.Contains(buf.String(), "hello from pipe"))
	assert.Assert(t, strings.Contains(buf.String(), "mylog"))
}

type fakeDispatcher struct {
	calls [][]string
}

func (f *fakeDispatcher) Dispatch(argv []string, env map[string]string, cwd string, stdout *bytes.Buffer) error {
	f.calls = append(f.calls, argv)
	return nil
}

func TestRunnerDispatchesHitCommands(t *testing.T) {
	t.Parallel()
	logger := logrus.NewEntry(logrus.New())
	disp := &fakeDispatcher{}
	r, err := NewRunner(Env{}, t.TempDir(), t.TempDir(), logger, disp)
	assert.NilError(t, err)
	t.Cleanup(func() { assert.NilError(t, r.Close()) })

	err = r.Run([]buildspec.Command{{Verb: buildspec.VerbHit, Argv: []string{"build-postprocess", "--write-protect"}}})
	assert.NilError(t, err)
	assert.Equal(t, len(disp.calls), 1)
}
