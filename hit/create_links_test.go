package hit

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

func TestComputeLinkActionsSymlink(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	assert.NilError(t, os.WriteFile(filepath.Join(src, "bin-tool"), []byte("x"), 0755))

	cwd := t.TempDir()
	rules := []LinkRule{{Action: "symlink", Source: src, Select: "bin-*", Target: "bin"}}

	actions, err := ComputeLinkActions(rules, cwd)
	assert.NilError(t, err)
	assert.Equal(t, len(actions), 1)
	assert.Equal(t, actions[0].Kind, "symlink")

	assert.NilError(t, ApplyLinkActions(actions))
	target, err := os.Readlink(filepath.Join(cwd, "bin", "bin-tool"))
	assert.NilError(t, err)
	assert.Equal(t, target, filepath.Join(src, "bin-tool"))
}

func TestComputeLinkActionsExcludeRemovesMatch(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	assert.NilError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("x"), 0644))
	assert.NilError(t, os.WriteFile(filepath.Join(src, "b.txt"), []byte("x"), 0644))

	cwd := t.TempDir()
	rules := []LinkRule{
		{Action: "copy", Source: src, Select: "*.txt"},
		{Action: "exclude", Source: src, Select: "b.txt"},
	}
	actions, err := ComputeLinkActions(rules, cwd)
	assert.NilError(t, err)
	assert.Equal(t, len(actions), 1)
	assert.Equal(t, filepath.Base(actions[0].From), "a.txt")
}

func TestComputeLinkActionsRejectsEscape(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	assert.NilError(t, os.WriteFile(filepath.Join(src, "f"), []byte("x"), 0644))

	cwd := t.TempDir()
	rules := []LinkRule{{Action: "symlink", Source: src, Select: "f", Target: "../../escape"}}
	_, err := ComputeLinkActions(rules, cwd)
	assert.ErrorContains(t, err, "escapes")
}
