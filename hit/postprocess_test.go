package hit

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

func TestWriteProtectRemovesWritePermission(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	f := filepath.Join(root, "file")
	assert.NilError(t, os.WriteFile(f, []byte("x"), 0644))

	assert.NilError(t, runPostprocess(root, postprocessOpts{writeProtect: true}))

	info, err := os.Stat(f)
	assert.NilError(t, err)
	assert.Equal(t, info.Mode().Perm()&0222, os.FileMode(0))
}

func TestRemovePkgconfigDeletesPcFiles(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	pc := filepath.Join(root, "lib", "pkgconfig", "foo.pc")
	assert.NilError(t, os.MkdirAll(filepath.Dir(pc), 0755))
	assert.NilError(t, os.WriteFile(pc, []byte("prefix=/opt/foo\n"), 0644))

	assert.NilError(t, runPostprocess(root, postprocessOpts{removePkgconfig: true}))
	_, err := os.Stat(pc)
	assert.Assert(t, os.IsNotExist(err))
}

func TestCheckRelocatableFailsOnAbsolutePath(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	f := filepath.Join(root, "script")
	assert.NilError(t, os.WriteFile(f, []byte("#!"+root+"/bin/python\n"), 0755))

	err := runPostprocess(root, postprocessOpts{checkRelocatable: true})
	assert.ErrorContains(t, err, "non-relocatable")
}
