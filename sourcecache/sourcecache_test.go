package sourcecache

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"gotest.tools/v3/assert"

	"github.com/hashdist/hit/hasher"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	root := t.TempDir()
	c, err := New(root, logrus.NewEntry(logrus.New()))
	assert.NilError(t, err)
	return c
}

func TestPutUnpackRoundtrip(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)

	files := map[string][]byte{
		"a.txt":     []byte("hello"),
		"dir/b.txt": []byte("world"),
	}
	k, err := c.Put(files)
	assert.NilError(t, err)
	assert.Equal(t, k.Scheme, SchemeFiles)

	target := t.TempDir()
	assert.NilError(t, c.Unpack(k, target, ModeSafe))

	a, err := os.ReadFile(filepath.Join(target, "a.txt"))
	assert.NilError(t, err)
	assert.Equal(t, string(a), "hello")

	b, err := os.ReadFile(filepath.Join(target, "dir", "b.txt"))
	assert.NilError(t, err)
	assert.Equal(t, string(b), "world")
}

func TestPutIsIdempotent(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)

	files := map[string][]byte{"x": []byte("1")}
	k1, err := c.Put(files)
	assert.NilError(t, err)
	k2, err := c.Put(files)
	assert.NilError(t, err)
	assert.Equal(t, k1, k2)
}

func TestFetchLocalFileWithDigestVerification(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)

	srcDir := t.TempDir()
	tgz := filepath.Join(srcDir, "archive.tar.gz")
	writeTestTarGz(t, tgz, map[string]string{
		"proj-1.0/README": "Welcome!",
	})

	k, err := c.Fetch(tgz, "", SchemeTarGz)
	assert.NilError(t, err)
	assert.Equal(t, k.Scheme, SchemeTarGz)

	target := t.TempDir()
	assert.NilError(t, c.Unpack(k, target, ModeSafe))
	data, err := os.ReadFile(filepath.Join(target, "README"))
	assert.NilError(t, err)
	assert.Equal(t, string(data), "Welcome!")
}

func TestFetchDigestMismatchFails(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)

	srcDir := t.TempDir()
	tgz := filepath.Join(srcDir, "archive.tar.gz")
	writeTestTarGz(t, tgz, map[string]string{"a/f": "x"})

	_, err := c.Fetch(tgz, hasher.Digest("wrongwrongwrongwrongwrongwrongww"), SchemeTarGz)
	assert.ErrorContains(t, err, "digest")
}

func TestUnpackEscapeRejected(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	assert.NilError(t, tw.WriteHeader(&tar.Header{Name: "../evil", Size: 1, Mode: 0644}))
	_, err := tw.Write([]byte("x"))
	assert.NilError(t, err)
	assert.NilError(t, tw.Close())
	assert.NilError(t, gz.Close())

	raw := buf.Bytes()
	digest := hasher.FromSHA256(sha256.Sum256(raw))
	k := Key{Scheme: SchemeTarGz, Digest: digest}
	assert.NilError(t, os.MkdirAll(filepath.Join(c.Root, "packs", string(SchemeTarGz)), 0755))
	assert.NilError(t, os.WriteFile(c.packPath(k), raw, 0644))

	err = c.Unpack(k, t.TempDir(), ModeSafe)
	assert.ErrorContains(t, err, "escape")
}

func writeTestTarGz(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	assert.NilError(t, err)
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		assert.NilError(t, tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(content)), Mode: 0644}))
		_, err := tw.Write([]byte(content))
		assert.NilError(t, err)
	}
	assert.NilError(t, tw.Close())
	assert.NilError(t, gz.Close())
}
