// Package fileutil collects the small atomic filesystem primitives the
// source cache, artifact store, and orchestrator all depend on: write
// protection, relative symlinks, gzip compression, and bounded recursive
// removal. Grounded on hashdist's core/fileutils.py.
package fileutil

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// WriteProtect recursively removes write permission from everything under
// root, mirroring hashdist's write_protect. Directories keep their execute
// bit so they remain traversable.
func WriteProtect(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		mode := info.Mode().Perm() &^ 0222
		if chErr := os.Chmod(path, mode); chErr != nil {
			return errors.Wrapf(chErr, "write-protecting %s", path)
		}
		return nil
	})
}

// RmtreeUpTo removes path and, if the removal empties its parent
// directories, continues removing upward until it reaches stopAt
// (exclusive) or hits a non-empty directory. Mirrors rmtree_up_to.
func RmtreeUpTo(path, stopAt string) error {
	if err := os.RemoveAll(path); err != nil {
		return errors.Wrapf(err, "removing %s", path)
	}
	dir := filepath.Dir(path)
	stopAt = filepath.Clean(stopAt)
	for dir != stopAt && dir != "." && dir != string(filepath.Separator) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return errors.Wrapf(err, "reading %s", dir)
		}
		if len(entries) > 0 {
			return nil
		}
		if err := os.Remove(dir); err != nil {
			return errors.Wrapf(err, "removing empty %s", dir)
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

// AtomicSymlink creates a symlink at linkPath pointing to target using
// create-temp-then-rename, which is atomic on POSIX filesystems. If
// linkPath already exists ErrExist-style races are left to the caller to
// detect via a pre-check; AtomicSymlink itself always succeeds in
// overwriting once the temp link is created.
func AtomicSymlink(target, linkPath string) error {
	tmp := linkPath + ".tmp-" + uuid.NewString()
	if err := os.Symlink(target, tmp); err != nil {
		return errors.Wrapf(err, "creating temp symlink %s -> %s", tmp, target)
	}
	if err := os.Rename(tmp, linkPath); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "renaming temp symlink into place at %s", linkPath)
	}
	return nil
}

// GzipCompress writes the gzip-compressed contents of src to a new file at
// dstPath, then removes src. Mirrors gzip_compress.
func GzipCompress(srcPath, dstPath string) error {
	in, err := os.Open(srcPath)
	if err != nil {
		return errors.Wrapf(err, "opening %s", srcPath)
	}
	defer in.Close()

	out, err := os.Create(dstPath)
	if err != nil {
		return errors.Wrapf(err, "creating %s", dstPath)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		return errors.Wrapf(err, "compressing %s", srcPath)
	}
	if err := gz.Close(); err != nil {
		return errors.Wrapf(err, "closing gzip writer for %s", dstPath)
	}
	if err := out.Sync(); err != nil {
		return errors.Wrapf(err, "syncing %s", dstPath)
	}
	return os.Remove(srcPath)
}

// RelPath computes the relative path from base to target, used when
// constructing relative symlinks in the artifact database.
func RelPath(base, target string) (string, error) {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return "", errors.Wrapf(err, "computing relative path from %s to %s", base, target)
	}
	return rel, nil
}
