package sourcecache

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/hashdist/hit/hasher"
	"github.com/hashdist/hit/internal/herrors"
)

// Mode selects how Unpack verifies the pack's digest relative to
// extraction.
type Mode int

const (
	// ModeSafe loads the whole pack into memory, verifies its digest,
	// then extracts. A corruption error leaves no side effects.
	ModeSafe Mode = iota
	// ModeFast reads the pack, extracts it, and verifies the digest only
	// after extraction; partial or complete extraction is visible when
	// the check fails. The pack is not streamed: it is read into memory
	// before extraction, as in ModeSafe.
	ModeFast
)

// entry is one (path, contents-or-link) item produced while walking an
// archive, prior to the common-prefix-stripping pass.
type entry struct {
	path     string
	typeflag byte
	linkname string
	mode     os.FileMode
	contents []byte
}

// Unpack extracts the pack identified by k into targetDir. Archives
// (tar.gz, tar.bz2, zip) are scanned for path-escape attempts before any
// file is written; if every extracted path shares a common leading
// directory, that prefix is stripped.
func (c *Cache) Unpack(k Key, targetDir string, mode Mode) error {
	if k.Scheme == SchemeGit {
		return c.UnpackGit(k, targetDir)
	}
	if !c.Has(k) {
		return fmt.Errorf("%w: %s", herrors.ErrSourceNotFound, k)
	}
	raw, err := os.ReadFile(c.packPath(k))
	if err != nil {
		return errors.Wrapf(err, "reading pack %s", k)
	}

	if mode == ModeSafe {
		sum := sha256.Sum256(raw)
		if hasher.FromSHA256(sum) != k.Digest {
			return fmt.Errorf("%w: %s", herrors.ErrCorrupt, k)
		}
	}

	entries, err := readEntries(k.Scheme, raw)
	if err != nil {
		return err
	}
	entries = stripCommonPrefix(entries)

	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return errors.Wrapf(err, "creating target %s", targetDir)
	}
	if err := writeEntries(targetDir, entries); err != nil {
		return err
	}
	if mode == ModeFast && hasher.FromSHA256(sha256.Sum256(raw)) != k.Digest {
		return fmt.Errorf("%w: %s", herrors.ErrCorrupt, k)
	}
	return nil
}

func readEntries(scheme Scheme, raw []byte) ([]entry, error) {
	switch scheme {
	case SchemeTarGz:
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, errors.Wrap(err, "opening gzip stream")
		}
		defer gz.Close()
		return readTar(gz)
	case SchemeTarBz2:
		return readTar(bzip2.NewReader(bytes.NewReader(raw)))
	case SchemeZip:
		return readZip(raw)
	case SchemeFiles:
		return readFilesBundle(raw)
	default:
		return nil, fmt.Errorf("%w: %s", herrors.ErrUnknownScheme, scheme)
	}
}

func readTar(r io.Reader) ([]entry, error) {
	tr := tar.NewReader(r)
	var out []entry
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "reading tar entry")
		}
		if err := checkEscape(hdr.Name); err != nil {
			return nil, err
		}
		e := entry{path: hdr.Name, typeflag: hdr.Typeflag, linkname: hdr.Linkname, mode: os.FileMode(hdr.Mode)}
		if hdr.Typeflag == tar.TypeReg {
			buf := make([]byte, hdr.Size)
			if _, err := io.ReadFull(tr, buf); err != nil {
				return nil, errors.Wrapf(err, "reading contents of %s", hdr.Name)
			}
			e.contents = buf
		}
		out = append(out, e)
	}
	return out, nil
}

func readZip(raw []byte) ([]entry, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, errors.Wrap(err, "opening zip archive")
	}
	var out []entry
	for _, f := range zr.File {
		if err := checkEscape(f.Name); err != nil {
			return nil, err
		}
		e := entry{path: f.Name, mode: f.Mode()}
		if !f.FileInfo().IsDir() {
			rc, err := f.Open()
			if err != nil {
				return nil, errors.Wrapf(err, "opening %s", f.Name)
			}
			buf, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return nil, errors.Wrapf(err, "reading %s", f.Name)
			}
			e.typeflag = tar.TypeReg
			e.contents = buf
		} else {
			e.typeflag = tar.TypeDir
		}
		out = append(out, e)
	}
	return out, nil
}

// checkEscape rejects absolute paths and any path whose normalized form
// rises above the extraction root via ".." segments.
func checkEscape(name string) error {
	cleaned := path.Clean(name)
	if path.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return fmt.Errorf("%w: %q", herrors.ErrSecurityEscape, name)
	}
	return nil
}

// stripCommonPrefix removes a shared leading path component from every
// entry, so the caller sees content rooted flat, matching archives whose
// sole top-level entry is a versioned directory like "coolproject-2.3/".
func stripCommonPrefix(entries []entry) []entry {
	if len(entries) == 0 {
		return entries
	}
	prefix, ok := commonTopDir(entries)
	if !ok {
		return entries
	}
	out := make([]entry, 0, len(entries))
	for _, e := range entries {
		rest := strings.TrimPrefix(e.path, prefix+"/")
		if rest == e.path || rest == "" {
			continue
		}
		e.path = rest
		out = append(out, e)
	}
	return out
}

func commonTopDir(entries []entry) (string, bool) {
	var prefix string
	for i, e := range entries {
		parts := strings.SplitN(e.path, "/", 2)
		if len(parts) < 2 || parts[0] == "" {
			return "", false
		}
		if i == 0 {
			prefix = parts[0]
		} else if parts[0] != prefix {
			return "", false
		}
	}
	return prefix, prefix != ""
}

func writeEntries(targetDir string, entries []entry) error {
	for _, e := range entries {
		dst := filepath.Join(targetDir, filepath.FromSlash(e.path))
		switch e.typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dst, 0755); err != nil {
				return errors.Wrapf(err, "creating dir %s", dst)
			}
		case tar.TypeSymlink:
			os.MkdirAll(filepath.Dir(dst), 0755)
			os.Remove(dst)
			if err := os.Symlink(e.linkname, dst); err != nil {
				return errors.Wrapf(err, "creating symlink %s", dst)
			}
		default:
			if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
				return errors.Wrapf(err, "creating dir for %s", dst)
			}
			mode := e.mode
			if mode == 0 {
				mode = 0644
			}
			if err := os.WriteFile(dst, e.contents, mode); err != nil {
				return errors.Wrapf(err, "writing %s", dst)
			}
		}
	}
	return nil
}
