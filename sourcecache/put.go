package sourcecache

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/hashdist/hit/hasher"
)

// Put stores an inline mapping from relative path to file bytes under the
// "files" scheme. The digest is the SHA-256 of the exact bytes written to
// the pack (json.Marshal of the map, which encoding/json always emits with
// keys in sorted order), matching the bytes Unpack's ModeSafe check
// rehashes from disk.
func (c *Cache) Put(files map[string][]byte) (Key, error) {
	raw, err := json.Marshal(files)
	if err != nil {
		return Key{}, errors.Wrap(err, "marshaling file bundle")
	}
	digest := hasher.FromSHA256(sha256.Sum256(raw))

	k := Key{Scheme: SchemeFiles, Digest: digest}
	if c.Has(k) {
		return k, nil
	}

	dst := c.packPath(k)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return Key{}, err
	}
	if err := os.WriteFile(dst, raw, 0644); err != nil {
		return Key{}, errors.Wrap(err, "writing file bundle pack")
	}
	if err := c.writeInfo(digest, Info{Type: string(SchemeFiles)}); err != nil {
		return Key{}, err
	}
	return k, nil
}

func readFilesBundle(raw []byte) ([]entry, error) {
	var files map[string][]byte
	if err := json.Unmarshal(raw, &files); err != nil {
		return nil, errors.Wrap(err, "unmarshaling file bundle")
	}
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	out := make([]entry, 0, len(paths))
	for _, p := range paths {
		if err := checkEscape(p); err != nil {
			return nil, err
		}
		out = append(out, entry{path: p, typeflag: tar.TypeReg, mode: 0644, contents: files[p]})
	}
	return out, nil
}
