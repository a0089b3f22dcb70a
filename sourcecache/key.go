// Package sourcecache implements the content-addressed store for archives,
// single-file bundles, and version-control snapshots described by the
// source cache: packs/<scheme>/<digest>, meta/<digest>.info, and a single
// bare git repository with inuse/<commit> GC roots.
// Grounded on hashdist/core/source_cache.py.
package sourcecache

import (
	"fmt"
	"strings"

	"github.com/hashdist/hit/hasher"
	"github.com/hashdist/hit/internal/herrors"
)

// Scheme identifies the kind of bytes a Key addresses.
type Scheme string

const (
	SchemeTarGz  Scheme = "tar.gz"
	SchemeTarBz2 Scheme = "tar.bz2"
	SchemeZip    Scheme = "zip"
	SchemeFiles  Scheme = "files"
	SchemeGit    Scheme = "git"
)

// Key is a parsed "scheme:digest" source key.
type Key struct {
	Scheme Scheme
	Digest hasher.Digest
}

// String renders the key back to "scheme:digest".
func (k Key) String() string {
	return string(k.Scheme) + ":" + k.Digest.String()
}

// ParseKey parses a "scheme:digest" wire string.
func ParseKey(s string) (Key, error) {
	scheme, digest, ok := strings.Cut(s, ":")
	if !ok {
		return Key{}, fmt.Errorf("%w: %q has no scheme", herrors.ErrUnknownScheme, s)
	}
	switch Scheme(scheme) {
	case SchemeTarGz, SchemeTarBz2, SchemeZip, SchemeFiles, SchemeGit:
		return Key{Scheme: Scheme(scheme), Digest: hasher.Digest(digest)}, nil
	default:
		return Key{}, fmt.Errorf("%w: %q", herrors.ErrUnknownScheme, scheme)
	}
}

// SchemeForExtension infers an archive Scheme from a URL's trailing
// extension, the way Fetch does when no explicit type is given.
func SchemeForExtension(url string) (Scheme, error) {
	switch {
	case strings.HasSuffix(url, ".tar.gz") || strings.HasSuffix(url, ".tgz"):
		return SchemeTarGz, nil
	case strings.HasSuffix(url, ".tar.bz2") || strings.HasSuffix(url, ".tbz2"):
		return SchemeTarBz2, nil
	case strings.HasSuffix(url, ".zip"):
		return SchemeZip, nil
	default:
		return "", fmt.Errorf("%w: %q", herrors.ErrUnknownArchive, url)
	}
}
