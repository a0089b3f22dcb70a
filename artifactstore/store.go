// Package artifactstore implements the on-disk artifact database: a
// two-level symlink tree keyed by digest, collision-tolerant
// materialization directory naming, and atomic registration.
// Grounded on hashdist's core/build_store/build_store.py.
package artifactstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hashdist/hit/buildspec"
	"github.com/hashdist/hit/internal/fileutil"
	"github.com/hashdist/hit/internal/herrors"
)

// Store is the artifact database rooted at DBRoot (db/artifacts/<2>/<rest>
// symlinks) and ArtifactsRoot (the materialization area), using Pattern to
// render staging directory names.
type Store struct {
	DBRoot        string
	ArtifactsRoot string
	Pattern       string // e.g. "{name}-{version}/{shorthash}"

	Logger *logrus.Entry
}

// New constructs a Store, creating DBRoot/artifacts and ArtifactsRoot if
// absent.
func New(dbRoot, artifactsRoot, pattern string, logger *logrus.Entry) (*Store, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if err := os.MkdirAll(filepath.Join(dbRoot, "artifacts"), 0755); err != nil {
		return nil, errors.Wrap(err, "creating db/artifacts")
	}
	if err := os.MkdirAll(artifactsRoot, 0755); err != nil {
		return nil, errors.Wrap(err, "creating artifacts root")
	}
	return &Store{DBRoot: dbRoot, ArtifactsRoot: artifactsRoot, Pattern: pattern, Logger: logger}, nil
}

func (s *Store) dbPath(digest string) string {
	if len(digest) < 2 {
		digest = digest + strings.Repeat("0", 2-len(digest))
	}
	return filepath.Join(s.DBRoot, "artifacts", digest[:2], digest[2:])
}

// Resolve returns the artifact directory for id, or ok=false if absent.
// A symlink whose target no longer exists is healed (removed) and
// reported absent.
func (s *Store) Resolve(id buildspec.ArtifactID) (path string, ok bool, err error) {
	return s.resolveDigest(id.Digest.String())
}

func (s *Store) resolveDigest(digest string) (string, bool, error) {
	link := s.dbPath(digest)
	target, err := os.Readlink(link)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, errors.Wrapf(err, "reading link %s", link)
	}
	resolved := target
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(filepath.Dir(link), target)
	}
	if _, statErr := os.Stat(resolved); statErr != nil {
		if os.IsNotExist(statErr) {
			s.Logger.WithField("digest", digest).Warn("healing broken artifact link")
			os.Remove(link)
			return "", false, nil
		}
		return "", false, errors.Wrapf(statErr, "stat %s", resolved)
	}
	return resolved, true, nil
}

// IsPresent reports whether id already has a registered artifact.
func (s *Store) IsPresent(id buildspec.ArtifactID) (bool, error) {
	_, ok, err := s.Resolve(id)
	return ok, err
}

// StageDir computes a unique materialization directory for id, starting
// the {shorthash} expansion at 12 characters and incrementing on
// collision with an unrelated artifact's directory. Before incrementing,
// the full-digest database entry is consulted: if another worker has
// already registered this exact digest under a shorter name, that path is
// returned instead and created=false.
func (s *Store) StageDir(id buildspec.ArtifactID) (path string, created bool, err error) {
	if existing, ok, rerr := s.Resolve(id); rerr == nil && ok {
		return existing, false, nil
	} else if rerr != nil {
		return "", false, rerr
	}

	digest := id.Digest.String()
	for n := 12; n <= len(digest); n++ {
		rendered := s.render(id, digest[:n])
		full := filepath.Join(s.ArtifactsRoot, rendered)

		if existing, ok, rerr := s.resolveDigest(digest); rerr == nil && ok {
			return existing, false, nil
		} else if rerr != nil {
			return "", false, rerr
		}

		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return "", false, errors.Wrapf(err, "creating parent of %s", full)
		}
		mkErr := os.Mkdir(full, 0755)
		if mkErr == nil {
			return full, true, nil
		}
		if !os.IsExist(mkErr) {
			return "", false, errors.Wrapf(mkErr, "creating staging dir %s", full)
		}
		// Collision with an unrelated artifact at this prefix length;
		// extend the shorthash and retry.
	}
	return "", false, fmt.Errorf("%w: exhausted shorthash extension for %s", herrors.ErrIllegalStore, digest)
}

func (s *Store) render(id buildspec.ArtifactID, shorthash string) string {
	r := strings.NewReplacer(
		"{name}", id.Name,
		"{version}", id.Version,
		"{shorthash}", shorthash,
	)
	return r.Replace(s.Pattern)
}

// Register links digest to stagedDir in the database using
// symlink-then-rename, which is atomic on POSIX filesystems. If the
// database entry already exists (a concurrent identical build won the
// race), stagedDir is removed and the winner's path is returned.
func (s *Store) Register(id buildspec.ArtifactID, stagedDir string) (path string, err error) {
	if existing, ok, rerr := s.Resolve(id); rerr == nil && ok {
		if existing != stagedDir {
			os.RemoveAll(stagedDir)
		}
		return existing, nil
	} else if rerr != nil {
		return "", rerr
	}

	link := s.dbPath(id.Digest.String())
	if err := os.MkdirAll(filepath.Dir(link), 0755); err != nil {
		return "", errors.Wrapf(err, "creating %s", filepath.Dir(link))
	}
	rel, err := fileutil.RelPath(filepath.Dir(link), stagedDir)
	if err != nil {
		return "", err
	}
	if err := fileutil.AtomicSymlink(rel, link); err != nil {
		return "", err
	}

	if existing, ok, rerr := s.resolveDigest(id.Digest.String()); rerr == nil && ok && existing != stagedDir {
		os.RemoveAll(stagedDir)
		return existing, nil
	}
	return stagedDir, nil
}

// Delete walks the database, removes every symlinked artifact directory
// (refusing targets outside ArtifactsRoot), then removes the database
// entries. If full is true, the entire artifacts and db trees are reset.
func (s *Store) Delete(full bool) error {
	dbArtifacts := filepath.Join(s.DBRoot, "artifacts")
	if full {
		if err := os.RemoveAll(dbArtifacts); err != nil {
			return err
		}
		if err := os.RemoveAll(s.ArtifactsRoot); err != nil {
			return err
		}
		return os.MkdirAll(dbArtifacts, 0755)
	}

	return filepath.Walk(dbArtifacts, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		target, rerr := os.Readlink(path)
		if rerr != nil {
			return nil
		}
		resolved := target
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(filepath.Dir(path), target)
		}
		if !strings.HasPrefix(resolved, s.ArtifactsRoot) {
			s.Logger.WithField("path", resolved).Warn("refusing to delete artifact outside configured root")
			return nil
		}
		os.RemoveAll(resolved)
		return os.Remove(path)
	})
}
