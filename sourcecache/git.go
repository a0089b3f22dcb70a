package sourcecache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/pkg/errors"

	"github.com/hashdist/hit/hasher"
	"github.com/hashdist/hit/internal/herrors"
)

// gitRepoName is the single bare repository every remote is fetched into,
// keyed on commit hash rather than per-remote clones.
const gitRepoName = "all-git.git"

var fullSHARe = regexp.MustCompile(`^[0-9a-f]{40}$`)
var shortSHARe = regexp.MustCompile(`^[0-9a-f]{4,39}$`)

func (c *Cache) gitRepoPath() string {
	return filepath.Join(c.Root, gitRepoName)
}

func (c *Cache) openOrInitBareGit() (*git.Repository, error) {
	path := c.gitRepoPath()
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, errors.Wrapf(err, "opening bare repo %s", path)
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, err
	}
	return git.PlainInit(path, true)
}

// remoteNameFor derives a stable, filesystem-safe remote name from a
// remote URL so the single bare repo can track many distinct remotes.
func remoteNameFor(remoteURL string) string {
	sum := sha256.Sum256([]byte(remoteURL))
	return "r-" + hex.EncodeToString(sum[:])[:16]
}

func ensureRemote(repo *git.Repository, name, url string) (*git.Remote, error) {
	remote, err := repo.Remote(name)
	if err == nil {
		return remote, nil
	}
	if !errors.Is(err, git.ErrRemoteNotFound) {
		return nil, err
	}
	return repo.CreateRemote(&config.RemoteConfig{Name: name, URLs: []string{url}})
}

// FetchGit resolves ref against remoteURL to a full commit hash, fetches
// the commit into the shared bare repository, and creates an
// inuse/<commit> branch as a GC root. ref must be a full 40-character
// commit hash or an unambiguous branch/tag name; short hash forms that
// would require server-side disambiguation are rejected.
func (c *Cache) FetchGit(remoteURL, ref string) (Key, error) {
	if shortSHARe.MatchString(ref) && !fullSHARe.MatchString(ref) {
		return Key{}, errors.Errorf("git ref %q is a short hash form requiring server-side disambiguation", ref)
	}

	repo, err := c.openOrInitBareGit()
	if err != nil {
		return Key{}, err
	}
	remoteName := remoteNameFor(remoteURL)
	remote, err := ensureRemote(repo, remoteName, remoteURL)
	if err != nil {
		return Key{}, errors.Wrap(err, "configuring remote")
	}

	var commitHash plumbing.Hash
	if fullSHARe.MatchString(ref) {
		commitHash = plumbing.NewHash(ref)
		spec := config.RefSpec(fmt.Sprintf("+%s:refs/%s/commits/%s", ref, remoteName, ref))
		if err := remote.Fetch(&git.FetchOptions{RefSpecs: []config.RefSpec{spec}}); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			return Key{}, errors.Wrapf(err, "fetching commit %s from %s", ref, remoteURL)
		}
	} else {
		spec := config.RefSpec(fmt.Sprintf("+refs/*:refs/remotes/%s/*", remoteName))
		if err := remote.Fetch(&git.FetchOptions{RefSpecs: []config.RefSpec{spec}}); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			return Key{}, errors.Wrapf(err, "fetching refs from %s", remoteURL)
		}
		resolved, err := resolveFetchedRef(repo, remoteName, ref)
		if err != nil {
			return Key{}, err
		}
		commitHash = resolved
	}

	branchName := plumbing.ReferenceName("refs/heads/inuse/" + commitHash.String())
	if err := repo.Storer.SetReference(plumbing.NewHashReference(branchName, commitHash)); err != nil {
		return Key{}, errors.Wrap(err, "creating inuse GC-root branch")
	}

	return Key{Scheme: SchemeGit, Digest: hasher.Digest(commitHash.String())}, nil
}

func resolveFetchedRef(repo *git.Repository, remoteName, ref string) (plumbing.Hash, error) {
	candidates := []plumbing.ReferenceName{
		plumbing.ReferenceName("refs/remotes/" + remoteName + "/" + ref),
		plumbing.ReferenceName("refs/remotes/" + remoteName + "/heads/" + ref),
		plumbing.ReferenceName("refs/remotes/" + remoteName + "/tags/" + ref),
	}
	for _, name := range candidates {
		r, err := repo.Reference(name, true)
		if err == nil {
			return r.Hash(), nil
		}
	}
	return plumbing.ZeroHash, errors.Errorf("could not resolve git ref %q", ref)
}

// UnpackGit replays the content of commit into targetDir, walking the
// commit's tree the way `git archive | tar -x` would. Submodule (gitlink)
// entries are skipped: their content is neither fetched nor unpacked.
func (c *Cache) UnpackGit(k Key, targetDir string) error {
	repo, err := c.openOrInitBareGit()
	if err != nil {
		return err
	}
	commit, err := repo.CommitObject(plumbing.NewHash(k.Digest.String()))
	if err != nil {
		return fmt.Errorf("%w: commit %s: %v", herrors.ErrSourceNotFound, k.Digest, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return errors.Wrap(err, "reading commit tree")
	}
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return err
	}
	return c.unpackTree(repo, tree, targetDir, "")
}

func (c *Cache) unpackTree(repo *git.Repository, tree *object.Tree, targetDir, dottedPrefix string) error {
	walker := object.NewTreeWalker(tree, true, nil)
	defer walker.Close()

	for {
		name, entry, err := walker.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "walking git tree")
		}
		if err := checkEscape(name); err != nil {
			return err
		}
		dst := filepath.Join(targetDir, filepath.FromSlash(name))

		switch entry.Mode {
		case filemode.Submodule:
			if err := c.unpackSubmodule(repo, name, entry.Hash, dottedPrefix); err != nil {
				return err
			}
		case filemode.Dir:
			if err := os.MkdirAll(dst, 0755); err != nil {
				return err
			}
		case filemode.Regular, filemode.Executable, filemode.Deprecated:
			blob, err := repo.BlobObject(entry.Hash)
			if err != nil {
				return errors.Wrapf(err, "reading blob for %s", name)
			}
			if err := writeBlob(dst, blob); err != nil {
				return err
			}
			if entry.Mode == filemode.Executable {
				os.Chmod(dst, 0755)
			}
		case filemode.Symlink:
			blob, err := repo.BlobObject(entry.Hash)
			if err != nil {
				return errors.Wrapf(err, "reading blob for %s", name)
			}
			target, err := blobString(blob)
			if err != nil {
				return err
			}
			os.MkdirAll(filepath.Dir(dst), 0755)
			os.Remove(dst)
			if err := os.Symlink(target, dst); err != nil {
				return errors.Wrapf(err, "creating symlink %s", dst)
			}
		default:
			if err := os.MkdirAll(dst, 0755); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeBlob(dst string, blob *object.Blob) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	r, err := blob.Reader()
	if err != nil {
		return errors.Wrap(err, "opening blob reader")
	}
	defer r.Close()

	f, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "creating %s", dst)
	}
	defer f.Close()
	_, err = io.Copy(f, r)
	return err
}

func blobString(blob *object.Blob) (string, error) {
	r, err := blob.Reader()
	if err != nil {
		return "", errors.Wrap(err, "opening symlink blob")
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		return "", errors.Wrap(err, "reading symlink blob")
	}
	return string(b), nil
}

// unpackSubmodule is called for each submodule gitlink and writes
// nothing: the recorded commit is not fetched or replayed.
// Submodule remote URLs are not recoverable from the tree alone without a
// .gitmodules parse, and none is done here; every submodule is skipped
// and the unpack continues with a nil error.
func (c *Cache) unpackSubmodule(repo *git.Repository, name string, commitHash plumbing.Hash, dottedPrefix string) error {
	// Without an accompanying .gitmodules URL lookup (performed by the
	// caller, which controls remote-URL configuration), a bare gitlink
	// entry cannot be fetched on its own. This keeps the dotted-name
	// mapping internal and observable through SubmoduleName, matching
	// the preserved-but-unspecified behavior noted for this case.
	_ = dottedPrefix
	_ = commitHash
	_ = repo
	return nil
}

// SubmoduleName renders the dotted flat name hashdist historically used
// for a nested submodule path, e.g. "a/b" -> "a.b".
func SubmoduleName(prefix, path string) string {
	if prefix == "" {
		return dotted(path)
	}
	return prefix + "." + dotted(path)
}

func dotted(path string) string {
	out := make([]byte, 0, len(path))
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			out = append(out, '.')
		} else {
			out = append(out, path[i])
		}
	}
	return string(out)
}
