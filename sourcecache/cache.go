package sourcecache

import (
	"crypto/sha256"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hashdist/hit/hasher"
	"github.com/hashdist/hit/internal/herrors"
	"github.com/hashdist/hit/internal/metrics"
)

// Info is the small JSON sidecar recorded alongside every pack.
type Info struct {
	Type         string `json:"type"`
	RetrievedFrom string `json:"retrieved_from"`
}

// Cache is a content-addressed store rooted at Root, with Root/packs/<scheme>/<digest>
// holding bytes and Root/meta/<digest>.info holding the sidecar.
type Cache struct {
	Root string

	// Mirrors is an ordered list of mirror root URLs tried before the
	// primary URL for fetches keyed by an expected digest. Each mirror
	// string replaces the scheme+host of the original URL.
	Mirrors []string

	Logger *logrus.Entry
}

// New returns a Cache rooted at root, creating packs/ and meta/ if absent.
func New(root string, logger *logrus.Entry) (*Cache, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	for _, sub := range []string{"packs", "meta"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0755); err != nil {
			return nil, errors.Wrapf(err, "creating %s", sub)
		}
	}
	return &Cache{Root: root, Logger: logger}, nil
}

func (c *Cache) packPath(k Key) string {
	return filepath.Join(c.Root, "packs", string(k.Scheme), k.Digest.String())
}

func (c *Cache) metaPath(digest hasher.Digest) string {
	return filepath.Join(c.Root, "meta", digest.String()+".info")
}

// Has reports whether key is already present in the cache.
func (c *Cache) Has(k Key) bool {
	_, err := os.Stat(c.packPath(k))
	return err == nil
}

// Fetch retrieves the bytes at rawURL (a local file path or an http(s)/ftp
// URL), verifying against expectedDigest if non-empty. If expectedDigest is
// already present in the cache, Fetch returns immediately without touching
// the network. scheme, if empty, is inferred from rawURL's extension.
func (c *Cache) Fetch(rawURL string, expectedDigest hasher.Digest, scheme Scheme) (Key, error) {
	if scheme == "" {
		inferred, err := SchemeForExtension(rawURL)
		if err != nil {
			return Key{}, err
		}
		scheme = inferred
	}

	if expectedDigest != "" {
		k := Key{Scheme: scheme, Digest: expectedDigest}
		if c.Has(k) {
			return k, nil
		}
	}

	urls := c.candidateURLs(rawURL)
	var lastErr error
	for _, u := range urls {
		k, err := c.fetchOne(u, expectedDigest, scheme)
		if err == nil {
			metrics.SourceFetchesTotal.WithLabelValues("success").Inc()
			return k, nil
		}
		lastErr = err
		c.Logger.WithError(err).WithField("url", u).Warn("fetch attempt failed, trying next mirror")
	}
	metrics.SourceFetchesTotal.WithLabelValues("failure").Inc()
	return Key{}, lastErr
}

// candidateURLs returns the mirror-substituted URLs to try in order,
// followed by the original URL, when expectedDigest-based mirroring
// applies to rawURL.
func (c *Cache) candidateURLs(rawURL string) []string {
	if len(c.Mirrors) == 0 {
		return []string{rawURL}
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return []string{rawURL}
	}
	urls := make([]string, 0, len(c.Mirrors)+1)
	for _, mirror := range c.Mirrors {
		m, err := url.Parse(mirror)
		if err != nil {
			continue
		}
		candidate := *parsed
		candidate.Scheme = m.Scheme
		candidate.Host = m.Host
		urls = append(urls, candidate.String())
	}
	urls = append(urls, rawURL)
	return urls
}

func (c *Cache) fetchOne(rawURL string, expectedDigest hasher.Digest, scheme Scheme) (Key, error) {
	src, err := openSource(rawURL)
	if err != nil {
		return Key{}, errors.Wrapf(err, "opening %s", rawURL)
	}
	defer src.Close()

	tmpPath := filepath.Join(c.Root, "packs", "tmp-"+uuid.NewString())
	if err := os.MkdirAll(filepath.Dir(tmpPath), 0755); err != nil {
		return Key{}, err
	}
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return Key{}, errors.Wrap(err, "creating temp download file")
	}

	h := sha256.New()
	_, copyErr := io.Copy(io.MultiWriter(tmp, h), src)
	closeErr := tmp.Close()
	if copyErr != nil {
		os.Remove(tmpPath)
		return Key{}, errors.Wrapf(copyErr, "downloading %s", rawURL)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return Key{}, errors.Wrap(closeErr, "closing temp download file")
	}

	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))
	digest := hasher.FromSHA256(sum)

	if expectedDigest != "" && digest != expectedDigest {
		os.Remove(tmpPath)
		return Key{}, errors.Wrapf(herrors.ErrDigestMismatch, "got %s want %s", digest, expectedDigest)
	}

	k := Key{Scheme: scheme, Digest: digest}
	dst := c.packPath(k)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		os.Remove(tmpPath)
		return Key{}, err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return Key{}, errors.Wrap(err, "installing pack")
	}

	info := Info{Type: string(scheme), RetrievedFrom: rawURL}
	if err := c.writeInfo(digest, info); err != nil {
		return Key{}, err
	}
	return k, nil
}

func (c *Cache) writeInfo(digest hasher.Digest, info Info) error {
	b, err := json.Marshal(info)
	if err != nil {
		return errors.Wrap(err, "marshaling sidecar")
	}
	return os.WriteFile(c.metaPath(digest), b, 0644)
}

func openSource(rawURL string) (io.ReadCloser, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" {
		return os.Open(rawURL)
	}
	switch parsed.Scheme {
	case "http", "https", "ftp":
		resp, err := http.Get(rawURL)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 400 {
			resp.Body.Close()
			return nil, errors.Errorf("fetching %s: HTTP %d", rawURL, resp.StatusCode)
		}
		return resp.Body, nil
	case "file":
		return os.Open(parsed.Path)
	default:
		return os.Open(rawURL)
	}
}
