package buildspec

import (
	"strings"

	"github.com/hashdist/hit/hasher"
)

// VirtualPrefix marks an artifact ID whose digest stability is the
// caller's responsibility rather than derived from a spec.
const VirtualPrefix = "virtual:"

// ArtifactID is the (name, digest) pair rendered as "name/digest".
// Version is carried alongside for materialization-pattern rendering
// only; it does not appear in the "name/digest" wire form (the spec's
// version already contributes to Digest).
type ArtifactID struct {
	Name    string
	Version string
	Digest  hasher.Digest
	Virtual bool
}

// String renders the artifact ID, prefixing "virtual:" when Virtual is set.
func (id ArtifactID) String() string {
	s := id.Name + "/" + id.Digest.String()
	if id.Virtual {
		return VirtualPrefix + s
	}
	return s
}

// ParseArtifactID parses the "name/digest" (optionally "virtual:"-prefixed)
// wire form back into an ArtifactID.
func ParseArtifactID(s string) (ArtifactID, bool) {
	virtual := false
	if strings.HasPrefix(s, VirtualPrefix) {
		virtual = true
		s = strings.TrimPrefix(s, VirtualPrefix)
	}
	name, digest, ok := strings.Cut(s, "/")
	if !ok {
		return ArtifactID{}, false
	}
	return ArtifactID{Name: name, Digest: hasher.Digest(digest), Virtual: virtual}, true
}

// ArtifactIDFor canonicalizes spec and derives its concrete artifact ID.
func ArtifactIDFor(spec Spec) (ArtifactID, error) {
	canonical, err := Canonicalize(spec)
	if err != nil {
		return ArtifactID{}, err
	}
	digest, err := hasher.Hash(canonical.ToValue())
	if err != nil {
		return ArtifactID{}, err
	}
	return ArtifactID{Name: canonical.Name, Version: canonical.Version, Digest: digest}, nil
}
