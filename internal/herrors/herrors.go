// Package herrors collects the sentinel and typed errors raised across the
// hashing, source-cache, artifact-store, and job-runner packages so callers
// can errors.Is/errors.As against a stable taxonomy instead of string
// matching.
package herrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Spec validation.
var (
	ErrInvalidName        = errors.New("name does not match the safe-name pattern")
	ErrInvalidVersion     = errors.New("version does not match the safe-name pattern")
	ErrUnknownScheme      = errors.New("unknown source scheme")
	ErrSourceEscape       = errors.New("source target escapes the build directory")
	ErrVirtualUnresolved  = errors.New("virtual import has no concrete binding")
	ErrUnsupportedHashVal = errors.New("value type is not hashable")
	ErrNaN                = errors.New("NaN has no canonical representation")
)

// Fetch / unpack.
var (
	ErrSourceNotFound  = errors.New("source key not found in cache")
	ErrDigestMismatch  = errors.New("downloaded or archived content does not match expected digest")
	ErrCorrupt         = errors.New("archive contents do not match its recorded digest")
	ErrSecurityEscape  = errors.New("archive entry escapes the extraction target")
	ErrUnknownArchive  = errors.New("could not infer archive type from URL")
)

// Artifact store.
var (
	ErrIllegalStore = errors.New("store entry does not resolve to a managed artifact directory")
)

// BuildFailedError reports a job command that exited non-zero, or a missing
// executable, carrying the build directory so the caller can apply its
// keep-policy.
type BuildFailedError struct {
	BuildDir string
	ExitCode int
	Command  []string
	Err      error
}

func (e *BuildFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("build failed in %s running %v: %s", e.BuildDir, e.Command, e.Err)
	}
	return fmt.Sprintf("build failed in %s running %v: exit code %d", e.BuildDir, e.Command, e.ExitCode)
}

func (e *BuildFailedError) Unwrap() error { return e.Err }

// CycleError is raised when topological sort of imports detects a cycle.
type CycleError struct {
	Members []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("import cycle detected among: %v", e.Members)
}
