package buildspec

import (
	"fmt"

	"github.com/hashdist/hit/internal/herrors"
)

// Canonicalize validates name/version against the safe-name pattern and
// normalizes the embedded job spec (defaulting in_env, ensuring Commands
// is never nil so two empty command lists hash identically). It does not
// mutate spec; it returns a normalized copy.
func Canonicalize(spec Spec) (Spec, error) {
	if !ValidName(spec.Name) {
		return Spec{}, fmt.Errorf("%w: %q", herrors.ErrInvalidName, spec.Name)
	}
	if !ValidName(spec.Version) {
		return Spec{}, fmt.Errorf("%w: %q", herrors.ErrInvalidVersion, spec.Version)
	}

	out := spec
	out.Build = canonicalizeJobSpec(spec.Build)

	out.Sources = make([]SourceEntry, len(spec.Sources))
	for i, src := range spec.Sources {
		if src.Target == "" {
			src.Target = "."
		}
		out.Sources[i] = src
	}

	return out, nil
}

func canonicalizeJobSpec(job JobSpec) JobSpec {
	out := job
	out.Commands = make([]Command, len(job.Commands))
	copy(out.Commands, job.Commands)
	out.Imports = make([]ImportRecord, len(job.Imports))
	for i, imp := range job.Imports {
		if imp.InEnv == nil {
			def := true
			imp.InEnv = &def
		}
		out.Imports[i] = imp
	}
	for i, c := range out.Commands {
		if c.Verb == VerbSubScope {
			sub := canonicalizeJobSpec(JobSpec{Commands: c.Commands})
			c.Commands = sub.Commands
			out.Commands[i] = c
		}
	}
	return out
}
