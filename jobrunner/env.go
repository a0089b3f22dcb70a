package jobrunner

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashdist/hit/buildspec"
)

// Env is a mutable variable snapshot. PATH, HDIST_CFLAGS, and
// HDIST_LDFLAGS are ordinary entries built up by append_flag/append_path
// like any other variable.
type Env map[string]string

// Clone returns an independent copy, used to snapshot/restore around
// commands: sub-scopes.
func (e Env) Clone() Env {
	out := make(Env, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// AsSlice renders the environment as "KEY=VALUE" pairs for exec.Cmd.Env,
// sorted for reproducible subprocess environments across runs.
func (e Env) AsSlice() []string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+e[k])
	}
	return out
}

// Resolver resolves an artifact ID (concrete or virtual) to its
// materialized directory on disk, used while assembling the import
// environment.
type Resolver interface {
	ResolveImport(id string, virtuals map[string]string) (path string, concreteID string, err error)
}

// BuildImportEnv assembles the PATH/HDIST_CFLAGS/HDIST_LDFLAGS/per-ref
// variables for a topologically sorted import list, per spec §4.5.
func BuildImportEnv(base Env, imports []buildspec.ImportRecord, virtuals map[string]string, resolver Resolver) (Env, error) {
	sorted, err := StableTopoSort(imports)
	if err != nil {
		return nil, err
	}

	env := base.Clone()
	var importIDs []string

	for _, imp := range sorted {
		path, concreteID, err := resolver.ResolveImport(imp.ID, virtuals)
		if err != nil {
			return nil, fmt.Errorf("resolving import %q: %w", imp.ID, err)
		}
		importIDs = append(importIDs, concreteID)

		if imp.Ref != nil {
			env[*imp.Ref+"_DIR"] = path
			env[*imp.Ref+"_ID"] = concreteID
		}

		if imp.InEnvOrDefault() {
			if err := contributeToEnv(env, path); err != nil {
				return nil, err
			}
		}
	}

	env["HDIST_IMPORT"] = strings.Join(importIDs, " ")
	env["HDIST_VIRTUALS"] = encodeVirtuals(virtuals)
	return env, nil
}

func contributeToEnv(env Env, artifactPath string) error {
	bin := filepath.Join(artifactPath, "bin")
	if dirExists(bin) {
		env["PATH"] = appendPathVar(env["PATH"], bin)
	}

	libDirs, err := globLibDirs(artifactPath)
	if err != nil {
		return err
	}
	if len(libDirs) > 1 {
		return fmt.Errorf("artifact %s has multiple lib dirs: %v", artifactPath, libDirs)
	}
	for _, lib := range libDirs {
		env["HDIST_LDFLAGS"] = appendFlagVar(env["HDIST_LDFLAGS"], fmt.Sprintf("-L%s -Wl,-R,%s", lib, lib))
	}

	include := filepath.Join(artifactPath, "include")
	if dirExists(include) {
		env["HDIST_CFLAGS"] = appendFlagVar(env["HDIST_CFLAGS"], "-I"+include)
	}
	return nil
}

func dirExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}

func globLibDirs(artifactPath string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(artifactPath, "lib*"))
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, m := range matches {
		if dirExists(m) {
			dirs = append(dirs, m)
		}
	}
	return dirs, nil
}

func appendFlagVar(existing, add string) string {
	if existing == "" {
		return add
	}
	return existing + " " + add
}

func appendPathVar(existing, add string) string {
	if existing == "" {
		return add
	}
	return existing + string(os.PathListSeparator) + add
}

func prependPathVar(existing, add string) string {
	if existing == "" {
		return add
	}
	return add + string(os.PathListSeparator) + existing
}

// encodeVirtuals renders a virtuals map as "vname=concrete;vname2=concrete2",
// sorted by key for determinism.
func encodeVirtuals(virtuals map[string]string) string {
	keys := make([]string, 0, len(virtuals))
	for k := range virtuals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+virtuals[k])
	}
	return strings.Join(parts, ";")
}
