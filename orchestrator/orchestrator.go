// Package orchestrator implements the glue described by spec §4.6:
// ensure_present canonicalizes a spec, checks the artifact store, and
// otherwise stages a build directory, unpacks sources, runs the job, and
// registers the result.
package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hashdist/hit/artifactstore"
	"github.com/hashdist/hit/buildspec"
	"github.com/hashdist/hit/hit"
	"github.com/hashdist/hit/internal/config"
	"github.com/hashdist/hit/internal/fileutil"
	"github.com/hashdist/hit/internal/herrors"
	"github.com/hashdist/hit/internal/metrics"
	"github.com/hashdist/hit/jobrunner"
	"github.com/hashdist/hit/sourcecache"
)

// KeepPolicy decides what happens to a build directory after a build
// attempt finishes.
type KeepPolicy string

const (
	KeepNever    KeepPolicy = "never"
	KeepOnError  KeepPolicy = "error"
	KeepAlways   KeepPolicy = "always"
)

// Orchestrator wires together the source cache, artifact store, and job
// runner behind a single ensure_present entry point.
type Orchestrator struct {
	SourceCache *sourcecache.Cache
	Store       *artifactstore.Store
	BuildTemp   string
	Logger      *logrus.Entry
	CLI         *hit.CLI
}

// New constructs an Orchestrator. logger must not be nil; callers are
// expected to pass a dedicated per-orchestrator entry rather than the
// global logger, per the single-logger-passed-by-reference design.
func New(sc *sourcecache.Cache, store *artifactstore.Store, buildTemp string, logger *logrus.Entry) *Orchestrator {
	return &Orchestrator{
		SourceCache: sc,
		Store:       store,
		BuildTemp:   buildTemp,
		Logger:      logger,
		CLI:         &hit.CLI{SourceCache: sc},
	}
}

// NewFromConfig builds the source cache and artifact store from cfg and
// wires them into an Orchestrator, the entry point every core API outside
// of tests is expected to go through rather than constructing each
// collaborator by hand.
func NewFromConfig(cfg config.Config, logger *logrus.Entry) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	sc, err := sourcecache.New(cfg.SourceCachePath, logger)
	if err != nil {
		return nil, err
	}
	store, err := artifactstore.New(cfg.DBPath, cfg.ArtifactsPath, cfg.ArtifactDirPattern, logger)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.BuildTempPath, 0755); err != nil {
		return nil, err
	}
	return New(sc, store, cfg.BuildTempPath, logger), nil
}

// storeResolver adapts Orchestrator to jobrunner.Resolver, resolving
// imports against already-built artifacts in the store. Virtual imports
// must be present in the caller-supplied virtuals map.
type storeResolver struct {
	store *artifactstore.Store
}

func (r storeResolver) ResolveImport(id string, virtuals map[string]string) (string, string, error) {
	parsed, ok := buildspec.ParseArtifactID(id)
	if !ok {
		return "", "", fmt.Errorf("malformed import id %q", id)
	}
	concreteID := parsed
	if parsed.Virtual {
		concrete, ok := virtuals[id]
		if !ok {
			return "", "", fmt.Errorf("%w: %s", herrors.ErrVirtualUnresolved, id)
		}
		concreteID, ok = buildspec.ParseArtifactID(concrete)
		if !ok {
			return "", "", fmt.Errorf("malformed virtual binding %q for %s", concrete, id)
		}
	}
	path, present, err := r.store.Resolve(concreteID)
	if err != nil {
		return "", "", err
	}
	if !present {
		return "", "", fmt.Errorf("%w: import %s is not built", herrors.ErrVirtualUnresolved, concreteID)
	}
	return path, concreteID.String(), nil
}

// EnsurePresent implements the hash -> check -> build -> register
// contract described in spec §4.6.
func (o *Orchestrator) EnsurePresent(spec buildspec.Spec, virtuals map[string]string, keep KeepPolicy) (buildspec.ArtifactID, string, error) {
	canonical, err := buildspec.Canonicalize(spec)
	if err != nil {
		return buildspec.ArtifactID{}, "", err
	}
	id, err := buildspec.ArtifactIDFor(canonical)
	if err != nil {
		return buildspec.ArtifactID{}, "", err
	}

	if path, present, err := o.Store.Resolve(id); err != nil {
		return buildspec.ArtifactID{}, "", err
	} else if present {
		return id, path, nil
	}

	artifactDir, _, err := o.Store.StageDir(id)
	if err != nil {
		return buildspec.ArtifactID{}, "", err
	}

	buildDir := filepath.Join(o.BuildTemp, fmt.Sprintf("%s-%s-%s", canonical.Name, id.Digest.ShortHash(12), uuid.NewString()))
	if err := os.MkdirAll(buildDir, 0755); err != nil {
		return buildspec.ArtifactID{}, "", err
	}

	specJSON, err := json.MarshalIndent(canonical, "", "  ")
	if err != nil {
		return buildspec.ArtifactID{}, "", errors.Wrap(err, "marshaling build.json")
	}
	if err := os.WriteFile(filepath.Join(buildDir, "build.json"), specJSON, 0644); err != nil {
		return buildspec.ArtifactID{}, "", err
	}

	if err := o.unpackSources(canonical, buildDir); err != nil {
		o.applyKeepPolicy(buildDir, keep, true)
		metrics.BuildsTotal.WithLabelValues("failure").Inc()
		return buildspec.ArtifactID{}, "", &herrors.BuildFailedError{BuildDir: buildDir, Err: err}
	}

	logPath := filepath.Join(buildDir, "build.log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return buildspec.ArtifactID{}, "", errors.Wrap(err, "opening build.log")
	}
	fileLog := logrus.New()
	fileLog.SetOutput(logFile)
	fileLog.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	buildLogger := fileLog.WithField("artifact", canonical.Name)

	start := time.Now()
	runErr := o.runJob(canonical, virtuals, buildDir, artifactDir, buildLogger)
	metrics.BuildDurationSeconds.Observe(time.Since(start).Seconds())
	logFile.Close()

	if runErr != nil {
		o.applyKeepPolicy(buildDir, keep, true)
		metrics.BuildsTotal.WithLabelValues("failure").Inc()
		return buildspec.ArtifactID{}, "", runErr
	}

	if err := fileutil.GzipCompress(logPath, filepath.Join(artifactDir, "build.log.gz")); err != nil {
		return buildspec.ArtifactID{}, "", errors.Wrap(err, "compressing build log")
	}
	if err := os.WriteFile(filepath.Join(artifactDir, "build.json"), specJSON, 0644); err != nil {
		return buildspec.ArtifactID{}, "", err
	}
	if err := fileutil.WriteProtect(artifactDir); err != nil {
		return buildspec.ArtifactID{}, "", err
	}

	finalPath, err := o.Store.Register(id, artifactDir)
	if err != nil {
		return buildspec.ArtifactID{}, "", err
	}
	o.applyKeepPolicy(buildDir, keep, false)
	metrics.BuildsTotal.WithLabelValues("success").Inc()
	return id, finalPath, nil
}

func (o *Orchestrator) unpackSources(spec buildspec.Spec, buildDir string) error {
	for _, src := range spec.Sources {
		k, err := sourcecache.ParseKey(src.Key)
		if err != nil {
			return err
		}
		target := filepath.Join(buildDir, src.Target)
		rel, err := filepath.Rel(buildDir, target)
		if err != nil || rel == ".." || len(rel) >= 3 && rel[:3] == "../" {
			return fmt.Errorf("%w: %s", herrors.ErrSourceEscape, src.Target)
		}
		if err := o.SourceCache.Unpack(k, target, sourcecache.ModeSafe); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) runJob(spec buildspec.Spec, virtuals map[string]string, buildDir, artifactDir string, logger *logrus.Entry) error {
	env := jobrunner.Env{}
	for k, v := range spec.Build.Env {
		env[k] = v
	}
	env["BUILD"] = buildDir
	env["ARTIFACT"] = artifactDir

	env, err := jobrunner.BuildImportEnv(env, spec.Build.Imports, virtuals, storeResolver{store: o.Store})
	if err != nil {
		return err
	}

	runner, err := jobrunner.NewRunner(env, buildDir, o.BuildTemp, logger, o.CLI)
	if err != nil {
		return err
	}
	runErr := runner.Run(spec.Build.Commands)
	if closeErr := runner.Close(); closeErr != nil {
		logger.WithError(closeErr).Warn("error draining job log pipes")
	}
	if err := os.RemoveAll(runner.TmpDir); err != nil {
		logger.WithError(err).Warn("failed to remove job scratch directory")
	}
	return runErr
}

func (o *Orchestrator) applyKeepPolicy(buildDir string, keep KeepPolicy, failed bool) {
	switch {
	case keep == KeepAlways:
		return
	case keep == KeepOnError && failed:
		return
	default:
		if err := os.RemoveAll(buildDir); err != nil {
			o.Logger.WithError(err).Warn("failed to remove build directory")
		}
	}
}
