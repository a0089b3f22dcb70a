// Package config resolves the handful of root directories the build engine
// needs. There is no global singleton: callers build a Config explicitly (or
// load one from YAML) and pass it down.
package config

import (
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"
	"github.com/pkg/errors"
)

// Config mirrors the dotted keys of hashdist's config file: sourcecache.path,
// builder.build-temp, global.db, builder.artifacts, builder.artifact-dir-pattern.
type Config struct {
	SourceCachePath      string `yaml:"sourcecache.path"`
	BuildTempPath         string `yaml:"builder.build-temp"`
	DBPath               string `yaml:"global.db"`
	ArtifactsPath        string `yaml:"builder.artifacts"`
	ArtifactDirPattern   string `yaml:"builder.artifact-dir-pattern"`
}

// Default returns a Config rooted under root, using hashdist's conventional
// subdirectory names and a "{name}-{version}/{shorthash}" materialization
// pattern.
func Default(root string) Config {
	return Config{
		SourceCachePath:    filepath.Join(root, "src"),
		BuildTempPath:      filepath.Join(root, "tmp"),
		DBPath:             filepath.Join(root, "db"),
		ArtifactsPath:      filepath.Join(root, "opt"),
		ArtifactDirPattern: "{name}-{version}/{shorthash}",
	}
}

// Load reads and parses a YAML config file at path.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading config %s", path)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, errors.Wrapf(err, "parsing config %s", path)
	}
	return c, nil
}

// Validate checks that all required fields are set.
func (c Config) Validate() error {
	if c.SourceCachePath == "" {
		return errors.New("sourcecache.path is required")
	}
	if c.BuildTempPath == "" {
		return errors.New("builder.build-temp is required")
	}
	if c.DBPath == "" {
		return errors.New("global.db is required")
	}
	if c.ArtifactsPath == "" {
		return errors.New("builder.artifacts is required")
	}
	if c.ArtifactDirPattern == "" {
		return errors.New("builder.artifact-dir-pattern is required")
	}
	return nil
}
