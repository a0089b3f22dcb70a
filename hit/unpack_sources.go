package hit

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/hashdist/hit/internal/herrors"
	"github.com/hashdist/hit/sourcecache"
)

// sourceEntry mirrors buildspec.SourceEntry's wire shape, duplicated here
// to keep package hit free of a dependency on package buildspec.
type sourceEntry struct {
	Key    string `json:"key"`
	Target string `json:"target,omitempty"`
}

func (c *CLI) newUnpackSourcesCmd(cwd string) *cobra.Command {
	var cacheRoot string
	cmd := &cobra.Command{
		Use:   "build-unpack-sources INPUT.json",
		Short: "unpack the listed sources into the current directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cache := c.SourceCache
			if cache == nil {
				if cacheRoot == "" {
					return errors.New("no source cache configured; pass --cache")
				}
				var err error
				cache, err = sourcecache.New(cacheRoot, nil)
				if err != nil {
					return err
				}
			}

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return errors.Wrapf(err, "reading %s", args[0])
			}
			var entries []sourceEntry
			if err := json.Unmarshal(raw, &entries); err != nil {
				return errors.Wrap(err, "parsing source list")
			}

			for _, e := range entries {
				k, err := sourcecache.ParseKey(e.Key)
				if err != nil {
					return err
				}
				target := e.Target
				if target == "" {
					target = "."
				}
				dst := filepath.Join(cwd, target)
				if !withinDir(cwd, dst) {
					return errors.Wrapf(herrors.ErrSourceEscape, "target %q", target)
				}
				if err := cache.Unpack(k, dst, sourcecache.ModeSafe); err != nil {
					return errors.Wrapf(err, "unpacking %s into %s", e.Key, target)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cacheRoot, "cache", "", "source cache root (used if CLI.SourceCache is unset)")
	return cmd
}

func withinDir(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	return rel != ".." && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}
