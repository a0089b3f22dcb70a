// Package hit implements the bundled in-process command surface the job
// runner dispatches "hit <verb>" invocations into: source unpacking,
// inline file materialization, a link-construction DSL, and a
// postprocessing pass over a finished artifact tree.
// Grounded on hashdist's core/links.py and the build-time postprocessing
// helpers historically invoked via the hit CLI frontend.
package hit

import (
	"bytes"

	"github.com/spf13/cobra"

	"github.com/hashdist/hit/sourcecache"
)

// CLI bundles the dependencies the subcommands need: a source cache to
// unpack from, and nothing else — every other input is either a file
// argument or the runner's current env/cwd.
type CLI struct {
	SourceCache *sourcecache.Cache
}

// Dispatch runs argv as if invoked as "hit <argv...>", with cwd as the
// working directory and env exposed to any subcommand that cares about
// it (none currently do; it is threaded through for future verbs).
func (c *CLI) Dispatch(argv []string, env map[string]string, cwd string, stdout *bytes.Buffer) error {
	root := c.newRootCmd(cwd)
	root.SetArgs(argv)
	if stdout != nil {
		root.SetOut(stdout)
	}
	root.SilenceUsage = true
	root.SilenceErrors = true
	return root.Execute()
}

func (c *CLI) newRootCmd(cwd string) *cobra.Command {
	root := &cobra.Command{
		Use:           "hit",
		Short:         "bundled in-process build helper commands",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		c.newUnpackSourcesCmd(cwd),
		c.newWriteFilesCmd(cwd),
		c.newCreateLinksCmd(cwd),
		c.newPostprocessCmd(cwd),
	)
	return root
}
