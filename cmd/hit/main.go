// Command hit is the standalone entry point for the bundled build-helper
// verbs (build-unpack-sources, build-write-files, create-links,
// build-postprocess) so job specs can invoke "hit <verb>" as an
// ordinary subprocess in addition to the in-process dispatch the job
// runner uses directly. "logpipe" is not available here; only the job
// runner's in-process "hit" command handles it.
package main

import (
	"fmt"
	"os"

	"github.com/hashdist/hit/hit"
	"github.com/hashdist/hit/sourcecache"
)

func main() {
	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(os.Stderr, "hit:", err)
		os.Exit(1)
	}

	cacheRoot := os.Getenv("HDIST_SOURCE_CACHE")
	if cacheRoot == "" {
		cacheRoot = os.Getenv("HOME") + "/.hdist/src"
	}
	sc, err := sourcecache.New(cacheRoot, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "hit:", err)
		os.Exit(1)
	}

	cli := &hit.CLI{SourceCache: sc}
	if err := cli.Dispatch(os.Args[1:], envMap(), cwd, nil); err != nil {
		fmt.Fprintln(os.Stderr, "hit:", err)
		os.Exit(1)
	}
}

func envMap() map[string]string {
	env := map[string]string{}
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				env[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return env
}
