package hit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// writeFileEntry mirrors an inline file materialization request: exactly
// one of Text/String/JSON is populated, matching buildspec.InputFile.
type writeFileEntry struct {
	Path   string      `json:"path"`
	Text   []string    `json:"text,omitempty"`
	String string      `json:"string,omitempty"`
	JSON   interface{} `json:"json,omitempty"`
	Mode   string      `json:"mode,omitempty"`
}

func (c *CLI) newWriteFilesCmd(cwd string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build-write-files INPUT.json",
		Short: "materialize inline text/object files under the current directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return errors.Wrapf(err, "reading %s", args[0])
			}
			var entries []writeFileEntry
			if err := json.Unmarshal(raw, &entries); err != nil {
				return errors.Wrap(err, "parsing file list")
			}

			for _, e := range entries {
				dst := filepath.Join(cwd, e.Path)
				if !withinDir(cwd, dst) {
					return errors.Errorf("write target %q escapes the current directory", e.Path)
				}
				var content []byte
				switch {
				case e.Text != nil:
					content = []byte(strings.Join(e.Text, "\n"))
				case e.JSON != nil:
					content, err = json.Marshal(e.JSON)
					if err != nil {
						return errors.Wrapf(err, "marshaling json for %s", e.Path)
					}
				default:
					content = []byte(e.String)
				}
				if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
					return err
				}
				mode := os.FileMode(0644)
				if e.Mode != "" {
					if m, err := parseOctalMode(e.Mode); err == nil {
						mode = m
					}
				}
				if err := os.WriteFile(dst, content, mode); err != nil {
					return errors.Wrapf(err, "writing %s", dst)
				}
			}
			return nil
		},
	}
	return cmd
}

func parseOctalMode(s string) (os.FileMode, error) {
	var m uint32
	_, err := parseUint32Octal(s, &m)
	return os.FileMode(m), err
}

func parseUint32Octal(s string, out *uint32) (int, error) {
	var v uint32
	for _, c := range s {
		if c < '0' || c > '7' {
			return 0, errors.Errorf("invalid octal mode %q", s)
		}
		v = v*8 + uint32(c-'0')
	}
	*out = v
	return len(s), nil
}
