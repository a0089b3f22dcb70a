package hit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// LinkRule is one entry of the create-links DSL document: an action
// (symlink, copy, launcher, exclude) applied to paths under Source that
// match Select (a glob), optionally stripping Prefix and rewriting into
// Target before applying the action relative to the current directory.
type LinkRule struct {
	Action string `json:"action"`
	Source string `json:"source"`
	Select string `json:"select"`
	Prefix string `json:"prefix,omitempty"`
	Target string `json:"target,omitempty"`
}

// LinkAction is one resolved (from, to) operation computed by
// ComputeLinkActions, kept separate from application so the DSL can be
// dry-run and tested without touching a filesystem.
type LinkAction struct {
	Kind string // "symlink", "copy", "launcher"
	From string
	To   string
}

// ComputeLinkActions walks each rule's Source tree, matches entries
// against Select, and produces the list of actions to apply. Exclude
// rules remove already-computed actions whose source path matches the
// exclude rule's own Source/Select glob rather than producing an action
// of their own.
func ComputeLinkActions(rules []LinkRule, cwd string) ([]LinkAction, error) {
	var actions []LinkAction
	for _, rule := range rules {
		matches, err := filepath.Glob(filepath.Join(rule.Source, rule.Select))
		if err != nil {
			return nil, errors.Wrapf(err, "evaluating select %q", rule.Select)
		}
		if rule.Action == "exclude" {
			actions = removeMatching(actions, matches)
			continue
		}
		for _, from := range matches {
			rel, err := filepath.Rel(rule.Source, from)
			if err != nil {
				return nil, err
			}
			if rule.Prefix != "" {
				rel = strings.TrimPrefix(rel, rule.Prefix)
				rel = strings.TrimPrefix(rel, string(filepath.Separator))
			}
			dstDir := cwd
			if rule.Target != "" {
				dstDir = filepath.Join(cwd, rule.Target)
			}
			to := filepath.Join(dstDir, rel)
			if !withinDir(cwd, to) {
				return nil, errors.Errorf("create-links target %q escapes the current directory", to)
			}
			kind := rule.Action
			if kind == "" {
				kind = "symlink"
			}
			actions = append(actions, LinkAction{Kind: kind, From: from, To: to})
		}
	}
	return actions, nil
}

func removeMatching(actions []LinkAction, excluded []string) []LinkAction {
	excludeSet := make(map[string]bool, len(excluded))
	for _, e := range excluded {
		excludeSet[e] = true
	}
	out := actions[:0]
	for _, a := range actions {
		if !excludeSet[a.From] {
			out = append(out, a)
		}
	}
	return out
}

// ApplyLinkActions performs each action against the filesystem.
func ApplyLinkActions(actions []LinkAction) error {
	for _, a := range actions {
		if err := os.MkdirAll(filepath.Dir(a.To), 0755); err != nil {
			return errors.Wrapf(err, "creating parent of %s", a.To)
		}
		switch a.Kind {
		case "symlink":
			os.Remove(a.To)
			if err := os.Symlink(a.From, a.To); err != nil {
				return errors.Wrapf(err, "symlinking %s -> %s", a.To, a.From)
			}
		case "copy":
			if err := copyFile(a.From, a.To); err != nil {
				return err
			}
		case "launcher":
			if err := writeLauncherScript(a.From, a.To); err != nil {
				return err
			}
		default:
			return errors.Errorf("unknown create-links action %q", a.Kind)
		}
	}
	return nil
}

func copyFile(from, to string) error {
	data, err := os.ReadFile(from)
	if err != nil {
		return errors.Wrapf(err, "reading %s", from)
	}
	info, err := os.Stat(from)
	if err != nil {
		return err
	}
	return os.WriteFile(to, data, info.Mode().Perm())
}

// writeLauncherScript writes a small shell stub at to that execs the real
// binary at from, used when a direct symlink would not survive
// relocation (e.g. across a shebang-length limit).
func writeLauncherScript(from, to string) error {
	script := "#!/bin/sh\nexec \"" + from + "\" \"$@\"\n"
	return os.WriteFile(to, []byte(script), 0755)
}

func (c *CLI) newCreateLinksCmd(cwd string) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "create-links RULES.json",
		Short: "apply the symlink/copy/launcher/exclude link-construction DSL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return errors.Wrapf(err, "reading %s", args[0])
			}
			var rules []LinkRule
			if err := json.Unmarshal(raw, &rules); err != nil {
				return errors.Wrap(err, "parsing link rules")
			}
			actions, err := ComputeLinkActions(rules, cwd)
			if err != nil {
				return err
			}
			if dryRun {
				for _, a := range actions {
					cmd.Printf("%s %s -> %s\n", a.Kind, a.From, a.To)
				}
				return nil
			}
			return ApplyLinkActions(actions)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the computed actions without applying them")
	return cmd
}
