// Package buildspec implements the structured build-spec and job-spec
// documents described by the data model: canonicalization, artifact-ID
// derivation, and (de)serialization to the hasher's canonical Value tree.
// Grounded on hashdist's core/build_store/build_spec.py and
// core/run_job.py's canonicalize_job_spec.
package buildspec

import "regexp"

// safeName matches the allowed character set for both an artifact name and
// a version string.
var safeName = regexp.MustCompile(`^[a-zA-Z0-9_+-]+$`)

// ValidName reports whether s is a legal name or version string.
func ValidName(s string) bool {
	return s != "" && safeName.MatchString(s)
}

// Spec is the structured build-spec document: name, version, an embedded
// job spec, and a list of sources to unpack before the job runs. Unknown
// top-level fields are preserved in Extra so experimental metadata flows
// through unmolested.
type Spec struct {
	Name    string        `json:"name"`
	Version string        `json:"version"`
	Sources []SourceEntry `json:"sources,omitempty"`
	Build   JobSpec       `json:"build"`

	// Extra carries any top-level fields not named above, preserved
	// verbatim across canonicalization.
	Extra map[string]interface{} `json:"-"`
}

// SourceEntry references one entry in the source cache to be unpacked into
// the build directory before the job runs.
type SourceEntry struct {
	Key    string `json:"key"`              // scheme:digest
	Target string `json:"target,omitempty"` // relative path within the build dir, default "."
	Strip  int    `json:"strip,omitempty"`  // hashed and serialized only; unpacking applies just the common-prefix pass, not Strip
}

// JobSpec is the structured "build" document: an environment, an ordered
// list of imports, and an ordered list of commands.
type JobSpec struct {
	Env      map[string]string `json:"env,omitempty"`
	Imports  []ImportRecord    `json:"import,omitempty"`
	Commands []Command         `json:"commands"`
}

// ImportRecord is one entry of a job spec's import list.
type ImportRecord struct {
	ID     string   `json:"id"`
	Ref    *string  `json:"ref,omitempty"`
	Before []string `json:"before,omitempty"`
	// InEnv defaults to true; when false the import contributes no
	// PATH/HDIST_CFLAGS/HDIST_LDFLAGS entries, only HDIST_IMPORT and,
	// when Ref is set, the <REF>_DIR/<REF>_ID variables.
	InEnv *bool `json:"in_env,omitempty"`
}

// InEnvOrDefault returns the effective in_env flag, defaulting to true.
func (r ImportRecord) InEnvOrDefault() bool {
	if r.InEnv == nil {
		return true
	}
	return *r.InEnv
}

// CommandVerb enumerates the job runner's command kinds.
type CommandVerb string

const (
	VerbSet         CommandVerb = "set"
	VerbAppendFlag  CommandVerb = "append_flag"
	VerbPrependFlag CommandVerb = "prepend_flag"
	VerbAppendPath  CommandVerb = "append_path"
	VerbPrependPath CommandVerb = "prepend_path"
	VerbChdir       CommandVerb = "chdir"
	VerbCmd         CommandVerb = "cmd"
	VerbCmdToVar    CommandVerb = "cmd_to_var"
	VerbCmdToFile   CommandVerb = "cmd_to_file"
	VerbHit         CommandVerb = "hit"
	VerbSubScope    CommandVerb = "commands"
)

// Command is a single tagged-variant job command. Only the fields relevant
// to Verb are populated; the job runner switches on Verb.
type Command struct {
	Verb CommandVerb `json:"verb"`

	Key   string `json:"key,omitempty"`   // set / *_flag / *_path: LHS variable
	Value string `json:"value,omitempty"` // set / *_flag / *_path: RHS, pre-substitution

	Dir string `json:"dir,omitempty"` // chdir

	Argv []string `json:"argv,omitempty"` // cmd / cmd_to_var / cmd_to_file / hit
	Var  string   `json:"var,omitempty"`  // cmd_to_var: capture variable
	File string   `json:"file,omitempty"` // cmd_to_file: append-to file

	Commands []Command `json:"commands,omitempty"` // commands: sub-scope body

	Inputs []InputFile `json:"inputs,omitempty"` // materialized before this command only
}

// InputFile is one entry of a command's inputs list, exposed to that
// command as $in0, $in1, ... in declaration order.
type InputFile struct {
	Text   []string    `json:"text,omitempty"`
	String string      `json:"string,omitempty"`
	JSON   interface{} `json:"json,omitempty"`
}

// Kind reports which of Text/String/JSON is populated.
func (f InputFile) Kind() string {
	switch {
	case f.Text != nil:
		return "text"
	case f.JSON != nil:
		return "json"
	default:
		return "string"
	}
}
