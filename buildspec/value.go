package buildspec

import (
	"encoding/json"

	"github.com/hashdist/hit/hasher"
)

// ToValue converts a Spec into the hasher.Value tree that canonical
// hashing operates over. Extra fields are merged in at the top level so
// unknown metadata still contributes to (or, if nohash-prefixed, is
// stripped from) the digest.
func (s Spec) ToValue() hasher.Value {
	m := map[string]hasher.Value{
		"name":    s.Name,
		"version": s.Version,
		"build":   s.Build.ToValue(),
	}
	if len(s.Sources) > 0 {
		items := make([]hasher.Value, len(s.Sources))
		for i, src := range s.Sources {
			items[i] = src.ToValue()
		}
		m["sources"] = items
	}
	for k, v := range s.Extra {
		m[k] = toGenericValue(v)
	}
	return m
}

// ToValue converts a SourceEntry into its canonical map form.
func (e SourceEntry) ToValue() hasher.Value {
	m := map[string]hasher.Value{"key": e.Key}
	if e.Target != "" {
		m["target"] = e.Target
	}
	if e.Strip != 0 {
		m["strip"] = int64(e.Strip)
	}
	return m
}

// ToValue converts a JobSpec into its canonical map form.
func (j JobSpec) ToValue() hasher.Value {
	m := map[string]hasher.Value{}
	if len(j.Env) > 0 {
		env := make(map[string]hasher.Value, len(j.Env))
		for k, v := range j.Env {
			env[k] = v
		}
		m["env"] = env
	}
	if len(j.Imports) > 0 {
		items := make([]hasher.Value, len(j.Imports))
		for i, imp := range j.Imports {
			items[i] = imp.ToValue()
		}
		m["import"] = items
	}
	cmds := make([]hasher.Value, len(j.Commands))
	for i, c := range j.Commands {
		cmds[i] = c.ToValue()
	}
	m["commands"] = cmds
	return m
}

// ToValue converts an ImportRecord into its canonical map form.
func (r ImportRecord) ToValue() hasher.Value {
	m := map[string]hasher.Value{"id": r.ID}
	if r.Ref != nil {
		m["ref"] = *r.Ref
	} else {
		m["ref"] = nil
	}
	if len(r.Before) > 0 {
		before := make([]hasher.Value, len(r.Before))
		for i, b := range r.Before {
			before[i] = b
		}
		m["before"] = before
	}
	m["in_env"] = r.InEnvOrDefault()
	return m
}

// ToValue converts a Command into its canonical map form.
func (c Command) ToValue() hasher.Value {
	m := map[string]hasher.Value{"verb": string(c.Verb)}
	if c.Key != "" {
		m["key"] = c.Key
	}
	if c.Value != "" {
		m["value"] = c.Value
	}
	if c.Dir != "" {
		m["dir"] = c.Dir
	}
	if len(c.Argv) > 0 {
		argv := make([]hasher.Value, len(c.Argv))
		for i, a := range c.Argv {
			argv[i] = a
		}
		m["argv"] = argv
	}
	if c.Var != "" {
		m["var"] = c.Var
	}
	if c.File != "" {
		m["file"] = c.File
	}
	if len(c.Commands) > 0 {
		sub := make([]hasher.Value, len(c.Commands))
		for i, s := range c.Commands {
			sub[i] = s.ToValue()
		}
		m["commands"] = sub
	}
	if len(c.Inputs) > 0 {
		in := make([]hasher.Value, len(c.Inputs))
		for i, f := range c.Inputs {
			in[i] = f.ToValue()
		}
		m["inputs"] = in
	}
	return m
}

// ToValue converts an InputFile into its canonical map form.
func (f InputFile) ToValue() hasher.Value {
	switch f.Kind() {
	case "text":
		lines := make([]hasher.Value, len(f.Text))
		for i, l := range f.Text {
			lines[i] = l
		}
		return map[string]hasher.Value{"text": lines}
	case "json":
		return map[string]hasher.Value{"json": toGenericValue(f.JSON)}
	default:
		return map[string]hasher.Value{"string": f.String}
	}
}

// toGenericValue converts an arbitrary JSON-ish Go value (as produced by
// encoding/json or goccy/go-yaml unmarshaling into interface{}) into a
// hasher.Value tree.
func toGenericValue(v interface{}) hasher.Value {
	switch t := v.(type) {
	case nil:
		return nil
	case bool:
		return t
	case string:
		return t
	case int:
		return int64(t)
	case int64:
		return t
	case float64:
		if t == float64(int64(t)) {
			return int64(t)
		}
		return t
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case []interface{}:
		out := make([]hasher.Value, len(t))
		for i, item := range t {
			out[i] = toGenericValue(item)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]hasher.Value, len(t))
		for k, val := range t {
			out[k] = toGenericValue(val)
		}
		return out
	default:
		return v
	}
}
