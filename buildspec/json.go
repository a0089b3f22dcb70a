package buildspec

import "encoding/json"

// specAlias has the same field tags as Spec but none of its methods, so
// encoding/json's default struct handling applies to it without recursing
// into Spec's own MarshalJSON/UnmarshalJSON.
type specAlias struct {
	Name    string        `json:"name"`
	Version string        `json:"version"`
	Sources []SourceEntry `json:"sources,omitempty"`
	Build   JobSpec       `json:"build"`
}

// MarshalJSON emits the named fields plus every Extra entry at the top
// level, so unknown metadata round-trips through serialization unmolested.
func (s Spec) MarshalJSON() ([]byte, error) {
	named, err := json.Marshal(specAlias{Name: s.Name, Version: s.Version, Sources: s.Sources, Build: s.Build})
	if err != nil {
		return nil, err
	}
	if len(s.Extra) == 0 {
		return named, nil
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(named, &out); err != nil {
		return nil, err
	}
	for k, v := range s.Extra {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out[k] = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON populates the named fields and collects every other
// top-level key into Extra.
func (s *Spec) UnmarshalJSON(data []byte) error {
	var alias specAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	s.Name = alias.Name
	s.Version = alias.Version
	s.Sources = alias.Sources
	s.Build = alias.Build

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	delete(raw, "name")
	delete(raw, "version")
	delete(raw, "sources")
	delete(raw, "build")
	if len(raw) == 0 {
		s.Extra = nil
		return nil
	}
	s.Extra = make(map[string]interface{}, len(raw))
	for k, v := range raw {
		var val interface{}
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		s.Extra[k] = val
	}
	return nil
}
