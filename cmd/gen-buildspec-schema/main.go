package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"

	"github.com/hashdist/hit/buildspec"
)

func main() {
	var r jsonschema.Reflector
	if err := r.AddGoComments("github.com/hashdist/hit", "./"); err != nil {
		panic(err)
	}

	schema := r.Reflect(&buildspec.Spec{})
	if schema.PatternProperties == nil {
		schema.PatternProperties = make(map[string]*jsonschema.Schema)
	}
	// "extra" top-level fields flow through Spec.Extra untyped; allow
	// any property name so the schema doesn't reject them.
	schema.PatternProperties[".*"] = &jsonschema.Schema{}

	dt, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		panic(err)
	}

	if len(os.Args) > 1 {
		if err := os.MkdirAll(filepath.Dir(os.Args[1]), 0755); err != nil {
			panic(err)
		}
		if err := os.WriteFile(os.Args[1], dt, 0644); err != nil {
			panic(err)
		}
		return
	}
	fmt.Println(string(dt))
}
