// Package jobrunner interprets the "build" portion of a canonicalized spec:
// assembling an environment from imports, substituting variables, and
// running the mini-script of commands while multiplexing subprocess
// output. Grounded on hashdist's core/run_job.py.
package jobrunner

import (
	"fmt"
	"sort"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/hashdist/hit/buildspec"
	"github.com/hashdist/hit/internal/herrors"
)

// StableTopoSort orders imports by first identifying the roots (ids not
// named in any import's Before list), then running a DFS seeded from the
// roots in declaration order: a node is appended to the result before its
// own Before-list children are visited, and a node's children are visited
// in overall declaration order (not the order they are listed in Before).
// If no Before constraints are given at all, the output order is the input
// order. A cycle, whether or not it is reachable from a root, is reported
// as a CycleError. Grounded on hashdist's core/run_job.py's
// stable_topological_sort.
func StableTopoSort(imports []buildspec.ImportRecord) ([]buildspec.ImportRecord, error) {
	if err := ValidateImports(imports); err != nil {
		return nil, err
	}

	order := make(map[string]int, len(imports))
	byID := make(map[string]buildspec.ImportRecord, len(imports))
	for i, imp := range imports {
		order[imp.ID] = i
		byID[imp.ID] = imp
	}

	roots := sets.New[string]()
	for _, imp := range imports {
		roots.Insert(imp.ID)
	}

	graph := make(map[string][]string, len(imports))
	for _, imp := range imports {
		children := append([]string(nil), imp.Before...)
		sort.Slice(children, func(i, j int) bool { return order[children[i]] < order[children[j]] })
		graph[imp.ID] = children
		for _, before := range imp.Before {
			roots.Delete(before)
		}
	}

	var result, stack, cyclic []string
	visited := sets.New[string]()
	onStack := sets.New[string]()
	var dfs func(id string)
	dfs = func(id string) {
		if onStack.Has(id) && cyclic == nil {
			for i, s := range stack {
				if s == id {
					cyclic = append([]string(nil), stack[i:]...)
				}
			}
		}
		if visited.Has(id) {
			return
		}
		visited.Insert(id)
		onStack.Insert(id)
		stack = append(stack, id)
		result = append(result, id)
		for _, child := range graph[id] {
			dfs(child)
		}
		stack = stack[:len(stack)-1]
		onStack.Delete(id)
	}

	rootList := roots.UnsortedList()
	sort.Slice(rootList, func(i, j int) bool { return order[rootList[i]] < order[rootList[j]] })
	for _, id := range rootList {
		dfs(id)
	}
	if cyclic != nil {
		return nil, &herrors.CycleError{Members: cyclic}
	}

	// A cycle among non-root imports never gets a reachable root to start
	// the DFS from, so its members are simply left out of result.
	if len(result) != len(imports) {
		var members []string
		for _, imp := range imports {
			if !visited.Has(imp.ID) {
				members = append(members, imp.ID)
			}
		}
		return nil, &herrors.CycleError{Members: members}
	}

	out := make([]buildspec.ImportRecord, len(result))
	for i, id := range result {
		out[i] = byID[id]
	}
	return out, nil
}

// ValidateImports ensures every "before" reference names a known import,
// returning a descriptive error otherwise.
func ValidateImports(imports []buildspec.ImportRecord) error {
	known := sets.New[string]()
	for _, imp := range imports {
		known.Insert(imp.ID)
	}
	for _, imp := range imports {
		for _, before := range imp.Before {
			if !known.Has(before) {
				return fmt.Errorf("import %q has unknown before-reference %q", imp.ID, before)
			}
		}
	}
	return nil
}
