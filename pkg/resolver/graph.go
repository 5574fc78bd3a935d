package resolver

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pyrite-env/pyrite/pkg/pyver"
)

// Edge records which requirement justified a selection: the dependent
// package (empty for root requirements) required Package under Constraint.
type Edge struct {
	// Dependent is the package whose requirement this is. Empty when the
	// requirement came from the caller's root set.
	Dependent string `json:"dependent,omitempty"`

	// Package is the package the requirement names.
	Package string `json:"package"`

	// Constraint is the version constraint of the requirement.
	Constraint pyver.Constraint `json:"constraint"`
}

// DependencyGraph is the output of a successful resolution: one selected
// version per package, plus the edges justifying each selection. Every
// edge's constraint is satisfied by the selected version of its target.
type DependencyGraph struct {
	// Packages maps package name to its selected version.
	Packages map[string]pyver.Version `json:"packages"`

	// Edges records the requirement that justified each selection. Edges
	// are kept sorted for deterministic serialization.
	Edges []Edge `json:"edges"`
}

// NewDependencyGraph creates an empty graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		Packages: make(map[string]pyver.Version),
		Edges:    make([]Edge, 0),
	}
}

// Selected returns the selected version of a package and whether it is in
// the graph.
func (g *DependencyGraph) Selected(name string) (pyver.Version, bool) {
	v, ok := g.Packages[pyver.NormalizeName(name)]
	return v, ok
}

// DependenciesOf returns the packages the named package depends on,
// sorted.
func (g *DependencyGraph) DependenciesOf(name string) []string {
	name = pyver.NormalizeName(name)
	seen := make(map[string]bool)
	for _, e := range g.Edges {
		if e.Dependent == name {
			seen[e.Package] = true
		}
	}
	return sortedKeys(seen)
}

// DependentsOf returns the packages that depend on the named package,
// sorted. Root requirements do not count as dependents.
func (g *DependencyGraph) DependentsOf(name string) []string {
	name = pyver.NormalizeName(name)
	seen := make(map[string]bool)
	for _, e := range g.Edges {
		if e.Package == name && e.Dependent != "" {
			seen[e.Dependent] = true
		}
	}
	return sortedKeys(seen)
}

// Verify checks the graph invariant: every edge targets a selected package
// and its constraint is satisfied by the selection.
func (g *DependencyGraph) Verify() error {
	for _, e := range g.Edges {
		selected, ok := g.Packages[e.Package]
		if !ok {
			return fmt.Errorf("edge targets unselected package %s", e.Package)
		}
		if !e.Constraint.Matches(selected) {
			return fmt.Errorf("selection %s=%s violates constraint %s (required by %q)",
				e.Package, selected, e.Constraint, e.Dependent)
		}
	}
	return nil
}

// normalize sorts edges into canonical order so that identical resolutions
// serialize identically.
func (g *DependencyGraph) normalize() {
	sort.Slice(g.Edges, func(i, j int) bool {
		a, b := g.Edges[i], g.Edges[j]
		if a.Dependent != b.Dependent {
			return a.Dependent < b.Dependent
		}
		if a.Package != b.Package {
			return a.Package < b.Package
		}
		return a.Constraint.String() < b.Constraint.String()
	})
}

// MarshalJSON serializes the graph deterministically: identical graphs
// produce byte-identical output.
func (g *DependencyGraph) MarshalJSON() ([]byte, error) {
	clone := *g
	clone.Edges = append([]Edge(nil), g.Edges...)
	clone.normalize()
	type plain DependencyGraph
	return json.Marshal(plain(clone))
}

// UnmarshalJSON implements json.Unmarshaler.
func (g *DependencyGraph) UnmarshalJSON(data []byte) error {
	type plain DependencyGraph
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*g = DependencyGraph(p)
	if g.Packages == nil {
		g.Packages = make(map[string]pyver.Version)
	}
	if g.Edges == nil {
		g.Edges = make([]Edge, 0)
	}
	return nil
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
