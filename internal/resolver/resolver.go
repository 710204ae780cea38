// Package resolver turns a formula registry and a set of targets into a
// build order in which every formula follows all of its dependencies.
package resolver

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/specialistvlad/smelter/internal/dag"
	"github.com/specialistvlad/smelter/internal/formula"
)

// UnknownDependencyError is returned when a target or a dependency names a
// formula that is not in the registry. Formula is empty for unknown targets.
type UnknownDependencyError struct {
	Formula    string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	if e.Formula == "" {
		return fmt.Sprintf("unknown formula %q", e.Dependency)
	}
	return fmt.Sprintf("formula %q depends on unknown formula %q", e.Formula, e.Dependency)
}

// CyclicDependencyError names every formula of a dependency cycle. The first
// and last entries are the same formula.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return "dependency cycle: " + strings.Join(e.Cycle, " -> ")
}

// Resolve returns the transitive closure of targets in build order. With no
// targets every registered formula is resolved. Only the closure has to be
// valid: broken formulas outside it do not affect the result.
func Resolve(reg *formula.Registry, targets ...string) ([]*formula.Formula, error) {
	closure, err := closureOf(reg, targets)
	if err != nil {
		return nil, err
	}

	g := dag.New()
	for _, f := range closure {
		g.AddNode(f.Name)
	}
	for _, f := range closure {
		for _, dep := range f.Dependencies {
			if err := g.AddEdge(dep, f.Name); err != nil {
				return nil, fmt.Errorf("resolver: %w", err)
			}
		}
	}

	order, err := g.TopologicalSort()
	if err != nil {
		var cycleErr *dag.CycleError
		if errors.As(err, &cycleErr) {
			return nil, &CyclicDependencyError{Cycle: cycleErr.Path}
		}
		return nil, fmt.Errorf("resolver: %w", err)
	}

	out := make([]*formula.Formula, len(order))
	for i, name := range order {
		out[i], _ = reg.Get(name)
	}
	return out, nil
}

// closureOf collects the targets and everything they depend on, sorted by
// declaration order.
func closureOf(reg *formula.Registry, targets []string) ([]*formula.Formula, error) {
	if len(targets) == 0 {
		for _, f := range reg.All() {
			targets = append(targets, f.Name)
		}
	}

	seen := make(map[string]*formula.Formula)
	var queue []*formula.Formula
	for _, name := range targets {
		f, ok := reg.Get(name)
		if !ok {
			return nil, &UnknownDependencyError{Dependency: formula.NormalizeName(name)}
		}
		if seen[f.Name] == nil {
			seen[f.Name] = f
			queue = append(queue, f)
		}
	}

	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]
		for _, depName := range f.Dependencies {
			dep, ok := reg.Get(depName)
			if !ok {
				return nil, &UnknownDependencyError{Formula: f.Name, Dependency: depName}
			}
			if seen[dep.Name] == nil {
				seen[dep.Name] = dep
				queue = append(queue, dep)
			}
		}
	}

	closure := make([]*formula.Formula, 0, len(seen))
	for _, f := range seen {
		closure = append(closure, f)
	}
	sort.Slice(closure, func(i, j int) bool { return closure[i].Order < closure[j].Order })
	return closure, nil
}

// Dependents returns the registered formulas that directly depend on name,
// in declaration order.
func Dependents(reg *formula.Registry, name string) []string {
	name = formula.NormalizeName(name)
	var out []string
	for _, f := range reg.All() {
		if f.DependsOn(name) {
			out = append(out, f.Name)
		}
	}
	return out
}
