package formula

import (
	"fmt"
	"sort"
)

// DuplicateFormulaError is returned when two formulas share a normalized name.
type DuplicateFormulaError struct {
	Name   string
	First  string
	Second string
}

func (e *DuplicateFormulaError) Error() string {
	return fmt.Sprintf("formula %q declared twice (%s and %s)", e.Name, e.First, e.Second)
}

// Registry holds formulas keyed by normalized name, in declaration order.
type Registry struct {
	byName map[string]*Formula
	order  []*Formula
}

// NewRegistry creates and returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Formula)}
}

// Add registers f and assigns its declaration Order.
func (r *Registry) Add(f *Formula) error {
	f.Name = NormalizeName(f.Name)
	if existing, ok := r.byName[f.Name]; ok {
		return &DuplicateFormulaError{Name: f.Name, First: existing.File, Second: f.File}
	}
	f.Order = len(r.order)
	r.byName[f.Name] = f
	r.order = append(r.order, f)
	return nil
}

// Get looks a formula up by name; the name is normalized first.
func (r *Registry) Get(name string) (*Formula, bool) {
	f, ok := r.byName[NormalizeName(name)]
	return f, ok
}

// All returns every formula in declaration order.
func (r *Registry) All() []*Formula {
	out := make([]*Formula, len(r.order))
	copy(out, r.order)
	return out
}

// Names returns the sorted formula names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int {
	return len(r.order)
}
