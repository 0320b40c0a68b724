// Package params implements the parameter model: an ordered set of named
// parameters whose value vectors share a length, the combinations they
// produce, and the stable combo-key label used to name step instances and
// their workspace subdirectories.
//
// This generalizes the teacher's single for_each "over a list" iteration
// (pkg/schema.IterateBlock in the teacher repo) to N parameters advancing in
// lockstep by a common index, which is the shape a parameter sweep study
// needs.
package params

import (
	"fmt"
	"strings"
)

// Parameter is one named, vectorized value with a label template. The
// template must contain a "%%" placeholder, substituted with the string
// form of the value at a given combination index.
type Parameter struct {
	Name          string
	Values        []string
	LabelTemplate string
}

// Label renders this parameter's label at value index i.
func (p *Parameter) Label(i int) (string, error) {
	if !strings.Contains(p.LabelTemplate, "%%") {
		return "", fmt.Errorf("parameter %q: label template %q missing %%%% placeholder", p.Name, p.LabelTemplate)
	}
	return strings.ReplaceAll(p.LabelTemplate, "%%", p.Values[i]), nil
}

// Model is an ordered set of parameters that all share the same value-vector
// length. Combinations are produced by a single common index.
type Model struct {
	order      []string
	byName     map[string]*Parameter
	n          int // combination count; -1 until the first parameter is added
	labelCache map[string][]string
}

// NewModel returns an empty parameter model.
func NewModel() *Model {
	return &Model{
		byName: make(map[string]*Parameter),
		n:      -1,
	}
}

// Add inserts a parameter. Returns an error if the name is already used, the
// value list is empty, the label template is missing "%%", or the value
// count disagrees with parameters already in the model — all spec-load-time
// fatal conditions (spec.md §4.B "Failure modes").
func (m *Model) Add(name string, values []string, labelTemplate string) error {
	if _, exists := m.byName[name]; exists {
		return fmt.Errorf("parameter %q: already defined", name)
	}
	if len(values) == 0 {
		return fmt.Errorf("parameter %q: values must be non-empty", name)
	}
	if !strings.Contains(labelTemplate, "%%") {
		return fmt.Errorf("parameter %q: label template %q missing %%%% placeholder", name, labelTemplate)
	}
	if m.n == -1 {
		m.n = len(values)
	} else if len(values) != m.n {
		return fmt.Errorf("parameter %q: has %d values, study parameters must all have %d", name, len(values), m.n)
	}

	p := &Parameter{Name: name, Values: append([]string(nil), values...), LabelTemplate: labelTemplate}
	m.byName[name] = p
	m.order = append(m.order, name)
	return nil
}

// Len returns N, the number of combinations. Zero when no parameters are
// defined.
func (m *Model) Len() int {
	if m.n < 0 {
		return 0
	}
	return m.n
}

// Names returns parameter names in insertion order.
func (m *Model) Names() []string {
	return append([]string(nil), m.order...)
}

// Has reports whether name is a defined parameter.
func (m *Model) Has(name string) bool {
	_, ok := m.byName[name]
	return ok
}

// Combination is one row of the parameter table: a mapping from parameter
// name to its value at a common index.
type Combination struct {
	Index  int
	Values map[string]string // parameter name -> value
	Labels map[string]string // parameter name -> resolved label
}

// Combinations returns the N combinations in index order. Empty when the
// model has no parameters.
func (m *Model) Combinations() ([]Combination, error) {
	n := m.Len()
	out := make([]Combination, 0, n)
	for i := 0; i < n; i++ {
		c, err := m.combinationAt(i)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (m *Model) combinationAt(i int) (Combination, error) {
	vals := make(map[string]string, len(m.order))
	labels := make(map[string]string, len(m.order))
	for _, name := range m.order {
		p := m.byName[name]
		vals[name] = p.Values[i]
		lbl, err := p.Label(i)
		if err != nil {
			return Combination{}, err
		}
		labels[name] = lbl
	}
	return Combination{Index: i, Values: vals, Labels: labels}, nil
}

// ComboKey is the stable string identity of a combination projected onto
// used — the parameter names actually referenced by a step template, in the
// order declared on the model (spec.md §3: "combo_key =
// "·".join(label_i for each parameter used by a step, in declared order)").
// used may be a proper subset of the model's parameters; two combinations
// whose projections onto used agree produce the same combo key, which is
// exactly how an upstream "make once, run many" step collapses to one
// instance.
func (m *Model) ComboKey(c Combination, used []string) string {
	ordered := m.orderedSubset(used)
	if len(ordered) == 0 {
		return ""
	}
	parts := make([]string, 0, len(ordered))
	for _, name := range ordered {
		parts = append(parts, c.Labels[name])
	}
	return strings.Join(parts, "·")
}

// orderedSubset returns the names in used, filtered to those the model
// defines, in the model's declared order.
func (m *Model) orderedSubset(used []string) []string {
	usedSet := make(map[string]bool, len(used))
	for _, u := range used {
		usedSet[u] = true
	}
	var out []string
	for _, name := range m.order {
		if usedSet[name] {
			out = append(out, name)
		}
	}
	return out
}

// Projections returns the distinct combinations when restricted to used,
// one representative Combination per distinct projection, in the order the
// representative combination's index first appears. This is what
// pkg/expand fans a step out to: one instance per distinct projection, not
// one per full Cartesian combination (spec.md §4.D step c).
func (m *Model) Projections(used []string) ([]Combination, error) {
	all, err := m.Combinations()
	if err != nil {
		return nil, err
	}
	if len(used) == 0 || len(m.orderedSubset(used)) == 0 {
		if len(all) == 0 {
			return nil, nil
		}
		return []Combination{all[0]}, nil
	}

	seen := make(map[string]bool)
	var out []Combination
	for _, c := range all {
		key := m.ComboKey(c, used)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out, nil
}
