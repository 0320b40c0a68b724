package study

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ParameterTable is the declarative global.parameters block. It behaves
// like map[string]ParameterSpec but preserves YAML declaration order, which
// the combo-key join (spec.md §3) requires: "label_i for each parameter
// used by a step, in declared order".
type ParameterTable struct {
	order  []string
	byName map[string]ParameterSpec
}

// Names returns parameter names in the order they were declared.
func (t *ParameterTable) Names() []string {
	if t == nil {
		return nil
	}
	return append([]string(nil), t.order...)
}

// Get returns the spec for name and whether it was declared.
func (t *ParameterTable) Get(name string) (ParameterSpec, bool) {
	if t == nil {
		return ParameterSpec{}, false
	}
	p, ok := t.byName[name]
	return p, ok
}

// Len reports how many parameters are declared.
func (t *ParameterTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.order)
}

// UnmarshalYAML decodes a mapping node while recording key order, since
// yaml.v3 would otherwise hand us an unordered map.
func (t *ParameterTable) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("global.parameters: expected a mapping, got %v", node.Kind)
	}
	t.byName = make(map[string]ParameterSpec, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		var spec ParameterSpec
		if err := node.Content[i+1].Decode(&spec); err != nil {
			return fmt.Errorf("global.parameters.%s: %w", name, err)
		}
		if _, exists := t.byName[name]; exists {
			return fmt.Errorf("global.parameters: duplicate key %q", name)
		}
		t.byName[name] = spec
		t.order = append(t.order, name)
	}
	return nil
}

// MarshalJSON emits an ordinary JSON object; declaration order is not a
// JSON Schema concern, only a combo-key concern.
func (t *ParameterTable) MarshalJSON() ([]byte, error) {
	if t == nil {
		return []byte("null"), nil
	}
	m := make(map[string]ParameterSpec, len(t.byName))
	for k, v := range t.byName {
		m[k] = v
	}
	return json.Marshal(m)
}

// ParameterTable has no exported fields (order must stay private, or yaml.v3
// and invopop/jsonschema would fight over it), so reflection sees a bare
// object type; per-parameter shape (values/label) is still enforced by the
// domain phase via BuildModel, which is the stricter check in practice.
