package study

import "fmt"

// TopoSort orders step templates so that every step appears after all of
// its dependencies, ignoring the fan-in suffix (spec.md §4.D step 1: "ignore
// the _* suffix for ordering purposes — fan-in preserves the same ordering
// relation"). Returns an error if the dependency graph contains a cycle.
func TopoSort(steps []StepTemplate) ([]StepTemplate, error) {
	byName := make(map[string]StepTemplate, len(steps))
	for _, s := range steps {
		byName[s.Name] = s
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))
	var order []StepTemplate
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			stack = append(stack, name)
			return fmt.Errorf("cyclic step dependency: %v", append(append([]string(nil), stack...)))
		}
		color[name] = gray
		stack = append(stack, name)

		s, ok := byName[name]
		if ok {
			for _, dep := range s.Run.Depends {
				base, _ := IsFanIn(dep)
				if _, defined := byName[base]; !defined {
					continue // undefined depends are reported by validateDependsTargets
				}
				if err := visit(base); err != nil {
					return err
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[name] = black
		if ok {
			order = append(order, s)
		}
		return nil
	}

	for _, s := range steps {
		if color[s.Name] == white {
			if err := visit(s.Name); err != nil {
				return nil, err
			}
		}
	}
	return order, nil
}
