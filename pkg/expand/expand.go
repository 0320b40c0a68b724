// Package expand implements the study expander of spec.md §4.D: it walks
// the topologically sorted step templates, fans each one out over the
// parameter projections it actually needs, and builds the resulting
// execution graph with workspaces assigned and scripts rendered.
package expand

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ormasoftchile/conductor/pkg/graph"
	"github.com/ormasoftchile/conductor/pkg/params"
	"github.com/ormasoftchile/conductor/pkg/scheduler"
	"github.com/ormasoftchile/conductor/pkg/study"
	"github.com/ormasoftchile/conductor/pkg/token"
)

// Options carries everything the expander needs beyond the spec and the
// parameter model: the reserved-token values, the adapter that renders
// scripts, and the workspace layout policy.
type Options struct {
	StudyRoot     string
	HashWS        bool
	Reserved      map[string]string // SPECROOT, OUTPUT_PATH
	Variables     map[string]string
	Labels        map[string]string
	Dependencies  map[string]string
	Adapter       scheduler.Adapter
	BatchDefaults *study.BatchDefaults
}

// instance is one emitted job instance's bookkeeping, kept around only for
// the duration of expansion to resolve $(STEP.workspace) references and
// per-combination edges.
type instance struct {
	nodeID      string
	workspace   string
	combination params.Combination
}

// Expand builds the execution graph for spec. model may be nil (or empty)
// when the study declares no parameters.
func Expand(spec *study.Spec, model *params.Model, opts Options) (*graph.Graph, error) {
	ordered, err := study.TopoSort(spec.Study)
	if err != nil {
		return nil, fmt.Errorf("expand: %w", err)
	}

	byName := make(map[string]study.StepTemplate, len(ordered))
	for _, t := range ordered {
		byName[t.Name] = t
	}

	g := graph.New()
	effectiveUsed := make(map[string][]string)
	// instancesByStep maps step name -> comboKey (over that step's own
	// effectiveUsed) -> instance. comboKey is "" for an unparameterized step.
	instancesByStep := make(map[string]map[string]*instance)
	// allInstances lists every instance of a step in emission order, for
	// fan-in edges.
	allInstances := make(map[string][]*instance)

	for _, t := range ordered {
		used := usedParams(t, model, opts.Labels)
		eff := effectiveUsedFor(t, used, byName, effectiveUsed)
		effectiveUsed[t.Name] = eff

		projections, err := projectionsFor(model, eff)
		if err != nil {
			return nil, fmt.Errorf("expand step %q: %w", t.Name, err)
		}

		instancesByStep[t.Name] = make(map[string]*instance, len(projections))

		for _, c := range projections {
			comboKey := ""
			if model != nil && len(eff) > 0 {
				comboKey = model.ComboKey(c, eff)
			}

			inst, err := emitInstance(g, t, c, comboKey, model, effectiveUsed, instancesByStep, opts)
			if err != nil {
				return nil, fmt.Errorf("expand step %q combo %q: %w", t.Name, comboKey, err)
			}

			instancesByStep[t.Name][comboKey] = inst
			allInstances[t.Name] = append(allInstances[t.Name], inst)

			if err := addEdges(g, t, inst, c, model, effectiveUsed, instancesByStep, allInstances); err != nil {
				return nil, fmt.Errorf("expand step %q combo %q: %w", t.Name, comboKey, err)
			}
		}
	}

	return g, nil
}

// projectionsFor returns the distinct combinations to fan out to, or a
// single zero-value combination when the step has no effective parameter
// usage (spec.md §4.D step 2c).
func projectionsFor(model *params.Model, eff []string) ([]params.Combination, error) {
	if model == nil || len(eff) == 0 {
		return []params.Combination{{}}, nil
	}
	projections, err := model.Projections(eff)
	if err != nil {
		return nil, err
	}
	if len(projections) == 0 {
		return []params.Combination{{}}, nil
	}
	return projections, nil
}

// usedParams computes used(T): parameter names referenced directly in
// cmd/restart/resources, plus transitively through any label those fields
// reference (a label's own template may itself reference a parameter).
func usedParams(t study.StepTemplate, model *params.Model, labels map[string]string) []string {
	seen := make(map[string]bool)
	var out []string

	var walk func(text string)
	visitedLabels := make(map[string]bool)
	walk = func(text string) {
		for _, name := range token.UsedNames(text) {
			if model != nil && model.Has(name) {
				if !seen[name] {
					seen[name] = true
					out = append(out, name)
				}
				continue
			}
			if lbl, ok := labels[name]; ok && !visitedLabels[name] {
				visitedLabels[name] = true
				walk(lbl)
			}
		}
	}

	walk(t.Run.Cmd)
	walk(t.Run.Restart)
	walk(t.Run.Resources.Walltime)
	walk(t.Run.Resources.Bind)
	walk(t.Run.Resources.Reservation)
	walk(t.Run.Resources.QOS)

	return out
}

// effectiveUsedFor applies the parameter propagation rule of spec.md §4.D
// step 2b: effective_used(T) = used(T) ∪ ⋃ effective_used(U) for every
// per-combination (non fan-in) parent U.
func effectiveUsedFor(t study.StepTemplate, used []string, byName map[string]study.StepTemplate, effectiveUsed map[string][]string) []string {
	set := make(map[string]bool, len(used))
	var out []string
	add := func(name string) {
		if !set[name] {
			set[name] = true
			out = append(out, name)
		}
	}
	for _, u := range used {
		add(u)
	}
	for _, dep := range t.Run.Depends {
		base, fanIn := study.IsFanIn(dep)
		if fanIn {
			continue
		}
		if _, ok := byName[base]; !ok {
			continue
		}
		for _, name := range effectiveUsed[base] {
			add(name)
		}
	}
	return out
}

// emitInstance resolves tokens for one job instance, creates its workspace,
// asks the scheduler adapter to render its script, and adds it as a node.
func emitInstance(g *graph.Graph, t study.StepTemplate, c params.Combination, comboKey string, model *params.Model, effectiveUsed map[string][]string, instancesByStep map[string]map[string]*instance, opts Options) (*instance, error) {
	nodeID := t.Name
	workspace := filepath.Join(opts.StudyRoot, t.Name)
	dirComponent := comboKey
	if comboKey != "" {
		nodeID = t.Name + "_" + comboKey
		if opts.HashWS {
			dirComponent = hashComboKey(comboKey)
		}
		workspace = filepath.Join(opts.StudyRoot, t.Name, dirComponent)
	}

	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	if opts.HashWS && comboKey != "" && dirComponent != comboKey {
		sidecar := filepath.Join(workspace, "combo_key.txt")
		if err := os.WriteFile(sidecar, []byte(comboKey+"\n"), 0o644); err != nil {
			return nil, fmt.Errorf("write combo_key sidecar: %w", err)
		}
	}

	reserved := make(map[string]string, len(opts.Reserved)+1)
	for k, v := range opts.Reserved {
		reserved[k] = v
	}
	reserved["WORKSPACE"] = workspace

	ctx := &token.Context{
		Variables:    opts.Variables,
		Labels:       opts.Labels,
		ParamValues:  c.Values,
		ParamLabels:  c.Labels,
		Reserved:     reserved,
		Dependencies: opts.Dependencies,
		StepWorkspace: func(step string) (string, bool) {
			return resolveStepWorkspace(step, c, model, effectiveUsed, instancesByStep)
		},
	}

	cmd, err := token.Resolve(t.Run.Cmd, ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve cmd: %w", err)
	}
	restart := ""
	if t.Run.Restart != "" {
		restart, err = token.Resolve(t.Run.Restart, ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve restart: %w", err)
		}
	}
	resources := t.Run.Resources
	if resources.Walltime, err = token.Resolve(resources.Walltime, ctx); err != nil {
		return nil, fmt.Errorf("resolve walltime: %w", err)
	}
	if resources.Bind, err = token.Resolve(resources.Bind, ctx); err != nil {
		return nil, fmt.Errorf("resolve bind: %w", err)
	}
	if resources.Reservation, err = token.Resolve(resources.Reservation, ctx); err != nil {
		return nil, fmt.Errorf("resolve reservation: %w", err)
	}
	if resources.QOS, err = token.Resolve(resources.QOS, ctx); err != nil {
		return nil, fmt.Errorf("resolve qos: %w", err)
	}

	scriptPath := filepath.Join(workspace, t.Name+".sh")
	if opts.Adapter != nil {
		job := scheduler.Job{Name: nodeID, Cmd: cmd, RestartCmd: restart, Resources: resources}
		if err := opts.Adapter.Render(scriptPath, job, opts.BatchDefaults); err != nil {
			return nil, fmt.Errorf("render script: %w", err)
		}
	}

	n := &graph.Node{
		ID:         nodeID,
		StepName:   t.Name,
		ComboKey:   comboKey,
		Workspace:  workspace,
		ScriptPath: scriptPath,
		Cmd:        cmd,
		RestartCmd: restart,
		Resources:  resources,
	}
	if err := g.AddNode(n); err != nil {
		return nil, err
	}
	return &instance{nodeID: nodeID, workspace: workspace, combination: c}, nil
}

// resolveStepWorkspace implements $(STEP.workspace): the workspace of the
// instance of step that matches the referring instance's own combination,
// i.e. the same instance an edge from step would connect to.
func resolveStepWorkspace(step string, c params.Combination, model *params.Model, effectiveUsed map[string][]string, instancesByStep map[string]map[string]*instance) (string, bool) {
	byKey, ok := instancesByStep[step]
	if !ok {
		return "", false
	}
	key := ""
	if model != nil {
		if eff, ok := effectiveUsed[step]; ok && len(eff) > 0 {
			key = model.ComboKey(c, eff)
		}
	}
	if inst, ok := byKey[key]; ok {
		return inst.workspace, true
	}
	// Fall back to the sole instance when the step was never parameterized.
	if len(byKey) == 1 {
		for _, inst := range byKey {
			return inst.workspace, true
		}
	}
	return "", false
}

// addEdges wires inst to its dependencies: a per-combination parent
// contributes the single instance matching inst's own combination projected
// onto the parent's effective usage; a fan-in parent ("name_*") contributes
// every instance it ever emitted.
func addEdges(g *graph.Graph, t study.StepTemplate, inst *instance, c params.Combination, model *params.Model, effectiveUsed map[string][]string, instancesByStep map[string]map[string]*instance, allInstances map[string][]*instance) error {
	for _, dep := range t.Run.Depends {
		base, fanIn := study.IsFanIn(dep)
		if fanIn {
			for _, parent := range allInstances[base] {
				if err := g.AddEdge(parent.nodeID, inst.nodeID, true); err != nil {
					return err
				}
			}
			continue
		}

		key := ""
		if model != nil {
			if eff, ok := effectiveUsed[base]; ok && len(eff) > 0 {
				key = model.ComboKey(c, eff)
			}
		}
		parent, ok := instancesByStep[base][key]
		if !ok {
			return fmt.Errorf("no matching instance of %q for combo %q", base, key)
		}
		if err := g.AddEdge(parent.nodeID, inst.nodeID, false); err != nil {
			return err
		}
	}
	return nil
}

// hashComboKey returns a fixed-length digest of comboKey for the hashws
// workspace layout option, short enough to dodge OS path-length limits
// while remaining collision-safe within any one study.
func hashComboKey(comboKey string) string {
	sum := sha256.Sum256([]byte(comboKey))
	return hex.EncodeToString(sum[:])[:16]
}
