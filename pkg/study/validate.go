package study

import (
	"encoding/json"
	"fmt"
	"strings"

	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ormasoftchile/conductor/pkg/params"
)

// ValidationError is a single validation finding with location context.
type ValidationError struct {
	Phase    string // structural, semantic, domain
	Path     string // e.g. "study[2].run.depends[0]"
	Message  string
	Severity string // error, warning
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Phase, e.Path, e.Message)
}

// ValidateFile runs the full three-phase pipeline on a study spec file.
// Phase 1: structural (strict YAML decode). Phase 2: semantic (JSON
// Schema). Phase 3: domain (the rules of spec.md §4.B/§4.D/§9). Per
// spec.md §7, spec errors are surfaced before expansion and the conductor
// is never launched.
func ValidateFile(path string) (*Spec, []*ValidationError) {
	spec, err := LoadFile(path)
	if err != nil {
		return nil, []*ValidationError{{
			Phase:    "structural",
			Message:  err.Error(),
			Severity: "error",
		}}
	}

	var all []*ValidationError
	all = append(all, validateSemantic(spec)...)
	all = append(all, ValidateDomain(spec)...)

	if len(all) > 0 {
		return spec, all
	}
	return spec, nil
}

// validateSemantic checks spec against the JSON Schema generated from the
// Go struct tags, mirroring the teacher's marshal->generate->compile->
// validate pipeline.
func validateSemantic(spec *Spec) []*ValidationError {
	data, err := json.Marshal(spec)
	if err != nil {
		return []*ValidationError{{Phase: "semantic", Message: fmt.Sprintf("marshal for schema validation: %v", err), Severity: "error"}}
	}

	schemaJSON, err := GenerateJSONSchema()
	if err != nil {
		return []*ValidationError{{Phase: "semantic", Message: fmt.Sprintf("generate schema: %v", err), Severity: "error"}}
	}

	var schemaDoc interface{}
	if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
		return []*ValidationError{{Phase: "semantic", Message: fmt.Sprintf("unmarshal schema: %v", err), Severity: "error"}}
	}

	c := sjsonschema.NewCompiler()
	if err := c.AddResource("study-v1.json", schemaDoc); err != nil {
		return []*ValidationError{{Phase: "semantic", Message: fmt.Sprintf("add schema resource: %v", err), Severity: "error"}}
	}
	sch, err := c.Compile("study-v1.json")
	if err != nil {
		return []*ValidationError{{Phase: "semantic", Message: fmt.Sprintf("compile schema: %v", err), Severity: "error"}}
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return []*ValidationError{{Phase: "semantic", Message: fmt.Sprintf("unmarshal document: %v", err), Severity: "error"}}
	}

	if err := sch.Validate(doc); err != nil {
		var errs []*ValidationError
		if ve, ok := err.(*sjsonschema.ValidationError); ok {
			for _, cause := range flattenValidationErrors(ve) {
				errs = append(errs, &ValidationError{
					Phase:    "semantic",
					Path:     strings.Join(cause.InstanceLocation, "/"),
					Message:  fmt.Sprintf("%v", cause.ErrorKind),
					Severity: "error",
				})
			}
		} else {
			errs = append(errs, &ValidationError{Phase: "semantic", Message: err.Error(), Severity: "error"})
		}
		return errs
	}
	return nil
}

func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}

// ValidateDomain performs phase 3 checks: the study-specific rules that no
// generic JSON Schema can express.
func ValidateDomain(spec *Spec) []*ValidationError {
	var errs []*ValidationError

	errs = append(errs, validateStepNames(spec)...)
	errs = append(errs, validateDependsTargets(spec)...)
	if _, err := TopoSort(spec.Study); err != nil {
		errs = append(errs, &ValidationError{Phase: "domain", Path: "study", Message: err.Error(), Severity: "error"})
	}
	errs = append(errs, validateParameters(spec)...)
	errs = append(errs, validateDependencies(spec)...)

	return errs
}

func validateStepNames(spec *Spec) []*ValidationError {
	var errs []*ValidationError
	seen := make(map[string]bool)
	for i, s := range spec.Study {
		if s.Name == "" {
			errs = append(errs, &ValidationError{Phase: "domain", Path: fmt.Sprintf("study[%d].name", i), Message: "step name must not be empty", Severity: "error"})
			continue
		}
		if seen[s.Name] {
			errs = append(errs, &ValidationError{Phase: "domain", Path: fmt.Sprintf("study[%d].name", i), Message: fmt.Sprintf("duplicate step name %q", s.Name), Severity: "error"})
		}
		seen[s.Name] = true
	}
	return errs
}

func validateDependsTargets(spec *Spec) []*ValidationError {
	var errs []*ValidationError
	names := make(map[string]bool, len(spec.Study))
	for _, s := range spec.Study {
		names[s.Name] = true
	}
	for i, s := range spec.Study {
		for j, d := range s.Run.Depends {
			base, _ := IsFanIn(d)
			if !names[base] {
				errs = append(errs, &ValidationError{
					Phase:    "domain",
					Path:     fmt.Sprintf("study[%d].run.depends[%d]", i, j),
					Message:  fmt.Sprintf("step %q depends on undefined step %q", s.Name, base),
					Severity: "error",
				})
			}
		}
	}
	return errs
}

func validateParameters(spec *Spec) []*ValidationError {
	if spec.Global == nil || spec.Global.Parameters.Len() == 0 {
		return nil
	}
	if spec.Global.Generator != nil {
		// An external generator supplies the table at run time; the
		// declarative block (if also present) is informational only.
		return nil
	}
	if _, err := BuildModel(spec.Global.Parameters); err != nil {
		return []*ValidationError{{Phase: "domain", Path: "global.parameters", Message: err.Error(), Severity: "error"}}
	}
	return nil
}

func validateDependencies(spec *Spec) []*ValidationError {
	if spec.Env == nil {
		return nil
	}
	var errs []*ValidationError
	seen := make(map[string]bool)
	for i, d := range spec.Env.Dependencies {
		path := fmt.Sprintf("env.dependencies[%d]", i)
		if d.Name == "" {
			errs = append(errs, &ValidationError{Phase: "domain", Path: path, Message: "dependency name must not be empty", Severity: "error"})
		} else if seen[d.Name] {
			errs = append(errs, &ValidationError{Phase: "domain", Path: path, Message: fmt.Sprintf("duplicate dependency name %q", d.Name), Severity: "error"})
		}
		seen[d.Name] = true

		switch d.Type {
		case "path":
			if d.Path == "" {
				errs = append(errs, &ValidationError{Phase: "domain", Path: path, Message: "path dependency requires path", Severity: "error"})
			}
		case "git":
			if d.URL == "" {
				errs = append(errs, &ValidationError{Phase: "domain", Path: path, Message: "git dependency requires url", Severity: "error"})
			}
		default:
			errs = append(errs, &ValidationError{Phase: "domain", Path: path, Message: fmt.Sprintf("unknown dependency type %q", d.Type), Severity: "error"})
		}
	}
	return errs
}

// BuildModel converts the declarative parameter table into a pkg/params
// Model, surfacing the same fatal conditions Model.Add does (unequal
// lengths, missing %% placeholder) as domain ValidationErrors when called
// from ValidateDomain. Parameters are added in declaration order so
// combo-key joins match spec.md §3.
func BuildModel(table *ParameterTable) (*params.Model, error) {
	m := params.NewModel()
	for _, name := range table.Names() {
		p, _ := table.Get(name)
		if err := m.Add(name, p.Values, p.Label); err != nil {
			return nil, err
		}
	}
	return m, nil
}
