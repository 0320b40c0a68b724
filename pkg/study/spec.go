// Package study defines the declarative study specification (the YAML
// document a user writes) and its three-phase validation pipeline:
// structural (strict decode), semantic (JSON Schema), and domain (the
// spec's own invariants — unique names, equal-length parameter vectors,
// acyclic dependencies).
package study

// Spec is the top-level study specification document.
type Spec struct {
	Description Description    `yaml:"description" json:"description" jsonschema:"required"`
	Env         *Env           `yaml:"env,omitempty" json:"env,omitempty"`
	Batch       *BatchDefaults `yaml:"batch,omitempty" json:"batch,omitempty"`
	Study       []StepTemplate `yaml:"study" json:"study" jsonschema:"required,minItems=1"`
	Global      *Global        `yaml:"global,omitempty" json:"global,omitempty"`
}

// Description names the study.
type Description struct {
	Name        string `yaml:"name" json:"name" jsonschema:"required"`
	Description string `yaml:"description" json:"description" jsonschema:"required"`
}

// Env holds variables, labels, and declared external dependencies, all of
// which register into the token-substitution context before expansion.
type Env struct {
	Variables    map[string]string `yaml:"variables,omitempty" json:"variables,omitempty"`
	Labels       map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
	Dependencies []Dependency      `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
}

// Dependency is one external input that must be validated or fetched before
// expansion begins (spec.md §4.C).
type Dependency struct {
	Name string `yaml:"name" json:"name" jsonschema:"required"`
	Type string `yaml:"type" json:"type" jsonschema:"required,enum=path,enum=git"`
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
	URL  string `yaml:"url,omitempty" json:"url,omitempty"`
	Tag  string `yaml:"tag,omitempty" json:"tag,omitempty"`
}

// BatchDefaults carries scheduler-wide defaults merged under a step's own
// resource request when an adapter renders a script.
type BatchDefaults struct {
	Type  string            `yaml:"type" json:"type" jsonschema:"required,enum=local,enum=slurm,enum=lsf,enum=flux"`
	Host  string             `yaml:"host,omitempty" json:"host,omitempty"`
	Bank  string             `yaml:"bank,omitempty" json:"bank,omitempty"`
	Queue string             `yaml:"queue,omitempty" json:"queue,omitempty"`
	Extra map[string]string `yaml:"extra,omitempty" json:"extra,omitempty"`
}

// StepTemplate is one not-yet-expanded task description (spec.md §3).
type StepTemplate struct {
	Name        string   `yaml:"name" json:"name" jsonschema:"required"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Run         RunBlock `yaml:"run" json:"run" jsonschema:"required"`
}

// RunBlock is the executable portion of a step template.
type RunBlock struct {
	Cmd       string          `yaml:"cmd" json:"cmd" jsonschema:"required"`
	Depends   []string        `yaml:"depends,omitempty" json:"depends,omitempty"`
	Restart   string          `yaml:"restart,omitempty" json:"restart,omitempty"`
	Resources ResourceRequest `yaml:"resources,omitempty" json:"resources,omitempty"`
}

// ResourceRequest is the enumerated resource dict of spec.md §3. Every
// field is optional; the presence of Nodes or Procs marks a step as
// scheduled rather than local.
type ResourceRequest struct {
	Nodes        *int   `yaml:"nodes,omitempty" json:"nodes,omitempty"`
	Procs        *int   `yaml:"procs,omitempty" json:"procs,omitempty"`
	Walltime     string `yaml:"walltime,omitempty" json:"walltime,omitempty"`
	CoresPerTask *int   `yaml:"cores_per_task,omitempty" json:"cores_per_task,omitempty"`
	GPUs         *int   `yaml:"gpus,omitempty" json:"gpus,omitempty"`
	Exclusive    *bool  `yaml:"exclusive,omitempty" json:"exclusive,omitempty"`
	TasksPerRS   *int   `yaml:"tasks_per_rs,omitempty" json:"tasks_per_rs,omitempty"`
	RSPerNode    *int   `yaml:"rs_per_node,omitempty" json:"rs_per_node,omitempty"`
	CPUsPerRS    *int   `yaml:"cpus_per_rs,omitempty" json:"cpus_per_rs,omitempty"`
	Bind         string `yaml:"bind,omitempty" json:"bind,omitempty"`
	BindGPUs     *bool  `yaml:"bind_gpus,omitempty" json:"bind_gpus,omitempty"`
	Reservation  string `yaml:"reservation,omitempty" json:"reservation,omitempty"`
	QOS          string `yaml:"qos,omitempty" json:"qos,omitempty"`
}

// Scheduled reports whether this request marks the step for batch
// submission (as opposed to local/login-node execution).
func (r ResourceRequest) Scheduled() bool {
	return r.Nodes != nil || r.Procs != nil
}

// Global carries the parameter table and, optionally, the name of an
// external generator that produces it instead.
type Global struct {
	Parameters *ParameterTable `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Generator  *GeneratorSpec  `yaml:"generator,omitempty" json:"generator,omitempty"`
}

// ParameterSpec is one row of the declarative parameter table.
type ParameterSpec struct {
	Values []string `yaml:"values" json:"values" jsonschema:"required,minItems=1"`
	Label  string   `yaml:"label" json:"label" jsonschema:"required"`
}

// GeneratorSpec names an external parameter-generator plugin (spec.md §6
// "Custom parameter generator") and the arguments passed to it. When
// present it overrides Global.Parameters.
type GeneratorSpec struct {
	Name  string            `yaml:"name" json:"name" jsonschema:"required"`
	Pargs map[string]string `yaml:"pargs,omitempty" json:"pargs,omitempty"`
}

// FanInSuffix marks a depends[] entry as "depends on all expanded instances
// of that step" rather than a per-combination dependency.
const FanInSuffix = "_*"

// IsFanIn reports whether a depends[] entry is a fan-in marker, and returns
// the base step name with the suffix stripped.
func IsFanIn(dependsEntry string) (base string, fanIn bool) {
	if len(dependsEntry) > len(FanInSuffix) && dependsEntry[len(dependsEntry)-len(FanInSuffix):] == FanInSuffix {
		return dependsEntry[:len(dependsEntry)-len(FanInSuffix)], true
	}
	return dependsEntry, false
}
