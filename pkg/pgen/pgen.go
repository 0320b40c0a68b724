// Package pgen implements the custom parameter generator plugin boundary
// of spec.md §4.B/§9: given a generator name and optional key-value args
// (pargs), produce a parameter model. A generator is either a built-in Go
// function registered by name, or an external subprocess addressed by
// path, invoked once over a JSON stdin/stdout boundary. The subprocess runs
// with the conductor's own environment, working directory and privileges;
// no sandboxing is applied to it.
package pgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/ormasoftchile/conductor/pkg/params"
	"github.com/ormasoftchile/conductor/pkg/study"
)

// Generator produces a parameter model from the study's pargs.
type Generator func(pargs map[string]string) (*params.Model, error)

var registry = map[string]Generator{
	"sequence": sequenceGenerator,
}

// Register adds (or overwrites) a built-in generator by name.
func Register(name string, g Generator) {
	registry[name] = g
}

// Resolve returns the generator named by name: a built-in if registered,
// otherwise an external subprocess if name names an existing non-directory
// file on disk (the executable bit is not checked; a file that cannot be
// run fails when the Generator is invoked). Subprocess generators are
// invoked lazily, once, by the returned Generator.
func Resolve(ctx context.Context, name string) (Generator, error) {
	if g, ok := registry[name]; ok {
		return g, nil
	}
	if info, err := os.Stat(name); err == nil && !info.IsDir() {
		return subprocessGenerator(ctx, name), nil
	}
	return nil, fmt.Errorf("unknown parameter generator %q: not a built-in and not an executable path", name)
}

// Build resolves and invokes the generator named by spec, returning the
// parameter model it produces. It is the entry point cmd/conductor's
// buildModel uses instead of study.BuildModel when --pgen is given or a
// study declares study.Global.Generator.
func Build(ctx context.Context, spec *study.GeneratorSpec) (*params.Model, error) {
	g, err := Resolve(ctx, spec.Name)
	if err != nil {
		return nil, err
	}
	return g(spec.Pargs)
}

// wireParameter is the JSON shape a subprocess generator emits for each
// parameter, mirroring params.Model.Add's arguments.
type wireParameter struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
	Label  string   `json:"label"`
}

type wireRequest struct {
	Pargs map[string]string `json:"pargs"`
}

type wireResponse struct {
	Parameters []wireParameter `json:"parameters"`
	Error      string          `json:"error,omitempty"`
}

// subprocessGenerator invokes path once: the request is written as a single
// JSON document on stdin, the response read as a single JSON document from
// stdout. The subprocess is started with no arguments and inherits the
// conductor's environment, working directory and privileges.
func subprocessGenerator(ctx context.Context, path string) Generator {
	return func(pargs map[string]string) (*params.Model, error) {
		reqBytes, err := json.Marshal(wireRequest{Pargs: pargs})
		if err != nil {
			return nil, fmt.Errorf("marshal generator request: %w", err)
		}

		cmd := exec.CommandContext(ctx, path)
		cmd.Stdin = bytes.NewReader(reqBytes)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("parameter generator %s: %w (stderr: %s)", path, err, stderr.String())
		}

		var resp wireResponse
		if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
			return nil, fmt.Errorf("parameter generator %s: unmarshal response: %w", path, err)
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("parameter generator %s: %s", path, resp.Error)
		}

		m := params.NewModel()
		for _, p := range resp.Parameters {
			if err := m.Add(p.Name, p.Values, p.Label); err != nil {
				return nil, fmt.Errorf("parameter generator %s: %w", path, err)
			}
		}
		return m, nil
	}
}

// sequenceGenerator is a built-in generator producing one parameter whose
// values are consecutive integers. pargs: "name" (parameter name,
// default "N"), "label" (label template, default "<name>.%%"), "start"
// (default 0), "count" (required), "step" (default 1).
func sequenceGenerator(pargs map[string]string) (*params.Model, error) {
	name := pargs["name"]
	if name == "" {
		name = "N"
	}
	label := pargs["label"]
	if label == "" {
		label = name + ".%%"
	}
	start, err := parseIntArg(pargs, "start", 0)
	if err != nil {
		return nil, err
	}
	step, err := parseIntArg(pargs, "step", 1)
	if err != nil {
		return nil, err
	}
	countStr, ok := pargs["count"]
	if !ok {
		return nil, fmt.Errorf("sequence generator: pargs.count is required")
	}
	count, err := strconv.Atoi(countStr)
	if err != nil {
		return nil, fmt.Errorf("sequence generator: invalid pargs.count %q: %w", countStr, err)
	}

	values := make([]string, count)
	v := start
	for i := 0; i < count; i++ {
		values[i] = strconv.Itoa(v)
		v += step
	}

	m := params.NewModel()
	if err := m.Add(name, values, label); err != nil {
		return nil, fmt.Errorf("sequence generator: %w", err)
	}
	return m, nil
}

func parseIntArg(pargs map[string]string, key string, def int) (int, error) {
	v, ok := pargs[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("sequence generator: invalid pargs.%s %q: %w", key, v, err)
	}
	return n, nil
}
