package expand

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ormasoftchile/conductor/pkg/graph"
	"github.com/ormasoftchile/conductor/pkg/params"
	"github.com/ormasoftchile/conductor/pkg/study"
)

func baseOpts(t *testing.T) Options {
	return Options{
		StudyRoot: t.TempDir(),
		Reserved:  map[string]string{"SPECROOT": "/spec", "OUTPUT_PATH": "/out"},
	}
}

func TestExpandHelloWorldSingleInstance(t *testing.T) {
	spec := &study.Spec{Study: []study.StepTemplate{
		{Name: "say-hello", Run: study.RunBlock{Cmd: `echo "Hello, World!" > hello_world.txt`}},
	}}
	g, err := Expand(spec, nil, baseOpts(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Nodes) != 1 {
		t.Fatalf("expected 1 node, got %d", len(g.Nodes))
	}
	n := g.Nodes["say-hello"]
	if n == nil {
		t.Fatal("expected node say-hello")
	}
	if filepath.Base(n.Workspace) != "say-hello" {
		t.Fatalf("unexpected workspace: %s", n.Workspace)
	}
}

func planetModel(t *testing.T) *params.Model {
	m := params.NewModel()
	if err := m.Add("PLANET", []string{"Mercury", "Venus", "Earth"}, "PLANET.%%"); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestExpandFanOutByOneParameter(t *testing.T) {
	spec := &study.Spec{Study: []study.StepTemplate{
		{Name: "say-hello", Run: study.RunBlock{Cmd: `echo "Hello, $(PLANET)!" > hello_world.txt`}},
	}}
	g, err := Expand(spec, planetModel(t), baseOpts(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Nodes) != 3 {
		t.Fatalf("expected 3 instances, got %d", len(g.Nodes))
	}
	for _, want := range []string{"say-hello_PLANET.Mercury", "say-hello_PLANET.Venus", "say-hello_PLANET.Earth"} {
		if _, ok := g.Nodes[want]; !ok {
			t.Fatalf("expected node %q, got %+v", want, nodeIDs(g))
		}
	}
}

func TestExpandPerCombinationDependencyPropagation(t *testing.T) {
	spec := &study.Spec{Study: []study.StepTemplate{
		{Name: "say-hello", Run: study.RunBlock{Cmd: `echo "Hello, $(PLANET)!"`}},
		{Name: "say-bye", Run: study.RunBlock{Cmd: `echo bye`, Depends: []string{"say-hello"}}},
	}}
	g, err := Expand(spec, planetModel(t), baseOpts(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Nodes) != 6 {
		t.Fatalf("expected 6 nodes (3 hello + 3 bye), got %d", len(g.Nodes))
	}
	bye, ok := g.Nodes["say-bye_PLANET.Mercury"]
	if !ok {
		t.Fatalf("expected say-bye to fan out to match say-hello, got %+v", nodeIDs(g))
	}
	if len(bye.Parents) != 1 || bye.Parents[0] != "say-hello_PLANET.Mercury" {
		t.Fatalf("expected say-bye_PLANET.Mercury to depend on say-hello_PLANET.Mercury, got %+v", bye.Parents)
	}
}

func TestExpandFanInAggregate(t *testing.T) {
	spec := &study.Spec{Study: []study.StepTemplate{
		{Name: "say-hello", Run: study.RunBlock{Cmd: `echo "Hello, $(PLANET)!"`}},
		{Name: "say-bye", Run: study.RunBlock{Cmd: `echo bye`, Depends: []string{"say-hello"}}},
		{Name: "bye-all", Run: study.RunBlock{Cmd: `echo done`, Depends: []string{"say-bye_*"}}},
	}}
	g, err := Expand(spec, planetModel(t), baseOpts(t))
	if err != nil {
		t.Fatal(err)
	}
	all, ok := g.Nodes["bye-all"]
	if !ok {
		t.Fatalf("expected exactly one bye-all instance, got %+v", nodeIDs(g))
	}
	if len(all.Parents) != 3 {
		t.Fatalf("expected bye-all to depend on all 3 say-bye instances, got %d", len(all.Parents))
	}
	for _, pid := range all.Parents {
		if !all.FanIn[pid] {
			t.Fatalf("expected fan-in edge from %q", pid)
		}
	}
}

func TestExpandUnequalParameterUsagePropagatesFromSingleBuild(t *testing.T) {
	m := params.NewModel()
	if err := m.Add("SIZE", []string{"10", "10", "20"}, "SIZE.%%"); err != nil {
		t.Fatal(err)
	}
	if err := m.Add("ITER", []string{"1", "2", "1"}, "ITER.%%"); err != nil {
		t.Fatal(err)
	}
	spec := &study.Spec{Study: []study.StepTemplate{
		{Name: "build", Run: study.RunBlock{Cmd: `make`}},
		{Name: "run", Run: study.RunBlock{Cmd: `./app $(SIZE) $(ITER)`, Depends: []string{"build"}}},
		{Name: "post", Run: study.RunBlock{Cmd: `echo post`, Depends: []string{"run"}}},
	}}
	g, err := Expand(spec, m, baseOpts(t))
	if err != nil {
		t.Fatal(err)
	}
	var build, run, post int
	for id, n := range g.Nodes {
		switch n.StepName {
		case "build":
			build++
			if id != "build" {
				t.Fatalf("expected single build instance named 'build', got %q", id)
			}
		case "run":
			run++
		case "post":
			post++
		}
	}
	if build != 1 || run != 3 || post != 3 {
		t.Fatalf("expected 1 build, 3 run, 3 post; got build=%d run=%d post=%d", build, run, post)
	}
	for id, n := range g.Nodes {
		if n.StepName == "run" {
			if len(n.Parents) != 1 || n.Parents[0] != "build" {
				t.Fatalf("expected run instance %q to depend on the single build instance, got %+v", id, n.Parents)
			}
		}
	}
}

func TestExpandHashWSWritesSidecar(t *testing.T) {
	opts := baseOpts(t)
	opts.HashWS = true
	spec := &study.Spec{Study: []study.StepTemplate{
		{Name: "say-hello", Run: study.RunBlock{Cmd: `echo "Hello, $(PLANET)!"`}},
	}}
	g, err := Expand(spec, planetModel(t), opts)
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, n := range g.Nodes {
		if seen[n.Workspace] {
			t.Fatalf("two combinations collided on workspace %s", n.Workspace)
		}
		seen[n.Workspace] = true
		if filepath.Base(n.Workspace) == n.ComboKey {
			t.Fatalf("expected hashed directory name, got combo key verbatim: %s", n.Workspace)
		}
		data, err := os.ReadFile(filepath.Join(n.Workspace, "combo_key.txt"))
		if err != nil {
			t.Fatalf("expected combo_key sidecar in %s: %v", n.Workspace, err)
		}
		if string(data) != n.ComboKey+"\n" {
			t.Fatalf("sidecar holds %q, want %q", data, n.ComboKey+"\n")
		}
	}
}

func nodeIDs(g *graph.Graph) []string {
	var out []string
	for id := range g.Nodes {
		out = append(out, id)
	}
	return out
}
