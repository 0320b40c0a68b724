package pgen

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/ormasoftchile/conductor/pkg/params"
)

func TestSequenceGeneratorDefaults(t *testing.T) {
	m, err := sequenceGenerator(map[string]string{"count": "3"})
	if err != nil {
		t.Fatal(err)
	}
	if m.Len() != 3 {
		t.Fatalf("expected 3 combinations, got %d", m.Len())
	}
	combos, err := m.Combinations()
	if err != nil {
		t.Fatal(err)
	}
	if combos[0].Values["N"] != "0" || combos[1].Values["N"] != "1" || combos[2].Values["N"] != "2" {
		t.Fatalf("unexpected sequence values: %+v", combos)
	}
}

func TestSequenceGeneratorCustomStartStepName(t *testing.T) {
	m, err := sequenceGenerator(map[string]string{
		"name": "SIZE", "start": "10", "step": "5", "count": "3",
	})
	if err != nil {
		t.Fatal(err)
	}
	combos, err := m.Combinations()
	if err != nil {
		t.Fatal(err)
	}
	if combos[0].Values["SIZE"] != "10" || combos[1].Values["SIZE"] != "15" || combos[2].Values["SIZE"] != "20" {
		t.Fatalf("unexpected sequence values: %+v", combos)
	}
}

func TestSequenceGeneratorRequiresCount(t *testing.T) {
	if _, err := sequenceGenerator(map[string]string{}); err == nil {
		t.Fatal("expected error when pargs.count is missing")
	}
}

func TestResolveFindsBuiltin(t *testing.T) {
	g, err := Resolve(context.Background(), "sequence")
	if err != nil {
		t.Fatal(err)
	}
	if g == nil {
		t.Fatal("expected non-nil generator")
	}
}

func TestResolveRejectsUnknownName(t *testing.T) {
	if _, err := Resolve(context.Background(), "no-such-generator"); err == nil {
		t.Fatal("expected error for unknown generator name")
	}
}

func TestRegisterAddsBuiltin(t *testing.T) {
	Register("const-one", func(pargs map[string]string) (*params.Model, error) {
		return sequenceGenerator(map[string]string{"count": "1"})
	})
	g, err := Resolve(context.Background(), "const-one")
	if err != nil {
		t.Fatal(err)
	}
	m, err := g(nil)
	if err != nil {
		t.Fatal(err)
	}
	if m.Len() != 1 {
		t.Fatalf("expected 1 combination, got %d", m.Len())
	}
}

// writeEchoScript writes a shell script (or a .cmd on Windows) that reads
// its stdin, ignores it, and emits a fixed parameter response on stdout.
func writeEchoScript(t *testing.T, response string) string {
	t.Helper()
	dir := t.TempDir()
	if runtime.GOOS == "windows" {
		path := filepath.Join(dir, "gen.cmd")
		script := "@echo off\r\nfindstr \"^\" > nul\r\necho " + response + "\r\n"
		if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
			t.Fatal(err)
		}
		return path
	}
	path := filepath.Join(dir, "gen.sh")
	script := "#!/bin/sh\ncat >/dev/null\ncat <<'EOF'\n" + response + "\nEOF\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSubprocessGeneratorParsesResponse(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script harness is unix-only")
	}
	response := `{"parameters":[{"name":"SIZE","values":["10","20"],"label":"SIZE.%%"}]}`
	path := writeEchoScript(t, response)

	g, err := Resolve(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	m, err := g(map[string]string{"foo": "bar"})
	if err != nil {
		t.Fatal(err)
	}
	if m.Len() != 2 {
		t.Fatalf("expected 2 combinations, got %d", m.Len())
	}
	combos, err := m.Combinations()
	if err != nil {
		t.Fatal(err)
	}
	if combos[0].Values["SIZE"] != "10" || combos[1].Values["SIZE"] != "20" {
		t.Fatalf("unexpected values: %+v", combos)
	}
}

func TestSubprocessGeneratorPropagatesDeclaredError(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script harness is unix-only")
	}
	response := `{"error":"bad pargs"}`
	path := writeEchoScript(t, response)

	g, err := Resolve(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g(nil); err == nil {
		t.Fatal("expected the generator's declared error to surface")
	}
}
