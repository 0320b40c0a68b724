package deps

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ormasoftchile/conductor/pkg/study"
)

func TestAcquirePathDependency(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "inputs")
	if err := os.Mkdir(target, 0o755); err != nil {
		t.Fatal(err)
	}

	a := NewAcquirer(dir)
	resolved, err := a.Acquire([]study.Dependency{{Name: "inputs", Type: "path", Path: target}})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if len(resolved) != 1 || resolved[0].Name != "inputs" {
		t.Fatalf("unexpected result: %+v", resolved)
	}
	abs, _ := filepath.Abs(target)
	if resolved[0].Path != abs {
		t.Fatalf("got path %q, want %q", resolved[0].Path, abs)
	}
}

func TestAcquirePathDependencyMissing(t *testing.T) {
	a := NewAcquirer(t.TempDir())
	_, err := a.Acquire([]study.Dependency{{Name: "missing", Type: "path", Path: "/no/such/path/xyz"}})
	if err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestAcquireRejectsUnknownType(t *testing.T) {
	a := NewAcquirer(t.TempDir())
	_, err := a.Acquire([]study.Dependency{{Name: "d", Type: "http"}})
	if err == nil {
		t.Fatal("expected error for unsupported dependency type")
	}
}

func TestAcquireStopsAtFirstFailure(t *testing.T) {
	dir := t.TempDir()
	ok := filepath.Join(dir, "ok")
	os.Mkdir(ok, 0o755)

	a := NewAcquirer(dir)
	_, err := a.Acquire([]study.Dependency{
		{Name: "bad", Type: "path", Path: "/no/such/path"},
		{Name: "ok", Type: "path", Path: ok},
	})
	if err == nil {
		t.Fatal("expected error from first dependency")
	}
}
