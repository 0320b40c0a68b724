// Package persist durably records the execution graph to disk (spec.md
// §4.H): a JSON snapshot sufficient for a fresh conductor process to
// resume, rewritten atomically after every loop iteration, plus a
// plain-text status snapshot for external readers (the status command).
package persist

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/ormasoftchile/conductor/pkg/graph"
)

// GraphSnapshotFile and StatusSnapshotFile name the two files written into
// a study's root directory, per the workspace layout of spec.md §6.
const (
	GraphSnapshotFile  = "graph.snapshot"
	StatusSnapshotFile = "status.snapshot"
)

// SaveGraph rewrites dir/graph.snapshot atomically: write to a temp file in
// the same directory, then rename over the target, so a crash mid-write
// never leaves a truncated snapshot for a resuming conductor to read.
func SaveGraph(g *graph.Graph, dir string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal graph snapshot: %w", err)
	}
	return atomicWrite(filepath.Join(dir, GraphSnapshotFile), data)
}

// LoadGraph reads dir/graph.snapshot, the authoritative state a resuming
// conductor trusts over any partial adapter poll in flight at crash time.
func LoadGraph(dir string) (*graph.Graph, error) {
	data, err := os.ReadFile(filepath.Join(dir, GraphSnapshotFile))
	if err != nil {
		return nil, fmt.Errorf("read graph snapshot: %w", err)
	}
	g := graph.New()
	if err := json.Unmarshal(data, g); err != nil {
		return nil, fmt.Errorf("unmarshal graph snapshot: %w", err)
	}
	return g, nil
}

// SaveStatus rewrites dir/status.snapshot: one row per node, consumed
// verbatim by the status command (spec.md §6).
func SaveStatus(g *graph.Graph, dir string) error {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tWORKSPACE\tSTATE\tSUBMIT\tSTART\tEND\tRESTARTS")
	for _, id := range g.Order {
		n := g.Nodes[id]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			n.ID, n.Workspace, n.State,
			formatTime(n.SubmitTime), formatTime(n.StartTime), formatTime(n.EndTime),
			n.Restarts)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("format status snapshot: %w", err)
	}
	return atomicWrite(filepath.Join(dir, StatusSnapshotFile), buf.Bytes())
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

// atomicWrite writes data to a temp file beside path and renames it into
// place, per spec.md §4.H "rewritten atomically (write-temp, rename)".
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
