// Package graph implements the execution graph of spec.md §4.F: a typed DAG
// of job instances whose nodes move through a fixed state machine as the
// conductor polls schedulers and applies transitions.
package graph

import (
	"fmt"
	"sync"
	"time"

	"github.com/ormasoftchile/conductor/pkg/study"
)

// State is a job instance's position in the execution state machine.
type State string

const (
	Initialized   State = "INITIALIZED"
	PendingSubmit State = "PENDING_SUBMIT"
	Running       State = "RUNNING"
	Finished      State = "FINISHED"
	Failed        State = "FAILED"
	Timedout      State = "TIMEDOUT"
	Cancelled     State = "CANCELLED"
)

// Terminal reports whether s is one a node does not leave.
func (s State) Terminal() bool {
	switch s {
	case Finished, Failed, Timedout, Cancelled:
		return true
	default:
		return false
	}
}

// Node is one job instance: an expanded step template bound to a single
// parameter combination (or the sole instance, for an unparameterized step).
type Node struct {
	ID         string
	StepName   string
	ComboKey   string
	Workspace  string
	ScriptPath string
	Cmd        string
	RestartCmd string
	Resources  study.ResourceRequest

	Parents  []string
	Children []string
	// FanIn records, per parent ID, whether the edge from that parent is a
	// fan-in edge (depends on every expansion of the parent) rather than a
	// per-combination edge.
	FanIn map[string]bool

	State      State
	SubmitID   string
	Attempts   int
	Restarts   int
	SubmitTime *time.Time
	StartTime  *time.Time
	EndTime    *time.Time

	// UseRestart is set once a restart is pending, so the next render/submit
	// cycle uses RestartCmd instead of Cmd (spec.md §8 scenario 6).
	UseRestart bool
}

// Graph is the durable DAG the conductor drives to completion. All mutation
// goes through Graph's mutex-guarded methods so external readers only ever see a
// consistent snapshot (spec.md §5 "single-writer discipline").
type Graph struct {
	mu    sync.Mutex
	Nodes map[string]*Node
	// Order preserves node-creation order so iteration (and the persisted
	// snapshot) is deterministic run over run.
	Order []string
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{Nodes: make(map[string]*Node)}
}

// AddNode registers a freshly expanded job instance in state INITIALIZED.
func (g *Graph) AddNode(n *Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.Nodes[n.ID]; exists {
		return fmt.Errorf("node %q already exists", n.ID)
	}
	if n.State == "" {
		n.State = Initialized
	}
	if n.FanIn == nil {
		n.FanIn = make(map[string]bool)
	}
	g.Nodes[n.ID] = n
	g.Order = append(g.Order, n.ID)
	return nil
}

// AddEdge records a dependency from parent to child.
func (g *Graph) AddEdge(parentID, childID string, fanIn bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	parent, ok := g.Nodes[parentID]
	if !ok {
		return fmt.Errorf("add edge: unknown parent %q", parentID)
	}
	child, ok := g.Nodes[childID]
	if !ok {
		return fmt.Errorf("add edge: unknown child %q", childID)
	}
	parent.Children = append(parent.Children, childID)
	child.Parents = append(child.Parents, parentID)
	child.FanIn[parentID] = fanIn
	return nil
}

// ReadyNodes returns, in deterministic Order, every node in INITIALIZED
// whose every parent has reached FINISHED.
func (g *Graph) ReadyNodes() []*Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	var ready []*Node
	for _, id := range g.Order {
		n := g.Nodes[id]
		if n.State != Initialized {
			continue
		}
		if g.allParentsFinishedLocked(n) {
			ready = append(ready, n)
		}
	}
	return ready
}

func (g *Graph) allParentsFinishedLocked(n *Node) bool {
	for _, pid := range n.Parents {
		if g.Nodes[pid].State != Finished {
			return false
		}
	}
	return true
}

// Transition atomically moves node id to newState, recording the relevant
// timestamp for that transition (spec.md §8: submit_time <= start_time <=
// end_time whenever both are defined).
func (g *Graph) Transition(id string, newState State, now time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.Nodes[id]
	if !ok {
		return fmt.Errorf("transition: unknown node %q", id)
	}
	switch newState {
	case PendingSubmit:
		// no timestamp; waiting to be rendered and submitted.
	case Running:
		if n.SubmitTime == nil {
			t := now
			n.SubmitTime = &t
		}
		if n.StartTime == nil {
			t := now
			n.StartTime = &t
		}
	case Finished, Failed, Timedout, Cancelled:
		t := now
		n.EndTime = &t
	}
	n.State = newState
	return nil
}

// CascadeCancel marks every INITIALIZED descendant of id as CANCELLED. Per
// spec.md §4.F, this applies uniformly across per-combination and fan-in
// edges: a fan-in child can never see all of its parents FINISHED once one
// of them is terminally failed, so it is cancelled too.
func (g *Graph) CascadeCancel(id string, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var walk func(string)
	visited := make(map[string]bool)
	walk = func(nodeID string) {
		n, ok := g.Nodes[nodeID]
		if !ok || visited[nodeID] {
			return
		}
		visited[nodeID] = true
		for _, childID := range n.Children {
			child := g.Nodes[childID]
			if child.State == Initialized {
				t := now
				child.EndTime = &t
				child.State = Cancelled
			}
			walk(childID)
		}
	}
	walk(id)
}

// MarkSubmitted records the scheduler-assigned id for id's latest submission
// and bumps Attempts, the single place attempt counting happens so
// attempts_max enforcement in pkg/conductor stays accurate.
func (g *Graph) MarkSubmitted(id, submitID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.Nodes[id]
	if !ok {
		return fmt.Errorf("mark submitted: unknown node %q", id)
	}
	n.SubmitID = submitID
	n.Attempts++
	return nil
}

// MarkRestart bumps Restarts and sets UseRestart, so the next render/submit
// cycle renders restart_cmd instead of cmd (spec.md §8 scenario 6).
func (g *Graph) MarkRestart(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.Nodes[id]
	if !ok {
		return fmt.Errorf("mark restart: unknown node %q", id)
	}
	n.Restarts++
	n.UseRestart = true
	return nil
}

// CancelAllNonTerminal marks every non-terminal node CANCELLED in one pass,
// for the external .cancel sentinel (spec.md §4.G): "cancels all RUNNING
// nodes (via adapters) and cascadeCancels the graph; terminal state is
// CANCELLED." Returns the submit ids of nodes that were RUNNING so the
// caller can issue the scheduler-level cancel for them; by the time it
// returns, those nodes are already marked CANCELLED.
func (g *Graph) CancelAllNonTerminal(now time.Time) (runningSubmitIDs []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range g.Order {
		n := g.Nodes[id]
		if n.State == Running && n.SubmitID != "" {
			runningSubmitIDs = append(runningSubmitIDs, n.SubmitID)
		}
		if !n.State.Terminal() {
			t := now
			n.EndTime = &t
			n.State = Cancelled
		}
	}
	return runningSubmitIDs
}

// AllTerminal reports whether every node has reached a terminal state —
// the conductor's exit condition (spec.md §4.G step 6).
func (g *Graph) AllTerminal() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range g.Order {
		if !g.Nodes[id].State.Terminal() {
			return false
		}
	}
	return true
}

// RunningNodes returns every node currently RUNNING.
func (g *Graph) RunningNodes() []*Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Node
	for _, id := range g.Order {
		if n := g.Nodes[id]; n.State == Running {
			out = append(out, n)
		}
	}
	return out
}

// Get returns the node with id, if present.
func (g *Graph) Get(id string) (*Node, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.Nodes[id]
	return n, ok
}
