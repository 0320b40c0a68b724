// Package conductor implements the persistent execution engine of spec.md
// §4.G: a single cooperative control loop that polls a scheduler adapter,
// applies state transitions to the execution graph, submits newly ready
// work, and persists a resumable snapshot after every pass.
package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ormasoftchile/conductor/pkg/graph"
	"github.com/ormasoftchile/conductor/pkg/persist"
	"github.com/ormasoftchile/conductor/pkg/scheduler"
	"github.com/ormasoftchile/conductor/pkg/study"
	"github.com/ormasoftchile/conductor/pkg/tracelog"
)

// Sentinel file names, dropped in the study root by external collaborators
// (spec.md §6 workspace layout).
const (
	CancelSentinel = ".cancel"
	UpdateSentinel = ".update"
)

// Options configures one conductor run. Rlimit, Throttle and Sleep are live
// config: the .update sentinel can change them between loop iterations.
type Options struct {
	StudyRoot     string
	Adapter       scheduler.Adapter
	BatchDefaults *study.BatchDefaults

	AttemptsMax int           // submission retries before a node terminalizes FAILED; 0 means 1 (no retry)
	Rlimit      int           // restart limit on TIMEDOUT; 0 means unbounded
	Throttle    int           // max concurrently RUNNING nodes; 0 means unbounded
	Sleep       time.Duration // delay between loop iterations

	Trace *tracelog.Writer // optional; nil disables event logging
}

// logEvent is a no-op when c.opts.Trace is nil, so call sites never need a
// nil check of their own.
func (c *Conductor) logEvent(ev tracelog.Event) {
	if c.opts.Trace == nil {
		return
	}
	_ = c.opts.Trace.Write(ev) // best-effort: a logging failure must not abort the loop
}

func (o *Options) normalize() {
	if o.AttemptsMax <= 0 {
		o.AttemptsMax = 1
	}
	if o.Sleep <= 0 {
		o.Sleep = time.Second
	}
}

// updateSentinel is the JSON shape a .update sentinel carries (spec.md §6
// "update [--rlimit N] [--throttle N] [--sleep N]").
type updateSentinel struct {
	Rlimit        *int `json:"rlimit,omitempty"`
	Throttle      *int `json:"throttle,omitempty"`
	SleepInterval *int `json:"sleep_interval,omitempty"` // seconds
}

// Conductor drives one execution graph to completion.
type Conductor struct {
	g    *graph.Graph
	opts Options
}

// New returns a conductor over g, configured by opts.
func New(g *graph.Graph, opts Options) *Conductor {
	opts.normalize()
	return &Conductor{g: g, opts: opts}
}

// Run executes the main loop until every node reaches a terminal state, the
// study root's .cancel sentinel is observed, or ctx is cancelled. It returns
// nil on ordinary completion (including a cancellation-driven one — spec.md
// §6 "Exit codes: 0 success").
func (c *Conductor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		cancelled, err := c.checkCancelSentinel()
		if err != nil {
			return fmt.Errorf("conductor: check cancel sentinel: %w", err)
		}
		if err := c.checkUpdateSentinel(); err != nil {
			return fmt.Errorf("conductor: check update sentinel: %w", err)
		}

		if !cancelled {
			if err := c.pollRunning(); err != nil {
				return fmt.Errorf("conductor: poll running: %w", err)
			}
			if err := c.submitReady(); err != nil {
				return fmt.Errorf("conductor: submit ready: %w", err)
			}
		}

		if err := c.persistSnapshot(); err != nil {
			return fmt.Errorf("conductor: persist snapshot: %w", err)
		}

		if c.g.AllTerminal() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.Sleep):
		}
	}
}

// checkCancelSentinel implements spec.md §4.G's cancel signal: on detection,
// cancel every RUNNING node via the adapter, mark all non-terminal nodes
// CANCELLED, and remove the sentinel only after acting on it (§5: "release
// of the sentinel on all exit paths ... a stale sentinel on restart is
// treated as a still-valid signal").
func (c *Conductor) checkCancelSentinel() (bool, error) {
	path := filepath.Join(c.opts.StudyRoot, CancelSentinel)
	if _, err := os.Stat(path); err != nil {
		return false, nil
	}

	runningIDs := c.g.CancelAllNonTerminal(time.Now())
	c.logEvent(tracelog.Event{Type: "cancel", Message: fmt.Sprintf("cancel sentinel observed; %d running job(s) cancelled", len(runningIDs))})
	if len(runningIDs) > 0 && c.opts.Adapter != nil {
		if err := c.opts.Adapter.Cancel(runningIDs); err != nil {
			return true, fmt.Errorf("cancel running jobs: %w", err)
		}
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return true, fmt.Errorf("remove cancel sentinel: %w", err)
	}
	return true, nil
}

// checkUpdateSentinel adopts new rlimit/throttle/sleep_interval values
// atomically at the top of the loop, then deletes the sentinel.
func (c *Conductor) checkUpdateSentinel() error {
	path := filepath.Join(c.opts.StudyRoot, UpdateSentinel)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var u updateSentinel
	if err := json.Unmarshal(data, &u); err != nil {
		return fmt.Errorf("parse update sentinel: %w", err)
	}
	if u.Rlimit != nil {
		c.opts.Rlimit = *u.Rlimit
	}
	if u.Throttle != nil {
		c.opts.Throttle = *u.Throttle
	}
	if u.SleepInterval != nil {
		c.opts.Sleep = time.Duration(*u.SleepInterval) * time.Second
		c.opts.normalize()
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove update sentinel: %w", err)
	}
	return nil
}

// pollRunning implements loop steps 2-3: poll every RUNNING node's adapter
// status and apply the resulting transition, restart, resubmit, or
// terminalize-and-cascade decision.
func (c *Conductor) pollRunning() error {
	running := c.g.RunningNodes()
	if len(running) == 0 {
		return nil
	}

	submitIDs := make([]string, 0, len(running))
	byID := make(map[string]*graph.Node, len(running))
	for _, n := range running {
		submitIDs = append(submitIDs, n.SubmitID)
		byID[n.SubmitID] = n
	}

	statuses, err := c.opts.Adapter.Status(submitIDs)
	if err != nil {
		// A failing adapter call affects only the nodes it concerns; treat
		// every one of them as unknown and re-poll next iteration (spec.md
		// §5 "Failure isolation").
		return nil
	}

	now := time.Now()
	for submitID, n := range byID {
		status, ok := statuses[submitID]
		if !ok {
			status = scheduler.Unknown
		}
		if err := c.applyStatus(n, status, now); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conductor) applyStatus(n *graph.Node, status scheduler.JobStatus, now time.Time) error {
	switch status {
	case scheduler.Unknown, scheduler.Pending, scheduler.Running:
		// Stays RUNNING; re-polled next iteration.
		return nil
	case scheduler.FinishedOK:
		c.logEvent(tracelog.Event{Type: "transition", NodeID: n.ID, State: string(graph.Finished)})
		return c.g.Transition(n.ID, graph.Finished, now)
	case scheduler.Timeout:
		if c.opts.Rlimit == 0 || n.Restarts < c.opts.Rlimit {
			if err := c.g.MarkRestart(n.ID); err != nil {
				return err
			}
			if err := c.renderNode(n); err != nil {
				return err
			}
			c.logEvent(tracelog.Event{Type: "restart", NodeID: n.ID, Message: fmt.Sprintf("restart %d after timeout", n.Restarts)})
			return c.g.Transition(n.ID, graph.PendingSubmit, now)
		}
		c.logEvent(tracelog.Event{Type: "transition", NodeID: n.ID, State: string(graph.Timedout)})
		if err := c.g.Transition(n.ID, graph.Timedout, now); err != nil {
			return err
		}
		c.g.CascadeCancel(n.ID, now)
		return nil
	case scheduler.FinishedError:
		if n.Attempts < c.opts.AttemptsMax {
			c.logEvent(tracelog.Event{Type: "resubmit", NodeID: n.ID, Message: fmt.Sprintf("resubmit after failure, attempt %d", n.Attempts+1)})
			return c.g.Transition(n.ID, graph.PendingSubmit, now)
		}
		c.logEvent(tracelog.Event{Type: "transition", NodeID: n.ID, State: string(graph.Failed)})
		if err := c.g.Transition(n.ID, graph.Failed, now); err != nil {
			return err
		}
		c.g.CascadeCancel(n.ID, now)
		return nil
	case scheduler.Cancelled:
		if err := c.g.Transition(n.ID, graph.Cancelled, now); err != nil {
			return err
		}
		c.g.CascadeCancel(n.ID, now)
		return nil
	default:
		return nil
	}
}

// submitReady implements loop step 4: compute the ready set (INITIALIZED
// nodes plus PENDING_SUBMIT nodes awaiting resubmission/restart) and submit
// up to throttle concurrently RUNNING.
func (c *Conductor) submitReady() error {
	inflight := len(c.g.RunningNodes())
	candidates := c.g.ReadyNodes()
	candidates = append(candidates, c.pendingSubmitNodes()...)

	for _, n := range candidates {
		if c.opts.Throttle > 0 && inflight >= c.opts.Throttle {
			break
		}
		if err := c.renderNode(n); err != nil {
			return err
		}
		submitID, err := c.opts.Adapter.Submit(n.ScriptPath)
		if err != nil {
			// Submission error: spec.md §7 "retried up to attempts_max";
			// leave the node INITIALIZED/PENDING_SUBMIT to be retried next
			// iteration, counting this as a used attempt.
			if err := c.g.MarkSubmitted(n.ID, ""); err != nil {
				return err
			}
			if n.Attempts >= c.opts.AttemptsMax {
				if err := c.g.Transition(n.ID, graph.Failed, time.Now()); err != nil {
					return err
				}
				c.g.CascadeCancel(n.ID, time.Now())
			}
			continue
		}
		if err := c.g.MarkSubmitted(n.ID, submitID); err != nil {
			return err
		}
		c.logEvent(tracelog.Event{Type: "submit", NodeID: n.ID, SubmitID: submitID})
		if err := c.g.Transition(n.ID, graph.Running, time.Now()); err != nil {
			return err
		}
		inflight++
	}
	return nil
}

// pendingSubmitNodes returns every node awaiting resubmission (a restarted
// TIMEDOUT node, or a FAILED-but-retryable node moved back by applyStatus).
func (c *Conductor) pendingSubmitNodes() []*graph.Node {
	var out []*graph.Node
	for _, id := range c.g.Order {
		if n, ok := c.g.Get(id); ok && n.State == graph.PendingSubmit {
			out = append(out, n)
		}
	}
	return out
}

// renderNode re-renders a node's script. Rendering is idempotent (spec.md
// §8 round-trip law), so calling it again ahead of every submission is
// always safe and picks up UseRestart.
func (c *Conductor) renderNode(n *graph.Node) error {
	if c.opts.Adapter == nil {
		return nil
	}
	job := scheduler.Job{
		Name:       n.ID,
		Cmd:        n.Cmd,
		RestartCmd: n.RestartCmd,
		UseRestart: n.UseRestart,
		Resources:  n.Resources,
	}
	if err := c.opts.Adapter.Render(n.ScriptPath, job, c.opts.BatchDefaults); err != nil {
		return fmt.Errorf("render %s: %w", n.ID, err)
	}
	return nil
}

func (c *Conductor) persistSnapshot() error {
	if err := persist.SaveGraph(c.g, c.opts.StudyRoot); err != nil {
		return err
	}
	return persist.SaveStatus(c.g, c.opts.StudyRoot)
}
