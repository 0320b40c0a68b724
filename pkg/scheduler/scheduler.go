// Package scheduler implements the adapter interface of spec.md §4.E: one
// implementation per batch backend (local, slurm, lsf, flux), each able to
// render a job script, submit it, poll its status, and cancel it.
package scheduler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ormasoftchile/conductor/pkg/study"
	"github.com/ormasoftchile/conductor/pkg/token"
)

// JobStatus is the scheduler-agnostic status returned by Adapter.Status.
// The mapping from a scheduler's native state strings to JobStatus must be
// total and conservative: an unrecognized string maps to Unknown, never to
// FinishedOK (spec.md §4.E invariants).
type JobStatus string

const (
	Pending       JobStatus = "pending"
	Running       JobStatus = "running"
	FinishedOK    JobStatus = "finished_ok"
	FinishedError JobStatus = "finished_error"
	Timeout       JobStatus = "timeout"
	Cancelled     JobStatus = "cancelled"
	Unknown       JobStatus = "unknown"
)

// Job is the already largely-resolved job instance an adapter renders.
// Cmd/RestartCmd have had every non-LAUNCHER token resolved already (see
// pkg/expand); only $(LAUNCHER) and $(LAUNCHER)[...] may remain, which
// Render resolves itself since only the adapter knows the native wrapper.
type Job struct {
	Name       string
	Cmd        string
	RestartCmd string
	UseRestart bool
	Resources  study.ResourceRequest
}

// command returns the text to render: RestartCmd when UseRestart is set
// (spec.md §8 scenario 6), otherwise Cmd.
func (j Job) command() string {
	if j.UseRestart {
		return j.RestartCmd
	}
	return j.Cmd
}

// Adapter is implemented once per scheduler backend.
type Adapter interface {
	// Render writes scriptPath: scheduler-native headers derived from
	// defaults merged with job.Resources, then the fully resolved command
	// (with $(LAUNCHER) expanded to this backend's native wrapper).
	Render(scriptPath string, job Job, defaults *study.BatchDefaults) error
	// Submit invokes the scheduler's submission command (or, for local,
	// forks a child process) and returns its id.
	Submit(scriptPath string) (string, error)
	// Status is idempotent and side-effect-free.
	Status(submitIDs []string) (map[string]JobStatus, error)
	// Cancel is best-effort.
	Cancel(submitIDs []string) error
}

// New constructs the adapter named by kind ("local", "slurm", "lsf", "flux").
func New(kind string) (Adapter, error) {
	switch kind {
	case "local":
		return NewLocalAdapter(), nil
	case "slurm":
		return &SlurmAdapter{}, nil
	case "lsf":
		return &LSFAdapter{}, nil
	case "flux":
		return &FluxAdapter{}, nil
	default:
		return nil, fmt.Errorf("unknown scheduler type %q", kind)
	}
}

// parseBracket parses a LAUNCHER override suffix like "2n,4p" (brackets
// already stripped). Either component may be absent.
func parseBracket(bracket string) (n, p *int, err error) {
	if bracket == "" {
		return nil, nil, nil
	}
	for _, part := range strings.Split(bracket, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		switch {
		case strings.HasSuffix(part, "n"):
			v, perr := strconv.Atoi(strings.TrimSuffix(part, "n"))
			if perr != nil {
				return nil, nil, fmt.Errorf("invalid launcher override %q: %w", part, perr)
			}
			n = &v
		case strings.HasSuffix(part, "p"):
			v, perr := strconv.Atoi(strings.TrimSuffix(part, "p"))
			if perr != nil {
				return nil, nil, fmt.Errorf("invalid launcher override %q: %w", part, perr)
			}
			p = &v
		default:
			return nil, nil, fmt.Errorf("invalid launcher override %q: expected <n>n or <p>p", part)
		}
	}
	return n, p, nil
}

// effectiveNP applies a LAUNCHER bracket override on top of a step's full
// nodes/procs request, per the LAUNCHER expansion rule of spec.md §4.E:
// "require n <= step.nodes and p <= step.procs; fail at render time
// otherwise."
func effectiveNP(res study.ResourceRequest, bracket string) (n, p int, err error) {
	if res.Nodes != nil {
		n = *res.Nodes
	}
	if res.Procs != nil {
		p = *res.Procs
	}
	bn, bp, err := parseBracket(bracket)
	if err != nil {
		return 0, 0, err
	}
	if bn != nil {
		if *bn > n {
			return 0, 0, fmt.Errorf("launcher override %dn exceeds step nodes %d", *bn, n)
		}
		n = *bn
	}
	if bp != nil {
		if *bp > p {
			return 0, 0, fmt.Errorf("launcher override %dp exceeds step procs %d", *bp, p)
		}
		p = *bp
	}
	return n, p, nil
}

// resolveCommand runs the second, adapter-scoped token pass that expands
// $(LAUNCHER) using launch, leaving everything else (already resolved by
// pkg/expand) untouched.
func resolveCommand(cmd string, launch token.Launcher) (string, error) {
	return token.Resolve(cmd, &token.Context{Launcher: launch})
}

// mapStatus applies a total, conservative lookup: a native string absent
// from table maps to Unknown, never to a success state.
func mapStatus(native string, table map[string]JobStatus) JobStatus {
	if s, ok := table[strings.TrimSpace(native)]; ok {
		return s
	}
	return Unknown
}

// batchHeaderExtra returns the scheduler-specific extra header fields carried
// by defaults, or nil when defaults is nil. It does not merge them with a
// step's resource request.
func batchHeaderExtra(defaults *study.BatchDefaults) map[string]string {
	if defaults == nil {
		return nil
	}
	return defaults.Extra
}
