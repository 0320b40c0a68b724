package scheduler

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/ormasoftchile/conductor/pkg/study"
)

// LSFAdapter submits jobs to an LSF cluster via bsub/bjobs/bkill. The
// launcher wrapper used is jsrun, matching IBM's LSF-on-Power deployments
// (spec.md §4.E: "jsrun …").
type LSFAdapter struct{}

var lsfStateTable = map[string]JobStatus{
	"PEND":  Pending,
	"PSUSP": Pending,
	"RUN":   Running,
	"USUSP": Running,
	"SSUSP": Running,
	"DONE":  FinishedOK,
	"EXIT":  FinishedError,
	"ZOMBI": FinishedError,
}

func (a *LSFAdapter) Render(scriptPath string, job Job, defaults *study.BatchDefaults) error {
	var buf bytes.Buffer
	buf.WriteString("#!/bin/sh\n")
	if job.Resources.Nodes != nil {
		fmt.Fprintf(&buf, "#BSUB -nnodes %d\n", *job.Resources.Nodes)
	}
	if job.Resources.Walltime != "" {
		fmt.Fprintf(&buf, "#BSUB -W %s\n", job.Resources.Walltime)
	}
	if job.Resources.Exclusive != nil && *job.Resources.Exclusive {
		buf.WriteString("#BSUB -x\n")
	}
	if defaults != nil {
		if defaults.Bank != "" {
			fmt.Fprintf(&buf, "#BSUB -P %s\n", defaults.Bank)
		}
		if defaults.Queue != "" {
			fmt.Fprintf(&buf, "#BSUB -q %s\n", defaults.Queue)
		}
		for k, v := range defaults.Extra {
			fmt.Fprintf(&buf, "#BSUB -%s %s\n", k, v)
		}
	}

	resolved, err := resolveCommand(job.command(), func(bracket string) (string, error) {
		n, p, err := effectiveNP(job.Resources, bracket)
		if err != nil {
			return "", err
		}
		parts := []string{"jsrun", fmt.Sprintf("-n%d", n)}
		if job.Resources.TasksPerRS != nil {
			parts = append(parts, fmt.Sprintf("-a%d", *job.Resources.TasksPerRS))
		}
		if job.Resources.CPUsPerRS != nil {
			parts = append(parts, fmt.Sprintf("-c%d", *job.Resources.CPUsPerRS))
		}
		if job.Resources.GPUs != nil {
			parts = append(parts, fmt.Sprintf("-g%d", *job.Resources.GPUs))
		}
		if job.Resources.BindGPUs != nil && *job.Resources.BindGPUs {
			parts = append(parts, "--bind=rs")
		}
		_ = p // jsrun addresses resource sets via -n, not a separate proc count
		return strings.Join(parts, " "), nil
	})
	if err != nil {
		return fmt.Errorf("render %s: %w", scriptPath, err)
	}
	buf.WriteString(resolved)
	buf.WriteString("\n")

	return os.WriteFile(scriptPath, buf.Bytes(), 0o755)
}

var bsubJobIDRe = regexp.MustCompile(`Job <(\d+)>`)

func (a *LSFAdapter) Submit(scriptPath string) (string, error) {
	f, err := os.Open(scriptPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", scriptPath, err)
	}
	defer f.Close()

	cmd := exec.Command("bsub")
	cmd.Stdin = f
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("bsub %s: %w", scriptPath, err)
	}
	m := bsubJobIDRe.FindSubmatch(out)
	if m == nil {
		return "", fmt.Errorf("bsub %s: could not parse job id from %q", scriptPath, out)
	}
	return string(m[1]), nil
}

func (a *LSFAdapter) Status(submitIDs []string) (map[string]JobStatus, error) {
	out := make(map[string]JobStatus, len(submitIDs))
	for _, id := range submitIDs {
		out[id] = Unknown
	}
	if len(submitIDs) == 0 {
		return out, nil
	}
	args := append([]string{"-noheader", "-o", "jobid stat"}, submitIDs...)
	raw, err := exec.Command("bjobs", args...).Output()
	if err != nil {
		return out, nil
	}
	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		out[fields[0]] = mapStatus(fields[1], lsfStateTable)
	}
	return out, nil
}

func (a *LSFAdapter) Cancel(submitIDs []string) error {
	if len(submitIDs) == 0 {
		return nil
	}
	return exec.Command("bkill", submitIDs...).Run()
}
