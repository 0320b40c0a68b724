package scheduler

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/ormasoftchile/conductor/pkg/study"
)

// FluxAdapter submits jobs to the Flux resource manager via flux batch and
// flux job.
type FluxAdapter struct{}

var fluxStateTable = map[string]JobStatus{
	"DEPEND":  Pending,
	"PRIORITY": Pending,
	"SCHED":   Pending,
	"RUN":     Running,
	"CLEANUP": Running,
	"COMPLETED": FinishedOK,
	"FAILED":  FinishedError,
	"TIMEOUT": Timeout,
	"CANCELED": Cancelled,
}

func (a *FluxAdapter) Render(scriptPath string, job Job, defaults *study.BatchDefaults) error {
	var buf bytes.Buffer
	buf.WriteString("#!/bin/sh\n")
	if job.Resources.Nodes != nil {
		fmt.Fprintf(&buf, "#flux: -N %d\n", *job.Resources.Nodes)
	}
	if job.Resources.Procs != nil {
		fmt.Fprintf(&buf, "#flux: -n %d\n", *job.Resources.Procs)
	}
	if job.Resources.Walltime != "" {
		fmt.Fprintf(&buf, "#flux: -t %s\n", job.Resources.Walltime)
	}
	if job.Resources.GPUs != nil {
		fmt.Fprintf(&buf, "#flux: -g %d\n", *job.Resources.GPUs)
	}
	if defaults != nil {
		if defaults.Queue != "" {
			fmt.Fprintf(&buf, "#flux: -q %s\n", defaults.Queue)
		}
		for k, v := range defaults.Extra {
			fmt.Fprintf(&buf, "#flux: --%s=%s\n", k, v)
		}
	}

	resolved, err := resolveCommand(job.command(), func(bracket string) (string, error) {
		n, p, err := effectiveNP(job.Resources, bracket)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("flux mini run -N%d -n%d", n, p), nil
	})
	if err != nil {
		return fmt.Errorf("render %s: %w", scriptPath, err)
	}
	buf.WriteString(resolved)
	buf.WriteString("\n")

	return os.WriteFile(scriptPath, buf.Bytes(), 0o755)
}

func (a *FluxAdapter) Submit(scriptPath string) (string, error) {
	out, err := exec.Command("flux", "batch", scriptPath).Output()
	if err != nil {
		return "", fmt.Errorf("flux batch %s: %w", scriptPath, err)
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		return "", fmt.Errorf("flux batch %s: empty job id", scriptPath)
	}
	return id, nil
}

func (a *FluxAdapter) Status(submitIDs []string) (map[string]JobStatus, error) {
	out := make(map[string]JobStatus, len(submitIDs))
	for _, id := range submitIDs {
		raw, err := exec.Command("flux", "jobs", "-no", "{state}", id).Output()
		if err != nil {
			out[id] = Unknown
			continue
		}
		out[id] = mapStatus(strings.TrimSpace(string(raw)), fluxStateTable)
	}
	return out, nil
}

func (a *FluxAdapter) Cancel(submitIDs []string) error {
	if len(submitIDs) == 0 {
		return nil
	}
	args := append([]string{"cancel"}, submitIDs...)
	return exec.Command("flux", args...).Run()
}
