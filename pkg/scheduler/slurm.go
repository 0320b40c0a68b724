package scheduler

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/ormasoftchile/conductor/pkg/study"
)

// SlurmAdapter submits jobs to a Slurm cluster via sbatch/squeue/scancel.
type SlurmAdapter struct{}

// slurmStateTable maps squeue's short state codes to JobStatus. Anything
// absent here — including states Slurm may add in future releases — maps
// to Unknown, never to a success state.
var slurmStateTable = map[string]JobStatus{
	"PD": Pending,
	"R":  Running,
	"CG": Running,
	"CD": FinishedOK,
	"F":  FinishedError,
	"TO": Timeout,
	"CA": Cancelled,
	"NF": FinishedError,
}

func (a *SlurmAdapter) Render(scriptPath string, job Job, defaults *study.BatchDefaults) error {
	var buf bytes.Buffer
	buf.WriteString("#!/bin/sh\n")
	if job.Resources.Nodes != nil {
		fmt.Fprintf(&buf, "#SBATCH --nodes=%d\n", *job.Resources.Nodes)
	}
	if job.Resources.Procs != nil {
		fmt.Fprintf(&buf, "#SBATCH --ntasks=%d\n", *job.Resources.Procs)
	}
	if job.Resources.CoresPerTask != nil {
		fmt.Fprintf(&buf, "#SBATCH --cpus-per-task=%d\n", *job.Resources.CoresPerTask)
	}
	if job.Resources.GPUs != nil {
		fmt.Fprintf(&buf, "#SBATCH --gpus=%d\n", *job.Resources.GPUs)
	}
	if job.Resources.Walltime != "" {
		fmt.Fprintf(&buf, "#SBATCH --time=%s\n", job.Resources.Walltime)
	}
	if job.Resources.Exclusive != nil && *job.Resources.Exclusive {
		buf.WriteString("#SBATCH --exclusive\n")
	}
	if job.Resources.Reservation != "" {
		fmt.Fprintf(&buf, "#SBATCH --reservation=%s\n", job.Resources.Reservation)
	}
	if job.Resources.QOS != "" {
		fmt.Fprintf(&buf, "#SBATCH --qos=%s\n", job.Resources.QOS)
	}
	if defaults != nil {
		if defaults.Bank != "" {
			fmt.Fprintf(&buf, "#SBATCH --account=%s\n", defaults.Bank)
		}
		if defaults.Queue != "" {
			fmt.Fprintf(&buf, "#SBATCH --partition=%s\n", defaults.Queue)
		}
		for k, v := range defaults.Extra {
			fmt.Fprintf(&buf, "#SBATCH --%s=%s\n", k, v)
		}
	}

	resolved, err := resolveCommand(job.command(), func(bracket string) (string, error) {
		n, p, err := effectiveNP(job.Resources, bracket)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("srun -N%d -n%d", n, p), nil
	})
	if err != nil {
		return fmt.Errorf("render %s: %w", scriptPath, err)
	}
	buf.WriteString(resolved)
	buf.WriteString("\n")

	return os.WriteFile(scriptPath, buf.Bytes(), 0o755)
}

func (a *SlurmAdapter) Submit(scriptPath string) (string, error) {
	out, err := exec.Command("sbatch", "--parsable", scriptPath).Output()
	if err != nil {
		return "", fmt.Errorf("sbatch %s: %w", scriptPath, err)
	}
	id := strings.TrimSpace(strings.SplitN(string(out), ";", 2)[0])
	if id == "" {
		return "", fmt.Errorf("sbatch %s: empty job id in output %q", scriptPath, out)
	}
	return id, nil
}

func (a *SlurmAdapter) Status(submitIDs []string) (map[string]JobStatus, error) {
	out := make(map[string]JobStatus, len(submitIDs))
	for _, id := range submitIDs {
		out[id] = Unknown
	}
	if len(submitIDs) == 0 {
		return out, nil
	}
	raw, err := exec.Command("squeue", "--noheader", "--format=%i %T", "--jobs="+strings.Join(submitIDs, ",")).Output()
	if err != nil {
		// squeue returns non-zero when jobs have aged out; they are
		// presumed complete and status falls back to a separate sacct
		// lookup in a fuller implementation. For now leave them Unknown
		// so the conductor re-polls.
		return out, nil
	}
	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		out[fields[0]] = mapStatus(slurmStateCode(fields[1]), slurmStateTable)
	}
	return out, nil
}

// slurmStateCode maps squeue's long %T state names to the short codes
// slurmStateTable is keyed by.
func slurmStateCode(long string) string {
	switch strings.ToUpper(long) {
	case "PENDING":
		return "PD"
	case "RUNNING":
		return "R"
	case "COMPLETING":
		return "CG"
	case "COMPLETED":
		return "CD"
	case "FAILED":
		return "F"
	case "TIMEOUT":
		return "TO"
	case "CANCELLED":
		return "CA"
	case "NODE_FAIL":
		return "NF"
	default:
		return long
	}
}

func (a *SlurmAdapter) Cancel(submitIDs []string) error {
	if len(submitIDs) == 0 {
		return nil
	}
	args := append([]string{}, submitIDs...)
	return exec.Command("scancel", args...).Run()
}
