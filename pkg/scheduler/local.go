package scheduler

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/ormasoftchile/conductor/pkg/study"
)

// LocalAdapter runs job scripts as child processes on the machine the
// conductor itself runs on. Per spec.md §4.E, the local adapter enforces no
// concurrency across the jobs it owns: Submit blocks until any job it
// previously started has exited before forking the next one.
type LocalAdapter struct {
	mu       sync.Mutex
	prevDone chan struct{}
	results  map[string]JobStatus
}

// NewLocalAdapter returns a ready-to-use local adapter.
func NewLocalAdapter() *LocalAdapter {
	return &LocalAdapter{results: make(map[string]JobStatus)}
}

// Render writes scriptPath as a plain shell script: no scheduler headers
// (there is no batch system to address), $(LAUNCHER) expands to "".
func (a *LocalAdapter) Render(scriptPath string, job Job, _ *study.BatchDefaults) error {
	resolved, err := resolveCommand(job.command(), func(bracket string) (string, error) {
		if _, _, err := effectiveNP(job.Resources, bracket); err != nil {
			return "", err
		}
		return "", nil
	})
	if err != nil {
		return fmt.Errorf("render %s: %w", scriptPath, err)
	}
	script := "#!/bin/sh\nset -e\n" + resolved + "\n"
	return os.WriteFile(scriptPath, []byte(script), 0o755)
}

// Submit waits for any prior job this adapter started to finish, then forks
// scriptPath and returns its pid as the submit id.
func (a *LocalAdapter) Submit(scriptPath string) (string, error) {
	a.mu.Lock()
	prev := a.prevDone
	a.mu.Unlock()
	if prev != nil {
		<-prev
	}

	cmd := exec.Command(scriptPath)
	cmd.Stdout, _ = os.Create(scriptPath + ".out")
	cmd.Stderr, _ = os.Create(scriptPath + ".err")
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", scriptPath, err)
	}
	id := strconv.Itoa(cmd.Process.Pid)

	a.mu.Lock()
	a.results[id] = Running
	done := make(chan struct{})
	a.prevDone = done
	a.mu.Unlock()

	go func() {
		err := cmd.Wait()
		a.mu.Lock()
		if err != nil {
			a.results[id] = FinishedError
		} else {
			a.results[id] = FinishedOK
		}
		a.mu.Unlock()
		close(done)
	}()

	return id, nil
}

// Status reports the locally tracked outcome for each pid, inspecting the
// process exit recorded by Submit's goroutine.
func (a *LocalAdapter) Status(submitIDs []string) (map[string]JobStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]JobStatus, len(submitIDs))
	for _, id := range submitIDs {
		if s, ok := a.results[id]; ok {
			out[id] = s
		} else {
			out[id] = Unknown
		}
	}
	return out, nil
}

// Cancel kills (os.Process.Kill, SIGKILL on Unix) each pid it still
// recognizes as running.
func (a *LocalAdapter) Cancel(submitIDs []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range submitIDs {
		if a.results[id] != Running {
			continue
		}
		pid, err := strconv.Atoi(id)
		if err != nil {
			continue
		}
		if proc, err := os.FindProcess(pid); err == nil {
			_ = proc.Kill()
		}
		a.results[id] = Cancelled
	}
	return nil
}
