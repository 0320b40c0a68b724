package scheduler

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ormasoftchile/conductor/pkg/study"
)

func ptr(i int) *int { return &i }

func TestParseBracketBothComponents(t *testing.T) {
	n, p, err := parseBracket("2n,4p")
	if err != nil {
		t.Fatal(err)
	}
	if n == nil || *n != 2 || p == nil || *p != 4 {
		t.Fatalf("got n=%v p=%v", n, p)
	}
}

func TestParseBracketSingleComponent(t *testing.T) {
	n, p, err := parseBracket("4p")
	if err != nil {
		t.Fatal(err)
	}
	if n != nil {
		t.Fatalf("expected nil n, got %v", *n)
	}
	if p == nil || *p != 4 {
		t.Fatalf("got p=%v", p)
	}
}

func TestParseBracketInvalid(t *testing.T) {
	if _, _, err := parseBracket("bogus"); err == nil {
		t.Fatal("expected error")
	}
}

func TestEffectiveNPWithinBounds(t *testing.T) {
	res := study.ResourceRequest{Nodes: ptr(4), Procs: ptr(16)}
	n, p, err := effectiveNP(res, "2n,4p")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || p != 4 {
		t.Fatalf("got n=%d p=%d", n, p)
	}
}

func TestEffectiveNPNoBracketUsesFull(t *testing.T) {
	res := study.ResourceRequest{Nodes: ptr(4), Procs: ptr(16)}
	n, p, err := effectiveNP(res, "")
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 || p != 16 {
		t.Fatalf("got n=%d p=%d", n, p)
	}
}

func TestEffectiveNPExceedsStepFails(t *testing.T) {
	res := study.ResourceRequest{Nodes: ptr(2), Procs: ptr(8)}
	if _, _, err := effectiveNP(res, "4n"); err == nil {
		t.Fatal("expected error for n exceeding step nodes")
	}
}

func TestMapStatusUnknownByDefault(t *testing.T) {
	table := map[string]JobStatus{"R": Running}
	if got := mapStatus("SOME_NEW_STATE", table); got != Unknown {
		t.Fatalf("expected Unknown, got %v", got)
	}
	if got := mapStatus("R", table); got != Running {
		t.Fatalf("expected Running, got %v", got)
	}
}

func TestSlurmRenderProducesHeaders(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/job.sh"
	a := &SlurmAdapter{}
	job := Job{Cmd: "echo hi", Resources: study.ResourceRequest{Nodes: ptr(2), Procs: ptr(4)}}
	if err := a.Render(path, job, &study.BatchDefaults{Bank: "acct1", Queue: "pbatch"}); err != nil {
		t.Fatal(err)
	}
	data := readFile(t, path)
	for _, want := range []string{"#SBATCH --nodes=2", "#SBATCH --ntasks=4", "#SBATCH --account=acct1", "#SBATCH --partition=pbatch", "echo hi"} {
		if !contains(data, want) {
			t.Fatalf("expected script to contain %q, got:\n%s", want, data)
		}
	}
}

func TestSlurmRenderExpandsLauncher(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/job.sh"
	a := &SlurmAdapter{}
	job := Job{Cmd: "$(LAUNCHER) ./app", Resources: study.ResourceRequest{Nodes: ptr(2), Procs: ptr(4)}}
	if err := a.Render(path, job, nil); err != nil {
		t.Fatal(err)
	}
	data := readFile(t, path)
	if !contains(data, "srun -N2 -n4 ./app") {
		t.Fatalf("expected resolved launcher, got:\n%s", data)
	}
}

func TestLocalRenderHasNoLauncher(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/job.sh"
	a := NewLocalAdapter()
	job := Job{Cmd: "$(LAUNCHER) ./app"}
	if err := a.Render(path, job, nil); err != nil {
		t.Fatal(err)
	}
	data := readFile(t, path)
	if !contains(data, " ./app") || contains(data, "srun") {
		t.Fatalf("expected empty launcher expansion, got:\n%s", data)
	}
}

func TestLocalSubmitAndStatus(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/job.sh"
	a := NewLocalAdapter()
	job := Job{Cmd: "exit 0"}
	if err := a.Render(path, job, nil); err != nil {
		t.Fatal(err)
	}
	id, err := a.Submit(path)
	if err != nil {
		t.Fatal(err)
	}
	waitForTerminal(t, a, id)
	statuses, err := a.Status([]string{id})
	if err != nil {
		t.Fatal(err)
	}
	if statuses[id] != FinishedOK {
		t.Fatalf("expected FinishedOK, got %v", statuses[id])
	}
}

func TestLocalSubmitSerializesJobs(t *testing.T) {
	dir := t.TempDir()
	a := NewLocalAdapter()
	path1 := dir + "/a.sh"
	path2 := dir + "/b.sh"
	if err := a.Render(path1, Job{Cmd: "sleep 0.05"}, nil); err != nil {
		t.Fatal(err)
	}
	if err := a.Render(path2, Job{Cmd: "exit 0"}, nil); err != nil {
		t.Fatal(err)
	}
	id1, err := a.Submit(path1)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := a.Submit(path2)
	if err != nil {
		t.Fatal(err)
	}
	waitForTerminal(t, a, id2)
	statuses, _ := a.Status([]string{id1, id2})
	if statuses[id1] != FinishedOK || statuses[id2] != FinishedOK {
		t.Fatalf("expected both finished ok, got %+v", statuses)
	}
}

func waitForTerminal(t *testing.T, a *LocalAdapter, id string) {
	t.Helper()
	for i := 0; i < 200; i++ {
		s, _ := a.Status([]string{id})
		if s[id] == FinishedOK || s[id] == FinishedError {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach terminal state in time", id)
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func contains(haystack, needle string) bool {
	return strings.Contains(haystack, needle)
}
