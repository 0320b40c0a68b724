package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/conductor/pkg/deps"
	"github.com/ormasoftchile/conductor/pkg/expand"
	"github.com/ormasoftchile/conductor/pkg/params"
	"github.com/ormasoftchile/conductor/pkg/persist"
	"github.com/ormasoftchile/conductor/pkg/pgen"
	"github.com/ormasoftchile/conductor/pkg/scheduler"
	"github.com/ormasoftchile/conductor/pkg/study"
)

var (
	runAttempts int
	runRlimit   int
	runThrottle int
	runSleep    int
	runDry      bool
	runPgen     string
	runPargs    []string
	runOut      string
	runFG       bool
	runHashWS   bool
	runUseTmp   bool
)

var runCmd = &cobra.Command{
	Use:   "run <spec.yaml>",
	Short: "Expand a study specification and launch the conductor",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().IntVar(&runAttempts, "attempts", 1, "submission attempts before a node terminalizes FAILED")
	runCmd.Flags().IntVar(&runRlimit, "rlimit", 0, "restart limit on TIMEDOUT nodes (0 = unbounded)")
	runCmd.Flags().IntVar(&runThrottle, "throttle", 0, "max concurrently RUNNING nodes (0 = unbounded)")
	runCmd.Flags().IntVar(&runSleep, "sleep", 5, "seconds between conductor loop iterations")
	runCmd.Flags().BoolVar(&runDry, "dry", false, "expand and render only; do not launch the conductor")
	runCmd.Flags().StringVar(&runPgen, "pgen", "", "name or path of a custom parameter generator, overriding global.generator")
	runCmd.Flags().StringArrayVar(&runPargs, "pargs", nil, "key=value argument passed to the parameter generator, repeatable")
	runCmd.Flags().StringVar(&runOut, "out", "", "overrides OUTPUT_PATH (defaults to the current directory)")
	runCmd.Flags().BoolVar(&runFG, "fg", false, "run the conductor in the foreground instead of detaching it")
	runCmd.Flags().BoolVar(&runHashWS, "hashws", false, "hash combo keys into workspace directory names")
	runCmd.Flags().BoolVar(&runUseTmp, "usetmp", false, "stage workspaces under a temp directory instead of OUTPUT_PATH")
}

// runConfig is the JSON shape persisted under meta/run-config.json so a
// detached `serve` process can resume a conductor run without re-parsing
// the original CLI invocation (spec.md §4.H: "sufficient for a fresh
// conductor process to resume").
type runConfig struct {
	AttemptsMax int    `json:"attempts_max"`
	Rlimit      int    `json:"rlimit"`
	Throttle    int    `json:"throttle"`
	SleepSecs   int    `json:"sleep_seconds"`
	BatchType   string `json:"batch_type"`
}

func runRun(cmd *cobra.Command, args []string) error {
	specPath := args[0]
	spec, errs := study.ValidateFile(specPath)
	if err := reportValidation(errs); err != nil {
		return err
	}

	outputRoot := runOut
	if outputRoot == "" {
		outputRoot = "."
	}
	if runUseTmp {
		var err error
		outputRoot, err = os.MkdirTemp("", "conductor-study-")
		if err != nil {
			return fmt.Errorf("create temp output root: %w", err)
		}
	}

	specRoot, err := filepath.Abs(filepath.Dir(specPath))
	if err != nil {
		return fmt.Errorf("resolve spec root: %w", err)
	}
	outputAbs, err := filepath.Abs(outputRoot)
	if err != nil {
		return fmt.Errorf("resolve output root: %w", err)
	}

	studyRoot := filepath.Join(outputAbs, fmt.Sprintf("%s_%s", spec.Description.Name, time.Now().Format("20060102-150405")))
	for _, sub := range []string{"logs", "meta"} {
		if err := os.MkdirAll(filepath.Join(studyRoot, sub), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", sub, err)
		}
	}
	if err := copyFile(specPath, filepath.Join(studyRoot, filepath.Base(specPath))); err != nil {
		return fmt.Errorf("copy spec into study root: %w", err)
	}

	dependencies := map[string]string{}
	if spec.Env != nil && len(spec.Env.Dependencies) > 0 {
		resolved, err := deps.NewAcquirer(studyRoot).Acquire(spec.Env.Dependencies)
		if err != nil {
			return fmt.Errorf("acquire dependencies: %w", err)
		}
		for _, r := range resolved {
			dependencies[r.Name] = r.Path
		}
	}

	model, err := buildModel(cmd.Context(), spec)
	if err != nil {
		return fmt.Errorf("build parameter model: %w", err)
	}

	batchType := "local"
	if spec.Batch != nil && spec.Batch.Type != "" {
		batchType = spec.Batch.Type
	}
	adapter, err := scheduler.New(batchType)
	if err != nil {
		return fmt.Errorf("construct scheduler adapter: %w", err)
	}

	variables, labels := map[string]string{}, map[string]string{}
	if spec.Env != nil {
		variables, labels = spec.Env.Variables, spec.Env.Labels
	}

	g, err := expand.Expand(spec, model, expand.Options{
		StudyRoot: studyRoot,
		HashWS:    runHashWS,
		Reserved: map[string]string{
			"SPECROOT":    specRoot,
			"OUTPUT_PATH": outputAbs,
		},
		Variables:     variables,
		Labels:        labels,
		Dependencies:  dependencies,
		Adapter:       adapter,
		BatchDefaults: spec.Batch,
	})
	if err != nil {
		return fmt.Errorf("expand study: %w", err)
	}

	if err := persist.SaveGraph(g, studyRoot); err != nil {
		return fmt.Errorf("persist initial graph: %w", err)
	}
	if err := persist.SaveStatus(g, studyRoot); err != nil {
		return fmt.Errorf("persist initial status: %w", err)
	}

	fmt.Println(studyRoot)
	if runDry {
		return nil
	}

	cfg := runConfig{
		AttemptsMax: runAttempts,
		Rlimit:      runRlimit,
		Throttle:    runThrottle,
		SleepSecs:   runSleep,
		BatchType:   batchType,
	}
	cfgBytes, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(studyRoot, "meta", "run-config.json"), cfgBytes, 0o644); err != nil {
		return fmt.Errorf("write run config: %w", err)
	}
	if spec.Batch != nil {
		defaultsBytes, err := json.MarshalIndent(spec.Batch, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal batch defaults: %w", err)
		}
		if err := os.WriteFile(filepath.Join(studyRoot, "meta", "batch-defaults.json"), defaultsBytes, 0o644); err != nil {
			return fmt.Errorf("write batch defaults: %w", err)
		}
	}

	if runFG {
		return serveStudy(context.Background(), studyRoot)
	}
	return launchDetachedConductor(studyRoot)
}

// buildModel resolves the study's parameter model: the --pgen flag
// overrides global.generator, which overrides the declarative parameters
// table (spec.md §6 "overridable by a user-supplied generator plugin").
func buildModel(ctx context.Context, spec *study.Spec) (*params.Model, error) {
	genSpec := genSpecFromFlags()
	if genSpec == nil && spec.Global != nil {
		genSpec = spec.Global.Generator
	}
	if genSpec != nil {
		return pgen.Build(ctx, genSpec)
	}
	if spec.Global != nil && spec.Global.Parameters != nil {
		return study.BuildModel(spec.Global.Parameters)
	}
	return nil, nil
}

func genSpecFromFlags() *study.GeneratorSpec {
	if runPgen == "" {
		return nil
	}
	pargs := map[string]string{}
	for _, kv := range runPargs {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			pargs[parts[0]] = parts[1]
		}
	}
	return &study.GeneratorSpec{Name: runPgen, Pargs: pargs}
}

// launchDetachedConductor starts `conductor serve <studyRoot>` as a
// background process, redirecting its output to logs/conductor.log, and
// returns immediately (spec.md §6 run options: the default, absent --fg,
// is a detached long-lived conductor).
func launchDetachedConductor(studyRoot string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	logPath := filepath.Join(studyRoot, "logs", "conductor.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open conductor log: %w", err)
	}
	defer logFile.Close()

	proc := exec.Command(exe, "serve", studyRoot)
	proc.Stdout = logFile
	proc.Stderr = logFile
	setDetached(proc)
	if err := proc.Start(); err != nil {
		return fmt.Errorf("start conductor: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
