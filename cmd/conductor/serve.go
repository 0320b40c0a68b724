package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/conductor/pkg/conductor"
	"github.com/ormasoftchile/conductor/pkg/persist"
	"github.com/ormasoftchile/conductor/pkg/scheduler"
	"github.com/ormasoftchile/conductor/pkg/study"
	"github.com/ormasoftchile/conductor/pkg/tracelog"
)

// serveCmd is hidden: it's the re-exec target launchDetachedConductor
// spawns, not something a user invokes directly.
var serveCmd = &cobra.Command{
	Use:    "serve <study-root>",
	Short:  "Resume a persisted study and drive it to completion (internal)",
	Hidden: true,
	Args:   cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStudy(cmd.Context(), args[0])
	},
}

// serveStudy loads a study root's persisted graph and run config, then
// drives the conductor loop to completion. Both `run --fg` and the
// detached `serve` subcommand funnel through here (spec.md §4.H: the
// persisted state is "sufficient for a fresh conductor process to
// resume").
func serveStudy(ctx context.Context, studyRoot string) error {
	g, err := persist.LoadGraph(studyRoot)
	if err != nil {
		return fmt.Errorf("load graph snapshot: %w", err)
	}

	cfg, err := loadRunConfig(studyRoot)
	if err != nil {
		return fmt.Errorf("load run config: %w", err)
	}

	adapter, err := scheduler.New(cfg.BatchType)
	if err != nil {
		return fmt.Errorf("construct scheduler adapter: %w", err)
	}

	defaults, err := loadBatchDefaults(studyRoot)
	if err != nil {
		return fmt.Errorf("load batch defaults: %w", err)
	}

	trace, err := tracelog.Open(filepath.Join(studyRoot, "logs", "events.jsonl"))
	if err != nil {
		return fmt.Errorf("open event trace: %w", err)
	}
	defer trace.Close()

	c := conductor.New(g, conductor.Options{
		StudyRoot:     studyRoot,
		Adapter:       adapter,
		BatchDefaults: defaults,
		AttemptsMax:   cfg.AttemptsMax,
		Rlimit:        cfg.Rlimit,
		Throttle:      cfg.Throttle,
		Sleep:         time.Duration(cfg.SleepSecs) * time.Second,
		Trace:         trace,
	})

	return c.Run(ctx)
}

func loadRunConfig(studyRoot string) (runConfig, error) {
	var cfg runConfig
	data, err := os.ReadFile(filepath.Join(studyRoot, "meta", "run-config.json"))
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse run-config.json: %w", err)
	}
	return cfg, nil
}

func loadBatchDefaults(studyRoot string) (*study.BatchDefaults, error) {
	path := filepath.Join(studyRoot, "meta", "batch-defaults.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var d study.BatchDefaults
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse batch-defaults.json: %w", err)
	}
	return &d, nil
}
