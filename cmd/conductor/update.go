package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/conductor/pkg/conductor"
)

var (
	updateRlimit   int
	updateThrottle int
	updateSleep    int
)

var updateCmd = &cobra.Command{
	Use:   "update <study-root>...",
	Short: "Drop an update sentinel, changing a running conductor's live config",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runUpdate,
}

func init() {
	updateCmd.Flags().IntVar(&updateRlimit, "rlimit", -1, "new restart limit (unset if omitted)")
	updateCmd.Flags().IntVar(&updateThrottle, "throttle", -1, "new throttle (unset if omitted)")
	updateCmd.Flags().IntVar(&updateSleep, "sleep", -1, "new loop sleep interval in seconds (unset if omitted)")
}

// sentinelPayload mirrors the unexported updateSentinel shape pkg/conductor
// reads, since a .update file is this CLI's only channel to a running
// conductor process.
type sentinelPayload struct {
	Rlimit        *int `json:"rlimit,omitempty"`
	Throttle      *int `json:"throttle,omitempty"`
	SleepInterval *int `json:"sleep_interval,omitempty"`
}

func runUpdate(cmd *cobra.Command, args []string) error {
	var payload sentinelPayload
	if cmd.Flags().Changed("rlimit") {
		payload.Rlimit = &updateRlimit
	}
	if cmd.Flags().Changed("throttle") {
		payload.Throttle = &updateThrottle
	}
	if cmd.Flags().Changed("sleep") {
		payload.SleepInterval = &updateSleep
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal update sentinel: %w", err)
	}
	for _, dir := range args {
		path := filepath.Join(dir, conductor.UpdateSentinel)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("drop update sentinel for %s: %w", dir, err)
		}
	}
	return nil
}
