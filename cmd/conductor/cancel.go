package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/conductor/pkg/conductor"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <study-root>...",
	Short: "Drop a cancel sentinel, asking a running conductor to stop a study",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, dir := range args {
			path := filepath.Join(dir, conductor.CancelSentinel)
			if err := os.WriteFile(path, []byte{}, 0o644); err != nil {
				return fmt.Errorf("drop cancel sentinel for %s: %w", dir, err)
			}
		}
		return nil
	},
}
