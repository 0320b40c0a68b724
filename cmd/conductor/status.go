package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/conductor/pkg/persist"
)

var statusCmd = &cobra.Command{
	Use:   "status <study-root>...",
	Short: "Print the persisted status snapshot of one or more studies",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for i, dir := range args {
			if i > 0 {
				fmt.Println()
			}
			if len(args) > 1 {
				fmt.Printf("== %s ==\n", dir)
			}
			data, err := os.ReadFile(filepath.Join(dir, persist.StatusSnapshotFile))
			if err != nil {
				return fmt.Errorf("read status for %s: %w", dir, err)
			}
			os.Stdout.Write(data)
		}
		return nil
	},
}
