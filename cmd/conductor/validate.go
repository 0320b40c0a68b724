package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/conductor/pkg/study"
)

var validateCmd = &cobra.Command{
	Use:   "validate <spec.yaml>",
	Short: "Validate a study specification against the schema and domain rules",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := args[0]
	spec, errs := study.ValidateFile(path)
	if err := reportValidation(errs); err != nil {
		return err
	}
	fmt.Printf("%s is valid (%d steps)\n", spec.Description.Name, len(spec.Study))
	return nil
}
