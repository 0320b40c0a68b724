package main

import (
	"fmt"
	"os"

	"github.com/ormasoftchile/conductor/pkg/study"
)

// reportValidation prints every warning to stderr, then every error
// (numbered) if any, and returns a non-nil error iff validation failed.
// Shared by `validate` and `run`, which both need to surface the same
// diagnostics before deciding whether to proceed.
func reportValidation(errs []*study.ValidationError) error {
	var warnings, failures []*study.ValidationError
	for _, e := range errs {
		if e.Severity == "warning" {
			warnings = append(warnings, e)
		} else {
			failures = append(failures, e)
		}
	}
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "  warning [%s] %s\n", w.Phase, w.Message)
		if w.Path != "" {
			fmt.Fprintf(os.Stderr, "    at: %s\n", w.Path)
		}
	}
	if len(failures) == 0 {
		return nil
	}
	fmt.Fprintf(os.Stderr, "validation failed: %d error(s)\n\n", len(failures))
	for i, e := range failures {
		fmt.Fprintf(os.Stderr, "  %d. [%s] %s\n", i+1, e.Phase, e.Message)
		if e.Path != "" {
			fmt.Fprintf(os.Stderr, "     at: %s\n", e.Path)
		}
	}
	return fmt.Errorf("spec validation failed with %d error(s)", len(failures))
}
