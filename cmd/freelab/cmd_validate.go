package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"freelab/internal/lab"
)

var validateKind string

// validateCmd checks a document against the lab schemas
var validateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a JSON document against a lab schema",
	Long: `Validates a JSON document and lists every violation.

Kinds: environment, action, history, postAction, toolUpdate, uiEvent, setup,
timeline, stepRequest.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	kind := lab.Kind(validateKind)
	known := false
	for _, k := range lab.Kinds {
		if k == kind {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown kind %q (valid: %v)", validateKind, lab.Kinds)
	}

	path := "-"
	if len(args) == 1 {
		path = args[0]
	}
	data, err := readInput(cmd, path)
	if err != nil {
		return err
	}

	if err := lab.Validate(kind, data); err != nil {
		var ve *lab.ValidationError
		if errors.As(err, &ve) {
			for _, is := range ve.Issues {
				p := is.Path
				if p == "" {
					p = "(root)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", p, is.Reason)
			}
			return fmt.Errorf("%s is not a valid %s (%d issues)", path, kind, len(ve.Issues))
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: valid %s\n", path, kind)
	return nil
}
