package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/forged/internal/provenance"
)

var chainCmd = &cobra.Command{
	Use:   "chain",
	Short: "Provenance chain operations",
}

func init() {
	chainCmd.AddCommand(chainValidateCmd)
}

var chainValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the provenance hash chain",
	Long: `Walk the repository's provenance chain from the first entry,
recomputing every chain hash. The command exits non-zero when tampering,
truncation, or reordering is detected, naming the first diverging index
and run id.

Examples:
  forged chain validate
  forged chain validate --repo /path/to/repo --json`,
	RunE: runChainValidate,
}

func runChainValidate(cmd *cobra.Command, args []string) error {
	validation, err := provenance.ValidateChain(repoRoot)
	if err != nil {
		return err
	}

	if jsonOutput {
		if err := printJSON(validation); err != nil {
			return err
		}
	} else if validation.Valid {
		fmt.Printf("chain valid: %d entries", validation.Count)
		if validation.LastRunID != "" {
			fmt.Printf(", head run %s", validation.LastRunID)
		}
		fmt.Println()
	} else {
		fmt.Printf("chain INVALID at index %d (run %s): %s\n",
			validation.Index, validation.LastRunID, validation.Reason)
	}

	if !validation.Valid {
		os.Exit(1)
	}
	return nil
}
