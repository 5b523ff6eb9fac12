package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/forged/internal/replay"
)

var replayDryRun bool

func init() {
	replayCmd.Flags().BoolVar(&replayDryRun, "dry-run", false, "plan the replay without executing any command")
}

var replayCmd = &cobra.Command{
	Use:   "replay <run-id|bundle-path>",
	Short: "Re-execute a recorded run and report divergence",
	Long: `Load a provenance bundle by run id or path, create a fresh session,
and re-execute every recorded step with its working directory remapped
into the new session. Output digests and the environment cache key are
compared against the recording; divergence is reported per step, never
treated as an error.

Examples:
  forged replay 3f1c9a2e-...-d41d
  forged replay .forged/provenance/prov_3f1c9a2e.json --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	engine, err := replay.NewEngine(repoRoot, replay.WithLogger(logger.Underlying()))
	if err != nil {
		return err
	}
	report, err := engine.Replay(cmd.Context(), args[0], replayDryRun)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(report)
	}
	fmt.Printf("Run:         %s\n", report.RunID)
	fmt.Printf("Steps:       %d\n", len(report.Steps))
	fmt.Printf("Divergences: %d\n", report.Divergences)
	if !report.DryRun {
		match := "match"
		if !report.EnvCacheKeyMatch {
			match = "DIVERGED"
		}
		fmt.Printf("Env cache:   %s\n", match)
	}
	for _, step := range report.Steps {
		status := "planned"
		if step.Executed {
			status = "reproduced"
			if !step.ExitCodeMatch || !step.StdoutMatch || !step.StderrMatch {
				status = "DIVERGED"
			}
		}
		fmt.Printf("  %-32s %s\n", step.StepID, status)
	}
	return nil
}
