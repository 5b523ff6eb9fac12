package main

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/forge"
	"github.com/fyrsmithlabs/forged/internal/logging"
)

var runInitiator string

var initiatorPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

func init() {
	runCmd.Flags().StringVar(&runInitiator, "initiator", "", "who requested the run (defaults to config)")
}

var planCmd = &cobra.Command{
	Use:   "plan <goal>",
	Short: "Resolve a goal and write the plan artifact",
	Long: `Resolve a goal string into its phased remediation plan and write the
plan document under .forged/runs/ without creating a session or touching
the repository.

Examples:
  forged plan baseline_reclamation
  forged plan "repo_green_storm" --repo /path/to/repo`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

var runCmd = &cobra.Command{
	Use:   "run <goal>",
	Short: "Execute a goal end to end",
	Long: `Execute a remediation goal: plan, isolate a session, bootstrap the
environment, run the fail-closed preflight gates, iterate harvest/fix
within budget for iterative goals, re-run the final test gate, and record
every step into the provenance chain.

The command exits non-zero when the run outcome is failed; the report
artifact is written either way.

Examples:
  forged run forge_smoke_noop
  forged run baseline_reclamation --repo /path/to/repo --initiator ci`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	svc, err := forge.NewService(cfg, repoRoot, logger.Underlying())
	if err != nil {
		return err
	}
	plan, err := svc.Plan(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(plan)
	}
	fmt.Printf("Goal:    %s (%s)\n", plan.Goal, plan.GoalID)
	fmt.Printf("Phases:  %d\n", len(plan.Phases))
	for i, phase := range plan.Phases {
		fmt.Printf("  %d. %s\n", i+1, phase.Summary)
	}
	if len(plan.RiskNotes) > 0 {
		fmt.Printf("Risks:   %s\n", strings.Join(plan.RiskNotes, "; "))
	}
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	shutdown, err := setupTelemetry(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer shutdown()

	initiator := runInitiator
	if initiator == "" {
		initiator = cfg.Forge.Initiator
	}
	if !initiatorPattern.MatchString(initiator) {
		return fmt.Errorf("invalid initiator %q: must be alphanumeric, hyphen, underscore", initiator)
	}

	requestID := uuid.NewString()
	ctx := logging.WithRequestID(cmd.Context(), requestID)
	logger.Info(ctx, "run requested", zap.String("goal", args[0]))

	svc, err := forge.NewService(cfg, repoRoot, logger.Underlying())
	if err != nil {
		return err
	}
	report, err := svc.Run(ctx, args[0], forge.RunOptions{
		Initiator: initiator,
		RequestID: requestID,
	})
	if err != nil {
		return err
	}

	ctx = logging.WithRunScope(ctx, &logging.RunScope{GoalID: report.GoalID, Initiator: initiator})
	logger.Info(ctx, "run finished",
		zap.String("outcome", report.Outcome),
		zap.String("tests", report.Tests.Status),
	)

	if jsonOutput {
		if err := printJSON(report); err != nil {
			return err
		}
	} else {
		fmt.Printf("Outcome:  %s\n", report.Outcome)
		fmt.Printf("Goal:     %s (%s)\n", report.Goal, report.GoalID)
		fmt.Printf("Tests:    %s\n", report.Tests.Status)
		if report.TestFailuresBefore != nil && report.TestFailuresAfter != nil {
			fmt.Printf("Failures: %d -> %d\n", *report.TestFailuresBefore, *report.TestFailuresAfter)
		}
		if len(report.FailureReasons) > 0 {
			fmt.Printf("Reasons:  %s\n", strings.Join(report.FailureReasons, ", "))
		}
		if report.DocketPath != "" {
			fmt.Printf("Docket:   %s\n", report.DocketPath)
		}
		fmt.Printf("Ledger:   %s\n", report.ProvenancePath)
	}

	if report.Outcome != forge.OutcomeSuccess {
		os.Exit(1)
	}
	return nil
}

func printJSON(payload any) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
