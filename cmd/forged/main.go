// Package main implements the forged CLI: plan, run, and replay goals
// against a repository, and validate the provenance hash chain.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/forged/internal/config"
	"github.com/fyrsmithlabs/forged/internal/logging"
	"github.com/fyrsmithlabs/forged/internal/telemetry"
)

var (
	// persistent flags
	repoRoot   string
	configPath string
	jsonOutput bool

	// version information (set via ldflags during build)
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "forged",
	Short: "Auditable repo-remediation engine",
	Long: `forged plans and executes bounded, auditable remediation runs against a
repository: it isolates a session, bootstraps a test environment, harvests
failing tests, applies low-risk heuristic fixes within budget, and records
every step in a tamper-evident provenance chain.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&repoRoot, "repo", ".", "repository root to operate on")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default ~/.config/forged/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output results as JSON")

	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(chainCmd)
}

// loadConfig loads the layered configuration honoring --config. An empty
// path falls back to the default location.
func loadConfig() (*config.Config, error) {
	return config.LoadWithFile(configPath)
}

// setupTelemetry initializes the OTLP exporters when enabled. The
// returned shutdown func is safe to call even when telemetry is off.
func setupTelemetry(ctx context.Context, cfg *config.Config) (func(), error) {
	telCfg := telemetry.NewDefaultConfig()
	telCfg.Enabled = cfg.Observability.EnableTelemetry
	telCfg.ServiceName = cfg.Observability.ServiceName
	telCfg.ServiceVersion = version
	tel, err := telemetry.New(ctx, telCfg)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	return func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "telemetry shutdown: %v\n", err)
		}
	}, nil
}

// newLogger builds the process logger from the loaded config.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	logCfg := logging.NewDefaultConfig()
	level, err := logging.LevelFromString(cfg.Observability.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	logCfg.Level = level
	logCfg.Format = cfg.Observability.LogFormat
	logger, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return logger, nil
}
