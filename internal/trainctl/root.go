// Package trainctl is the command-line surface: config resolution, the
// cobra command tree, and the run/gpus/summary actions.
package trainctl

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"traind/internal/config"
)

// buildRootCmd constructs the cobra command tree wired to the fn* actions.
func buildRootCmd(cfg *config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "trainctl",
		Short:         "Parallel ML training orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var cfgPath string
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "Daemon config file (yaml|json|toml)")
	root.PersistentFlags().String("log-level", "", "Log level: debug|info|warn|error (defaults TRAIND_LOG_LEVEL or info)")
	root.PersistentFlags().String("output-dir", "", "Base directory for session output")
	root.PersistentFlags().String("working-dir", "", "Working directory for launched jobs")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if cfgPath != "" {
			loaded, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			*cfg = loaded
		}
		if v, _ := cmd.Flags().GetString("log-level"); v != "" {
			cfg.LogLevel = v
		} else if cfg.LogLevel == "" {
			cfg.LogLevel = envStr("TRAIND_LOG_LEVEL", "info")
		}
		if v, _ := cmd.Flags().GetString("output-dir"); v != "" {
			cfg.OutputDir = v
		}
		if v, _ := cmd.Flags().GetString("working-dir"); v != "" {
			cfg.WorkingDir = v
		}
		*cfg = config.Normalize(*cfg)
		return nil
	}

	runCmd := &cobra.Command{
		Use:     "run <template.yaml|dir> [template.yaml|dir ...]",
		Short:   "Run one parallel training session over the given config templates",
		Example: "  trainctl run configs/a.yaml configs/b.yaml --trainer ./train\n  trainctl run configs/ --trainer ./train",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if v, _ := cmd.Flags().GetString("trainer"); v != "" {
				cfg.TrainerBin = v
			}
			if v, _ := cmd.Flags().GetString("session-name"); v != "" {
				cfg.SessionName = v
			}
			if v, _ := cmd.Flags().GetInt("timeout"); cmd.Flags().Changed("timeout") {
				cfg.JobTimeoutSec = v
			}
			if v, _ := cmd.Flags().GetString("status-addr"); v != "" {
				cfg.StatusAddr = v
			}
			return fnRun(cfg, args)
		},
	}
	runCmd.Flags().String("trainer", "", "Trainer executable launched once per template")
	runCmd.Flags().String("session-name", "", "Session name prefix")
	runCmd.Flags().Int("timeout", 0, "Shared completion deadline in seconds (-1 waits forever)")
	runCmd.Flags().String("status-addr", "", "Serve the status HTTP API on this address during the run, e.g. :8080")

	gpusCmd := &cobra.Command{
		Use:     "gpus",
		Short:   "Detect devices and print the GPU snapshot as JSON",
		Example: "  trainctl gpus",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return fnGPUs(cfg)
		},
	}

	summaryCmd := &cobra.Command{
		Use:     "summary <session-dir>",
		Short:   "Summarize an existing session directory as JSON",
		Example: "  trainctl summary output/parallel_ml_20260830_120000",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return fnSummary(cfg, args[0])
		},
	}

	root.AddCommand(runCmd, gpusCmd, summaryCmd)
	return root
}

// MainWithArgs is a testable variant of Main that accepts args explicitly.
// It returns an exit code (0 for success, non-zero on error).
func MainWithArgs(args []string) int {
	cfg := &config.Config{}
	*cfg = config.Normalize(*cfg)
	root := buildRootCmd(cfg)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	return 0
}

// Main returns an exit code (0 for success, non-zero on error) for use by cmd/trainctl.
func Main() int { return MainWithArgs(os.Args[1:]) }

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
