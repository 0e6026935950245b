package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"sentinentx/internal/config"
	"sentinentx/internal/logging"
)

// Version information
const (
	Version   = "0.3.0"
	BuildDate = "2024-06-01"
)

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	return newRootCmd(&App{Config: cfg, Logger: logger})
}

func newRootCmd(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sentinentx",
		Short: "SentinentX - consensus-gated derivatives execution engine",
		Long: `SentinentX trades Bybit linear perpetuals through a decision, gate and
execution pipeline.

Independent providers vote on every cycle. The consensus aggregator vetoes
disagreement, the risk gate blocks entries that fail the liquidation, funding
or correlation guards, and the executor walks a post-only, limit IOC, market
and TWAP ladder. Filled entries get a reduce-only OCO and an optional
take-profit ladder.

Use 'sentinentx <command> --help' for more information about a command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if dir, _ := cmd.Flags().GetString("config"); dir != "" {
				cfg, err := config.Load(dir)
				if err != nil {
					return err
				}
				app.Config = cfg
			}
			if paper, _ := cmd.Flags().GetBool("paper"); paper {
				app.Config.Trading.Mode = "paper"
			}
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return app.Close()
		},
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/sentinentx)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().Bool("paper", false, "simulate orders on live market data")

	addCoreCommands(rootCmd, app)
	addDecisionCommands(rootCmd, app)
	addTradingCommands(rootCmd, app)
	addJournalCommands(rootCmd, app)
	addMonitoringCommands(rootCmd, app)

	return rootCmd
}

// addCoreCommands adds core utility commands.
func addCoreCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("SentinentX v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate the engine configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			dir, _ := cmd.Flags().GetString("config")
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			if output.IsJSON() {
				output.JSON(map[string]string{"path": dir})
			} else {
				output.Println(dir)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				output.JSON(map[string]bool{"valid": true})
			} else {
				output.Success("Configuration is valid")
			}
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Trading")
	output.Printf("  Mode:             %s\n", cfg.Trading.Mode)
	output.Printf("  Ladder:           %s\n", cfg.Trading.Ladder)
	output.Printf("  Symbols:          %v\n", cfg.Trading.Symbols)
	output.Printf("  Cycle interval:   %s\n", cfg.Trading.CycleInterval)
	output.Println()

	output.Bold("Consensus")
	output.Printf("  Providers:        %d configured\n", len(cfg.Agents.Providers))
	output.Printf("  Two stage:        %v\n", cfg.Consensus.TwoStage)
	output.Printf("  Min confidence:   %.0f\n", cfg.Consensus.MinConfidence)
	output.Printf("  Deviation:        %.0f%%\n", cfg.Consensus.DeviationThreshold*100)
	output.Printf("  Leverage bounds:  [%g, %g]\n", cfg.Consensus.LeverageMin, cfg.Consensus.LeverageMax)
	output.Println()

	output.Bold("Risk")
	output.Printf("  Liq buffer K:     %g\n", cfg.Risk.LiqBufferK)
	output.Printf("  Funding window:   %g min, limit %s\n", cfg.Risk.FundingWindowMinutes, FormatBps(cfg.Risk.FundingLimitBps))
	output.Printf("  Corr threshold:   %g\n", cfg.Risk.CorrThreshold)
	output.Println()

	output.Bold("Execution")
	output.Printf("  Slippage cap:     %s\n", FormatBps(cfg.Execution.SlippageCapBps))
	output.Printf("  Fill timeout:     %s\n", cfg.Execution.FillTimeout)
	output.Printf("  TWAP chunk:       %.0f%%\n", cfg.Execution.TWAPChunkFraction*100)
	output.Println()

	output.Bold("Infrastructure")
	output.Printf("  Lock backend:     %s\n", cfg.Lock.Backend)
	output.Printf("  Store:            %s\n", cfg.Store.Path)
	output.Printf("  Metrics:          %s\n", cfg.Metrics.Addr)
	output.Printf("  Webhook alerts:   %v\n", cfg.Alerts.WebhookURL != "")
}
