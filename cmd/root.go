package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/docverify/internal/config"
)

var cfg *config.Config

var (
	logLevelFlag  string
	logFormatFlag string
)

var rootCmd = &cobra.Command{
	Use:   "docverify",
	Short: "Confidence-driven verification and exact aggregation over extracted documents",
	Long: `docverify keeps a store of extracted document fields honest.

Fields below their confidence threshold land in the audit queue for a
reviewer. Questions are answered with exact aggregates over every matching
document, and a correction regenerates every answer that read the field.

Configuration comes from ./config.yaml and DOCVERIFY_* environment
variables (for example DOCVERIFY_STORE_DRIVER=postgres).`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if !needsConfig(cmd) {
			return nil
		}
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		applyLogOverrides(cmd, &c.Log)
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}
		zap.L().Debug("docverify: config resolved",
			zap.String("command", cmd.CommandPath()),
			zap.String("store", cfg.Store.Driver),
			zap.String("cache", cfg.Cache.Backend),
			zap.Bool("generator", cfg.Generator.AnthropicKey != ""),
		)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "override log.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormatFlag, "log-format", "", "override log.format (json or console)")
}

// needsConfig reports whether cmd touches the store. Help and shell
// completion run without a config file or database.
func needsConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "help", "completion", cobra.ShellCompRequestCmd, cobra.ShellCompNoDescRequestCmd:
			return false
		}
	}
	return true
}

// applyLogOverrides lets --log-level and --log-format win over file and env.
func applyLogOverrides(cmd *cobra.Command, lc *config.LogConfig) {
	flags := cmd.Flags()
	if f := flags.Lookup("log-level"); f != nil && f.Changed {
		lc.Level = f.Value.String()
	}
	if f := flags.Lookup("log-format"); f != nil && f.Changed {
		lc.Format = f.Value.String()
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
