package main

import (
	"os"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/docverify/internal/threshold"
)

var thresholdsCmd = &cobra.Command{
	Use:   "thresholds",
	Short: "Inspect and override confidence thresholds",
}

var thresholdsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved thresholds and the scope that supplied each",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initApp(ctx, "cli", false)
		if err != nil {
			return err
		}
		defer env.Close()

		rs, err := env.Resolver.Explain(ctx, callerFlags(cmd))
		if err != nil {
			return err
		}
		formatThresholds(os.Stdout, rs)
		return nil
	},
}

var thresholdsSetCmd = &cobra.Command{
	Use:   "set <user|organization> <scope-id> <key> <value>",
	Short: "Store a user or organization override",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := strconv.ParseFloat(args[3], 64)
		if err != nil {
			return eris.Wrapf(err, "thresholds: parse value %q", args[3])
		}

		ctx := cmd.Context()
		env, err := initApp(ctx, "cli", false)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Resolver.Set(ctx, threshold.Scope(args[0]), args[1], args[2], value); err != nil {
			return err
		}
		zap.L().Info("threshold override stored",
			zap.String("scope", args[0]),
			zap.String("scope_id", args[1]),
			zap.String("key", args[2]),
			zap.Float64("value", value),
		)
		return nil
	},
}

func init() {
	addCallerFlags(thresholdsShowCmd)
	thresholdsCmd.AddCommand(thresholdsShowCmd, thresholdsSetCmd)
	rootCmd.AddCommand(thresholdsCmd)
}
