package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var lineageCmd = &cobra.Command{
	Use:   "lineage",
	Short: "Inspect answer lineage",
}

var lineageShowCmd = &cobra.Command{
	Use:   "show <query-id>",
	Short: "Show an answer record and the documents it was derived from",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initApp(ctx, "cli", false)
		if err != nil {
			return err
		}
		defer env.Close()

		trace, err := env.Lineage.Documents(ctx, args[0])
		if err != nil {
			return err
		}
		return writeJSON(os.Stdout, trace)
	},
}

var lineagePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete expired lineage records",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initApp(ctx, "cli", false)
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Lineage.Purge(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Purged %d expired records.\n", n)
		return nil
	},
}

func init() {
	lineageCmd.AddCommand(lineageShowCmd, lineagePurgeCmd)
	rootCmd.AddCommand(lineageCmd)
}
