package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/docverify/internal/audit"
	"github.com/sells-group/docverify/internal/threshold"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the review queue",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List fields awaiting review, lowest confidence first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initApp(ctx, "cli", false)
		if err != nil {
			return err
		}
		defer env.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		items, err := env.Audit.List(ctx, callerFlags(cmd), auditScope(cmd), limit)
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(os.Stdout, items)
		}
		if len(items) == 0 {
			fmt.Fprintln(os.Stderr, "No fields awaiting review.")
			return nil
		}
		formatAuditQueue(os.Stdout, items)
		return nil
	},
}

var auditNextCmd = &cobra.Command{
	Use:   "next",
	Short: "Show the next field to review",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initApp(ctx, "cli", false)
		if err != nil {
			return err
		}
		defer env.Close()

		after, _ := cmd.Flags().GetString("after")
		item, err := env.Audit.Next(ctx, callerFlags(cmd), auditScope(cmd), after)
		if err != nil {
			return err
		}
		if item == nil {
			fmt.Fprintln(os.Stderr, "No fields awaiting review.")
			return nil
		}
		return writeJSON(os.Stdout, item)
	},
}

func callerFlags(cmd *cobra.Command) threshold.RequestContext {
	var rc threshold.RequestContext
	rc.UserID, _ = cmd.Flags().GetString("user")
	rc.OrgID, _ = cmd.Flags().GetString("org")
	return rc
}

func auditScope(cmd *cobra.Command) audit.Scope {
	doc, _ := cmd.Flags().GetString("document")
	return audit.Scope{DocumentID: doc}
}

func addCallerFlags(c *cobra.Command) {
	c.Flags().String("user", "", "user id whose threshold overrides apply")
	c.Flags().String("org", "", "organization id whose threshold overrides apply")
}

func init() {
	for _, c := range []*cobra.Command{auditListCmd, auditNextCmd} {
		addCallerFlags(c)
		c.Flags().String("document", "", "restrict the queue to one document")
	}
	auditListCmd.Flags().Int("limit", 50, "maximum items to list")
	auditListCmd.Flags().Bool("json", false, "print JSON instead of a table")
	auditNextCmd.Flags().String("after", "", "return the item after this field id")

	auditCmd.AddCommand(auditListCmd, auditNextCmd)
	rootCmd.AddCommand(auditCmd)
}
