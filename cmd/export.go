package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/docverify/internal/export"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write review workbooks",
}

var exportAuditCmd = &cobra.Command{
	Use:   "audit-queue",
	Short: "Write the review queue to an xlsx workbook for offline review",
	Long:  "Writes the queue with empty Decision, Corrected Value and Note columns. Fill them in and apply the workbook with 'docverify verify --from-xlsx'.",
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
		out, _ := cmd.Flags().GetString("out")
		if err := export.AuditQueueXLSX(items, out); err != nil {
			return err
		}
		zap.L().Info("audit queue exported", zap.String("path", out), zap.Int("items", len(items)))
		return nil
	},
}

func init() {
	addCallerFlags(exportAuditCmd)
	exportAuditCmd.Flags().String("document", "", "restrict the queue to one document")
	exportAuditCmd.Flags().Int("limit", 500, "maximum items to export")
	exportAuditCmd.Flags().String("out", "audit-queue.xlsx", "output workbook path")

	exportCmd.AddCommand(exportAuditCmd)
	rootCmd.AddCommand(exportCmd)
}
