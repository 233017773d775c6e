package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/docverify/internal/ingest"
	"github.com/sells-group/docverify/internal/threshold"
)

var importCmd = &cobra.Command{
	Use:   "import <file.json>",
	Short: "Ingest parsed documents from a JSON file",
	Long:  "Reads a JSON array of parsed documents (or an object with a \"documents\" array), clusters them, matches templates and persists their fields.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		docs, err := readParsedDocuments(args[0])
		if err != nil {
			return err
		}

		env, err := initApp(ctx, "cli", false)
		if err != nil {
			return err
		}
		defer env.Close()

		rc := threshold.RequestContext{}
		rc.UserID, _ = cmd.Flags().GetString("user")
		rc.OrgID, _ = cmd.Flags().GetString("org")

		res, err := env.Ingester.Ingest(ctx, rc, docs)
		if err != nil {
			return eris.Wrap(err, "import")
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "DOCUMENT\tSTATUS\tTEMPLATE\tNEEDS_REVIEW")
		for _, d := range res.Documents {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", d.DocumentID, d.Status, d.TemplateID, d.NeedsReview)
		}
		_ = w.Flush()

		zap.L().Info("import complete",
			zap.Int("documents", len(res.Documents)),
			zap.Int("groups", len(res.Groups)),
		)
		return nil
	},
}

func readParsedDocuments(path string) ([]ingest.ParsedDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "import: read file")
	}
	var docs []ingest.ParsedDocument
	if err := json.Unmarshal(data, &docs); err == nil {
		return docs, nil
	}
	var wrapped struct {
		Documents []ingest.ParsedDocument `json:"documents"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, eris.Wrap(err, "import: parse file")
	}
	return wrapped.Documents, nil
}

func init() {
	importCmd.Flags().String("user", "", "user id whose thresholds classify the batch")
	importCmd.Flags().String("org", "", "organization id whose thresholds classify the batch")
	rootCmd.AddCommand(importCmd)
}
