package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/docverify/internal/model"
	"github.com/sells-group/docverify/internal/registry"
	"github.com/sells-group/docverify/pkg/notion"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Manage the extraction template registry",
}

var templatesSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Load templates from Notion or the fixture file into the store",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("sync"); err != nil {
			return err
		}

		var (
			templates []model.Template
			err       error
			source    string
		)
		if cfg.Registry.NotionToken != "" && cfg.Registry.TemplateDB != "" {
			source = "notion"
			client := notion.NewClient(cfg.Registry.NotionToken)
			templates, err = registry.LoadTemplatesFromNotion(ctx, client, cfg.Registry.TemplateDB)
		} else {
			source = cfg.Registry.FixturePath
			templates, err = registry.LoadTemplatesFromFile(cfg.Registry.FixturePath)
		}
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := registry.Sync(ctx, st, templates)
		if err != nil {
			return err
		}
		zap.L().Info("templates synced", zap.String("source", source), zap.Int("count", n))
		return nil
	},
}

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active templates",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		templates, err := st.ListTemplates(ctx)
		if err != nil {
			return err
		}
		if len(templates) == 0 {
			fmt.Fprintln(os.Stderr, "No templates found.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ID\tNAME\tFIELDS")
		for _, t := range templates {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%d\n", t.ID, t.Name, len(t.Fields))
		}
		_ = w.Flush()
		return nil
	},
}

func init() {
	templatesCmd.AddCommand(templatesSyncCmd, templatesListCmd)
	rootCmd.AddCommand(templatesCmd)
}
