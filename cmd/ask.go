package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sells-group/docverify/internal/answer"
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer a question over the matching documents",
	Long: `Answers a natural-language question. Aggregate questions are computed
exactly over every document matching the filters; other questions are
answered from the documents the generator cites.

Filters take the form field:op:value, e.g. --filter vendor:eq:Acme
--filter amount:gt:100.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		raw, _ := cmd.Flags().GetStringArray("filter")
		filters, err := parseFilters(raw)
		if err != nil {
			return err
		}

		env, err := initApp(ctx, "ask", true)
		if err != nil {
			return err
		}
		defer env.Close()

		ans, err := env.Answers.Ask(ctx, answer.AskRequest{
			Question: strings.Join(args, " "),
			Filters:  filters,
		})
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(os.Stdout, ans)
		}
		formatAnswer(os.Stdout, ans)
		return nil
	},
}

func init() {
	askCmd.Flags().StringArray("filter", nil, "document filter field:op:value (repeatable)")
	askCmd.Flags().Bool("json", false, "print the answer as JSON")
	rootCmd.AddCommand(askCmd)
}
