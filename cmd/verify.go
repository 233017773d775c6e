package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/docverify/internal/answer"
	"github.com/sells-group/docverify/internal/export"
	"github.com/sells-group/docverify/internal/model"
	"github.com/sells-group/docverify/internal/verify"
)

var verifyCmd = &cobra.Command{
	Use:   "verify [field-id]",
	Short: "Record a review decision for a field",
	Long: `Records correct, corrected or not_found for one field, or applies every
decision filled into a reviewed audit-queue workbook with --from-xlsx.
Answers that depended on the changed documents are regenerated when an
Anthropic key is configured.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		fromXLSX, _ := cmd.Flags().GetString("from-xlsx")
		actor, _ := cmd.Flags().GetString("actor")

		var reqs []verify.Request
		switch {
		case fromXLSX != "" && len(args) > 0:
			return eris.New("verify: pass either a field id or --from-xlsx, not both")
		case fromXLSX != "":
			var err error
			if reqs, err = export.ReadDecisions(fromXLSX); err != nil {
				return err
			}
			if len(reqs) == 0 {
				zap.L().Info("no decisions found in workbook", zap.String("path", fromXLSX))
				return nil
			}
		case len(args) == 1:
			req, err := requestFromFlags(cmd, args[0])
			if err != nil {
				return err
			}
			reqs = []verify.Request{req}
		default:
			return eris.New("verify: a field id or --from-xlsx is required")
		}
		for i := range reqs {
			reqs[i].Actor = actor
		}

		withGen := cfg.Generator.AnthropicKey != ""
		mode := "cli"
		if withGen {
			mode = "ask"
		}
		env, err := initApp(ctx, mode, withGen)
		if err != nil {
			return err
		}
		defer env.Close()

		orch := env.Orchestrator
		if orch == nil {
			zap.L().Warn("no generator configured, dependent answers will not be regenerated")
			orch = answer.NewOrchestrator(env.Verifier, nil)
		}

		if len(reqs) == 1 && fromXLSX == "" {
			out, err := orch.Verify(ctx, reqs[0])
			if err != nil {
				return err
			}
			formatOutcome(os.Stdout, out)
			return nil
		}
		out, err := orch.VerifyBatch(ctx, reqs)
		if err != nil {
			return err
		}
		formatBatch(os.Stdout, out)
		return nil
	},
}

func requestFromFlags(cmd *cobra.Command, fieldID string) (verify.Request, error) {
	decision, _ := cmd.Flags().GetString("decision")
	note, _ := cmd.Flags().GetString("note")
	req := verify.Request{
		FieldID:  fieldID,
		Decision: model.Decision(decision),
		Note:     note,
	}
	if cmd.Flags().Changed("value") {
		raw, _ := cmd.Flags().GetString("value")
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		req.CorrectedValue = v
	}
	if cmd.Flags().Changed("expected-version") {
		ver, _ := cmd.Flags().GetInt64("expected-version")
		req.ExpectedVersion = &ver
	}
	return req, nil
}

var resetCmd = &cobra.Command{
	Use:   "reset <field-id>",
	Short: "Return a field to unverified",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initApp(ctx, "cli", false)
		if err != nil {
			return err
		}
		defer env.Close()

		actor, _ := cmd.Flags().GetString("actor")
		out, err := answer.NewOrchestrator(env.Verifier, nil).Reset(ctx, args[0], actor)
		if err != nil {
			return err
		}
		formatOutcome(os.Stdout, out)
		return nil
	},
}

func init() {
	verifyCmd.Flags().String("decision", "", "correct, corrected or not_found")
	verifyCmd.Flags().String("value", "", "corrected value; parsed as JSON when possible")
	verifyCmd.Flags().String("note", "", "reviewer note")
	verifyCmd.Flags().Int64("expected-version", 0, "reject the decision if the field changed since this version")
	verifyCmd.Flags().String("from-xlsx", "", "apply decisions from a reviewed audit-queue workbook")
	verifyCmd.Flags().String("actor", "cli", "reviewer recorded on the verification event")
	resetCmd.Flags().String("actor", "cli", "reviewer recorded on the verification event")
	rootCmd.AddCommand(verifyCmd, resetCmd)
}
