package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docverify/internal/answer"
	"github.com/sells-group/docverify/internal/audit"
	"github.com/sells-group/docverify/internal/model"
	"github.com/sells-group/docverify/internal/threshold"
	"github.com/sells-group/docverify/internal/verify"
)

// parseFilters parses repeated field:op:value flags. The value is read as
// JSON when it parses, so numbers and lists keep their types; otherwise it
// is a plain string. exists takes no value.
func parseFilters(raw []string) ([]model.Predicate, error) {
	preds := make([]model.Predicate, 0, len(raw))
	for _, r := range raw {
		parts := strings.SplitN(r, ":", 3)
		if len(parts) < 2 || parts[0] == "" {
			return nil, eris.Errorf("filter %q: want field:op:value", r)
		}
		p := model.Predicate{Field: parts[0], Op: model.PredicateOp(parts[1])}
		if len(parts) == 3 {
			var v any
			if err := json.Unmarshal([]byte(parts[2]), &v); err != nil {
				v = parts[2]
			}
			p.Value = v
		}
		preds = append(preds, p)
	}
	return preds, nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatAuditQueue(out io.Writer, items []audit.Item) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FIELD_ID\tDOCUMENT\tFIELD\tTYPE\tVALUE\tCONFIDENCE\tTIER")
	_, _ = fmt.Fprintln(w, "--------\t--------\t-----\t----\t-----\t----------\t----")
	for _, it := range items {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.3f\t%s\n",
			it.FieldID, it.DocumentName, it.FieldName, it.FieldType,
			truncate(fmt.Sprint(it.Value), 40), it.Confidence, it.Tier)
	}
	_ = w.Flush()
}

func formatThresholds(out io.Writer, rs []threshold.Resolution) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "KEY\tVALUE\tSCOPE")
	for _, r := range rs {
		_, _ = fmt.Fprintf(w, "%s\t%.2f\t%s\n", r.Key, r.Value, r.Scope)
	}
	_ = w.Flush()
}

func formatOutcome(out io.Writer, o *answer.Outcome) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Field:\t%s (%s)\n", o.Field.ID, o.Field.Name)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", o.Field.Status)
	_, _ = fmt.Fprintf(w, "Version:\t%d\n", o.Field.Version)
	if o.NoOp {
		_, _ = fmt.Fprintln(w, "No-op:\ttrue")
	}
	formatRegenerated(w, o.Regenerated, o.AnswerRegenerationFailed)
	_ = w.Flush()
}

func formatBatch(out io.Writer, b *answer.BatchOutcome) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "#\tFIELD_ID\tRESULT")
	for _, it := range b.Items {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\n", it.Index, it.FieldID, itemSummary(it))
	}
	formatRegenerated(w, b.Regenerated, b.AnswerRegenerationFailed)
	_ = w.Flush()
}

func itemSummary(it verify.ItemResult) string {
	switch {
	case it.Err != nil:
		return "error: " + it.Err.Error()
	case it.Result.NoOp:
		return "unchanged"
	default:
		return string(it.Result.Field.Status)
	}
}

func formatRegenerated(w io.Writer, regen []answer.Regenerated, failed bool) {
	_, _ = fmt.Fprintf(w, "Regenerated answers:\t%d\n", len(regen))
	for _, r := range regen {
		if r.Answer != nil {
			_, _ = fmt.Fprintf(w, "  %s -> %s\t%s\n", short(r.PreviousQueryID), short(r.Answer.QueryID), truncate(r.Answer.Text, 60))
		} else {
			_, _ = fmt.Fprintf(w, "  %s\tfailed: %s\n", short(r.PreviousQueryID), r.Error)
		}
	}
	if failed {
		_, _ = fmt.Fprintln(w, "Answer regeneration failed:\ttrue")
	}
}

func formatAnswer(out io.Writer, a *model.Answer) {
	_, _ = fmt.Fprintln(out, a.Text)
	_, _ = fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Query:\t%s\n", a.QueryID)
	_, _ = fmt.Fprintf(w, "Kind:\t%s\n", a.Kind)
	_, _ = fmt.Fprintf(w, "Documents:\t%d\n", len(a.DocumentIDs))
	_, _ = fmt.Fprintf(w, "Cached:\t%t\n", a.CacheHit)
	_ = w.Flush()
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
