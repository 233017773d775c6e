package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/docverify/internal/aggregate"
	"github.com/sells-group/docverify/internal/answer"
	"github.com/sells-group/docverify/internal/export"
	"github.com/sells-group/docverify/internal/model"
)

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Compute an exact aggregate over every matching document",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		spec, err := specFromFlags(cmd)
		if err != nil {
			return err
		}
		if err := aggregate.ValidateSpec(spec); err != nil {
			return err
		}

		env, err := initApp(ctx, "cli", false)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Aggregator.Aggregate(ctx, spec)
		if err != nil {
			return err
		}

		if path, _ := cmd.Flags().GetString("xlsx"); path != "" {
			if err := export.AggregateXLSX(spec, res, path); err != nil {
				return err
			}
			zap.L().Info("aggregate workbook written", zap.String("path", path))
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(os.Stdout, res)
		}
		formatAggregate(spec, res)
		return nil
	},
}

func specFromFlags(cmd *cobra.Command) (model.AggregateSpec, error) {
	op, _ := cmd.Flags().GetString("op")
	field, _ := cmd.Flags().GetString("field")
	groupBy, _ := cmd.Flags().GetString("group-by")
	groupOp, _ := cmd.Flags().GetString("group-op")
	pct, _ := cmd.Flags().GetFloat64("percentile")
	raw, _ := cmd.Flags().GetStringArray("filter")

	filters, err := parseFilters(raw)
	if err != nil {
		return model.AggregateSpec{}, err
	}
	spec := model.AggregateSpec{
		Filters:    filters,
		Field:      field,
		Op:         model.Operation(op),
		Percentile: pct,
		GroupBy:    groupBy,
		GroupOp:    model.Operation(groupOp),
	}
	if spec.Op == model.AggHistogram {
		buckets, _ := cmd.Flags().GetInt("buckets")
		lo, _ := cmd.Flags().GetFloat64("min")
		hi, _ := cmd.Flags().GetFloat64("max")
		edges, _ := cmd.Flags().GetFloat64Slice("edges")
		spec.Histogram = &model.HistogramSpec{Min: lo, Max: hi, Buckets: buckets, Edges: edges}
	}
	return spec, nil
}

func formatAggregate(spec model.AggregateSpec, res *model.AggregateResult) {
	fmt.Println(answer.Describe(spec, res))
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Matched documents:\t%d\n", res.Matched)
	_, _ = fmt.Fprintf(w, "Values:\t%d\n", res.Count)
	_, _ = fmt.Fprintf(w, "Excluded:\t%d\n", res.Excluded)
	for _, g := range res.Groups {
		_, _ = fmt.Fprintf(w, "  %s\t%s\t(%d)\n", g.Key, optional(g.Value), g.Count)
	}
	for _, b := range res.Buckets {
		_, _ = fmt.Fprintf(w, "  [%g, %g)\t%d\n", b.Lower, b.Upper, b.Count)
	}
	_ = w.Flush()
}

func optional(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%g", *v)
}

func init() {
	f := aggregateCmd.Flags()
	f.String("op", "", "sum, avg, count, min, max, percentile, histogram or group_by")
	f.String("field", "", "field to aggregate")
	f.String("group-by", "", "dimension field for group_by")
	f.String("group-op", "", "per-group operation for group_by")
	f.Float64("percentile", 0, "percentile in [0, 100]")
	f.Int("buckets", 0, "histogram bucket count")
	f.Float64("min", 0, "histogram lower bound")
	f.Float64("max", 0, "histogram upper bound")
	f.Float64Slice("edges", nil, "explicit histogram edges")
	f.StringArray("filter", nil, "document filter field:op:value (repeatable)")
	f.String("xlsx", "", "also write the result to this workbook")
	f.Bool("json", false, "print the result as JSON")
	_ = aggregateCmd.MarkFlagRequired("op")
	rootCmd.AddCommand(aggregateCmd)
}
