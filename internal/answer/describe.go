package answer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sells-group/docverify/internal/model"
)

// maxDescribedGroups bounds how many groups are spelled out in prose; the
// structured value always carries every group.
const maxDescribedGroups = 10

// Describe renders an aggregation result as a one-paragraph answer.
func Describe(spec model.AggregateSpec, res *model.AggregateResult) string {
	var b strings.Builder
	docs := plural(res.Matched, "document")

	switch spec.Op {
	case model.AggCount:
		if spec.Field == "" {
			fmt.Fprintf(&b, "%d %s match.", res.Count, plural(res.Count, "document"))
		} else {
			fmt.Fprintf(&b, "%d of %d %s have a value for %s.", res.Count, res.Matched, docs, spec.Field)
		}
	case model.AggPercentile:
		fmt.Fprintf(&b, "The %sth percentile of %s across %d %s is %s.",
			num(spec.Percentile), spec.Field, res.Count, plural(res.Count, "value"), value(res.Value))
	case model.AggHistogram:
		fmt.Fprintf(&b, "Distribution of %s across %d %s:", spec.Field, res.Count, plural(res.Count, "value"))
		for _, bk := range res.Buckets {
			fmt.Fprintf(&b, " [%s, %s): %d;", num(bk.Lower), num(bk.Upper), bk.Count)
		}
	case model.AggGroupBy:
		op := spec.GroupOp
		if op == "" {
			op = model.AggCount
		}
		subject := string(op)
		if spec.Field != "" && op != model.AggCount {
			subject += " of " + spec.Field
		}
		fmt.Fprintf(&b, "%s by %s across %d %s:", subject, spec.GroupBy, res.Matched, docs)
		for i, g := range res.Groups {
			if i == maxDescribedGroups {
				fmt.Fprintf(&b, " and %d more.", len(res.Groups)-i)
				break
			}
			fmt.Fprintf(&b, " %s: %s (%d);", g.Key, value(g.Value), g.Count)
		}
	default:
		fmt.Fprintf(&b, "The %s of %s across %d %s is %s.",
			opName(spec.Op), spec.Field, res.Count, plural(res.Count, "value"), value(res.Value))
	}

	if res.Excluded > 0 {
		fmt.Fprintf(&b, " %d %s excluded for missing or non-numeric values.", res.Excluded, plural(res.Excluded, "document was", "documents were"))
	}
	return strings.TrimSuffix(b.String(), ";")
}

func opName(op model.Operation) string {
	switch op {
	case model.AggSum:
		return "total"
	case model.AggAvg:
		return "average"
	case model.AggMin:
		return "minimum"
	case model.AggMax:
		return "maximum"
	}
	return string(op)
}

func value(v *float64) string {
	if v == nil {
		return "undefined (no values)"
	}
	return num(*v)
}

func num(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func plural(n int, forms ...string) string {
	one, many := forms[0], forms[0]+"s"
	if len(forms) > 1 {
		many = forms[1]
	}
	if n == 1 {
		return one
	}
	return many
}
