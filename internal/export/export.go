// Package export writes the audit queue and aggregation results to Excel
// workbooks for offline review, and reads reviewed queues back as
// verification decisions.
package export

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/docverify/internal/audit"
	"github.com/sells-group/docverify/internal/model"
	"github.com/sells-group/docverify/internal/verify"
)

const (
	auditSheet     = "Audit Queue"
	aggregateSheet = "Aggregate"
	groupsSheet    = "Groups"
	bucketsSheet   = "Histogram"
)

// auditColumns are the audit sheet headers. Reviewers fill in the last three.
var auditColumns = []string{
	"Field ID", "Document ID", "Document", "Field", "Type", "Value",
	"Confidence", "Tier", "Version", "Decision", "Corrected Value", "Note",
}

const (
	colFieldID = iota
	colDocumentID
	colDocument
	colField
	colType
	colValue
	colConfidence
	colTier
	colVersion
	colDecision
	colCorrected
	colNote
)

// AuditQueueXLSX writes items to path, one row per field.
func AuditQueueXLSX(items []audit.Item, path string) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(auditSheet)
	if err != nil {
		return eris.Wrap(err, "export: add audit sheet")
	}
	addRow(sheet, auditColumns...)
	for _, it := range items {
		row := sheet.AddRow()
		for _, s := range []string{it.FieldID, it.DocumentID, it.DocumentName, it.FieldName, string(it.FieldType), display(it.Value)} {
			row.AddCell().SetString(s)
		}
		row.AddCell().SetFloat(it.Confidence)
		row.AddCell().SetString(string(it.Tier))
		row.AddCell().SetInt64(it.Version)
		for range 3 {
			row.AddCell().SetString("")
		}
	}
	return save(f, path)
}

// AggregateXLSX writes an aggregation result: a summary sheet, plus group
// or histogram sheets when present.
func AggregateXLSX(spec model.AggregateSpec, res *model.AggregateResult, path string) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(aggregateSheet)
	if err != nil {
		return eris.Wrap(err, "export: add aggregate sheet")
	}
	addRow(sheet, "Operation", string(spec.Op))
	addRow(sheet, "Field", spec.Field)
	if spec.GroupBy != "" {
		addRow(sheet, "Group By", spec.GroupBy)
	}
	if len(spec.Filters) > 0 {
		filters, err := json.Marshal(spec.Filters)
		if err != nil {
			return eris.Wrap(err, "export: marshal filters")
		}
		addRow(sheet, "Filters", string(filters))
	}
	valueRow := sheet.AddRow()
	valueRow.AddCell().SetString("Value")
	if res.Value != nil {
		valueRow.AddCell().SetFloat(*res.Value)
	} else {
		valueRow.AddCell().SetString("")
	}
	for _, kv := range []struct {
		k string
		v int
	}{{"Count", res.Count}, {"Excluded", res.Excluded}, {"Matched Documents", res.Matched}} {
		row := sheet.AddRow()
		row.AddCell().SetString(kv.k)
		row.AddCell().SetInt(kv.v)
	}

	if len(res.Groups) > 0 {
		gs, err := f.AddSheet(groupsSheet)
		if err != nil {
			return eris.Wrap(err, "export: add groups sheet")
		}
		addRow(gs, "Key", "Value", "Count")
		for _, g := range res.Groups {
			row := gs.AddRow()
			row.AddCell().SetString(g.Key)
			if g.Value != nil {
				row.AddCell().SetFloat(*g.Value)
			} else {
				row.AddCell().SetString("")
			}
			row.AddCell().SetInt(g.Count)
		}
	}
	if len(res.Buckets) > 0 {
		bs, err := f.AddSheet(bucketsSheet)
		if err != nil {
			return eris.Wrap(err, "export: add histogram sheet")
		}
		addRow(bs, "Lower", "Upper", "Count")
		for _, b := range res.Buckets {
			row := bs.AddRow()
			row.AddCell().SetFloat(b.Lower)
			row.AddCell().SetFloat(b.Upper)
			row.AddCell().SetInt(b.Count)
		}
	}
	return save(f, path)
}

// ReadDecisions reads a reviewed audit workbook. Rows without a decision
// are skipped. Corrected values are parsed according to the field type
// column.
func ReadDecisions(path string) ([]verify.Request, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "export: open workbook")
	}
	sheet, ok := f.Sheet[auditSheet]
	if !ok {
		return nil, eris.Errorf("export: sheet %q not found", auditSheet)
	}

	var out []verify.Request
	for i, row := range sheet.Rows {
		if i == 0 {
			continue
		}
		cells := cellStrings(row, len(auditColumns))
		decision := model.Decision(strings.ToLower(strings.TrimSpace(cells[colDecision])))
		if decision == "" || cells[colFieldID] == "" {
			continue
		}
		if _, ok := decision.Status(); !ok {
			return nil, eris.Errorf("export: row %d: unknown decision %q", i+1, decision)
		}
		req := verify.Request{
			FieldID:  cells[colFieldID],
			Decision: decision,
			Note:     strings.TrimSpace(cells[colNote]),
		}
		if v, err := strconv.ParseInt(cells[colVersion], 10, 64); err == nil {
			req.ExpectedVersion = &v
		}
		if decision == model.DecisionCorrected {
			v, err := parseValue(model.FieldType(cells[colType]), cells[colCorrected])
			if err != nil {
				return nil, eris.Wrapf(err, "export: row %d", i+1)
			}
			req.CorrectedValue = v
		}
		out = append(out, req)
	}
	return out, nil
}

func parseValue(t model.FieldType, s string) (any, error) {
	s = strings.TrimSpace(s)
	switch t {
	case model.FieldTypeNumber:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, eris.Errorf("corrected value %q is not a number", s)
		}
		return v, nil
	case model.FieldTypeBoolean:
		v, err := strconv.ParseBool(s)
		if err != nil {
			return nil, eris.Errorf("corrected value %q is not a boolean", s)
		}
		return v, nil
	case model.FieldTypeArray, model.FieldTypeTable, model.FieldTypeArrayOfObjects:
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, eris.Wrapf(err, "corrected value for %s is not JSON", t)
		}
		return v, nil
	default:
		return s, nil
	}
}

// display renders a field value for a single cell.
func display(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func addRow(sheet *xlsx.Sheet, cells ...string) {
	row := sheet.AddRow()
	for _, c := range cells {
		row.AddCell().SetString(c)
	}
}

func cellStrings(row *xlsx.Row, n int) []string {
	out := make([]string, n)
	for j, cell := range row.Cells {
		if j >= n {
			break
		}
		out[j] = strings.TrimSpace(cell.String())
	}
	return out
}

func save(f *xlsx.File, path string) error {
	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "export: save %s", path)
	}
	return nil
}
