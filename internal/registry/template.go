// Package registry loads the template catalog from Notion or a YAML fixture
// and syncs it into the store.
package registry

import (
	"context"
	"strings"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docverify/internal/model"
	"github.com/sells-group/docverify/pkg/notion"
)

// LoadTemplatesFromNotion reads every Active page of the template database.
//
// Page properties:
//
//	Name         title      template name
//	ID           rich text  template id (defaults to the page id)
//	Fields       rich text  comma list of name or name:type
//	Aliases      rich text  semicolon list of field=alias|alias
//	Description  rich text  semicolon list of field=description
//	Status       status     Active pages are loaded
func LoadTemplatesFromNotion(ctx context.Context, client notion.Client, dbID string) ([]model.Template, error) {
	pages, err := notion.QueryByStatus(ctx, client, dbID, "Active")
	if err != nil {
		return nil, eris.Wrap(err, "registry: load templates")
	}

	var out []model.Template
	for _, p := range pages {
		t, err := parseTemplatePage(p)
		if err != nil {
			zap.L().Warn("registry: skipping malformed template page",
				zap.String("page_id", string(p.ID)),
				zap.Error(err),
			)
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func parseTemplatePage(p notionapi.Page) (model.Template, error) {
	t := model.Template{ID: string(p.ID), Status: "active"}

	if prop, ok := p.Properties["Name"].(*notionapi.TitleProperty); ok {
		t.Name = strings.TrimSpace(plainText(prop.Title))
	}
	if id := richText(p, "ID"); id != "" {
		t.ID = id
	}
	if t.Name == "" {
		return t, eris.New("missing Name property")
	}

	fields, err := parseFieldList(richText(p, "Fields"))
	if err != nil {
		return t, err
	}
	aliases := parseAssignments(richText(p, "Aliases"))
	descriptions := parseAssignments(richText(p, "Description"))
	for i := range fields {
		if a, ok := aliases[fields[i].Name]; ok {
			for _, alias := range strings.Split(a, "|") {
				if alias = strings.TrimSpace(alias); alias != "" {
					fields[i].Aliases = append(fields[i].Aliases, alias)
				}
			}
		}
		fields[i].Description = descriptions[fields[i].Name]
	}
	t.Fields = fields
	return t, validate(&t)
}

// parseFieldList parses "vendor, amount:number, issued:date".
func parseFieldList(s string) ([]model.TemplateField, error) {
	var out []model.TemplateField
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, typ, found := strings.Cut(part, ":")
		f := model.TemplateField{Name: strings.TrimSpace(name), Type: model.FieldTypeText}
		if found {
			f.Type = model.FieldType(strings.ToLower(strings.TrimSpace(typ)))
		}
		if !f.Type.Valid() {
			return nil, eris.Errorf("field %q has unknown type %q", f.Name, f.Type)
		}
		out = append(out, f)
	}
	return out, nil
}

// parseAssignments parses "amount=total|sum; vendor=supplier".
func parseAssignments(s string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ';' || r == '\n' }) {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

func richText(p notionapi.Page, name string) string {
	if prop, ok := p.Properties[name].(*notionapi.RichTextProperty); ok {
		return strings.TrimSpace(plainText(prop.RichText))
	}
	return ""
}

func plainText(rts []notionapi.RichText) string {
	var b strings.Builder
	for _, rt := range rts {
		b.WriteString(rt.PlainText)
	}
	return b.String()
}
