package registry

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docverify/internal/model"
)

// TemplateWriter is the store surface Sync needs.
type TemplateWriter interface {
	UpsertTemplate(ctx context.Context, t *model.Template) error
}

// Sync upserts templates into the store and returns how many were written.
func Sync(ctx context.Context, st TemplateWriter, templates []model.Template) (int, error) {
	n := 0
	for i := range templates {
		t := templates[i]
		if err := validate(&t); err != nil {
			return n, err
		}
		if err := st.UpsertTemplate(ctx, &t); err != nil {
			return n, eris.Wrapf(err, "registry: sync template %s", t.ID)
		}
		n++
	}
	zap.L().Info("registry: templates synced", zap.Int("count", n))
	return n, nil
}

// validate normalizes t in place and rejects templates that cannot be
// matched against: no id, no fields, duplicate or untyped fields.
func validate(t *model.Template) error {
	t.ID = strings.TrimSpace(t.ID)
	t.Name = strings.TrimSpace(t.Name)
	t.Status = strings.ToLower(strings.TrimSpace(t.Status))
	if t.Status == "" {
		t.Status = "active"
	}
	if t.ID == "" {
		return eris.New("registry: template id is required")
	}
	if t.Name == "" {
		t.Name = t.ID
	}
	if len(t.Fields) == 0 {
		return eris.Errorf("registry: template %s has no fields", t.ID)
	}
	seen := make(map[string]bool, len(t.Fields))
	for _, f := range t.Fields {
		if f.Name == "" {
			return eris.Errorf("registry: template %s has an unnamed field", t.ID)
		}
		if seen[f.Name] {
			return eris.Errorf("registry: template %s repeats field %s", t.ID, f.Name)
		}
		seen[f.Name] = true
		if !f.Type.Valid() {
			return eris.Errorf("registry: template %s field %s has unknown type %q", t.ID, f.Name, f.Type)
		}
	}
	return nil
}
