package registry

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/docverify/internal/model"
)

type templateFile struct {
	Templates []model.Template `yaml:"templates"`
}

// LoadTemplatesFromFile reads a YAML template catalog:
//
//	templates:
//	  - id: invoice
//	    name: Invoice
//	    fields:
//	      - {name: amount, type: number, aliases: [total]}
func LoadTemplatesFromFile(path string) ([]model.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: read templates fixture")
	}

	var f templateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "registry: unmarshal templates fixture")
	}
	for i := range f.Templates {
		t := &f.Templates[i]
		for j := range t.Fields {
			if t.Fields[j].Type == "" {
				t.Fields[j].Type = model.FieldTypeText
			}
		}
		if err := validate(t); err != nil {
			return nil, eris.Wrapf(err, "registry: template %d", i)
		}
	}
	return f.Templates, nil
}
