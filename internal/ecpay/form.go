package ecpay

import (
	"html/template"
	"io"
	"sort"
)

// Field is a single hidden input of a gateway form.
type Field struct {
	Name  string
	Value string
}

// Form is an auto-submitting HTML form posted by the customer's browser.
type Form struct {
	ID     string
	Action string
	Fields []Field
}

func newForm(id, action string, params map[string]string) *Form {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]Field, 0, len(names))
	for _, name := range names {
		fields = append(fields, Field{Name: name, Value: params[name]})
	}
	return &Form{ID: id, Action: action, Fields: fields}
}

// Value returns the value of the named field, or "" when absent.
func (f *Form) Value(name string) string {
	for _, field := range f.Fields {
		if field.Name == name {
			return field.Value
		}
	}
	return ""
}

var formTemplate = template.Must(template.New("form").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"></head>
<body>
<form id="{{.ID}}" method="post" action="{{.Action}}">
{{- range .Fields}}
<input type="hidden" name="{{.Name}}" value="{{.Value}}" />
{{- end}}
</form>
<script>document.getElementById("{{.ID}}").submit();</script>
</body>
</html>
`))

// Render writes the form as an HTML document.
func (f *Form) Render(w io.Writer) error {
	return formTemplate.Execute(w, f)
}
