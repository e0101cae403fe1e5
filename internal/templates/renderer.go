// Package templates renders outbound header values from operator-supplied
// text/template sources with the sprig helper set.
package templates

import (
	"errors"
	"fmt"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// hostHelpers read the process environment or filesystem.
var hostHelpers = []string{"env", "expandenv", "readDir", "mustReadDir", "readFile", "mustReadFile", "glob"}

// ErrInvalidHeader reports a rendered value that cannot be sent as an HTTP header.
var ErrInvalidHeader = errors.New("templates: rendered value is not a valid header")

// SessionData is what a session header template can reference.
type SessionData struct {
	Token  string
	Domain string
	Path   string
}

// Renderer compiles header templates against sprig minus hostHelpers.
type Renderer struct {
	funcs template.FuncMap
}

// NewRenderer returns a renderer with the sprig text helpers minus hostHelpers.
func NewRenderer() *Renderer {
	funcs := sprig.TxtFuncMap()
	for _, name := range hostHelpers {
		delete(funcs, name)
	}
	return &Renderer{funcs: funcs}
}

// HeaderTemplate is safe for concurrent use.
type HeaderTemplate struct {
	name string
	tmpl *template.Template
}

// CompileHeader parses source. A blank source yields a nil template and no
// error; callers substitute their default.
func (r *Renderer) CompileHeader(name, source string) (*HeaderTemplate, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil
	}
	if name == "" {
		name = "header"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=error").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return &HeaderTemplate{name: name, tmpl: tmpl}, nil
}

// Render executes the template and trims surrounding whitespace. Values that
// contain CR or LF are rejected with ErrInvalidHeader.
func (t *HeaderTemplate) Render(data SessionData) (string, error) {
	if t == nil {
		return "", errors.New("templates: nil template")
	}
	var b strings.Builder
	if err := t.tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("templates: execute %q: %w", t.name, err)
	}
	value := strings.TrimSpace(b.String())
	if strings.ContainsAny(value, "\r\n") {
		return "", fmt.Errorf("%w: %q", ErrInvalidHeader, t.name)
	}
	return value, nil
}

// Name returns the template name, or "" for a nil template.
func (t *HeaderTemplate) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}
