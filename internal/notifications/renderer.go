package notifications

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/bissquit/agentic-notifier/internal/domain"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

const (
	subjectTemplate = "subject"
	bodyTemplate    = "body"
)

// Renderer renders notification intents from templates. Each template file
// defines a "subject" and a "body" template; the file name without the .tmpl
// extension is the template id referenced by routing rules.
type Renderer struct {
	templates map[string]*template.Template
	funcMap   template.FuncMap
}

// renderData is the value templates are executed against. Payload keys are
// bound explicitly as .Payload.<key>; a missing key fails rendering.
type renderData struct {
	EventID       string
	Subject       string
	Recipient     string
	OccurredAt    time.Time
	HasOccurredAt bool
	Payload       domain.Payload
}

// NewRenderer loads the built-in templates, then the *.tmpl files of dir if
// dir is not empty. Files in dir override built-ins with the same id.
func NewRenderer(dir string) (*Renderer, error) {
	r := &Renderer{
		templates: make(map[string]*template.Template),
		funcMap: template.FuncMap{
			"title":      titleCase,
			"upper":      strings.ToUpper,
			"lower":      strings.ToLower,
			"formatTime": formatTime,
			"keys":       payloadKeys,
		},
	}

	if err := r.load(templatesFS, "templates"); err != nil {
		return nil, err
	}

	if dir != "" {
		if err := r.load(os.DirFS(dir), "."); err != nil {
			return nil, err
		}
		slog.Info("notification templates loaded", "dir", dir, "count", len(r.templates))
	}

	return r, nil
}

func (r *Renderer) load(fsys fs.FS, root string) error {
	files, err := fs.Glob(fsys, path.Join(root, "*.tmpl"))
	if err != nil {
		return fmt.Errorf("list templates: %w", err)
	}

	for _, file := range files {
		content, err := fs.ReadFile(fsys, file)
		if err != nil {
			return fmt.Errorf("read template %s: %w", file, err)
		}

		id := strings.TrimSuffix(path.Base(file), ".tmpl")
		tmpl, err := template.New(id).
			Funcs(r.funcMap).
			Option("missingkey=error").
			Parse(string(content))
		if err != nil {
			return fmt.Errorf("parse template %s: %w", id, err)
		}

		if tmpl.Lookup(subjectTemplate) == nil || tmpl.Lookup(bodyTemplate) == nil {
			return fmt.Errorf("template %s must define %q and %q", id, subjectTemplate, bodyTemplate)
		}

		r.templates[id] = tmpl
	}

	return nil
}

// HasTemplate reports whether a template with the given id is loaded.
func (r *Renderer) HasTemplate(id string) bool {
	_, ok := r.templates[id]
	return ok
}

// IDs returns the loaded template ids in sorted order.
func (r *Renderer) IDs() []string {
	ids := make([]string, 0, len(r.templates))
	for id := range r.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Render renders the intent into a message addressed to its recipient.
// Errors wrap ErrTemplateNotFound or ErrRenderFailed and are permanent.
func (r *Renderer) Render(intent domain.NotificationIntent) (Message, error) {
	tmpl, ok := r.templates[intent.TemplateID]
	if !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, intent.TemplateID)
	}

	data := renderData{
		EventID:       intent.EventID,
		Subject:       intent.Subject,
		Recipient:     intent.Recipient,
		OccurredAt:    intent.OccurredAt,
		HasOccurredAt: !intent.OccurredAt.IsZero(),
		Payload:       intent.RenderedPayload,
	}
	if data.Payload == nil {
		data.Payload = domain.Payload{}
	}

	subject, err := execute(tmpl, subjectTemplate, data)
	if err != nil {
		return Message{}, err
	}
	body, err := execute(tmpl, bodyTemplate, data)
	if err != nil {
		return Message{}, err
	}

	return Message{
		To:      intent.Recipient,
		Subject: strings.TrimSpace(subject),
		Body:    strings.TrimSpace(body),
	}, nil
}

func execute(tmpl *template.Template, name string, data renderData) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		var execErr template.ExecError
		if errors.As(err, &execErr) {
			err = execErr.Err
		}
		return "", fmt.Errorf("%w: %s/%s: %v", ErrRenderFailed, tmpl.Name(), name, err)
	}
	return buf.String(), nil
}

// Template functions

var titleCaser = cases.Title(language.English)

func titleCase(s string) string {
	return titleCaser.String(s)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("Jan 2, 2006 15:04 UTC")
}

func payloadKeys(p domain.Payload) []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
