package notify

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
	"time"
)

// Template names, also used as metric and log labels.
const (
	TemplateConfirmation = "confirmation"
	TemplateAccepted     = "accepted"
	TemplateRejected     = "rejected"
)

type templateSet struct {
	subject string
	html    *htmltemplate.Template
	text    *texttemplate.Template
}

// Templates renders the contributor emails.
type Templates struct {
	sets map[string]templateSet
}

type templateData struct {
	Link   string
	Reason string
	TTL    string
}

const layoutHTML = `<!doctype html><html><body style="font-family:sans-serif;line-height:1.5">{{template "body" .}}<p style="color:#888;font-size:12px">Loop Library</p></body></html>`

var definitions = map[string]struct {
	subject string
	html    string
	text    string
}{
	TemplateConfirmation: {
		subject: "Confirm your loop submission",
		html:    `{{define "body"}}<p>Thanks for contributing to the Loop Library!</p><p>Please confirm your submission by following the link below. The link expires in {{.TTL}}.</p><p><a href="{{.Link}}">Confirm submission</a></p>{{end}}`,
		text:    "Thanks for contributing to the Loop Library!\n\nPlease confirm your submission by opening the link below. The link expires in {{.TTL}}.\n\n{{.Link}}\n",
	},
	TemplateAccepted: {
		subject: "Your loop has been accepted",
		html:    `{{define "body"}}<p>Good news! Your loop submission has been reviewed and published to the Loop Library.</p><p>Thank you for contributing.</p>{{end}}`,
		text:    "Good news! Your loop submission has been reviewed and published to the Loop Library.\n\nThank you for contributing.\n",
	},
	TemplateRejected: {
		subject: "Your loop submission was not accepted",
		html:    `{{define "body"}}<p>Your loop submission has been reviewed and was not accepted.</p>{{if .Reason}}<p>Reason: {{.Reason}}</p>{{end}}<p>You are welcome to submit again.</p>{{end}}`,
		text:    "Your loop submission has been reviewed and was not accepted.\n{{if .Reason}}\nReason: {{.Reason}}\n{{end}}\nYou are welcome to submit again.\n",
	},
}

// NewTemplates parses the built-in templates.
func NewTemplates() (*Templates, error) {
	sets := make(map[string]templateSet, len(definitions))
	for name, def := range definitions {
		html, err := htmltemplate.New(name).Parse(layoutHTML)
		if err != nil {
			return nil, fmt.Errorf("parse %s layout: %w", name, err)
		}
		if _, err := html.Parse(def.html); err != nil {
			return nil, fmt.Errorf("parse %s html: %w", name, err)
		}
		text, err := texttemplate.New(name).Parse(def.text)
		if err != nil {
			return nil, fmt.Errorf("parse %s text: %w", name, err)
		}
		sets[name] = templateSet{subject: def.subject, html: html, text: text}
	}
	return &Templates{sets: sets}, nil
}

// MustTemplates is NewTemplates for package-level initialisation and tests.
func MustTemplates() *Templates {
	t, err := NewTemplates()
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Templates) render(name, to string, data templateData) (Message, error) {
	set, ok := t.sets[name]
	if !ok {
		return Message{}, fmt.Errorf("unknown template %q", name)
	}
	var html, text bytes.Buffer
	if err := set.html.Execute(&html, data); err != nil {
		return Message{}, fmt.Errorf("render %s html: %w", name, err)
	}
	if err := set.text.Execute(&text, data); err != nil {
		return Message{}, fmt.Errorf("render %s text: %w", name, err)
	}
	return Message{To: to, Subject: set.subject, HTML: html.String(), Text: text.String(), Template: name}, nil
}

// Confirmation renders the email carrying the confirmation link.
func (t *Templates) Confirmation(to, link string, ttl time.Duration) (Message, error) {
	return t.render(TemplateConfirmation, to, templateData{Link: link, TTL: humanDuration(ttl)})
}

// Accepted renders the publication notice.
func (t *Templates) Accepted(to string) (Message, error) {
	return t.render(TemplateAccepted, to, templateData{})
}

// Rejected renders the denial notice. The reason is escaped in the HTML part.
func (t *Templates) Rejected(to, reason string) (Message, error) {
	return t.render(TemplateRejected, to, templateData{Reason: reason})
}

func humanDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "24 hours"
	case d%time.Hour == 0:
		hours := int(d / time.Hour)
		if hours == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", hours)
	case d%time.Minute == 0:
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	default:
		return d.String()
	}
}
