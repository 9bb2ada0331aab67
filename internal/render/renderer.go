// Package render produces reminder content from templates. Rendering is a
// pure function of the invoice, client, and current time: no store access, no
// side effects, safe for concurrent use.
package render

import (
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"duespark/internal/types"
)

const (
	defaultSubjectTemplate = `{{if .Overdue}}Overdue: invoice {{.InvoiceID}} for {{.Amount}}{{else}}Reminder: invoice {{.InvoiceID}} due {{.DueDate}}{{end}}`

	defaultTextTemplate = `Hi {{.ClientName}},

{{if .Overdue}}Invoice {{.InvoiceID}} for {{.Amount}} was due on {{.DueDate}} and is now {{.DaysOverdue}} day(s) overdue.{{else}}This is a friendly reminder that invoice {{.InvoiceID}} for {{.Amount}} is due on {{.DueDate}}.{{end}}

Thank you,
DueSpark
`

	defaultHTMLTemplate = `<p>Hi {{.ClientName}},</p>
{{if .Overdue}}<p>Invoice <strong>{{.InvoiceID}}</strong> for <strong>{{.Amount}}</strong> was due on {{.DueDate}} and is now {{.DaysOverdue}} day(s) overdue.</p>{{else}}<p>This is a friendly reminder that invoice <strong>{{.InvoiceID}}</strong> for <strong>{{.Amount}}</strong> is due on {{.DueDate}}.</p>{{end}}
<p>Thank you,<br>DueSpark</p>
`
)

// templateVars is the variable set exposed to all three templates.
type templateVars struct {
	ClientName  string
	InvoiceID   string
	Amount      string
	DueDate     string
	Overdue     bool
	DaysOverdue int
}

// TemplateRenderer implements types.Renderer with parsed-once templates.
// Subject and text bodies use text/template; the HTML body uses
// html/template for contextual escaping of client-supplied names.
type TemplateRenderer struct {
	subject *texttemplate.Template
	text    *texttemplate.Template
	html    *htmltemplate.Template
}

// NewTemplateRenderer creates a renderer with the built-in reminder
// templates.
func NewTemplateRenderer() (*TemplateRenderer, error) {
	return NewTemplateRendererFrom(defaultSubjectTemplate, defaultTextTemplate, defaultHTMLTemplate)
}

// NewTemplateRendererFrom creates a renderer from caller-supplied template
// sources.
func NewTemplateRendererFrom(subjectSrc, textSrc, htmlSrc string) (*TemplateRenderer, error) {
	subject, err := texttemplate.New("subject").Parse(subjectSrc)
	if err != nil {
		return nil, fmt.Errorf("parsing subject template: %w", err)
	}
	text, err := texttemplate.New("text").Parse(textSrc)
	if err != nil {
		return nil, fmt.Errorf("parsing text template: %w", err)
	}
	html, err := htmltemplate.New("html").Parse(htmlSrc)
	if err != nil {
		return nil, fmt.Errorf("parsing html template: %w", err)
	}
	return &TemplateRenderer{subject: subject, text: text, html: html}, nil
}

// Render produces the subject, text, and HTML content for one reminder.
func (r *TemplateRenderer) Render(input types.RenderInput) (types.RenderOutput, error) {
	if input.Invoice == nil || input.Client == nil {
		return types.RenderOutput{}, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"render input requires both invoice and client",
			nil,
		)
	}

	vars := buildVars(input)

	var subject, text, html strings.Builder
	if err := r.subject.Execute(&subject, vars); err != nil {
		return types.RenderOutput{}, fmt.Errorf("rendering subject: %w", err)
	}
	if err := r.text.Execute(&text, vars); err != nil {
		return types.RenderOutput{}, fmt.Errorf("rendering text body: %w", err)
	}
	if err := r.html.Execute(&html, vars); err != nil {
		return types.RenderOutput{}, fmt.Errorf("rendering html body: %w", err)
	}

	return types.RenderOutput{
		Subject: strings.TrimSpace(subject.String()),
		Text:    text.String(),
		HTML:    html.String(),
	}, nil
}

func buildVars(input types.RenderInput) templateVars {
	inv := input.Invoice
	due := inv.DueDate.UTC()

	daysOverdue := 0
	if input.Now.After(due) {
		daysOverdue = int(input.Now.Sub(due).Hours() / 24)
	}

	return templateVars{
		ClientName:  input.Client.Name,
		InvoiceID:   inv.ID,
		Amount:      formatAmount(inv.AmountCents, inv.Currency),
		DueDate:     due.Format("2 January 2006"),
		Overdue:     daysOverdue > 0,
		DaysOverdue: daysOverdue,
	}
}

// formatAmount renders cents as a human amount with the currency code, e.g.
// "142.50 USD". Currency-specific minor units beyond two decimals are out of
// scope for reminder copy.
func formatAmount(cents int64, currency string) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	s := fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
	if currency == "" {
		return s
	}
	return s + " " + strings.ToUpper(currency)
}

var _ types.Renderer = (*TemplateRenderer)(nil)
