package services

import (
	"bytes"
	"context"
	"fmt"
	"text/template"

	"flextasker/realtime-gateway/models"
)

// NotificationFormatter renders the title and body shown for
// notification-typed messages.
type NotificationFormatter interface {
	Format(ctx context.Context, msg models.ChatMessagePayload) (title, body string, err error)
}

const (
	defaultTitleTemplate = `{{with index .Metadata "title"}}{{.}}{{else}}New notification{{end}}`
	defaultBodyTemplate  = `{{.Content}}`
)

// TemplateFormatter renders notifications from text templates evaluated
// against the outbound ChatMessagePayload.
type TemplateFormatter struct {
	title *template.Template
	body  *template.Template
}

func NewTemplateFormatter(titleTmpl, bodyTmpl string) (*TemplateFormatter, error) {
	title, err := template.New("title").Option("missingkey=zero").Parse(titleTmpl)
	if err != nil {
		return nil, fmt.Errorf("failed to parse title template: %w", err)
	}
	body, err := template.New("body").Option("missingkey=zero").Parse(bodyTmpl)
	if err != nil {
		return nil, fmt.Errorf("failed to parse body template: %w", err)
	}
	return &TemplateFormatter{title: title, body: body}, nil
}

// DefaultNotificationFormatter uses metadata.title when present and the
// message content as the body.
func DefaultNotificationFormatter() *TemplateFormatter {
	f, err := NewTemplateFormatter(defaultTitleTemplate, defaultBodyTemplate)
	if err != nil {
		panic(err)
	}
	return f
}

func (f *TemplateFormatter) Format(_ context.Context, msg models.ChatMessagePayload) (string, string, error) {
	var title, body bytes.Buffer
	if err := f.title.Execute(&title, msg); err != nil {
		return "", "", fmt.Errorf("failed to render notification title: %w", err)
	}
	if err := f.body.Execute(&body, msg); err != nil {
		return "", "", fmt.Errorf("failed to render notification body: %w", err)
	}
	return title.String(), body.String(), nil
}
