package notify

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"notifbox/internal/notify/model"
)

// templateData is what configured subject/body templates see.
type templateData struct {
	Content   model.ContentItem
	Meta      map[string]any
	Recipient model.Contact
	UserID    string
	Channel   model.Channel
	Target    model.TargetRef
}

// templateFactory renders configured text/template sources. It serves every
// template type that has configuration but no registered factory.
type templateFactory struct{}

func (templateFactory) Load(ctx context.Context, req LoadRequest) (*Loaded, error) {
	_ = ctx
	subject, err := parseTemplate("subject", req.Type.Subject)
	if err != nil {
		return nil, err
	}
	body, err := parseTemplate("body", req.Type.Body)
	if err != nil {
		return nil, err
	}
	html, err := parseTemplate("html", req.Type.HTML)
	if err != nil {
		return nil, err
	}

	msg := req.Message
	return &Loaded{Render: func(ch model.Channel, r Resolved) (Rendered, error) {
		data := templateData{
			Content:   msg.Content,
			Meta:      msg.Content.Meta,
			Recipient: r.Contact,
			UserID:    r.UserID,
			Channel:   ch,
			Target:    msg.Target,
		}
		var out Rendered
		var err error
		if out.Subject, err = execTemplate(subject, data); err != nil {
			return Rendered{}, err
		}
		if out.Body, err = execTemplate(body, data); err != nil {
			return Rendered{}, err
		}
		if ch == model.ChannelEmail {
			if out.HTML, err = execTemplate(html, data); err != nil {
				return Rendered{}, err
			}
		}
		return out, nil
	}}, nil
}

func parseTemplate(name, src string) (*template.Template, error) {
	if strings.TrimSpace(src) == "" {
		return nil, nil
	}
	t, err := template.New(name).Option("missingkey=zero").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse %s template: %w", name, err)
	}
	return t, nil
}

func execTemplate(t *template.Template, data templateData) (string, error) {
	if t == nil {
		return "", nil
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}
