// Package render turns queue entry payloads into Telegram HTML messages.
package render

import (
	"bytes"
	"embed"
	"fmt"
	"html"
	"strings"
	"text/template"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/bissquit/alarm-relay/internal/domain"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// maxMessageLength is the Bot API limit for one message, in characters.
const maxMessageLength = 4096

// Renderer renders alarm messages from templates.
type Renderer struct {
	tmpl *template.Template
}

type alarmView struct {
	Priority     domain.Priority
	PriorityName string
	DeviceName   string
	DeviceType   string
	Text         string
	EventTime    *time.Time
}

// NewRenderer creates a renderer and parses the embedded templates.
func NewRenderer() (*Renderer, error) {
	funcMap := template.FuncMap{
		"title":         titleCase,
		"formatTime":    formatTime,
		"priorityEmoji": priorityEmoji,
		"escapeHTML":    html.EscapeString,
	}

	content, err := templatesFS.ReadFile("templates/alarm.tmpl")
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}

	tmpl, err := template.New("alarm").Funcs(funcMap).Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}

	return &Renderer{tmpl: tmpl}, nil
}

// Render returns the message text for entry.
func (r *Renderer) Render(entry *domain.QueueEntry) (string, error) {
	view := alarmView{
		Priority:     entry.Priority,
		PriorityName: entry.Priority.String(),
		DeviceName:   entry.Payload.DeviceName,
		DeviceType:   entry.Payload.DeviceType,
		Text:         entry.Payload.Text,
	}
	if view.DeviceType == domain.Unknown {
		view.DeviceType = ""
	}
	if !entry.Payload.EventTime.IsZero() {
		t := entry.Payload.EventTime
		view.EventTime = &t
	}

	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, view); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}

	return truncateRunes(strings.TrimSpace(buf.String()), maxMessageLength), nil
}

var titleCaser = cases.Title(language.English)

func titleCase(s string) string {
	return titleCaser.String(strings.ReplaceAll(s, "_", " "))
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format("Jan 2, 2006 15:04:05 UTC")
}

func priorityEmoji(p domain.Priority) string {
	switch p {
	case domain.PriorityCritical:
		return "🔴"
	case domain.PriorityHigh:
		return "🟠"
	case domain.PriorityMedium:
		return "🟡"
	case domain.PriorityLow:
		return "🔵"
	default:
		return "⚪"
	}
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
