// Package notification renders message templates and delivers email.
package notification

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ErrTemplateNotFound is returned when no template has the requested id.
var ErrTemplateNotFound = errors.New("template not found")

// ErrEmptyTemplate is returned when a template renders to an empty subject
// or body.
var ErrEmptyTemplate = errors.New("template subject or body is empty")

// ---------------------------------------------------------------------------
// Sender Interfaces
// ---------------------------------------------------------------------------

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template is a stored message template with {{key}} placeholders.
type Template struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateStore loads templates by id. Implementations return
// ErrTemplateNotFound for unknown ids.
type TemplateStore interface {
	GetTemplate(ctx context.Context, id int) (*Template, error)
}

// TemplateEngine renders templates from a TemplateStore.
type TemplateEngine struct {
	store TemplateStore
}

func NewTemplateEngine(store TemplateStore) *TemplateEngine {
	return &TemplateEngine{store: store}
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(ctx context.Context, templateID int, data map[string]string) (subject, body string, err error) {
	t, err := e.store.GetTemplate(ctx, templateID)
	if err != nil {
		return "", "", fmt.Errorf("load template %d: %w", templateID, err)
	}
	subject, body = Substitute(t.Subject, data), Substitute(t.Body, data)
	if strings.TrimSpace(subject) == "" || strings.TrimSpace(body) == "" {
		return "", "", fmt.Errorf("template %d: %w", templateID, ErrEmptyTemplate)
	}
	return subject, body, nil
}

// Substitute replaces every {{key}} in s with data[key].
func Substitute(s string, data map[string]string) string {
	if len(data) == 0 {
		return s
	}
	// Sorted keys keep the result independent of map order when one value
	// contains another key's placeholder.
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s = strings.ReplaceAll(s, "{{"+k+"}}", data[k])
	}
	return s
}

// MemoryTemplates is a thread-safe in-process TemplateStore.
type MemoryTemplates struct {
	mu        sync.RWMutex
	templates map[int]*Template
}

func NewMemoryTemplates(templates ...Template) *MemoryTemplates {
	m := &MemoryTemplates{templates: make(map[int]*Template)}
	for _, t := range templates {
		m.RegisterTemplate(t)
	}
	return m
}

// RegisterTemplate adds or replaces a template.
func (m *MemoryTemplates) RegisterTemplate(t Template) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[t.ID] = &t
}

func (m *MemoryTemplates) GetTemplate(_ context.Context, id int) (*Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.templates[id]
	if !ok {
		return nil, ErrTemplateNotFound
	}
	cp := *t
	return &cp, nil
}

// ---------------------------------------------------------------------------
// Senders
// ---------------------------------------------------------------------------

// LogSender writes messages to the log instead of delivering them. It is
// used when no email provider is configured.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger.With().Str("component", "email").Logger()}
}

func (s *LogSender) SendEmail(_ context.Context, to, subject, body string) error {
	s.logger.Info().Str("to", to).Str("subject", subject).Int("body_bytes", len(body)).Msg("email not delivered: no provider configured")
	return nil
}

// EmailCall records a single call to SendEmail.
type EmailCall struct {
	To      string
	Subject string
	Body    string
}

// MockEmailSender is a test double for EmailSender.
type MockEmailSender struct {
	mu         sync.Mutex
	calls      []EmailCall
	ShouldFail bool
	FailError  string
}

// SendEmail records the call and optionally returns an error.
func (m *MockEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, EmailCall{To: to, Subject: subject, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded email calls.
func (m *MockEmailSender) Calls() []EmailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailCall, len(m.calls))
	copy(out, m.calls)
	return out
}
