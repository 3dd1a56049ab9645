package notification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Template Engine Tests
// ---------------------------------------------------------------------------

func TestTemplateEngine_RegisterAndRender(t *testing.T) {
	store := NewMemoryTemplates(Template{
		ID:      363,
		Name:    "case-initial-alert",
		Subject: "New result for patient born {{patientDOB}}",
		Body:    "Hello {{caseManagerName}}, review it here: {{caseURL}}",
	})
	eng := NewTemplateEngine(store)

	subject, body, err := eng.Render(context.Background(), 363, map[string]string{
		"caseManagerName": "Alice",
		"patientDOB":      "1990-01-01",
		"caseURL":         "https://portal/case-management/1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "New result for patient born 1990-01-01" {
		t.Errorf("subject = %q", subject)
	}
	if body != "Hello Alice, review it here: https://portal/case-management/1" {
		t.Errorf("body = %q", body)
	}
}

func TestTemplateEngine_RenderMissing(t *testing.T) {
	eng := NewTemplateEngine(NewMemoryTemplates())
	_, _, err := eng.Render(context.Background(), 999, nil)
	if !errors.Is(err, ErrTemplateNotFound) {
		t.Fatalf("expected ErrTemplateNotFound, got %v", err)
	}
}

func TestTemplateEngine_RenderEmpty(t *testing.T) {
	eng := NewTemplateEngine(NewMemoryTemplates(Template{ID: 1, Subject: "Hi", Body: "  "}))
	_, _, err := eng.Render(context.Background(), 1, nil)
	if !errors.Is(err, ErrEmptyTemplate) {
		t.Fatalf("expected ErrEmptyTemplate, got %v", err)
	}
}

func TestSubstitute_LeavesUnknownPlaceholders(t *testing.T) {
	got := Substitute("{{a}} and {{b}}", map[string]string{"a": "x"})
	if got != "x and {{b}}" {
		t.Errorf("got %q", got)
	}
}

func TestMemoryTemplates_Replace(t *testing.T) {
	store := NewMemoryTemplates(Template{ID: 1, Subject: "old", Body: "old"})
	store.RegisterTemplate(Template{ID: 1, Subject: "new", Body: "new"})
	tpl, err := store.GetTemplate(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tpl.Subject != "new" {
		t.Errorf("expected replaced template, got %q", tpl.Subject)
	}
}

// ---------------------------------------------------------------------------
// Sender Tests
// ---------------------------------------------------------------------------

func TestMockEmailSender_RecordsCalls(t *testing.T) {
	m := &MockEmailSender{}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.SendEmail(context.Background(), "a@example.com", "s", "b")
		}()
	}
	wg.Wait()
	if len(m.Calls()) != 10 {
		t.Errorf("expected 10 calls, got %d", len(m.Calls()))
	}
}

func TestMockEmailSender_Fails(t *testing.T) {
	m := &MockEmailSender{ShouldFail: true, FailError: "smtp down"}
	err := m.SendEmail(context.Background(), "a@example.com", "s", "b")
	if err == nil || err.Error() != "smtp down" {
		t.Fatalf("expected configured failure, got %v", err)
	}
}

func TestLogSender_NeverFails(t *testing.T) {
	if err := NewLogSender(zerolog.Nop()).SendEmail(context.Background(), "a@example.com", "s", "b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSendGridSender_PostsMail(t *testing.T) {
	var gotAuth, gotPath string
	var payload struct {
		From struct {
			Email string `json:"email"`
			Name  string `json:"name"`
		} `json:"from"`
		Subject          string `json:"subject"`
		Personalizations []struct {
			To []struct {
				Email string `json:"email"`
			} `json:"to"`
		} `json:"personalizations"`
		Content []struct {
			Type  string `json:"type"`
			Value string `json:"value"`
		} `json:"content"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &payload)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewSendGridSender("SG.key", "alerts@example.com", "Case Management").WithHost(srv.URL)
	if err := s.SendEmail(context.Background(), "cm@example.com", "Subject", "Body"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Bearer SG.key" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if gotPath != "/v3/mail/send" {
		t.Errorf("path = %q", gotPath)
	}
	if payload.From.Email != "alerts@example.com" || payload.Subject != "Subject" {
		t.Errorf("unexpected payload %+v", payload)
	}
	if len(payload.Personalizations) != 1 || payload.Personalizations[0].To[0].Email != "cm@example.com" {
		t.Errorf("unexpected recipients %+v", payload.Personalizations)
	}
	if len(payload.Content) != 1 || payload.Content[0].Value != "Body" {
		t.Errorf("unexpected content %+v", payload.Content)
	}
}

func TestSendGridSender_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"errors":[{"message":"bad key"}]}`))
	}))
	defer srv.Close()

	s := NewSendGridSender("SG.bad", "alerts@example.com", "").WithHost(srv.URL)
	err := s.SendEmail(context.Background(), "cm@example.com", "Subject", "Body")
	if err == nil {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestSendGridSender_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewSendGridSender("SG.key", "alerts@example.com", "")
	if err := s.SendEmail(ctx, "cm@example.com", "s", "b"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
