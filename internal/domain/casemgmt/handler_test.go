package casemgmt

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWebhookServer(t *testing.T, f *pipelineFixture) *echo.Echo {
	t.Helper()
	e := echo.New()
	NewHandler(f.proc, zerolog.Nop()).RegisterRoutes(e.Group(""))
	return e
}

func postLab(e *echo.Echo, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestWebhook_AcceptsBatch(t *testing.T) {
	f := newPipeline(t, Options{})
	f.store.AddManager(CaseManager{Name: "Ana", Email: "ana@example.com", IsActive: true, CanBeAssignedCases: true})
	f.enable("acct-9")
	e := newWebhookServer(t, f)

	rec := postLab(e, "/webhooks/labs/spotdx?account_id=acct-9", spotDxPayload)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var report BatchReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 4, report.Received)
	assert.Equal(t, 2, report.Outcomes[OutcomeLinked])
	assert.Len(t, f.store.Cases(), 1)
}

func TestWebhook_ProcessingFailuresStillAccepted(t *testing.T) {
	f := newPipeline(t, Options{})
	f.enable("acct-9")
	e := newWebhookServer(t, f)

	rec := postLab(e, "/webhooks/labs/SpotDx?account_id=acct-9", spotDxPayload)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var report BatchReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 2, report.Failed)
}

func TestWebhook_RejectsMalformedPayload(t *testing.T) {
	e := newWebhookServer(t, newPipeline(t, Options{}))
	rec := postLab(e, "/webhooks/labs/crelio", `[1,2`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhook_RejectsEmptyPayload(t *testing.T) {
	e := newWebhookServer(t, newPipeline(t, Options{}))
	rec := postLab(e, "/webhooks/labs/crelio", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhook_UnknownLab(t *testing.T) {
	e := newWebhookServer(t, newPipeline(t, Options{}))
	rec := postLab(e, "/webhooks/labs/quest", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhook_StoreFailureAsksForRedelivery(t *testing.T) {
	f, _ := newFlakyPipeline(t, "LDL Cholesterol")
	f.store.AddManager(CaseManager{Name: "Ana", IsActive: true, CanBeAssignedCases: true})
	f.enable("acct-9")
	e := newWebhookServer(t, f)

	rec := postLab(e, "/webhooks/labs/spotdx?account_id=acct-9", spotDxPayload)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())

	var report BatchReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 1, report.StoreFailed)
	assert.Equal(t, 1, report.Outcomes[OutcomeLinked])
}
