package casenotify

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labcase/labcase/internal/domain/casemgmt"
	"github.com/labcase/labcase/internal/platform/auth"
	"github.com/labcase/labcase/internal/platform/notification"
)

func TestDecide(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	delay := 24 * time.Hour
	initial := func(at time.Time) *CaseNotification { return &CaseNotification{Kind: KindInitial, SentAt: at} }
	reminder := func(n int, at time.Time) *CaseNotification {
		return &CaseNotification{Kind: KindReminder, ReminderCount: n, SentAt: at}
	}

	tests := []struct {
		name    string
		history []*CaseNotification
		want    plan
	}{
		{"nothing sent", nil, plan{action: actionInitial}},
		{"initial too recent", []*CaseNotification{initial(now.Add(-time.Hour))}, plan{action: actionNone}},
		{"initial exactly at delay", []*CaseNotification{initial(now.Add(-delay))}, plan{action: actionReminder, reminderCount: 1}},
		{"second reminder due", []*CaseNotification{
			reminder(1, now.Add(-25 * time.Hour)),
			initial(now.Add(-50 * time.Hour)),
		}, plan{action: actionReminder, reminderCount: 2}},
		{"reminders exhausted", []*CaseNotification{
			reminder(3, now.Add(-100 * time.Hour)),
			reminder(2, now.Add(-200 * time.Hour)),
			reminder(1, now.Add(-300 * time.Hour)),
			initial(now.Add(-400 * time.Hour)),
		}, plan{action: actionNone}},
		{"reminder without initial sends initial", []*CaseNotification{
			reminder(1, now.Add(-48 * time.Hour)),
		}, plan{action: actionInitial}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decide(tt.history, now, delay))
		})
	}
}

type fixture struct {
	cases   *casemgmt.MemoryStore
	store   *casemgmt.Store
	notes   *MemoryRepo
	tpls    *notification.MemoryTemplates
	sender  *notification.MockEmailSender
	signer  *auth.CaseLinkSigner
	sched   *Scheduler
	clock   time.Time
	manager *casemgmt.CaseManager
}

const (
	initialTpl  = 363
	reminderTpl = 364
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		cases:  casemgmt.NewMemoryStore(),
		notes:  NewMemoryRepo(),
		sender: &notification.MockEmailSender{},
		clock:  time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
	f.store = f.cases.Store()
	f.tpls = notification.NewMemoryTemplates(
		notification.Template{ID: initialTpl, Subject: "New result (DOB {{patientDOB}})", Body: "Hi {{caseManagerName}}: {{caseURL}}"},
		notification.Template{ID: reminderTpl, Subject: "Reminder", Body: "Still waiting, {{caseManagerName}}: {{caseURL}}"},
	)
	signer, err := auth.NewCaseLinkSigner([]byte("0123456789abcdef0123456789abcdef"), time.Hour*24*30)
	require.NoError(t, err)
	f.signer = signer
	f.sched = NewScheduler(f.store.Cases, f.store.Managers, f.notes, notification.NewTemplateEngine(f.tpls),
		f.sender, signer, Config{
			InitialTemplateID:  initialTpl,
			ReminderTemplateID: reminderTpl,
			ReminderDelay:      24 * time.Hour,
			Interval:           time.Minute,
			PortalBaseURL:      "https://portal.example.com/",
		}, zerolog.Nop())
	f.sched.now = func() time.Time { return f.clock }
	f.manager = f.cases.AddManager(casemgmt.CaseManager{Name: "Ana", Email: "ana@example.com", IsActive: true, CanBeAssignedCases: true})
	return f
}

func (f *fixture) openCase(t *testing.T, managerID int64) *casemgmt.Case {
	t.Helper()
	c := &casemgmt.Case{
		ID: uuid.New(), PatientID: "p-" + uuid.NewString(), Status: casemgmt.StatusUntouched,
		CaseManagerID: &managerID, VisibleToCaseManager: true, HasNewAbnormalResults: true,
	}
	c.ScopeKey = c.PatientID
	require.NoError(t, f.store.Cases.Create(context.Background(), c))
	return c
}

func TestSweep_InitialThenBoundedReminders(t *testing.T) {
	f := newFixture(t)
	c := f.openCase(t, f.manager.ID)
	ctx := context.Background()

	r := f.sched.Sweep(ctx)
	assert.Equal(t, SweepReport{Scanned: 1, Initial: 1}, r)

	// Before the delay elapses nothing else goes out.
	f.clock = f.clock.Add(time.Hour)
	r = f.sched.Sweep(ctx)
	assert.Equal(t, 1, r.Idle)

	for i := 1; i <= MaxReminders; i++ {
		f.clock = f.clock.Add(24 * time.Hour)
		r = f.sched.Sweep(ctx)
		assert.Equal(t, 1, r.Reminders, "reminder %d", i)
	}

	f.clock = f.clock.Add(72 * time.Hour)
	r = f.sched.Sweep(ctx)
	assert.Equal(t, 1, r.Idle, "no reminders after the bound")

	history, err := f.notes.ListForCase(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, history, 1+MaxReminders)
	assert.Equal(t, KindReminder, history[0].Kind)
	assert.Equal(t, MaxReminders, history[0].ReminderCount)
	assert.Equal(t, KindInitial, history[len(history)-1].Kind)
	assert.Equal(t, initialTpl, history[len(history)-1].TemplateID)
	assert.Zero(t, history[len(history)-1].ReminderCount)

	calls := f.sender.Calls()
	require.Len(t, calls, 1+MaxReminders)
	assert.Equal(t, "ana@example.com", calls[0].To)
	assert.Equal(t, "New result (DOB on file)", calls[0].Subject)
	assert.Contains(t, calls[0].Body, "Hi Ana: https://portal.example.com/case-management/"+c.ID.String()+"?token=")
	assert.Equal(t, "Reminder", calls[1].Subject)
}

func TestSweep_SkipsManagerWithoutName(t *testing.T) {
	f := newFixture(t)
	nameless := f.cases.AddManager(casemgmt.CaseManager{Email: "x@example.com", IsActive: true, CanBeAssignedCases: true})
	f.openCase(t, nameless.ID)
	f.openCase(t, f.manager.ID)

	r := f.sched.Sweep(context.Background())
	assert.Equal(t, 2, r.Scanned)
	assert.Equal(t, 1, r.Skipped)
	assert.Equal(t, 1, r.Initial)
	assert.Len(t, f.sender.Calls(), 1)
}

func TestSweep_SkipsUnknownManager(t *testing.T) {
	f := newFixture(t)
	f.openCase(t, 9999)

	r := f.sched.Sweep(context.Background())
	assert.Equal(t, 1, r.Skipped)
	assert.Empty(t, f.sender.Calls())
}

func TestSweep_SendFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	c := f.openCase(t, f.manager.ID)
	other := f.openCase(t, f.manager.ID)
	f.sender.ShouldFail = true
	f.sender.FailError = "provider unavailable"
	ctx := context.Background()

	r := f.sched.Sweep(ctx)
	assert.Equal(t, 2, r.Failed, "every case is attempted")
	history, err := f.notes.ListForCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, history, "failed sends are not recorded")

	f.sender.ShouldFail = false
	r = f.sched.Sweep(ctx)
	assert.Equal(t, 2, r.Initial)
	history, err = f.notes.ListForCase(ctx, other.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestSweep_MissingTemplateSkips(t *testing.T) {
	f := newFixture(t)
	f.openCase(t, f.manager.ID)
	f.tpls.RegisterTemplate(notification.Template{ID: initialTpl, Subject: "", Body: "body"})

	r := f.sched.Sweep(context.Background())
	assert.Equal(t, 1, r.Skipped)
	assert.Empty(t, f.sender.Calls())
}

func TestSweep_IgnoresUnflaggedCases(t *testing.T) {
	f := newFixture(t)
	c := f.openCase(t, f.manager.ID)
	require.NoError(t, f.store.Cases.ClearNewResults(context.Background(), c.ID))

	r := f.sched.Sweep(context.Background())
	assert.Zero(t, r.Scanned)
}

func TestAcknowledge_StopsReminders(t *testing.T) {
	f := newFixture(t)
	c := f.openCase(t, f.manager.ID)
	ctx := context.Background()
	f.sched.Sweep(ctx)

	link, err := f.sched.CaseURL(c.ID, f.manager.ID)
	require.NoError(t, err)
	u, err := url.Parse(link)
	require.NoError(t, err)
	token := u.Query().Get("token")
	require.NotEmpty(t, token)

	ack, err := f.sched.Acknowledge(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, c.ID, ack.CaseID)
	assert.Equal(t, 1, ack.Clicked)

	history, err := f.notes.ListForCase(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, history[0].Clicked)

	f.clock = f.clock.Add(48 * time.Hour)
	r := f.sched.Sweep(ctx)
	assert.Zero(t, r.Scanned)
}

func TestAcknowledge_RejectsReassignedCase(t *testing.T) {
	f := newFixture(t)
	other := f.cases.AddManager(casemgmt.CaseManager{Name: "Ben", Email: "ben@example.com", IsActive: true, CanBeAssignedCases: true})
	c := f.openCase(t, f.manager.ID)

	token, err := f.signer.Sign(c.ID, other.ID)
	require.NoError(t, err)
	_, err = f.sched.Acknowledge(context.Background(), token)
	assert.ErrorIs(t, err, ErrNotAssigned)
}

func TestAcknowledge_InvalidToken(t *testing.T) {
	f := newFixture(t)
	_, err := f.sched.Acknowledge(context.Background(), "garbage")
	assert.True(t, errors.Is(err, auth.ErrInvalidCaseLink))
}

func TestCaseURL_TrimsTrailingSlash(t *testing.T) {
	f := newFixture(t)
	id := uuid.New()
	link, err := f.sched.CaseURL(id, f.manager.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(link, "https://portal.example.com/case-management/"+id.String()+"?token="))
}

func TestMemoryRepo_EnforcesUniqueness(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	caseID := uuid.New()

	require.NoError(t, repo.Create(ctx, &CaseNotification{CaseID: caseID, Kind: KindInitial}))
	assert.ErrorIs(t, repo.Create(ctx, &CaseNotification{CaseID: caseID, Kind: KindInitial}), casemgmt.ErrConflict)

	require.NoError(t, repo.Create(ctx, &CaseNotification{CaseID: caseID, Kind: KindReminder, ReminderCount: 1}))
	assert.ErrorIs(t, repo.Create(ctx, &CaseNotification{CaseID: caseID, Kind: KindReminder, ReminderCount: 1}), casemgmt.ErrConflict)
	assert.ErrorIs(t, repo.Create(ctx, &CaseNotification{CaseID: caseID, Kind: KindReminder, ReminderCount: 4}), casemgmt.ErrValidation)
}
