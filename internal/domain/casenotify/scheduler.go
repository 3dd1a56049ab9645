package casenotify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labcase/labcase/internal/domain/casemgmt"
	"github.com/labcase/labcase/internal/platform/auth"
	"github.com/labcase/labcase/internal/platform/metrics"
	"github.com/labcase/labcase/internal/platform/notification"
)

// patientDOBUnknown fills the patientDOB placeholder. The case manager
// directory does not carry demographics.
const patientDOBUnknown = "on file"

type action int

const (
	actionNone action = iota
	actionInitial
	actionReminder
)

type plan struct {
	action        action
	reminderCount int
}

// decide picks the single action for a case from its newest-first history.
func decide(history []*CaseNotification, now time.Time, delay time.Duration) plan {
	initialSent := false
	reminders := 0
	for _, n := range history {
		switch n.Kind {
		case KindInitial:
			initialSent = true
		case KindReminder:
			reminders++
		}
	}
	if !initialSent {
		return plan{action: actionInitial}
	}
	if reminders >= MaxReminders || len(history) == 0 {
		return plan{action: actionNone}
	}
	if now.Sub(history[0].SentAt) < delay {
		return plan{action: actionNone}
	}
	return plan{action: actionReminder, reminderCount: reminders + 1}
}

// Config holds the scheduler's templates and timing.
type Config struct {
	InitialTemplateID  int
	ReminderTemplateID int
	ReminderDelay      time.Duration
	Interval           time.Duration
	PortalBaseURL      string
}

// SweepReport counts what one sweep did.
type SweepReport struct {
	Scanned   int `json:"scanned"`
	Initial   int `json:"initial"`
	Reminders int `json:"reminders"`
	Idle      int `json:"idle"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Scheduler sends the initial alert and bounded reminders for cases with
// unacknowledged abnormal results.
type Scheduler struct {
	cases     casemgmt.CaseRepository
	managers  casemgmt.ManagerRepository
	notes     NotificationRepository
	templates *notification.TemplateEngine
	sender    notification.EmailSender
	signer    *auth.CaseLinkSigner
	cfg       Config
	now       func() time.Time
	logger    zerolog.Logger
}

func NewScheduler(
	cases casemgmt.CaseRepository,
	managers casemgmt.ManagerRepository,
	notes NotificationRepository,
	templates *notification.TemplateEngine,
	sender notification.EmailSender,
	signer *auth.CaseLinkSigner,
	cfg Config,
	logger zerolog.Logger,
) *Scheduler {
	return &Scheduler{
		cases:     cases,
		managers:  managers,
		notes:     notes,
		templates: templates,
		sender:    sender,
		signer:    signer,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.With().Str("component", "case-notify").Logger(),
	}
}

// Start runs Sweep on every tick until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep visits every flagged case once. Per-case failures are logged and
// counted; the sweep always completes.
func (s *Scheduler) Sweep(ctx context.Context) SweepReport {
	start := time.Now()
	defer func() { metrics.ObserveSweep(time.Since(start)) }()

	var report SweepReport
	flagged, err := s.cases.ListFlagged(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list cases with new results")
		report.Failed++
		return report
	}

	for _, c := range flagged {
		if ctx.Err() != nil {
			break
		}
		report.Scanned++
		switch res := s.sweepCase(ctx, c); res {
		case sweepInitial:
			report.Initial++
		case sweepReminder:
			report.Reminders++
		case sweepIdle:
			report.Idle++
		case sweepSkipped:
			report.Skipped++
		default:
			report.Failed++
		}
	}

	s.logger.Info().
		Int("scanned", report.Scanned).
		Int("initial", report.Initial).
		Int("reminders", report.Reminders).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Msg("notification sweep complete")
	return report
}

type sweepResult int

const (
	sweepFailed sweepResult = iota
	sweepInitial
	sweepReminder
	sweepIdle
	sweepSkipped
)

func (s *Scheduler) sweepCase(ctx context.Context, c *casemgmt.Case) sweepResult {
	log := s.logger.With().Str("case_id", c.ID.String()).Logger()
	if c.CaseManagerID == nil {
		return sweepSkipped
	}

	manager, err := s.managers.GetByID(ctx, *c.CaseManagerID)
	if err != nil || manager.Name == "" {
		log.Warn().Err(err).Int64("case_manager_id", *c.CaseManagerID).Msg("skipping case: case manager unavailable")
		metrics.RecordNotificationFailure("manager")
		return sweepSkipped
	}
	if manager.Email == "" {
		log.Warn().Int64("case_manager_id", manager.ID).Msg("skipping case: case manager has no email")
		metrics.RecordNotificationFailure("manager")
		return sweepSkipped
	}

	history, err := s.notes.ListForCase(ctx, c.ID)
	if err != nil {
		log.Error().Err(err).Msg("failed to load notification history")
		return sweepFailed
	}

	p := decide(history, s.now(), s.cfg.ReminderDelay)
	if p.action == actionNone {
		return sweepIdle
	}

	n := &CaseNotification{CaseID: c.ID, CaseManagerID: manager.ID}
	if p.action == actionInitial {
		n.Kind, n.TemplateID = KindInitial, s.cfg.InitialTemplateID
	} else {
		n.Kind, n.TemplateID, n.ReminderCount = KindReminder, s.cfg.ReminderTemplateID, p.reminderCount
	}

	subject, body, err := s.render(ctx, n.TemplateID, c, manager)
	if err != nil {
		log.Warn().Err(err).Int("template_id", n.TemplateID).Msg("skipping case: template could not be rendered")
		metrics.RecordNotificationFailure("template")
		return sweepSkipped
	}

	if err := s.sender.SendEmail(ctx, manager.Email, subject, body); err != nil {
		log.Error().Err(err).Str("kind", string(n.Kind)).Int64("case_manager_id", manager.ID).Msg("failed to send case notification")
		metrics.RecordNotificationFailure("send")
		return sweepFailed
	}

	n.SentAt = s.now()
	if err := s.notes.Create(ctx, n); err != nil {
		log.Error().Err(err).Str("kind", string(n.Kind)).Msg("notification sent but not recorded")
		metrics.RecordNotificationFailure("record")
		return sweepFailed
	}

	metrics.RecordNotificationSent(string(n.Kind))
	log.Info().Str("kind", string(n.Kind)).Int("reminder_count", n.ReminderCount).Int64("case_manager_id", manager.ID).Msg("case notification sent")
	if p.action == actionInitial {
		return sweepInitial
	}
	return sweepReminder
}

func (s *Scheduler) render(ctx context.Context, templateID int, c *casemgmt.Case, m *casemgmt.CaseManager) (string, string, error) {
	link, err := s.CaseURL(c.ID, m.ID)
	if err != nil {
		return "", "", err
	}
	return s.templates.Render(ctx, templateID, map[string]string{
		"caseManagerName": m.Name,
		"patientDOB":      patientDOBUnknown,
		"caseURL":         link,
	})
}

// CaseURL builds the signed portal link for a case and its manager. The
// page at PortalBaseURL/case-management/{caseID} belongs to the portal
// frontend, not this service; the portal forwards the token unchanged to
// GET /case-management/ack on this service, which answers with JSON.
func (s *Scheduler) CaseURL(caseID uuid.UUID, managerID int64) (string, error) {
	token, err := s.signer.Sign(caseID, managerID)
	if err != nil {
		return "", err
	}
	base := strings.TrimRight(s.cfg.PortalBaseURL, "/")
	return fmt.Sprintf("%s/case-management/%s?token=%s", base, caseID, url.QueryEscape(token)), nil
}

// Ack is the result of a manager following a notification link.
type Ack struct {
	CaseID        uuid.UUID `json:"case_id"`
	CaseManagerID int64     `json:"case_manager_id"`
	Clicked       int       `json:"clicked"`
}

// ErrNotAssigned is returned when a link's manager no longer owns the case.
var ErrNotAssigned = errors.New("case is not assigned to this manager")

// Acknowledge verifies a case link, marks its notifications clicked and
// clears the case's new-results flag so no further reminders are sent.
func (s *Scheduler) Acknowledge(ctx context.Context, token string) (*Ack, error) {
	caseID, managerID, err := s.signer.Verify(token)
	if err != nil {
		return nil, err
	}
	c, err := s.cases.GetByID(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("load case %s: %w", caseID, err)
	}
	if c.CaseManagerID == nil || *c.CaseManagerID != managerID {
		return nil, ErrNotAssigned
	}
	clicked, err := s.notes.MarkClicked(ctx, caseID, managerID)
	if err != nil {
		return nil, fmt.Errorf("mark notifications clicked: %w", err)
	}
	if err := s.cases.ClearNewResults(ctx, caseID); err != nil {
		return nil, fmt.Errorf("clear case flag: %w", err)
	}
	s.logger.Info().Str("case_id", caseID.String()).Int64("case_manager_id", managerID).Int("clicked", clicked).Msg("case notification acknowledged")
	return &Ack{CaseID: caseID, CaseManagerID: managerID, Clicked: clicked}, nil
}
