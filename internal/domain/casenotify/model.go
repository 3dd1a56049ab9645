package casenotify

import (
	"time"

	"github.com/google/uuid"
)

// Kind separates the one initial alert from the follow-up reminders.
type Kind string

const (
	KindInitial  Kind = "initial"
	KindReminder Kind = "reminder"
)

// MaxReminders bounds the reminders sent after the initial alert.
const MaxReminders = 3

// CaseNotification is one email sent for a case.
type CaseNotification struct {
	ID            int64     `db:"id" json:"id"`
	CaseID        uuid.UUID `db:"case_id" json:"case_id"`
	CaseManagerID int64     `db:"case_manager_id" json:"case_manager_id"`
	TemplateID    int       `db:"template_id" json:"template_id"`
	Kind          Kind      `db:"kind" json:"kind"`
	ReminderCount int       `db:"reminder_count" json:"reminder_count"`
	SentAt        time.Time `db:"sent_at" json:"sent_at"`
	Clicked       bool      `db:"clicked" json:"clicked"`
}
