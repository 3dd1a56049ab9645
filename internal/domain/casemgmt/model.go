package casemgmt

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type CaseStatus string

const (
	StatusUntouched  CaseStatus = "Untouched"
	StatusInProgress CaseStatus = "InProgress"
	StatusClosed     CaseStatus = "Closed"
)

func (s CaseStatus) Valid() bool {
	switch s {
	case StatusUntouched, StatusInProgress, StatusClosed:
		return true
	}
	return false
}

// ResponseType is the product-derived handling class of a linked result.
type ResponseType string

const (
	ResponseStandard ResponseType = "Standard"
	ResponseSpecial  ResponseType = "Special"
)

func (r ResponseType) Valid() bool {
	return r == ResponseStandard || r == ResponseSpecial
}

// Granularity decides what "the open case" for a result is.
type Granularity int

const (
	// PerPatient keeps one open case per patient across all tests.
	PerPatient Granularity = iota
	// PerPatientTest keeps one open case per (patient, test name).
	PerPatientTest
)

func (g Granularity) String() string {
	if g == PerPatientTest {
		return "patient_test"
	}
	return "patient"
}

// ScopeKey is the uniqueness key for open cases under g. The database holds
// a partial unique index on it for rows that are not closed.
func ScopeKey(g Granularity, patientID, testName string) string {
	if g == PerPatientTest {
		return patientID + "\x1f" + testName
	}
	return patientID
}

// Case is one unit of case-management work for a patient.
type Case struct {
	ID                    uuid.UUID  `db:"id" json:"id"`
	PatientID             string     `db:"patient_id" json:"patient_id"`
	TestName              string     `db:"test_name" json:"test_name"`
	ScopeKey              string     `db:"scope_key" json:"-"`
	CaseManagerID         *int64     `db:"case_manager_id" json:"case_manager_id,omitempty"`
	Status                CaseStatus `db:"status" json:"status"`
	IsClosed              bool       `db:"is_closed" json:"is_closed"`
	VisibleToProvider     bool       `db:"visible_to_provider" json:"visible_to_provider"`
	VisibleToMedicalStaff bool       `db:"visible_to_medical_staff" json:"visible_to_medical_staff"`
	VisibleToCaseManager  bool       `db:"visible_to_case_manager" json:"visible_to_case_manager"`
	HasNewAbnormalResults bool       `db:"has_new_abnormal_results" json:"has_new_abnormal_results"`
	CreatedAt             time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at" json:"updated_at"`
}

func (c *Case) Validate() error {
	if c.ID == uuid.Nil {
		return fmt.Errorf("%w: id is required", ErrValidation)
	}
	if c.PatientID == "" {
		return fmt.Errorf("%w: patient_id is required", ErrValidation)
	}
	if c.ScopeKey == "" {
		return fmt.Errorf("%w: scope_key is required", ErrValidation)
	}
	if !c.Status.Valid() {
		return fmt.Errorf("%w: invalid status %q", ErrValidation, c.Status)
	}
	if c.IsClosed != (c.Status == StatusClosed) {
		return fmt.Errorf("%w: is_closed=%t disagrees with status %s", ErrValidation, c.IsClosed, c.Status)
	}
	return nil
}

// CaseProductLink records that a test result was incorporated into a case.
// There is at most one link per test result.
type CaseProductLink struct {
	ID              int64        `db:"id" json:"id"`
	CaseID          uuid.UUID    `db:"case_id" json:"case_id"`
	TestResultID    int64        `db:"test_result_id" json:"test_result_id"`
	ProductID       *string      `db:"product_id" json:"product_id,omitempty"`
	BundleID        *string      `db:"bundle_id" json:"bundle_id,omitempty"`
	ResponseType    ResponseType `db:"response_type" json:"response_type"`
	NeedsProcessing bool         `db:"needs_processing" json:"needs_processing"`
	CreatedAt       time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at" json:"updated_at"`
}

func (l *CaseProductLink) Validate() error {
	if l.CaseID == uuid.Nil {
		return fmt.Errorf("%w: case_id is required", ErrValidation)
	}
	if l.TestResultID <= 0 {
		return fmt.Errorf("%w: test_result_id is required", ErrValidation)
	}
	if !l.ResponseType.Valid() {
		return fmt.Errorf("%w: invalid response_type %q", ErrValidation, l.ResponseType)
	}
	return nil
}

// CaseManagerLink records which manager owns a case.
type CaseManagerLink struct {
	ID            int64     `db:"id" json:"id"`
	CaseID        uuid.UUID `db:"case_id" json:"case_id"`
	CaseManagerID int64     `db:"case_manager_id" json:"case_manager_id"`
	AssignedAt    time.Time `db:"assigned_at" json:"assigned_at"`
}

func (l *CaseManagerLink) Validate() error {
	if l.CaseID == uuid.Nil {
		return fmt.Errorf("%w: case_id is required", ErrValidation)
	}
	if l.CaseManagerID <= 0 {
		return fmt.Errorf("%w: case_manager_id is required", ErrValidation)
	}
	return nil
}

type CaseManager struct {
	ID                 int64     `db:"id" json:"id"`
	Name               string    `db:"name" json:"name"`
	Email              string    `db:"email" json:"email"`
	IsActive           bool      `db:"is_active" json:"is_active"`
	CanBeAssignedCases bool      `db:"can_be_assigned_cases" json:"can_be_assigned_cases"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time `db:"updated_at" json:"updated_at"`
}

// Assignable reports whether new cases may be routed to m.
func (m *CaseManager) Assignable() bool {
	return m.IsActive && m.CanBeAssignedCases
}

type GlobalSetting struct {
	IsCaseManagementEnabled bool      `db:"is_case_management_enabled" json:"is_case_management_enabled"`
	UpdatedAt               time.Time `db:"updated_at" json:"updated_at"`
}

// AccountSetting toggles case management for an account, optionally
// narrowed to one product.
type AccountSetting struct {
	ID                      int64     `db:"id" json:"id"`
	AccountID               string    `db:"account_id" json:"account_id"`
	ProductID               *string   `db:"product_id" json:"product_id,omitempty"`
	IsCaseManagementEnabled bool      `db:"is_case_management_enabled" json:"is_case_management_enabled"`
	UpdatedAt               time.Time `db:"updated_at" json:"updated_at"`
}

type ProductRule struct {
	ProductID    string       `db:"product_id" json:"product_id"`
	ResponseType ResponseType `db:"response_type" json:"response_type"`
}

// Resolution names the case a result belongs to and its owner.
type Resolution struct {
	CaseID        uuid.UUID `json:"case_id"`
	CaseManagerID int64     `json:"case_manager_id"`
	Created       bool      `json:"created"`
}
