package labresult

import (
	"fmt"
	"strings"
	"time"
)

// LabName identifies the integration a payload came from. Each lab has its
// own payload shape and classification rules.
type LabName string

const (
	// LabCrelio sends quantitative panels with gendered reference bounds and
	// an optional highlight flag.
	LabCrelio LabName = "Crelio"
	// LabSpotDx sends mixed reactivity, genotype and quantity reports.
	LabSpotDx LabName = "SpotDx"
)

// ParseLab resolves a lab name case-insensitively.
func ParseLab(s string) (LabName, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "crelio":
		return LabCrelio, nil
	case "spotdx":
		return LabSpotDx, nil
	}
	return "", fmt.Errorf("unknown lab %q", s)
}

// TestResult is one discrete lab measurement.
type TestResult struct {
	ID              int64     `db:"id" json:"id"`
	PatientID       string    `db:"patient_id" json:"patient_id"`
	AccountID       string    `db:"account_id" json:"account_id"`
	ProductID       *string   `db:"product_id" json:"product_id,omitempty"`
	BundleID        *string   `db:"bundle_id" json:"bundle_id,omitempty"`
	LabName         LabName   `db:"lab_name" json:"lab_name"`
	TestName        string    `db:"test_name" json:"test_name"`
	Result          string    `db:"result" json:"result"`
	IsAbnormal      bool      `db:"is_abnormal" json:"is_abnormal"`
	NeedsProcessing bool      `db:"needs_processing" json:"needs_processing"`
	SourceRef       *string   `db:"source_ref" json:"source_ref,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// Validate checks the fields every stored result must carry.
func (r *TestResult) Validate() error {
	if r.PatientID == "" {
		return fmt.Errorf("patient_id is required")
	}
	if r.AccountID == "" {
		return fmt.Errorf("account_id is required")
	}
	if r.LabName == "" {
		return fmt.Errorf("lab_name is required")
	}
	if r.TestName == "" {
		return fmt.Errorf("test_name is required")
	}
	if r.Result == "" {
		return fmt.Errorf("result is required")
	}
	return nil
}

// Intake carries the transport-level context of one inbound payload.
type Intake struct {
	AccountID string
	ProductID *string
	// Source names the transport (http, kafka, cli) for metrics and logs.
	Source     string
	ReceivedAt time.Time
}

// Rejection records a payload item that could not become a TestResult.
type Rejection struct {
	Index    int    `json:"index"`
	TestName string `json:"test_name,omitempty"`
	Reason   string `json:"reason"`
}

// Batch is the output of normalizing one payload.
type Batch struct {
	Lab      LabName       `json:"lab"`
	Results  []*TestResult `json:"results"`
	Rejected []Rejection   `json:"rejected,omitempty"`
}
