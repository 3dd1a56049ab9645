package labresult

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Normalizer turns one lab-specific payload into discrete, classified
// TestResults. Implementations never persist anything.
type Normalizer interface {
	Lab() LabName
	Normalize(payload []byte, in Intake) (*Batch, error)
}

// Registry selects the normalizer for a lab.
type Registry struct {
	normalizers map[LabName]Normalizer
}

func NewRegistry(normalizers ...Normalizer) *Registry {
	r := &Registry{normalizers: make(map[LabName]Normalizer, len(normalizers))}
	for _, n := range normalizers {
		r.normalizers[n.Lab()] = n
	}
	return r
}

// DefaultRegistry wires both lab integrations with their fallback accounts.
func DefaultRegistry(crelioAccount, spotDxAccount string) *Registry {
	return NewRegistry(
		&CrelioNormalizer{DefaultAccountID: crelioAccount},
		&SpotDxNormalizer{DefaultAccountID: spotDxAccount},
	)
}

func (r *Registry) Get(lab LabName) (Normalizer, error) {
	n, ok := r.normalizers[lab]
	if !ok {
		return nil, fmt.Errorf("no normalizer registered for lab %q", lab)
	}
	return n, nil
}

// Normalize looks up the lab's normalizer and runs it.
func (r *Registry) Normalize(lab LabName, payload []byte, in Intake) (*Batch, error) {
	n, err := r.Get(lab)
	if err != nil {
		return nil, err
	}
	return n.Normalize(payload, in)
}

func decodeObject(payload []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("decode payload: expected a JSON object")
	}
	return doc, nil
}

func accountFor(in Intake, fallback string) string {
	if in.AccountID != "" {
		return in.AccountID
	}
	return fallback
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// accept validates r and either appends it to the batch or records why it
// was dropped.
func (b *Batch) accept(index int, r *TestResult) {
	if err := r.Validate(); err != nil {
		b.Rejected = append(b.Rejected, Rejection{Index: index, TestName: r.TestName, Reason: err.Error()})
		return
	}
	b.Results = append(b.Results, r)
}

// ---------------------------------------------------------------------------
// Crelio
// ---------------------------------------------------------------------------

// CrelioNormalizer reads reportFormatAndValues[] and injects the
// payload-level Gender into every item before classification.
type CrelioNormalizer struct {
	DefaultAccountID string
}

func (n *CrelioNormalizer) Lab() LabName { return LabCrelio }

func (n *CrelioNormalizer) Normalize(payload []byte, in Intake) (*Batch, error) {
	doc, err := decodeObject(payload)
	if err != nil {
		return nil, err
	}

	batch := &Batch{Lab: LabCrelio}
	patientID := stringOf(doc["Patient Id"])
	accountID := accountFor(in, n.DefaultAccountID)
	gender := doc["Gender"]

	reportRef := stringOf(doc["labReportId"])
	if reportRef == "" {
		reportRef = stringOf(doc["Report Id"])
	}

	items, _ := doc["reportFormatAndValues"].([]interface{})
	for i, raw := range items {
		item, ok := raw.(map[string]interface{})
		if !ok {
			batch.Rejected = append(batch.Rejected, Rejection{Index: i, Reason: "item is not an object"})
			continue
		}

		classified := make(map[string]interface{}, len(item)+1)
		for k, v := range item {
			classified[k] = v
		}
		classified["gender"] = gender

		format, _ := item["reportFormat"].(map[string]interface{})
		testName := strings.TrimSpace(stringOf(format["testName"]))

		r := &TestResult{
			PatientID:       patientID,
			AccountID:       accountID,
			ProductID:       in.ProductID,
			LabName:         LabCrelio,
			TestName:        testName,
			Result:          stringOf(item["value"]),
			IsAbnormal:      Classify(LabCrelio, classified),
			NeedsProcessing: true,
		}
		if reportRef != "" && testName != "" {
			r.SourceRef = optional(reportRef + "/" + testName)
		}
		batch.accept(i, r)
	}
	return batch, nil
}

// ---------------------------------------------------------------------------
// SpotDx
// ---------------------------------------------------------------------------

// SpotDxNormalizer reads specimen.reports[].report_result[]. The patient is
// the order's assignee; the report id is used only when no assignee is sent.
type SpotDxNormalizer struct {
	DefaultAccountID string
}

func (n *SpotDxNormalizer) Lab() LabName { return LabSpotDx }

func (n *SpotDxNormalizer) Normalize(payload []byte, in Intake) (*Batch, error) {
	doc, err := decodeObject(payload)
	if err != nil {
		return nil, err
	}

	batch := &Batch{Lab: LabSpotDx}
	accountID := accountFor(in, n.DefaultAccountID)
	assignee := stringOf(doc["assignee_id"])
	orderID := stringOf(doc["order_id"])
	bundle := optional(stringOf(doc["bundle_sku"]))

	reports, _ := doc["reports"].([]interface{})
	if specimen, ok := doc["specimen"].(map[string]interface{}); ok {
		reports, _ = specimen["reports"].([]interface{})
	}

	index := 0
	for _, rawReport := range reports {
		report, ok := rawReport.(map[string]interface{})
		if !ok {
			continue
		}
		reportID := stringOf(report["report_id"])
		patientID := assignee
		if patientID == "" {
			patientID = reportID
		}

		results, _ := report["report_result"].([]interface{})
		for _, raw := range results {
			i := index
			index++

			item, ok := raw.(map[string]interface{})
			if !ok {
				batch.Rejected = append(batch.Rejected, Rejection{Index: i, Reason: "item is not an object"})
				continue
			}

			testName := strings.TrimSpace(stringOf(item["report_name"]))
			r := &TestResult{
				PatientID:       patientID,
				AccountID:       accountID,
				ProductID:       in.ProductID,
				BundleID:        bundle,
				LabName:         LabSpotDx,
				TestName:        testName,
				Result:          stringOf(item["result"]),
				IsAbnormal:      Classify(LabSpotDx, item),
				NeedsProcessing: true,
			}
			if reportID != "" && testName != "" {
				r.SourceRef = optional(orderID + "/" + reportID + "/" + testName)
			}
			batch.accept(i, r)
		}
	}
	return batch, nil
}
