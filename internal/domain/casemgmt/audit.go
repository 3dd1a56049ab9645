package casemgmt

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/labcase/labcase/internal/domain/labresult"
	"github.com/labcase/labcase/internal/platform/metrics"
)

type Outcome string

const (
	OutcomeNegative   Outcome = "negative"
	OutcomeOutOfScope Outcome = "out_of_scope"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeLinked     Outcome = "linked"
)

// Decision is one pipeline run over a test result. Err is set when the run
// failed before reaching an outcome.
type Decision struct {
	TestResultID int64
	Lab          labresult.LabName
	AccountID    string
	TestName     string
	Outcome      Outcome
	Resolution   *Resolution
	Err          error
	Duration     time.Duration
}

// Auditor receives every pipeline decision.
type Auditor interface {
	Record(ctx context.Context, d Decision)
}

// LogAuditor writes decisions to zerolog and Prometheus.
type LogAuditor struct {
	logger zerolog.Logger
}

func NewLogAuditor(logger zerolog.Logger) *LogAuditor {
	return &LogAuditor{logger: logger.With().Str("component", "intake").Logger()}
}

func (a *LogAuditor) Record(_ context.Context, d Decision) {
	lab := string(d.Lab)
	if d.Err != nil {
		metrics.RecordPipelineFailure(lab)
		a.logger.Error().Err(d.Err).
			Int64("test_result_id", d.TestResultID).
			Str("lab", lab).
			Str("account_id", d.AccountID).
			Str("test_name", d.TestName).
			Msg("test result processing failed")
		return
	}

	metrics.RecordOutcome(lab, string(d.Outcome))
	ev := a.logger.Info().
		Int64("test_result_id", d.TestResultID).
		Str("lab", lab).
		Str("account_id", d.AccountID).
		Str("test_name", d.TestName).
		Str("outcome", string(d.Outcome)).
		Dur("duration", d.Duration)
	if d.Resolution != nil {
		if d.Resolution.Created {
			metrics.RecordCaseCreated()
		}
		ev = ev.Str("case_id", d.Resolution.CaseID.String()).
			Int64("case_manager_id", d.Resolution.CaseManagerID).
			Bool("case_created", d.Resolution.Created)
	}
	ev.Msg("test result processed")
}

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, Decision) {}
