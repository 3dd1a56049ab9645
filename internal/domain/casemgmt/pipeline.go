package casemgmt

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/labcase/labcase/internal/domain/labresult"
	"github.com/labcase/labcase/internal/platform/metrics"
)

// Options tunes a Processor. The zero value gives per-patient cases, a
// clock-seeded tie-breaker and no auditing.
type Options struct {
	Granularity Granularity
	Rand        *rand.Rand
	Auditor     Auditor
}

// Processor drives every test result through classify, scope, dedup,
// resolve and link. Each result ends in exactly one Outcome.
type Processor struct {
	results  labresult.Repository
	registry *labresult.Registry
	scope    *ScopeGate
	dedup    *DedupGuard
	resolver *Resolver
	linker   *Linker
	auditor  Auditor
	logger   zerolog.Logger
}

func NewProcessor(store *Store, results labresult.Repository, registry *labresult.Registry, opts Options, logger zerolog.Logger) *Processor {
	linker := NewLinker(store.Links, store.Rules)
	assigner := NewAssigner(store.Managers, store.Cases, opts.Rand)
	auditor := opts.Auditor
	if auditor == nil {
		auditor = nopAuditor{}
	}
	return &Processor{
		results:  results,
		registry: registry,
		scope:    NewScopeGate(store.Settings),
		dedup:    NewDedupGuard(store.Links),
		resolver: NewResolver(store.Cases, store.Locker, assigner, linker, opts.Granularity),
		linker:   linker,
		auditor:  auditor,
		logger:   logger,
	}
}

// Process runs one stored result to its outcome and clears its
// needs_processing flag. A result that no longer needs processing is
// reported as a duplicate without touching any case. On error the flag is
// left set so a later rescan retries.
func (p *Processor) Process(ctx context.Context, r *labresult.TestResult) (Outcome, error) {
	start := time.Now()
	d := Decision{TestResultID: r.ID, Lab: r.LabName, AccountID: r.AccountID, TestName: r.TestName}

	outcome, res, err := p.process(ctx, r)
	d.Duration = time.Since(start)
	if err != nil {
		d.Err = err
		p.auditor.Record(ctx, d)
		return "", err
	}
	d.Outcome, d.Resolution = outcome, res
	p.auditor.Record(ctx, d)
	return outcome, nil
}

func (p *Processor) process(ctx context.Context, r *labresult.TestResult) (Outcome, *Resolution, error) {
	if r.ID <= 0 {
		return "", nil, fmt.Errorf("%w: test result has no id", ErrValidation)
	}
	if !r.NeedsProcessing {
		return OutcomeDuplicate, nil, nil
	}
	if !r.IsAbnormal {
		return p.finish(ctx, r, OutcomeNegative)
	}

	inScope, err := p.scope.IsInScope(ctx, r.ProductID, r.AccountID)
	if err != nil {
		return "", nil, err
	}
	if !inScope {
		return p.finish(ctx, r, OutcomeOutOfScope)
	}

	dup, err := p.dedup.IsAlreadyProcessed(ctx, r.ID)
	if err != nil {
		return "", nil, err
	}
	if dup {
		return p.finish(ctx, r, OutcomeDuplicate)
	}

	outcome := OutcomeLinked
	res, err := p.resolver.ResolveAndThen(ctx, r, func(ctx context.Context, rs *Resolution) error {
		linked, err := p.linker.LinkResultToCase(ctx, rs.CaseID, r)
		if err != nil {
			return err
		}
		if !linked {
			outcome = OutcomeDuplicate
		}
		return p.markProcessed(ctx, r)
	})
	if err != nil {
		return "", nil, err
	}
	return outcome, res, nil
}

func (p *Processor) finish(ctx context.Context, r *labresult.TestResult, o Outcome) (Outcome, *Resolution, error) {
	if err := p.markProcessed(ctx, r); err != nil {
		return "", nil, err
	}
	return o, nil, nil
}

func (p *Processor) markProcessed(ctx context.Context, r *labresult.TestResult) error {
	if err := p.results.MarkProcessed(ctx, r.ID); err != nil {
		return fmt.Errorf("mark result %d processed: %w", r.ID, err)
	}
	r.NeedsProcessing = false
	return nil
}

// BatchReport summarizes one ingest or rescan pass. StoreFailed counts the
// results that never reached the results table and are included in Failed.
type BatchReport struct {
	Lab         labresult.LabName     `json:"lab,omitempty"`
	Received    int                   `json:"received"`
	Rejected    []labresult.Rejection `json:"rejected,omitempty"`
	Outcomes    map[Outcome]int       `json:"outcomes"`
	Failed      int                   `json:"failed"`
	StoreFailed int                   `json:"store_failed"`
	ResultIDs   []int64               `json:"result_ids,omitempty"`
}

func newBatchReport(lab labresult.LabName) *BatchReport {
	return &BatchReport{Lab: lab, Outcomes: make(map[Outcome]int)}
}

// Ingest normalizes a lab payload, stores each result and processes it. A
// malformed payload fails as a whole. Per-result failures are collected,
// the batch continues and the joined errors are returned with the report.
func (p *Processor) Ingest(ctx context.Context, lab labresult.LabName, payload []byte, in labresult.Intake) (*BatchReport, error) {
	batch, err := p.registry.Normalize(lab, payload, in)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	report := newBatchReport(lab)
	report.Received = len(batch.Results) + len(batch.Rejected)
	report.Rejected = batch.Rejected
	if len(batch.Rejected) > 0 {
		metrics.RecordRejected(string(lab), len(batch.Rejected))
		for _, rej := range batch.Rejected {
			p.logger.Warn().
				Str("lab", string(lab)).
				Int("index", rej.Index).
				Str("test_name", rej.TestName).
				Str("reason", rej.Reason).
				Msg("dropping invalid lab item")
		}
	}

	var errs []error
	stored := 0
	for _, r := range batch.Results {
		if err := p.results.Upsert(ctx, r); err != nil {
			report.Failed++
			report.StoreFailed++
			errs = append(errs, fmt.Errorf("%w: %s result %q: %w", ErrStore, lab, r.TestName, err))
			p.logger.Error().Err(err).Str("lab", string(lab)).Str("test_name", r.TestName).Msg("failed to store test result")
			continue
		}
		stored++
		report.ResultIDs = append(report.ResultIDs, r.ID)
		p.processInto(ctx, r, report, &errs)
	}
	metrics.RecordIngested(string(lab), sourceOf(in), stored)

	return report, errors.Join(errs...)
}

// DefaultRescanLimit bounds a rescan pass when no positive limit is given.
const DefaultRescanLimit = 500

// Rescan processes up to limit results still flagged needs_processing.
// A limit of zero or less means DefaultRescanLimit.
func (p *Processor) Rescan(ctx context.Context, limit int) (*BatchReport, error) {
	if limit <= 0 {
		limit = DefaultRescanLimit
	}
	pending, err := p.results.ListUnprocessed(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed results: %w", err)
	}
	report := newBatchReport("")
	report.Received = len(pending)
	var errs []error
	for _, r := range pending {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		report.ResultIDs = append(report.ResultIDs, r.ID)
		p.processInto(ctx, r, report, &errs)
	}
	return report, errors.Join(errs...)
}

// StartRescan runs Rescan on every tick until ctx is cancelled.
func (p *Processor) StartRescan(ctx context.Context, interval time.Duration, limit int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := p.Rescan(ctx, limit)
			if err != nil {
				p.logger.Error().Err(err).Msg("rescan finished with errors")
			}
			if report != nil && report.Received > 0 {
				p.logger.Info().Int("received", report.Received).Int("failed", report.Failed).Msg("rescan pass complete")
			}
		}
	}
}

func (p *Processor) processInto(ctx context.Context, r *labresult.TestResult, report *BatchReport, errs *[]error) {
	outcome, err := p.Process(ctx, r)
	if err != nil {
		report.Failed++
		*errs = append(*errs, fmt.Errorf("process result %d: %w", r.ID, err))
		return
	}
	report.Outcomes[outcome]++
}

func sourceOf(in labresult.Intake) string {
	if in.Source == "" {
		return "unknown"
	}
	return in.Source
}
