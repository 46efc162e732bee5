// Package worker implements the job execution loop: claim a job, extract its
// media, hand the records to the buffer, and report back to the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/mediascrape/internal/media"
	"github.com/JakeFAU/mediascrape/internal/metrics"
)

const (
	defaultReportTimeout = 10 * time.Second
	claimErrorPause      = 500 * time.Millisecond
)

// Extractor fetches a page and returns its media references.
type Extractor interface {
	Extract(ctx context.Context, url string) ([]media.Reference, error)
}

// Sink accepts extracted records. Add must not fail the job: persistence
// errors are handled by the sink itself.
type Sink interface {
	Add(ctx context.Context, records ...media.Record)
}

// Config controls Worker behavior.
type Config struct {
	ReportTimeout time.Duration
	// Tracer defaults to the global provider's worker tracer.
	Tracer trace.Tracer
}

// Worker consumes queue jobs one at a time. Run N workers for N-way concurrency.
type Worker struct {
	queue     media.JobQueue
	extractor Extractor
	sink      Sink
	clock     media.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	queue media.JobQueue,
	extractor Extractor,
	sink Sink,
	clock media.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = defaultReportTimeout
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/JakeFAU/mediascrape/internal/worker")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		extractor: extractor,
		sink:      sink,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run claims and processes jobs until ctx is canceled or the queue stops
// intake. Canceling ctx only stops claiming: a job already claimed runs to
// completion and is reported.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.queue.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, media.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue claim failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(claimErrorPause):
			}
			continue
		}
		w.logger.Debug("claimed job",
			zap.String("job_id", job.ID),
			zap.String("url", job.URL),
			zap.Int("attempt", job.Attempt),
		)
		w.processJob(context.WithoutCancel(ctx), job)
	}
}

// Execute runs the extraction pipeline for job and classifies the result.
// It has no side effects on the queue or the buffer.
func (w *Worker) Execute(ctx context.Context, job media.Job) Outcome {
	if err := validateJobURL(job.URL); err != nil {
		return Outcome{Status: StatusTerminal, Err: err}
	}
	refs, err := w.extractor.Extract(ctx, job.URL)
	if err != nil {
		return Outcome{Status: StatusRetryable, Err: err}
	}
	return Outcome{Status: StatusSucceeded, References: refs}
}

func (w *Worker) processJob(ctx context.Context, job media.Job) {
	metrics.IncActiveJobs()
	defer metrics.DecActiveJobs()

	ctx, span := w.cfg.Tracer.Start(ctx, "scrape.job", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("url.full", job.URL),
		attribute.Int("job.attempt", job.Attempt),
	))
	defer span.End()

	start := w.clock.Now()
	outcome := w.Execute(ctx, job)
	metrics.ObserveJob(outcome.Status.String(), w.clock.Now().Sub(start))

	span.SetAttributes(
		attribute.String("job.outcome", outcome.Status.String()),
		attribute.Int("media.found", len(outcome.References)),
	)
	if outcome.Err != nil {
		span.RecordError(outcome.Err)
		span.SetStatus(codes.Error, outcome.Status.String())
	}

	switch outcome.Status {
	case StatusSucceeded:
		w.handleSuccess(ctx, job, outcome.References)
	case StatusTerminal:
		w.logger.Warn("job rejected",
			zap.String("job_id", job.ID),
			zap.String("url", job.URL),
			zap.Error(outcome.Err),
		)
		w.reportFailure(ctx, job, media.Terminal(outcome.Err))
	default:
		w.logger.Warn("job failed",
			zap.String("job_id", job.ID),
			zap.String("url", job.URL),
			zap.Int("attempt", job.Attempt),
			zap.Int("max_attempts", job.MaxAttempts),
			zap.Error(outcome.Err),
		)
		w.reportFailure(ctx, job, outcome.Err)
	}
}

func (w *Worker) handleSuccess(ctx context.Context, job media.Job, refs []media.Reference) {
	records := w.toRecords(job, refs)
	if len(records) > 0 {
		w.sink.Add(ctx, records...)
	}
	observeKinds(job.URL, refs)

	reportCtx, cancel := context.WithTimeout(ctx, w.cfg.ReportTimeout)
	defer cancel()
	err := w.queue.Complete(reportCtx, job, media.Summary{Found: len(refs)})
	metrics.ObserveQueueReport("complete", err)
	if err != nil {
		w.logger.Error("report completion failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	w.logger.Info("job completed",
		zap.String("job_id", job.ID),
		zap.String("url", job.URL),
		zap.Int("found", len(refs)),
	)
}

func (w *Worker) reportFailure(ctx context.Context, job media.Job, cause error) {
	reportCtx, cancel := context.WithTimeout(ctx, w.cfg.ReportTimeout)
	defer cancel()
	err := w.queue.Fail(reportCtx, job, cause)
	metrics.ObserveQueueReport("fail", err)
	if err != nil {
		w.logger.Error("report failure failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// toRecords tags references with the job's source URL, preserving extraction order.
func (w *Worker) toRecords(job media.Job, refs []media.Reference) []media.Record {
	now := w.clock.Now()
	records := make([]media.Record, 0, len(refs))
	for _, ref := range refs {
		records = append(records, media.Record{
			Kind:      ref.Kind,
			URL:       ref.URL,
			SourceURL: job.URL,
			AltText:   ref.AltText,
			JobID:     job.ID,
			CreatedAt: now,
		})
	}
	return records
}

func observeKinds(pageURL string, refs []media.Reference) {
	var images, videos int
	for _, ref := range refs {
		if ref.Kind == media.KindImage {
			images++
		} else {
			videos++
		}
	}
	metrics.ObserveMedia(pageURL, string(media.KindImage), images)
	metrics.ObserveMedia(pageURL, string(media.KindVideo), videos)
}

func validateJobURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid job url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid job url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid job url %q: missing host", raw)
	}
	return nil
}
