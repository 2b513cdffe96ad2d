// Package orchestrator drives a job through its state machine: pending,
// processing, then completed or failed. It owns every mutation of a job
// record after creation; readers only ever see committed snapshots.
package orchestrator

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/docflow-io/docflow/internal/domain"
	"github.com/docflow-io/docflow/internal/engine"
	"github.com/docflow-io/docflow/internal/id"
	"github.com/docflow-io/docflow/internal/limiter"
	"github.com/docflow-io/docflow/internal/store"
	"github.com/docflow-io/docflow/internal/webhook"
)

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

type Config struct {
	// EngineTimeout caps a single conversion attempt. Zero disables the cap.
	EngineTimeout time.Duration
}

type Orchestrator struct {
	logger        *log.Logger
	store         store.JobStore
	engine        engine.Engine
	limiter       *limiter.Limiter
	webhookClient webhookSender
	engineTimeout time.Duration
	metrics       *metrics
	tracer        trace.Tracer
	now           func() time.Time

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func New(
	logger *log.Logger,
	jobStore store.JobStore,
	eng engine.Engine,
	lim *limiter.Limiter,
	webhookClient webhookSender,
	cfg Config,
	reg prometheus.Registerer,
) *Orchestrator {
	return &Orchestrator{
		logger:        logger,
		store:         jobStore,
		engine:        eng,
		limiter:       lim,
		webhookClient: webhookClient,
		engineTimeout: cfg.EngineTimeout,
		metrics:       newMetrics(reg),
		tracer:        otel.Tracer("docflow/orchestrator"),
		now:           time.Now,
		running:       make(map[string]context.CancelFunc),
	}
}

type CreateParams struct {
	Filename    string
	Path        string
	ContentType string
	SizeBytes   int64
	Options     domain.Options
	WebhookURL  string
}

// Create stores a new pending record. The options snapshot is copied so
// later caller mutations cannot leak into the job.
func (o *Orchestrator) Create(ctx context.Context, params CreateParams) (domain.Job, error) {
	if err := params.Options.Validate(); err != nil {
		return domain.Job{}, err
	}

	now := o.now().UTC()
	job := domain.Job{
		ID:                id.New(),
		SourceFilename:    params.Filename,
		SourcePath:        params.Path,
		SourceContentType: params.ContentType,
		SizeBytes:         params.SizeBytes,
		Options:           params.Options.Clone(),
		WebhookURL:        params.WebhookURL,
		State:             domain.JobStatePending,
		Progress:          0,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	o.store.Put(job)
	o.logger.Printf("job created job_id=%s filename=%s size_bytes=%d", job.ID, job.SourceFilename, job.SizeBytes)
	return job, nil
}

// Dispatch launches the conversion for a job on its own goroutine. At most
// one run is active per job id; a second dispatch while one is registered
// is a no-op.
func (o *Orchestrator) Dispatch(jobID string) {
	o.mu.Lock()
	if _, active := o.running[jobID]; active {
		o.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(context.Background())
	o.running[jobID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go o.run(runCtx, jobID)
}

// Cancel moves a pending or processing job to failed and signals any
// in-flight attempt to stop. The signal is best effort: the engine call may
// keep running, but its outcome is discarded.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	job, err := o.store.Update(jobID, func(j *domain.Job) error {
		if !j.CanCancel() {
			return domain.ErrInvalidState
		}
		now := o.now().UTC()
		j.State = domain.JobStateFailed
		j.Error = domain.CancelledByUser
		j.CompletedAt = &now
		j.Result = nil
		return nil
	})
	if err != nil {
		return err
	}

	o.mu.Lock()
	if cancel, active := o.running[jobID]; active {
		cancel()
	}
	o.mu.Unlock()

	o.logger.Printf("job cancelled job_id=%s", jobID)
	o.dispatchWebhook(ctx, job, webhook.EventJobFailed)
	return nil
}

// Retry resets a failed job to pending and re-dispatches it with the
// original options snapshot.
func (o *Orchestrator) Retry(ctx context.Context, jobID string) error {
	_, err := o.store.Update(jobID, func(j *domain.Job) error {
		if !j.CanRetry() {
			return domain.ErrInvalidState
		}
		j.State = domain.JobStatePending
		j.Progress = 0
		j.Error = ""
		j.StartedAt = nil
		j.CompletedAt = nil
		j.Result = nil
		return nil
	})
	if err != nil {
		return err
	}

	o.logger.Printf("job retrying job_id=%s", jobID)
	o.Dispatch(jobID)
	return nil
}

// Status returns the latest committed snapshot for a job.
func (o *Orchestrator) Status(jobID string) (domain.Job, error) {
	return o.store.Get(jobID)
}

// Result returns the completed job carrying its result. Unknown ids,
// non-completed jobs, and a missing result on a completed job all surface
// as not found.
func (o *Orchestrator) Result(jobID string) (domain.Job, error) {
	job, err := o.store.Get(jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if job.State != domain.JobStateCompleted || job.Result == nil {
		return domain.Job{}, domain.ErrNotFound
	}
	return job, nil
}

func (o *Orchestrator) List(state string, page, perPage int) ([]domain.Job, int, error) {
	return o.store.List(state, page, perPage)
}

// Slots reports how many conversion slots are busy and the configured cap.
func (o *Orchestrator) Slots() (int, int) {
	return o.limiter.InUse(), o.limiter.Capacity()
}

// Shutdown waits for in-flight runs to finish. Once the context expires,
// remaining runs are signalled to stop and the context error is returned.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		o.mu.Lock()
		for _, cancel := range o.running {
			cancel()
		}
		o.mu.Unlock()
		return ctx.Err()
	}
}

func (o *Orchestrator) run(runCtx context.Context, jobID string) {
	defer o.wg.Done()
	defer o.clearRunning(jobID)

	job, err := o.store.Get(jobID)
	if err != nil {
		o.logger.Printf("run skipped, job missing job_id=%s err=%v", jobID, err)
		return
	}

	ctx, span := o.tracer.Start(runCtx, "orchestrator.convert", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.filename", job.SourceFilename),
		attribute.Int64("job.size_bytes", job.SizeBytes),
	)
	defer span.End()

	if err := o.limiter.Acquire(ctx); err != nil {
		// Cancelled while waiting for a slot; the terminal state was
		// already written by Cancel.
		span.SetStatus(codes.Error, "cancelled before start")
		return
	}
	defer o.limiter.Release()

	started := o.now().UTC()
	if _, err := o.store.Update(jobID, func(j *domain.Job) error {
		if j.State != domain.JobStatePending {
			return domain.ErrInvalidState
		}
		j.State = domain.JobStateProcessing
		j.StartedAt = &started
		j.Progress = 10
		return nil
	}); err != nil {
		span.SetStatus(codes.Error, "not pending at start")
		return
	}

	o.metrics.activeJobs.Inc()
	defer o.metrics.activeJobs.Dec()

	o.logger.Printf("job processing job_id=%s filename=%s", jobID, job.SourceFilename)
	o.setProgress(jobID, 20)

	engineCtx := ctx
	if o.engineTimeout > 0 {
		var cancelTimeout context.CancelFunc
		engineCtx, cancelTimeout = context.WithTimeout(ctx, o.engineTimeout)
		defer cancelTimeout()
	}

	o.setProgress(jobID, 30)
	output, convErr := o.engine.Convert(engineCtx, job.SourcePath, job.Options)
	duration := o.now().UTC().Sub(started)

	if convErr != nil {
		o.finishFailed(ctx, jobID, convErr, duration, span)
		return
	}
	o.finishCompleted(ctx, jobID, output, duration, span)
}

// setProgress records a coarse milestone. Progress only moves forward and
// only while the job is still processing; a lost race with Cancel is fine.
func (o *Orchestrator) setProgress(jobID string, progress int) {
	_, _ = o.store.Update(jobID, func(j *domain.Job) error {
		if j.State != domain.JobStateProcessing {
			return domain.ErrInvalidState
		}
		if progress > j.Progress {
			j.Progress = progress
		}
		return nil
	})
}

func (o *Orchestrator) finishCompleted(ctx context.Context, jobID string, output *engine.Output, duration time.Duration, span trace.Span) {
	completed := o.now().UTC()
	job, err := o.store.Update(jobID, func(j *domain.Job) error {
		if j.State != domain.JobStateProcessing {
			return domain.ErrInvalidState
		}
		j.State = domain.JobStateCompleted
		j.Progress = 100
		j.CompletedAt = &completed
		j.Error = ""
		j.Result = &domain.ConversionResult{
			Markdown:                  output.Markdown,
			HTML:                      output.HTML,
			Structured:                output.Structured,
			Pages:                     output.Pages,
			ElementsDetected:          output.ElementsDetected,
			ModelUsed:                 output.ModelUsed,
			FileType:                  j.SourceContentType,
			ProcessingDurationSeconds: duration.Seconds(),
		}
		return nil
	})
	if err != nil {
		// Cancel won the race; its terminal state stands and this result
		// is dropped.
		span.SetStatus(codes.Error, "superseded by cancellation")
		return
	}

	// The source upload is only needed for conversion and retries, and a
	// completed job is never retried.
	if job.SourcePath != "" {
		if rmErr := os.Remove(job.SourcePath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			o.logger.Printf("source cleanup failed job_id=%s err=%v", jobID, rmErr)
		}
	}

	o.metrics.jobsTotal.WithLabelValues(domain.JobStateCompleted).Inc()
	o.metrics.jobDuration.WithLabelValues(domain.JobStateCompleted).Observe(duration.Seconds())
	o.metrics.pagesConvertedTotal.Add(float64(output.Pages))
	span.SetStatus(codes.Ok, "completed")

	o.logger.Printf("job completed job_id=%s pages=%d duration=%.2fs", jobID, output.Pages, duration.Seconds())
	o.dispatchWebhook(ctx, job, webhook.EventJobCompleted)
}

func (o *Orchestrator) finishFailed(ctx context.Context, jobID string, convErr error, duration time.Duration, span trace.Span) {
	completed := o.now().UTC()
	job, err := o.store.Update(jobID, func(j *domain.Job) error {
		if j.State != domain.JobStateProcessing {
			return domain.ErrInvalidState
		}
		j.State = domain.JobStateFailed
		j.Error = convErr.Error()
		j.CompletedAt = &completed
		j.Result = nil
		return nil
	})
	if err != nil {
		if !errors.Is(err, domain.ErrInvalidState) {
			o.logger.Printf("job failure write lost job_id=%s err=%v", jobID, err)
		}
		return
	}

	o.metrics.jobsTotal.WithLabelValues(domain.JobStateFailed).Inc()
	o.metrics.jobDuration.WithLabelValues(domain.JobStateFailed).Observe(duration.Seconds())
	span.RecordError(convErr)
	span.SetStatus(codes.Error, "conversion failed")

	o.logger.Printf("job failed job_id=%s err=%v", jobID, convErr)
	o.dispatchWebhook(ctx, job, webhook.EventJobFailed)
}

func (o *Orchestrator) clearRunning(jobID string) {
	o.mu.Lock()
	if cancel, ok := o.running[jobID]; ok {
		cancel()
		delete(o.running, jobID)
	}
	o.mu.Unlock()

	// A retry issued while this run was still winding down could not start
	// a second run (at most one per id). Pick it up now.
	if job, err := o.store.Get(jobID); err == nil && job.State == domain.JobStatePending {
		o.Dispatch(jobID)
	}
}

func (o *Orchestrator) dispatchWebhook(ctx context.Context, job domain.Job, event string) {
	if o.webhookClient == nil || job.WebhookURL == "" {
		return
	}

	payload := map[string]any{
		"job_id":   job.ID,
		"state":    job.State,
		"filename": job.SourceFilename,
	}
	if job.Error != "" {
		payload["error"] = job.Error
	}
	if job.CompletedAt != nil {
		payload["completed_at"] = job.CompletedAt.UTC()
	}
	if job.Result != nil {
		payload["pages"] = job.Result.Pages
	}

	if err := o.webhookClient.Send(context.WithoutCancel(ctx), job.WebhookURL, event, payload); err != nil {
		o.logger.Printf("webhook delivery failed job_id=%s event=%s err=%v", job.ID, event, err)
	}
}
