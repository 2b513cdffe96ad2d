package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docflow-io/docflow/internal/domain"
	"github.com/docflow-io/docflow/internal/engine"
	"github.com/docflow-io/docflow/internal/limiter"
	"github.com/docflow-io/docflow/internal/store"
)

type funcEngine struct {
	mu      sync.Mutex
	calls   int
	convert func(ctx context.Context, path string, options domain.Options) (*engine.Output, error)
}

func (e *funcEngine) Convert(ctx context.Context, path string, options domain.Options) (*engine.Output, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	return e.convert(ctx, path, options)
}

func (e *funcEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func newTestOrchestrator(eng engine.Engine, slots int) *Orchestrator {
	logger := log.New(io.Discard, "", 0)
	return New(logger, store.NewMemoryJobStore(), eng, limiter.New(slots), nil, Config{}, nil)
}

func createJob(t *testing.T, o *Orchestrator) domain.Job {
	t.Helper()
	job, err := o.Create(context.Background(), CreateParams{
		Filename:    "report.pdf",
		Path:        "/tmp/report.pdf",
		ContentType: "application/pdf",
		SizeBytes:   10,
		Options:     domain.Options{"output_format": "markdown"},
	})
	if err != nil {
		t.Fatalf("create returned error: %v", err)
	}
	return job
}

func waitForState(t *testing.T, o *Orchestrator, jobID, state string) domain.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := o.Status(jobID)
		if err != nil {
			t.Fatalf("status returned error: %v", err)
		}
		if job.State == state {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := o.Status(jobID)
	t.Fatalf("job %s never reached %s, stuck at %s", jobID, state, job.State)
	return domain.Job{}
}

func TestCreateStartsPending(t *testing.T) {
	o := newTestOrchestrator(&funcEngine{}, 1)
	options := domain.Options{"output_format": "markdown"}

	job, err := o.Create(context.Background(), CreateParams{
		Filename:  "a.pdf",
		Path:      "/tmp/a.pdf",
		SizeBytes: 42,
		Options:   options,
	})
	if err != nil {
		t.Fatalf("create returned error: %v", err)
	}
	if job.State != domain.JobStatePending || job.Progress != 0 {
		t.Fatalf("expected pending/0, got %s/%d", job.State, job.Progress)
	}
	if job.ID == "" || job.CreatedAt.IsZero() {
		t.Fatal("expected id and creation timestamp")
	}

	// The snapshot must be immune to later caller mutation.
	options["output_format"] = "html"
	stored, _ := o.Status(job.ID)
	if stored.Options["output_format"] != "markdown" {
		t.Fatal("options snapshot shared with caller")
	}
}

func TestCreateRejectsUnknownOptions(t *testing.T) {
	o := newTestOrchestrator(&funcEngine{}, 1)
	_, err := o.Create(context.Background(), CreateParams{
		Filename: "a.pdf",
		Options:  domain.Options{"page_range": "1-2"},
	})
	if err == nil {
		t.Fatal("expected validation error for unsupported option")
	}
}

func TestRunSuccess(t *testing.T) {
	eng := &funcEngine{convert: func(ctx context.Context, path string, options domain.Options) (*engine.Output, error) {
		time.Sleep(10 * time.Millisecond)
		return &engine.Output{
			Markdown:         "# Report",
			HTML:             "<h1>Report</h1>",
			Structured:       map[string]any{"title": "Report"},
			Pages:            4,
			ElementsDetected: 31,
			ModelUsed:        "granite-docling-258m",
		}, nil
	}}
	o := newTestOrchestrator(eng, 1)
	job := createJob(t, o)
	o.Dispatch(job.ID)

	done := waitForState(t, o, job.ID, domain.JobStateCompleted)
	if done.Result == nil {
		t.Fatal("completed job has no result")
	}
	if done.Error != "" {
		t.Fatalf("completed job carries error: %q", done.Error)
	}
	if done.Progress != 100 {
		t.Fatalf("expected progress 100, got %d", done.Progress)
	}
	if done.StartedAt == nil || done.CompletedAt == nil {
		t.Fatal("expected started and completed timestamps")
	}
	if done.CompletedAt.Before(*done.StartedAt) || done.StartedAt.Before(done.CreatedAt) {
		t.Fatal("expected completedAt >= startedAt >= createdAt")
	}
	if done.Result.Pages != 4 || done.Result.Markdown != "# Report" {
		t.Fatalf("unexpected result payload: %+v", done.Result)
	}
	if done.Result.FileType != "application/pdf" {
		t.Fatalf("expected source content type on result, got %q", done.Result.FileType)
	}
	if done.Result.ProcessingDurationSeconds <= 0 {
		t.Fatalf("expected positive processing duration, got %f", done.Result.ProcessingDurationSeconds)
	}

	got, err := o.Result(job.ID)
	if err != nil {
		t.Fatalf("result returned error: %v", err)
	}
	if got.Result.HTML != "<h1>Report</h1>" {
		t.Fatalf("unexpected result html: %q", got.Result.HTML)
	}
}

func TestRunFailureRecordsEngineMessage(t *testing.T) {
	eng := &funcEngine{convert: func(ctx context.Context, path string, options domain.Options) (*engine.Output, error) {
		return nil, errors.New("conversion engine failed: malformed input")
	}}
	o := newTestOrchestrator(eng, 1)
	job := createJob(t, o)
	o.Dispatch(job.ID)

	failed := waitForState(t, o, job.ID, domain.JobStateFailed)
	if failed.Error != "conversion engine failed: malformed input" {
		t.Fatalf("unexpected error message: %q", failed.Error)
	}
	if failed.Result != nil {
		t.Fatal("failed job carries a result")
	}
	if failed.CompletedAt == nil {
		t.Fatal("failed job missing completedAt")
	}

	if _, err := o.Result(job.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for failed job result, got %v", err)
	}
}

func TestCancelPendingJob(t *testing.T) {
	o := newTestOrchestrator(&funcEngine{}, 1)
	job := createJob(t, o)

	if err := o.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("cancel returned error: %v", err)
	}

	cancelled, _ := o.Status(job.ID)
	if cancelled.State != domain.JobStateFailed {
		t.Fatalf("expected failed, got %s", cancelled.State)
	}
	if cancelled.Error != domain.CancelledByUser {
		t.Fatalf("expected %q, got %q", domain.CancelledByUser, cancelled.Error)
	}
	if cancelled.CompletedAt == nil {
		t.Fatal("cancelled job missing completedAt")
	}

	if err := o.Cancel(context.Background(), job.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second cancel, got %v", err)
	}
}

func TestCancelProcessingJob(t *testing.T) {
	started := make(chan struct{})
	eng := &funcEngine{convert: func(ctx context.Context, path string, options domain.Options) (*engine.Output, error) {
		close(started)
		<-ctx.Done()
		return nil, fmt.Errorf("conversion aborted: %w", ctx.Err())
	}}
	o := newTestOrchestrator(eng, 1)
	job := createJob(t, o)
	o.Dispatch(job.ID)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("engine never started")
	}

	if err := o.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("cancel returned error: %v", err)
	}

	failed := waitForState(t, o, job.ID, domain.JobStateFailed)
	if failed.Error != domain.CancelledByUser {
		t.Fatalf("expected cancellation message, got %q", failed.Error)
	}

	// The abandoned attempt must give back its slot.
	deadline := time.Now().Add(2 * time.Second)
	for o.limiter.InUse() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("slot leaked after cancellation: %d in use", o.limiter.InUse())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCancelCompletedJobInvalid(t *testing.T) {
	eng := &funcEngine{convert: func(ctx context.Context, path string, options domain.Options) (*engine.Output, error) {
		return &engine.Output{Pages: 1}, nil
	}}
	o := newTestOrchestrator(eng, 1)
	job := createJob(t, o)
	o.Dispatch(job.ID)
	waitForState(t, o, job.ID, domain.JobStateCompleted)

	if err := o.Cancel(context.Background(), job.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestRetryFailedJobRunsAgain(t *testing.T) {
	var attempts atomic.Int32
	eng := &funcEngine{convert: func(ctx context.Context, path string, options domain.Options) (*engine.Output, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("transient engine fault")
		}
		if options["output_format"] != "markdown" {
			return nil, errors.New("options snapshot lost on retry")
		}
		return &engine.Output{Pages: 2}, nil
	}}
	o := newTestOrchestrator(eng, 1)
	job := createJob(t, o)
	o.Dispatch(job.ID)
	waitForState(t, o, job.ID, domain.JobStateFailed)

	if err := o.Retry(context.Background(), job.ID); err != nil {
		t.Fatalf("retry returned error: %v", err)
	}

	done := waitForState(t, o, job.ID, domain.JobStateCompleted)
	if done.Error != "" {
		t.Fatalf("retried job carries stale error: %q", done.Error)
	}
	if attempts.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts.Load())
	}
}

func TestRetryResetsRecord(t *testing.T) {
	blocked := make(chan struct{})
	eng := &funcEngine{convert: func(ctx context.Context, path string, options domain.Options) (*engine.Output, error) {
		<-blocked
		return nil, errors.New("engine fault")
	}}
	o := newTestOrchestrator(eng, 1)
	job := createJob(t, o)

	// Fail it without running: cancel while pending.
	if err := o.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("cancel returned error: %v", err)
	}
	if err := o.Retry(context.Background(), job.ID); err != nil {
		t.Fatalf("retry returned error: %v", err)
	}

	// The retried record is clean even before the run picks it up.
	retried, _ := o.Status(job.ID)
	if retried.Error != "" || retried.CompletedAt != nil || retried.Result != nil {
		t.Fatalf("retry left stale terminal fields: %+v", retried)
	}
	close(blocked)
	waitForState(t, o, job.ID, domain.JobStateFailed)
}

func TestRetryNonFailedJobInvalid(t *testing.T) {
	o := newTestOrchestrator(&funcEngine{}, 1)
	job := createJob(t, o)

	if err := o.Retry(context.Background(), job.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for pending job, got %v", err)
	}
}

func TestCancelAndRetryUnknownJob(t *testing.T) {
	o := newTestOrchestrator(&funcEngine{}, 1)

	if err := o.Cancel(context.Background(), "ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from cancel, got %v", err)
	}
	if err := o.Retry(context.Background(), "ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from retry, got %v", err)
	}
	if _, err := o.Status("ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from status, got %v", err)
	}
	if _, err := o.Result("ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from result, got %v", err)
	}
}

func TestConcurrencyBounded(t *testing.T) {
	const slots = 2
	var active, peak atomic.Int32
	eng := &funcEngine{convert: func(ctx context.Context, path string, options domain.Options) (*engine.Output, error) {
		current := active.Add(1)
		for {
			observed := peak.Load()
			if current <= observed || peak.CompareAndSwap(observed, current) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return &engine.Output{Pages: 1}, nil
	}}
	o := newTestOrchestrator(eng, slots)

	ids := make([]string, 0, 6)
	for range 6 {
		job := createJob(t, o)
		ids = append(ids, job.ID)
		o.Dispatch(job.ID)
	}
	for _, jobID := range ids {
		waitForState(t, o, jobID, domain.JobStateCompleted)
	}

	if peak.Load() > slots {
		t.Fatalf("observed %d concurrent conversions, limit is %d", peak.Load(), slots)
	}
}

func TestDuplicateDispatchIsNoOp(t *testing.T) {
	release := make(chan struct{})
	eng := &funcEngine{convert: func(ctx context.Context, path string, options domain.Options) (*engine.Output, error) {
		<-release
		return &engine.Output{Pages: 1}, nil
	}}
	o := newTestOrchestrator(eng, 2)
	job := createJob(t, o)

	o.Dispatch(job.ID)
	o.Dispatch(job.ID)
	o.Dispatch(job.ID)
	close(release)
	waitForState(t, o, job.ID, domain.JobStateCompleted)

	if eng.callCount() != 1 {
		t.Fatalf("expected a single engine call, got %d", eng.callCount())
	}
}

func TestShutdownWaitsForRuns(t *testing.T) {
	release := make(chan struct{})
	eng := &funcEngine{convert: func(ctx context.Context, path string, options domain.Options) (*engine.Output, error) {
		<-release
		return &engine.Output{Pages: 1}, nil
	}}
	o := newTestOrchestrator(eng, 1)
	job := createJob(t, o)
	o.Dispatch(job.ID)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown returned error: %v", err)
	}

	job2, _ := o.Status(job.ID)
	if job2.State != domain.JobStateCompleted {
		t.Fatalf("expected run to finish before shutdown, got %s", job2.State)
	}
}
