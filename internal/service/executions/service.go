package executions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fileworks-labs/fileworks-go/internal/config"
	"github.com/fileworks-labs/fileworks-go/internal/domain"
	"github.com/fileworks-labs/fileworks-go/internal/platform/metrics"
	"github.com/fileworks-labs/fileworks-go/internal/repo"
	"github.com/fileworks-labs/fileworks-go/internal/storage/objectstore"
	"github.com/fileworks-labs/fileworks-go/internal/worker"
)

// ErrUnknownTool is returned when a submission names a tool that is not in
// the registry.
var ErrUnknownTool = errors.New("unknown tool")

// ErrInvalidSubmission is returned when a submission fails validation
// before any side effect happened.
var ErrInvalidSubmission = errors.New("invalid submission")

const inputContentType = "application/octet-stream"

// Invoker dispatches one transformation to a worker and classifies the
// result. Satisfied by worker.Client.
type Invoker interface {
	Invoke(ctx context.Context, inv worker.Invocation) worker.Outcome
}

// SubmitRequest carries one unit of work into Submit. Size must match the
// number of bytes readable from Input.
type SubmitRequest struct {
	Owner    string
	ToolName string
	Filename string
	Input    io.Reader
	Size     int64
	Params   domain.Params
}

// Service coordinates the submit, dispatch and delete paths. Worker
// dispatch runs on background goroutines that survive the submitting
// request; Close waits for them to drain.
type Service struct {
	logger     *slog.Logger
	executions repo.ExecutionRepository
	batches    repo.BatchRepository
	store      objectstore.Store
	invoker    Invoker
	registry   *config.Registry
	metrics    *metrics.Metrics

	dispatches sync.WaitGroup
}

func New(
	logger *slog.Logger,
	executions repo.ExecutionRepository,
	batches repo.BatchRepository,
	store objectstore.Store,
	invoker Invoker,
	registry *config.Registry,
	m *metrics.Metrics,
) (*Service, error) {
	if logger == nil {
		return nil, errors.New("logger not initialized")
	}
	if executions == nil {
		return nil, errors.New("execution repository not initialized")
	}
	if batches == nil {
		return nil, errors.New("batch repository not initialized")
	}
	if store == nil {
		return nil, errors.New("object store not initialized")
	}
	if invoker == nil {
		return nil, errors.New("worker invoker not initialized")
	}
	if registry == nil {
		return nil, errors.New("tool registry not initialized")
	}
	return &Service{
		logger:     logger,
		executions: executions,
		batches:    batches,
		store:      store,
		invoker:    invoker,
		registry:   registry,
		metrics:    m,
	}, nil
}

// Submit stages the input, persists a pending execution and dispatches the
// worker in the background. When staging fails nothing is recorded and the
// error is returned to the caller.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (domain.Execution, error) {
	if s == nil {
		return domain.Execution{}, errors.New("executions service not initialized")
	}
	tool, err := s.resolveTool(req.ToolName)
	if err != nil {
		return domain.Execution{}, err
	}
	if strings.TrimSpace(req.Owner) == "" {
		return domain.Execution{}, fmt.Errorf("%w: owner is required", ErrInvalidSubmission)
	}
	if req.Input == nil {
		return domain.Execution{}, fmt.Errorf("%w: input is required", ErrInvalidSubmission)
	}

	exec, err := s.submitOne(ctx, req, tool)
	if err != nil {
		return domain.Execution{}, err
	}
	s.dispatch(ctx, exec, tool)
	return exec, nil
}

// Delete removes the execution record and best-effort deletes its blobs.
// Deleting a missing execution is a no-op. An in-flight worker for the
// deleted execution finishes on its own and its report is discarded.
func (s *Service) Delete(ctx context.Context, id string) error {
	if s == nil {
		return errors.New("executions service not initialized")
	}
	exec, err := s.executions.GetExecution(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load execution: %w", err)
	}

	if err := s.executions.DeleteExecution(ctx, id); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("delete execution: %w", err)
	}

	s.deleteBlob(ctx, id, exec.InputRef)
	s.deleteBlob(ctx, id, exec.OutputRef)

	// A worker finishing between the read and the record delete can attach
	// an output the snapshot never saw. The output location is canonical
	// per tool, so clean it regardless of what the snapshot recorded.
	if tool, ok := s.registry.Lookup(exec.ToolName); ok {
		canonical := objectstore.BuildRef(objectstore.ProcessedBucket(tool.Name), objectstore.ObjectKey(id, tool.OutputExt))
		if canonical != exec.OutputRef {
			s.deleteBlob(ctx, id, canonical)
		}
	}
	return nil
}

// Close waits until all in-flight worker dispatches reported their outcome.
func (s *Service) Close() {
	if s == nil {
		return
	}
	s.dispatches.Wait()
}

func (s *Service) resolveTool(name string) (config.Tool, error) {
	tool, ok := s.registry.Lookup(name)
	if !ok {
		return config.Tool{}, fmt.Errorf("%w: %q", ErrUnknownTool, strings.TrimSpace(name))
	}
	return tool, nil
}

// submitOne stages the input blob and creates the pending record. It does
// not start the dispatch; callers decide when to.
func (s *Service) submitOne(ctx context.Context, req SubmitRequest, tool config.Tool) (domain.Execution, error) {
	id := uuid.NewString()
	bucket := objectstore.UploadBucket(tool.Name)
	key := objectstore.ObjectKey(id, inputExtension(req.Filename, tool))

	if err := s.store.Put(ctx, bucket, key, req.Input, req.Size, inputContentType); err != nil {
		return domain.Execution{}, fmt.Errorf("stage input: %w", err)
	}

	exec := domain.Execution{
		ID:        id,
		Owner:     strings.TrimSpace(req.Owner),
		ToolName:  tool.Name,
		Status:    domain.StatusPending,
		InputRef:  objectstore.BuildRef(bucket, key),
		InputSize: req.Size,
		Params:    req.Params.Clone(),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.executions.CreateExecution(ctx, exec); err != nil {
		s.deleteBlob(ctx, id, exec.InputRef)
		return domain.Execution{}, fmt.Errorf("create execution: %w", err)
	}

	s.metrics.ObserveSubmission(tool.Name)
	s.logger.Info("execution submitted",
		"execution_id", id,
		"tool", tool.Name,
		"owner", exec.Owner,
		"input_size", req.Size,
	)
	return exec, nil
}

// dispatch hands the execution to the worker on a background goroutine.
// The goroutine deliberately outlives the submitting request, so it runs on
// a context detached from the caller's cancellation.
func (s *Service) dispatch(ctx context.Context, exec domain.Execution, tool config.Tool) {
	detached := context.WithoutCancel(ctx)
	s.dispatches.Add(1)
	go func() {
		defer s.dispatches.Done()
		s.runDispatch(detached, exec, tool)
	}()
}

func (s *Service) runDispatch(ctx context.Context, exec domain.Execution, tool config.Tool) {
	s.metrics.DispatchStarted()
	defer s.metrics.DispatchFinished()

	updated, ok := s.applyEvent(ctx, exec.ID, domain.EventDispatched{At: time.Now().UTC()})
	if !ok || updated.Status.Terminal() {
		return
	}

	outcome := s.invoker.Invoke(ctx, worker.Invocation{
		ExecutionID:  exec.ID,
		InputRef:     exec.InputRef,
		ToolName:     tool.Name,
		Params:       exec.Params,
		Endpoint:     tool.WorkerURL,
		Timeout:      tool.InvokeTimeout(),
		MaxAttempts:  tool.RetryBudget(),
		OutputBucket: objectstore.ProcessedBucket(tool.Name),
		OutputKey:    objectstore.ObjectKey(exec.ID, tool.OutputExt),
	})
	s.metrics.ObserveWorkerRetries(tool.Name, outcome.Attempts-1)

	now := time.Now().UTC()
	var event domain.Event
	switch outcome.Status {
	case worker.OutcomeSucceeded:
		event = domain.EventWorkerSucceeded{OutputRef: outcome.OutputRef, OutputSize: outcome.OutputSize, At: now}
	case worker.OutcomeFailed:
		event = domain.EventWorkerFailed{Reason: outcome.Reason, At: now}
	default:
		event = domain.EventWorkerAmbiguous{
			Reason:   outcome.Reason,
			Attempts: outcome.Attempts,
			Budget:   tool.RetryBudget(),
			At:       now,
		}
	}

	final, ok := s.applyEvent(ctx, exec.ID, event)
	if !ok {
		return
	}
	if final.Status.Terminal() {
		s.metrics.ObserveTerminal(tool.Name, string(final.Status), now.Sub(exec.CreatedAt))
		s.logger.Info("execution finished",
			"execution_id", exec.ID,
			"tool", tool.Name,
			"status", final.Status,
			"attempts", outcome.Attempts,
		)
	}
}

const (
	applyEventAttempts    = 5
	applyEventBackoffBase = 200 * time.Millisecond
)

// applyEvent runs one lifecycle transition against the latest persisted
// record. Transient record-store errors are retried with backoff: dropping
// a known worker outcome would leave the execution in processing forever.
// A missing record means the execution was deleted mid-flight; the event is
// discarded. Protocol violations are persisted as failures and logged, not
// propagated.
func (s *Service) applyEvent(ctx context.Context, id string, event domain.Event) (domain.Execution, bool) {
	mutate := func(current domain.Execution) (domain.Execution, error) {
		next, applyErr := domain.Apply(current, event)
		if errors.Is(applyErr, domain.ErrProtocolViolation) {
			s.logger.Warn("worker protocol violation",
				"execution_id", id,
				"detail", applyErr.Error(),
			)
			return next, nil
		}
		return next, applyErr
	}

	var lastErr error
	delay := applyEventBackoffBase
	for attempt := 1; attempt <= applyEventAttempts; attempt++ {
		updated, err := s.executions.UpdateExecution(ctx, id, mutate)
		if err == nil {
			return updated, true
		}
		if errors.Is(err, repo.ErrNotFound) {
			s.logger.Info("execution removed before event applied", "execution_id", id)
			return domain.Execution{}, false
		}
		lastErr = err
		s.logger.Warn("apply execution event",
			"execution_id", id,
			"attempt", attempt,
			"error", err,
		)
		if attempt == applyEventAttempts {
			break
		}
		select {
		case <-ctx.Done():
			s.logger.Error("apply execution event abandoned", "execution_id", id, "error", ctx.Err())
			return domain.Execution{}, false
		case <-time.After(delay):
		}
		delay *= 2
	}
	s.logger.Error("execution event dropped after retries", "execution_id", id, "error", lastErr)
	return domain.Execution{}, false
}

func (s *Service) deleteBlob(ctx context.Context, executionID, ref string) {
	if strings.TrimSpace(ref) == "" {
		return
	}
	bucket, key, err := objectstore.ParseRef(ref)
	if err != nil {
		s.logger.Warn("skip blob cleanup", "execution_id", executionID, "ref", ref, "error", err)
		return
	}
	if err := s.store.Delete(ctx, bucket, key); err != nil && !errors.Is(err, objectstore.ErrNotFound) {
		s.logger.Warn("blob cleanup failed", "execution_id", executionID, "ref", ref, "error", err)
	}
}

// inputExtension prefers the extension of the uploaded filename and falls
// back to the tool's declared input extension.
func inputExtension(filename string, tool config.Tool) string {
	ext := strings.TrimPrefix(path.Ext(strings.TrimSpace(filename)), ".")
	if ext != "" {
		return ext
	}
	return tool.InputExt
}
