// Package status is the read side of the engine: point lookups, batch
// polling and listing over persisted execution records. It never mutates
// state.
package status

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/fileworks-labs/fileworks-go/internal/domain"
	"github.com/fileworks-labs/fileworks-go/internal/repo"
	"github.com/fileworks-labs/fileworks-go/internal/storage/objectstore"
)

const downloadURLTTL = 15 * time.Minute

// ErrNoOutput is returned by Download when the execution exists but has not
// produced output.
var ErrNoOutput = errors.New("execution has no output")

// View is the externally visible shape of an execution. DownloadURL is set
// only for completed executions, Error only for failed ones.
type View struct {
	ExecutionID       string            `json:"executionId"`
	Status            string            `json:"status"`
	ToolName          string            `json:"toolName"`
	Owner             string            `json:"owner"`
	InputFilename     string            `json:"inputFilename,omitempty"`
	OutputFilename    string            `json:"outputFilename,omitempty"`
	InputSize         int64             `json:"inputSize"`
	OutputSize        int64             `json:"outputSize,omitempty"`
	Params            map[string]string `json:"params,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	StartedAt         *time.Time        `json:"startedAt,omitempty"`
	CompletedAt       *time.Time        `json:"completedAt,omitempty"`
	DownloadAvailable bool              `json:"downloadAvailable"`
	DownloadURL       string            `json:"downloadUrl,omitempty"`
	Error             string            `json:"error,omitempty"`
}

// BatchView aggregates the views of a batch's members in submission order.
type BatchView struct {
	BatchID    string    `json:"batchId"`
	Owner      string    `json:"owner"`
	CreatedAt  time.Time `json:"createdAt"`
	Executions []View    `json:"executions"`
}

// Service serves read requests. The presigner is optional; without it
// completed views simply omit the download URL.
type Service struct {
	logger     *slog.Logger
	executions repo.ExecutionRepository
	batches    repo.BatchRepository
	store      objectstore.Store
	presigner  objectstore.Presigner
}

func New(
	logger *slog.Logger,
	executions repo.ExecutionRepository,
	batches repo.BatchRepository,
	store objectstore.Store,
	presigner objectstore.Presigner,
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
	return &Service{
		logger:     logger,
		executions: executions,
		batches:    batches,
		store:      store,
		presigner:  presigner,
	}, nil
}

// Execution returns the view of one execution.
func (s *Service) Execution(ctx context.Context, id string) (View, error) {
	if s == nil {
		return View{}, errors.New("status service not initialized")
	}
	exec, err := s.executions.GetExecution(ctx, id)
	if err != nil {
		return View{}, err
	}
	return s.view(ctx, exec), nil
}

// Executions lists execution views matching the filter, newest first.
func (s *Service) Executions(ctx context.Context, filter repo.ExecutionFilter) ([]View, error) {
	if s == nil {
		return nil, errors.New("status service not initialized")
	}
	execs, err := s.executions.ListExecutions(ctx, filter)
	if err != nil {
		return nil, err
	}
	views := make([]View, 0, len(execs))
	for _, exec := range execs {
		views = append(views, s.view(ctx, exec))
	}
	return views, nil
}

// ExecutionsByIDs returns views for the requested ids in request order,
// resolved in a single read. Ids with no record are silently skipped so a
// poll over a partially deleted set still answers for the rest.
func (s *Service) ExecutionsByIDs(ctx context.Context, ids []string) ([]View, error) {
	if s == nil {
		return nil, errors.New("status service not initialized")
	}
	execs, err := s.executions.ListExecutionsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.Execution, len(execs))
	for _, exec := range execs {
		byID[exec.ID] = exec
	}
	views := make([]View, 0, len(ids))
	for _, id := range ids {
		exec, ok := byID[strings.TrimSpace(id)]
		if !ok {
			continue
		}
		views = append(views, s.view(ctx, exec))
	}
	return views, nil
}

// Batch resolves a batch handle and polls its members.
func (s *Service) Batch(ctx context.Context, batchID string) (BatchView, error) {
	if s == nil {
		return BatchView{}, errors.New("status service not initialized")
	}
	batch, err := s.batches.GetBatch(ctx, batchID)
	if err != nil {
		return BatchView{}, err
	}
	views, err := s.ExecutionsByIDs(ctx, batch.ExecutionIDs)
	if err != nil {
		return BatchView{}, err
	}
	return BatchView{
		BatchID:    batch.ID,
		Owner:      batch.Owner,
		CreatedAt:  batch.CreatedAt,
		Executions: views,
	}, nil
}

// Download streams the output blob of a completed execution.
func (s *Service) Download(ctx context.Context, id string) (io.ReadCloser, objectstore.ObjectInfo, error) {
	if s == nil {
		return nil, objectstore.ObjectInfo{}, errors.New("status service not initialized")
	}
	exec, err := s.executions.GetExecution(ctx, id)
	if err != nil {
		return nil, objectstore.ObjectInfo{}, err
	}
	if exec.Status != domain.StatusCompleted || exec.OutputRef == "" {
		return nil, objectstore.ObjectInfo{}, fmt.Errorf("%w: execution %s is %s", ErrNoOutput, id, exec.Status)
	}
	bucket, key, err := objectstore.ParseRef(exec.OutputRef)
	if err != nil {
		return nil, objectstore.ObjectInfo{}, err
	}
	return s.store.Get(ctx, bucket, key)
}

func (s *Service) view(ctx context.Context, exec domain.Execution) View {
	v := View{
		ExecutionID:    exec.ID,
		Status:         string(exec.Status),
		ToolName:       exec.ToolName,
		Owner:          exec.Owner,
		InputFilename:  refFilename(exec.InputRef),
		OutputFilename: refFilename(exec.OutputRef),
		InputSize:      exec.InputSize,
		OutputSize:     exec.OutputSize,
		Params:         exec.Params,
		CreatedAt:      exec.CreatedAt,
		StartedAt:      exec.StartedAt,
		CompletedAt:    exec.CompletedAt,
	}
	switch exec.Status {
	case domain.StatusCompleted:
		v.DownloadAvailable = exec.OutputRef != ""
		v.DownloadURL = s.presignOutput(ctx, exec)
	case domain.StatusFailed:
		v.Error = exec.Error
	}
	return v
}

func (s *Service) presignOutput(ctx context.Context, exec domain.Execution) string {
	if s.presigner == nil || exec.OutputRef == "" {
		return ""
	}
	bucket, key, err := objectstore.ParseRef(exec.OutputRef)
	if err != nil {
		s.logger.Warn("malformed output ref", "execution_id", exec.ID, "ref", exec.OutputRef)
		return ""
	}
	url, err := s.presigner.PresignGet(ctx, bucket, key, downloadURLTTL)
	if err != nil {
		s.logger.Warn("presign download url", "execution_id", exec.ID, "error", err)
		return ""
	}
	return url
}

func refFilename(ref string) string {
	if ref == "" {
		return ""
	}
	_, key, err := objectstore.ParseRef(ref)
	if err != nil {
		return ""
	}
	return path.Base(key)
}
