package executions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fileworks-labs/fileworks-go/internal/domain"
)

const batchStageConcurrency = 4

// BatchItem is one file in a batch submission.
type BatchItem struct {
	Filename string
	Input    io.Reader
	Size     int64
	Params   domain.Params
}

// SubmitBatch submits every item and returns a handle over the resulting
// execution ids, in submission order. An item whose staging fails is
// recorded as an already-failed execution instead of aborting the batch, so
// every item stays individually pollable. The handle itself carries no
// lifecycle state. When even the failure record cannot be persisted the
// handle is withheld and an error returned, but every execution that was
// created is still dispatched; one broken item never strands its siblings.
func (s *Service) SubmitBatch(ctx context.Context, owner, toolName string, items []BatchItem) (domain.BatchHandle, error) {
	if s == nil {
		return domain.BatchHandle{}, errors.New("executions service not initialized")
	}
	tool, err := s.resolveTool(toolName)
	if err != nil {
		return domain.BatchHandle{}, err
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return domain.BatchHandle{}, fmt.Errorf("%w: owner is required", ErrInvalidSubmission)
	}
	if len(items) == 0 {
		return domain.BatchHandle{}, fmt.Errorf("%w: batch requires at least one item", ErrInvalidSubmission)
	}

	// Items stage on the caller's context, not a group-derived one: a fatal
	// item must not cancel a sibling's in-flight staging.
	results := make([]domain.Execution, len(items))
	itemErrs := make([]error, len(items))
	var group errgroup.Group
	group.SetLimit(batchStageConcurrency)
	for i, item := range items {
		group.Go(func() error {
			exec, submitErr := s.submitOne(ctx, SubmitRequest{
				Owner:    owner,
				ToolName: tool.Name,
				Filename: item.Filename,
				Input:    item.Input,
				Size:     item.Size,
				Params:   item.Params,
			}, tool)
			if submitErr != nil {
				exec, submitErr = s.recordFailedItem(ctx, owner, tool.Name, item.Filename, submitErr)
				if submitErr != nil {
					itemErrs[i] = submitErr
					return nil
				}
			}
			results[i] = exec
			return nil
		})
	}
	_ = group.Wait()

	// Dispatch everything that was created before deciding whether the
	// handle can be returned; a pending record with no dispatch would be
	// stuck forever.
	ids := make([]string, 0, len(results))
	for _, exec := range results {
		if exec.ID == "" {
			continue
		}
		ids = append(ids, exec.ID)
		if exec.Status == domain.StatusPending {
			s.dispatch(ctx, exec, tool)
		}
	}
	if err := errors.Join(itemErrs...); err != nil {
		return domain.BatchHandle{}, fmt.Errorf("submit batch: %w", err)
	}

	batch := domain.BatchHandle{
		ID:           uuid.NewString(),
		Owner:        owner,
		ExecutionIDs: ids,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.batches.CreateBatch(ctx, batch); err != nil {
		return domain.BatchHandle{}, fmt.Errorf("create batch: %w", err)
	}
	s.logger.Info("batch submitted", "batch_id", batch.ID, "tool", tool.Name, "items", len(ids))
	return batch, nil
}

// recordFailedItem persists a terminal failed execution for a batch item
// that never made it past staging, so polling the batch reports it.
func (s *Service) recordFailedItem(ctx context.Context, owner, toolName, filename string, cause error) (domain.Execution, error) {
	now := time.Now().UTC()
	exec := domain.Execution{
		ID:          uuid.NewString(),
		Owner:       owner,
		ToolName:    toolName,
		Status:      domain.StatusFailed,
		CreatedAt:   now,
		CompletedAt: &now,
		Error:       cause.Error(),
	}
	if err := s.executions.CreateExecution(ctx, exec); err != nil {
		return domain.Execution{}, fmt.Errorf("record failed item %q: %w", filename, err)
	}
	s.logger.Warn("batch item failed before dispatch",
		"execution_id", exec.ID,
		"tool", toolName,
		"filename", filename,
		"error", cause,
	)
	s.metrics.ObserveSubmission(toolName)
	s.metrics.ObserveTerminal(toolName, string(domain.StatusFailed), 0)
	return exec, nil
}
