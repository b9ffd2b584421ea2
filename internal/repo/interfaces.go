package repo

import (
	"context"
	"errors"

	"github.com/fileworks-labs/fileworks-go/internal/domain"
)

// ErrNotFound is returned when a record does not exist. It is terminal:
// callers must never retry on it.
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists is returned by create operations when the id is taken.
var ErrAlreadyExists = errors.New("record already exists")

type ExecutionFilter struct {
	Owner    string
	ToolName string
	Status   domain.ExecutionStatus
	Limit    int
	Offset   int
}

// ExecutionRepository manages execution records.
//
// UpdateExecution is the only path that changes status: the mutator is
// applied against the latest persisted value under a per-id row lock, so
// two concurrent updates to the same execution cannot interleave. Updates
// to different executions are fully independent.
type ExecutionRepository interface {
	CreateExecution(ctx context.Context, execution domain.Execution) error
	GetExecution(ctx context.Context, id string) (domain.Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]domain.Execution, error)
	ListExecutionsByIDs(ctx context.Context, ids []string) ([]domain.Execution, error)
	UpdateExecution(ctx context.Context, id string, mutate func(domain.Execution) (domain.Execution, error)) (domain.Execution, error)
	DeleteExecution(ctx context.Context, id string) error
}

// BatchRepository manages batch handles. A handle stores only the ordered
// member ids; batch status is always derived by re-reading the members.
type BatchRepository interface {
	CreateBatch(ctx context.Context, batch domain.BatchHandle) error
	GetBatch(ctx context.Context, id string) (domain.BatchHandle, error)
}
