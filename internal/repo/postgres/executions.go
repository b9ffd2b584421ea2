package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/fileworks-labs/fileworks-go/internal/domain"
	"github.com/fileworks-labs/fileworks-go/internal/repo"
)

const executionColumns = `execution_id, owner_id, tool_name, status, input_ref, output_ref,
	input_size, output_size, params, created_at, started_at, completed_at,
	error, worker_invoked, attempts`

const insertExecutionQuery = `INSERT INTO executions (
		execution_id, owner_id, tool_name, status, input_ref, output_ref,
		input_size, output_size, params, created_at, started_at, completed_at,
		error, worker_invoked, attempts
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`

const selectExecutionQuery = `SELECT ` + executionColumns + `
	 FROM executions
	 WHERE execution_id = $1`

const selectExecutionForUpdateQuery = selectExecutionQuery + `
	 FOR UPDATE`

const listExecutionsByIDsQuery = `SELECT ` + executionColumns + `
	 FROM executions
	 WHERE execution_id = ANY($1)`

const updateExecutionQuery = `UPDATE executions SET
		status = $1,
		output_ref = $2,
		output_size = $3,
		started_at = $4,
		completed_at = $5,
		error = $6,
		worker_invoked = $7,
		attempts = $8
	 WHERE execution_id = $9`

const deleteExecutionQuery = `DELETE FROM executions WHERE execution_id = $1`

// Pollers read newest submissions first.
const listExecutionsOrderClause = " ORDER BY created_at DESC"

// ExecutionStore is the Postgres-backed execution record store.
type ExecutionStore struct {
	db DB
}

func NewExecutionStore(db DB) *ExecutionStore {
	if db == nil {
		return nil
	}
	return &ExecutionStore{db: db}
}

func (s *ExecutionStore) CreateExecution(ctx context.Context, execution domain.Execution) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("execution store not initialized")
	}
	if err := execution.Validate(); err != nil {
		return err
	}
	paramsJSON, err := encodeParams(execution.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		insertExecutionQuery,
		strings.TrimSpace(execution.ID),
		strings.TrimSpace(execution.Owner),
		strings.TrimSpace(execution.ToolName),
		string(execution.Status),
		nullIfEmpty(execution.InputRef),
		nullIfEmpty(execution.OutputRef),
		execution.InputSize,
		execution.OutputSize,
		paramsJSON,
		normalizeTime(execution.CreatedAt),
		nullTime(execution.StartedAt),
		nullTime(execution.CompletedAt),
		nullIfEmpty(execution.Error),
		execution.WorkerInvoked,
		execution.Attempts,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrAlreadyExists
		}
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (s *ExecutionStore) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	if s == nil || s.db == nil {
		return domain.Execution{}, fmt.Errorf("execution store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Execution{}, fmt.Errorf("execution id is required")
	}
	row := s.db.QueryRowContext(ctx, selectExecutionQuery, id)
	execution, err := scanExecution(row)
	if err != nil {
		return domain.Execution{}, handleNotFound(err)
	}
	return execution, nil
}

func (s *ExecutionStore) ListExecutions(ctx context.Context, filter repo.ExecutionFilter) ([]domain.Execution, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("execution store not initialized")
	}
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 5)

	if strings.TrimSpace(filter.Owner) != "" {
		args = append(args, strings.TrimSpace(filter.Owner))
		clauses = append(clauses, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	if strings.TrimSpace(filter.ToolName) != "" {
		args = append(args, strings.TrimSpace(filter.ToolName))
		clauses = append(clauses, fmt.Sprintf("tool_name = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += listExecutionsOrderClause
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	return scanExecutions(rows)
}

// ListExecutionsByIDs resolves a set of executions in one round trip.
// Missing ids are simply absent from the result.
func (s *ExecutionStore) ListExecutionsByIDs(ctx context.Context, ids []string) ([]domain.Execution, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("execution store not initialized")
	}
	if len(ids) == 0 {
		return []domain.Execution{}, nil
	}
	trimmed := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			trimmed = append(trimmed, id)
		}
	}
	rows, err := s.db.QueryContext(ctx, listExecutionsByIDsQuery, trimmed)
	if err != nil {
		return nil, fmt.Errorf("list executions by ids: %w", err)
	}
	defer rows.Close()

	return scanExecutions(rows)
}

// UpdateExecution applies the mutator against the latest persisted value
// under a row lock, so concurrent updates to the same execution serialize
// instead of silently dropping a transition.
func (s *ExecutionStore) UpdateExecution(ctx context.Context, id string, mutate func(domain.Execution) (domain.Execution, error)) (domain.Execution, error) {
	if s == nil || s.db == nil {
		return domain.Execution{}, fmt.Errorf("execution store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Execution{}, fmt.Errorf("execution id is required")
	}
	if mutate == nil {
		return domain.Execution{}, fmt.Errorf("mutator is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, selectExecutionForUpdateQuery, id)
	current, err := scanExecution(row)
	if err != nil {
		return domain.Execution{}, handleNotFound(err)
	}

	next, err := mutate(current)
	if err != nil {
		return domain.Execution{}, err
	}
	if next.ID != current.ID {
		return domain.Execution{}, fmt.Errorf("execution id is immutable")
	}
	if err := next.Validate(); err != nil {
		return domain.Execution{}, err
	}

	if _, err := tx.ExecContext(
		ctx,
		updateExecutionQuery,
		string(next.Status),
		nullIfEmpty(next.OutputRef),
		next.OutputSize,
		nullTime(next.StartedAt),
		nullTime(next.CompletedAt),
		nullIfEmpty(next.Error),
		next.WorkerInvoked,
		next.Attempts,
		id,
	); err != nil {
		return domain.Execution{}, fmt.Errorf("update execution: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Execution{}, fmt.Errorf("commit update: %w", err)
	}
	return next, nil
}

// DeleteExecution removes a record. Deleting an unknown id is not an error.
func (s *ExecutionStore) DeleteExecution(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("execution store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("execution id is required")
	}
	if _, err := s.db.ExecContext(ctx, deleteExecutionQuery, id); err != nil {
		return fmt.Errorf("delete execution: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (domain.Execution, error) {
	var (
		execution   domain.Execution
		inputRef    sql.NullString
		outputRef   sql.NullString
		paramsJSON  []byte
		startedAt   sql.NullTime
		completedAt sql.NullTime
		errMsg      sql.NullString
		status      string
	)
	if err := row.Scan(
		&execution.ID,
		&execution.Owner,
		&execution.ToolName,
		&status,
		&inputRef,
		&outputRef,
		&execution.InputSize,
		&execution.OutputSize,
		&paramsJSON,
		&execution.CreatedAt,
		&startedAt,
		&completedAt,
		&errMsg,
		&execution.WorkerInvoked,
		&execution.Attempts,
	); err != nil {
		return domain.Execution{}, err
	}
	execution.Status = domain.ExecutionStatus(status)
	execution.InputRef = inputRef.String
	execution.OutputRef = outputRef.String
	execution.Error = errMsg.String
	execution.CreatedAt = execution.CreatedAt.UTC()
	execution.StartedAt = timePtr(startedAt)
	execution.CompletedAt = timePtr(completedAt)

	params, err := decodeParams(paramsJSON)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("decode params: %w", err)
	}
	execution.Params = params
	return execution, nil
}

func scanExecutions(rows *sql.Rows) ([]domain.Execution, error) {
	executions := make([]domain.Execution, 0)
	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		executions = append(executions, execution)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return executions, nil
}
