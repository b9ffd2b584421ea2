package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fileworks-labs/fileworks-go/internal/domain"
	"github.com/fileworks-labs/fileworks-go/internal/repo"
)

const insertBatchQuery = `INSERT INTO batches (batch_id, owner_id, execution_ids, created_at)
	 VALUES ($1,$2,$3,$4)`

const selectBatchQuery = `SELECT batch_id, owner_id, execution_ids, created_at
	 FROM batches
	 WHERE batch_id = $1`

// BatchStore persists batch handles: an ordered member list and nothing else.
type BatchStore struct {
	db DB
}

func NewBatchStore(db DB) *BatchStore {
	if db == nil {
		return nil
	}
	return &BatchStore{db: db}
}

func (s *BatchStore) CreateBatch(ctx context.Context, batch domain.BatchHandle) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("batch store not initialized")
	}
	if err := batch.Validate(); err != nil {
		return err
	}
	memberJSON, err := json.Marshal(batch.ExecutionIDs)
	if err != nil {
		return fmt.Errorf("encode member ids: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		insertBatchQuery,
		strings.TrimSpace(batch.ID),
		strings.TrimSpace(batch.Owner),
		memberJSON,
		normalizeTime(batch.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrAlreadyExists
		}
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func (s *BatchStore) GetBatch(ctx context.Context, id string) (domain.BatchHandle, error) {
	if s == nil || s.db == nil {
		return domain.BatchHandle{}, fmt.Errorf("batch store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.BatchHandle{}, fmt.Errorf("batch id is required")
	}
	var (
		batch      domain.BatchHandle
		memberJSON []byte
	)
	row := s.db.QueryRowContext(ctx, selectBatchQuery, id)
	if err := row.Scan(&batch.ID, &batch.Owner, &memberJSON, &batch.CreatedAt); err != nil {
		return domain.BatchHandle{}, handleNotFound(err)
	}
	if err := json.Unmarshal(memberJSON, &batch.ExecutionIDs); err != nil {
		return domain.BatchHandle{}, fmt.Errorf("decode member ids: %w", err)
	}
	batch.CreatedAt = batch.CreatedAt.UTC()
	return batch, nil
}
