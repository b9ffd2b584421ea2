package status

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fileworks-labs/fileworks-go/internal/domain"
	"github.com/fileworks-labs/fileworks-go/internal/repo"
	"github.com/fileworks-labs/fileworks-go/internal/storage/objectstore"
)

type fakeRepo struct {
	mu         sync.Mutex
	executions map[string]domain.Execution
	batches    map[string]domain.BatchHandle
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		executions: map[string]domain.Execution{},
		batches:    map[string]domain.BatchHandle{},
	}
}

func (r *fakeRepo) CreateExecution(_ context.Context, execution domain.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executions[execution.ID] = execution
	return nil
}

func (r *fakeRepo) GetExecution(_ context.Context, id string) (domain.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	execution, ok := r.executions[id]
	if !ok {
		return domain.Execution{}, repo.ErrNotFound
	}
	return execution, nil
}

func (r *fakeRepo) ListExecutions(_ context.Context, _ repo.ExecutionFilter) ([]domain.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Execution, 0, len(r.executions))
	for _, execution := range r.executions {
		out = append(out, execution)
	}
	return out, nil
}

func (r *fakeRepo) ListExecutionsByIDs(_ context.Context, ids []string) ([]domain.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Execution, 0, len(ids))
	for _, id := range ids {
		if execution, ok := r.executions[id]; ok {
			out = append(out, execution)
		}
	}
	return out, nil
}

func (r *fakeRepo) UpdateExecution(_ context.Context, id string, mutate func(domain.Execution) (domain.Execution, error)) (domain.Execution, error) {
	return domain.Execution{}, errors.New("not used")
}

func (r *fakeRepo) DeleteExecution(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.executions, id)
	return nil
}

func (r *fakeRepo) CreateBatch(_ context.Context, batch domain.BatchHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches[batch.ID] = batch
	return nil
}

func (r *fakeRepo) GetBatch(_ context.Context, id string) (domain.BatchHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch, ok := r.batches[id]
	if !ok {
		return domain.BatchHandle{}, repo.ErrNotFound
	}
	return batch, nil
}

type fakeStore struct {
	objects map[string]string
}

func (s *fakeStore) Put(_ context.Context, bucket, key string, body io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.objects[bucket+"/"+key] = string(data)
	return nil
}

func (s *fakeStore) Get(_ context.Context, bucket, key string) (io.ReadCloser, objectstore.ObjectInfo, error) {
	data, ok := s.objects[bucket+"/"+key]
	if !ok {
		return nil, objectstore.ObjectInfo{}, objectstore.ErrNotFound
	}
	return io.NopCloser(strings.NewReader(data)), objectstore.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (s *fakeStore) Stat(_ context.Context, bucket, key string) (objectstore.ObjectInfo, error) {
	data, ok := s.objects[bucket+"/"+key]
	if !ok {
		return objectstore.ObjectInfo{}, objectstore.ErrNotFound
	}
	return objectstore.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (s *fakeStore) Exists(_ context.Context, bucket, key string) (bool, error) {
	_, ok := s.objects[bucket+"/"+key]
	return ok, nil
}

func (s *fakeStore) Delete(_ context.Context, bucket, key string) error {
	delete(s.objects, bucket+"/"+key)
	return nil
}

type fakePresigner struct {
	err error
}

func (p *fakePresigner) PresignGet(_ context.Context, bucket, key string, _ time.Duration) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	return "https://signed.local/" + bucket + "/" + key, nil
}

func newTestService(t *testing.T, repository *fakeRepo, store *fakeStore, presigner objectstore.Presigner) *Service {
	t.Helper()
	service, err := New(slog.New(slog.DiscardHandler), repository, repository, store, presigner)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

func seedExecution(t *testing.T, repository *fakeRepo, execution domain.Execution) domain.Execution {
	t.Helper()
	if execution.CreatedAt.IsZero() {
		execution.CreatedAt = time.Now().UTC()
	}
	if err := repository.CreateExecution(context.Background(), execution); err != nil {
		t.Fatalf("seed execution: %v", err)
	}
	return execution
}

func TestExecutionViewCompleted(t *testing.T) {
	repository := newFakeRepo()
	store := &fakeStore{objects: map[string]string{"echo-processed/e1.txt": "result"}}
	service := newTestService(t, repository, store, &fakePresigner{})

	done := time.Now().UTC()
	seedExecution(t, repository, domain.Execution{
		ID:          "e1",
		Owner:       "tester",
		ToolName:    "echo",
		Status:      domain.StatusCompleted,
		InputRef:    "echo-uploads/e1.txt",
		OutputRef:   "echo-processed/e1.txt",
		OutputSize:  6,
		CompletedAt: &done,
	})

	view, err := service.Execution(context.Background(), "e1")
	if err != nil {
		t.Fatalf("execution: %v", err)
	}
	if view.Status != "completed" {
		t.Fatalf("status = %s", view.Status)
	}
	if !view.DownloadAvailable {
		t.Fatal("download not available for completed execution")
	}
	if view.DownloadURL != "https://signed.local/echo-processed/e1.txt" {
		t.Fatalf("download url = %q", view.DownloadURL)
	}
	if view.OutputFilename != "e1.txt" {
		t.Fatalf("output filename = %q", view.OutputFilename)
	}
	if view.Error != "" {
		t.Fatalf("completed view carries error %q", view.Error)
	}
}

func TestExecutionViewFailedOmitsDownload(t *testing.T) {
	repository := newFakeRepo()
	service := newTestService(t, repository, &fakeStore{objects: map[string]string{}}, &fakePresigner{})

	seedExecution(t, repository, domain.Execution{
		ID:       "e2",
		Owner:    "tester",
		ToolName: "echo",
		Status:   domain.StatusFailed,
		InputRef: "echo-uploads/e2.txt",
		Error:    "worker outcome could not be confirmed after 3 attempts: timeout",
	})

	view, err := service.Execution(context.Background(), "e2")
	if err != nil {
		t.Fatalf("execution: %v", err)
	}
	if view.DownloadAvailable || view.DownloadURL != "" {
		t.Fatalf("failed view offers download: %+v", view)
	}
	if view.Error == "" {
		t.Fatal("failed view missing error")
	}
}

func TestExecutionViewSurvivesPresignFailure(t *testing.T) {
	repository := newFakeRepo()
	service := newTestService(t, repository, &fakeStore{objects: map[string]string{}}, &fakePresigner{err: errors.New("presign down")})

	seedExecution(t, repository, domain.Execution{
		ID:        "e3",
		Owner:     "tester",
		ToolName:  "echo",
		Status:    domain.StatusCompleted,
		OutputRef: "echo-processed/e3.txt",
	})

	view, err := service.Execution(context.Background(), "e3")
	if err != nil {
		t.Fatalf("execution: %v", err)
	}
	if !view.DownloadAvailable {
		t.Fatal("download availability should not depend on presigning")
	}
	if view.DownloadURL != "" {
		t.Fatalf("download url = %q, want empty on presign failure", view.DownloadURL)
	}
}

func TestExecutionNotFound(t *testing.T) {
	service := newTestService(t, newFakeRepo(), &fakeStore{objects: map[string]string{}}, nil)

	if _, err := service.Execution(context.Background(), "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestExecutionsByIDsKeepsRequestOrderAndSkipsMissing(t *testing.T) {
	repository := newFakeRepo()
	service := newTestService(t, repository, &fakeStore{objects: map[string]string{}}, nil)

	for i := 1; i <= 3; i++ {
		seedExecution(t, repository, domain.Execution{
			ID:       fmt.Sprintf("e%d", i),
			Owner:    "tester",
			ToolName: "echo",
			Status:   domain.StatusPending,
		})
	}

	views, err := service.ExecutionsByIDs(context.Background(), []string{"e3", "deleted", "e1"})
	if err != nil {
		t.Fatalf("executions by ids: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("%d views, want 2", len(views))
	}
	if views[0].ExecutionID != "e3" || views[1].ExecutionID != "e1" {
		t.Fatalf("order = [%s %s], want [e3 e1]", views[0].ExecutionID, views[1].ExecutionID)
	}
}

func TestBatchPollDerivesMemberStates(t *testing.T) {
	repository := newFakeRepo()
	service := newTestService(t, repository, &fakeStore{objects: map[string]string{}}, nil)

	seedExecution(t, repository, domain.Execution{ID: "m1", Owner: "tester", ToolName: "echo", Status: domain.StatusCompleted, OutputRef: "echo-processed/m1.txt"})
	seedExecution(t, repository, domain.Execution{ID: "m2", Owner: "tester", ToolName: "echo", Status: domain.StatusProcessing})
	if err := repository.CreateBatch(context.Background(), domain.BatchHandle{
		ID:           "b1",
		Owner:        "tester",
		ExecutionIDs: []string{"m1", "m2"},
		CreatedAt:    time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed batch: %v", err)
	}

	view, err := service.Batch(context.Background(), "b1")
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(view.Executions) != 2 {
		t.Fatalf("%d members, want 2", len(view.Executions))
	}
	if view.Executions[0].Status != "completed" || view.Executions[1].Status != "processing" {
		t.Fatalf("member states = [%s %s]", view.Executions[0].Status, view.Executions[1].Status)
	}
}

func TestDownloadStreamsCompletedOutput(t *testing.T) {
	repository := newFakeRepo()
	store := &fakeStore{objects: map[string]string{"echo-processed/d1.txt": "transformed"}}
	service := newTestService(t, repository, store, nil)

	seedExecution(t, repository, domain.Execution{
		ID:        "d1",
		Owner:     "tester",
		ToolName:  "echo",
		Status:    domain.StatusCompleted,
		OutputRef: "echo-processed/d1.txt",
	})
	seedExecution(t, repository, domain.Execution{
		ID:       "d2",
		Owner:    "tester",
		ToolName: "echo",
		Status:   domain.StatusProcessing,
	})

	body, info, err := service.Download(context.Background(), "d1")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer func() { _ = body.Close() }()
	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read download: %v", err)
	}
	if string(data) != "transformed" || info.Size != int64(len("transformed")) {
		t.Fatalf("downloaded %q (%d bytes)", data, info.Size)
	}

	if _, _, err := service.Download(context.Background(), "d2"); err == nil {
		t.Fatal("download of non-completed execution succeeded")
	}
}
