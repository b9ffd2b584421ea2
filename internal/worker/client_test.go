package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/fileworks-labs/fileworks-go/internal/domain"
	"github.com/fileworks-labs/fileworks-go/internal/storage/objectstore"
)

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}}
}

func (s *fakeStore) key(bucket, key string) string { return bucket + "/" + key }

func (s *fakeStore) Put(_ context.Context, bucket, key string, body io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[s.key(bucket, key)] = data
	return nil
}

func (s *fakeStore) Get(_ context.Context, bucket, key string) (io.ReadCloser, objectstore.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[s.key(bucket, key)]
	if !ok {
		return nil, objectstore.ObjectInfo{}, objectstore.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), objectstore.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (s *fakeStore) Stat(_ context.Context, bucket, key string) (objectstore.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[s.key(bucket, key)]
	if !ok {
		return objectstore.ObjectInfo{}, objectstore.ErrNotFound
	}
	return objectstore.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (s *fakeStore) Exists(ctx context.Context, bucket, key string) (bool, error) {
	if _, err := s.Stat(ctx, bucket, key); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *fakeStore) Delete(_ context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, s.key(bucket, key))
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testInvocation(endpoint string) Invocation {
	return Invocation{
		ExecutionID:  "exec-1",
		InputRef:     "echo-uploads/exec-1.txt",
		ToolName:     "echo",
		Params:       domain.Params{"mode": "fast"},
		Endpoint:     endpoint,
		Timeout:      200 * time.Millisecond,
		MaxAttempts:  3,
		OutputBucket: "echo-processed",
		OutputKey:    "exec-1.txt",
	}
}

func TestInvokeSuccess(t *testing.T) {
	var gotPayload invokePayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		_ = json.NewEncoder(w).Encode(invokeResponse{
			Status:     "success",
			OutputRef:  "echo-processed/exec-1.txt",
			OutputSize: 10240,
		})
	}))
	defer server.Close()

	client := NewClient(testLogger(), newFakeStore())
	outcome := client.Invoke(context.Background(), testInvocation(server.URL))

	if outcome.Status != OutcomeSucceeded {
		t.Fatalf("expected success, got %s (%s)", outcome.Status, outcome.Reason)
	}
	if outcome.OutputRef != "echo-processed/exec-1.txt" || outcome.OutputSize != 10240 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if outcome.Attempts != 1 {
		t.Fatalf("expected single attempt, got %d", outcome.Attempts)
	}
	if gotPayload.ExecutionID != "exec-1" || gotPayload.ToolName != "echo" {
		t.Fatalf("unexpected payload: %+v", gotPayload)
	}
	if gotPayload.Parameters["mode"] != "fast" {
		t.Fatalf("parameters must pass through opaquely: %+v", gotPayload.Parameters)
	}
}

func TestInvokeDefinitiveFailureIsNotRetried(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(invokeResponse{Status: "error", Error: "unsupported codec"})
	}))
	defer server.Close()

	client := NewClient(testLogger(), newFakeStore())
	outcome := client.Invoke(context.Background(), testInvocation(server.URL))

	if outcome.Status != OutcomeFailed {
		t.Fatalf("expected failed, got %s", outcome.Status)
	}
	if outcome.Reason != "unsupported codec" {
		t.Fatalf("unexpected reason: %q", outcome.Reason)
	}
	if calls != 1 {
		t.Fatalf("definitive failure must not be retried, got %d calls", calls)
	}
}

func TestInvokeTimeoutExhaustsBudget(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		time.Sleep(time.Second)
	}))
	defer server.Close()

	inv := testInvocation(server.URL)
	inv.Timeout = 30 * time.Millisecond
	inv.MaxAttempts = 2

	client := NewClient(testLogger(), newFakeStore(), WithBackoff(time.Millisecond, 2*time.Millisecond))
	outcome := client.Invoke(context.Background(), inv)

	if outcome.Status != OutcomeAmbiguous {
		t.Fatalf("timeout must be ambiguous, never failed: got %s", outcome.Status)
	}
	if outcome.Attempts != 2 {
		t.Fatalf("expected budget of 2 attempts, got %d", outcome.Attempts)
	}
	if outcome.Reason == "" {
		t.Fatalf("ambiguous outcome must carry a reason")
	}
	if calls != 2 {
		t.Fatalf("expected 2 worker calls, got %d", calls)
	}
}

func TestInvokeRecoversFromExistingOutput(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		time.Sleep(time.Second)
	}))
	defer server.Close()

	store := newFakeStore()
	if err := store.Put(context.Background(), "echo-processed", "exec-1.txt", bytes.NewReader(make([]byte, 10240)), 10240, "text/plain"); err != nil {
		t.Fatalf("seed output: %v", err)
	}

	inv := testInvocation(server.URL)
	inv.Timeout = 30 * time.Millisecond

	client := NewClient(testLogger(), store, WithBackoff(time.Millisecond, 2*time.Millisecond))
	outcome := client.Invoke(context.Background(), inv)

	if outcome.Status != OutcomeSucceeded {
		t.Fatalf("expected recovered success, got %s (%s)", outcome.Status, outcome.Reason)
	}
	if outcome.OutputRef != "echo-processed/exec-1.txt" || outcome.OutputSize != 10240 {
		t.Fatalf("unexpected recovered outcome: %+v", outcome)
	}
	if calls != 1 {
		t.Fatalf("recovery must not double-invoke the worker, got %d calls", calls)
	}
}

func TestInvokeMalformedResponsesAreAmbiguous(t *testing.T) {
	responses := []func(w http.ResponseWriter){
		func(w http.ResponseWriter) { _, _ = w.Write([]byte("not json")) },
		func(w http.ResponseWriter) { _, _ = w.Write([]byte(`{"status":"maybe"}`)) },
		func(w http.ResponseWriter) { _, _ = w.Write([]byte(`{"status":"success"}`)) },
		func(w http.ResponseWriter) { w.WriteHeader(http.StatusBadGateway) },
	}
	for i, respond := range responses {
		respond := respond
		t.Run(fmt.Sprintf("case_%d", i), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				respond(w)
			}))
			defer server.Close()

			inv := testInvocation(server.URL)
			inv.MaxAttempts = 1

			client := NewClient(testLogger(), newFakeStore())
			outcome := client.Invoke(context.Background(), inv)
			if outcome.Status != OutcomeAmbiguous {
				t.Fatalf("out-of-shape response must be ambiguous, got %s", outcome.Status)
			}
		})
	}
}

func TestBackoffDelayDoublesUpToCap(t *testing.T) {
	base := 100 * time.Millisecond
	maxDelay := 500 * time.Millisecond

	expected := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		500 * time.Millisecond,
		500 * time.Millisecond,
	}
	for i, want := range expected {
		if got := backoffDelay(i+1, base, maxDelay); got != want {
			t.Fatalf("attempt %d: expected %v, got %v", i+1, want, got)
		}
	}
}
