package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fileworks-labs/fileworks-go/internal/domain"
	"github.com/fileworks-labs/fileworks-go/internal/storage/objectstore"
)

// OutcomeStatus classifies a worker interaction.
type OutcomeStatus string

const (
	// OutcomeSucceeded: the worker definitively produced output.
	OutcomeSucceeded OutcomeStatus = "succeeded"
	// OutcomeFailed: the worker definitively reported failure. Never retried.
	OutcomeFailed OutcomeStatus = "failed"
	// OutcomeAmbiguous: no definitive answer before timeout or disconnect.
	// The worker may still have completed its side effect.
	OutcomeAmbiguous OutcomeStatus = "ambiguous"
)

type Outcome struct {
	Status     OutcomeStatus
	OutputRef  string
	OutputSize int64
	Reason     string
	Attempts   int
}

// Invocation describes one transformation dispatch.
type Invocation struct {
	ExecutionID string
	InputRef    string
	ToolName    string
	Params      domain.Params
	Endpoint    string
	Timeout     time.Duration
	MaxAttempts int

	// Expected output location, checked before each retry so a prior
	// attempt that silently succeeded is not re-executed.
	OutputBucket string
	OutputKey    string
}

type invokePayload struct {
	ExecutionID string            `json:"execution_id"`
	InputRef    string            `json:"input_ref"`
	ToolName    string            `json:"tool_name"`
	Parameters  map[string]string `json:"parameters"`
}

type invokeResponse struct {
	Status     string `json:"status"`
	OutputRef  string `json:"output_ref"`
	OutputSize int64  `json:"output_size"`
	Error      string `json:"error"`
}

const (
	defaultTimeout     = 60 * time.Second
	defaultMaxAttempts = 3
	backoffBase        = 500 * time.Millisecond
	backoffCap         = 8 * time.Second
)

// Client issues stateless worker invocations over HTTP and classifies the
// result. A transport or timeout error is always Ambiguous, never Failed:
// the worker may have completed its side effect even though the response
// never arrived.
type Client struct {
	logger     *slog.Logger
	httpClient *http.Client
	store      objectstore.Store

	backoffBase time.Duration
	backoffCap  time.Duration
}

type Option func(*Client)

// WithBackoff overrides the retry backoff schedule.
func WithBackoff(base, maxDelay time.Duration) Option {
	return func(c *Client) {
		if base > 0 {
			c.backoffBase = base
		}
		if maxDelay > 0 {
			c.backoffCap = maxDelay
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

func NewClient(logger *slog.Logger, store objectstore.Store, opts ...Option) *Client {
	if logger == nil || store == nil {
		return nil
	}
	c := &Client{
		logger:      logger,
		httpClient:  &http.Client{},
		store:       store,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Invoke runs the invocation with a bounded retry budget. Ambiguous
// attempts back off exponentially; definitive failures return immediately.
func (c *Client) Invoke(ctx context.Context, inv Invocation) Outcome {
	if c == nil {
		return Outcome{Status: OutcomeAmbiguous, Reason: "worker client not initialized"}
	}
	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	budget := inv.MaxAttempts
	if budget <= 0 {
		budget = defaultMaxAttempts
	}

	var lastReason string
	attempts := 0
	for {
		attempts++
		outcome, ambiguousReason := c.attempt(ctx, inv, timeout)
		if ambiguousReason == "" {
			outcome.Attempts = attempts
			return outcome
		}
		lastReason = ambiguousReason
		c.logger.Warn("worker outcome ambiguous",
			"execution_id", inv.ExecutionID,
			"tool", inv.ToolName,
			"attempt", attempts,
			"reason", ambiguousReason,
		)

		if attempts >= budget {
			return Outcome{Status: OutcomeAmbiguous, Reason: lastReason, Attempts: attempts}
		}

		// The prior attempt may have succeeded without us hearing back.
		if recovered, ok := c.recoverFromOutput(ctx, inv); ok {
			recovered.Attempts = attempts
			return recovered
		}

		select {
		case <-ctx.Done():
			return Outcome{Status: OutcomeAmbiguous, Reason: ctx.Err().Error(), Attempts: attempts}
		case <-time.After(backoffDelay(attempts, c.backoffBase, c.backoffCap)):
		}
	}
}

// attempt performs a single invocation. The second return value is a
// non-empty reason when the outcome is ambiguous.
func (c *Client) attempt(ctx context.Context, inv Invocation, timeout time.Duration) (Outcome, string) {
	payload, err := json.Marshal(invokePayload{
		ExecutionID: inv.ExecutionID,
		InputRef:    inv.InputRef,
		ToolName:    inv.ToolName,
		Parameters:  inv.Params,
	})
	if err != nil {
		return Outcome{}, fmt.Sprintf("encode payload: %v", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, inv.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return Outcome{}, fmt.Sprintf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Outcome{}, fmt.Sprintf("invoke worker: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Outcome{}, fmt.Sprintf("read worker response: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Outcome{}, fmt.Sprintf("worker returned http %d", resp.StatusCode)
	}

	var decoded invokeResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Outcome{}, fmt.Sprintf("malformed worker response: %v", err)
	}

	switch strings.ToLower(strings.TrimSpace(decoded.Status)) {
	case "success":
		if strings.TrimSpace(decoded.OutputRef) == "" {
			return Outcome{}, "worker success response missing output_ref"
		}
		return Outcome{
			Status:     OutcomeSucceeded,
			OutputRef:  decoded.OutputRef,
			OutputSize: decoded.OutputSize,
		}, ""
	case "error":
		reason := strings.TrimSpace(decoded.Error)
		if reason == "" {
			reason = "worker reported failure without a reason"
		}
		return Outcome{Status: OutcomeFailed, Reason: reason}, ""
	default:
		return Outcome{}, fmt.Sprintf("worker response outside protocol shape: status %q", decoded.Status)
	}
}

// recoverFromOutput checks whether the expected output object already
// exists and, if so, synthesizes a success so the worker's side effect is
// not duplicated.
func (c *Client) recoverFromOutput(ctx context.Context, inv Invocation) (Outcome, bool) {
	if inv.OutputBucket == "" || inv.OutputKey == "" {
		return Outcome{}, false
	}
	exists, err := c.store.Exists(ctx, inv.OutputBucket, inv.OutputKey)
	if err != nil || !exists {
		return Outcome{}, false
	}
	info, err := c.store.Stat(ctx, inv.OutputBucket, inv.OutputKey)
	if err != nil {
		return Outcome{}, false
	}
	c.logger.Info("recovered worker outcome from existing output",
		"execution_id", inv.ExecutionID,
		"tool", inv.ToolName,
		"output_key", inv.OutputKey,
	)
	return Outcome{
		Status:     OutcomeSucceeded,
		OutputRef:  objectstore.BuildRef(inv.OutputBucket, inv.OutputKey),
		OutputSize: info.Size,
	}, true
}

// backoffDelay doubles the base delay per attempt up to a fixed cap.
func backoffDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		return base
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}
