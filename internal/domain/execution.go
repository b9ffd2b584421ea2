package domain

import (
	"errors"
	"strings"
	"time"
)

// ExecutionStatus is the lifecycle state of an execution.
type ExecutionStatus string

const (
	StatusPending    ExecutionStatus = "pending"
	StatusProcessing ExecutionStatus = "processing"
	StatusCompleted  ExecutionStatus = "completed"
	StatusFailed     ExecutionStatus = "failed"
)

// Terminal reports whether no further transitions are permitted.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// NormalizeStatus maps free-form status values to canonical statuses.
func NormalizeStatus(value string) ExecutionStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(StatusPending):
		return StatusPending
	case string(StatusProcessing):
		return StatusProcessing
	case string(StatusCompleted):
		return StatusCompleted
	case string(StatusFailed):
		return StatusFailed
	default:
		return ""
	}
}

// Params is the opaque key-value map handed through to the worker.
// The core never interprets its contents.
type Params map[string]string

func (p Params) Clone() Params {
	if p == nil {
		return Params{}
	}
	copy := make(Params, len(p))
	for k, v := range p {
		copy[k] = v
	}
	return copy
}

// Execution is the durable record of one submitted unit of work.
// InputRef and OutputRef are object store references in bucket/key form;
// OutputRef is set if and only if the execution completed, Error if and
// only if it failed.
type Execution struct {
	ID            string
	Owner         string
	ToolName      string
	Status        ExecutionStatus
	InputRef      string
	OutputRef     string
	InputSize     int64
	OutputSize    int64
	Params        Params
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	Error         string
	WorkerInvoked bool
	Attempts      int
}

func (e Execution) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("execution id is required")
	}
	if strings.TrimSpace(e.Owner) == "" {
		return errors.New("owner is required")
	}
	if strings.TrimSpace(e.ToolName) == "" {
		return errors.New("tool name is required")
	}
	if NormalizeStatus(string(e.Status)) == "" {
		return errors.New("status is required")
	}
	if e.Status == StatusFailed && strings.TrimSpace(e.Error) == "" {
		return errors.New("failed execution requires an error reason")
	}
	return nil
}

// BatchHandle groups executions submitted together. It carries no state of
// its own; batch status is always derived by re-reading the members.
type BatchHandle struct {
	ID           string
	Owner        string
	ExecutionIDs []string
	CreatedAt    time.Time
}

func (b BatchHandle) Validate() error {
	if strings.TrimSpace(b.ID) == "" {
		return errors.New("batch id is required")
	}
	if strings.TrimSpace(b.Owner) == "" {
		return errors.New("owner is required")
	}
	if len(b.ExecutionIDs) == 0 {
		return errors.New("batch requires at least one execution id")
	}
	return nil
}
