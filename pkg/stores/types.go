package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/openfroyo/capman/pkg/execution"
	"github.com/openfroyo/capman/pkg/model"
)

// ExecutionRecord is the persisted form of an execution.
type ExecutionRecord struct {
	ID                string          `json:"id"`
	Kind              execution.Kind  `json:"kind"`
	Description       string          `json:"description"`
	ObjectType        string          `json:"object_type"`
	ObjectID          string          `json:"object_id"`
	State             execution.State `json:"state"`
	Attempts          int             `json:"attempts"`
	Error             string          `json:"error,omitempty"`
	CompensationError string          `json:"compensation_error,omitempty"`
	NeedsIntervention bool            `json:"needs_intervention"`
	RejectReasons     []string        `json:"reject_reasons,omitempty"`
	SubmittedAt       time.Time       `json:"submitted_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	FinishedAt        *time.Time      `json:"finished_at,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// ExecutionEvent is one recorded state change of an execution
type ExecutionEvent struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	State       execution.State `json:"state"`
	Attempts    int             `json:"attempts"`
	Error       string          `json:"error,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// ExecutionFilter narrows ListExecutions. Zero fields match everything.
type ExecutionFilter struct {
	Kind              execution.Kind
	State             execution.State
	NeedsIntervention bool
	Limit             int
	Offset            int
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Execution history
	RecordExecution(ctx context.Context, snap execution.Snapshot) error
	GetExecution(ctx context.Context, id string) (*ExecutionRecord, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error)
	ListEvents(ctx context.Context, executionID string) ([]*ExecutionEvent, error)
	PruneExecutions(ctx context.Context, before time.Time) (int64, error)

	// Scaling groups
	SaveScalingGroups(ctx context.Context, policies []model.ScalingPolicy) error
	LoadScalingGroups(ctx context.Context) ([]model.ScalingPolicy, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

var (
	_ Store              = (*SQLiteStore)(nil)
	_ execution.Recorder = (*SQLiteStore)(nil)
)
