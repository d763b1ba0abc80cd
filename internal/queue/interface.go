package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind is the pipeline phase a unit of work executes
type Kind string

const (
	KindPrepare Kind = "prepare"
	KindBuild   Kind = "build"
	KindServe   Kind = "serve"
)

func (k Kind) Valid() bool {
	switch k {
	case KindPrepare, KindBuild, KindServe:
		return true
	}
	return false
}

// TaskMessage represents a message sent to the queue. Every message runs one phase of one build task.
type TaskMessage struct {
	ID          uuid.UUID `json:"id"`
	Kind        Kind      `json:"kind"`
	BuildTaskID int64     `json:"build_task_id"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// NewMessage creates a message for the given phase of a build task
func NewMessage(kind Kind, buildTaskID int64) TaskMessage {
	return TaskMessage{
		ID:          uuid.New(),
		Kind:        kind,
		BuildTaskID: buildTaskID,
		EnqueuedAt:  time.Now().UTC(),
	}
}

func (m TaskMessage) String() string {
	return fmt.Sprintf("%s[%d]", m.Kind, m.BuildTaskID)
}

// Handler executes a unit of work. A returned error is an unhandled failure of the unit.
type Handler func(ctx context.Context, message TaskMessage) error

// FailureFunc is called when a unit fails with an unhandled error, panics or is lost with its worker
type FailureFunc func(ctx context.Context, message TaskMessage, cause error)

// Client defines the interface for task queue operations
type Client interface {
	// Publish adds a unit to the ready queue
	Publish(ctx context.Context, message TaskMessage) error
	// PublishAt holds a unit back until at
	PublishAt(ctx context.Context, message TaskMessage, at time.Time) error
	// Subscribe consumes units until ctx is done. Units taken by consumer stay in its processing list
	// until the handler returns, so they can be recovered if the consumer dies.
	Subscribe(ctx context.Context, consumer string, handler Handler, onFailure FailureFunc) error
	// Heartbeat marks consumer as alive for ttl
	Heartbeat(ctx context.Context, consumer string, ttl time.Duration) error
	// PromoteDue moves scheduled units whose time has come to the ready queue
	PromoteDue(ctx context.Context, now time.Time) (int, error)
	// ReapLost removes and returns the in-flight units of consumers whose heartbeat expired
	ReapLost(ctx context.Context) ([]TaskMessage, error)
	// Revoke drops queued and scheduled units of a build task and notifies consumers running one
	Revoke(ctx context.Context, buildTaskID int64) (int, error)
	// Revocations streams the build task ids revoked while ctx is alive
	Revocations(ctx context.Context) (<-chan int64, error)
	Close() error
}
