package repository

import (
	"context"

	"github.com/agentrun/gateway/internal/domain/service"
)

// ThreadRepository persists the message transcript of a thread, keyed by
// the owning agent instance and thread ID, so conversations survive
// process restarts when persistence is enabled. Templates and instance
// metadata stay in-memory (see the instance registry); only the message
// transcript itself is durable.
type ThreadRepository interface {
	// AppendMessages appends messages to a thread's transcript, preserving
	// call order via an internal sequence counter.
	AppendMessages(ctx context.Context, instanceID, threadID string, messages []service.LLMMessage) error

	// LoadMessages returns a thread's full transcript in sequence order.
	LoadMessages(ctx context.Context, instanceID, threadID string) ([]service.LLMMessage, error)

	// DeleteThread removes a thread's transcript entirely.
	DeleteThread(ctx context.Context, instanceID, threadID string) error
}
