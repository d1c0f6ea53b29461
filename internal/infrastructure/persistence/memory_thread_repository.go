package persistence

import (
	"context"
	"sync"

	"github.com/agentrun/gateway/internal/domain/repository"
	"github.com/agentrun/gateway/internal/domain/service"
)

// MemoryThreadRepository 内存实现的线程记录仓储（用于未启用持久化时）
type MemoryThreadRepository struct {
	mu       sync.RWMutex
	messages map[string][]service.LLMMessage // key: instanceID + "/" + threadID
}

// NewMemoryThreadRepository 创建内存线程记录仓储
func NewMemoryThreadRepository() repository.ThreadRepository {
	return &MemoryThreadRepository{
		messages: make(map[string][]service.LLMMessage),
	}
}

func threadKey(instanceID, threadID string) string {
	return instanceID + "/" + threadID
}

// AppendMessages 追加线程消息
func (r *MemoryThreadRepository) AppendMessages(ctx context.Context, instanceID, threadID string, messages []service.LLMMessage) error {
	if len(messages) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := threadKey(instanceID, threadID)
	r.messages[key] = append(r.messages[key], messages...)
	return nil
}

// LoadMessages 按序加载线程消息
func (r *MemoryThreadRepository) LoadMessages(ctx context.Context, instanceID, threadID string) ([]service.LLMMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	existing := r.messages[threadKey(instanceID, threadID)]
	out := make([]service.LLMMessage, len(existing))
	copy(out, existing)
	return out, nil
}

// DeleteThread 删除线程全部消息
func (r *MemoryThreadRepository) DeleteThread(ctx context.Context, instanceID, threadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.messages, threadKey(instanceID, threadID))
	return nil
}
