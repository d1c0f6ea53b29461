package persistence

import (
	"context"
	"encoding/json"

	"github.com/agentrun/gateway/internal/domain/repository"
	"github.com/agentrun/gateway/internal/domain/service"
	"github.com/agentrun/gateway/internal/infrastructure/persistence/models"
	domainErrors "github.com/agentrun/gateway/pkg/errors"
	"gorm.io/gorm"
)

// GormThreadRepository GORM 实现的线程记录仓储
type GormThreadRepository struct {
	db *gorm.DB
}

// NewGormThreadRepository 创建 GORM 线程记录仓储
func NewGormThreadRepository(db *gorm.DB) repository.ThreadRepository {
	return &GormThreadRepository{db: db}
}

// AppendMessages 追加线程消息
func (r *GormThreadRepository) AppendMessages(ctx context.Context, instanceID, threadID string, messages []service.LLMMessage) error {
	if len(messages) == 0 {
		return nil
	}

	var nextSeq int64
	err := r.db.WithContext(ctx).
		Model(&models.ThreadMessageModel{}).
		Where("instance_id = ? AND thread_id = ?", instanceID, threadID).
		Count(&nextSeq).Error
	if err != nil {
		return domainErrors.NewInternalError("failed to count thread messages: " + err.Error())
	}

	rows := make([]models.ThreadMessageModel, 0, len(messages))
	for i, msg := range messages {
		model, err := toThreadModel(instanceID, threadID, int(nextSeq)+i, msg)
		if err != nil {
			return err
		}
		rows = append(rows, *model)
	}

	if err := r.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return domainErrors.NewInternalError("failed to append thread messages: " + err.Error())
	}
	return nil
}

// LoadMessages 按序加载线程消息
func (r *GormThreadRepository) LoadMessages(ctx context.Context, instanceID, threadID string) ([]service.LLMMessage, error) {
	var rows []models.ThreadMessageModel
	err := r.db.WithContext(ctx).
		Where("instance_id = ? AND thread_id = ?", instanceID, threadID).
		Order("seq asc").
		Find(&rows).Error
	if err != nil {
		return nil, domainErrors.NewInternalError("failed to load thread messages: " + err.Error())
	}

	out := make([]service.LLMMessage, 0, len(rows))
	for _, row := range rows {
		msg, err := fromThreadModel(&row)
		if err != nil {
			return nil, err
		}
		out = append(out, *msg)
	}
	return out, nil
}

// DeleteThread 删除线程全部消息
func (r *GormThreadRepository) DeleteThread(ctx context.Context, instanceID, threadID string) error {
	err := r.db.WithContext(ctx).
		Where("instance_id = ? AND thread_id = ?", instanceID, threadID).
		Delete(&models.ThreadMessageModel{}).Error
	if err != nil {
		return domainErrors.NewInternalError("failed to delete thread: " + err.Error())
	}
	return nil
}

func toThreadModel(instanceID, threadID string, seq int, msg service.LLMMessage) (*models.ThreadMessageModel, error) {
	var partsJSON, toolCallsJSON string
	if len(msg.Parts) > 0 {
		b, err := json.Marshal(msg.Parts)
		if err != nil {
			return nil, domainErrors.NewInternalError("failed to marshal message parts: " + err.Error())
		}
		partsJSON = string(b)
	}
	if len(msg.ToolCalls) > 0 {
		b, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return nil, domainErrors.NewInternalError("failed to marshal tool calls: " + err.Error())
		}
		toolCallsJSON = string(b)
	}

	return &models.ThreadMessageModel{
		InstanceID: instanceID,
		ThreadID:   threadID,
		Seq:        seq,
		Role:       msg.Role,
		Content:    msg.Content,
		PartsJSON:  partsJSON,
		ToolCalls:  toolCallsJSON,
		ToolCallID: msg.ToolCallID,
		Name:       msg.Name,
	}, nil
}

func fromThreadModel(row *models.ThreadMessageModel) (*service.LLMMessage, error) {
	msg := &service.LLMMessage{
		Role:       row.Role,
		Content:    row.Content,
		ToolCallID: row.ToolCallID,
		Name:       row.Name,
	}
	if row.PartsJSON != "" {
		if err := json.Unmarshal([]byte(row.PartsJSON), &msg.Parts); err != nil {
			return nil, domainErrors.NewInternalError("failed to unmarshal message parts: " + err.Error())
		}
	}
	if row.ToolCalls != "" {
		if err := json.Unmarshal([]byte(row.ToolCalls), &msg.ToolCalls); err != nil {
			return nil, domainErrors.NewInternalError("failed to unmarshal tool calls: " + err.Error())
		}
	}
	return msg, nil
}
