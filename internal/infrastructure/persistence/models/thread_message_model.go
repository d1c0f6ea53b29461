package models

import (
	"time"
)

// ThreadMessageModel is one turn of a thread's durable transcript. Rows are
// ordered by Seq within (InstanceID, ThreadID), not by CreatedAt, so the
// replayed history matches what the agent loop originally saw.
type ThreadMessageModel struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	InstanceID string `gorm:"index:idx_thread,priority:1;size:64;not null"`
	ThreadID   string `gorm:"index:idx_thread,priority:2;size:64;not null"`
	Seq        int    `gorm:"index:idx_thread,priority:3;not null"`

	Role       string `gorm:"size:16;not null"`
	Content    string `gorm:"type:text"`
	PartsJSON  string `gorm:"type:text"` // json-encoded []service.ContentPart, empty when Content suffices
	ToolCalls  string `gorm:"type:text"` // json-encoded []entity.ToolCallInfo
	ToolCallID string `gorm:"size:64"`
	Name       string `gorm:"size:128"`

	CreatedAt time.Time
}

// TableName 指定表名
func (ThreadMessageModel) TableName() string {
	return "thread_messages"
}
