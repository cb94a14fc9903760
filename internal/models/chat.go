package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// ChatThread is a conversation attached to a project.
type ChatThread struct {
	ID        string    `json:"id" gorm:"type:varchar(27);primaryKey"`
	ProjectID string    `json:"project_id" gorm:"type:varchar(27);not null;index"`
	Title     string    `json:"title" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

func (c *ChatThread) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = ksuid.New().String()
	}
	return nil
}

// ChatMessage is a message relayed through a chat room and persisted.
type ChatMessage struct {
	ID        string    `json:"id" gorm:"type:varchar(27);primaryKey"`
	ThreadID  string    `json:"threadId" gorm:"type:varchar(27);not null;index:idx_thread_time"`
	UserID    string    `json:"userId" gorm:"type:varchar(64);not null"`
	Content   string    `json:"content" gorm:"type:text;not null"`
	CreatedAt time.Time `json:"createdAt" gorm:"index:idx_thread_time"`
}

// BeforeCreate generates the KSUID so messages sort by creation time.
func (m *ChatMessage) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = ksuid.New().String()
	}
	return nil
}
