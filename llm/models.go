package llm

import (
	"time"

	"gorm.io/datatypes"
)

type Conversation struct {
	ID        uint64    `gorm:"primaryKey"`
	UserID    uint64    `gorm:"column:user_id;index"`
	Title     string    `gorm:"column:title;size:255"`
	LastMsgAt time.Time `gorm:"column:last_msg_at"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (Conversation) TableName() string {
	return "conversations"
}

type ChatHistory struct {
	ID             uint64    `gorm:"primaryKey"`
	ConversationID uint64    `gorm:"column:conversation_id;index"`
	UserID         uint64    `gorm:"column:user_id"`
	Role           string    `gorm:"column:role;size:16"`
	Content        string    `gorm:"column:content;type:text"`
	Reasoning      string    `gorm:"column:reasoning;type:text"`
	TokenInput     *int      `gorm:"column:token_input"`
	TokenOutput    *int      `gorm:"column:token_output"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

func (ChatHistory) TableName() string {
	return "chat_histories"
}

type UserAPIKey struct {
	ID        uint64    `gorm:"primaryKey"`
	UserID    uint64    `gorm:"column:user_id;uniqueIndex:idx_user_api_keys_user_provider"`
	Provider  string    `gorm:"column:provider;size:64;uniqueIndex:idx_user_api_keys_user_provider"`
	APIKey    string         `gorm:"column:api_key;size:512"`
	Scopes    datatypes.JSON `gorm:"column:scopes"`
	CreatedAt time.Time      `gorm:"column:created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at"`
}

func (UserAPIKey) TableName() string {
	return "user_api_keys"
}
