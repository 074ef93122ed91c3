package stores

import (
	"time"

	"gorm.io/gorm"
)

// Message is one archived transcript entry within a conversation.
type Message struct {
	gorm.Model
	ConversationID string `gorm:"index;not null"`
	Sequence       int    `gorm:"not null"`
	Role           string `gorm:"not null"` // "user", "model"
	Content        string `gorm:"type:text"`
	// SourcesJSON stores the JSON marshaled citation list for model
	// messages that carried one.
	SourcesJSON string `gorm:"type:json"`
	WebSearch   bool   `gorm:"default:false"`
}

// Conversation holds metadata for an archived conversation.
type Conversation struct {
	gorm.Model
	ConversationID string    `gorm:"uniqueIndex;not null"`
	Title          string    `gorm:"type:text"`
	MessageCount   int       `gorm:"default:0"`
	Messages       []Message `gorm:"foreignKey:ConversationID;references:ConversationID"`
}

// ConversationInfo holds basic conversation metadata for listing
type ConversationInfo struct {
	ConversationID string
	Title          string
	MessageCount   int
	CreatedAt      string
	UpdatedAt      string
}

// MessageStore interface for abstracting database operations
type MessageStore interface {
	// Message operations
	SaveMessage(conversationID, role, content string, sources interface{}, webSearch bool) error
	FetchHistory(conversationID string) ([]Message, error)

	// Conversation operations
	CreateConversation(conversationID, title string) error
	ListConversations() ([]ConversationInfo, error)
	DeleteConversation(conversationID string) error

	// Retention: remove conversations not updated since the cutoff.
	// Returns the number of conversations removed.
	PurgeBefore(cutoff time.Time) (int64, error)

	// Connection management
	Connect() error
	Close() error

	// Health check
	Ping() error
}

// StoreConfig holds configuration for database stores
type StoreConfig struct {
	Type       string            `json:"type"`       // "sqlite", "postgres"
	Connection string            `json:"connection"` // connection string
	Options    map[string]string `json:"options"`    // additional options
}

// NewStoreConfig creates a new store configuration
func NewStoreConfig(storeType, connection string) *StoreConfig {
	return &StoreConfig{
		Type:       storeType,
		Connection: connection,
		Options:    make(map[string]string),
	}
}

// WithOption adds an option to the store configuration
func (c *StoreConfig) WithOption(key, value string) *StoreConfig {
	c.Options[key] = value
	return c
}
