package stores

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// SQLiteStore implements MessageStore for SQLite databases
type SQLiteStore struct {
	db   *gorm.DB
	path string
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(config *StoreConfig) (*SQLiteStore, error) {
	if config.Type != "sqlite" {
		return nil, fmt.Errorf("invalid store type for SQLite store: %s", config.Type)
	}

	store := &SQLiteStore{
		path: config.Connection,
	}

	if err := store.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite database: %w", err)
	}

	return store, nil
}

// NewSQLiteStoreSimple creates a new SQLite store with just a file path
func NewSQLiteStoreSimple(dbPath string) (*SQLiteStore, error) {
	config := NewStoreConfig("sqlite", dbPath)
	return NewSQLiteStore(config)
}

// Connect establishes a connection to the SQLite database
func (s *SQLiteStore) Connect() error {
	db, err := gorm.Open(sqlite.Open(s.path), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to connect to SQLite database: %w", err)
	}

	s.db = db

	if err := s.db.AutoMigrate(&Conversation{}, &Message{}); err != nil {
		return fmt.Errorf("failed to migrate database schema: %w", err)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// Ping checks if the database connection is alive
func (s *SQLiteStore) Ping() error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Ping()
}

// SaveMessage appends a message to a conversation, creating the
// conversation record on first use. The first user message becomes the
// conversation title.
func (s *SQLiteStore) SaveMessage(conversationID, role, content string, sources interface{}, webSearch bool) error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}

	var count int64
	if err := s.db.Model(&Conversation{}).Where("conversation_id = ?", conversationID).Count(&count).Error; err != nil {
		log.Printf("Warning: Error checking for conversation %s: %v", conversationID, err)
	} else if count == 0 {
		if err := s.CreateConversation(conversationID, titleFromContent(role, content)); err != nil {
			log.Printf("Warning: Failed to create conversation record for %s: %v", conversationID, err)
		}
	}

	if err := s.db.Model(&Message{}).Where("conversation_id = ?", conversationID).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to count existing messages: %w", err)
	}
	seq := int(count) + 1

	sourcesJSON, err := marshalSources(sources)
	if err != nil {
		return fmt.Errorf("failed to marshal sources for database: %w", err)
	}

	message := Message{
		ConversationID: conversationID,
		Sequence:       seq,
		Role:           role,
		Content:        content,
		SourcesJSON:    sourcesJSON,
		WebSearch:      webSearch,
	}

	// Insert and count update commit together so message_count never
	// drifts from the stored rows.
	tx := s.db.Begin()
	if err := tx.Create(&message).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to save message: %w", err)
	}
	if err := tx.Model(&Conversation{}).Where("conversation_id = ?", conversationID).
		Update("message_count", seq).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to update conversation message count: %w", err)
	}
	return tx.Commit().Error
}

// FetchHistory returns a conversation's messages in append order.
func (s *SQLiteStore) FetchHistory(conversationID string) ([]Message, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}

	var messages []Message
	if err := s.db.Where("conversation_id = ?", conversationID).
		Order("sequence asc").Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}
	return messages, nil
}

// CreateConversation creates a conversation record
func (s *SQLiteStore) CreateConversation(conversationID, title string) error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}

	conversation := Conversation{
		ConversationID: conversationID,
		Title:          title,
	}
	if err := s.db.Create(&conversation).Error; err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

// ListConversations returns metadata for every archived conversation,
// most recently updated first.
func (s *SQLiteStore) ListConversations() ([]ConversationInfo, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}

	var conversations []Conversation
	if err := s.db.Order("updated_at desc").Find(&conversations).Error; err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	infos := make([]ConversationInfo, 0, len(conversations))
	for _, c := range conversations {
		infos = append(infos, ConversationInfo{
			ConversationID: c.ConversationID,
			Title:          c.Title,
			MessageCount:   c.MessageCount,
			CreatedAt:      c.CreatedAt.Format(time.RFC3339),
			UpdatedAt:      c.UpdatedAt.Format(time.RFC3339),
		})
	}
	return infos, nil
}

// DeleteConversation removes a conversation and its messages.
func (s *SQLiteStore) DeleteConversation(conversationID string) error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}

	if err := s.db.Where("conversation_id = ?", conversationID).Delete(&Message{}).Error; err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if err := s.db.Where("conversation_id = ?", conversationID).Delete(&Conversation{}).Error; err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

// PurgeBefore removes conversations not updated since the cutoff.
func (s *SQLiteStore) PurgeBefore(cutoff time.Time) (int64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("database connection is nil")
	}

	var stale []Conversation
	if err := s.db.Where("updated_at < ?", cutoff).Find(&stale).Error; err != nil {
		return 0, fmt.Errorf("failed to find stale conversations: %w", err)
	}

	for _, c := range stale {
		if err := s.DeleteConversation(c.ConversationID); err != nil {
			return 0, err
		}
	}
	return int64(len(stale)), nil
}

// marshalSources turns a citation list into its stored JSON form. A
// nil list is stored as the empty string, not "null".
func marshalSources(sources interface{}) (string, error) {
	if sources == nil {
		return "", nil
	}
	bytes, err := json.Marshal(sources)
	if err != nil {
		return "", err
	}
	if string(bytes) == "null" {
		return "", nil
	}
	return string(bytes), nil
}

// titleFromContent derives a conversation title from its first user
// message.
func titleFromContent(role, content string) string {
	if role != "user" || content == "" {
		return "New conversation"
	}
	const maxTitle = 80
	if len(content) > maxTitle {
		return content[:maxTitle]
	}
	return content
}
