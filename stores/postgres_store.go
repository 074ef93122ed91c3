package stores

import (
	"fmt"
	"log"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// PostgresStore implements MessageStore for PostgreSQL databases
type PostgresStore struct {
	db  *gorm.DB
	dsn string
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(config *StoreConfig) (*PostgresStore, error) {
	if config.Type != "postgres" {
		return nil, fmt.Errorf("invalid store type for PostgreSQL store: %s", config.Type)
	}

	store := &PostgresStore{
		dsn: config.Connection,
	}

	if err := store.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	return store, nil
}

// NewPostgresStoreSimple creates a new PostgreSQL store with just a DSN
func NewPostgresStoreSimple(dsn string) (*PostgresStore, error) {
	config := NewStoreConfig("postgres", dsn)
	return NewPostgresStore(config)
}

// Connect establishes a connection to the PostgreSQL database
func (s *PostgresStore) Connect() error {
	db, err := gorm.Open(postgres.Open(s.dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	s.db = db

	if err := s.db.AutoMigrate(&Conversation{}, &Message{}); err != nil {
		return fmt.Errorf("failed to migrate database schema: %w", err)
	}

	return nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
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
func (s *PostgresStore) Ping() error {
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
// conversation record on first use.
func (s *PostgresStore) SaveMessage(conversationID, role, content string, sources interface{}, webSearch bool) error {
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
func (s *PostgresStore) FetchHistory(conversationID string) ([]Message, error) {
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
func (s *PostgresStore) CreateConversation(conversationID, title string) error {
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
func (s *PostgresStore) ListConversations() ([]ConversationInfo, error) {
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
func (s *PostgresStore) DeleteConversation(conversationID string) error {
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
func (s *PostgresStore) PurgeBefore(cutoff time.Time) (int64, error) {
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
