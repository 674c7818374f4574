// Package conversation reads chat history and maintains conversation activity markers.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/zhijun2003/QingyunAI/internal/models"
	"github.com/zhijun2003/QingyunAI/internal/store"
)

var ErrNotFound = errors.New("conversation not found")

const DefaultHistoryLimit = 20

type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Create(ctx context.Context, userID, modelID, title string) (store.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "New conversation"
	}
	c := store.Conversation{ID: uuid.NewString(), UserID: userID, ModelID: modelID, Title: title}
	if err := s.db.WithContext(ctx).Create(&c).Error; err != nil {
		return store.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

// Owned loads a conversation only when userID owns it. Someone else's conversation reads as not found.
func (s *Store) Owned(ctx context.Context, conversationID, userID string) (store.Conversation, error) {
	var c store.Conversation
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", conversationID, userID).Take(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.Conversation{}, ErrNotFound
	}
	if err != nil {
		return store.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	return c, nil
}

// History returns the newest limit messages in chronological order.
func (s *Store) History(ctx context.Context, conversationID string, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	var rows []store.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	out := make([]models.ChatMessage, len(rows))
	for i, row := range rows {
		out[len(rows)-1-i] = models.ChatMessage{Role: models.Role(row.Role), Content: row.Content}
	}
	return out, nil
}

// Touch marks the conversation as active now.
func (s *Store) Touch(ctx context.Context, conversationID string) error {
	err := s.db.WithContext(ctx).Model(&store.Conversation{}).Where("id = ?", conversationID).
		Update("updated_at", s.now()).Error
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}
