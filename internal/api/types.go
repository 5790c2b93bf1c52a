package api

import (
	"time"

	"github.com/alexjbarnes/dash-sync/internal/models"
)

// Message is one entry of GET /api/conversations/{id}/messages.
type Message struct {
	ID       string    `json:"id"`
	SenderID string    `json:"senderId"`
	Content  string    `json:"content"`
	SentAt   time.Time `json:"sentAt"`
}

// Record converts the message to a Confirmed record in scope.
func (m Message) Record(scopeID string) models.Record {
	return models.Record{
		ID:            m.ID,
		ScopeID:       scopeID,
		AuthorID:      m.SenderID,
		Content:       m.Content,
		CreatedAt:     m.SentAt,
		DeliveryState: models.Confirmed,
	}
}

// Notification is one entry of GET /api/notifications.
type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Read      bool      `json:"read"`
}

// Record converts the notification to a Confirmed record in scope.
func (n Notification) Record(scopeID string) models.Record {
	return models.Record{
		ID:            n.ID,
		ScopeID:       scopeID,
		Title:         n.Title,
		Content:       n.Content,
		CreatedAt:     n.Timestamp,
		DeliveryState: models.Confirmed,
		Read:          n.Read,
	}
}

// APIError represents an error response body from the backend.
type APIError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (e APIError) text() string {
	if e.Message != "" {
		return e.Message
	}

	return e.Error
}
