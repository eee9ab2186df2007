package webhook

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AnuragDani/payment-gateway/internal/models"
)

var _ Inbox = (*MemoryInbox)(nil)

type MemoryInbox struct {
	mu     sync.Mutex
	events map[string]*models.WebhookEvent
	byHash map[string]string
}

func NewMemoryInbox() *MemoryInbox {
	return &MemoryInbox{
		events: make(map[string]*models.WebhookEvent),
		byHash: make(map[string]string),
	}
}

func (m *MemoryInbox) Record(_ context.Context, eventType string, payload []byte, stored string) (*models.WebhookEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hash := PayloadHash(payload)
	key := eventType + ":" + hash
	if id, ok := m.byHash[key]; ok {
		c := *m.events[id]
		return &c, false, nil
	}

	event := &models.WebhookEvent{
		ID:          uuid.New().String(),
		EventType:   eventType,
		Payload:     stored,
		PayloadHash: hash,
		CreatedAt:   time.Now().UTC(),
	}
	m.events[event.ID] = event
	m.byHash[key] = event.ID
	c := *event
	return &c, true, nil
}

func (m *MemoryInbox) MarkProcessed(_ context.Context, id, processingError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	event, ok := m.events[id]
	if !ok {
		return ErrEventNotFound
	}
	if event.Processed {
		return nil
	}
	now := time.Now().UTC()
	event.Processed = true
	event.ProcessedAt = &now
	event.ProcessingError = processingError
	return nil
}

func (m *MemoryInbox) Get(_ context.Context, id string) (*models.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	event, ok := m.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	c := *event
	return &c, nil
}

// Len returns the number of stored events
func (m *MemoryInbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}
