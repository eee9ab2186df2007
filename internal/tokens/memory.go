package tokens

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AnuragDani/payment-gateway/internal/models"
)

var _ Store = (*MemoryStore)(nil)

type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]*models.Token
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]*models.Token)}
}

func (m *MemoryStore) Save(_ context.Context, token *models.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if token.ID == "" {
		token.ID = uuid.New().String()
	}
	token.CreatedAt = time.Now().UTC()

	owned := m.owned(token.Owner)
	if len(owned) == 0 {
		token.IsDefault = true
	} else if token.IsDefault {
		for _, t := range owned {
			t.IsDefault = false
		}
	}
	c := *token
	m.tokens[token.ID] = &c
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *t
	return &c, nil
}

func (m *MemoryStore) FindForOwner(ctx context.Context, owner models.Owner) (*models.Token, error) {
	list, _ := m.ListForOwner(ctx, owner)
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return list[0], nil
}

func (m *MemoryStore) FindDefaultForOwner(_ context.Context, owner models.Owner) (*models.Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.owned(owner) {
		if t.IsDefault {
			c := *t
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListForOwner(_ context.Context, owner models.Owner) ([]*models.Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	owned := m.owned(owner)
	out := make([]*models.Token, 0, len(owned))
	for _, t := range owned {
		c := *t
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsDefault != out[j].IsDefault {
			return out[i].IsDefault
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) SetDefault(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, ok := m.tokens[id]
	if !ok {
		return ErrNotFound
	}
	for _, t := range m.owned(target.Owner) {
		t.IsDefault = t.ID == id
	}
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tokens[id]; !ok {
		return ErrNotFound
	}
	delete(m.tokens, id)
	return nil
}

func (m *MemoryStore) owned(owner models.Owner) []*models.Token {
	var out []*models.Token
	for _, t := range m.tokens {
		if t.Owner == owner {
			out = append(out, t)
		}
	}
	return out
}
