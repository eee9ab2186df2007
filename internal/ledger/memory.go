package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AnuragDani/payment-gateway/internal/models"
)

var _ Ledger = (*MemoryStore)(nil)

// MemoryStore is an in-process Ledger with the same guarantees as the
// Postgres store. It is used by tests and the local mock setup.
type MemoryStore struct {
	mu   sync.Mutex
	txs  map[string]*models.Transaction
	now  func() time.Time
	seq  int64
	seqs map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs:  make(map[string]*models.Transaction),
		seqs: make(map[string]int64),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Create(_ context.Context, tx *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if _, exists := m.txs[tx.ID]; exists {
		return fmt.Errorf("transaction %s already exists", tx.ID)
	}
	if err := m.checkUnique(tx, tx.ProcessorPaymentID, tx.ProcessorEntityID); err != nil {
		return fmt.Errorf("failed to insert transaction %s: %w", tx.ID, err)
	}
	now := m.now()
	tx.CreatedAt = now
	tx.UpdatedAt = now
	if tx.Installments == 0 {
		tx.Installments = 1
	}
	m.put(tx)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(tx), nil
}

func (m *MemoryStore) FindByOrderReference(_ context.Context, ref string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.latest(func(tx *models.Transaction) bool {
		return tx.OrderReference == ref && !tx.IsRefund()
	})
}

func (m *MemoryStore) FindByOrderReferenceAndMethod(_ context.Context, ref string, method models.PaymentMethodType) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.latest(func(tx *models.Transaction) bool {
		return tx.OrderReference == ref && tx.Card.Method == method && !tx.IsRefund()
	})
}

func (m *MemoryStore) FindPaidByOrderReference(_ context.Context, ref string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.latest(func(tx *models.Transaction) bool {
		return tx.OrderReference == ref && !tx.IsRefund() &&
			(tx.State == models.StateCompleted || tx.State == models.StateRefunded)
	})
}

func (m *MemoryStore) FindByProcessorEntityID(_ context.Context, entityID string) (*models.Transaction, error) {
	if entityID == "" {
		return nil, ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.latest(func(tx *models.Transaction) bool {
		return tx.ProcessorEntityID == entityID
	})
}

func (m *MemoryStore) FindByProcessorPaymentID(_ context.Context, paymentID string) (*models.Transaction, error) {
	if paymentID == "" {
		return nil, ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.latest(func(tx *models.Transaction) bool {
		return tx.ProcessorPaymentID == paymentID && !tx.IsRefund()
	})
}

func (m *MemoryStore) AttachProcessorRefs(_ context.Context, id string, refs ProcessorRefs) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if (refs.PaymentID != "" && tx.ProcessorPaymentID != "" && tx.ProcessorPaymentID != refs.PaymentID) ||
		(refs.EntityID != "" && tx.ProcessorEntityID != "" && tx.ProcessorEntityID != refs.EntityID) {
		return clone(tx), fmt.Errorf("transaction %s: %w", id, ErrProcessorIDConflict)
	}
	if err := m.checkUnique(tx, refs.PaymentID, refs.EntityID); err != nil {
		return nil, fmt.Errorf("failed to attach processor ids to %s: %w", id, err)
	}

	if tx.ProcessorPaymentID == "" {
		tx.ProcessorPaymentID = refs.PaymentID
	}
	if tx.ProcessorEntityID == "" {
		tx.ProcessorEntityID = refs.EntityID
	}
	if tx.AuthorizationCode == "" {
		tx.AuthorizationCode = refs.AuthorizationCode
	}
	if refs.RawResponse != "" {
		tx.RawResponse = refs.RawResponse
	}
	if tx.Card.LastDigits == "" {
		tx.Card.LastDigits = refs.Card.LastDigits
	}
	if tx.Card.ExpMonth == 0 {
		tx.Card.ExpMonth = refs.Card.ExpMonth
	}
	if tx.Card.ExpYear == 0 {
		tx.Card.ExpYear = refs.Card.ExpYear
	}
	if tx.Card.Brand == "" {
		tx.Card.Brand = refs.Card.Brand
	}
	tx.UpdatedAt = m.now()
	return clone(tx), nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, id string, rawResponse string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok || tx.State != models.StatePending || tx.IsWebhookConfirmed {
		return nil
	}
	tx.State = models.StateFailed
	if rawResponse != "" {
		tx.RawResponse = rawResponse
	}
	tx.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) MarkConfirmed(_ context.Context, id string, by models.ConfirmedBy) (*models.Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	if tx.IsWebhookConfirmed || (tx.State != models.StatePending && tx.State != models.StateFailed) {
		return clone(tx), false, nil
	}
	if !tx.IsRefund() {
		for _, other := range m.txs {
			if other.ID != tx.ID && !other.IsRefund() && other.OrderReference == tx.OrderReference &&
				(other.State == models.StateCompleted || other.State == models.StateRefunded) {
				return nil, false, fmt.Errorf("failed to confirm transaction %s: %w", id, ErrOrderAlreadyCompleted)
			}
		}
	}

	now := m.now()
	tx.IsWebhookConfirmed = true
	tx.ConfirmedAt = &now
	tx.ConfirmedBy = by
	tx.State = models.StateCompleted
	tx.UpdatedAt = now
	return clone(tx), true, nil
}

func (m *MemoryStore) RecordRefund(_ context.Context, originalID string, fields RefundFields) (*models.Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	original, ok := m.txs[originalID]
	if !ok {
		return nil, false, ErrNotFound
	}
	if original.State == models.StateRefunded {
		for _, tx := range m.txs {
			if tx.ParentTransactionID == originalID {
				return clone(tx), false, nil
			}
		}
		return nil, false, ErrNotFound
	}
	if original.State != models.StateCompleted || original.IsRefund() {
		return nil, false, fmt.Errorf("transaction %s is %s: %w", originalID, original.State, ErrNotRefundable)
	}

	now := m.now()
	refund := newRefundTransaction(original, fields, now)
	m.put(refund)
	original.State = models.StateRefunded
	original.UpdatedAt = now
	return clone(refund), true, nil
}

func (m *MemoryStore) MarkFulfilled(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return ErrNotFound
	}
	if tx.FulfilledAt == nil {
		now := m.now()
		tx.FulfilledAt = &now
		tx.UpdatedAt = now
	}
	return nil
}

func (m *MemoryStore) ListUnfulfilled(_ context.Context, confirmedBefore time.Time, limit int) ([]*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	var out []*models.Transaction
	for _, tx := range m.txs {
		if tx.IsWebhookConfirmed && tx.FulfilledAt == nil && !tx.IsRefund() && !tx.ConfirmedAt.After(confirmedBefore) {
			out = append(out, clone(tx))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ConfirmedAt.Before(*out[j].ConfirmedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) put(tx *models.Transaction) {
	m.seq++
	m.seqs[tx.ID] = m.seq
	m.txs[tx.ID] = clone(tx)
}

// latest returns the most recently created match. Insertion order breaks
// ties between rows created within the same clock tick.
func (m *MemoryStore) latest(match func(*models.Transaction) bool) (*models.Transaction, error) {
	var found *models.Transaction
	for _, tx := range m.txs {
		if !match(tx) {
			continue
		}
		if found == nil || m.seqs[tx.ID] > m.seqs[found.ID] {
			found = tx
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return clone(found), nil
}

func (m *MemoryStore) checkUnique(self *models.Transaction, paymentID, entityID string) error {
	for _, other := range m.txs {
		if other.ID == self.ID {
			continue
		}
		if entityID != "" && other.ProcessorEntityID == entityID {
			return ErrProcessorIDConflict
		}
		if paymentID != "" && !self.IsRefund() && !other.IsRefund() && other.ProcessorPaymentID == paymentID {
			return ErrProcessorIDConflict
		}
	}
	return nil
}

func clone(tx *models.Transaction) *models.Transaction {
	c := *tx
	if tx.ConfirmedAt != nil {
		t := *tx.ConfirmedAt
		c.ConfirmedAt = &t
	}
	if tx.FulfilledAt != nil {
		t := *tx.FulfilledAt
		c.FulfilledAt = &t
	}
	return &c
}
