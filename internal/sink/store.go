package sink

import (
	"context"
	"sync"

	"tickerflow/internal/model"
)

// Store persists window rows. Upsert must be idempotent on OutputRow.IdempotencyKey
// and should mark retryable failures with exception.ErrSinkTransient.
type Store interface {
	Upsert(ctx context.Context, rows []model.OutputRow) error
}

// Memory is an in-process Store that keeps the first row written per idempotency key.
type Memory struct {
	mu   sync.Mutex
	rows map[string]model.OutputRow
	keys []string
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{rows: make(map[string]model.OutputRow)}
}

func (m *Memory) Upsert(ctx context.Context, rows []model.OutputRow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		if _, ok := m.rows[row.IdempotencyKey]; ok {
			continue
		}
		m.rows[row.IdempotencyKey] = row
		m.keys = append(m.keys, row.IdempotencyKey)
	}
	return nil
}

// Rows returns the stored rows in insertion order.
func (m *Memory) Rows() []model.OutputRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.OutputRow, 0, len(m.keys))
	for _, key := range m.keys {
		out = append(out, m.rows[key])
	}
	return out
}
