package store

import (
	"context"
	"sync"

	"github.com/menta2k/sticker-maker/pkg/types"
)

// Memory keeps committed records in memory.
type Memory struct {
	mu      sync.Mutex
	records []types.StickerRecord
	commits int
}

func NewMemory() *Memory {
	return &Memory{}
}

// Begin implements Store.
func (m *Memory) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memoryTx{store: m}, nil
}

// Records returns a copy of every committed record in commit order.
func (m *Memory) Records() []types.StickerRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.StickerRecord(nil), m.records...)
}

// Commits returns the number of successful commits.
func (m *Memory) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

type memoryTx struct {
	buffer
	store *Memory
}

func (tx *memoryTx) Commit(ctx context.Context) error {
	recs, err := tx.finish()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	tx.store.records = append(tx.store.records, recs...)
	tx.store.commits++
	return nil
}
