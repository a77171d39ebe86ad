package registry

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore is an in-memory store for demo/development mode and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	escrows map[common.Address]*Escrow
	puzzles map[common.Address]*Puzzle
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[common.Address]*Escrow),
		puzzles: make(map[common.Address]*Puzzle),
	}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.escrows[e.Handle]; ok {
		return ErrDuplicateEscrow
	}
	m.escrows[e.Handle] = e.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, handle common.Address) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.escrows[handle]
	if !ok {
		return nil, ErrNotFound
	}
	// Deep copy so callers never share big.Int pointers with the store.
	return e.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.escrows[e.Handle]; !ok {
		return ErrNotFound
	}
	m.escrows[e.Handle] = e.Clone()
	return nil
}

func (m *MemoryStore) ListByState(ctx context.Context, state State, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Escrow
	for _, e := range m.escrows {
		if e.State != state {
			continue
		}
		result = append(result, e.Clone())
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) CreatePuzzle(ctx context.Context, p *Puzzle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.puzzles[p.Handle]; ok {
		return ErrDuplicateEscrow
	}
	m.puzzles[p.Handle] = p.Clone()
	return nil
}

func (m *MemoryStore) GetPuzzle(ctx context.Context, handle common.Address) (*Puzzle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.puzzles[handle]
	if !ok {
		return nil, ErrPuzzleNotFound
	}
	return p.Clone(), nil
}
