package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/helm-treasury/pkg/custody"
	"github.com/Mindburn-Labs/helm-treasury/pkg/treasury"
)

// MemoryStore implements Store in memory.
// Updates are serialised by a single mutex and applied to clones.
type MemoryStore struct {
	mu         sync.Mutex
	treasuries map[string]*treasury.Treasury
	proposals  map[string]*treasury.Proposal
	transfers  map[string][]custody.Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		treasuries: make(map[string]*treasury.Treasury),
		proposals:  make(map[string]*treasury.Proposal),
		transfers:  make(map[string][]custody.Entry),
	}
}

func (s *MemoryStore) CreateTreasury(ctx context.Context, t *treasury.Treasury) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.treasuries[t.ID]; ok {
		return ErrExists
	}
	s.treasuries[t.ID] = t.Clone()
	return nil
}

func (s *MemoryStore) GetTreasury(ctx context.Context, id string) (*treasury.Treasury, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.treasuries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) GetProposal(ctx context.Context, id string) (*treasury.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) ListProposals(ctx context.Context, treasuryID string) ([]*treasury.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*treasury.Proposal
	for _, p := range s.proposals {
		if p.TreasuryID == treasuryID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, treasuryID string, fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.treasuries[treasuryID]
	if !ok {
		return ErrNotFound
	}
	tx := newTx(t.Clone(), func(id string) (*treasury.Proposal, error) {
		p, ok := s.proposals[id]
		if !ok {
			return nil, ErrNotFound
		}
		return p.Clone(), nil
	}, func() (*custody.Entry, error) {
		chain := s.transfers[treasuryID]
		if len(chain) == 0 {
			return nil, nil
		}
		e := chain[len(chain)-1]
		return &e, nil
	})

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, e := range tx.transfers {
		if e.Order.TreasuryID != treasuryID {
			return fmt.Errorf("transfer of %s staged in transaction of %s", e.Order.TreasuryID, treasuryID)
		}
	}

	s.treasuries[treasuryID] = tx.Treasury
	for _, p := range tx.proposals() {
		s.proposals[p.ID] = p
	}
	s.transfers[treasuryID] = append(s.transfers[treasuryID], tx.transfers...)
	return nil
}

func (s *MemoryStore) ListTransfers(ctx context.Context, treasuryID string) ([]custody.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]custody.Entry(nil), s.transfers[treasuryID]...), nil
}
