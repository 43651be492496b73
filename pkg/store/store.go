// Package store persists treasuries and proposals by identity and provides
// the per-treasury exclusive access the governance core relies on.
package store

import (
	"context"
	"errors"

	"github.com/Mindburn-Labs/helm-treasury/pkg/custody"
	"github.com/Mindburn-Labs/helm-treasury/pkg/treasury"
)

// ErrNotFound is returned when a treasury or proposal does not exist.
var ErrNotFound = errors.New("not found")

// ErrExists is returned when creating a treasury whose ID is taken.
var ErrExists = errors.New("already exists")

// Store is the durable home of treasury aggregates.
type Store interface {
	// CreateTreasury persists a new treasury.
	CreateTreasury(ctx context.Context, t *treasury.Treasury) error

	// GetTreasury returns a copy of a treasury.
	GetTreasury(ctx context.Context, id string) (*treasury.Treasury, error)

	// GetProposal returns a copy of a proposal.
	GetProposal(ctx context.Context, id string) (*treasury.Proposal, error)

	// ListProposals returns the proposals of a treasury, oldest first.
	ListProposals(ctx context.Context, treasuryID string) ([]*treasury.Proposal, error)

	// ListTransfers returns the custody chain of a treasury, oldest first.
	ListTransfers(ctx context.Context, treasuryID string) ([]custody.Entry, error)

	// Update runs fn with exclusive access to one treasury. Changes made
	// through tx are persisted only if fn returns nil.
	Update(ctx context.Context, treasuryID string, fn func(tx *Tx) error) error
}

// Tx is the unit of work handed to Update callbacks.
type Tx struct {
	Treasury *treasury.Treasury

	load      func(id string) (*treasury.Proposal, error)
	lastEntry func() (*custody.Entry, error)
	touched   map[string]*treasury.Proposal
	order     []string
	transfers []custody.Entry
}

func newTx(t *treasury.Treasury, load func(id string) (*treasury.Proposal, error), lastEntry func() (*custody.Entry, error)) *Tx {
	return &Tx{Treasury: t, load: load, lastEntry: lastEntry, touched: make(map[string]*treasury.Proposal)}
}

// Proposal loads a proposal of this treasury for modification.
func (tx *Tx) Proposal(id string) (*treasury.Proposal, error) {
	if p, ok := tx.touched[id]; ok {
		return p, nil
	}
	p, err := tx.load(id)
	if err != nil {
		return nil, err
	}
	if p.TreasuryID != tx.Treasury.ID {
		return nil, ErrNotFound
	}
	tx.track(p)
	return p, nil
}

// PutProposal schedules a new proposal for persistence.
func (tx *Tx) PutProposal(p *treasury.Proposal) {
	tx.track(p)
}

func (tx *Tx) track(p *treasury.Proposal) {
	if _, ok := tx.touched[p.ID]; !ok {
		tx.order = append(tx.order, p.ID)
	}
	tx.touched[p.ID] = p
}

// proposals returns touched proposals in first-touch order.
func (tx *Tx) proposals() []*treasury.Proposal {
	out := make([]*treasury.Proposal, 0, len(tx.order))
	for _, id := range tx.order {
		out = append(out, tx.touched[id])
	}
	return out
}

// LastTransfer returns the newest entry of the treasury's custody chain,
// including entries appended earlier in this transaction, or nil.
func (tx *Tx) LastTransfer() (*custody.Entry, error) {
	if n := len(tx.transfers); n > 0 {
		e := tx.transfers[n-1]
		return &e, nil
	}
	return tx.lastEntry()
}

// AppendTransfers schedules custody entries for persistence with the
// treasury state.
func (tx *Tx) AppendTransfers(entries ...custody.Entry) {
	tx.transfers = append(tx.transfers, entries...)
}
