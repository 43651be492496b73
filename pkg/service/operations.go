package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm-treasury/pkg/authz"
	"github.com/Mindburn-Labs/helm-treasury/pkg/custody"
	"github.com/Mindburn-Labs/helm-treasury/pkg/observability"
	"github.com/Mindburn-Labs/helm-treasury/pkg/store"
	"github.com/Mindburn-Labs/helm-treasury/pkg/treasury"
)

// Created is the result of CreateTreasury.
type Created struct {
	Treasury *treasury.Treasury `json:"treasury"`
	// AdminToken is a capability over the new treasury, empty when the
	// service has no issuer.
	AdminToken string `json:"admin_token,omitempty"`
}

// CreateTreasury creates a treasury and makes creator its admin.
func (s *Service) CreateTreasury(ctx context.Context, creator treasury.Address, params treasury.CreateParams) (*Created, error) {
	var out *Created
	err := s.track(ctx, "treasury.create", nil, func(ctx context.Context) error {
		id := s.newID()
		t, evs, err := treasury.Create(id, params, s.clock().UnixMilli())
		if err != nil {
			return err
		}
		if err := s.store.CreateTreasury(ctx, t); err != nil {
			return fmt.Errorf("persist treasury %s: %w", id, err)
		}
		if err := s.acl.GrantAdmin(ctx, id, authz.UserSubject(creator)); err != nil {
			return err
		}
		out = &Created{Treasury: t}
		if s.issuer != nil {
			token, err := s.issuer.Issue(id, string(creator))
			if err != nil {
				return err
			}
			out.AdminToken = token
		}
		s.logger.InfoContext(ctx, "treasury created",
			"treasury_id", id, "signers", len(t.Signers), "threshold", t.Threshold, "creator", creator)
		s.publish(ctx, evs)
		return nil
	})
	return out, err
}

// Deposit credits a treasury.
func (s *Service) Deposit(ctx context.Context, treasuryID string, amount uint64) (*treasury.Treasury, error) {
	var out *treasury.Treasury
	err := s.track(ctx, "treasury.deposit", observability.TreasuryOperation(treasuryID), func(ctx context.Context) error {
		return s.update(ctx, treasuryID, func(tx *store.Tx) error {
			if err := tx.Treasury.Deposit(amount); err != nil {
				return err
			}
			out = tx.Treasury.Clone()
			return nil
		})
	})
	return out, err
}

// Propose opens a normal proposal.
func (s *Service) Propose(ctx context.Context, caller treasury.Address, treasuryID string, req treasury.ProposalRequest) (*treasury.Proposal, error) {
	return s.open(ctx, "treasury.propose", caller, treasuryID, req, s.engine.Propose)
}

// ProposeEmergency opens an emergency proposal.
func (s *Service) ProposeEmergency(ctx context.Context, caller treasury.Address, treasuryID string, req treasury.ProposalRequest) (*treasury.Proposal, error) {
	return s.open(ctx, "treasury.propose_emergency", caller, treasuryID, req, s.engine.ProposeEmergency)
}

type opener func(treasury.Call, *treasury.Treasury, treasury.ProposalRequest) (*treasury.Proposal, []treasury.Event, error)

func (s *Service) open(ctx context.Context, op string, caller treasury.Address, treasuryID string, req treasury.ProposalRequest, fn opener) (*treasury.Proposal, error) {
	var out *treasury.Proposal
	var evs []treasury.Event
	err := s.track(ctx, op, observability.TreasuryOperation(treasuryID), func(ctx context.Context) error {
		err := s.update(ctx, treasuryID, func(tx *store.Tx) error {
			p, e, err := fn(s.call(caller), tx.Treasury, req)
			if err != nil {
				return err
			}
			tx.PutProposal(p)
			out, evs = p.Clone(), e
			return nil
		})
		if err != nil {
			return err
		}
		s.logger.InfoContext(ctx, "proposal created",
			"treasury_id", treasuryID, "proposal_id", out.ID, "emergency", out.Emergency,
			"total", out.TotalAmount, "unlock_at_ms", out.UnlockAt)
		s.publish(ctx, evs)
		return nil
	})
	return out, err
}

// Approve records caller's approval of a proposal.
func (s *Service) Approve(ctx context.Context, caller treasury.Address, treasuryID, proposalID string) (*treasury.Proposal, error) {
	var out *treasury.Proposal
	var evs []treasury.Event
	err := s.track(ctx, "treasury.approve", observability.ProposalOperation(treasuryID, proposalID), func(ctx context.Context) error {
		err := s.update(ctx, treasuryID, func(tx *store.Tx) error {
			p, err := loadProposal(tx, proposalID)
			if err != nil {
				return err
			}
			e, err := s.engine.Approve(s.call(caller), tx.Treasury, p)
			if err != nil {
				return err
			}
			out, evs = p.Clone(), e
			return nil
		})
		if err != nil {
			return err
		}
		s.publish(ctx, evs)
		return nil
	})
	return out, err
}

// Executed is the result of Execute.
type Executed struct {
	Proposal  *treasury.Proposal `json:"proposal"`
	Transfers []custody.Entry    `json:"transfers"`
}

// Execute runs an approved, unlocked proposal. Its transfers are chained
// onto the treasury's custody record in the same store transaction as the
// new treasury state.
func (s *Service) Execute(ctx context.Context, caller treasury.Address, treasuryID, proposalID string) (*Executed, error) {
	var out *Executed
	err := s.track(ctx, "treasury.execute", observability.ProposalOperation(treasuryID, proposalID), func(ctx context.Context) error {
		var evs []treasury.Event
		var executed *treasury.Proposal
		var entries []custody.Entry

		err := s.update(ctx, treasuryID, func(tx *store.Tx) error {
			journal := custody.NewJournal(s.custody)
			p, err := loadProposal(tx, proposalID)
			if err != nil {
				return err
			}
			call := s.call(caller)
			e, err := s.engine.Execute(ctx, call, tx.Treasury, p, journal)
			if err != nil {
				return err
			}
			last, err := tx.LastTransfer()
			if err != nil {
				return err
			}
			entries, err = journal.Seal(last, time.UnixMilli(call.Now).UTC())
			if err != nil {
				return fmt.Errorf("seal transfers of %s: %w", proposalID, err)
			}
			tx.AppendTransfers(entries...)
			executed, evs = p.Clone(), e
			return nil
		})
		if err != nil {
			return err
		}

		for _, e := range entries {
			s.telemetry.RecordTransfer(ctx, treasuryID, executed.Category, e.Order.Amount)
		}
		s.logger.InfoContext(ctx, "proposal executed",
			"treasury_id", treasuryID, "proposal_id", proposalID,
			"total", executed.TotalAmount, "transfers", len(entries))
		s.publish(ctx, evs)
		out = &Executed{Proposal: executed, Transfers: entries}
		return nil
	})
	return out, err
}

// Treasury returns a treasury snapshot.
func (s *Service) Treasury(ctx context.Context, id string) (*treasury.Treasury, error) {
	t, err := s.store.GetTreasury(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTreasuryNotFound, id)
	}
	return t, err
}

// Proposal returns a proposal of a treasury.
func (s *Service) Proposal(ctx context.Context, treasuryID, proposalID string) (*treasury.Proposal, error) {
	p, err := s.store.GetProposal(ctx, proposalID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && p.TreasuryID != treasuryID) {
		return nil, fmt.Errorf("%w: %s", treasury.ErrProposalNotFound, proposalID)
	}
	return p, err
}

// Proposals lists the proposals of a treasury, oldest first.
func (s *Service) Proposals(ctx context.Context, treasuryID string) ([]*treasury.Proposal, error) {
	if _, err := s.Treasury(ctx, treasuryID); err != nil {
		return nil, err
	}
	return s.store.ListProposals(ctx, treasuryID)
}

// Transfers returns the committed custody entries of a treasury.
func (s *Service) Transfers(ctx context.Context, treasuryID string) ([]custody.Entry, error) {
	if _, err := s.Treasury(ctx, treasuryID); err != nil {
		return nil, err
	}
	return s.store.ListTransfers(ctx, treasuryID)
}
