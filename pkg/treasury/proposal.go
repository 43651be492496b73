package treasury

import (
	"context"
	"fmt"
	"math"
)

// TransferOrder instructs custody to move funds out of a treasury.
type TransferOrder struct {
	TreasuryID string  `json:"treasury_id"`
	ProposalID string  `json:"proposal_id"`
	Index      int     `json:"index"`
	Recipient  Address `json:"recipient"`
	Amount     uint64  `json:"amount"`
	Category   string  `json:"category"`
}

// Custody moves value on behalf of a treasury. Transfer must report failure
// synchronously; the engine aborts the whole execution on the first error.
type Custody interface {
	Transfer(ctx context.Context, order TransferOrder) error
}

// ProposalRequest is the caller input for a new proposal.
type ProposalRequest struct {
	Transactions []Transaction `json:"transactions"`
	Category     string        `json:"category"`
	Description  string        `json:"description"`
}

// Propose opens a normal proposal. The caller must be a signer and is
// recorded as the first approver. Neither balance nor tracker is touched.
func (e *Engine) Propose(call Call, t *Treasury, req ProposalRequest) (*Proposal, []Event, error) {
	if !t.IsSigner(call.Caller) {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotSigner, call.Caller)
	}
	p, err := e.open(call, t, req, false)
	if err != nil {
		return nil, nil, err
	}
	events := []Event{{
		Type:          EventProposalCreated,
		TreasuryID:    t.ID,
		ProposalID:    p.ID,
		Actor:         call.Caller,
		Amount:        p.TotalAmount,
		ApprovalCount: p.ApprovalCount(),
		UnlockAt:      p.UnlockAt,
		Timestamp:     call.Now,
	}}
	return p, events, nil
}

func (e *Engine) open(call Call, t *Treasury, req ProposalRequest, emergency bool) (*Proposal, error) {
	if len(req.Transactions) > MaxBatchSize {
		return nil, fmt.Errorf("%w: %d entries", ErrMaxBatchSizeExceeded, len(req.Transactions))
	}
	total, err := batchTotal(req.Transactions)
	if err != nil {
		return nil, err
	}
	if err := e.Validate(t, req.Transactions, req.Category, total); err != nil {
		return nil, err
	}

	timelock := DeriveTimelock(t.Policy, total)
	if emergency {
		timelock /= 2
	}

	p := &Proposal{
		ID:           fmt.Sprintf("%s/%d", t.ID, t.ProposalCount),
		TreasuryID:   t.ID,
		Proposer:     call.Caller,
		Transactions: append([]Transaction(nil), req.Transactions...),
		Category:     req.Category,
		Description:  req.Description,
		Approvals:    []Address{call.Caller},
		CreatedAt:    call.Now,
		UnlockAt:     unlockAt(call.Now, timelock),
		Emergency:    emergency,
		TotalAmount:  total,
	}
	t.ProposalCount++
	return p, nil
}

// unlockAt adds a timelock to now, saturating at the largest timestamp.
func unlockAt(now int64, timelock uint64) int64 {
	if timelock > math.MaxInt64 {
		return math.MaxInt64
	}
	d := int64(timelock)
	if now > 0 && d > math.MaxInt64-now {
		return math.MaxInt64
	}
	return now + d
}

// Approve records the caller's approval.
func (e *Engine) Approve(call Call, t *Treasury, p *Proposal) ([]Event, error) {
	if !t.IsSigner(call.Caller) {
		return nil, fmt.Errorf("%w: %s", ErrNotSigner, call.Caller)
	}
	if p.HasApproved(call.Caller) {
		return nil, fmt.Errorf("%w: %s on %s", ErrAlreadySigned, call.Caller, p.ID)
	}
	if p.Executed {
		return nil, fmt.Errorf("%w: %s", ErrProposalAlreadyExecuted, p.ID)
	}
	p.Approvals = append(p.Approvals, call.Caller)
	return []Event{{
		Type:          EventProposalApproved,
		TreasuryID:    t.ID,
		ProposalID:    p.ID,
		Actor:         call.Caller,
		ApprovalCount: p.ApprovalCount(),
		Timestamp:     call.Now,
	}}, nil
}

// RequiredApprovals returns the approvals p needs before it may execute.
func RequiredApprovals(t *Treasury, p *Proposal) uint64 {
	if p.Emergency {
		return t.Emergency.Threshold
	}
	return t.Threshold
}

// Execute performs the transfers of an approved, unlocked proposal.
//
// Policy is re-validated against the treasury's current state after the
// tracker windows are rolled forward. The run is all-or-nothing: it works on
// copies of t and p and writes them back only when every entry succeeded.
func (e *Engine) Execute(ctx context.Context, call Call, t *Treasury, p *Proposal, custody Custody) ([]Event, error) {
	if p.TreasuryID != t.ID {
		return nil, fmt.Errorf("%w: %s does not belong to %s", ErrProposalNotFound, p.ID, t.ID)
	}
	if p.Executed {
		return nil, fmt.Errorf("%w: %s", ErrProposalAlreadyExecuted, p.ID)
	}
	if call.Now < p.UnlockAt {
		return nil, fmt.Errorf("%w: unlocks at %d, now %d", ErrTimeLockNotExpired, p.UnlockAt, call.Now)
	}
	required := RequiredApprovals(t, p)
	if uint64(p.ApprovalCount()) < required {
		return nil, fmt.Errorf("%w: %d of %d", ErrInsufficientSignatures, p.ApprovalCount(), required)
	}

	work := t.Clone()
	work.Tracker.ResetIfElapsed(call.Now)
	if err := e.Validate(work, p.Transactions, p.Category, p.TotalAmount); err != nil {
		return nil, err
	}

	for i, tx := range p.Transactions {
		if work.Balance < tx.Amount {
			return nil, fmt.Errorf("%w: entry %d needs %d, balance %d", ErrInsufficientBalance, i, tx.Amount, work.Balance)
		}
		work.Balance -= tx.Amount
		order := TransferOrder{
			TreasuryID: t.ID,
			ProposalID: p.ID,
			Index:      i,
			Recipient:  tx.Recipient,
			Amount:     tx.Amount,
			Category:   tx.Category,
		}
		if err := custody.Transfer(ctx, order); err != nil {
			return nil, fmt.Errorf("transfer entry %d of %s: %w", i, p.ID, err)
		}
		work.Tracker.RecordSpend(p.Category, tx.Amount)
	}

	*t = *work
	p.Executed = true

	return []Event{{
		Type:          EventProposalExecuted,
		TreasuryID:    t.ID,
		ProposalID:    p.ID,
		Actor:         call.Caller,
		Amount:        p.TotalAmount,
		ApprovalCount: p.ApprovalCount(),
		Timestamp:     call.Now,
	}}, nil
}
