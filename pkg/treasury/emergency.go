package treasury

import "fmt"

// ProposeEmergency opens an emergency proposal: emergency signer set,
// halved timelock, emergency threshold at execution, and one use per
// cooldown window. The cooldown clock starts at creation, not execution.
func (e *Engine) ProposeEmergency(call Call, t *Treasury, req ProposalRequest) (*Proposal, []Event, error) {
	if !t.IsEmergencySigner(call.Caller) {
		return nil, nil, fmt.Errorf("%w: %s is not an emergency signer", ErrNotSigner, call.Caller)
	}
	if t.Emergency.Triggered && call.Now < t.Emergency.LastActionAt+EmergencyCooldownMs {
		return nil, nil, fmt.Errorf("%w: next emergency allowed at %d",
			ErrInCooldownPeriod, t.Emergency.LastActionAt+EmergencyCooldownMs)
	}
	if t.Emergency.Frozen {
		return nil, nil, fmt.Errorf("%w: treasury %s is frozen", ErrPolicyViolation, t.ID)
	}

	p, err := e.open(call, t, req, true)
	if err != nil {
		return nil, nil, err
	}
	t.Emergency.LastActionAt = call.Now
	t.Emergency.Triggered = true

	events := []Event{{
		Type:          EventEmergencyInitiated,
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
