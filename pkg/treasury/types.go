// Package treasury implements the governance core of a shared treasury:
// weighted approval collection, spending policy enforcement, risk-scaled
// timelocks, rolling spend tracking and the emergency proposal path.
//
// The package is pure with respect to its host. It never reads a wall clock,
// never locks, and never persists anything: the caller supplies identity and
// time through Call, persists the returned records, and serialises mutations
// per treasury.
package treasury

// Address identifies a principal (signer, recipient, proposer).
type Address string

// Call carries the host-supplied context of a single operation.
type Call struct {
	Caller Address `json:"caller"`
	Now    int64   `json:"now_ms"` // Unix milliseconds
}

// MaxBatchSize is the maximum number of entries in one proposal.
const MaxBatchSize = 50

// EmergencyCooldownMs is the minimum gap between emergency proposals.
const EmergencyCooldownMs int64 = 86_400_000

// Transaction is one transfer entry inside a proposal.
type Transaction struct {
	Recipient Address `json:"recipient"`
	Amount    uint64  `json:"amount"`
	Category  string  `json:"category"`
}

// SpendingLimit holds independent ceilings. Zero means unlimited.
type SpendingLimit struct {
	Daily   uint64 `json:"daily"`
	Weekly  uint64 `json:"weekly"`
	Monthly uint64 `json:"monthly"`
	PerTx   uint64 `json:"per_tx"`
}

// AmountThreshold is a signature tier: batches at or below Ceiling call for
// RequiredSignatures approvals. Tiers are configuration only and are not
// enforced by Execute.
type AmountThreshold struct {
	Ceiling            uint64 `json:"ceiling"`
	RequiredSignatures uint64 `json:"required_signatures"`
}

// PolicyConfig is the spending policy of a treasury.
type PolicyConfig struct {
	CategoryLimits   map[string]SpendingLimit `json:"category_limits"`
	GlobalLimit      SpendingLimit            `json:"global_limit"`
	Whitelist        []Address                `json:"whitelist"`
	Blacklist        []Address                `json:"blacklist"` // stored, not consulted by Validate
	AmountThresholds []AmountThreshold        `json:"amount_thresholds"`
	TimelockBase     uint64                   `json:"timelock_base_ms"`
	TimelockFactor   uint64                   `json:"timelock_factor"`
}

// Whitelisted reports whether addr may receive funds. An empty whitelist
// allows every recipient.
func (c *PolicyConfig) Whitelisted(addr Address) bool {
	if len(c.Whitelist) == 0 {
		return true
	}
	return containsAddress(c.Whitelist, addr)
}

// TierFor returns the first tier whose ceiling covers amount.
func (c *PolicyConfig) TierFor(amount uint64) (AmountThreshold, bool) {
	for _, tier := range c.AmountThresholds {
		if amount <= tier.Ceiling {
			return tier, true
		}
	}
	return AmountThreshold{}, false
}

// EmergencyConfig governs the emergency proposal path.
type EmergencyConfig struct {
	Signers   []Address `json:"signers"`
	Threshold uint64    `json:"threshold"`
	// LastActionAt is only meaningful once Triggered is set.
	LastActionAt int64 `json:"last_action_at_ms"`
	Triggered    bool  `json:"triggered"`
	Frozen       bool  `json:"frozen"`
}

// Treasury is the aggregate root binding signers, policy, tracker and
// emergency configuration.
type Treasury struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Signers       []Address       `json:"signers"`
	Threshold     uint64          `json:"threshold"`
	Balance       uint64          `json:"balance"`
	Policy        PolicyConfig    `json:"policy"`
	Tracker       SpendingTracker `json:"tracker"`
	Emergency     EmergencyConfig `json:"emergency"`
	ProposalCount uint64          `json:"proposal_count"`
	CreatedAt     int64           `json:"created_at_ms"`
}

// IsSigner reports whether addr belongs to the normal signer set.
func (t *Treasury) IsSigner(addr Address) bool {
	return containsAddress(t.Signers, addr)
}

// IsEmergencySigner reports whether addr belongs to the emergency signer set.
func (t *Treasury) IsEmergencySigner(addr Address) bool {
	return containsAddress(t.Emergency.Signers, addr)
}

// Proposal is a batch of transfers awaiting approval and execution.
type Proposal struct {
	ID           string        `json:"id"`
	TreasuryID   string        `json:"treasury_id"`
	Proposer     Address       `json:"proposer"`
	Transactions []Transaction `json:"transactions"`
	Category     string        `json:"category"`
	Description  string        `json:"description"`
	Approvals    []Address     `json:"approvals"`
	CreatedAt    int64         `json:"created_at_ms"`
	UnlockAt     int64         `json:"unlock_at_ms"`
	Executed     bool          `json:"executed"`
	Emergency    bool          `json:"emergency"`
	TotalAmount  uint64        `json:"total_amount"`
}

// ApprovalCount is the number of distinct approvers.
func (p *Proposal) ApprovalCount() int {
	return len(p.Approvals)
}

// HasApproved reports whether addr already approved.
func (p *Proposal) HasApproved(addr Address) bool {
	return containsAddress(p.Approvals, addr)
}

func containsAddress(set []Address, addr Address) bool {
	for _, a := range set {
		if a == addr {
			return true
		}
	}
	return false
}
