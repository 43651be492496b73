package treasury

// EventType names a notification emitted by an operation.
type EventType string

const (
	EventTreasuryCreated    EventType = "treasury.created"
	EventProposalCreated    EventType = "proposal.created"
	EventProposalApproved   EventType = "proposal.approved"
	EventProposalExecuted   EventType = "proposal.executed"
	EventEmergencyInitiated EventType = "emergency.initiated"
)

// Event is an observable notification. Events never affect behaviour; they
// are returned to the host for delivery.
type Event struct {
	Type          EventType `json:"type"`
	TreasuryID    string    `json:"treasury_id"`
	ProposalID    string    `json:"proposal_id,omitempty"`
	Actor         Address   `json:"actor,omitempty"`
	Amount        uint64    `json:"amount,omitempty"`
	ApprovalCount int       `json:"approval_count,omitempty"`
	UnlockAt      int64     `json:"unlock_at_ms,omitempty"`
	Timestamp     int64     `json:"timestamp_ms"`
}
