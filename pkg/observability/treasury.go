package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Treasury semantic convention attributes.
var (
	AttrOperation  = attribute.Key("treasury.operation")
	AttrTreasuryID = attribute.Key("treasury.id")
	AttrProposalID = attribute.Key("treasury.proposal.id")
	AttrCategory   = attribute.Key("treasury.category")
	AttrErrorKind  = attribute.Key("error.kind")
)

// TreasuryOperation creates attributes for operations scoped to a treasury.
func TreasuryOperation(treasuryID string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrTreasuryID.String(treasuryID)}
}

// ProposalOperation creates attributes for operations on one proposal.
func ProposalOperation(treasuryID, proposalID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTreasuryID.String(treasuryID),
		AttrProposalID.String(proposalID),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
