package treasury

import "errors"

// Failure kinds. Every operation fails with exactly one of these, possibly
// wrapped with detail; callers match with errors.Is.
var (
	ErrInvalidThreshold        = errors.New("invalid threshold")
	ErrInvalidSigners          = errors.New("invalid signers")
	ErrNotSigner               = errors.New("caller is not a signer")
	ErrAlreadySigned           = errors.New("signer already approved")
	ErrInsufficientSignatures  = errors.New("insufficient signatures")
	ErrTimeLockNotExpired      = errors.New("timelock not expired")
	ErrPolicyViolation         = errors.New("policy violation")
	ErrNotWhitelisted          = errors.New("recipient not whitelisted")
	ErrSpendingLimitExceeded   = errors.New("spending limit exceeded")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrMaxBatchSizeExceeded    = errors.New("max batch size exceeded")
	ErrProposalAlreadyExecuted = errors.New("proposal already executed")
	ErrProposalNotFound        = errors.New("proposal not found")
	ErrInCooldownPeriod        = errors.New("emergency cooldown active")
	ErrUnauthorized            = errors.New("admin authorization not bound to treasury")
	ErrInsufficientBalance     = errors.New("insufficient balance")
)

var kinds = []struct {
	err  error
	kind string
}{
	{ErrInvalidThreshold, "InvalidThreshold"},
	{ErrInvalidSigners, "InvalidSigners"},
	{ErrNotSigner, "NotSigner"},
	{ErrAlreadySigned, "AlreadySigned"},
	{ErrInsufficientSignatures, "InsufficientSignatures"},
	{ErrTimeLockNotExpired, "TimeLockNotExpired"},
	{ErrPolicyViolation, "PolicyViolation"},
	{ErrNotWhitelisted, "NotWhitelisted"},
	{ErrSpendingLimitExceeded, "SpendingLimitExceeded"},
	{ErrInvalidAmount, "InvalidAmount"},
	{ErrMaxBatchSizeExceeded, "MaxBatchSizeExceeded"},
	{ErrProposalAlreadyExecuted, "ProposalAlreadyExecuted"},
	{ErrProposalNotFound, "ProposalNotFound"},
	{ErrInCooldownPeriod, "InCooldownPeriod"},
	{ErrUnauthorized, "Unauthorized"},
	{ErrInsufficientBalance, "InsufficientBalance"},
}

// KindOf returns the failure kind name of err, or "" if err is not a
// treasury failure.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return ""
}
