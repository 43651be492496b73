package treasury

import (
	"fmt"
	"math"
)

// Guard is an additional policy check run after the built-in rules.
// A guard must not mutate its arguments.
type Guard interface {
	Check(t *Treasury, txs []Transaction, category string, total uint64) error
}

// Engine runs proposal operations against a treasury. The zero value is
// ready to use and applies only the built-in policy rules.
type Engine struct {
	Guards []Guard
}

// NewEngine creates an engine with the given extra guards.
func NewEngine(guards ...Guard) *Engine {
	return &Engine{Guards: guards}
}

// Validate checks a candidate batch against the treasury's current policy.
// It reads the tracker but never mutates anything.
//
// Enforced: global per-batch cap, whitelist, category daily cap. Category
// weekly/monthly caps, global window caps and signature tiers are not
// consulted.
func (e *Engine) Validate(t *Treasury, txs []Transaction, category string, total uint64) error {
	policy := &t.Policy

	if ceiling := policy.GlobalLimit.PerTx; ceiling > 0 && total > ceiling {
		return fmt.Errorf("%w: batch total %d exceeds per-tx cap %d", ErrPolicyViolation, total, ceiling)
	}

	if len(policy.Whitelist) > 0 {
		for i, tx := range txs {
			if !policy.Whitelisted(tx.Recipient) {
				return fmt.Errorf("%w: entry %d recipient %s", ErrNotWhitelisted, i, tx.Recipient)
			}
		}
	}

	if limit, ok := policy.CategoryLimits[category]; ok && limit.Daily > 0 {
		current := t.Tracker.DailySpent(category)
		if current+total < current || current+total > limit.Daily {
			return fmt.Errorf("%w: category %q daily spend %d + %d exceeds %d",
				ErrSpendingLimitExceeded, category, current, total, limit.Daily)
		}
	}

	for _, g := range e.guards() {
		if err := g.Check(t, txs, category, total); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) guards() []Guard {
	if e == nil {
		return nil
	}
	return e.Guards
}

// DeriveTimelock returns the delay in milliseconds for a batch of amount.
// It is zero when no base is configured and non-decreasing in amount.
func DeriveTimelock(policy PolicyConfig, amount uint64) uint64 {
	if policy.TimelockBase == 0 {
		return 0
	}
	if policy.TimelockFactor == 0 {
		return policy.TimelockBase
	}
	extra := amount / policy.TimelockFactor
	if policy.TimelockBase > math.MaxUint64-extra {
		return math.MaxUint64
	}
	return policy.TimelockBase + extra
}

func batchTotal(txs []Transaction) (uint64, error) {
	var total uint64
	for _, tx := range txs {
		next := total + tx.Amount
		if next < total {
			return 0, fmt.Errorf("%w: batch total overflows", ErrInvalidAmount)
		}
		total = next
	}
	if total == 0 {
		return 0, fmt.Errorf("%w: batch total is zero", ErrInvalidAmount)
	}
	return total, nil
}
