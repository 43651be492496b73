package service

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/helm-treasury/pkg/config"
	"github.com/Mindburn-Labs/helm-treasury/pkg/treasury"
)

// Bootstrap creates the treasuries declared in doc, funds them and applies
// their initial policy with the creator's admin authority. Treasuries are
// applied in order; the first failure stops the run.
func (s *Service) Bootstrap(ctx context.Context, creator treasury.Address, doc *config.Bootstrap) ([]*Created, error) {
	out := make([]*Created, 0, len(doc.Treasuries))
	for i, tb := range doc.Treasuries {
		created, err := s.bootstrapOne(ctx, creator, tb)
		if err != nil {
			return out, fmt.Errorf("treasury %d (%s): %w", i, tb.Name, err)
		}
		out = append(out, created)
	}
	return out, nil
}

func (s *Service) bootstrapOne(ctx context.Context, creator treasury.Address, tb config.TreasuryBootstrap) (*Created, error) {
	created, err := s.CreateTreasury(ctx, creator, treasury.CreateParams{
		Name:           tb.Name,
		Signers:        addresses(tb.Signers),
		Threshold:      tb.Threshold,
		TimelockBase:   tb.TimelockBase,
		TimelockFactor: tb.TimelockFactor,
	})
	if err != nil {
		return nil, err
	}
	id := created.Treasury.ID
	auth, err := s.AuthorizeAdmin(ctx, id, creator)
	if err != nil {
		return nil, err
	}

	apply := func(_ *treasury.Treasury, err error) error { return err }
	var steps []func() error
	if tb.Deposit > 0 {
		steps = append(steps, func() error { return apply(s.Deposit(ctx, id, tb.Deposit)) })
	}
	if tb.GlobalLimit != nil {
		steps = append(steps, func() error {
			return apply(s.SetGlobalLimit(ctx, auth, id, spendingLimit(*tb.GlobalLimit)))
		})
	}
	for category, limit := range tb.CategoryLimits {
		category, limit := category, limit
		steps = append(steps, func() error {
			return apply(s.SetCategoryLimit(ctx, auth, id, category, spendingLimit(limit)))
		})
	}
	for _, addr := range tb.Whitelist {
		addr := treasury.Address(addr)
		steps = append(steps, func() error { return apply(s.AddWhitelist(ctx, auth, id, addr)) })
	}
	for _, tier := range tb.AmountThresholds {
		tier := treasury.AmountThreshold{Ceiling: tier.Ceiling, RequiredSignatures: tier.RequiredSignatures}
		steps = append(steps, func() error { return apply(s.AddAmountThreshold(ctx, auth, id, tier)) })
	}
	var emergency []func() error
	if len(tb.EmergencySigners) > 0 {
		emergency = append(emergency, func() error {
			return apply(s.SetEmergencySigners(ctx, auth, id, addresses(tb.EmergencySigners)))
		})
	}
	if tb.EmergencyThreshold > 0 {
		setThreshold := func() error {
			return apply(s.SetEmergencyThreshold(ctx, auth, id, tb.EmergencyThreshold))
		}
		// Lower the threshold before shrinking the signer set, raise it after.
		if tb.EmergencyThreshold < created.Treasury.Emergency.Threshold {
			emergency = append([]func() error{setThreshold}, emergency...)
		} else {
			emergency = append(emergency, setThreshold)
		}
	}
	steps = append(steps, emergency...)
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}

	final, err := s.Treasury(ctx, id)
	if err != nil {
		return nil, err
	}
	created.Treasury = final
	return created, nil
}

func addresses(in []string) []treasury.Address {
	out := make([]treasury.Address, len(in))
	for i, s := range in {
		out[i] = treasury.Address(s)
	}
	return out
}

func spendingLimit(l config.LimitBootstrap) treasury.SpendingLimit {
	return treasury.SpendingLimit{Daily: l.Daily, Weekly: l.Weekly, Monthly: l.Monthly, PerTx: l.PerTx}
}
