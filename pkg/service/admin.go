package service

import (
	"context"

	"github.com/Mindburn-Labs/helm-treasury/pkg/authz"
	"github.com/Mindburn-Labs/helm-treasury/pkg/observability"
	"github.com/Mindburn-Labs/helm-treasury/pkg/store"
	"github.com/Mindburn-Labs/helm-treasury/pkg/treasury"
)

// AuthorizeAdmin establishes admin authority of subject over a treasury
// from the relationship graph.
func (s *Service) AuthorizeAdmin(ctx context.Context, treasuryID string, subject treasury.Address) (authz.Capability, error) {
	return s.acl.Authorize(ctx, treasuryID, authz.UserSubject(subject))
}

// GrantAdmin adds a direct admin grant. The grantor must already be admin.
func (s *Service) GrantAdmin(ctx context.Context, auth treasury.AdminAuthorization, treasuryID string, subject treasury.Address) error {
	return s.track(ctx, "treasury.grant_admin", observability.TreasuryOperation(treasuryID), func(ctx context.Context) error {
		if auth == nil || auth.AuthorizedTreasury() != treasuryID {
			return treasury.ErrUnauthorized
		}
		if _, err := s.Treasury(ctx, treasuryID); err != nil {
			return err
		}
		return s.acl.GrantAdmin(ctx, treasuryID, authz.UserSubject(subject))
	})
}

// admin applies an admin mutation under the treasury lock.
func (s *Service) admin(ctx context.Context, op, treasuryID string, fn func(t *treasury.Treasury) error) (*treasury.Treasury, error) {
	var out *treasury.Treasury
	err := s.track(ctx, op, observability.TreasuryOperation(treasuryID), func(ctx context.Context) error {
		err := s.update(ctx, treasuryID, func(tx *store.Tx) error {
			if err := fn(tx.Treasury); err != nil {
				return err
			}
			out = tx.Treasury.Clone()
			return nil
		})
		if err == nil {
			s.logger.InfoContext(ctx, "treasury configuration changed", "treasury_id", treasuryID, "op", op)
		}
		return err
	})
	return out, err
}

func (s *Service) AddSigner(ctx context.Context, auth treasury.AdminAuthorization, treasuryID string, signer treasury.Address) (*treasury.Treasury, error) {
	return s.admin(ctx, "treasury.add_signer", treasuryID, func(t *treasury.Treasury) error {
		return t.AddSigner(auth, signer)
	})
}

func (s *Service) RemoveSigner(ctx context.Context, auth treasury.AdminAuthorization, treasuryID string, signer treasury.Address) (*treasury.Treasury, error) {
	return s.admin(ctx, "treasury.remove_signer", treasuryID, func(t *treasury.Treasury) error {
		return t.RemoveSigner(auth, signer)
	})
}

func (s *Service) UpdateThreshold(ctx context.Context, auth treasury.AdminAuthorization, treasuryID string, threshold uint64) (*treasury.Treasury, error) {
	return s.admin(ctx, "treasury.update_threshold", treasuryID, func(t *treasury.Treasury) error {
		return t.UpdateThreshold(auth, threshold)
	})
}

func (s *Service) SetCategoryLimit(ctx context.Context, auth treasury.AdminAuthorization, treasuryID, category string, limit treasury.SpendingLimit) (*treasury.Treasury, error) {
	return s.admin(ctx, "treasury.set_category_limit", treasuryID, func(t *treasury.Treasury) error {
		return t.SetCategoryLimit(auth, category, limit)
	})
}

func (s *Service) SetGlobalLimit(ctx context.Context, auth treasury.AdminAuthorization, treasuryID string, limit treasury.SpendingLimit) (*treasury.Treasury, error) {
	return s.admin(ctx, "treasury.set_global_limit", treasuryID, func(t *treasury.Treasury) error {
		return t.SetGlobalLimit(auth, limit)
	})
}

func (s *Service) AddWhitelist(ctx context.Context, auth treasury.AdminAuthorization, treasuryID string, addr treasury.Address) (*treasury.Treasury, error) {
	return s.admin(ctx, "treasury.add_whitelist", treasuryID, func(t *treasury.Treasury) error {
		return t.AddWhitelist(auth, addr)
	})
}

func (s *Service) RemoveWhitelist(ctx context.Context, auth treasury.AdminAuthorization, treasuryID string, addr treasury.Address) (*treasury.Treasury, error) {
	return s.admin(ctx, "treasury.remove_whitelist", treasuryID, func(t *treasury.Treasury) error {
		return t.RemoveWhitelist(auth, addr)
	})
}

func (s *Service) AddBlacklist(ctx context.Context, auth treasury.AdminAuthorization, treasuryID string, addr treasury.Address) (*treasury.Treasury, error) {
	return s.admin(ctx, "treasury.add_blacklist", treasuryID, func(t *treasury.Treasury) error {
		return t.AddBlacklist(auth, addr)
	})
}

func (s *Service) AddAmountThreshold(ctx context.Context, auth treasury.AdminAuthorization, treasuryID string, tier treasury.AmountThreshold) (*treasury.Treasury, error) {
	return s.admin(ctx, "treasury.add_amount_threshold", treasuryID, func(t *treasury.Treasury) error {
		return t.AddAmountThreshold(auth, tier)
	})
}

func (s *Service) SetEmergencySigners(ctx context.Context, auth treasury.AdminAuthorization, treasuryID string, signers []treasury.Address) (*treasury.Treasury, error) {
	return s.admin(ctx, "treasury.set_emergency_signers", treasuryID, func(t *treasury.Treasury) error {
		return t.SetEmergencySigners(auth, signers)
	})
}

func (s *Service) SetEmergencyThreshold(ctx context.Context, auth treasury.AdminAuthorization, treasuryID string, threshold uint64) (*treasury.Treasury, error) {
	return s.admin(ctx, "treasury.set_emergency_threshold", treasuryID, func(t *treasury.Treasury) error {
		return t.SetEmergencyThreshold(auth, threshold)
	})
}

func (s *Service) Freeze(ctx context.Context, auth treasury.AdminAuthorization, treasuryID string) (*treasury.Treasury, error) {
	return s.admin(ctx, "treasury.freeze", treasuryID, func(t *treasury.Treasury) error {
		return t.Freeze(auth)
	})
}

func (s *Service) Unfreeze(ctx context.Context, auth treasury.AdminAuthorization, treasuryID string) (*treasury.Treasury, error) {
	return s.admin(ctx, "treasury.unfreeze", treasuryID, func(t *treasury.Treasury) error {
		return t.Unfreeze(auth)
	})
}
