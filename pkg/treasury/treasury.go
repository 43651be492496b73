package treasury

import "fmt"

// AdminAuthorization is proof, established by the host, that the caller holds
// admin authority over a specific treasury. The engine only checks the
// binding; it never issues authorizations.
type AdminAuthorization interface {
	AuthorizedTreasury() string
}

// AdminCap is the plain AdminAuthorization for hosts that establish the
// binding themselves (ACL lookup, session, test).
type AdminCap struct {
	TreasuryID string `json:"treasury_id"`
}

// AuthorizedTreasury implements AdminAuthorization.
func (c AdminCap) AuthorizedTreasury() string { return c.TreasuryID }

// CreateParams configures a new treasury.
type CreateParams struct {
	Name           string
	Signers        []Address
	Threshold      uint64
	TimelockBase   uint64
	TimelockFactor uint64
}

// Create builds a new treasury with an empty balance and unlimited policy.
// The emergency path starts with the same signers and threshold+1.
func Create(id string, params CreateParams, now int64) (*Treasury, []Event, error) {
	if len(params.Signers) == 0 {
		return nil, nil, ErrInvalidSigners
	}
	signers := make([]Address, 0, len(params.Signers))
	for _, s := range params.Signers {
		if containsAddress(signers, s) {
			return nil, nil, fmt.Errorf("%w: duplicate signer %s", ErrInvalidSigners, s)
		}
		signers = append(signers, s)
	}
	if params.Threshold == 0 || params.Threshold > uint64(len(signers)) {
		return nil, nil, fmt.Errorf("%w: %d of %d signers", ErrInvalidThreshold, params.Threshold, len(signers))
	}

	t := &Treasury{
		ID:        id,
		Name:      params.Name,
		Signers:   signers,
		Threshold: params.Threshold,
		Policy: PolicyConfig{
			CategoryLimits: make(map[string]SpendingLimit),
			TimelockBase:   params.TimelockBase,
			TimelockFactor: params.TimelockFactor,
		},
		Tracker: NewSpendingTracker(now),
		Emergency: EmergencyConfig{
			Signers:   append([]Address(nil), signers...),
			Threshold: params.Threshold + 1,
		},
		CreatedAt: now,
	}

	events := []Event{{
		Type:       EventTreasuryCreated,
		TreasuryID: id,
		Timestamp:  now,
	}}
	return t, events, nil
}

// Deposit adds funds. Deposits are not governed.
func (t *Treasury) Deposit(amount uint64) error {
	if t.Balance+amount < t.Balance {
		return fmt.Errorf("%w: balance overflow", ErrInvalidAmount)
	}
	t.Balance += amount
	return nil
}

func (t *Treasury) authorize(auth AdminAuthorization) error {
	if auth == nil || auth.AuthorizedTreasury() != t.ID {
		return ErrUnauthorized
	}
	return nil
}

// AddSigner appends a new signer.
func (t *Treasury) AddSigner(auth AdminAuthorization, signer Address) error {
	if err := t.authorize(auth); err != nil {
		return err
	}
	if t.IsSigner(signer) {
		return fmt.Errorf("%w: %s is already a signer", ErrPolicyViolation, signer)
	}
	t.Signers = append(t.Signers, signer)
	return nil
}

// RemoveSigner removes a signer. Removal that would leave fewer signers than
// the threshold is rejected rather than lowering the threshold.
func (t *Treasury) RemoveSigner(auth AdminAuthorization, signer Address) error {
	if err := t.authorize(auth); err != nil {
		return err
	}
	idx := -1
	for i, s := range t.Signers {
		if s == signer {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrNotSigner, signer)
	}
	if uint64(len(t.Signers)-1) < t.Threshold {
		return fmt.Errorf("%w: removing %s leaves %d signers for threshold %d",
			ErrInvalidThreshold, signer, len(t.Signers)-1, t.Threshold)
	}
	remaining := make([]Address, 0, len(t.Signers)-1)
	remaining = append(remaining, t.Signers[:idx]...)
	t.Signers = append(remaining, t.Signers[idx+1:]...)
	return nil
}

// UpdateThreshold sets the approval threshold.
func (t *Treasury) UpdateThreshold(auth AdminAuthorization, threshold uint64) error {
	if err := t.authorize(auth); err != nil {
		return err
	}
	if threshold == 0 || threshold > uint64(len(t.Signers)) {
		return fmt.Errorf("%w: %d of %d signers", ErrInvalidThreshold, threshold, len(t.Signers))
	}
	t.Threshold = threshold
	return nil
}

// SetCategoryLimit installs or replaces the limit of one category.
func (t *Treasury) SetCategoryLimit(auth AdminAuthorization, category string, limit SpendingLimit) error {
	if err := t.authorize(auth); err != nil {
		return err
	}
	if t.Policy.CategoryLimits == nil {
		t.Policy.CategoryLimits = make(map[string]SpendingLimit)
	}
	t.Policy.CategoryLimits[category] = limit
	return nil
}

// SetGlobalLimit replaces the global limit.
func (t *Treasury) SetGlobalLimit(auth AdminAuthorization, limit SpendingLimit) error {
	if err := t.authorize(auth); err != nil {
		return err
	}
	t.Policy.GlobalLimit = limit
	return nil
}

// AddWhitelist admits a recipient. Adding a present address is a no-op.
func (t *Treasury) AddWhitelist(auth AdminAuthorization, addr Address) error {
	if err := t.authorize(auth); err != nil {
		return err
	}
	if !containsAddress(t.Policy.Whitelist, addr) {
		t.Policy.Whitelist = append(t.Policy.Whitelist, addr)
	}
	return nil
}

// RemoveWhitelist drops a recipient. Removing the last entry lifts the
// whitelist restriction entirely.
func (t *Treasury) RemoveWhitelist(auth AdminAuthorization, addr Address) error {
	if err := t.authorize(auth); err != nil {
		return err
	}
	t.Policy.Whitelist = removeAddress(t.Policy.Whitelist, addr)
	return nil
}

// AddBlacklist records an address in the blacklist. Validate does not
// consult the blacklist.
func (t *Treasury) AddBlacklist(auth AdminAuthorization, addr Address) error {
	if err := t.authorize(auth); err != nil {
		return err
	}
	if !containsAddress(t.Policy.Blacklist, addr) {
		t.Policy.Blacklist = append(t.Policy.Blacklist, addr)
	}
	return nil
}

// AddAmountThreshold appends a signature tier.
func (t *Treasury) AddAmountThreshold(auth AdminAuthorization, tier AmountThreshold) error {
	if err := t.authorize(auth); err != nil {
		return err
	}
	t.Policy.AmountThresholds = append(t.Policy.AmountThresholds, tier)
	return nil
}

// SetEmergencySigners replaces the emergency signer set.
func (t *Treasury) SetEmergencySigners(auth AdminAuthorization, signers []Address) error {
	if err := t.authorize(auth); err != nil {
		return err
	}
	if len(signers) == 0 {
		return ErrInvalidSigners
	}
	set := make([]Address, 0, len(signers))
	for _, s := range signers {
		if !containsAddress(set, s) {
			set = append(set, s)
		}
	}
	if t.Emergency.Threshold > uint64(len(set)) {
		return fmt.Errorf("%w: emergency threshold %d exceeds %d signers",
			ErrInvalidThreshold, t.Emergency.Threshold, len(set))
	}
	t.Emergency.Signers = set
	return nil
}

// SetEmergencyThreshold sets the approvals required by emergency proposals.
func (t *Treasury) SetEmergencyThreshold(auth AdminAuthorization, threshold uint64) error {
	if err := t.authorize(auth); err != nil {
		return err
	}
	if threshold == 0 || threshold > uint64(len(t.Emergency.Signers)) {
		return fmt.Errorf("%w: %d of %d emergency signers",
			ErrInvalidThreshold, threshold, len(t.Emergency.Signers))
	}
	t.Emergency.Threshold = threshold
	return nil
}

// Freeze blocks new emergency proposals. Normal proposals are unaffected.
func (t *Treasury) Freeze(auth AdminAuthorization) error {
	if err := t.authorize(auth); err != nil {
		return err
	}
	t.Emergency.Frozen = true
	return nil
}

// Unfreeze lifts a freeze.
func (t *Treasury) Unfreeze(auth AdminAuthorization) error {
	if err := t.authorize(auth); err != nil {
		return err
	}
	t.Emergency.Frozen = false
	return nil
}

// Clone returns a deep copy.
func (t *Treasury) Clone() *Treasury {
	c := *t
	c.Signers = append([]Address(nil), t.Signers...)
	c.Policy.CategoryLimits = make(map[string]SpendingLimit, len(t.Policy.CategoryLimits))
	for k, v := range t.Policy.CategoryLimits {
		c.Policy.CategoryLimits[k] = v
	}
	c.Policy.Whitelist = append([]Address(nil), t.Policy.Whitelist...)
	c.Policy.Blacklist = append([]Address(nil), t.Policy.Blacklist...)
	c.Policy.AmountThresholds = append([]AmountThreshold(nil), t.Policy.AmountThresholds...)
	c.Tracker = t.Tracker.clone()
	c.Emergency.Signers = append([]Address(nil), t.Emergency.Signers...)
	return &c
}

// Clone returns a deep copy.
func (p *Proposal) Clone() *Proposal {
	c := *p
	c.Transactions = append([]Transaction(nil), p.Transactions...)
	c.Approvals = append([]Address(nil), p.Approvals...)
	return &c
}

func removeAddress(set []Address, addr Address) []Address {
	out := set[:0:0]
	for _, a := range set {
		if a != addr {
			out = append(out, a)
		}
	}
	return out
}
