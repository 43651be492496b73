package treasury

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEmergencyTreasury(t *testing.T) *Treasury {
	t.Helper()
	tr, _, err := Create("treasury-1", CreateParams{
		Signers:        []Address{alice, bob, carol, dave},
		Threshold:      2,
		TimelockBase:   1000,
		TimelockFactor: 1,
	}, 0)
	require.NoError(t, err)
	require.NoError(t, tr.Deposit(100))
	return tr
}

func TestEmergencyHalvesTimelock(t *testing.T) {
	tr := newEmergencyTreasury(t)

	p, events, err := NewEngine().ProposeEmergency(at(alice, 0), tr, ProposalRequest{Transactions: []Transaction{pay(eve, 11)}})
	require.NoError(t, err)
	assert.True(t, p.Emergency)
	assert.Equal(t, int64((1000+11)/2), p.UnlockAt)
	assert.True(t, tr.Emergency.Triggered)
	assert.Equal(t, int64(0), tr.Emergency.LastActionAt)
	assert.Equal(t, uint64(1), tr.ProposalCount)
	require.Len(t, events, 1)
	assert.Equal(t, EventEmergencyInitiated, events[0].Type)
}

func TestEmergencyHugeTimelockSaturates(t *testing.T) {
	tr, _, err := Create("treasury-1", CreateParams{
		Signers:        []Address{alice, bob},
		Threshold:      1,
		TimelockBase:   math.MaxUint64,
		TimelockFactor: 1,
	}, 0)
	require.NoError(t, err)
	require.NoError(t, tr.Deposit(100))
	e := NewEngine()

	p, _, err := e.ProposeEmergency(at(alice, 1000), tr, ProposalRequest{Transactions: []Transaction{pay(eve, 50)}})
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), p.UnlockAt)

	_, err = e.Approve(at(bob, 1000), tr, p)
	require.NoError(t, err)
	_, err = e.Execute(context.Background(), at(alice, 1001), tr, p, newRecordingCustody())
	require.ErrorIs(t, err, ErrTimeLockNotExpired)
}

func TestEmergencyCooldown(t *testing.T) {
	tr := newEmergencyTreasury(t)
	e := NewEngine()
	req := ProposalRequest{Transactions: []Transaction{pay(eve, 1)}}

	_, _, err := e.ProposeEmergency(at(alice, 0), tr, req)
	require.NoError(t, err)

	_, _, err = e.ProposeEmergency(at(bob, 1000), tr, req)
	require.ErrorIs(t, err, ErrInCooldownPeriod)

	_, _, err = e.ProposeEmergency(at(bob, EmergencyCooldownMs-1), tr, req)
	require.ErrorIs(t, err, ErrInCooldownPeriod)

	_, _, err = e.ProposeEmergency(at(bob, EmergencyCooldownMs), tr, req)
	require.NoError(t, err)
	assert.Equal(t, EmergencyCooldownMs, tr.Emergency.LastActionAt)
}

func TestEmergencyUsesEmergencySignerSet(t *testing.T) {
	tr := newEmergencyTreasury(t)
	admin := adminOf(tr)
	require.NoError(t, tr.SetEmergencyThreshold(admin, 1))
	require.NoError(t, tr.SetEmergencySigners(admin, []Address{eve}))
	e := NewEngine()
	req := ProposalRequest{Transactions: []Transaction{pay(bob, 1)}}

	_, _, err := e.ProposeEmergency(at(alice, 0), tr, req)
	require.ErrorIs(t, err, ErrNotSigner)
	assert.False(t, tr.Emergency.Triggered)

	p, _, err := e.ProposeEmergency(at(eve, 0), tr, req)
	require.NoError(t, err)
	assert.Equal(t, eve, p.Proposer)
}

func TestEmergencyBlockedWhenFrozen(t *testing.T) {
	tr := newEmergencyTreasury(t)
	require.NoError(t, tr.Freeze(adminOf(tr)))
	e := NewEngine()
	req := ProposalRequest{Transactions: []Transaction{pay(eve, 1)}}

	_, _, err := e.ProposeEmergency(at(alice, 0), tr, req)
	require.ErrorIs(t, err, ErrPolicyViolation)
	assert.False(t, tr.Emergency.Triggered)

	// Normal proposals ignore the freeze.
	_, _, err = e.Propose(at(alice, 0), tr, req)
	require.NoError(t, err)
}

func TestEmergencyFailedCreationDoesNotStartCooldown(t *testing.T) {
	tr := newEmergencyTreasury(t)
	e := NewEngine()

	_, _, err := e.ProposeEmergency(at(alice, 0), tr, ProposalRequest{Transactions: []Transaction{pay(eve, 0)}})
	require.ErrorIs(t, err, ErrInvalidAmount)
	assert.False(t, tr.Emergency.Triggered)

	_, _, err = e.ProposeEmergency(at(alice, 1), tr, ProposalRequest{Transactions: []Transaction{pay(eve, 1)}})
	require.NoError(t, err)
}

func TestEmergencyExecutionUsesElevatedThreshold(t *testing.T) {
	tr := newEmergencyTreasury(t)
	e := NewEngine()
	ctx := context.Background()

	p, _, err := e.ProposeEmergency(at(alice, 0), tr, ProposalRequest{Transactions: []Transaction{pay(eve, 10)}})
	require.NoError(t, err)
	_, err = e.Approve(at(bob, 1), tr, p)
	require.NoError(t, err)

	// Two approvals meet the normal threshold but not the emergency one.
	_, err = e.Execute(ctx, at(alice, p.UnlockAt), tr, p, newRecordingCustody())
	require.ErrorIs(t, err, ErrInsufficientSignatures)

	_, err = e.Approve(at(carol, 2), tr, p)
	require.NoError(t, err)
	_, err = e.Execute(ctx, at(alice, p.UnlockAt), tr, p, newRecordingCustody())
	require.NoError(t, err)
	assert.Equal(t, uint64(90), tr.Balance)
}
