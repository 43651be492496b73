package authz_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-treasury/pkg/authz"
	"github.com/Mindburn-Labs/helm-treasury/pkg/treasury"
)

func TestAuthZ_Engine(t *testing.T) {
	engine := authz.NewEngine()
	ctx := context.Background()

	// 1. Direct grant
	require.NoError(t, engine.GrantAdmin(ctx, "t-1", authz.UserSubject("alice")))

	cp, err := engine.Authorize(ctx, "t-1", "user:alice")
	require.NoError(t, err)
	assert.Equal(t, "t-1", cp.AuthorizedTreasury())

	_, err = engine.Authorize(ctx, "t-2", "user:alice")
	require.ErrorIs(t, err, authz.ErrNotAuthorized)

	// 2. Group membership
	require.NoError(t, engine.WriteTuple(ctx, authz.RelationTuple{
		Object: "group:council", Relation: "member", Subject: "user:bob",
	}))
	require.NoError(t, engine.GrantAdmin(ctx, "t-2", "group:council"))

	allowed, err := engine.Check(ctx, authz.TreasuryObject("t-2"), authz.RelationAdmin, "user:bob")
	require.NoError(t, err)
	assert.True(t, allowed, "bob should be admin via group:council")

	// 3. Revocation
	require.NoError(t, engine.RevokeAdmin(ctx, "t-1", "user:alice"))
	_, err = engine.Authorize(ctx, "t-1", "user:alice")
	require.ErrorIs(t, err, authz.ErrNotAuthorized)
}

type tupleLog struct {
	tuples []authz.RelationTuple
	fail   error
}

func (l *tupleLog) WriteTuple(_ context.Context, tuple authz.RelationTuple) error {
	if l.fail != nil {
		return l.fail
	}
	l.tuples = append(l.tuples, tuple)
	return nil
}

func (l *tupleLog) DeleteTuple(_ context.Context, tuple authz.RelationTuple) error {
	if l.fail != nil {
		return l.fail
	}
	kept := l.tuples[:0]
	for _, t := range l.tuples {
		if t != tuple {
			kept = append(kept, t)
		}
	}
	l.tuples = kept
	return nil
}

func (l *tupleLog) ListTuples(context.Context) ([]authz.RelationTuple, error) {
	return append([]authz.RelationTuple(nil), l.tuples...), l.fail
}

func TestLoadEngine_WritesThrough(t *testing.T) {
	ctx := context.Background()
	log := &tupleLog{}

	engine, err := authz.LoadEngine(ctx, log)
	require.NoError(t, err)
	require.NoError(t, engine.GrantAdmin(ctx, "t-1", authz.UserSubject("alice")))
	require.NoError(t, engine.GrantAdmin(ctx, "t-1", authz.UserSubject("alice")))
	require.NoError(t, engine.GrantAdmin(ctx, "t-1", authz.UserSubject("bob")))
	require.Len(t, log.tuples, 2)

	require.NoError(t, engine.RevokeAdmin(ctx, "t-1", authz.UserSubject("bob")))
	require.Len(t, log.tuples, 1)

	// A fresh engine over the same tuples sees the surviving grant.
	reloaded, err := authz.LoadEngine(ctx, log)
	require.NoError(t, err)
	_, err = reloaded.Authorize(ctx, "t-1", "user:alice")
	require.NoError(t, err)
	_, err = reloaded.Authorize(ctx, "t-1", "user:bob")
	require.ErrorIs(t, err, authz.ErrNotAuthorized)

	// A grant the store refuses is not applied in memory.
	log.fail = errors.New("disk full")
	require.Error(t, reloaded.GrantAdmin(ctx, "t-2", "user:carol"))
	_, err = reloaded.Authorize(ctx, "t-2", "user:carol")
	require.ErrorIs(t, err, authz.ErrNotAuthorized)

	_, err = authz.LoadEngine(ctx, log)
	require.Error(t, err)
}

func TestCapabilityDrivesTreasuryAdmin(t *testing.T) {
	tr, _, err := treasury.Create("t-1", treasury.CreateParams{Signers: []treasury.Address{"a", "b"}, Threshold: 1}, 0)
	require.NoError(t, err)

	engine := authz.NewEngine()
	ctx := context.Background()
	require.NoError(t, engine.GrantAdmin(ctx, "t-1", "user:ops"))
	cp, err := engine.Authorize(ctx, "t-1", "user:ops")
	require.NoError(t, err)

	require.NoError(t, tr.UpdateThreshold(cp, 2))
	require.ErrorIs(t, tr.UpdateThreshold(authz.Capability{TreasuryID: "t-9"}, 1), treasury.ErrUnauthorized)
}

func TestTokenRoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer := authz.NewIssuer(secret, time.Hour).WithClock(func() time.Time { return now })
	verifier := authz.NewVerifier(secret).WithClock(func() time.Time { return now.Add(30 * time.Minute) })

	token, err := issuer.Issue("t-1", "ops")
	require.NoError(t, err)

	cp, err := verifier.Verify(token, "t-1")
	require.NoError(t, err)
	assert.Equal(t, authz.Capability{TreasuryID: "t-1", Subject: "ops"}, cp)

	_, err = verifier.Verify(token, "t-2")
	require.ErrorIs(t, err, authz.ErrInvalidCapability)
}

func TestTokenRejections(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer := authz.NewIssuer([]byte("right"), time.Minute).WithClock(func() time.Time { return now })
	token, err := issuer.Issue("t-1", "ops")
	require.NoError(t, err)

	expired := authz.NewVerifier([]byte("right")).WithClock(func() time.Time { return now.Add(time.Hour) })
	_, err = expired.Verify(token, "t-1")
	require.ErrorIs(t, err, authz.ErrInvalidCapability)

	wrongKey := authz.NewVerifier([]byte("wrong")).WithClock(func() time.Time { return now })
	_, err = wrongKey.Verify(token, "t-1")
	require.ErrorIs(t, err, authz.ErrInvalidCapability)

	_, err = wrongKey.Verify("not-a-token", "t-1")
	require.ErrorIs(t, err, authz.ErrInvalidCapability)
}
