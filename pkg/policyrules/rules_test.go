package policyrules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-treasury/pkg/treasury"
)

func testTreasury(t *testing.T) *treasury.Treasury {
	t.Helper()
	tr, _, err := treasury.Create("t-1", treasury.CreateParams{
		Signers:   []treasury.Address{"a", "b"},
		Threshold: 1,
	}, 0)
	require.NoError(t, err)
	require.NoError(t, tr.Deposit(1000))
	return tr
}

func TestCompileRejectsBadRules(t *testing.T) {
	_, err := Compile(map[string]string{"broken": "total <="})
	require.Error(t, err)

	_, err = Compile(map[string]string{"not-bool": "total + 1u"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must evaluate to bool")

	_, err = Compile(map[string]string{"unknown-var": "amount > 1u"})
	require.Error(t, err)
}

func TestRuleSetCheck(t *testing.T) {
	rs, err := Compile(map[string]string{
		"max-half-balance": "total * 2u <= balance",
		"no-self-pay":      `!("t-1" in recipients)`,
		"small-batches":    "entries <= 3",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, rs.Len())
	tr := testTreasury(t)

	ok := []treasury.Transaction{{Recipient: "x", Amount: 100}}
	require.NoError(t, rs.Check(tr, ok, "ops", 100))

	err = rs.Check(tr, ok, "ops", 600)
	require.ErrorIs(t, err, treasury.ErrPolicyViolation)
	assert.Contains(t, err.Error(), "max-half-balance")

	self := []treasury.Transaction{{Recipient: "t-1", Amount: 1}}
	err = rs.Check(tr, self, "ops", 1)
	require.ErrorIs(t, err, treasury.ErrPolicyViolation)
	assert.Contains(t, err.Error(), "no-self-pay")
}

func TestEmptyRuleSetAllowsEverything(t *testing.T) {
	rs, err := Compile(nil)
	require.NoError(t, err)
	require.NoError(t, rs.Check(testTreasury(t), nil, "", 0))

	var nilSet *RuleSet
	require.NoError(t, nilSet.Check(testTreasury(t), nil, "", 0))
	assert.Empty(t, nilSet.Definitions())
}

func TestRuleSetAsEngineGuard(t *testing.T) {
	rs, err := Compile(map[string]string{"ops-only": `category == "ops"`})
	require.NoError(t, err)
	tr := testTreasury(t)
	e := treasury.NewEngine(rs)
	call := treasury.Call{Caller: "a"}
	txs := []treasury.Transaction{{Recipient: "x", Amount: 5}}

	_, _, err = e.Propose(call, tr, treasury.ProposalRequest{Transactions: txs, Category: "marketing"})
	require.ErrorIs(t, err, treasury.ErrPolicyViolation)

	p, _, err := e.Propose(call, tr, treasury.ProposalRequest{Transactions: txs, Category: "ops"})
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), call, tr, p, allowAll{})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"ops-only": `category == "ops"`}, rs.Definitions())
}

type allowAll struct{}

func (allowAll) Transfer(context.Context, treasury.TransferOrder) error { return nil }
