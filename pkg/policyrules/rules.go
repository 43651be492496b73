// Package policyrules lets operators attach CEL predicates to a treasury's
// spending policy. A RuleSet plugs into treasury.Engine as a Guard and runs
// after the built-in checks, at proposal creation and again at execution.
//
// Available variables:
//
//	total      uint          batch total
//	category   string        proposal category
//	recipients list(string)  recipients in entry order
//	entries    int           number of entries
//	balance    uint          current treasury balance
//	treasury   string        treasury ID
package policyrules

import (
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/helm-treasury/pkg/treasury"
)

// Rule is one compiled predicate.
type Rule struct {
	ID     string
	Source string
	prg    cel.Program
}

// RuleSet is an ordered set of compiled rules.
type RuleSet struct {
	rules []Rule
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("total", cel.UintType),
		cel.Variable("category", cel.StringType),
		cel.Variable("recipients", cel.ListType(cel.StringType)),
		cel.Variable("entries", cel.IntType),
		cel.Variable("balance", cel.UintType),
		cel.Variable("treasury", cel.StringType),
		cel.CrossTypeNumericComparisons(true),
	)
}

// Compile builds a RuleSet from rule ID to CEL source. Rules are evaluated
// in ID order so failures are reported deterministically.
func Compile(sources map[string]string) (*RuleSet, error) {
	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ids := make([]string, 0, len(sources))
	for id := range sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rs := &RuleSet{rules: make([]Rule, 0, len(ids))}
	for _, id := range ids {
		src := sources[id]
		ast, issues := env.Compile(src)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rule %s: compilation failed: %w", id, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("rule %s: must evaluate to bool, got %s", id, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("rule %s: program construction failed: %w", id, err)
		}
		rs.rules = append(rs.rules, Rule{ID: id, Source: src, prg: prg})
	}
	return rs, nil
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// Definitions returns rule ID to source.
func (rs *RuleSet) Definitions() map[string]string {
	out := make(map[string]string, rs.Len())
	if rs == nil {
		return out
	}
	for _, r := range rs.rules {
		out[r.ID] = r.Source
	}
	return out
}

// Check implements treasury.Guard. Evaluation errors deny.
func (rs *RuleSet) Check(t *treasury.Treasury, txs []treasury.Transaction, category string, total uint64) error {
	if rs.Len() == 0 {
		return nil
	}
	recipients := make([]string, len(txs))
	for i, tx := range txs {
		recipients[i] = string(tx.Recipient)
	}
	input := map[string]any{
		"total":      total,
		"category":   category,
		"recipients": recipients,
		"entries":    int64(len(txs)),
		"balance":    t.Balance,
		"treasury":   t.ID,
	}

	for _, r := range rs.rules {
		out, _, err := r.prg.Eval(input)
		if err != nil {
			return fmt.Errorf("%w: rule %s: evaluation error: %v", treasury.ErrPolicyViolation, r.ID, err)
		}
		if allowed, ok := out.Value().(bool); !ok || !allowed {
			return fmt.Errorf("%w: denied by rule %s", treasury.ErrPolicyViolation, r.ID)
		}
	}
	return nil
}
