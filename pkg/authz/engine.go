// Package authz establishes admin authority over treasuries.
//
// The governance core only checks that an AdminAuthorization is bound to the
// treasury being mutated. This package produces such authorizations, either
// from a relationship graph (ACL lookup) or from a signed capability token.
package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/helm-treasury/pkg/treasury"
)

// RelationAdmin is the relation that grants admin authority over a treasury.
const RelationAdmin = "admin"

// ErrNotAuthorized is returned when no admin relationship exists.
var ErrNotAuthorized = errors.New("subject holds no admin authority")

// Capability is an AdminAuthorization established by this package.
type Capability struct {
	TreasuryID string `json:"treasury_id"`
	Subject    string `json:"subject"`
}

// AuthorizedTreasury implements treasury.AdminAuthorization.
func (c Capability) AuthorizedTreasury() string { return c.TreasuryID }

var _ treasury.AdminAuthorization = Capability{}

// RelationTuple represents a directed edge in the relationship graph.
// (user:alice) -> [admin] -> (treasury:t-1)
type RelationTuple struct {
	Object   string `json:"object"`   // namespace:id (e.g., "treasury:t-1")
	Relation string `json:"relation"` // e.g., "admin", "member"
	Subject  string `json:"subject"`  // User or group (e.g., "user:alice", "group:council")
}

// TupleStore persists relationship tuples.
type TupleStore interface {
	WriteTuple(ctx context.Context, tuple RelationTuple) error
	DeleteTuple(ctx context.Context, tuple RelationTuple) error
	ListTuples(ctx context.Context) ([]RelationTuple, error)
}

// Engine is a relationship graph answering "does subject hold relation on
// object", with one level of group indirection per hop.
type Engine struct {
	mu     sync.RWMutex
	graph  map[string]struct{} // Set of "object#relation@subject" strings for fast lookup
	tuples []RelationTuple
	store  TupleStore
}

func NewEngine() *Engine {
	return &Engine{
		graph:  make(map[string]struct{}),
		tuples: make([]RelationTuple, 0),
	}
}

// LoadEngine builds an engine from the tuples in ts and writes every later
// change through to ts before applying it in memory.
func LoadEngine(ctx context.Context, ts TupleStore) (*Engine, error) {
	tuples, err := ts.ListTuples(ctx)
	if err != nil {
		return nil, fmt.Errorf("load relation tuples: %w", err)
	}
	e := NewEngine()
	for _, t := range tuples {
		e.add(t)
	}
	e.store = ts
	return e, nil
}

// TreasuryObject returns the graph object naming a treasury.
func TreasuryObject(treasuryID string) string {
	return "treasury:" + treasuryID
}

// UserSubject returns the graph subject naming an address.
func UserSubject(addr treasury.Address) string {
	return "user:" + string(addr)
}

// WriteTuple adds a relationship to the graph.
func (e *Engine) WriteTuple(ctx context.Context, tuple RelationTuple) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.graph[tupleKey(tuple)]; exists {
		return nil // Idempotent
	}
	if e.store != nil {
		if err := e.store.WriteTuple(ctx, tuple); err != nil {
			return err
		}
	}
	e.add(tuple)
	return nil
}

func (e *Engine) add(tuple RelationTuple) {
	key := tupleKey(tuple)
	if _, exists := e.graph[key]; exists {
		return
	}
	e.graph[key] = struct{}{}
	e.tuples = append(e.tuples, tuple)
}

// DeleteTuple removes a relationship. Removing an absent tuple is a no-op.
func (e *Engine) DeleteTuple(ctx context.Context, tuple RelationTuple) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := tupleKey(tuple)
	if _, exists := e.graph[key]; !exists {
		return nil
	}
	if e.store != nil {
		if err := e.store.DeleteTuple(ctx, tuple); err != nil {
			return err
		}
	}
	delete(e.graph, key)
	kept := e.tuples[:0]
	for _, t := range e.tuples {
		if tupleKey(t) != key {
			kept = append(kept, t)
		}
	}
	e.tuples = kept
	return nil
}

// GrantAdmin makes subject an admin of a treasury.
func (e *Engine) GrantAdmin(ctx context.Context, treasuryID, subject string) error {
	return e.WriteTuple(ctx, RelationTuple{Object: TreasuryObject(treasuryID), Relation: RelationAdmin, Subject: subject})
}

// RevokeAdmin removes a direct admin grant.
func (e *Engine) RevokeAdmin(ctx context.Context, treasuryID, subject string) error {
	return e.DeleteTuple(ctx, RelationTuple{Object: TreasuryObject(treasuryID), Relation: RelationAdmin, Subject: subject})
}

// Check verifies if "subject" has "relation" on "object".
// Returns true if the relationship exists directly or through a group.
func (e *Engine) Check(ctx context.Context, object, relation, subject string) (bool, error) {
	_ = ctx
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.checkRecursive(object, relation, subject, make(map[string]bool)), nil
}

// Authorize returns a Capability when subject is an admin of treasuryID.
func (e *Engine) Authorize(ctx context.Context, treasuryID, subject string) (Capability, error) {
	ok, err := e.Check(ctx, TreasuryObject(treasuryID), RelationAdmin, subject)
	if err != nil {
		return Capability{}, err
	}
	if !ok {
		return Capability{}, fmt.Errorf("%w: %s on treasury %s", ErrNotAuthorized, subject, treasuryID)
	}
	return Capability{TreasuryID: treasuryID, Subject: subject}, nil
}

func (e *Engine) checkRecursive(object, relation, subject string, visited map[string]bool) bool {
	if _, ok := e.graph[fmt.Sprintf("%s#%s@%s", object, relation, subject)]; ok {
		return true
	}

	visitKey := object + "#" + relation
	if visited[visitKey] {
		return false
	}
	visited[visitKey] = true

	// Group expansion: (object#relation@group:G) and (group:G#member@subject).
	for _, t := range e.tuples {
		if t.Object != object || t.Relation != relation || !isGroup(t.Subject) {
			continue
		}
		if e.checkRecursive(t.Subject, "member", subject, visited) {
			return true
		}
	}
	return false
}

func tupleKey(t RelationTuple) string {
	return fmt.Sprintf("%s#%s@%s", t.Object, t.Relation, t.Subject)
}

func isGroup(subject string) bool {
	return strings.HasPrefix(subject, "group:")
}
