package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/helm-treasury/pkg/authz"
	"github.com/Mindburn-Labs/helm-treasury/pkg/custody"
	"github.com/Mindburn-Labs/helm-treasury/pkg/treasury"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder style and row locking for a SQL backend.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

// DriverName returns the database/sql driver registered for d.
func (d Dialect) DriverName() string {
	if d == DialectSQLite {
		return "sqlite"
	}
	return "postgres"
}

// ParseDialect maps a driver name to a Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pq":
		return DialectPostgres, nil
	case "sqlite", "sqlite3", "lite":
		return DialectSQLite, nil
	default:
		return 0, fmt.Errorf("unsupported database driver %q", driver)
	}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS treasuries (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS proposals (
		id TEXT PRIMARY KEY,
		treasury_id TEXT NOT NULL,
		executed BOOLEAN NOT NULL DEFAULT FALSE,
		state TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_proposals_treasury ON proposals (treasury_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS transfers (
		treasury_id TEXT NOT NULL,
		sequence BIGINT NOT NULL,
		receipt_id TEXT NOT NULL UNIQUE,
		proposal_id TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		state TEXT NOT NULL,
		PRIMARY KEY (treasury_id, sequence)
	)`,
	`CREATE TABLE IF NOT EXISTS relation_tuples (
		object TEXT NOT NULL,
		relation TEXT NOT NULL,
		subject TEXT NOT NULL,
		PRIMARY KEY (object, relation, subject)
	)`,
}

// SQLStore implements Store on PostgreSQL or SQLite. Aggregates are stored
// as JSON documents; the treasury row is the lock for Update. It also
// implements authz.TupleStore so admin grants survive restarts.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect

	// SQLite has a single writer; serialise updates in-process instead of
	// relying on busy retries.
	writeMu sync.Mutex
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Migrate creates the tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate treasury schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) CreateTreasury(ctx context.Context, t *treasury.Treasury) error {
	state, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode treasury: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO treasuries (id, name, state, created_at) VALUES (?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`),
		t.ID, t.Name, string(state), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert treasury: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrExists
	}
	return nil
}

func (s *SQLStore) GetTreasury(ctx context.Context, id string) (*treasury.Treasury, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT state FROM treasuries WHERE id = ?`), id)
	return scanTreasury(row)
}

func (s *SQLStore) GetProposal(ctx context.Context, id string) (*treasury.Proposal, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT state FROM proposals WHERE id = ?`), id)
	return scanProposal(row)
}

func (s *SQLStore) ListProposals(ctx context.Context, treasuryID string) ([]*treasury.Proposal, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT state FROM proposals WHERE treasury_id = ? ORDER BY created_at, id`), treasuryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list proposals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*treasury.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) Update(ctx context.Context, treasuryID string, fn func(tx *Tx) error) (err error) {
	if s.dialect == DialectSQLite {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}

	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = dbtx.Rollback()
		}
	}()

	lock := `SELECT state FROM treasuries WHERE id = ?`
	if s.dialect == DialectPostgres {
		lock += ` FOR UPDATE`
	}
	t, err := scanTreasury(dbtx.QueryRowContext(ctx, s.rebind(lock), treasuryID))
	if err != nil {
		return err
	}

	tx := newTx(t, func(id string) (*treasury.Proposal, error) {
		return scanProposal(dbtx.QueryRowContext(ctx, s.rebind(`SELECT state FROM proposals WHERE id = ?`), id))
	}, func() (*custody.Entry, error) {
		e, err := scanEntry(dbtx.QueryRowContext(ctx,
			s.rebind(`SELECT state FROM transfers WHERE treasury_id = ? ORDER BY sequence DESC LIMIT 1`), treasuryID))
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return e, err
	})
	if err = fn(tx); err != nil {
		return err
	}

	state, err := json.Marshal(tx.Treasury)
	if err != nil {
		return fmt.Errorf("failed to encode treasury: %w", err)
	}
	if _, err = dbtx.ExecContext(ctx,
		s.rebind(`UPDATE treasuries SET name = ?, state = ? WHERE id = ?`),
		tx.Treasury.Name, string(state), treasuryID); err != nil {
		return fmt.Errorf("failed to persist treasury: %w", err)
	}

	upsert := s.rebind(`
		INSERT INTO proposals (id, treasury_id, executed, state, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			executed = EXCLUDED.executed,
			state = EXCLUDED.state`)
	for _, p := range tx.proposals() {
		pstate, mErr := json.Marshal(p)
		if mErr != nil {
			err = fmt.Errorf("failed to encode proposal: %w", mErr)
			return err
		}
		if _, err = dbtx.ExecContext(ctx, upsert, p.ID, p.TreasuryID, p.Executed, string(pstate), p.CreatedAt); err != nil {
			return fmt.Errorf("failed to persist proposal %s: %w", p.ID, err)
		}
	}

	insert := s.rebind(`
		INSERT INTO transfers (treasury_id, sequence, receipt_id, proposal_id, content_hash, state)
		VALUES (?, ?, ?, ?, ?, ?)`)
	for _, e := range tx.transfers {
		if e.Order.TreasuryID != treasuryID {
			err = fmt.Errorf("transfer of %s staged in transaction of %s", e.Order.TreasuryID, treasuryID)
			return err
		}
		estate, mErr := json.Marshal(e)
		if mErr != nil {
			err = fmt.Errorf("failed to encode transfer: %w", mErr)
			return err
		}
		if _, err = dbtx.ExecContext(ctx, insert,
			treasuryID, int64(e.Sequence), e.ReceiptID, e.Order.ProposalID, e.ContentHash, string(estate)); err != nil {
			return fmt.Errorf("failed to persist transfer %d of %s: %w", e.Sequence, treasuryID, err)
		}
	}

	if err = dbtx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *SQLStore) ListTransfers(ctx context.Context, treasuryID string) ([]custody.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT state FROM transfers WHERE treasury_id = ? ORDER BY sequence`), treasuryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []custody.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// WriteTuple implements authz.TupleStore.
func (s *SQLStore) WriteTuple(ctx context.Context, t authz.RelationTuple) error {
	if _, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO relation_tuples (object, relation, subject) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`),
		t.Object, t.Relation, t.Subject); err != nil {
		return fmt.Errorf("failed to write relation tuple: %w", err)
	}
	return nil
}

// DeleteTuple implements authz.TupleStore.
func (s *SQLStore) DeleteTuple(ctx context.Context, t authz.RelationTuple) error {
	if _, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM relation_tuples WHERE object = ? AND relation = ? AND subject = ?`),
		t.Object, t.Relation, t.Subject); err != nil {
		return fmt.Errorf("failed to delete relation tuple: %w", err)
	}
	return nil
}

// ListTuples implements authz.TupleStore.
func (s *SQLStore) ListTuples(ctx context.Context) ([]authz.RelationTuple, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT object, relation, subject FROM relation_tuples ORDER BY object, relation, subject`)
	if err != nil {
		return nil, fmt.Errorf("failed to list relation tuples: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []authz.RelationTuple
	for rows.Next() {
		var t authz.RelationTuple
		if err := rows.Scan(&t.Object, &t.Relation, &t.Subject); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTreasury(row rowScanner) (*treasury.Treasury, error) {
	var state string
	if err := row.Scan(&state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load treasury: %w", err)
	}
	var t treasury.Treasury
	if err := json.Unmarshal([]byte(state), &t); err != nil {
		return nil, fmt.Errorf("failed to decode treasury: %w", err)
	}
	return &t, nil
}

func scanProposal(row rowScanner) (*treasury.Proposal, error) {
	var state string
	if err := row.Scan(&state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load proposal: %w", err)
	}
	var p treasury.Proposal
	if err := json.Unmarshal([]byte(state), &p); err != nil {
		return nil, fmt.Errorf("failed to decode proposal: %w", err)
	}
	return &p, nil
}

func scanEntry(row rowScanner) (*custody.Entry, error) {
	var state string
	if err := row.Scan(&state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load transfer: %w", err)
	}
	var e custody.Entry
	if err := json.Unmarshal([]byte(state), &e); err != nil {
		return nil, fmt.Errorf("failed to decode transfer: %w", err)
	}
	return &e, nil
}
