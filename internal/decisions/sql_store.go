package decisions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/rcl/internal/amount"
	"github.com/mbd888/rcl/internal/database"
	"github.com/mbd888/rcl/internal/rules"
)

// SQLStore is the ledger on PostgreSQL or SQLite. Both schemas share
// column names; they differ in placeholders and in how timestamps are
// stored (TIMESTAMPTZ vs unix microseconds).
type SQLStore struct {
	db      *sql.DB
	dialect database.Dialect
}

// NewPostgresStore creates a PostgreSQL-backed ledger.
func NewPostgresStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, dialect: database.Postgres}
}

// NewSQLiteStore creates a SQLite-backed ledger.
func NewSQLiteStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, dialect: database.SQLite}
}

const decisionColumns = `id, event_id, tenant, scenario, entity_id, amount_micros, currency,
	event_type, event_ts, verdict, rule_id, reason, rule_snapshot, policy_version, evaluated_at`

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) ph(n int) string {
	if s.dialect == database.Postgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

func (s *SQLStore) ts(t time.Time) any {
	t = t.UTC()
	if s.dialect == database.SQLite {
		return t.UnixMicro()
	}
	return t
}

func (s *SQLStore) Lookup(ctx context.Context, key Key) (*Decision, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+decisionColumns+`
		FROM decisions
		WHERE tenant = `+s.ph(1)+` AND scenario = `+s.ph(2)+` AND event_id = `+s.ph(3),
		key.Tenant, key.Scenario, key.EventID)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("lookup", err)
	}
	return d, nil
}

func (s *SQLStore) InsertIfAbsent(ctx context.Context, d *Decision) (*Decision, bool, error) {
	var snapshot any
	if d.RuleSnapshot != nil {
		snapshot = string(d.RuleSnapshot)
	}
	var ruleID any
	if d.RuleID != nil {
		ruleID = *d.RuleID
	}

	phs := make([]string, 15)
	for i := range phs {
		phs[i] = s.ph(i + 1)
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO decisions (`+decisionColumns+`)
		VALUES (`+strings.Join(phs, ", ")+`)
		ON CONFLICT (tenant, scenario, event_id) DO NOTHING`,
		d.ID, d.EventID, d.Tenant, d.Scenario, d.EntityID, int64(d.Amount), d.Currency,
		d.EventType, s.ts(d.EventTS), string(d.Verdict), ruleID, d.Reason, snapshot,
		d.PolicyVersion, s.ts(d.EvaluatedAt),
	)
	if err != nil {
		return nil, false, unavailable("insert", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, unavailable("insert", err)
	}
	if n == 1 {
		return d.clone(), true, nil
	}

	existing, err := s.Lookup(ctx, d.Key())
	if errors.Is(err, ErrNotFound) {
		return nil, false, unavailable("insert", fmt.Errorf("conflicting row for %s/%s/%s vanished", d.Tenant, d.Scenario, d.EventID))
	}
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// where renders f as a WHERE clause starting at placeholder next.
func (s *SQLStore) where(f Filter, next int) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, vals ...any) {
		for range vals {
			cond = strings.Replace(cond, "%", s.ph(next), 1)
			next++
		}
		conds = append(conds, cond)
		args = append(args, vals...)
	}

	if f.Tenant != "" {
		add("tenant = %", f.Tenant)
	}
	if f.Scenario != "" {
		add("scenario = %", f.Scenario)
	}
	if f.EntityID != "" {
		add("entity_id = %", f.EntityID)
	}
	if f.Verdict != "" {
		add("verdict = %", string(f.Verdict))
	}
	if !f.From.IsZero() {
		add("evaluated_at >= %", s.ts(f.From))
	}
	if !f.To.IsZero() {
		add("evaluated_at < %", s.ts(f.To))
	}
	if f.Before != nil {
		at := s.ts(f.Before.EvaluatedAt)
		add("(evaluated_at < % OR (evaluated_at = % AND id < %))", at, at, f.Before.ID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *SQLStore) Query(ctx context.Context, f Filter) ([]*Decision, error) {
	f, err := f.Normalize()
	if err != nil {
		return nil, err
	}
	where, args := s.where(f, 1)
	args = append(args, f.Limit)
	rows, err := s.db.QueryContext(ctx, `SELECT `+decisionColumns+`
		FROM decisions`+where+`
		ORDER BY evaluated_at DESC, id DESC
		LIMIT `+s.ph(len(args)), args...)
	if err != nil {
		return nil, unavailable("query", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, unavailable("query", err)
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("query", err)
	}
	return result, nil
}

func (s *SQLStore) Stats(ctx context.Context, tenant, scenario string) (*Stats, error) {
	where, args := s.where(Filter{Tenant: tenant, Scenario: scenario}, 1)
	rows, err := s.db.QueryContext(ctx, `
		SELECT verdict, COUNT(*), COALESCE(SUM(amount_micros), 0)
		FROM decisions`+where+`
		GROUP BY verdict`, args...)
	if err != nil {
		return nil, unavailable("stats", err)
	}
	defer func() { _ = rows.Close() }()

	st := newStats(tenant, scenario)
	for rows.Next() {
		var verdict string
		var n int
		var total int64
		if err := rows.Scan(&verdict, &n, &total); err != nil {
			return nil, unavailable("stats", err)
		}
		st.add(rules.Verdict(verdict), n, amount.Amount(total))
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("stats", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT DISTINCT tenant, scenario, entity_id FROM decisions`+where+`
		) AS entities`, args...).Scan(&st.Entities)
	if err != nil {
		return nil, unavailable("stats", err)
	}
	return st, nil
}

func (s *SQLStore) ReadAggregates(ctx context.Context, key EntityKey, fn func(AggregateView) error) error {
	var opts *sql.TxOptions
	if s.dialect == database.Postgres {
		// One snapshot for every query the evaluator issues.
		opts = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return unavailable("aggregates", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&sqlView{store: s, q: tx, key: key}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable("aggregates", err)
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// timeColumn scans TIMESTAMPTZ (time.Time) and unix-microsecond INTEGER
// columns alike.
type timeColumn struct {
	t     time.Time
	valid bool
}

func (c *timeColumn) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		c.t, c.valid = time.Time{}, false
	case time.Time:
		c.t, c.valid = v.UTC(), true
	case int64:
		c.t, c.valid = time.UnixMicro(v).UTC(), true
	default:
		return fmt.Errorf("decisions: cannot scan %T as timestamp", src)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDecision(row scanner) (*Decision, error) {
	d := &Decision{}
	var amt int64
	var verdict string
	var ruleID, snapshot sql.NullString
	var eventTS, evaluatedAt timeColumn
	err := row.Scan(&d.ID, &d.EventID, &d.Tenant, &d.Scenario, &d.EntityID, &amt, &d.Currency,
		&d.EventType, &eventTS, &verdict, &ruleID, &d.Reason, &snapshot, &d.PolicyVersion, &evaluatedAt)
	if err != nil {
		return nil, err
	}
	d.Amount = amount.Amount(amt)
	d.Verdict = rules.Verdict(verdict)
	d.EventTS = eventTS.t
	d.EvaluatedAt = evaluatedAt.t
	if ruleID.Valid {
		id := ruleID.String
		d.RuleID = &id
	}
	if snapshot.Valid {
		d.RuleSnapshot = []byte(snapshot.String)
	}
	return d, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistenceUnavailable, op, err)
}

var _ Store = (*SQLStore)(nil)
