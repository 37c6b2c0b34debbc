/*
Package sqlite provides a database/sql implementation of billing.TxStore.

PURPOSE:
  Persists companies, ticket events, statements and ledger movements.
  SQLite is the default; the same schema and queries run on PostgreSQL
  through the pgx driver, with only placeholder and locking differences.

INTERFACES IMPLEMENTED:
  billing.TxStore: companies, tickets, statements, movements, transactions

UNIQUENESS:
  idx_statements_period:          one statement per (company, start, end)
  idx_movements_active_reference: one ACTIVE movement per (company, reference)
  Violations map to billing.ErrDuplicatePeriod / billing.ErrDuplicateReference
  (sqlite3 ErrConstraintUnique, postgres SQLSTATE 23505).

STORAGE FORMATS:
  Timestamps: TEXT, UTC, fixed-width nanosecond layout so string order is
              time order
  Money:      TEXT decimal strings, never floating point
  Flags:      INTEGER 0/1 in both dialects

CONCURRENCY:
  SQLite runs on a single connection, so transactions are serialized by the
  pool and LockCompany is a no-op. On PostgreSQL LockCompany takes a
  transaction-scoped advisory lock on the company id.

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := billing.NewEngine(store)

MIGRATION:
  Schema is auto-migrated on open. For production, use a proper migration
  tool with versioned migrations.

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/ticket-billing/billing"
)

// Dialect names the database/sql driver in use.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "pgx"
)

// timeLayout sorts lexicographically in UTC.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements billing.TxStore on database/sql.
type Store struct {
	*repo
	db *sql.DB
}

var _ billing.TxStore = (*Store)(nil)

// conn is satisfied by both *sql.DB and *sql.Tx.
type conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// repo runs queries against a connection or a transaction.
type repo struct {
	q       conn
	dialect Dialect
}

// New opens a SQLite database at dbPath. Use ":memory:" for an in-memory
// database.
func New(dbPath string) (*Store, error) {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return Open(DialectSQLite, dbPath+sep+"_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
}

// Open connects with the given dialect and migrates the schema.
func Open(dialect Dialect, dsn string) (*Store, error) {
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == DialectSQLite {
		// One connection: serializes writers and keeps ":memory:" a single database.
		db.SetMaxOpenConns(1)
	}

	store := NewFromDB(db, dialect)
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// NewFromDB wraps an open database without migrating it.
func NewFromDB(db *sql.DB, dialect Dialect) *Store {
	return &Store{repo: &repo{q: db, dialect: dialect}, db: db}
}

// ConfigurePool applies pool limits. SQLite stays on one connection.
func (s *Store) ConfigurePool(maxOpen, maxIdle int, lifetime time.Duration) {
	if s.dialect == DialectSQLite {
		return
	}
	if maxOpen > 0 {
		s.db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle >= 0 {
		s.db.SetMaxIdleConns(maxIdle)
	}
	if lifetime > 0 {
		s.db.SetConnMaxLifetime(lifetime)
	}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for health checks and metrics.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Dialect() Dialect { return s.dialect }

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return billing.Unavailable("ping", s.db.PingContext(ctx))
}

// Migrate creates the database schema.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const schema = `
	-- Tenants
	CREATE TABLE IF NOT EXISTS companies (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		billing_day INTEGER NOT NULL DEFAULT 0,
		due_day INTEGER NOT NULL DEFAULT 0,
		accumulated_amount TEXT NOT NULL DEFAULT '0',
		active INTEGER NOT NULL DEFAULT 1,
		keep_empty_statements INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Ticket events (read-only input for aggregation)
	CREATE TABLE IF NOT EXISTS tickets (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		cost_center_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		confirmed_at TEXT NOT NULL,
		charge_amount TEXT NOT NULL DEFAULT '0',
		refund_amount TEXT NOT NULL DEFAULT '0'
	);

	CREATE INDEX IF NOT EXISTS idx_tickets_company_confirmed
		ON tickets(company_id, confirmed_at);

	-- Statements: one per (company, period)
	CREATE TABLE IF NOT EXISTS statements (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		label TEXT NOT NULL,
		generated_at TEXT NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		tickets_confirmed INTEGER NOT NULL DEFAULT 0,
		tickets_cancelled INTEGER NOT NULL DEFAULT 0,
		gross_charged TEXT NOT NULL DEFAULT '0',
		gross_refunded TEXT NOT NULL DEFAULT '0',
		cost_centers_json TEXT NOT NULL DEFAULT '{}',
		paid INTEGER NOT NULL DEFAULT 0,
		paid_at TEXT,
		discount_pct TEXT NOT NULL DEFAULT '0'
	);

	-- CRITICAL: natural idempotency key of a statement
	CREATE UNIQUE INDEX IF NOT EXISTS idx_statements_period
		ON statements(company_id, period_start, period_end);

	-- Ledger movements, ordered by (posted_at, id)
	CREATE TABLE IF NOT EXISTS movements (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		posted_at TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		balance TEXT NOT NULL,
		reference TEXT NOT NULL DEFAULT '',
		statement_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		reversal_of TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	-- Hot path: balance lookups and forward replay
	CREATE INDEX IF NOT EXISTS idx_movements_company_posted
		ON movements(company_id, posted_at, id);

	-- CRITICAL: one active movement per reference
	CREATE UNIQUE INDEX IF NOT EXISTS idx_movements_active_reference
		ON movements(company_id, reference)
		WHERE status = 'active' AND reference <> '';

	CREATE INDEX IF NOT EXISTS idx_movements_statement
		ON movements(statement_id);

	-- Generation runs (one row per company per scheduled or forced run)
	CREATE TABLE IF NOT EXISTS billing_runs (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		period_start TEXT,
		period_end TEXT,
		status TEXT NOT NULL,
		statement_id TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		retryable INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_billing_runs_status
		ON billing_runs(status);
	CREATE INDEX IF NOT EXISTS idx_billing_runs_company
		ON billing_runs(company_id, created_at);
`

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return billing.Unavailable("begin transaction", err)
	}

	if err := fn(&repo{q: tx, dialect: s.dialect}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return billing.Unavailable("commit transaction", tx.Commit())
}

// LockCompany takes a transaction-scoped advisory lock on PostgreSQL.
func (s *Store) LockCompany(ctx context.Context, tx billing.Store, companyID billing.CompanyID) error {
	if s.dialect != DialectPostgres {
		return nil
	}
	r, ok := tx.(*repo)
	if !ok {
		return fmt.Errorf("lock company: store %T is not a transaction of this database", tx)
	}
	_, err := r.q.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", string(companyID))
	return billing.Unavailable("lock company", err)
}

// Reset drops all rows (for scenario loading).
func (s *Store) Reset(ctx context.Context) error {
	for _, table := range []string{"billing_runs", "movements", "statements", "tickets", "companies"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return billing.Unavailable("reset "+table, err)
		}
	}
	return nil
}

// =============================================================================
// COMPANIES
// =============================================================================

const companyColumns = `id, name, billing_day, due_day, accumulated_amount, active,
	keep_empty_statements, created_at, updated_at`

func (r *repo) GetCompany(ctx context.Context, id billing.CompanyID) (*billing.Company, error) {
	row := r.q.QueryRowContext(ctx, r.rebind(`SELECT `+companyColumns+` FROM companies WHERE id = ?`), string(id))
	c, err := scanCompany(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrCompanyNotFound
	}
	if err != nil {
		return nil, billing.Unavailable("get company", err)
	}
	return &c, nil
}

func (r *repo) ListCompanies(ctx context.Context) ([]billing.Company, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+companyColumns+` FROM companies ORDER BY id`)
	if err != nil {
		return nil, billing.Unavailable("list companies", err)
	}
	defer rows.Close()

	var out []billing.Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, billing.Unavailable("scan company", err)
		}
		out = append(out, c)
	}
	return out, billing.Unavailable("list companies", rows.Err())
}

func (r *repo) SaveCompany(ctx context.Context, c billing.Company) error {
	query := `
		INSERT INTO companies (` + companyColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			billing_day = excluded.billing_day,
			due_day = excluded.due_day,
			accumulated_amount = excluded.accumulated_amount,
			active = excluded.active,
			keep_empty_statements = excluded.keep_empty_statements,
			updated_at = excluded.updated_at
	`
	_, err := r.q.ExecContext(ctx, r.rebind(query),
		string(c.ID),
		c.Name,
		c.BillingDay,
		c.DueDay,
		c.AccumulatedAmount.String(),
		boolInt(c.Active),
		boolInt(c.KeepEmptyStatements),
		formatTime(c.CreatedAt),
		formatTime(c.UpdatedAt),
	)
	return billing.Unavailable("save company", err)
}

func (r *repo) SetAccumulated(ctx context.Context, id billing.CompanyID, amount decimal.Decimal) error {
	res, err := r.q.ExecContext(ctx, r.rebind(`UPDATE companies SET accumulated_amount = ? WHERE id = ?`),
		amount.String(), string(id))
	return affected(res, err, "set accumulated", billing.ErrCompanyNotFound)
}

func scanCompany(row rowScanner) (billing.Company, error) {
	var (
		c                  billing.Company
		id, accumulated    string
		active, keepEmpty  int64
		createdAt, updated string
	)
	if err := row.Scan(&id, &c.Name, &c.BillingDay, &c.DueDay, &accumulated, &active,
		&keepEmpty, &createdAt, &updated); err != nil {
		return c, err
	}
	var p columnParser
	c.ID = billing.CompanyID(id)
	c.AccumulatedAmount = p.decimal("accumulated_amount", accumulated)
	c.Active = active != 0
	c.KeepEmptyStatements = keepEmpty != 0
	c.CreatedAt = p.time("created_at", createdAt)
	c.UpdatedAt = p.time("updated_at", updated)
	return c, p.errFor("company", id)
}

// =============================================================================
// TICKETS
// =============================================================================

// SaveTicket inserts or replaces a ticket event.
func (r *repo) SaveTicket(ctx context.Context, t billing.TicketEvent) error {
	query := `
		INSERT INTO tickets (id, company_id, cost_center_id, status, confirmed_at, charge_amount, refund_amount)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			company_id = excluded.company_id,
			cost_center_id = excluded.cost_center_id,
			status = excluded.status,
			confirmed_at = excluded.confirmed_at,
			charge_amount = excluded.charge_amount,
			refund_amount = excluded.refund_amount
	`
	_, err := r.q.ExecContext(ctx, r.rebind(query),
		t.ID,
		string(t.CompanyID),
		t.CostCenterID,
		string(t.Status),
		formatTime(t.ConfirmedAt),
		t.ChargeAmount.String(),
		t.RefundAmount.String(),
	)
	return billing.Unavailable("save ticket", err)
}

func (r *repo) TicketEvents(ctx context.Context, companyID billing.CompanyID, from, to time.Time) ([]billing.TicketEvent, error) {
	query := `
		SELECT id, company_id, cost_center_id, status, confirmed_at, charge_amount, refund_amount
		FROM tickets
		WHERE company_id = ? AND confirmed_at >= ? AND confirmed_at < ?
		ORDER BY confirmed_at, id
	`
	rows, err := r.q.QueryContext(ctx, r.rebind(query), string(companyID), formatTime(from), formatTime(to))
	if err != nil {
		return nil, billing.Unavailable("load tickets", err)
	}
	defer rows.Close()

	var out []billing.TicketEvent
	for rows.Next() {
		var (
			t                   billing.TicketEvent
			company, status, at string
			charge, refund      string
		)
		if err := rows.Scan(&t.ID, &company, &t.CostCenterID, &status, &at, &charge, &refund); err != nil {
			return nil, billing.Unavailable("scan ticket", err)
		}
		var p columnParser
		t.CompanyID = billing.CompanyID(company)
		t.Status = billing.TicketStatus(status)
		t.ConfirmedAt = p.time("confirmed_at", at)
		t.ChargeAmount = p.decimal("charge_amount", charge)
		t.RefundAmount = p.decimal("refund_amount", refund)
		if err := p.errFor("ticket", t.ID); err != nil {
			return nil, billing.Unavailable("scan ticket", err)
		}
		out = append(out, t)
	}
	return out, billing.Unavailable("load tickets", rows.Err())
}

// =============================================================================
// STATEMENTS
// =============================================================================

const statementColumns = `id, company_id, label, generated_at, period_start, period_end,
	tickets_confirmed, tickets_cancelled, gross_charged, gross_refunded, cost_centers_json,
	paid, paid_at, discount_pct`

func (r *repo) FindStatement(ctx context.Context, companyID billing.CompanyID, start, end time.Time) (*billing.Statement, error) {
	row := r.q.QueryRowContext(ctx, r.rebind(`SELECT `+statementColumns+` FROM statements
		WHERE company_id = ? AND period_start = ? AND period_end = ?`),
		string(companyID), formatTime(start), formatTime(end))
	s, err := scanStatement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, billing.Unavailable("find statement", err)
	}
	return &s, nil
}

func (r *repo) GetStatement(ctx context.Context, id billing.StatementID) (*billing.Statement, error) {
	row := r.q.QueryRowContext(ctx, r.rebind(`SELECT `+statementColumns+` FROM statements WHERE id = ?`), string(id))
	s, err := scanStatement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrStatementNotFound
	}
	if err != nil {
		return nil, billing.Unavailable("get statement", err)
	}
	return &s, nil
}

func (r *repo) InsertStatement(ctx context.Context, s billing.Statement) error {
	centers, err := json.Marshal(s.CostCenters)
	if err != nil {
		return fmt.Errorf("encode cost centers: %w", err)
	}
	if s.CostCenters == nil {
		centers = []byte("{}")
	}
	var paidAt sql.NullString
	if s.PaidAt != nil {
		paidAt = sql.NullString{String: formatTime(*s.PaidAt), Valid: true}
	}

	query := `INSERT INTO statements (` + statementColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = r.q.ExecContext(ctx, r.rebind(query),
		string(s.ID),
		string(s.CompanyID),
		s.Label,
		formatTime(s.GeneratedAt),
		formatTime(s.PeriodStart),
		formatTime(s.PeriodEnd),
		s.TicketsConfirmed,
		s.TicketsCancelled,
		s.GrossCharged.String(),
		s.GrossRefunded.String(),
		string(centers),
		boolInt(s.Paid),
		paidAt,
		s.DiscountPct.String(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return billing.ErrDuplicatePeriod
		}
		return billing.Unavailable("insert statement", err)
	}
	return nil
}

func (r *repo) SetStatementDiscount(ctx context.Context, id billing.StatementID, pct decimal.Decimal) error {
	res, err := r.q.ExecContext(ctx, r.rebind(`UPDATE statements SET discount_pct = ? WHERE id = ?`),
		pct.String(), string(id))
	return affected(res, err, "set statement discount", billing.ErrStatementNotFound)
}

func (r *repo) SetStatementPaid(ctx context.Context, id billing.StatementID, paidAt time.Time) error {
	res, err := r.q.ExecContext(ctx, r.rebind(`UPDATE statements SET paid = 1, paid_at = ? WHERE id = ?`),
		formatTime(paidAt), string(id))
	return affected(res, err, "set statement paid", billing.ErrStatementNotFound)
}

func (r *repo) DeleteStatement(ctx context.Context, id billing.StatementID) error {
	res, err := r.q.ExecContext(ctx, r.rebind(`DELETE FROM statements WHERE id = ?`), string(id))
	return affected(res, err, "delete statement", billing.ErrStatementNotFound)
}

func (r *repo) ListStatements(ctx context.Context, f billing.StatementFilter) ([]billing.Statement, error) {
	var (
		where []string
		args  []any
	)
	if f.CompanyID != "" {
		where, args = append(where, "company_id = ?"), append(args, string(f.CompanyID))
	}
	if f.From != nil {
		where, args = append(where, "period_start >= ?"), append(args, formatTime(*f.From))
	}
	if f.To != nil {
		where, args = append(where, "period_end <= ?"), append(args, formatTime(*f.To))
	}
	if f.Paid != nil {
		where, args = append(where, "paid = ?"), append(args, boolInt(*f.Paid))
	}

	query := `SELECT ` + statementColumns + ` FROM statements`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY period_start, company_id"

	rows, err := r.q.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, billing.Unavailable("list statements", err)
	}
	defer rows.Close()

	var out []billing.Statement
	for rows.Next() {
		s, err := scanStatement(rows)
		if err != nil {
			return nil, billing.Unavailable("scan statement", err)
		}
		out = append(out, s)
	}
	return out, billing.Unavailable("list statements", rows.Err())
}

func scanStatement(row rowScanner) (billing.Statement, error) {
	var (
		s                               billing.Statement
		id, company                     string
		generatedAt, start, end         string
		charged, refunded, centers, pct string
		paid                            int64
		paidAt                          sql.NullString
	)
	if err := row.Scan(&id, &company, &s.Label, &generatedAt, &start, &end,
		&s.TicketsConfirmed, &s.TicketsCancelled, &charged, &refunded, &centers,
		&paid, &paidAt, &pct); err != nil {
		return s, err
	}
	s.ID = billing.StatementID(id)
	s.CompanyID = billing.CompanyID(company)
	var p columnParser
	s.GeneratedAt = p.time("generated_at", generatedAt)
	s.PeriodStart = p.time("period_start", start)
	s.PeriodEnd = p.time("period_end", end)
	s.GrossCharged = p.decimal("gross_charged", charged)
	s.GrossRefunded = p.decimal("gross_refunded", refunded)
	s.DiscountPct = p.decimal("discount_pct", pct)
	s.Paid = paid != 0
	if paidAt.Valid {
		t := p.time("paid_at", paidAt.String)
		s.PaidAt = &t
	}
	if err := p.errFor("statement", id); err != nil {
		return s, err
	}
	s.CostCenters = map[string]billing.CostCenterTotal{}
	if err := json.Unmarshal([]byte(centers), &s.CostCenters); err != nil {
		return s, fmt.Errorf("decode cost centers of statement %s: %w", id, err)
	}
	return s, nil
}

// =============================================================================
// MOVEMENTS
// =============================================================================

const movementColumns = `id, company_id, posted_at, kind, amount, description, balance,
	reference, statement_id, status, reversal_of, created_at`

func (r *repo) LastMovement(ctx context.Context, companyID billing.CompanyID) (*billing.Movement, error) {
	return r.oneMovement(ctx, "last movement", `SELECT `+movementColumns+` FROM movements
		WHERE company_id = ? ORDER BY posted_at DESC, id DESC LIMIT 1`, string(companyID))
}

func (r *repo) LastMovementBefore(ctx context.Context, companyID billing.CompanyID, t time.Time) (*billing.Movement, error) {
	return r.oneMovement(ctx, "last movement before", `SELECT `+movementColumns+` FROM movements
		WHERE company_id = ? AND posted_at < ? ORDER BY posted_at DESC, id DESC LIMIT 1`,
		string(companyID), formatTime(t))
}

func (r *repo) MovementsFrom(ctx context.Context, companyID billing.CompanyID, t time.Time) ([]billing.Movement, error) {
	return r.queryMovements(ctx, "movements from", `SELECT `+movementColumns+` FROM movements
		WHERE company_id = ? AND posted_at >= ? ORDER BY posted_at, id`,
		string(companyID), formatTime(t))
}

func (r *repo) ListMovements(ctx context.Context, f billing.MovementFilter) ([]billing.Movement, error) {
	var (
		where []string
		args  []any
	)
	if f.CompanyID != "" {
		where, args = append(where, "company_id = ?"), append(args, string(f.CompanyID))
	}
	if f.From != nil {
		where, args = append(where, "posted_at >= ?"), append(args, formatTime(*f.From))
	}
	if f.To != nil {
		where, args = append(where, "posted_at < ?"), append(args, formatTime(*f.To))
	}
	query := `SELECT ` + movementColumns + ` FROM movements`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY company_id, posted_at, id"
	return r.queryMovements(ctx, "list movements", query, args...)
}

func (r *repo) MovementsByStatement(ctx context.Context, id billing.StatementID) ([]billing.Movement, error) {
	return r.queryMovements(ctx, "movements by statement", `SELECT `+movementColumns+` FROM movements
		WHERE statement_id = ? ORDER BY posted_at, id`, string(id))
}

func (r *repo) FindMovementByReference(ctx context.Context, companyID billing.CompanyID, reference string) (*billing.Movement, error) {
	return r.oneMovement(ctx, "find movement by reference", `SELECT `+movementColumns+` FROM movements
		WHERE company_id = ? AND reference = ? AND status = 'active'`,
		string(companyID), reference)
}

func (r *repo) GetMovement(ctx context.Context, id billing.MovementID) (*billing.Movement, error) {
	m, err := r.oneMovement(ctx, "get movement", `SELECT `+movementColumns+` FROM movements WHERE id = ?`, string(id))
	if err == nil && m == nil {
		return nil, billing.ErrMovementNotFound
	}
	return m, err
}

func (r *repo) InsertMovement(ctx context.Context, m billing.Movement) error {
	query := `INSERT INTO movements (` + movementColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.q.ExecContext(ctx, r.rebind(query),
		string(m.ID),
		string(m.CompanyID),
		formatTime(m.At),
		string(m.Kind),
		m.Amount.String(),
		m.Description,
		m.Balance.String(),
		m.Reference,
		string(m.StatementID),
		string(m.Status),
		string(m.ReversalOf),
		formatTime(m.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return billing.ErrDuplicateReference
		}
		return billing.Unavailable("insert movement", err)
	}
	return nil
}

func (r *repo) UpdateMovementBalance(ctx context.Context, id billing.MovementID, balance decimal.Decimal) error {
	res, err := r.q.ExecContext(ctx, r.rebind(`UPDATE movements SET balance = ? WHERE id = ?`),
		balance.String(), string(id))
	return affected(res, err, "update movement balance", billing.ErrMovementNotFound)
}

func (r *repo) SetMovementStatus(ctx context.Context, id billing.MovementID, status billing.MovementStatus) error {
	res, err := r.q.ExecContext(ctx, r.rebind(`UPDATE movements SET status = ? WHERE id = ?`),
		string(status), string(id))
	if err != nil && isUniqueViolation(err) {
		return billing.ErrDuplicateReference
	}
	return affected(res, err, "set movement status", billing.ErrMovementNotFound)
}

func (r *repo) DeleteMovement(ctx context.Context, id billing.MovementID) error {
	res, err := r.q.ExecContext(ctx, r.rebind(`DELETE FROM movements WHERE id = ?`), string(id))
	return affected(res, err, "delete movement", billing.ErrMovementNotFound)
}

func (r *repo) oneMovement(ctx context.Context, op, query string, args ...any) (*billing.Movement, error) {
	m, err := scanMovement(r.q.QueryRowContext(ctx, r.rebind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, billing.Unavailable(op, err)
	}
	return &m, nil
}

func (r *repo) queryMovements(ctx context.Context, op, query string, args ...any) ([]billing.Movement, error) {
	rows, err := r.q.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, billing.Unavailable(op, err)
	}
	defer rows.Close()

	var out []billing.Movement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, billing.Unavailable(op, err)
		}
		out = append(out, m)
	}
	return out, billing.Unavailable(op, rows.Err())
}

func scanMovement(row rowScanner) (billing.Movement, error) {
	var (
		m                               billing.Movement
		id, company, at, kind           string
		amount, balance                 string
		statementID, status, reversalOf string
		createdAt                       string
	)
	if err := row.Scan(&id, &company, &at, &kind, &amount, &m.Description, &balance,
		&m.Reference, &statementID, &status, &reversalOf, &createdAt); err != nil {
		return m, err
	}
	m.ID = billing.MovementID(id)
	m.CompanyID = billing.CompanyID(company)
	var p columnParser
	m.At = p.time("posted_at", at)
	m.Kind = billing.MovementKind(kind)
	m.Amount = p.decimal("amount", amount)
	m.Balance = p.decimal("balance", balance)
	m.StatementID = billing.StatementID(statementID)
	m.Status = billing.MovementStatus(status)
	m.ReversalOf = billing.MovementID(reversalOf)
	m.CreatedAt = p.time("created_at", createdAt)
	return m, p.errFor("movement", id)
}

// =============================================================================
// BILLING RUNS (generation history)
// =============================================================================

// RunRecord is one persisted generation outcome.
type RunRecord struct {
	ID          string
	CompanyID   string
	PeriodStart *time.Time
	PeriodEnd   *time.Time
	Status      string
	StatementID string
	Reason      string
	Retryable   bool
	CreatedAt   time.Time
}

// SaveRun records a generation outcome.
func (r *repo) SaveRun(ctx context.Context, rec RunRecord) error {
	query := `
		INSERT INTO billing_runs
		(id, company_id, period_start, period_end, status, statement_id, reason, retryable, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.q.ExecContext(ctx, r.rebind(query),
		rec.ID,
		rec.CompanyID,
		nullTime(rec.PeriodStart),
		nullTime(rec.PeriodEnd),
		rec.Status,
		rec.StatementID,
		rec.Reason,
		boolInt(rec.Retryable),
		formatTime(rec.CreatedAt),
	)
	return billing.Unavailable("save billing run", err)
}

// ListRuns returns the most recent runs, optionally filtered by status.
func (r *repo) ListRuns(ctx context.Context, status string, limit int) ([]RunRecord, error) {
	query := `SELECT id, company_id, period_start, period_end, status, statement_id, reason, retryable, created_at
		FROM billing_runs`
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT " + strconv.Itoa(limit)
	}

	rows, err := r.q.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, billing.Unavailable("list billing runs", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			rec        RunRecord
			start, end sql.NullString
			retryable  int64
			createdAt  string
		)
		if err := rows.Scan(&rec.ID, &rec.CompanyID, &start, &end, &rec.Status, &rec.StatementID,
			&rec.Reason, &retryable, &createdAt); err != nil {
			return nil, billing.Unavailable("scan billing run", err)
		}
		var p columnParser
		if start.Valid {
			t := p.time("period_start", start.String)
			rec.PeriodStart = &t
		}
		if end.Valid {
			t := p.time("period_end", end.String)
			rec.PeriodEnd = &t
		}
		rec.Retryable = retryable != 0
		rec.CreatedAt = p.time("created_at", createdAt)
		if err := p.errFor("billing run", rec.ID); err != nil {
			return nil, billing.Unavailable("scan billing run", err)
		}
		out = append(out, rec)
	}
	return out, billing.Unavailable("list billing runs", rows.Err())
}

// =============================================================================
// HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (r *repo) rebind(query string) string {
	if r.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func affected(res sql.Result, err error, op string, notFound error) error {
	if err != nil {
		return billing.Unavailable(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return billing.Unavailable(op, err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// columnParser converts stored text columns and keeps the first failure,
// so a corrupt value is reported instead of read as zero.
type columnParser struct {
	err error
}

func (p *columnParser) time(column, s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		var rfcErr error
		if t, rfcErr = time.Parse(time.RFC3339Nano, s); rfcErr != nil {
			p.fail(column, err)
			return time.Time{}
		}
	}
	return t.UTC()
}

func (p *columnParser) decimal(column, s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		p.fail(column, err)
		return decimal.Zero
	}
	return d
}

func (p *columnParser) fail(column string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("column %s: %w", column, err)
	}
}

// errFor names the row the first failure belongs to, nil if none.
func (p *columnParser) errFor(entity, id string) error {
	if p.err == nil {
		return nil
	}
	return fmt.Errorf("corrupt %s %s: %w", entity, id, p.err)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
