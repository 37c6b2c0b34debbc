/*
store.go - Persistence interfaces for the billing engine

PURPOSE:
  Defines the boundary between the engine and the database. The engine
  only ever sees typed records (Company, TicketEvent, Statement, Movement);
  adapters validate rows at this boundary.

KEY INTERFACES:
  CompanyStore:   Tenants and their accumulated-amount cache
  TicketSource:   Read-only ticket events
  StatementStore: One row per (company, period)
  MovementStore:  Per-company ordered ledger
  TxStore:        All of the above plus atomic per-company units of work

UNIQUENESS:
  Adapters must reject a second statement for the same (company, start,
  end) with ErrDuplicatePeriod and a second active movement with the same
  (company, reference) with ErrDuplicateReference. The engine checks first;
  the constraint catches the race.

FAILURES:
  Driver errors are returned wrapped in StoreUnavailableError.

IMPLEMENTATIONS:
  - billing/store/memory.go: In-memory for tests and development
  - store/sqlite/sqlite.go: SQLite and PostgreSQL

SEE ALSO:
  - ledger.go: Movement posting on top of MovementStore
  - statements.go: Statement rules on top of StatementStore
*/
package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// COMPANIES
// =============================================================================

type CompanyStore interface {
	// GetCompany returns ErrCompanyNotFound when id is unknown.
	GetCompany(ctx context.Context, id CompanyID) (*Company, error)

	ListCompanies(ctx context.Context) ([]Company, error)

	SaveCompany(ctx context.Context, c Company) error

	// SetAccumulated refreshes the company's accumulated-amount cache.
	SetAccumulated(ctx context.Context, id CompanyID, amount decimal.Decimal) error
}

// =============================================================================
// TICKETS
// =============================================================================

type TicketSource interface {
	// TicketEvents returns events whose confirmation time is in [from, to).
	TicketEvents(ctx context.Context, companyID CompanyID, from, to time.Time) ([]TicketEvent, error)
}

// =============================================================================
// STATEMENTS
// =============================================================================

type StatementStore interface {
	// FindStatement returns nil, nil when no statement covers the period.
	FindStatement(ctx context.Context, companyID CompanyID, start, end time.Time) (*Statement, error)

	// GetStatement returns ErrStatementNotFound when id is unknown.
	GetStatement(ctx context.Context, id StatementID) (*Statement, error)

	// InsertStatement returns ErrDuplicatePeriod if the period is taken.
	InsertStatement(ctx context.Context, s Statement) error

	SetStatementDiscount(ctx context.Context, id StatementID, pct decimal.Decimal) error

	SetStatementPaid(ctx context.Context, id StatementID, paidAt time.Time) error

	DeleteStatement(ctx context.Context, id StatementID) error

	// ListStatements returns matches ordered by period start.
	ListStatements(ctx context.Context, filter StatementFilter) ([]Statement, error)
}

// =============================================================================
// MOVEMENTS
// =============================================================================

// MovementStore keeps each company's movements ordered by (At, ID).
type MovementStore interface {
	// LastMovement returns the latest movement, or nil when the ledger is empty.
	LastMovement(ctx context.Context, companyID CompanyID) (*Movement, error)

	// LastMovementBefore returns the latest movement with At strictly before t.
	LastMovementBefore(ctx context.Context, companyID CompanyID, t time.Time) (*Movement, error)

	// MovementsFrom returns movements with At >= t, ascending.
	MovementsFrom(ctx context.Context, companyID CompanyID, t time.Time) ([]Movement, error)

	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)

	// MovementsByStatement returns every movement linked to the statement.
	MovementsByStatement(ctx context.Context, statementID StatementID) ([]Movement, error)

	// FindMovementByReference returns the active movement holding
	// reference, or nil.
	FindMovementByReference(ctx context.Context, companyID CompanyID, reference string) (*Movement, error)

	GetMovement(ctx context.Context, id MovementID) (*Movement, error)

	// InsertMovement returns ErrDuplicateReference if an active movement
	// already holds the reference.
	InsertMovement(ctx context.Context, m Movement) error

	UpdateMovementBalance(ctx context.Context, id MovementID, balance decimal.Decimal) error

	SetMovementStatus(ctx context.Context, id MovementID, status MovementStatus) error

	DeleteMovement(ctx context.Context, id MovementID) error
}

// =============================================================================
// COMBINED / TRANSACTIONAL STORE
// =============================================================================

type Store interface {
	CompanyStore
	TicketSource
	StatementStore
	MovementStore
}

// TxStore runs a company's unit of work atomically.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back, otherwise it is committed.
	WithTx(ctx context.Context, fn func(Store) error) error

	// LockCompany serializes writers on the company's ledger for the rest
	// of the current transaction. Stores that already serialize all
	// transactions may implement it as a no-op.
	LockCompany(ctx context.Context, tx Store, companyID CompanyID) error
}
