/*
engine.go - Entry points of the statement and ledger engine

PURPOSE:
  Runs every ledger-mutating operation inside the company's critical
  section and reports per-company outcomes. The pieces it drives:

    Period -> Aggregate -> Statement (guarded) -> Movement (guarded)

CRITICAL SECTION:
  For each company, one unit of work at a time:
  1. In-process per-company semaphore (locks.go), waited on under the
     unit's timeout
  2. Store transaction (WithTx)
  3. Store-level company lock (LockCompany, advisory lock on Postgres)
  The unit commits all-or-nothing. It runs detached from the caller's
  cancellation with its own timeout, so a batch that is cancelled never
  leaves a half-written company behind.

BATCH RUNS:
  RunForAllEligible walks active companies with bounded parallelism.
  Cancellation is checked between companies only. One company's failure
  never aborts the others; it is reported with status "failed".

EMPTY PERIODS:
  Scheduled runs write an empty statement only when the company asks for
  it (KeepEmptyStatements). Forced regeneration skips empty periods.

SEE ALSO:
  - statements.go, ledger.go, discount.go: the rules
  - idempotency.go: skip/conflict decisions
  - api/scheduler.go: the timer that calls RunForAllEligible
*/
package billing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/ticket-billing/metrics"
)

// =============================================================================
// RESULTS
// =============================================================================

type RunStatus string

const (
	RunGenerated RunStatus = "generated"
	RunSkipped   RunStatus = "skipped"
	RunConflict  RunStatus = "conflict"
	RunFailed    RunStatus = "failed"
)

// RunResult is the outcome of closing one period for one company.
type RunResult struct {
	CompanyID CompanyID
	Period    Period
	Status    RunStatus
	Statement *Statement
	Movement  *Movement
	Reason    string
	Err       error
}

// Retryable reports whether a failed run should be retried later.
func (r RunResult) Retryable() bool {
	return r.Status == RunFailed && IsRetryable(r.Err)
}

// RegenerateRequest selects periods for forced regeneration. Empty
// CompanyID means every active company. From defaults to the start of the
// last closed period and To to now.
type RegenerateRequest struct {
	CompanyID    CompanyID
	From         *time.Time
	To           *time.Time
	OnlyUnposted bool // leave posted statements alone; repair ones whose net movement is missing
}

// AdjustmentRequest posts a manual charge or credit.
type AdjustmentRequest struct {
	CompanyID   CompanyID
	Kind        MovementKind
	Amount      decimal.Decimal
	At          time.Time // zero means now
	Key         string    // idempotency key, stored as ADJ-<key>
	Description string
}

// AdjustmentResult reports a posted adjustment. Duplicate is set when the
// key was already posted and the existing movement is returned instead.
type AdjustmentResult struct {
	Movement  Movement
	Recalc    RecalcResult
	Duplicate bool
}

// LedgerReport is the result of verifying a company's ledger.
type LedgerReport struct {
	CompanyID  CompanyID
	Movements  int
	Balance    decimal.Decimal
	Violations []Violation
}

// Consistent reports whether every stored balance matched its replay.
func (r LedgerReport) Consistent() bool { return len(r.Violations) == 0 }

// ResetResult reports an administrative statement reset.
type ResetResult struct {
	Statement Statement
	Reversals []Movement
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store     TxStore
	clock     Clock
	newID     IDGenerator
	logger    *zap.Logger
	tolerance decimal.Decimal
	opTimeout time.Duration
	workers   int
	location  *time.Location
	locks     *companyLocks
}

type Option func(*Engine)

func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

func WithIDs(gen IDGenerator) Option { return func(e *Engine) { e.newID = gen } }

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTolerance sets the amount under which balances are considered equal.
func WithTolerance(tol decimal.Decimal) Option {
	return func(e *Engine) {
		if !tol.IsNegative() {
			e.tolerance = tol
		}
	}
}

// WithOperationTimeout bounds each per-company unit of work.
func WithOperationTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.opTimeout = d
		}
	}
}

// WithWorkers bounds how many companies a batch processes at once.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithLocation sets the timezone billing days are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.location = loc
		}
	}
}

func NewEngine(store TxStore, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		clock:     SystemClock{},
		newID:     NewTimeOrderedID,
		logger:    zap.NewNop(),
		tolerance: DefaultTolerance,
		opTimeout: 30 * time.Second,
		workers:   4,
		location:  time.UTC,
		locks:     newCompanyLocks(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// components binds the engine's rules to one transaction.
type components struct {
	store     Store
	book      *StatementBook
	ledger    *Ledger
	discounts *DiscountManager
	agg       Aggregator
}

func (e *Engine) bind(s Store) components {
	guard := Guard{Tolerance: e.tolerance}
	book := &StatementBook{Store: s, Guard: guard, Clock: e.clock, NewID: e.newID}
	ledger := &Ledger{
		Store:  s,
		Guard:  guard,
		Clock:  e.clock,
		NewID:  e.newID,
		Recalc: Recalculator{Movements: s, Tolerance: e.tolerance},
	}
	return components{
		store:     s,
		book:      book,
		ledger:    ledger,
		discounts: &DiscountManager{Statements: book, Ledger: ledger},
		agg:       Aggregator{Tickets: s},
	}
}

// withCompany runs fn as the company's unit of work.
func (e *Engine) withCompany(ctx context.Context, companyID CompanyID, fn func(ctx context.Context, x components) error) error {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opTimeout)
	defer cancel()

	unlock, err := e.locks.lock(opCtx, companyID)
	if err != nil {
		return Unavailable("wait for company lock", err)
	}
	defer unlock()

	return e.store.WithTx(opCtx, func(tx Store) error {
		if err := e.store.LockCompany(opCtx, tx, companyID); err != nil {
			return Unavailable("lock company", err)
		}
		return fn(opCtx, e.bind(tx))
	})
}

func (e *Engine) now() time.Time { return e.clock.Now().In(e.location) }

// =============================================================================
// GENERATION
// =============================================================================

// RunForCompany closes the company's most recently closed period.
func (e *Engine) RunForCompany(ctx context.Context, companyID CompanyID, now time.Time) RunResult {
	company, err := e.store.GetCompany(ctx, companyID)
	if err != nil {
		res := RunResult{CompanyID: companyID, Status: RunFailed, Err: Unavailable("load company", err)}
		res.Reason = res.Err.Error()
		return res
	}
	return e.runScheduled(ctx, *company, now)
}

func (e *Engine) runScheduled(ctx context.Context, company Company, now time.Time) RunResult {
	if err := ValidateBillingDay(company.ID, company.BillingDay); err != nil {
		return e.failed(company.ID, Period{}, err)
	}
	period, err := LastClosedPeriod(now.In(e.location), company.BillingDay)
	if err != nil {
		return e.failed(company.ID, Period{}, err)
	}
	return e.generate(ctx, company, period, now, company.KeepEmptyStatements, false)
}

// RunForAllEligible runs every active company. A company without a valid
// billing day is reported as failed; the batch continues.
func (e *Engine) RunForAllEligible(ctx context.Context, now time.Time) []RunResult {
	start := time.Now()
	companies, err := e.store.ListCompanies(ctx)
	if err != nil {
		e.logger.Error("list companies failed", zap.Error(err))
		metrics.ObserveBatchRun(true, time.Since(start))
		return []RunResult{{Status: RunFailed, Err: Unavailable("list companies", err), Reason: err.Error()}}
	}

	active := companies[:0:0]
	for _, c := range companies {
		if c.Active {
			active = append(active, c)
		}
	}

	results := make([]RunResult, len(active))
	e.forEach(ctx, len(active), func(i int) {
		results[i] = e.runScheduled(ctx, active[i], now)
	}, func(i int, cause error) {
		results[i] = RunResult{CompanyID: active[i].ID, Status: RunFailed, Err: cause, Reason: "batch cancelled before company started"}
	})

	failed := 0
	for _, r := range results {
		if r.Status == RunFailed {
			failed++
		}
	}
	metrics.ObserveBatchRun(failed > 0, time.Since(start))
	e.logger.Info("billing batch finished",
		zap.Int("companies", len(active)),
		zap.Int("failed", failed),
		zap.Duration("elapsed", time.Since(start)))
	return results
}

// Regenerate forces generation of every closed period in the requested
// range through the same idempotent path as scheduled runs.
func (e *Engine) Regenerate(ctx context.Context, req RegenerateRequest) ([]RunResult, error) {
	now := e.now()

	var companies []Company
	if req.CompanyID != "" {
		c, err := e.store.GetCompany(ctx, req.CompanyID)
		if err != nil {
			return nil, Unavailable("load company", err)
		}
		companies = []Company{*c}
	} else {
		all, err := e.store.ListCompanies(ctx)
		if err != nil {
			return nil, Unavailable("list companies", err)
		}
		for _, c := range all {
			if c.Active {
				companies = append(companies, c)
			}
		}
	}

	perCompany := make([][]RunResult, len(companies))
	e.forEach(ctx, len(companies), func(i int) {
		perCompany[i] = e.regenerateCompany(ctx, companies[i], req, now)
	}, func(i int, cause error) {
		perCompany[i] = []RunResult{{CompanyID: companies[i].ID, Status: RunFailed, Err: cause, Reason: "regeneration cancelled"}}
	})

	var results []RunResult
	for _, rs := range perCompany {
		results = append(results, rs...)
	}
	return results, nil
}

func (e *Engine) regenerateCompany(ctx context.Context, c Company, req RegenerateRequest, now time.Time) []RunResult {
	if err := ValidateBillingDay(c.ID, c.BillingDay); err != nil {
		return []RunResult{e.failed(c.ID, Period{}, err)}
	}
	last, err := LastClosedPeriod(now, c.BillingDay)
	if err != nil {
		return []RunResult{e.failed(c.ID, Period{}, err)}
	}
	from, to := last.Start, now
	if req.From != nil {
		from = req.From.In(e.location)
	}
	if req.To != nil {
		to = req.To.In(e.location)
	}

	periods, err := PeriodsBetween(from, to, now, c.BillingDay)
	if err != nil {
		return []RunResult{e.failed(c.ID, Period{}, err)}
	}
	results := make([]RunResult, 0, len(periods))
	for _, p := range periods {
		results = append(results, e.generate(ctx, c, p, now, false, req.OnlyUnposted))
	}
	return results
}

// generate closes period p for company c.
func (e *Engine) generate(ctx context.Context, c Company, p Period, now time.Time, keepEmpty, onlyUnposted bool) RunResult {
	start := time.Now()
	res := RunResult{CompanyID: c.ID, Period: p}
	log := e.logger.With(
		zap.String("company_id", string(c.ID)),
		zap.Time("period_start", p.Start),
		zap.Time("period_end", p.End))

	err := e.withCompany(ctx, c.ID, func(ctx context.Context, x components) error {
		existing, err := x.book.Find(ctx, c.ID, p)
		if err != nil {
			return err
		}
		if existing != nil && onlyUnposted {
			res.Status, res.Statement = RunSkipped, existing
			res.Reason = "statement already posted"
			mv, posted, err := e.postNet(ctx, x, *existing)
			if err != nil {
				return err
			}
			if posted {
				res.Movement = mv
				res.Reason = "statement existed, net movement repaired"
			}
			return nil
		}

		agg, err := x.agg.Aggregate(ctx, c.ID, p)
		if err != nil {
			return err
		}
		if existing == nil && agg.Empty() && !keepEmpty {
			res.Status, res.Reason = RunSkipped, "no ticket activity in period"
			return nil
		}

		stmt, err := x.book.Create(ctx, x.book.Build(c.ID, p, agg))
		switch {
		case errors.Is(err, ErrDuplicatePeriod):
			metrics.IncIdempotencyHit("statement")
			res.Status, res.Statement, res.Reason = RunSkipped, &stmt, err.Error()
			// A statement from an earlier run must still carry its posting.
			mv, posted, perr := e.postNet(ctx, x, stmt)
			if perr != nil {
				return perr
			}
			if posted {
				res.Movement = mv
				res.Reason = "statement existed, net movement repaired"
			}
			return nil
		case errors.Is(err, ErrIdempotencyConflict):
			res.Status, res.Statement, res.Reason = RunConflict, &stmt, err.Error()
			return nil
		case err != nil:
			return err
		}

		mv, _, err := e.postNet(ctx, x, stmt)
		if err != nil {
			return err
		}
		if err := e.refreshAccumulated(ctx, x, c.ID, p.End, now); err != nil {
			return err
		}

		res.Status, res.Statement, res.Movement = RunGenerated, &stmt, mv
		return nil
	})
	if err != nil {
		res = e.failed(c.ID, p, err)
	}

	metrics.ObserveStatementGenerate(string(res.Status), time.Since(start))
	switch res.Status {
	case RunGenerated:
		log.Info("statement generated",
			zap.String("statement_id", string(res.Statement.ID)),
			zap.String("net", res.Statement.Net().String()))
	case RunSkipped:
		log.Info("statement generation skipped", zap.String("reason", res.Reason))
	case RunConflict:
		log.Warn("statement conflicts with ticket activity", zap.String("reason", res.Reason))
	case RunFailed:
		if errors.Is(res.Err, ErrConfiguration) {
			log.Warn("company cannot be billed", zap.Error(res.Err))
		} else {
			log.Error("statement generation failed", zap.Error(res.Err), zap.Bool("retryable", res.Retryable()))
		}
	}
	return res
}

// postNet posts the statement's net amount at the period end unless it is
// zero or already posted. posted reports whether a new movement was written.
func (e *Engine) postNet(ctx context.Context, x components, s Statement) (*Movement, bool, error) {
	net := s.Net()
	if net.IsZero() {
		return nil, false, nil
	}
	kind, desc := KindCharge, "Statement "+s.Label
	if net.IsNegative() {
		kind, desc = KindCredit, "Statement credit "+s.Label
	}

	mv, err := x.ledger.Append(ctx, PostInput{
		CompanyID:   s.CompanyID,
		Kind:        kind,
		Amount:      net.Abs(),
		Description: desc,
		Reference:   NetReference(s),
		StatementID: s.ID,
		At:          s.PeriodEnd,
	})
	if errors.Is(err, ErrDuplicateReference) {
		metrics.IncIdempotencyHit("movement")
		return &mv, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	metrics.IncMovementPosted(string(kind))
	return &mv, true, nil
}

// refreshAccumulated sets the company cache to the net of activity after
// the closed period.
func (e *Engine) refreshAccumulated(ctx context.Context, x components, companyID CompanyID, from, now time.Time) error {
	if !now.After(from) {
		return Unavailable("set accumulated", x.store.SetAccumulated(ctx, companyID, decimal.Zero))
	}
	agg, err := x.agg.Aggregate(ctx, companyID, Period{Start: from, End: now})
	if err != nil {
		return err
	}
	return Unavailable("set accumulated", x.store.SetAccumulated(ctx, companyID, agg.Net()))
}

func (e *Engine) failed(companyID CompanyID, p Period, err error) RunResult {
	return RunResult{CompanyID: companyID, Period: p, Status: RunFailed, Err: err, Reason: err.Error()}
}

// forEach runs fn for indexes [0, n) on at most e.workers goroutines.
// Once ctx is done, indexes not yet started go to skipped instead.
func (e *Engine) forEach(ctx context.Context, n int, fn func(i int), skipped func(i int, cause error)) {
	sem := make(chan struct{}, e.workers)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			skipped(i, err)
			continue
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(i)
		}(i)
	}
	wg.Wait()
}

// =============================================================================
// DISCOUNTS
// =============================================================================

// ApplyDiscount credits pct percent of the statement's gross charged amount.
func (e *Engine) ApplyDiscount(ctx context.Context, id StatementID, pct decimal.Decimal, description string) (DiscountResult, error) {
	var out DiscountResult
	err := e.withStatement(ctx, id, func(ctx context.Context, x components, s Statement) error {
		var err error
		out, err = x.discounts.Apply(ctx, s, pct, description)
		return err
	})
	metrics.IncDiscount("apply", err)
	if err == nil {
		metrics.IncMovementPosted(string(out.Movement.Kind))
		metrics.ObserveRecalculation(out.Recalc.Updated, nil)
	}
	e.logDiscount("discount applied", out, err)
	return out, err
}

// ReverseDiscount charges back the statement's discount.
func (e *Engine) ReverseDiscount(ctx context.Context, id StatementID, description string) (DiscountResult, error) {
	var out DiscountResult
	err := e.withStatement(ctx, id, func(ctx context.Context, x components, s Statement) error {
		var err error
		out, err = x.discounts.Reverse(ctx, s, description)
		return err
	})
	metrics.IncDiscount("reverse", err)
	if err == nil {
		metrics.IncMovementPosted(string(out.Movement.Kind))
		metrics.ObserveRecalculation(out.Recalc.Updated, nil)
	}
	e.logDiscount("discount reversed", out, err)
	return out, err
}

// DiscountDetail reports a statement's discount and its movements.
func (e *Engine) DiscountDetail(ctx context.Context, id StatementID) (DiscountDetail, error) {
	x := e.bind(e.store)
	s, err := x.book.Get(ctx, id)
	if err != nil {
		return DiscountDetail{}, err
	}
	return x.discounts.Detail(ctx, *s)
}

func (e *Engine) logDiscount(msg string, out DiscountResult, err error) {
	fields := []zap.Field{
		zap.String("company_id", string(out.Statement.CompanyID)),
		zap.String("statement_id", string(out.Statement.ID)),
	}
	switch {
	case err == nil:
		e.logger.Info(msg, append(fields,
			zap.String("reference", out.Movement.Reference),
			zap.String("amount", out.Movement.Amount.String()))...)
	case IsClientError(err) || IsNotFound(err):
		e.logger.Info("discount rejected", append(fields, zap.Error(err))...)
	default:
		e.logger.Error("discount failed", append(fields, zap.Error(err))...)
	}
}

// withStatement loads the statement, then reloads it inside the owning
// company's unit of work so fn sees committed state.
func (e *Engine) withStatement(ctx context.Context, id StatementID, fn func(ctx context.Context, x components, s Statement) error) error {
	s, err := e.bind(e.store).book.Get(ctx, id)
	if err != nil {
		return err
	}
	return e.withCompany(ctx, s.CompanyID, func(ctx context.Context, x components) error {
		current, err := x.book.Get(ctx, id)
		if err != nil {
			return err
		}
		return fn(ctx, x, *current)
	})
}

// =============================================================================
// PAYMENTS AND ADMINISTRATION
// =============================================================================

// MarkPaid records the statement as paid now.
func (e *Engine) MarkPaid(ctx context.Context, id StatementID) (Statement, error) {
	var out Statement
	err := e.withStatement(ctx, id, func(ctx context.Context, x components, s Statement) error {
		var err error
		out, err = x.book.MarkPaid(ctx, s, e.clock.Now())
		return err
	})
	if err == nil {
		e.logger.Info("statement marked paid",
			zap.String("company_id", string(out.CompanyID)),
			zap.String("statement_id", string(out.ID)))
	}
	return out, err
}

// ResetStatement reverses every active movement of an unpaid statement and
// deletes it so the period can be generated again.
func (e *Engine) ResetStatement(ctx context.Context, id StatementID) (ResetResult, error) {
	var out ResetResult
	err := e.withStatement(ctx, id, func(ctx context.Context, x components, s Statement) error {
		if s.Paid {
			return &StatementStateError{StatementID: s.ID, Sentinel: ErrAlreadyPaid}
		}
		out.Statement = s

		movements, err := x.store.MovementsByStatement(ctx, s.ID)
		if err != nil {
			return Unavailable("load statement movements", err)
		}
		for _, m := range movements {
			if m.Status != StatusActive {
				continue
			}
			ref, desc := ChargeReversalReference(s.ID), "Reset of statement "+s.Label
			if m.Reference == DiscountReference(s.ID) {
				ref, desc = DiscountReversalReference(s.ID), "Discount reversal on reset of statement "+s.Label
			}
			rev, _, err := x.ledger.Reverse(ctx, m, ref, desc)
			if err != nil {
				return err
			}
			out.Reversals = append(out.Reversals, rev)
		}

		if err := x.store.DeleteStatement(ctx, s.ID); err != nil {
			return Unavailable("delete statement", err)
		}
		return nil
	})
	if err == nil {
		e.logger.Warn("statement reset",
			zap.String("company_id", string(out.Statement.CompanyID)),
			zap.String("statement_id", string(out.Statement.ID)),
			zap.Int("reversals", len(out.Reversals)))
	}
	return out, err
}

// PostAdjustment posts a manual charge or credit, possibly in the past.
func (e *Engine) PostAdjustment(ctx context.Context, req AdjustmentRequest) (AdjustmentResult, error) {
	if req.Key == "" {
		return AdjustmentResult{}, ErrMissingKey
	}
	if _, err := e.store.GetCompany(ctx, req.CompanyID); err != nil {
		return AdjustmentResult{}, Unavailable("load company", err)
	}

	var out AdjustmentResult
	err := e.withCompany(ctx, req.CompanyID, func(ctx context.Context, x components) error {
		mv, recalc, err := x.ledger.Insert(ctx, PostInput{
			CompanyID:   req.CompanyID,
			Kind:        req.Kind,
			Amount:      req.Amount,
			Description: req.Description,
			Reference:   AdjustmentReference(req.Key),
			At:          req.At,
		})
		if errors.Is(err, ErrDuplicateReference) {
			out = AdjustmentResult{Movement: mv, Duplicate: true}
			return nil
		}
		if err != nil {
			return err
		}
		out = AdjustmentResult{Movement: mv, Recalc: recalc}
		return nil
	})
	if err != nil {
		return out, err
	}

	if out.Duplicate {
		metrics.IncIdempotencyHit("movement")
	} else {
		metrics.IncMovementPosted(string(out.Movement.Kind))
		metrics.ObserveRecalculation(out.Recalc.Updated, nil)
	}
	e.logger.Info("adjustment posted",
		zap.String("company_id", string(req.CompanyID)),
		zap.String("reference", out.Movement.Reference),
		zap.Bool("duplicate", out.Duplicate),
		zap.Int("rebalanced", out.Recalc.Updated))
	return out, nil
}

// RemoveMovement deletes a movement as a manual correction.
func (e *Engine) RemoveMovement(ctx context.Context, companyID CompanyID, id MovementID) (RecalcResult, error) {
	var out RecalcResult
	err := e.withCompany(ctx, companyID, func(ctx context.Context, x components) error {
		removed, res, err := x.ledger.Remove(ctx, companyID, id)
		if err != nil {
			return err
		}
		out = res
		e.logger.Warn("movement removed",
			zap.String("company_id", string(companyID)),
			zap.String("reference", removed.Reference),
			zap.String("movement_id", string(id)))
		return nil
	})
	metrics.ObserveRecalculation(out.Updated, err)
	return out, err
}

// Recalculate replays the company's balances from the given instant.
func (e *Engine) Recalculate(ctx context.Context, companyID CompanyID, from time.Time) (RecalcResult, error) {
	var out RecalcResult
	err := e.withCompany(ctx, companyID, func(ctx context.Context, x components) error {
		var err error
		out, err = x.ledger.Recalc.Recalculate(ctx, companyID, from)
		return err
	})
	metrics.ObserveRecalculation(out.Updated, err)
	return out, err
}

// VerifyLedger checks every stored balance of the company without writing.
func (e *Engine) VerifyLedger(ctx context.Context, companyID CompanyID) (LedgerReport, error) {
	if _, err := e.store.GetCompany(ctx, companyID); err != nil {
		return LedgerReport{}, Unavailable("load company", err)
	}
	movements, err := e.store.ListMovements(ctx, MovementFilter{CompanyID: companyID})
	if err != nil {
		return LedgerReport{}, Unavailable("list movements", err)
	}
	report := LedgerReport{
		CompanyID:  companyID,
		Movements:  len(movements),
		Balance:    decimal.Zero,
		Violations: Verify(movements, e.tolerance),
	}
	if n := len(movements); n > 0 {
		report.Balance = movements[n-1].Balance
	}
	return report, nil
}

// =============================================================================
// READ API
// =============================================================================

func (e *Engine) GetCompany(ctx context.Context, id CompanyID) (*Company, error) {
	c, err := e.store.GetCompany(ctx, id)
	return c, Unavailable("load company", err)
}

func (e *Engine) ListCompanies(ctx context.Context) ([]Company, error) {
	cs, err := e.store.ListCompanies(ctx)
	return cs, Unavailable("list companies", err)
}

// SaveCompany creates or updates a company. A zero billing day is allowed
// and leaves the company out of billing until configured.
func (e *Engine) SaveCompany(ctx context.Context, c Company) (Company, error) {
	if c.BillingDay != 0 {
		if err := ValidateBillingDay(c.ID, c.BillingDay); err != nil {
			return c, err
		}
	}
	now := e.clock.Now()
	existing, err := e.store.GetCompany(ctx, c.ID)
	switch {
	case errors.Is(err, ErrCompanyNotFound):
		c.CreatedAt = now
	case err != nil:
		return c, Unavailable("load company", err)
	default:
		c.CreatedAt = existing.CreatedAt
		c.AccumulatedAmount = existing.AccumulatedAmount
	}
	c.UpdatedAt = now
	return c, Unavailable("save company", e.store.SaveCompany(ctx, c))
}

func (e *Engine) GetStatement(ctx context.Context, id StatementID) (*Statement, error) {
	return e.bind(e.store).book.Get(ctx, id)
}

func (e *Engine) ListStatements(ctx context.Context, f StatementFilter) ([]Statement, error) {
	ss, err := e.store.ListStatements(ctx, f)
	return ss, Unavailable("list statements", err)
}

// ListMovements returns movements in ledger order.
func (e *Engine) ListMovements(ctx context.Context, f MovementFilter) ([]Movement, error) {
	ms, err := e.store.ListMovements(ctx, f)
	return ms, Unavailable("list movements", err)
}

// Balance returns the company's current running balance.
func (e *Engine) Balance(ctx context.Context, companyID CompanyID) (decimal.Decimal, error) {
	return e.bind(e.store).ledger.Balance(ctx, companyID)
}

// Now returns the engine clock's current time in the billing location.
func (e *Engine) Now() time.Time { return e.now() }
