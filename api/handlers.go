/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes the statement and ledger engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to billing.Engine.
  Handlers hold no billing rules of their own.

ENDPOINTS:
  Companies:
    GET    /api/companies                          List all companies
    POST   /api/companies                          Create or update a company
    GET    /api/companies/{id}                     Get company details
    GET    /api/companies/{id}/balance             Current running balance
    POST   /api/companies/{id}/tickets             Ingest ticket events
    GET    /api/companies/{id}/statements          Statements of the company
    POST   /api/companies/{id}/run                 Close the last closed period

  Ledger:
    GET    /api/companies/{id}/movements           Movements in ledger order
    DELETE /api/companies/{id}/movements/{mid}     Remove a movement (correction)
    POST   /api/companies/{id}/adjustments         Post a manual charge/credit
    POST   /api/companies/{id}/recalculate         Replay balances from a date
    GET    /api/companies/{id}/ledger/verify       Check running balances

  Statements:
    GET    /api/statements                         List statements (filters)
    GET    /api/statements/{id}                    Get statement
    GET    /api/statements/{id}/discount           Discount detail
    POST   /api/statements/{id}/discount           Apply discount
    POST   /api/statements/{id}/discount/reverse   Reverse discount
    POST   /api/statements/{id}/pay                Mark paid

  Admin:
    POST   /api/admin/run                          Run every eligible company
    POST   /api/admin/regenerate                   Force regeneration of a range
    POST   /api/admin/statements/{id}/reset        Reverse and delete a statement
    GET    /api/admin/runs                         Generation history

  Scenarios:
    GET    /api/scenarios                          List demo scenarios
    GET    /api/scenarios/current                  Currently loaded scenario
    POST   /api/scenarios/load                     Load a demo scenario

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Engine: every billing operation
  - Store: ticket ingestion and reset (the engine only reads tickets)
  - Runs: optional generation history
  - Logger: server-side errors

ERROR HANDLING:
  Errors are returned as JSON with a machine-readable code:
  - 400: Validation errors, invalid input
  - 404: Company, statement or movement not found
  - 409: Statement state (paid, discounted, no discount), idempotency
  - 422: Company cannot be billed, nothing to discount
  - 503: Store unavailable, retry later
  - 500: Anything else

SECURITY NOTE:
  No authentication or authorization. Run behind a gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/ticket-billing/billing"
	"github.com/warp/ticket-billing/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is the write side the handlers need beyond the engine.
type Store interface {
	SaveTicket(ctx context.Context, t billing.TicketEvent) error
	Reset(ctx context.Context) error
}

// RunRecorder persists generation outcomes.
type RunRecorder interface {
	SaveRun(ctx context.Context, rec sqlite.RunRecord) error
	ListRuns(ctx context.Context, status string, limit int) ([]sqlite.RunRecord, error)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *billing.Engine
	Store  Store
	Runs   RunRecorder // nil disables run history
	Logger *zap.Logger

	validate  *validator.Validate
	scenarios *ScenarioLibrary

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler. When store also records runs, run history
// is enabled.
func NewHandler(engine *billing.Engine, store Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		Engine:    engine,
		Store:     store,
		Logger:    logger,
		validate:  newValidator(),
		scenarios: DefaultScenarios(),
	}
	if rr, ok := store.(RunRecorder); ok {
		h.Runs = rr
	}
	return h
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// =============================================================================
// HEALTH
// =============================================================================

// Healthz reports whether the store answers.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			h.fail(w, r, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// COMPANY HANDLERS
// =============================================================================

// ListCompanies returns all companies.
// GET /api/companies
func (h *Handler) ListCompanies(w http.ResponseWriter, r *http.Request) {
	companies, err := h.Engine.ListCompanies(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list companies", err)
		return
	}

	dtos := make([]CompanyDTO, len(companies))
	for i, c := range companies {
		dtos[i] = toCompanyDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SaveCompany creates or updates a company.
// POST /api/companies
func (h *Handler) SaveCompany(w http.ResponseWriter, r *http.Request) {
	var req SaveCompanyRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	c, err := h.Engine.SaveCompany(r.Context(), billing.Company{
		ID:                  billing.CompanyID(req.ID),
		Name:                req.Name,
		BillingDay:          req.BillingDay,
		DueDay:              req.DueDay,
		Active:              active,
		KeepEmptyStatements: req.KeepEmptyStatements,
	})
	if err != nil {
		h.fail(w, r, "Failed to save company", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCompanyDTO(c))
}

// GetCompany returns a single company.
// GET /api/companies/{id}
func (h *Handler) GetCompany(w http.ResponseWriter, r *http.Request) {
	c, err := h.Engine.GetCompany(r.Context(), companyParam(r))
	if err != nil {
		h.fail(w, r, "Failed to get company", err)
		return
	}
	writeJSON(w, http.StatusOK, toCompanyDTO(*c))
}

// GetBalance returns the company's running balance and accumulated cache.
// GET /api/companies/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, err := h.Engine.GetCompany(ctx, companyParam(r))
	if err != nil {
		h.fail(w, r, "Failed to get company", err)
		return
	}
	balance, err := h.Engine.Balance(ctx, c.ID)
	if err != nil {
		h.fail(w, r, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		CompanyID:   string(c.ID),
		Balance:     money(balance),
		Accumulated: money(c.AccumulatedAmount),
	})
}

// IngestTickets stores ticket events for the company. Re-sending a ticket
// id replaces the earlier event.
// POST /api/companies/{id}/tickets
func (h *Handler) IngestTickets(w http.ResponseWriter, r *http.Request) {
	var req IngestTicketsRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	ctx := r.Context()
	companyID := companyParam(r)
	if _, err := h.Engine.GetCompany(ctx, companyID); err != nil {
		h.fail(w, r, "Failed to get company", err)
		return
	}

	events := make([]billing.TicketEvent, 0, len(req.Tickets))
	for i, t := range req.Tickets {
		ev, err := toTicketEvent(companyID, t)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid ticket at index %d", i), err)
			return
		}
		events = append(events, ev)
	}
	for _, ev := range events {
		if err := h.Store.SaveTicket(ctx, ev); err != nil {
			h.fail(w, r, "Failed to store ticket "+ev.ID, err)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"ingested": len(events)})
}

func toTicketEvent(companyID billing.CompanyID, t TicketRequest) (billing.TicketEvent, error) {
	status := billing.TicketStatus(t.Status)
	if status.Terminal() && t.ConfirmedAt.IsZero() {
		return billing.TicketEvent{}, fmt.Errorf("confirmed_at is required for %s tickets", t.Status)
	}
	charge, err := parseAmount(t.ChargeAmount)
	if err != nil {
		return billing.TicketEvent{}, fmt.Errorf("charge_amount: %w", err)
	}
	refund, err := parseAmount(t.RefundAmount)
	if err != nil {
		return billing.TicketEvent{}, fmt.Errorf("refund_amount: %w", err)
	}
	return billing.TicketEvent{
		ID:           t.ID,
		CompanyID:    companyID,
		CostCenterID: t.CostCenterID,
		Status:       status,
		ConfirmedAt:  t.ConfirmedAt,
		ChargeAmount: charge,
		RefundAmount: refund,
	}, nil
}

// RunCompany closes the company's most recently closed period.
// POST /api/companies/{id}/run
func (h *Handler) RunCompany(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	now := h.Engine.Now()
	if req.At != nil {
		now = *req.At
	}

	res := h.Engine.RunForCompany(r.Context(), companyParam(r), now)
	if res.Status == billing.RunFailed && billing.IsNotFound(res.Err) {
		h.fail(w, r, "Failed to run company", res.Err)
		return
	}
	recordRuns(r.Context(), h.Runs, h.Logger, []billing.RunResult{res}, h.Engine.Now())
	writeJSON(w, http.StatusOK, toRunResultDTO(res))
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// ListMovements returns the company's movements in ledger order.
// GET /api/companies/{id}/movements?from=&to=
func (h *Handler) ListMovements(w http.ResponseWriter, r *http.Request) {
	from, err := timeQuery(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from", err)
		return
	}
	to, err := timeQuery(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid to", err)
		return
	}

	ctx := r.Context()
	companyID := companyParam(r)
	if _, err := h.Engine.GetCompany(ctx, companyID); err != nil {
		h.fail(w, r, "Failed to get company", err)
		return
	}
	movements, err := h.Engine.ListMovements(ctx, billing.MovementFilter{CompanyID: companyID, From: from, To: to})
	if err != nil {
		h.fail(w, r, "Failed to list movements", err)
		return
	}
	writeJSON(w, http.StatusOK, toMovementDTOs(movements))
}

// RemoveMovement deletes a movement and replays later balances.
// DELETE /api/companies/{id}/movements/{movementID}
func (h *Handler) RemoveMovement(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.RemoveMovement(r.Context(), companyParam(r), billing.MovementID(chi.URLParam(r, "movementID")))
	if err != nil {
		h.fail(w, r, "Failed to remove movement", err)
		return
	}
	writeJSON(w, http.StatusOK, toRecalcDTO(res))
}

// PostAdjustment posts a manual charge or credit, possibly backdated.
// POST /api/companies/{id}/adjustments
func (h *Handler) PostAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	adj := billing.AdjustmentRequest{
		CompanyID:   companyParam(r),
		Kind:        billing.MovementKind(req.Kind),
		Amount:      amount,
		Key:         req.Key,
		Description: req.Description,
	}
	if req.At != nil {
		adj.At = *req.At
	}

	res, err := h.Engine.PostAdjustment(r.Context(), adj)
	if err != nil {
		h.fail(w, r, "Failed to post adjustment", err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, AdjustmentResultDTO{
		Movement:  toMovementDTO(res.Movement),
		Recalc:    toRecalcDTO(res.Recalc),
		Duplicate: res.Duplicate,
	})
}

// Recalculate replays the company's balances from the given instant.
// POST /api/companies/{id}/recalculate
func (h *Handler) Recalculate(w http.ResponseWriter, r *http.Request) {
	var req RecalculateRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	res, err := h.Engine.Recalculate(r.Context(), companyParam(r), req.From)
	if err != nil {
		h.fail(w, r, "Failed to recalculate", err)
		return
	}
	writeJSON(w, http.StatusOK, toRecalcDTO(res))
}

// VerifyLedger checks every stored balance of the company.
// GET /api/companies/{id}/ledger/verify
func (h *Handler) VerifyLedger(w http.ResponseWriter, r *http.Request) {
	report, err := h.Engine.VerifyLedger(r.Context(), companyParam(r))
	if err != nil {
		h.fail(w, r, "Failed to verify ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerReportDTO(report))
}

// =============================================================================
// STATEMENT HANDLERS
// =============================================================================

// ListStatements returns statements ordered by period start.
// GET /api/statements?company_id=&paid=&from=&to=
// GET /api/companies/{id}/statements?paid=&from=&to=
func (h *Handler) ListStatements(w http.ResponseWriter, r *http.Request) {
	filter, err := statementFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid filter", err)
		return
	}
	if id := chi.URLParam(r, "id"); id != "" {
		filter.CompanyID = billing.CompanyID(id)
		if _, err := h.Engine.GetCompany(r.Context(), filter.CompanyID); err != nil {
			h.fail(w, r, "Failed to get company", err)
			return
		}
	}

	statements, err := h.Engine.ListStatements(r.Context(), filter)
	if err != nil {
		h.fail(w, r, "Failed to list statements", err)
		return
	}
	writeJSON(w, http.StatusOK, toStatementDTOs(statements))
}

// GetStatement returns a single statement.
// GET /api/statements/{id}
func (h *Handler) GetStatement(w http.ResponseWriter, r *http.Request) {
	s, err := h.Engine.GetStatement(r.Context(), statementParam(r))
	if err != nil {
		h.fail(w, r, "Failed to get statement", err)
		return
	}
	writeJSON(w, http.StatusOK, toStatementDTO(*s))
}

// GetDiscount returns the statement's discount and its movement history.
// GET /api/statements/{id}/discount
func (h *Handler) GetDiscount(w http.ResponseWriter, r *http.Request) {
	detail, err := h.Engine.DiscountDetail(r.Context(), statementParam(r))
	if err != nil {
		h.fail(w, r, "Failed to get discount", err)
		return
	}
	writeJSON(w, http.StatusOK, toDiscountDetailDTO(detail))
}

// ApplyDiscount credits a percentage of the statement's gross charged.
// POST /api/statements/{id}/discount
func (h *Handler) ApplyDiscount(w http.ResponseWriter, r *http.Request) {
	var req ApplyDiscountRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	pct, err := decimal.NewFromString(req.Percentage)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid percentage", err)
		return
	}

	res, err := h.Engine.ApplyDiscount(r.Context(), statementParam(r), pct, req.Description)
	if err != nil {
		h.fail(w, r, "Failed to apply discount", err)
		return
	}
	writeJSON(w, http.StatusCreated, toDiscountResultDTO(res))
}

// ReverseDiscount charges back the statement's discount.
// POST /api/statements/{id}/discount/reverse
func (h *Handler) ReverseDiscount(w http.ResponseWriter, r *http.Request) {
	var req ReverseDiscountRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	res, err := h.Engine.ReverseDiscount(r.Context(), statementParam(r), req.Description)
	if err != nil {
		h.fail(w, r, "Failed to reverse discount", err)
		return
	}
	writeJSON(w, http.StatusOK, toDiscountResultDTO(res))
}

// MarkPaid records payment of the statement.
// POST /api/statements/{id}/pay
func (h *Handler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	s, err := h.Engine.MarkPaid(r.Context(), statementParam(r))
	if err != nil {
		h.fail(w, r, "Failed to mark statement paid", err)
		return
	}
	writeJSON(w, http.StatusOK, toStatementDTO(s))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// RunAll runs every eligible company for its last closed period.
// POST /api/admin/run
func (h *Handler) RunAll(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	now := h.Engine.Now()
	if req.At != nil {
		now = *req.At
	}

	results := h.Engine.RunForAllEligible(r.Context(), now)
	recordRuns(r.Context(), h.Runs, h.Logger, results, h.Engine.Now())
	writeJSON(w, http.StatusOK, toRunBatchResponse(results))
}

// Regenerate forces generation of every closed period in a range.
// POST /api/admin/regenerate
func (h *Handler) Regenerate(w http.ResponseWriter, r *http.Request) {
	var req RegenerateRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	if req.From != nil && req.To != nil && req.To.Before(*req.From) {
		writeError(w, http.StatusBadRequest, "Invalid range", errors.New("to is before from"))
		return
	}

	results, err := h.Engine.Regenerate(r.Context(), billing.RegenerateRequest{
		CompanyID:    billing.CompanyID(req.CompanyID),
		From:         req.From,
		To:           req.To,
		OnlyUnposted: req.OnlyUnposted,
	})
	if err != nil {
		h.fail(w, r, "Failed to regenerate", err)
		return
	}
	recordRuns(r.Context(), h.Runs, h.Logger, results, h.Engine.Now())
	writeJSON(w, http.StatusOK, toRunBatchResponse(results))
}

// ResetStatement reverses an unpaid statement's movements and deletes it.
// POST /api/admin/statements/{id}/reset
func (h *Handler) ResetStatement(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.ResetStatement(r.Context(), statementParam(r))
	if err != nil {
		h.fail(w, r, "Failed to reset statement", err)
		return
	}
	writeJSON(w, http.StatusOK, ResetResultDTO{
		Statement: toStatementDTO(res.Statement),
		Reversals: toMovementDTOs(res.Reversals),
	})
}

// ListRuns returns recorded generation outcomes, newest first.
// GET /api/admin/runs?status=&limit=
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.Runs == nil {
		writeJSON(w, http.StatusOK, []RunRecordDTO{})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	records, err := h.Runs.ListRuns(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		h.fail(w, r, "Failed to list runs", err)
		return
	}
	dtos := make([]RunRecordDTO, len(records))
	for i, rec := range records {
		dtos[i] = toRunRecordDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func companyParam(r *http.Request) billing.CompanyID {
	return billing.CompanyID(chi.URLParam(r, "id"))
}

func statementParam(r *http.Request) billing.StatementID {
	return billing.StatementID(chi.URLParam(r, "id"))
}

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, errors.New("must not be negative")
	}
	return d, nil
}

// timeQuery parses an RFC 3339 timestamp or a plain date from the query.
func timeQuery(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%s: expected RFC 3339 timestamp or YYYY-MM-DD, got %q", key, v)
}

func statementFilter(r *http.Request) (billing.StatementFilter, error) {
	q := r.URL.Query()
	f := billing.StatementFilter{CompanyID: billing.CompanyID(q.Get("company_id"))}

	var err error
	if f.From, err = timeQuery(r, "from"); err != nil {
		return f, err
	}
	if f.To, err = timeQuery(r, "to"); err != nil {
		return f, err
	}
	if v := q.Get("paid"); v != "" {
		paid, err := strconv.ParseBool(v)
		if err != nil {
			return f, fmt.Errorf("paid: %w", err)
		}
		f.Paid = &paid
	}
	return f, nil
}

// decode reads and validates the JSON body into dst. With optional set an
// empty body is accepted. On failure the response is written and false
// returned.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return false
		}
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:   "Validation failed",
				Code:    "validation",
				Details: validationDetails(verrs),
			})
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return false
	}
	return true
}

// validationDetails maps field paths ("tickets[0].status") to the failed rule.
func validationDetails(errs validator.ValidationErrors) map[string]string {
	out := make(map[string]string, len(errs))
	for _, fe := range errs {
		ns := fe.Namespace()
		if i := strings.IndexByte(ns, '.'); i >= 0 {
			ns = ns[i+1:]
		}
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		out[ns] = rule
	}
	return out
}

// errorStatus maps engine errors to HTTP status and code. Order matters:
// the first match wins.
var errorStatus = []struct {
	target error
	status int
	code   string
}{
	{billing.ErrCompanyNotFound, http.StatusNotFound, "company_not_found"},
	{billing.ErrStatementNotFound, http.StatusNotFound, "statement_not_found"},
	{billing.ErrMovementNotFound, http.StatusNotFound, "movement_not_found"},
	{billing.ErrAlreadyPaid, http.StatusConflict, "already_paid"},
	{billing.ErrAlreadyDiscounted, http.StatusConflict, "already_discounted"},
	{billing.ErrNoDiscount, http.StatusConflict, "no_discount"},
	{billing.ErrIdempotencyConflict, http.StatusConflict, "idempotency_conflict"},
	{billing.ErrDuplicatePeriod, http.StatusConflict, "duplicate_period"},
	{billing.ErrDuplicateReference, http.StatusConflict, "duplicate_reference"},
	{billing.ErrInvalidPercentage, http.StatusBadRequest, "invalid_percentage"},
	{billing.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{billing.ErrInvalidMovementKind, http.StatusBadRequest, "invalid_kind"},
	{billing.ErrMissingKey, http.StatusBadRequest, "missing_key"},
	{billing.ErrNothingToDiscount, http.StatusUnprocessableEntity, "nothing_to_discount"},
	{billing.ErrConfiguration, http.StatusUnprocessableEntity, "configuration"},
	{billing.ErrStoreUnavailable, http.StatusServiceUnavailable, "store_unavailable"},
}

func classify(err error) (int, string) {
	for _, e := range errorStatus {
		if errors.Is(err, e.target) {
			return e.status, e.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

// fail writes err with the status its category maps to. Server-side
// failures are logged with the request id.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error(message,
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Int("status", status),
			zap.Error(err))
	}
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
