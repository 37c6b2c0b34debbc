/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Companies:
    CompanyDTO, SaveCompanyRequest

  Tickets:
    TicketRequest, IngestTicketsRequest

  Statements:
    StatementDTO, CostCenterDTO, ApplyDiscountRequest, ReverseDiscountRequest,
    DiscountResultDTO, DiscountDetailDTO, ResetResultDTO

  Ledger:
    MovementDTO, BalanceDTO, AdjustmentRequest, AdjustmentResultDTO,
    RecalculateRequest, RecalcResultDTO, LedgerReportDTO

  Runs:
    RunRequest, RegenerateRequest, RunResultDTO, RunBatchResponse, RunRecordDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

MONEY:
  Amounts go out as decimal strings ("1900.00") and come in as strings
  checked with the "numeric" validator. Floats never touch money.

VALIDATION:
  Request types carry go-playground/validator tags. Handlers run
  decodeAndValidate before touching the engine; rules the engine owns
  (percentage range, statement state) are not duplicated here.

SEE ALSO:
  - handlers.go: Uses these types
  - billing/types.go: Domain types
*/
package api

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ticket-billing/billing"
	"github.com/warp/ticket-billing/store/sqlite"
)

// =============================================================================
// COMPANIES
// =============================================================================

// CompanyDTO represents a company in API responses.
type CompanyDTO struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	BillingDay          int       `json:"billing_day"`
	DueDay              int       `json:"due_day"`
	Active              bool      `json:"active"`
	KeepEmptyStatements bool      `json:"keep_empty_statements"`
	AccumulatedAmount   string    `json:"accumulated_amount"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// SaveCompanyRequest creates or updates a company. Active defaults to true.
type SaveCompanyRequest struct {
	ID                  string `json:"id" validate:"required,max=64"`
	Name                string `json:"name" validate:"required,max=200"`
	BillingDay          int    `json:"billing_day" validate:"min=0,max=31"`
	DueDay              int    `json:"due_day" validate:"min=0,max=31"`
	Active              *bool  `json:"active"`
	KeepEmptyStatements bool   `json:"keep_empty_statements"`
}

// =============================================================================
// TICKETS
// =============================================================================

// TicketRequest is one ticket event pushed by the ticketing side.
type TicketRequest struct {
	ID           string    `json:"id" validate:"required,max=64"`
	CostCenterID string    `json:"cost_center_id" validate:"max=64"`
	Status       string    `json:"status" validate:"required,oneof=pending confirmed cancelled"`
	ConfirmedAt  time.Time `json:"confirmed_at"`
	ChargeAmount string    `json:"charge_amount" validate:"omitempty,numeric"`
	RefundAmount string    `json:"refund_amount" validate:"omitempty,numeric"`
}

type IngestTicketsRequest struct {
	Tickets []TicketRequest `json:"tickets" validate:"required,min=1,dive"`
}

// =============================================================================
// STATEMENTS
// =============================================================================

type CostCenterDTO struct {
	CostCenterID string `json:"cost_center_id"`
	Count        int    `json:"count"`
	NetAmount    string `json:"net_amount"`
}

// StatementDTO represents a closed billing period.
type StatementDTO struct {
	ID               string          `json:"id"`
	CompanyID        string          `json:"company_id"`
	Label            string          `json:"label"`
	GeneratedAt      time.Time       `json:"generated_at"`
	PeriodStart      time.Time       `json:"period_start"`
	PeriodEnd        time.Time       `json:"period_end"`
	TicketsConfirmed int             `json:"tickets_confirmed"`
	TicketsCancelled int             `json:"tickets_cancelled"`
	GrossCharged     string          `json:"gross_charged"`
	GrossRefunded    string          `json:"gross_refunded"`
	Net              string          `json:"net"`
	CostCenters      []CostCenterDTO `json:"cost_centers"`
	Paid             bool            `json:"paid"`
	PaidAt           *time.Time      `json:"paid_at,omitempty"`
	DiscountPct      string          `json:"discount_pct"`
}

type ApplyDiscountRequest struct {
	Percentage  string `json:"percentage" validate:"required,numeric"`
	Description string `json:"description" validate:"max=255"`
}

type ReverseDiscountRequest struct {
	Description string `json:"description" validate:"max=255"`
}

type DiscountResultDTO struct {
	Statement StatementDTO    `json:"statement"`
	Movement  MovementDTO     `json:"movement"`
	Recalc    RecalcResultDTO `json:"recalc"`
}

type DiscountDetailDTO struct {
	StatementID string        `json:"statement_id"`
	Percentage  string        `json:"percentage"`
	Amount      string        `json:"amount"`
	Active      *MovementDTO  `json:"active,omitempty"`
	History     []MovementDTO `json:"history"`
}

type ResetResultDTO struct {
	Statement StatementDTO  `json:"statement"`
	Reversals []MovementDTO `json:"reversals"`
}

// =============================================================================
// LEDGER
// =============================================================================

// MovementDTO represents one ledger posting.
type MovementDTO struct {
	ID          string    `json:"id"`
	CompanyID   string    `json:"company_id"`
	At          time.Time `json:"at"`
	Kind        string    `json:"kind"`
	Amount      string    `json:"amount"`
	Description string    `json:"description"`
	Balance     string    `json:"balance"`
	Reference   string    `json:"reference"`
	StatementID string    `json:"statement_id,omitempty"`
	Status      string    `json:"status"`
	ReversalOf  string    `json:"reversal_of,omitempty"`
}

type BalanceDTO struct {
	CompanyID   string `json:"company_id"`
	Balance     string `json:"balance"`
	Accumulated string `json:"accumulated_amount"`
}

// AdjustmentRequest posts a manual charge or credit. A missing At posts now.
type AdjustmentRequest struct {
	Kind        string     `json:"kind" validate:"required,oneof=charge credit"`
	Amount      string     `json:"amount" validate:"required,numeric"`
	At          *time.Time `json:"at"`
	Key         string     `json:"key" validate:"required,max=128"`
	Description string     `json:"description" validate:"max=255"`
}

type AdjustmentResultDTO struct {
	Movement  MovementDTO     `json:"movement"`
	Recalc    RecalcResultDTO `json:"recalc"`
	Duplicate bool            `json:"duplicate"`
}

type RecalculateRequest struct {
	From time.Time `json:"from"`
}

type RecalcResultDTO struct {
	CompanyID    string    `json:"company_id"`
	From         time.Time `json:"from"`
	Scanned      int       `json:"scanned"`
	Updated      int       `json:"updated"`
	FinalBalance string    `json:"final_balance"`
}

type ViolationDTO struct {
	MovementID string    `json:"movement_id"`
	At         time.Time `json:"at"`
	Stored     string    `json:"stored"`
	Expected   string    `json:"expected"`
}

type LedgerReportDTO struct {
	CompanyID  string         `json:"company_id"`
	Movements  int            `json:"movements"`
	Balance    string         `json:"balance"`
	Consistent bool           `json:"consistent"`
	Violations []ViolationDTO `json:"violations"`
}

// =============================================================================
// RUNS
// =============================================================================

// RunRequest optionally overrides the instant a run is evaluated at.
type RunRequest struct {
	At *time.Time `json:"at"`
}

type RegenerateRequest struct {
	CompanyID    string     `json:"company_id" validate:"max=64"`
	From         *time.Time `json:"from"`
	To           *time.Time `json:"to"`
	OnlyUnposted bool       `json:"only_unposted"`
}

type RunResultDTO struct {
	CompanyID   string        `json:"company_id"`
	PeriodStart *time.Time    `json:"period_start,omitempty"`
	PeriodEnd   *time.Time    `json:"period_end,omitempty"`
	Status      string        `json:"status"`
	Statement   *StatementDTO `json:"statement,omitempty"`
	Movement    *MovementDTO  `json:"movement,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Retryable   bool          `json:"retryable,omitempty"`
}

// RunBatchResponse wraps the results of a multi-company run.
type RunBatchResponse struct {
	Results []RunResultDTO `json:"results"`
	Counts  map[string]int `json:"counts"`
}

type RunRecordDTO struct {
	ID          string     `json:"id"`
	CompanyID   string     `json:"company_id"`
	PeriodStart *time.Time `json:"period_start,omitempty"`
	PeriodEnd   *time.Time `json:"period_end,omitempty"`
	Status      string     `json:"status"`
	StatementID string     `json:"statement_id,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	Retryable   bool       `json:"retryable"`
	CreatedAt   time.Time  `json:"created_at"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Companies   int    `json:"companies"`
	Tickets     int    `json:"tickets"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func money(d decimal.Decimal) string { return d.StringFixed(billing.CurrencyScale) }

func toCompanyDTO(c billing.Company) CompanyDTO {
	return CompanyDTO{
		ID:                  string(c.ID),
		Name:                c.Name,
		BillingDay:          c.BillingDay,
		DueDay:              c.DueDay,
		Active:              c.Active,
		KeepEmptyStatements: c.KeepEmptyStatements,
		AccumulatedAmount:   money(c.AccumulatedAmount),
		CreatedAt:           c.CreatedAt,
		UpdatedAt:           c.UpdatedAt,
	}
}

func toStatementDTO(s billing.Statement) StatementDTO {
	centers := make([]CostCenterDTO, 0, len(s.CostCenters))
	for id, total := range s.CostCenters {
		centers = append(centers, CostCenterDTO{CostCenterID: id, Count: total.Count, NetAmount: money(total.NetAmount)})
	}
	sort.Slice(centers, func(i, j int) bool { return centers[i].CostCenterID < centers[j].CostCenterID })

	return StatementDTO{
		ID:               string(s.ID),
		CompanyID:        string(s.CompanyID),
		Label:            s.Label,
		GeneratedAt:      s.GeneratedAt,
		PeriodStart:      s.PeriodStart,
		PeriodEnd:        s.PeriodEnd,
		TicketsConfirmed: s.TicketsConfirmed,
		TicketsCancelled: s.TicketsCancelled,
		GrossCharged:     money(s.GrossCharged),
		GrossRefunded:    money(s.GrossRefunded),
		Net:              money(s.Net()),
		CostCenters:      centers,
		Paid:             s.Paid,
		PaidAt:           s.PaidAt,
		DiscountPct:      s.DiscountPct.String(),
	}
}

func toStatementDTOs(ss []billing.Statement) []StatementDTO {
	dtos := make([]StatementDTO, len(ss))
	for i, s := range ss {
		dtos[i] = toStatementDTO(s)
	}
	return dtos
}

func toMovementDTO(m billing.Movement) MovementDTO {
	return MovementDTO{
		ID:          string(m.ID),
		CompanyID:   string(m.CompanyID),
		At:          m.At,
		Kind:        string(m.Kind),
		Amount:      money(m.Amount),
		Description: m.Description,
		Balance:     money(m.Balance),
		Reference:   m.Reference,
		StatementID: string(m.StatementID),
		Status:      string(m.Status),
		ReversalOf:  string(m.ReversalOf),
	}
}

func toMovementDTOs(ms []billing.Movement) []MovementDTO {
	dtos := make([]MovementDTO, len(ms))
	for i, m := range ms {
		dtos[i] = toMovementDTO(m)
	}
	return dtos
}

func toRecalcDTO(r billing.RecalcResult) RecalcResultDTO {
	return RecalcResultDTO{
		CompanyID:    string(r.CompanyID),
		From:         r.From,
		Scanned:      r.Scanned,
		Updated:      r.Updated,
		FinalBalance: money(r.FinalBalance),
	}
}

func toDiscountResultDTO(r billing.DiscountResult) DiscountResultDTO {
	return DiscountResultDTO{
		Statement: toStatementDTO(r.Statement),
		Movement:  toMovementDTO(r.Movement),
		Recalc:    toRecalcDTO(r.Recalc),
	}
}

func toDiscountDetailDTO(d billing.DiscountDetail) DiscountDetailDTO {
	dto := DiscountDetailDTO{
		StatementID: string(d.StatementID),
		Percentage:  d.Percentage.String(),
		Amount:      money(d.Amount),
		History:     toMovementDTOs(d.History),
	}
	if d.Active != nil {
		active := toMovementDTO(*d.Active)
		dto.Active = &active
	}
	return dto
}

func toLedgerReportDTO(r billing.LedgerReport) LedgerReportDTO {
	violations := make([]ViolationDTO, len(r.Violations))
	for i, v := range r.Violations {
		violations[i] = ViolationDTO{
			MovementID: string(v.MovementID),
			At:         v.At,
			Stored:     money(v.Stored),
			Expected:   money(v.Expected),
		}
	}
	return LedgerReportDTO{
		CompanyID:  string(r.CompanyID),
		Movements:  r.Movements,
		Balance:    money(r.Balance),
		Consistent: r.Consistent(),
		Violations: violations,
	}
}

func toRunResultDTO(r billing.RunResult) RunResultDTO {
	dto := RunResultDTO{
		CompanyID: string(r.CompanyID),
		Status:    string(r.Status),
		Reason:    r.Reason,
		Retryable: r.Retryable(),
	}
	if !r.Period.Start.IsZero() {
		start, end := r.Period.Start, r.Period.End
		dto.PeriodStart, dto.PeriodEnd = &start, &end
	}
	if r.Statement != nil {
		s := toStatementDTO(*r.Statement)
		dto.Statement = &s
	}
	if r.Movement != nil {
		m := toMovementDTO(*r.Movement)
		dto.Movement = &m
	}
	return dto
}

func toRunBatchResponse(results []billing.RunResult) RunBatchResponse {
	resp := RunBatchResponse{
		Results: make([]RunResultDTO, len(results)),
		Counts:  make(map[string]int),
	}
	for i, r := range results {
		resp.Results[i] = toRunResultDTO(r)
		resp.Counts[string(r.Status)]++
	}
	return resp
}

func toRunRecordDTO(rec sqlite.RunRecord) RunRecordDTO {
	return RunRecordDTO{
		ID:          rec.ID,
		CompanyID:   rec.CompanyID,
		PeriodStart: rec.PeriodStart,
		PeriodEnd:   rec.PeriodEnd,
		Status:      rec.Status,
		StatementID: rec.StatementID,
		Reason:      rec.Reason,
		Retryable:   rec.Retryable,
		CreatedAt:   rec.CreatedAt,
	}
}
