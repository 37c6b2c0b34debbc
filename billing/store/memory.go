// Package store provides in-process billing.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ticket-billing/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a billing.TxStore kept in maps. Transactions serialize on a
// single lock, so LockCompany is a no-op.
type Memory struct {
	mu   sync.RWMutex
	data *data
}

var _ billing.TxStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{data: newData()}
}

// FailTickets makes every ticket read for companyID fail with err until
// cleared with a nil err.
func (m *Memory) FailTickets(companyID billing.CompanyID, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.data.ticketFailures, companyID)
		return
	}
	m.data.ticketFailures[companyID] = err
}

// Reset drops all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = newData()
	return nil
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(billing.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	if err := fn(m.data); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

// LockCompany is a no-op: WithTx already holds the store-wide lock.
func (m *Memory) LockCompany(context.Context, billing.Store, billing.CompanyID) error {
	return nil
}

// --- locked delegates --------------------------------------------------------

func (m *Memory) GetCompany(ctx context.Context, id billing.CompanyID) (*billing.Company, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.GetCompany(ctx, id)
}

func (m *Memory) ListCompanies(ctx context.Context) ([]billing.Company, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.ListCompanies(ctx)
}

func (m *Memory) SaveCompany(ctx context.Context, c billing.Company) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SaveCompany(ctx, c)
}

func (m *Memory) SetAccumulated(ctx context.Context, id billing.CompanyID, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SetAccumulated(ctx, id, amount)
}

// SaveTicket inserts or replaces a ticket event.
func (m *Memory) SaveTicket(ctx context.Context, t billing.TicketEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SaveTicket(ctx, t)
}

func (m *Memory) TicketEvents(ctx context.Context, companyID billing.CompanyID, from, to time.Time) ([]billing.TicketEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.TicketEvents(ctx, companyID, from, to)
}

func (m *Memory) FindStatement(ctx context.Context, companyID billing.CompanyID, start, end time.Time) (*billing.Statement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.FindStatement(ctx, companyID, start, end)
}

func (m *Memory) GetStatement(ctx context.Context, id billing.StatementID) (*billing.Statement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.GetStatement(ctx, id)
}

func (m *Memory) InsertStatement(ctx context.Context, s billing.Statement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.InsertStatement(ctx, s)
}

func (m *Memory) SetStatementDiscount(ctx context.Context, id billing.StatementID, pct decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SetStatementDiscount(ctx, id, pct)
}

func (m *Memory) SetStatementPaid(ctx context.Context, id billing.StatementID, paidAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SetStatementPaid(ctx, id, paidAt)
}

func (m *Memory) DeleteStatement(ctx context.Context, id billing.StatementID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.DeleteStatement(ctx, id)
}

func (m *Memory) ListStatements(ctx context.Context, f billing.StatementFilter) ([]billing.Statement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.ListStatements(ctx, f)
}

func (m *Memory) LastMovement(ctx context.Context, companyID billing.CompanyID) (*billing.Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.LastMovement(ctx, companyID)
}

func (m *Memory) LastMovementBefore(ctx context.Context, companyID billing.CompanyID, t time.Time) (*billing.Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.LastMovementBefore(ctx, companyID, t)
}

func (m *Memory) MovementsFrom(ctx context.Context, companyID billing.CompanyID, t time.Time) ([]billing.Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.MovementsFrom(ctx, companyID, t)
}

func (m *Memory) ListMovements(ctx context.Context, f billing.MovementFilter) ([]billing.Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.ListMovements(ctx, f)
}

func (m *Memory) MovementsByStatement(ctx context.Context, id billing.StatementID) ([]billing.Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.MovementsByStatement(ctx, id)
}

func (m *Memory) FindMovementByReference(ctx context.Context, companyID billing.CompanyID, reference string) (*billing.Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.FindMovementByReference(ctx, companyID, reference)
}

func (m *Memory) GetMovement(ctx context.Context, id billing.MovementID) (*billing.Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.GetMovement(ctx, id)
}

func (m *Memory) InsertMovement(ctx context.Context, mv billing.Movement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.InsertMovement(ctx, mv)
}

func (m *Memory) UpdateMovementBalance(ctx context.Context, id billing.MovementID, balance decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.UpdateMovementBalance(ctx, id, balance)
}

func (m *Memory) SetMovementStatus(ctx context.Context, id billing.MovementID, status billing.MovementStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SetMovementStatus(ctx, id, status)
}

func (m *Memory) DeleteMovement(ctx context.Context, id billing.MovementID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.DeleteMovement(ctx, id)
}

// =============================================================================
// DATA - Unlocked state, also the transactional view handed to WithTx
// =============================================================================

type data struct {
	companies  map[billing.CompanyID]billing.Company
	tickets    map[billing.CompanyID]map[string]billing.TicketEvent
	statements map[billing.StatementID]billing.Statement
	movements  map[billing.CompanyID][]billing.Movement // (At, ID) order
	owner      map[billing.MovementID]billing.CompanyID

	ticketFailures map[billing.CompanyID]error
}

func newData() *data {
	return &data{
		companies:      make(map[billing.CompanyID]billing.Company),
		tickets:        make(map[billing.CompanyID]map[string]billing.TicketEvent),
		statements:     make(map[billing.StatementID]billing.Statement),
		movements:      make(map[billing.CompanyID][]billing.Movement),
		owner:          make(map[billing.MovementID]billing.CompanyID),
		ticketFailures: make(map[billing.CompanyID]error),
	}
}

func (d *data) clone() *data {
	c := newData()
	for k, v := range d.companies {
		c.companies[k] = v
	}
	for k, v := range d.tickets {
		inner := make(map[string]billing.TicketEvent, len(v))
		for id, t := range v {
			inner[id] = t
		}
		c.tickets[k] = inner
	}
	for k, v := range d.statements {
		c.statements[k] = copyStatement(v)
	}
	for k, v := range d.movements {
		c.movements[k] = append([]billing.Movement(nil), v...)
	}
	for k, v := range d.owner {
		c.owner[k] = v
	}
	for k, v := range d.ticketFailures {
		c.ticketFailures[k] = v
	}
	return c
}

// --- companies ---------------------------------------------------------------

func (d *data) GetCompany(_ context.Context, id billing.CompanyID) (*billing.Company, error) {
	c, ok := d.companies[id]
	if !ok {
		return nil, billing.ErrCompanyNotFound
	}
	return &c, nil
}

func (d *data) ListCompanies(_ context.Context) ([]billing.Company, error) {
	out := make([]billing.Company, 0, len(d.companies))
	for _, c := range d.companies {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *data) SaveCompany(_ context.Context, c billing.Company) error {
	d.companies[c.ID] = c
	return nil
}

func (d *data) SetAccumulated(_ context.Context, id billing.CompanyID, amount decimal.Decimal) error {
	c, ok := d.companies[id]
	if !ok {
		return billing.ErrCompanyNotFound
	}
	c.AccumulatedAmount = amount
	d.companies[id] = c
	return nil
}

// --- tickets -----------------------------------------------------------------

func (d *data) SaveTicket(_ context.Context, t billing.TicketEvent) error {
	byID, ok := d.tickets[t.CompanyID]
	if !ok {
		byID = make(map[string]billing.TicketEvent)
		d.tickets[t.CompanyID] = byID
	}
	byID[t.ID] = t
	return nil
}

func (d *data) TicketEvents(_ context.Context, companyID billing.CompanyID, from, to time.Time) ([]billing.TicketEvent, error) {
	if err := d.ticketFailures[companyID]; err != nil {
		return nil, err
	}
	var out []billing.TicketEvent
	for _, t := range d.tickets[companyID] {
		if !t.ConfirmedAt.Before(from) && t.ConfirmedAt.Before(to) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConfirmedAt.Equal(out[j].ConfirmedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConfirmedAt.Before(out[j].ConfirmedAt)
	})
	return out, nil
}

// --- statements --------------------------------------------------------------

func (d *data) FindStatement(_ context.Context, companyID billing.CompanyID, start, end time.Time) (*billing.Statement, error) {
	key := billing.PeriodKey{CompanyID: companyID, Start: start, End: end}
	for _, s := range d.statements {
		if s.Key().Matches(key) {
			s = copyStatement(s)
			return &s, nil
		}
	}
	return nil, nil
}

func (d *data) GetStatement(_ context.Context, id billing.StatementID) (*billing.Statement, error) {
	s, ok := d.statements[id]
	if !ok {
		return nil, billing.ErrStatementNotFound
	}
	s = copyStatement(s)
	return &s, nil
}

func (d *data) InsertStatement(ctx context.Context, s billing.Statement) error {
	if existing, _ := d.FindStatement(ctx, s.CompanyID, s.PeriodStart, s.PeriodEnd); existing != nil {
		return billing.ErrDuplicatePeriod
	}
	d.statements[s.ID] = copyStatement(s)
	return nil
}

func (d *data) SetStatementDiscount(_ context.Context, id billing.StatementID, pct decimal.Decimal) error {
	s, ok := d.statements[id]
	if !ok {
		return billing.ErrStatementNotFound
	}
	s.DiscountPct = pct
	d.statements[id] = s
	return nil
}

func (d *data) SetStatementPaid(_ context.Context, id billing.StatementID, paidAt time.Time) error {
	s, ok := d.statements[id]
	if !ok {
		return billing.ErrStatementNotFound
	}
	s.Paid = true
	s.PaidAt = &paidAt
	d.statements[id] = s
	return nil
}

func (d *data) DeleteStatement(_ context.Context, id billing.StatementID) error {
	if _, ok := d.statements[id]; !ok {
		return billing.ErrStatementNotFound
	}
	delete(d.statements, id)
	return nil
}

func (d *data) ListStatements(_ context.Context, f billing.StatementFilter) ([]billing.Statement, error) {
	var out []billing.Statement
	for _, s := range d.statements {
		if f.CompanyID != "" && s.CompanyID != f.CompanyID {
			continue
		}
		if f.From != nil && s.PeriodStart.Before(*f.From) {
			continue
		}
		if f.To != nil && s.PeriodEnd.After(*f.To) {
			continue
		}
		if f.Paid != nil && s.Paid != *f.Paid {
			continue
		}
		out = append(out, copyStatement(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PeriodStart.Equal(out[j].PeriodStart) {
			return out[i].CompanyID < out[j].CompanyID
		}
		return out[i].PeriodStart.Before(out[j].PeriodStart)
	})
	return out, nil
}

func copyStatement(s billing.Statement) billing.Statement {
	if s.CostCenters != nil {
		centers := make(map[string]billing.CostCenterTotal, len(s.CostCenters))
		for k, v := range s.CostCenters {
			centers[k] = v
		}
		s.CostCenters = centers
	}
	if s.PaidAt != nil {
		t := *s.PaidAt
		s.PaidAt = &t
	}
	return s
}

// --- movements ---------------------------------------------------------------

func (d *data) LastMovement(_ context.Context, companyID billing.CompanyID) (*billing.Movement, error) {
	ms := d.movements[companyID]
	if len(ms) == 0 {
		return nil, nil
	}
	m := ms[len(ms)-1]
	return &m, nil
}

func (d *data) LastMovementBefore(_ context.Context, companyID billing.CompanyID, t time.Time) (*billing.Movement, error) {
	ms := d.movements[companyID]
	// First index at or after t.
	i := sort.Search(len(ms), func(i int) bool { return !ms[i].At.Before(t) })
	if i == 0 {
		return nil, nil
	}
	m := ms[i-1]
	return &m, nil
}

func (d *data) MovementsFrom(_ context.Context, companyID billing.CompanyID, t time.Time) ([]billing.Movement, error) {
	ms := d.movements[companyID]
	i := sort.Search(len(ms), func(i int) bool { return !ms[i].At.Before(t) })
	return append([]billing.Movement(nil), ms[i:]...), nil
}

func (d *data) ListMovements(_ context.Context, f billing.MovementFilter) ([]billing.Movement, error) {
	var out []billing.Movement
	for companyID, ms := range d.movements {
		if f.CompanyID != "" && companyID != f.CompanyID {
			continue
		}
		for _, m := range ms {
			if f.From != nil && m.At.Before(*f.From) {
				continue
			}
			if f.To != nil && !m.At.Before(*f.To) {
				continue
			}
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CompanyID != out[j].CompanyID {
			return out[i].CompanyID < out[j].CompanyID
		}
		return out[i].Before(out[j])
	})
	return out, nil
}

func (d *data) MovementsByStatement(_ context.Context, id billing.StatementID) ([]billing.Movement, error) {
	var out []billing.Movement
	for _, ms := range d.movements {
		for _, m := range ms {
			if m.StatementID == id {
				out = append(out, m)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (d *data) FindMovementByReference(_ context.Context, companyID billing.CompanyID, reference string) (*billing.Movement, error) {
	for _, m := range d.movements[companyID] {
		if m.Reference == reference && m.Status == billing.StatusActive {
			return &m, nil
		}
	}
	return nil, nil
}

func (d *data) GetMovement(_ context.Context, id billing.MovementID) (*billing.Movement, error) {
	i, ms := d.locate(id)
	if i < 0 {
		return nil, billing.ErrMovementNotFound
	}
	m := ms[i]
	return &m, nil
}

func (d *data) InsertMovement(ctx context.Context, m billing.Movement) error {
	if m.Reference != "" && m.Status == billing.StatusActive {
		if existing, _ := d.FindMovementByReference(ctx, m.CompanyID, m.Reference); existing != nil {
			return billing.ErrDuplicateReference
		}
	}
	ms := d.movements[m.CompanyID]
	// Binary search for insertion point keeps (At, ID) order.
	i := sort.Search(len(ms), func(i int) bool { return m.Before(ms[i]) })
	ms = append(ms, billing.Movement{})
	copy(ms[i+1:], ms[i:])
	ms[i] = m
	d.movements[m.CompanyID] = ms
	d.owner[m.ID] = m.CompanyID
	return nil
}

func (d *data) UpdateMovementBalance(_ context.Context, id billing.MovementID, balance decimal.Decimal) error {
	i, ms := d.locate(id)
	if i < 0 {
		return billing.ErrMovementNotFound
	}
	ms[i].Balance = balance
	return nil
}

func (d *data) SetMovementStatus(_ context.Context, id billing.MovementID, status billing.MovementStatus) error {
	i, ms := d.locate(id)
	if i < 0 {
		return billing.ErrMovementNotFound
	}
	ms[i].Status = status
	return nil
}

func (d *data) DeleteMovement(_ context.Context, id billing.MovementID) error {
	i, ms := d.locate(id)
	if i < 0 {
		return billing.ErrMovementNotFound
	}
	companyID := ms[i].CompanyID
	d.movements[companyID] = append(ms[:i], ms[i+1:]...)
	delete(d.owner, id)
	return nil
}

func (d *data) locate(id billing.MovementID) (int, []billing.Movement) {
	companyID, ok := d.owner[id]
	if !ok {
		return -1, nil
	}
	ms := d.movements[companyID]
	for i := range ms {
		if ms[i].ID == id {
			return i, ms
		}
	}
	return -1, nil
}
