/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides scenarios that populate the database with companies and
	ticket events for demos and integration tests. Scenarios are YAML
	files; the defaults are embedded, and a directory given in
	configuration can add new ones or replace defaults by id.

AVAILABLE SCENARIOS (embedded):

	monthly-close:  One company, 2200 sold and 300 refunded, net charge 1900
	refund-credit:  Refunds exceed sales, net posted as a credit
	multi-company:  Month-end, mid-month, unconfigured and inactive tenants

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Save companies through the engine
 3. Store ticket events with times relative to the load instant
 4. Nothing is generated; run the companies to see statements

TICKET TIMES:

	A ticket either has an absolute confirmed_at or a relative position:
	months_ago (0 = this month), day and hour. Days past the end of the
	month are clamped the same way billing days are.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "monthly-close"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler wiring
  - scenarios/*.yaml: Embedded definitions
*/
package api

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/warp/ticket-billing/billing"
)

//go:embed scenarios/*.yaml
var embeddedScenarios embed.FS

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type Scenario struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Companies   []ScenarioCompany `yaml:"companies"`
	Tickets     []ScenarioTicket  `yaml:"tickets"`
}

type ScenarioCompany struct {
	ID                  string `yaml:"id"`
	Name                string `yaml:"name"`
	BillingDay          int    `yaml:"billing_day"`
	DueDay              int    `yaml:"due_day"`
	Active              bool   `yaml:"active"`
	KeepEmptyStatements bool   `yaml:"keep_empty_statements"`
}

type ScenarioTicket struct {
	ID          string     `yaml:"id"`
	Company     string     `yaml:"company"`
	CostCenter  string     `yaml:"cost_center"`
	Status      string     `yaml:"status"`
	ConfirmedAt *time.Time `yaml:"confirmed_at"`
	MonthsAgo   int        `yaml:"months_ago"`
	Day         int        `yaml:"day"`
	Hour        int        `yaml:"hour"`
	Charge      string     `yaml:"charge"`
	Refund      string     `yaml:"refund"`
}

// At resolves the ticket's confirmation time relative to now.
func (t ScenarioTicket) At(now time.Time) time.Time {
	if t.ConfirmedAt != nil {
		return *t.ConfirmedAt
	}
	first := time.Date(now.Year(), now.Month()-time.Month(t.MonthsAgo), 1, 0, 0, 0, 0, now.Location())
	day := t.Day
	if day < 1 {
		day = 1
	}
	if last := billing.DaysInMonth(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, t.Hour, 0, 0, 0, now.Location())
}

func (s Scenario) validate() error {
	if s.ID == "" {
		return errors.New("scenario without id")
	}
	companies := make(map[string]bool, len(s.Companies))
	for _, c := range s.Companies {
		if c.ID == "" {
			return fmt.Errorf("scenario %s: company without id", s.ID)
		}
		companies[c.ID] = true
	}
	for _, t := range s.Tickets {
		if !companies[t.Company] {
			return fmt.Errorf("scenario %s: ticket %s references unknown company %q", s.ID, t.ID, t.Company)
		}
		switch billing.TicketStatus(t.Status) {
		case billing.TicketPending, billing.TicketConfirmed, billing.TicketCancelled:
		default:
			return fmt.Errorf("scenario %s: ticket %s has unknown status %q", s.ID, t.ID, t.Status)
		}
	}
	return nil
}

// ParseScenario decodes one YAML scenario document.
func ParseScenario(data []byte) (Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Scenario{}, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if err := s.validate(); err != nil {
		return Scenario{}, err
	}
	return s, nil
}

// =============================================================================
// SCENARIO LIBRARY
// =============================================================================

// ScenarioLibrary indexes scenarios by id.
type ScenarioLibrary struct {
	mu   sync.RWMutex
	byID map[string]Scenario
}

func NewScenarioLibrary() *ScenarioLibrary {
	return &ScenarioLibrary{byID: make(map[string]Scenario)}
}

// DefaultScenarios returns a library holding the embedded scenarios.
func DefaultScenarios() *ScenarioLibrary {
	lib := NewScenarioLibrary()
	if err := lib.loadFS(embeddedScenarios, "scenarios"); err != nil {
		panic(fmt.Sprintf("embedded scenarios: %v", err))
	}
	return lib
}

// LoadDir adds every *.yaml and *.yml file in dir, replacing scenarios
// with the same id.
func (l *ScenarioLibrary) LoadDir(dir string) error {
	return l.loadFS(os.DirFS(dir), ".")
}

func (l *ScenarioLibrary) loadFS(fsys fs.FS, root string) error {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return fmt.Errorf("failed to read scenarios: %w", err)
	}
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		data, err := fs.ReadFile(fsys, filepath.ToSlash(filepath.Join(root, e.Name())))
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", e.Name(), err)
		}
		s, err := ParseScenario(data)
		if err != nil {
			return fmt.Errorf("%s: %w", e.Name(), err)
		}
		l.Add(s)
	}
	return nil
}

func (l *ScenarioLibrary) Add(s Scenario) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byID[s.ID] = s
}

func (l *ScenarioLibrary) Get(id string) (Scenario, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.byID[id]
	return s, ok
}

// List returns scenarios ordered by id.
func (l *ScenarioLibrary) List() []Scenario {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Scenario, 0, len(l.byID))
	for _, s := range l.byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// =============================================================================
// SCENARIO HANDLERS
// =============================================================================

// Scenarios exposes the handler's library, e.g. to load a directory.
func (h *Handler) Scenarios() *ScenarioLibrary { return h.scenarios }

// ListScenarios returns all available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	list := h.scenarios.List()
	dtos := make([]ScenarioDTO, len(list))
	for i, s := range list {
		dtos[i] = toScenarioDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the currently loaded scenario.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	if s, ok := h.scenarios.Get(current); ok {
		writeJSON(w, http.StatusOK, toScenarioDTO(s))
		return
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{
		ID:          current,
		Name:        current,
		Description: "Currently loaded scenario",
	})
}

// LoadScenario resets the database and loads a scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	s, ok := h.scenarios.Get(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	if err := h.ApplyScenario(r.Context(), s); err != nil {
		h.fail(w, r, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": s.ID})
}

// ApplyScenario resets the store and writes the scenario's companies and
// tickets, with relative ticket times resolved against the engine clock.
func (h *Handler) ApplyScenario(ctx context.Context, s Scenario) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(ctx); err != nil {
		return err
	}
	h.currentScenario = ""

	for _, c := range s.Companies {
		if _, err := h.Engine.SaveCompany(ctx, billing.Company{
			ID:                  billing.CompanyID(c.ID),
			Name:                c.Name,
			BillingDay:          c.BillingDay,
			DueDay:              c.DueDay,
			Active:              c.Active,
			KeepEmptyStatements: c.KeepEmptyStatements,
		}); err != nil {
			return fmt.Errorf("company %s: %w", c.ID, err)
		}
	}

	now := h.Engine.Now()
	for _, t := range s.Tickets {
		charge, err := parseAmount(t.Charge)
		if err != nil {
			return fmt.Errorf("ticket %s charge: %w", t.ID, err)
		}
		refund, err := parseAmount(t.Refund)
		if err != nil {
			return fmt.Errorf("ticket %s refund: %w", t.ID, err)
		}
		if err := h.Store.SaveTicket(ctx, billing.TicketEvent{
			ID:           t.ID,
			CompanyID:    billing.CompanyID(t.Company),
			CostCenterID: t.CostCenter,
			Status:       billing.TicketStatus(t.Status),
			ConfirmedAt:  t.At(now),
			ChargeAmount: charge,
			RefundAmount: refund,
		}); err != nil {
			return fmt.Errorf("ticket %s: %w", t.ID, err)
		}
	}

	h.currentScenario = s.ID
	h.Logger.Info("scenario loaded",
		zap.String("scenario", s.ID),
		zap.Int("companies", len(s.Companies)),
		zap.Int("tickets", len(s.Tickets)))
	return nil
}

func toScenarioDTO(s Scenario) ScenarioDTO {
	return ScenarioDTO{
		ID:          s.ID,
		Name:        s.Name,
		Description: strings.TrimSpace(s.Description),
		Companies:   len(s.Companies),
		Tickets:     len(s.Tickets),
	}
}
