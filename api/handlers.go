/*
handlers.go - HTTP API handlers for the reconciler

PURPOSE:
  Exposes settlement runs and the invoice book via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the orchestrator
  and the SQLite store.

ENDPOINTS:
  Runs:
    POST   /api/runs                     Run (date, account type)
    GET    /api/runs                     Run history
    GET    /api/runs/{id}/results        Audit trail of a run

  Invoices:
    POST   /api/invoices                 Import invoices
    GET    /api/invoices/{id}            One invoice
    GET    /api/customers/{nit}/invoices Customer statement

  Other:
    GET    /api/policy                   Effective allocation policy
    GET    /healthz                      Liveness

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store: SQLite store (invoices, runs, results)
  - Runner: the orchestrator
  - Policy and Clock: for due dates and overdue flags shown to clients

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Run already completed or in progress, invariant violation
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/emes/credit-reconciler/credit"
	"github.com/emes/credit-reconciler/logging"
	"github.com/emes/credit-reconciler/normalize"
	"github.com/emes/credit-reconciler/reconcile"
	"github.com/emes/credit-reconciler/statement"
	"github.com/emes/credit-reconciler/store/sqlite"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Runner runs one settlement. *reconcile.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, date credit.Date, account credit.AccountType) (*reconcile.RunSummary, error)
}

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store  *sqlite.Store
	Runner Runner
	Policy credit.Policy
	Clock  credit.Clock

	logger *zap.Logger
}

// NewHandler creates a new handler. A nil clock uses the system clock.
func NewHandler(store *sqlite.Store, runner Runner, policy credit.Policy, clock credit.Clock, logger *zap.Logger) *Handler {
	if clock == nil {
		clock = credit.SystemClock{}
	}
	return &Handler{
		Store:  store,
		Runner: runner,
		Policy: policy,
		Clock:  clock,
		logger: logging.OrNop(logger),
	}
}

// =============================================================================
// RUN HANDLERS
// =============================================================================

// TriggerRun runs one settlement synchronously.
// POST /api/runs
func (h *Handler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	var req TriggerRunRequest
	if !decode(w, r, &req) {
		return
	}
	date, err := credit.ParseDate(credit.LayoutISO, req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
		return
	}
	account := credit.AccountType(req.AccountType)

	running, err := h.Store.IsRunInProgress(r.Context(), date, account)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to check previous runs", err)
		return
	}
	if running {
		writeError(w, http.StatusConflict, "Settlement already in progress for this date and account type", nil)
		return
	}

	ctx := r.Context()
	if req.Force {
		ctx = reconcile.ContextWithForce(ctx)
	} else {
		done, err := h.Store.IsRunComplete(ctx, date, account)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to check previous runs", err)
			return
		}
		if done {
			writeError(w, http.StatusConflict, "Settlement already completed for this date and account type", nil)
			return
		}
	}

	summary, err := h.Runner.Run(ctx, date, account)
	if err != nil {
		writeError(w, statusFor(err), "Settlement run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunSummaryDTO(summary))
}

// ListRuns returns run history, most recent first.
// GET /api/runs?status=completed
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	status := reconcile.RunStatus(r.URL.Query().Get("status"))
	switch status {
	case "", reconcile.RunRunning, reconcile.RunCompleted, reconcile.RunFailed:
	default:
		writeError(w, http.StatusBadRequest, "Unknown run status", nil)
		return
	}

	runs, err := h.Store.ListRuns(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list runs", err)
		return
	}
	if runs == nil {
		runs = []reconcile.RunRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// ListRunResults returns the payment results recorded for a run.
// GET /api/runs/{id}/results
func (h *Handler) ListRunResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := h.Store.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), "Run not found", err)
		return
	}
	results, err := h.Store.ListResults(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list results", err)
		return
	}
	if results == nil {
		results = []sqlite.ResultRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "results": results})
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

// ImportInvoices upserts invoices. Collection state of existing invoices
// is kept.
// POST /api/invoices
func (h *Handler) ImportInvoices(w http.ResponseWriter, r *http.Request) {
	var req ImportInvoicesRequest
	if !decode(w, r, &req) {
		return
	}

	invoices := make([]*credit.Invoice, 0, len(req.Invoices))
	for _, in := range req.Invoices {
		inv, err := in.toInvoice()
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid invoice", err)
			return
		}
		invoices = append(invoices, inv)
	}

	if err := h.Store.UpsertInvoices(r.Context(), invoices); err != nil {
		writeError(w, statusFor(err), "Failed to import invoices", err)
		return
	}
	h.logger.Info("invoices imported", zap.Int("count", len(invoices)))
	writeJSON(w, http.StatusCreated, map[string]any{"imported": len(invoices)})
}

// GetInvoice returns a single invoice.
// GET /api/invoices/{id}
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Store.GetInvoice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), "Invoice not found", err)
		return
	}
	inv.RefreshOverdue(h.Policy.Aging(h.Clock.Today()))
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv, h.Policy.GracePeriodDays))
}

// ListCustomerInvoices returns a customer's invoices and outstanding total.
// GET /api/customers/{nit}/invoices
func (h *Handler) ListCustomerInvoices(w http.ResponseWriter, r *http.Request) {
	nit := normalize.TaxID(chi.URLParam(r, "nit"))

	invoices, err := h.Store.ListInvoicesByTaxID(r.Context(), nit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list invoices", err)
		return
	}
	if len(invoices) == 0 {
		writeError(w, http.StatusNotFound, "Customer not found", nil)
		return
	}

	customer := credit.CustomerFromInvoice(invoices[0])
	aging := h.Policy.Aging(h.Clock.Today())
	dto := CustomerInvoicesDTO{
		TaxID:        customer.TaxID,
		Name:         customer.Name,
		CustomerType: string(customer.Type()),
		Outstanding:  decimal.Zero,
		Invoices:     make([]InvoiceDTO, 0, len(invoices)),
	}
	for _, inv := range invoices {
		inv.RefreshOverdue(aging)
		if inv.PaymentStatus != credit.StatusPaid {
			dto.Outstanding = dto.Outstanding.Add(inv.Outstanding())
		}
		dto.Invoices = append(dto.Invoices, toInvoiceDTO(inv, h.Policy.GracePeriodDays))
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// OTHER
// =============================================================================

// GetPolicy returns the allocation policy in effect.
// GET /api/policy
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, PolicyDTO{
		MinimumPaidFraction:   h.Policy.MinimumPaidFraction,
		MaximumTolerance:      h.Policy.MaximumTolerance,
		GracePeriodDays:       h.Policy.GracePeriodDays,
		MaximumInvoiceAgeDays: h.Policy.MaximumInvoiceAgeDays,
		OldestEligible:        h.Policy.OldestEligible(h.Clock.Today()),
	})
}

// Health pings the database.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads and validates a JSON body. On failure it writes the 400
// response and returns false.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case credit.IsValidation(err):
		return http.StatusBadRequest
	case credit.IsNotFound(err), errors.Is(err, statement.ErrStatementNotFound):
		return http.StatusNotFound
	case credit.IsInvariantViolation(err),
		errors.Is(err, reconcile.ErrRunInProgress),
		errors.Is(err, reconcile.ErrRunCompleted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
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
