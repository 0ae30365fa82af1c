// Package api exposes the payment, transaction, and receipt HTTP surface.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ovopay/internal/common/api"
	"ovopay/internal/common/database"
	"ovopay/internal/common/events"
	"ovopay/internal/common/middleware"
	"ovopay/internal/confirm"
	"ovopay/internal/payment"
	"ovopay/internal/receipt"
)

// Handler handles payment and receipt HTTP requests.
type Handler struct {
	payments  *payment.Service
	receipts  receipt.Store
	poller    *confirm.Poller
	publisher events.Publisher
	logger    *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(payments *payment.Service, receipts receipt.Store, poller *confirm.Poller, publisher events.Publisher, logger *slog.Logger) *Handler {
	return &Handler{payments: payments, receipts: receipts, poller: poller, publisher: publisher, logger: logger}
}

// Routes returns the authenticated API routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/payments", h.ProcessPayment)
	r.Post("/payments/{reference}/confirm", h.ConfirmPayment)

	r.Get("/transactions", h.ListTransactions)
	r.Get("/transactions/status", h.TransactionStatus)
	r.Get("/transactions/{id}", h.GetTransaction)

	r.Post("/receipts", h.SaveReceipt)
	r.Get("/receipts/{reference}", h.GetReceipt)

	return r
}

// ProcessPaymentRequest is the API request for initiating or continuing a
// payment. A non-empty otp continues the pending charge for reference.
type ProcessPaymentRequest struct {
	payment.Request
	OTP string `json:"otp,omitempty" validate:"omitempty,min=4,max=8"`
}

// ProcessPayment handles POST /payments.
func (h *Handler) ProcessPayment(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req ProcessPaymentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	resp, err := h.payments.Process(r.Context(), userID, req.Request, req.OTP)
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrInvalidCategory),
			errors.Is(err, payment.ErrMissingCardDetails):
			api.BadRequest(w, err.Error())
		case errors.Is(err, database.ErrAlreadyExists):
			api.Conflict(w, "a payment with this reference already exists")
		case errors.Is(err, payment.ErrAlreadyFinal):
			api.Conflict(w, "this payment has already been finalized")
		case errors.Is(err, payment.ErrNotOwner), database.IsNotFound(err):
			api.NotFound(w, "transaction not found")
		default:
			api.InternalError(w, "failed to process payment")
		}
		return
	}

	api.WriteData(w, http.StatusOK, resp)
}

// ConfirmOutcomeResponse is the API response for a confirmation session.
type ConfirmOutcomeResponse struct {
	Status      string               `json:"status"`
	Message     string               `json:"message,omitempty"`
	Transaction *payment.Transaction `json:"transaction,omitempty"`
	Receipt     *receipt.Receipt     `json:"receipt,omitempty"`
}

// ConfirmPayment handles POST /payments/{reference}/confirm. It blocks until
// the transaction settles, the polling budget runs out, or the client goes
// away.
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	reference := chi.URLParam(r, "reference")

	tx, err := h.payments.Status(r.Context(), reference)
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "transaction not found")
			return
		}
		api.InternalError(w, "failed to load transaction")
		return
	}
	if tx.UserID != userID {
		api.NotFound(w, "transaction not found")
		return
	}

	outcome, err := h.poller.Await(r.Context(), reference)
	if err != nil {
		switch {
		case errors.Is(err, confirm.ErrTimeout):
			api.WriteData(w, http.StatusAccepted, ConfirmOutcomeResponse{
				Status:  "pending",
				Message: "This payment is taking longer than expected. Check back shortly.",
			})
		case errors.Is(err, confirm.ErrReferenceMismatch):
			api.WriteError(w, http.StatusConflict, api.ErrCodePaymentFailed,
				"confirmation aborted: transaction reference mismatch")
		default:
			api.InternalError(w, "confirmation failed")
		}
		return
	}

	resp := ConfirmOutcomeResponse{
		Status:      string(outcome.Status),
		Message:     outcome.Message,
		Transaction: outcome.Transaction,
		Receipt:     outcome.Receipt,
	}
	api.WriteData(w, http.StatusOK, resp)
}

// TransactionStatusResponse is the status projection for a reference.
type TransactionStatusResponse struct {
	Status      string               `json:"status"`
	Transaction *payment.Transaction `json:"transaction,omitempty"`
}

// TransactionStatus handles GET /transactions/status?reference=.
func (h *Handler) TransactionStatus(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	reference := r.URL.Query().Get("reference")
	if reference == "" {
		api.BadRequest(w, "reference query parameter required")
		return
	}

	tx, err := h.payments.Status(r.Context(), reference)
	if err != nil {
		if database.IsNotFound(err) {
			api.WriteData(w, http.StatusOK, TransactionStatusResponse{Status: "not_found"})
			return
		}
		api.InternalError(w, "failed to load transaction")
		return
	}
	if tx.UserID != userID {
		api.WriteData(w, http.StatusOK, TransactionStatusResponse{Status: "not_found"})
		return
	}

	api.WriteData(w, http.StatusOK, TransactionStatusResponse{
		Status:      projectStatus(tx.Status),
		Transaction: tx,
	})
}

// projectStatus collapses the transaction lifecycle into the coarse states
// confirmation clients act on.
func projectStatus(status payment.Status) string {
	switch status {
	case payment.StatusCompleted:
		return "completed"
	case payment.StatusFailed, payment.StatusCancelled:
		return "failed"
	default:
		return "processing"
	}
}

// GetTransaction handles GET /transactions/{id}.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	tx, err := h.payments.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "transaction not found")
			return
		}
		api.InternalError(w, "failed to load transaction")
		return
	}
	if tx.UserID != userID {
		api.NotFound(w, "transaction not found")
		return
	}

	api.WriteData(w, http.StatusOK, tx)
}

// ListTransactions handles GET /transactions.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	params := api.GetPaginationParams(r, 20, 100)

	txs, total, err := h.payments.List(r.Context(), userID, params.Limit, params.Offset)
	if err != nil {
		api.InternalError(w, "failed to list transactions")
		return
	}

	api.WritePaginated(w, txs, &api.Pagination{
		Limit:   params.Limit,
		Offset:  params.Offset,
		Total:   int64(total),
		HasMore: params.Offset+len(txs) < total,
	})
}

// SaveReceiptRequest is the API request for resolving and persisting a
// receipt for a settled transaction.
type SaveReceiptRequest struct {
	TransactionID string `json:"transaction_id" validate:"required"`
}

// SaveReceipt handles POST /receipts.
func (h *Handler) SaveReceipt(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req SaveReceiptRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	tx, err := h.payments.Get(r.Context(), req.TransactionID)
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "transaction not found")
			return
		}
		api.InternalError(w, "failed to load transaction")
		return
	}
	if tx.UserID != userID {
		api.NotFound(w, "transaction not found")
		return
	}
	if tx.Status != payment.StatusCompleted {
		api.BadRequest(w, "receipts can only be generated for completed transactions")
		return
	}

	rec := receipt.Resolve(tx)
	if err := h.receipts.Save(r.Context(), rec); err != nil {
		api.InternalError(w, "failed to save receipt")
		return
	}
	receipt.NotifyPersisted(r.Context(), h.publisher, h.logger, rec)

	api.WriteData(w, http.StatusCreated, rec)
}

// GetReceipt handles GET /receipts/{reference}.
func (h *Handler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	rec, err := h.receipts.GetByReference(r.Context(), chi.URLParam(r, "reference"))
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "receipt not found")
			return
		}
		api.InternalError(w, "failed to load receipt")
		return
	}
	if rec.UserID != userID {
		api.NotFound(w, "receipt not found")
		return
	}

	api.WriteData(w, http.StatusOK, rec)
}
