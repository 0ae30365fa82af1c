package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"ovopay/internal/common/database"
	"ovopay/internal/common/events"
	"ovopay/internal/common/middleware"
	"ovopay/internal/common/money"
	"ovopay/internal/vfd"
)

var (
	// ErrInvalidCategory is returned for categories the router does not know.
	ErrInvalidCategory = errors.New("invalid payment category")
	// ErrMissingCardDetails is returned when a card funding request lacks card fields.
	ErrMissingCardDetails = errors.New("card details are required for card funding")
	// ErrNotOwner is returned when a user acts on someone else's transaction.
	ErrNotOwner = errors.New("transaction does not belong to user")
	// ErrAlreadyFinal is returned when an OTP step targets a settled transaction.
	ErrAlreadyFinal = errors.New("transaction is already in a terminal state")
)

// Processor is the subset of the card gateway the orchestrator needs.
type Processor interface {
	InitiateCardPayment(ctx context.Context, req vfd.InitiateCardPaymentRequest) vfd.CallResult
	ValidateOTP(ctx context.Context, reference, otp string) vfd.CallResult
	PaymentDetails(ctx context.Context, reference string) vfd.CallResult
}

// Service routes payments to the right settlement path and keeps the
// transaction log consistent with gateway outcomes.
type Service struct {
	store     Store
	processor Processor
	publisher events.Publisher
	logger    *slog.Logger
}

// NewService creates the payment orchestrator.
func NewService(store Store, processor Processor, publisher events.Publisher, logger *slog.Logger) *Service {
	return &Service{store: store, processor: processor, publisher: publisher, logger: logger}
}

// Process is the single entry point for a payment step: an empty otp starts
// a new payment, a non-empty otp continues a pending card charge.
func (s *Service) Process(ctx context.Context, userID string, req Request, otp string) (*Response, error) {
	if otp != "" {
		return s.ValidateOTP(ctx, userID, req.Reference, otp)
	}
	return s.Initiate(ctx, userID, req)
}

// Initiate starts a payment. Card funding goes through the card gateway;
// every other category is logged as a pending internal-balance transaction
// for downstream settlement.
func (s *Service) Initiate(ctx context.Context, userID string, req Request) (*Response, error) {
	if !req.Category.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCategory, req.Category)
	}

	if req.Category == CategoryCardFunding {
		return s.initiateCard(ctx, userID, req)
	}
	return s.initiateInternal(ctx, userID, req)
}

func (s *Service) initiateCard(ctx context.Context, userID string, req Request) (*Response, error) {
	if req.CardNumber == "" || req.CVV == "" || req.ExpiryDate == "" {
		return nil, ErrMissingCardDetails
	}

	tx := s.newTransaction(userID, req, GatewayVFD)
	if err := s.store.Create(ctx, tx); err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			return nil, err
		}
		// The charge must not be blocked by a log write; the confirmation
		// flow reconciles against the gateway by reference.
		s.logger.Warn("failed to log transaction before charge", "reference", req.Reference, "error", err)
	}

	s.publish(ctx, events.EventPaymentInitiated, tx.ID, events.PaymentInitiatedData{
		UserID:      userID,
		Reference:   req.Reference,
		Category:    string(req.Category),
		AmountMinor: int64(req.Amount),
		Gateway:     GatewayVFD,
	})

	res := s.processor.InitiateCardPayment(ctx, vfd.InitiateCardPaymentRequest{
		Reference:      req.Reference,
		Amount:         req.Amount,
		CardNumber:     req.CardNumber,
		CardPIN:        req.PIN,
		CVV:            req.CVV,
		ExpiryDate:     req.ExpiryDate,
		ShouldTokenize: true,
	})

	switch {
	case res.RequiresOTP():
		s.setStatus(ctx, req.Reference, StatusProcessing, res.Code(), "awaiting OTP")
		s.publish(ctx, events.EventOTPRequired, tx.ID, events.PaymentInitiatedData{
			UserID:      userID,
			Reference:   req.Reference,
			Category:    string(req.Category),
			AmountMinor: int64(req.Amount),
			Gateway:     GatewayVFD,
		})
		return &Response{
			Success:      false,
			Reference:    req.Reference,
			Status:       StatusProcessing,
			Message:      "An OTP has been sent to complete this payment.",
			RequiresOTP:  true,
			OTPReference: req.Reference,
		}, nil

	case res.RequiresRedirect():
		// Server-side flow cannot follow a 3-D Secure redirect.
		msg := "This card requires 3-D Secure verification, which is not supported. Please use a different card."
		s.setStatus(ctx, req.Reference, StatusFailed, res.Code(), msg)
		s.publishFailed(ctx, userID, tx, msg)
		return &Response{Success: false, Reference: req.Reference, Status: StatusFailed, Message: msg}, nil

	case res.OK && (res.Code() == "00" || res.Code() == ""):
		// The gateway accepted the charge; settlement is asynchronous. The
		// confirmation flow reconciles the final state by reference.
		s.setStatus(ctx, req.Reference, StatusPending, res.Code(), "Card payment initiated")
		s.publish(ctx, events.EventPaymentPending, tx.ID, events.PaymentInitiatedData{
			UserID:      userID,
			Reference:   req.Reference,
			Category:    string(req.Category),
			AmountMinor: int64(req.Amount),
			Gateway:     GatewayVFD,
		})
		return &Response{
			Success:   false,
			Reference: req.Reference,
			Status:    StatusPending,
			Message:   "Card payment initiated.",
		}, nil

	default:
		msg := vfd.MapFailureMessage(res.Message())
		s.setStatus(ctx, req.Reference, StatusFailed, res.Code(), msg)
		s.publishFailed(ctx, userID, tx, msg)
		return &Response{Success: false, Reference: req.Reference, Status: StatusFailed, Message: msg}, nil
	}
}

func (s *Service) initiateInternal(ctx context.Context, userID string, req Request) (*Response, error) {
	tx := s.newTransaction(userID, req, GatewayInternal)
	if err := s.store.Create(ctx, tx); err != nil {
		return nil, err
	}

	s.publish(ctx, events.EventPaymentInitiated, tx.ID, events.PaymentInitiatedData{
		UserID:      userID,
		Reference:   req.Reference,
		Category:    string(req.Category),
		AmountMinor: int64(req.Amount),
		Gateway:     GatewayInternal,
	})
	s.publish(ctx, events.EventPaymentPending, tx.ID, events.PaymentInitiatedData{
		UserID:      userID,
		Reference:   req.Reference,
		Category:    string(req.Category),
		AmountMinor: int64(req.Amount),
		Gateway:     GatewayInternal,
	})

	// Success is reserved for completed settlements; a pending log entry is
	// not one yet.
	return &Response{
		Success:   false,
		Reference: req.Reference,
		Status:    StatusPending,
		Message:   "Payment is being processed.",
	}, nil
}

// ValidateOTP continues a card charge that asked for a one-time password.
func (s *Service) ValidateOTP(ctx context.Context, userID, reference, otp string) (*Response, error) {
	tx, err := s.store.GetByReference(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("load transaction: %w", err)
	}
	if tx.UserID != userID {
		return nil, ErrNotOwner
	}
	if tx.Status.Terminal() {
		return nil, ErrAlreadyFinal
	}

	res := s.processor.ValidateOTP(ctx, reference, otp)

	if res.OK && (res.Code() == "00" || res.Code() == "") {
		s.setStatus(ctx, reference, StatusCompleted, res.Code(), res.Message())
		s.publish(ctx, events.EventPaymentCompleted, tx.ID, events.PaymentCompletedData{
			UserID:      userID,
			Reference:   reference,
			Category:    string(tx.Category),
			AmountMinor: tx.Amount.AmountMinor,
			CompletedAt: time.Now().UTC(),
		})
		return &Response{
			Success:   true,
			Reference: reference,
			Status:    StatusCompleted,
			Message:   "Payment completed successfully.",
		}, nil
	}

	msg := vfd.MapFailureMessage(res.Message())
	s.setStatus(ctx, reference, StatusFailed, res.Code(), msg)
	s.publishFailed(ctx, userID, tx, msg)
	return &Response{Success: false, Reference: reference, Status: StatusFailed, Message: msg}, nil
}

// Status returns a transaction's current state by reference. A non-terminal
// card transaction is reconciled against the gateway first, so a charge that
// settled out-of-band is picked up without waiting for a callback.
func (s *Service) Status(ctx context.Context, reference string) (*Transaction, error) {
	tx, err := s.store.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if tx.Gateway != GatewayVFD || tx.Status.Terminal() {
		return tx, nil
	}

	res := s.processor.PaymentDetails(ctx, reference)
	if !res.OK {
		return tx, nil
	}

	// A details payload for a different reference must never settle this
	// transaction.
	if ref, ok := detailsReference(res); ok && ref != reference {
		s.logger.Error("gateway details reference mismatch", "requested", reference, "received", ref)
		return tx, nil
	}

	switch gatewayStatus(res) {
	case "successful", "completed", "00":
		s.setStatus(ctx, reference, StatusCompleted, res.Code(), res.Message())
		tx.Status = StatusCompleted
		s.publish(ctx, events.EventPaymentCompleted, tx.ID, events.PaymentCompletedData{
			UserID:      tx.UserID,
			Reference:   reference,
			Category:    string(tx.Category),
			AmountMinor: tx.Amount.AmountMinor,
			CompletedAt: time.Now().UTC(),
		})
	case "failed", "declined":
		msg := vfd.MapFailureMessage(res.Message())
		s.setStatus(ctx, reference, StatusFailed, res.Code(), msg)
		tx.Status = StatusFailed
		tx.Message = msg
		s.publishFailed(ctx, tx.UserID, tx, msg)
	}
	return tx, nil
}

// detailsReference pulls the transaction reference out of a gateway details
// payload, whatever shape it arrives in.
func detailsReference(res vfd.CallResult) (string, bool) {
	if data, ok := res.Data["data"].(map[string]any); ok {
		if s, ok := data["reference"].(string); ok {
			return s, true
		}
		if s, ok := data["transactionRef"].(string); ok {
			return s, true
		}
	}
	if s, ok := res.Data["reference"].(string); ok {
		return s, true
	}
	return "", false
}

func gatewayStatus(res vfd.CallResult) string {
	if data, ok := res.Data["data"].(map[string]any); ok {
		if s, ok := data["status"].(string); ok {
			return strings.ToLower(s)
		}
		if s, ok := data["transactionStatus"].(string); ok {
			return strings.ToLower(s)
		}
	}
	if s, ok := res.Data["status"].(string); ok {
		return strings.ToLower(s)
	}
	return ""
}

// Get returns a transaction by ID.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.GetByID(ctx, id)
}

// List returns a page of a user's transactions.
func (s *Service) List(ctx context.Context, userID string, limit, offset int) ([]*Transaction, int, error) {
	return s.store.ListByUser(ctx, userID, limit, offset)
}

func (s *Service) newTransaction(userID string, req Request, gateway string) *Transaction {
	now := time.Now().UTC()
	var metadata json.RawMessage
	if len(req.Metadata) > 0 {
		metadata, _ = json.Marshal(req.Metadata)
	}
	return &Transaction{
		ID:        ulid.Make().String(),
		UserID:    userID,
		Reference: req.Reference,
		Category:  req.Category,
		Direction: DirectionDebit,
		Amount:    money.New(int64(req.Amount), money.NGN),
		Status:    StatusPending,
		Gateway:   gateway,
		Narration: req.Narration,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// setStatus records a status transition. Failures are logged and swallowed:
// the gateway outcome already happened and must be reported to the caller.
func (s *Service) setStatus(ctx context.Context, reference string, status Status, processorRef, message string) {
	if err := s.store.UpdateStatus(ctx, reference, status, processorRef, message); err != nil {
		s.logger.Warn("failed to update transaction status",
			"reference", reference, "status", status, "error", err)
	}
}

// publish emits a best-effort domain event. Event delivery never affects a
// payment outcome.
func (s *Service) publish(ctx context.Context, eventType, aggregateID string, data any) {
	event, err := events.NewEvent(eventType, "transaction", aggregateID, data)
	if err != nil {
		s.logger.Warn("failed to build event", "type", eventType, "error", err)
		return
	}
	event.WithCorrelation(middleware.GetCorrelationID(ctx))
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish event", "type", eventType, "error", err)
	}
}

func (s *Service) publishFailed(ctx context.Context, userID string, tx *Transaction, reason string) {
	s.publish(ctx, events.EventPaymentFailed, tx.ID, events.PaymentFailedData{
		UserID:    userID,
		Reference: tx.Reference,
		Category:  string(tx.Category),
		Reason:    reason,
	})
}
