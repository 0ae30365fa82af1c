// Package confirm runs server-side confirmation sessions: it watches a
// transaction until it settles, resolves the receipt, and persists it before
// reporting the final state.
package confirm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"ovopay/internal/common/database"
	"ovopay/internal/common/events"
	"ovopay/internal/payment"
	"ovopay/internal/receipt"
)

var (
	// ErrTimeout is returned when the polling budget is spent without a
	// terminal status.
	ErrTimeout = errors.New("confirmation timed out")
	// ErrReferenceMismatch is returned when the status source answers for a
	// different reference than the one asked about.
	ErrReferenceMismatch = errors.New("status reference does not match requested reference")
)

// consecutiveErrorWarn is the transport-failure streak that triggers a
// degraded-source warning. Polling continues either way.
const consecutiveErrorWarn = 5

// StatusResult is one status observation for a reference.
type StatusResult struct {
	Found         bool
	Reference     string
	Status        payment.Status
	TransactionID string
	Message       string
}

// StatusSource answers status lookups by reference. A missing transaction is
// reported via Found, not an error; errors mean the source itself failed.
type StatusSource interface {
	Status(ctx context.Context, reference string) (StatusResult, error)
}

// RecordSource loads the full transaction once a terminal status is seen.
type RecordSource interface {
	GetByID(ctx context.Context, id string) (*payment.Transaction, error)
}

// ReceiptSink persists a resolved receipt.
type ReceiptSink interface {
	Save(ctx context.Context, r *receipt.Receipt) error
}

// StatusWriter marks a transaction failed when confirmation detects a
// terminal inconsistency.
type StatusWriter interface {
	UpdateStatus(ctx context.Context, reference string, status payment.Status, processorRef, message string) error
}

// Outcome is the result of a finished confirmation session.
type Outcome struct {
	Status      payment.Status
	Transaction *payment.Transaction
	Receipt     *receipt.Receipt
	Message     string
	Attempts    int
}

// Poller runs confirmation sessions against a status source.
type Poller struct {
	statuses  StatusSource
	records   RecordSource
	receipts  ReceiptSink
	writer    StatusWriter
	publisher events.Publisher
	logger    *slog.Logger

	interval    time.Duration
	maxAttempts int
}

// Option configures a Poller.
type Option func(*Poller)

// WithPollInterval overrides the delay between status checks.
func WithPollInterval(d time.Duration) Option {
	return func(p *Poller) { p.interval = d }
}

// WithMaxAttempts overrides the polling budget.
func WithMaxAttempts(n int) Option {
	return func(p *Poller) { p.maxAttempts = n }
}

// NewPoller creates a confirmation poller. Defaults: one-second interval,
// thirty attempts.
func NewPoller(statuses StatusSource, records RecordSource, receipts ReceiptSink, writer StatusWriter, publisher events.Publisher, logger *slog.Logger, opts ...Option) *Poller {
	p := &Poller{
		statuses:    statuses,
		records:     records,
		receipts:    receipts,
		writer:      writer,
		publisher:   publisher,
		logger:      logger,
		interval:    time.Second,
		maxAttempts: 30,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Await polls until the transaction behind reference reaches a terminal
// status, the budget runs out, or ctx is cancelled. On completion the receipt
// is resolved and persisted before Await returns; the caller never sees a
// completed outcome whose receipt write is still in flight.
func (p *Poller) Await(ctx context.Context, reference string) (*Outcome, error) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	consecutiveErrs := 0

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		res, err := p.statuses.Status(ctx, reference)
		if err != nil {
			consecutiveErrs++
			if consecutiveErrs == consecutiveErrorWarn {
				p.logger.Warn("status source degraded, continuing to poll",
					"reference", reference, "consecutive_errors", consecutiveErrs, "error", err)
			}
			continue
		}
		consecutiveErrs = 0

		if !res.Found {
			// The log write can lag the charge; keep polling.
			continue
		}

		if res.Reference != "" && res.Reference != reference {
			msg := "confirmation aborted: status response was for a different transaction"
			p.logger.Error("reference mismatch during confirmation",
				"requested", reference, "received", res.Reference)
			if p.writer != nil {
				if err := p.writer.UpdateStatus(ctx, reference, payment.StatusFailed, "", msg); err != nil {
					p.logger.Warn("failed to mark mismatched transaction failed", "reference", reference, "error", err)
				}
			}
			return nil, ErrReferenceMismatch
		}

		switch res.Status {
		case payment.StatusFailed, payment.StatusCancelled:
			return &Outcome{Status: res.Status, Message: res.Message, Attempts: attempt}, nil

		case payment.StatusCompleted:
			if res.TransactionID == "" {
				// Completed without an id is not trustworthy yet.
				continue
			}
			outcome, ok := p.finish(ctx, res, attempt)
			if !ok {
				continue
			}
			return outcome, nil
		}
	}

	return nil, ErrTimeout
}

// finish loads the settled record, resolves its receipt, and persists it.
// A record load failure keeps the session polling; a receipt write failure
// is logged but does not un-complete a settled payment.
func (p *Poller) finish(ctx context.Context, res StatusResult, attempt int) (*Outcome, bool) {
	record, err := p.records.GetByID(ctx, res.TransactionID)
	if err != nil {
		p.logger.Warn("completed transaction not yet readable",
			"transaction_id", res.TransactionID, "error", err)
		return nil, false
	}

	r := receipt.Resolve(record)
	if err := p.receipts.Save(ctx, r); err != nil {
		p.logger.Error("failed to persist receipt",
			"transaction_id", record.ID, "reference", record.Reference, "error", err)
	} else {
		receipt.NotifyPersisted(ctx, p.publisher, p.logger, r)
	}

	p.logger.Info("confirmation session completed",
		"reference", record.Reference, "amount", record.Amount.String(), "attempts", attempt)

	return &Outcome{
		Status:      payment.StatusCompleted,
		Transaction: record,
		Receipt:     r,
		Message:     res.Message,
		Attempts:    attempt,
	}, true
}

// StatusGetter resolves the current transaction state for a reference,
// reconciling against the gateway where the implementation supports it.
type StatusGetter interface {
	Status(ctx context.Context, reference string) (*payment.Transaction, error)
}

// TransactionStatusSource adapts the payment service into a StatusSource.
type TransactionStatusSource struct {
	payments StatusGetter
}

// NewTransactionStatusSource wraps the payment service for confirmation
// polling.
func NewTransactionStatusSource(payments StatusGetter) *TransactionStatusSource {
	return &TransactionStatusSource{payments: payments}
}

// Status looks up the current transaction state by reference.
func (s *TransactionStatusSource) Status(ctx context.Context, reference string) (StatusResult, error) {
	tx, err := s.payments.Status(ctx, reference)
	if err != nil {
		if database.IsNotFound(err) {
			return StatusResult{}, nil
		}
		return StatusResult{}, err
	}
	return StatusResult{
		Found:         true,
		Reference:     tx.Reference,
		Status:        tx.Status,
		TransactionID: tx.ID,
		Message:       tx.Message,
	}, nil
}
