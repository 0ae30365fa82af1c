package confirm

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ovopay/internal/common/events"
	"ovopay/internal/common/money"
	"ovopay/internal/payment"
	"ovopay/internal/receipt"
)

type scriptedStatuses struct {
	results []statusStep
	calls   int
}

type statusStep struct {
	res StatusResult
	err error
}

func (s *scriptedStatuses) Status(ctx context.Context, reference string) (StatusResult, error) {
	step := s.results[len(s.results)-1]
	if s.calls < len(s.results) {
		step = s.results[s.calls]
	}
	s.calls++
	return step.res, step.err
}

type fakeRecords struct {
	tx  *payment.Transaction
	err error
}

func (f *fakeRecords) GetByID(ctx context.Context, id string) (*payment.Transaction, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.tx, nil
}

type fakeSink struct {
	saved []*receipt.Receipt
	err   error
}

func (f *fakeSink) Save(ctx context.Context, r *receipt.Receipt) error {
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, r)
	return nil
}

type fakeWriter struct {
	failedRef string
	status    payment.Status
}

func (f *fakeWriter) UpdateStatus(ctx context.Context, reference string, status payment.Status, processorRef, message string) error {
	f.failedRef = reference
	f.status = status
	return nil
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

type recordingPublisher struct {
	published []*events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, event *events.Event) error {
	p.published = append(p.published, event)
	return nil
}

func completedTx() *payment.Transaction {
	return &payment.Transaction{
		ID:        "01HTX",
		UserID:    "user-1",
		Reference: "BILL-777",
		Category:  payment.CategoryBillPayment,
		Direction: payment.DirectionDebit,
		Amount:    money.New(250000, money.NGN),
		Status:    payment.StatusCompleted,
	}
}

func newTestPoller(statuses StatusSource, records RecordSource, sink ReceiptSink, writer StatusWriter, opts ...Option) *Poller {
	return newPublishingPoller(statuses, records, sink, writer, &recordingPublisher{}, opts...)
}

func newPublishingPoller(statuses StatusSource, records RecordSource, sink ReceiptSink, writer StatusWriter, pub events.Publisher, opts ...Option) *Poller {
	base := []Option{WithPollInterval(time.Millisecond)}
	return NewPoller(statuses, records, sink, writer, pub, silentLogger(), append(base, opts...)...)
}

func TestAwaitCompletesAndPersistsReceipt(t *testing.T) {
	statuses := &scriptedStatuses{results: []statusStep{
		{res: StatusResult{}},
		{res: StatusResult{Found: true, Reference: "BILL-777", Status: payment.StatusPending}},
		{res: StatusResult{Found: true, Reference: "BILL-777", Status: payment.StatusCompleted, TransactionID: "01HTX"}},
	}}
	sink := &fakeSink{}
	pub := &recordingPublisher{}
	p := newPublishingPoller(statuses, &fakeRecords{tx: completedTx()}, sink, &fakeWriter{}, pub)

	outcome, err := p.Await(context.Background(), "BILL-777")
	require.NoError(t, err)

	assert.Equal(t, payment.StatusCompleted, outcome.Status)
	assert.Equal(t, 3, outcome.Attempts)
	require.NotNil(t, outcome.Receipt)
	assert.Equal(t, receipt.TemplateUtility, outcome.Receipt.TemplateType)

	require.Len(t, sink.saved, 1, "receipt must be persisted before Await returns")
	assert.Equal(t, "01HTX", sink.saved[0].TransactionID)

	require.Len(t, pub.published, 1)
	assert.Equal(t, events.EventReceiptPersisted, pub.published[0].Type)
}

func TestAwaitExhaustsBudget(t *testing.T) {
	statuses := &scriptedStatuses{results: []statusStep{
		{res: StatusResult{Found: true, Reference: "BILL-778", Status: payment.StatusPending}},
	}}
	p := newTestPoller(statuses, &fakeRecords{}, &fakeSink{}, &fakeWriter{}, WithMaxAttempts(30))

	_, err := p.Await(context.Background(), "BILL-778")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 30, statuses.calls, "budget is exactly the configured attempt count")
}

func TestAwaitReferenceMismatchIsTerminal(t *testing.T) {
	statuses := &scriptedStatuses{results: []statusStep{
		{res: StatusResult{Found: true, Reference: "OTHER-999", Status: payment.StatusCompleted, TransactionID: "01HTX"}},
	}}
	writer := &fakeWriter{}
	p := newTestPoller(statuses, &fakeRecords{tx: completedTx()}, &fakeSink{}, writer)

	_, err := p.Await(context.Background(), "BILL-779")
	assert.ErrorIs(t, err, ErrReferenceMismatch)
	assert.Equal(t, 1, statuses.calls, "mismatch must not be retried")
	assert.Equal(t, "BILL-779", writer.failedRef)
	assert.Equal(t, payment.StatusFailed, writer.status)
}

func TestAwaitToleratesTransportErrors(t *testing.T) {
	statuses := &scriptedStatuses{results: []statusStep{
		{err: errors.New("connection refused")},
		{err: errors.New("connection refused")},
		{err: errors.New("connection refused")},
		{err: errors.New("connection refused")},
		{err: errors.New("connection refused")},
		{err: errors.New("connection refused")},
		{res: StatusResult{Found: true, Reference: "BILL-780", Status: payment.StatusFailed, Message: "declined"}},
	}}
	p := newTestPoller(statuses, &fakeRecords{}, &fakeSink{}, &fakeWriter{})

	outcome, err := p.Await(context.Background(), "BILL-780")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusFailed, outcome.Status)
	assert.Equal(t, "declined", outcome.Message)
	assert.Equal(t, 7, outcome.Attempts)
}

func TestAwaitCompletedWithoutIDKeepsPolling(t *testing.T) {
	statuses := &scriptedStatuses{results: []statusStep{
		{res: StatusResult{Found: true, Reference: "BILL-781", Status: payment.StatusCompleted}},
		{res: StatusResult{Found: true, Reference: "BILL-781", Status: payment.StatusCompleted, TransactionID: "01HTX"}},
	}}
	sink := &fakeSink{}
	p := newTestPoller(statuses, &fakeRecords{tx: completedTx()}, sink, &fakeWriter{})

	outcome, err := p.Await(context.Background(), "BILL-781")
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Attempts)
	assert.Len(t, sink.saved, 1)
}

func TestAwaitReceiptSaveFailureStillCompletes(t *testing.T) {
	statuses := &scriptedStatuses{results: []statusStep{
		{res: StatusResult{Found: true, Reference: "BILL-777", Status: payment.StatusCompleted, TransactionID: "01HTX"}},
	}}
	sink := &fakeSink{err: errors.New("disk full")}
	pub := &recordingPublisher{}
	p := newPublishingPoller(statuses, &fakeRecords{tx: completedTx()}, sink, &fakeWriter{}, pub)

	outcome, err := p.Await(context.Background(), "BILL-777")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCompleted, outcome.Status, "a settled payment is never un-completed by a receipt write failure")
	require.NotNil(t, outcome.Receipt)
	assert.Empty(t, pub.published, "no persisted event for a receipt that was not written")
}

func TestAwaitHonoursContextCancellation(t *testing.T) {
	statuses := &scriptedStatuses{results: []statusStep{
		{res: StatusResult{Found: true, Reference: "BILL-782", Status: payment.StatusPending}},
	}}
	p := NewPoller(statuses, &fakeRecords{}, &fakeSink{}, &fakeWriter{}, &recordingPublisher{}, silentLogger(),
		WithPollInterval(50*time.Millisecond), WithMaxAttempts(30))

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	_, err := p.Await(ctx, "BILL-782")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
