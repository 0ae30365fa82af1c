package receipt

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ovopay/internal/common/money"
	"ovopay/internal/payment"
)

func tx(category payment.Category, amount money.Kobo, meta map[string]any) *payment.Transaction {
	var raw json.RawMessage
	if meta != nil {
		raw, _ = json.Marshal(meta)
	}
	return &payment.Transaction{
		ID:        "01HTEST",
		UserID:    "user-1",
		Reference: "TXN-12345",
		Category:  category,
		Direction: payment.DirectionDebit,
		Amount:    money.New(int64(amount), money.NGN),
		Status:    payment.StatusCompleted,
		Metadata:  raw,
	}
}

func TestDetermineReceiptTypeIsTotal(t *testing.T) {
	cases := []struct {
		name     string
		tx       *payment.Transaction
		expected TemplateType
	}{
		{"betting category", tx(payment.CategoryBetting, 1000, nil), TemplateBetting},
		{"airtime category", tx(payment.CategoryAirtime, 1000, nil), TemplateAirtime},
		{"bill payment", tx(payment.CategoryBillPayment, 1000, nil), TemplateUtility},
		{"bill with betting service", tx(payment.CategoryBillPayment, 1000, map[string]any{"service_type": "sports_betting"}), TemplateBetting},
		{"transfer with betting service", tx(payment.CategoryTransfer, 1000, map[string]any{"service_type": "betting", "bankCode": "058"}), TemplateBetting},
		{"data category", tx(payment.Category("data"), 1000, nil), TemplateAirtime},
		{"mixed-case category", tx(payment.Category(" Airtime "), 1000, nil), TemplateAirtime},
		{"bill with data service", tx(payment.CategoryBillPayment, 1000, map[string]any{"service_type": "data"}), TemplateAirtime},
		{"internal transfer flag", tx(payment.CategoryTransfer, 1000, map[string]any{"isInternal": true}), TemplateInternalTransfer},
		{"transfer without bank code", tx(payment.CategoryTransfer, 1000, nil), TemplateInternalTransfer},
		{"external transfer", tx(payment.CategoryTransfer, 1000, map[string]any{"bankCode": "058"}), TemplateExternalTransfer},
		{"memo transfer", tx(payment.CategoryTransfer, 1000, map[string]any{"bankCode": "058", "message": "rent"}), TemplateMemoTransfer},
		{"card funding falls through", tx(payment.CategoryCardFunding, 1000, nil), TemplateUnknown},
		{"shopping falls through", tx(payment.CategoryShopping, 1000, nil), TemplateUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, DetermineReceiptType(tc.tx))
		})
	}
}

func TestFormatReferenceID(t *testing.T) {
	assert.Equal(t, "BIL-12345", FormatReferenceID("TXN-12345", TemplateUtility))
	assert.Equal(t, "BIL-12345", FormatReferenceID("TXN12345", TemplateUtility))
	assert.Equal(t, "BET-777", FormatReferenceID("777", TemplateBetting))
	assert.Equal(t, "TXN-999", FormatReferenceID("999", TemplateUnknown))

	// Already-formatted references are untouched.
	assert.Equal(t, "BIL-99", FormatReferenceID("BIL-99", TemplateUtility))
	formatted := FormatReferenceID("ABC-555", TemplateExternalTransfer)
	assert.Equal(t, formatted, FormatReferenceID(formatted, TemplateExternalTransfer))
}

func TestTransactionAmount(t *testing.T) {
	assert.Equal(t, 1500.0, TransactionAmount(tx(payment.CategoryBillPayment, 150000, nil)))
	assert.Equal(t, 0.0, TransactionAmount(nil))
}

func TestResolveUtilityReceipt(t *testing.T) {
	transaction := tx(payment.CategoryBillPayment, 150000, map[string]any{
		"biller":       "Ikeja Electric",
		"service_type": "electricity",
		"token":        "1234-5678-9012",
		"party": map[string]any{
			"accountId":    "04123456789",
			"verifiedName": "ADA OBI",
		},
	})

	r := Resolve(transaction)

	assert.Equal(t, TemplateUtility, r.TemplateType)
	assert.Equal(t, "BIL-12345", r.Reference)
	assert.Equal(t, money.New(150000, money.NGN), r.Amount)
	assert.Equal(t, "01HTEST", r.TransactionID)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(r.Fields, &fields))
	assert.Equal(t, "Ikeja Electric", fields["biller"])
	assert.Equal(t, "04123456789", fields["account_id"], "party fields back fill missing root keys")
	assert.Equal(t, "ADA OBI", fields["verified_name"])
	assert.Equal(t, "1234-5678-9012", fields["token"])
	assert.Equal(t, "electricity", fields["category"])
}

func TestResolveInternalTransferBankName(t *testing.T) {
	transaction := tx(payment.CategoryTransfer, 500000, map[string]any{
		"recipientName": "Chidi Eze",
		"accountNumber": "0099887766",
	})

	r := Resolve(transaction)

	assert.Equal(t, TemplateInternalTransfer, r.TemplateType)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(r.Fields, &fields))
	assert.Equal(t, "Ovomonie", fields["bank_name"])
	assert.Equal(t, "Chidi Eze", fields["recipient_name"])
}
