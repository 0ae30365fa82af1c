// Package receipt resolves completed transactions into displayable receipts
// and persists them.
package receipt

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"ovopay/internal/common/money"
	"ovopay/internal/payment"
)

// TemplateType selects which receipt layout a transaction renders with.
type TemplateType string

const (
	TemplateBetting          TemplateType = "betting"
	TemplateAirtime          TemplateType = "airtime"
	TemplateUtility          TemplateType = "utility"
	TemplateInternalTransfer TemplateType = "internal-transfer"
	TemplateExternalTransfer TemplateType = "external-transfer"
	TemplateMemoTransfer     TemplateType = "memo-transfer"
	TemplateUnknown          TemplateType = "unknown"
)

// referencePrefixes maps each template to its display reference prefix.
var referencePrefixes = map[TemplateType]string{
	TemplateBetting:          "BET",
	TemplateAirtime:          "AIR",
	TemplateUtility:          "BIL",
	TemplateInternalTransfer: "INT",
	TemplateExternalTransfer: "EXT",
	TemplateMemoTransfer:     "MEM",
	TemplateUnknown:          "TXN",
}

// Receipt is the resolved, display-ready record of a completed transaction.
type Receipt struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	UserID        string          `json:"user_id"`
	Reference     string          `json:"reference"`
	TemplateType  TemplateType    `json:"template_type"`
	Amount        money.Money     `json:"amount"`
	Fields        json.RawMessage `json:"fields,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// DetermineReceiptType is total: every transaction maps to some template,
// with unknown as the fallback.
func DetermineReceiptType(tx *payment.Transaction) TemplateType {
	meta := decodeMetadata(tx.Metadata)
	category := payment.Category(strings.ToLower(strings.TrimSpace(string(tx.Category))))

	// A betting service_type outranks the category: a betting wallet top-up
	// arrives as a transfer carrying service_type "betting".
	service, _ := lookupString(meta, "service_type")
	service = strings.ToLower(service)
	if strings.Contains(service, "bet") {
		return TemplateBetting
	}

	switch category {
	case payment.CategoryBetting:
		return TemplateBetting
	case payment.CategoryAirtime, "data":
		return TemplateAirtime
	case payment.CategoryTransfer:
		return transferTemplate(meta)
	}

	if service == "airtime" || service == "data" {
		return TemplateAirtime
	}
	if strings.HasPrefix(string(category), "bill") {
		return TemplateUtility
	}
	return TemplateUnknown
}

func transferTemplate(meta map[string]any) TemplateType {
	if msg, _ := lookupString(meta, "message"); msg != "" {
		return TemplateMemoTransfer
	}
	if internal, ok := meta["isInternal"].(bool); ok && internal {
		return TemplateInternalTransfer
	}
	if bankCode, _ := lookupString(meta, "bankCode"); bankCode == "" {
		return TemplateInternalTransfer
	}
	return TemplateExternalTransfer
}

// FormatReferenceID normalizes a raw reference for display: any leading
// three-letter prefix is replaced with the template's own. Formatting an
// already-formatted reference is a no-op.
func FormatReferenceID(raw string, template TemplateType) string {
	prefix := referencePrefixes[template]
	if prefix == "" {
		prefix = referencePrefixes[TemplateUnknown]
	}
	if strings.HasPrefix(raw, prefix+"-") {
		return raw
	}

	trimmed := raw
	if len(trimmed) >= 3 && isAlpha(trimmed[:3]) {
		trimmed = trimmed[3:]
		trimmed = strings.TrimPrefix(trimmed, "-")
	}
	return prefix + "-" + trimmed
}

func isAlpha(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

// TransactionAmount converts a stored minor-unit amount to its display value
// in major units.
func TransactionAmount(tx *payment.Transaction) float64 {
	if tx == nil {
		return 0
	}
	return tx.Amount.ToMajor()
}

// Resolve builds a receipt from a completed transaction, selecting the
// template and extracting its display fields from transaction metadata.
func Resolve(tx *payment.Transaction) *Receipt {
	template := DetermineReceiptType(tx)
	meta := decodeMetadata(tx.Metadata)

	fields := map[string]any{}
	pick := func(name string, keys ...string) {
		for _, key := range keys {
			if v, ok := lookupString(meta, key); ok && v != "" {
				fields[name] = v
				return
			}
		}
	}

	switch template {
	case TemplateBetting:
		pick("platform", "platform", "service_name", "biller")
		pick("account_id", "accountId", "account_id", "customerId")
	case TemplateAirtime:
		pick("network", "network", "biller")
		pick("phone", "phone", "phoneNumber", "msisdn")
		pick("plan", "plan", "bundle")
	case TemplateUtility:
		pick("biller", "biller", "service_name")
		pick("account_id", "accountId", "account_id", "meterNumber")
		pick("verified_name", "verifiedName", "customerName")
		pick("token", "token")
		pick("kct1", "KCT1")
		pick("kct2", "KCT2")
		pick("category", "category", "service_type")
	case TemplateInternalTransfer, TemplateMemoTransfer:
		pick("recipient_name", "recipientName", "beneficiaryName")
		pick("account_number", "accountNumber")
		fields["bank_name"] = "Ovomonie"
		if template == TemplateMemoTransfer {
			pick("message", "message", "memo")
		}
	case TemplateExternalTransfer:
		pick("recipient_name", "recipientName", "beneficiaryName")
		pick("bank_name", "bankName")
		pick("account_number", "accountNumber")
	}

	var raw json.RawMessage
	if len(fields) > 0 {
		raw, _ = json.Marshal(fields)
	}

	return &Receipt{
		ID:            ulid.Make().String(),
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		Reference:     FormatReferenceID(tx.Reference, template),
		TemplateType:  template,
		Amount:        tx.Amount,
		Fields:        raw,
		CreatedAt:     time.Now().UTC(),
	}
}

func decodeMetadata(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	meta := map[string]any{}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return map[string]any{}
	}
	return meta
}

// lookupString checks the metadata root first, then the nested party object.
func lookupString(meta map[string]any, key string) (string, bool) {
	if s, ok := meta[key].(string); ok {
		return s, true
	}
	if party, ok := meta["party"].(map[string]any); ok {
		if s, ok := party[key].(string); ok {
			return s, true
		}
	}
	return "", false
}
