// Package payment orchestrates payment initiation, OTP continuation, and
// transaction logging across gateways.
package payment

import (
	"encoding/json"
	"time"

	"ovopay/internal/common/money"
)

// Category classifies what a payment is for. Only card funding reaches the
// card gateway; every other category settles against internal balance.
type Category string

const (
	CategoryCardFunding  Category = "card_funding"
	CategoryBillPayment  Category = "bill_payment"
	CategoryAirtime      Category = "airtime"
	CategoryBetting      Category = "betting"
	CategoryLoanPayment  Category = "loan_payment"
	CategoryTransfer     Category = "transfer"
	CategoryShopping     Category = "shopping"
	CategoryFoodDelivery Category = "food_delivery"
	CategoryRide         Category = "ride"
	CategoryFlight       Category = "flight"
	CategoryHotel        Category = "hotel"
)

// Valid reports whether the category is one this service knows how to route.
func (c Category) Valid() bool {
	switch c {
	case CategoryCardFunding, CategoryBillPayment, CategoryAirtime, CategoryBetting,
		CategoryLoanPayment, CategoryTransfer, CategoryShopping, CategoryFoodDelivery,
		CategoryRide, CategoryFlight, CategoryHotel:
		return true
	}
	return false
}

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether a transaction in this status can still change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Gateway names the settlement path a transaction took.
const (
	GatewayVFD      = "VFD"
	GatewayInternal = "INTERNAL"
)

// Direction marks which way money moves relative to the user.
type Direction string

const (
	DirectionDebit  Direction = "debit"
	DirectionCredit Direction = "credit"
)

// Request carries a payment initiation. Amount is in kobo. Card fields are
// required only for card funding and are never persisted.
type Request struct {
	Reference string     `json:"reference" validate:"required,min=6,max=64"`
	Category  Category   `json:"category" validate:"required"`
	Amount    money.Kobo `json:"amount" validate:"required,gt=0"`
	Email     string     `json:"email" validate:"omitempty,email"`
	Narration string     `json:"narration" validate:"max=200"`

	CardNumber string `json:"card_number,omitempty" validate:"omitempty,min=12,max=19"`
	ExpiryDate string `json:"expiry_date,omitempty" validate:"omitempty,len=4,numeric"` // yymm, e.g. "2512"
	CVV        string `json:"cvv,omitempty" validate:"omitempty,min=3,max=4"`
	PIN        string `json:"pin,omitempty" validate:"omitempty,len=4"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// Response is the orchestrator's outcome for an initiation or OTP step.
type Response struct {
	Success      bool   `json:"success"`
	Reference    string `json:"reference"`
	Status       Status `json:"status"`
	Message      string `json:"message,omitempty"`
	ProcessorRef string `json:"processor_ref,omitempty"`
	RequiresOTP  bool   `json:"requires_otp,omitempty"`
	OTPReference string `json:"otp_reference,omitempty"`
}

// Transaction is the persisted record of a payment attempt. It is both what
// the orchestrator writes and what confirmation reads.
type Transaction struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Reference    string          `json:"reference"`
	Category     Category        `json:"category"`
	Direction    Direction       `json:"direction"`
	Amount       money.Money     `json:"amount"`
	Status       Status          `json:"status"`
	Gateway      string          `json:"gateway"`
	ProcessorRef string          `json:"processor_ref,omitempty"`
	Narration    string          `json:"narration,omitempty"`
	Message      string          `json:"message,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
