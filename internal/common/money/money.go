// Package money provides minor-unit monetary amounts. All amounts inside the
// service are integers in the smallest currency subdivision (kobo for NGN).
package money

import (
	"fmt"
	"math"
	"strconv"
)

// Currency represents an ISO 4217 currency code
type Currency string

const (
	NGN Currency = "NGN"
	USD Currency = "USD"
	GBP Currency = "GBP"
)

// CurrencyInfo contains metadata about a currency
type CurrencyInfo struct {
	Code        Currency
	MinorUnits  int // Number of decimal places
	Symbol      string
	SymbolFirst bool
}

var currencies = map[Currency]CurrencyInfo{
	NGN: {Code: NGN, MinorUnits: 2, Symbol: "₦", SymbolFirst: true},
	USD: {Code: USD, MinorUnits: 2, Symbol: "$", SymbolFirst: true},
	GBP: {Code: GBP, MinorUnits: 2, Symbol: "£", SymbolFirst: true},
}

// Kobo is an amount in the smallest NGN subdivision. The two places that need
// major units (the processor's initiate payload and receipt rendering) convert
// through it so every division by 100 is visible at the call site.
type Kobo int64

// KoboFromMajor converts a naira amount to kobo, rounding to the nearest kobo.
func KoboFromMajor(major float64) Kobo {
	return Kobo(math.Round(major * 100))
}

// Major returns the amount in naira.
func (k Kobo) Major() float64 {
	return float64(k) / 100
}

// MajorString formats the amount in naira with two decimal places. The VFD
// initiate-payment endpoint takes the amount as a major-unit decimal string.
func (k Kobo) MajorString() string {
	return strconv.FormatFloat(k.Major(), 'f', 2, 64)
}

// Money represents a monetary amount in minor units
type Money struct {
	AmountMinor int64    `json:"amount_minor"`
	Currency    Currency `json:"currency"`
}

// New creates a new Money value from minor units
func New(amountMinor int64, currency Currency) Money {
	return Money{
		AmountMinor: amountMinor,
		Currency:    currency,
	}
}

// ToMajor converts to major units as float
func (m Money) ToMajor() float64 {
	info, ok := currencies[m.Currency]
	if !ok {
		info = CurrencyInfo{MinorUnits: 2}
	}
	divisor := math.Pow(10, float64(info.MinorUnits))
	return float64(m.AmountMinor) / divisor
}

// String returns a human-readable representation
func (m Money) String() string {
	info, ok := currencies[m.Currency]
	if !ok {
		return fmt.Sprintf("%d %s (minor)", m.AmountMinor, m.Currency)
	}
	major := m.ToMajor()
	format := fmt.Sprintf("%%.%df", info.MinorUnits)
	if info.SymbolFirst {
		return fmt.Sprintf("%s"+format, info.Symbol, major)
	}
	return fmt.Sprintf(format+"%s", major, info.Symbol)
}
