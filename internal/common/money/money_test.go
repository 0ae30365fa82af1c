package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKoboConversions(t *testing.T) {
	assert.Equal(t, Kobo(150000), KoboFromMajor(1500))
	assert.Equal(t, Kobo(150050), KoboFromMajor(1500.50))
	assert.Equal(t, Kobo(1), KoboFromMajor(0.005))

	assert.Equal(t, 1500.0, Kobo(150000).Major())
	assert.Equal(t, "1500.00", Kobo(150000).MajorString())
	assert.Equal(t, "1500.50", Kobo(150050).MajorString())
	assert.Equal(t, "0.00", Kobo(0).MajorString())
}

func TestMoneyToMajor(t *testing.T) {
	assert.Equal(t, 1500.0, New(150000, NGN).ToMajor())
	assert.Equal(t, 25.99, New(2599, USD).ToMajor())
	assert.Equal(t, 0.5, New(50, Currency("XYZ")).ToMajor(), "unknown currencies default to two minor units")
}

func TestMoneyString(t *testing.T) {
	assert.Equal(t, "₦1500.00", New(150000, NGN).String())
	assert.Equal(t, "$25.99", New(2599, USD).String())
}
