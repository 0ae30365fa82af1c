package vfd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ovopay/internal/common/money"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := Config{
		BaseURL:        srv.URL,
		TokenURL:       srv.URL + "/token",
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
	}
	tokens := NewTokenSource(cfg, srv.Client(), nil, testLogger())
	return NewClient(cfg, tokens, srv.Client(), testLogger()), srv
}

func TestInitiateCardPaymentSendsMajorUnits(t *testing.T) {
	var captured map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 600})
	})
	mux.HandleFunc("/initiate/payment", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		assert.Equal(t, "tok", r.Header.Get("AccessToken"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"code": "00"}})
	})

	client, _ := newTestClient(t, mux)

	res := client.InitiateCardPayment(context.Background(), InitiateCardPaymentRequest{
		Reference:      "TXN-1",
		Amount:         money.Kobo(150050),
		CardNumber:     "5399123412341234",
		CardPIN:        "1234",
		CVV:            "123",
		ExpiryDate:     "2512",
		ShouldTokenize: true,
	})

	require.True(t, res.OK)
	assert.Equal(t, "1500.50", captured["amount"], "gateway wire format is major units")
	assert.Equal(t, "1234", captured["cardPin"])
	assert.Equal(t, "123", captured["cvv2"])
	assert.Equal(t, "2512", captured["expiryDate"])
	assert.Equal(t, true, captured["shouldTokenize"])
	assert.Equal(t, false, captured["useExistingCard"])
	assert.Equal(t, "00", res.Code())
	assert.False(t, res.RequiresOTP())
}

func TestAuthRetryFallsBackToBasic(t *testing.T) {
	var sawBasic bool
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "stale-tok", "expires_in": 600})
	})
	mux.HandleFunc("/initiate/payment", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.Header.Get("Authorization"), "Basic ") {
			sawBasic = true
			assert.Equal(t, "key", r.Header.Get("X-Consumer-Key"))
			json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"code": "00"}})
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{"message": "invalid token"})
	})

	client, _ := newTestClient(t, mux)

	res := client.InitiateCardPayment(context.Background(), InitiateCardPaymentRequest{
		Reference: "TXN-2",
		Amount:    money.Kobo(10000),
	})

	require.True(t, sawBasic, "401 under token auth must fall back to basic credentials")
	assert.True(t, res.OK)
}

func TestInitiateClassifiesOTPAndRedirect(t *testing.T) {
	otp := CallResult{Status: 200, OK: true, Data: map[string]any{
		"data": map[string]any{"code": "01", "narration": "Kindly enter the OTP sent to your phone"},
	}}
	assert.True(t, otp.RequiresOTP())
	assert.False(t, otp.RequiresRedirect())

	redirect := CallResult{Status: 200, OK: true, Data: map[string]any{
		"data": map[string]any{"code": "03", "redirectHtml": "<html>...</html>"},
	}}
	assert.True(t, redirect.RequiresRedirect())
	assert.False(t, redirect.RequiresOTP())

	narrationOnly := CallResult{Status: 200, OK: true, Data: map[string]any{
		"data": map[string]any{"code": "02", "narration": "OTP required"},
	}}
	assert.True(t, narrationOnly.RequiresOTP())
}

func TestAuthorizeTolerateEmptyBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 600})
	})
	mux.HandleFunc("/authorize-otp", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	client, _ := newTestClient(t, mux)

	res := client.AuthorizeCardOTP(context.Background(), "TXN-3", "123456")
	assert.True(t, res.OK)
	assert.Empty(t, res.Message())
	assert.NotNil(t, res.Data)
}

func TestPaymentDetailsEscapesReference(t *testing.T) {
	var gotRef string
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 600})
	})
	mux.HandleFunc("/payment-details", func(w http.ResponseWriter, r *http.Request) {
		gotRef = r.URL.Query().Get("reference")
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"status": "completed"}})
	})

	client, _ := newTestClient(t, mux)

	res := client.PaymentDetails(context.Background(), "TXN 4&x=1")
	assert.True(t, res.OK)
	assert.Equal(t, "TXN 4&x=1", gotRef)
}

func TestMapFailureMessage(t *testing.T) {
	assert.Contains(t, MapFailureMessage("Unauthorized request"), "authenticate with payment gateway")
	assert.Contains(t, MapFailureMessage("token expired"), "authenticate with payment gateway")
	assert.Equal(t, "Insufficient funds on card.", MapFailureMessage("Insufficient balance"))
	assert.Contains(t, MapFailureMessage("Invalid card number supplied"), "Invalid card details")
	assert.Equal(t, "Payment could not be completed. Please try again.", MapFailureMessage(""))
	assert.Equal(t, "Something specific", MapFailureMessage("Something specific"))
}

func TestMaskPAN(t *testing.T) {
	assert.Equal(t, "539912******1234", maskPAN("5399123412341234"))
	assert.Equal(t, "539912******1234", maskPAN("5399 1234 1234 1234"))
	assert.Equal(t, "****", maskPAN("1234"))
	assert.Equal(t, "****", maskPAN(""))
}
