package vfd

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"ovopay/internal/common/money"
)

// CallResult is the structured outcome of a VFD call. Transport and decode
// failures are folded into a failed result rather than surfaced as errors, so
// a gateway hiccup can never panic or abort an in-flight payment.
type CallResult struct {
	Status int
	OK     bool
	Data   map[string]any
}

// Message returns the human-readable message from the response body, if any.
func (r CallResult) Message() string {
	if s, ok := topString(r.Data, "message"); ok {
		return s
	}
	if s, ok := nestedString(r.Data, "data", "message"); ok {
		return s
	}
	return ""
}

// Code returns the gateway response code ("00" success, "01" OTP required,
// "03" redirect), checking the nested data object first.
func (r CallResult) Code() string {
	if s, ok := nestedString(r.Data, "data", "code"); ok {
		return s
	}
	if s, ok := topString(r.Data, "code"); ok {
		return s
	}
	return ""
}

// RequiresOTP reports whether the gateway is asking for a one-time password
// before it will complete the charge.
func (r CallResult) RequiresOTP() bool {
	if r.Code() == "01" {
		return true
	}
	narration, _ := nestedString(r.Data, "data", "narration")
	return strings.Contains(strings.ToLower(narration), "otp")
}

// RequiresRedirect reports whether the gateway responded with a 3-D Secure
// redirect, which this server-side flow cannot follow.
func (r CallResult) RequiresRedirect() bool {
	if r.Code() == "03" {
		return true
	}
	if _, ok := nestedString(r.Data, "data", "redirectHtml"); ok {
		return true
	}
	_, ok := topString(r.Data, "redirectHtml")
	return ok
}

// InitiateCardPaymentRequest carries the card charge parameters. Amount is in
// kobo; the gateway wire format wants major units. ExpiryDate is yymm.
type InitiateCardPaymentRequest struct {
	Reference       string
	Amount          money.Kobo
	CardNumber      string
	CardPIN         string
	CVV             string
	ExpiryDate      string
	ShouldTokenize  bool
	UseExistingCard bool
}

// Client talks to the VFD card gateway.
type Client struct {
	cfg        Config
	httpClient *http.Client
	tokens     *TokenSource
	logger     *slog.Logger
}

// NewClient creates a gateway client sharing the given token source.
func NewClient(cfg Config, tokens *TokenSource, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, httpClient: httpClient, tokens: tokens, logger: logger}
}

type authMode int

const (
	authToken authMode = iota
	authBasic
)

func (c *Client) setAuth(req *http.Request, mode authMode, token string) {
	switch mode {
	case authToken:
		req.Header.Set("AccessToken", token)
		req.Header.Set("Authorization", "Bearer "+token)
	case authBasic:
		creds := base64.StdEncoding.EncodeToString([]byte(c.cfg.ConsumerKey + ":" + c.cfg.ConsumerSecret))
		req.Header.Set("Authorization", "Basic "+creds)
		req.Header.Set("X-Consumer-Key", c.cfg.ConsumerKey)
		req.Header.Set("X-Consumer-Secret", c.cfg.ConsumerSecret)
	}
}

// do performs one authenticated call and folds every failure into a
// CallResult. Non-JSON and empty bodies decode to an empty map.
func (c *Client) do(ctx context.Context, method, path string, body any, mode authMode, token string) CallResult {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return CallResult{Status: 0, OK: false, Data: map[string]any{"message": err.Error()}}
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, payload)
	if err != nil {
		return CallResult{Status: 0, OK: false, Data: map[string]any{"message": err.Error()}}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	c.setAuth(req, mode, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("vfd request failed", "method", method, "path", path, "error", err)
		return CallResult{Status: 0, OK: false, Data: map[string]any{"message": "payment gateway unreachable"}}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	return CallResult{
		Status: resp.StatusCode,
		OK:     resp.StatusCode >= 200 && resp.StatusCode < 300,
		Data:   decodeLoose(raw),
	}
}

// isAuthFailure classifies a result as an authentication problem worth
// retrying under a different credential.
func isAuthFailure(res CallResult) bool {
	if res.Status == http.StatusUnauthorized || res.Status == http.StatusForbidden {
		return true
	}
	msg := strings.ToLower(res.Message())
	for _, marker := range []string{"unauthorized", "invalid token", "expired token", "token expired", "authentication failed"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// doWithAuthRetry runs the escalating credential policy: token auth first,
// then basic credentials, then a force-refreshed token. Each rung is tried
// only when the previous one failed specifically on authentication.
func (c *Client) doWithAuthRetry(ctx context.Context, method, path string, body any) CallResult {
	token := c.tokens.Token(ctx, false)

	if token == "" && !c.cfg.HasBasicCredentials() {
		c.logger.Error("no usable VFD credentials configured")
		return CallResult{Status: http.StatusBadRequest, OK: false, Data: map[string]any{
			"message": "payment gateway is not configured",
		}}
	}

	mode := authToken
	if token == "" {
		mode = authBasic
	}

	res := c.do(ctx, method, path, body, mode, token)
	if !isAuthFailure(res) {
		return res
	}

	if mode == authToken {
		c.tokens.Invalidate()
		if c.cfg.HasBasicCredentials() {
			c.logger.Info("token auth rejected, retrying with basic credentials", "path", path)
			res = c.do(ctx, method, path, body, authBasic, "")
			if !isAuthFailure(res) {
				return res
			}
		}
	}

	if fresh := c.tokens.Token(ctx, true); fresh != "" && fresh != token {
		c.logger.Info("retrying with refreshed token", "path", path)
		res = c.do(ctx, method, path, body, authToken, fresh)
	}
	return res
}

// InitiateCardPayment submits a card charge. The returned result carries the
// OTP/redirect classification; MapFailureMessage turns raw gateway text into
// a user-facing message.
func (c *Client) InitiateCardPayment(ctx context.Context, req InitiateCardPaymentRequest) CallResult {
	payload := map[string]any{
		"amount":          req.Amount.MajorString(),
		"reference":       req.Reference,
		"cardNumber":      req.CardNumber,
		"cardPin":         req.CardPIN,
		"cvv2":            req.CVV,
		"expiryDate":      req.ExpiryDate,
		"shouldTokenize":  req.ShouldTokenize,
		"useExistingCard": req.UseExistingCard,
	}

	c.logger.Info("initiating card payment",
		"reference", req.Reference,
		"amount_minor", int64(req.Amount),
		"card", maskPAN(req.CardNumber),
	)

	res := c.doWithAuthRetry(ctx, http.MethodPost, "/initiate/payment", payload)

	c.logger.Info("card payment initiation result",
		"reference", req.Reference,
		"status", res.Status,
		"code", res.Code(),
		"requires_otp", res.RequiresOTP(),
		"requires_redirect", res.RequiresRedirect(),
	)
	return res
}

// ValidateOTP submits the customer's one-time password for a pending charge.
func (c *Client) ValidateOTP(ctx context.Context, reference, otp string) CallResult {
	payload := map[string]string{"reference": reference, "otp": otp}
	res := c.doWithAuthRetry(ctx, http.MethodPost, "/validate-otp", payload)
	c.logger.Info("otp validation result", "reference", reference, "status", res.Status, "code", res.Code())
	return res
}

// PaymentDetails looks up the gateway-side state of a payment by reference.
func (c *Client) PaymentDetails(ctx context.Context, reference string) CallResult {
	path := "/payment-details?reference=" + url.QueryEscape(reference)
	return c.doWithAuthRetry(ctx, http.MethodGet, path, nil)
}

// AuthorizeCardOTP confirms a card authorization step with an OTP. Some
// gateway environments reply with an empty body on success.
func (c *Client) AuthorizeCardOTP(ctx context.Context, reference, otp string) CallResult {
	payload := map[string]string{"reference": reference, "otp": otp}
	return c.doWithAuthRetry(ctx, http.MethodPost, "/authorize-otp", payload)
}

// AuthorizeCardPIN confirms a card authorization step with the card PIN.
func (c *Client) AuthorizeCardPIN(ctx context.Context, reference, pin string) CallResult {
	payload := map[string]string{"reference": reference, "pin": pin}
	return c.doWithAuthRetry(ctx, http.MethodPost, "/authorize-pin", payload)
}

// MapFailureMessage translates raw gateway failure text into a stable
// user-facing message.
func MapFailureMessage(raw string) string {
	lower := strings.ToLower(raw)
	switch {
	case strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "invalid token"),
		strings.Contains(lower, "expired"),
		strings.Contains(lower, "authentication"):
		return "Failed to authenticate with payment gateway. Please try again later."
	case strings.Contains(lower, "insufficient"):
		return "Insufficient funds on card."
	case strings.Contains(lower, "invalid card"), strings.Contains(lower, "incorrect card"):
		return "Invalid card details. Please check and try again."
	case raw == "":
		return "Payment could not be completed. Please try again."
	default:
		return raw
	}
}

// maskPAN keeps the BIN and last four digits of a card number for logs.
func maskPAN(pan string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, pan)
	if len(digits) < 12 {
		return "****"
	}
	return fmt.Sprintf("%s******%s", digits[:6], digits[len(digits)-4:])
}
