package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Razorpay implements Gateway against the Razorpay orders/payouts API.
// Razorpay is paise-native, so amounts pass through unconverted.
type Razorpay struct {
	baseURL       string
	keyID         string
	keySecret     string
	webhookSecret string
	accountNumber string
	httpClient    *http.Client
	log           *zap.Logger
}

type RazorpayOptions struct {
	BaseURL       string // defaults to the public API
	KeyID         string
	KeySecret     string
	WebhookSecret string
	AccountNumber string // source account for payouts
	Timeout       time.Duration
}

func NewRazorpay(opts RazorpayOptions, log *zap.Logger) *Razorpay {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = "https://api.razorpay.com"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Razorpay{
		baseURL:       strings.TrimRight(baseURL, "/"),
		keyID:         opts.KeyID,
		keySecret:     opts.KeySecret,
		webhookSecret: opts.WebhookSecret,
		accountNumber: opts.AccountNumber,
		httpClient:    &http.Client{Timeout: timeout},
		log:           log,
	}
}

func (g *Razorpay) Name() string { return "razorpay" }

func (g *Razorpay) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.SetBasicAuth(g.keyID, g.keySecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return unavailable("razorpay request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		respBody, _ := io.ReadAll(resp.Body)
		return unavailable("razorpay returned %d: %s", resp.StatusCode, string(respBody))
	}
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("razorpay returned %d: %s", resp.StatusCode, string(respBody))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func (g *Razorpay) CreateOrder(ctx context.Context, amount int64, currency, reference string, notes map[string]string) (*OrderRef, error) {
	// Razorpay caps receipts at 40 chars.
	receipt := fmt.Sprintf("rcpt_%d_%s", time.Now().Unix(), uuid.NewString()[:8])

	payload := map[string]any{
		"amount":   amount,
		"currency": currency,
		"receipt":  receipt,
		"notes":    notes,
	}

	var resp struct {
		ID       string `json:"id"`
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		Status   string `json:"status"`
	}
	if err := g.post(ctx, "/v1/orders", payload, &resp); err != nil {
		return nil, err
	}

	g.log.Info("razorpay order created",
		zap.String("order_id", resp.ID),
		zap.Int64("amount", resp.Amount),
		zap.String("reference", reference),
	)
	return &OrderRef{ID: resp.ID, Amount: resp.Amount, Currency: resp.Currency, Status: resp.Status}, nil
}

func (g *Razorpay) CreatePayout(ctx context.Context, payeeVPA string, amount int64, currency, reference string) (*PayoutRef, error) {
	payload := map[string]any{
		"account_number": g.accountNumber,
		"amount":         amount,
		"currency":       currency,
		"mode":           "UPI",
		"purpose":        "payout",
		"reference_id":   reference,
		"narration":      "Escrow release",
		"fund_account": map[string]any{
			"account_type": "vpa",
			"vpa":          map[string]string{"address": payeeVPA},
		},
		"queue_if_low_balance": true,
	}

	var resp struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := g.post(ctx, "/v1/payouts", payload, &resp); err != nil {
		return nil, err
	}

	g.log.Info("razorpay payout created",
		zap.String("payout_id", resp.ID),
		zap.String("reference", reference),
	)
	return &PayoutRef{ID: resp.ID, Status: resp.Status}, nil
}

func (g *Razorpay) CreateRefund(ctx context.Context, paymentID string, amount int64, reason string) (*RefundRef, error) {
	payload := map[string]any{
		"amount": amount,
		"notes":  map[string]string{"reason": reason},
	}

	var resp struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := g.post(ctx, fmt.Sprintf("/v1/payments/%s/refund", paymentID), payload, &resp); err != nil {
		return nil, err
	}

	g.log.Info("razorpay refund created",
		zap.String("refund_id", resp.ID),
		zap.String("payment_id", paymentID),
	)
	return &RefundRef{ID: resp.ID, Status: resp.Status}, nil
}

// VerifyWebhookSignature checks the HMAC-SHA256 signature Razorpay computes
// over the raw body. With no secret configured, verification passes; Config
// validation refuses that setup in production.
func (g *Razorpay) VerifyWebhookSignature(body []byte, signature string) bool {
	if g.webhookSecret == "" {
		g.log.Warn("webhook secret not configured, skipping signature verification")
		return true
	}
	mac := hmac.New(sha256.New, []byte(g.webhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
