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
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Setu implements Gateway against the Setu UPI collect API. Setu's wire
// format wants rupee decimals; conversion from paise happens here and
// nowhere else.
type Setu struct {
	baseURL       string
	apiKey        string
	webhookSecret string
	httpClient    *http.Client
	log           *zap.Logger
}

type SetuOptions struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
}

func NewSetu(opts SetuOptions, log *zap.Logger) *Setu {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Setu{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		apiKey:        opts.APIKey,
		webhookSecret: opts.WebhookSecret,
		httpClient:    &http.Client{Timeout: timeout},
		log:           log,
	}
}

func (g *Setu) Name() string { return "setu" }

// rupees renders a paise amount as a decimal rupee string, e.g. 50000 -> "500.00".
func rupees(paise int64) string {
	return strconv.FormatInt(paise/100, 10) + "." + fmt.Sprintf("%02d", paise%100)
}

func (g *Setu) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return unavailable("setu request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		respBody, _ := io.ReadAll(resp.Body)
		return unavailable("setu returned %d: %s", resp.StatusCode, string(respBody))
	}
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("setu returned %d: %s", resp.StatusCode, string(respBody))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func (g *Setu) CreateOrder(ctx context.Context, amount int64, currency, reference string, notes map[string]string) (*OrderRef, error) {
	description := notes["description"]
	if description == "" {
		description = "Escrow payment " + reference
	}

	payload := map[string]any{
		"amount":      rupees(amount),
		"description": description,
		"referenceId": reference,
	}

	var resp struct {
		CollectID   string `json:"collectId"`
		Status      string `json:"status"`
		PaymentLink string `json:"paymentLink"`
	}
	if err := g.post(ctx, "/v1/collect", payload, &resp); err != nil {
		return nil, err
	}

	g.log.Info("setu collect request created",
		zap.String("collect_id", resp.CollectID),
		zap.String("reference", reference),
	)
	return &OrderRef{ID: resp.CollectID, Amount: amount, Currency: currency, Status: resp.Status, PaymentLink: resp.PaymentLink}, nil
}

func (g *Setu) CreatePayout(ctx context.Context, payeeVPA string, amount int64, currency, reference string) (*PayoutRef, error) {
	payload := map[string]any{
		"amount":      rupees(amount),
		"payeeVPA":    payeeVPA,
		"referenceId": reference,
		"remarks":     "Escrow release",
	}

	var resp struct {
		PayoutID string `json:"payoutId"`
		Status   string `json:"status"`
	}
	if err := g.post(ctx, "/v1/payouts", payload, &resp); err != nil {
		return nil, err
	}

	g.log.Info("setu payout created",
		zap.String("payout_id", resp.PayoutID),
		zap.String("reference", reference),
	)
	return &PayoutRef{ID: resp.PayoutID, Status: resp.Status}, nil
}

func (g *Setu) CreateRefund(ctx context.Context, paymentID string, amount int64, reason string) (*RefundRef, error) {
	payload := map[string]any{
		"paymentId": paymentID,
		"amount":    rupees(amount),
		"remarks":   reason,
	}

	var resp struct {
		RefundID string `json:"refundId"`
		Status   string `json:"status"`
	}
	if err := g.post(ctx, "/v1/refunds", payload, &resp); err != nil {
		return nil, err
	}

	g.log.Info("setu refund created",
		zap.String("refund_id", resp.RefundID),
		zap.String("payment_id", paymentID),
	)
	return &RefundRef{ID: resp.RefundID, Status: resp.Status}, nil
}

func (g *Setu) VerifyWebhookSignature(body []byte, signature string) bool {
	if g.webhookSecret == "" {
		g.log.Warn("webhook secret not configured, skipping signature verification")
		return true
	}
	mac := hmac.New(sha256.New, []byte(g.webhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
