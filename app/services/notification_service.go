package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Notifier delivers reconciliation outcomes to the presentation collaborator
// (the bot gateway renders these into user-facing text) and raises operator
// alerts for conditions that need a human.
type Notifier interface {
	PurchaseFinalized(ctx context.Context, chatID int64, paymentID string, total decimal.Decimal) error
	PurchaseUnderpaid(ctx context.Context, chatID int64, paymentID string, needed, credited decimal.Decimal) error
	RefillCredited(ctx context.Context, chatID int64, paymentID string, amount decimal.Decimal) error
	PaymentFailed(ctx context.Context, chatID int64, paymentID string, isPurchase bool) error
	AlertOperator(ctx context.Context, message string) error
}

// outcomeEvent is the wire shape posted to the bot gateway
type outcomeEvent struct {
	Event      string `json:"event"`
	ChatID     int64  `json:"chat_id,omitempty"`
	PaymentID  string `json:"payment_id,omitempty"`
	Amount     string `json:"amount,omitempty"`
	Needed     string `json:"needed,omitempty"`
	Credited   string `json:"credited,omitempty"`
	IsPurchase bool   `json:"is_purchase,omitempty"`
	Message    string `json:"message,omitempty"`
}

// GatewayNotifier posts outcome events to the bot gateway over HTTP
type GatewayNotifier struct {
	BaseURL        string
	OperatorChatID int64
	HTTPClient     *http.Client
}

func NewGatewayNotifier(baseURL string, operatorChatID int64, timeout time.Duration) *GatewayNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GatewayNotifier{
		BaseURL:        strings.TrimRight(baseURL, "/"),
		OperatorChatID: operatorChatID,
		HTTPClient:     &http.Client{Timeout: timeout},
	}
}

func (n *GatewayNotifier) post(ctx context.Context, ev outcomeEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.BaseURL+"/internal/notify", bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("gateway notify: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (n *GatewayNotifier) PurchaseFinalized(ctx context.Context, chatID int64, paymentID string, total decimal.Decimal) error {
	return n.post(ctx, outcomeEvent{Event: "purchase_finalized", ChatID: chatID, PaymentID: paymentID, Amount: total.StringFixed(2)})
}

func (n *GatewayNotifier) PurchaseUnderpaid(ctx context.Context, chatID int64, paymentID string, needed, credited decimal.Decimal) error {
	return n.post(ctx, outcomeEvent{Event: "purchase_underpaid", ChatID: chatID, PaymentID: paymentID, Needed: needed.StringFixed(2), Credited: credited.StringFixed(2)})
}

func (n *GatewayNotifier) RefillCredited(ctx context.Context, chatID int64, paymentID string, amount decimal.Decimal) error {
	return n.post(ctx, outcomeEvent{Event: "refill_credited", ChatID: chatID, PaymentID: paymentID, Amount: amount.StringFixed(2)})
}

func (n *GatewayNotifier) PaymentFailed(ctx context.Context, chatID int64, paymentID string, isPurchase bool) error {
	return n.post(ctx, outcomeEvent{Event: "payment_failed", ChatID: chatID, PaymentID: paymentID, IsPurchase: isPurchase})
}

func (n *GatewayNotifier) AlertOperator(ctx context.Context, message string) error {
	return n.post(ctx, outcomeEvent{Event: "operator_alert", ChatID: n.OperatorChatID, Message: message})
}

// MockNotifier logs outcomes and records them for assertions in tests
type MockNotifier struct {
	Events []string
}

func NewMockNotifier() *MockNotifier {
	return &MockNotifier{}
}

func (m *MockNotifier) record(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	m.Events = append(m.Events, msg)
	log.Printf("notify: %s", msg)
	return nil
}

func (m *MockNotifier) PurchaseFinalized(ctx context.Context, chatID int64, paymentID string, total decimal.Decimal) error {
	return m.record("purchase_finalized chat=%d payment=%s total=%s", chatID, paymentID, total.StringFixed(2))
}

func (m *MockNotifier) PurchaseUnderpaid(ctx context.Context, chatID int64, paymentID string, needed, credited decimal.Decimal) error {
	return m.record("purchase_underpaid chat=%d payment=%s needed=%s credited=%s", chatID, paymentID, needed.StringFixed(2), credited.StringFixed(2))
}

func (m *MockNotifier) RefillCredited(ctx context.Context, chatID int64, paymentID string, amount decimal.Decimal) error {
	return m.record("refill_credited chat=%d payment=%s amount=%s", chatID, paymentID, amount.StringFixed(2))
}

func (m *MockNotifier) PaymentFailed(ctx context.Context, chatID int64, paymentID string, isPurchase bool) error {
	return m.record("payment_failed chat=%d payment=%s purchase=%t", chatID, paymentID, isPurchase)
}

func (m *MockNotifier) AlertOperator(ctx context.Context, message string) error {
	return m.record("operator_alert %s", message)
}
