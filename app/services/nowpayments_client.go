package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// NOWPaymentsClient talks to the NOWPayments REST API
type NOWPaymentsClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func NewNOWPaymentsClient(baseURL, apiKey string, timeout time.Duration) *NOWPaymentsClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NOWPaymentsClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: timeout},
		Timeout:    timeout,
	}
}

func (c *NOWPaymentsClient) Name() string { return "nowpayments" }

// Create payment via /v1/payment
// Docs: https://documenter.getpostman.com/view/7907941/S1a32n38

type nowPaymentCreateReq struct {
	PriceAmount    float64 `json:"price_amount"`
	PriceCurrency  string  `json:"price_currency"`
	PayCurrency    string  `json:"pay_currency"`
	IPNCallbackURL string  `json:"ipn_callback_url,omitempty"`
	OrderID        string  `json:"order_id,omitempty"`
	OrderDesc      string  `json:"order_description,omitempty"`
}

type nowPaymentCreateResp struct {
	PaymentID      json.Number `json:"payment_id"`
	PayAddress     string      `json:"pay_address"`
	PayAmount      json.Number `json:"pay_amount"`
	PayCurrency    string      `json:"pay_currency"`
	ExpirationDate string      `json:"expiration_estimate_date"`
}

func (c *NOWPaymentsClient) CreatePayment(ctx context.Context, in CreatePaymentInput) (*CreatePaymentResult, error) {
	amount, _ := in.FiatAmount.Float64()
	body := nowPaymentCreateReq{
		PriceAmount:    amount,
		PriceCurrency:  strings.ToLower(in.FiatCurrency),
		PayCurrency:    strings.ToLower(in.PayCurrency),
		IPNCallbackURL: in.CallbackURL,
		OrderID:        in.OrderID,
		OrderDesc:      in.Description,
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/payment", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("nowpayments create payment: unexpected status %d", resp.StatusCode)
	}

	var out nowPaymentCreateResp
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	payAmount, err := decimal.NewFromString(out.PayAmount.String())
	if err != nil {
		return nil, fmt.Errorf("nowpayments create payment: bad pay_amount %q: %w", out.PayAmount, err)
	}

	res := &CreatePaymentResult{
		PaymentID:   out.PaymentID.String(),
		PayAddress:  out.PayAddress,
		PayAmount:   payAmount,
		PayCurrency: strings.ToLower(out.PayCurrency),
	}
	if out.ExpirationDate != "" {
		if t, perr := time.Parse(time.RFC3339, out.ExpirationDate); perr == nil {
			tt := t.UTC()
			res.ExpiresAt = &tt
		}
	}
	return res, nil
}

type nowEstimateResp struct {
	EstimatedAmount json.Number `json:"estimated_amount"`
	CurrencyTo      string      `json:"currency_to"`
}

func (c *NOWPaymentsClient) GetEstimate(ctx context.Context, fiatAmount decimal.Decimal, fiatCurrency, payCurrency string) (*EstimateResult, error) {
	q := url.Values{}
	q.Set("amount", fiatAmount.String())
	q.Set("currency_from", strings.ToLower(fiatCurrency))
	q.Set("currency_to", strings.ToLower(payCurrency))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/estimate?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nowpayments estimate: unexpected status %d", resp.StatusCode)
	}

	var out nowEstimateResp
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	est, err := decimal.NewFromString(out.EstimatedAmount.String())
	if err != nil {
		return nil, fmt.Errorf("nowpayments estimate: bad estimated_amount %q: %w", out.EstimatedAmount, err)
	}
	return &EstimateResult{
		EstimatedAmount: est,
		PayCurrency:     strings.ToLower(out.CurrencyTo),
	}, nil
}
