// Package razorpay adapts Razorpay orders and RazorpayX payouts to ports.PaymentGateway.
package razorpay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"marketplace-escrow/config"
	"marketplace-escrow/internal/core/domain"
	"marketplace-escrow/internal/core/ports"
	"marketplace-escrow/internal/metrics"
	"marketplace-escrow/internal/telemetry"
	"marketplace-escrow/pkg/apperror"

	rzp "github.com/razorpay/razorpay-go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// OrderAPI is the order resource of the Razorpay SDK.
type OrderAPI interface {
	Create(data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

// HTTPClient interface for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client implements ports.PaymentGateway.
type Client struct {
	orders        OrderAPI
	httpClient    HTTPClient
	baseURL       string
	keyID         string
	keySecret     string
	accountNumber string
	timeout       time.Duration
	log           zerolog.Logger
}

// New creates a gateway client backed by the Razorpay SDK for orders and
// the RazorpayX REST API for contacts, fund accounts and payouts.
func New(cfg config.RazorpayConfig, log zerolog.Logger) *Client {
	sdk := rzp.NewClient(cfg.KeyID, cfg.KeySecret)
	return NewWithClients(cfg, sdk.Order, &http.Client{Timeout: cfg.Timeout}, log)
}

// NewWithClients creates a gateway client with explicit transports.
func NewWithClients(cfg config.RazorpayConfig, orders OrderAPI, httpClient HTTPClient, log zerolog.Logger) *Client {
	return &Client{
		orders:        orders,
		httpClient:    httpClient,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		keyID:         cfg.KeyID,
		keySecret:     cfg.KeySecret,
		accountNumber: cfg.AccountNumber,
		timeout:       cfg.Timeout,
		log:           log,
	}
}

// CreateOrder creates a checkout order. The SDK call is abandoned, and
// reported as a timeout, once ctx or the configured timeout expires.
func (c *Client) CreateOrder(ctx context.Context, req ports.OrderRequest) (order *ports.GatewayOrder, err error) {
	ctx, span := telemetry.StartSpan(ctx, "razorpay.create_order")
	start := time.Now()
	defer func() { finish("create_order", span, start, err) }()

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	notes := make(map[string]interface{}, len(req.Notes))
	for k, v := range req.Notes {
		notes[k] = v
	}
	data := map[string]interface{}{
		"amount":   req.AmountMinor,
		"currency": req.Currency,
		"receipt":  req.Receipt,
		"notes":    notes,
	}

	type result struct {
		body map[string]interface{}
		err  error
	}
	done := make(chan result, 1)
	go func() {
		body, err := c.orders.Create(data, nil)
		done <- result{body: body, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, apperror.ErrExternalGateway(fmt.Errorf("create order: %w", ports.ErrGatewayTimeout))
	case res := <-done:
		if res.err != nil {
			return nil, apperror.ErrExternalGateway(fmt.Errorf("create order: %w", res.err))
		}
		return parseOrder(res.body, req)
	}
}

func parseOrder(body map[string]interface{}, req ports.OrderRequest) (*ports.GatewayOrder, error) {
	id, _ := body["id"].(string)
	if id == "" {
		return nil, apperror.ErrExternalGateway(errors.New("create order: response has no id"))
	}
	order := &ports.GatewayOrder{
		ID:          id,
		AmountMinor: req.AmountMinor,
		Currency:    req.Currency,
	}
	if amount, ok := body["amount"].(float64); ok {
		order.AmountMinor = int64(amount)
	}
	if currency, ok := body["currency"].(string); ok {
		order.Currency = currency
	}
	order.Status, _ = body["status"].(string)
	return order, nil
}

type contactBody struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	ReferenceID string `json:"reference_id,omitempty"`
}

type idResponse struct {
	ID string `json:"id"`
}

// CreateContact registers the freelancer as a RazorpayX contact.
func (c *Client) CreateContact(ctx context.Context, req ports.ContactRequest) (id string, err error) {
	ctx, span := telemetry.StartSpan(ctx, "razorpay.create_contact")
	start := time.Now()
	defer func() { finish("create_contact", span, start, err) }()

	var resp idResponse
	body := contactBody{Name: req.Name, Type: "vendor", ReferenceID: req.ReferenceID}
	if err := c.post(ctx, "/v1/contacts", body, nil, &resp); err != nil {
		return "", fmt.Errorf("create contact: %w", err)
	}
	return resp.ID, nil
}

type fundAccountBody struct {
	ContactID   string           `json:"contact_id"`
	AccountType string           `json:"account_type"`
	BankAccount *bankAccountBody `json:"bank_account,omitempty"`
	VPA         *vpaBody         `json:"vpa,omitempty"`
}

type bankAccountBody struct {
	Name          string `json:"name"`
	IFSC          string `json:"ifsc"`
	AccountNumber string `json:"account_number"`
}

type vpaBody struct {
	Address string `json:"address"`
}

// CreateFundAccount attaches a bank account or VPA to a contact.
func (c *Client) CreateFundAccount(ctx context.Context, req ports.FundAccountRequest) (id string, err error) {
	ctx, span := telemetry.StartSpan(ctx, "razorpay.create_fund_account")
	start := time.Now()
	defer func() { finish("create_fund_account", span, start, err) }()

	body := fundAccountBody{ContactID: req.ContactID}
	switch req.AccountType {
	case domain.AccountTypeVPA:
		body.AccountType = "vpa"
		body.VPA = &vpaBody{Address: req.VPA}
	default:
		body.AccountType = "bank_account"
		body.BankAccount = &bankAccountBody{Name: req.Name, IFSC: req.IFSC, AccountNumber: req.AccountNumber}
	}

	var resp idResponse
	if err := c.post(ctx, "/v1/fund_accounts", body, nil, &resp); err != nil {
		return "", fmt.Errorf("create fund account: %w", err)
	}
	return resp.ID, nil
}

type payoutBody struct {
	AccountNumber     string `json:"account_number"`
	FundAccountID     string `json:"fund_account_id"`
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
	Mode              string `json:"mode"`
	Purpose           string `json:"purpose"`
	QueueIfLowBalance bool   `json:"queue_if_low_balance"`
	ReferenceID       string `json:"reference_id"`
	Narration         string `json:"narration,omitempty"`
}

type payoutResponse struct {
	ID            string `json:"id"`
	FundAccountID string `json:"fund_account_id"`
	Status        string `json:"status"`
	UTR           string `json:"utr"`
}

// CreatePayout submits a payout. The reference id doubles as the
// X-Payout-Idempotency key so resubmission after a timeout is safe.
func (c *Client) CreatePayout(ctx context.Context, req ports.PayoutRequest) (payout *ports.GatewayPayout, err error) {
	ctx, span := telemetry.StartSpan(ctx, "razorpay.create_payout", telemetry.Amount(fmt.Sprint(req.AmountMinor)))
	start := time.Now()
	defer func() { finish("create_payout", span, start, err) }()

	body := payoutBody{
		AccountNumber:     c.accountNumber,
		FundAccountID:     req.FundAccountID,
		Amount:            req.AmountMinor,
		Currency:          req.Currency,
		Mode:              string(req.Mode),
		Purpose:           "payout",
		QueueIfLowBalance: true,
		ReferenceID:       req.ReferenceID,
		Narration:         req.Narration,
	}
	headers := map[string]string{"X-Payout-Idempotency": req.ReferenceID}

	var resp payoutResponse
	if err := c.post(ctx, "/v1/payouts", body, headers, &resp); err != nil {
		return nil, fmt.Errorf("create payout: %w", err)
	}
	return &ports.GatewayPayout{
		ID:            resp.ID,
		FundAccountID: resp.FundAccountID,
		Status:        resp.Status,
		UTR:           resp.UTR,
	}, nil
}

type errorResponse struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, headers map[string]string, out any) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return apperror.ErrExternalGateway(fmt.Errorf("encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return apperror.ErrExternalGateway(err)
	}
	req.SetBasicAuth(c.keyID, c.keySecret)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return apperror.ErrExternalGateway(fmt.Errorf("%w: %v", ports.ErrGatewayTimeout, err))
		}
		return apperror.ErrExternalGateway(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		if isTimeout(ctx, err) {
			return apperror.ErrExternalGateway(fmt.Errorf("%w: %v", ports.ErrGatewayTimeout, err))
		}
		return apperror.ErrExternalGateway(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e errorResponse
		_ = json.Unmarshal(raw, &e)
		c.log.Warn().
			Str("path", path).
			Int("status", resp.StatusCode).
			Str("code", e.Error.Code).
			Str("description", e.Error.Description).
			Msg("razorpay: request rejected")
		if resp.StatusCode == http.StatusGatewayTimeout {
			return apperror.ErrExternalGateway(fmt.Errorf("%w: status %d", ports.ErrGatewayTimeout, resp.StatusCode))
		}
		return apperror.ErrExternalGateway(fmt.Errorf("status %d: %s %s", resp.StatusCode, e.Error.Code, e.Error.Description))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return apperror.ErrExternalGateway(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func finish(operation string, span trace.Span, start time.Time, err error) {
	metrics.ObserveGateway(operation, start, err)
	telemetry.End(span, err)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
