package gateway

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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/port"
)

const (
	IntegrationBaseURL = "https://webpay3gint.transbank.cl"

	// Transbank's public Webpay Plus test commerce.
	IntegrationCommerceCode = "597055555532"

	transactionsPath = "/rswebpaytransaction/api/webpay/v1.2/transactions"
	maxErrorBody     = 4 << 10
)

type Config struct {
	BaseURL      string
	CommerceCode string
	APIKey       string
	Timeout      time.Duration
	RateLimit    rate.Limit
	Burst        int
}

// WebpayClient talks to the Webpay Plus REST API. Failures come back as
// *domain.GatewayError: timeouts as GatewayTimeout, 4xx as GatewayRejected,
// everything else as GatewayUnavailable.
type WebpayClient struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	tracer  trace.Tracer
}

func NewWebpayClient(cfg Config, client *http.Client) *WebpayClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = IntegrationBaseURL
	}
	if cfg.CommerceCode == "" {
		cfg.CommerceCode = IntegrationCommerceCode
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = rate.Inf
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &WebpayClient{
		cfg:     cfg,
		http:    client,
		limiter: rate.NewLimiter(cfg.RateLimit, cfg.Burst),
		tracer:  otel.Tracer("webpay"),
	}
}

var _ port.PaymentGateway = (*WebpayClient)(nil)

type createRequest struct {
	BuyOrder  string `json:"buy_order"`
	SessionID string `json:"session_id"`
	Amount    int    `json:"amount"`
	ReturnURL string `json:"return_url"`
}

type createResponse struct {
	Token string `json:"token"`
	URL   string `json:"url"`
}

type commitResponse struct {
	VCI               string `json:"vci"`
	Amount            int    `json:"amount"`
	Status            string `json:"status"`
	BuyOrder          string `json:"buy_order"`
	SessionID         string `json:"session_id"`
	AuthorizationCode string `json:"authorization_code"`
	PaymentTypeCode   string `json:"payment_type_code"`
	ResponseCode      int    `json:"response_code"`
	TransactionDate   string `json:"transaction_date"`
}

type errorResponse struct {
	ErrorMessage string `json:"error_message"`
}

func (c *WebpayClient) CreateTransaction(ctx context.Context, req port.TransactionRequest) (*port.Transaction, error) {
	const op = "create"
	ctx, span := c.tracer.Start(ctx, "webpay.CreateTransaction", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("webpay.buy_order", req.BuyOrder), attribute.Int("webpay.amount", req.Amount))

	var resp createResponse
	err := c.do(ctx, op, http.MethodPost, transactionsPath, createRequest{
		BuyOrder:  req.BuyOrder,
		SessionID: req.SessionID,
		Amount:    req.Amount,
		ReturnURL: req.ReturnURL,
	}, &resp)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	if resp.Token == "" {
		err := &domain.GatewayError{Kind: domain.GatewayRejected, Op: op, Err: errors.New("empty token in response")}
		recordError(span, err)
		return nil, err
	}

	return &port.Transaction{
		Token:       resp.Token,
		RedirectURL: resp.URL + "?token_ws=" + resp.Token,
	}, nil
}

func (c *WebpayClient) CommitTransaction(ctx context.Context, token string) (*domain.Verdict, error) {
	const op = "commit"
	ctx, span := c.tracer.Start(ctx, "webpay.CommitTransaction", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	var resp commitResponse
	if err := c.do(ctx, op, http.MethodPut, transactionsPath+"/"+token, nil, &resp); err != nil {
		recordError(span, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("webpay.buy_order", resp.BuyOrder),
		attribute.String("webpay.status", resp.Status),
		attribute.Int("webpay.response_code", resp.ResponseCode),
	)

	return &domain.Verdict{
		BuyOrder:          resp.BuyOrder,
		GatewayStatus:     resp.Status,
		AuthorizationCode: resp.AuthorizationCode,
		ResponseCode:      resp.ResponseCode,
		Amount:            resp.Amount,
	}, nil
}

func (c *WebpayClient) do(ctx context.Context, op, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return classify(op, err)
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Tbk-Api-Key-Id", c.cfg.CommerceCode)
	req.Header.Set("Tbk-Api-Key-Secret", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return classify(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := strings.TrimSpace(string(raw))
		var e errorResponse
		if json.Unmarshal(raw, &e) == nil && e.ErrorMessage != "" {
			msg = e.ErrorMessage
		}
		kind := domain.GatewayUnavailable
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			kind = domain.GatewayRejected
		}
		return &domain.GatewayError{Kind: kind, Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode, msg)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return classify(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func classify(op string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &domain.GatewayError{Kind: domain.GatewayTimeout, Op: op, Err: err}
	}
	return &domain.GatewayError{Kind: domain.GatewayUnavailable, Op: op, Err: err}
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
