package chain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"codemint-controlplane/pkg/config"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
)

//go:generate mockgen -destination=mocks/transferer.go -package=mocks . Transferer

var Module = fx.Module("chain", fx.Provide(Provide))

// Transferer submits value transfers to the settlement service and returns
// its transaction reference.
type Transferer interface {
	Transfer(ctx context.Context, req TransferRequest) (string, error)
}

type TransferRequest struct {
	Recipient      string          `json:"recipient"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// TransferError is the typed failure of a transfer attempt. Its Error text
// is what gets persisted on the payout.
type TransferError struct {
	Code       string
	Message    string
	StatusCode int
	Retryable  bool
}

func (e *TransferError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transfer failed [%s] (http %d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("transfer failed [%s]: %s", e.Code, e.Message)
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return !errors.Is(err, context.Canceled)
}

type httpTransferer struct {
	rest *resty.Client
}

type transferResponse struct {
	TransactionReference string `json:"transaction_reference"`
}

type transferErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func New(baseURL, apiKey string, timeout time.Duration) Transferer {
	rest := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		rest.SetAuthToken(apiKey)
	}
	return &httpTransferer{rest: rest}
}

func Provide(cfg *config.Config) Transferer {
	if cfg.Chain.URL == "" {
		return unconfigured{}
	}
	return New(cfg.Chain.URL, cfg.Chain.ApiKey, cfg.Chain.Timeout)
}

func (t *httpTransferer) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	if req.Recipient == "" {
		return "", &TransferError{Code: "missing_recipient", Message: "recipient wallet address is empty"}
	}
	if !req.Amount.IsPositive() {
		return "", &TransferError{Code: "invalid_amount", Message: fmt.Sprintf("amount must be positive, got %s", req.Amount)}
	}

	var out transferResponse
	var apiErr transferErrorResponse
	resp, err := t.rest.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", req.IdempotencyKey).
		SetBody(req).
		SetResult(&out).
		SetError(&apiErr).
		Post("/transfers")
	if err != nil {
		return "", &TransferError{Code: "transport", Message: err.Error(), Retryable: true}
	}
	if resp.IsError() {
		code := apiErr.Code
		if code == "" {
			code = "rejected"
		}
		msg := apiErr.Message
		if msg == "" {
			msg = resp.String()
		}
		return "", &TransferError{
			Code:       code,
			Message:    msg,
			StatusCode: resp.StatusCode(),
			Retryable:  resp.StatusCode() >= http.StatusInternalServerError || resp.StatusCode() == http.StatusTooManyRequests,
		}
	}
	if out.TransactionReference == "" {
		return "", &TransferError{Code: "empty_reference", Message: "transfer accepted without transaction reference"}
	}
	return out.TransactionReference, nil
}

type unconfigured struct{}

func (unconfigured) Transfer(context.Context, TransferRequest) (string, error) {
	return "", &TransferError{Code: "not_configured", Message: "transfer service not configured"}
}
