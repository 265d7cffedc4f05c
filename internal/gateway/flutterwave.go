package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/vectorise/vectorise-payments/internal/model"
)

const flutterwaveBaseURL = "https://api.flutterwave.com"

// FlutterwaveSignatureHeader — заголовок с секретным хэшем вебхука Flutterwave.
const FlutterwaveSignatureHeader = "verif-hash"

// Flutterwave реализует Gateway поверх HTTP API Flutterwave v3.
// Суммы передаются в основных единицах валюты без конвертации.
type Flutterwave struct {
	secretKey  string
	baseURL    string
	httpClient *http.Client
}

// NewFlutterwave создаёт клиент Flutterwave. Пустой baseURL означает боевой адрес API.
func NewFlutterwave(secretKey, baseURL string) *Flutterwave {
	if baseURL == "" {
		baseURL = flutterwaveBaseURL
	}
	return &Flutterwave{
		secretKey:  secretKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: newHTTPClient(),
	}
}

// Name возвращает идентификатор провайдера.
func (f *Flutterwave) Name() model.Provider {
	return model.ProviderFlutterwave
}

type flutterwaveInitRequest struct {
	TxRef       string                 `json:"tx_ref"`
	Amount      int64                  `json:"amount"`
	Currency    string                 `json:"currency"`
	RedirectURL string                 `json:"redirect_url"`
	Customer    map[string]string      `json:"customer"`
	Meta        map[string]interface{} `json:"meta,omitempty"`
}

type flutterwaveInitResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Link string `json:"link"`
	} `json:"data"`
}

// Initiate создаёт платёжную сессию и возвращает URL страницы оплаты.
func (f *Flutterwave) Initiate(ctx context.Context, req InitiateRequest) (string, error) {
	if f.secretKey == "" {
		return "", ErrNotConfigured
	}

	body, err := json.Marshal(flutterwaveInitRequest{
		TxRef:       req.Reference,
		Amount:      req.Amount,
		Currency:    req.Currency,
		RedirectURL: req.CallbackURL,
		Customer:    map[string]string{"email": req.Email},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		f.baseURL+"/v3/payments", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+f.secretKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result flutterwaveInitResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if result.Status != "success" || result.Data.Link == "" {
		return "", fmt.Errorf("payment session rejected: %s", result.Message)
	}

	return result.Data.Link, nil
}

type flutterwaveVerifyResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		ID          int64   `json:"id"`
		TxRef       string  `json:"tx_ref"`
		Status      string  `json:"status"`
		Amount      float64 `json:"amount"`
		Currency    string  `json:"currency"`
		PaymentType string  `json:"payment_type"`
		Customer    struct {
			Email string `json:"email"`
		} `json:"customer"`
	} `json:"data"`
}

// Verify запрашивает состояние транзакции. Числовой аргумент трактуется как
// идентификатор транзакции провайдера, любой другой — как ссылка платежа.
func (f *Flutterwave) Verify(ctx context.Context, reference string) (*VerifyResult, error) {
	if f.secretKey == "" {
		return nil, ErrNotConfigured
	}

	endpoint := fmt.Sprintf("%s/v3/transactions/verify_by_reference?tx_ref=%s",
		f.baseURL, url.QueryEscape(reference))
	if isDigits(reference) {
		endpoint = fmt.Sprintf("%s/v3/transactions/%s/verify", f.baseURL, reference)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+f.secretKey)

	resp, err := f.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrTransactionNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result flutterwaveVerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if result.Status != "success" {
		// Flutterwave отвечает 200 со статусом error для неизвестных транзакций.
		return nil, ErrTransactionNotFound
	}

	var status VerifyStatus
	switch result.Data.Status {
	case "successful":
		status = VerifyStatusSuccessful
	case "failed", "cancelled":
		status = VerifyStatusFailed
	default:
		status = VerifyStatusPending
	}

	return &VerifyResult{
		Status:        status,
		Reference:     result.Data.TxRef,
		Amount:        int64(result.Data.Amount),
		Currency:      result.Data.Currency,
		Email:         result.Data.Customer.Email,
		ProviderTxnID: fmt.Sprintf("%d", result.Data.ID),
		PaymentMethod: result.Data.PaymentType,
	}, nil
}

// VerifyWebhook сравнивает заголовок verif-hash с настроенным секретом.
func (f *Flutterwave) VerifyWebhook(signature string, _ []byte) bool {
	if f.secretKey == "" || signature == "" {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(f.secretKey))
}

type flutterwaveWebhookPayload struct {
	Event string `json:"event"`
	Data  struct {
		ID          int64   `json:"id"`
		TxRef       string  `json:"tx_ref"`
		Status      string  `json:"status"`
		Amount      float64 `json:"amount"`
		Currency    string  `json:"currency"`
		PaymentType string  `json:"payment_type"`
		Customer    struct {
			Email string `json:"email"`
		} `json:"customer"`
	} `json:"data"`
}

// ParseWebhook извлекает нормализованное событие из тела вебхука.
func (f *Flutterwave) ParseWebhook(body []byte) (*WebhookEvent, error) {
	var payload flutterwaveWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}

	event := &WebhookEvent{
		Type:          payload.Event,
		Reference:     payload.Data.TxRef,
		Email:         payload.Data.Customer.Email,
		Amount:        int64(payload.Data.Amount),
		Currency:      payload.Data.Currency,
		PaymentMethod: payload.Data.PaymentType,
	}
	if payload.Data.ID != 0 {
		event.TxnID = fmt.Sprintf("%d", payload.Data.ID)
	}
	if payload.Event == "charge.completed" && payload.Data.Status == "successful" {
		event.Type = EventChargeSuccessful
	}
	return event, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
