package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/vectorise/vectorise-payments/internal/model"
)

const paystackBaseURL = "https://api.paystack.co"

// PaystackSignatureHeader — заголовок с HMAC-подписью вебхука Paystack.
const PaystackSignatureHeader = "x-paystack-signature"

// Paystack реализует Gateway поверх HTTP API Paystack.
// Paystack принимает и возвращает суммы в кобо (минимальных единицах),
// конвертация выполняется только внутри этого клиента.
type Paystack struct {
	secretKey  string
	baseURL    string
	httpClient *http.Client
}

// NewPaystack создаёт клиент Paystack. Пустой baseURL означает боевой адрес API.
func NewPaystack(secretKey, baseURL string) *Paystack {
	if baseURL == "" {
		baseURL = paystackBaseURL
	}
	return &Paystack{
		secretKey:  secretKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: newHTTPClient(),
	}
}

// Name возвращает идентификатор провайдера.
func (p *Paystack) Name() model.Provider {
	return model.ProviderPaystack
}

type paystackInitRequest struct {
	Email       string `json:"email"`
	Amount      int64  `json:"amount"`
	Reference   string `json:"reference"`
	Currency    string `json:"currency"`
	CallbackURL string `json:"callback_url"`
}

type paystackInitResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		AuthorizationURL string `json:"authorization_url"`
		Reference        string `json:"reference"`
	} `json:"data"`
}

// Initiate создаёт платёжную сессию и возвращает URL страницы оплаты.
func (p *Paystack) Initiate(ctx context.Context, req InitiateRequest) (string, error) {
	if p.secretKey == "" {
		return "", ErrNotConfigured
	}

	body, err := json.Marshal(paystackInitRequest{
		Email:       req.Email,
		Amount:      req.Amount * 100, // кобо
		Reference:   req.Reference,
		Currency:    req.Currency,
		CallbackURL: req.CallbackURL,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/transaction/initialize", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.secretKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result paystackInitResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if !result.Status || result.Data.AuthorizationURL == "" {
		return "", fmt.Errorf("initialize rejected: %s", result.Message)
	}

	return result.Data.AuthorizationURL, nil
}

type paystackVerifyResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		ID        int64  `json:"id"`
		Status    string `json:"status"`
		Reference string `json:"reference"`
		Amount    int64  `json:"amount"`
		Currency  string `json:"currency"`
		Channel   string `json:"channel"`
		Customer  struct {
			Email string `json:"email"`
		} `json:"customer"`
	} `json:"data"`
}

// Verify запрашивает состояние транзакции по ссылке платежа.
func (p *Paystack) Verify(ctx context.Context, reference string) (*VerifyResult, error) {
	if p.secretKey == "" {
		return nil, ErrNotConfigured
	}

	url := fmt.Sprintf("%s/transaction/verify/%s", p.baseURL, reference)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.secretKey)

	resp, err := p.httpClient.Do(httpReq)
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

	var result paystackVerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if !result.Status {
		return nil, ErrTransactionNotFound
	}

	var status VerifyStatus
	switch result.Data.Status {
	case "success":
		status = VerifyStatusSuccessful
	case "failed", "abandoned", "reversed":
		status = VerifyStatusFailed
	default:
		status = VerifyStatusPending
	}

	return &VerifyResult{
		Status:        status,
		Reference:     result.Data.Reference,
		Amount:        result.Data.Amount / 100, // кобо -> найры
		Currency:      result.Data.Currency,
		Email:         result.Data.Customer.Email,
		ProviderTxnID: fmt.Sprintf("%d", result.Data.ID),
		PaymentMethod: result.Data.Channel,
	}, nil
}

// VerifyWebhook проверяет HMAC-SHA512 подпись тела вебхука.
func (p *Paystack) VerifyWebhook(signature string, body []byte) bool {
	if p.secretKey == "" || signature == "" {
		return false
	}

	mac := hmac.New(sha512.New, []byte(p.secretKey))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

type paystackWebhookPayload struct {
	Event string `json:"event"`
	Data  struct {
		ID        int64  `json:"id"`
		Reference string `json:"reference"`
		Amount    int64  `json:"amount"`
		Currency  string `json:"currency"`
		Channel   string `json:"channel"`
		Customer  struct {
			Email string `json:"email"`
		} `json:"customer"`
	} `json:"data"`
}

// ParseWebhook извлекает нормализованное событие из тела вебхука.
func (p *Paystack) ParseWebhook(body []byte) (*WebhookEvent, error) {
	var payload paystackWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}

	event := &WebhookEvent{
		Type:          payload.Event,
		Reference:     payload.Data.Reference,
		Email:         payload.Data.Customer.Email,
		Amount:        payload.Data.Amount / 100, // кобо -> найры
		Currency:      payload.Data.Currency,
		PaymentMethod: payload.Data.Channel,
	}
	if payload.Data.ID != 0 {
		event.TxnID = fmt.Sprintf("%d", payload.Data.ID)
	}
	if payload.Event == "charge.success" {
		event.Type = EventChargeSuccessful
	}
	return event, nil
}
