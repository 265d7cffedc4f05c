// Package gateway предоставляет клиентов внешних платёжных провайдеров.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/vectorise/vectorise-payments/internal/model"
)

// ErrTransactionNotFound возвращается, если провайдер не знает указанную транзакцию.
var ErrTransactionNotFound = errors.New("transaction not found")

// ErrNotConfigured возвращается при обращении к провайдеру без секретного ключа.
var ErrNotConfigured = errors.New("gateway not configured")

// VerifyStatus — нормализованный статус транзакции по данным провайдера.
type VerifyStatus string

const (
	VerifyStatusSuccessful VerifyStatus = "successful"
	VerifyStatusFailed     VerifyStatus = "failed"
	VerifyStatusPending    VerifyStatus = "pending"
)

// InitiateRequest описывает параметры создания платёжной сессии у провайдера.
// Сумма задаётся в основных единицах валюты; конвертация в минимальные
// единицы, если провайдер её требует, выполняется внутри клиента.
type InitiateRequest struct {
	Reference   string
	Amount      int64
	Currency    string
	Email       string
	CallbackURL string
}

// VerifyResult — нормализованный ответ провайдера на проверку транзакции.
// Amount приведён к основным единицам валюты независимо от провайдера.
type VerifyResult struct {
	Status        VerifyStatus
	Reference     string
	Amount        int64
	Currency      string
	Email         string
	ProviderTxnID string
	PaymentMethod string
}

// EventChargeSuccessful — нормализованный тип события успешной оплаты.
// Провайдерские названия ("charge.success", "charge.completed") приводятся
// к этому значению внутри ParseWebhook.
const EventChargeSuccessful = "charge.successful"

// WebhookEvent — нормализованное push-событие провайдера.
// Amount приведён к основным единицам валюты.
type WebhookEvent struct {
	Type          string
	Reference     string
	Email         string
	TxnID         string
	Amount        int64
	Currency      string
	PaymentMethod string
}

// Gateway описывает контракт платёжного провайдера: создание сессии,
// проверка транзакции и аутентификация входящих вебхуков.
type Gateway interface {
	Name() model.Provider
	Initiate(ctx context.Context, req InitiateRequest) (string, error)
	Verify(ctx context.Context, reference string) (*VerifyResult, error)
	VerifyWebhook(signature string, body []byte) bool
	ParseWebhook(body []byte) (*WebhookEvent, error)
}

// newHTTPClient создаёт HTTP-клиент с ограниченным числом повторов
// для исходящих запросов к провайдеру.
func newHTTPClient() *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 3 * time.Second
	rc.HTTPClient.Timeout = 10 * time.Second
	rc.Logger = nil
	return rc.StandardClient()
}
