// Package service реализует бизнес-логику платёжного ядра Vectorise.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vectorise/vectorise-payments/internal/gateway"
	"github.com/vectorise/vectorise-payments/internal/model"
	"github.com/vectorise/vectorise-payments/internal/pricing"
	"github.com/vectorise/vectorise-payments/internal/repository"
)

// staleTimeout — возраст pending-платежа, после которого ответ провайдера
// «транзакция не найдена» переводит платёж в failed.
const staleTimeout = 10 * time.Minute

// ErrUnknownProvider возвращается для провайдера, которого сервис не знает
// или для которого не настроен секретный ключ.
var ErrUnknownProvider = errors.New("unknown payment provider")

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreatePayment(ctx context.Context, p *model.Payment) error
	GetPaymentByReference(ctx context.Context, reference string) (*model.Payment, error)
	MarkPaymentFailed(ctx context.Context, reference, reason string) (bool, error)
	FulfillPayment(ctx context.Context, params repository.FulfillmentParams) (bool, error)
	GetStalePendingPayments(ctx context.Context, olderThan time.Duration, limit int) ([]model.Payment, error)
	CreatePartner(ctx context.Context, partner *model.Partner) error
	GetNotificationsByParticipant(ctx context.Context, participantID string) ([]model.Notification, error)
}

// Service содержит бизнес-логику платёжного ядра Vectorise.
type Service struct {
	repo        Repository
	gateways    map[model.Provider]gateway.Gateway
	logger      *zap.Logger
	callbackURL string
}

// NewService создаёт новый сервис с указанным репозиторием и клиентами провайдеров.
func NewService(repo Repository, gateways map[model.Provider]gateway.Gateway, logger *zap.Logger, callbackURL string) *Service {
	if gateways == nil {
		gateways = map[model.Provider]gateway.Gateway{}
	}
	return &Service{
		repo:        repo,
		gateways:    gateways,
		logger:      logger,
		callbackURL: callbackURL,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

func (s *Service) gatewayFor(provider model.Provider) (gateway.Gateway, error) {
	gw, ok := s.gateways[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return gw, nil
}

// newReference генерирует глобально уникальную ссылку платежа.
func newReference() string {
	return "vct-" + uuid.NewString()
}

// InitiationRequest описывает запрос на создание платежа.
// DisplayAmount — сумма, заявленная клиентом; используется только для
// журналирования, авторитетная цена берётся из реестра.
type InitiationRequest struct {
	Email         string
	ParticipantID string
	ProductID     string
	Provider      model.Provider
	DisplayAmount int64
	Currency      string
}

// InitiationResult — результат создания платежа.
type InitiationResult struct {
	Reference   string
	RedirectURL string
	Amount      int64
	Currency    string
}

// InitiatePayment создаёт pending-платёж и платёжную сессию у провайдера.
func (s *Service) InitiatePayment(ctx context.Context, req InitiationRequest) (*InitiationResult, error) {
	gw, err := s.gatewayFor(req.Provider)
	if err != nil {
		return nil, err
	}

	sprint, known := pricing.Lookup(req.ProductID)
	if !known {
		s.logger.Warn("unknown product id, falling back to default tier",
			zap.String("productID", req.ProductID))
	}
	if req.DisplayAmount != 0 && req.DisplayAmount != sprint.Amount {
		s.logger.Info("client-declared amount ignored",
			zap.String("productID", req.ProductID),
			zap.Int64("declared", req.DisplayAmount),
			zap.Int64("authoritative", sprint.Amount))
	}

	reference := newReference()

	payment := &model.Payment{
		Reference:     reference,
		ParticipantID: req.ParticipantID,
		Email:         req.Email,
		ProductID:     sprint.ID,
		Amount:        sprint.Amount,
		Currency:      sprint.Currency,
		Status:        model.PaymentStatusPending,
		Provider:      req.Provider,
	}

	if err := s.repo.CreatePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}

	redirectURL, err := gw.Initiate(ctx, gateway.InitiateRequest{
		Reference:   reference,
		Amount:      sprint.Amount,
		Currency:    sprint.Currency,
		Email:       req.Email,
		CallbackURL: s.callbackURL + "?reference=" + url.QueryEscape(reference),
	})
	if err != nil {
		// Запись остаётся pending: фоновая сверка переведёт её в failed
		// после таймаута, если провайдер так и не узнает о транзакции.
		return nil, fmt.Errorf("initiate with %s: %w", req.Provider, err)
	}

	return &InitiationResult{
		Reference:   reference,
		RedirectURL: redirectURL,
		Amount:      sprint.Amount,
		Currency:    sprint.Currency,
	}, nil
}

// PaymentStatus возвращает текущий статус платежа. Для pending-платежа
// выполняется проактивная проверка у провайдера; её сбой не прерывает
// ответ — возвращается последнее известное состояние.
func (s *Service) PaymentStatus(ctx context.Context, reference string) (*model.Payment, error) {
	p, err := s.repo.GetPaymentByReference(ctx, reference)
	if err != nil {
		return nil, err
	}

	// Конечный статус возвращается без обращения к провайдеру.
	if p.Terminal() {
		return p, nil
	}

	return s.reconcile(ctx, p), nil
}

// reconcile выполняет проактивную сверку pending-платежа с провайдером.
// Любой сбой сверки оставляет платёж без изменений.
func (s *Service) reconcile(ctx context.Context, p *model.Payment) *model.Payment {
	gw, err := s.gatewayFor(p.Provider)
	if err != nil {
		s.logger.Error("payment references unconfigured provider",
			zap.String("reference", p.Reference), zap.Error(err))
		return p
	}

	res, err := gw.Verify(ctx, p.Reference)
	if errors.Is(err, gateway.ErrTransactionNotFound) {
		if time.Since(p.CreatedAt) <= staleTimeout {
			return p
		}

		reason := "not found after timeout"
		transitioned, markErr := s.repo.MarkPaymentFailed(ctx, p.Reference, reason)
		if markErr != nil {
			s.logger.Error("mark stale payment failed",
				zap.String("reference", p.Reference), zap.Error(markErr))
			return p
		}
		if transitioned {
			s.logger.Info("stale pending payment timed out",
				zap.String("reference", p.Reference))
			p.Status = model.PaymentStatusFailed
			p.FailureReason = reason
		}
		return p
	}
	if err != nil {
		s.logger.Warn("proactive verify failed",
			zap.String("reference", p.Reference), zap.Error(err))
		return p
	}

	switch res.Status {
	case gateway.VerifyStatusSuccessful:
		if !s.checkIntegrity(ctx, p, res.Amount, res.Currency) {
			p.Status = model.PaymentStatusFailed
			p.FailureReason = "integrity violation"
			return p
		}
		if err := s.fulfill(ctx, p, res.ProviderTxnID, res.PaymentMethod); err != nil {
			s.logger.Error("fulfillment failed",
				zap.String("reference", p.Reference), zap.Error(err))
			return p
		}
		p.Status = model.PaymentStatusSuccessful
		p.ProviderTxnID = res.ProviderTxnID
		p.PaymentMethod = res.PaymentMethod
		p.UpdatedAt = time.Now()
	case gateway.VerifyStatusFailed:
		reason := "provider reported failure"
		if _, err := s.repo.MarkPaymentFailed(ctx, p.Reference, reason); err != nil {
			s.logger.Error("mark payment failed",
				zap.String("reference", p.Reference), zap.Error(err))
			return p
		}
		p.Status = model.PaymentStatusFailed
		p.FailureReason = reason
	}

	return p
}

// checkIntegrity проверяет сумму и валюту успешного по данным провайдера
// платежа против сохранённой авторитетной цены. Несовпадение — нарушение
// целостности: платёж помечается failed, а не successful.
func (s *Service) checkIntegrity(ctx context.Context, p *model.Payment, amount int64, currency string) bool {
	// Сумма может превышать ожидаемую (округления, комиссии), но не быть ниже.
	if amount >= p.Amount && currency == p.Currency {
		return true
	}

	s.logger.Error("integrity violation: provider success with mismatched amount or currency",
		zap.String("reference", p.Reference),
		zap.Int64("expectedAmount", p.Amount),
		zap.Int64("reportedAmount", amount),
		zap.String("expectedCurrency", p.Currency),
		zap.String("reportedCurrency", currency))

	if _, err := s.repo.MarkPaymentFailed(ctx, p.Reference, "integrity violation"); err != nil {
		s.logger.Error("mark integrity violation",
			zap.String("reference", p.Reference), zap.Error(err))
	}
	return false
}

// fulfill запускает идемпотентную процедуру зачисления для платежа.
func (s *Service) fulfill(ctx context.Context, p *model.Payment, providerTxnID, paymentMethod string) error {
	sprint, _ := pricing.Lookup(p.ProductID)

	fulfilled, err := s.repo.FulfillPayment(ctx, repository.FulfillmentParams{
		Reference:     p.Reference,
		ProviderTxnID: providerTxnID,
		PaymentMethod: paymentMethod,
		SprintName:    sprint.Name,
		FacilitatorID: sprint.FacilitatorID,
		DurationDays:  sprint.DurationDays,
	})
	if err != nil {
		return err
	}

	if !fulfilled {
		// Повторное срабатывание — штатный no-op, не ошибка.
		s.logger.Debug("fulfillment no-op, payment already successful",
			zap.String("reference", p.Reference))
	}
	return nil
}

// VerifyOutcome — результат прямой проверки транзакции.
type VerifyOutcome struct {
	Status    model.PaymentStatus
	Email     string
	Amount    int64
	Reference string
}

// VerifyTransaction выполняет прямую проверку транзакции у провайдера
// с повторной серверной валидацией суммы и валюты.
func (s *Service) VerifyTransaction(ctx context.Context, provider model.Provider, transactionID, productID string) (*VerifyOutcome, error) {
	gw, err := s.gatewayFor(provider)
	if err != nil {
		return nil, err
	}

	res, err := gw.Verify(ctx, transactionID)
	if errors.Is(err, gateway.ErrTransactionNotFound) {
		return &VerifyOutcome{Status: model.PaymentStatusFailed}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("verify with %s: %w", provider, err)
	}

	outcome := &VerifyOutcome{
		Status:    model.PaymentStatusFailed,
		Email:     res.Email,
		Amount:    res.Amount,
		Reference: res.Reference,
	}

	if res.Status != gateway.VerifyStatusSuccessful {
		return outcome, nil
	}

	sprint, _ := pricing.Lookup(productID)
	if res.Amount < sprint.Amount || res.Currency != sprint.Currency {
		s.logger.Error("integrity violation: provider success with mismatched amount or currency",
			zap.String("transactionID", transactionID),
			zap.String("productID", productID),
			zap.Int64("expectedAmount", sprint.Amount),
			zap.Int64("reportedAmount", res.Amount),
			zap.String("expectedCurrency", sprint.Currency),
			zap.String("reportedCurrency", res.Currency))
		return outcome, nil
	}

	outcome.Status = model.PaymentStatusSuccessful

	// Если проверенная транзакция соответствует известному платежу,
	// зачисление выполняется здесь же.
	if res.Reference != "" {
		p, err := s.repo.GetPaymentByReference(ctx, res.Reference)
		switch {
		case errors.Is(err, repository.ErrPaymentNotFound):
			s.logger.Warn("verified transaction without payment record",
				zap.String("reference", res.Reference))
		case err != nil:
			return nil, fmt.Errorf("get payment: %w", err)
		default:
			if err := s.fulfill(ctx, p, res.ProviderTxnID, res.PaymentMethod); err != nil {
				return nil, fmt.Errorf("fulfill: %w", err)
			}
		}
	}

	return outcome, nil
}

// HandleWebhookEvent обрабатывает аутентифицированное событие провайдера.
// События, отличные от успешной оплаты, подтверждаются и игнорируются.
// Возвращаемая ошибка означает сбой обработки: вызывающая сторона должна
// ответить провайдеру не-2xx, чтобы тот повторил доставку.
func (s *Service) HandleWebhookEvent(ctx context.Context, event *gateway.WebhookEvent) error {
	if event.Type != gateway.EventChargeSuccessful {
		return nil
	}

	p, err := s.repo.GetPaymentByReference(ctx, event.Reference)
	if errors.Is(err, repository.ErrPaymentNotFound) {
		s.logger.Warn("webhook for unknown payment reference",
			zap.String("reference", event.Reference))
		return nil
	}
	if err != nil {
		return fmt.Errorf("get payment: %w", err)
	}

	if event.Amount != 0 || event.Currency != "" {
		if !s.checkIntegrity(ctx, p, event.Amount, event.Currency) {
			// Нарушение целостности — окончательный исход, повтор доставки не поможет.
			return nil
		}
	}

	if err := s.fulfill(ctx, p, event.TxnID, event.PaymentMethod); err != nil {
		return fmt.Errorf("fulfill: %w", err)
	}
	return nil
}

// ProvisionPartner создаёт учётную запись партнёра с профилем.
func (s *Service) ProvisionPartner(ctx context.Context, email, name string) (*model.Partner, error) {
	partner := &model.Partner{
		ID:    "prt-" + uuid.NewString(),
		Email: email,
		Name:  name,
	}

	if err := s.repo.CreatePartner(ctx, partner); err != nil {
		return nil, err
	}
	return partner, nil
}

// NotificationsByParticipant возвращает ленту уведомлений участника.
func (s *Service) NotificationsByParticipant(ctx context.Context, participantID string) ([]model.Notification, error) {
	return s.repo.GetNotificationsByParticipant(ctx, participantID)
}

// StartReconciliation запускает фоновую сверку зависших pending-платежей:
// записи сходятся к конечному статусу, даже если клиент перестал опрашивать
// статус, а вебхук провайдера потерялся.
func (s *Service) StartReconciliation(ctx context.Context) {
	if len(s.gateways) == 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(1 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.reconcileBatch(ctx)
			}
		}
	}()
}

func (s *Service) reconcileBatch(ctx context.Context) {
	payments, err := s.repo.GetStalePendingPayments(ctx, 1*time.Minute, 100)
	if err != nil {
		s.logger.Error("select stale pending payments", zap.Error(err))
		return
	}

	for i := range payments {
		if ctx.Err() != nil {
			return
		}
		s.reconcile(ctx, &payments[i])
	}
}
