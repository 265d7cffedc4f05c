// Package handler содержит HTTP-обработчики API платёжного ядра Vectorise.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vectorise/vectorise-payments/internal/gateway"
	"github.com/vectorise/vectorise-payments/internal/middleware"
	"github.com/vectorise/vectorise-payments/internal/model"
	"github.com/vectorise/vectorise-payments/internal/repository"
	"github.com/vectorise/vectorise-payments/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	InitiatePayment(ctx context.Context, req service.InitiationRequest) (*service.InitiationResult, error)
	PaymentStatus(ctx context.Context, reference string) (*model.Payment, error)
	VerifyTransaction(ctx context.Context, provider model.Provider, transactionID, productID string) (*service.VerifyOutcome, error)
	HandleWebhookEvent(ctx context.Context, event *gateway.WebhookEvent) error
	ProvisionPartner(ctx context.Context, email, name string) (*model.Partner, error)
	NotificationsByParticipant(ctx context.Context, participantID string) ([]model.Notification, error)
}

// Handler реализует HTTP-обработчики API платёжного ядра.
type Handler struct {
	service   Service
	gateways  map[model.Provider]gateway.Gateway
	logger    *zap.Logger
	adminAuth *middleware.AdminAuth
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, gateways map[model.Provider]gateway.Gateway, logger *zap.Logger, adminAuth *middleware.AdminAuth) *Handler {
	if gateways == nil {
		gateways = map[model.Provider]gateway.Gateway{}
	}
	return &Handler{
		service:   s,
		gateways:  gateways,
		logger:    logger,
		adminAuth: adminAuth,
	}
}

func parseProvider(s string) (model.Provider, bool) {
	switch model.Provider(s) {
	case model.ProviderFlutterwave:
		return model.ProviderFlutterwave, true
	case model.ProviderPaystack:
		return model.ProviderPaystack, true
	}
	return "", false
}

type initiateRequest struct {
	Email         string `json:"email"`
	Amount        int64  `json:"amount"`
	ProductID     string `json:"productId"`
	ParticipantID string `json:"participantId"`
	Currency      string `json:"currency"`
	Provider      string `json:"provider"`
}

type initiateResponse struct {
	RedirectURL string `json:"redirectUrl"`
	Reference   string `json:"reference"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
}

// Initiate создаёт платёж и возвращает URL страницы оплаты провайдера.
func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.ProductID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Provider == "" {
		req.Provider = string(model.ProviderPaystack)
	}
	provider, ok := parseProvider(req.Provider)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	result, err := h.service.InitiatePayment(r.Context(), service.InitiationRequest{
		Email:         req.Email,
		ParticipantID: req.ParticipantID,
		ProductID:     req.ProductID,
		Provider:      provider,
		DisplayAmount: req.Amount,
		Currency:      req.Currency,
	})
	if err != nil {
		h.logger.Error("initiate payment error", zap.Error(err), zap.String("productID", req.ProductID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(initiateResponse{
		RedirectURL: result.RedirectURL,
		Reference:   result.Reference,
		Amount:      result.Amount,
		Currency:    result.Currency,
	}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type statusResponse struct {
	Status        string `json:"status"`
	ProductID     string `json:"productId"`
	ParticipantID string `json:"participantId"`
	Email         string `json:"email"`
	FailureReason string `json:"failureReason,omitempty"`
}

// Status возвращает текущий статус платежа по ссылке.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	reference := r.URL.Query().Get("reference")
	if reference == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	p, err := h.service.PaymentStatus(r.Context(), reference)
	if err != nil {
		if errors.Is(err, repository.ErrPaymentNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("payment status error", zap.Error(err), zap.String("reference", reference))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	// Статус опрашивается в цикле, ответ не должен кэшироваться.
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(statusResponse{
		Status:        string(p.Status),
		ProductID:     p.ProductID,
		ParticipantID: p.ParticipantID,
		Email:         p.Email,
		FailureReason: p.FailureReason,
	}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type verifyResponse struct {
	Status    string `json:"status"`
	Email     string `json:"email,omitempty"`
	Amount    int64  `json:"amount,omitempty"`
	Reference string `json:"reference,omitempty"`
}

// Verify выполняет прямую проверку транзакции у провайдера.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	transactionID := r.URL.Query().Get("transactionId")
	productID := r.URL.Query().Get("productId")
	if transactionID == "" || productID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	providerParam := r.URL.Query().Get("provider")
	if providerParam == "" {
		providerParam = string(model.ProviderFlutterwave)
	}
	provider, ok := parseProvider(providerParam)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	outcome, err := h.service.VerifyTransaction(r.Context(), provider, transactionID, productID)
	if err != nil {
		h.logger.Error("verify transaction error", zap.Error(err), zap.String("transactionID", transactionID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(verifyResponse{
		Status:    string(outcome.Status),
		Email:     outcome.Email,
		Amount:    outcome.Amount,
		Reference: outcome.Reference,
	}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// Webhook принимает push-уведомление провайдера. Провайдер распознаётся по
// заголовку подписи; запрос без корректной подписи отклоняется без каких-либо
// изменений состояния.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var gw gateway.Gateway
	var signature string

	if sig := r.Header.Get(gateway.PaystackSignatureHeader); sig != "" {
		gw = h.gateways[model.ProviderPaystack]
		signature = sig
	} else if sig := r.Header.Get(gateway.FlutterwaveSignatureHeader); sig != "" {
		gw = h.gateways[model.ProviderFlutterwave]
		signature = sig
	}

	if gw == nil || !gw.VerifyWebhook(signature, body) {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	event, err := gw.ParseWebhook(body)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.HandleWebhookEvent(r.Context(), event); err != nil {
		// Не-2xx заставляет провайдера повторить доставку.
		h.logger.Error("webhook processing error", zap.Error(err),
			zap.String("provider", string(gw.Name())), zap.String("reference", event.Reference))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type provisionPartnerRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type partnerResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// ProvisionPartner создаёт учётную запись партнёра с профилем.
func (h *Handler) ProvisionPartner(w http.ResponseWriter, r *http.Request) {
	var req provisionPartnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Email == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	partner, err := h.service.ProvisionPartner(r.Context(), req.Email, req.Name)
	if err != nil {
		if errors.Is(err, repository.ErrPartnerExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("provision partner error", zap.Error(err), zap.String("email", req.Email))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(partnerResponse{
		ID:    partner.ID,
		Email: partner.Email,
		Name:  partner.Name,
	}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type notificationResponse struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at"`
}

// Notifications возвращает ленту уведомлений участника.
func (h *Handler) Notifications(w http.ResponseWriter, r *http.Request) {
	participantID := chi.URLParam(r, "participantID")
	if participantID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	notifications, err := h.service.NotificationsByParticipant(r.Context(), participantID)
	if err != nil {
		h.logger.Error("get notifications error", zap.Error(err), zap.String("participantID", participantID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(notifications) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]notificationResponse, 0, len(notifications))
	for _, n := range notifications {
		resp = append(resp, notificationResponse{
			ID:        n.ID,
			Title:     n.Title,
			Body:      n.Body,
			CreatedAt: n.CreatedAt.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}
