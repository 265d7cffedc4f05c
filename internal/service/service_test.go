package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vectorise/vectorise-payments/internal/gateway"
	"github.com/vectorise/vectorise-payments/internal/model"
	"github.com/vectorise/vectorise-payments/internal/pricing"
	"github.com/vectorise/vectorise-payments/internal/repository"
)

type stubRepo struct {
	payment        *model.Payment
	getErr         error
	createdPayment *model.Payment
	createErr      error

	markFailedRefs    []string
	markFailedReasons []string
	markFailedResult  bool
	markFailedErr     error

	fulfillCalls  int
	fulfillParams repository.FulfillmentParams
	fulfillResult bool
	fulfillErr    error

	stale    []model.Payment
	staleErr error

	partnerErr error

	notifications    []model.Notification
	notificationsErr error
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreatePayment(ctx context.Context, p *model.Payment) error {
	s.createdPayment = p
	return s.createErr
}

func (s *stubRepo) GetPaymentByReference(ctx context.Context, reference string) (*model.Payment, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.payment, nil
}

func (s *stubRepo) MarkPaymentFailed(ctx context.Context, reference, reason string) (bool, error) {
	s.markFailedRefs = append(s.markFailedRefs, reference)
	s.markFailedReasons = append(s.markFailedReasons, reason)
	return s.markFailedResult, s.markFailedErr
}

func (s *stubRepo) FulfillPayment(ctx context.Context, params repository.FulfillmentParams) (bool, error) {
	s.fulfillCalls++
	s.fulfillParams = params
	return s.fulfillResult, s.fulfillErr
}

func (s *stubRepo) GetStalePendingPayments(ctx context.Context, olderThan time.Duration, limit int) ([]model.Payment, error) {
	return s.stale, s.staleErr
}

func (s *stubRepo) CreatePartner(ctx context.Context, partner *model.Partner) error {
	return s.partnerErr
}

func (s *stubRepo) GetNotificationsByParticipant(ctx context.Context, participantID string) ([]model.Notification, error) {
	return s.notifications, s.notificationsErr
}

type stubGateway struct {
	name model.Provider

	initiateURL string
	initiateErr error
	initiateReq *gateway.InitiateRequest

	verifyCalls  int
	verifyResult *gateway.VerifyResult
	verifyErr    error

	webhookOK bool
}

func (g *stubGateway) Name() model.Provider { return g.name }

func (g *stubGateway) Initiate(ctx context.Context, req gateway.InitiateRequest) (string, error) {
	g.initiateReq = &req
	return g.initiateURL, g.initiateErr
}

func (g *stubGateway) Verify(ctx context.Context, reference string) (*gateway.VerifyResult, error) {
	g.verifyCalls++
	return g.verifyResult, g.verifyErr
}

func (g *stubGateway) VerifyWebhook(signature string, body []byte) bool {
	return g.webhookOK
}

func (g *stubGateway) ParseWebhook(body []byte) (*gateway.WebhookEvent, error) {
	return nil, errors.New("not implemented")
}

func newTestService(t *testing.T, repo *stubRepo, gw *stubGateway) *Service {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	gateways := map[model.Provider]gateway.Gateway{}
	if gw != nil {
		gateways[gw.name] = gw
	}

	return NewService(repo, gateways, logger, "https://vectorise.app/pay/callback")
}

func pendingPayment(age time.Duration) *model.Payment {
	return &model.Payment{
		Reference:     "vct-ref",
		ParticipantID: "participant-1",
		Email:         "user@example.com",
		ProductID:     "focus-sprint",
		Amount:        3000,
		Currency:      "NGN",
		Status:        model.PaymentStatusPending,
		Provider:      model.ProviderPaystack,
		CreatedAt:     time.Now().Add(-age),
	}
}

func TestInitiatePayment_UsesRegistryPrice(t *testing.T) {
	repo := &stubRepo{}
	gw := &stubGateway{name: model.ProviderPaystack, initiateURL: "https://checkout.paystack.com/abc"}
	svc := newTestService(t, repo, gw)

	result, err := svc.InitiatePayment(context.Background(), InitiationRequest{
		Email:         "user@example.com",
		ParticipantID: "participant-1",
		ProductID:     "focus-sprint",
		Provider:      model.ProviderPaystack,
		DisplayAmount: 1, // клиентская сумма игнорируется
		Currency:      "USD",
	})
	if err != nil {
		t.Fatalf("InitiatePayment error: %v", err)
	}

	if result.Amount != 3000 || result.Currency != "NGN" {
		t.Fatalf("result = %d %s, want registry price 3000 NGN", result.Amount, result.Currency)
	}
	if !strings.HasPrefix(result.Reference, "vct-") {
		t.Fatalf("reference = %q, want vct- prefix", result.Reference)
	}
	if repo.createdPayment == nil || repo.createdPayment.Amount != 3000 {
		t.Fatalf("persisted payment must carry the authoritative amount: %+v", repo.createdPayment)
	}
	if gw.initiateReq == nil || gw.initiateReq.Amount != 3000 {
		t.Fatalf("gateway must receive the authoritative amount: %+v", gw.initiateReq)
	}
	if !strings.Contains(gw.initiateReq.CallbackURL, "reference="+result.Reference) {
		t.Fatalf("callback URL must encode the reference: %q", gw.initiateReq.CallbackURL)
	}
}

func TestInitiatePayment_UnknownProductFallsBackToDefault(t *testing.T) {
	repo := &stubRepo{}
	gw := &stubGateway{name: model.ProviderPaystack, initiateURL: "https://checkout.paystack.com/abc"}
	svc := newTestService(t, repo, gw)

	result, err := svc.InitiatePayment(context.Background(), InitiationRequest{
		Email:     "user@example.com",
		ProductID: "mystery-sprint",
		Provider:  model.ProviderPaystack,
	})
	if err != nil {
		t.Fatalf("InitiatePayment error: %v", err)
	}
	if result.Amount != 3000 {
		t.Fatalf("unknown product must use the default tier price, got %d", result.Amount)
	}
}

func TestInitiatePayment_UnconfiguredProvider(t *testing.T) {
	repo := &stubRepo{}
	svc := newTestService(t, repo, nil)

	_, err := svc.InitiatePayment(context.Background(), InitiationRequest{
		Email:     "user@example.com",
		ProductID: "focus-sprint",
		Provider:  model.ProviderFlutterwave,
	})
	if !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("err = %v, want ErrUnknownProvider", err)
	}
	if repo.createdPayment != nil {
		t.Fatalf("no payment must be persisted for an unconfigured provider")
	}
}

func TestPaymentStatus_TerminalSkipsProvider(t *testing.T) {
	p := pendingPayment(0)
	p.Status = model.PaymentStatusSuccessful

	repo := &stubRepo{payment: p}
	gw := &stubGateway{name: model.ProviderPaystack, verifyErr: errors.New("must not be called")}
	svc := newTestService(t, repo, gw)

	got, err := svc.PaymentStatus(context.Background(), "vct-ref")
	if err != nil {
		t.Fatalf("PaymentStatus error: %v", err)
	}
	if got.Status != model.PaymentStatusSuccessful {
		t.Fatalf("status = %s, want successful", got.Status)
	}
	if gw.verifyCalls != 0 {
		t.Fatalf("terminal payment must not trigger a provider call")
	}
}

func TestPaymentStatus_SuccessfulVerifyFulfills(t *testing.T) {
	repo := &stubRepo{payment: pendingPayment(time.Minute), fulfillResult: true}
	gw := &stubGateway{
		name: model.ProviderPaystack,
		verifyResult: &gateway.VerifyResult{
			Status:        gateway.VerifyStatusSuccessful,
			Amount:        3000,
			Currency:      "NGN",
			ProviderTxnID: "42",
			PaymentMethod: "card",
		},
	}
	svc := newTestService(t, repo, gw)

	got, err := svc.PaymentStatus(context.Background(), "vct-ref")
	if err != nil {
		t.Fatalf("PaymentStatus error: %v", err)
	}
	if got.Status != model.PaymentStatusSuccessful {
		t.Fatalf("status = %s, want successful", got.Status)
	}
	if repo.fulfillCalls != 1 {
		t.Fatalf("fulfill calls = %d, want 1", repo.fulfillCalls)
	}
	if repo.fulfillParams.DurationDays != 7 || repo.fulfillParams.SprintName != "Focus Sprint" {
		t.Fatalf("fulfillment params must come from the registry: %+v", repo.fulfillParams)
	}
	if got.ProviderTxnID != "42" || got.PaymentMethod != "card" {
		t.Fatalf("provider fields not carried onto the record: %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatalf("updated at must reflect the transition")
	}
}

func TestPaymentStatus_IntegrityViolation(t *testing.T) {
	tests := []struct {
		name     string
		amount   int64
		currency string
	}{
		{name: "amount below price", amount: 2999, currency: "NGN"},
		{name: "currency mismatch", amount: 3000, currency: "USD"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &stubRepo{payment: pendingPayment(time.Minute), markFailedResult: true}
			gw := &stubGateway{
				name: model.ProviderPaystack,
				verifyResult: &gateway.VerifyResult{
					Status:   gateway.VerifyStatusSuccessful,
					Amount:   tt.amount,
					Currency: tt.currency,
				},
			}
			svc := newTestService(t, repo, gw)

			got, err := svc.PaymentStatus(context.Background(), "vct-ref")
			if err != nil {
				t.Fatalf("PaymentStatus error: %v", err)
			}
			if got.Status != model.PaymentStatusFailed {
				t.Fatalf("status = %s, want failed", got.Status)
			}
			if repo.fulfillCalls != 0 {
				t.Fatalf("integrity violation must not fulfill")
			}
			if len(repo.markFailedReasons) != 1 || repo.markFailedReasons[0] != "integrity violation" {
				t.Fatalf("reasons = %v, want [integrity violation]", repo.markFailedReasons)
			}
		})
	}
}

func TestPaymentStatus_AmountAboveExpectedIsAccepted(t *testing.T) {
	repo := &stubRepo{payment: pendingPayment(time.Minute), fulfillResult: true}
	gw := &stubGateway{
		name: model.ProviderPaystack,
		verifyResult: &gateway.VerifyResult{
			Status:   gateway.VerifyStatusSuccessful,
			Amount:   3015, // комиссия сверху допустима
			Currency: "NGN",
		},
	}
	svc := newTestService(t, repo, gw)

	got, err := svc.PaymentStatus(context.Background(), "vct-ref")
	if err != nil {
		t.Fatalf("PaymentStatus error: %v", err)
	}
	if got.Status != model.PaymentStatusSuccessful {
		t.Fatalf("status = %s, want successful", got.Status)
	}
}

func TestPaymentStatus_NotFoundFreshStaysPending(t *testing.T) {
	repo := &stubRepo{payment: pendingPayment(time.Minute)}
	gw := &stubGateway{name: model.ProviderPaystack, verifyErr: gateway.ErrTransactionNotFound}
	svc := newTestService(t, repo, gw)

	got, err := svc.PaymentStatus(context.Background(), "vct-ref")
	if err != nil {
		t.Fatalf("PaymentStatus error: %v", err)
	}
	if got.Status != model.PaymentStatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if len(repo.markFailedRefs) != 0 {
		t.Fatalf("fresh payment must not be failed on not-found")
	}
}

func TestPaymentStatus_NotFoundStaleTimesOut(t *testing.T) {
	repo := &stubRepo{payment: pendingPayment(11 * time.Minute), markFailedResult: true}
	gw := &stubGateway{name: model.ProviderPaystack, verifyErr: gateway.ErrTransactionNotFound}
	svc := newTestService(t, repo, gw)

	got, err := svc.PaymentStatus(context.Background(), "vct-ref")
	if err != nil {
		t.Fatalf("PaymentStatus error: %v", err)
	}
	if got.Status != model.PaymentStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.FailureReason != "not found after timeout" {
		t.Fatalf("reason = %q", got.FailureReason)
	}
	if len(repo.markFailedRefs) != 1 {
		t.Fatalf("markFailed calls = %d, want 1", len(repo.markFailedRefs))
	}
}

func TestPaymentStatus_TransientVerifyErrorKeepsPending(t *testing.T) {
	repo := &stubRepo{payment: pendingPayment(time.Minute)}
	gw := &stubGateway{name: model.ProviderPaystack, verifyErr: errors.New("connection reset")}
	svc := newTestService(t, repo, gw)

	got, err := svc.PaymentStatus(context.Background(), "vct-ref")
	if err != nil {
		t.Fatalf("PaymentStatus error: %v", err)
	}
	if got.Status != model.PaymentStatusPending {
		t.Fatalf("status = %s, want pending (soft failure)", got.Status)
	}
	if len(repo.markFailedRefs) != 0 {
		t.Fatalf("transient verify error must not fail the payment")
	}
}

func TestHandleWebhookEvent_IgnoresOtherEventTypes(t *testing.T) {
	repo := &stubRepo{payment: pendingPayment(time.Minute)}
	svc := newTestService(t, repo, &stubGateway{name: model.ProviderPaystack})

	err := svc.HandleWebhookEvent(context.Background(), &gateway.WebhookEvent{
		Type:      "transfer.completed",
		Reference: "vct-ref",
	})
	if err != nil {
		t.Fatalf("HandleWebhookEvent error: %v", err)
	}
	if repo.fulfillCalls != 0 {
		t.Fatalf("non-charge events must not fulfill")
	}
}

func TestHandleWebhookEvent_FulfillsChargeSuccess(t *testing.T) {
	repo := &stubRepo{payment: pendingPayment(time.Minute), fulfillResult: true}
	svc := newTestService(t, repo, &stubGateway{name: model.ProviderPaystack})

	err := svc.HandleWebhookEvent(context.Background(), &gateway.WebhookEvent{
		Type:          gateway.EventChargeSuccessful,
		Reference:     "vct-ref",
		Amount:        3000,
		Currency:      "NGN",
		TxnID:         "42",
		PaymentMethod: "card",
	})
	if err != nil {
		t.Fatalf("HandleWebhookEvent error: %v", err)
	}
	if repo.fulfillCalls != 1 {
		t.Fatalf("fulfill calls = %d, want 1", repo.fulfillCalls)
	}
	if repo.fulfillParams.ProviderTxnID != "42" {
		t.Fatalf("provider txn id not propagated: %+v", repo.fulfillParams)
	}
}

func TestHandleWebhookEvent_UnknownReferenceAcknowledged(t *testing.T) {
	repo := &stubRepo{getErr: repository.ErrPaymentNotFound}
	svc := newTestService(t, repo, &stubGateway{name: model.ProviderPaystack})

	err := svc.HandleWebhookEvent(context.Background(), &gateway.WebhookEvent{
		Type:      gateway.EventChargeSuccessful,
		Reference: "vct-unknown",
	})
	if err != nil {
		t.Fatalf("unknown reference must be acknowledged, got %v", err)
	}
}

func TestHandleWebhookEvent_IntegrityViolationAcknowledged(t *testing.T) {
	repo := &stubRepo{payment: pendingPayment(time.Minute), markFailedResult: true}
	svc := newTestService(t, repo, &stubGateway{name: model.ProviderPaystack})

	err := svc.HandleWebhookEvent(context.Background(), &gateway.WebhookEvent{
		Type:      gateway.EventChargeSuccessful,
		Reference: "vct-ref",
		Amount:    100,
		Currency:  "NGN",
	})
	if err != nil {
		t.Fatalf("integrity violation is final, retry must not be requested: %v", err)
	}
	if repo.fulfillCalls != 0 {
		t.Fatalf("integrity violation must not fulfill")
	}
}

func TestHandleWebhookEvent_FulfillErrorPropagates(t *testing.T) {
	repo := &stubRepo{payment: pendingPayment(time.Minute), fulfillErr: errors.New("db down")}
	svc := newTestService(t, repo, &stubGateway{name: model.ProviderPaystack})

	err := svc.HandleWebhookEvent(context.Background(), &gateway.WebhookEvent{
		Type:      gateway.EventChargeSuccessful,
		Reference: "vct-ref",
		Amount:    3000,
		Currency:  "NGN",
	})
	if err == nil {
		t.Fatalf("processing failure must propagate so the provider retries")
	}
}

func TestVerifyTransaction_AmountBelowPriceFails(t *testing.T) {
	repo := &stubRepo{payment: pendingPayment(time.Minute)}
	gw := &stubGateway{
		name: model.ProviderFlutterwave,
		verifyResult: &gateway.VerifyResult{
			Status:    gateway.VerifyStatusSuccessful,
			Reference: "vct-ref",
			Amount:    2999,
			Currency:  "NGN",
		},
	}
	svc := newTestService(t, repo, gw)

	outcome, err := svc.VerifyTransaction(context.Background(), model.ProviderFlutterwave, "981", "focus-sprint")
	if err != nil {
		t.Fatalf("VerifyTransaction error: %v", err)
	}
	if outcome.Status != model.PaymentStatusFailed {
		t.Fatalf("status = %s, want failed", outcome.Status)
	}
	if repo.fulfillCalls != 0 {
		t.Fatalf("short payment must not fulfill")
	}
}

func TestVerifyTransaction_SuccessFulfillsKnownReference(t *testing.T) {
	repo := &stubRepo{payment: pendingPayment(time.Minute), fulfillResult: true}
	gw := &stubGateway{
		name: model.ProviderFlutterwave,
		verifyResult: &gateway.VerifyResult{
			Status:        gateway.VerifyStatusSuccessful,
			Reference:     "vct-ref",
			Amount:        3000,
			Currency:      "NGN",
			Email:         "user@example.com",
			ProviderTxnID: "981",
		},
	}
	svc := newTestService(t, repo, gw)

	outcome, err := svc.VerifyTransaction(context.Background(), model.ProviderFlutterwave, "981", "focus-sprint")
	if err != nil {
		t.Fatalf("VerifyTransaction error: %v", err)
	}
	if outcome.Status != model.PaymentStatusSuccessful {
		t.Fatalf("status = %s, want successful", outcome.Status)
	}
	if outcome.Reference != "vct-ref" || outcome.Email != "user@example.com" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if repo.fulfillCalls != 1 {
		t.Fatalf("fulfill calls = %d, want 1", repo.fulfillCalls)
	}
}

func TestVerifyTransaction_NotFoundIsFailed(t *testing.T) {
	repo := &stubRepo{}
	gw := &stubGateway{name: model.ProviderFlutterwave, verifyErr: gateway.ErrTransactionNotFound}
	svc := newTestService(t, repo, gw)

	outcome, err := svc.VerifyTransaction(context.Background(), model.ProviderFlutterwave, "981", "focus-sprint")
	if err != nil {
		t.Fatalf("VerifyTransaction error: %v", err)
	}
	if outcome.Status != model.PaymentStatusFailed {
		t.Fatalf("status = %s, want failed", outcome.Status)
	}
}

func TestProvisionPartner(t *testing.T) {
	repo := &stubRepo{}
	svc := newTestService(t, repo, nil)

	partner, err := svc.ProvisionPartner(context.Background(), "coach@example.com", "Coach")
	if err != nil {
		t.Fatalf("ProvisionPartner error: %v", err)
	}
	if !strings.HasPrefix(partner.ID, "prt-") {
		t.Fatalf("partner id = %q, want prt- prefix", partner.ID)
	}
}

func TestFocusSprintRegistryAnchors(t *testing.T) {
	sprint, known := pricing.Lookup("focus-sprint")
	if !known || sprint.Amount != 3000 {
		t.Fatalf("unexpected registry entry: %+v", sprint)
	}

	progress := model.NewProgress(sprint.DurationDays)
	if len(progress) != 7 {
		t.Fatalf("progress length = %d, want 7", len(progress))
	}
	for _, day := range progress {
		if day.Completed {
			t.Fatalf("day %d must start incomplete", day.Day)
		}
	}
}

func TestStartReconciliation_NoGateways(t *testing.T) {
	svc := NewService(&stubRepo{}, nil, zap.NewNop(), "")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})

	go func() {
		svc.StartReconciliation(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("StartReconciliation did not return without gateways")
	}
}
