package service

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"mpesapay/internal/metrics"
	"mpesapay/internal/model"
	"mpesapay/internal/provider/mpesa"
	"mpesapay/internal/repository"

	"go.uber.org/zap"
)

// ResultCodeQueueTimeout marks payouts the provider dropped from its queue.
const ResultCodeQueueTimeout = "QUEUE_TIMEOUT"

// WebhookService turns provider calls into reconciliation. Each handler
// records the raw payload before anything else and never fails because of
// the payload alone; the HTTP adapter acknowledges regardless of the error.
type WebhookService struct {
	store     repository.Store
	reconcile *ReconcileService
	timeout   time.Duration
	logger    *zap.Logger
}

func NewWebhookService(store repository.Store, reconcile *ReconcileService, timeout time.Duration, logger *zap.Logger) *WebhookService {
	return &WebhookService{
		store:     store,
		reconcile: reconcile,
		timeout:   timeout,
		logger:    logger.Named("Webhook"),
	}
}

// record writes the audit row. A failed write is logged and processing goes
// on, since the provider will not send the payload again once acknowledged.
func (s *WebhookService) record(ctx context.Context, kind, correlationID, resultCode, resultDesc string, payload []byte) {
	rec := &model.CallbackRecord{
		Kind:          kind,
		CorrelationID: correlationID,
		ResultCode:    resultCode,
		ResultDesc:    truncate(resultDesc, 512),
		Payload:       string(payload),
	}
	if err := s.store.Callbacks().Create(ctx, rec); err != nil {
		s.logger.Error("record callback failed",
			zap.String("kind", kind),
			zap.String("correlation_id", correlationID),
			zap.String("payload", string(payload)),
			zap.Error(err))
	}
}

// processing detaches business logic from the provider's connection and
// bounds it.
func (s *WebhookService) processing(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// HandleSTKResult covers both the order payment and the wallet top-up
// callback URLs.
func (s *WebhookService) HandleSTKResult(ctx context.Context, payload []byte) (Outcome, error) {
	result, parseErr := mpesa.ParseSTKCallback(payload)
	metrics.RecordCallback(model.CallbackKindSTK, parseErr == nil)
	if parseErr != nil {
		s.record(ctx, model.CallbackKindSTK, "", "", "", payload)
		return "", parseErr
	}
	s.record(ctx, model.CallbackKindSTK, result.CorrelationID, result.ResultCode, result.ResultDesc, payload)

	ctx, cancel := s.processing(ctx)
	defer cancel()
	outcome, _, err := s.reconcile.ApplyCallback(ctx, FromCallback(result, model.MetaCallbackData),
		model.TransactionKindPayment, model.TransactionKindWalletTopUp)
	return outcome, err
}

// HandleC2BValidation accepts every paybill payment; it is recorded for audit.
func (s *WebhookService) HandleC2BValidation(ctx context.Context, payload []byte) error {
	p, err := mpesa.ParseC2B(payload)
	metrics.RecordCallback(model.CallbackKindC2BValidation, err == nil)
	if err != nil {
		s.record(ctx, model.CallbackKindC2BValidation, "", "", "", payload)
		return err
	}
	s.record(ctx, model.CallbackKindC2BValidation, p.TransID, "", p.BillRefNumber, payload)
	return nil
}

// HandleC2BConfirmation books a confirmed paybill payment for the user whose
// phone number ends with the same nine digits. Unknown payers are only
// recorded.
func (s *WebhookService) HandleC2BConfirmation(ctx context.Context, payload []byte) (Outcome, error) {
	p, err := mpesa.ParseC2B(payload)
	metrics.RecordCallback(model.CallbackKindC2BConfirmation, err == nil)
	if err != nil {
		s.record(ctx, model.CallbackKindC2BConfirmation, "", "", "", payload)
		return "", err
	}
	s.record(ctx, model.CallbackKindC2BConfirmation, p.TransID, mpesa.ResultCodeSuccess, p.BillRefNumber, payload)

	ctx, cancel := s.processing(ctx)
	defer cancel()
	outcome, _, err := s.reconcile.ApplyDirectDeposit(ctx, C2BDeposit{
		TransID:       p.TransID,
		Amount:        p.Amount(),
		Phone:         p.Phone(),
		BillRefNumber: p.BillRefNumber,
		Raw: map[string]interface{}{
			"transactionType": p.TransactionType,
			"transId":         p.TransID,
			"transTime":       p.TransTime,
			"transAmount":     p.Amount().String(),
			"billRefNumber":   p.BillRefNumber,
			"msisdn":          p.Phone(),
			"firstName":       p.FirstName,
		},
	})
	if outcome == OutcomeUnmatched {
		s.logger.Warn("c2b payment from unknown payer", zap.String("trans_id", p.TransID))
	}
	return outcome, err
}

// HandleB2CResult settles a refund payout.
func (s *WebhookService) HandleB2CResult(ctx context.Context, payload []byte) (Outcome, error) {
	result, err := mpesa.ParseResult(payload)
	metrics.RecordCallback(model.CallbackKindB2CResult, err == nil)
	if err != nil {
		s.record(ctx, model.CallbackKindB2CResult, "", "", "", payload)
		return "", err
	}
	s.record(ctx, model.CallbackKindB2CResult, result.CorrelationID, result.ResultCode, result.ResultDesc, payload)

	ctx, cancel := s.processing(ctx)
	defer cancel()
	outcome, _, err := s.reconcile.ApplyCallback(ctx, FromCallback(result, model.MetaB2CResult), model.TransactionKindRefund)
	return outcome, err
}

// HandleB2CTimeout fails the payout so the refund can be approved again.
func (s *WebhookService) HandleB2CTimeout(ctx context.Context, payload []byte) (Outcome, error) {
	result, err := mpesa.ParseResult(payload)
	metrics.RecordCallback(model.CallbackKindB2CTimeout, err == nil)
	if err != nil {
		s.record(ctx, model.CallbackKindB2CTimeout, "", "", "", payload)
		return "", err
	}
	s.record(ctx, model.CallbackKindB2CTimeout, result.CorrelationID, result.ResultCode, result.ResultDesc, payload)

	pr := FromCallback(result, model.MetaB2CResult)
	pr.ResultCode = ResultCodeQueueTimeout
	if pr.ResultDesc == "" {
		pr.ResultDesc = "payout request timed out in the provider queue"
	}

	ctx, cancel := s.processing(ctx)
	defer cancel()
	outcome, _, err := s.reconcile.ApplyCallback(ctx, pr, model.TransactionKindRefund)
	return outcome, err
}

// HandleBalanceResult logs the merchant balance figures. Timeouts arrive
// here too.
func (s *WebhookService) HandleBalanceResult(ctx context.Context, kind string, payload []byte) error {
	result, err := mpesa.ParseResult(payload)
	metrics.RecordCallback(kind, err == nil)
	if err != nil {
		s.record(ctx, kind, "", "", "", payload)
		return err
	}
	s.record(ctx, kind, result.CorrelationID, result.ResultCode, result.ResultDesc, payload)

	fields := []zap.Field{
		zap.String("kind", kind),
		zap.String("correlation_id", result.CorrelationID),
		zap.String("result_code", result.ResultCode),
		zap.String("result_desc", result.ResultDesc),
	}
	if balance, ok := result.Params["AccountBalance"]; ok {
		fields = append(fields, zap.String("account_balance", fmt.Sprint(balance)))
	}
	s.logger.Info("merchant balance result", fields...)
	return nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
