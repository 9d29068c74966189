package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"mpesapay/internal/config"
	"mpesapay/internal/metrics"
	"mpesapay/internal/model"
	"mpesapay/internal/provider/mpesa"
	"mpesapay/internal/repository"

	"go.uber.org/zap"
)

// Outcome is what applying a provider result did.
type Outcome string

const (
	OutcomeCompleted           Outcome = "COMPLETED"
	OutcomeDuplicateRedirected Outcome = "DUPLICATE_REDIRECTED"
	OutcomeFailed              Outcome = "FAILED"
	OutcomeStillPending        Outcome = "STILL_PENDING"
	OutcomeAlreadyFinal        Outcome = "ALREADY_FINAL"
	OutcomeUnmatched           Outcome = "UNMATCHED"
	OutcomeAlreadyApplied      Outcome = "ALREADY_APPLIED"
)

// ============================================================================
// Reconciliation engine
// ============================================================================
//
// Every decided result is applied inside one Store.Atomic unit:
//   1. re-read the transaction under lock, stop if it is no longer PENDING
//   2. move it to its terminal status with a conditional update
//   3. apply the side effects (order status, wallet balance, refund request)
//   4. write outbox events
// A failing step rolls the whole unit back and the transaction stays PENDING,
// so the next delivery or poll can apply it again.
// ============================================================================

type ReconcileService struct {
	store   repository.Store
	gateway Gateway
	events  events
	logger  *zap.Logger
	now     func() time.Time
}

func NewReconcileService(store repository.Store, gateway Gateway, topics config.KafkaTopicConfig, logger *zap.Logger) *ReconcileService {
	return &ReconcileService{
		store:   store,
		gateway: gateway,
		events:  events{topics: topics, now: time.Now},
		logger:  logger.Named("Reconcile"),
		now:     time.Now,
	}
}

type resultClass int

const (
	classSuccess resultClass = iota
	classPending
	classFailure
)

func (s *ReconcileService) classify(code string) resultClass {
	switch {
	case code == mpesa.ResultCodeSuccess:
		return classSuccess
	case s.gateway.IsPendingCode(code):
		return classPending
	default:
		return classFailure
	}
}

func resultMetadata(r ProviderResult) map[string]interface{} {
	fields := map[string]interface{}{
		model.MetaResultCode: r.ResultCode,
		model.MetaResultDesc: r.ResultDesc,
	}
	if r.MetaKey != "" && r.Raw != nil {
		fields[r.MetaKey] = r.Raw
	}
	return fields
}

// ApplyCallback matches a webhook result to its transaction by correlation id.
func (s *ReconcileService) ApplyCallback(ctx context.Context, r ProviderResult, kinds ...string) (Outcome, *model.Transaction, error) {
	txn, err := s.store.Transactions().FindByCorrelationID(ctx, r.CorrelationID, kinds...)
	if errors.Is(err, repository.ErrTransactionNotFound) {
		s.logger.Warn("no transaction for provider result",
			zap.String("correlation_id", r.CorrelationID),
			zap.String("result_code", r.ResultCode))
		metrics.RecordReconcile(r.Source, string(OutcomeUnmatched))
		return OutcomeUnmatched, nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("find transaction %s: %w", r.CorrelationID, err)
	}
	return s.ApplyResult(ctx, txn.ID, r)
}

// ApplyResult applies a provider result to transaction txnID. Replaying the
// same result, or applying a later one to a settled transaction, changes
// nothing and reports ALREADY_FINAL.
func (s *ReconcileService) ApplyResult(ctx context.Context, txnID int64, r ProviderResult) (Outcome, *model.Transaction, error) {
	var (
		outcome Outcome
		err     error
	)
	switch s.classify(r.ResultCode) {
	case classPending:
		outcome, err = s.applyPending(ctx, txnID, r)
	case classSuccess:
		err = s.store.Atomic(ctx, func(st repository.Store) error {
			outcome, err = s.applySuccess(ctx, st, txnID, r)
			return err
		})
	default:
		err = s.store.Atomic(ctx, func(st repository.Store) error {
			outcome, err = s.applyFailure(ctx, st, txnID, r)
			return err
		})
	}
	if err != nil {
		s.logger.Error("apply provider result failed",
			zap.Int64("transaction_id", txnID),
			zap.String("correlation_id", r.CorrelationID),
			zap.String("result_code", r.ResultCode),
			zap.Error(err))
		return "", nil, err
	}

	metrics.RecordReconcile(r.Source, string(outcome))
	s.logger.Info("provider result applied",
		zap.Int64("transaction_id", txnID),
		zap.String("correlation_id", r.CorrelationID),
		zap.String("result_code", r.ResultCode),
		zap.String("outcome", string(outcome)))

	txn, err := s.store.Transactions().Get(ctx, txnID)
	if err != nil {
		return outcome, nil, err
	}
	return outcome, txn, nil
}

func (s *ReconcileService) applyPending(ctx context.Context, txnID int64, r ProviderResult) (Outcome, error) {
	err := s.store.Transactions().AppendMetadata(ctx, txnID, resultMetadata(r))
	if errors.Is(err, repository.ErrTransactionNotPending) {
		return OutcomeAlreadyFinal, nil
	}
	if err != nil {
		return "", err
	}
	return OutcomeStillPending, nil
}

func (s *ReconcileService) applyFailure(ctx context.Context, st repository.Store, txnID int64, r ProviderResult) (Outcome, error) {
	txn, err := st.Transactions().GetForUpdate(ctx, txnID)
	if err != nil {
		return "", err
	}
	if txn.Status != model.TransactionStatusPending {
		return OutcomeAlreadyFinal, nil
	}

	patch := repository.TransactionPatch{Metadata: model.MergeMetadata(txn.Metadata, resultMetadata(r))}
	if err := st.Transactions().Transition(ctx, txn.ID, model.TransactionStatusPending, model.TransactionStatusFailed, patch); err != nil {
		if errors.Is(err, repository.ErrTransactionNotPending) {
			return OutcomeAlreadyFinal, nil
		}
		return "", err
	}
	txn.Status = model.TransactionStatusFailed

	// The refund request stays APPROVED so the payout can be retried.
	if txn.Kind == model.TransactionKindRefund && txn.OrderID != nil {
		note := fmt.Sprintf("refund payout failed: %s (%s)", r.ResultDesc, r.ResultCode)
		if err := st.Orders().AppendHistory(ctx, *txn.OrderID, model.OrderEventRefundPayoutFailed, note); err != nil {
			return "", err
		}
	}

	if err := s.events.transaction(ctx, st, model.EventPaymentFailed, txn); err != nil {
		return "", err
	}
	return OutcomeFailed, nil
}

func (s *ReconcileService) applySuccess(ctx context.Context, st repository.Store, txnID int64, r ProviderResult) (Outcome, error) {
	txn, err := st.Transactions().GetForUpdate(ctx, txnID)
	if err != nil {
		return "", err
	}
	if txn.Status != model.TransactionStatusPending {
		return OutcomeAlreadyFinal, nil
	}

	meta := model.MergeMetadata(txn.Metadata, resultMetadata(r))
	receipt := receiptPtr(r.Receipt)

	switch txn.Kind {
	case model.TransactionKindPayment:
		if txn.OrderID == nil {
			return s.complete(ctx, st, txn, repository.TransactionPatch{ExternalReceiptID: receipt, Metadata: meta})
		}
		return s.settleOrderPayment(ctx, st, txn, receipt, meta)
	case model.TransactionKindWalletTopUp:
		return s.creditWallet(ctx, st, txn, receipt, meta, false)
	case model.TransactionKindRefund:
		return s.completeRefund(ctx, st, txn, receipt, meta)
	default:
		return s.complete(ctx, st, txn, repository.TransactionPatch{ExternalReceiptID: receipt, Metadata: meta})
	}
}

func (s *ReconcileService) complete(ctx context.Context, st repository.Store, txn *model.Transaction, patch repository.TransactionPatch) (Outcome, error) {
	if err := st.Transactions().Transition(ctx, txn.ID, model.TransactionStatusPending, model.TransactionStatusCompleted, patch); err != nil {
		if errors.Is(err, repository.ErrTransactionNotPending) {
			return OutcomeAlreadyFinal, nil
		}
		return "", err
	}
	applyPatch(txn, model.TransactionStatusCompleted, patch)
	if err := s.events.transaction(ctx, st, model.EventPaymentCompleted, txn); err != nil {
		return "", err
	}
	return OutcomeCompleted, nil
}

// settleOrderPayment completes a push payment for an order, or redirects it
// to the payer's wallet when the order already has a completed payment. The
// order row lock serializes concurrent settlements of one order.
func (s *ReconcileService) settleOrderPayment(ctx context.Context, st repository.Store, txn *model.Transaction, receipt *string, meta map[string]interface{}) (Outcome, error) {
	order, err := st.Orders().GetForUpdate(ctx, *txn.OrderID)
	if err != nil {
		return "", err
	}

	existing, err := st.Transactions().FindCompletedPayment(ctx, order.ID, txn.ID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		s.logger.Warn("order already paid, crediting wallet",
			zap.Int64("order_id", order.ID),
			zap.Int64("transaction_id", txn.ID),
			zap.Int64("settled_by", existing.ID))
		meta = model.MergeMetadata(meta, map[string]interface{}{
			model.MetaDuplicatePayment: true,
			model.MetaOriginalOrderRef: strconv.FormatInt(order.ID, 10),
		})
		return s.creditWallet(ctx, st, txn, receipt, meta, true)
	}

	patch := repository.TransactionPatch{ExternalReceiptID: receipt, Metadata: meta}
	if err := st.Transactions().Transition(ctx, txn.ID, model.TransactionStatusPending, model.TransactionStatusCompleted, patch); err != nil {
		if errors.Is(err, repository.ErrTransactionNotPending) {
			return OutcomeAlreadyFinal, nil
		}
		return "", err
	}
	applyPatch(txn, model.TransactionStatusCompleted, patch)

	if err := s.markOrderPaid(ctx, st, order, paymentNote(txn)); err != nil {
		return "", err
	}
	if err := s.events.transaction(ctx, st, model.EventPaymentCompleted, txn); err != nil {
		return "", err
	}
	return OutcomeCompleted, nil
}

// markOrderPaid moves a PENDING order to PROCESSING. Orders that moved on in
// the meantime only get a history annotation.
func (s *ReconcileService) markOrderPaid(ctx context.Context, st repository.Store, order *model.Order, note string) error {
	if order.Status != model.OrderStatusPending {
		return st.Orders().AppendHistory(ctx, order.ID, model.OrderEventPaymentReceived, note)
	}
	if err := st.Orders().UpdateStatus(ctx, order.ID, model.OrderStatusPending, model.OrderStatusProcessing, note); err != nil {
		return err
	}
	return s.events.orderStatus(ctx, st, order.ID, model.OrderStatusPending, model.OrderStatusProcessing, note)
}

// creditWallet completes txn as a wallet top-up and credits its amount. The
// wallet is created on first use.
func (s *ReconcileService) creditWallet(ctx context.Context, st repository.Store, txn *model.Transaction, receipt *string, meta map[string]interface{}, duplicate bool) (Outcome, error) {
	wallet, err := st.Wallets().GetOrCreate(ctx, txn.UserID)
	if err != nil {
		return "", err
	}

	kind := model.TransactionKindWalletTopUp
	patch := repository.TransactionPatch{
		Kind:              &kind,
		ExternalReceiptID: receipt,
		WalletID:          &wallet.ID,
		Metadata:          meta,
	}
	if err := st.Transactions().Transition(ctx, txn.ID, model.TransactionStatusPending, model.TransactionStatusCompleted, patch); err != nil {
		if errors.Is(err, repository.ErrTransactionNotPending) {
			return OutcomeAlreadyFinal, nil
		}
		return "", err
	}
	applyPatch(txn, model.TransactionStatusCompleted, patch)

	if err := st.Wallets().Increase(ctx, wallet.ID, txn.Amount); err != nil {
		return "", err
	}
	metrics.RecordWalletMovement("credit")

	if duplicate {
		if err := s.events.transaction(ctx, st, model.EventDuplicateRedirect, txn); err != nil {
			return "", err
		}
		return OutcomeDuplicateRedirected, nil
	}
	if err := s.events.transaction(ctx, st, model.EventWalletCredited, txn); err != nil {
		return "", err
	}
	return OutcomeCompleted, nil
}

func (s *ReconcileService) completeRefund(ctx context.Context, st repository.Store, txn *model.Transaction, receipt *string, meta map[string]interface{}) (Outcome, error) {
	patch := repository.TransactionPatch{ExternalReceiptID: receipt, Metadata: meta}
	if err := st.Transactions().Transition(ctx, txn.ID, model.TransactionStatusPending, model.TransactionStatusCompleted, patch); err != nil {
		if errors.Is(err, repository.ErrTransactionNotPending) {
			return OutcomeAlreadyFinal, nil
		}
		return "", err
	}
	applyPatch(txn, model.TransactionStatusCompleted, patch)

	if txn.RefundRequestID != nil {
		req, err := st.Refunds().GetForUpdate(ctx, *txn.RefundRequestID)
		if err != nil {
			return "", err
		}
		if req.Status == model.RefundStatusApproved {
			if err := st.Refunds().UpdateStatus(ctx, req.ID, model.RefundStatusApproved, model.RefundStatusProcessed, repository.RefundUpdate{}); err != nil {
				return "", err
			}
			req.Status = model.RefundStatusProcessed
			if err := s.events.refund(ctx, st, model.EventRefundProcessed, req); err != nil {
				return "", err
			}
		} else {
			s.logger.Warn("refund payout completed for a request that is not APPROVED",
				zap.Int64("refund_request_id", req.ID),
				zap.String("status", req.Status))
		}
	}

	if txn.OrderID != nil {
		note := fmt.Sprintf("refunded via M-Pesa %s", receiptOrDash(txn.ExternalReceiptID))
		if err := cancelOrder(ctx, st, s.events, *txn.OrderID, note); err != nil {
			return "", err
		}
	}
	if err := s.events.transaction(ctx, st, model.EventPaymentCompleted, txn); err != nil {
		return "", err
	}
	return OutcomeCompleted, nil
}

// cancelOrder moves the order to CANCELLED unless it already is.
func cancelOrder(ctx context.Context, st repository.Store, ev events, orderID int64, note string) error {
	order, err := st.Orders().GetForUpdate(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status == model.OrderStatusCancelled {
		return nil
	}
	if err := st.Orders().UpdateStatus(ctx, orderID, order.Status, model.OrderStatusCancelled, note); err != nil {
		return err
	}
	return ev.orderStatus(ctx, st, orderID, order.Status, model.OrderStatusCancelled, note)
}

// ============================================================================
// C2B direct deposits
// ============================================================================

// ApplyDirectDeposit books a confirmed paybill payment. The TransID doubles as
// the receipt, so a replayed confirmation reports ALREADY_APPLIED.
func (s *ReconcileService) ApplyDirectDeposit(ctx context.Context, d C2BDeposit) (Outcome, *model.Transaction, error) {
	outcome, txn, err := s.applyDirectDeposit(ctx, d)
	if err != nil {
		s.logger.Error("apply c2b deposit failed", zap.String("trans_id", d.TransID), zap.Error(err))
		return "", nil, err
	}
	metrics.RecordReconcile(SourceC2B, string(outcome))
	s.logger.Info("c2b deposit applied",
		zap.String("trans_id", d.TransID),
		zap.String("bill_ref", d.BillRefNumber),
		zap.String("outcome", string(outcome)))
	return outcome, txn, nil
}

func (s *ReconcileService) applyDirectDeposit(ctx context.Context, d C2BDeposit) (Outcome, *model.Transaction, error) {
	if !d.Amount.IsPositive() {
		return "", nil, fmt.Errorf("c2b deposit %s has no positive amount", d.TransID)
	}
	if existing, err := s.store.Transactions().FindByReceipt(ctx, d.TransID); err == nil {
		return OutcomeAlreadyApplied, existing, nil
	} else if !errors.Is(err, repository.ErrTransactionNotFound) {
		return "", nil, err
	}

	user, err := s.store.Users().FindByPhoneSuffix(ctx, mpesa.PhoneSuffix(d.Phone))
	if errors.Is(err, repository.ErrUserNotFound) {
		return OutcomeUnmatched, nil, nil
	}
	if err != nil {
		return "", nil, err
	}

	orderRef, hasOrder := OrderRefFromBillRef(d.BillRefNumber)
	receipt := d.TransID
	reference := d.BillRefNumber
	if reference == "" {
		reference = mpesa.Reference(model.ReferencePrefixTopUp, user.ID, mpesa.Timestamp(s.now()))
	}

	var (
		outcome Outcome
		txn     *model.Transaction
	)
	err = s.store.Atomic(ctx, func(st repository.Store) error {
		txn = &model.Transaction{
			Amount:                d.Amount,
			CounterpartyReference: d.TransID,
			Reference:             reference,
			Status:                model.TransactionStatusCompleted,
			ExternalReceiptID:     &receipt,
			UserID:                user.ID,
			Metadata: map[string]interface{}{
				model.MetaC2BTransID:   d.TransID,
				model.MetaPhoneNumber:  d.Phone,
				model.MetaCallbackData: d.Raw,
				model.MetaResultCode:   mpesa.ResultCodeSuccess,
			},
		}

		if hasOrder {
			order, err := lockBillRefOrder(ctx, st, orderRef)
			if err != nil {
				return err
			}
			if order != nil && order.UserID == user.ID {
				return s.depositForOrder(ctx, st, txn, order, &outcome)
			}
		}

		return s.depositToWallet(ctx, st, txn, false, &outcome)
	})
	if errors.Is(err, repository.ErrDuplicateReceipt) {
		existing, findErr := s.store.Transactions().FindByReceipt(ctx, d.TransID)
		if findErr != nil {
			return "", nil, findErr
		}
		return OutcomeAlreadyApplied, existing, nil
	}
	if err != nil {
		return "", nil, err
	}
	return outcome, txn, nil
}

func (s *ReconcileService) depositForOrder(ctx context.Context, st repository.Store, txn *model.Transaction, order *model.Order, outcome *Outcome) error {
	txn.OrderID = &order.ID

	existing, err := st.Transactions().FindCompletedPayment(ctx, order.ID, 0)
	if err != nil {
		return err
	}
	items, err := st.Orders().Items(ctx, order.ID)
	if err != nil {
		return err
	}
	total := model.OrderTotal(items)

	// Already paid, or not enough to settle: the money goes to the wallet.
	if existing != nil || txn.Amount.LessThan(total) || order.Status == model.OrderStatusCancelled {
		txn.Metadata[model.MetaDuplicatePayment] = existing != nil
		txn.Metadata[model.MetaOriginalOrderRef] = strconv.FormatInt(order.ID, 10)
		return s.depositToWallet(ctx, st, txn, existing != nil, outcome)
	}

	txn.Kind = model.TransactionKindPayment
	txn.Description = fmt.Sprintf("Paybill payment for order %s", order.OrderNumber)
	if err := st.Transactions().Create(ctx, txn); err != nil {
		return err
	}
	if err := s.markOrderPaid(ctx, st, order, paymentNote(txn)); err != nil {
		return err
	}
	if err := s.events.transaction(ctx, st, model.EventPaymentCompleted, txn); err != nil {
		return err
	}
	*outcome = OutcomeCompleted
	return nil
}

func (s *ReconcileService) depositToWallet(ctx context.Context, st repository.Store, txn *model.Transaction, duplicate bool, outcome *Outcome) error {
	wallet, err := st.Wallets().GetOrCreate(ctx, txn.UserID)
	if err != nil {
		return err
	}
	txn.Kind = model.TransactionKindWalletTopUp
	txn.WalletID = &wallet.ID
	if txn.Description == "" {
		txn.Description = "Paybill deposit"
	}
	if err := st.Transactions().Create(ctx, txn); err != nil {
		return err
	}
	if err := st.Wallets().Increase(ctx, wallet.ID, txn.Amount); err != nil {
		return err
	}
	metrics.RecordWalletMovement("credit")

	eventType := model.EventWalletCredited
	*outcome = OutcomeCompleted
	if duplicate {
		eventType = model.EventDuplicateRedirect
		*outcome = OutcomeDuplicateRedirected
	}
	return s.events.transaction(ctx, st, eventType, txn)
}

// OrderRefFromBillRef returns what follows the ORDER- prefix of a paybill
// account reference.
func OrderRefFromBillRef(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	prefix := model.ReferencePrefixOrder + "-"
	if len(ref) <= len(prefix) || !strings.EqualFold(ref[:len(prefix)], prefix) {
		return "", false
	}
	return ref[len(prefix):], true
}

// lockBillRefOrder finds the order a paybill reference names. Customers type
// the order number; push references carry ORDER-<id>-<timestamp>. Nil means
// no order matched.
func lockBillRefOrder(ctx context.Context, st repository.Store, orderRef string) (*model.Order, error) {
	head, _, _ := strings.Cut(orderRef, "-")
	for _, number := range []string{orderRef, head} {
		order, err := st.Orders().GetByNumberForUpdate(ctx, number)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, repository.ErrOrderNotFound) {
			return nil, err
		}
	}

	id, err := strconv.ParseInt(head, 10, 64)
	if err != nil || id <= 0 {
		return nil, nil
	}
	order, err := st.Orders().GetForUpdate(ctx, id)
	if errors.Is(err, repository.ErrOrderNotFound) {
		return nil, nil
	}
	return order, err
}

// ============================================================================
// helpers
// ============================================================================

func receiptPtr(receipt string) *string {
	if receipt == "" {
		return nil
	}
	return &receipt
}

func receiptOrDash(receipt *string) string {
	if receipt == nil {
		return "-"
	}
	return *receipt
}

func paymentNote(txn *model.Transaction) string {
	return fmt.Sprintf("paid %s via M-Pesa %s", txn.Amount.StringFixed(2), receiptOrDash(txn.ExternalReceiptID))
}

// applyPatch mirrors a successful Transition on the in-memory copy.
func applyPatch(txn *model.Transaction, status string, patch repository.TransactionPatch) {
	txn.Status = status
	if patch.Kind != nil {
		txn.Kind = *patch.Kind
	}
	if patch.ExternalReceiptID != nil {
		txn.ExternalReceiptID = patch.ExternalReceiptID
	}
	if patch.WalletID != nil {
		txn.WalletID = patch.WalletID
	}
	if patch.CounterpartyReference != nil {
		txn.CounterpartyReference = *patch.CounterpartyReference
	}
	if patch.Metadata != nil {
		txn.Metadata = patch.Metadata
	}
}
