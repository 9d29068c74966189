package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mpesapay/internal/config"
	"mpesapay/internal/infrastructure/lock"
	"mpesapay/internal/metrics"
	"mpesapay/internal/model"
	"mpesapay/internal/provider/mpesa"
	"mpesapay/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	RefundActionApprove = "approve"
	RefundActionReject  = "reject"
)

type RefundService struct {
	store            repository.Store
	gateway          Gateway
	reconcile        *ReconcileService
	locker           lock.Locker
	windowDays       int
	lockTTL          time.Duration
	payoutStaleAfter time.Duration
	events           events
	logger           *zap.Logger
	now              func() time.Time
}

func NewRefundService(store repository.Store, gateway Gateway, reconcile *ReconcileService, locker lock.Locker, biz config.BusinessConfig, topics config.KafkaTopicConfig, logger *zap.Logger) *RefundService {
	return &RefundService{
		store:            store,
		gateway:          gateway,
		reconcile:        reconcile,
		locker:           locker,
		windowDays:       biz.RefundWindowDays,
		lockTTL:          biz.RefundLockTTL,
		payoutStaleAfter: biz.PayoutStaleAfter,
		events:           events{topics: topics, now: time.Now},
		logger:           logger.Named("Refund"),
		now:              time.Now,
	}
}

// ============================================================================
// Refund request
// ============================================================================

type RefundInput struct {
	OrderID  int64  `json:"orderId" binding:"required"`
	Reason   string `json:"reason" binding:"required"`
	Evidence string `json:"evidence"`
}

// RequestRefund opens a refund request for the full order total. Delivered
// orders are refundable within the refund window and need an evidence text.
func (s *RefundService) RequestRefund(ctx context.Context, userID int64, in RefundInput) (*model.RefundRequest, error) {
	if strings.TrimSpace(in.Reason) == "" {
		return nil, validationError("a refund reason is required")
	}

	var req *model.RefundRequest
	err := s.store.Atomic(ctx, func(st repository.Store) error {
		order, err := st.Orders().GetForUpdate(ctx, in.OrderID)
		if errors.Is(err, repository.ErrOrderNotFound) || (err == nil && order.UserID != userID) {
			return notFound("order not found")
		}
		if err != nil {
			return err
		}

		if order.Status == model.OrderStatusCancelled {
			return validationError("this order is already cancelled")
		}
		if order.Status == model.OrderStatusDelivered {
			if err := s.checkDeliveredOrder(ctx, st, order, in.Evidence); err != nil {
				return err
			}
		}

		open, err := st.Refunds().FindOpenByOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		if open != nil {
			return conflict("a refund request already exists for this order", map[string]interface{}{
				"requestId": open.ID,
				"status":    open.Status,
			})
		}

		paid, err := st.Transactions().FindCompletedPayment(ctx, order.ID, 0)
		if err != nil {
			return err
		}
		if paid == nil {
			return conflict("order has no completed payment to refund", nil)
		}

		items, err := st.Orders().Items(ctx, order.ID)
		if err != nil {
			return err
		}

		req = &model.RefundRequest{
			OrderID:  order.ID,
			UserID:   userID,
			Amount:   model.OrderTotal(items),
			Reason:   strings.TrimSpace(in.Reason),
			Evidence: strings.TrimSpace(in.Evidence),
			Status:   model.RefundStatusPending,
		}
		if err := st.Refunds().Create(ctx, req); err != nil {
			return err
		}
		return st.Orders().AppendHistory(ctx, order.ID, model.OrderEventRefundRequested, req.Reason)
	})
	if err != nil {
		return nil, AsError(err)
	}

	s.logger.Info("refund requested",
		zap.Int64("refund_request_id", req.ID),
		zap.Int64("order_id", req.OrderID),
		zap.String("amount", req.Amount.String()))
	return req, nil
}

func (s *RefundService) checkDeliveredOrder(ctx context.Context, st repository.Store, order *model.Order, evidence string) error {
	delivered, err := st.Orders().LatestHistory(ctx, order.ID, model.OrderStatusDelivered)
	if err != nil {
		return err
	}
	if delivered == nil {
		return validationError("delivery date information not found")
	}

	days := int(s.now().Sub(delivered.CreatedAt).Hours() / 24)
	if days > s.windowDays {
		return &Error{
			Kind:    KindValidation,
			Message: fmt.Sprintf("refund not available, the %d-day refund window has expired", s.windowDays),
			Details: map[string]interface{}{
				"deliveredOn":       delivered.CreatedAt,
				"daysSinceDelivery": days,
				"maxAllowedDays":    s.windowDays,
			},
		}
	}
	if strings.TrimSpace(evidence) == "" {
		return &Error{
			Kind:    KindValidation,
			Message: "for delivered orders, please provide a description of the issue",
			Details: map[string]interface{}{"requiredFields": []string{"evidence"}},
		}
	}
	return nil
}

// ============================================================================
// Admin decision
// ============================================================================

type ProcessRefundInput struct {
	RefundRequestID int64  `json:"refundRequestId" binding:"required"`
	Action          string `json:"action" binding:"required"`
	Remarks         string `json:"remarks"`
}

type ProcessRefundResult struct {
	RefundRequest *model.RefundRequest `json:"refundRequest"`
	Transaction   *model.Transaction   `json:"transaction,omitempty"`
}

// ProcessRefund applies an admin decision. Rejecting only closes the
// request. Approving refunds wallet payments straight into the wallet and
// sends provider payments back over B2C; an APPROVED request whose payout
// never went out (or failed) can be approved again to retry it.
func (s *RefundService) ProcessRefund(ctx context.Context, adminID int64, in ProcessRefundInput) (*ProcessRefundResult, error) {
	action := strings.ToLower(strings.TrimSpace(in.Action))
	if action != RefundActionApprove && action != RefundActionReject {
		return nil, validationError(`action must be "approve" or "reject"`)
	}

	mutex := s.locker.NewMutex(lock.RefundKey(in.RefundRequestID), uuid.NewString(), s.lockTTL)
	ok, err := mutex.TryLock(ctx)
	if err != nil {
		return nil, internal("acquire refund lock", err)
	}
	if !ok {
		return nil, conflict("refund request is being processed", nil)
	}
	defer func() {
		if err := mutex.Unlock(context.Background()); err != nil {
			s.logger.Warn("release refund lock", zap.Int64("refund_request_id", in.RefundRequestID), zap.Error(err))
		}
	}()

	req, err := s.store.Refunds().Get(ctx, in.RefundRequestID)
	if err != nil {
		return nil, AsError(err)
	}

	var result *ProcessRefundResult
	if action == RefundActionReject {
		result, err = s.reject(ctx, adminID, req, in.Remarks)
	} else {
		result, err = s.approve(ctx, adminID, req, in.Remarks)
	}
	if err != nil {
		return nil, AsError(err)
	}
	return result, nil
}

func (s *RefundService) reject(ctx context.Context, adminID int64, req *model.RefundRequest, remarks string) (*ProcessRefundResult, error) {
	if req.Status != model.RefundStatusPending {
		return nil, conflict("only pending refund requests can be rejected", map[string]interface{}{"status": req.Status})
	}

	err := s.store.Atomic(ctx, func(st repository.Store) error {
		update := repository.RefundUpdate{ProcessedBy: &adminID, Remarks: remarks}
		if err := st.Refunds().UpdateStatus(ctx, req.ID, model.RefundStatusPending, model.RefundStatusRejected, update); err != nil {
			return err
		}
		note := remarks
		if note == "" {
			note = "refund request rejected"
		}
		if err := st.Orders().AppendHistory(ctx, req.OrderID, model.OrderEventRefundRejected, note); err != nil {
			return err
		}
		req.Status = model.RefundStatusRejected
		return s.events.refund(ctx, st, model.EventRefundRejected, req)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("refund rejected", zap.Int64("refund_request_id", req.ID), zap.Int64("admin_id", adminID))
	return s.result(ctx, req.ID, nil)
}

func (s *RefundService) approve(ctx context.Context, adminID int64, req *model.RefundRequest, remarks string) (*ProcessRefundResult, error) {
	switch req.Status {
	case model.RefundStatusPending:
	case model.RefundStatusApproved:
		return s.retryPayout(ctx, req)
	default:
		return nil, conflict("refund request was already processed", map[string]interface{}{"status": req.Status})
	}

	paid, err := s.store.Transactions().FindCompletedPayment(ctx, req.OrderID, 0)
	if err != nil {
		return nil, err
	}
	if paid == nil {
		return nil, conflict("order has no completed payment to refund", nil)
	}

	if paid.Kind == model.TransactionKindWalletPayment {
		return s.refundToWallet(ctx, adminID, req, paid, remarks)
	}

	phone, err := s.payoutPhone(ctx, req, paid)
	if err != nil {
		return nil, err
	}

	var txn *model.Transaction
	err = s.store.Atomic(ctx, func(st repository.Store) error {
		update := repository.RefundUpdate{ProcessedBy: &adminID, Remarks: remarks}
		if err := st.Refunds().UpdateStatus(ctx, req.ID, model.RefundStatusPending, model.RefundStatusApproved, update); err != nil {
			return err
		}
		req.Status = model.RefundStatusApproved
		txn, err = s.reservePayout(ctx, st, req, phone)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.payout(ctx, req, txn)
}

// refundToWallet settles a refund of a wallet-paid order in one unit.
func (s *RefundService) refundToWallet(ctx context.Context, adminID int64, req *model.RefundRequest, paid *model.Transaction, remarks string) (*ProcessRefundResult, error) {
	var txn *model.Transaction
	err := s.store.Atomic(ctx, func(st repository.Store) error {
		update := repository.RefundUpdate{ProcessedBy: &adminID, Remarks: remarks}
		if err := st.Refunds().UpdateStatus(ctx, req.ID, model.RefundStatusPending, model.RefundStatusProcessed, update); err != nil {
			return err
		}
		req.Status = model.RefundStatusProcessed

		wallet, err := st.Wallets().GetOrCreate(ctx, req.UserID)
		if err != nil {
			return err
		}

		reference := mpesa.Reference(model.ReferencePrefixRefund, req.ID, mpesa.Timestamp(s.now()))
		txn = &model.Transaction{
			Kind:                  model.TransactionKindRefund,
			Amount:                req.Amount,
			CounterpartyReference: reference,
			Reference:             reference,
			Status:                model.TransactionStatusCompleted,
			UserID:                req.UserID,
			OrderID:               &req.OrderID,
			WalletID:              &wallet.ID,
			RefundRequestID:       &req.ID,
			Description:           fmt.Sprintf("Wallet refund for request %d", req.ID),
			Metadata: map[string]interface{}{
				model.MetaRefundRequestID:  req.ID,
				model.MetaOriginalOrderRef: fmt.Sprintf("%d", req.OrderID),
			},
		}
		if err := st.Transactions().Create(ctx, txn); err != nil {
			return err
		}
		if err := st.Wallets().Increase(ctx, wallet.ID, req.Amount); err != nil {
			return err
		}

		if err := cancelOrder(ctx, st, s.events, req.OrderID, fmt.Sprintf("refunded to wallet, request %d", req.ID)); err != nil {
			return err
		}
		if err := s.events.refund(ctx, st, model.EventRefundProcessed, req); err != nil {
			return err
		}
		return s.events.transaction(ctx, st, model.EventWalletCredited, txn)
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordWalletMovement("credit")

	s.logger.Info("refund credited to wallet",
		zap.Int64("refund_request_id", req.ID),
		zap.Int64("transaction_id", txn.ID),
		zap.Int64("original_transaction_id", paid.ID),
		zap.String("amount", req.Amount.String()))
	return s.result(ctx, req.ID, txn)
}

// retryPayout re-sends the payout of an APPROVED request when no payout is in
// flight and none completed.
func (s *RefundService) retryPayout(ctx context.Context, req *model.RefundRequest) (*ProcessRefundResult, error) {
	paid, err := s.store.Transactions().FindCompletedPayment(ctx, req.OrderID, 0)
	if err != nil {
		return nil, err
	}
	if paid == nil {
		return nil, conflict("order has no completed payment to refund", nil)
	}
	phone, err := s.payoutPhone(ctx, req, paid)
	if err != nil {
		return nil, err
	}

	var txn *model.Transaction
	err = s.store.Atomic(ctx, func(st repository.Store) error {
		locked, err := st.Refunds().GetForUpdate(ctx, req.ID)
		if err != nil {
			return err
		}
		if locked.Status != model.RefundStatusApproved {
			return conflict("refund request was already processed", map[string]interface{}{"status": locked.Status})
		}
		existing, err := st.Transactions().FindRefundTransaction(ctx, req.ID,
			model.TransactionStatusPending, model.TransactionStatusCompleted)
		if err != nil {
			return err
		}
		if existing != nil {
			return conflict("refund payout is already in progress or completed", map[string]interface{}{
				"transactionId": existing.ID,
				"status":        existing.Status,
			})
		}
		txn, err = s.reservePayout(ctx, st, req, phone)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("retrying refund payout", zap.Int64("refund_request_id", req.ID), zap.Int64("transaction_id", txn.ID))
	return s.payout(ctx, req, txn)
}

func (s *RefundService) payoutPhone(ctx context.Context, req *model.RefundRequest, paid *model.Transaction) (string, error) {
	phone := paid.MetaString(model.MetaPhoneNumber)
	if user, err := s.store.Users().Get(ctx, req.UserID); err == nil && user.PhoneNumber != "" {
		phone = user.PhoneNumber
	} else if err != nil && !errors.Is(err, repository.ErrUserNotFound) {
		return "", err
	}
	if phone == "" {
		return "", conflict("no phone number on record for the refund payout", nil)
	}
	return phone, nil
}

// reservePayout writes the REFUND/PENDING row before any money moves. Its
// correlation id is the generated reference until the provider answers.
func (s *RefundService) reservePayout(ctx context.Context, st repository.Store, req *model.RefundRequest, phone string) (*model.Transaction, error) {
	reference := mpesa.Reference(model.ReferencePrefixRefund, req.ID, mpesa.Timestamp(s.now()))
	txn := &model.Transaction{
		Kind:                  model.TransactionKindRefund,
		Amount:                req.Amount,
		CounterpartyReference: reference,
		Reference:             reference,
		Status:                model.TransactionStatusPending,
		UserID:                req.UserID,
		OrderID:               &req.OrderID,
		RefundRequestID:       &req.ID,
		Description:           fmt.Sprintf("M-Pesa refund for request %d", req.ID),
		Metadata: map[string]interface{}{
			model.MetaRefundRequestID: req.ID,
			model.MetaPhoneNumber:     mpesa.FormatPhone(phone),
		},
	}
	if err := st.Transactions().Create(ctx, txn); err != nil {
		return nil, fmt.Errorf("reserve refund payout: %w", err)
	}
	return txn, nil
}

// payout sends the B2C payment for a reserved row. The request stays
// APPROVED until the payout result arrives. A provable rejection fails the
// row so the payout can be retried; any other error leaves it PENDING.
func (s *RefundService) payout(ctx context.Context, req *model.RefundRequest, txn *model.Transaction) (*ProcessRefundResult, error) {
	resp, err := s.gateway.B2CPayment(ctx, mpesa.B2CParams{
		Phone:    txn.MetaString(model.MetaPhoneNumber),
		Amount:   txn.Amount,
		Remarks:  fmt.Sprintf("Refund for order %d", req.OrderID),
		Occasion: txn.Reference,
	})
	// the provider may have moved money, so the bookkeeping must not be cut short
	writeCtx := context.WithoutCancel(ctx)
	if err != nil {
		if !mpesa.Rejected(err) {
			s.logger.Error("refund payout outcome unknown",
				zap.Int64("refund_request_id", req.ID),
				zap.Int64("transaction_id", txn.ID),
				zap.Error(err))
			if metaErr := s.store.Transactions().AppendMetadata(writeCtx, txn.ID, map[string]interface{}{
				model.MetaPayoutError: err.Error(),
			}); metaErr != nil {
				s.logger.Warn("record payout error", zap.Int64("transaction_id", txn.ID), zap.Error(metaErr))
			}
			return nil, providerError("the refund payout", err)
		}

		s.logger.Warn("refund payout rejected", zap.Int64("refund_request_id", req.ID), zap.Error(err))
		if failErr := s.failPayout(writeCtx, req, txn, err); failErr != nil {
			s.logger.Error("rejected payout could not be marked failed",
				zap.Int64("transaction_id", txn.ID),
				zap.Error(failErr))
		}
		return nil, providerError("the refund payout", err)
	}

	conversationID := resp.ConversationID
	patch := repository.TransactionPatch{
		CounterpartyReference: &conversationID,
		Metadata: model.MergeMetadata(txn.Metadata, map[string]interface{}{
			model.MetaB2CRequestID:             resp.ConversationID,
			model.MetaOriginatorConversationID: resp.OriginatorConversationID,
		}),
	}
	err = s.store.Transactions().Transition(writeCtx, txn.ID,
		model.TransactionStatusPending, model.TransactionStatusPending, patch)
	if err != nil {
		// The row stays PENDING under its reference, which blocks a second
		// payout until an admin resolves it.
		s.logger.Error("accepted payout could not be linked",
			zap.String("correlation_id", resp.ConversationID),
			zap.Int64("transaction_id", txn.ID),
			zap.Int64("refund_request_id", req.ID),
			zap.Error(err))
		return nil, internal("record refund payout", err)
	}
	applyPatch(txn, model.TransactionStatusPending, patch)

	s.logger.Info("refund payout accepted",
		zap.Int64("refund_request_id", req.ID),
		zap.Int64("transaction_id", txn.ID),
		zap.String("correlation_id", resp.ConversationID))
	return s.result(ctx, req.ID, txn)
}

func (s *RefundService) failPayout(ctx context.Context, req *model.RefundRequest, txn *model.Transaction, cause error) error {
	return s.store.Atomic(ctx, func(st repository.Store) error {
		patch := repository.TransactionPatch{Metadata: model.MergeMetadata(txn.Metadata, map[string]interface{}{
			model.MetaPayoutError: cause.Error(),
		})}
		if err := st.Transactions().Transition(ctx, txn.ID, model.TransactionStatusPending, model.TransactionStatusFailed, patch); err != nil {
			return err
		}
		applyPatch(txn, model.TransactionStatusFailed, patch)
		note := fmt.Sprintf("refund payout rejected: %v", cause)
		if err := st.Orders().AppendHistory(ctx, req.OrderID, model.OrderEventRefundPayoutFailed, note); err != nil {
			return err
		}
		return s.events.transaction(ctx, st, model.EventPaymentFailed, txn)
	})
}

// ============================================================================
// Stale payouts
// ============================================================================

const (
	PayoutOutcomeCompleted = "completed"
	PayoutOutcomeFailed    = "failed"

	// resolvedFailureCode marks a payout an admin declared failed.
	resolvedFailureCode = "ADMIN_FAILED"
)

type ResolvePayoutInput struct {
	TransactionID int64  `json:"transactionId" binding:"required"`
	Outcome       string `json:"outcome" binding:"required"`
	Receipt       string `json:"receipt"`
	Remarks       string `json:"remarks"`
}

// ResolvePayout settles a refund payout whose result never arrived, after the
// admin checked its state with the provider. A completed payout needs the
// M-Pesa receipt; a failed one frees the request for another approve.
func (s *RefundService) ResolvePayout(ctx context.Context, adminID int64, in ResolvePayoutInput) (*ProcessRefundResult, error) {
	outcome := strings.ToLower(strings.TrimSpace(in.Outcome))
	receipt := strings.TrimSpace(in.Receipt)
	switch {
	case outcome != PayoutOutcomeCompleted && outcome != PayoutOutcomeFailed:
		return nil, validationError(`outcome must be "completed" or "failed"`)
	case outcome == PayoutOutcomeCompleted && receipt == "":
		return nil, validationError("a completed payout needs its M-Pesa receipt")
	}

	txn, err := s.store.Transactions().Get(ctx, in.TransactionID)
	if err != nil {
		return nil, AsError(err)
	}
	if txn.Kind != model.TransactionKindRefund || txn.RefundRequestID == nil {
		return nil, validationError("transaction is not a refund payout")
	}
	if txn.Status != model.TransactionStatusPending {
		return nil, conflict("refund payout is already settled", map[string]interface{}{"status": txn.Status})
	}
	if age := s.now().Sub(txn.CreatedAt); age < s.payoutStaleAfter {
		return nil, conflict("refund payout may still get its result", map[string]interface{}{
			"resolvableAfter": txn.CreatedAt.Add(s.payoutStaleAfter),
		})
	}

	mutex := s.locker.NewMutex(lock.RefundKey(*txn.RefundRequestID), uuid.NewString(), s.lockTTL)
	ok, err := mutex.TryLock(ctx)
	if err != nil {
		return nil, internal("acquire refund lock", err)
	}
	if !ok {
		return nil, conflict("refund request is being processed", nil)
	}
	defer func() {
		if err := mutex.Unlock(context.Background()); err != nil {
			s.logger.Warn("release refund lock", zap.Int64("refund_request_id", *txn.RefundRequestID), zap.Error(err))
		}
	}()

	desc := strings.TrimSpace(in.Remarks)
	if desc == "" {
		desc = "payout " + outcome + " per admin review"
	}
	result := ProviderResult{
		CorrelationID: txn.CounterpartyReference,
		ResultCode:    resolvedFailureCode,
		ResultDesc:    desc,
		Raw: map[string]interface{}{
			"adminId": adminID,
			"outcome": outcome,
			"remarks": in.Remarks,
		},
		MetaKey: model.MetaAdminResolution,
		Source:  SourceAdmin,
	}
	if outcome == PayoutOutcomeCompleted {
		result.ResultCode = mpesa.ResultCodeSuccess
		result.Receipt = receipt
		result.Raw["receipt"] = receipt
	}

	applied, settled, err := s.reconcile.ApplyResult(ctx, txn.ID, result)
	if err != nil {
		return nil, AsError(err)
	}
	if applied == OutcomeAlreadyFinal {
		return nil, conflict("refund payout is already settled", map[string]interface{}{"status": settled.Status})
	}

	s.logger.Info("refund payout resolved",
		zap.Int64("transaction_id", txn.ID),
		zap.Int64("admin_id", adminID),
		zap.String("outcome", string(applied)))
	return s.result(ctx, *txn.RefundRequestID, settled)
}

func (s *RefundService) result(ctx context.Context, refundID int64, txn *model.Transaction) (*ProcessRefundResult, error) {
	req, err := s.store.Refunds().Get(ctx, refundID)
	if err != nil {
		return nil, err
	}
	return &ProcessRefundResult{RefundRequest: req, Transaction: txn}, nil
}
