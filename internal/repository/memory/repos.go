package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"mpesapay/internal/model"
	"mpesapay/internal/repository"

	"github.com/shopspring/decimal"
)

func sortByID[T any](list []T, id func(T) int64) {
	sort.Slice(list, func(i, j int) bool { return id(list[i]) < id(list[j]) })
}

// newestFirst orders by created_at desc, id desc.
func newestFirst(list []*model.Transaction) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID > list[j].ID
	})
}

func hasString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func page[T any](list []T, pageNo, limit int) []T {
	if pageNo < 1 {
		pageNo = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	start := (pageNo - 1) * limit
	if start >= len(list) {
		return []T{}
	}
	end := start + limit
	if end > len(list) {
		end = len(list)
	}
	return list[start:end]
}

// ============================================================================
// Transactions
// ============================================================================

type transactionRepo struct{ s *Store }

func copyTxn(t *model.Transaction) *model.Transaction {
	cp := *t
	cp.Metadata = model.MergeMetadata(t.Metadata, nil)
	return &cp
}

func receiptTaken(st *state, receipt *string, exceptID int64) bool {
	if receipt == nil {
		return false
	}
	for id, t := range st.txns {
		if id != exceptID && t.ExternalReceiptID != nil && *t.ExternalReceiptID == *receipt {
			return true
		}
	}
	return false
}

func (r *transactionRepo) Create(ctx context.Context, txn *model.Transaction) error {
	return r.s.do(func(st *state) error {
		if receiptTaken(st, txn.ExternalReceiptID, 0) {
			return repository.ErrDuplicateReceipt
		}
		txn.ID = st.nextID()
		now := r.s.now()
		if txn.CreatedAt.IsZero() {
			txn.CreatedAt = now
		}
		txn.UpdatedAt = now
		st.txns[txn.ID] = copyTxn(txn)
		return nil
	})
}

func (r *transactionRepo) Get(ctx context.Context, id int64) (*model.Transaction, error) {
	var out *model.Transaction
	err := r.s.do(func(st *state) error {
		t, ok := st.txns[id]
		if !ok {
			return repository.ErrTransactionNotFound
		}
		out = copyTxn(t)
		return nil
	})
	return out, err
}

// GetForUpdate is Get: Atomic already serializes units.
func (r *transactionRepo) GetForUpdate(ctx context.Context, id int64) (*model.Transaction, error) {
	return r.Get(ctx, id)
}

func (r *transactionRepo) findFirst(match func(t *model.Transaction) bool, lowest bool) *model.Transaction {
	var found *model.Transaction
	_ = r.s.do(func(st *state) error {
		for _, t := range st.txns {
			if !match(t) {
				continue
			}
			if found == nil || (lowest && t.ID < found.ID) || (!lowest && t.ID > found.ID) {
				found = t
			}
		}
		if found != nil {
			found = copyTxn(found)
		}
		return nil
	})
	return found
}

func (r *transactionRepo) FindByCorrelationID(ctx context.Context, correlationID string, kinds ...string) (*model.Transaction, error) {
	t := r.findFirst(func(t *model.Transaction) bool {
		return t.CounterpartyReference == correlationID && (len(kinds) == 0 || hasString(kinds, t.Kind))
	}, true)
	if t == nil {
		return nil, repository.ErrTransactionNotFound
	}
	return t, nil
}

func (r *transactionRepo) FindByReceipt(ctx context.Context, receipt string) (*model.Transaction, error) {
	t := r.findFirst(func(t *model.Transaction) bool {
		return t.ExternalReceiptID != nil && *t.ExternalReceiptID == receipt
	}, true)
	if t == nil {
		return nil, repository.ErrTransactionNotFound
	}
	return t, nil
}

func (r *transactionRepo) FindCompletedPayment(ctx context.Context, orderID, excludeID int64) (*model.Transaction, error) {
	return r.findFirst(func(t *model.Transaction) bool {
		return t.OrderID != nil && *t.OrderID == orderID &&
			t.Status == model.TransactionStatusCompleted &&
			hasString(model.PaymentKinds, t.Kind) &&
			t.ID != excludeID
	}, true), nil
}

func (r *transactionRepo) FindRefundTransaction(ctx context.Context, refundRequestID int64, statuses ...string) (*model.Transaction, error) {
	return r.findFirst(func(t *model.Transaction) bool {
		return t.Kind == model.TransactionKindRefund &&
			t.RefundRequestID != nil && *t.RefundRequestID == refundRequestID &&
			(len(statuses) == 0 || hasString(statuses, t.Status))
	}, false), nil
}

func (r *transactionRepo) Transition(ctx context.Context, id int64, from, to string, patch repository.TransactionPatch) error {
	return r.s.do(func(st *state) error {
		t, ok := st.txns[id]
		if !ok || t.Status != from {
			return repository.ErrTransactionNotPending
		}
		if patch.ExternalReceiptID != nil && receiptTaken(st, patch.ExternalReceiptID, id) {
			return repository.ErrDuplicateReceipt
		}
		next := copyTxn(t)
		next.Status = to
		if patch.Kind != nil {
			next.Kind = *patch.Kind
		}
		if patch.ExternalReceiptID != nil {
			receipt := *patch.ExternalReceiptID
			next.ExternalReceiptID = &receipt
		}
		if patch.WalletID != nil {
			walletID := *patch.WalletID
			next.WalletID = &walletID
		}
		if patch.CounterpartyReference != nil {
			next.CounterpartyReference = *patch.CounterpartyReference
		}
		if patch.Metadata != nil {
			next.Metadata = model.MergeMetadata(patch.Metadata, nil)
		}
		next.UpdatedAt = r.s.now()
		st.txns[id] = next
		return nil
	})
}

func (r *transactionRepo) AppendMetadata(ctx context.Context, id int64, fields map[string]interface{}) error {
	return r.s.do(func(st *state) error {
		t, ok := st.txns[id]
		if !ok {
			return repository.ErrTransactionNotFound
		}
		if t.Status != model.TransactionStatusPending {
			return repository.ErrTransactionNotPending
		}
		next := copyTxn(t)
		next.Metadata = model.MergeMetadata(t.Metadata, fields)
		next.UpdatedAt = r.s.now()
		st.txns[id] = next
		return nil
	})
}

func (r *transactionRepo) filter(match func(t *model.Transaction) bool) []*model.Transaction {
	var out []*model.Transaction
	_ = r.s.do(func(st *state) error {
		for _, t := range st.txns {
			if match(t) {
				out = append(out, copyTxn(t))
			}
		}
		return nil
	})
	return out
}

func limitTo(list []*model.Transaction, limit int) []*model.Transaction {
	if limit > 0 && len(list) > limit {
		return list[:limit]
	}
	return list
}

func (r *transactionRepo) ListByUser(ctx context.Context, userID int64, limit int) ([]*model.Transaction, error) {
	out := r.filter(func(t *model.Transaction) bool { return t.UserID == userID })
	newestFirst(out)
	return limitTo(out, limit), nil
}

func (r *transactionRepo) ListByWallet(ctx context.Context, walletID int64, limit int) ([]*model.Transaction, error) {
	out := r.filter(func(t *model.Transaction) bool { return t.WalletID != nil && *t.WalletID == walletID })
	newestFirst(out)
	return limitTo(out, limit), nil
}

func (r *transactionRepo) ListStalePending(ctx context.Context, kinds []string, before time.Time, afterID int64, limit int) ([]*model.Transaction, error) {
	out := r.filter(func(t *model.Transaction) bool {
		return t.Status == model.TransactionStatusPending && hasString(kinds, t.Kind) &&
			t.CreatedAt.Before(before) && t.ID > afterID
	})
	sortByID(out, func(t *model.Transaction) int64 { return t.ID })
	return limitTo(out, limit), nil
}

func (r *transactionRepo) List(ctx context.Context, f repository.TransactionFilter) ([]*model.Transaction, int64, error) {
	out := r.filter(func(t *model.Transaction) bool {
		return (f.Status == "" || t.Status == f.Status) &&
			(f.Kind == "" || t.Kind == f.Kind) &&
			(f.UserID == 0 || t.UserID == f.UserID)
	})
	newestFirst(out)
	return page(out, f.Page, f.Limit), int64(len(out)), nil
}

func (r *transactionRepo) SummarizeCompleted(ctx context.Context, from, to time.Time) ([]*repository.TransactionSummary, error) {
	byKind := map[string]*repository.TransactionSummary{}
	for _, t := range r.filter(func(t *model.Transaction) bool {
		return t.Status == model.TransactionStatusCompleted && !t.CreatedAt.Before(from) && t.CreatedAt.Before(to)
	}) {
		sum, ok := byKind[t.Kind]
		if !ok {
			sum = &repository.TransactionSummary{Kind: t.Kind, Total: decimal.Zero}
			byKind[t.Kind] = sum
		}
		sum.Count++
		sum.Total = sum.Total.Add(t.Amount)
	}
	out := make([]*repository.TransactionSummary, 0, len(byKind))
	for _, sum := range byKind {
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out, nil
}

// ============================================================================
// Wallets
// ============================================================================

type walletRepo struct{ s *Store }

func (r *walletRepo) GetByUserID(ctx context.Context, userID int64) (*model.Wallet, error) {
	var out *model.Wallet
	err := r.s.do(func(st *state) error {
		for _, w := range st.wallets {
			if w.UserID == userID {
				cp := *w
				out = &cp
				return nil
			}
		}
		return repository.ErrWalletNotFound
	})
	return out, err
}

func (r *walletRepo) GetOrCreate(ctx context.Context, userID int64) (*model.Wallet, error) {
	var out *model.Wallet
	err := r.s.do(func(st *state) error {
		for _, w := range st.wallets {
			if w.UserID == userID {
				cp := *w
				out = &cp
				return nil
			}
		}
		now := r.s.now()
		w := &model.Wallet{ID: st.nextID(), UserID: userID, Balance: decimal.Zero, CreatedAt: now, UpdatedAt: now}
		st.wallets[w.ID] = w
		cp := *w
		out = &cp
		return nil
	})
	return out, err
}

func (r *walletRepo) Increase(ctx context.Context, walletID int64, amount decimal.Decimal) error {
	return r.s.do(func(st *state) error {
		w, ok := st.wallets[walletID]
		if !ok {
			return repository.ErrWalletNotFound
		}
		next := *w
		next.Balance = w.Balance.Add(amount)
		next.Version++
		next.UpdatedAt = r.s.now()
		st.wallets[walletID] = &next
		return nil
	})
}

func (r *walletRepo) Deduct(ctx context.Context, walletID int64, amount decimal.Decimal) error {
	return r.s.do(func(st *state) error {
		w, ok := st.wallets[walletID]
		if !ok {
			return repository.ErrWalletNotFound
		}
		if w.Balance.LessThan(amount) {
			return repository.ErrBalanceNotEnough
		}
		next := *w
		next.Balance = w.Balance.Sub(amount)
		next.Version++
		next.UpdatedAt = r.s.now()
		st.wallets[walletID] = &next
		return nil
	})
}

// ============================================================================
// Orders
// ============================================================================

type orderRepo struct{ s *Store }

func (r *orderRepo) Get(ctx context.Context, id int64) (*model.Order, error) {
	var out *model.Order
	err := r.s.do(func(st *state) error {
		o, ok := st.orders[id]
		if !ok {
			return repository.ErrOrderNotFound
		}
		cp := *o
		out = &cp
		return nil
	})
	return out, err
}

func (r *orderRepo) GetForUpdate(ctx context.Context, id int64) (*model.Order, error) {
	return r.Get(ctx, id)
}

func (r *orderRepo) GetByNumberForUpdate(ctx context.Context, orderNumber string) (*model.Order, error) {
	var out *model.Order
	err := r.s.do(func(st *state) error {
		for _, o := range st.orders {
			if o.OrderNumber == orderNumber {
				cp := *o
				out = &cp
				return nil
			}
		}
		return repository.ErrOrderNotFound
	})
	return out, err
}

func (r *orderRepo) Items(ctx context.Context, orderID int64) ([]*model.OrderItem, error) {
	var out []*model.OrderItem
	err := r.s.do(func(st *state) error {
		for _, item := range st.items[orderID] {
			cp := *item
			out = append(out, &cp)
		}
		return nil
	})
	return out, err
}

func (r *orderRepo) UpdateStatus(ctx context.Context, orderID int64, from, to, note string) error {
	if !model.CanTransitionTo(from, to) {
		return repository.ErrOrderStatusInvalid
	}
	return r.s.do(func(st *state) error {
		o, ok := st.orders[orderID]
		if !ok || o.Status != from {
			return repository.ErrOrderStatusInvalid
		}
		now := r.s.now()
		next := *o
		next.Status = to
		next.UpdatedAt = now
		st.orders[orderID] = &next
		st.history = append(st.history, &model.OrderStatusHistory{
			ID: st.nextID(), OrderID: orderID, Status: to, Note: note, CreatedAt: now,
		})
		return nil
	})
}

func (r *orderRepo) AppendHistory(ctx context.Context, orderID int64, status, note string) error {
	return r.s.do(func(st *state) error {
		st.history = append(st.history, &model.OrderStatusHistory{
			ID: st.nextID(), OrderID: orderID, Status: status, Note: note, CreatedAt: r.s.now(),
		})
		return nil
	})
}

func (r *orderRepo) LatestHistory(ctx context.Context, orderID int64, status string) (*model.OrderStatusHistory, error) {
	var out *model.OrderStatusHistory
	err := r.s.do(func(st *state) error {
		for _, h := range st.history {
			if h.OrderID != orderID || h.Status != status {
				continue
			}
			if out == nil || h.CreatedAt.After(out.CreatedAt) ||
				(h.CreatedAt.Equal(out.CreatedAt) && h.ID > out.ID) {
				out = h
			}
		}
		if out != nil {
			cp := *out
			out = &cp
		}
		return nil
	})
	return out, err
}

func (r *orderRepo) History(ctx context.Context, orderID int64) ([]*model.OrderStatusHistory, error) {
	var out []*model.OrderStatusHistory
	err := r.s.do(func(st *state) error {
		for _, h := range st.history {
			if h.OrderID == orderID {
				cp := *h
				out = append(out, &cp)
			}
		}
		return nil
	})
	sortByID(out, func(h *model.OrderStatusHistory) int64 { return h.ID })
	return out, err
}

// ============================================================================
// Refunds
// ============================================================================

type refundRepo struct{ s *Store }

func (r *refundRepo) Create(ctx context.Context, req *model.RefundRequest) error {
	return r.s.do(func(st *state) error {
		req.ID = st.nextID()
		now := r.s.now()
		req.CreatedAt, req.UpdatedAt = now, now
		cp := *req
		st.refunds[req.ID] = &cp
		return nil
	})
}

func (r *refundRepo) Get(ctx context.Context, id int64) (*model.RefundRequest, error) {
	var out *model.RefundRequest
	err := r.s.do(func(st *state) error {
		req, ok := st.refunds[id]
		if !ok {
			return repository.ErrRefundNotFound
		}
		cp := *req
		out = &cp
		return nil
	})
	return out, err
}

func (r *refundRepo) GetForUpdate(ctx context.Context, id int64) (*model.RefundRequest, error) {
	return r.Get(ctx, id)
}

func (r *refundRepo) FindOpenByOrder(ctx context.Context, orderID int64) (*model.RefundRequest, error) {
	var out *model.RefundRequest
	err := r.s.do(func(st *state) error {
		for _, req := range st.refunds {
			if req.OrderID == orderID && hasString(model.OpenRefundStatuses, req.Status) &&
				(out == nil || req.ID > out.ID) {
				out = req
			}
		}
		if out != nil {
			cp := *out
			out = &cp
		}
		return nil
	})
	return out, err
}

func (r *refundRepo) UpdateStatus(ctx context.Context, id int64, from, to string, update repository.RefundUpdate) error {
	if !model.CanRefundTransitionTo(from, to) {
		return repository.ErrRefundStatusInvalid
	}
	return r.s.do(func(st *state) error {
		req, ok := st.refunds[id]
		if !ok || req.Status != from {
			return repository.ErrRefundStatusInvalid
		}
		now := r.s.now()
		next := *req
		next.Status = to
		next.UpdatedAt = now
		if update.ProcessedBy != nil {
			by := *update.ProcessedBy
			next.ProcessedBy = &by
			next.ProcessedAt = &now
		}
		if update.Remarks != "" {
			next.Remarks = update.Remarks
		}
		st.refunds[id] = &next
		return nil
	})
}

func (r *refundRepo) List(ctx context.Context, f repository.RefundFilter) ([]*model.RefundRequest, int64, error) {
	var out []*model.RefundRequest
	_ = r.s.do(func(st *state) error {
		for _, req := range st.refunds {
			if f.Status == "" || req.Status == f.Status {
				cp := *req
				out = append(out, &cp)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return page(out, f.Page, f.Limit), int64(len(out)), nil
}

// ============================================================================
// Callbacks, outbox, users
// ============================================================================

type callbackRepo struct{ s *Store }

func (r *callbackRepo) Create(ctx context.Context, rec *model.CallbackRecord) error {
	return r.s.do(func(st *state) error {
		rec.ID = st.nextID()
		if rec.ReceivedAt.IsZero() {
			rec.ReceivedAt = r.s.now()
		}
		cp := *rec
		st.callbacks = append(st.callbacks, &cp)
		return nil
	})
}

func (r *callbackRepo) ListByCorrelationID(ctx context.Context, correlationID string) ([]*model.CallbackRecord, error) {
	var out []*model.CallbackRecord
	err := r.s.do(func(st *state) error {
		for _, rec := range st.callbacks {
			if rec.CorrelationID == correlationID {
				cp := *rec
				out = append(out, &cp)
			}
		}
		return nil
	})
	return out, err
}

type outboxRepo struct{ s *Store }

func (r *outboxRepo) Create(ctx context.Context, msg *model.OutboxMessage) error {
	return r.s.do(func(st *state) error {
		msg.ID = st.nextID()
		if msg.Status == "" {
			msg.Status = model.OutboxStatusPending
		}
		now := r.s.now()
		msg.CreatedAt, msg.UpdatedAt = now, now
		cp := *msg
		st.outbox[msg.ID] = &cp
		return nil
	})
}

func (r *outboxRepo) GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	var out []*model.OutboxMessage
	_ = r.s.do(func(st *state) error {
		for _, m := range st.outbox {
			if m.Status == model.OutboxStatusPending {
				cp := *m
				out = append(out, &cp)
			}
		}
		return nil
	})
	sortByID(out, func(m *model.OutboxMessage) int64 { return m.ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *outboxRepo) update(id int64, fn func(m *model.OutboxMessage)) error {
	return r.s.do(func(st *state) error {
		m, ok := st.outbox[id]
		if !ok {
			return nil
		}
		next := *m
		fn(&next)
		next.UpdatedAt = r.s.now()
		st.outbox[id] = &next
		return nil
	})
}

func (r *outboxRepo) UpdateStatus(ctx context.Context, id int64, status string) error {
	return r.update(id, func(m *model.OutboxMessage) { m.Status = status })
}

func (r *outboxRepo) IncrementRetryCount(ctx context.Context, id int64) error {
	return r.update(id, func(m *model.OutboxMessage) { m.RetryCount++ })
}

func (r *outboxRepo) MarkAsFailed(ctx context.Context, id int64) error {
	return r.update(id, func(m *model.OutboxMessage) {
		m.Status = model.OutboxStatusFailed
		m.RetryCount++
	})
}

type userRepo struct{ s *Store }

func (r *userRepo) Get(ctx context.Context, id int64) (*model.User, error) {
	var out *model.User
	err := r.s.do(func(st *state) error {
		u, ok := st.users[id]
		if !ok {
			return repository.ErrUserNotFound
		}
		cp := *u
		out = &cp
		return nil
	})
	return out, err
}

func (r *userRepo) FindByPhoneSuffix(ctx context.Context, suffix string) (*model.User, error) {
	if suffix == "" {
		return nil, repository.ErrUserNotFound
	}
	var out *model.User
	_ = r.s.do(func(st *state) error {
		for _, u := range st.users {
			if strings.HasSuffix(repository.DigitsOnly(u.PhoneNumber), suffix) && (out == nil || u.ID < out.ID) {
				out = u
			}
		}
		if out != nil {
			cp := *out
			out = &cp
		}
		return nil
	})
	if out == nil {
		return nil, repository.ErrUserNotFound
	}
	return out, nil
}
