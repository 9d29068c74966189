package repository

import (
	"context"
	"errors"
	"time"

	"mpesapay/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type transactionRepository struct {
	db *gorm.DB
}

func (r *transactionRepository) Create(ctx context.Context, txn *model.Transaction) error {
	err := r.db.WithContext(ctx).Create(txn).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateReceipt
	}
	return err
}

func (r *transactionRepository) Get(ctx context.Context, id int64) (*model.Transaction, error) {
	return r.first(r.db.WithContext(ctx).Where("id = ?", id))
}

func (r *transactionRepository) GetForUpdate(ctx context.Context, id int64) (*model.Transaction, error) {
	return r.first(r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id))
}

func (r *transactionRepository) FindByCorrelationID(ctx context.Context, correlationID string, kinds ...string) (*model.Transaction, error) {
	query := r.db.WithContext(ctx).Where("counterparty_reference = ?", correlationID)
	if len(kinds) > 0 {
		query = query.Where("kind IN ?", kinds)
	}
	return r.first(query.Order("id ASC"))
}

func (r *transactionRepository) FindByReceipt(ctx context.Context, receipt string) (*model.Transaction, error) {
	return r.first(r.db.WithContext(ctx).Where("external_receipt_id = ?", receipt))
}

func (r *transactionRepository) FindCompletedPayment(ctx context.Context, orderID, excludeID int64) (*model.Transaction, error) {
	var txn model.Transaction
	err := r.db.WithContext(ctx).
		Where("order_id = ? AND status = ? AND kind IN ? AND id <> ?",
			orderID, model.TransactionStatusCompleted, model.PaymentKinds, excludeID).
		Order("id ASC").
		First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &txn, nil
}

func (r *transactionRepository) FindRefundTransaction(ctx context.Context, refundRequestID int64, statuses ...string) (*model.Transaction, error) {
	query := r.db.WithContext(ctx).
		Where("refund_request_id = ? AND kind = ?", refundRequestID, model.TransactionKindRefund)
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}
	var txn model.Transaction
	err := query.Order("id DESC").First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &txn, nil
}

func (r *transactionRepository) Transition(ctx context.Context, id int64, from, to string, patch TransactionPatch) error {
	updates := map[string]interface{}{
		"status": to,
	}
	if patch.Kind != nil {
		updates["kind"] = *patch.Kind
	}
	if patch.ExternalReceiptID != nil {
		updates["external_receipt_id"] = *patch.ExternalReceiptID
	}
	if patch.WalletID != nil {
		updates["wallet_id"] = *patch.WalletID
	}
	if patch.CounterpartyReference != nil {
		updates["counterparty_reference"] = *patch.CounterpartyReference
	}
	if patch.Metadata != nil {
		updates["metadata"] = patch.Metadata
	}

	result := r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return ErrDuplicateReceipt
		}
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrTransactionNotPending
	}

	return nil
}

func (r *transactionRepository) AppendMetadata(ctx context.Context, id int64, fields map[string]interface{}) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txn model.Transaction
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&txn).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTransactionNotFound
			}
			return err
		}
		if txn.Status != model.TransactionStatusPending {
			return ErrTransactionNotPending
		}

		result := tx.Model(&model.Transaction{}).
			Where("id = ? AND status = ?", id, model.TransactionStatusPending).
			Update("metadata", model.MergeMetadata(txn.Metadata, fields))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrTransactionNotPending
		}
		return nil
	})
}

func (r *transactionRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]*model.Transaction, error) {
	var txns []*model.Transaction
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&txns).Error
	return txns, err
}

func (r *transactionRepository) ListByWallet(ctx context.Context, walletID int64, limit int) ([]*model.Transaction, error) {
	var txns []*model.Transaction
	err := r.db.WithContext(ctx).
		Where("wallet_id = ?", walletID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&txns).Error
	return txns, err
}

func (r *transactionRepository) ListStalePending(ctx context.Context, kinds []string, before time.Time, afterID int64, limit int) ([]*model.Transaction, error) {
	var txns []*model.Transaction
	err := r.db.WithContext(ctx).
		Where("status = ? AND kind IN ? AND created_at < ? AND id > ?", model.TransactionStatusPending, kinds, before, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&txns).Error
	return txns, err
}

func (r *transactionRepository) List(ctx context.Context, filter TransactionFilter) ([]*model.Transaction, int64, error) {
	var txns []*model.Transaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Transaction{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Kind != "" {
		query = query.Where("kind = ?", filter.Kind)
	}
	if filter.UserID != 0 {
		query = query.Where("user_id = ?", filter.UserID)
	}

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	page, limit := normalizePage(filter.Page, filter.Limit)
	err = query.
		Order("created_at DESC, id DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&txns).Error

	return txns, total, err
}

func (r *transactionRepository) SummarizeCompleted(ctx context.Context, from, to time.Time) ([]*TransactionSummary, error) {
	var rows []*TransactionSummary
	err := r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Select("kind, COUNT(*) AS count, COALESCE(SUM(amount), 0) AS total").
		Where("status = ? AND created_at >= ? AND created_at < ?", model.TransactionStatusCompleted, from, to).
		Group("kind").
		Order("kind").
		Scan(&rows).Error
	return rows, err
}

func (r *transactionRepository) first(query *gorm.DB) (*model.Transaction, error) {
	var txn model.Transaction
	err := query.First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &txn, nil
}
