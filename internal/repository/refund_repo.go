package repository

import (
	"context"
	"errors"
	"time"

	"mpesapay/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type refundRepository struct {
	db *gorm.DB
}

func (r *refundRepository) Create(ctx context.Context, req *model.RefundRequest) error {
	return r.db.WithContext(ctx).Create(req).Error
}

func (r *refundRepository) Get(ctx context.Context, id int64) (*model.RefundRequest, error) {
	return r.first(r.db.WithContext(ctx).Where("id = ?", id))
}

func (r *refundRepository) GetForUpdate(ctx context.Context, id int64) (*model.RefundRequest, error) {
	return r.first(r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id))
}

func (r *refundRepository) FindOpenByOrder(ctx context.Context, orderID int64) (*model.RefundRequest, error) {
	var req model.RefundRequest
	err := r.db.WithContext(ctx).
		Where("order_id = ? AND status IN ?", orderID, model.OpenRefundStatuses).
		Order("id DESC").
		First(&req).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &req, nil
}

func (r *refundRepository) UpdateStatus(ctx context.Context, id int64, from, to string, update RefundUpdate) error {
	if !model.CanRefundTransitionTo(from, to) {
		return ErrRefundStatusInvalid
	}

	updates := map[string]interface{}{
		"status": to,
	}
	if update.ProcessedBy != nil {
		now := time.Now()
		updates["processed_by"] = *update.ProcessedBy
		updates["processed_at"] = &now
	}
	if update.Remarks != "" {
		updates["remarks"] = update.Remarks
	}

	result := r.db.WithContext(ctx).
		Model(&model.RefundRequest{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrRefundStatusInvalid
	}

	return nil
}

func (r *refundRepository) List(ctx context.Context, filter RefundFilter) ([]*model.RefundRequest, int64, error) {
	var reqs []*model.RefundRequest
	var total int64

	query := r.db.WithContext(ctx).Model(&model.RefundRequest{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
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
		Find(&reqs).Error

	return reqs, total, err
}

func (r *refundRepository) first(query *gorm.DB) (*model.RefundRequest, error) {
	var req model.RefundRequest
	err := query.First(&req).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRefundNotFound
		}
		return nil, err
	}
	return &req, nil
}
