package repository

import (
	"context"

	"mpesapay/internal/model"

	"gorm.io/gorm"
)

type callbackRepository struct {
	db *gorm.DB
}

func (r *callbackRepository) Create(ctx context.Context, rec *model.CallbackRecord) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

func (r *callbackRepository) ListByCorrelationID(ctx context.Context, correlationID string) ([]*model.CallbackRecord, error) {
	var recs []*model.CallbackRecord
	err := r.db.WithContext(ctx).
		Where("correlation_id = ?", correlationID).
		Order("id ASC").
		Find(&recs).Error
	return recs, err
}
