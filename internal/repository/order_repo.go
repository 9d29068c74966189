package repository

import (
	"context"
	"errors"

	"mpesapay/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type orderRepository struct {
	db *gorm.DB
}

func (r *orderRepository) Get(ctx context.Context, id int64) (*model.Order, error) {
	return r.first(r.db.WithContext(ctx).Where("id = ?", id))
}

func (r *orderRepository) GetForUpdate(ctx context.Context, id int64) (*model.Order, error) {
	return r.first(r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id))
}

func (r *orderRepository) GetByNumberForUpdate(ctx context.Context, orderNumber string) (*model.Order, error) {
	return r.first(r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("order_number = ?", orderNumber))
}

func (r *orderRepository) Items(ctx context.Context, orderID int64) ([]*model.OrderItem, error) {
	var items []*model.OrderItem
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id ASC").Find(&items).Error
	return items, err
}

func (r *orderRepository) UpdateStatus(ctx context.Context, orderID int64, from, to, note string) error {
	if !model.CanTransitionTo(from, to) {
		return ErrOrderStatusInvalid
	}

	result := r.db.WithContext(ctx).
		Model(&model.Order{}).
		Where("id = ? AND status = ?", orderID, from).
		Update("status", to)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrOrderStatusInvalid
	}

	return r.AppendHistory(ctx, orderID, to, note)
}

func (r *orderRepository) AppendHistory(ctx context.Context, orderID int64, status, note string) error {
	return r.db.WithContext(ctx).Create(&model.OrderStatusHistory{
		OrderID: orderID,
		Status:  status,
		Note:    note,
	}).Error
}

func (r *orderRepository) LatestHistory(ctx context.Context, orderID int64, status string) (*model.OrderStatusHistory, error) {
	var entry model.OrderStatusHistory
	err := r.db.WithContext(ctx).
		Where("order_id = ? AND status = ?", orderID, status).
		Order("created_at DESC, id DESC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (r *orderRepository) History(ctx context.Context, orderID int64) ([]*model.OrderStatusHistory, error) {
	var entries []*model.OrderStatusHistory
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id ASC").Find(&entries).Error
	return entries, err
}

func (r *orderRepository) first(query *gorm.DB) (*model.Order, error) {
	var order model.Order
	err := query.First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}
