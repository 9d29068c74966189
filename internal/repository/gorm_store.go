package repository

import (
	"context"

	"gorm.io/gorm"
)

// GormStore is the MySQL backed Store.
type GormStore struct {
	db   *gorm.DB
	inTx bool
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Transactions() TransactionRepository {
	return &transactionRepository{db: s.db}
}

func (s *GormStore) Wallets() WalletRepository {
	return &walletRepository{db: s.db}
}

func (s *GormStore) Orders() OrderRepository {
	return &orderRepository{db: s.db}
}

func (s *GormStore) Refunds() RefundRepository {
	return &refundRepository{db: s.db}
}

func (s *GormStore) Callbacks() CallbackRepository {
	return &callbackRepository{db: s.db}
}

func (s *GormStore) Outbox() OutboxRepository {
	return &outboxRepository{db: s.db}
}

func (s *GormStore) Users() UserRepository {
	return &userRepository{db: s.db}
}

func (s *GormStore) Atomic(ctx context.Context, fn func(Store) error) error {
	if s.inTx {
		return fn(s)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx, inTx: true})
	})
}
