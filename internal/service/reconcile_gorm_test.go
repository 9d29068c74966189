package service

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"mpesapay/internal/model"
	"mpesapay/internal/repository"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func gormReconcile(t *testing.T) (*ReconcileService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gdb, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      db,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	return NewReconcileService(repository.NewGormStore(gdb), newFakeGateway(), testTopics, zap.NewNop()), mock
}

var txnColumns = []string{"id", "kind", "amount", "counterparty_reference", "reference", "status",
	"user_id", "order_id", "metadata", "created_at", "updated_at"}

// expectOrderPaymentSettle queues the statements of settling push payment 7
// for order 42, up to the last outbox write.
func expectOrderPaymentSettle(mock sqlmock.Sqlmock) {
	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `payment_transaction` WHERE id = ?") + ".* FOR UPDATE").
		WillReturnRows(sqlmock.NewRows(txnColumns).
			AddRow(7, model.TransactionKindPayment, "150.00", "ws_CO_gorm", "ORDER-42-20240101120000",
				model.TransactionStatusPending, 1, 42, `{"checkoutRequestId":"ws_CO_gorm"}`, now, now))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `orders` WHERE id = ?") + ".* FOR UPDATE").
		WillReturnRows(sqlmock.NewRows([]string{"id", "order_number", "user_id", "status"}).
			AddRow(42, "ORD-42", 1, model.OrderStatusPending))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `payment_transaction` WHERE order_id = ? AND status = ? AND kind IN (?,?) AND id <> ?")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE `payment_transaction` SET") + ".*" + regexp.QuoteMeta("WHERE id = ? AND status = ?")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE `orders` SET") + ".*" + regexp.QuoteMeta("WHERE id = ? AND status = ?")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `order_status_history`")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `outbox_message`")).
		WillReturnResult(sqlmock.NewResult(1, 1))
}

func TestApplyResult_GormStoreSettlesInOneTransaction(t *testing.T) {
	reconcile, mock := gormReconcile(t)

	expectOrderPaymentSettle(mock)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `outbox_message`")).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `payment_transaction` WHERE id = ?")).
		WillReturnRows(sqlmock.NewRows(txnColumns).
			AddRow(7, model.TransactionKindPayment, "150.00", "ws_CO_gorm", "ORDER-42-20240101120000",
				model.TransactionStatusCompleted, 1, 42, `{}`, now, now))

	outcome, txn, err := reconcile.ApplyResult(context.Background(), 7, success("ws_CO_gorm", "RGORM1"))

	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, model.TransactionStatusCompleted, txn.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyResult_GormStoreRollsBackOnFailedEvent(t *testing.T) {
	reconcile, mock := gormReconcile(t)

	expectOrderPaymentSettle(mock)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `outbox_message`")).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, _, err := reconcile.ApplyResult(context.Background(), 7, success("ws_CO_gorm", "RGORM1"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}
