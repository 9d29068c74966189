package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"mpesapay/internal/model"
	"mpesapay/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingTxn(userID int64, ref string) *model.Transaction {
	return &model.Transaction{
		Kind:                  model.TransactionKindWalletTopUp,
		Amount:                decimal.NewFromInt(100),
		CounterpartyReference: ref,
		Reference:             "TOPUP-1-20240101000000",
		Status:                model.TransactionStatusPending,
		UserID:                userID,
	}
}

func TestTransition_OnlyOneWinner(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	txn := pendingTxn(1, "ws_CO_1")
	require.NoError(t, store.Transactions().Create(ctx, txn))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Transactions().Transition(ctx, txn.ID,
				model.TransactionStatusPending, model.TransactionStatusCompleted, repository.TransactionPatch{})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, repository.ErrTransactionNotPending)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestAtomic_RestoresSnapshotOnError(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	wallet := store.SeedWallet(&model.Wallet{UserID: 1, Balance: decimal.NewFromInt(50)})

	boom := errors.New("boom")
	err := store.Atomic(ctx, func(s repository.Store) error {
		require.NoError(t, s.Wallets().Increase(ctx, wallet.ID, decimal.NewFromInt(25)))
		require.NoError(t, s.Transactions().Create(ctx, pendingTxn(1, "x")))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := store.Wallets().GetByUserID(ctx, 1)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(50)))

	_, total, err := store.Transactions().List(ctx, repository.TransactionFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestReceiptIsUnique(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	receipt := "QK12ABC"
	first := pendingTxn(1, "a")
	first.ExternalReceiptID = &receipt
	require.NoError(t, store.Transactions().Create(ctx, first))

	second := pendingTxn(1, "b")
	require.NoError(t, store.Transactions().Create(ctx, second))

	err := store.Transactions().Transition(ctx, second.ID, model.TransactionStatusPending,
		model.TransactionStatusCompleted, repository.TransactionPatch{ExternalReceiptID: &receipt})
	assert.ErrorIs(t, err, repository.ErrDuplicateReceipt)
}

func TestFindCompletedPayment_LowestIDExcludingSelf(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	orderID := int64(77)

	var ids []int64
	for i := 0; i < 3; i++ {
		txn := pendingTxn(1, "c")
		txn.Kind = model.TransactionKindPayment
		txn.OrderID = &orderID
		txn.Status = model.TransactionStatusCompleted
		require.NoError(t, store.Transactions().Create(ctx, txn))
		ids = append(ids, txn.ID)
	}

	found, err := store.Transactions().FindCompletedPayment(ctx, orderID, ids[0])
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, ids[1], found.ID)

	none, err := store.Transactions().FindCompletedPayment(ctx, orderID+1, 0)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestAppendMetadata_OnlyWhilePending(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	txn := pendingTxn(1, "d")
	require.NoError(t, store.Transactions().Create(ctx, txn))
	require.NoError(t, store.Transactions().AppendMetadata(ctx, txn.ID, map[string]interface{}{"a": "1"}))
	require.NoError(t, store.Transactions().AppendMetadata(ctx, txn.ID, map[string]interface{}{"b": "2"}))

	got, err := store.Transactions().Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, "1", got.MetaString("a"))
	assert.Equal(t, "2", got.MetaString("b"))

	require.NoError(t, store.Transactions().Transition(ctx, txn.ID,
		model.TransactionStatusPending, model.TransactionStatusFailed, repository.TransactionPatch{}))
	err = store.Transactions().AppendMetadata(ctx, txn.ID, map[string]interface{}{"c": "3"})
	assert.ErrorIs(t, err, repository.ErrTransactionNotPending)
}

func TestDeduct_InsufficientBalance(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	wallet := store.SeedWallet(&model.Wallet{UserID: 3, Balance: decimal.NewFromInt(100)})

	err := store.Wallets().Deduct(ctx, wallet.ID, decimal.NewFromInt(150))
	assert.ErrorIs(t, err, repository.ErrBalanceNotEnough)

	require.NoError(t, store.Wallets().Deduct(ctx, wallet.ID, decimal.NewFromInt(40)))
	got, err := store.Wallets().GetByUserID(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "60", got.Balance.String())
}

func TestFindByPhoneSuffix(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	user := store.SeedUser(&model.User{Name: "Amina", PhoneNumber: "+254 712 345 678"})

	got, err := store.Users().FindByPhoneSuffix(ctx, "712345678")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	_, err = store.Users().FindByPhoneSuffix(ctx, "799999999")
	assert.ErrorIs(t, err, repository.ErrUserNotFound)
}

func TestOrderUpdateStatus_WritesHistory(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	order := store.SeedOrder(&model.Order{OrderNumber: "ORD-1", UserID: 1, Status: model.OrderStatusPending})

	require.NoError(t, store.Orders().UpdateStatus(ctx, order.ID, model.OrderStatusPending, model.OrderStatusProcessing, ""))
	err := store.Orders().UpdateStatus(ctx, order.ID, model.OrderStatusPending, model.OrderStatusProcessing, "")
	assert.ErrorIs(t, err, repository.ErrOrderStatusInvalid)

	history, err := store.Orders().History(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, model.OrderStatusProcessing, history[0].Status)
}
