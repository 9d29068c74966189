package job

import (
	"context"
	"sync"
	"time"

	"mpesapay/internal/model"
	"mpesapay/internal/repository"
	"mpesapay/internal/service"

	"go.uber.org/zap"
)

// PendingReconcileJob recovers push payments whose callback never arrived:
// PENDING rows older than the threshold are queried at the provider and the
// answer goes through the same engine as a webhook. Batches walk the rows by
// id and wrap around, so rows that stay pending cannot starve newer ones.
type PendingReconcileJob struct {
	transactions repository.TransactionRepository
	gateway      service.Gateway
	reconcile    *service.ReconcileService
	logger       *zap.Logger
	stopCh       chan struct{}
	stopOnce     sync.Once
	interval     time.Duration
	olderThan    time.Duration
	batchSize    int
	cursor       int64
	now          func() time.Time
}

func NewPendingReconcileJob(store repository.Store, gateway service.Gateway, reconcile *service.ReconcileService,
	interval, olderThan time.Duration, batchSize int, logger *zap.Logger) *PendingReconcileJob {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &PendingReconcileJob{
		transactions: store.Transactions(),
		gateway:      gateway,
		reconcile:    reconcile,
		logger:       logger.Named("PendingReconcile"),
		stopCh:       make(chan struct{}),
		interval:     interval,
		olderThan:    olderThan,
		batchSize:    batchSize,
		now:          time.Now,
	}
}

func (j *PendingReconcileJob) Start(ctx context.Context) {
	j.logger.Info("pending reconcile job started",
		zap.Duration("interval", j.interval),
		zap.Duration("older_than", j.olderThan))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("context cancelled, pending reconcile job exiting")
			return
		case <-j.stopCh:
			j.logger.Info("pending reconcile job stopped")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

func (j *PendingReconcileJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
}

// RunOnce polls one batch and returns how many transactions reached a
// terminal status. It is not safe for concurrent use.
func (j *PendingReconcileJob) RunOnce(ctx context.Context) int {
	before := j.now().Add(-j.olderThan)
	kinds := []string{model.TransactionKindPayment, model.TransactionKindWalletTopUp}

	txns, err := j.transactions.ListStalePending(ctx, kinds, before, j.cursor, j.batchSize)
	if err != nil {
		j.logger.Error("list stale pending transactions", zap.Error(err))
		return 0
	}
	if len(txns) < j.batchSize {
		j.cursor = 0
	} else {
		j.cursor = txns[len(txns)-1].ID
	}
	if len(txns) == 0 {
		return 0
	}
	j.logger.Info("polling stale pending transactions", zap.Int("count", len(txns)))

	settled := 0
	for _, txn := range txns {
		if ctx.Err() != nil {
			break
		}
		checkoutID := txn.MetaString(model.MetaCheckoutRequestID)
		if checkoutID == "" {
			checkoutID = txn.CounterpartyReference
		}

		resp, err := j.gateway.QuerySTK(ctx, checkoutID)
		if err != nil {
			j.logger.Warn("stk status query failed",
				zap.Int64("transaction_id", txn.ID),
				zap.String("correlation_id", checkoutID),
				zap.Error(err))
			continue
		}

		result := service.FromQuery(resp, model.MetaSTKQueryResponse)
		result.Source = service.SourceJob
		outcome, _, err := j.reconcile.ApplyResult(ctx, txn.ID, result)
		if err != nil {
			continue
		}
		if outcome != service.OutcomeStillPending && outcome != service.OutcomeAlreadyFinal {
			settled++
		}
	}
	return settled
}
