package job

import (
	"context"
	"sync"
	"time"

	"mpesapay/internal/infrastructure/mq"
	"mpesapay/internal/metrics"
	"mpesapay/internal/model"
	"mpesapay/internal/repository"

	"go.uber.org/zap"
)

// OutboxSender publishes outbox rows written by the reconciliation units.
// Delivery is at least once: a row is marked SENT only after the broker
// acknowledged it, and consumers dedupe on the event id.
type OutboxSender struct {
	outbox     repository.OutboxRepository
	publisher  mq.Publisher
	logger     *zap.Logger
	stopCh     chan struct{}
	stopOnce   sync.Once
	interval   time.Duration
	batchSize  int
	maxRetries int
}

func NewOutboxSender(store repository.Store, publisher mq.Publisher, interval time.Duration, maxRetries int, logger *zap.Logger) *OutboxSender {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &OutboxSender{
		outbox:     store.Outbox(),
		publisher:  publisher,
		logger:     logger.Named("OutboxSender"),
		stopCh:     make(chan struct{}),
		interval:   interval,
		batchSize:  100,
		maxRetries: maxRetries,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.logger.Info("outbox sender started", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("context cancelled, outbox sender exiting")
			return
		case <-s.stopCh:
			s.logger.Info("outbox sender stopped")
			return
		case <-ticker.C:
			s.ProcessPending(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// ProcessPending sends one batch and returns how many messages went out.
func (s *OutboxSender) ProcessPending(ctx context.Context) int {
	messages, err := s.outbox.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("load pending messages", zap.Error(err))
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if s.sendMessage(ctx, msg) {
			sent++
		}
	}
	return sent
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) bool {
	err := s.publisher.Publish(ctx, msg.Topic, msg.MessageKey, msg.Payload)
	metrics.RecordOutbox(msg.Topic, err)

	if err == nil {
		if updateErr := s.outbox.UpdateStatus(ctx, msg.ID, model.OutboxStatusSent); updateErr != nil {
			s.logger.Error("mark message sent", zap.Int64("id", msg.ID), zap.Error(updateErr))
		} else {
			s.logger.Debug("message sent",
				zap.Int64("id", msg.ID),
				zap.String("topic", msg.Topic),
				zap.String("key", msg.MessageKey))
		}
		return true
	}

	s.logger.Warn("publish failed", zap.Int64("id", msg.ID), zap.Int("retry_count", msg.RetryCount), zap.Error(err))

	if err := s.outbox.IncrementRetryCount(ctx, msg.ID); err != nil {
		s.logger.Error("increment retry count", zap.Int64("id", msg.ID), zap.Error(err))
	}

	if msg.RetryCount+1 >= s.maxRetries {
		if err := s.outbox.MarkAsFailed(ctx, msg.ID); err != nil {
			s.logger.Error("mark message failed", zap.Int64("id", msg.ID), zap.Error(err))
		} else {
			s.logger.Error("message exceeded max retries, marked failed",
				zap.Int64("id", msg.ID),
				zap.String("topic", msg.Topic))
		}
	}
	return false
}
