package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"mpesapay/internal/config"
	"mpesapay/internal/model"
	"mpesapay/internal/repository"
	"mpesapay/pkg/idgen"
)

// Event is the payload written to the outbox and published to Kafka.
type Event struct {
	EventID    int64                  `json:"eventId"`
	Type       string                 `json:"type"`
	OccurredAt time.Time              `json:"occurredAt"`
	Data       map[string]interface{} `json:"data"`
}

// events writes outbox rows through the Store of the running unit, so an
// event exists exactly when the change it describes was committed.
type events struct {
	topics config.KafkaTopicConfig
	now    func() time.Time
}

func (e events) write(ctx context.Context, st repository.Store, topic string, key int64, eventType string, data map[string]interface{}) error {
	payload, err := json.Marshal(Event{
		EventID:    idgen.NextID(),
		Type:       eventType,
		OccurredAt: e.now().UTC(),
		Data:       data,
	})
	if err != nil {
		return fmt.Errorf("encode %s event: %w", eventType, err)
	}
	msg := &model.OutboxMessage{
		MessageKey: strconv.FormatInt(key, 10),
		Topic:      topic,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}
	if err := st.Outbox().Create(ctx, msg); err != nil {
		return fmt.Errorf("write %s event: %w", eventType, err)
	}
	return nil
}

func txnEventData(t *model.Transaction) map[string]interface{} {
	data := map[string]interface{}{
		"transactionId": t.ID,
		"kind":          t.Kind,
		"status":        t.Status,
		"amount":        t.Amount.String(),
		"userId":        t.UserID,
		"reference":     t.Reference,
	}
	if t.OrderID != nil {
		data["orderId"] = *t.OrderID
	}
	if t.WalletID != nil {
		data["walletId"] = *t.WalletID
	}
	if t.ExternalReceiptID != nil {
		data["receipt"] = *t.ExternalReceiptID
	}
	return data
}

func (e events) transaction(ctx context.Context, st repository.Store, eventType string, t *model.Transaction) error {
	return e.write(ctx, st, e.topics.PaymentEvents, t.ID, eventType, txnEventData(t))
}

func (e events) orderStatus(ctx context.Context, st repository.Store, orderID int64, from, to, note string) error {
	return e.write(ctx, st, e.topics.OrderEvents, orderID, model.EventOrderStatusChanged, map[string]interface{}{
		"orderId": orderID,
		"from":    from,
		"to":      to,
		"note":    note,
	})
}

func (e events) refund(ctx context.Context, st repository.Store, eventType string, r *model.RefundRequest) error {
	return e.write(ctx, st, e.topics.RefundEvents, r.ID, eventType, map[string]interface{}{
		"refundRequestId": r.ID,
		"orderId":         r.OrderID,
		"userId":          r.UserID,
		"amount":          r.Amount.String(),
		"status":          r.Status,
	})
}
