package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordHTTPRequest(t *testing.T) {
	HTTPRequestsTotal.Reset()
	HTTPRequestDuration.Reset()

	RecordHTTPRequest("POST", "/api/v1/payments/push", "200", 0.3)
	RecordHTTPRequest("POST", "/api/v1/payments/push", "200", 0.1)
	RecordHTTPRequest("POST", "/api/v1/payments/push", "500", 0.2)

	assert.Equal(t, float64(2), testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("POST", "/api/v1/payments/push", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("POST", "/api/v1/payments/push", "500")))
}

func TestRecordCallback(t *testing.T) {
	CallbacksTotal.Reset()

	RecordCallback("STK", true)
	RecordCallback("STK", false)
	RecordCallback("STK", true)

	assert.Equal(t, float64(2), testutil.ToFloat64(CallbacksTotal.WithLabelValues("STK", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(CallbacksTotal.WithLabelValues("STK", "unparsed")))
}

func TestRecordProviderCall(t *testing.T) {
	ProviderCallsTotal.Reset()

	RecordProviderCall("stk_push", nil, 0.4)
	RecordProviderCall("stk_push", errors.New("timeout"), 30)

	assert.Equal(t, float64(1), testutil.ToFloat64(ProviderCallsTotal.WithLabelValues("stk_push", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(ProviderCallsTotal.WithLabelValues("stk_push", "error")))
}

func TestRecordReconcileAndOutbox(t *testing.T) {
	ReconcileOutcomesTotal.Reset()
	OutboxPublishedTotal.Reset()

	RecordReconcile("callback", "COMPLETED")
	RecordOutbox("mpesa.payment.events", nil)
	RecordOutbox("mpesa.payment.events", errors.New("broker down"))

	assert.Equal(t, float64(1), testutil.ToFloat64(ReconcileOutcomesTotal.WithLabelValues("callback", "COMPLETED")))
	assert.Equal(t, float64(1), testutil.ToFloat64(OutboxPublishedTotal.WithLabelValues("mpesa.payment.events", "sent")))
	assert.Equal(t, float64(1), testutil.ToFloat64(OutboxPublishedTotal.WithLabelValues("mpesa.payment.events", "failed")))
}
