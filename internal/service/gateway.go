package service

import (
	"context"

	"mpesapay/internal/provider/mpesa"

	"github.com/shopspring/decimal"
)

// Gateway is the part of the M-Pesa client the services call. *mpesa.Client
// satisfies it.
type Gateway interface {
	STKPush(ctx context.Context, p mpesa.STKPushParams) (*mpesa.STKPushResponse, error)
	QuerySTK(ctx context.Context, checkoutRequestID string) (*mpesa.STKQueryResponse, error)
	B2CPayment(ctx context.Context, p mpesa.B2CParams) (*mpesa.B2CResponse, error)
	AccountBalance(ctx context.Context, remarks string) (*mpesa.AccountBalanceResponse, error)
	RegisterC2BURLs(ctx context.Context) (*mpesa.C2BRegisterResponse, error)
	IsPendingCode(code string) bool
}

var _ Gateway = (*mpesa.Client)(nil)

// ProviderResult is a decided (or still pending) provider outcome, from a
// webhook or from a status query.
type ProviderResult struct {
	CorrelationID string
	ResultCode    string
	ResultDesc    string
	Receipt       string
	// Raw is stored under MetaKey in the transaction metadata.
	Raw     map[string]interface{}
	MetaKey string
	// Source labels metrics: callback, query or job.
	Source string
}

const (
	SourceCallback = "callback"
	SourceQuery    = "query"
	SourceJob      = "job"
	SourceC2B      = "c2b"
	SourceAdmin    = "admin"
)

// FromCallback converts a parsed webhook result. metaKey is callbackData for
// STK results and b2cResult for payouts.
func FromCallback(r *mpesa.CallbackResult, metaKey string) ProviderResult {
	raw := map[string]interface{}{
		"resultCode": r.ResultCode,
		"resultDesc": r.ResultDesc,
	}
	if r.MerchantRequestID != "" {
		raw["merchantRequestId"] = r.MerchantRequestID
	}
	if r.OriginatorConversationID != "" {
		raw["originatorConversationId"] = r.OriginatorConversationID
	}
	if r.Receipt != "" {
		raw["receipt"] = r.Receipt
	}
	if !r.Amount.IsZero() {
		raw["amount"] = r.Amount.String()
	}
	if r.PhoneNumber != "" {
		raw["phoneNumber"] = r.PhoneNumber
	}
	for k, v := range r.Params {
		raw[k] = v
	}
	return ProviderResult{
		CorrelationID: r.CorrelationID,
		ResultCode:    r.ResultCode,
		ResultDesc:    r.ResultDesc,
		Receipt:       r.Receipt,
		Raw:           raw,
		MetaKey:       metaKey,
		Source:        SourceCallback,
	}
}

// FromQuery converts an STK status query response.
func FromQuery(r *mpesa.STKQueryResponse, metaKey string) ProviderResult {
	return ProviderResult{
		CorrelationID: r.CheckoutRequestID,
		ResultCode:    r.ResultCode,
		ResultDesc:    r.ResultDesc,
		Raw: map[string]interface{}{
			"responseCode":        r.ResponseCode,
			"responseDescription": r.ResponseDescription,
			"merchantRequestId":   r.MerchantRequestID,
			"resultCode":          r.ResultCode,
			"resultDesc":          r.ResultDesc,
		},
		MetaKey: metaKey,
		Source:  SourceQuery,
	}
}

// C2BDeposit is a confirmed customer-initiated payment to the paybill.
type C2BDeposit struct {
	TransID       string
	Amount        decimal.Decimal
	Phone         string
	BillRefNumber string
	Raw           map[string]interface{}
}
