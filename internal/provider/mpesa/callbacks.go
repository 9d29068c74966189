package mpesa

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// CallbackResult is the provider-neutral view of an asynchronous result.
type CallbackResult struct {
	// CorrelationID is the CheckoutRequestID for STK results and the
	// ConversationID for B2C and balance results.
	CorrelationID            string
	MerchantRequestID        string
	OriginatorConversationID string
	ResultCode               string
	ResultDesc               string
	Receipt                  string
	Amount                   decimal.Decimal
	PhoneNumber              string
	Params                   map[string]interface{}
}

func (r *CallbackResult) Success() bool {
	return r.ResultCode == ResultCodeSuccess
}

// flexString reads a JSON scalar that Daraja sends as a number or a string.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*f = ""
		return nil
	}
	*f = flexString(strings.Trim(s, `"`))
	return nil
}

type item struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value"`
}

type STKCallbackRequest struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string     `json:"MerchantRequestID"`
			CheckoutRequestID string     `json:"CheckoutRequestID"`
			ResultCode        flexString `json:"ResultCode"`
			ResultDesc        string     `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []item `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

func decode(payload []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	return dec.Decode(v)
}

func scalarString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

func scalarDecimal(v interface{}) decimal.Decimal {
	d, err := decimal.NewFromString(scalarString(v))
	if err != nil {
		return decimal.Zero
	}
	return d
}

// ParseSTKCallback parses the Lipa Na M-Pesa Online result.
func ParseSTKCallback(payload []byte) (*CallbackResult, error) {
	var callback STKCallbackRequest
	if err := decode(payload, &callback); err != nil {
		return nil, fmt.Errorf("parse stk callback: %w", err)
	}

	stk := callback.Body.StkCallback
	if stk.CheckoutRequestID == "" {
		return nil, errors.New("parse stk callback: missing CheckoutRequestID")
	}

	result := &CallbackResult{
		CorrelationID:     stk.CheckoutRequestID,
		MerchantRequestID: stk.MerchantRequestID,
		ResultCode:        string(stk.ResultCode),
		ResultDesc:        stk.ResultDesc,
		Params:            make(map[string]interface{}),
	}

	for _, it := range stk.CallbackMetadata.Item {
		result.Params[it.Name] = scalarString(it.Value)
		switch it.Name {
		case "Amount":
			result.Amount = scalarDecimal(it.Value)
		case "MpesaReceiptNumber":
			result.Receipt = scalarString(it.Value)
		case "PhoneNumber":
			result.PhoneNumber = scalarString(it.Value)
		}
	}

	return result, nil
}

type resultParameter struct {
	Key   string      `json:"Key"`
	Value interface{} `json:"Value"`
}

// ResultEnvelope is the shape shared by B2C, timeout and balance results.
type ResultEnvelope struct {
	Result struct {
		ResultType               flexString `json:"ResultType"`
		ResultCode               flexString `json:"ResultCode"`
		ResultDesc               string     `json:"ResultDesc"`
		OriginatorConversationID string     `json:"OriginatorConversationID"`
		ConversationID           string     `json:"ConversationID"`
		TransactionID            string     `json:"TransactionID"`
		ResultParameters         struct {
			ResultParameter []resultParameter `json:"ResultParameter"`
		} `json:"ResultParameters"`
	} `json:"Result"`
}

// ParseResult parses a B2C or account balance result.
func ParseResult(payload []byte) (*CallbackResult, error) {
	var envelope ResultEnvelope
	if err := decode(payload, &envelope); err != nil {
		return nil, fmt.Errorf("parse result: %w", err)
	}

	res := envelope.Result
	if res.ConversationID == "" && res.OriginatorConversationID == "" {
		return nil, errors.New("parse result: missing conversation id")
	}

	result := &CallbackResult{
		CorrelationID:            res.ConversationID,
		OriginatorConversationID: res.OriginatorConversationID,
		ResultCode:               string(res.ResultCode),
		ResultDesc:               res.ResultDesc,
		Receipt:                  res.TransactionID,
		Params:                   make(map[string]interface{}),
	}

	for _, param := range res.ResultParameters.ResultParameter {
		result.Params[param.Key] = scalarString(param.Value)
		switch param.Key {
		case "TransactionAmount":
			result.Amount = scalarDecimal(param.Value)
		case "TransactionReceipt":
			result.Receipt = scalarString(param.Value)
		case "ReceiverPartyPublicName":
			// "2547XXXXXXXX - Jane Doe"
			result.PhoneNumber = strings.TrimSpace(strings.SplitN(scalarString(param.Value), "-", 2)[0])
		}
	}

	return result, nil
}

// C2BPayment is the body of C2B validation and confirmation calls.
type C2BPayment struct {
	TransactionType   string     `json:"TransactionType"`
	TransID           string     `json:"TransID"`
	TransTime         string     `json:"TransTime"`
	TransAmount       flexString `json:"TransAmount"`
	BusinessShortCode string     `json:"BusinessShortCode"`
	BillRefNumber     string     `json:"BillRefNumber"`
	InvoiceNumber     string     `json:"InvoiceNumber"`
	OrgAccountBalance flexString `json:"OrgAccountBalance"`
	ThirdPartyTransID string     `json:"ThirdPartyTransID"`
	MSISDN            flexString `json:"MSISDN"`
	FirstName         string     `json:"FirstName"`
	MiddleName        string     `json:"MiddleName"`
	LastName          string     `json:"LastName"`
}

func (p *C2BPayment) Amount() decimal.Decimal {
	d, err := decimal.NewFromString(string(p.TransAmount))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (p *C2BPayment) Phone() string {
	return string(p.MSISDN)
}

func ParseC2B(payload []byte) (*C2BPayment, error) {
	var p C2BPayment
	if err := decode(payload, &p); err != nil {
		return nil, fmt.Errorf("parse c2b payload: %w", err)
	}
	if p.TransID == "" {
		return nil, errors.New("parse c2b payload: missing TransID")
	}
	return &p, nil
}
