package mpesa

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"mpesapay/internal/config"
	"mpesapay/internal/metrics"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ResultCodeSuccess is the only ResultCode that means money moved.
const ResultCodeSuccess = "0"

// Client talks to the Daraja API. One Client is built at startup and shared.
type Client struct {
	cfg          config.MpesaConfig
	baseURL      string
	tokens       *TokenProvider
	httpClient   *http.Client
	credential   string
	pendingCodes map[string]bool
	logger       *zap.Logger
	now          func() time.Time
}

// NewClient builds the client. cert may be nil when B2C and balance queries
// are not used; those calls then fail with a CallError.
func NewClient(cfg config.MpesaConfig, tokens *TokenProvider, cert *x509.Certificate, logger *zap.Logger) (*Client, error) {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &Client{
		cfg:          cfg,
		baseURL:      cfg.APIBaseURL(),
		tokens:       tokens,
		httpClient:   &http.Client{Timeout: timeout},
		pendingCodes: make(map[string]bool),
		logger:       logger.Named("Mpesa"),
		now:          time.Now,
	}
	for _, code := range cfg.PendingResultCodes {
		c.pendingCodes[code] = true
	}

	if cert != nil {
		credential, err := SecurityCredential(cfg.InitiatorPassword, cert)
		if err != nil {
			return nil, err
		}
		c.credential = credential
	}

	return c, nil
}

// IsPendingCode reports whether code means the provider has not decided yet.
func (c *Client) IsPendingCode(code string) bool {
	return c.pendingCodes[code]
}

// ============================================
// STK PUSH (Lipa Na M-Pesa Online)
// ============================================

type STKPushParams struct {
	Phone            string
	Amount           decimal.Decimal
	AccountReference string
	Description      string
	CallbackURL      string
}

type STKPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// STKPush asks the customer's handset to authorize a payment.
func (c *Client) STKPush(ctx context.Context, p STKPushParams) (*STKPushResponse, error) {
	timestamp := Timestamp(c.now())
	callbackURL := p.CallbackURL
	if callbackURL == "" {
		callbackURL = c.cfg.Callbacks.STK
	}

	request := STKPushRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          Password(c.cfg.ShortCode, c.cfg.Passkey, timestamp),
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            AmountParam(p.Amount),
		PartyA:            FormatPhone(p.Phone),
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       FormatPhone(p.Phone),
		CallBackURL:       callbackURL,
		AccountReference:  p.AccountReference,
		TransactionDesc:   p.Description,
	}

	var response STKPushResponse
	if err := c.do(ctx, "stk_push", "/mpesa/stkpush/v1/processrequest", request, &response); err != nil {
		return nil, err
	}
	if response.ResponseCode != ResultCodeSuccess {
		return nil, &CallError{Operation: "stk_push", StatusCode: http.StatusOK,
			ErrorCode: response.ResponseCode, ErrorMessage: response.ResponseDescription}
	}
	if response.CheckoutRequestID == "" {
		return nil, &CallError{Operation: "stk_push", StatusCode: http.StatusOK,
			ErrorMessage: "response carries no CheckoutRequestID"}
	}
	return &response, nil
}

type STKQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type STKQueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

// QuerySTK asks for the outcome of a push payment. While the customer has
// not answered, Daraja rejects the query with a pending error code; that is
// returned as a result carrying the code rather than as an error.
func (c *Client) QuerySTK(ctx context.Context, checkoutRequestID string) (*STKQueryResponse, error) {
	timestamp := Timestamp(c.now())
	request := STKQueryRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          Password(c.cfg.ShortCode, c.cfg.Passkey, timestamp),
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}

	var response STKQueryResponse
	err := c.do(ctx, "stk_query", "/mpesa/stkpushquery/v1/query", request, &response)
	if err != nil {
		var callErr *CallError
		if errors.As(err, &callErr) && c.IsPendingCode(callErr.ErrorCode) {
			return &STKQueryResponse{
				CheckoutRequestID: checkoutRequestID,
				ResultCode:        callErr.ErrorCode,
				ResultDesc:        callErr.ErrorMessage,
			}, nil
		}
		return nil, err
	}
	return &response, nil
}

// ============================================
// B2C (Business to Customer)
// ============================================

type B2CParams struct {
	Phone    string
	Amount   decimal.Decimal
	Remarks  string
	Occasion string
}

type B2CRequest struct {
	InitiatorName      string `json:"InitiatorName"`
	SecurityCredential string `json:"SecurityCredential"`
	CommandID          string `json:"CommandID"`
	Amount             int64  `json:"Amount"`
	PartyA             string `json:"PartyA"`
	PartyB             string `json:"PartyB"`
	Remarks            string `json:"Remarks"`
	QueueTimeOutURL    string `json:"QueueTimeOutURL"`
	ResultURL          string `json:"ResultURL"`
	Occasion           string `json:"Occasion"`
}

type B2CResponse struct {
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
}

// B2CPayment sends money from the business to a customer (refund payouts).
func (c *Client) B2CPayment(ctx context.Context, p B2CParams) (*B2CResponse, error) {
	if c.credential == "" {
		return nil, &CallError{Operation: "b2c_payment", ErrorMessage: "security credential not configured"}
	}

	request := B2CRequest{
		InitiatorName:      c.cfg.InitiatorName,
		SecurityCredential: c.credential,
		CommandID:          "BusinessPayment",
		Amount:             AmountParam(p.Amount),
		PartyA:             c.cfg.ShortCode,
		PartyB:             FormatPhone(p.Phone),
		Remarks:            p.Remarks,
		QueueTimeOutURL:    c.cfg.Callbacks.B2CTimeout,
		ResultURL:          c.cfg.Callbacks.B2CResult,
		Occasion:           p.Occasion,
	}

	var response B2CResponse
	if err := c.do(ctx, "b2c_payment", "/mpesa/b2c/v3/paymentrequest", request, &response); err != nil {
		return nil, err
	}
	if response.ResponseCode != ResultCodeSuccess || response.ConversationID == "" {
		return nil, &CallError{Operation: "b2c_payment", StatusCode: http.StatusOK,
			ErrorCode: response.ResponseCode, ErrorMessage: response.ResponseDescription}
	}
	return &response, nil
}

// ============================================
// Account balance
// ============================================

type AccountBalanceRequest struct {
	Initiator          string `json:"Initiator"`
	SecurityCredential string `json:"SecurityCredential"`
	CommandID          string `json:"CommandID"`
	PartyA             string `json:"PartyA"`
	IdentifierType     string `json:"IdentifierType"`
	Remarks            string `json:"Remarks"`
	QueueTimeOutURL    string `json:"QueueTimeOutURL"`
	ResultURL          string `json:"ResultURL"`
}

type AccountBalanceResponse struct {
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
}

// AccountBalance requests the merchant balance. The figures arrive later on
// the balance result webhook.
func (c *Client) AccountBalance(ctx context.Context, remarks string) (*AccountBalanceResponse, error) {
	if c.credential == "" {
		return nil, &CallError{Operation: "account_balance", ErrorMessage: "security credential not configured"}
	}
	if remarks == "" {
		remarks = "Account balance query"
	}

	request := AccountBalanceRequest{
		Initiator:          c.cfg.InitiatorName,
		SecurityCredential: c.credential,
		CommandID:          "AccountBalance",
		PartyA:             c.cfg.ShortCode,
		IdentifierType:     "4",
		Remarks:            remarks,
		QueueTimeOutURL:    c.cfg.Callbacks.BalanceTimeout,
		ResultURL:          c.cfg.Callbacks.BalanceResult,
	}

	var response AccountBalanceResponse
	if err := c.do(ctx, "account_balance", "/mpesa/accountbalance/v1/query", request, &response); err != nil {
		return nil, err
	}
	if response.ResponseCode != ResultCodeSuccess {
		return nil, &CallError{Operation: "account_balance", StatusCode: http.StatusOK,
			ErrorCode: response.ResponseCode, ErrorMessage: response.ResponseDescription}
	}
	return &response, nil
}

// ============================================
// C2B URL registration
// ============================================

type C2BRegisterRequest struct {
	ShortCode       string `json:"ShortCode"`
	ResponseType    string `json:"ResponseType"`
	ConfirmationURL string `json:"ConfirmationURL"`
	ValidationURL   string `json:"ValidationURL"`
}

type C2BRegisterResponse struct {
	OriginatorConversationID string `json:"OriginatorCoversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
}

func (c *Client) RegisterC2BURLs(ctx context.Context) (*C2BRegisterResponse, error) {
	request := C2BRegisterRequest{
		ShortCode:       c.cfg.ShortCode,
		ResponseType:    "Completed",
		ConfirmationURL: c.cfg.Callbacks.C2BConfirmation,
		ValidationURL:   c.cfg.Callbacks.C2BValidation,
	}

	var response C2BRegisterResponse
	if err := c.do(ctx, "c2b_register", "/mpesa/c2b/v1/registerurl", request, &response); err != nil {
		return nil, err
	}
	if response.ResponseCode != "" && response.ResponseCode != ResultCodeSuccess {
		return nil, &CallError{Operation: "c2b_register", StatusCode: http.StatusOK,
			ErrorCode: response.ResponseCode, ErrorMessage: response.ResponseDescription}
	}
	return &response, nil
}

// ============================================
// transport
// ============================================

type apiError struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (c *Client) do(ctx context.Context, operation, path string, request, out interface{}) (err error) {
	start := c.now()
	defer func() {
		metrics.RecordProviderCall(operation, err, c.now().Sub(start).Seconds())
	}()

	token, _, err := c.tokens.GetToken(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(request)
	if err != nil {
		return &CallError{Operation: operation, Err: fmt.Errorf("encode request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return &CallError{Operation: operation, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("request failed", zap.String("operation", operation), zap.Error(err))
		return &CallError{Operation: operation, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &CallError{Operation: operation, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusUnauthorized {
			c.tokens.Invalidate(ctx)
		}
		var apiErr apiError
		_ = json.Unmarshal(raw, &apiErr)
		if apiErr.ErrorMessage == "" {
			apiErr.ErrorMessage = string(raw)
		}
		c.logger.Warn("request rejected",
			zap.String("operation", operation),
			zap.Int("status", resp.StatusCode),
			zap.String("error_code", apiErr.ErrorCode),
			zap.String("error_message", apiErr.ErrorMessage))
		return &CallError{
			Operation:    operation,
			StatusCode:   resp.StatusCode,
			ErrorCode:    apiErr.ErrorCode,
			ErrorMessage: apiErr.ErrorMessage,
		}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return &CallError{Operation: operation, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
