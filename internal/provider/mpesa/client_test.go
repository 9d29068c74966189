package mpesa

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mpesapay/internal/config"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, cert *x509.Certificate) (*Client, func()) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"tok","expires_in":"3599"}`))
	})
	mux.HandleFunc("/", handler)
	srv := httptest.NewServer(mux)

	cfg := config.MpesaConfig{
		BaseURL:            srv.URL,
		ShortCode:          "174379",
		Passkey:            "pk",
		InitiatorName:      "apiop",
		InitiatorPassword:  "Safaricom999!",
		RequestTimeout:     5 * time.Second,
		PendingResultCodes: []string{"4999", "500.001.1001"},
		Callbacks: config.CallbackURLs{
			STK:        "https://example.com/stk",
			B2CResult:  "https://example.com/b2c/result",
			B2CTimeout: "https://example.com/b2c/timeout",
		},
	}
	tokens := NewTokenProvider(srv.URL, "key", "secret", time.Minute, srv.Client(), nil, zap.NewNop())
	c, err := NewClient(cfg, tokens, cert, zap.NewNop())
	require.NoError(t, err)
	return c, srv.Close
}

func TestSTKPush_Success(t *testing.T) {
	c, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/mpesa/stkpush/v1/processrequest", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var req STKPushRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "254712345678", req.PhoneNumber)
		assert.Equal(t, "254712345678", req.PartyA)
		assert.Equal(t, "174379", req.PartyB)
		assert.Equal(t, int64(151), req.Amount)
		assert.Equal(t, "CustomerPayBillOnline", req.TransactionType)
		assert.Equal(t, "https://example.com/stk", req.CallBackURL)
		assert.Equal(t, Password("174379", "pk", req.Timestamp), req.Password)

		_, _ = w.Write([]byte(`{"MerchantRequestID":"m-1","CheckoutRequestID":"ws_CO_1","ResponseCode":"0","ResponseDescription":"Success"}`))
	}, nil)
	defer closeFn()

	res, err := c.STKPush(context.Background(), STKPushParams{
		Phone:            "0712345678",
		Amount:           decimal.RequireFromString("150.50"),
		AccountReference: "ORDER-1-20240101120000",
		Description:      "Order 1",
	})
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_1", res.CheckoutRequestID)
	assert.Equal(t, "m-1", res.MerchantRequestID)
}

func TestSTKPush_RejectedIsCallError(t *testing.T) {
	c, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"requestId":"r-1","errorCode":"400.002.02","errorMessage":"Bad Request - Invalid PhoneNumber"}`))
	}, nil)
	defer closeFn()

	_, err := c.STKPush(context.Background(), STKPushParams{Phone: "1", Amount: decimal.NewFromInt(1)})

	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, http.StatusBadRequest, callErr.StatusCode)
	assert.Equal(t, "400.002.02", callErr.ErrorCode)
	assert.Contains(t, callErr.ErrorMessage, "Invalid PhoneNumber")
}

func TestQuerySTK_PendingCodeIsNotAnError(t *testing.T) {
	c, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/mpesa/stkpushquery/v1/query", r.URL.Path)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"errorCode":"500.001.1001","errorMessage":"The transaction is being processed"}`))
	}, nil)
	defer closeFn()

	res, err := c.QuerySTK(context.Background(), "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, "500.001.1001", res.ResultCode)
	assert.True(t, c.IsPendingCode(res.ResultCode))
}

func TestQuerySTK_Result(t *testing.T) {
	c, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ResponseCode":"0","CheckoutRequestID":"ws_CO_1","ResultCode":"1032","ResultDesc":"Request cancelled by user"}`))
	}, nil)
	defer closeFn()

	res, err := c.QuerySTK(context.Background(), "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, "1032", res.ResultCode)
	assert.False(t, c.IsPendingCode(res.ResultCode))
}

func TestB2CPayment_WithoutCertificate(t *testing.T) {
	c, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}, nil)
	defer closeFn()

	_, err := c.B2CPayment(context.Background(), B2CParams{Phone: "0712345678", Amount: decimal.NewFromInt(10)})
	var callErr *CallError
	assert.ErrorAs(t, err, &callErr)
}

func TestB2CPayment_SendsEncryptedCredential(t *testing.T) {
	key, cert := testCertificate(t)

	c, closeFn := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/mpesa/b2c/v3/paymentrequest", r.URL.Path)

		var req B2CRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "BusinessPayment", req.CommandID)
		assert.Equal(t, "254712345678", req.PartyB)
		assert.Equal(t, "https://example.com/b2c/result", req.ResultURL)

		encrypted, err := base64.StdEncoding.DecodeString(req.SecurityCredential)
		assert.NoError(t, err)
		plain, err := rsa.DecryptPKCS1v15(rand.Reader, key, encrypted)
		assert.NoError(t, err)
		assert.Equal(t, "Safaricom999!", string(plain))

		_, _ = w.Write([]byte(`{"ConversationID":"AG_1","OriginatorConversationID":"o-1","ResponseCode":"0","ResponseDescription":"Accept the service request successfully."}`))
	}, cert)
	defer closeFn()

	res, err := c.B2CPayment(context.Background(), B2CParams{Phone: "0712345678", Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)
	assert.Equal(t, "AG_1", res.ConversationID)
}

func TestLoadCertificate_PEMAndDER(t *testing.T) {
	_, cert := testCertificate(t)
	dir := t.TempDir()

	derPath := filepath.Join(dir, "cert.cer")
	require.NoError(t, os.WriteFile(derPath, cert.Raw, 0o600))
	pemPath := filepath.Join(dir, "cert.pem")
	require.NoError(t, os.WriteFile(pemPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}), 0o600))

	for _, path := range []string{derPath, pemPath} {
		loaded, err := LoadCertificate(path)
		require.NoError(t, err)
		assert.Equal(t, cert.SerialNumber, loaded.SerialNumber)
	}

	_, err := LoadCertificate(filepath.Join(dir, "missing.cer"))
	assert.Error(t, err)
}

func testCertificate(t *testing.T) (*rsa.PrivateKey, *x509.Certificate) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: "sandbox"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return key, cert
}
