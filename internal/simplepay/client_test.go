package simplepay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/donateflow/simplepay-gateway/internal/config"
	"github.com/donateflow/simplepay-gateway/internal/signer"
)

const testSecretKey = "x1y2z3w4-0000-1111-2222-333344445555"

func testClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewClient(config.GatewayConfig{
		MerchantID: "TESTMERCHANT",
		SecretKey:  testSecretKey,
		Sandbox:    true,
	}, 5*time.Second)
	client.baseURL = srv.URL

	return client, srv
}

// signedResponse writes body with a valid Signature header, the way the
// processor responds.
func signedResponse(w http.ResponseWriter, body []byte) {
	sgn := signer.New(testSecretKey)
	w.Header().Set(SignatureHeader, sgn.Sign(body))
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func TestCreatePaymentSignsRequestAndParsesResponse(t *testing.T) {
	var received map[string]interface{}

	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		// The request signature must verify over the exact received bytes.
		sgn := signer.New(testSecretKey)
		assert.True(t, sgn.Verify(body, r.Header.Get(SignatureHeader)))

		require.NoError(t, json.Unmarshal(body, &received))

		signedResponse(w, []byte(`{"transactionId":99310118,"orderRef":"donation_1","merchant":"TESTMERCHANT","paymentUrl":"https://sandbox.simplepay.hu/pay/pay/pid001"}`))
	})

	result, err := client.CreatePayment(context.Background(), TransactionData{
		OrderRef:      "donation_1",
		Currency:      "HUF",
		Total:         decimal.NewFromInt(2500),
		CustomerEmail: "donor@example.org",
		Language:      "EN",
		ReturnURL:     "https://donate.example.org/return",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(99310118), result.TransactionID)
	assert.Equal(t, "https://sandbox.simplepay.hu/pay/pay/pid001", result.PaymentURL)

	assert.Equal(t, "TESTMERCHANT", received["merchant"])
	assert.Equal(t, "donation_1", received["orderRef"])
	assert.Equal(t, "HUF", received["currency"])
	assert.Equal(t, []interface{}{"CARD"}, received["methods"])
	assert.Equal(t, float64(1800), received["timeout"])
	assert.NotEmpty(t, received["salt"])
	assert.NotEmpty(t, received["sdkVersion"])
}

func TestCreatePaymentCallerFieldsOverrideScaffold(t *testing.T) {
	var received map[string]interface{}

	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		signedResponse(w, []byte(`{"transactionId":1,"paymentUrl":"https://example.org"}`))
	})

	_, err := client.CreatePayment(context.Background(), TransactionData{
		OrderRef:       "donation_2",
		Currency:       "EUR",
		Total:          decimal.NewFromInt(10),
		Methods:        []string{"WIRE"},
		TimeoutSeconds: 600,
	})
	require.NoError(t, err)

	assert.Equal(t, []interface{}{"WIRE"}, received["methods"])
	assert.Equal(t, float64(600), received["timeout"])
}

func TestSaltIsFreshPerRequest(t *testing.T) {
	var salts []string

	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]interface{}
		json.Unmarshal(body, &payload)
		salts = append(salts, payload["salt"].(string))
		signedResponse(w, []byte(`{"transactionId":1,"paymentUrl":"https://example.org"}`))
	})

	data := TransactionData{OrderRef: "donation_3", Currency: "HUF", Total: decimal.NewFromInt(100)}
	_, err := client.CreatePayment(context.Background(), data)
	require.NoError(t, err)
	_, err = client.CreatePayment(context.Background(), data)
	require.NoError(t, err)

	require.Len(t, salts, 2)
	assert.NotEqual(t, salts[0], salts[1])
	assert.Len(t, salts[0], 32)
}

func TestCreateRecurringPaymentAddsRegistration(t *testing.T) {
	var received map[string]interface{}

	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		signedResponse(w, []byte(`{"transactionId":7,"paymentUrl":"https://example.org","tokens":["tok_a","tok_b"]}`))
	})

	until := time.Now().AddDate(5, 0, 0)
	result, err := client.CreateRecurringPayment(context.Background(),
		TransactionData{OrderRef: "sub_1", Currency: "HUF", Total: decimal.NewFromInt(1000)},
		RecurringSpec{Times: 24, Until: until, MaxAmount: decimal.NewFromInt(1500)})
	require.NoError(t, err)

	recurring, ok := received["recurring"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(24), recurring["times"])
	assert.Equal(t, until.Format(time.RFC3339), recurring["until"])
	// decimal amounts travel as quoted strings.
	assert.Equal(t, "1500", recurring["maxAmount"])

	assert.Equal(t, []string{"tok_a", "tok_b"}, result.Tokens)
}

func TestProcessRecurringPaymentMarksMerchantInitiated(t *testing.T) {
	var received map[string]interface{}

	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		signedResponse(w, []byte(`{"transactionId":501,"orderRef":"renewal_1","merchant":"TESTMERCHANT"}`))
	})

	result, err := client.ProcessRecurringPayment(context.Background(),
		PaymentData{OrderRef: "renewal_1", Currency: "HUF", Total: decimal.NewFromInt(1000)}, "tok_a")
	require.NoError(t, err)

	assert.Equal(t, "tok_a", received["token"])
	assert.Equal(t, "MIT", received["type"])
	assert.Equal(t, "02", received["threeDSReqAuthMethod"])
	assert.Equal(t, int64(501), result.TransactionID)
}

func TestPostRejectsTamperedResponse(t *testing.T) {
	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		body := []byte(`{"transactionId":1}`)
		sgn := signer.New(testSecretKey)
		w.Header().Set(SignatureHeader, sgn.Sign(body))
		// Body altered after signing.
		w.Write([]byte(`{"transactionId":2}`))
	})

	_, err := client.QueryTransaction(context.Background(), 1)
	var sigErr *SignatureError
	require.ErrorAs(t, err, &sigErr)
}

func TestPostRejectsMissingSignature(t *testing.T) {
	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"transactionId":1}`))
	})

	_, err := client.QueryTransaction(context.Background(), 1)
	var sigErr *SignatureError
	require.ErrorAs(t, err, &sigErr)
}

func TestPostReturnsHTTPStatusError(t *testing.T) {
	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.QueryTransaction(context.Background(), 1)
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
}

func TestPostReturnsAPIErrorOnErrorCodes(t *testing.T) {
	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		signedResponse(w, []byte(`{"errorCodes":[5321],"orderRef":"donation_4"}`))
	})

	_, err := client.CreatePayment(context.Background(), TransactionData{
		OrderRef: "donation_4", Currency: "HUF", Total: decimal.NewFromInt(100),
	})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, []int{5321}, apiErr.ErrorCodes)
}

func TestPostReturnsTransportErrorWhenUnreachable(t *testing.T) {
	client, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {})
	srv.Close()

	_, err := client.QueryTransaction(context.Background(), 1)
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
}

func TestRefundTransactionPayload(t *testing.T) {
	var received map[string]interface{}

	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		signedResponse(w, []byte(`{"transactionId":99,"refundTransactionId":100,"refundTotal":500,"remainingTotal":0}`))
	})

	result, err := client.RefundTransaction(context.Background(), 99, decimal.NewFromInt(500), "HUF")
	require.NoError(t, err)

	assert.Equal(t, float64(99), received["transactionId"])
	assert.Equal(t, "500", received["refundTotal"])
	assert.Equal(t, "HUF", received["currency"])
	assert.Equal(t, int64(100), result.RefundTransactionID)
	assert.True(t, result.RemainingTotal.IsZero())
}

func TestTokenEndpoints(t *testing.T) {
	var endpoints []string

	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		endpoints = append(endpoints, r.URL.Path)
		signedResponse(w, []byte(`{"token":"tok_a","status":"active"}`))
	})

	queried, err := client.QueryToken(context.Background(), "tok_a")
	require.NoError(t, err)
	assert.Equal(t, TokenStatusActive, queried.Status)

	_, err = client.CancelToken(context.Background(), "tok_a")
	require.NoError(t, err)

	assert.Equal(t, []string{"/tokenquery", "/tokencancel"}, endpoints)
}

func TestQueryTransactionSendsIDList(t *testing.T) {
	var received map[string]interface{}

	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		signedResponse(w, []byte(`{"transactions":[{"transactionId":42,"orderRef":"donation_5","status":"FINISHED"}]}`))
	})

	result, err := client.QueryTransaction(context.Background(), 42)
	require.NoError(t, err)

	assert.Equal(t, []interface{}{float64(42)}, received["transactionIds"])
	require.Len(t, result.Transactions, 1)
	assert.Equal(t, StatusFinished, result.Transactions[0].Status)
}

func TestPostContextCancellation(t *testing.T) {
	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.QueryTransaction(ctx, 1)
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
