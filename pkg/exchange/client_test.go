package exchange

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/SaltBlocks/gumarket/params"
	"github.com/SaltBlocks/gumarket/pkg/order"
)

func testClient(t *testing.T, handler http.Handler) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := params.Default().Exchange
	cfg.BaseURL = srv.URL
	cfg.PriceURL = srv.URL + "/price"
	cfg.HTTPTimeout = 5 * time.Second
	return NewHTTPClient(cfg, nil, nil)
}

func testSigned() *order.SignedOrder {
	return &order.SignedOrder{
		Payload: order.CanonicalPayload{
			Kind: order.KindSell,
			Body: []byte(`{"kind":"sell"}`),
		},
		Signature: make([]byte, 65),
		Signer:    common.HexToAddress("0x216df17ec98bae6047f2c5466162333f1aee23dc"),
	}
}

func TestSubmitOrder(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/orders" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		fmt.Fprint(w, `{"order_id": 244755386}`)
	}))

	id, err := c.SubmitOrder(context.Background(), testSigned())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id != 244755386 {
		t.Errorf("remote id = %d, want 244755386", id)
	}
}

func TestSubmitOrderRejection(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "insufficient balance", http.StatusUnprocessableEntity)
	}))

	_, err := c.SubmitOrder(context.Background(), testSigned())
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("err = %v, want StatusError", err)
	}
	if statusErr.Code != http.StatusUnprocessableEntity {
		t.Errorf("code = %d, want 422", statusErr.Code)
	}
	if IsTransient(err) {
		t.Error("client-side rejection classified as transient")
	}
}

func TestIsTransientClassification(t *testing.T) {
	if !IsTransient(&StatusError{Code: http.StatusTooManyRequests}) {
		t.Error("429 should be transient")
	}
	if !IsTransient(&StatusError{Code: http.StatusBadGateway}) {
		t.Error("502 should be transient")
	}
	if IsTransient(&StatusError{Code: http.StatusBadRequest}) {
		t.Error("400 should not be transient")
	}
	if IsTransient(context.Canceled) {
		t.Error("context cancellation should not be transient")
	}
}

func TestIsTransientConnectionFailures(t *testing.T) {
	// http.Client wraps every transport failure in *url.Error, which
	// itself implements net.Error. Refused and reset connections report
	// Timeout() false there and must still classify as transient.
	refused := &url.Error{
		Op:  "Post",
		URL: "http://127.0.0.1:1/v1/orders",
		Err: &net.OpError{
			Op:  "dial",
			Net: "tcp",
			Err: os.NewSyscallError("connect", syscall.ECONNREFUSED),
		},
	}
	if !IsTransient(refused) {
		t.Error("connection refused should be transient")
	}

	reset := &url.Error{
		Op:  "Post",
		URL: "http://127.0.0.1:1/v1/orders",
		Err: &net.OpError{
			Op:  "read",
			Net: "tcp",
			Err: os.NewSyscallError("read", syscall.ECONNRESET),
		},
	}
	if !IsTransient(reset) {
		t.Error("connection reset should be transient")
	}

	timeout := &url.Error{
		Op:  "Post",
		URL: "http://127.0.0.1:1/v1/orders",
		Err: context.DeadlineExceeded,
	}
	if !IsTransient(timeout) {
		t.Error("request timeout should be transient")
	}
}

func TestPollStatus(t *testing.T) {
	cases := []struct {
		body string
		want RemoteState
	}{
		{`{"status":"pending"}`, StatePending},
		{`{"status":"active"}`, StateAccepted},
		{`{"status":"filled"}`, StateCompleted},
		{`{"status":"cancelled"}`, StateCancelled},
		{`{"status":"rejected","reason":"expired"}`, StateRejected},
	}

	for _, tc := range cases {
		body := tc.body
		c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, body)
		}))

		status, err := c.PollStatus(context.Background(), 1)
		if err != nil {
			t.Fatalf("%s: %v", tc.body, err)
		}
		if status.State != tc.want {
			t.Errorf("%s: state = %s, want %s", tc.body, status.State, tc.want)
		}
	}
}

func TestIsRegistered(t *testing.T) {
	addr := common.HexToAddress("0x216df17ec98bae6047f2c5466162333f1aee23dc")

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	registered, err := c.IsRegistered(context.Background(), addr)
	if err != nil {
		t.Fatalf("is registered: %v", err)
	}
	if registered {
		t.Error("404 should mean not registered")
	}

	c = testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"accounts":["0xstark"]}`)
	}))
	registered, err = c.IsRegistered(context.Background(), addr)
	if err != nil {
		t.Fatalf("is registered: %v", err)
	}
	if !registered {
		t.Error("account response should mean registered")
	}
}

func TestBestOffer(t *testing.T) {
	asset := order.AssetRef{
		Collection: common.HexToAddress("0xacb3c6a43d15b907e8433077b6d38ae40936fe2c"),
		TokenID:    big.NewInt(209512341),
	}
	maker := common.HexToAddress("0x216df17ec98bae6047f2c5466162333f1aee23dc")

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v3/orders":
			// Second listing is cheaper after fees.
			fmt.Fprint(w, `{"result":[
				{"order_id":1,"buy":{"data":{"quantity":"2000000","quantity_with_fees":"2020000"}},"sell":{"data":{"token_id":"209512341","token_address":"0xacb3"}}},
				{"order_id":2,"buy":{"data":{"quantity":"1000000","quantity_with_fees":"1010000"}},"sell":{"data":{"token_id":"209512341","token_address":"0xacb3"}}}
			]}`)
		case r.URL.Path == "/v1/nonce/"+"0x216df17ec98bae6047f2c5466162333f1aee23dc":
			fmt.Fprint(w, `{"nonce": 7}`)
		default:
			t.Errorf("unexpected request: %s", r.URL.Path)
		}
	}))

	q, err := c.BestOffer(context.Background(), asset, "USDC", maker, 0)
	if err != nil {
		t.Fatalf("best offer: %v", err)
	}
	if q.OrderID != 2 {
		t.Errorf("order id = %d, want 2 (cheapest)", q.OrderID)
	}
	// 1_010_000 + 1_000_000 * 1% = 1_020_000
	if q.Price.Cmp(big.NewInt(1_020_000)) != 0 {
		t.Errorf("price = %s, want 1020000", q.Price)
	}
	if q.Nonce != 7 {
		t.Errorf("nonce = %d, want 7", q.Nonce)
	}
	if q.FetchedAt.IsZero() {
		t.Error("quote missing fetch timestamp")
	}
}

func TestBalances(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"result":[{"symbol":"ETH","balance":"1000000000000000000"},{"symbol":"USDC","balance":"2500000"}]}`)
	}))

	balances, err := c.Balances(context.Background(), common.HexToAddress("0x216df17ec98bae6047f2c5466162333f1aee23dc"))
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if len(balances) != 2 {
		t.Fatalf("got %d balances, want 2", len(balances))
	}
	if balances[0].Decimals != 18 || balances[1].Decimals != 6 {
		t.Errorf("decimals = %d/%d, want 18/6", balances[0].Decimals, balances[1].Decimals)
	}
}

func TestEthPrice(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ethereum":{"usd":3000.5}}`)
	}))

	price, err := c.EthPrice(context.Background())
	if err != nil {
		t.Fatalf("eth price: %v", err)
	}
	if price != 3000.5 {
		t.Errorf("price = %f, want 3000.5", price)
	}
}
