package exchange

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/SaltBlocks/gumarket/params"
	"github.com/SaltBlocks/gumarket/pkg/order"
	"github.com/SaltBlocks/gumarket/pkg/util"
)

// Client is the exchange boundary the engine drives. All four calls are
// fallible, latency-bearing and rate limited; retry policy belongs to
// the caller, not here.
type Client interface {
	SubmitOrder(ctx context.Context, signed *order.SignedOrder) (remoteID uint64, err error)
	Transfer(ctx context.Context, signed *order.SignedOrder) (remoteID uint64, err error)
	PollStatus(ctx context.Context, remoteID uint64) (Status, error)
	CancelOrder(ctx context.Context, remoteID uint64, signed *order.SignedOrder) (bool, error)
}

// HTTPClient talks to the exchange REST API. It also carries the
// account-facing endpoints the trading flow needs around the core four:
// registration, balances, nonces and live quotes.
type HTTPClient struct {
	baseURL  string
	priceURL string
	http     *http.Client
	clock    util.Clock
	log      *zap.Logger
}

func NewHTTPClient(cfg params.Exchange, clock util.Clock, log *zap.Logger) *HTTPClient {
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPClient{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		priceURL: cfg.PriceURL,
		http:     &http.Client{Timeout: cfg.HTTPTimeout},
		clock:    clock,
		log:      log,
	}
}

// SubmitOrder submits a signed trade payload. Returns the remote order id.
func (c *HTTPClient) SubmitOrder(ctx context.Context, signed *order.SignedOrder) (uint64, error) {
	var resp submitResponse
	if err := c.post(ctx, "/v1/orders", signedBody(signed), &resp); err != nil {
		return 0, err
	}
	c.log.Info("order_submitted",
		zap.String("kind", signed.Payload.Kind.String()),
		zap.Uint64("remote_id", resp.OrderID))
	return resp.OrderID, nil
}

// Transfer submits a signed transfer payload. Returns the remote transfer id.
func (c *HTTPClient) Transfer(ctx context.Context, signed *order.SignedOrder) (uint64, error) {
	var resp transferResponse
	if err := c.post(ctx, "/v1/transfers", signedBody(signed), &resp); err != nil {
		return 0, err
	}
	c.log.Info("transfer_submitted", zap.Uint64("remote_id", resp.TransferID))
	return resp.TransferID, nil
}

// PollStatus fetches the remote state of an order or transfer.
func (c *HTTPClient) PollStatus(ctx context.Context, remoteID uint64) (Status, error) {
	var resp statusResponse
	if err := c.get(ctx, fmt.Sprintf("/v1/orders/%d", remoteID), &resp); err != nil {
		return Status{}, err
	}
	state, err := parseRemoteState(resp.Status)
	if err != nil {
		return Status{}, err
	}
	return Status{State: state, Reason: resp.Reason}, nil
}

// CancelOrder asks the exchange to cancel a resting order. The cancel
// itself is a signed payload.
func (c *HTTPClient) CancelOrder(ctx context.Context, remoteID uint64, signed *order.SignedOrder) (bool, error) {
	var resp cancelResponse
	if err := c.post(ctx, fmt.Sprintf("/v1/orders/%d/cancel", remoteID), signedBody(signed), &resp); err != nil {
		return false, err
	}
	return resp.OK, nil
}

// IsRegistered reports whether the address has been linked to the
// exchange. Trading requires a one-time registration of the L1 address.
func (c *HTTPClient) IsRegistered(ctx context.Context, addr common.Address) (bool, error) {
	var resp struct {
		Accounts []string `json:"accounts"`
	}
	err := c.get(ctx, "/v1/users/"+strings.ToLower(addr.Hex()), &resp)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Register links the address to the exchange using a signature over the
// exchange's registration message.
func (c *HTTPClient) Register(ctx context.Context, addr common.Address, signature []byte) error {
	body := registerRequest{
		Address:   strings.ToLower(addr.Hex()),
		Signature: "0x" + hex.EncodeToString(signature),
	}
	if err := c.post(ctx, "/v1/users", body, &struct{}{}); err != nil {
		return err
	}
	c.log.Info("address_registered", zap.String("address", addr.Hex()))
	return nil
}

// NextNonce fetches the exchange-issued nonce to bind into the next
// signable payload for the account.
func (c *HTTPClient) NextNonce(ctx context.Context, addr common.Address) (uint64, error) {
	var resp nonceResponse
	if err := c.get(ctx, "/v1/nonce/"+strings.ToLower(addr.Hex()), &resp); err != nil {
		return 0, err
	}
	return resp.Nonce, nil
}

// Balances fetches per-token balances for an account in base units.
func (c *HTTPClient) Balances(ctx context.Context, addr common.Address) ([]Balance, error) {
	var resp balancesResponse
	if err := c.get(ctx, "/v2/balances/"+strings.ToLower(addr.Hex()), &resp); err != nil {
		return nil, err
	}

	out := make([]Balance, 0, len(resp.Result))
	for _, b := range resp.Result {
		amount, ok := new(big.Int).SetString(b.Balance, 10)
		if !ok {
			return nil, fmt.Errorf("exchange: bad balance %q for %s", b.Balance, b.Symbol)
		}
		out = append(out, Balance{
			Symbol:   b.Symbol,
			Amount:   amount,
			Decimals: TokenDecimals(b.Symbol),
		})
	}
	return out, nil
}

// BestOffer scans active listings for an asset and returns the cheapest
// one with marketplace fees added, together with the account's next
// nonce, as the quote consumed by the order builder. extraFeeBps is the
// configured added fee on top of the exchange's 1% maker fee.
func (c *HTTPClient) BestOffer(ctx context.Context, asset order.AssetRef, currency string, maker common.Address, extraFeeBps int64) (order.Quote, error) {
	q := url.Values{}
	q.Set("status", "active")
	q.Set("sell_token_address", strings.ToLower(asset.Collection.Hex()))
	q.Set("sell_token_id", asset.TokenID.String())
	q.Set("buy_token_type", currency)
	q.Set("order_by", "buy_quantity")
	q.Set("direction", "asc")
	q.Set("include_fees", "true")

	var resp activeOrdersResponse
	if err := c.get(ctx, "/v3/orders?"+q.Encode(), &resp); err != nil {
		return order.Quote{}, err
	}
	if len(resp.Result) == 0 {
		return order.Quote{}, fmt.Errorf("exchange: no active listings for %s", asset.Key())
	}

	// Total cost = quantity_with_fees + quantity * (1% + extra fees),
	// mirroring how the marketplace adds its taker fee on top of the
	// listed price.
	feeBps := big.NewInt(100 + extraFeeBps)
	var best *big.Int
	var bestID uint64
	for _, listing := range resp.Result {
		quantity, ok1 := new(big.Int).SetString(listing.Buy.Data.Quantity, 10)
		withFees, ok2 := new(big.Int).SetString(listing.Buy.Data.QuantityWithFees, 10)
		if !ok1 || !ok2 {
			continue
		}
		added := new(big.Int).Mul(quantity, feeBps)
		added.Div(added, big.NewInt(10_000))
		total := new(big.Int).Add(withFees, added)
		if best == nil || total.Cmp(best) < 0 {
			best = total
			bestID = listing.OrderID
		}
	}
	if best == nil {
		return order.Quote{}, fmt.Errorf("exchange: no parseable listings for %s", asset.Key())
	}

	nonce, err := c.NextNonce(ctx, maker)
	if err != nil {
		return order.Quote{}, err
	}

	return order.Quote{
		OrderID:   bestID,
		Price:     best,
		Currency:  currency,
		Nonce:     nonce,
		FetchedAt: c.clock.Now(),
	}, nil
}

// EthPrice fetches the current ETH/USD spot price from the price API.
func (c *HTTPClient) EthPrice(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.priceURL, nil)
	if err != nil {
		return 0, err
	}
	var resp struct {
		Ethereum struct {
			USD float64 `json:"usd"`
		} `json:"ethereum"`
	}
	if err := c.do(req, &resp); err != nil {
		return 0, err
	}
	return resp.Ethereum.USD, nil
}

func signedBody(signed *order.SignedOrder) submitRequest {
	return submitRequest{
		Order:     string(signed.Payload.Body),
		Signature: "0x" + hex.EncodeToString(signed.Signature),
		Signer:    strings.ToLower(signed.Signer.Hex()),
	}
}

func parseRemoteState(s string) (RemoteState, error) {
	switch s {
	case "pending":
		return StatePending, nil
	case "active", "accepted":
		return StateAccepted, nil
	case "rejected", "inactive":
		return StateRejected, nil
	case "filled", "completed":
		return StateCompleted, nil
	case "cancelled":
		return StateCancelled, nil
	default:
		return "", fmt.Errorf("exchange: unknown order status %q", s)
	}
}

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *HTTPClient) post(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("exchange: decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
