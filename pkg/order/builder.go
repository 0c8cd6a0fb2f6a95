package order

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/SaltBlocks/gumarket/pkg/crypto"
	"github.com/SaltBlocks/gumarket/pkg/util"
)

var (
	// ErrQuoteExpired is returned when the quote backing a trade is older
	// than the configured TTL. Nothing is signed from a stale quote.
	ErrQuoteExpired = errors.New("order: quote is stale")

	// ErrQuoteMismatch is returned when the quote does not match the
	// intent (wrong currency, missing price).
	ErrQuoteMismatch = errors.New("order: quote does not match intent")

	// ErrPriceExceedsLimit is returned when the quoted price is above the
	// buyer's maximum.
	ErrPriceExceedsLimit = errors.New("order: quoted price exceeds max price")

	// ErrInvalidIntent covers malformed intents: missing price, zero
	// amount, unknown token. Rejected before any signing.
	ErrInvalidIntent = errors.New("order: invalid intent")
)

// Builder turns intents plus a live quote into canonical payloads.
// Pure: no network calls, no hidden state. Its only clock use is the
// staleness check; the payload bytes depend solely on the inputs, so two
// builds from the same intent and quote are byte-identical.
type Builder struct {
	hasher   *crypto.PayloadHasher
	quoteTTL time.Duration
	fees     []FeeTerm
	clock    util.Clock
}

func NewBuilder(domain crypto.Domain, quoteTTL time.Duration, fees []FeeTerm, clock util.Clock) *Builder {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Builder{
		hasher:   crypto.NewPayloadHasher(domain),
		quoteTTL: quoteTTL,
		fees:     fees,
		clock:    clock,
	}
}

// Wire bodies. Field order is fixed by the struct, so json.Marshal output
// is byte-stable across builds.

type tradeBody struct {
	Kind       string    `json:"kind"`
	OrderID    uint64    `json:"orderId"`
	Collection string    `json:"collection"`
	TokenID    string    `json:"tokenId"`
	Currency   string    `json:"currency"`
	Amount     string    `json:"amount"`
	Expiry     int64     `json:"expiry"`
	Nonce      uint64    `json:"nonce"`
	Maker      string    `json:"maker"`
	Fees       []FeeTerm `json:"fees"`
}

type transferBody struct {
	Collection string `json:"collection"`
	TokenID    string `json:"tokenId"`
	Token      string `json:"token"`
	Amount     string `json:"amount"`
	Receiver   string `json:"receiver"`
	Nonce      uint64 `json:"nonce"`
	Maker      string `json:"maker"`
}

type cancelBody struct {
	OrderID uint64 `json:"orderId"`
	Nonce   uint64 `json:"nonce"`
	Maker   string `json:"maker"`
}

// Build constructs the canonical payload for an intent. Trades require a
// fresh quote; transfers use only the quote's exchange nonce. The maker
// address is the account that will sign the payload.
func (b *Builder) Build(maker common.Address, intent Intent, q Quote) (*CanonicalPayload, error) {
	switch it := intent.(type) {
	case Buy:
		if it.MaxPrice == nil || it.MaxPrice.Sign() <= 0 {
			return nil, fmt.Errorf("%w: buy needs a positive max price", ErrInvalidIntent)
		}
		if err := b.checkQuote(q, it.Currency); err != nil {
			return nil, err
		}
		if q.OrderID == 0 || q.Price == nil {
			return nil, fmt.Errorf("%w: quote carries no order to take", ErrQuoteMismatch)
		}
		if q.Price.Cmp(it.MaxPrice) > 0 {
			return nil, ErrPriceExceedsLimit
		}
		return b.buildTrade(maker, intent, it.Asset, q.OrderID, q.Price, it.Currency, q)

	case Sell:
		if it.AskPrice == nil || it.AskPrice.Sign() <= 0 {
			return nil, fmt.Errorf("%w: sell needs a positive ask price", ErrInvalidIntent)
		}
		if err := b.checkQuote(q, it.Currency); err != nil {
			return nil, err
		}
		return b.buildTrade(maker, intent, it.Asset, 0, it.AskPrice, it.Currency, q)

	case Offer:
		if it.Price == nil || it.Price.Sign() <= 0 {
			return nil, fmt.Errorf("%w: offer needs a positive price", ErrInvalidIntent)
		}
		if err := b.checkQuote(q, it.Currency); err != nil {
			return nil, err
		}
		return b.buildTrade(maker, intent, it.Asset, 0, it.Price, it.Currency, q)

	case Transfer:
		receiver, err := crypto.ValidateAddress(it.To)
		if err != nil {
			return nil, err
		}
		return b.buildTransfer(maker, intent, it.Asset.Collection, it.Asset.TokenID, "", big.NewInt(0), receiver, q.Nonce)

	case TokenTransfer:
		if it.Amount == nil || it.Amount.Sign() <= 0 {
			return nil, fmt.Errorf("%w: token transfer needs a positive amount", ErrInvalidIntent)
		}
		if it.Token != "ETH" && !common.IsHexAddress(it.Token) {
			return nil, fmt.Errorf("%w: unknown token %q", ErrInvalidIntent, it.Token)
		}
		receiver, err := crypto.ValidateAddress(it.To)
		if err != nil {
			return nil, err
		}
		return b.buildTransfer(maker, intent, common.Address{}, big.NewInt(0), it.Token, it.Amount, receiver, q.Nonce)

	default:
		return nil, fmt.Errorf("%w: unhandled intent kind %T", ErrInvalidIntent, intent)
	}
}

// BuildCancel constructs the signable payload for cancelling a resting
// order. Used by the engine for the Accepted to Cancelled transition.
func (b *Builder) BuildCancel(maker common.Address, orderID, nonce uint64) (*CanonicalPayload, error) {
	digest, err := b.hasher.HashCancel(&crypto.CancelTyped{
		OrderID: new(big.Int).SetUint64(orderID),
		Nonce:   new(big.Int).SetUint64(nonce),
		Maker:   maker,
	})
	if err != nil {
		return nil, fmt.Errorf("hash cancel: %w", err)
	}

	body, err := json.Marshal(cancelBody{
		OrderID: orderID,
		Nonce:   nonce,
		Maker:   strings.ToLower(maker.Hex()),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal cancel body: %w", err)
	}

	return &CanonicalPayload{
		Kind:        KindCancel,
		ConflictKey: fmt.Sprintf("cancel:%d", orderID),
		Body:        body,
		Digest:      digest,
	}, nil
}

func (b *Builder) checkQuote(q Quote, currency string) error {
	if q.FetchedAt.IsZero() {
		return fmt.Errorf("%w: no live quote", ErrQuoteMismatch)
	}
	if q.Currency != currency {
		return fmt.Errorf("%w: quote is in %s, intent wants %s", ErrQuoteMismatch, q.Currency, currency)
	}
	if b.clock.Now().Sub(q.FetchedAt) > b.quoteTTL {
		return ErrQuoteExpired
	}
	return nil
}

func (b *Builder) buildTrade(maker common.Address, intent Intent, asset AssetRef, takeOrderID uint64, amount *big.Int, currency string, q Quote) (*CanonicalPayload, error) {
	// Expiry is anchored to the quote, not wall time: a payload built
	// from an old quote expires correspondingly sooner.
	expiry := q.FetchedAt.Add(b.quoteTTL)

	fees := make([]crypto.FeeTerm, len(b.fees))
	for i, f := range b.fees {
		fees[i] = crypto.FeeTerm{Recipient: f.Recipient, Bps: big.NewInt(f.Bps)}
	}

	digest, err := b.hasher.HashTrade(&crypto.TradeTyped{
		Kind:       uint8(intent.Kind()),
		OrderID:    new(big.Int).SetUint64(takeOrderID),
		Collection: asset.Collection,
		TokenID:    asset.TokenID,
		Currency:   currency,
		Amount:     amount,
		Expiry:     big.NewInt(expiry.Unix()),
		Nonce:      new(big.Int).SetUint64(q.Nonce),
		Maker:      maker,
		Fees:       fees,
	})
	if err != nil {
		return nil, fmt.Errorf("hash trade: %w", err)
	}

	body, err := json.Marshal(tradeBody{
		Kind:       intent.Kind().String(),
		OrderID:    takeOrderID,
		Collection: strings.ToLower(asset.Collection.Hex()),
		TokenID:    asset.TokenID.String(),
		Currency:   currency,
		Amount:     amount.String(),
		Expiry:     expiry.Unix(),
		Nonce:      q.Nonce,
		Maker:      strings.ToLower(maker.Hex()),
		Fees:       b.fees,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal trade body: %w", err)
	}

	return &CanonicalPayload{
		Kind:        intent.Kind(),
		ConflictKey: intent.ConflictKey(),
		Body:        body,
		Digest:      digest,
		Expiry:      expiry,
	}, nil
}

func (b *Builder) buildTransfer(maker common.Address, intent Intent, collection common.Address, tokenID *big.Int, token string, amount *big.Int, receiver common.Address, nonce uint64) (*CanonicalPayload, error) {
	digest, err := b.hasher.HashTransfer(&crypto.TransferTyped{
		Collection: collection,
		TokenID:    tokenID,
		Token:      token,
		Amount:     amount,
		Receiver:   receiver,
		Nonce:      new(big.Int).SetUint64(nonce),
		Maker:      maker,
	})
	if err != nil {
		return nil, fmt.Errorf("hash transfer: %w", err)
	}

	body, err := json.Marshal(transferBody{
		Collection: strings.ToLower(collection.Hex()),
		TokenID:    tokenID.String(),
		Token:      token,
		Amount:     amount.String(),
		Receiver:   strings.ToLower(receiver.Hex()),
		Nonce:      nonce,
		Maker:      strings.ToLower(maker.Hex()),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal transfer body: %w", err)
	}

	return &CanonicalPayload{
		Kind:        intent.Kind(),
		ConflictKey: intent.ConflictKey(),
		Body:        body,
		Digest:      digest,
	}, nil
}
