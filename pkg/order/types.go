package order

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Kind enumerates the closed set of user intents. Adding a kind means
// updating every switch over Kind; the builder fails loudly on values it
// does not know.
type Kind uint8

const (
	KindBuy      Kind = iota + 1 // take an existing listed order
	KindSell                     // list an owned asset for sale
	KindOffer                    // resting buy offer at a limit price
	KindTransfer                 // move an NFT to another account
	KindTokenTransfer            // move fungible tokens to another account
	KindCancel                   // cancel a resting order
)

func (k Kind) String() string {
	switch k {
	case KindBuy:
		return "buy"
	case KindSell:
		return "sell"
	case KindOffer:
		return "offer"
	case KindTransfer:
		return "transfer"
	case KindTokenTransfer:
		return "token_transfer"
	case KindCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// AssetRef identifies one card instance. Immutable.
type AssetRef struct {
	Collection   common.Address `json:"collection"`
	TokenID      *big.Int       `json:"tokenId"`
	CardIdentity string         `json:"cardIdentity"` // display name, e.g. "Fireblast"
}

func (a AssetRef) Key() string {
	return fmt.Sprintf("%s:%s", a.Collection.Hex(), a.TokenID.String())
}

// Intent is the tagged variant over buy, sell, offer, transfer and token
// transfer. Implementations are the only values the builder accepts;
// external packages cannot add variants.
type Intent interface {
	Kind() Kind
	// ConflictKey identifies the asset+intent combination for the
	// engine's in-flight guard. Two intents with equal keys may not
	// progress through the exchange at the same time.
	ConflictKey() string
}

// Buy takes the listed order carried by the quote, paying at most
// MaxPrice of Currency (base units, fees included).
type Buy struct {
	Asset    AssetRef
	MaxPrice *big.Int
	Currency string
}

func (Buy) Kind() Kind            { return KindBuy }
func (b Buy) ConflictKey() string { return "buy:" + b.Asset.Key() }

// Sell lists an owned asset at AskPrice of Currency (base units).
type Sell struct {
	Asset    AssetRef
	AskPrice *big.Int
	Currency string
}

func (Sell) Kind() Kind            { return KindSell }
func (s Sell) ConflictKey() string { return "sell:" + s.Asset.Key() }

// Offer places a resting buy offer on an asset at a limit price.
type Offer struct {
	Asset    AssetRef
	Price    *big.Int
	Currency string
}

func (Offer) Kind() Kind            { return KindOffer }
func (o Offer) ConflictKey() string { return "offer:" + o.Asset.Key() }

// Transfer moves an NFT to another account. The destination is kept as
// the raw user string; the builder validates it before use.
type Transfer struct {
	Asset AssetRef
	To    string
}

func (Transfer) Kind() Kind            { return KindTransfer }
func (t Transfer) ConflictKey() string { return "transfer:" + t.Asset.Key() }

// TokenTransfer moves Amount base units of a fungible token ("ETH" or a
// token contract hex) to another account.
type TokenTransfer struct {
	Token  string
	Amount *big.Int
	To     string
}

func (TokenTransfer) Kind() Kind { return KindTokenTransfer }
func (t TokenTransfer) ConflictKey() string {
	return "token_transfer:" + t.Token
}

// FeeTerm is an extra marketplace fee attached to trade payloads.
type FeeTerm struct {
	Recipient common.Address `json:"recipient"`
	Bps       int64          `json:"bps"`
}

// Quote is a time-limited market snapshot plus the exchange-issued nonce
// for the next signable payload. For transfers only Nonce and FetchedAt
// are meaningful.
type Quote struct {
	OrderID   uint64   // best matching listed order (buy path)
	Price     *big.Int // base units of Currency, fees included
	Currency  string
	Nonce     uint64 // server nonce bound into the signable payload
	FetchedAt time.Time
}

// CanonicalPayload is the byte-stable form of an intent: Body is the
// exact JSON submitted to the exchange, Digest the EIP-712 hash that gets
// signed. Two builds from the same inputs produce identical bytes.
type CanonicalPayload struct {
	Kind        Kind      `json:"kind"`
	ConflictKey string    `json:"conflictKey"`
	Body        []byte    `json:"body"`
	Digest      []byte    `json:"digest"`
	Expiry      time.Time `json:"expiry,omitempty"` // zero for transfers and cancels
}

// SignedOrder pairs a canonical payload with its signature and the
// address it verifies against. Immutable once created.
type SignedOrder struct {
	Payload   CanonicalPayload `json:"payload"`
	Signature []byte           `json:"signature"`
	Signer    common.Address   `json:"signer"`
}
