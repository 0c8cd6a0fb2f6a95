package crypto

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Domain is the EIP-712 domain separator for exchange payloads.
// Prevents a signed order from being replayed on another chain or against
// another verifying contract.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// DefaultDomain returns the exchange signing domain for the given chain.
func DefaultDomain(chainID int64) Domain {
	return Domain{
		Name:              "GUMarket",
		Version:           "1",
		ChainID:           big.NewInt(chainID),
		VerifyingContract: common.Address{}, // off-chain order signing
	}
}

// FeeTerm is a marketplace fee embedded in a trade payload.
type FeeTerm struct {
	Recipient common.Address
	Bps       *big.Int // basis points of the base price
}

// TradeTyped is the typed-data layout for a buy, offer or sell order.
// Amounts are integer base units of Currency; Expiry is Unix seconds.
type TradeTyped struct {
	Kind       uint8    // 1 = Buy (take order), 2 = Sell (list), 3 = Offer (resting buy)
	OrderID    *big.Int // remote order being taken; zero for Sell/Offer
	Collection common.Address
	TokenID    *big.Int
	Currency   string
	Amount     *big.Int
	Expiry     *big.Int
	Nonce      *big.Int
	Maker      common.Address
	Fees       []FeeTerm
}

// TransferTyped is the typed-data layout for an asset or token transfer.
// No price fields: a transfer moves the asset, it does not trade it.
type TransferTyped struct {
	Collection common.Address // zero for fungible token transfers
	TokenID    *big.Int       // zero for fungible token transfers
	Token      string         // token contract hex or "ETH"; empty for NFT transfers
	Amount     *big.Int       // base units; zero for NFT transfers
	Receiver   common.Address
	Nonce      *big.Int
	Maker      common.Address
}

// CancelTyped is the typed-data layout for cancelling a resting order.
type CancelTyped struct {
	OrderID *big.Int
	Nonce   *big.Int
	Maker   common.Address
}

// PayloadHasher computes EIP-712 digests for exchange payloads.
type PayloadHasher struct {
	domain Domain
}

func NewPayloadHasher(domain Domain) *PayloadHasher {
	return &PayloadHasher{domain: domain}
}

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

func (p *PayloadHasher) apiDomain() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              p.domain.Name,
		Version:           p.domain.Version,
		ChainId:           (*math.HexOrDecimal256)(p.domain.ChainID),
		VerifyingContract: p.domain.VerifyingContract.Hex(),
	}
}

// HashTrade returns the digest to sign for a trade payload.
func (p *PayloadHasher) HashTrade(trade *TradeTyped) ([]byte, error) {
	fees := make([]interface{}, len(trade.Fees))
	for i, f := range trade.Fees {
		fees[i] = map[string]interface{}{
			"recipient": f.Recipient.Hex(),
			"bps":       f.Bps.String(),
		}
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"Fee": []apitypes.Type{
				{Name: "recipient", Type: "address"},
				{Name: "bps", Type: "uint256"},
			},
			"Trade": []apitypes.Type{
				{Name: "kind", Type: "uint8"},
				{Name: "orderId", Type: "uint256"},
				{Name: "collection", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "currency", Type: "string"},
				{Name: "amount", Type: "uint256"},
				{Name: "expiry", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "fees", Type: "Fee[]"},
			},
		},
		PrimaryType: "Trade",
		Domain:      p.apiDomain(),
		Message: apitypes.TypedDataMessage{
			"kind":       fmt.Sprintf("%d", trade.Kind),
			"orderId":    trade.OrderID.String(),
			"collection": trade.Collection.Hex(),
			"tokenId":    trade.TokenID.String(),
			"currency":   trade.Currency,
			"amount":     trade.Amount.String(),
			"expiry":     trade.Expiry.String(),
			"nonce":      trade.Nonce.String(),
			"maker":      trade.Maker.Hex(),
			"fees":       fees,
		},
	}

	return p.digest(typedData)
}

// HashTransfer returns the digest to sign for a transfer payload.
func (p *PayloadHasher) HashTransfer(transfer *TransferTyped) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"Transfer": []apitypes.Type{
				{Name: "collection", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "token", Type: "string"},
				{Name: "amount", Type: "uint256"},
				{Name: "receiver", Type: "address"},
				{Name: "nonce", Type: "uint256"},
				{Name: "maker", Type: "address"},
			},
		},
		PrimaryType: "Transfer",
		Domain:      p.apiDomain(),
		Message: apitypes.TypedDataMessage{
			"collection": transfer.Collection.Hex(),
			"tokenId":    transfer.TokenID.String(),
			"token":      transfer.Token,
			"amount":     transfer.Amount.String(),
			"receiver":   transfer.Receiver.Hex(),
			"nonce":      transfer.Nonce.String(),
			"maker":      transfer.Maker.Hex(),
		},
	}

	return p.digest(typedData)
}

// HashCancel returns the digest to sign for an order cancellation.
func (p *PayloadHasher) HashCancel(cancel *CancelTyped) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"Cancel": []apitypes.Type{
				{Name: "orderId", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "maker", Type: "address"},
			},
		},
		PrimaryType: "Cancel",
		Domain:      p.apiDomain(),
		Message: apitypes.TypedDataMessage{
			"orderId": cancel.OrderID.String(),
			"nonce":   cancel.Nonce.String(),
			"maker":   cancel.Maker.Hex(),
		},
	}

	return p.digest(typedData)
}

// digest computes keccak256("\x19\x01" || domainSeparator || structHash).
func (p *PayloadHasher) digest(typedData apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	return crypto.Keccak256Hash(rawData).Bytes(), nil
}
