package exchange

import (
	"math/big"
)

// RemoteState is the exchange's view of an order or transfer.
type RemoteState string

const (
	StatePending   RemoteState = "pending"
	StateAccepted  RemoteState = "accepted"
	StateRejected  RemoteState = "rejected"
	StateCompleted RemoteState = "completed"
	StateCancelled RemoteState = "cancelled"
)

// Status is the result of polling a remote order.
type Status struct {
	State  RemoteState
	Reason string // populated for rejections and cancellations when known
}

// Balance is one token balance of an account, in base units.
type Balance struct {
	Symbol   string
	Amount   *big.Int
	Decimals int
}

// TokenDecimals returns the base-unit scale for a token symbol.
// USDC settles with 6 decimals on the exchange; everything else uses 18.
func TokenDecimals(symbol string) int {
	if symbol == "USDC" {
		return 6
	}
	return 18
}

// Wire types for the exchange REST API.

type submitRequest struct {
	Order     string `json:"order"` // canonical payload body, verbatim
	Signature string `json:"signature"`
	Signer    string `json:"signer"`
}

type submitResponse struct {
	OrderID uint64 `json:"order_id"`
}

type transferResponse struct {
	TransferID uint64 `json:"transfer_id"`
}

type statusResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type cancelResponse struct {
	OK bool `json:"ok"`
}

type nonceResponse struct {
	Nonce uint64 `json:"nonce"`
}

type balancesResponse struct {
	Result []struct {
		Symbol  string `json:"symbol"`
		Balance string `json:"balance"`
	} `json:"result"`
}

type activeOrdersResponse struct {
	Result []struct {
		OrderID uint64 `json:"order_id"`
		Buy     struct {
			Data struct {
				Quantity         string `json:"quantity"`
				QuantityWithFees string `json:"quantity_with_fees"`
			} `json:"data"`
		} `json:"buy"`
		Sell struct {
			Data struct {
				TokenID      string `json:"token_id"`
				TokenAddress string `json:"token_address"`
			} `json:"data"`
		} `json:"sell"`
	} `json:"result"`
}

type registerRequest struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
}
