package crypto

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func testTrade() *TradeTyped {
	return &TradeTyped{
		Kind:       2,
		OrderID:    big.NewInt(0),
		Collection: common.HexToAddress("0xacb3c6a43d15b907e8433077b6d38ae40936fe2c"),
		TokenID:    big.NewInt(209512341),
		Currency:   "ETH",
		Amount:     big.NewInt(1_000_000_000_000_000),
		Expiry:     big.NewInt(1700000180),
		Nonce:      big.NewInt(7),
		Maker:      common.HexToAddress("0x216df17ec98bae6047f2c5466162333f1aee23dc"),
		Fees: []FeeTerm{
			{Recipient: common.HexToAddress("0x926268e740a64d9efa377a26553fd522dc70c053"), Bps: big.NewInt(100)},
		},
	}
}

func TestHashTradeDeterministic(t *testing.T) {
	hasher := NewPayloadHasher(DefaultDomain(1))

	d1, err := hasher.HashTrade(testTrade())
	if err != nil {
		t.Fatalf("hash trade: %v", err)
	}
	d2, err := hasher.HashTrade(testTrade())
	if err != nil {
		t.Fatalf("hash trade: %v", err)
	}

	if len(d1) != 32 {
		t.Fatalf("digest length = %d, want 32", len(d1))
	}
	if !bytes.Equal(d1, d2) {
		t.Error("identical trades hashed to different digests")
	}
}

func TestHashTradeFieldSensitivity(t *testing.T) {
	hasher := NewPayloadHasher(DefaultDomain(1))

	base, err := hasher.HashTrade(testTrade())
	if err != nil {
		t.Fatalf("hash trade: %v", err)
	}

	moved := testTrade()
	moved.Amount = big.NewInt(2_000_000_000_000_000)
	d, err := hasher.HashTrade(moved)
	if err != nil {
		t.Fatalf("hash trade: %v", err)
	}
	if bytes.Equal(base, d) {
		t.Error("price change did not change digest")
	}

	noFees := testTrade()
	noFees.Fees = nil
	d, err = hasher.HashTrade(noFees)
	if err != nil {
		t.Fatalf("hash trade: %v", err)
	}
	if bytes.Equal(base, d) {
		t.Error("fee change did not change digest")
	}
}

func TestHashTradeDomainSeparation(t *testing.T) {
	mainnet := NewPayloadHasher(DefaultDomain(1))
	devnet := NewPayloadHasher(DefaultDomain(1337))

	d1, _ := mainnet.HashTrade(testTrade())
	d2, _ := devnet.HashTrade(testTrade())

	if bytes.Equal(d1, d2) {
		t.Error("digests identical across chain IDs")
	}
}

func TestHashTransferAndCancel(t *testing.T) {
	hasher := NewPayloadHasher(DefaultDomain(1))

	transfer := &TransferTyped{
		Collection: common.HexToAddress("0xacb3c6a43d15b907e8433077b6d38ae40936fe2c"),
		TokenID:    big.NewInt(42),
		Token:      "",
		Amount:     big.NewInt(0),
		Receiver:   common.HexToAddress("0x926268e740a64d9efa377a26553fd522dc70c053"),
		Nonce:      big.NewInt(1),
		Maker:      common.HexToAddress("0x216df17ec98bae6047f2c5466162333f1aee23dc"),
	}
	d1, err := hasher.HashTransfer(transfer)
	if err != nil {
		t.Fatalf("hash transfer: %v", err)
	}
	d2, _ := hasher.HashTransfer(transfer)
	if !bytes.Equal(d1, d2) {
		t.Error("transfer hashing not deterministic")
	}

	cancel := &CancelTyped{
		OrderID: big.NewInt(244755386),
		Nonce:   big.NewInt(2),
		Maker:   common.HexToAddress("0x216df17ec98bae6047f2c5466162333f1aee23dc"),
	}
	c1, err := hasher.HashCancel(cancel)
	if err != nil {
		t.Fatalf("hash cancel: %v", err)
	}
	if bytes.Equal(c1, d1) {
		t.Error("cancel and transfer digests collided")
	}
}

func TestSignedTradeVerifies(t *testing.T) {
	hasher := NewPayloadHasher(DefaultDomain(1))
	signer, _ := GenerateKey()

	trade := testTrade()
	trade.Maker = signer.Address()

	digest, err := hasher.HashTrade(trade)
	if err != nil {
		t.Fatalf("hash trade: %v", err)
	}
	sig, err := signer.Sign(digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if !VerifySignature(signer.Address(), digest, sig) {
		t.Error("trade signature did not verify against maker")
	}
}
