package crypto

import (
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// linkMessage is the fixed consent text behind the one-time wallet
// registration signature. The exchange recovers the signer from the
// digest and links the L1 address.
const linkMessage = "Only sign this message to link your wallet to the exchange."

// LinkDigest returns the digest a wallet signs to register its address.
// Binding the address into the hash stops a captured signature from
// linking a different wallet.
func LinkDigest(addr common.Address) []byte {
	return ethcrypto.Keccak256([]byte(linkMessage), addr.Bytes())
}
