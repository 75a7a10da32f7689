package request

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// SignatureLength is the size of an R || S || V secp256k1 signature.
const SignatureLength = 65

// Request is a sender's signed authorization for one call to Target.
// It is immutable once signed and identified by (Sender, Nonce).
type Request struct {
	Sender    common.Address `json:"from"`
	Target    common.Address `json:"to"`
	Value     *big.Int       `json:"value"`
	GasBudget uint64         `json:"gas"`
	Nonce     uint64         `json:"nonce"`
	Payload   hexutil.Bytes  `json:"data"`
}

// Signed pairs a request with its signature, the unit carried on the wire.
type Signed struct {
	Request   Request       `json:"request"`
	Signature hexutil.Bytes `json:"signature"`
}

// Domain binds signatures to one network and one deployed forwarder.
type Domain struct {
	Name              string         `json:"name"`
	Version           string         `json:"version"`
	ChainID           *big.Int       `json:"chain_id"`
	VerifyingContract common.Address `json:"verifying_contract"`
}

func (r *Request) value() *big.Int {
	if r.Value == nil {
		return new(big.Int)
	}
	return r.Value
}
