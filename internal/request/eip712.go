package request

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// TypeString is the EIP-712 struct type of a forward request. It matches the
// layout widely deployed forwarders use so existing wallet signers stay valid.
const TypeString = "ForwardRequest(address from,address to,uint256 value,uint256 gas,uint256 nonce,bytes data)"

var (
	requestTypeHash = crypto.Keccak256Hash([]byte(TypeString))
	domainTypeHash  = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
)

var (
	ErrValueOutOfRange     = errors.New("request: value is not a uint256")
	ErrInvalidSignature    = errors.New("request: invalid signature")
	ErrInvalidSignatureLen = errors.New("request: invalid signature length")
)

// Hasher computes EIP-712 digests for one fixed domain. The domain separator is
// computed once at construction; any change to the domain yields a different
// separator, so signatures made for another domain simply fail to recover.
type Hasher struct {
	domain    Domain
	separator common.Hash
}

func NewHasher(d Domain) *Hasher {
	if d.ChainID == nil {
		d.ChainID = new(big.Int)
	}
	d.ChainID = new(big.Int).Set(d.ChainID)
	return &Hasher{domain: d, separator: domainSeparator(d)}
}

// Domain returns a copy of the domain this hasher is bound to.
func (h *Hasher) Domain() Domain {
	d := h.domain
	d.ChainID = new(big.Int).Set(h.domain.ChainID)
	return d
}

func (h *Hasher) DomainSeparator() common.Hash { return h.separator }

// domainSeparator computes
// keccak256(abi.encode(domainTypeHash, keccak(name), keccak(version), chainId, verifyingContract)).
func domainSeparator(d Domain) common.Hash {
	nameHash := crypto.Keccak256Hash([]byte(d.Name))
	versionHash := crypto.Keccak256Hash([]byte(d.Version))

	encoded := make([]byte, 5*32)
	copy(encoded[0:32], domainTypeHash[:])
	copy(encoded[32:64], nameHash[:])
	copy(encoded[64:96], versionHash[:])
	copy(encoded[96:128], math.U256Bytes(new(big.Int).Set(d.ChainID)))
	copy(encoded[140:160], d.VerifyingContract.Bytes()) // addr is right-aligned in 32-byte slot

	return crypto.Keccak256Hash(encoded)
}

// StructHash is keccak256(abi.encode(typeHash, from, to, value, gas, nonce, keccak(data))).
func StructHash(r *Request) common.Hash {
	payloadHash := crypto.Keccak256Hash(r.Payload)

	encoded := make([]byte, 7*32)
	copy(encoded[0:32], requestTypeHash[:])
	copy(encoded[44:64], r.Sender.Bytes())
	copy(encoded[76:96], r.Target.Bytes())
	copy(encoded[96:128], math.U256Bytes(new(big.Int).Set(r.value())))
	new(big.Int).SetUint64(r.GasBudget).FillBytes(encoded[128:160])
	new(big.Int).SetUint64(r.Nonce).FillBytes(encoded[160:192])
	copy(encoded[192:224], payloadHash[:])

	return crypto.Keccak256Hash(encoded)
}

// Digest returns keccak256(0x19 0x01 || domainSeparator || structHash).
func (h *Hasher) Digest(r *Request) common.Hash {
	structHash := StructHash(r)

	msg := make([]byte, 2+32+32)
	msg[0] = 0x19
	msg[1] = 0x01
	copy(msg[2:34], h.separator[:])
	copy(msg[34:66], structHash[:])
	return crypto.Keccak256Hash(msg)
}

// Validate reports whether every field fits its EIP-712 type.
func (r *Request) Validate() error {
	if r.Value != nil && (r.Value.Sign() < 0 || r.Value.BitLen() > 256) {
		return ErrValueOutOfRange
	}
	return nil
}

// Sign signs the request with the sender's key. V is returned as 27/28.
func (h *Hasher) Sign(r *Request, privKey *ecdsa.PrivateKey) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	digest := h.Digest(r)
	sig, err := crypto.Sign(digest[:], privKey)
	if err != nil {
		return nil, err
	}
	// Convert V from 0/1 to 27/28 for Solidity ecrecover
	sig[64] += 27
	return sig, nil
}

// Recover returns the address that produced sig over digest.
// V may be 0/1 or 27/28.
func Recover(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, ErrInvalidSignatureLen
	}
	sigCopy := make([]byte, SignatureLength)
	copy(sigCopy, sig)
	if sigCopy[64] >= 27 {
		sigCopy[64] -= 27
	}
	pub, err := crypto.SigToPub(digest[:], sigCopy)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// RecoverSigner recovers the signer of a request under this hasher's domain.
func (h *Hasher) RecoverSigner(r *Request, sig []byte) (common.Address, error) {
	if err := r.Validate(); err != nil {
		return common.Address{}, err
	}
	return Recover(h.Digest(r), sig)
}
