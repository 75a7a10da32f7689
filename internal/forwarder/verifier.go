package forwarder

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0gfoundation/0g-relay/internal/nonce"
	"github.com/0gfoundation/0g-relay/internal/request"
)

// Verifier checks signatures and nonces without mutating anything. It is safe
// for concurrent use and is shared by the coordinator and admission checks.
type Verifier struct {
	hasher *request.Hasher
	nonces nonce.Store
}

func NewVerifier(hasher *request.Hasher, nonces nonce.Store) *Verifier {
	return &Verifier{hasher: hasher, nonces: nonces}
}

// Check returns nil when sig was produced by req.Sender under this domain and
// req.Nonce is the sender's next expected nonce.
func (v *Verifier) Check(ctx context.Context, req *request.Request, sig []byte) error {
	if req == nil {
		return ErrSignatureInvalid
	}
	if err := v.checkSignature(req, sig); err != nil {
		return err
	}
	current, err := v.nonces.Current(ctx, req.Sender)
	if err != nil {
		return fmt.Errorf("read nonce: %w", err)
	}
	if req.Nonce != current {
		return fmt.Errorf("%w: got %d, expected %d", ErrNonceMismatch, req.Nonce, current)
	}
	return nil
}

// Verify is Check reduced to a boolean. It never panics; any failure,
// including a store error, reads as false.
func (v *Verifier) Verify(ctx context.Context, req *request.Request, sig []byte) bool {
	return v.Check(ctx, req, sig) == nil
}

// CurrentNonce returns the next nonce the forwarder accepts from sender.
func (v *Verifier) CurrentNonce(ctx context.Context, sender common.Address) (uint64, error) {
	return v.nonces.Current(ctx, sender)
}

func (v *Verifier) checkSignature(req *request.Request, sig []byte) error {
	signer, err := v.hasher.RecoverSigner(req, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if signer != req.Sender {
		return ErrSignatureInvalid
	}
	return nil
}
