package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-relay/internal/forwarder"
)

// Relayer delivers forwarded calls on-chain. Each invocation becomes a
// transaction from the submitter account to the target contract whose calldata
// is the payload followed by the 20-byte sender, the layout ERC-2771
// recipients read their _msgSender from. Recipients must trust the submitter
// account as their forwarder.
type Relayer struct {
	c    *Client
	from *account
}

// Relayer returns a delivery target that signs with key.
func (c *Client) Relayer(key *ecdsa.PrivateKey) *Relayer {
	return &Relayer{c: c, from: newAccount(key)}
}

// Address is the submitter account.
func (r *Relayer) Address() common.Address { return r.from.addr }

// Invoke sends inv to its target. A zero gas budget lets the node estimate
// the gas limit. The context deadline bounds both submission and the wait
// for the receipt. Once sent, failures name the transaction and wrap
// ErrUnconfirmed or ErrReverted.
func (r *Relayer) Invoke(ctx context.Context, inv forwarder.Invocation) error {
	tx, err := r.c.send(ctx, r.from, call{
		to:    inv.Target,
		value: inv.Value,
		gas:   inv.GasBudget,
		data:  inv.Envelope.Bytes(),
	})
	if err != nil {
		return fmt.Errorf("relay to %s: %w", inv.Target.Hex(), err)
	}
	r.c.log.Info("forwarded call sent",
		zap.String("sender", inv.Sender.Hex()),
		zap.String("target", inv.Target.Hex()),
		zap.String("tx", tx.Hash().Hex()),
	)
	if err := r.c.waitMined(ctx, tx); err != nil {
		return fmt.Errorf("relay to %s: %w", inv.Target.Hex(), err)
	}
	return nil
}
