package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// Deposit verification failures.
var (
	ErrDepositPending   = errors.New("chain: deposit transaction not mined yet")
	ErrDepositNotToPool = errors.New("chain: deposit is not a transfer to the pool account")
	ErrDepositSender    = errors.New("chain: deposit sent from a different account")
	ErrDepositReverted  = errors.New("chain: deposit transaction reverted")
)

// VerifyDeposit checks that txHash is a mined, successful value transfer from
// `from` to the pool account and returns the amount received.
func (c *Client) VerifyDeposit(ctx context.Context, from common.Address, txHash common.Hash) (*big.Int, error) {
	tx, pending, err := c.eth.TransactionByHash(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("TransactionByHash %s: %w", txHash.Hex(), err)
	}
	if pending {
		return nil, ErrDepositPending
	}
	if tx.To() == nil || *tx.To() != c.pool.addr || tx.Value().Sign() <= 0 {
		return nil, ErrDepositNotToPool
	}
	sender, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
	if err != nil {
		return nil, fmt.Errorf("recover deposit sender: %w", err)
	}
	if sender != from {
		return nil, fmt.Errorf("%w: %s", ErrDepositSender, sender.Hex())
	}

	receipt, err := c.eth.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("TransactionReceipt %s: %w", txHash.Hex(), err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return nil, ErrDepositReverted
	}

	c.log.Info("deposit verified",
		zap.String("from", from.Hex()),
		zap.Stringer("amount", tx.Value()),
		zap.String("tx", txHash.Hex()),
	)
	return new(big.Int).Set(tx.Value()), nil
}
