package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/params"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-relay/internal/config"
	"github.com/0gfoundation/0g-relay/internal/sponsor"
)

// ErrChainIDMismatch means the RPC endpoint serves a different network than
// the signing domain names. Every signature would fail verification.
var ErrChainIDMismatch = errors.New("chain: rpc network id does not match domain chain id")

// Receipt outcomes after a transaction was accepted by the node.
var (
	// ErrUnconfirmed means no receipt arrived in time. The transaction may
	// still be mined.
	ErrUnconfirmed = errors.New("chain: transaction sent but not confirmed")
	ErrReverted    = errors.New("chain: transaction reverted")
)

// Backend is the subset of the go-ethereum client API the relay needs.
// *ethclient.Client and the simulated backend's client both satisfy it.
type Backend interface {
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
}

// Client sends native transfers from the sponsorship pool account and reads
// block time.
type Client struct {
	eth     Backend
	chainID *big.Int
	pool    *account
	log     *zap.Logger

	// receiptTimeout bounds the wait for a transaction to be mined; zero
	// returns as soon as the node accepts it.
	receiptTimeout time.Duration
}

// account is a local signing key. mu serialises nonce allocation.
type account struct {
	key  *ecdsa.PrivateKey
	addr common.Address
	mu   sync.Mutex
}

func newAccount(key *ecdsa.PrivateKey) *account {
	return &account{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

// call is one transaction to build and sign.
type call struct {
	to    common.Address
	value *big.Int
	gas   uint64 // zero asks the node for an estimate
	data  []byte
}

// Dial connects to cfg.Chain.RPCURL and checks that the node serves the
// network the signing domain is bound to.
func Dial(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	privKey, err := crypto.HexToECDSA(cfg.Chain.PoolKey)
	if err != nil {
		return nil, fmt.Errorf("parse pool private key: %w", err)
	}
	c, err := NewClient(ctx, eth, big.NewInt(cfg.Domain.ChainID), privKey, log)
	if err != nil {
		eth.Close()
		return nil, err
	}
	c.receiptTimeout = time.Duration(cfg.Chain.ReceiptTimeoutSec) * time.Second
	return c, nil
}

// NewClient wraps an existing backend. A nil expectedChainID skips the
// network check.
func NewClient(ctx context.Context, eth Backend, expectedChainID *big.Int, poolKey *ecdsa.PrivateKey, log *zap.Logger) (*Client, error) {
	id, err := eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("read chain id: %w", err)
	}
	if expectedChainID != nil && id.Cmp(expectedChainID) != 0 {
		return nil, fmt.Errorf("%w: rpc %s, domain %s", ErrChainIDMismatch, id, expectedChainID)
	}
	return &Client{
		eth:     eth,
		chainID: id,
		pool:    newAccount(poolKey),
		log:     log,
	}, nil
}

// ChainID returns the network id reported by the node.
func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// PoolAddress is the account that holds sponsorship funds.
func (c *Client) PoolAddress() common.Address { return c.pool.addr }

// PoolBalance returns the on-chain balance of the pool account.
func (c *Client) PoolBalance(ctx context.Context) (*big.Int, error) {
	b, err := c.eth.BalanceAt(ctx, c.pool.addr, nil)
	if err != nil {
		return nil, fmt.Errorf("BalanceAt: %w", err)
	}
	return b, nil
}

// HeaderTime returns a time source reading the latest block timestamp.
func (c *Client) HeaderTime() HeaderTime { return HeaderTime{eth: c.eth} }

// Pay sends amount wei from the pool account to `to` as a plain value
// transfer. When a receipt timeout is configured it waits for the transfer to
// be mined and fails if it reverted. A transfer that was broadcast but not
// mined in time returns an error wrapping sponsor.ErrPaymentUnconfirmed.
func (c *Client) Pay(ctx context.Context, to common.Address, amount *big.Int) error {
	tx, err := c.send(ctx, c.pool, call{to: to, value: amount, gas: params.TxGas})
	if err != nil {
		return err
	}
	c.log.Info("pool transfer sent",
		zap.String("to", to.Hex()),
		zap.Stringer("amount", amount),
		zap.String("tx", tx.Hash().Hex()),
	)
	err = c.waitMined(ctx, tx)
	if errors.Is(err, ErrUnconfirmed) {
		return fmt.Errorf("%w: %w", sponsor.ErrPaymentUnconfirmed, err)
	}
	return err
}

// waitMined waits for tx when a receipt timeout is configured.
func (c *Client) waitMined(ctx context.Context, tx *types.Transaction) error {
	if c.receiptTimeout <= 0 {
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()
	receipt, err := bind.WaitMined(waitCtx, c.eth, tx)
	if err != nil {
		return fmt.Errorf("%w: tx %s: %w", ErrUnconfirmed, tx.Hash().Hex(), err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return fmt.Errorf("%w: tx %s", ErrReverted, tx.Hash().Hex())
	}
	return nil
}

func (c *Client) send(ctx context.Context, from *account, m call) (*types.Transaction, error) {
	from.mu.Lock()
	defer from.mu.Unlock()

	nonce, err := c.eth.PendingNonceAt(ctx, from.addr)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	value := m.value
	if value == nil {
		value = new(big.Int)
	}
	gas := m.gas
	if gas == 0 {
		gas, err = c.eth.EstimateGas(ctx, ethereum.CallMsg{
			From:  from.addr,
			To:    &m.to,
			Value: value,
			Data:  m.data,
		})
		if err != nil {
			return nil, fmt.Errorf("estimate gas: %w", err)
		}
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &m.to,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     m.data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), from.key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send transaction: %w", err)
	}
	return signed, nil
}

// HeaderTime reads the timestamp of the latest block. Every replica sees the
// same value for the same head, which keeps daily windows consistent.
type HeaderTime struct {
	eth Backend
}

func NewHeaderTime(eth Backend) HeaderTime { return HeaderTime{eth: eth} }

func (h HeaderTime) Now(ctx context.Context) (uint64, error) {
	head, err := h.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("latest header: %w", err)
	}
	return head.Time, nil
}
