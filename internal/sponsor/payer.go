package sponsor

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Payer moves funds out of the pool account. A returned error means nothing
// was sent, unless it wraps ErrPaymentUnconfirmed.
type Payer interface {
	Pay(ctx context.Context, to common.Address, amount *big.Int) error
}

// PayerFunc adapts a function to Payer.
type PayerFunc func(ctx context.Context, to common.Address, amount *big.Int) error

func (f PayerFunc) Pay(ctx context.Context, to common.Address, amount *big.Int) error {
	return f(ctx, to, amount)
}
