package sponsor

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// SecondsPerDay is the width of one accounting window.
const SecondsPerDay = 86400

// DayIndex maps a unix timestamp to its accounting window.
func DayIndex(ts uint64) uint64 { return ts / SecondsPerDay }

// Dimension names one of the three daily windows.
type Dimension string

const (
	DimSubmitter   Dimension = "submitter"
	DimBeneficiary Dimension = "beneficiary"
	DimGlobal      Dimension = "global"
)

// ParseDimension accepts the names used on the wire.
func ParseDimension(s string) (Dimension, error) {
	switch d := Dimension(s); d {
	case DimSubmitter, DimBeneficiary, DimGlobal:
		return d, nil
	default:
		return "", fmt.Errorf("sponsor: unknown dimension %q", s)
	}
}

// Limits are the four caps, in wei.
type Limits struct {
	MaxPerClaim         *big.Int `json:"max_per_claim"`
	DailyPerSubmitter   *big.Int `json:"daily_per_submitter"`
	DailyPerBeneficiary *big.Int `json:"daily_per_beneficiary"`
	DailyGlobal         *big.Int `json:"daily_global"`
}

func (l Limits) validate() error {
	for _, v := range []*big.Int{l.MaxPerClaim, l.DailyPerSubmitter, l.DailyPerBeneficiary, l.DailyGlobal} {
		if v == nil || v.Sign() < 0 {
			return ErrInvalidAmount
		}
	}
	return nil
}

func (l Limits) clone() Limits {
	return Limits{
		MaxPerClaim:         cloneInt(l.MaxPerClaim),
		DailyPerSubmitter:   cloneInt(l.DailyPerSubmitter),
		DailyPerBeneficiary: cloneInt(l.DailyPerBeneficiary),
		DailyGlobal:         cloneInt(l.DailyGlobal),
	}
}

// Usage is the amount drawn in one window. It only counts for Day; any later
// day reads it as zero.
type Usage struct {
	Amount *big.Int `json:"amount"`
	Day    uint64   `json:"day"`
}

// On returns the usage that counts against day.
func (u Usage) On(day uint64) *big.Int {
	if u.Amount == nil || u.Day < day {
		return new(big.Int)
	}
	return new(big.Int).Set(u.Amount)
}

// Charged returns the slot holding total after a charge on day. The window never
// moves back to an earlier day, so a clock that regresses keeps counting
// against the later window.
func (u Usage) Charged(total *big.Int, day uint64) Usage {
	return Usage{Amount: total, Day: max(u.Day, day)}
}

// Pool is the scalar state of the sponsorship pool.
type Pool struct {
	Balance        *big.Int       `json:"balance"`
	Owner          common.Address `json:"owner"`
	Paused         bool           `json:"paused"`
	Limits         Limits         `json:"limits"`
	TotalDeposited *big.Int       `json:"total_deposited"`
	TotalClaimed   *big.Int       `json:"total_claimed"`
	ClaimCount     uint64         `json:"claim_count"`
}

// Clone returns a deep copy with every amount non-nil.
func (p Pool) Clone() Pool {
	out := p
	out.Balance = cloneInt(p.Balance)
	out.Limits = p.Limits.clone()
	out.TotalDeposited = cloneInt(p.TotalDeposited)
	out.TotalClaimed = cloneInt(p.TotalClaimed)
	return out
}

// UsageWrite sets the usage of one (dimension, address) slot. The global
// window uses the zero address.
type UsageWrite struct {
	Dimension Dimension
	Address   common.Address
	Usage     Usage
}

// WhitelistWrite grants or revokes claim rights.
type WhitelistWrite struct {
	Submitter common.Address
	Allowed   bool
}

// Change is a set of writes a Store must apply all-or-nothing.
type Change struct {
	// Pool replaces the pool state when non-nil.
	Pool      *Pool
	Usage     []UsageWrite
	Whitelist []WhitelistWrite
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
