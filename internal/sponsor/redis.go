package sponsor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// Redis layout.
const (
	PoolKey      = "sponsor:pool"        // hash of pool fields
	UsageKeyFmt  = "sponsor:usage:%s:%s" // hash {amount, day}; dimension, lower-case hex address
	WhitelistKey = "sponsor:whitelist"   // set of lower-case hex addresses
)

const (
	fBalance             = "balance"
	fOwner               = "owner"
	fPaused              = "paused"
	fMaxPerClaim         = "max_per_claim"
	fDailyPerSubmitter   = "daily_per_submitter"
	fDailyPerBeneficiary = "daily_per_beneficiary"
	fDailyGlobal         = "daily_global"
	fTotalDeposited      = "total_deposited"
	fTotalClaimed        = "total_claimed"
	fClaimCount          = "claim_count"
)

func usageKeyOf(dim Dimension, addr common.Address) string {
	return fmt.Sprintf(UsageKeyFmt, dim, strings.ToLower(addr.Hex()))
}

// RedisStore keeps pool state in Redis. Apply commits through MULTI/EXEC.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Pool(ctx context.Context) (Pool, error) {
	m, err := s.rdb.HGetAll(ctx, PoolKey).Result()
	if err != nil {
		return Pool{}, fmt.Errorf("get pool: %w", err)
	}
	p := Pool{}.Clone()
	ints := map[string]**big.Int{
		fBalance:             &p.Balance,
		fMaxPerClaim:         &p.Limits.MaxPerClaim,
		fDailyPerSubmitter:   &p.Limits.DailyPerSubmitter,
		fDailyPerBeneficiary: &p.Limits.DailyPerBeneficiary,
		fDailyGlobal:         &p.Limits.DailyGlobal,
		fTotalDeposited:      &p.TotalDeposited,
		fTotalClaimed:        &p.TotalClaimed,
	}
	for field, dst := range ints {
		raw, ok := m[field]
		if !ok {
			continue
		}
		v, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return Pool{}, fmt.Errorf("parse pool %s %q", field, raw)
		}
		*dst = v
	}
	if raw, ok := m[fOwner]; ok {
		p.Owner = common.HexToAddress(raw)
	}
	p.Paused = m[fPaused] == "1"
	if raw, ok := m[fClaimCount]; ok {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return Pool{}, fmt.Errorf("parse pool %s %q: %w", fClaimCount, raw, err)
		}
		p.ClaimCount = n
	}
	return p, nil
}

func (s *RedisStore) Usage(ctx context.Context, dim Dimension, addr common.Address) (Usage, error) {
	m, err := s.rdb.HGetAll(ctx, usageKeyOf(dim, addr)).Result()
	if err != nil {
		return Usage{}, fmt.Errorf("get usage: %w", err)
	}
	u := Usage{Amount: new(big.Int)}
	if raw, ok := m["amount"]; ok {
		if _, ok := u.Amount.SetString(raw, 10); !ok {
			return Usage{}, fmt.Errorf("parse usage amount %q", raw)
		}
	}
	if raw, ok := m["day"]; ok {
		d, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return Usage{}, fmt.Errorf("parse usage day %q: %w", raw, err)
		}
		u.Day = d
	}
	return u, nil
}

func (s *RedisStore) Whitelisted(ctx context.Context, submitter common.Address) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, WhitelistKey, strings.ToLower(submitter.Hex())).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("check whitelist: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Whitelist(ctx context.Context) ([]common.Address, error) {
	members, err := s.rdb.SMembers(ctx, WhitelistKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list whitelist: %w", err)
	}
	out := make([]common.Address, len(members))
	for i, m := range members {
		out[i] = common.HexToAddress(m)
	}
	return out, nil
}

func (s *RedisStore) Apply(ctx context.Context, c Change) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if c.Pool != nil {
			p := c.Pool.Clone()
			paused := "0"
			if p.Paused {
				paused = "1"
			}
			pipe.HSet(ctx, PoolKey,
				fBalance, p.Balance.String(),
				fOwner, p.Owner.Hex(),
				fPaused, paused,
				fMaxPerClaim, p.Limits.MaxPerClaim.String(),
				fDailyPerSubmitter, p.Limits.DailyPerSubmitter.String(),
				fDailyPerBeneficiary, p.Limits.DailyPerBeneficiary.String(),
				fDailyGlobal, p.Limits.DailyGlobal.String(),
				fTotalDeposited, p.TotalDeposited.String(),
				fTotalClaimed, p.TotalClaimed.String(),
				fClaimCount, strconv.FormatUint(p.ClaimCount, 10),
			)
		}
		for _, w := range c.Usage {
			pipe.HSet(ctx, usageKeyOf(w.Dimension, w.Address),
				"amount", cloneInt(w.Usage.Amount).String(),
				"day", strconv.FormatUint(w.Usage.Day, 10),
			)
		}
		for _, w := range c.Whitelist {
			member := strings.ToLower(w.Submitter.Hex())
			if w.Allowed {
				pipe.SAdd(ctx, WhitelistKey, member)
			} else {
				pipe.SRem(ctx, WhitelistKey, member)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply sponsor change: %w", err)
	}
	return nil
}
