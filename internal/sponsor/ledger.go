// Package sponsor implements the sponsorship pool: a shared balance that
// whitelisted submitters draw gas reimbursements from, bounded by a per-claim
// cap and three independent daily windows (per submitter, per beneficiary,
// global).
package sponsor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-relay/internal/events"
)

// Ledger applies claims, deposits and admin actions to a Store. Every
// operation runs under one lock, so concurrent callers never observe a
// half-applied claim.
type Ledger struct {
	mu       sync.RWMutex
	store    Store
	payer    Payer
	clock    TimeSource
	recorder events.Recorder
	log      *zap.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithRecorder sets where audit records go. Defaults to events.Nop.
func WithRecorder(r events.Recorder) Option {
	return func(l *Ledger) { l.recorder = r }
}

func NewLedger(store Store, payer Payer, clock TimeSource, log *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		payer:    payer,
		clock:    clock,
		recorder: events.Nop,
		log:      log,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Initialize sets the owner and caps of a fresh pool. It is a no-op when the
// pool already has an owner, so restarts keep the persisted admin state.
func (l *Ledger) Initialize(ctx context.Context, owner common.Address, limits Limits) error {
	if owner == (common.Address{}) {
		return ErrZeroAddress
	}
	if err := limits.validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	p, err := l.store.Pool(ctx)
	if err != nil {
		return err
	}
	if p.Owner != (common.Address{}) {
		l.log.Info("sponsor pool already initialised", zap.String("owner", p.Owner.Hex()))
		return nil
	}
	p.Owner = owner
	p.Limits = limits.clone()
	if err := l.store.Apply(ctx, Change{Pool: &p}); err != nil {
		return err
	}
	l.log.Info("sponsor pool initialised", zap.String("owner", owner.Hex()))
	return nil
}

// ── claims ────────────────────────────────────────────────────────────────────

// claimPlan is the outcome of running every claim check against committed state.
type claimPlan struct {
	reimbursement  *big.Int
	perBeneficiary *big.Int
	pool           Pool
	after          Change
	before         Change
}

// plan runs the claim checks in order: cap, submitter window, beneficiary
// split and windows, global window, balance. It reads but never writes.
func (l *Ledger) plan(
	ctx context.Context,
	submitter common.Address,
	requested *big.Int,
	beneficiaries []common.Address,
) (*claimPlan, error) {
	if submitter == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	for _, b := range beneficiaries {
		if b == (common.Address{}) {
			return nil, ErrZeroAddress
		}
	}
	if requested == nil || requested.Sign() < 0 {
		return nil, ErrInvalidAmount
	}

	ok, err := l.store.Whitelisted(ctx, submitter)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnauthorizedSubmitter
	}
	pool, err := l.store.Pool(ctx)
	if err != nil {
		return nil, err
	}
	if pool.Paused {
		return nil, ErrPaused
	}
	now, err := l.clock.Now(ctx)
	if err != nil {
		return nil, fmt.Errorf("read time: %w", err)
	}
	today := DayIndex(now)

	p := &claimPlan{pool: pool}

	// 1. cap
	p.reimbursement = new(big.Int).Set(requested)
	if p.reimbursement.Cmp(pool.Limits.MaxPerClaim) > 0 {
		p.reimbursement.Set(pool.Limits.MaxPerClaim)
	}

	// 2. submitter window
	subUsage, err := l.store.Usage(ctx, DimSubmitter, submitter)
	if err != nil {
		return nil, err
	}
	subUsed := new(big.Int).Add(subUsage.On(today), p.reimbursement)
	if subUsed.Cmp(pool.Limits.DailyPerSubmitter) > 0 {
		return nil, fmt.Errorf("%w: %s of %s", ErrSubmitterCapExceeded, subUsed, pool.Limits.DailyPerSubmitter)
	}
	p.before.Usage = append(p.before.Usage, UsageWrite{DimSubmitter, submitter, subUsage})
	p.after.Usage = append(p.after.Usage, UsageWrite{DimSubmitter, submitter, subUsage.Charged(subUsed, today)})

	// 3. split
	if len(beneficiaries) == 0 {
		return nil, ErrZeroBeneficiaries
	}
	p.perBeneficiary = new(big.Int).Quo(p.reimbursement, big.NewInt(int64(len(beneficiaries))))

	// 4. beneficiary windows; a repeated beneficiary is charged once per entry.
	running := make(map[common.Address]*big.Int, len(beneficiaries))
	stored := make(map[common.Address]Usage, len(beneficiaries))
	var order []common.Address
	for _, b := range beneficiaries {
		used, seen := running[b]
		if !seen {
			u, err := l.store.Usage(ctx, DimBeneficiary, b)
			if err != nil {
				return nil, err
			}
			p.before.Usage = append(p.before.Usage, UsageWrite{DimBeneficiary, b, u})
			stored[b] = u
			used = u.On(today)
			running[b] = used
			order = append(order, b)
		}
		used.Add(used, p.perBeneficiary)
		if used.Cmp(pool.Limits.DailyPerBeneficiary) > 0 {
			return nil, fmt.Errorf("%w: %s at %s of %s", ErrBeneficiaryCapExceeded, b.Hex(), used, pool.Limits.DailyPerBeneficiary)
		}
	}
	for _, b := range order {
		p.after.Usage = append(p.after.Usage, UsageWrite{DimBeneficiary, b, stored[b].Charged(running[b], today)})
	}

	// 5. global window
	globalUsage, err := l.store.Usage(ctx, DimGlobal, common.Address{})
	if err != nil {
		return nil, err
	}
	globalUsed := new(big.Int).Add(globalUsage.On(today), p.reimbursement)
	if globalUsed.Cmp(pool.Limits.DailyGlobal) > 0 {
		return nil, fmt.Errorf("%w: %s of %s", ErrGlobalCapExceeded, globalUsed, pool.Limits.DailyGlobal)
	}
	p.before.Usage = append(p.before.Usage, UsageWrite{DimGlobal, common.Address{}, globalUsage})
	p.after.Usage = append(p.after.Usage, UsageWrite{DimGlobal, common.Address{}, globalUsage.Charged(globalUsed, today)})

	// 6. balance
	if pool.Balance.Cmp(p.reimbursement) < 0 {
		return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientPoolBalance, pool.Balance, p.reimbursement)
	}

	next := pool.Clone()
	next.Balance.Sub(next.Balance, p.reimbursement)
	next.TotalClaimed.Add(next.TotalClaimed, p.reimbursement)
	next.ClaimCount++
	p.after.Pool = &next
	before := pool.Clone()
	p.before.Pool = &before
	return p, nil
}

// Claim reimburses submitter from the pool and returns the amount sent. The
// requested amount is capped at MaxPerClaim and split evenly across
// beneficiaries for the per-beneficiary window; the division remainder is not
// charged to any beneficiary. Any failed check leaves every counter untouched.
// A transfer the payer sent but could not confirm stays charged.
func (l *Ledger) Claim(
	ctx context.Context,
	submitter common.Address,
	requested *big.Int,
	beneficiaries []common.Address,
) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, err := l.plan(ctx, submitter, requested, beneficiaries)
	if err != nil {
		l.log.Info("claim rejected",
			zap.String("submitter", submitter.Hex()),
			zap.Stringer("requested", requested),
			zap.Int("beneficiaries", len(beneficiaries)),
			zap.Error(err),
		)
		return nil, err
	}

	if err := l.store.Apply(ctx, p.after); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	data := map[string]string{"per_beneficiary": p.perBeneficiary.String()}
	if p.reimbursement.Sign() > 0 {
		if err := l.payer.Pay(ctx, submitter, p.reimbursement); err != nil {
			if !errors.Is(err, ErrPaymentUnconfirmed) {
				l.restore(ctx, p.before, "claim")
				l.log.Warn("claim transfer failed",
					zap.String("submitter", submitter.Hex()),
					zap.Stringer("amount", p.reimbursement),
					zap.Error(err),
				)
				return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
			}
			l.log.Warn("claim transfer unconfirmed; keeping it committed",
				zap.String("submitter", submitter.Hex()),
				zap.Stringer("amount", p.reimbursement),
				zap.Error(err),
			)
			data["unconfirmed"] = err.Error()
		}
	}

	l.recorder.Record(ctx, events.Event{
		Kind:      events.KindClaimed,
		Timestamp: time.Now(),
		Actor:     submitter,
		Amount:    new(big.Int).Set(p.reimbursement),
		Count:     len(beneficiaries),
		Data:      data,
	})
	l.log.Info("claim paid",
		zap.String("submitter", submitter.Hex()),
		zap.Stringer("amount", p.reimbursement),
		zap.Int("beneficiaries", len(beneficiaries)),
	)
	return new(big.Int).Set(p.reimbursement), nil
}

// EstimateReimbursement reports what Claim would pay right now and whether it
// would succeed, without changing anything. The amount is the capped
// reimbursement even when the claim would fail. The error is reserved for
// store and clock failures.
func (l *Ledger) EstimateReimbursement(
	ctx context.Context,
	requested *big.Int,
	submitter common.Address,
	beneficiaries []common.Address,
) (*big.Int, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	pool, err := l.store.Pool(ctx)
	if err != nil {
		return nil, false, err
	}
	capped := new(big.Int)
	if requested != nil && requested.Sign() > 0 {
		capped.Set(requested)
		if capped.Cmp(pool.Limits.MaxPerClaim) > 0 {
			capped.Set(pool.Limits.MaxPerClaim)
		}
	}

	if _, err := l.plan(ctx, submitter, requested, beneficiaries); err != nil {
		if isClaimRejection(err) {
			return capped, false, nil
		}
		return nil, false, err
	}
	return capped, true, nil
}

func isClaimRejection(err error) bool {
	for _, target := range []error{
		ErrUnauthorizedSubmitter, ErrPaused, ErrSubmitterCapExceeded,
		ErrBeneficiaryCapExceeded, ErrGlobalCapExceeded, ErrInsufficientPoolBalance,
		ErrZeroBeneficiaries, ErrZeroAddress, ErrInvalidAmount,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// restore re-applies the pre-operation state after a failed payment.
func (l *Ledger) restore(ctx context.Context, before Change, op string) {
	if err := l.store.Apply(context.WithoutCancel(ctx), before); err != nil {
		l.log.Error("sponsor rollback failed; ledger needs manual reconciliation",
			zap.String("op", op),
			zap.Error(err),
		)
	}
}

// ── deposits ──────────────────────────────────────────────────────────────────

// Deposit credits amount, already received by the pool account, to the balance.
func (l *Ledger) Deposit(ctx context.Context, from common.Address, amount *big.Int) error {
	if from == (common.Address{}) {
		return ErrZeroAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroDeposit
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	p, err := l.store.Pool(ctx)
	if err != nil {
		return err
	}
	p.Balance.Add(p.Balance, amount)
	p.TotalDeposited.Add(p.TotalDeposited, amount)
	if err := l.store.Apply(ctx, Change{Pool: &p}); err != nil {
		return fmt.Errorf("commit deposit: %w", err)
	}
	l.recorder.Record(ctx, events.Event{
		Kind:      events.KindDeposited,
		Timestamp: time.Now(),
		Actor:     from,
		Amount:    new(big.Int).Set(amount),
	})
	return nil
}

// ── admin ─────────────────────────────────────────────────────────────────────

// ownerPool loads the pool and checks that caller owns it. Callers hold l.mu.
func (l *Ledger) ownerPool(ctx context.Context, caller common.Address) (Pool, error) {
	p, err := l.store.Pool(ctx)
	if err != nil {
		return Pool{}, err
	}
	if p.Owner == (common.Address{}) || caller != p.Owner {
		return Pool{}, ErrNotOwner
	}
	return p, nil
}

func (l *Ledger) SetWhitelisted(ctx context.Context, caller, submitter common.Address, allowed bool) error {
	if submitter == (common.Address{}) {
		return ErrZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.ownerPool(ctx, caller); err != nil {
		return err
	}
	if err := l.store.Apply(ctx, Change{Whitelist: []WhitelistWrite{{submitter, allowed}}}); err != nil {
		return fmt.Errorf("commit whitelist: %w", err)
	}
	l.recorder.Record(ctx, events.Event{
		Kind:      events.KindWhitelistUpdated,
		Timestamp: time.Now(),
		Actor:     caller,
		Subject:   submitter,
		Flag:      allowed,
	})
	return nil
}

// SetLimits replaces all four caps. Existing usage counters are kept.
func (l *Ledger) SetLimits(ctx context.Context, caller common.Address, limits Limits) error {
	if err := limits.validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	p, err := l.ownerPool(ctx, caller)
	if err != nil {
		return err
	}
	p.Limits = limits.clone()
	if err := l.store.Apply(ctx, Change{Pool: &p}); err != nil {
		return fmt.Errorf("commit limits: %w", err)
	}
	l.recorder.Record(ctx, events.Event{
		Kind:      events.KindLimitsUpdated,
		Timestamp: time.Now(),
		Actor:     caller,
		Data: map[string]string{
			"max_per_claim":         limits.MaxPerClaim.String(),
			"daily_per_submitter":   limits.DailyPerSubmitter.String(),
			"daily_per_beneficiary": limits.DailyPerBeneficiary.String(),
			"daily_global":          limits.DailyGlobal.String(),
		},
	})
	return nil
}

func (l *Ledger) SetPaused(ctx context.Context, caller common.Address, paused bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, err := l.ownerPool(ctx, caller)
	if err != nil {
		return err
	}
	p.Paused = paused
	if err := l.store.Apply(ctx, Change{Pool: &p}); err != nil {
		return fmt.Errorf("commit pause: %w", err)
	}
	l.recorder.Record(ctx, events.Event{
		Kind:      events.KindPauseToggled,
		Timestamp: time.Now(),
		Actor:     caller,
		Flag:      paused,
	})
	return nil
}

// EmergencyWithdraw sends the whole balance to the owner and returns the
// amount sent.
func (l *Ledger) EmergencyWithdraw(ctx context.Context, caller common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, err := l.ownerPool(ctx, caller)
	if err != nil {
		return nil, err
	}
	amount := new(big.Int).Set(p.Balance)
	if amount.Sign() == 0 {
		return amount, nil
	}
	before := p.Clone()
	p.Balance.SetUint64(0)
	if err := l.store.Apply(ctx, Change{Pool: &p}); err != nil {
		return nil, fmt.Errorf("commit withdrawal: %w", err)
	}
	var data map[string]string
	if err := l.payer.Pay(ctx, p.Owner, amount); err != nil {
		if !errors.Is(err, ErrPaymentUnconfirmed) {
			l.restore(ctx, Change{Pool: &before}, "emergency_withdraw")
			return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		l.log.Warn("withdrawal transfer unconfirmed; keeping it committed", zap.Error(err))
		data = map[string]string{"unconfirmed": err.Error()}
	}
	l.recorder.Record(ctx, events.Event{
		Kind:      events.KindEmergencyWithdrawal,
		Timestamp: time.Now(),
		Actor:     caller,
		Amount:    new(big.Int).Set(amount),
		Data:      data,
	})
	l.log.Warn("emergency withdrawal", zap.String("owner", p.Owner.Hex()), zap.Stringer("amount", amount))
	return amount, nil
}

func (l *Ledger) TransferOwnership(ctx context.Context, caller, newOwner common.Address) error {
	if newOwner == (common.Address{}) {
		return ErrZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	p, err := l.ownerPool(ctx, caller)
	if err != nil {
		return err
	}
	p.Owner = newOwner
	if err := l.store.Apply(ctx, Change{Pool: &p}); err != nil {
		return fmt.Errorf("commit owner: %w", err)
	}
	l.recorder.Record(ctx, events.Event{
		Kind:      events.KindOwnershipTransferred,
		Timestamp: time.Now(),
		Actor:     caller,
		Subject:   newOwner,
	})
	return nil
}

// ── reads ─────────────────────────────────────────────────────────────────────

func (l *Ledger) Pool(ctx context.Context) (Pool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.store.Pool(ctx)
}

func (l *Ledger) IsWhitelisted(ctx context.Context, submitter common.Address) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.store.Whitelisted(ctx, submitter)
}

func (l *Ledger) Whitelist(ctx context.Context) ([]common.Address, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.store.Whitelist(ctx)
}

// UsageOf returns the stored counter for one window as last written. It is
// not reset for the current day; use the Remaining* queries for that.
func (l *Ledger) UsageOf(ctx context.Context, dim Dimension, addr common.Address) (Usage, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if dim == DimGlobal {
		addr = common.Address{}
	}
	return l.store.Usage(ctx, dim, addr)
}

func (l *Ledger) RemainingSubmitterBudget(ctx context.Context, submitter common.Address) (*big.Int, error) {
	return l.remaining(ctx, DimSubmitter, submitter)
}

func (l *Ledger) RemainingBeneficiaryBudget(ctx context.Context, beneficiary common.Address) (*big.Int, error) {
	return l.remaining(ctx, DimBeneficiary, beneficiary)
}

func (l *Ledger) RemainingGlobalBudget(ctx context.Context) (*big.Int, error) {
	return l.remaining(ctx, DimGlobal, common.Address{})
}

// Remaining dispatches to the per-dimension query.
func (l *Ledger) Remaining(ctx context.Context, dim Dimension, addr common.Address) (*big.Int, error) {
	if _, err := ParseDimension(string(dim)); err != nil {
		return nil, err
	}
	if dim == DimGlobal {
		addr = common.Address{}
	}
	return l.remaining(ctx, dim, addr)
}

func (l *Ledger) remaining(ctx context.Context, dim Dimension, addr common.Address) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, err := l.store.Pool(ctx)
	if err != nil {
		return nil, err
	}
	now, err := l.clock.Now(ctx)
	if err != nil {
		return nil, fmt.Errorf("read time: %w", err)
	}
	u, err := l.store.Usage(ctx, dim, addr)
	if err != nil {
		return nil, err
	}
	var limit *big.Int
	switch dim {
	case DimSubmitter:
		limit = p.Limits.DailyPerSubmitter
	case DimBeneficiary:
		limit = p.Limits.DailyPerBeneficiary
	default:
		limit = p.Limits.DailyGlobal
	}
	left := new(big.Int).Sub(limit, u.On(DayIndex(now)))
	if left.Sign() < 0 {
		left.SetUint64(0)
	}
	return left, nil
}
