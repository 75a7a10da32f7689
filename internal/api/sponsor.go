package api

import (
	"fmt"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-relay/internal/auth"
	"github.com/0gfoundation/0g-relay/internal/sponsor"
)

// DepositKeyFmt marks a deposit transaction as credited.
const DepositKeyFmt = "sponsor:deposit:%s"

type estimateBody struct {
	Amount        *big.Int         `json:"amount"`
	Submitter     common.Address   `json:"submitter"`
	Beneficiaries []common.Address `json:"beneficiaries"`
}

type claimPayload struct {
	Amount        *big.Int         `json:"amount"`
	Beneficiaries []common.Address `json:"beneficiaries"`
}

type depositPayload struct {
	TxHash common.Hash `json:"tx_hash"`
}

type whitelistPayload struct {
	Submitter common.Address `json:"submitter"`
	Allowed   bool           `json:"allowed"`
}

type pausePayload struct {
	Paused bool `json:"paused"`
}

type ownerPayload struct {
	NewOwner common.Address `json:"new_owner"`
}

// ── Reads ───────────────────────────────────────────────────────────────────

func (h *Handler) handlePool(c *gin.Context) {
	p, err := h.ledger.Pool(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) handleWhitelist(c *gin.Context) {
	list, err := h.ledger.Whitelist(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"submitters": list})
}

// dimensionParams reads :dimension and :address. The address may be omitted
// for the global window.
func dimensionParams(c *gin.Context) (sponsor.Dimension, common.Address, bool) {
	dim, err := sponsor.ParseDimension(c.Param("dimension"))
	if err != nil {
		badRequest(c, err.Error())
		return "", common.Address{}, false
	}
	raw := c.Param("address")
	if raw == "" {
		if dim != sponsor.DimGlobal {
			badRequest(c, fmt.Sprintf("%s window needs an address", dim))
			return "", common.Address{}, false
		}
		return dim, common.Address{}, true
	}
	addr, ok := parseAddress(c, raw)
	return dim, addr, ok
}

func (h *Handler) handleRemaining(c *gin.Context) {
	dim, addr, ok := dimensionParams(c)
	if !ok {
		return
	}
	left, err := h.ledger.Remaining(c.Request.Context(), dim, addr)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dimension": dim, "address": addr.Hex(), "remaining": left})
}

func (h *Handler) handleUsage(c *gin.Context) {
	dim, addr, ok := dimensionParams(c)
	if !ok {
		return
	}
	u, err := h.ledger.UsageOf(c.Request.Context(), dim, addr)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dimension": dim, "address": addr.Hex(), "usage": u})
}

func (h *Handler) handleEstimate(c *gin.Context) {
	var body estimateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	amount, ok, err := h.ledger.EstimateReimbursement(c.Request.Context(), body.Amount, body.Submitter, body.Beneficiaries)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reimbursement": amount, "ok": ok})
}

// ── Signed ──────────────────────────────────────────────────────────────────

func (h *Handler) handleClaim(c *gin.Context) {
	caller, _ := auth.Caller(c)
	var p claimPayload
	if !bindPayload(c, &p) {
		return
	}
	if p.Amount == nil {
		badRequest(c, "amount is required")
		return
	}
	paid, err := h.ledger.Claim(c.Request.Context(), caller, p.Amount, p.Beneficiaries)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reimbursed": paid})
}

// handleDeposit credits a transfer the caller already made to the pool
// account. Each transaction is credited once.
func (h *Handler) handleDeposit(c *gin.Context) {
	ctx := c.Request.Context()
	caller, _ := auth.Caller(c)
	var p depositPayload
	if !bindPayload(c, &p) {
		return
	}
	if p.TxHash == (common.Hash{}) {
		badRequest(c, "tx_hash is required")
		return
	}

	amount, err := h.deposits.VerifyDeposit(ctx, caller, p.TxHash)
	if err != nil {
		h.writeError(c, err)
		return
	}
	key := fmt.Sprintf(DepositKeyFmt, p.TxHash.Hex())
	fresh, err := h.rdb.SetNX(ctx, key, caller.Hex(), 0).Result()
	if err != nil {
		h.writeError(c, fmt.Errorf("deposit guard: %w", err))
		return
	}
	if !fresh {
		h.writeError(c, errDepositUsed)
		return
	}
	if err := h.ledger.Deposit(ctx, caller, amount); err != nil {
		h.rdb.Del(ctx, key) //nolint:errcheck
		h.writeError(c, err)
		return
	}
	h.log.Info("deposit credited",
		zap.String("from", caller.Hex()),
		zap.Stringer("amount", amount),
		zap.String("tx", p.TxHash.Hex()),
	)
	c.JSON(http.StatusOK, gin.H{"credited": amount})
}

func (h *Handler) handleSetWhitelisted(c *gin.Context) {
	caller, _ := auth.Caller(c)
	var p whitelistPayload
	if !bindPayload(c, &p) {
		return
	}
	if err := h.ledger.SetWhitelisted(c.Request.Context(), caller, p.Submitter, p.Allowed); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"submitter": p.Submitter.Hex(), "allowed": p.Allowed})
}

func (h *Handler) handleSetLimits(c *gin.Context) {
	caller, _ := auth.Caller(c)
	var limits sponsor.Limits
	if !bindPayload(c, &limits) {
		return
	}
	if err := h.ledger.SetLimits(c.Request.Context(), caller, limits); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, limits)
}

func (h *Handler) handleSetPaused(c *gin.Context) {
	caller, _ := auth.Caller(c)
	var p pausePayload
	if !bindPayload(c, &p) {
		return
	}
	if err := h.ledger.SetPaused(c.Request.Context(), caller, p.Paused); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": p.Paused})
}

func (h *Handler) handleWithdraw(c *gin.Context) {
	caller, _ := auth.Caller(c)
	amount, err := h.ledger.EmergencyWithdraw(c.Request.Context(), caller)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawn": amount})
}

func (h *Handler) handleTransferOwnership(c *gin.Context) {
	caller, _ := auth.Caller(c)
	var p ownerPayload
	if !bindPayload(c, &p) {
		return
	}
	if err := h.ledger.TransferOwnership(c.Request.Context(), caller, p.NewOwner); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"owner": p.NewOwner.Hex()})
}
