package api

import (
	"context"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-relay/internal/auth"
	"github.com/0gfoundation/0g-relay/internal/forwarder"
	"github.com/0gfoundation/0g-relay/internal/relay"
	"github.com/0gfoundation/0g-relay/internal/request"
	"github.com/0gfoundation/0g-relay/internal/sponsor"
)

// DepositVerifier confirms an on-chain transfer into the pool account.
// Satisfied by *chain.Client.
type DepositVerifier interface {
	VerifyDeposit(ctx context.Context, from common.Address, txHash common.Hash) (*big.Int, error)
}

// Handler serves the relay's HTTP front door.
type Handler struct {
	verifier *forwarder.Verifier
	queue    *relay.Queue
	ledger   *sponsor.Ledger
	deposits DepositVerifier
	rdb      *redis.Client
	log      *zap.Logger
}

func NewHandler(
	verifier *forwarder.Verifier,
	queue *relay.Queue,
	ledger *sponsor.Ledger,
	deposits DepositVerifier,
	rdb *redis.Client,
	log *zap.Logger,
) *Handler {
	return &Handler{
		verifier: verifier,
		queue:    queue,
		ledger:   ledger,
		deposits: deposits,
		rdb:      rdb,
		log:      log,
	}
}

// Signed actions accepted by the authenticated routes.
const (
	ActionClaim     = "sponsor.claim"
	ActionDeposit   = "sponsor.deposit"
	ActionWhitelist = "admin.whitelist"
	ActionLimits    = "admin.limits"
	ActionPause     = "admin.pause"
	ActionWithdraw  = "admin.withdraw"
	ActionOwner     = "admin.owner"
)

// Register mounts every route under rg (normally /api/v1). Mutating sponsor
// routes require wallet signature headers; the caller is the recovered wallet.
func (h *Handler) Register(rg *gin.RouterGroup) {
	// ── Forwarder ──────────────────────────────────────────────────────────
	rg.POST("/requests", h.handleSubmit)
	rg.POST("/verify", h.handleVerify)
	rg.GET("/nonces/:address", h.handleNonce)
	rg.GET("/queue", h.handleQueue)
	rg.GET("/queue/dead", h.handleDeadLetters)

	// ── Sponsor reads ──────────────────────────────────────────────────────
	rg.GET("/sponsor/pool", h.handlePool)
	rg.GET("/sponsor/whitelist", h.handleWhitelist)
	rg.GET("/sponsor/remaining/:dimension", h.handleRemaining)
	rg.GET("/sponsor/remaining/:dimension/:address", h.handleRemaining)
	rg.GET("/sponsor/usage/:dimension/:address", h.handleUsage)
	rg.POST("/sponsor/estimate", h.handleEstimate)

	// ── Signed ─────────────────────────────────────────────────────────────
	signed := rg.Group("", auth.Middleware(h.rdb, h.log))
	signed.POST("/sponsor/claim", auth.RequireAction(ActionClaim), h.handleClaim)
	signed.POST("/sponsor/deposit", auth.RequireAction(ActionDeposit), h.handleDeposit)
	signed.POST("/admin/whitelist", auth.RequireAction(ActionWhitelist), h.handleSetWhitelisted)
	signed.POST("/admin/limits", auth.RequireAction(ActionLimits), h.handleSetLimits)
	signed.POST("/admin/pause", auth.RequireAction(ActionPause), h.handleSetPaused)
	signed.POST("/admin/withdraw", auth.RequireAction(ActionWithdraw), h.handleWithdraw)
	signed.POST("/admin/owner", auth.RequireAction(ActionOwner), h.handleTransferOwnership)
}

// ── Forwarder ───────────────────────────────────────────────────────────────

func (h *Handler) handleSubmit(c *gin.Context) {
	var s request.Signed
	if err := c.ShouldBindJSON(&s); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if err := h.queue.Enqueue(c.Request.Context(), &s); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"status": "queued",
		"sender": s.Request.Sender.Hex(),
		"nonce":  s.Request.Nonce,
	})
}

func (h *Handler) handleVerify(c *gin.Context) {
	var s request.Signed
	if err := c.ShouldBindJSON(&s); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": h.verifier.Verify(c.Request.Context(), &s.Request, s.Signature)})
}

func (h *Handler) handleNonce(c *gin.Context) {
	addr, ok := parseAddress(c, c.Param("address"))
	if !ok {
		return
	}
	n, err := h.verifier.CurrentNonce(c.Request.Context(), addr)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr.Hex(), "nonce": n})
}

func (h *Handler) handleQueue(c *gin.Context) {
	depth, err := h.queue.Depth(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"depth": depth})
}

func (h *Handler) handleDeadLetters(c *gin.Context) {
	limit, err := strconv.ParseInt(c.DefaultQuery("limit", "20"), 10, 64)
	if err != nil || limit <= 0 || limit > 1000 {
		badRequest(c, "limit must be between 1 and 1000")
		return
	}
	dead, err := h.queue.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": dead})
}

// ── helpers ─────────────────────────────────────────────────────────────────

// parseAddress writes a 400 and returns false when s is not a hex address.
func parseAddress(c *gin.Context, s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		badRequest(c, "invalid address: "+s)
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

// bindPayload decodes the signed payload, writing a 400 on failure.
func bindPayload(c *gin.Context, v any) bool {
	if err := auth.BindPayload(c, v); err != nil {
		badRequest(c, "invalid signed payload: "+err.Error())
		return false
	}
	return true
}
