package auth

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Headers carried by every authenticated request.
const (
	HeaderWallet    = "X-Wallet-Address"
	HeaderMessage   = "X-Signed-Message"
	HeaderSignature = "X-Wallet-Signature"
)

// Gin context keys set by Middleware.
const (
	ctxWallet = "wallet_address"
	ctxSigned = "signed_request"
)

// ReplayKeyFmt is the Redis key reserving a (wallet, nonce) pair until expiry.
const ReplayKeyFmt = "auth:nonce:%s:%s"

// SignedRequest is the JSON payload inside X-Signed-Message (fields sorted).
// Payload carries the operation arguments, so they are covered by the signature.
type SignedRequest struct {
	Action    string          `json:"action"`
	ExpiresAt int64           `json:"expires_at"`
	Nonce     string          `json:"nonce"`
	Payload   json.RawMessage `json:"payload"`
}

const maxFutureWindow = 5 * time.Minute

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "code": "unauthorized"})
}

// Middleware returns a Gin handler that validates EIP-191 wallet signatures.
func Middleware(rdb *redis.Client, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		walletAddr := c.GetHeader(HeaderWallet)
		signedMsgB64 := c.GetHeader(HeaderMessage)
		sigHex := c.GetHeader(HeaderSignature)

		if walletAddr == "" || signedMsgB64 == "" || sigHex == "" {
			abort(c, http.StatusUnauthorized, "missing auth headers")
			return
		}
		if !common.IsHexAddress(walletAddr) {
			abort(c, http.StatusUnauthorized, "invalid wallet address")
			return
		}

		msgBytes, err := base64.StdEncoding.DecodeString(signedMsgB64)
		if err != nil {
			abort(c, http.StatusUnauthorized, "invalid X-Signed-Message encoding")
			return
		}
		var req SignedRequest
		if err := json.Unmarshal(msgBytes, &req); err != nil {
			abort(c, http.StatusUnauthorized, "invalid signed message JSON")
			return
		}
		if req.Nonce == "" {
			abort(c, http.StatusUnauthorized, "missing nonce")
			return
		}

		now := time.Now().Unix()
		if req.ExpiresAt <= now {
			abort(c, http.StatusUnauthorized, "request expired")
			return
		}
		if req.ExpiresAt > now+int64(maxFutureWindow.Seconds()) {
			abort(c, http.StatusUnauthorized, "expires_at too far in future")
			return
		}

		sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
		if err != nil {
			abort(c, http.StatusUnauthorized, "invalid signature hex")
			return
		}
		wallet := common.HexToAddress(walletAddr)
		recovered, err := Recover(msgBytes, sig)
		if err != nil || recovered != wallet {
			abort(c, http.StatusUnauthorized, "invalid signature")
			return
		}

		// Reserve the nonce for this wallet until the message expires.
		key := fmt.Sprintf(ReplayKeyFmt, strings.ToLower(wallet.Hex()), req.Nonce)
		ttl := time.Duration(req.ExpiresAt-now) * time.Second
		set, err := rdb.SetNX(c.Request.Context(), key, 1, ttl).Result()
		if err != nil {
			log.Error("auth: replay guard", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": "internal"})
			return
		}
		if !set {
			abort(c, http.StatusUnauthorized, "nonce already used")
			return
		}

		c.Set(ctxWallet, wallet)
		c.Set(ctxSigned, &req)
		c.Next()
	}
}

// RequireAction rejects signed messages issued for a different operation, so a
// signature for one endpoint cannot be replayed against another.
func RequireAction(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := Signed(c)
		if !ok || req.Action != action {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": fmt.Sprintf("signed action must be %q", action),
				"code":  "wrong_action",
			})
			return
		}
		c.Next()
	}
}

// Caller returns the authenticated wallet.
func Caller(c *gin.Context) (common.Address, bool) {
	v, ok := c.Get(ctxWallet)
	if !ok {
		return common.Address{}, false
	}
	a, ok := v.(common.Address)
	return a, ok
}

// Signed returns the verified signed message.
func Signed(c *gin.Context) (*SignedRequest, bool) {
	v, ok := c.Get(ctxSigned)
	if !ok {
		return nil, false
	}
	r, ok := v.(*SignedRequest)
	return r, ok
}

// BindPayload decodes the signed payload into v.
func BindPayload(c *gin.Context, v any) error {
	req, ok := Signed(c)
	if !ok {
		return fmt.Errorf("no signed request")
	}
	if len(req.Payload) == 0 {
		return fmt.Errorf("empty signed payload")
	}
	return json.Unmarshal(req.Payload, v)
}
