package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-relay/internal/chain"
	"github.com/0gfoundation/0g-relay/internal/forwarder"
	"github.com/0gfoundation/0g-relay/internal/request"
	"github.com/0gfoundation/0g-relay/internal/sponsor"
)

// errDepositUsed rejects a deposit transaction that was already credited.
var errDepositUsed = errors.New("api: deposit transaction already credited")

// errorMap assigns each known failure an HTTP status and a stable code.
// Order matters only for wrapped errors that match more than one entry.
var errorMap = []struct {
	err    error
	status int
	code   string
}{
	// authorization
	{sponsor.ErrNotOwner, http.StatusForbidden, "not_owner"},
	{sponsor.ErrUnauthorizedSubmitter, http.StatusForbidden, "unauthorized_submitter"},

	// pool state
	{sponsor.ErrPaused, http.StatusConflict, "paused"},
	{sponsor.ErrSubmitterCapExceeded, http.StatusConflict, "submitter_cap_exceeded"},
	{sponsor.ErrBeneficiaryCapExceeded, http.StatusConflict, "beneficiary_cap_exceeded"},
	{sponsor.ErrGlobalCapExceeded, http.StatusConflict, "global_cap_exceeded"},
	{sponsor.ErrInsufficientPoolBalance, http.StatusConflict, "insufficient_pool_balance"},
	{errDepositUsed, http.StatusConflict, "deposit_already_credited"},
	{chain.ErrDepositPending, http.StatusConflict, "deposit_pending"},

	// input
	{sponsor.ErrZeroBeneficiaries, http.StatusUnprocessableEntity, "zero_beneficiaries"},
	{sponsor.ErrZeroDeposit, http.StatusUnprocessableEntity, "zero_deposit"},
	{sponsor.ErrZeroAddress, http.StatusUnprocessableEntity, "zero_address"},
	{sponsor.ErrInvalidAmount, http.StatusUnprocessableEntity, "invalid_amount"},
	{chain.ErrDepositNotToPool, http.StatusUnprocessableEntity, "deposit_not_to_pool"},
	{chain.ErrDepositSender, http.StatusUnprocessableEntity, "deposit_sender_mismatch"},
	{chain.ErrDepositReverted, http.StatusUnprocessableEntity, "deposit_reverted"},
	{forwarder.ErrSignatureInvalid, http.StatusUnprocessableEntity, "signature_invalid"},
	{forwarder.ErrNonceMismatch, http.StatusUnprocessableEntity, "nonce_mismatch"},
	{request.ErrValueOutOfRange, http.StatusUnprocessableEntity, "value_out_of_range"},

	// downstream
	{sponsor.ErrTransferFailed, http.StatusBadGateway, "transfer_failed"},
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg, "code": "bad_request"})
}

// writeError maps err to a JSON error response. Unknown errors are logged and
// reported as 500 without detail.
func (h *Handler) writeError(c *gin.Context, err error) {
	for _, e := range errorMap {
		if errors.Is(err, e.err) {
			c.AbortWithStatusJSON(e.status, gin.H{"error": err.Error(), "code": e.code})
			return
		}
	}
	h.log.Error("api: request failed",
		zap.String("path", c.FullPath()),
		zap.Error(err),
	)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": "internal"})
}
