package sponsor

import "errors"

// Claim and admin failures. Every one of them leaves the ledger unchanged.
var (
	ErrUnauthorizedSubmitter   = errors.New("sponsor: submitter not whitelisted")
	ErrPaused                  = errors.New("sponsor: claims are paused")
	ErrSubmitterCapExceeded    = errors.New("sponsor: daily per-submitter cap exceeded")
	ErrBeneficiaryCapExceeded  = errors.New("sponsor: daily per-beneficiary cap exceeded")
	ErrGlobalCapExceeded       = errors.New("sponsor: daily global cap exceeded")
	ErrInsufficientPoolBalance = errors.New("sponsor: insufficient pool balance")
	ErrZeroBeneficiaries       = errors.New("sponsor: no beneficiaries")
	ErrTransferFailed          = errors.New("sponsor: transfer failed")
	ErrZeroDeposit             = errors.New("sponsor: zero deposit")
	ErrZeroAddress             = errors.New("sponsor: zero address")
	ErrNotOwner                = errors.New("sponsor: caller is not the owner")
	ErrInvalidAmount           = errors.New("sponsor: amount must be non-negative")
)

// ErrPaymentUnconfirmed is returned by a Payer whose transfer was broadcast
// but not confirmed. The funds may still move, so the ledger keeps the
// operation committed.
var ErrPaymentUnconfirmed = errors.New("sponsor: payment sent but not confirmed")
