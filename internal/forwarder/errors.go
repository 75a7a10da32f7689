package forwarder

import (
	"errors"
	"fmt"
)

// Batch-level errors. Each one rejects the whole batch with no state change.
var (
	ErrSignatureInvalid = errors.New("forwarder: signature does not match sender")
	ErrNonceMismatch    = errors.New("forwarder: nonce mismatch")
	ErrLengthMismatch   = errors.New("forwarder: requests and signatures differ in length")
	ErrEmptyBatch       = errors.New("forwarder: empty batch")
)

// Item-level errors. They are recorded against one item and never abort a batch.
var (
	ErrTargetInvocationFailed = errors.New("forwarder: target invocation failed")
	ErrUnknownTarget          = errors.New("forwarder: no target registered at address")
)

// ItemError reports which item caused a batch to be rejected.
type ItemError struct {
	Index int
	Err   error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("batch item %d: %v", e.Index, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }
