package relay

import "github.com/0gfoundation/0g-relay/internal/request"

// Redis keys.
const (
	QueueKey = "relay:queue" // list of JSON request.Signed, oldest at the head
	DLQKey   = "relay:dlq"   // list of JSON DeadLetter
)

// DeadLetter is a queued item the coordinator refused, with the reason.
type DeadLetter struct {
	Item     request.Signed `json:"item"`
	Raw      string         `json:"raw,omitempty"` // set when Item could not be decoded
	Reason   string         `json:"reason"`
	FailedAt int64          `json:"failed_at"`
}
