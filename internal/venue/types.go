package venue

import (
	"encoding/json"
	"sync"
)

// State represents the connection lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Operation names understood by the venue.
const (
	OpQuote             = "quote"
	OpBuy               = "buy"
	OpSubscribeContract = "subscribe_contract"
	OpUnsubscribe       = "unsubscribe"
)

// criticalOps are never dropped from the outbound queue under the
// priority overflow policy (stop/cancel class operations).
var criticalOps = map[string]bool{
	OpBuy:         true,
	OpUnsubscribe: true,
}

// request is an outbound message. Every request carries a unique
// correlation id echoed back by the venue in the matching response.
type request struct {
	ReqID uint64      `json:"req_id"`
	Op    string      `json:"op"`
	Data  interface{} `json:"data,omitempty"`
	Token string      `json:"token,omitempty"`
}

// Frame is an inbound message: either a response correlated by ReqID,
// or a streamed event correlated by SubID.
type Frame struct {
	ReqID uint64          `json:"req_id,omitempty"`
	Kind  string          `json:"kind,omitempty"`
	SubID string          `json:"sub_id,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *WireError      `json:"error,omitempty"`
}

// WireError is the venue-provided error object.
type WireError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// subAck is the expected payload of a successful subscribe response.
type subAck struct {
	SubID string `json:"sub_id"`
}

// Subscription is a cancellable stream of venue events for one topic key.
type Subscription struct {
	ID  string
	Key string

	events chan *Frame
	client *Client

	closeOnce sync.Once
}

// Events returns the event channel. The channel is closed on Cancel.
func (s *Subscription) Events() <-chan *Frame {
	return s.events
}

// Cancel unsubscribes at the venue and closes the event channel.
// Safe to call more than once.
func (s *Subscription) Cancel() {
	s.closeOnce.Do(func() {
		s.client.dropSubscription(s, true)
	})
}

// Stats is a point-in-time snapshot used by the health aggregator.
type Stats struct {
	State           string `json:"state"`
	QueueDepth      int    `json:"queue_depth"`
	QueueCapacity   int    `json:"queue_capacity"`
	PendingRequests int    `json:"pending_requests"`
	BreakerState    string `json:"breaker_state"`
	Subscriptions   int    `json:"subscriptions"`
}
