package venue

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout means the request exceeded its deadline. The underlying
	// send is not cancelled; a late response is dropped as unmatched.
	ErrTimeout = errors.New("venue: request timeout")

	// ErrClosed means the connection is closed, draining, or the
	// reconnect-storm breaker is open. Fails fast, nothing was sent.
	ErrClosed = errors.New("venue: connection closed")

	// ErrNetwork means the send failed at the transport level.
	ErrNetwork = errors.New("venue: network error")

	// ErrParse means the response could not be interpreted.
	ErrParse = errors.New("venue: malformed response")

	// ErrQueueFull means the outbound queue rejected the send under the
	// configured overflow policy.
	ErrQueueFull = errors.New("venue: outbound queue full")
)

// VenueError is an explicit rejection from the venue, carrying the
// wire-level code so callers can classify it.
type VenueError struct {
	Op      string
	Code    string
	Message string
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("venue: %s rejected (code=%s): %s", e.Op, e.Code, e.Message)
}

// AsVenueError unwraps err into a *VenueError if it is one.
func AsVenueError(err error) (*VenueError, bool) {
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
