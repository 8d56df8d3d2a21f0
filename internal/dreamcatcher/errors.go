package dreamcatcher

import (
	"errors"
	"fmt"
)

var (
	ErrClosed       = errors.New("connection closed")
	ErrNotConnected = errors.New("transport not connected")
)

// RequestError is returned when a panel answers a request with an explicit
// failure status.
type RequestError struct {
	Action  string
	Status  string
	Message string
}

func (e *RequestError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s rejected by panel (status %s): %s", e.Action, e.Status, e.Message)
	}
	return fmt.Sprintf("%s rejected by panel (status %s)", e.Action, e.Status)
}
