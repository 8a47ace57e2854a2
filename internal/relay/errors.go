package relay

import (
	"errors"
	"fmt"
)

var (
	ErrDelivery         = errors.New("relay: delivery failed")
	ErrNotFoundYet      = errors.New("relay: not found yet")
	ErrTimeout          = errors.New("relay: timeout")
	ErrIdentityRequired = errors.New("relay: identity required")
	ErrUnboundResponse  = errors.New("relay: response on unregistered connection")
)

const (
	ReasonNoConnection = "no connection"
	ReasonWriteFailed  = "write failed"
)

// DeliveryError reports a command that never reached its executor.
type DeliveryError struct {
	Identity string
	Reason   string
	Err      error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: identity=%q %s: %v", ErrDelivery, e.Identity, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: identity=%q %s", ErrDelivery, e.Identity, e.Reason)
}

func (e *DeliveryError) Is(target error) bool {
	return target == ErrDelivery
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
