package upstream

import (
	"errors"
	"fmt"
)

// StatusError is a logic-class failure: the upstream was reachable and
// answered with a non-2xx status. These are assumed not to self-resolve,
// so the replay engine counts them against the retry budget.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream responded %d: %s", e.Status, e.Body)
}

// ConnectivityError is a transport-level failure: connection refused,
// DNS failure, timeout. The upstream may simply be offline — the whole
// point of the queue is to survive that — so these retry indefinitely
// and never consume the retry budget.
type ConnectivityError struct {
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("upstream unreachable: %v", e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// IsConnectivity reports whether the error chain contains a
// connectivity-class failure.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}
