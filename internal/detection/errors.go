package detection

import "errors"

var (
	// ErrStorage indicates the underlying store failed an I/O operation.
	ErrStorage = errors.New("storage error")

	// ErrConnectivity indicates the primary store or the broker could not be reached.
	ErrConnectivity = errors.New("remote service unreachable")

	// ErrNotFound indicates the id does not exist in any tier.
	ErrNotFound = errors.New("detection not found")

	// ErrDispatchTimeout indicates no result arrived within the dispatch timeout.
	ErrDispatchTimeout = errors.New("dispatch timed out waiting for result")

	// ErrSerialization indicates a malformed envelope or payload.
	ErrSerialization = errors.New("serialization error")
)
