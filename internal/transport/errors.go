// Package transport implements the address resolution, socket creation, and
// readiness-multiplexing layer underneath the engine. It has no knowledge of
// connection ids, queues, or pumps — those live in internal/engine.
package transport

import "errors"

var (
	// ErrAddressInvalid is returned when host/port cannot be resolved into
	// a usable address record.
	ErrAddressInvalid = errors.New("transport: invalid address")

	// ErrPortReserved is returned when the requested port is below MinPort.
	ErrPortReserved = errors.New("transport: port below dynamic/private range")

	// ErrSocket is returned when a socket syscall (socket/bind/listen/
	// connect/setsockopt) fails.
	ErrSocket = errors.New("transport: socket operation failed")
)

// MinPort is the lowest port the resolver accepts (dynamic/private range).
const MinPort = 49152
