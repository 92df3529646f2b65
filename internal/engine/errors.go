package engine

import "errors"

var (
	// ErrSend is a transient or permanent send failure; it always leads to
	// connection removal (the write pump is the sole trigger for this).
	ErrSend = errors.New("engine: send failed")

	// ErrReceive is a non-fatal recv error; logged, left for kernel retry.
	ErrReceive = errors.New("engine: receive failed")

	// ErrRemoteClosed is a TCP peer FIN; leads to connection removal.
	ErrRemoteClosed = errors.New("engine: remote closed connection")

	// ErrUnknownID names a registry lookup miss. The public API reports a
	// miss through neutral sentinels (InvalidID, nil, false, 0 or "") and
	// does not return this error.
	ErrUnknownID = errors.New("engine: unknown connection id")

	// ErrQueueFull is raised (logged, not surfaced as failure) when Write
	// is called against an outbound queue already at capacity. The source
	// behavior is preserved: log and still report success.
	ErrQueueFull = errors.New("engine: queue full")
)

// InvalidID is the sentinel returned by Open/GetClient on failure.
const InvalidID int64 = -1
