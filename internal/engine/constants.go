package engine

import "time"

// These defaults preserve the observable timing behavior of the original
// engine; internal/config may override PollTimeout, WriteTick and
// PumpJoinTimeout through the engine's With* options.
const (
	// MaxMessageLength is the hard upper bound on a connection's
	// messageLength.
	MaxMessageLength = 512

	// QueueCapacity is the bound on both the inbound and outbound queue of
	// every connection.
	QueueCapacity = 10

	// PollTimeout bounds a single pollset.Wait call in the read pump.
	PollTimeout = 5000 * time.Millisecond

	// WriteTick is the write pump's idle pacing interval.
	WriteTick = 1000 * time.Millisecond

	// PumpJoinTimeout bounds how long both pumps are given to exit when the
	// registry becomes empty before they are logged as timed out and
	// abandoned; Close does not wait for them.
	PumpJoinTimeout = 5000 * time.Millisecond
)
