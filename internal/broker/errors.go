package broker

import "errors"

var (
	// ErrNotConnected is returned by broker operations attempted while the
	// link is not connected.
	ErrNotConnected = errors.New("broker not connected")
	// ErrBrokerUnavailable means a connect attempt, including the version
	// fallback, failed.
	ErrBrokerUnavailable = errors.New("broker unavailable")
	// ErrProtocolVersionRejected is reported by dialers when the broker
	// refuses the requested protocol version.
	ErrProtocolVersionRejected = errors.New("protocol version rejected")
	// ErrClosed is returned once the link has been disconnected for good.
	ErrClosed = errors.New("broker link closed")
	// ErrTimeout is returned when a broker round-trip exceeds its deadline.
	ErrTimeout = errors.New("broker operation timeout")
)
