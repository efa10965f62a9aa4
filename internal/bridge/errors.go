package bridge

import (
	"errors"
	"fmt"

	"mqtt-channel-bridge/internal/broker"
)

// Kind classifies the errors returned to callers.
type Kind string

const (
	KindBrokerUnavailable Kind = "broker_unavailable"
	KindNotConnected      Kind = "not_connected"
	KindStopped           Kind = "stopped"
	KindInvalidRequest    Kind = "invalid_request"
)

// Error is returned by the consumer's request handlers.
type Error struct {
	Kind  Kind
	Op    string
	Topic string
	Err   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s", e.Op, e.Kind)
	if e.Topic != "" {
		msg += fmt.Sprintf(" (topic %q)", e.Topic)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err carries an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

// KindOf returns the kind of err, or an empty kind if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func newError(kind Kind, op, topic string, err error) *Error {
	return &Error{Kind: kind, Op: op, Topic: topic, Err: err}
}

// classify maps a broker error onto an error kind.
func classify(op, topic string, err error) *Error {
	switch {
	case errors.Is(err, broker.ErrClosed):
		return newError(KindStopped, op, topic, err)
	case errors.Is(err, broker.ErrNotConnected):
		return newError(KindNotConnected, op, topic, err)
	default:
		return newError(KindBrokerUnavailable, op, topic, err)
	}
}
