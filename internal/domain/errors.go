package domain

import (
	"errors"
	"fmt"
)

// ErrExhaustedRetries is surfaced once the live channel gives up
// reconnecting; only a manual reconnect clears it.
var ErrExhaustedRetries = errors.New("connection lost, manual retry required")

var (
	ErrUnknownNode   = errors.New("unknown node")
	ErrUnknownSensor = errors.New("unknown sensor")
	ErrStaleEpoch    = errors.New("stale epoch")
)

// NetworkError reports a failed snapshot fetch. It is transient and the
// user may retry.
type NetworkError struct {
	MineID string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch nodes for mine %s: unexpected status %d", e.MineID, e.Status)
	}
	return fmt.Sprintf("fetch nodes for mine %s: %v", e.MineID, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// DecodeError reports a malformed snapshot or event payload.
type DecodeError struct {
	What string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.What, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ConnectionError is a transport level failure of the live channel.
type ConnectionError struct {
	Code int
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("live channel closed with code %d", e.Code)
	}
	return fmt.Sprintf("live channel closed with code %d: %v", e.Code, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
