package channel

import "time"

// Timer is the part of *time.Timer the channel relies on.
type Timer interface {
	Stop() bool
}

// Clock schedules the reconnect and liveness callbacks. Tests inject a fake.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
