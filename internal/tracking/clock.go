package tracking

import "time"

// Timer is a pending callback. *time.Timer satisfies it.
type Timer interface {
	Stop() bool
}

// Clock supplies the current time and delayed callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
