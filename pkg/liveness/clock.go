package liveness

import "time"

// Timer is a cancellable handle for a scheduled callback.
type Timer interface {
	Stop() bool
}

// Clock schedules callbacks. The coordinator never sleeps; every delay goes
// through a Clock so it can be cancelled on teardown and driven in tests.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealClock returns a Clock backed by time.AfterFunc.
func RealClock() Clock {
	return realClock{}
}
