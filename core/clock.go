package core

import "time"

// SystemClock is the production Clock backed by the wall-clock time.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

var _ Clock = SystemClock{}
