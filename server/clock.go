// Copyright 2022 The CodeDuel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import "time"

// Clock is the time source for every deadline in the match runtime. The
// runtime never reads the wall clock directly, so tests can swap in a
// deterministic implementation. Deadlines are always absolute instants
// rather than durations measured after the fact, which keeps a busy runtime
// from accumulating drift.
type Clock interface {
	// Now returns the current instant.
	Now() time.Time

	// Schedule invokes fn once at instant at. Instants at or before Now fire
	// immediately. The callback runs on the clock's own goroutine, so callers
	// that care about ordering must hand off to their own executor.
	Schedule(at time.Time, fn func()) ClockTimer
}

// ClockTimer is a cancellable handle to a scheduled callback.
type ClockTimer interface {
	// Stop cancels the timer, reporting whether it was still pending.
	Stop() bool
}

type systemClock struct{}

// NewSystemClock returns a Clock backed by the runtime wall clock.
func NewSystemClock() Clock {
	return &systemClock{}
}

func (*systemClock) Now() time.Time {
	return time.Now()
}

func (*systemClock) Schedule(at time.Time, fn func()) ClockTimer {
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	return time.AfterFunc(d, fn)
}
