package retry

import (
	"context"
	"sync/atomic"
	"time"
)

// AfterFunc runs f once after d. It exists so timers can be replaced in tests.
type AfterFunc func(d time.Duration, f func())

func RealAfterFunc(d time.Duration, f func()) {
	time.AfterFunc(d, f)
}

var (
	// PeerNotifyDelays are used to announce a newcomer to the members already in the room.
	PeerNotifyDelays = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, time.Second}
	// SelfNotifyDelays are used to tell a newcomer who is already in the room.
	SelfNotifyDelays = []time.Duration{150 * time.Millisecond, 600 * time.Millisecond, 1200 * time.Millisecond}
)

// Policy is a bounded retry schedule. Every delay is measured from the Run call,
// so the schedule never grows past the last delay.
type Policy struct {
	Delays []time.Duration
	After  AfterFunc
}

func NewPolicy(after AfterFunc, delays ...time.Duration) Policy {
	return Policy{
		Delays: delays,
		After:  after,
	}
}

// Run schedules one attempt per delay and returns immediately.
// An attempt returning false cancels the remaining ones, as does ctx.
// Attempts must be idempotent on the receiving side.
func (p Policy) Run(ctx context.Context, attempt func(n int) bool) {
	after := p.After
	if after == nil {
		after = RealAfterFunc
	}
	stopped := &atomic.Bool{}
	for i, d := range p.Delays {
		n := i
		after(d, func() {
			if stopped.Load() || ctx.Err() != nil {
				return
			}
			if !attempt(n) {
				stopped.Store(true)
			}
		})
	}
}
