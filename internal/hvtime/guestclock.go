package hvtime

import (
	"sync"
	"time"
)

// ScaledGuestClock derives guest-visible time from a host Clock, advancing
// at khz guest-time units per millisecond of host time -- the same scale
// a vCPU's GuestKHz applies to timer periods. Set pins the clock to an
// arbitrary value, the hook delay_for_missed_ticks save/restore uses to
// stall guest time across a deschedule.
type ScaledGuestClock struct {
	mu sync.Mutex

	clock Clock
	khz   uint64

	base   time.Duration // clock.Now() as of the last Set
	offset uint64        // guest-time value as of base
}

// NewScaledGuestClock returns a GuestClock anchored to clock.Now() at zero.
func NewScaledGuestClock(clock Clock, khz uint64) *ScaledGuestClock {
	return &ScaledGuestClock{clock: clock, khz: khz, base: clock.Now()}
}

// Get implements vpt.GuestClock.
func (g *ScaledGuestClock) Get() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	elapsed := g.clock.Now() - g.base
	return g.offset + uint64(elapsed.Nanoseconds())*g.khz/1_000_000
}

// Set implements vpt.GuestClock: re-anchors the clock so it reads v from
// this instant forward.
func (g *ScaledGuestClock) Set(v uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.base = g.clock.Now()
	g.offset = v
}
