// Package vpt implements the virtual platform timer core: per-vCPU sets of
// periodic (or one-shot) timers whose expiry is driven by the host's
// monotonic clock but whose delivery to the guest is gated by the emulated
// interrupt controllers and by one of four tick-accounting modes.
package vpt

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tinyrange/vpt/internal/debug"
	"github.com/tinyrange/vpt/internal/hvtime"
)

// Source selects which emulated controller receives a timer's assertion.
type Source int

const (
	LAPIC Source = iota
	ISA
)

func (s Source) String() string {
	if s == LAPIC {
		return "LAPIC"
	}
	return "ISA"
}

// TickMode is the HVM_PARAM_TIMER_MODE configuration parameter, consulted
// live by the missed-tick processor and by save/restore.
type TickMode int

const (
	// NoDelay accumulates every missed tick and delivers them individually.
	NoDelay TickMode = iota
	// DelayForMissedTicks stalls guest-visible time across deschedule so
	// the guest never observes the gap, trading real-time fidelity for a
	// monotone, gap-free guest clock.
	DelayForMissedTicks
	// NoMissedTicksPending never lets more than one tick accumulate.
	NoMissedTicksPending
	// OneMissedTickPending accumulates ticks but collapses them into a
	// single acknowledgement.
	OneMissedTickPending
)

func (m TickMode) String() string {
	switch m {
	case DelayForMissedTicks:
		return "delay_for_missed_ticks"
	case NoMissedTicksPending:
		return "no_missed_ticks_pending"
	case OneMissedTickPending:
		return "one_missed_tick_pending"
	default:
		return "no_delay"
	}
}

// UnmarshalText lets TickMode be read out of ambient configuration exactly
// like the domain-level HVM_PARAM_TIMER_MODE parameter it models.
func (m *TickMode) UnmarshalText(text []byte) error {
	switch string(text) {
	case "delay_for_missed_ticks":
		*m = DelayForMissedTicks
	case "no_missed_ticks_pending":
		*m = NoMissedTicksPending
	case "one_missed_tick_pending":
		*m = OneMissedTickPending
	case "no_delay", "":
		*m = NoDelay
	default:
		return fmt.Errorf("vpt: unknown timer mode %q", text)
	}
	return nil
}

// minPeriod is the clamp floor for periodic (non one-shot) timers.
const minPeriod = 900 * time.Microsecond

var (
	ErrNilVCPU      = errors.New("vpt: nil vcpu")
	ErrNoSource     = errors.New("vpt: timer source not set")
	ErrUnknownTimer = errors.New("vpt: timer not registered on this vcpu")
)

// LineSource is the abstraction over "which emulated controller receives
// the assertion for a given timer", implemented by the LAPIC and ISA
// adapters external to this package.
type LineSource interface {
	// Masked reports whether delivery for irq is currently blocked.
	Masked(irq uint8) bool
	// Vector resolves the vector that would be delivered for irq.
	Vector(irq uint8) uint8
	// Assert raises irq once, edge-triggered from the caller's point of
	// view (the ISA implementation performs its own deassert-then-assert
	// pulse internally where the underlying controller requires it).
	Assert(irq uint8)
}

// GuestClock is the guest-visible time source, consulted and adjusted by
// the delay_for_missed_ticks mode. Units are guest-time units (the same
// units as PeriodicTime.periodCycles).
type GuestClock interface {
	Get() uint64
	Set(v uint64)
}

// Kicker wakes a descheduled or in-guest vCPU and forces a VM exit so the
// injection selector runs.
type Kicker interface {
	Kick(vcpu *VCPU)
}

// PeriodicTime is a single timer record. Storage is owned by the device
// model that creates it; the core owns only the linkage, the host-timer
// handle and the interior state. A *PeriodicTime must not be copied after
// Create: the host timer callback closes over its address.
type PeriodicTime struct {
	Source Source
	IRQ    uint8

	// CB, Priv are invoked outside tm_lock after a (non one-shot) tick is
	// acknowledged, or after a one-shot timer's single tick is acked.
	CB   func(vcpu *VCPU, priv any)
	Priv any

	identityMu sync.Mutex
	vcpu       *VCPU
	elem       *list.Element

	period       time.Duration
	periodCycles uint64
	oneShot      bool

	scheduled     time.Duration
	lastPltGTime  uint64
	pendingIntrNr int
	irqIssued     bool
	doNotFreeze   bool
	onList        bool

	timer hvtime.Timer
}

func (pt *PeriodicTime) currentVCPU() *VCPU {
	pt.identityMu.Lock()
	defer pt.identityMu.Unlock()
	return pt.vcpu
}

func (pt *PeriodicTime) setVCPU(v *VCPU) {
	pt.identityMu.Lock()
	pt.vcpu = v
	pt.identityMu.Unlock()
}

// withLock implements the retry-lock pattern (pt_lock): because a record's
// owning vCPU can change out from under the locker (migration,
// destroy/recreate), it reads pt.vcpu, locks that vCPU's tm_lock, then
// rechecks pt.vcpu has not changed; if it has, it releases and retries.
func withLock(pt *PeriodicTime, fn func(v *VCPU)) {
	for {
		v := pt.currentVCPU()
		if v == nil {
			return
		}
		v.mu.Lock()
		pt.identityMu.Lock()
		same := pt.vcpu == v
		pt.identityMu.Unlock()
		if !same {
			v.mu.Unlock()
			continue
		}
		fn(v)
		v.mu.Unlock()
		return
	}
}

// VCPU holds the per-guest-CPU timer list and the single lock guarding
// every field of every PeriodicTime bound to it.
type VCPU struct {
	mu   sync.Mutex
	list list.List // of *PeriodicTime

	ID int

	// Blocked mirrors the scheduler's view of this vCPU. SaveTimer
	// consults it directly: a blocked vCPU's timers keep running so that
	// vcpu_kick can still wake it, per the open question in the design
	// notes.
	Blocked bool

	Clock      hvtime.Clock
	Factory    hvtime.Factory
	Guest      GuestClock
	Kick       Kicker
	LAPICLine  LineSource
	ISALine    LineSource
	Mode       TickMode
	GuestKHz   uint64 // host CPU-kHz used to convert period -> period_cycles

	// Metrics is consulted by the expiry, injection and ack paths if
	// non-nil; a nil Metrics (the default) disables observability with
	// zero overhead.
	Metrics *Metrics

	guestTimeSlot uint64 // the per-vCPU "guest_time" freeze/thaw scratch slot

	pcpu int
}

// NewVCPU constructs a VCPU. Clock and Factory default to the system
// implementations; Guest, Kick and the line sources must be supplied by the
// caller (they have no context-free default).
func NewVCPU(id int, opts ...VCPUOption) *VCPU {
	v := &VCPU{
		ID:       id,
		Clock:    hvtime.NewSystemClock(),
		Factory:  hvtime.NewSystemFactory(),
		GuestKHz: 1_000_000, // 1 guest-time unit per nanosecond by default
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VCPUOption customises a VCPU at construction, in the functional-options
// style used throughout this tree's device models.
type VCPUOption func(*VCPU)

func WithClock(c hvtime.Clock) VCPUOption {
	return func(v *VCPU) {
		if c != nil {
			v.Clock = c
		}
	}
}

func WithTimerFactory(f hvtime.Factory) VCPUOption {
	return func(v *VCPU) {
		if f != nil {
			v.Factory = f
		}
	}
}

func WithGuestClock(g GuestClock) VCPUOption {
	return func(v *VCPU) { v.Guest = g }
}

func WithKicker(k Kicker) VCPUOption {
	return func(v *VCPU) { v.Kick = k }
}

func WithLAPICLine(l LineSource) VCPUOption {
	return func(v *VCPU) { v.LAPICLine = l }
}

func WithISALine(l LineSource) VCPUOption {
	return func(v *VCPU) { v.ISALine = l }
}

func WithTickMode(m TickMode) VCPUOption {
	return func(v *VCPU) { v.Mode = m }
}

func WithGuestKHz(khz uint64) VCPUOption {
	return func(v *VCPU) {
		if khz > 0 {
			v.GuestKHz = khz
		}
	}
}

func WithMetrics(m *Metrics) VCPUOption {
	return func(v *VCPU) { v.Metrics = m }
}

func (v *VCPU) lineFor(source Source) LineSource {
	if source == LAPIC {
		return v.LAPICLine
	}
	return v.ISALine
}

func (v *VCPU) periodCycles(d time.Duration) uint64 {
	return uint64(d.Nanoseconds()) * v.GuestKHz / 1_000_000
}

func (v *VCPU) guestNow() uint64 {
	if v.Guest == nil {
		return 0
	}
	return v.Guest.Get()
}
