package vpt

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tinyrange/vpt/internal/hvtime"
)

// manualClock and manualTimer/manualFactory mirror the device packages'
// own manual-clock test doubles (see pit_timer_test.go's manualTimerFactory)
// so the host timer never actually has to wait on wall time.
type manualClock struct {
	mu  sync.Mutex
	now time.Duration
}

func (c *manualClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) set(d time.Duration) {
	c.mu.Lock()
	c.now = d
	c.mu.Unlock()
}

type manualTimer struct {
	fire    func()
	lastReq time.Duration
	stopped bool
}

func (t *manualTimer) Reset(d time.Duration) { t.lastReq = d }
func (t *manualTimer) Stop()                 { t.stopped = true }

var _ hvtime.Timer = (*manualTimer)(nil)

func manualFactory(timers *[]*manualTimer) hvtime.Factory {
	return func(fire func()) hvtime.Timer {
		t := &manualTimer{fire: fire}
		*timers = append(*timers, t)
		return t
	}
}

// stubLine records the vectors it was asked to assert and lets tests
// control masking independently per IRQ.
type stubLine struct {
	mu      sync.Mutex
	masked  map[uint8]bool
	vectors map[uint8]uint8
	asserts []uint8
}

func newStubLine() *stubLine {
	return &stubLine{masked: map[uint8]bool{}, vectors: map[uint8]uint8{}}
}

func (s *stubLine) Masked(irq uint8) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.masked[irq]
}

func (s *stubLine) Vector(irq uint8) uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.vectors[irq]; ok {
		return v
	}
	return irq
}

func (s *stubLine) Assert(irq uint8) {
	s.mu.Lock()
	s.asserts = append(s.asserts, irq)
	s.mu.Unlock()
}

type stubGuestClock struct {
	mu  sync.Mutex
	val uint64
}

func (g *stubGuestClock) Get() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.val
}

func (g *stubGuestClock) Set(v uint64) {
	g.mu.Lock()
	g.val = v
	g.mu.Unlock()
}

type recordingKicker struct {
	mu     sync.Mutex
	kicked []int
}

func (k *recordingKicker) Kick(vcpu *VCPU) {
	k.mu.Lock()
	k.kicked = append(k.kicked, vcpu.ID)
	k.mu.Unlock()
}

func newTestVCPU(clock *manualClock, timers *[]*manualTimer, mode TickMode) (*VCPU, *stubLine, *recordingKicker) {
	line := newStubLine()
	kicker := &recordingKicker{}
	v := NewVCPU(1,
		WithClock(clock),
		WithTimerFactory(manualFactory(timers)),
		WithISALine(line),
		WithLAPICLine(line),
		WithKicker(kicker),
		WithTickMode(mode),
		WithGuestKHz(1_000_000), // 1 guest unit per nanosecond
	)
	return v, line, kicker
}

// S1: a periodic ISA timer fired three times in a row accumulates
// pending_intr_nr == 3 and scheduled keeps pace one period at a time.
func TestSimplePeriodicAccumulatesPendingTicks(t *testing.T) {
	clock := &manualClock{}
	var timers []*manualTimer
	v, _, _ := newTestVCPU(clock, &timers, NoDelay)

	pt := &PeriodicTime{Source: ISA}
	if err := CreatePeriodicTime(v, pt, time.Millisecond, 0, false, nil, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if pt.scheduled != time.Millisecond {
		t.Fatalf("scheduled = %v, want 1ms", pt.scheduled)
	}

	fire := timers[0].fire
	for i, at := range []time.Duration{1500 * time.Microsecond, 2500 * time.Microsecond, 3500 * time.Microsecond} {
		clock.set(at)
		fire()
		if pt.pendingIntrNr != i+1 {
			t.Fatalf("after firing %d: pendingIntrNr = %d, want %d", i+1, pt.pendingIntrNr, i+1)
		}
	}

	if pt.scheduled != 4*time.Millisecond {
		t.Fatalf("scheduled = %v, want 4ms", pt.scheduled)
	}
}

// S2: under the default (no_delay) mode, a long deschedule gap is replayed
// as one missed tick per period on restore.
func TestRestoreUnderNoDelayReplaysEveryMissedTick(t *testing.T) {
	clock := &manualClock{}
	var timers []*manualTimer
	v, _, _ := newTestVCPU(clock, &timers, NoDelay)

	pt := &PeriodicTime{Source: ISA}
	if err := CreatePeriodicTime(v, pt, time.Millisecond, 0, false, nil, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	clock.set(200 * time.Microsecond)
	SaveTimer(v)
	if !timers[0].stopped {
		t.Fatalf("expected host timer stopped on save")
	}

	clock.set(5700 * time.Microsecond)
	RestoreTimer(v)

	if pt.pendingIntrNr != 5 {
		t.Fatalf("pendingIntrNr = %d, want 5", pt.pendingIntrNr)
	}
	if pt.scheduled != 6*time.Millisecond {
		t.Fatalf("scheduled = %v, want 6ms", pt.scheduled)
	}
	wantArm := 6*time.Millisecond - 5700*time.Microsecond
	if timers[0].lastReq != wantArm {
		t.Fatalf("rearm request = %v, want %v", timers[0].lastReq, wantArm)
	}
}

// S3: under no_missed_ticks_pending, a timer that never actually fired
// before being saved never accumulates a backlog on restore.
func TestRestoreUnderNoMissedTicksPendingCapsBacklog(t *testing.T) {
	clock := &manualClock{}
	var timers []*manualTimer
	v, _, _ := newTestVCPU(clock, &timers, NoMissedTicksPending)

	pt := &PeriodicTime{Source: ISA}
	if err := CreatePeriodicTime(v, pt, time.Millisecond, 0, false, nil, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	clock.set(200 * time.Microsecond)
	SaveTimer(v)
	clock.set(5700 * time.Microsecond)
	RestoreTimer(v)

	if pt.pendingIntrNr > 1 {
		t.Fatalf("pendingIntrNr = %d, want <= 1", pt.pendingIntrNr)
	}
}

// S4: under one_missed_tick_pending, a backlog is acknowledged in one shot
// and last_plt_gtime jumps to the current guest time.
func TestAckUnderOneMissedTickPendingCollapsesBacklog(t *testing.T) {
	clock := &manualClock{}
	var timers []*manualTimer
	v, _, _ := newTestVCPU(clock, &timers, OneMissedTickPending)
	guest := &stubGuestClock{val: 9000}
	v.Guest = guest

	pt := &PeriodicTime{Source: ISA}
	if err := CreatePeriodicTime(v, pt, time.Millisecond, 0, false, nil, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	clock.set(200 * time.Microsecond)
	SaveTimer(v)
	clock.set(5700 * time.Microsecond)
	RestoreTimer(v)

	if pt.pendingIntrNr != 5 {
		t.Fatalf("pendingIntrNr pre-ack = %d, want 5", pt.pendingIntrNr)
	}

	pt.irqIssued = true
	IntrPost(v, AckedVector{Vector: pt.IRQ, Source: ISA})

	if pt.pendingIntrNr != 0 {
		t.Fatalf("pendingIntrNr post-ack = %d, want 0", pt.pendingIntrNr)
	}
	if pt.lastPltGTime != guest.Get() {
		t.Fatalf("lastPltGTime = %d, want guest time %d", pt.lastPltGTime, guest.Get())
	}
}

// S5: a one-shot timer is unlinked from its vCPU's list once its single
// tick is acknowledged, and no further host timer is armed.
func TestOneShotUnlinksAfterAck(t *testing.T) {
	clock := &manualClock{}
	var timers []*manualTimer
	v, line, kicker := newTestVCPU(clock, &timers, NoDelay)
	line.vectors[0] = 0x30

	pt := &PeriodicTime{Source: LAPIC}
	if err := CreatePeriodicTime(v, pt, 2*time.Millisecond, 0, true, nil, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	armedAt := timers[0].lastReq

	clock.set(3 * time.Millisecond)
	timers[0].fire()

	if len(kicker.kicked) != 1 {
		t.Fatalf("expected one kick, got %d", len(kicker.kicked))
	}

	ok, vector, source := UpdateIRQ(v)
	if !ok {
		t.Fatalf("expected UpdateIRQ to find the pending one-shot timer")
	}
	IntrPost(v, AckedVector{Vector: vector, Source: source})

	if pt.onList {
		t.Fatalf("expected one-shot timer unlinked after ack")
	}
	if v.list.Len() != 0 {
		t.Fatalf("expected the vcpu's timer list to be empty, len=%d", v.list.Len())
	}
	if timers[0].lastReq != armedAt {
		t.Fatalf("expected no further host timer arming after the one-shot ack, lastReq changed from %v to %v", armedAt, timers[0].lastReq)
	}
}

// S6: when two LAPIC timers both have pending ticks, the selector picks
// the one furthest behind its own schedule -- the shorter-period timer.
func TestSelectorPicksFurthestBehindTimer(t *testing.T) {
	clock := &manualClock{}
	var timers []*manualTimer
	v, line, _ := newTestVCPU(clock, &timers, NoDelay)
	line.vectors[1] = 0x41
	line.vectors[2] = 0x42

	fast := &PeriodicTime{Source: LAPIC}
	if err := CreatePeriodicTime(v, fast, time.Millisecond, 1, false, nil, nil); err != nil {
		t.Fatalf("create fast: %v", err)
	}
	slow := &PeriodicTime{Source: LAPIC}
	if err := CreatePeriodicTime(v, slow, 3*time.Millisecond, 2, false, nil, nil); err != nil {
		t.Fatalf("create slow: %v", err)
	}

	// Simulate both timers having pending ticks after 3ms offline, with
	// last_plt_gtime left at their creation-time value (0).
	v.mu.Lock()
	fast.pendingIntrNr = 3
	slow.pendingIntrNr = 1
	v.mu.Unlock()

	ok, vector, _ := UpdateIRQ(v)
	if !ok {
		t.Fatalf("expected a pending timer to be selected")
	}
	if vector != 0x41 {
		t.Fatalf("selector picked vector 0x%02x, want the shorter-period timer's 0x41", vector)
	}
}

// S7: destroy must wait for an in-flight timer_fn to finish before its
// host timer is actually torn down, so there is no use-after-free window.
// This exercises the real host timer facility (hvtime.systemTimer), since
// the fake used by the other tests in this file has no such blocking
// behavior to exercise.
func TestDestroyWaitsForInFlightFire(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var kicked int32

	v := NewVCPU(1,
		WithClock(hvtime.NewSystemClock()),
		WithTimerFactory(hvtime.NewSystemFactory()),
		WithISALine(newStubLine()),
		WithKicker(KickerFunc(func(*VCPU) {
			atomic.AddInt32(&kicked, 1)
			close(entered)
			<-release
		})),
	)

	pt := &PeriodicTime{Source: ISA}
	if err := CreatePeriodicTime(v, pt, minPeriod, 0, false, nil, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	<-entered // timer_fn has released tm_lock and is blocked in Kick

	done := make(chan struct{})
	go func() {
		DestroyPeriodicTime(pt)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatalf("destroy completed while the in-flight timer_fn was still blocked in Kick")
	default:
	}

	close(release)
	<-done

	if atomic.LoadInt32(&kicked) != 1 {
		t.Fatalf("expected exactly one kick, got %d", kicked)
	}
	if pt.onList {
		t.Fatalf("expected pt unlinked after destroy")
	}
}

// KickerFunc adapts a function to the Kicker interface, for tests that need
// to observe or synchronize on the kick itself.
type KickerFunc func(*VCPU)

func (f KickerFunc) Kick(vcpu *VCPU) { f(vcpu) }

// Metrics is wired into the expiry, injection and ack paths rather than
// left decorative: a tick firing, its injection and its ack each touch a
// distinct counter, and the backlog gauge reflects pendingIntrNr at each
// step.
func TestMetricsWiredThroughExpiryInjectionAck(t *testing.T) {
	clock := &manualClock{}
	var timers []*manualTimer
	v, line, _ := newTestVCPU(clock, &timers, NoDelay)
	line.vectors[0] = 0x30
	v.Metrics = NewMetrics(prometheus.NewRegistry())

	pt := &PeriodicTime{Source: ISA}
	if err := CreatePeriodicTime(v, pt, time.Millisecond, 0, false, nil, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	clock.set(1500 * time.Microsecond)
	timers[0].fire()

	if got := testutil.ToFloat64(v.Metrics.TicksFired.WithLabelValues("ISA")); got != 1 {
		t.Fatalf("ticks_fired_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(v.Metrics.PendingBacklog.WithLabelValues("ISA", "0")); got != 1 {
		t.Fatalf("pending_backlog post-fire = %v, want 1", got)
	}

	ok, vector, source := UpdateIRQ(v)
	if !ok {
		t.Fatalf("expected UpdateIRQ to find the pending timer")
	}
	if got := testutil.ToFloat64(v.Metrics.Injections.WithLabelValues("ISA")); got != 1 {
		t.Fatalf("injections_total = %v, want 1", got)
	}

	IntrPost(v, AckedVector{Vector: vector, Source: source})
	if got := testutil.ToFloat64(v.Metrics.Acks.WithLabelValues("ISA")); got != 1 {
		t.Fatalf("acks_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(v.Metrics.PendingBacklog.WithLabelValues("ISA", "0")); got != 0 {
		t.Fatalf("pending_backlog post-ack = %v, want 0", got)
	}
}

// Under delay_for_missed_ticks the guest's own clock must never show the
// gap left by a long deschedule: a save/restore spanning several missed
// periods leaves guest time exactly where it was at save, and only the
// eventual ack of the one tick that was actually delivered advances it --
// by one period's worth, not by the physical time that passed off-CPU.
func TestDelayForMissedTicksStallsGuestTimeAcrossSaveRestore(t *testing.T) {
	clock := &manualClock{}
	var timers []*manualTimer
	v, line, _ := newTestVCPU(clock, &timers, DelayForMissedTicks)
	line.vectors[0] = 0x30
	guest := &stubGuestClock{val: 5000}
	v.Guest = guest

	pt := &PeriodicTime{Source: ISA}
	if err := CreatePeriodicTime(v, pt, time.Millisecond, 0, false, nil, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	clock.set(1500 * time.Microsecond)
	timers[0].fire()
	if pt.pendingIntrNr != 1 {
		t.Fatalf("pendingIntrNr after fire = %d, want 1", pt.pendingIntrNr)
	}

	ok, vector, source := UpdateIRQ(v)
	if !ok {
		t.Fatalf("expected UpdateIRQ to find the pending timer")
	}

	beforeSave := guest.Get()

	clock.set(1800 * time.Microsecond)
	SaveTimer(v)

	// Several periods elapse off-CPU; the guest must not see any of it.
	clock.set(9000 * time.Microsecond)
	RestoreTimer(v)

	if got := guest.Get(); got != beforeSave {
		t.Fatalf("guest time after restore = %d, want unchanged %d (gap must be invisible)", got, beforeSave)
	}

	IntrPost(v, AckedVector{Vector: vector, Source: source})

	wantAfterAck := beforeSave + pt.periodCycles
	if got := guest.Get(); got != wantAfterAck {
		t.Fatalf("guest time after ack = %d, want %d (exactly one period, not the missed gap)", got, wantAfterAck)
	}
	if got := guest.Get(); got <= beforeSave {
		t.Fatalf("guest time must advance monotonically across the ack, got %d after %d", got, beforeSave)
	}
	if pt.pendingIntrNr != 0 {
		t.Fatalf("pendingIntrNr after ack = %d, want 0", pt.pendingIntrNr)
	}
}
