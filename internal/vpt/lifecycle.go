package vpt

import "time"

// CreatePeriodicTime registers pt on vcpu. The caller must pre-set
// pt.Source. Re-registering an already-created pt destroys the previous
// registration first, making create idempotent under reprogramming.
func CreatePeriodicTime(vcpu *VCPU, pt *PeriodicTime, period time.Duration, irq uint8, oneShot bool, cb func(*VCPU, any), priv any) error {
	if vcpu == nil {
		return ErrNilVCPU
	}
	if pt.currentVCPU() != nil {
		DestroyPeriodicTime(pt)
	}

	if !oneShot && period < minPeriod {
		debugClamp(period)
		period = minPeriod
	}

	pt.IRQ = irq
	pt.oneShot = oneShot
	pt.CB = cb
	pt.Priv = priv
	pt.period = period
	pt.periodCycles = vcpu.periodCycles(period)
	pt.pendingIntrNr = 0
	pt.irqIssued = false
	pt.doNotFreeze = false

	now := vcpu.Clock.Now()
	deadline := now + period
	if pt.Source == LAPIC {
		deadline += period / 2
	}
	pt.scheduled = deadline
	pt.lastPltGTime = vcpu.guestNow()

	vcpu.mu.Lock()
	pt.setVCPU(vcpu)
	pt.elem = vcpu.list.PushBack(pt)
	pt.onList = true
	pt.timer = vcpu.Factory(func() { timerFn(pt) })
	pt.timer.Reset(deadline - now)
	vcpu.mu.Unlock()

	return nil
}

// DestroyPeriodicTime is a no-op if pt was never created. Otherwise it
// unlinks pt from its vCPU's list under the retry-lock, releases the lock,
// and only then synchronously kills the host timer -- kill_timer must run
// outside tm_lock or the expiry callback would deadlock trying to
// reacquire it.
func DestroyPeriodicTime(pt *PeriodicTime) {
	if pt.currentVCPU() == nil {
		return
	}

	var timer interface{ Stop() }

	withLock(pt, func(v *VCPU) {
		if pt.onList && pt.elem != nil {
			v.list.Remove(pt.elem)
			pt.elem = nil
		}
		pt.onList = false
		timer = pt.timer
		pt.timer = nil
		pt.setVCPU(nil)
	})

	if timer != nil {
		timer.Stop()
	}
}

// ResetPeriodicTime zeroes pending counts, restamps last_plt_gtime to the
// current guest time, and reschedules at NOW()+period.
func ResetPeriodicTime(pt *PeriodicTime) error {
	v := pt.currentVCPU()
	if v == nil {
		return ErrUnknownTimer
	}
	withLock(pt, func(v *VCPU) {
		pt.pendingIntrNr = 0
		pt.irqIssued = false
		pt.doNotFreeze = false
		pt.lastPltGTime = v.guestNow()

		now := v.Clock.Now()
		deadline := now + pt.period
		pt.scheduled = deadline
		if pt.timer != nil {
			pt.timer.Reset(deadline - now)
		}
	})
	return nil
}

// MigratePeriodicTimers rebinds every host timer owned by vcpu to whatever
// physical CPU it now runs on. pt.vcpu itself is unchanged here; it changes
// only via an explicit re-create. Go's scheduler does not expose physical
// CPU affinity for a goroutine-backed timer, so there is nothing to
// actually rebind -- this only updates the bookkeeping field used for
// diagnostics.
func MigratePeriodicTimers(vcpu *VCPU, newPCPU int) {
	vcpu.mu.Lock()
	defer vcpu.mu.Unlock()
	vcpu.pcpu = newPCPU
	for e := vcpu.list.Front(); e != nil; e = e.Next() {
		pt := e.Value.(*PeriodicTime)
		debugMigrateTimer(vcpu.ID, newPCPU, pt.IRQ)
	}
	debugMigrate(vcpu.ID, newPCPU)
}
