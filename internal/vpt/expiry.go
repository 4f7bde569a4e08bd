package vpt

import "time"

// timerFn is the expiry callback invoked by the host timer facility when
// now >= pt.scheduled. It may run on any physical CPU; it must not assume
// it runs on the vCPU's current physical CPU.
func timerFn(pt *PeriodicTime) {
	var kicker Kicker
	var vcpu *VCPU

	withLock(pt, func(v *VCPU) {
		if v.Mode != NoMissedTicksPending || pt.pendingIntrNr == 0 {
			pt.pendingIntrNr++
		}

		if !pt.oneShot {
			pt.scheduled += pt.period
			processMissedTicks(v, pt, v.Clock.Now())
			if pt.timer != nil {
				pt.timer.Reset(pt.scheduled - v.Clock.Now())
			}
		}
		v.Metrics.ObserveTick(pt)

		kicker = v.Kick
		vcpu = v
	})

	if kicker != nil {
		kicker.Kick(vcpu)
	}
}

// processMissedTicks applies the configured tick-accounting mode. It must
// be called with the owning vCPU's tm_lock held. missed is only nonzero
// when the host was allowed to get ahead of the schedule (thaw, or a
// periodic expiry that ran late).
func processMissedTicks(v *VCPU, pt *PeriodicTime, now time.Duration) {
	if pt.oneShot {
		return
	}
	if now <= pt.scheduled {
		return
	}

	missed := int64(now-pt.scheduled)/int64(pt.period) + 1
	pt.scheduled += pt.period * time.Duration(missed)

	switch v.Mode {
	case DelayForMissedTicks:
		// pending_intr_nr is left untouched here; freeze/thaw stalls
		// guest time instead so the guest does not notice.
	case NoMissedTicksPending:
		pt.doNotFreeze = pt.pendingIntrNr == 0
	case OneMissedTickPending:
		pt.pendingIntrNr += int(missed)
	default: // NoDelay
		pt.pendingIntrNr += int(missed)
	}
}
