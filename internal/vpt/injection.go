package vpt

// UpdateIRQ is the injection selector. Called on the interrupt-delivery
// path when the hypervisor is about to enter the guest, it scans vcpu's
// timer list for eligible records -- pending_intr_nr > 0 and not masked --
// and asserts the line of the one furthest behind on its guest-time
// schedule. Only one line is asserted per call; further pending timers are
// picked up on subsequent invocations.
// UpdateIRQ reports, via ok, whether a line was asserted, and if so which
// vector and source it belongs to -- callers that drive their own ack
// (e.g. InlineKicker) need the vector to complete the round trip via
// IntrPost.
func UpdateIRQ(vcpu *VCPU) (ok bool, vector uint8, source Source) {
	vcpu.mu.Lock()

	var chosen *PeriodicTime
	var chosenKey uint64

	for e := vcpu.list.Front(); e != nil; e = e.Next() {
		pt := e.Value.(*PeriodicTime)
		if pt.pendingIntrNr <= 0 {
			continue
		}
		line := vcpu.lineFor(pt.Source)
		if line == nil || line.Masked(pt.IRQ) {
			continue
		}
		key := pt.lastPltGTime + pt.periodCycles
		if chosen == nil || key < chosenKey {
			chosen = pt
			chosenKey = key
		}
	}

	if chosen == nil {
		vcpu.mu.Unlock()
		return false, 0, 0
	}

	chosen.irqIssued = true
	irq := chosen.IRQ
	source = chosen.Source
	line := vcpu.lineFor(source)
	vcpu.Metrics.ObserveInjection(chosen)

	vcpu.mu.Unlock()

	if line == nil {
		return false, 0, 0
	}
	vector = line.Vector(irq)
	line.Assert(irq)
	return true, vector, source
}

// InlineKicker drives the injection and ack path synchronously from
// timer_fn, for embedders with no separate VM-entry loop to call UpdateIRQ
// and IntrPost at their own pace (real hypervisors call them at the
// distinct points named in the external-interface table).
type InlineKicker struct{}

func (InlineKicker) Kick(vcpu *VCPU) {
	if ok, vector, source := UpdateIRQ(vcpu); ok {
		IntrPost(vcpu, AckedVector{Vector: vector, Source: source})
	}
}

var _ Kicker = InlineKicker{}

// AckedVector names the vector and source the guest has just accepted.
type AckedVector struct {
	Vector uint8
	Source Source
}

// IntrPost reconciles the timer state after the guest has accepted a
// vector. It finds the unique record with a pending, issued interrupt
// whose resolved vector matches; a miss means the vector belongs to some
// other device sharing the line and is silently ignored.
func IntrPost(vcpu *VCPU, acked AckedVector) {
	vcpu.mu.Lock()

	var match *PeriodicTime
	for e := vcpu.list.Front(); e != nil; e = e.Next() {
		pt := e.Value.(*PeriodicTime)
		if pt.pendingIntrNr <= 0 || !pt.irqIssued || pt.Source != acked.Source {
			continue
		}
		line := vcpu.lineFor(pt.Source)
		if line == nil || line.Vector(pt.IRQ) != acked.Vector {
			continue
		}
		match = pt
		break
	}

	if match == nil {
		vcpu.mu.Unlock()
		return
	}

	match.doNotFreeze = false
	match.irqIssued = false

	if match.oneShot {
		if match.onList && match.elem != nil {
			vcpu.list.Remove(match.elem)
			match.elem = nil
		}
		match.onList = false
		vcpu.Metrics.ObserveAck(match)
		vcpu.mu.Unlock()
		finishAck(vcpu, match)
		return
	}

	if vcpu.Mode == OneMissedTickPending {
		match.lastPltGTime = vcpu.guestNow()
		match.pendingIntrNr = 0
	} else {
		match.lastPltGTime += match.periodCycles
		match.pendingIntrNr--
	}

	if vcpu.Mode == DelayForMissedTicks && vcpu.Guest != nil {
		if vcpu.Guest.Get() < match.lastPltGTime {
			vcpu.Guest.Set(match.lastPltGTime)
		}
	}

	vcpu.Metrics.ObserveAck(match)
	vcpu.mu.Unlock()
	finishAck(vcpu, match)
}

// finishAck invokes the optional callback outside tm_lock, avoiding a
// lock-order inversion with the device model that registered it.
func finishAck(vcpu *VCPU, pt *PeriodicTime) {
	cb := pt.CB
	priv := pt.Priv
	if cb != nil {
		cb(vcpu, priv)
	}
}
