package vpt

// SaveTimer freezes vcpu's timers before it stops running on a physical
// CPU. It is a no-op if the vCPU is marked Blocked: a blocked vCPU's host
// timers keep running so that a later vcpu_kick can still wake it (see the
// open question recorded in the design notes).
func SaveTimer(vcpu *VCPU) {
	if vcpu.Blocked {
		return
	}

	vcpu.mu.Lock()
	defer vcpu.mu.Unlock()

	for e := vcpu.list.Front(); e != nil; e = e.Next() {
		pt := e.Value.(*PeriodicTime)
		if pt.doNotFreeze {
			continue
		}
		if pt.timer != nil {
			pt.timer.Stop()
		}
	}

	if vcpu.Mode == DelayForMissedTicks {
		vcpu.guestTimeSlot = vcpu.guestNow()
	}
}

// RestoreTimer thaws vcpu's timers before it resumes running. For each
// record it processes missed ticks and rearms the host timer, then, under
// delay_for_missed_ticks, sets the guest-time offset so the guest sees
// exactly the time it saw at the last Save (the interval off-CPU is made
// invisible).
func RestoreTimer(vcpu *VCPU) {
	vcpu.mu.Lock()
	defer vcpu.mu.Unlock()

	now := vcpu.Clock.Now()
	for e := vcpu.list.Front(); e != nil; e = e.Next() {
		pt := e.Value.(*PeriodicTime)
		processMissedTicks(vcpu, pt, now)
		if pt.timer != nil {
			pt.timer.Reset(pt.scheduled - now)
		}
	}

	if vcpu.Mode == DelayForMissedTicks && vcpu.guestTimeSlot != 0 {
		if vcpu.Guest != nil {
			vcpu.Guest.Set(vcpu.guestTimeSlot)
		}
		vcpu.guestTimeSlot = 0
	}
}
