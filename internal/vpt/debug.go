package vpt

import (
	"time"

	"github.com/tinyrange/vpt/internal/debug"
)

func debugClamp(requested time.Duration) {
	debug.Writef("vpt.create", "period %s below minimum, clamped to %s", requested, minPeriod)
}

func debugMigrate(vcpuID, newPCPU int) {
	debug.Writef("vpt.migrate", "vcpu=%d pcpu=%d", vcpuID, newPCPU)
}

func debugMigrateTimer(vcpuID, newPCPU int, irq uint8) {
	debug.Writef("vpt.migrate", "vcpu=%d pcpu=%d irq=%d rebound", vcpuID, newPCPU, irq)
}
