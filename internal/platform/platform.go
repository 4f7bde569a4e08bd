// Package platform assembles the emulated ISA interrupt controllers, the
// legacy PIT and CMOS/RTC timer sources, and a virtual platform timer core
// VCPU into one buildable unit. It is the composition root that the rest
// of this tree's packages exist to be wired into: nothing here carries
// logic of its own beyond routing port I/O and connecting the pieces.
package platform

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinyrange/vpt/internal/devices/amd64/chipset"
	"github.com/tinyrange/vpt/internal/hvtime"
	"github.com/tinyrange/vpt/internal/isabus"
	"github.com/tinyrange/vpt/internal/vlapic"
	"github.com/tinyrange/vpt/internal/vpt"
)

// Legacy ISA IRQ lines for the PIT (channel 0, cascaded to the guest as
// the system timer interrupt) and the CMOS/RTC periodic interrupt.
const (
	PITIRQ  uint8 = 0
	CMOSIRQ uint8 = 8
)

// ISATimers bundles the emulated 8259 pair, I/O APIC, PIT, CMOS/RTC and the
// virtual platform timer core VCPU backing their periodic interrupt
// sources, plus a minimal port-I/O router so a caller with no hypervisor
// backend of its own can still exercise the full stack.
type ISATimers struct {
	PIC    *chipset.DualPIC
	IOAPIC *chipset.IOAPIC
	PIT    *chipset.PIT
	CMOS   *chipset.CMOS
	VCPU   *vpt.VCPU
	Vector *vlapic.TimerLine

	ports map[uint16]x86IOPortDevice
}

// x86IOPortDevice is satisfied by every device registered with Dispatch.
// It mirrors hv.X86IOPortDevice locally so this package does not need to
// import hv just to name the shape of its own router map.
type x86IOPortDevice interface {
	IOPorts() []uint16
	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}

// Option customises Build.
type Option func(*buildConfig)

type buildConfig struct {
	mode     vpt.TickMode
	guestKHz uint64
	metrics  prometheus.Registerer
	ioapic   bool
	clock    hvtime.Clock
	factory  hvtime.Factory
	guest    vpt.GuestClock
}

// WithClock overrides the host clock backing the platform's VCPU, for
// tests that need deterministic guest time.
func WithClock(c hvtime.Clock) Option {
	return func(cfg *buildConfig) { cfg.clock = c }
}

// WithTimerFactory overrides the host timer factory backing the
// platform's VCPU, for tests that need to fire timers without waiting on
// the wall clock.
func WithTimerFactory(f hvtime.Factory) Option {
	return func(cfg *buildConfig) { cfg.factory = f }
}

// WithGuestClock overrides the guest-visible clock delay_for_missed_ticks
// freezes and thaws across a deschedule. Build defaults to a
// hvtime.ScaledGuestClock driven by the same host clock and GuestKHz as
// the rest of the platform when this is left unset.
func WithGuestClock(g vpt.GuestClock) Option {
	return func(cfg *buildConfig) { cfg.guest = g }
}

// WithTickMode selects the tick-accounting mode for the platform's VCPU.
func WithTickMode(m vpt.TickMode) Option {
	return func(c *buildConfig) { c.mode = m }
}

// WithGuestKHz sets the guest TSC-equivalent rate used to convert wall
// time into guest cycles.
func WithGuestKHz(khz uint64) Option {
	return func(c *buildConfig) { c.guestKHz = khz }
}

// WithMetrics registers the VCPU's periodic-timer metrics against reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *buildConfig) { c.metrics = reg }
}

// WithIOAPIC adds an I/O APIC alongside the 8259 pair, matching the
// PIC/IOAPIC dual-route wiring isabus.Adapter supports.
func WithIOAPIC() Option {
	return func(c *buildConfig) { c.ioapic = true }
}

// Build assembles a complete ISA timer platform: PIC (and, if requested,
// I/O APIC) feeding an isabus.Adapter, a vLAPIC timer line, and a VCPU
// whose PIT channel-0 rate generator and CMOS periodic interrupt are both
// routed through the virtual platform timer core.
func Build(opts ...Option) *ISATimers {
	cfg := buildConfig{mode: vpt.NoDelay, guestKHz: 1000}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.clock == nil {
		cfg.clock = hvtime.NewSystemClock()
	}
	if cfg.factory == nil {
		cfg.factory = hvtime.NewSystemFactory()
	}
	if cfg.guest == nil {
		cfg.guest = hvtime.NewScaledGuestClock(cfg.clock, cfg.guestKHz)
	}

	pic := chipset.NewDualPIC()

	var ioapic *chipset.IOAPIC
	if cfg.ioapic {
		ioapic = chipset.NewIOAPIC(24)
	}

	adapter := isabus.NewAdapter(pic, ioapic, nil)
	timerLine := vlapic.NewTimerLine(nil)

	vcpuOpts := []vpt.VCPUOption{
		vpt.WithClock(cfg.clock),
		vpt.WithTimerFactory(cfg.factory),
		vpt.WithKicker(vpt.InlineKicker{}),
		vpt.WithISALine(adapter),
		vpt.WithLAPICLine(timerLine),
		vpt.WithTickMode(cfg.mode),
		vpt.WithGuestKHz(cfg.guestKHz),
		vpt.WithGuestClock(cfg.guest),
	}
	if cfg.metrics != nil {
		vcpuOpts = append(vcpuOpts, vpt.WithMetrics(vpt.NewMetrics(cfg.metrics)))
	}
	vcpu := vpt.NewVCPU(0, vcpuOpts...)

	pit := chipset.NewPIT(pic, chipset.WithPITPeriodicCore(vcpu))
	cmos := chipset.NewCMOS(pic, chipset.WithCMOSIRQLine(CMOSIRQ), chipset.WithCMOSPeriodicCore(vcpu))

	t := &ISATimers{
		PIC:    pic,
		IOAPIC: ioapic,
		PIT:    pit,
		CMOS:   cmos,
		VCPU:   vcpu,
		Vector: timerLine,
		ports:  make(map[uint16]x86IOPortDevice),
	}
	t.registerPorts(pic)
	t.registerPorts(pit)
	t.registerPorts(cmos)
	return t
}

func (t *ISATimers) registerPorts(dev x86IOPortDevice) {
	for _, port := range dev.IOPorts() {
		t.ports[port] = dev
	}
}

// Dispatch routes a guest I/O port access to the PIC, PIT or CMOS, whichever
// claimed the port. It stands in for the full chipset dispatch table a
// real hypervisor backend would own.
func (t *ISATimers) Dispatch(port uint16, data []byte, isWrite bool) error {
	dev, ok := t.ports[port]
	if !ok {
		return fmt.Errorf("platform: no device registered for port 0x%04x", port)
	}
	if isWrite {
		return dev.WriteIOPort(port, data)
	}
	return dev.ReadIOPort(port, data)
}
