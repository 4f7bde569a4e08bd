// Package isabus adapts the emulated 8259 pair and I/O APIC into the
// virtual platform timer core's LineSource contract for ISA-sourced
// timers (the PIT and the CMOS/RTC periodic interrupt).
package isabus

import (
	genchipset "github.com/tinyrange/vpt/internal/chipset"
	"github.com/tinyrange/vpt/internal/devices/amd64/chipset"
)

// GSIMapper resolves the GSI an ISA IRQ routes to. The identity mapping
// (IRQ n -> GSI n) is the conventional default for IRQ 0-15 absent an
// MP/ACPI override table, which is out of scope for this module.
type GSIMapper func(isaIRQ uint8) uint32

// IdentityGSI is the default GSIMapper.
func IdentityGSI(isaIRQ uint8) uint32 { return uint32(isaIRQ) }

// Adapter wires chipset.DualPIC and chipset.IOAPIC behind a single
// vpt.LineSource. An ISA interrupt can reach the guest via either
// controller; it is masked only when both routes are closed, and its
// resolved vector is whichever route is currently open (the PIC taking
// priority when both are, matching the legacy PIC-then-IOAPIC cascade
// order).
type Adapter struct {
	pic    *chipset.DualPIC
	ioapic *chipset.IOAPIC
	gsi    GSIMapper
	lines  *genchipset.LineSet
}

// dualSink fans an ISA IRQ out to whichever of the PIC and I/O APIC are
// wired, translating to the I/O APIC's GSI space via gsi.
type dualSink struct {
	pic    *chipset.DualPIC
	ioapic *chipset.IOAPIC
	gsi    GSIMapper
}

func (d dualSink) SetIRQ(isaIRQ uint8, level bool) {
	if d.pic != nil {
		d.pic.SetIRQ(isaIRQ, level)
	}
	if d.ioapic != nil {
		d.ioapic.SetIRQ(d.gsi(isaIRQ), level)
	}
}

// NewAdapter builds an Adapter. ioapic may be nil if the platform has no
// I/O APIC wired up, in which case only the PIC path is consulted. The ISA
// IRQ fan-out and EOI bookkeeping is delegated to a genchipset.LineSet so
// shared-line level tracking lives in one place instead of being
// duplicated per adapter.
func NewAdapter(pic *chipset.DualPIC, ioapic *chipset.IOAPIC, gsi GSIMapper) *Adapter {
	if gsi == nil {
		gsi = IdentityGSI
	}
	lines := genchipset.NewLineSet(dualSink{pic: pic, ioapic: ioapic, gsi: gsi})
	if ioapic != nil {
		lines.AttachEOITarget(ioapic)
	}
	return &Adapter{pic: pic, ioapic: ioapic, gsi: gsi, lines: lines}
}

// Masked implements vpt.LineSource.
func (a *Adapter) Masked(isaIRQ uint8) bool {
	picMasked := a.pic == nil || a.pic.IRQMasked(isaIRQ)
	ioapicMasked := a.ioapic == nil || a.ioapic.Masked(a.gsi(isaIRQ))
	return picMasked && ioapicMasked
}

// Vector implements vpt.LineSource.
func (a *Adapter) Vector(isaIRQ uint8) uint8 {
	if a.pic != nil && !a.pic.IRQMasked(isaIRQ) {
		return a.pic.VectorFor(isaIRQ)
	}
	if a.ioapic != nil {
		return a.ioapic.VectorFor(a.gsi(isaIRQ))
	}
	if a.pic != nil {
		return a.pic.VectorFor(isaIRQ)
	}
	return 0
}

// Assert implements vpt.LineSource: deassert-then-assert the ISA IRQ on
// whichever controllers are wired, since the emulated 8259 and I/O APIC
// are level-sensitive at this interface and a back-to-back assertion
// without an intervening deassert would be collapsed. Routed through the
// LineSet so the deassert is skipped when the line was already low.
func (a *Adapter) Assert(isaIRQ uint8) {
	line := a.lines.AllocateLine(isaIRQ)
	line.SetLevel(false)
	line.SetLevel(true)
}
