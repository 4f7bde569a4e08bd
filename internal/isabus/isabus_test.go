package isabus

import (
	"testing"

	"github.com/tinyrange/vpt/internal/devices/amd64/chipset"
)

func TestAdapterPICOnlyVectorAndMask(t *testing.T) {
	pic := chipset.NewDualPIC()
	a := NewAdapter(pic, nil, nil)

	if a.Masked(0) {
		t.Fatalf("expected IRQ0 unmasked by default")
	}
	if v := a.Vector(0); v != pic.VectorFor(0) {
		t.Fatalf("vector = 0x%02x, want pic vector 0x%02x", v, pic.VectorFor(0))
	}

	var seen []bool
	pic.SetReadySink(chipset.ReadySinkFunc(func(level bool) {
		seen = append(seen, level)
	}))

	a.Assert(0)

	var sawHigh bool
	for _, level := range seen {
		if level {
			sawHigh = true
		}
	}
	if !sawHigh {
		t.Fatalf("expected Assert to raise the PIC's INT output, got levels %v", seen)
	}
}

func TestAdapterMaskedOnlyWhenBothRoutesClosed(t *testing.T) {
	pic := chipset.NewDualPIC()
	ioapic := chipset.NewIOAPIC(24)
	a := NewAdapter(pic, ioapic, nil)

	// The PIC defaults to unmasked and the I/O APIC to masked: one open
	// route is enough.
	if a.Masked(0) {
		t.Fatalf("expected unmasked while the PIC route is open")
	}

	// Masking IRQ0 in the PIC's IMR closes the last open route.
	if err := pic.WriteIOPort(0x21, []byte{0x01}); err != nil {
		t.Fatalf("write pic imr: %v", err)
	}
	if !a.Masked(0) {
		t.Fatalf("expected masked when both routes are closed")
	}
}

func TestIdentityGSI(t *testing.T) {
	for irq := uint8(0); irq < 16; irq++ {
		if got := IdentityGSI(irq); got != uint32(irq) {
			t.Fatalf("IdentityGSI(%d) = %d, want %d", irq, got, irq)
		}
	}
}
