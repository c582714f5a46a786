package cpu

// RescheduleIPISender is implemented by the (out-of-scope) LAPIC/IO-APIC
// driver. It is named only through this interface: constructing the actual
// interrupt-controller driver and wiring its reschedule vector is part of
// the ACPI/APIC bring-up work this repository treats as an external
// collaborator.
type RescheduleIPISender interface {
	SendReschedule(cpuID uint32)
}

var ipiSender RescheduleIPISender = noopIPISender{}

type noopIPISender struct{}

func (noopIPISender) SendReschedule(uint32) {}

// SetRescheduleIPISender installs the driver responsible for delivering the
// inter-processor "reschedule" interrupt. Boot code calls this once the
// LAPIC has been calibrated; before that point SendReschedule is a no-op,
// which is safe because a single-CPU boot has no remote run queue to wake.
func SetRescheduleIPISender(s RescheduleIPISender) {
	if s == nil {
		s = noopIPISender{}
	}
	ipiSender = s
}

// SendReschedule raises an inter-processor "reschedule" interrupt on the
// target CPU. kernel/sched.wake calls this after enqueuing a task on a
// remote CPU's run queue so the target observes the new task without
// waiting for its next timer tick.
func SendReschedule(cpuID uint32) {
	ipiSender.SendReschedule(cpuID)
}
