// Package pwr constants for the power controller's register block.
package pwr

// Register identifies one of the controller's 32-bit control/status words.
type Register uint8

const (
	RegCR1 Register = iota // voltage scaling, low-power run, mode select
	RegCR3                 // wake-up source enables
	RegSCR                 // wake-up/standby flag clear (write 1 to clear)
	RegSR1                 // wake-up/standby flags
)

// Bus is the register access surface of the power controller.
type Bus interface {
	Read(Register) uint32
	Write(Register, uint32)
}

// ClockController exposes the peripheral clock enable primitive consumed
// at construction time.
type ClockController interface {
	EnablePeripheral()
}

// RegCR1 fields.
const (
	cr1ModeMask  uint32 = 0x7 // low-power mode select, bits 2:0
	cr1VosShift         = 9
	cr1VosMask   uint32 = 0x3 << cr1VosShift
	cr1LowPwrRun uint32 = 1 << 14
)

// RegCR3 fields.
const (
	cr3WakePinMask    uint32 = 0x1F // EWUP1..EWUP5
	cr3InternalWakeup uint32 = 1 << 15
)

// RegSCR fields: clear bits for WUF1..5 and the standby flag.
const (
	scrClearWakeFlags uint32 = 0x1F
	scrClearStandby   uint32 = 1 << 8
)
