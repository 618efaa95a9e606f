// Package pwr provides a driver for the CPU power controller: voltage
// range selection, low-power run, and the stop/standby/shutdown modes
// with wake-up source configuration.
//
// Mode entry is two-phase: the mode methods only configure registers and
// return a ModeGuard; the CPU does not sleep until the guard is consumed
// by WaitForInterrupt or WaitForEvent. That keeps "configured a sleep
// mode but never slept" and "slept twice off one configuration" visible
// at the call site.
package pwr

import (
	"errors"

	"periphcode-go/types"
)

var (
	// ErrSysClkTooHighVos rejects the low-power voltage range above 26 MHz.
	ErrSysClkTooHighVos = errors.New("sysclk too high for low-power voltage range")
	// ErrSysClkTooHighLpr rejects low-power run above 2 MHz.
	ErrSysClkTooHighLpr = errors.New("sysclk too high for low-power run")
)

// VosRange selects the dynamic voltage regulator range.
type VosRange uint8

const (
	// HighPerformance: 1.2V, up to 80 MHz.
	HighPerformance VosRange = 0b01
	// LowPower: 1.0V, up to 26 MHz.
	LowPower VosRange = 0b10
)

// Mode is a low-power mode select code.
type Mode uint8

const (
	Stop0Mode    Mode = 0b000
	Stop1Mode    Mode = 0b001
	Stop2Mode    Mode = 0b010
	StandbyMode  Mode = 0b011
	ShutdownMode Mode = 0b100
)

// WakeupSource is the wake-up enable/flag bitmap. The pin bits double as
// the flag bits read back after wake-up.
type WakeupSource uint16

const (
	Wkup1          WakeupSource = 1 << 0
	Wkup2          WakeupSource = 1 << 1
	Wkup3          WakeupSource = 1 << 2
	Wkup4          WakeupSource = 1 << 3
	Wkup5          WakeupSource = 1 << 4
	StandbyFlag    WakeupSource = 1 << 8
	InternalWakeup WakeupSource = 1 << 15
)

func (w WakeupSource) Has(f WakeupSource) bool { return w&f != 0 }

// Core abstracts the CPU-side sleep hooks: deep-sleep arming, the data
// synchronization barrier and the WFI/WFE instructions.
type Core interface {
	SetSleepDeep()
	WaitForInterrupt()
	WaitForEvent()
	SendEvent()
}

// ModeGuard is the capability token returned by mode entry. Exactly one
// of WaitForInterrupt or WaitForEvent consumes it; a consumed guard
// no-ops so a stale reference cannot re-enter the mode.
type ModeGuard struct {
	core  Core
	armed bool
}

// Armed reports whether the guard is still pending consumption.
func (g *ModeGuard) Armed() bool { return g.armed }

// WaitForInterrupt enters the configured mode until an interrupt.
// Must not be called from within a critical section.
func (g *ModeGuard) WaitForInterrupt() {
	if !g.armed {
		return
	}
	g.armed = false
	g.core.WaitForInterrupt()
}

// WaitForEvent enters the configured mode until an event. A set-then-wait
// pair drains a possibly pending event flag first.
func (g *ModeGuard) WaitForEvent() {
	if !g.armed {
		return
	}
	g.armed = false
	g.core.SendEvent()
	g.core.WaitForEvent()
	g.core.WaitForEvent()
}

// Device is the power controller driver.
type Device struct {
	bus  Bus
	core Core
}

// New consumes the controller's register bus and enables its peripheral
// clock.
func New(bus Bus, cc ClockController, core Core) *Device {
	cc.EnablePeripheral()
	return &Device{bus: bus, core: core}
}

// SetPowerRange configures the regulator range, validating the system
// clock against the low-power range limit.
func (d *Device) SetPowerRange(r VosRange, clocks types.Clocks) error {
	if r == LowPower && clocks.SysClk > types.MHz(26) {
		return ErrSysClkTooHighVos
	}
	d.modify(RegCR1, uint32(r)<<cr1VosShift, cr1VosMask)
	return nil
}

// LowPowerRun switches the regulator to low-power run mode.
func (d *Device) LowPowerRun(clocks types.Clocks) error {
	if clocks.SysClk > types.MHz(2) {
		return ErrSysClkTooHighLpr
	}
	d.modify(RegCR1, cr1LowPwrRun, 0)
	return nil
}

// Stop0 configures "Stop 0" mode entry.
func (d *Device) Stop0() *ModeGuard { return d.enterMode(Stop0Mode) }

// Stop1 configures "Stop 1" mode entry.
func (d *Device) Stop1() *ModeGuard { return d.enterMode(Stop1Mode) }

// Stop2 configures "Stop 2" mode entry.
func (d *Device) Stop2() *ModeGuard { return d.enterMode(Stop2Mode) }

// Standby configures standby mode entry with the given wake-up sources.
func (d *Device) Standby(wkup WakeupSource) *ModeGuard {
	return d.enterShutdownOrStandby(StandbyMode, wkup)
}

// Shutdown configures shutdown mode entry with the given wake-up sources.
func (d *Device) Shutdown(wkup WakeupSource) *ModeGuard {
	return d.enterShutdownOrStandby(ShutdownMode, wkup)
}

// WakeupFlags returns the full wake-flags bitmap, including the standby
// flag and the internal wake-up line. Callers pick the bits they need;
// no single "reason" is synthesized when several flags are set.
func (d *Device) WakeupFlags() WakeupSource {
	return WakeupSource(d.bus.Read(RegSR1))
}

// ClearWakeupFlags clears all wake-up flags and the standby flag.
func (d *Device) ClearWakeupFlags() {
	d.bus.Write(RegSCR, scrClearWakeFlags|scrClearStandby)
}

func (d *Device) enterMode(m Mode) *ModeGuard {
	d.modify(RegCR1, uint32(m), cr1ModeMask)
	d.core.SetSleepDeep()
	return &ModeGuard{core: d.core, armed: true}
}

func (d *Device) enterShutdownOrStandby(m Mode, wkup WakeupSource) *ModeGuard {
	d.modify(RegCR3, uint32(wkup)&cr3WakePinMask, cr3WakePinMask)
	if wkup.Has(InternalWakeup) {
		// Applied separately: the pin field write must not disturb the
		// neighbouring pull-up control bits.
		d.modify(RegCR3, cr3InternalWakeup, 0)
	}
	d.ClearWakeupFlags()
	return d.enterMode(m)
}

func (d *Device) modify(reg Register, set, clear uint32) {
	v := d.bus.Read(reg)
	d.bus.Write(reg, v&^clear|set)
}
