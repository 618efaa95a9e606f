// Package sdmmc provides a polling-mode driver for a memory-mapped SD/SDIO
// host controller.
//
// Design notes:
// • Register access goes through the injected Bus interface; the driver
//   never touches memory directly, so the protocol logic runs unchanged
//   against real hardware or a simulated register file.
// • Single owner, no interrupts: every wait is a busy-poll on RegStatus,
//   bounded by a budget derived from the bus clock where the protocol
//   allows a timeout.
// • Descriptors arrive as 32-bit words, most significant word first; FIFO
//   words additionally need a byte swap per word.
package sdmmc

import (
	"errors"
	"time"

	"periphcode-go/types"
)

var (
	ErrNoCard          = errors.New("no card present")
	ErrSoftwareTimeout = errors.New("poll budget exhausted")
	ErrCrc             = errors.New("response crc failed")
	ErrDataCrcFail     = errors.New("data crc failed")
	ErrRxOverflow      = errors.New("rx fifo overrun")
	ErrTxUnderrun      = errors.New("tx fifo underrun")
	ErrTimeout         = errors.New("card timed out")
	ErrRespCmdMismatch = errors.New("response command index mismatch")
)

// BusWidth is the wired width of the data bus.
type BusWidth uint8

const (
	WidthOne   BusWidth = 0
	WidthFour  BusWidth = 1
	WidthEight BusWidth = 2
)

// ClockFreq is a target bus frequency expressed as the controller's clock
// divisor code.
type ClockFreq uint8

const (
	Freq24MHz  ClockFreq = 0
	Freq16MHz  ClockFreq = 1
	Freq12MHz  ClockFreq = 2
	Freq8MHz   ClockFreq = 8
	Freq4MHz   ClockFreq = 10
	Freq1MHz   ClockFreq = 46
	Freq400KHz ClockFreq = 118
)

type direction uint8

const (
	dirHostToCard direction = 0
	dirCardToHost direction = 1
)

// ACMD41 voltage window bit (3.2-3.3V) and retry budget.
const (
	voltageWindow   = 1 << 5
	opCondBudget    = 0xFFFF
	ifCondPattern   = 0xAA
	ifCondVoltage   = 1 // 2.7-3.6V
)

// Config carries the construction-time wiring facts.
type Config struct {
	// Width is the wired bus capability, fixed by pin selection.
	Width BusWidth
	// Delay, when set, replaces time.Sleep for settle waits.
	Delay func(time.Duration)
}

// Device is the host controller driver. It owns its register block; only
// one Device per controller instance may exist.
type Device struct {
	bus   Bus
	clock types.Hertz
	width BusWidth
	card  *Card
	delay func(time.Duration)
}

// New consumes the controller's register bus, enables and resets the
// peripheral, and programs the identification-mode clock (400 kHz, 1-bit,
// rising edge, clock disabled). The card is left powered off.
func New(bus Bus, cc ClockController, clocks types.Clocks, cfg Config) *Device {
	cc.EnablePeripheral()
	cc.ResetPeripheral()

	d := &Device{
		bus:   bus,
		clock: clocks.SysClk,
		width: cfg.Width,
		delay: cfg.Delay,
	}
	if d.delay == nil {
		d.delay = time.Sleep
	}

	// Clock must be <= 400 kHz while in identification mode.
	d.modify(RegClkCtl,
		uint32(Freq400KHz),
		ClkDivMask|ClkEnable|ClkPowerSave|ClkBypass|ClkWidthMask|ClkNegEdge|ClkHwFlowCtl)

	d.PowerCard(false)
	return d
}

// Card returns the current session's card record, or ErrNoCard when no
// initialization has completed.
func (d *Device) Card() (*Card, error) {
	if d.card == nil {
		return nil, ErrNoCard
	}
	return d.card, nil
}

// PowerCard switches card power and waits the 2 ms settle time.
func (d *Device) PowerCard(on bool) {
	ctl := PowerCtlOff
	if on {
		ctl = PowerCtlOn
	}
	d.modify(RegPower, ctl, PowerCtlMask)
	d.delay(2 * time.Millisecond)
}

// Init runs the card identification and initialization sequence, then
// negotiates bus width and clock. On success the card record is
// installed; any failure up through descriptor acquisition leaves no
// card recorded.
func (d *Device) Init(freq ClockFreq) error {
	// A fresh negotiation invalidates everything from the last session.
	d.card = nil

	d.PowerCard(true)
	d.modify(RegClkCtl, ClkEnable, 0)

	if err := d.Cmd(GoIdle()); err != nil {
		return err
	}

	// Version 2 cards echo the check pattern; a card that leaves the
	// command unanswered is a version 1 card, not a failure.
	version := V1
	err := d.Cmd(SendIfCond(ifCondVoltage, ifCondPattern))
	switch {
	case err == nil:
		if CIC(d.response()).Pattern() == ifCondPattern {
			version = V2
		}
	case errors.Is(err, ErrTimeout):
	default:
		return err
	}

	ocr, err := d.negotiateOpCond(version == V2)
	if err != nil {
		return err
	}

	card := Card{Version: version, OCR: ocr}
	if ocr.HighCapacity() {
		card.Capacity = HighCapacity
	}

	if err := d.Cmd(AllSendCID()); err != nil {
		return err
	}
	card.CID = cidFromResponse(d.longResponse())

	if err := d.Cmd(SendRelativeAddress()); err != nil {
		return err
	}
	card.RCA = RCA(d.response())

	if err := d.Cmd(SendCSD(card.RCA.Address())); err != nil {
		return err
	}
	card.CSD = csdFromResponse(d.longResponse())

	if err := d.selectCard(card.RCA.Address()); err != nil {
		return err
	}

	card.SCR, err = d.readSCR(card.RCA.Address())
	if err != nil {
		return err
	}

	// AppCmd addresses this card from now on.
	d.card = &card

	// Wait for the transfer state before reprogramming the bus; slower
	// cards time out otherwise.
	for {
		ready, err := d.CardReady()
		if err != nil {
			return err
		}
		if ready {
			break
		}
	}

	return d.setBus(d.width, freq)
}

// negotiateOpCond loops ACMD41 until the card reports power-up complete.
// The response carries no CRC, so CRC failures are swallowed and retried;
// exhausting the budget is a software timeout.
func (d *Device) negotiateOpCond(highCapacity bool) (OCR, error) {
	for i := 0; i < opCondBudget; i++ {
		err := d.AppCmd(SendOpCond(highCapacity, voltageWindow))
		if err != nil && !errors.Is(err, ErrCrc) {
			return 0, err
		}

		ocr := OCR(d.response())
		if !ocr.Busy() {
			return ocr, nil
		}
	}
	return 0, ErrSoftwareTimeout
}

// selectCard issues CMD7. A card holding the broadcast address 0 may not
// acknowledge its own deselection, so a timeout is success for rca 0.
func (d *Device) selectCard(rca uint16) error {
	err := d.Cmd(SelectCard(rca))
	if errors.Is(err, ErrTimeout) && rca == 0 {
		return nil
	}
	return err
}

// setBus negotiates the data bus width as the minimum of the wired width
// and the card's advertised capability, restricted to the SD-legal one-
// and four-bit modes, then reprograms clock divisor and width together.
func (d *Device) setBus(width BusWidth, freq ClockFreq) error {
	card, err := d.Card()
	if err != nil {
		return err
	}

	if (width == WidthFour || width == WidthEight) && card.SupportsWidebus() {
		width = WidthFour
	} else {
		width = WidthOne
	}

	if err := d.AppCmd(SetBusWidth(width == WidthFour)); err != nil {
		return err
	}

	d.modify(RegClkCtl,
		uint32(freq)|uint32(width)<<ClkWidthShift|ClkEnable,
		ClkDivMask|ClkWidthMask)
	return nil
}

// ReadStatus issues CMD13 to the current card and decodes the R1 word.
func (d *Device) ReadStatus() (CardStatus, error) {
	card, err := d.Card()
	if err != nil {
		return 0, err
	}
	if err := d.Cmd(CardStatusCmd(card.Address())); err != nil {
		return 0, err
	}
	return CardStatus(d.response()), nil
}

// CardReady reports whether the card is back in the transfer state.
func (d *Device) CardReady() (bool, error) {
	status, err := d.ReadStatus()
	if err != nil {
		return false, err
	}
	return status.State() == StateTransfer, nil
}

// ReadSDStatus reads the 512-bit SD Status via ACMD13 over the data lines.
func (d *Device) ReadSDStatus() (SDStatus, error) {
	var st SDStatus
	if _, err := d.Card(); err != nil {
		return st, err
	}
	if err := d.Cmd(SetBlockLength(64)); err != nil {
		return st, err
	}
	d.startDatapathTransfer(64, 6, dirCardToHost)
	if err := d.AppCmd(SDStatusCmd()); err != nil {
		return st, err
	}

outer:
	for i := 0; i < 2; i++ {
		for {
			sta := Status(d.bus.Read(RegStatus))
			if err := datapathError(sta); err != nil {
				return st, err
			}
			if sta.Has(StatBlockEnd) {
				break outer
			}
			if sta.Has(StatRxFifoHalf) {
				for j := 0; j < 8; j++ {
					st[15-i*8-j] = swapBytes(d.bus.Read(RegFifo))
				}
				continue outer
			}
		}
	}
	return st, nil
}

// readSCR drains the 8-byte SCR through the data path. The last received
// word occupies the low half: wire order is most significant word first.
func (d *Device) readSCR(rca uint16) (SCR, error) {
	var scr SCR
	if err := d.Cmd(SetBlockLength(8)); err != nil {
		return scr, err
	}
	if err := d.Cmd(AppCmdPrefix(rca)); err != nil {
		return scr, err
	}
	d.startDatapathTransfer(8, 3, dirCardToHost)
	if err := d.Cmd(SendSCR()); err != nil {
		return scr, err
	}

	for i := len(scr) - 1; i >= 0; i-- {
		for {
			sta := Status(d.bus.Read(RegStatus))
			if err := datapathError(sta); err != nil {
				return scr, err
			}
			if sta.Has(StatBlockEnd) {
				return scr, nil
			}
			if sta.Has(StatRxAvail) {
				scr[i] = swapBytes(d.bus.Read(RegFifo))
				break
			}
		}
	}
	return scr, nil
}

// startDatapathTransfer arms the data state machine for a transfer of
// lengthBytes in blocks of 2^blockSizeExp bytes. blockSizeExp must not
// exceed 14.
func (d *Device) startDatapathTransfer(lengthBytes uint32, blockSizeExp uint8, dir direction) {
	if blockSizeExp > 14 {
		panic("sdmmc: block size exponent above 14")
	}

	// Wait for the command and data state machines to go idle.
	for {
		sta := Status(d.bus.Read(RegStatus))
		if !sta.Has(StatCmdActive) && !sta.Has(StatRxActive) && !sta.Has(StatTxActive) {
			break
		}
	}

	d.bus.Write(RegDTimer, 0xFFFFFFFF)
	d.bus.Write(RegDLen, lengthBytes)

	ctl := uint32(blockSizeExp)<<DataBlockSizeShift | DataEnable
	if dir == dirCardToHost {
		ctl |= DataDirCardToHost
	}
	d.modify(RegDCtl, ctl, DataBlockSizeMask|DataDirCardToHost|DataModeStream|DataEnable)
}

func datapathError(sta Status) error {
	switch {
	case sta.Has(StatRxOverrun):
		return ErrRxOverflow
	case sta.Has(StatTxUnderrun):
		return ErrTxUnderrun
	case sta.Has(StatDataCrcFail):
		return ErrDataCrcFail
	case sta.Has(StatDataTimeout):
		return ErrTimeout
	}
	return nil
}

// AppCmd issues an application command: the CMD55 escape addressed to the
// current card (address 0 before a card is known) followed by cmd itself.
func (d *Device) AppCmd(cmd Command) error {
	var rca uint16
	if d.card != nil {
		rca = d.card.Address()
	}
	if err := d.Cmd(AppCmdPrefix(rca)); err != nil {
		return err
	}
	return d.Cmd(cmd)
}

// Cmd issues a single command and classifies its terminal condition. The
// poll budget corresponds to roughly 5000 ms of bus clock at 1/8 duty.
func (d *Device) Cmd(cmd Command) error {
	for Status(d.bus.Read(RegStatus)).Has(StatCmdActive) {
	}

	// Clear stale flags before we start.
	d.bus.Write(RegIntClr, intClrAll)

	d.bus.Write(RegArg, cmd.Arg)
	d.bus.Write(RegCmd,
		uint32(cmd.Index)&CmdIndexMask|
			uint32(cmd.Resp)<<CmdWaitRespShift|
			CmdEnable)

	budget := 5000 * (uint32(d.clock) / 8 / 1000)
	for i := uint32(0); i < budget; i++ {
		sta := Status(d.bus.Read(RegStatus))
		if sta.Has(StatCmdActive) {
			// Command transfer still in progress.
			continue
		}

		if cmd.Resp == ResponseNone {
			switch {
			case sta.Has(StatCmdTimeout):
				return ErrTimeout
			case sta.Has(StatCmdSent):
				return nil
			}
		} else {
			switch {
			case sta.Has(StatCmdTimeout):
				return ErrTimeout
			case sta.Has(StatCmdCrcFail):
				return ErrCrc
			case sta.Has(StatCmdRespEnd):
				return nil
			}
		}
	}
	return ErrSoftwareTimeout
}

// response returns the first (or only) response word.
func (d *Device) response() uint32 { return d.bus.Read(RegResp1) }

// longResponse returns all four response words, most significant first.
func (d *Device) longResponse() [4]uint32 {
	return [4]uint32{
		d.bus.Read(RegResp1),
		d.bus.Read(RegResp2),
		d.bus.Read(RegResp3),
		d.bus.Read(RegResp4),
	}
}

// modify performs the read-modify-write pattern on one register.
func (d *Device) modify(reg Register, set, clear uint32) {
	v := d.bus.Read(reg)
	d.bus.Write(reg, v&^clear|set)
}
