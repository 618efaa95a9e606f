// Package simcard is a scripted register-file model of an SD host
// controller with one card slot. It implements the sdmmc register bus by
// decoding command-register writes and producing the response words,
// status flags and FIFO streams of the card identification and status
// protocol, with hooks to inject the protocol's failure modes.
package simcard

import (
	"periphcode-go/drivers/sdmmc"
)

// Card models the card inserted in the slot.
type Card struct {
	RCA          uint16
	HighCapacity bool

	CID [4]uint32 // response word order, most significant first
	CSD [4]uint32 // response word order, most significant first
	SCR [2]uint32 // value words, least significant first
	SD  [16]uint32 // SD Status value words, least significant first

	// Fault/behavior injection.
	BusyPolls     int  // ACMD41 responses reporting power-up busy
	CrcFailures   int  // ACMD41 responses flagged as CRC failures first
	NotReadyPolls int  // CMD13 polls reporting programming state first
	NoIfCond      bool // version 1 card: CMD8 goes unanswered
	SelectMute    bool // CMD7 always goes unanswered
}

// DefaultCard returns a 4 GB high-capacity card advertising 4-bit bus
// support, with plausible descriptor contents.
func DefaultCard() *Card {
	return &Card{
		RCA:          0x0001,
		HighCapacity: true,
		CID: [4]uint32{
			// MID 0x03, OID "SD", PNM "SIM4G", rev 1.0
			0x03534453, 0x494D3447, 0x10DEAD01, 0x00014500,
		},
		CSD: [4]uint32{
			// CSD v2, C_SIZE 8191 -> (8191+1)*512 KiB = 4 GiB
			0x400E0032, 0x5B590000, 0x1FFF7F80, 0x0A400000,
		},
		SCR: [2]uint32{
			// SD_BUS_WIDTHS = 0b0101 (1-bit and 4-bit), SD_SPEC 2
			0x00000000, 0x02350000,
		},
		SD: [16]uint32{
			// DAT_BUS_WIDTH 4-bit, speed class 4, AU 4 MiB
			15: 0x80000000, 13: 0x00000200, 12: 0x90000000,
		},
	}
}

const (
	stateIdle = iota
	stateIdent
	stateStandby
	stateTransfer
	stateProgramming
)

// Host is the simulated register block. It satisfies both register-bus
// roles the driver consumes, so one value wires a whole controller.
type Host struct {
	card *Card

	regs     [16]uint32
	sta      sdmmc.Status
	resp     [4]uint32
	fifo     []uint32
	state    int
	appArmed bool
	dataArm  bool
	wideBus  bool

	writes int
}

var _ sdmmc.Bus = (*Host)(nil)
var _ sdmmc.ClockController = (*Host)(nil)

// New returns a host with card in the slot; card may be nil for an empty
// slot.
func New(card *Card) *Host {
	return &Host{card: card}
}

// Insert puts a card in the slot. Replaces any present card.
func (h *Host) Insert(card *Card) { h.card = card }

// Remove empties the slot.
func (h *Host) Remove() { h.card = nil }

func (h *Host) EnablePeripheral() {}
func (h *Host) ResetPeripheral()  { h.regs = [16]uint32{} }

// Writes returns the number of register writes seen so far.
func (h *Host) Writes() int { return h.writes }

// Powered reports the card power rail state.
func (h *Host) Powered() bool {
	return h.regs[sdmmc.RegPower]&sdmmc.PowerCtlMask == sdmmc.PowerCtlOn
}

// ClockDiv returns the programmed clock divisor code.
func (h *Host) ClockDiv() uint8 {
	return uint8(h.regs[sdmmc.RegClkCtl] & sdmmc.ClkDivMask)
}

// BusWidthBits returns the programmed host bus width in data lines.
func (h *Host) BusWidthBits() int {
	switch h.regs[sdmmc.RegClkCtl] & sdmmc.ClkWidthMask >> sdmmc.ClkWidthShift {
	case 1:
		return 4
	case 2:
		return 8
	}
	return 1
}

// CardWideBus reports whether the card accepted a 4-bit bus switch.
func (h *Host) CardWideBus() bool { return h.wideBus }

func (h *Host) Read(reg sdmmc.Register) uint32 {
	switch reg {
	case sdmmc.RegStatus:
		sta := h.sta
		if len(h.fifo) > 0 {
			sta |= sdmmc.StatRxAvail
		}
		if len(h.fifo) >= 8 {
			sta |= sdmmc.StatRxFifoHalf
		}
		return uint32(sta)
	case sdmmc.RegResp1:
		return h.resp[0]
	case sdmmc.RegResp2:
		return h.resp[1]
	case sdmmc.RegResp3:
		return h.resp[2]
	case sdmmc.RegResp4:
		return h.resp[3]
	case sdmmc.RegFifo:
		if len(h.fifo) == 0 {
			return 0
		}
		w := h.fifo[0]
		h.fifo = h.fifo[1:]
		if len(h.fifo) == 0 {
			h.sta |= sdmmc.StatBlockEnd
		}
		return w
	}
	return h.regs[reg]
}

func (h *Host) Write(reg sdmmc.Register, v uint32) {
	h.writes++
	h.regs[reg] = v

	switch reg {
	case sdmmc.RegIntClr:
		h.sta &^= sdmmc.Status(v)
	case sdmmc.RegDCtl:
		if v&sdmmc.DataEnable != 0 && v&sdmmc.DataDirCardToHost != 0 {
			h.dataArm = true
		}
	case sdmmc.RegCmd:
		if v&sdmmc.CmdEnable != 0 {
			h.exec(uint8(v&sdmmc.CmdIndexMask), v&sdmmc.CmdWaitRespMask != 0)
		}
	}
}

func (h *Host) exec(index uint8, wantsResp bool) {
	app := h.appArmed
	h.appArmed = false

	if h.card == nil {
		// Nobody answers. A command with no expected response still
		// completes on the host side.
		if wantsResp {
			h.sta |= sdmmc.StatCmdTimeout
		} else {
			h.sta |= sdmmc.StatCmdSent
		}
		return
	}

	arg := h.regs[sdmmc.RegArg]

	if app {
		h.execApp(index, arg)
		return
	}

	switch index {
	case 0:
		h.state = stateIdle
		h.sta |= sdmmc.StatCmdSent

	case 8:
		if h.card.NoIfCond {
			h.sta |= sdmmc.StatCmdTimeout
			return
		}
		h.resp[0] = arg & 0xFFF // echo voltage and check pattern
		h.sta |= sdmmc.StatCmdRespEnd

	case 2:
		h.state = stateIdent
		h.resp = h.card.CID
		h.sta |= sdmmc.StatCmdRespEnd

	case 3:
		h.state = stateStandby
		h.resp[0] = uint32(h.card.RCA)<<16 | 0x0500
		h.sta |= sdmmc.StatCmdRespEnd

	case 9:
		h.resp = h.card.CSD
		h.sta |= sdmmc.StatCmdRespEnd

	case 7:
		if uint16(arg>>16) == h.card.RCA && h.card.RCA != 0 && !h.card.SelectMute {
			h.state = stateTransfer
			h.respondR1()
			return
		}
		// Deselection (or a wrong address) goes unacknowledged.
		h.sta |= sdmmc.StatCmdTimeout

	case 13:
		if h.card.NotReadyPolls > 0 {
			h.card.NotReadyPolls--
			h.respondR1State(stateProgramming)
			return
		}
		h.respondR1()

	case 16:
		h.respondR1()

	case 55:
		h.appArmed = true
		h.respondR1()

	default:
		h.respondR1()
	}
}

func (h *Host) execApp(index uint8, arg uint32) {
	switch index {
	case 41:
		ocr := uint32(voltageBits)
		if h.card.HighCapacity {
			ocr |= 1 << 30
		}
		switch {
		case h.card.CrcFailures > 0:
			h.card.CrcFailures--
			h.resp[0] = ocr // still busy, and the response CRC is bad
			h.sta |= sdmmc.StatCmdCrcFail
		case h.card.BusyPolls > 0:
			h.card.BusyPolls--
			h.resp[0] = ocr // power-up not complete: bit 31 clear
			h.sta |= sdmmc.StatCmdRespEnd
		default:
			h.resp[0] = ocr | 1<<31
			h.sta |= sdmmc.StatCmdRespEnd
		}

	case 6:
		h.wideBus = arg&0x3 == 2
		h.respondR1()

	case 51:
		h.loadFifo(h.card.SCR[:])
		h.respondR1()

	case 13:
		h.loadFifo(h.card.SD[:])
		h.respondR1()

	default:
		h.respondR1()
	}
}

// loadFifo queues a descriptor for the data path: most significant value
// word first, each word byte-swapped onto the wire.
func (h *Host) loadFifo(words []uint32) {
	if !h.dataArm {
		return
	}
	h.dataArm = false
	for i := len(words) - 1; i >= 0; i-- {
		h.fifo = append(h.fifo, swapBytes(words[i]))
	}
}

const voltageBits = 0x00FF8000 // full 2.7-3.6V window

func (h *Host) respondR1() { h.respondR1State(h.state) }

func (h *Host) respondR1State(state int) {
	var cur uint32
	switch state {
	case stateIdent:
		cur = 2
	case stateStandby:
		cur = 3
	case stateTransfer:
		cur = 4
	case stateProgramming:
		cur = 7
	}
	h.resp[0] = cur<<9 | 1<<8
	if h.appArmed {
		h.resp[0] |= 1 << 5
	}
	h.sta |= sdmmc.StatCmdRespEnd
}

func swapBytes(w uint32) uint32 {
	return w<<24 | (w&0xFF00)<<8 | (w>>8)&0xFF00 | w>>24
}
