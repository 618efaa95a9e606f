package sdmmc

// Decoders for the fixed-width, bit-packed card descriptors. Multi-word
// descriptors are stored least-significant-word-first, so bit n of the
// wire format is bit n%32 of word n/32.

// field extracts bits [hi:lo] of a descriptor stored LSW-first.
func field(words []uint32, hi, lo uint) uint64 {
	var out uint64
	for bit := lo; bit <= hi; bit++ {
		if words[bit/32]>>(bit%32)&1 != 0 {
			out |= 1 << (bit - lo)
		}
	}
	return out
}

func swapBytes(w uint32) uint32 {
	return w<<24 | (w&0xFF00)<<8 | (w>>8)&0xFF00 | w>>24
}

// CapacityClass is decided once from the negotiated OCR.
type CapacityClass uint8

const (
	StandardCapacity CapacityClass = iota
	HighCapacity
)

func (c CapacityClass) String() string {
	if c == HighCapacity {
		return "sdhc_sdxc"
	}
	return "sdsc"
}

// Version is the card's protocol version classification.
type Version uint8

const (
	V1 Version = iota + 1
	V2
)

// ---------------- OCR ----------------

// OCR is the operating conditions register.
type OCR uint32

// Busy reports that card power-up has not completed yet.
func (o OCR) Busy() bool { return o&(1<<31) == 0 }

// HighCapacity reports the card capacity status (CCS) bit. Only valid
// once Busy is false.
func (o OCR) HighCapacity() bool { return o&(1<<30) != 0 }

// VoltageWindow returns the supported range bits 23:15.
func (o OCR) VoltageWindow() uint16 { return uint16(o >> 15 & 0x1FF) }

// V18Allowed reports that the card accepts 1.8V signaling.
func (o OCR) V18Allowed() bool { return o&(1<<24) != 0 }

// ---------------- CIC ----------------

// CIC is the interface condition echo returned by CMD8.
type CIC uint32

func (c CIC) Pattern() uint8         { return uint8(c) }
func (c CIC) VoltageAccepted() uint8 { return uint8(c >> 8 & 0xF) }

// ---------------- RCA ----------------

// RCA is the published relative card address packed with status bits.
type RCA uint32

func (r RCA) Address() uint16 { return uint16(r >> 16) }
func (r RCA) Status() uint16  { return uint16(r) }

// ---------------- Card status (R1) ----------------

// CurrentState is the card state machine field of the status word.
type CurrentState uint8

const (
	StateIdle CurrentState = iota
	StateReady
	StateIdent
	StateStandby
	StateTransfer
	StateData
	StateReceive
	StateProgramming
	StateDisconnect
)

func (s CurrentState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReady:
		return "ready"
	case StateIdent:
		return "ident"
	case StateStandby:
		return "stby"
	case StateTransfer:
		return "tran"
	case StateData:
		return "data"
	case StateReceive:
		return "rcv"
	case StateProgramming:
		return "prg"
	case StateDisconnect:
		return "dis"
	}
	return "reserved"
}

// CardStatus is the 32-bit R1 status word.
type CardStatus uint32

func (s CardStatus) State() CurrentState { return CurrentState(s >> 9 & 0xF) }
func (s CardStatus) AppCmdEnabled() bool { return s&(1<<5) != 0 }
func (s CardStatus) ReadyForData() bool  { return s&(1<<8) != 0 }
func (s CardStatus) AnyError() bool      { return s&0xFDF9E008 != 0 }

// ---------------- CID ----------------

// CID is the 128-bit card identification register, LSW-first.
type CID [4]uint32

// cidFromResponse assembles a CID from the four response words,
// most-significant-word first.
func cidFromResponse(r [4]uint32) CID {
	return CID{r[3], r[2], r[1], r[0]}
}

func (c CID) ManufacturerID() uint8 { return uint8(field(c[:], 127, 120)) }

// OEMID returns the two-character OEM/application identifier.
func (c CID) OEMID() string {
	v := field(c[:], 119, 104)
	return string([]byte{byte(v >> 8), byte(v)})
}

// ProductName returns the five-character product name.
func (c CID) ProductName() string {
	v := field(c[:], 103, 64)
	b := make([]byte, 5)
	for i := range b {
		b[i] = byte(v >> (32 - 8*i))
	}
	return string(b)
}

// Revision returns the product revision as (major, minor) BCD digits.
func (c CID) Revision() (major, minor uint8) {
	v := uint8(field(c[:], 63, 56))
	return v >> 4, v & 0xF
}

func (c CID) SerialNumber() uint32 { return uint32(field(c[:], 55, 24)) }

// ManufactureDate returns the manufacture year and month.
func (c CID) ManufactureDate() (year uint16, month uint8) {
	v := field(c[:], 19, 8)
	return 2000 + uint16(v>>4), uint8(v & 0xF)
}

// ---------------- CSD ----------------

// CSD is the 128-bit card-specific data register, LSW-first.
type CSD [4]uint32

func csdFromResponse(r [4]uint32) CSD {
	return CSD{r[3], r[2], r[1], r[0]}
}

// Version returns the CSD structure version: 1 or 2.
func (c CSD) Version() uint8 { return uint8(field(c[:], 127, 126)) + 1 }

// BlockCount returns the user capacity in 512-byte blocks.
func (c CSD) BlockCount() uint64 {
	if c.Version() == 2 {
		// (C_SIZE+1) * 512 KiB
		return (field(c[:], 69, 48) + 1) << 10
	}
	blocks := (field(c[:], 73, 62) + 1) << (field(c[:], 49, 47) + 2)
	return blocks << field(c[:], 83, 80) >> 9
}

// CapacityBytes returns the user capacity in bytes.
func (c CSD) CapacityBytes() uint64 { return c.BlockCount() * 512 }

// ---------------- SCR ----------------

// SCR is the 64-bit SD configuration register, LSW-first.
type SCR [2]uint32

func (s SCR) bits(hi, lo uint) uint64 { return field(s[:], hi, lo) }

// Structure returns the SCR structure version field.
func (s SCR) Structure() uint8 { return uint8(s.bits(63, 60)) }

// SDSpec returns the physical layer specification version field.
func (s SCR) SDSpec() uint8 { return uint8(s.bits(59, 56)) }

// BusWidthFour reports 4-bit bus support (DAT0-3).
func (s SCR) BusWidthFour() bool { return s.bits(50, 50) != 0 }

// BusWidthOne reports 1-bit bus support (DAT0); always set on SD cards.
func (s SCR) BusWidthOne() bool { return s.bits(48, 48) != 0 }

// ---------------- SD Status ----------------

// SDStatus is the 512-bit SD status block, LSW-first.
type SDStatus [16]uint32

// BusWidth returns the currently configured card bus width in bits, or 0
// when the field is reserved.
func (s SDStatus) BusWidth() uint8 {
	switch field(s[:], 511, 510) {
	case 0:
		return 1
	case 2:
		return 4
	}
	return 0
}

func (s SDStatus) SecuredMode() bool         { return field(s[:], 509, 509) != 0 }
func (s SDStatus) CardType() uint16          { return uint16(field(s[:], 479, 464)) }
func (s SDStatus) ProtectedAreaSize() uint32 { return uint32(field(s[:], 463, 432)) }

// SpeedClass returns the class value: 0, 2, 4, 6 or 10.
func (s SDStatus) SpeedClass() uint8 {
	v := uint8(field(s[:], 431, 424))
	if v == 4 {
		return 10
	}
	return v * 2
}

// AllocationUnitSize returns the AU size in bytes, or 0 when undefined.
func (s SDStatus) AllocationUnitSize() uint32 {
	v := field(s[:], 415, 412)
	if v == 0 {
		return 0
	}
	return 8192 << v
}

func (s SDStatus) EraseSize() uint16    { return uint16(field(s[:], 407, 392)) }
func (s SDStatus) EraseTimeout() uint8  { return uint8(field(s[:], 391, 386)) }
func (s SDStatus) EraseOffset() uint8   { return uint8(field(s[:], 385, 384)) }

// ---------------- Card facade ----------------

// Card aggregates the descriptors negotiated by Init. It only exists for
// the lifetime of the current session; re-initialization or removal
// invalidates it wholesale.
type Card struct {
	Capacity CapacityClass
	Version  Version
	OCR      OCR
	CID      CID
	RCA      RCA
	CSD      CSD
	SCR      SCR
}

// Address returns the card's relative address.
func (c *Card) Address() uint16 { return c.RCA.Address() }

// SupportsWidebus reports 4-bit bus capability from the SCR.
func (c *Card) SupportsWidebus() bool { return c.SCR.BusWidthFour() }
