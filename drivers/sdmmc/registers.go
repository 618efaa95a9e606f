// Package sdmmc constants for the host controller's register block and
// its control/status bitfields.
package sdmmc

// Register identifies one of the controller's 32-bit control/status words.
// The concrete address decode lives behind the Bus interface.
type Register uint8

const (
	RegPower   Register = iota // card power control
	RegClkCtl                  // clock divisor, bus width, clock enable
	RegArg                     // 32-bit command argument
	RegCmd                     // command index, response length, CPSM enable
	RegResp1                   // response word 1 (most significant)
	RegResp2                   // response word 2
	RegResp3                   // response word 3
	RegResp4                   // response word 4 (least significant)
	RegDTimer                  // data path timeout, in bus clocks
	RegDLen                    // total transfer length, bytes
	RegDCtl                    // block size, direction, data path enable
	RegStatus                  // static status flags
	RegIntClr                  // interrupt/status clear
	RegFifo                    // data FIFO window
)

// Bus is the register access surface of one host controller instance.
// Every access is a full 32-bit read or write; the driver performs its own
// read-modify-write where a field update is needed.
type Bus interface {
	Read(Register) uint32
	Write(Register, uint32)
}

// ClockController exposes the two reset-and-clock primitives consumed at
// construction time.
type ClockController interface {
	EnablePeripheral()
	ResetPeripheral()
}

// Status is the controller status word (RegStatus).
type Status uint32

const (
	StatCmdCrcFail  Status = 1 << 0 // response CRC check failed
	StatDataCrcFail Status = 1 << 1 // data block CRC check failed
	StatCmdTimeout  Status = 1 << 2 // hardware response timeout
	StatDataTimeout Status = 1 << 3 // hardware data timeout
	StatTxUnderrun  Status = 1 << 4
	StatRxOverrun   Status = 1 << 5
	StatCmdRespEnd  Status = 1 << 6 // response received, CRC ok
	StatCmdSent     Status = 1 << 7 // command sent, no response expected
	StatDataEnd     Status = 1 << 8
	StatBlockEnd    Status = 1 << 10 // block transfer complete
	StatCmdActive   Status = 1 << 11
	StatTxActive    Status = 1 << 12
	StatRxActive    Status = 1 << 13
	StatRxFifoHalf  Status = 1 << 15 // at least 8 words readable
	StatRxAvail     Status = 1 << 21 // at least 1 word readable
)

func (s Status) Has(f Status) bool { return s&f != 0 }

// All flag bits writable through RegIntClr.
const intClrAll uint32 = 0x00C007FF

// RegClkCtl fields.
const (
	ClkDivMask    uint32 = 0xFF
	ClkEnable     uint32 = 1 << 8
	ClkPowerSave  uint32 = 1 << 9
	ClkBypass     uint32 = 1 << 10
	ClkWidthShift        = 11
	ClkWidthMask  uint32 = 0x3 << ClkWidthShift
	ClkNegEdge    uint32 = 1 << 13
	ClkHwFlowCtl  uint32 = 1 << 14
)

// RegCmd fields.
const (
	CmdIndexMask     uint32 = 0x3F
	CmdWaitRespShift        = 6
	CmdWaitRespMask  uint32 = 0x3 << CmdWaitRespShift
	CmdWaitInt       uint32 = 1 << 8
	CmdEnable        uint32 = 1 << 10 // command path state machine enable
)

// RegDCtl fields.
const (
	DataEnable         uint32 = 1 << 0
	DataDirCardToHost  uint32 = 1 << 1
	DataModeStream     uint32 = 1 << 2
	DataBlockSizeShift        = 4
	DataBlockSizeMask  uint32 = 0xF << DataBlockSizeShift
)

// RegPower field. Two-state: 0b00 off, 0b11 on.
const (
	PowerCtlMask uint32 = 0x3
	PowerCtlOn   uint32 = 0x3
	PowerCtlOff  uint32 = 0x0
)
