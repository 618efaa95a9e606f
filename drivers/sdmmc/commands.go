package sdmmc

// Response is the expected response length of a command.
type Response uint8

const (
	ResponseNone  Response = 0 // no response
	ResponseShort Response = 1 // 48-bit
	ResponseLong  Response = 3 // 136-bit
)

// Command is one card command: index, 32-bit argument and expected
// response length. Immutable once issued.
type Command struct {
	Index uint8
	Arg   uint32
	Resp  Response
}

// ---------------- Standard command set ----------------

// GoIdle (CMD0) resets the card to idle state.
func GoIdle() Command { return Command{Index: 0} }

// AllSendCID (CMD2) asks all cards to send their CID on the command line.
func AllSendCID() Command { return Command{Index: 2, Resp: ResponseLong} }

// SendRelativeAddress (CMD3) asks the card to publish a new RCA.
func SendRelativeAddress() Command { return Command{Index: 3, Resp: ResponseShort} }

// SelectCard (CMD7) selects the card at rca; rca 0 deselects all.
func SelectCard(rca uint16) Command {
	return Command{Index: 7, Arg: uint32(rca) << 16, Resp: ResponseShort}
}

// SendIfCond (CMD8) probes the interface condition. voltage occupies
// bits 11:8, checkPattern is echoed back by protocol version 2 cards.
func SendIfCond(voltage uint8, checkPattern uint8) Command {
	return Command{Index: 8, Arg: uint32(voltage)<<8 | uint32(checkPattern), Resp: ResponseShort}
}

// SendCSD (CMD9) reads the card-specific data of the card at rca.
func SendCSD(rca uint16) Command {
	return Command{Index: 9, Arg: uint32(rca) << 16, Resp: ResponseLong}
}

// CardStatusCmd (CMD13) reads the addressed card's status word.
func CardStatusCmd(rca uint16) Command {
	return Command{Index: 13, Arg: uint32(rca) << 16, Resp: ResponseShort}
}

// SetBlockLength (CMD16) sets the block length for following transfers.
func SetBlockLength(length uint32) Command {
	return Command{Index: 16, Arg: length, Resp: ResponseShort}
}

// AppCmdPrefix (CMD55) escapes the next command into the application
// command set, addressed to rca.
func AppCmdPrefix(rca uint16) Command {
	return Command{Index: 55, Arg: uint32(rca) << 16, Resp: ResponseShort}
}

// ---------------- SD application command set ----------------

// SetBusWidth (ACMD6) sets the card-side data bus width.
func SetBusWidth(fourBits bool) Command {
	var arg uint32
	if fourBits {
		arg = 2
	}
	return Command{Index: 6, Arg: arg, Resp: ResponseShort}
}

// SDStatusCmd (ACMD13) requests the 512-bit SD Status over the data lines.
func SDStatusCmd() Command { return Command{Index: 13, Resp: ResponseShort} }

// SendOpCond (ACMD41) negotiates the operating conditions. voltageWindow
// maps onto OCR bits 23:15. The response carries no CRC, so the host
// raises a CRC failure on it; callers tolerate that.
func SendOpCond(hostHighCapacity bool, voltageWindow uint16) Command {
	var arg uint32
	if hostHighCapacity {
		arg |= 1 << 30
	}
	arg |= uint32(voltageWindow&0x1FF) << 15
	return Command{Index: 41, Arg: arg, Resp: ResponseShort}
}

// SendSCR (ACMD51) requests the 64-bit SD configuration register over the
// data lines.
func SendSCR() Command { return Command{Index: 51, Resp: ResponseShort} }
