package errcode

import (
	"errors"

	"periphcode-go/drivers/pwr"
	"periphcode-go/drivers/sdmmc"
)

// Code is a stable, bus-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes (short, stable).
const (
	OK             Code = "ok"
	Busy           Code = "busy"
	Unsupported    Code = "unsupported"
	InvalidParams  Code = "invalid_params"
	InvalidPayload Code = "invalid_payload"
	Unavailable    Code = "unavailable"

	// Card/host codes.
	NoCard       Code = "no_card"
	SwTimeout    Code = "sw_timeout"
	Crc          Code = "crc"
	DataCrc      Code = "data_crc"
	RxOverflow   Code = "rx_overflow"
	TxUnderrun   Code = "tx_underrun"
	HwTimeout    Code = "hw_timeout"
	RespMismatch Code = "resp_mismatch"

	// Power codes.
	SysClkTooHigh Code = "sysclk_too_high"

	Error Code = "error" // generic fallback
)

// Optional wrapper when we want to keep context and a cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	if e.Msg != "" {
		return string(e.C) + ": " + e.Msg
	}
	return string(e.C)
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	if c, ok := err.(Code); ok {
		return c
	}
	type coder interface{ Code() Code }
	if x, ok := err.(coder); ok {
		return x.Code()
	}
	return Error
}

// MapDriverErr maps low-level driver errors to a Code.
func MapDriverErr(err error) Code {
	switch {
	case err == nil:
		return OK
	case errors.Is(err, sdmmc.ErrNoCard):
		return NoCard
	case errors.Is(err, sdmmc.ErrSoftwareTimeout):
		return SwTimeout
	case errors.Is(err, sdmmc.ErrCrc):
		return Crc
	case errors.Is(err, sdmmc.ErrDataCrcFail):
		return DataCrc
	case errors.Is(err, sdmmc.ErrRxOverflow):
		return RxOverflow
	case errors.Is(err, sdmmc.ErrTxUnderrun):
		return TxUnderrun
	case errors.Is(err, sdmmc.ErrTimeout):
		return HwTimeout
	case errors.Is(err, sdmmc.ErrRespCmdMismatch):
		return RespMismatch
	case errors.Is(err, pwr.ErrSysClkTooHighVos), errors.Is(err, pwr.ErrSysClkTooHighLpr):
		return SysClkTooHigh
	}
	return Error
}
