package types

// ------------------------
// Storage capability payloads
// ------------------------

// CardInfo is the retained descriptor snapshot published after a
// successful card bring-up.
type CardInfo struct {
	Capacity     string `json:"capacity"` // "sdsc" or "sdhc_sdxc"
	Manufacturer uint8  `json:"mid"`
	OEM          string `json:"oid"`
	Product      string `json:"pnm"`
	Serial       uint32 `json:"psn"`
	Address      uint16 `json:"rca"`
	Blocks       uint64 `json:"blocks"` // 512-byte blocks
	WideBus      bool   `json:"wide_bus"`
}

// CardStatusValue is the decoded CMD13 status payload.
type CardStatusValue struct {
	State string `json:"state"` // e.g. "tran"
	Ready bool   `json:"ready"`
	Raw   uint32 `json:"raw"`
}

// PowerRequest switches card power from the service control surface.
type PowerRequest struct {
	On bool `json:"on"`
}

// InitRequest triggers card bring-up at a target bus clock.
type InitRequest struct {
	FreqHz uint32 `json:"freq_hz,omitempty"` // 0 => driver default
}

// OKReply / ErrorReply mirror the generic control replies.
type OKReply struct {
	OK bool `json:"ok"`
}

type ErrorReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}
