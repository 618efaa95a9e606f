package types

// Hertz is a plain frequency in Hz.
type Hertz uint32

func KHz(n uint32) Hertz { return Hertz(n * 1_000) }
func MHz(n uint32) Hertz { return Hertz(n * 1_000_000) }

// Clocks is the frozen clock tree handed to peripheral constructors.
// Drivers derive poll budgets and validate mode entry against SysClk.
type Clocks struct {
	SysClk Hertz
}
