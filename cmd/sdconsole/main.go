// cmd/sdconsole drives the sdmmc driver against the simulated host so the
// whole identification sequence can be exercised from a shell.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/shlex"

	"periphcode-go/drivers/sdmmc"
	"periphcode-go/internal/simcard"
	"periphcode-go/types"
	"periphcode-go/x/mathx"
)

func main() {
	repl(simcard.New(nil))
}

// newDevice wires a driver over the simulated host. Settle delays are
// skipped: there is no real power rail to wait for.
func newDevice(host *simcard.Host) *sdmmc.Device {
	return sdmmc.New(host, host, types.Clocks{SysClk: types.MHz(80)}, sdmmc.Config{
		Width: sdmmc.WidthEight,
		Delay: func(time.Duration) {},
	})
}

func repl(host *simcard.Host) {
	dev := newDevice(host)
	card := simcard.DefaultCard()
	host.Insert(card)

	fmt.Println("sdconsole: type 'help' for commands")
	sc := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !sc.Scan() {
			return
		}
		args, err := shlex.Split(sc.Text())
		if err != nil {
			fmt.Println("parse error:", err)
			continue
		}
		if len(args) == 0 {
			continue
		}

		switch args[0] {
		case "help":
			usage()

		case "quit", "exit":
			return

		case "init":
			freq := sdmmc.Freq24MHz
			if len(args) > 1 {
				n, err := strconv.Atoi(args[1])
				if err != nil {
					fmt.Println("bad divisor:", args[1])
					continue
				}
				freq = sdmmc.ClockFreq(mathx.Clamp(n, 0, 255))
			}
			if err := dev.Init(freq); err != nil {
				fmt.Println("init failed:", err)
				continue
			}
			fmt.Printf("card up: host %d-bit, divisor %d\n", host.BusWidthBits(), host.ClockDiv())

		case "card":
			card, err := dev.Card()
			if err != nil {
				fmt.Println(err)
				continue
			}
			printCard(card)

		case "status":
			st, err := dev.ReadStatus()
			if err != nil {
				fmt.Println(err)
				continue
			}
			fmt.Printf("state=%s ready=%v raw=%08x\n", st.State(), st.ReadyForData(), uint32(st))

		case "sdstatus":
			st, err := dev.ReadSDStatus()
			if err != nil {
				fmt.Println(err)
				continue
			}
			fmt.Printf("bus=%d-bit class=%d au=%d erase_size=%d\n",
				st.BusWidth(), st.SpeedClass(), st.AllocationUnitSize(), st.EraseSize())

		case "power":
			if len(args) != 2 || (args[1] != "on" && args[1] != "off") {
				fmt.Println("usage: power on|off")
				continue
			}
			dev.PowerCard(args[1] == "on")
			fmt.Println("powered:", host.Powered())

		case "insert":
			card = simcard.DefaultCard()
			host.Insert(card)
			fmt.Println("card inserted")

		case "remove":
			host.Remove()
			fmt.Println("slot empty")

		case "fault":
			if len(args) < 2 {
				fmt.Println("usage: fault busy N | crc N | mute | noifcond | none")
				continue
			}
			n := 0
			if len(args) > 2 {
				v, err := strconv.Atoi(args[2])
				if err != nil {
					fmt.Println("bad count:", args[2])
					continue
				}
				n = mathx.Clamp(v, 0, 1<<20)
			}
			switch args[1] {
			case "busy":
				card.BusyPolls = n
			case "crc":
				card.CrcFailures = n
			case "mute":
				card.SelectMute = true
			case "noifcond":
				card.NoIfCond = true
			case "none":
				card = simcard.DefaultCard()
				host.Insert(card)
			default:
				fmt.Println("unknown fault:", args[1])
				continue
			}
			fmt.Println("fault armed; rerun init")

		default:
			fmt.Println("unknown command:", args[0])
		}
	}
}

func printCard(c *sdmmc.Card) {
	year, month := c.CID.ManufactureDate()
	fmt.Printf("capacity:  %s (%d blocks)\n", c.Capacity, c.CSD.BlockCount())
	fmt.Printf("product:   %q by %#02x/%s, s/n %08x, %d-%02d\n",
		c.CID.ProductName(), c.CID.ManufacturerID(), c.CID.OEMID(),
		c.CID.SerialNumber(), year, month)
	fmt.Printf("rca:       %#04x\n", c.Address())
	fmt.Printf("wide bus:  %v\n", c.SupportsWidebus())
}

func usage() {
	fmt.Println(`commands:
  init [divisor]   run card identification (default divisor 0 = 24 MHz)
  card             print negotiated descriptors
  status           read card status (CMD13)
  sdstatus         read SD Status (ACMD13)
  power on|off     switch card power
  insert | remove  change slot contents
  fault <kind>     arm a protocol fault (busy N, crc N, mute, noifcond, none)
  quit`)
}
