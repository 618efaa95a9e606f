package sdmmc_test

import (
	"errors"
	"testing"
	"time"

	"periphcode-go/drivers/sdmmc"
	"periphcode-go/internal/simcard"
	"periphcode-go/types"
)

func newDevice(host *simcard.Host, width sdmmc.BusWidth) *sdmmc.Device {
	return sdmmc.New(host, host, types.Clocks{SysClk: types.MHz(80)}, sdmmc.Config{
		Width: width,
		Delay: func(time.Duration) {},
	})
}

func TestInit_FullSequence(t *testing.T) {
	host := simcard.New(simcard.DefaultCard())
	d := newDevice(host, sdmmc.WidthFour)

	if host.Powered() {
		t.Fatal("card powered before Init")
	}

	if err := d.Init(sdmmc.Freq12MHz); err != nil {
		t.Fatalf("Init = %v", err)
	}

	card, err := d.Card()
	if err != nil {
		t.Fatalf("Card = %v", err)
	}
	if card.Version != sdmmc.V2 {
		t.Fatalf("Version = %v, want V2", card.Version)
	}
	if card.Capacity != sdmmc.HighCapacity {
		t.Fatalf("Capacity = %v, want high capacity", card.Capacity)
	}
	if got := card.Address(); got != 0x0001 {
		t.Fatalf("Address = %#x", got)
	}
	if got := card.CID.ProductName(); got != "SIM4G" {
		t.Fatalf("ProductName = %q", got)
	}
	if got := card.CSD.CapacityBytes(); got != 4<<30 {
		t.Fatalf("CapacityBytes = %d", got)
	}
	if !card.SupportsWidebus() {
		t.Fatal("SCR should advertise 4-bit support")
	}

	if !host.Powered() {
		t.Fatal("card unpowered after Init")
	}
	if got := host.ClockDiv(); got != uint8(sdmmc.Freq12MHz) {
		t.Fatalf("ClockDiv = %d, want %d", got, uint8(sdmmc.Freq12MHz))
	}
	if got := host.BusWidthBits(); got != 4 {
		t.Fatalf("host bus width = %d, want 4", got)
	}
	if !host.CardWideBus() {
		t.Fatal("card was not switched to 4-bit bus")
	}
}

func TestInit_BusyPollsThenReady(t *testing.T) {
	card := simcard.DefaultCard()
	card.BusyPolls = 100
	host := simcard.New(card)
	d := newDevice(host, sdmmc.WidthFour)

	if err := d.Init(sdmmc.Freq24MHz); err != nil {
		t.Fatalf("Init = %v", err)
	}
}

func TestInit_OpCondBudgetExhausted(t *testing.T) {
	card := simcard.DefaultCard()
	card.BusyPolls = 70000 // beyond the retry budget
	host := simcard.New(card)
	d := newDevice(host, sdmmc.WidthFour)

	if err := d.Init(sdmmc.Freq24MHz); !errors.Is(err, sdmmc.ErrSoftwareTimeout) {
		t.Fatalf("Init = %v, want ErrSoftwareTimeout", err)
	}
	if _, err := d.Card(); !errors.Is(err, sdmmc.ErrNoCard) {
		t.Fatal("failed Init must not install a card")
	}
}

func TestInit_SwallowsOpCondCrc(t *testing.T) {
	card := simcard.DefaultCard()
	card.CrcFailures = 3
	host := simcard.New(card)
	d := newDevice(host, sdmmc.WidthFour)

	if err := d.Init(sdmmc.Freq24MHz); err != nil {
		t.Fatalf("Init = %v, want ACMD41 crc failures retried", err)
	}
}

func TestInit_SelectFailureAborts(t *testing.T) {
	card := simcard.DefaultCard()
	card.SelectMute = true
	host := simcard.New(card)
	d := newDevice(host, sdmmc.WidthFour)

	if err := d.Init(sdmmc.Freq24MHz); !errors.Is(err, sdmmc.ErrTimeout) {
		t.Fatalf("Init = %v, want ErrTimeout", err)
	}
	if _, err := d.Card(); !errors.Is(err, sdmmc.ErrNoCard) {
		t.Fatal("failed Init must not install a card")
	}
}

func TestInit_Version1Downgrade(t *testing.T) {
	card := simcard.DefaultCard()
	card.NoIfCond = true
	host := simcard.New(card)
	d := newDevice(host, sdmmc.WidthFour)

	if err := d.Init(sdmmc.Freq24MHz); err != nil {
		t.Fatalf("Init = %v", err)
	}
	c, err := d.Card()
	if err != nil {
		t.Fatalf("Card = %v", err)
	}
	if c.Version != sdmmc.V1 {
		t.Fatalf("Version = %v, want V1 when CMD8 goes unanswered", c.Version)
	}
}

func TestInit_WaitsForTransferState(t *testing.T) {
	card := simcard.DefaultCard()
	card.NotReadyPolls = 5
	host := simcard.New(card)
	d := newDevice(host, sdmmc.WidthFour)

	if err := d.Init(sdmmc.Freq24MHz); err != nil {
		t.Fatalf("Init = %v", err)
	}
	ready, err := d.CardReady()
	if err != nil {
		t.Fatalf("CardReady = %v", err)
	}
	if !ready {
		t.Fatal("card should be in transfer state after Init")
	}
}

func TestInit_EmptySlot(t *testing.T) {
	host := simcard.New(nil)
	d := newDevice(host, sdmmc.WidthFour)

	if err := d.Init(sdmmc.Freq24MHz); err == nil {
		t.Fatal("Init with empty slot should fail")
	}
	if _, err := d.Card(); !errors.Is(err, sdmmc.ErrNoCard) {
		t.Fatal("empty slot must leave no card installed")
	}
}

func TestBusWidthNegotiation(t *testing.T) {
	// A host wired for 8 data lines still settles on the SD-legal 4-bit
	// mode when the card supports it.
	host := simcard.New(simcard.DefaultCard())
	d := newDevice(host, sdmmc.WidthEight)
	if err := d.Init(sdmmc.Freq24MHz); err != nil {
		t.Fatalf("Init = %v", err)
	}
	if got := host.BusWidthBits(); got != 4 {
		t.Fatalf("host bus width = %d, want 4", got)
	}

	// A card without 4-bit support pins the bus at one line.
	narrow := simcard.DefaultCard()
	narrow.SCR = [2]uint32{0, 0x02010000}
	host = simcard.New(narrow)
	d = newDevice(host, sdmmc.WidthEight)
	if err := d.Init(sdmmc.Freq24MHz); err != nil {
		t.Fatalf("Init = %v", err)
	}
	if got := host.BusWidthBits(); got != 1 {
		t.Fatalf("host bus width = %d, want 1", got)
	}
	if host.CardWideBus() {
		t.Fatal("narrow card was switched to 4-bit bus")
	}

	// A host wired for a single line never widens the bus.
	host = simcard.New(simcard.DefaultCard())
	d = newDevice(host, sdmmc.WidthOne)
	if err := d.Init(sdmmc.Freq24MHz); err != nil {
		t.Fatalf("Init = %v", err)
	}
	if got := host.BusWidthBits(); got != 1 {
		t.Fatalf("host bus width = %d, want 1", got)
	}
}

func TestReinit_ReplacesCardRecord(t *testing.T) {
	host := simcard.New(simcard.DefaultCard())
	d := newDevice(host, sdmmc.WidthFour)
	if err := d.Init(sdmmc.Freq24MHz); err != nil {
		t.Fatalf("first Init = %v", err)
	}

	other := &simcard.Card{
		RCA: 0x0002,
		CID: [4]uint32{0x01575041, 0x4C54314D, 0x200000FF, 0x00013200},
		// CSD v1: (4095+1) << (7+2) blocks = 1 GiB
		CSD: [4]uint32{0x00000000, 0x000903FF, 0xC0038000, 0x00000000},
		SCR: [2]uint32{0, 0x02010000},
	}
	host.Insert(other)

	if err := d.Init(sdmmc.Freq24MHz); err != nil {
		t.Fatalf("second Init = %v", err)
	}
	card, err := d.Card()
	if err != nil {
		t.Fatalf("Card = %v", err)
	}
	if got := card.Address(); got != 0x0002 {
		t.Fatalf("Address = %#x, want the replacement card's", got)
	}
	if card.Capacity != sdmmc.StandardCapacity {
		t.Fatalf("Capacity = %v, want standard capacity", card.Capacity)
	}
	if got := card.CSD.CapacityBytes(); got != 1<<30 {
		t.Fatalf("CapacityBytes = %d, want 1 GiB", got)
	}
	if card.SupportsWidebus() {
		t.Fatal("replacement card record still shows 4-bit support")
	}
}

func TestReadStatus_GuardedByCardPresence(t *testing.T) {
	host := simcard.New(simcard.DefaultCard())
	d := newDevice(host, sdmmc.WidthFour)

	before := host.Writes()
	if _, err := d.ReadStatus(); !errors.Is(err, sdmmc.ErrNoCard) {
		t.Fatalf("ReadStatus = %v, want ErrNoCard", err)
	}
	if host.Writes() != before {
		t.Fatal("guarded operation touched registers with no card record")
	}
}

func TestReadStatus_TransferState(t *testing.T) {
	host := simcard.New(simcard.DefaultCard())
	d := newDevice(host, sdmmc.WidthFour)
	if err := d.Init(sdmmc.Freq24MHz); err != nil {
		t.Fatalf("Init = %v", err)
	}

	status, err := d.ReadStatus()
	if err != nil {
		t.Fatalf("ReadStatus = %v", err)
	}
	if status.State() != sdmmc.StateTransfer {
		t.Fatalf("State = %v, want tran", status.State())
	}
	if !status.ReadyForData() {
		t.Fatal("ready-for-data bit clear")
	}
}

func TestReadSDStatus_Decode(t *testing.T) {
	host := simcard.New(simcard.DefaultCard())
	d := newDevice(host, sdmmc.WidthFour)
	if err := d.Init(sdmmc.Freq24MHz); err != nil {
		t.Fatalf("Init = %v", err)
	}

	st, err := d.ReadSDStatus()
	if err != nil {
		t.Fatalf("ReadSDStatus = %v", err)
	}
	if got := st.BusWidth(); got != 4 {
		t.Fatalf("BusWidth = %d", got)
	}
	if got := st.SpeedClass(); got != 4 {
		t.Fatalf("SpeedClass = %d", got)
	}
	if got := st.AllocationUnitSize(); got != 4<<20 {
		t.Fatalf("AllocationUnitSize = %d", got)
	}
}
