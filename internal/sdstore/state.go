// Package sdstore implements the SD/EMMC/SDHOST block-device driver.
// It composes MMIO programs per host-controller variant and hands them
// to the IOMem gateway for execution; the driver itself never touches
// hardware. Interrupts are consumed as polled register state, never as
// installed handlers.
package sdstore

// CardState tracks the card lifecycle through initialization and
// transfer.
type CardState int

const (
	CardAbsent CardState = iota
	CardUninitialized
	CardIdle
	CardIdleAfterGo
	CardVoltageQuery
	CardIdentified
	CardAddressed
	CardStandby
	CardTransfer
	CardData
)

func (s CardState) String() string {
	switch s {
	case CardAbsent:
		return "absent"
	case CardUninitialized:
		return "uninitialized"
	case CardIdle:
		return "idle"
	case CardIdleAfterGo:
		return "idle_after_go"
	case CardVoltageQuery:
		return "voltage_query"
	case CardIdentified:
		return "identified"
	case CardAddressed:
		return "addressed"
	case CardStandby:
		return "standby"
	case CardTransfer:
		return "transfer"
	case CardData:
		return "data"
	default:
		return "unknown"
	}
}

// Card-status state field values (R1 response bits 9-12).
const (
	statusStandby  = 3
	statusTransfer = 4
	statusData     = 5
)

// HostState is the mutable host-controller + card state: zeroed at
// process start, populated by card init, partially invalidated on
// eject or error recovery.
type HostState struct {
	OCR       uint32
	CID       [4]uint32
	CIDBackup [4]uint32
	CSD       [4]uint32
	RCA       uint16
	SCR       [2]uint32

	SupportsSDHC bool
	CardVersion  uint32
	BusWidth     uint32

	BlockSize  uint32
	BlockCount uint32
	Buffer     []byte

	LastCommand   uint32
	LastArgument  uint32
	LastResponse  [4]uint32
	LastInterrupt uint32
	LastError     uint32

	CardAbsent  bool
	CardEjected bool
	Initialized bool

	State CardState

	HostVersion uint32
	MaxClock    uint32
}

// resetCardInfo clears everything card-derived, keeping the backup CID
// for change detection across a reinit.
func (h *HostState) resetCardInfo() {
	if h.Initialized {
		h.CIDBackup = h.CID
	} else {
		h.CIDBackup = [4]uint32{}
	}
	h.OCR = 0
	h.CID = [4]uint32{}
	h.CSD = [4]uint32{}
	h.RCA = 0
	h.SCR = [2]uint32{}
	h.SupportsSDHC = false
	h.CardVersion = 0
	h.BusWidth = 0
	h.BlockSize = 0
	h.BlockCount = 0
	h.LastCommand = 0
	h.LastArgument = 0
	h.LastResponse = [4]uint32{}
	h.LastInterrupt = 0
	h.LastError = 0
	h.State = CardUninitialized
}

// CardChanged reports whether the CID read by the latest init differs
// from the previous card's, meaning a different card was inserted.
func (h *HostState) CardChanged() bool {
	if h.CIDBackup == ([4]uint32{}) {
		return false
	}
	return h.CID != h.CIDBackup
}
