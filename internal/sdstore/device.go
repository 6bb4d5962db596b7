package sdstore

import (
	"time"

	ioerrors "github.com/raspi-iosvc/ioserver/internal/errors"
	"github.com/raspi-iosvc/ioserver/internal/iomem"
	"github.com/raspi-iosvc/ioserver/internal/logging"
)

// Operation selects the transfer direction.
type Operation int

const (
	OperationRead Operation = iota
	OperationWrite
)

// BlockSize is the transfer unit; CMD16 pins the card to it as well.
const BlockSize = 512

// transferRetries bounds the SD-command retry loop for block
// transfers. This is the only transparent retry in the system.
const transferRetries = 3

// Device is the card-facing half of the driver: host state plus the
// controller variant selected at startup. All hardware access goes
// through mmio; the device never maps registers itself.
type Device struct {
	State HostState

	ctrl     Controller
	mmio     Performer
	clock    ClockProvider
	mboxCall func(words []uint32) ([]uint32, error)
	log      *logging.Logger

	// Sleep is the ACMD41 busy-poll delay, replaceable in tests.
	Sleep func(time.Duration)
}

// ControllerVariant selects the host-controller flavor at startup.
type ControllerVariant int

const (
	VariantEMMC ControllerVariant = iota
	VariantSDHOST
)

func NewDevice(variant ControllerVariant, mmio Performer, clock ClockProvider, log *logging.Logger) *Device {
	d := &Device{
		mmio:  mmio,
		clock: clock,
		log:   log,
		Sleep: time.Sleep,
	}
	switch variant {
	case VariantSDHOST:
		d.ctrl = sdhostController{}
	default:
		d.ctrl = emmcController{}
	}
	d.State.State = CardUninitialized
	return d
}

// SetMailbox attaches the property-channel transport used for
// power-state transactions.
func (d *Device) SetMailbox(call func(words []uint32) ([]uint32, error)) {
	d.mboxCall = call
}

// clearInterruptRegister writes mask to a write-to-clear interrupt
// status register.
func (d *Device) clearInterruptRegister(offset, mask uint32) error {
	p := &iomem.Program{Steps: []iomem.Step{
		{Kind: iomem.Write, Offset: offset, Value: mask},
	}}
	return d.mmio.Perform(p, nil)
}

// Command issues one logical SD command. An ACMDn expands into CMD55
// with the RCA in the upper argument half, then CMDn; if CMD55 fails
// the ACMD is never sent and the CMD55 failure propagates.
func (d *Device) Command(command, argument uint32) error {
	if isAppCmd(command) {
		appArgument := uint32(0)
		if d.State.RCA != 0 {
			appArgument = uint32(d.State.RCA) << 16
		}
		d.State.LastCommand = cmdAppCmd
		d.State.LastArgument = appArgument
		if err := d.ctrl.IssueCommand(d, cmdAppCmd, appArgument); err != nil {
			return err
		}
	}
	d.State.LastCommand = command
	d.State.LastArgument = argument
	return d.ctrl.IssueCommand(d, command, argument)
}

// Init runs the card bring-up procedure, leaving the card selected in
// the transfer state with a non-zero RCA.
func (d *Device) Init() error {
	d.State.resetCardInfo()
	d.State.Initialized = false

	if d.clock != nil {
		rate, err := d.clock.CoreClockRate()
		if err != nil {
			return ioerrors.Wrap("SD_INIT", err)
		}
		d.State.MaxClock = rate
	}

	// restart the controller for a sane state before the first init
	if err := d.ctrl.Restart(d); err != nil {
		return err
	}
	if err := d.ctrl.Reset(d); err != nil {
		return err
	}

	// CMD0: any state to idle
	if err := d.Command(cmdGoIdleState, 0); err != nil {
		return err
	}
	d.State.State = CardIdleAfterGo

	// CMD8 probes for a v2 card; a timeout means v1 and is recoverable
	v2 := false
	if err := d.Command(cmdSendIfCond, 0x1AA); err != nil {
		if !ioerrors.Is(err, ioerrors.ClassDeviceTimeout) {
			return err
		}
		if d.State.LastError&intCtoErr != 0 {
			if rerr := d.ctrl.ResetCommand(d); rerr != nil {
				return rerr
			}
			if cerr := d.ctrl.MarkInterruptHandled(d, intCtoErr); cerr != nil {
				return cerr
			}
		}
	} else {
		if d.State.LastResponse[0]&0xFFF != 0x1AA {
			return ioerrors.New("SD_INIT", ioerrors.ClassDeviceTimeout, "check pattern mismatch, unusable card")
		}
		v2 = true
	}

	// ACMD41 loop: query the voltage window until the card leaves busy
	d.State.State = CardVoltageQuery
	var acmd41Arg uint32 = 0x00FF8000
	if v2 {
		acmd41Arg |= 1 << 30 // HCS
	}
	for tries := 0; ; tries++ {
		if err := d.Command(acmdSDSendOpCond, acmd41Arg); err != nil && d.State.LastError != 0 {
			return err
		}
		if d.State.LastResponse[0]>>31 != 0 {
			d.State.OCR = (d.State.LastResponse[0] >> 8) & 0xFFFF
			d.State.SupportsSDHC = (d.State.LastResponse[0]>>30)&1 != 0
			break
		}
		if tries >= 10 {
			return ioerrors.New("SD_INIT", ioerrors.ClassDeviceTimeout, "card stayed busy during voltage query")
		}
		d.Sleep(500 * time.Millisecond)
	}

	// CMD2: identification
	if err := d.Command(cmdAllSendCID, 0); err != nil {
		return err
	}
	d.State.CID = d.State.LastResponse
	d.State.State = CardIdentified
	if d.State.CardChanged() {
		d.log.Info("different card inserted", "cid0", d.State.CID[0])
	}

	// CMD3: fetch the relative card address; retry until non-zero
	for tries := 0; ; tries++ {
		if err := d.Command(cmdSendRelativeAddr, 0); err != nil {
			return err
		}
		resp := d.State.LastResponse[0]
		if (resp>>15)&1 != 0 || (resp>>14)&1 != 0 || (resp>>13)&1 != 0 {
			return ioerrors.New("SD_INIT", ioerrors.ClassDeviceTimeout, "error bits set in RCA response")
		}
		if rca := uint16(resp >> 16); rca != 0 {
			d.State.RCA = rca
			break
		}
		if tries >= 10 {
			return ioerrors.New("SD_INIT", ioerrors.ClassDeviceTimeout, "card never produced an RCA")
		}
	}
	d.State.State = CardAddressed

	// CMD9: card-specific data, addressed by RCA
	if err := d.Command(cmdSendCSD, uint32(d.State.RCA)<<16); err != nil {
		return err
	}
	d.State.CSD = d.State.LastResponse
	d.State.State = CardStandby

	// CMD7: select, moving standby to transfer
	if err := d.Command(cmdSelectCard, uint32(d.State.RCA)<<16); err != nil {
		return err
	}
	if state, ok := d.ctrl.DecodeStatus(d.State.LastResponse[0]); !ok || (state != CardStandby && state != CardTransfer) {
		return ioerrors.New("SD_INIT", ioerrors.ClassDeviceTimeout, "unexpected card state after select")
	}

	if err := d.Command(cmdSetBlocklen, BlockSize); err != nil {
		return err
	}
	d.State.BlockSize = BlockSize

	if err := d.loadSCR(); err != nil {
		return err
	}

	if err := d.ctrl.ChangeClock(d, clockFrequencyNormal); err != nil {
		return err
	}

	d.State.State = CardTransfer
	d.State.Initialized = true
	d.log.Info("card initialized", "rca", d.State.RCA, "sdhc", d.State.SupportsSDHC, "bus_width", d.State.BusWidth)
	return nil
}

// loadSCR reads the 8-byte card configuration register as a one-block
// data command, then switches to 4-bit mode when the card supports it.
func (d *Device) loadSCR() error {
	scr := make([]byte, 8)
	d.State.BlockSize = 8
	d.State.BlockCount = 1
	d.State.Buffer = scr
	err := d.Command(acmdSendSCR, 0)
	d.State.BlockSize = BlockSize
	d.State.BlockCount = 0
	d.State.Buffer = nil
	if err != nil {
		return err
	}
	for i := range d.State.SCR {
		d.State.SCR[i] = uint32(scr[i*4]) | uint32(scr[i*4+1])<<8 | uint32(scr[i*4+2])<<16 | uint32(scr[i*4+3])<<24
	}

	// SCR travels big-endian; bus width lives in bits 48-51
	scr0 := bswap32(d.State.SCR[0])
	d.State.BusWidth = (scr0 >> 16) & 0xF
	switch (scr0 >> 24) & 0xF {
	case 0:
		d.State.CardVersion = 1
	case 1:
		d.State.CardVersion = 2
	default:
		d.State.CardVersion = 3
	}

	if d.State.BusWidth&0x4 != 0 {
		if err := d.Command(acmdSetBusWidth, 0x2); err != nil {
			return err
		}
		if _, ok := d.ctrl.(emmcController); ok {
			p := &iomem.Program{Steps: []iomem.Step{
				{Kind: iomem.Read, Offset: emmcControl0},
				{Kind: iomem.WriteOrPrevRead, Offset: emmcControl0, Value: 1 << 1},
			}}
			if err := d.mmio.Perform(p, nil); err != nil {
				return ioerrors.Wrap("SD_INIT", err)
			}
		}
	}
	return nil
}

func bswap32(v uint32) uint32 {
	return v<<24 | (v&0xFF00)<<8 | (v>>8)&0xFF00 | v>>24
}

// ensureTransferState queries card status with CMD13 and steers the
// card back to the transfer state: standby is selected, a stuck data
// transfer is stopped, anything else forces reinitialization. The RCA
// is cleared whenever a command that depends on it fails, so the next
// call goes back through init.
func (d *Device) ensureTransferState() error {
	if err := d.Command(cmdSendStatus, uint32(d.State.RCA)<<16); err != nil {
		d.State.RCA = 0
		return err
	}
	state, ok := d.ctrl.DecodeStatus(d.State.LastResponse[0])
	if !ok {
		if err := d.Init(); err != nil {
			d.State.RCA = 0
			return err
		}
		return nil
	}
	switch state {
	case CardTransfer:
		return nil
	case CardStandby:
		if err := d.Command(cmdSelectCard, uint32(d.State.RCA)<<16); err != nil {
			d.State.RCA = 0
			return err
		}
	case CardData:
		if err := d.Command(cmdStopTransmission, 0); err != nil {
			d.State.RCA = 0
			return err
		}
		if err := d.ctrl.ResetCommand(d); err != nil {
			d.State.RCA = 0
			return err
		}
	}
	if err := d.Command(cmdSendStatus, uint32(d.State.RCA)<<16); err != nil {
		d.State.RCA = 0
		return err
	}
	if state, ok := d.ctrl.DecodeStatus(d.State.LastResponse[0]); !ok || state != CardTransfer {
		d.State.RCA = 0
		return ioerrors.New("SD_TRANSFER", ioerrors.ClassDeviceTimeout, "card not in transfer state")
	}
	return nil
}

// TransferBlock moves len(buffer) bytes starting at blockNumber, with
// the bounded retry the block layer depends on. Non-SDHC cards address
// in bytes, so the block number is scaled.
func (d *Device) TransferBlock(buffer []byte, blockNumber uint32, op Operation) error {
	if op != OperationRead && op != OperationWrite {
		return ioerrors.New("SD_TRANSFER", ioerrors.ClassValidation, "invalid operation")
	}
	if d.State.CardAbsent {
		return ioerrors.New("SD_TRANSFER", ioerrors.ClassNotFound, "card absent")
	}
	if d.State.CardEjected {
		return ioerrors.New("SD_TRANSFER", ioerrors.ClassNotFound, "card ejected")
	}

	if !d.State.Initialized || d.State.RCA == 0 {
		if err := d.Init(); err != nil {
			return err
		}
	}
	if err := d.ensureTransferState(); err != nil {
		return err
	}

	if len(buffer) < int(d.State.BlockSize) || len(buffer)%int(d.State.BlockSize) != 0 {
		return ioerrors.New("SD_TRANSFER", ioerrors.ClassValidation, "buffer not a positive multiple of the block size")
	}

	if !d.State.SupportsSDHC {
		blockNumber *= BlockSize
	}

	d.State.BlockCount = uint32(len(buffer)) / d.State.BlockSize
	d.State.Buffer = buffer
	defer func() {
		d.State.BlockCount = 0
		d.State.Buffer = nil
	}()

	var command uint32
	if op == OperationWrite {
		command = cmdWriteSingleBlock
		if d.State.BlockCount > 1 {
			command = cmdWriteMultipleBlock
		}
	} else {
		command = cmdReadSingleBlock
		if d.State.BlockCount > 1 {
			command = cmdReadMultipleBlock
		}
	}

	var err error
	for attempt := 1; attempt <= transferRetries; attempt++ {
		if err = d.Command(command, blockNumber); err == nil {
			return nil
		}
		d.log.Warn("block transfer attempt failed", "command", command, "attempt", attempt, "error", d.State.LastError)
	}
	return err
}
