package sdstore

import (
	"encoding/binary"

	ioerrors "github.com/raspi-iosvc/ioserver/internal/errors"
	"github.com/raspi-iosvc/ioserver/internal/iomem"
	"periph.io/x/conn/v3/physic"
)

// Performer executes an MMIO program on the peripheral gateway. The
// colocated form wraps an iomem.Executor directly; the RPC form sends
// the program to the IOMem server and copies the results back.
type Performer interface {
	Perform(p *iomem.Program, shared iomem.SharedBuffer) error
}

// ExecutorPerformer runs programs against an in-process executor.
type ExecutorPerformer struct {
	Exec *iomem.Executor
}

func (e ExecutorPerformer) Perform(p *iomem.Program, shared iomem.SharedBuffer) error {
	return e.Exec.Execute(p, shared)
}

// Controller is the host-controller capability set: one implementation
// per controller variant, selected once at startup.
type Controller interface {
	// Reset brings the host controller to a known state: full reset,
	// internal clock enabled at the low init frequency, interrupts
	// unmasked.
	Reset(d *Device) error
	// IssueCommand runs one SD command to completion, filling the
	// device's last-response/last-error state.
	IssueCommand(d *Device, command, argument uint32) error
	// ChangeClock reprograms the card clock divisor for freq.
	ChangeClock(d *Device, freq physic.Frequency) error
	// DecodeStatus maps an R1 card-status response to the card state it
	// reports; ok is false for a state the driver cannot continue from.
	DecodeStatus(resp uint32) (CardState, bool)
	// ResetCommand and ResetData recover the command/data line after a
	// timeout.
	ResetCommand(d *Device) error
	ResetData(d *Device) error
	// MarkInterruptHandled writes mask back to the interrupt-status
	// register so the next program starts clean.
	MarkInterruptHandled(d *Device, mask uint32) error
	// Restart power-cycles the controller ahead of a from-scratch init.
	Restart(d *Device) error
	// CommandWord returns the controller-specific encoding of a logical
	// command, reporting false for commands this controller never
	// issues.
	CommandWord(command uint32) (uint32, bool)
}

// Clock frequencies the driver drives cards at.
const (
	clockFrequencyLow    = 400 * physic.KiloHertz
	clockFrequencyNormal = 25 * physic.MegaHertz
)

// emmcBaseClock is the EMMC controller input clock the divisor
// derivation divides down from.
const emmcBaseClock = 41666666 * physic.Hertz

// waits used across command programs, iterations of the given sleep
const (
	waitCommandIterations = 50000
	waitIdleIterations    = 10000
)

// emmcController drives the Arasan-style EMMC block at 0x300000.
type emmcController struct{}

func (emmcController) CommandWord(command uint32) (uint32, bool) {
	if isAppCmd(command) {
		w, ok := emmcAppCommands[appCmdIndex(command)]
		return w, ok
	}
	w, ok := emmcCommands[command]
	return w, ok
}

func (emmcController) DecodeStatus(resp uint32) (CardState, bool) {
	switch (resp >> 9) & 0xF {
	case statusStandby:
		return CardStandby, true
	case statusTransfer:
		return CardTransfer, true
	case statusData:
		return CardData, true
	default:
		return CardUninitialized, false
	}
}

func (emmcController) MarkInterruptHandled(d *Device, mask uint32) error {
	return d.clearInterruptRegister(emmcInterrupt, mask)
}

// Power-state mailbox tags used by the full controller restart.
const (
	tagSetPowerState      = 0x28001
	powerStateDeviceSD    = 0x0
	setPowerStateOn       = 1 << 0
	setPowerStateWait     = 1 << 1
	getPowerStateNoDevice = 1 << 1
)

// enableFullControllerRestart gates the real power-cycle sequence.
// The short-circuited no-op is the behavior every deployment runs;
// the long form stays compiled but unreachable until the power-cycle
// path has been proven not to wedge marginal cards.
// TODO: validate fullRestart on a Pi 2 with a v1 card and drop the gate.
const enableFullControllerRestart = false

// Restart short-circuits to a no-op.
func (c emmcController) Restart(d *Device) error {
	if !enableFullControllerRestart {
		return nil
	}
	return c.fullRestart(d)
}

// fullRestart power-cycles the SD card slot through the VideoCore
// power-state property: off with wait, then on with wait.
func (c emmcController) fullRestart(d *Device) error {
	if d.mboxCall == nil {
		return ioerrors.New("SD_RESTART", ioerrors.ClassValidation, "no mailbox transport attached")
	}
	for _, state := range []uint32{setPowerStateWait, setPowerStateOn | setPowerStateWait} {
		req := []uint32{8 * 4, 0, tagSetPowerState, 8, 8, powerStateDeviceSD, state, 0}
		resp, err := d.mboxCall(req)
		if err != nil {
			return ioerrors.Wrap("SD_RESTART", err)
		}
		if len(resp) < 7 || resp[5] != powerStateDeviceSD {
			return ioerrors.New("SD_RESTART", ioerrors.ClassIO, "power state change rejected")
		}
		if resp[6]&getPowerStateNoDevice != 0 {
			return ioerrors.New("SD_RESTART", ioerrors.ClassIO, "sd power domain not present")
		}
	}
	return nil
}

// Reset resets the host controller, enables the internal clock with
// the maximum data timeout, switches to the init frequency and opens
// all interrupt mask bits. The SLOTISR_VER read feeds the divisor
// derivation, which differs across host-controller generations.
func (c emmcController) Reset(d *Device) error {
	version := &iomem.Program{Steps: []iomem.Step{
		{Kind: iomem.Read, Offset: emmcSlotisrVer},
	}}
	if err := d.mmio.Perform(version, nil); err != nil {
		return ioerrors.Wrap("SD_RESET", err)
	}
	d.State.HostVersion = (version.Steps[0].Value >> 16) & 0xFF

	p := &iomem.Program{Steps: []iomem.Step{
		{Kind: iomem.Write, Offset: emmcControl0, Value: 0},
		{Kind: iomem.Read, Offset: emmcControl1},
		{Kind: iomem.WriteOrPrevRead, Offset: emmcControl1, Value: control1SrstHC},
		{Kind: iomem.LoopTrue, Offset: emmcControl1, LoopAnd: control1SrstHC, LoopMax: waitIdleIterations, SleepUnit: iomem.SleepMillisecond, SleepAmount: 10},
		{Kind: iomem.Read, Offset: emmcControl1},
		{Kind: iomem.WriteOrPrevRead, Offset: emmcControl1, Value: control1ClkIntlen | control1DataTOUnit},
		{Kind: iomem.Sleep, SleepUnit: iomem.SleepMillisecond, SleepAmount: 10},
	}}
	if err := d.mmio.Perform(p, nil); err != nil {
		return ioerrors.Wrap("SD_RESET", err)
	}
	if p.Steps[3].AbortType != iomem.AbortNone {
		return ioerrors.New("SD_RESET", ioerrors.ClassDeviceTimeout, "host controller reset did not self-clear")
	}
	if err := c.ChangeClock(d, clockFrequencyLow); err != nil {
		return err
	}
	enable := &iomem.Program{Steps: []iomem.Step{
		{Kind: iomem.Write, Offset: emmcIrptEnable, Value: 0xFFFFFFFF},
		{Kind: iomem.Write, Offset: emmcIrptMask, Value: 0xFFFFFFFF},
	}}
	if err := d.mmio.Perform(enable, nil); err != nil {
		return ioerrors.Wrap("SD_RESET", err)
	}
	return nil
}

// emmcDivisor derives the CONTROL1 divisor bits: host controllers up
// to version 2 take a power-of-two shift count, later ones a direct
// 10-bit divisor with the high bits folded into CONTROL1[7:6].
func emmcDivisor(hostVersion uint32, freq physic.Frequency) uint32 {
	closest := uint32(emmcBaseClock / freq)

	shiftCount := uint32(32)
	value := closest - 1
	if value == 0 {
		shiftCount = 0
	} else {
		if value&0xFFFF0000 == 0 {
			value <<= 16
			shiftCount -= 16
		}
		if value&0xFF000000 == 0 {
			value <<= 8
			shiftCount -= 8
		}
		if value&0xF0000000 == 0 {
			value <<= 4
			shiftCount -= 4
		}
		if value&0xC0000000 == 0 {
			value <<= 2
			shiftCount -= 2
		}
		if value&0x80000000 == 0 {
			shiftCount--
		}
		if shiftCount > 0 {
			shiftCount--
		}
		if shiftCount > 7 {
			shiftCount = 7
		}
	}

	var divisor uint32
	if hostVersion > hostControllerV2 {
		divisor = closest
	} else {
		divisor = 1 << shiftCount
	}
	if divisor < 2 {
		divisor = 2
	}

	var highBits uint32
	if hostVersion > hostControllerV2 {
		highBits = (divisor & 0x300) >> 2
	}
	return ((divisor & 0x0FF) << 8) | highBits
}

// ChangeClock runs the dedicated clock-switch program: wait for
// command and data idle, drop CLK_EN, rewrite the divisor bits, then
// re-enable and poll for CLK_STABLE.
func (emmcController) ChangeClock(d *Device, freq physic.Frequency) error {
	divisor := emmcDivisor(d.State.HostVersion, freq)
	p := &iomem.Program{Steps: []iomem.Step{
		{Kind: iomem.LoopTrue, Offset: emmcStatus, LoopAnd: statusCmdInhibit | statusDatInhibit, LoopMax: waitIdleIterations, SleepUnit: iomem.SleepMillisecond, SleepAmount: 1},
		{Kind: iomem.Read, Offset: emmcControl1},
		{Kind: iomem.WriteAndPrevRead, Offset: emmcControl1, Value: ^uint32(control1ClkEn)},
		{Kind: iomem.Sleep, SleepUnit: iomem.SleepMillisecond, SleepAmount: 10},
		{Kind: iomem.Read, Offset: emmcControl1},
		{Kind: iomem.WriteAndPrevRead, Offset: emmcControl1, Value: ^uint32(0xFFE0)},
		{Kind: iomem.Read, Offset: emmcControl1},
		{Kind: iomem.WriteOrPrevRead, Offset: emmcControl1, Value: divisor},
		{Kind: iomem.Sleep, SleepUnit: iomem.SleepMillisecond, SleepAmount: 10},
		{Kind: iomem.Read, Offset: emmcControl1},
		{Kind: iomem.WriteOrPrevRead, Offset: emmcControl1, Value: control1ClkEn},
		{Kind: iomem.LoopFalse, Offset: emmcControl1, LoopAnd: control1ClkStable, LoopMax: waitIdleIterations, SleepUnit: iomem.SleepMillisecond, SleepAmount: 1},
	}}
	if err := d.mmio.Perform(p, nil); err != nil {
		return ioerrors.Wrap("SD_CLOCK", err)
	}
	for _, idx := range []int{0, 11} {
		if p.Steps[idx].AbortType != iomem.AbortNone {
			return ioerrors.New("SD_CLOCK", ioerrors.ClassDeviceTimeout, "clock did not stabilize")
		}
	}
	return nil
}

func (emmcController) ResetCommand(d *Device) error {
	return emmcResetLine(d, control1SrstCmd, "SD_RESET_CMD")
}

func (emmcController) ResetData(d *Device) error {
	return emmcResetLine(d, control1SrstData, "SD_RESET_DATA")
}

func emmcResetLine(d *Device, bit uint32, op string) error {
	p := &iomem.Program{Steps: []iomem.Step{
		{Kind: iomem.Read, Offset: emmcControl1},
		{Kind: iomem.WriteOrPrevRead, Offset: emmcControl1, Value: bit},
		{Kind: iomem.LoopTrue, Offset: emmcControl1, LoopAnd: bit, LoopMax: waitIdleIterations, SleepUnit: iomem.SleepMillisecond, SleepAmount: 10},
	}}
	if err := d.mmio.Perform(p, nil); err != nil {
		return ioerrors.Wrap(op, err)
	}
	if p.Steps[2].AbortType != iomem.AbortNone {
		return ioerrors.New(op, ioerrors.ClassDeviceTimeout, "line reset did not self-clear")
	}
	return nil
}

// IssueCommand builds and runs the full command program: wait for the
// command line, write block geometry, argument and CMDTM, poll for
// command-done with the any-error failure predicate, read the response
// words, interleave FIFO transfers for data commands, and finish with
// the data-done wait for busy or data commands. Every interrupt bit
// consumed is written back to clear so the next program starts clean.
func (c emmcController) IssueCommand(d *Device, command, argument uint32) error {
	word, ok := c.CommandWord(command)
	if !ok {
		return ioerrors.New("SD_COMMAND", ioerrors.ClassValidation, "command not supported")
	}
	responseBusy := word&cmdRspMask == cmdRsp48Busy
	typeAbort := word&cmdTypeMask == cmdTypeAbort
	isData := word&cmdIsData != 0

	if d.State.BlockCount > 0xFFFF {
		return ioerrors.New("SD_COMMAND", ioerrors.ClassResource, "block count exceeds BLKSIZECNT range")
	}

	statusCompare := uint32(statusCmdInhibit)
	if responseBusy && !typeAbort {
		statusCompare |= statusDatInhibit
	}

	wordsPerBlock := int(d.State.BlockSize / 4)
	steps := []iomem.Step{
		{Kind: iomem.LoopTrue, Offset: emmcStatus, LoopAnd: statusCompare, LoopMax: waitIdleIterations, SleepUnit: iomem.SleepMillisecond, SleepAmount: 1},
		{Kind: iomem.Write, Offset: emmcBlkSizeCnt, Value: d.State.BlockSize | d.State.BlockCount<<16},
		{Kind: iomem.Write, Offset: emmcArg1, Value: argument},
		{Kind: iomem.Write, Offset: emmcCmdtm, Value: word},
		{Kind: iomem.LoopFalse, Offset: emmcInterrupt, LoopAnd: intCmdDone, LoopMax: waitCommandIterations, SleepUnit: iomem.SleepMillisecond, SleepAmount: 10, FailureCondition: true, FailureValue: intErr | intErrorMask},
		{Kind: iomem.Write, Offset: emmcInterrupt, Value: intErrorMask | intCmdDone},
		{Kind: iomem.Read, Offset: emmcResp0},
		{Kind: iomem.Read, Offset: emmcResp1},
		{Kind: iomem.Read, Offset: emmcResp2},
		{Kind: iomem.Read, Offset: emmcResp3},
	}
	const cmdDoneIdx = 4
	const respIdx = 6
	dataStart := len(steps)

	if isData && d.State.BlockCount > 0 {
		ready := uint32(intWriteRdy)
		if word&cmdDataDirCH != 0 {
			ready = intReadRdy
		}
		for block := uint32(0); block < d.State.BlockCount; block++ {
			steps = append(steps,
				iomem.Step{Kind: iomem.LoopFalse, Offset: emmcInterrupt, LoopAnd: intErrorMask | ready, LoopMax: waitCommandIterations / 10, SleepUnit: iomem.SleepMillisecond, SleepAmount: 10, FailureCondition: true, FailureValue: intErr | intErrorMask},
				iomem.Step{Kind: iomem.Write, Offset: emmcInterrupt, Value: intErrorMask | ready},
			)
			for w := 0; w < wordsPerBlock; w++ {
				step := iomem.Step{Offset: emmcData}
				if ready == intWriteRdy {
					step.Kind = iomem.Write
					step.Value = binary.LittleEndian.Uint32(d.State.Buffer[(int(block)*wordsPerBlock+w)*4:])
				} else {
					step.Kind = iomem.Read
				}
				steps = append(steps, step)
			}
		}
	}

	dataDoneIdx := -1
	if responseBusy || isData {
		dataDoneIdx = len(steps)
		steps = append(steps,
			iomem.Step{Kind: iomem.LoopFalse, Offset: emmcInterrupt, LoopAnd: intDataDone, LoopMax: waitCommandIterations, SleepUnit: iomem.SleepMillisecond, SleepAmount: 10},
			iomem.Step{Kind: iomem.Write, Offset: emmcInterrupt, Value: intErrorMask | intDataDone},
		)
	}

	p := &iomem.Program{Steps: steps}
	if err := d.mmio.Perform(p, nil); err != nil {
		return ioerrors.Wrap("SD_COMMAND", err)
	}

	if p.Steps[cmdDoneIdx].AbortType == iomem.AbortTimeout {
		d.State.LastInterrupt = p.Steps[cmdDoneIdx].Value
		d.State.LastError = p.Steps[cmdDoneIdx].Value & intErrorMask
		_ = d.clearInterruptRegister(emmcInterrupt, intErrorMask | intCmdDone)
		return ioerrors.New("SD_COMMAND", ioerrors.ClassDeviceTimeout, "command done wait timed out")
	}

	switch word & cmdRspMask {
	case cmdRsp48, cmdRsp48Busy:
		d.State.LastResponse[0] = p.Steps[respIdx].Value
	case cmdRsp136:
		for i := 0; i < 4; i++ {
			d.State.LastResponse[i] = p.Steps[respIdx+i].Value
		}
	}

	if isData && d.State.BlockCount > 0 {
		idx := dataStart
		for block := uint32(0); block < d.State.BlockCount; block++ {
			if p.Steps[idx].AbortType == iomem.AbortTimeout {
				d.State.LastInterrupt = p.Steps[idx].Value
				d.State.LastError = p.Steps[idx].Value & intErrorMask
				_ = d.clearInterruptRegister(emmcInterrupt, intErrorMask | intReadRdy | intWriteRdy)
				return ioerrors.New("SD_COMMAND", ioerrors.ClassDeviceTimeout, "data ready wait timed out")
			}
			idx += 2
			if word&cmdDataDirCH != 0 {
				for w := 0; w < wordsPerBlock; w++ {
					binary.LittleEndian.PutUint32(d.State.Buffer[(int(block)*wordsPerBlock+w)*4:], p.Steps[idx+w].Value)
				}
			}
			idx += wordsPerBlock
		}
	}

	if dataDoneIdx >= 0 && p.Steps[dataDoneIdx].AbortType == iomem.AbortTimeout {
		d.State.LastInterrupt = p.Steps[dataDoneIdx].Value
		d.State.LastError = p.Steps[dataDoneIdx].Value & intErrorMask
		_ = d.clearInterruptRegister(emmcInterrupt, intErrorMask | intDataDone)
		return ioerrors.New("SD_COMMAND", ioerrors.ClassDeviceTimeout, "data done wait timed out")
	}

	return nil
}
