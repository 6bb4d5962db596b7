package sdstore

import (
	"encoding/binary"

	ioerrors "github.com/raspi-iosvc/ioserver/internal/errors"
	"github.com/raspi-iosvc/ioserver/internal/iomem"
	"periph.io/x/conn/v3/physic"
)

// sdhostController drives the Broadcom SDHOST block at 0x202000, the
// controller the EMMC pins are routed to on boards that hand the
// Arasan block to wifi. Same logical command set, different registers:
// the command register carries the index plus flag bits, responses
// land in RESPONSE0-3, and errors are read out of HOST_STATUS instead
// of a dedicated interrupt register.
type sdhostController struct{}

func (sdhostController) CommandWord(command uint32) (uint32, bool) {
	if isAppCmd(command) {
		w, ok := sdhostAppCommands[appCmdIndex(command)]
		return w, ok
	}
	w, ok := sdhostCommands[command]
	return w, ok
}

func (sdhostController) DecodeStatus(resp uint32) (CardState, bool) {
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

func (sdhostController) MarkInterruptHandled(d *Device, mask uint32) error {
	return d.clearInterruptRegister(sdhostHostStatus, mask)
}

// Restart is folded into Reset for SDHOST, which already power-cycles
// through the POWER register.
func (sdhostController) Restart(d *Device) error { return nil }

// Reset powers the block down and back up, clears configuration and
// switches to the init clock. SDHOST has no version register; the
// divisor derivation below does not need one.
func (c sdhostController) Reset(d *Device) error {
	p := &iomem.Program{Steps: []iomem.Step{
		{Kind: iomem.Write, Offset: sdhostPower, Value: 0},
		{Kind: iomem.Write, Offset: sdhostCommand, Value: 0},
		{Kind: iomem.Write, Offset: sdhostArgument, Value: 0},
		{Kind: iomem.Write, Offset: sdhostTimeoutCounter, Value: 0xF00000},
		{Kind: iomem.Write, Offset: sdhostClockDivisor, Value: 0},
		{Kind: iomem.Write, Offset: sdhostHostStatus, Value: 0x7F8},
		{Kind: iomem.Write, Offset: sdhostHostConfig, Value: 0},
		{Kind: iomem.Write, Offset: sdhostBlockSize, Value: 0},
		{Kind: iomem.Write, Offset: sdhostBlockCount, Value: 0},
		{Kind: iomem.Sleep, SleepUnit: iomem.SleepMillisecond, SleepAmount: 20},
		{Kind: iomem.Write, Offset: sdhostPower, Value: 1},
		{Kind: iomem.Sleep, SleepUnit: iomem.SleepMillisecond, SleepAmount: 20},
	}}
	if err := d.mmio.Perform(p, nil); err != nil {
		return ioerrors.Wrap("SD_RESET", err)
	}
	return c.ChangeClock(d, clockFrequencyLow)
}

// ChangeClock uses the raw division: divisor = core/freq clamped to a
// minimum of 2, minus the controller's implicit +2, followed by the
// timeout-counter update for the resulting actual frequency.
func (sdhostController) ChangeClock(d *Device, freq physic.Frequency) error {
	target := uint32(freq / physic.Hertz)
	if target == 0 {
		return ioerrors.New("SD_CLOCK", ioerrors.ClassValidation, "zero target frequency")
	}
	maxClock := d.State.MaxClock
	if maxClock == 0 {
		return ioerrors.New("SD_CLOCK", ioerrors.ClassValidation, "core clock unknown")
	}

	divisor := maxClock / target
	if divisor < 2 {
		divisor = 2
	}
	if maxClock/divisor > target {
		divisor++
	}
	divisor -= 2
	if divisor > sdhostClockDivisorMax {
		divisor = sdhostClockDivisorMax
	}
	actual := maxClock / (divisor + 2)

	p := &iomem.Program{Steps: []iomem.Step{
		{Kind: iomem.Write, Offset: sdhostClockDivisor, Value: divisor},
		{Kind: iomem.Write, Offset: sdhostTimeoutCounter, Value: actual / 2},
	}}
	if err := d.mmio.Perform(p, nil); err != nil {
		return ioerrors.Wrap("SD_CLOCK", err)
	}
	return nil
}

// ResetCommand clears a stuck command by rewriting the command
// register and the sticky error bits.
func (sdhostController) ResetCommand(d *Device) error {
	p := &iomem.Program{Steps: []iomem.Step{
		{Kind: iomem.Write, Offset: sdhostCommand, Value: 0},
		{Kind: iomem.Write, Offset: sdhostHostStatus, Value: sdhostStatusErrorMask | sdhostStatusCmdTimeout},
	}}
	if err := d.mmio.Perform(p, nil); err != nil {
		return ioerrors.Wrap("SD_RESET_CMD", err)
	}
	return nil
}

func (sdhostController) ResetData(d *Device) error {
	p := &iomem.Program{Steps: []iomem.Step{
		{Kind: iomem.Write, Offset: sdhostHostStatus, Value: sdhostStatusErrorMask},
	}}
	if err := d.mmio.Perform(p, nil); err != nil {
		return ioerrors.Wrap("SD_RESET_DATA", err)
	}
	return nil
}

// IssueCommand fires the command with the NEW flag and polls the
// register until the controller clears it, then inspects the FAIL flag
// and HOST_STATUS error group. Data moves through the DATA port gated
// on the status data flag.
func (c sdhostController) IssueCommand(d *Device, command, argument uint32) error {
	word, ok := c.CommandWord(command)
	if !ok {
		return ioerrors.New("SD_COMMAND", ioerrors.ClassValidation, "command not supported")
	}
	isRead := word&sdhostCmdRead != 0
	isWrite := word&sdhostCmdWrite != 0
	longResponse := word&sdhostCmdLongResponse != 0

	wordsPerBlock := int(d.State.BlockSize / 4)
	steps := []iomem.Step{
		{Kind: iomem.LoopTrue, Offset: sdhostCommand, LoopAnd: sdhostCmdNew, LoopMax: waitIdleIterations, SleepUnit: iomem.SleepMillisecond, SleepAmount: 1},
		{Kind: iomem.Write, Offset: sdhostHostStatus, Value: sdhostStatusErrorMask},
		{Kind: iomem.Write, Offset: sdhostBlockSize, Value: d.State.BlockSize},
		{Kind: iomem.Write, Offset: sdhostBlockCount, Value: d.State.BlockCount},
		{Kind: iomem.Write, Offset: sdhostArgument, Value: argument},
		{Kind: iomem.Write, Offset: sdhostCommand, Value: word | sdhostCmdNew},
		{Kind: iomem.LoopTrue, Offset: sdhostCommand, LoopAnd: sdhostCmdNew, LoopMax: waitCommandIterations, SleepUnit: iomem.SleepMillisecond, SleepAmount: 1},
		{Kind: iomem.Read, Offset: sdhostCommand},
		{Kind: iomem.Read, Offset: sdhostHostStatus},
		{Kind: iomem.Read, Offset: sdhostResponse0},
		{Kind: iomem.Read, Offset: sdhostResponse1},
		{Kind: iomem.Read, Offset: sdhostResponse2},
		{Kind: iomem.Read, Offset: sdhostResponse3},
	}
	const firedIdx = 6
	const cmdReadIdx = 7
	const hstsIdx = 8
	const respIdx = 9
	dataStart := len(steps)

	if (isRead || isWrite) && d.State.BlockCount > 0 {
		for block := uint32(0); block < d.State.BlockCount; block++ {
			steps = append(steps, iomem.Step{
				Kind: iomem.LoopFalse, Offset: sdhostHostStatus, LoopAnd: sdhostStatusErrorMask | sdhostStatusDataFlag,
				LoopMax: waitCommandIterations / 10, SleepUnit: iomem.SleepMillisecond, SleepAmount: 1,
				FailureCondition: true, FailureValue: sdhostStatusErrorMask,
			})
			for w := 0; w < wordsPerBlock; w++ {
				step := iomem.Step{Offset: sdhostDataPort}
				if isWrite {
					step.Kind = iomem.Write
					step.Value = binary.LittleEndian.Uint32(d.State.Buffer[(int(block)*wordsPerBlock+w)*4:])
				} else {
					step.Kind = iomem.Read
				}
				steps = append(steps, step)
			}
		}
	}

	p := &iomem.Program{Steps: steps}
	if err := d.mmio.Perform(p, nil); err != nil {
		return ioerrors.Wrap("SD_COMMAND", err)
	}

	if p.Steps[firedIdx].AbortType == iomem.AbortTimeout {
		d.State.LastError = sdhostStatusCmdTimeout
		return ioerrors.New("SD_COMMAND", ioerrors.ClassDeviceTimeout, "command never completed")
	}
	if p.Steps[cmdReadIdx].Value&sdhostCmdFail != 0 || p.Steps[hstsIdx].Value&sdhostStatusErrorMask != 0 {
		d.State.LastInterrupt = p.Steps[hstsIdx].Value
		d.State.LastError = p.Steps[hstsIdx].Value & sdhostStatusErrorMask
		_ = d.clearInterruptRegister(sdhostHostStatus, sdhostStatusErrorMask)
		return ioerrors.New("SD_COMMAND", ioerrors.ClassDeviceTimeout, "command failed")
	}

	if longResponse {
		for i := 0; i < 4; i++ {
			d.State.LastResponse[i] = p.Steps[respIdx+i].Value
		}
	} else if word&sdhostCmdNoResponse == 0 {
		d.State.LastResponse[0] = p.Steps[respIdx].Value
	}

	if isRead && d.State.BlockCount > 0 {
		idx := dataStart
		for block := uint32(0); block < d.State.BlockCount; block++ {
			if p.Steps[idx].AbortType == iomem.AbortTimeout {
				d.State.LastError = p.Steps[idx].Value & sdhostStatusErrorMask
				return ioerrors.New("SD_COMMAND", ioerrors.ClassDeviceTimeout, "data wait timed out")
			}
			idx++
			for w := 0; w < wordsPerBlock; w++ {
				binary.LittleEndian.PutUint32(d.State.Buffer[(int(block)*wordsPerBlock+w)*4:], p.Steps[idx+w].Value)
			}
			idx += wordsPerBlock
		}
	}

	return nil
}
