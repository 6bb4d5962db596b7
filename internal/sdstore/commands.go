package sdstore

// SD command indices.
const (
	cmdGoIdleState        = 0
	cmdAllSendCID         = 2
	cmdSendRelativeAddr   = 3
	cmdSelectCard         = 7
	cmdSendIfCond         = 8
	cmdSendCSD            = 9
	cmdStopTransmission   = 12
	cmdSendStatus         = 13
	cmdSetBlocklen        = 16
	cmdReadSingleBlock    = 17
	cmdReadMultipleBlock  = 18
	cmdWriteSingleBlock   = 24
	cmdWriteMultipleBlock = 25
	cmdAppCmd             = 55
)

// App command indices, flagged with the high bit so one command space
// covers both tables.
const (
	appCmdBit        = uint32(1) << 31
	acmdSetBusWidth  = appCmdBit | 6
	acmdSDStatus     = appCmdBit | 13
	acmdSDSendOpCond = appCmdBit | 41
	acmdSendSCR      = appCmdBit | 51
)

func isAppCmd(cmd uint32) bool      { return cmd&appCmdBit != 0 }
func appCmdIndex(cmd uint32) uint32 { return cmd &^ appCmdBit }

func cmdIndex(i uint32) uint32 { return i << 24 }

// emmcCommands maps command index to the CMDTM word that issues it.
// Only the commands the driver uses are populated.
var emmcCommands = map[uint32]uint32{
	cmdGoIdleState:       cmdIndex(0) | respNone | cmdTypeNormal,
	cmdAllSendCID:        cmdIndex(2) | respR2 | cmdTypeNormal,
	cmdSendRelativeAddr:  cmdIndex(3) | respR6 | cmdTypeNormal,
	cmdSelectCard:        cmdIndex(7) | respR1b | cmdTypeNormal,
	cmdSendIfCond:        cmdIndex(8) | respR7 | cmdTypeNormal,
	cmdSendCSD:           cmdIndex(9) | respR2 | cmdTypeNormal,
	cmdStopTransmission:  cmdIndex(12) | respR1b | cmdTypeAbort,
	cmdSendStatus:        cmdIndex(13) | respR1 | cmdTypeNormal,
	cmdSetBlocklen:       cmdIndex(16) | respR1 | cmdTypeNormal,
	cmdReadSingleBlock:   cmdIndex(17) | respR1 | cmdTypeNormal | dataRead,
	cmdReadMultipleBlock: cmdIndex(18) | respR1 | cmdTypeNormal | dataRead | cmdMultiBlock | cmdBlkCntEn | cmdAutoCmd12,
	cmdWriteSingleBlock:  cmdIndex(24) | respR1 | cmdTypeNormal | dataWrite,
	cmdWriteMultipleBlock: cmdIndex(25) | respR1 | cmdTypeNormal | dataWrite | cmdMultiBlock | cmdBlkCntEn | cmdAutoCmd12,
	cmdAppCmd:            cmdIndex(55) | respR1 | cmdTypeNormal,
}

// emmcAppCommands maps ACMD index to its CMDTM word.
var emmcAppCommands = map[uint32]uint32{
	6:  cmdIndex(6) | respR1 | cmdTypeNormal,
	13: cmdIndex(13) | respR1 | cmdTypeNormal,
	41: cmdIndex(41) | respR3 | cmdTypeNormal,
	51: cmdIndex(51) | respR1 | cmdTypeNormal | dataRead,
}

// sdhostCommands maps command index to the SDHOST command register
// word (sans the NEW flag, which the issue path adds when firing).
var sdhostCommands = map[uint32]uint32{
	cmdGoIdleState:       0 | sdhostCmdNoResponse,
	cmdAllSendCID:        2 | sdhostCmdLongResponse,
	cmdSendRelativeAddr:  3,
	cmdSelectCard:        7 | sdhostCmdBusyWait,
	cmdSendIfCond:        8,
	cmdSendCSD:           9 | sdhostCmdLongResponse,
	cmdStopTransmission:  12 | sdhostCmdBusyWait,
	cmdSendStatus:        13,
	cmdSetBlocklen:       16,
	cmdReadSingleBlock:   17 | sdhostCmdRead,
	cmdReadMultipleBlock: 18 | sdhostCmdRead,
	cmdWriteSingleBlock:  24 | sdhostCmdWrite,
	cmdWriteMultipleBlock: 25 | sdhostCmdWrite,
	cmdAppCmd:            55,
}

var sdhostAppCommands = map[uint32]uint32{
	6:  6,
	13: 13,
	41: 41,
	51: 51 | sdhostCmdRead,
}
