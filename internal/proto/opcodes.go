package proto

import "github.com/raspi-iosvc/ioserver/internal/rpcbus"

// VFS protocol opcodes handled by DevMgr. Numbering mirrors the VFS
// protocol block; DEV_START/DEV_KILL live in the reserved custom range.
const (
	VFSAdd rpcbus.Opcode = iota + 1
	VFSRemove
	VFSOpen
	VFSClose
	VFSRead
	VFSWrite
	VFSSeek
	VFSStat
	VFSIoctl
	VFSMount
	VFSUmount
	VFSExit
	VFSFork
	VFSWatchRegister
	VFSWatchRelease
	VFSWatchNotify
)

// Custom DevMgr opcodes, reserved custom range.
const (
	DevStart rpcbus.Opcode = 0x1000 + iota
	DevKill
)

// IOMem opcodes, its own code block. The IOMem device appears as
// /dev/iomem.
const (
	IOMemMailbox rpcbus.Opcode = 0x2000 + iota
	IOMemMMIOPerform
	IOMemMMIOLock
	IOMemMMIOUnlock
	IOMemGPIOSetFunction
	IOMemGPIOSetPull
	IOMemGPIOSetDetect
	IOMemGPIOStatus
	IOMemGPIOEvent
	IOMemGPIOLock
	IOMemGPIOUnlock
)

// AddResponse.Status values.
const (
	AddStatusSuccess uint32 = iota
	AddStatusAlreadyExist
	AddStatusError
)
