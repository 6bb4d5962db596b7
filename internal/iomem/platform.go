package iomem

// Physical peripheral window placement per board generation. All MMIO
// offsets in programs are relative to the mapped base.
const (
	PeripheralBaseBCM2835 = 0x20000000 // Pi 1 / Zero
	PeripheralBaseBCM2836 = 0x3F000000 // Pi 2 / 3
	PeripheralWindowSize  = 0x1000000
)

// MailboxBase is the VideoCore mailbox register block offset within
// the peripheral window.
const MailboxBase = 0xB880
