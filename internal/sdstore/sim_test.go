package sdstore

import (
	"encoding/binary"
)

// issuedCmd is one command the simulated card saw on the wire.
type issuedCmd struct {
	index uint32
	arg   uint32
	app   bool // true when the command followed a CMD55
}

// simCard emulates an EMMC host controller with one SD card behind
// it, at the register level the MMIO programs drive: CMDTM writes
// execute commands, the interrupt register is write-to-clear, the DATA
// port streams FIFO words, CONTROL1 reset bits self-clear and the
// clock reports stable as soon as it is enabled.
type simCard struct {
	blockSizeCnt uint32
	arg1         uint32
	control0     uint32
	control1     uint32
	irptMask     uint32
	irptEnable   uint32
	interrupt    uint32
	resp         [4]uint32

	cardState   uint32
	rca         uint32
	appCmd      bool
	acmd41Tries int

	issued []issuedCmd

	blocks map[uint32][]byte

	// read-side FIFO
	pending    []byte
	pendingOff int
	reading    bool

	// write-side FIFO
	writeBuf      []byte
	writeExpected int
	writing       bool
	startBlock    uint32

	// stuckCommand, when non-zero, makes that command index never
	// raise CMD_DONE, standing in for a dead card.
	stuckCommand uint32
}

func newSimCard() *simCard {
	return &simCard{blocks: make(map[uint32][]byte), stuckCommand: 0xFFFFFFFF}
}

func (c *simCard) Size() uint32 { return 0x1000000 }

func (c *simCard) cardStatus() uint32 { return c.cardState<<9 | 1<<8 }

func (c *simCard) Read32(offset uint32) (uint32, error) {
	switch offset {
	case emmcStatus:
		return 0, nil
	case emmcControl0:
		return c.control0, nil
	case emmcControl1:
		v := c.control1
		if v&control1ClkEn != 0 {
			v |= control1ClkStable
		}
		return v, nil
	case emmcInterrupt:
		return c.interrupt, nil
	case emmcResp0, emmcResp1, emmcResp2, emmcResp3:
		return c.resp[(offset-emmcResp0)/4], nil
	case emmcData:
		return c.popWord(), nil
	case emmcSlotisrVer:
		return hostControllerV3 << 16, nil
	default:
		return 0, nil
	}
}

func (c *simCard) Write32(offset, value uint32) error {
	switch offset {
	case emmcBlkSizeCnt:
		c.blockSizeCnt = value
	case emmcArg1:
		c.arg1 = value
	case emmcCmdtm:
		c.execute(value)
	case emmcInterrupt:
		c.interrupt &^= value
		if c.reading && c.pendingOff < len(c.pending) {
			c.interrupt |= intReadRdy
		}
		if c.writing && len(c.writeBuf) < c.writeExpected {
			c.interrupt |= intWriteRdy
		}
	case emmcControl0:
		c.control0 = value
	case emmcControl1:
		c.control1 = value &^ (control1SrstHC | control1SrstCmd | control1SrstData)
	case emmcIrptMask:
		c.irptMask = value
	case emmcIrptEnable:
		c.irptEnable = value
	case emmcData:
		c.pushWord(value)
	}
	return nil
}

func (c *simCard) popWord() uint32 {
	if c.pendingOff+4 > len(c.pending) {
		return 0
	}
	v := binary.LittleEndian.Uint32(c.pending[c.pendingOff:])
	c.pendingOff += 4
	if c.pendingOff >= len(c.pending) {
		c.reading = false
		c.interrupt &^= intReadRdy
		c.interrupt |= intDataDone
	}
	return v
}

func (c *simCard) pushWord(v uint32) {
	if !c.writing {
		return
	}
	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], v)
	c.writeBuf = append(c.writeBuf, word[:]...)
	if len(c.writeBuf) >= c.writeExpected {
		size := c.blockSizeCnt & 0xFFFF
		for i := uint32(0); i*size < uint32(len(c.writeBuf)); i++ {
			block := make([]byte, size)
			copy(block, c.writeBuf[i*size:])
			c.blocks[c.startBlock+i] = block
		}
		c.writing = false
		c.interrupt &^= intWriteRdy
		c.interrupt |= intDataDone
	}
}

func (c *simCard) execute(word uint32) {
	index := (word >> 24) & 0x3F
	wasApp := c.appCmd
	c.appCmd = false
	c.issued = append(c.issued, issuedCmd{index: index, arg: c.arg1, app: wasApp})

	if index == c.stuckCommand {
		return
	}
	c.interrupt |= intCmdDone

	size := c.blockSizeCnt & 0xFFFF
	count := c.blockSizeCnt >> 16

	if wasApp {
		switch index {
		case 6: // set bus width
			c.resp[0] = c.cardStatus()
		case 41:
			c.acmd41Tries++
			switch {
			case c.arg1 == 0:
				c.resp[0] = 0x00FF8000
			case c.acmd41Tries >= 2:
				c.resp[0] = 0x80FF8000 | c.arg1&(1<<30)
			default:
				c.resp[0] = 0x00FF8000 // still busy
			}
		case 51: // SEND_SCR: 8 bytes, 4-bit bus support flagged
			c.resp[0] = c.cardStatus()
			c.pending = make([]byte, 8)
			binary.LittleEndian.PutUint32(c.pending, 0x00000502)
			c.pendingOff = 0
			c.reading = true
			c.interrupt |= intReadRdy
		}
		return
	}

	switch index {
	case 0:
		c.cardState = 0
		c.resp[0] = 0
	case 2:
		c.resp = [4]uint32{0x00010203, 0x04050607, 0x08090A0B, 0x0C0D0E0F}
		c.cardState = 2
	case 3:
		c.rca = 0x1234
		c.resp[0] = c.rca<<16 | 1<<8
		c.cardState = 3
	case 7:
		if c.cardState == 3 {
			c.resp[0] = c.cardStatus()
			c.cardState = 4
		} else {
			c.resp[0] = c.cardStatus()
		}
		c.interrupt |= intDataDone // R1b busy completes immediately
	case 8:
		c.resp[0] = c.arg1 & 0xFFF
	case 9:
		c.resp = [4]uint32{0x11111111, 0x22222222, 0x33333333, 0x44444444}
	case 12:
		c.cardState = 4
		c.resp[0] = c.cardStatus()
		c.interrupt |= intDataDone
	case 13:
		c.resp[0] = c.cardStatus()
	case 16:
		c.resp[0] = c.cardStatus()
	case 17, 18:
		c.resp[0] = c.cardStatus()
		c.pending = c.pending[:0]
		for i := uint32(0); i < count; i++ {
			block, ok := c.blocks[c.arg1+i]
			if !ok {
				block = make([]byte, size)
			}
			c.pending = append(c.pending, block...)
		}
		c.pendingOff = 0
		c.reading = true
		c.interrupt |= intReadRdy
	case 24, 25:
		c.resp[0] = c.cardStatus()
		c.writeBuf = c.writeBuf[:0]
		c.writeExpected = int(size * count)
		c.writing = true
		c.startBlock = c.arg1
		c.interrupt |= intWriteRdy
	case 55:
		c.appCmd = true
		c.resp[0] = c.cardStatus()
	}
}

// logicalCommands folds CMD55+n pairs into app commands and drops the
// CMD55 halves, the shape init-sequence assertions care about.
func (c *simCard) logicalCommands() []issuedCmd {
	var out []issuedCmd
	for _, cmd := range c.issued {
		if cmd.index == 55 {
			continue
		}
		out = append(out, cmd)
	}
	return out
}
