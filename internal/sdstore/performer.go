package sdstore

import (
	"syscall"
	"time"

	ioerrors "github.com/raspi-iosvc/ioserver/internal/errors"
	"github.com/raspi-iosvc/ioserver/internal/iomem"
	"github.com/raspi-iosvc/ioserver/internal/proto"
	"github.com/raspi-iosvc/ioserver/internal/rpcbus"
)

// RPCPerformer sends MMIO programs to the IOMem server over the bus
// and copies the executed steps back, so the driver sees the same
// mutated program an in-process executor would produce.
type RPCPerformer struct {
	Bus     *rpcbus.Bus
	Origin  rpcbus.Pid
	Target  rpcbus.Pid
	Timeout time.Duration

	// ShmID names the shared-memory region for DMA programs; zero for
	// the FIFO paths.
	ShmID uint32
}

func (r RPCPerformer) Perform(p *iomem.Program, _ iomem.SharedBuffer) error {
	req := proto.MMIORequest{ShmID: r.ShmID, Entries: make([]proto.MMIOEntry, len(p.Steps))}
	for i, step := range p.Steps {
		req.Entries[i] = iomem.EntryFromStep(step)
	}
	timeout := r.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	respBytes, err := r.Bus.Call(r.Origin, r.Target, proto.IOMemMMIOPerform, req.Marshal(), timeout)
	if err != nil {
		return ioerrors.Wrap("MMIO_PERFORM", err)
	}
	var resp proto.MMIORequest
	if err := resp.Unmarshal(respBytes); err != nil || len(resp.Entries) != len(p.Steps) {
		// a short reply is the gateway's whole-program rejection status
		var status proto.StatusResponse
		if serr := status.Unmarshal(respBytes); serr == nil {
			return ioerrors.NewErrno("MMIO_PERFORM", ioerrors.ClassValidation, syscall.Errno(-status.Status))
		}
		return ioerrors.New("MMIO_PERFORM", ioerrors.ClassIO, "malformed gateway reply")
	}
	for i, e := range resp.Entries {
		p.Steps[i] = iomem.StepFromEntry(e)
		p.Steps[i].AbortType = iomem.AbortType(e.AbortType)
		p.Steps[i].Skipped = e.Skipped != 0
	}
	return nil
}
