//go:build linux

package iomem

import (
	"os"

	ioerrors "github.com/raspi-iosvc/ioserver/internal/errors"
	"golang.org/x/sys/unix"
)

// DeviceWindow is the production Window: the physical peripheral
// region mapped read/write through a memory device node. The mapping
// is shared and unbuffered, so every Read32/Write32 is a real bus
// access.
type DeviceWindow struct {
	file *os.File
	mem  []byte
}

// OpenDeviceWindow maps size bytes of physical memory at base through
// devicePath (usually /dev/mem or the platform's gpiomem-style node).
func OpenDeviceWindow(devicePath string, base int64, size uint32) (*DeviceWindow, error) {
	f, err := os.OpenFile(devicePath, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, ioerrors.Wrap("MMIO_MAP", err)
	}
	mem, err := unix.Mmap(int(f.Fd()), base, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, ioerrors.Wrap("MMIO_MAP", err)
	}
	return &DeviceWindow{file: f, mem: mem}, nil
}

func (w *DeviceWindow) Size() uint32 { return uint32(len(w.mem)) }

func (w *DeviceWindow) Read32(offset uint32) (uint32, error) {
	if uint64(offset)+4 > uint64(len(w.mem)) {
		return 0, ioerrors.New("MMIO_READ", ioerrors.ClassValidation, "offset out of window")
	}
	return le32(w.mem[offset : offset+4]), nil
}

func (w *DeviceWindow) Write32(offset uint32, value uint32) error {
	if uint64(offset)+4 > uint64(len(w.mem)) {
		return ioerrors.New("MMIO_WRITE", ioerrors.ClassValidation, "offset out of window")
	}
	putLE32(w.mem[offset:offset+4], value)
	return nil
}

// Close unmaps the region and releases the device node.
func (w *DeviceWindow) Close() error {
	err := unix.Munmap(w.mem)
	w.mem = nil
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	return err
}
