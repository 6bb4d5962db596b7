//go:build !linux

package iomem

import ioerrors "github.com/raspi-iosvc/ioserver/internal/errors"

// DeviceWindow requires a Linux physical-memory device node; other
// platforms run against a MemoryWindow only.
type DeviceWindow struct{}

func OpenDeviceWindow(devicePath string, base int64, size uint32) (*DeviceWindow, error) {
	return nil, ioerrors.New("MMIO_MAP", ioerrors.ClassValidation, "device memory mapping unsupported on this platform")
}

func (w *DeviceWindow) Size() uint32 { return 0 }

func (w *DeviceWindow) Read32(uint32) (uint32, error) {
	return 0, ioerrors.New("MMIO_READ", ioerrors.ClassIO, "window not mapped")
}

func (w *DeviceWindow) Write32(uint32, uint32) error {
	return ioerrors.New("MMIO_WRITE", ioerrors.ClassIO, "window not mapped")
}

func (w *DeviceWindow) Close() error { return nil }
