package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raspi-iosvc/ioserver/internal/iomem"
	"github.com/raspi-iosvc/ioserver/internal/logging"
	"github.com/raspi-iosvc/ioserver/internal/metrics"
	"github.com/raspi-iosvc/ioserver/internal/proto"
	"github.com/raspi-iosvc/ioserver/internal/rpcbus"
	"github.com/raspi-iosvc/ioserver/internal/sdstore"
)

const (
	iomemPid   = 2
	sdstorePid = 3
)

func main() {
	var (
		variantName = flag.String("variant", "emmc", "Host controller variant: emmc or sdhost")
		board       = flag.String("board", "bcm2836", "Board generation: bcm2835 or bcm2836")
		memPath     = flag.String("mem", "/dev/mem", "Physical memory device node")
		sim         = flag.Bool("sim", false, "Back the peripheral window with plain RAM instead of hardware")
		verbose     = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	var variant sdstore.ControllerVariant
	switch *variantName {
	case "emmc":
		variant = sdstore.VariantEMMC
	case "sdhost":
		variant = sdstore.VariantSDHOST
	default:
		log.Fatalf("Unknown controller variant '%s'", *variantName)
	}

	var base int64
	switch *board {
	case "bcm2835":
		base = iomem.PeripheralBaseBCM2835
	case "bcm2836":
		base = iomem.PeripheralBaseBCM2836
	default:
		log.Fatalf("Unknown board '%s'", *board)
	}

	var window iomem.Window
	if *sim {
		window = iomem.NewMemoryWindow(iomem.PeripheralWindowSize)
		logger.Info("using simulated peripheral window")
	} else {
		dw, err := iomem.OpenDeviceWindow(*memPath, base, iomem.PeripheralWindowSize)
		if err != nil {
			logger.Error("failed to map peripheral window", "path", *memPath, "error", err)
			os.Exit(1)
		}
		defer dw.Close()
		window = dw
	}

	// colocate the peripheral gateway so the driver's programs travel
	// the same RPC path they would to a standalone iomemd
	bus := rpcbus.New()
	iomem.NewServer(bus, iomemPid, logger, window, iomem.MailboxBase, func([]byte) uint32 { return 0 })

	performer := sdstore.RPCPerformer{
		Bus:     bus,
		Origin:  sdstorePid,
		Target:  iomemPid,
		Timeout: 30 * time.Second,
	}
	clock := sdstore.MailboxClock{Call: func(words []uint32) ([]uint32, error) {
		req := proto.MailboxRequest{Words: words}
		resp, err := bus.Call(sdstorePid, iomemPid, proto.IOMemMailbox, req.Marshal(), 10*time.Second)
		if err != nil {
			return nil, err
		}
		var out proto.MailboxRequest
		if err := out.Unmarshal(resp); err != nil {
			return nil, err
		}
		return out.Words, nil
	}}

	device := sdstore.NewDevice(variant, performer, clock, logger)
	device.SetMailbox(clock.Call)
	m := metrics.New()
	srv := sdstore.NewServer(bus, sdstorePid, logger, device)
	srv.SetObserver(metrics.NewObserver(m))

	stop := make(chan struct{})
	go bus.Run(iomemPid, stop)
	go bus.Run(sdstorePid, stop)
	logger.Info("block device server running", "variant", *variantName, "board", *board)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	close(stop)
	snap := m.Snapshot()
	logger.Info("shutting down", "requests", snap.Requests, "errors", snap.Errors)
}
