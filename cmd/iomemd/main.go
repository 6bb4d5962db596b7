package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/raspi-iosvc/ioserver/internal/iomem"
	"github.com/raspi-iosvc/ioserver/internal/logging"
	"github.com/raspi-iosvc/ioserver/internal/metrics"
	"github.com/raspi-iosvc/ioserver/internal/rpcbus"
)

func main() {
	var (
		pid     = flag.Int("pid", 2, "Process identity to bind on the RPC bus")
		board   = flag.String("board", "bcm2836", "Board generation: bcm2835 or bcm2836")
		memPath = flag.String("mem", "/dev/mem", "Physical memory device node")
		sim     = flag.Bool("sim", false, "Back the peripheral window with plain RAM instead of hardware")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

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
			logger.Error("failed to map peripheral window", "path", *memPath, "base", base, "error", err)
			os.Exit(1)
		}
		defer dw.Close()
		window = dw
		logger.Info("peripheral window mapped", "base", base, "size", iomem.PeripheralWindowSize)
	}

	bus := rpcbus.New()
	m := metrics.New()
	// in a single-process deployment the property buffer is ordinary
	// memory; the bus address translator reports address 0 for every buffer
	srv := iomem.NewServer(bus, rpcbus.Pid(*pid), logger, window, iomem.MailboxBase, func([]byte) uint32 { return 0 })
	srv.SetObserver(metrics.NewObserver(m))

	stop := make(chan struct{})
	go bus.Run(srv.Pid, stop)
	logger.Info("peripheral gateway running", "pid", *pid, "board", *board)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	close(stop)
	snap := m.Snapshot()
	logger.Info("shutting down", "requests", snap.Requests, "errors", snap.Errors)
}
