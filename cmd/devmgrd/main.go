package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/raspi-iosvc/ioserver/internal/devmgr"
	"github.com/raspi-iosvc/ioserver/internal/logging"
	"github.com/raspi-iosvc/ioserver/internal/metrics"
	"github.com/raspi-iosvc/ioserver/internal/rpcbus"
)

func main() {
	var (
		pid     = flag.Int("pid", 1, "Process identity to bind on the RPC bus")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	bus := rpcbus.New()
	m := metrics.New()
	srv := devmgr.NewServer(bus, rpcbus.Pid(*pid), logger)
	srv.SetObserver(metrics.NewObserver(m))

	stop := make(chan struct{})
	go bus.Run(srv.Pid, stop)
	logger.Info("dev namespace server running", "pid", *pid)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	close(stop)
	snap := m.Snapshot()
	logger.Info("shutting down", "requests", snap.Requests, "forwards", snap.Forwards, "errors", snap.Errors)
}
