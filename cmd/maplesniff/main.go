// Command maplesniff runs the live Maple protocol sniffer: it opens a
// capture on the configured interface, reconstructs decrypted client/server
// messages, and serves them over the control plane and (optionally) a JSON
// output socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taida957789/maplesniffer/internal/config"
	"github.com/taida957789/maplesniffer/internal/sniffer"
)

func main() {
	cfgPath := flag.String("config", "", "Path to YAML config file")
	logLevel := flag.String("log-level", "", "Optional console override: DEBUG/INFO/WARN/ERROR")
	flag.Parse()

	if *cfgPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.ConsoleLevel = *logLevel
	}

	svc, err := sniffer.NewService(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "service init error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "start error: %v\n", err)
		os.Exit(1)
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer stopCancel()
	if err := svc.Stop(stopCtx); err != nil {
		sniffer.HardKillAll(0)
	}
}
