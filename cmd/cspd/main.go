// Package main implements an example CSP daemon: it wires a CAN
// datagram adapter to a connection table and drives the
// periodic timeout sweep on a ticker.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rcarmo/csp-rdp-go/csp"
	"github.com/rcarmo/csp-rdp-go/csp/iface/can"
	"github.com/rcarmo/csp-rdp-go/internal/config"
	"github.com/rcarmo/csp-rdp-go/internal/logging"
)

var (
	appName    = "cspd"
	appVersion = "dev" // injected at build time via -ldflags
)

func main() {
	args, action := parseFlags()
	if action != "" {
		return
	}
	if err := run(args); err != nil {
		log.Fatalln(err)
	}
}

// parsedArgs holds the parsed command line arguments.
type parsedArgs struct {
	canIface string
	address  uint8
	logLevel string
}

//go:noinline
func parseFlags() (parsedArgs, string) {
	return parseFlagsWithArgs(os.Args[1:])
}

func parseFlagsWithArgs(args []string) (parsedArgs, string) {
	fs := flag.NewFlagSet("cspd", flag.ContinueOnError)
	canIface := fs.String("can-iface", "can0", "CAN interface to bind to")
	address := fs.Uint("address", 1, "this node's CSP address (0-31)")
	logLevelFlag := fs.String("log-level", "", "log level (debug, info, warn, error)")
	helpFlag := fs.Bool("help", false, "show help")
	versionFlag := fs.Bool("version", false, "show version")

	_ = fs.Parse(args)

	if *helpFlag {
		fs.Usage()
		return parsedArgs{}, "help"
	}

	if *versionFlag {
		fmt.Printf("%s %s\n", appName, appVersion)
		return parsedArgs{}, "version"
	}

	return parsedArgs{
		canIface: *canIface,
		address:  uint8(*address),
		logLevel: *logLevelFlag,
	}, ""
}

func run(args parsedArgs) error {
	cfg, err := config.LoadWithOverrides(config.LoadOptions{LogLevel: args.logLevel})
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logging.SetLevelFromString(cfg.Logging.Level)

	adapter, err := can.NewAdapter(args.canIface)
	if err != nil {
		return fmt.Errorf("can adapter: %w", err)
	}

	opts := csp.Options{
		Address:            args.address,
		WindowSize:         cfg.RDP.WindowSize,
		ConnTimeout:        cfg.RDP.ConnTimeout,
		PacketTimeout:      cfg.RDP.PacketTimeout,
		ConnMax:            cfg.Conn.MaxConnections,
		RxQueueLength:      cfg.Conn.RxQueueLength,
		MaxBindPort:        csp.Port(cfg.Conn.MaxBindPort),
		MaxPort:            csp.Port(cfg.Conn.MaxPort),
		RandomizeEphemeral: cfg.Conn.RandomizeEphemeral,
	}

	pool := csp.NewPool(opts.ConnMax * 4)
	table := csp.NewTable(opts, adapter, pool)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	go func() {
		if err := adapter.Run(ctx, table.Deliver); err != nil && ctx.Err() == nil {
			logging.Error("cspd: adapter.Run: %v", err)
		}
	}()

	// The driver must tick strictly finer than packet_timeout (spec §4.2
	// asks for roughly 4x finer) so retransmit deadlines are observed
	// promptly rather than being rounded up to the next packet_timeout.
	tickInterval := cfg.RDP.PacketTimeout / 4
	if tickInterval <= 0 {
		tickInterval = time.Millisecond
	}
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	logging.Info("cspd: listening on %s as address %d", args.canIface, args.address)

	for {
		select {
		case <-ticker.C:
			table.CheckTimeouts()
		case <-ctx.Done():
			logging.Info("cspd: shutting down")
			return nil
		}
	}
}
