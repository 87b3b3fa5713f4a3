// Command peer runs one peer process of the overlay (spec.md §6): CLI
// `peer <config_path> <listen_port> [<bind_ip>]`, binding the wire
// listener on <listen_port> and the metrics server on <listen_port>+1.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/latticenet/overlay/internal/config"
	"github.com/latticenet/overlay/internal/id"
	"github.com/latticenet/overlay/internal/logging"
	"github.com/latticenet/overlay/internal/metrics"
	"github.com/latticenet/overlay/internal/peernode"
)

var rootCmd = &cobra.Command{
	Use:   "peer <config_path> <listen_port> [<bind_ip>]",
	Short: "Run a peer process of the peer overlay",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  runPeer,
}

func Execute() error {
	return rootCmd.Execute()
}

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runPeer(cmd *cobra.Command, args []string) error {
	configPath := args[0]
	listenPort, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("peer: bad listen_port %q: %w", args[1], err)
	}
	// selfIP is the address this peer advertises to the rest of the
	// overlay (wire.Register/wire.Connect's Peer field) — defaulting it to
	// "0.0.0.0" would tell every other peer and seed to dial back to an
	// address nothing can actually reach. original_source/peer.py resolves
	// this the same way: my_ip defaults to "127.0.0.1" and is independent
	// of the listen bind, which stays hardcoded to "0.0.0.0" regardless.
	selfIP := "127.0.0.1"
	if len(args) == 3 {
		selfIP = args[2]
	}
	const listenIP = "0.0.0.0"

	seeds, err := config.LoadSeeds(configPath)
	if err != nil {
		return err
	}

	self := id.New(selfIP, listenPort)

	logger, closeLog, err := logging.New(logging.RolePeer, listenPort)
	if err != nil {
		return err
	}
	defer closeLog()

	m, reg := metrics.NewPeer()
	metricsSrv, err := metrics.Serve(metrics.MetricsAddr(listenIP, listenPort), reg)
	if err != nil {
		return fmt.Errorf("peer: failed to start metrics server: %w", err)
	}
	defer func() { _ = metricsSrv.Shutdown(context.Background()) }()

	p, err := peernode.Start(peernode.Config{
		Self:     self,
		Seeds:    seeds,
		BindAddr: fmt.Sprintf("%s:%d", listenIP, listenPort),
		Logger:   logger,
		Metrics:  m,
	})
	if err != nil {
		return err
	}

	waitForShutdownSignal()
	logger.Info("shutting down")
	return p.Shutdown()
}

func waitForShutdownSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
}
