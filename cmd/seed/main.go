// Command seed runs one seed process of the overlay (spec.md §6): CLI
// `seed <config_path> <listen_port>`, binding the wire listener on
// <listen_port> and the metrics server on <listen_port>+1.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/latticenet/overlay/internal/config"
	"github.com/latticenet/overlay/internal/id"
	"github.com/latticenet/overlay/internal/logging"
	"github.com/latticenet/overlay/internal/metrics"
	"github.com/latticenet/overlay/internal/seednode"
)

var rootCmd = &cobra.Command{
	Use:   "seed <config_path> <listen_port>",
	Short: "Run a seed process of the peer overlay",
	Args:  cobra.ExactArgs(2),
	RunE:  runSeed,
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

func runSeed(cmd *cobra.Command, args []string) error {
	configPath := args[0]
	listenPort, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("seed: bad listen_port %q: %w", args[1], err)
	}

	seeds, err := config.LoadSeeds(configPath)
	if err != nil {
		return err
	}

	// If listenPort isn't one of the configured seeds, fall back to
	// loopback rather than "0.0.0.0": this seed's identity is what gets
	// broadcast to the rest of the seed set in COMMIT_ADD/COMMIT_REMOVE
	// fan-out, and "0.0.0.0" is not an address anything else can dial
	// back to. Mirrors seed.py's fallback, which defaults to
	// '127.0.0.1' and warns rather than silently picking an unreachable
	// address.
	self := id.New("127.0.0.1", listenPort)
	foundInConfig := false
	for _, s := range seeds {
		if s.Port == listenPort {
			self = s
			foundInConfig = true
			break
		}
	}

	logger, closeLog, err := logging.New(logging.RoleSeed, listenPort)
	if err != nil {
		return err
	}
	defer closeLog()

	if !foundInConfig {
		logger.Warn("listen_port not found in config, using default IP", zap.Int("port", listenPort), zap.String("ip", self.IP))
	}

	m, reg := metrics.NewSeed()
	metricsSrv, err := metrics.Serve(metrics.MetricsAddr(self.IP, listenPort), reg)
	if err != nil {
		return fmt.Errorf("seed: failed to start metrics server: %w", err)
	}
	defer func() { _ = metricsSrv.Shutdown(context.Background()) }()

	s, err := seednode.Start(seednode.Config{
		Self:     self,
		Seeds:    seeds,
		BindAddr: fmt.Sprintf(":%d", listenPort),
		Logger:   logger,
		Metrics:  m,
	})
	if err != nil {
		return err
	}

	waitForShutdownSignal()
	logger.Info("shutting down")
	return s.Shutdown()
}

func waitForShutdownSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
}
