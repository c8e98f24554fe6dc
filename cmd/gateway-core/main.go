// LoRaWAN Gateway Core
// Main entry point for the gateway-core service
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"log"

	"github.com/spf13/cobra"

	"github.com/agsys/lorawan-gateway-core/internal/config"
	"github.com/agsys/lorawan-gateway-core/internal/metrics"
	"github.com/agsys/lorawan-gateway-core/internal/node"
	"github.com/agsys/lorawan-gateway-core/internal/server"
)

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "gateway-core",
		Short: "LoRaWAN Gateway Core",
		Long:  "Gateway-core packet forwarder: bridges a LoRa radio transceiver driver to a LoRaWAN Network Server.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the gateway service",
		RunE:  runGateway,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("LoRaWAN Gateway Core v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/gateway-core/gateway.yaml", "Configuration file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	serverCfg, err := cfg.ServerConfig()
	if err != nil {
		return fmt.Errorf("failed to build server config: %w", err)
	}

	nodeMgr := node.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := nodeMgr.Initialize(ctx, node.TransceiverConfig{
		EventURL:   cfg.Node.EventURL,
		CommandURL: cfg.Node.CommandURL,
	}); err != nil {
		return fmt.Errorf("failed to initialize node manager: %w", err)
	}

	srv := server.New(serverCfg, nodeMgr)
	if err := srv.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize server manager: %w", err)
	}

	if cfg.Metrics.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			log.Printf("gateway-core: metrics listening on %s", cfg.Metrics.ListenAddr)
			if err := http.ListenAndServe(cfg.Metrics.ListenAddr, mux); err != nil {
				log.Printf("gateway-core: metrics server stopped: %v", err)
			}
		}()
	}

	// srv.Start attaches the ServerManager to nodeMgr, which must happen
	// before nodeMgr.Start.
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server manager: %w", err)
	}
	if err := nodeMgr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start node manager: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("gateway-core: running, protocol version %d", serverCfg.ProtocolVersion)
	sig := <-sigChan
	log.Printf("gateway-core: received signal %v, shutting down", sig)

	if err := srv.Stop(ctx); err != nil {
		log.Printf("gateway-core: error stopping server manager: %v", err)
	}
	if err := nodeMgr.Stop(); err != nil {
		log.Printf("gateway-core: error stopping node manager: %v", err)
	}

	log.Println("gateway-core: shutdown complete")
	return nil
}
