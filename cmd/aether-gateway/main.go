// Package main provides the CLI entry point for the Aether gateway.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/aether-gateway/internal/agent"
	"github.com/postalsys/aether-gateway/internal/config"
	"github.com/postalsys/aether-gateway/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aether-gateway",
		Short: "Aether gateway - routes device envelopes to servers",
		Long: `The Aether gateway accepts envelopes from local devices over UDP or a
LoRa modem and forwards their payloads to servers over TCP, UDP,
WebSocket or QUIC channels. Server replies are wrapped and sent back
to the originating device.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(initCmd())
	cmd.AddCommand(runCmd())
	cmd.AddCommand(checkConfigCmd())
	cmd.AddCommand(statusCmd())
	cmd.AddCommand(probeCmd())
	cmd.AddCommand(loraCmd())
	return cmd
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a configuration interactively",
		Long:  "Run the setup wizard and write a gateway configuration file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.New().Run()
			return err
		},
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the gateway",
		Long:  "Start the gateway with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			a, err := agent.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to create gateway: %w", err)
			}

			fmt.Printf("Starting Aether gateway %s...\n", Version)
			if err := a.Start(); err != nil {
				return fmt.Errorf("failed to start gateway: %w", err)
			}

			if addr := a.DeviceAddr(); addr != "" {
				fmt.Printf("Device port: udp://%s\n", addr)
			}
			if addr := a.HealthServerAddress(); addr != "" {
				fmt.Printf("Health: http://%s/healthz\n", addr)
			}
			stats := a.Stats()
			fmt.Printf("Status: running (servers: %d, lora connections: %d)\n", stats.KnownServers, stats.LoRaConnections)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := a.StopWithContext(ctx); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Gateway stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./aether.yaml", "Path to configuration file")
	return cmd
}

func checkConfigCmd() *cobra.Command {
	var configPath string
	var unsafe bool

	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate a configuration file",
		Long:  "Parse and validate a configuration file and print the effective settings. Credentials are redacted unless --show-secrets is set.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# %s is valid\n", configPath)
			if unsafe {
				fmt.Fprint(out, cfg.StringUnsafe())
			} else {
				fmt.Fprint(out, cfg.String())
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./aether.yaml", "Path to configuration file")
	cmd.Flags().BoolVar(&unsafe, "show-secrets", false, "Print credentials in clear text")
	return cmd
}
