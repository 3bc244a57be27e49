package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/aether-gateway/internal/config"
	"github.com/postalsys/aether-gateway/internal/probe"
	"github.com/postalsys/aether-gateway/internal/protocol"
	"github.com/postalsys/aether-gateway/internal/transport"
)

func probeCmd() *cobra.Command {
	var configPath, payload string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "probe <proto://host:port>...",
		Short: "Test connectivity to server endpoints",
		Long: `Dial each endpoint with the transports enabled in the configuration.
With --payload the probe sends one message and waits for the first reply.
Without a configuration file every transport is enabled.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			channels := config.Default().Channels
			if cmd.Flags().Changed("config") {
				cfg, err := config.Load(configPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				channels = cfg.Channels
			}
			reg, err := transport.RegistryFromConfig(channels)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			failed := 0
			for _, raw := range args {
				ep, err := protocol.ParseEndpoint(raw)
				if err != nil {
					return err
				}
				r := probe.Probe(cmd.Context(), reg, ep, probe.Options{Timeout: timeout, Payload: []byte(payload)})
				if !r.Success {
					failed++
					fmt.Fprintf(out, "FAIL %s: %s\n", ep, r.ErrorDetail)
					continue
				}
				if r.RTT > 0 {
					fmt.Fprintf(out, "OK   %s dial %s, rtt %s, %d byte reply\n", ep, r.DialTime.Round(time.Microsecond), r.RTT.Round(time.Microsecond), len(r.Reply))
				} else {
					fmt.Fprintf(out, "OK   %s dial %s\n", ep, r.DialTime.Round(time.Microsecond))
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d endpoints unreachable", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./aether.yaml", "Path to configuration file")
	cmd.Flags().StringVar(&payload, "payload", "", "Message to send after connecting")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Per endpoint timeout")
	return cmd
}
