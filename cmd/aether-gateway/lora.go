package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/postalsys/aether-gateway/internal/action"
	"github.com/postalsys/aether-gateway/internal/config"
	"github.com/postalsys/aether-gateway/internal/logging"
	"github.com/postalsys/aether-gateway/internal/lora"
	"github.com/postalsys/aether-gateway/internal/metrics"
	"github.com/postalsys/aether-gateway/internal/serial"
)

// loraFlags are shared by the lora subcommands.
type loraFlags struct {
	configPath string
	port       string
	timeout    time.Duration
	verbose    bool
}

func loraCmd() *cobra.Command {
	f := &loraFlags{}

	cmd := &cobra.Command{
		Use:   "lora",
		Short: "Configure the LoRa modem",
		Long: `Open the modem's serial port, initialize it with the settings from the
configuration file and apply one change. The gateway must not be running
against the same port.`,
	}
	cmd.PersistentFlags().StringVarP(&f.configPath, "config", "c", "./aether.yaml", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&f.port, "port", "", "Serial port, overrides the configuration")
	cmd.PersistentFlags().DurationVar(&f.timeout, "timeout", 30*time.Second, "Overall timeout")
	cmd.PersistentFlags().BoolVarP(&f.verbose, "verbose", "v", false, "Log modem traffic")

	cmd.AddCommand(
		loraSetCmd(f, "set-channel <0-30>", "Set the radio channel", func(d *lora.DxSmartLR02, arg string) *action.Action[struct{}] {
			ch, err := strconv.ParseUint(arg, 10, 8)
			if err != nil {
				return action.Failed[struct{}](fmt.Errorf("channel: %w", err))
			}
			return d.SetChannel(uint8(ch))
		}),
		loraSetCmd(f, "set-address <0-65535>", "Set the module address", func(d *lora.DxSmartLR02, arg string) *action.Action[struct{}] {
			addr, err := strconv.ParseUint(arg, 0, 16)
			if err != nil {
				return action.Failed[struct{}](fmt.Errorf("address: %w", err))
			}
			return d.SetAddress(uint16(addr))
		}),
		loraSetCmd(f, "set-crc <on|off>", "Enable or disable CRC checking", func(d *lora.DxSmartLR02, arg string) *action.Action[struct{}] {
			on, err := parseOnOff(arg)
			if err != nil {
				return action.Failed[struct{}](err)
			}
			return d.SetCRCCheck(on)
		}),
		loraSetCmd(f, "set-iq <on|off>", "Enable or disable IQ signal inversion", func(d *lora.DxSmartLR02, arg string) *action.Action[struct{}] {
			on, err := parseOnOff(arg)
			if err != nil {
				return action.Failed[struct{}](err)
			}
			return d.SetIQSignalInversion(on)
		}),
		loraPSPCmd(f),
	)
	return cmd
}

func loraSetCmd(f *loraFlags, use, short string, apply func(*lora.DxSmartLR02, string) *action.Action[struct{}]) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withModem(cmd, f, func(ctx context.Context, d *lora.DxSmartLR02) error {
				_, err := apply(d, args[0]).Wait(ctx)
				return err
			})
		},
	}
}

func loraPSPCmd(f *loraFlags) *cobra.Command {
	var mode, level, power, bandwidth, codingRate, sf string

	cmd := &cobra.Command{
		Use:   "set-psp",
		Short: "Set radio power save parameters",
		Long:  "Apply power save parameters. Unset flags keep the configured values.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withModem(cmd, f, func(ctx context.Context, d *lora.DxSmartLR02) error {
				psp, err := overridePSP(d.Settings().PSP, mode, level, power, bandwidth, codingRate, sf)
				if err != nil {
					return err
				}
				_, err = d.SetPowerSaveParam(psp).Wait(ctx)
				return err
			})
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "", "transparent, fixed or broadcast")
	cmd.Flags().StringVar(&level, "level", "", "Air rate level 0-7")
	cmd.Flags().StringVar(&power, "power", "", "Transmit power, e.g. 22dbm")
	cmd.Flags().StringVar(&bandwidth, "bandwidth", "", "125k, 250k or 500k")
	cmd.Flags().StringVar(&codingRate, "coding-rate", "", "4/5 to 4/8")
	cmd.Flags().StringVar(&sf, "spreading-factor", "", "sf5 to sf12")
	return cmd
}

// overridePSP replaces the fields of psp whose flag is set.
func overridePSP(psp lora.PowerSaveParam, mode, level, power, bandwidth, codingRate, sf string) (lora.PowerSaveParam, error) {
	var err error
	if mode != "" {
		if psp.Mode, err = lora.ParseMode(mode); err != nil {
			return psp, fmt.Errorf("mode: %w", err)
		}
	}
	if level != "" {
		if psp.Level, err = lora.ParseLevel(level); err != nil {
			return psp, fmt.Errorf("level: %w", err)
		}
	}
	if power != "" {
		if psp.Power, err = lora.ParsePower(power); err != nil {
			return psp, fmt.Errorf("power: %w", err)
		}
	}
	if bandwidth != "" {
		if psp.Bandwidth, err = lora.ParseBandwidth(bandwidth); err != nil {
			return psp, fmt.Errorf("bandwidth: %w", err)
		}
	}
	if codingRate != "" {
		if psp.CodingRate, err = lora.ParseCodingRate(codingRate); err != nil {
			return psp, fmt.Errorf("coding rate: %w", err)
		}
	}
	if sf != "" {
		if psp.SpreadingFactor, err = lora.ParseSpreadingFactor(sf); err != nil {
			return psp, fmt.Errorf("spreading factor: %w", err)
		}
	}
	return psp, nil
}

// withModem opens and initializes the modem, runs fn and closes the port.
func withModem(cmd *cobra.Command, f *loraFlags, fn func(context.Context, *lora.DxSmartLR02) error) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if f.port != "" {
		cfg.LoRa.Serial.Port = f.port
	}
	settings, err := lora.SettingsFromConfig(cfg.LoRa)
	if err != nil {
		return err
	}

	level := "warn"
	if f.verbose {
		level = "debug"
	}
	logger := logging.NewLoggerWithWriter(level, "text", cmd.ErrOrStderr())

	port, err := serial.Open(cfg.LoRa.Serial)
	if err != nil {
		return err
	}
	d := lora.NewDxSmartLR02(port, settings, logger, metrics.NewMetricsWithRegistry(prometheus.NewRegistry()))
	defer d.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
	defer cancel()
	if _, err := d.Ready().Wait(ctx); err != nil {
		return fmt.Errorf("modem init: %w", err)
	}
	if err := fn(ctx, d); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", cmd.Name())
	return nil
}

func parseOnOff(s string) (bool, error) {
	switch s {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}
