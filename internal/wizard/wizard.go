// Package wizard provides an interactive setup wizard for the Aether gateway.
package wizard

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/aether-gateway/internal/config"
	"github.com/postalsys/aether-gateway/internal/protocol"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// answers collects everything the forms ask for.
type answers struct {
	logLevel string

	servers []config.ServerConfig

	directoryEnabled bool
	directoryURL     string
	directorySubject string

	udpListen string

	loraEnabled   bool
	serialPort    string
	baud          string
	channel       string
	frequency     string
	loraEndpoints []string

	healthEnabled bool
	healthAddress string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	configPath := "./aether.yaml"
	a := answers{
		logLevel:         "info",
		directorySubject: "aether.directory.servers",
		directoryURL:     "nats://127.0.0.1:4222",
		udpListen:        "127.0.0.1:9700",
		serialPort:       "/dev/ttyUSB0",
		baud:             "9600",
		channel:          "0",
		frequency:        "868",
		healthAddress:    ":8080",
		healthEnabled:    true,
	}

	steps := []func(*answers) error{
		func(a *answers) error { return w.askBasicSetup(&configPath, a) },
		w.askServers,
		w.askDirectory,
		w.askDevices,
		w.askLoRa,
		w.askAdvancedOptions,
	}
	for _, step := range steps {
		if err := step(&a); err != nil {
			return nil, err
		}
	}

	cfg, err := buildConfig(a)
	if err != nil {
		return nil, err
	}
	if err := writeConfig(cfg, configPath); err != nil {
		return nil, err
	}

	w.printSummary(configPath, cfg)
	return &Result{Config: cfg, ConfigPath: configPath}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
     _        _   _
    / \   ___| |_| |__   ___ _ __
   / _ \ / _ \ __| '_ \ / _ \ '__|
  / ___ \  __/ |_| | | |  __/ |
 /_/   \_\___|\__|_| |_|\___|_|
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Device to Server Gateway - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(configPath *string, a *answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Where to write the configuration and how much to log."),

			huh.NewInput().
				Title("Config File Path").
				Placeholder("./aether.yaml").
				Value(configPath).
				Validate(validateConfigPath),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.logLevel),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askServers(a *answers) error {
	var addServers bool

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Static Servers").
				Description("Servers devices can address by id without a directory lookup."),

			huh.NewConfirm().
				Title("Add static servers?").
				Value(&addServers),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	for addMore := addServers; addMore; {
		srv, err := w.askSingleServer(len(a.servers) + 1)
		if err != nil {
			return err
		}
		a.servers = append(a.servers, srv)

		confirmForm := huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title("Add another server?").
					Value(&addMore),
			),
		).WithTheme(w.theme)

		if err := confirmForm.Run(); err != nil {
			return err
		}
	}
	return nil
}

func (w *Wizard) askSingleServer(n int) (config.ServerConfig, error) {
	var id, endpoints string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title(fmt.Sprintf("Server #%d", n)),

			huh.NewInput().
				Title("Server ID").
				Description("Nonzero 32-bit id devices use to address the server").
				Value(&id).
				Validate(func(s string) error {
					_, err := parseServerID(s)
					return err
				}),

			huh.NewInput().
				Title("Endpoints").
				Description("Comma separated, e.g. tcp://10.0.0.5:9000, quic://10.0.0.5:9001").
				Value(&endpoints).
				Validate(func(s string) error {
					_, err := splitEndpoints(s)
					return err
				}),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return config.ServerConfig{}, err
	}

	sid, _ := parseServerID(id)
	eps, _ := splitEndpoints(endpoints)
	return config.ServerConfig{ID: sid, Endpoints: eps}, nil
}

func (w *Wizard) askDirectory(a *answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Server Directory").
				Description("Resolve unknown server ids over NATS request/reply."),

			huh.NewConfirm().
				Title("Enable the NATS directory?").
				Value(&a.directoryEnabled),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("NATS URL").
				Value(&a.directoryURL).
				Validate(func(s string) error {
					if !strings.HasPrefix(s, "nats://") && !strings.HasPrefix(s, "tls://") {
						return errors.New("url must start with nats:// or tls://")
					}
					return nil
				}),

			huh.NewInput().
				Title("Request Subject").
				Value(&a.directorySubject).
				Validate(required("subject")),
		).WithHideFunc(func() bool { return !a.directoryEnabled }),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askDevices(a *answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Device Port").
				Description("Local devices send envelopes as UDP datagrams. Leave empty to disable."),

			huh.NewInput().
				Title("UDP Listen Address").
				Placeholder("127.0.0.1:9700").
				Value(&a.udpListen).
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					return validateHostPort(s)
				}),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askLoRa(a *answers) error {
	var endpoints string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("LoRa Modem").
				Description("A DX-Smart LR02 modem on a serial port."),

			huh.NewConfirm().
				Title("Enable the LoRa modem?").
				Value(&a.loraEnabled),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Serial Port").
				Value(&a.serialPort).
				Validate(required("serial port")),

			huh.NewSelect[string]().
				Title("Baud Rate").
				Options(huh.NewOptions("1200", "2400", "4800", "9600", "19200", "38400", "57600", "115200", "128000")...).
				Value(&a.baud),

			huh.NewInput().
				Title("Channel").
				Description("0 to 30").
				Value(&a.channel).
				Validate(func(s string) error {
					_, err := parseChannel(s)
					return err
				}),

			huh.NewSelect[string]().
				Title("Frequency Range").
				Options(
					huh.NewOption("EU 868 MHz", "868"),
					huh.NewOption("EU 433 MHz", "433"),
					huh.NewOption("CN 470 MHz", "470"),
					huh.NewOption("US 915 MHz", "915"),
					huh.NewOption("AU 915 MHz", "au915"),
					huh.NewOption("IN 865 MHz", "865"),
					huh.NewOption("AS 923 MHz", "923"),
				).
				Value(&a.frequency),

			huh.NewInput().
				Title("Modem Connections").
				Description("Comma separated tcp:// or udp:// endpoints opened at start. Optional.").
				Value(&endpoints).
				Validate(func(s string) error {
					_, err := splitLoRaEndpoints(s)
					return err
				}),
		).WithHideFunc(func() bool { return !a.loraEnabled }),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}
	a.loraEndpoints, _ = splitLoRaEndpoints(endpoints)
	return nil
}

func (w *Wizard) askAdvancedOptions(a *answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Monitoring"),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/health, /healthz, /metrics)").
				Value(&a.healthEnabled),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Health Address").
				Value(&a.healthAddress).
				Validate(validateHostPort),
		).WithHideFunc(func() bool { return !a.healthEnabled }),
	).WithTheme(w.theme)

	return form.Run()
}

// buildConfig turns answers into a validated config.
func buildConfig(a answers) (*config.Config, error) {
	cfg := config.Default()

	cfg.Gateway.LogLevel = a.logLevel
	cfg.Gateway.LogFormat = "text"
	cfg.Servers = a.servers

	cfg.Directory.Enabled = a.directoryEnabled
	if a.directoryEnabled {
		cfg.Directory.URL = a.directoryURL
		cfg.Directory.Subject = a.directorySubject
	}

	cfg.Devices.UDPListen = a.udpListen

	cfg.LoRa.Enabled = a.loraEnabled
	if a.loraEnabled {
		baud, err := strconv.Atoi(a.baud)
		if err != nil {
			return nil, fmt.Errorf("baud: %w", err)
		}
		channel, err := parseChannel(a.channel)
		if err != nil {
			return nil, err
		}
		cfg.LoRa.Serial.Port = a.serialPort
		cfg.LoRa.Serial.Baud = baud
		cfg.LoRa.Radio.Channel = channel
		cfg.LoRa.Radio.FrequencyRange = a.frequency
		cfg.LoRa.Connect = a.loraEndpoints
	}

	cfg.Health.Enabled = a.healthEnabled
	if a.healthEnabled {
		cfg.Health.Address = a.healthAddress
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func writeConfig(cfg *config.Config, path string) error {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# Aether Gateway Configuration
# Generated by setup wizard

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Servers:      %d static\n", len(cfg.Servers))
	if cfg.Directory.Enabled {
		fmt.Printf("  Directory:    %s (%s)\n", cfg.Directory.URL, cfg.Directory.Subject)
	}
	if cfg.Devices.UDPListen != "" {
		fmt.Printf("  Devices:      udp://%s\n", cfg.Devices.UDPListen)
	}
	if cfg.LoRa.Enabled {
		fmt.Printf("  LoRa:         %s @ %d, channel %d\n", cfg.LoRa.Serial.Port, cfg.LoRa.Serial.Baud, cfg.LoRa.Radio.Channel)
	}
	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/health\n", cfg.Health.Address)
	}

	fmt.Println()
	fmt.Println("  To start the gateway:")
	fmt.Printf("    aether-gateway run -c %s\n", configPath)
	fmt.Println()
}

func required(what string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", what)
		}
		return nil
	}
}

func validateConfigPath(s string) error {
	if s == "" {
		return errors.New("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return errors.New("config file should have .yaml or .yml extension")
	}
	return nil
}

func validateHostPort(s string) error {
	if _, _, err := net.SplitHostPort(s); err != nil {
		return errors.New("invalid address format (use host:port)")
	}
	return nil
}

func parseServerID(s string) (uint32, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil || id == 0 {
		return 0, errors.New("server id must be a nonzero 32-bit number")
	}
	return uint32(id), nil
}

func parseChannel(s string) (uint8, error) {
	ch, err := strconv.ParseUint(strings.TrimSpace(s), 10, 8)
	if err != nil || ch > 30 {
		return 0, errors.New("channel must be between 0 and 30")
	}
	return uint8(ch), nil
}

// splitEndpoints parses a comma separated endpoint list. At least one
// endpoint is required.
func splitEndpoints(s string) ([]string, error) {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, err := protocol.ParseEndpoint(part); err != nil {
			return nil, err
		}
		out = append(out, part)
	}
	if len(out) == 0 {
		return nil, errors.New("at least one endpoint is required")
	}
	return out, nil
}

// splitLoRaEndpoints is splitEndpoints restricted to the protocols the
// modem can open. An empty list is allowed.
func splitLoRaEndpoints(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	eps, err := splitEndpoints(s)
	if err != nil {
		return nil, err
	}
	for _, raw := range eps {
		ep, _ := protocol.ParseEndpoint(raw)
		if ep.Protocol != protocol.ProtocolTCP && ep.Protocol != protocol.ProtocolUDP {
			return nil, fmt.Errorf("%s: modem supports tcp and udp only", raw)
		}
	}
	return eps, nil
}
