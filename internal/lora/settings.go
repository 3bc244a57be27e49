package lora

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/postalsys/aether-gateway/internal/config"
)

// ConnectionIndex is a modem socket handle. InvalidConnection marks none.
type ConnectionIndex int8

// InvalidConnection is the zero handle value returned with errors.
const InvalidConnection ConnectionIndex = -1

// MaxChannel is the highest radio channel the module accepts.
const MaxChannel = 30

// MTU is the largest payload a single packet can carry.
const MTU = 400

// BaudRate is the modem UART speed.
type BaudRate int

var baudCommands = map[BaudRate]string{
	1200:   "AT+BAUD1",
	2400:   "AT+BAUD2",
	4800:   "AT+BAUD3",
	9600:   "AT+BAUD4",
	19200:  "AT+BAUD5",
	38400:  "AT+BAUD6",
	57600:  "AT+BAUD7",
	115200: "AT+BAUD8",
	128000: "AT+BAUD9",
}

// Command returns the AT command selecting b.
func (b BaudRate) Command() (string, error) {
	cmd, ok := baudCommands[b]
	if !ok {
		return "", fmt.Errorf("unsupported baud rate %d", b)
	}
	return cmd, nil
}

// Parity is the modem UART parity.
type Parity int8

const (
	ParityNone Parity = 0
	ParityOdd  Parity = 1
	ParityEven Parity = 2
)

func (p Parity) String() string {
	switch p {
	case ParityNone:
		return "none"
	case ParityOdd:
		return "odd"
	case ParityEven:
		return "even"
	default:
		return fmt.Sprintf("parity(%d)", int8(p))
	}
}

// ParseParity parses none, odd or even.
func ParseParity(s string) (Parity, error) {
	switch strings.ToLower(s) {
	case "", "none", "n":
		return ParityNone, nil
	case "odd", "o":
		return ParityOdd, nil
	case "even", "e":
		return ParityEven, nil
	}
	return 0, fmt.Errorf("unknown parity %q", s)
}

// StopBits is the modem UART stop bit count.
type StopBits int8

const (
	StopBits1 StopBits = 1
	StopBits2 StopBits = 2
)

// ParseStopBits parses "1" or "2".
func ParseStopBits(s string) (StopBits, error) {
	switch s {
	case "", "1":
		return StopBits1, nil
	case "2":
		return StopBits2, nil
	}
	return 0, fmt.Errorf("unknown stop bits %q", s)
}

// Mode is the radio transmission mode.
type Mode int8

const (
	ModeTransparent Mode = 0
	ModeFixedPoint  Mode = 1
	ModeBroadcast   Mode = 2
)

func (m Mode) String() string {
	switch m {
	case ModeTransparent:
		return "transparent"
	case ModeFixedPoint:
		return "fixed"
	case ModeBroadcast:
		return "broadcast"
	default:
		return fmt.Sprintf("mode(%d)", int8(m))
	}
}

// ParseMode parses transparent, fixed or broadcast.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "transparent":
		return ModeTransparent, nil
	case "fixed", "fixed-point":
		return ModeFixedPoint, nil
	case "broadcast":
		return ModeBroadcast, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

// Level is the air data rate level, 0 to 7.
type Level int8

// ParseLevel parses "level3" or "3".
func ParseLevel(s string) (Level, error) {
	n, err := parseRanged(strings.TrimPrefix(strings.ToLower(s), "level"), 0, 7)
	if err != nil {
		return 0, fmt.Errorf("level: %w", err)
	}
	return Level(n), nil
}

// Power is the transmit power in dBm, 0 to 22.
type Power int8

// ParsePower parses "22dbm" or "22".
func ParsePower(s string) (Power, error) {
	n, err := parseRanged(strings.TrimSuffix(strings.ToLower(s), "dbm"), 0, 22)
	if err != nil {
		return 0, fmt.Errorf("power: %w", err)
	}
	return Power(n), nil
}

// Bandwidth is the radio bandwidth. The value is the module's command code.
type Bandwidth int8

const (
	Bandwidth125K Bandwidth = 0
	Bandwidth250K Bandwidth = 1
	Bandwidth500K Bandwidth = 2
)

func (b Bandwidth) String() string {
	switch b {
	case Bandwidth125K:
		return "125k"
	case Bandwidth250K:
		return "250k"
	case Bandwidth500K:
		return "500k"
	default:
		return fmt.Sprintf("bandwidth(%d)", int8(b))
	}
}

// ParseBandwidth parses 125k, 250k or 500k.
func ParseBandwidth(s string) (Bandwidth, error) {
	switch strings.ToLower(s) {
	case "125k", "125":
		return Bandwidth125K, nil
	case "250k", "250":
		return Bandwidth250K, nil
	case "500k", "500":
		return Bandwidth500K, nil
	}
	return 0, fmt.Errorf("unsupported bandwidth %q", s)
}

// CodingRate is the forward error correction rate.
type CodingRate int8

const (
	CodingRate4_5 CodingRate = 1
	CodingRate4_6 CodingRate = 2
	CodingRate4_7 CodingRate = 3
	CodingRate4_8 CodingRate = 4
)

func (c CodingRate) String() string {
	if c < CodingRate4_5 || c > CodingRate4_8 {
		return fmt.Sprintf("coding_rate(%d)", int8(c))
	}
	return fmt.Sprintf("4/%d", int8(c)+4)
}

// ParseCodingRate parses "4/5" through "4/8".
func ParseCodingRate(s string) (CodingRate, error) {
	for c := CodingRate4_5; c <= CodingRate4_8; c++ {
		if s == c.String() {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown coding rate %q", s)
}

// SpreadingFactor is the LoRa spreading factor, 5 to 12.
type SpreadingFactor int8

// ParseSpreadingFactor parses "sf9" or "9".
func ParseSpreadingFactor(s string) (SpreadingFactor, error) {
	n, err := parseRanged(strings.TrimPrefix(strings.ToLower(s), "sf"), 5, 12)
	if err != nil {
		return 0, fmt.Errorf("spreading factor: %w", err)
	}
	return SpreadingFactor(n), nil
}

// FrequencyRange is the regional band the module is built for.
type FrequencyRange int8

const (
	FrequencyUndefined FrequencyRange = -1
	FrequencyEU433     FrequencyRange = 0
	FrequencyCN470     FrequencyRange = 1
	FrequencyEU868     FrequencyRange = 2
	FrequencyAU915     FrequencyRange = 3
	FrequencySA923     FrequencyRange = 4
	FrequencyUS915     FrequencyRange = 5
	FrequencyIN865     FrequencyRange = 6
	FrequencyAS923     FrequencyRange = 7
)

var frequencyNames = map[FrequencyRange]string{
	FrequencyUndefined: "undefined",
	FrequencyEU433:     "eu433",
	FrequencyCN470:     "cn470",
	FrequencyEU868:     "eu868",
	FrequencyAU915:     "au915",
	FrequencySA923:     "sa923",
	FrequencyUS915:     "us915",
	FrequencyIN865:     "in865",
	FrequencyAS923:     "as923",
}

var frequencyAliases = map[string]FrequencyRange{
	"":    FrequencyUndefined,
	"433": FrequencyEU433,
	"470": FrequencyCN470,
	"868": FrequencyEU868,
	"915": FrequencyUS915,
	"865": FrequencyIN865,
	"923": FrequencyAS923,
}

func (f FrequencyRange) String() string {
	if name, ok := frequencyNames[f]; ok {
		return name
	}
	return fmt.Sprintf("frequency(%d)", int8(f))
}

// ParseFrequencyRange parses a region name such as eu868, or a bare
// frequency such as 868.
func ParseFrequencyRange(s string) (FrequencyRange, error) {
	s = strings.ToLower(s)
	if f, ok := frequencyAliases[s]; ok {
		return f, nil
	}
	for f, name := range frequencyNames {
		if name == s {
			return f, nil
		}
	}
	return FrequencyUndefined, fmt.Errorf("unknown frequency range %q", s)
}

func parseRanged(s string, lo, hi int) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%d out of range %d-%d", n, lo, hi)
	}
	return n, nil
}

// PowerSaveParam groups the radio parameters set together.
type PowerSaveParam struct {
	Mode            Mode
	Level           Level
	Power           Power
	Bandwidth       Bandwidth
	CodingRate      CodingRate
	SpreadingFactor SpreadingFactor
}

// DefaultPowerSaveParam returns the module's factory radio parameters.
func DefaultPowerSaveParam() PowerSaveParam {
	return PowerSaveParam{
		Mode:            ModeTransparent,
		Level:           0,
		Power:           22,
		Bandwidth:       Bandwidth125K,
		CodingRate:      CodingRate4_5,
		SpreadingFactor: 9,
	}
}

// Commands returns the AT commands applying p, in order.
func (p PowerSaveParam) Commands() []string {
	return []string{
		fmt.Sprintf("AT+MODE%d", p.Mode),
		fmt.Sprintf("AT+LEVEL%d", p.Level),
		fmt.Sprintf("AT+POWE%d", p.Power),
		fmt.Sprintf("AT+BW%d", p.Bandwidth),
		fmt.Sprintf("AT+CR%d", p.CodingRate),
		fmt.Sprintf("AT+SF%d", p.SpreadingFactor),
	}
}

// SerialSettings is the modem UART setup.
type SerialSettings struct {
	Port     string
	Baud     BaudRate
	Parity   Parity
	StopBits StopBits
}

// Commands returns the AT commands applying s, in order.
func (s SerialSettings) Commands() ([]string, error) {
	baud, err := s.Baud.Command()
	if err != nil {
		return nil, err
	}
	return []string{
		baud,
		fmt.Sprintf("AT+PARI%d", s.Parity),
		fmt.Sprintf("AT+STOP%d", s.StopBits),
	}, nil
}

// Settings is the immutable modem configuration.
type Settings struct {
	Serial            SerialSettings
	PSP               PowerSaveParam
	FrequencyRange    FrequencyRange
	Address           uint16
	Channel           uint8
	CRCCheck          bool
	IQSignalInversion bool
	PollInterval      time.Duration
}

// DefaultSettings returns settings for a module on /dev/ttyUSB0 at 9600 baud.
func DefaultSettings() Settings {
	return Settings{
		Serial: SerialSettings{
			Port:     "/dev/ttyUSB0",
			Baud:     9600,
			Parity:   ParityNone,
			StopBits: StopBits1,
		},
		PSP:            DefaultPowerSaveParam(),
		FrequencyRange: FrequencyUndefined,
		PollInterval:   100 * time.Millisecond,
	}
}

// SettingsFromConfig validates cfg and converts it to Settings.
func SettingsFromConfig(cfg config.LoRaConfig) (Settings, error) {
	s := DefaultSettings()
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	s.Serial.Port = cfg.Serial.Port
	s.Serial.Baud = BaudRate(cfg.Serial.Baud)
	_, err := s.Serial.Baud.Command()
	check(err)
	s.Serial.Parity, err = ParseParity(cfg.Serial.Parity)
	check(err)
	s.Serial.StopBits, err = ParseStopBits(cfg.Serial.StopBits)
	check(err)

	r := cfg.Radio
	s.PSP.Mode, err = ParseMode(r.Mode)
	check(err)
	s.PSP.Level, err = ParseLevel(r.Level)
	check(err)
	s.PSP.Power, err = ParsePower(r.Power)
	check(err)
	s.PSP.Bandwidth, err = ParseBandwidth(r.Bandwidth)
	check(err)
	s.PSP.CodingRate, err = ParseCodingRate(r.CodingRate)
	check(err)
	s.PSP.SpreadingFactor, err = ParseSpreadingFactor(r.SpreadingFactor)
	check(err)
	s.FrequencyRange, err = ParseFrequencyRange(r.FrequencyRange)
	check(err)

	if r.Channel > MaxChannel {
		errs = append(errs, ErrChannelOutOfRange)
	}
	s.Address = r.Address
	s.Channel = r.Channel
	s.CRCCheck = r.CRCCheck
	s.IQSignalInversion = r.IQSignalInversion
	if cfg.PollInterval > 0 {
		s.PollInterval = cfg.PollInterval
	}

	if len(errs) > 0 {
		return Settings{}, fmt.Errorf("lora settings: %w", errors.Join(errs...))
	}
	return s, nil
}

func addressCommand(addr uint16) string {
	return fmt.Sprintf("AT+MAC%02x,%02x", addr>>8, addr&0xff)
}

func channelCommand(ch uint8) string {
	return fmt.Sprintf("AT+CHANNEL%02x", ch)
}

func flagCommand(prefix string, on bool) string {
	if on {
		return prefix + "1"
	}
	return prefix + "0"
}
