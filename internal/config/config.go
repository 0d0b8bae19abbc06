package config

// Configuration loading and validation for mbmap

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tturner/mbmap/internal/analysis"
	"github.com/tturner/mbmap/internal/errors"
	"github.com/tturner/mbmap/internal/logging"
	"github.com/tturner/mbmap/internal/modbus"
	"github.com/tturner/mbmap/internal/value"
)

// Default values applied to a loaded configuration.
const (
	DefaultUnitID         = 247
	DefaultTimeoutMs      = 2000
	DefaultPollIntervalMs = 5000
	DefaultMatchTimeoutMs = 30000
	DefaultAPIListen      = "127.0.0.1:8080"
	DefaultNATSSubject    = "mbmap.snapshot"
)

// PollBlock is one register range read on every live poll.
type PollBlock struct {
	Name     string `yaml:"name"`
	Function string `yaml:"function"` // "holding" (FC 3) or "input" (FC 4)
	Unit     int    `yaml:"unit,omitempty"`
	Address  uint16 `yaml:"address"`
	Count    uint16 `yaml:"count"`
}

// ClientConfig configures live reads.
type ClientConfig struct {
	Host           string      `yaml:"host"`
	Port           int         `yaml:"port"`
	UnitID         int         `yaml:"unit_id"`
	TimeoutMs      int         `yaml:"timeout_ms"`
	PollIntervalMs int         `yaml:"poll_interval_ms"`
	Blocks         []PollBlock `yaml:"blocks"`
}

// CaptureConfig configures offline capture analysis.
type CaptureConfig struct {
	ServerPorts    []uint16 `yaml:"server_ports"`
	AllPorts       bool     `yaml:"all_ports,omitempty"`
	MaxResync      int      `yaml:"max_resync"`
	MatchTimeoutMs int      `yaml:"match_timeout_ms"`
	MaxOutstanding int      `yaml:"max_outstanding,omitempty"`
	MaxSamples     int      `yaml:"max_samples"`
}

// CategoryConfig labels the half-open address range [start, end).
type CategoryConfig struct {
	Name  string `yaml:"name"`
	Start uint32 `yaml:"start"`
	End   uint32 `yaml:"end"`
}

// RegisterConfig documents one register. Unit 0 matches every unit.
type RegisterConfig struct {
	Unit      int     `yaml:"unit,omitempty"`
	Address   uint16  `yaml:"address"`
	Name      string  `yaml:"name"`
	Type      string  `yaml:"type"`
	Scale     float64 `yaml:"scale,omitempty"`
	Offset    float64 `yaml:"offset,omitempty"`
	UnitLabel string  `yaml:"unit_label,omitempty"`
}

// LogConfig configures the log file.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty"`
	Compress   bool   `yaml:"compress,omitempty"`
}

// APIConfig configures the snapshot endpoint.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// NATSConfig configures snapshot publishing. An empty URL disables it.
type NATSConfig struct {
	URL     string `yaml:"url,omitempty"`
	Subject string `yaml:"subject"`
}

// RegisterBlock is a run of register values starting at Address.
type RegisterBlock struct {
	Address uint16   `yaml:"address"`
	Values  []uint16 `yaml:"values"`
}

// ServerConfig configures the static Modbus responder.
type ServerConfig struct {
	Listen  string          `yaml:"listen"`
	UnitIDs []int           `yaml:"unit_ids,omitempty"`
	Holding []RegisterBlock `yaml:"holding,omitempty"`
	Input   []RegisterBlock `yaml:"input,omitempty"`
}

// Config is the mbmap configuration file.
type Config struct {
	Client     ClientConfig     `yaml:"client"`
	Capture    CaptureConfig    `yaml:"capture"`
	Categories []CategoryConfig `yaml:"categories"`
	Registers  []RegisterConfig `yaml:"registers"`
	Log        LogConfig        `yaml:"log"`
	API        APIConfig        `yaml:"api"`
	NATS       NATSConfig       `yaml:"nats"`
	Server     ServerConfig     `yaml:"server"`
}

// Default returns the configuration for the weather-station gateway.
func Default() *Config {
	cfg := &Config{
		Client: ClientConfig{
			Blocks: []PollBlock{
				{Name: "weather_station", Function: "holding", Address: 8061, Count: 25},
			},
		},
		Server: ServerConfig{
			UnitIDs: []int{DefaultUnitID},
		},
	}
	for _, c := range analysis.DefaultCategories() {
		cfg.Categories = append(cfg.Categories, CategoryConfig{Name: c.Name, Start: c.Start, End: c.End})
	}
	for _, h := range analysis.DefaultHints() {
		cfg.Registers = append(cfg.Registers, RegisterConfig{
			Unit:      int(h.Unit),
			Address:   h.Address,
			Name:      h.Name,
			Type:      string(h.Type),
			Scale:     h.Scale,
			Offset:    h.Offset,
			UnitLabel: h.UnitLabel,
		})
	}
	applyDefaults(cfg)
	return cfg
}

// Marshal encodes cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// WriteDefault writes the default configuration to path.
func WriteDefault(path string) error {
	data, err := Marshal(Default())
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Load reads a configuration file, fills unset fields with defaults and
// validates the result. An empty path returns Default().
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WrapConfigError(
				fmt.Errorf("config file not found: %s", path),
				path,
			)
		}
		return nil, errors.WrapConfigError(
			fmt.Errorf("read config file: %w", err),
			path,
		)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.WrapConfigError(err, path)
	}
	return cfg, nil
}

// Parse decodes YAML, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	// Absent sections fall back to the built-in tables; an explicit empty
	// list is kept.
	def := Default()
	if cfg.Categories == nil {
		cfg.Categories = def.Categories
	}
	if cfg.Registers == nil {
		cfg.Registers = def.Registers
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Client.Port == 0 {
		cfg.Client.Port = modbus.GatewayPort
	}
	if cfg.Client.UnitID == 0 {
		cfg.Client.UnitID = DefaultUnitID
	}
	if cfg.Client.TimeoutMs == 0 {
		cfg.Client.TimeoutMs = DefaultTimeoutMs
	}
	if cfg.Client.PollIntervalMs == 0 {
		cfg.Client.PollIntervalMs = DefaultPollIntervalMs
	}
	for i := range cfg.Client.Blocks {
		if cfg.Client.Blocks[i].Function == "" {
			cfg.Client.Blocks[i].Function = "holding"
		}
	}
	if len(cfg.Capture.ServerPorts) == 0 {
		cfg.Capture.ServerPorts = append([]uint16(nil), modbus.DefaultServerPorts...)
	}
	if cfg.Capture.MaxResync == 0 {
		cfg.Capture.MaxResync = modbus.DefaultMaxResync
	}
	if cfg.Capture.MatchTimeoutMs == 0 {
		cfg.Capture.MatchTimeoutMs = DefaultMatchTimeoutMs
	}
	if cfg.Capture.MaxSamples == 0 {
		cfg.Capture.MaxSamples = analysis.DefaultMaxSamples
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.File != "" && cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 10
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = DefaultAPIListen
	}
	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = DefaultNATSSubject
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = fmt.Sprintf("127.0.0.1:%d", modbus.GatewayPort)
	}
}

// Validate checks the configuration.
func (cfg *Config) Validate() error {
	if cfg.Client.Port <= 0 || cfg.Client.Port > 65535 {
		return fmt.Errorf("client.port must be between 1 and 65535, got %d", cfg.Client.Port)
	}
	if err := validateUnit(cfg.Client.UnitID, "client.unit_id"); err != nil {
		return err
	}
	if cfg.Client.TimeoutMs < 0 || cfg.Client.PollIntervalMs < 0 {
		return fmt.Errorf("client.timeout_ms and client.poll_interval_ms must not be negative")
	}
	for i, b := range cfg.Client.Blocks {
		if err := validatePollBlock(b, i); err != nil {
			return err
		}
	}

	for _, p := range cfg.Capture.ServerPorts {
		if p == 0 {
			return fmt.Errorf("capture.server_ports must not contain 0")
		}
	}
	if cfg.Capture.MaxResync < 0 || cfg.Capture.MaxSamples < 0 || cfg.Capture.MaxOutstanding < 0 {
		return fmt.Errorf("capture limits must not be negative")
	}

	if err := cfg.CategoryTable().Validate(); err != nil {
		return fmt.Errorf("categories: %w", err)
	}
	if _, err := cfg.Hints(); err != nil {
		return err
	}

	if _, err := logging.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if _, _, err := net.SplitHostPort(cfg.API.Listen); err != nil {
		return fmt.Errorf("api.listen %q: %w", cfg.API.Listen, err)
	}
	if cfg.NATS.URL != "" && strings.TrimSpace(cfg.NATS.Subject) == "" {
		return fmt.Errorf("nats.subject is required when nats.url is set")
	}

	for i, u := range cfg.Server.UnitIDs {
		if err := validateUnit(u, fmt.Sprintf("server.unit_ids[%d]", i)); err != nil {
			return err
		}
	}
	for i, b := range append(append([]RegisterBlock(nil), cfg.Server.Holding...), cfg.Server.Input...) {
		if int(b.Address)+len(b.Values) > 1<<16 {
			return fmt.Errorf("server register block %d: %d values at %d overrun the address space", i, len(b.Values), b.Address)
		}
	}
	return nil
}

func validateUnit(unit int, field string) error {
	if unit < 0 || unit > 255 {
		return fmt.Errorf("%s must be between 0 and 255, got %d", field, unit)
	}
	return nil
}

func validatePollBlock(b PollBlock, index int) error {
	if _, err := b.FunctionCode(); err != nil {
		return fmt.Errorf("client.blocks[%d]: %w", index, err)
	}
	if b.Count < 1 || b.Count > modbus.MaxReadRegisters {
		return fmt.Errorf("client.blocks[%d]: count must be between 1 and %d, got %d", index, modbus.MaxReadRegisters, b.Count)
	}
	if int(b.Address)+int(b.Count) > 1<<16 {
		return fmt.Errorf("client.blocks[%d]: %d registers at %d overrun the address space", index, b.Count, b.Address)
	}
	return validateUnit(b.Unit, fmt.Sprintf("client.blocks[%d].unit", index))
}

// FunctionCode maps the block function name to its read function code.
func (b PollBlock) FunctionCode() (modbus.FunctionCode, error) {
	switch strings.ToLower(b.Function) {
	case "holding", "":
		return modbus.FcReadHoldingRegisters, nil
	case "input":
		return modbus.FcReadInputRegisters, nil
	default:
		return 0, fmt.Errorf("function must be 'holding' or 'input', got '%s'", b.Function)
	}
}

// UnitID returns the block unit, falling back to the client unit.
func (b PollBlock) UnitID(clientUnit int) uint8 {
	if b.Unit != 0 {
		return uint8(b.Unit)
	}
	return uint8(clientUnit)
}

// CategoryTable converts the categories section.
func (cfg *Config) CategoryTable() analysis.CategoryTable {
	table := make(analysis.CategoryTable, 0, len(cfg.Categories))
	for _, c := range cfg.Categories {
		table = append(table, analysis.Category{Name: c.Name, Start: c.Start, End: c.End})
	}
	return table
}

// Hints converts the registers section.
func (cfg *Config) Hints() ([]analysis.Hint, error) {
	hints := make([]analysis.Hint, 0, len(cfg.Registers))
	for i, r := range cfg.Registers {
		if r.Name == "" {
			return nil, fmt.Errorf("registers[%d]: name is required", i)
		}
		if err := validateUnit(r.Unit, fmt.Sprintf("registers[%d].unit", i)); err != nil {
			return nil, err
		}
		t, err := value.ParseType(r.Type)
		if err != nil {
			return nil, fmt.Errorf("registers[%d] (%s): %w", i, r.Name, err)
		}
		hints = append(hints, analysis.Hint{
			Unit:      uint8(r.Unit),
			Address:   r.Address,
			Name:      r.Name,
			Type:      t,
			Scale:     r.Scale,
			Offset:    r.Offset,
			UnitLabel: r.UnitLabel,
		})
	}
	return hints, nil
}

// AnalyzerOptions builds analyzer options from the categories, registers
// and capture sections.
func (cfg *Config) AnalyzerOptions() (analysis.Options, error) {
	hints, err := cfg.Hints()
	if err != nil {
		return analysis.Options{}, err
	}
	return analysis.Options{
		Categories: cfg.CategoryTable(),
		Hints:      hints,
		MaxSamples: cfg.Capture.MaxSamples,
	}, nil
}

// LogOptions returns the log file options.
func (cfg *Config) LogOptions() logging.FileOptions {
	return logging.FileOptions{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}
}

// Timeout returns the per-request live timeout.
func (c ClientConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// PollInterval returns the live polling period.
func (c ClientConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// Address returns host:port of the live target.
func (c ClientConfig) Address() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// MatchTimeout returns the request/response pairing window.
func (c CaptureConfig) MatchTimeout() time.Duration {
	return time.Duration(c.MatchTimeoutMs) * time.Millisecond
}
