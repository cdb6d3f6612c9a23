// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the mockup configuration from defaults, a YAML file,
// SPS_* environment variables and command line flags, in increasing order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/sps-mockup/modbus"
	"github.com/edgeo-scada/sps-mockup/sps"
)

// EnvPrefix prefixes every environment variable, e.g. SPS_LISTEN or
// SPS_SIMULATION_PERIOD.
const EnvPrefix = "SPS"

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("config: invalid")

// Config is the complete mockup configuration.
type Config struct {
	Listen     string           `mapstructure:"listen"`
	Schema     string           `mapstructure:"schema"`
	Registers  RegistersConfig  `mapstructure:"registers"`
	Simulation SimulationConfig `mapstructure:"simulation"`
	Server     ServerConfig     `mapstructure:"server"`
	Identity   IdentityConfig   `mapstructure:"identity"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Log        LogConfig        `mapstructure:"log"`
	Client     ClientConfig     `mapstructure:"client"`
}

type RegistersConfig struct {
	Base     uint16 `mapstructure:"base"`
	Count    int    `mapstructure:"count"`
	ZeroMode bool   `mapstructure:"zero_mode"`
}

type SimulationConfig struct {
	Period         time.Duration `mapstructure:"period"`
	StartDelay     time.Duration `mapstructure:"start_delay"`
	ClearHeartbeat bool          `mapstructure:"clear_heartbeat"`
	StatusField    string        `mapstructure:"status_field"`
	HeartbeatLimit int           `mapstructure:"heartbeat_limit"`
}

type ServerConfig struct {
	MaxConnections int           `mapstructure:"max_connections"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
}

type IdentityConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	VendorName  string `mapstructure:"vendor_name"`
	ProductCode string `mapstructure:"product_code"`
	VendorURL   string `mapstructure:"vendor_url"`
	ProductName string `mapstructure:"product_name"`
	ModelName   string `mapstructure:"model_name"`
	Revision    string `mapstructure:"revision"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
	Path   string `mapstructure:"path"`
}

// ClientConfig addresses a running mockup from the probe and heartbeat
// commands.
type ClientConfig struct {
	Address  string        `mapstructure:"address"`
	Unit     uint8         `mapstructure:"unit"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Interval time.Duration `mapstructure:"interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen", fmt.Sprintf(":%d", modbus.DefaultPort))
	v.SetDefault("schema", "")

	v.SetDefault("registers.base", 32001)
	v.SetDefault("registers.count", 64)
	v.SetDefault("registers.zero_mode", true)

	v.SetDefault("simulation.period", sps.DefaultPeriod)
	v.SetDefault("simulation.start_delay", sps.DefaultStartDelay)
	v.SetDefault("simulation.clear_heartbeat", true)
	v.SetDefault("simulation.status_field", "")
	v.SetDefault("simulation.heartbeat_limit", sps.DefaultHeartbeatLimit)

	v.SetDefault("server.max_connections", 100)
	v.SetDefault("server.read_timeout", time.Duration(0))

	v.SetDefault("identity.enabled", true)
	v.SetDefault("identity.vendor_name", "Edgeo SCADA")
	v.SetDefault("identity.product_code", "SPS")
	v.SetDefault("identity.vendor_url", "https://github.com/edgeo-scada/sps-mockup")
	v.SetDefault("identity.product_name", "SPS Mockup")
	v.SetDefault("identity.model_name", "SPS Mockup")
	v.SetDefault("identity.revision", "1.0")

	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("client.address", fmt.Sprintf("localhost:%d", modbus.DefaultPort))
	v.SetDefault("client.unit", 1)
	v.SetDefault("client.timeout", 5*time.Second)
	v.SetDefault("client.interval", 2*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags binds flags to configuration keys. keys maps flag name to key.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) error {
	for flag, key := range keys {
		f := fs.Lookup(flag)
		if f == nil {
			return fmt.Errorf("config: unknown flag %q", flag)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("config: bind %s: %w", flag, err)
		}
	}
	return nil
}

// ReadFile merges the YAML file at path. With an empty path it looks for
// spsmockup.yaml in the working directory and /etc/spsmockup, and a missing
// file is not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("spsmockup")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/spsmockup")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	return nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges that viper cannot express.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("%w: listen address is empty", ErrInvalidConfig)
	}
	if c.Registers.Count <= 0 {
		return fmt.Errorf("%w: registers.count must be positive, got %d", ErrInvalidConfig, c.Registers.Count)
	}
	if int(c.Registers.Base)+c.Registers.Count > 65536 {
		return fmt.Errorf("%w: %d registers from %d exceed the address space",
			ErrInvalidConfig, c.Registers.Count, c.Registers.Base)
	}
	if c.Simulation.Period <= 0 {
		return fmt.Errorf("%w: simulation.period must be positive, got %s", ErrInvalidConfig, c.Simulation.Period)
	}
	if c.Simulation.StartDelay < 0 {
		return fmt.Errorf("%w: simulation.start_delay is negative", ErrInvalidConfig)
	}
	if c.Simulation.HeartbeatLimit < 1 {
		return fmt.Errorf("%w: simulation.heartbeat_limit must be at least 1, got %d",
			ErrInvalidConfig, c.Simulation.HeartbeatLimit)
	}
	if c.Server.MaxConnections < 1 {
		return fmt.Errorf("%w: server.max_connections must be at least 1, got %d",
			ErrInvalidConfig, c.Server.MaxConnections)
	}
	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("%w: server.read_timeout is negative", ErrInvalidConfig)
	}
	if c.Client.Timeout <= 0 || c.Client.Interval <= 0 {
		return fmt.Errorf("%w: client.timeout and client.interval must be positive", ErrInvalidConfig)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log.format must be text or json, got %q", ErrInvalidConfig, c.Log.Format)
	}
	return nil
}

// LoadSchema returns the configured register map and checks that it fits
// the register block.
func (c *Config) LoadSchema() (*sps.Schema, error) {
	schema := sps.DefaultSchema()
	if c.Schema != "" {
		var err error
		if schema, err = sps.LoadSchemaFile(c.Schema); err != nil {
			return nil, err
		}
	}

	lo, n := schema.Span()
	base := int(c.Registers.Base)
	if int(lo) < base || int(lo)+n > base+c.Registers.Count {
		return nil, fmt.Errorf("%w: schema spans [%d, %d) outside registers [%d, %d)",
			ErrInvalidConfig, lo, int(lo)+n, base, base+c.Registers.Count)
	}
	return schema, nil
}

// DeviceIdentity returns the identity answered to FC43/14 and FC17, or nil
// when identification is disabled.
func (c *Config) DeviceIdentity() *modbus.Identity {
	if !c.Identity.Enabled {
		return nil
	}
	return &modbus.Identity{
		VendorName:         c.Identity.VendorName,
		ProductCode:        c.Identity.ProductCode,
		VendorURL:          c.Identity.VendorURL,
		ProductName:        c.Identity.ProductName,
		ModelName:          c.Identity.ModelName,
		MajorMinorRevision: c.Identity.Revision,
	}
}

// StoreOptions returns the register store options.
func (c *Config) StoreOptions() []modbus.StoreOption {
	return []modbus.StoreOption{modbus.WithZeroMode(c.Registers.ZeroMode)}
}

// ServerOptions returns the Modbus server options.
func (c *Config) ServerOptions(logger *slog.Logger) []modbus.ServerOption {
	opts := []modbus.ServerOption{
		modbus.WithServerLogger(logger),
		modbus.WithMaxConnections(c.Server.MaxConnections),
		modbus.WithReadTimeout(c.Server.ReadTimeout),
	}
	if id := c.DeviceIdentity(); id != nil {
		opts = append(opts, modbus.WithIdentity(id))
	}
	return opts
}

// SimulatorOptions returns the simulation loop options.
func (c *Config) SimulatorOptions(logger *slog.Logger) []sps.Option {
	return []sps.Option{
		sps.WithLogger(logger),
		sps.WithPeriod(c.Simulation.Period),
		sps.WithStartDelay(c.Simulation.StartDelay),
		sps.WithHeartbeatLimit(c.Simulation.HeartbeatLimit),
		sps.WithClearHeartbeat(c.Simulation.ClearHeartbeat),
		sps.WithStatusField(c.Simulation.StatusField),
	}
}

// NewLogger builds a text or JSON slog logger writing to w.
func (l LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("%w: log.level %q", ErrInvalidConfig, s)
	}
	return level, nil
}
