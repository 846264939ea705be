// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package framerpc

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the file/environment configuration of a router and the
// command around it.
type Config struct {
	ID                string       `mapstructure:"id"`
	Child             bool         `mapstructure:"child"`
	Origin            string       `mapstructure:"origin"`
	Parent            string       `mapstructure:"parent"`
	ParentRelayURL    string       `mapstructure:"parent_relay_url"`
	UseLegacyProtocol bool         `mapstructure:"use_legacy_protocol"`
	ForceSecure       bool         `mapstructure:"force_secure"`
	RPCToken          string       `mapstructure:"rpc_token"`
	SecurityMode      string       `mapstructure:"security_mode"`
	Transport         string       `mapstructure:"transport"`
	Codec             string       `mapstructure:"codec"`
	Setup             SetupConfig  `mapstructure:"setup"`
	Relay             RelayConfig  `mapstructure:"relay"`
	Log               LogConfig    `mapstructure:"log"`
	Listen            string       `mapstructure:"listen"`
	AllowedOrigins    []string     `mapstructure:"allowed_origins"`
	Rotation          RotateConfig `mapstructure:"rotation"`
}

// SetupConfig holds handshake retry settings.
type SetupConfig struct {
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxTries int           `mapstructure:"max_tries"`
}

// RelayConfig holds relay substrate settings.
type RelayConfig struct {
	Network       string        `mapstructure:"network"`
	SearchTimeout time.Duration `mapstructure:"search_timeout"`
	MaxPolls      int           `mapstructure:"max_polls"`

	// ChildURL, when set, is the relay URL template for connecting
	// children: {host}, {target} and {token} are filled in per child.
	ChildURL string `mapstructure:"child_url"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RotateConfig holds token rotation settings.
type RotateConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// LoadConfig reads configuration from path (any format viper knows) and
// the environment. Env var overrides use prefix FRAMERPC_, with '.'
// replaced by '_'. An empty path reads only FRAMERPC_CONFIG, if set.
func LoadConfig(path string) (Config, error) {
	v := viper.New()

	v.SetDefault("id", "")
	v.SetDefault("child", false)
	v.SetDefault("origin", "http://localhost:8080")
	v.SetDefault("parent", "")
	v.SetDefault("parent_relay_url", "")
	v.SetDefault("use_legacy_protocol", false)
	v.SetDefault("force_secure", false)
	v.SetDefault("rpc_token", "")
	v.SetDefault("security_mode", "report")
	v.SetDefault("transport", "")
	v.SetDefault("codec", "json")
	v.SetDefault("setup.timeout", DefaultSetupTimeout)
	v.SetDefault("setup.max_tries", DefaultSetupMaxTries)
	v.SetDefault("relay.network", "http")
	v.SetDefault("relay.search_timeout", DefaultRelaySearchTimeout)
	v.SetDefault("relay.max_polls", DefaultRelayMaxPolls)
	v.SetDefault("relay.child_url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("listen", ":8080")
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("rotation.interval", time.Duration(0))

	if path == "" {
		path = os.Getenv("FRAMERPC_CONFIG")
	}

	v.SetEnvPrefix("FRAMERPC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects unknown modes, codecs, transports and log settings.
func (c Config) Validate() error {
	if _, err := ParseSecurityMode(c.SecurityMode); err != nil {
		return err
	}
	if _, err := CodecByName(c.Codec); err != nil {
		return err
	}
	if c.Transport != "" && !HasTransport(TransportCode(c.Transport)) && TransportCode(c.Transport) != TransportScripting {
		return fmt.Errorf("framerpc: unknown transport %q", c.Transport)
	}
	if !slices.Contains(AvailableRelayNetworks(), c.Relay.Network) {
		return fmt.Errorf("framerpc: unknown relay network %q", c.Relay.Network)
	}
	if _, err := c.logLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("framerpc: unknown log format %q", c.Log.Format)
	}
	if c.Setup.MaxTries < 0 || c.Relay.MaxPolls < 0 {
		return fmt.Errorf("framerpc: negative retry count")
	}
	return nil
}

// Options converts the configuration into router options.
func (c Config) Options() ([]Option, error) {
	codec, err := CodecByName(c.Codec)
	if err != nil {
		return nil, err
	}
	mode, err := ParseSecurityMode(c.SecurityMode)
	if err != nil {
		return nil, err
	}
	opts := []Option{
		WithCodec(codec),
		WithSecurityMode(mode),
		WithSetupRetry(c.Setup.Timeout, c.Setup.MaxTries),
		WithRelaySearch(c.Relay.SearchTimeout, c.Relay.MaxPolls),
		WithForceSecure(c.ForceSecure),
	}
	if c.Transport != "" {
		opts = append(opts, WithTransport(TransportCode(c.Transport)))
	}
	if c.ParentRelayURL != "" {
		opts = append(opts, WithParentRelayURL(c.ParentRelayURL, c.UseLegacyProtocol))
	}
	if c.RPCToken != "" {
		opts = append(opts, WithParentToken(c.RPCToken))
	}
	return opts, nil
}

// Location renders the context's own URL: its origin with the parent
// URL as the "parent" parameter.
func (c Config) Location() string {
	loc := strings.TrimSuffix(c.Origin, "/") + "/"
	if c.Parent != "" {
		loc += "?parent=" + url.QueryEscape(c.Parent)
	}
	return loc
}

func (c Config) logLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return level, fmt.Errorf("framerpc: log level: %w", err)
	}
	return level, nil
}

// Logger builds the structured logger described by the configuration.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, err := c.logLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
