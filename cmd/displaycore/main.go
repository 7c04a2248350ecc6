package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/masjidconnect/displaycore"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.displaycore/config.toml.
type Config struct {
	Device    ConfigDevice          `toml:"device"`
	Endpoints ConfigEndpoints       `toml:"endpoints"`
	Sync      ConfigSync            `toml:"sync"`
	Storage   ConfigStorage         `toml:"storage"`
	Log       displaycore.LogConfig `toml:"log"`
}

// ConfigDevice holds the display identity.
type ConfigDevice struct {
	APIKey        string `toml:"api_key"`
	ScreenID      string `toml:"screen_id"`
	MasjidID      string `toml:"masjid_id"`
	CommandSecret string `toml:"command_secret"`
}

// ConfigEndpoints holds backend addresses.
type ConfigEndpoints struct {
	BaseURL   string `toml:"base_url"`
	StreamURL string `toml:"stream_url"`
	HTTP2     bool   `toml:"http2"`
}

// ConfigSync holds refresh intervals as Go durations ("5m", "1h").
type ConfigSync struct {
	Content     string `toml:"content_interval"`
	PrayerTimes string `toml:"prayer_times_interval"`
	Events      string `toml:"events_interval"`
	Heartbeat   string `toml:"heartbeat_interval"`
}

// ConfigStorage selects where the alert snapshot and last-known content live.
type ConfigStorage struct {
	Backend       string `toml:"backend"` // file, redis or memory
	Dir           string `toml:"dir"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	RedisPrefix   string `toml:"redis_prefix"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.displaycore, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".displaycore")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadEffectiveConfig is loadConfig with .env files and DISPLAYCORE_*
// variables applied on top.
func loadEffectiveConfig() (*Config, error) {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg, os.LookupEnv)
	return cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// envKeys maps DISPLAYCORE_* variables to dotted config keys.
var envKeys = map[string]string{
	"DISPLAYCORE_API_KEY":        "device.api_key",
	"DISPLAYCORE_SCREEN_ID":      "device.screen_id",
	"DISPLAYCORE_MASJID_ID":      "device.masjid_id",
	"DISPLAYCORE_COMMAND_SECRET": "device.command_secret",
	"DISPLAYCORE_BASE_URL":       "endpoints.base_url",
	"DISPLAYCORE_STREAM_URL":     "endpoints.stream_url",
	"DISPLAYCORE_STORAGE":        "storage.backend",
	"DISPLAYCORE_STORAGE_DIR":    "storage.dir",
	"DISPLAYCORE_REDIS_ADDR":     "storage.redis_addr",
	"DISPLAYCORE_REDIS_PASSWORD": "storage.redis_password",
	"DISPLAYCORE_REDIS_DB":       "storage.redis_db",
	"DISPLAYCORE_REDIS_PREFIX":   "storage.redis_prefix",
	"DISPLAYCORE_LOG_LEVEL":      "log.level",
	"DISPLAYCORE_LOG_FORMAT":     "log.format",
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	for env, key := range envKeys {
		if v, ok := lookup(env); ok && v != "" {
			// malformed values leave the file setting in place
			_ = setConfigValue(cfg, key, v)
		}
	}
}

// setConfigValue sets a config field using dot notation (e.g. "device.api_key").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. device.api_key)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "device":
		switch field {
		case "api_key":
			cfg.Device.APIKey = value
		case "screen_id":
			cfg.Device.ScreenID = value
		case "masjid_id":
			cfg.Device.MasjidID = value
		case "command_secret":
			cfg.Device.CommandSecret = value
		default:
			return fmt.Errorf("unknown field %q in section [device]", field)
		}
	case "endpoints":
		switch field {
		case "base_url":
			cfg.Endpoints.BaseURL = value
		case "stream_url":
			cfg.Endpoints.StreamURL = value
		case "http2":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("endpoints.http2: %w", err)
			}
			cfg.Endpoints.HTTP2 = b
		default:
			return fmt.Errorf("unknown field %q in section [endpoints]", field)
		}
	case "sync":
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("sync.%s: %w", field, err)
		}
		switch field {
		case "content_interval":
			cfg.Sync.Content = value
		case "prayer_times_interval":
			cfg.Sync.PrayerTimes = value
		case "events_interval":
			cfg.Sync.Events = value
		case "heartbeat_interval":
			cfg.Sync.Heartbeat = value
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
	case "storage":
		switch field {
		case "backend":
			switch value {
			case "file", "redis", "memory":
			default:
				return fmt.Errorf("storage.backend must be file, redis or memory")
			}
			cfg.Storage.Backend = value
		case "dir":
			cfg.Storage.Dir = value
		case "redis_addr":
			cfg.Storage.RedisAddr = value
		case "redis_password":
			cfg.Storage.RedisPassword = value
		case "redis_db":
			db, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("storage.redis_db: %w", err)
			}
			cfg.Storage.RedisDB = db
		case "redis_prefix":
			cfg.Storage.RedisPrefix = value
		default:
			return fmt.Errorf("unknown field %q in section [storage]", field)
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		case "format":
			cfg.Log.Format = value
		case "output":
			cfg.Log.Output = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: device, endpoints, sync, storage, log)", section)
	}
	return nil
}

// intervals converts the [sync] section; unset or invalid entries keep the
// engine defaults.
func (c *Config) intervals() map[displaycore.SyncDomain]time.Duration {
	out := make(map[displaycore.SyncDomain]time.Duration)
	for domain, s := range map[displaycore.SyncDomain]string{
		displaycore.DomainContent:     c.Sync.Content,
		displaycore.DomainPrayerTimes: c.Sync.PrayerTimes,
		displaycore.DomainEvents:      c.Sync.Events,
		displaycore.DomainHeartbeat:   c.Sync.Heartbeat,
	} {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			out[domain] = d
		}
	}
	return out
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "displaycore",
	Short: "Display connectivity daemon",
	Long:  "Runs the push channel, pull sync, alert and command handling for a masjid display,\nand inspects its local configuration and state.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
