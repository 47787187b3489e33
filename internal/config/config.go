// Package config loads the runtime configuration shared by every cmd/
// sample accessory: listen address, setup code, KV backend selection and
// category/model identity strings. Grounded on the teacher pack's
// EdgxCloud-EdgeFlow/internal/config/config.go (viper defaults, YAML file,
// environment override).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config is the accessory-level bring-up configuration, unmarshaled from
// YAML/env by Load.
type Config struct {
	Accessory AccessoryConfig `mapstructure:"accessory"`
	Network   NetworkConfig   `mapstructure:"network"`
	KV        KVConfig        `mapstructure:"kv"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	NFC       NFCConfig       `mapstructure:"nfc"`
}

// MetricsConfig optionally enables shipping operational counters to
// InfluxDB (internal/metrics).
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Token   string `mapstructure:"token"`
	Org     string `mapstructure:"org"`
	Bucket  string `mapstructure:"bucket"`
}

// NFCConfig optionally enables sourcing the pairing setup code from a
// serial NFC/keypad reader (internal/nfcreader) instead of the static
// accessory.setup_code string.
type NFCConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Port     string `mapstructure:"port"`
	BaudRate int    `mapstructure:"baud_rate"`
}

// AccessoryConfig carries the identity strings advertised over mDNS/BLE.
type AccessoryConfig struct {
	Name         string `mapstructure:"name"`
	Manufacturer string `mapstructure:"manufacturer"`
	Model        string `mapstructure:"model"`
	Serial       string `mapstructure:"serial"`
	Firmware     string `mapstructure:"firmware"`
	SetupCode    string `mapstructure:"setup_code"`
	Category     int    `mapstructure:"category"`
}

// NetworkConfig is the IP transport's bind address and the optional gofiber
// remote-administration listen address.
type NetworkConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	AdminAddr  string `mapstructure:"admin_addr"`
	ConsoleAddr string `mapstructure:"console_addr"`
}

// KVConfig selects and parameterizes the platform.KVStore backend.
type KVConfig struct {
	Backend string `mapstructure:"backend"` // "memory", "sqlite", "redis", "s3"
	Path    string `mapstructure:"path"`    // sqlite file path
	Addr    string `mapstructure:"addr"`    // redis addr
	Bucket  string `mapstructure:"bucket"`  // s3 bucket
	Region  string `mapstructure:"region"`  // s3 region
}

// LoggerConfig controls logrus's level/format, shared by every package
// under internal/ and cmd/.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configPath (or the default search path) and overlays
// HAP_-prefixed environment variables, falling back to built-in defaults
// when no config file is present.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(configDir())
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	v.SetEnvPrefix("HAP")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("accessory.manufacturer", "haprt")
	v.SetDefault("accessory.model", "HAPRT1,1")
	v.SetDefault("accessory.serial", "000-000-001")
	v.SetDefault("accessory.firmware", "1.0.0")
	v.SetDefault("accessory.setup_code", "111-22-333")
	v.SetDefault("accessory.category", 1)

	v.SetDefault("network.listen_addr", ":51826")
	v.SetDefault("network.admin_addr", ":8080")
	v.SetDefault("network.console_addr", ":8081")

	v.SetDefault("kv.backend", "memory")
	v.SetDefault("kv.path", "./data/hap.db")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "text")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("nfc.enabled", false)
	v.SetDefault("nfc.baud_rate", 9600)
}

func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".haprt")
}
