package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the engine's recognized configuration surface, exactly
// the options spec.md §6 names: no other flags are part of the
// contract.
type Config struct {
	Store StoreConfig `mapstructure:"store"`
	Topic string      `mapstructure:"topic"`
	Bus   BusConfig   `mapstructure:"bus"`
}

type StoreConfig struct {
	ConnectionString string `mapstructure:"connectionString"`
	Database         string `mapstructure:"database"`
}

type BusConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

func DefaultConfig() Config {
	return Config{
		Bus: BusConfig{
			Host: "127.0.0.1",
			Port: 4222,
		},
	}
}

// Load reads config from file, then environment variables prefixed
// TOPIQ_, overlaying DefaultConfig.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("topiq")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("TOPIQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	// Unmarshal only sees keys viper knows about, so bind each one
	// explicitly (e.g. bus.host is read from TOPIQ_BUS_HOST).
	for _, key := range []string{"store.connectionString", "store.database", "topic", "bus.host", "bus.port"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	cfg := DefaultConfig()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		fmt.Println("Using config file:", v.ConfigFileUsed())
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	return &cfg, nil
}
