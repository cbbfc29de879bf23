package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Transfer  TransferConfig  `mapstructure:"transfer"`
	Preflight PreflightConfig `mapstructure:"preflight"`
	Log       LogConfig       `mapstructure:"log"`
	Web       WebConfig       `mapstructure:"web"`
}

type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	Token           string        `mapstructure:"token"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite, postgres
	DSN    string `mapstructure:"dsn"`
}

type TransferConfig struct {
	Binary        string        `mapstructure:"binary"`
	ConfigPath    string        `mapstructure:"config_path"`
	StatsInterval time.Duration `mapstructure:"stats_interval"`
	Transfers     int           `mapstructure:"transfers"`
	ExtraArgs     []string      `mapstructure:"extra_args"`
	SizeTimeout   time.Duration `mapstructure:"size_timeout"`
}

type PreflightConfig struct {
	Margin float64 `mapstructure:"margin"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type WebConfig struct {
	Dist string `mapstructure:"dist"`
}

// Load reads .env, the YAML config file and R2CLONE_* environment overrides.
func Load(configPath string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		home, _ := os.UserHomeDir()
		v.AddConfigPath(filepath.Join(home, ".r2clone"))
	}

	setDefaults(v)

	v.SetEnvPrefix("R2CLONE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Legacy variable names from the docker images
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		v.Set("database.driver", "postgres")
		v.Set("database.dsn", dsn)
	}
	if port := os.Getenv("HTTP_PORT"); port != "" {
		v.Set("server.address", "0.0.0.0:"+port)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "127.0.0.1:8080")
	v.SetDefault("server.token", "")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "r2clone.db")
	v.SetDefault("transfer.binary", "rclone")
	v.SetDefault("transfer.config_path", "")
	v.SetDefault("transfer.stats_interval", time.Second)
	v.SetDefault("transfer.transfers", 0)
	v.SetDefault("transfer.extra_args", []string{})
	v.SetDefault("transfer.size_timeout", 60*time.Second)
	v.SetDefault("preflight.margin", 1.05)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("web.dist", "./web/dist")
}

// Validate checks values that would otherwise fail much later.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Transfer.Binary == "" {
		return fmt.Errorf("transfer.binary must not be empty")
	}
	if c.Preflight.Margin < 1 {
		return fmt.Errorf("preflight.margin must be >= 1, got %v", c.Preflight.Margin)
	}
	if c.Transfer.StatsInterval <= 0 {
		c.Transfer.StatsInterval = time.Second
	}
	if c.Transfer.SizeTimeout <= 0 {
		c.Transfer.SizeTimeout = 60 * time.Second
	}
	return nil
}
