package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// GRConfig holds the application configuration
type GRConfig struct {
	Database struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"database"`

	Store struct {
		Backend string `mapstructure:"backend"` // postgres or memory
	} `mapstructure:"store"`

	Server struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"server"`

	Queue struct {
		Host     string `mapstructure:"host"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"queue"`

	Worker struct {
		Concurrency  int `mapstructure:"concurrency"`
		HeartbeatSec int `mapstructure:"heartbeat_sec"`
	} `mapstructure:"worker"`

	Scheduler struct {
		PromoteSpec   string `mapstructure:"promote_spec"`
		ReapSpec      string `mapstructure:"reap_spec"`
		ReconcileSpec string `mapstructure:"reconcile_spec"`
	} `mapstructure:"scheduler"`

	Docker struct {
		Endpoint        string `mapstructure:"endpoint"`
		Image           string `mapstructure:"image"`
		Network         string `mapstructure:"network"`
		Prefix          string `mapstructure:"prefix"`
		BasePort        int    `mapstructure:"base_port"`
		ContainerPort   int    `mapstructure:"container_port"`
		MountPoint      string `mapstructure:"mount_point"`
		Project         string `mapstructure:"project"`
		SelfContainer   string `mapstructure:"self_container"`
		ProbeTimeoutSec int    `mapstructure:"probe_timeout_sec"`
	} `mapstructure:"docker"`

	Paths struct {
		GraphRoot      string `mapstructure:"graph_root"`
		OsmSourceDir   string `mapstructure:"osm_source_dir"`
		ConfigTemplate string `mapstructure:"config_template"`
	} `mapstructure:"paths"`

	Builder struct {
		Command []string `mapstructure:"command"`
	} `mapstructure:"builder"`

	Logs struct {
		MaxSize       int `mapstructure:"max_size"`
		TrimTo        int `mapstructure:"trim_to"`
		FlushLines    int `mapstructure:"flush_lines"`
		PreviewHead   int `mapstructure:"preview_head"`
		PreviewTail   int `mapstructure:"preview_tail"`
		StaleAfterSec int `mapstructure:"stale_after_sec"`
	} `mapstructure:"logs"`

	Diagnostics struct {
		Command []string `mapstructure:"command"`
	} `mapstructure:"diagnostics"`

	Timezone string `mapstructure:"timezone"`
	LogLevel string `mapstructure:"log_level"`
}

// LoadConfig reads the configuration from a file or environment variables
func LoadConfig(configPaths ...string) (*GRConfig, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	// can specify config path from environment
	if path, exists := os.LookupEnv("GR_CONFIG_PATH"); exists {
		configPaths = append(configPaths, path)
	}
	for _, path := range configPaths {
		fi, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, err
		}
		mode := fi.Mode()
		switch {
		case mode.IsRegular():
			v := newViper()
			v.SetConfigFile(path)
			config, err := readConfig(v, path)
			if err != nil {
				continue
			}
			return config, nil

		case mode.IsDir():
			v := newViper()
			v.AddConfigPath(path)
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			config, err := readConfig(v, path)
			if err != nil {
				continue
			}
			return config, nil
		}
	}

	v := newViper()
	// finally read from current working directory
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	cwd, _ := os.Getwd()

	config, err := readConfig(v, cwd)
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		// no file anywhere, run on defaults and environment
		var fallback GRConfig
		if err := v.Unmarshal(&fallback); err != nil {
			return nil, err
		}
		return &fallback, nil
	}
	return config, nil
}

// loadEnvFile exports the variables of a dotenv file (GR_ENV_FILE, default .env) that are not
// already set. A missing file is not an error.
func loadEnvFile() error {
	path := ".env"
	if p, ok := os.LookupEnv("GR_ENV_FILE"); ok {
		path = p
	}
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func newViper() *viper.Viper {
	v := viper.New()

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "graphrunner")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("store.backend", "postgres")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("queue.host", "localhost:6379")
	v.SetDefault("queue.password", "redis")
	v.SetDefault("queue.db", 0)

	// Worker defaults
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.heartbeat_sec", 10)

	// Scheduler defaults, 6-field cron expressions
	v.SetDefault("scheduler.promote_spec", "*/5 * * * * *")
	v.SetDefault("scheduler.reap_spec", "*/30 * * * * *")
	v.SetDefault("scheduler.reconcile_spec", "0 * * * * *")

	// Docker defaults
	v.SetDefault("docker.endpoint", "")
	v.SetDefault("docker.image", "compose-valhalla:latest")
	v.SetDefault("docker.network", "compose_default")
	v.SetDefault("docker.prefix", "valhalla-graph-")
	v.SetDefault("docker.base_port", 8002)
	v.SetDefault("docker.container_port", 8002)
	v.SetDefault("docker.mount_point", "/data/valhalla")
	v.SetDefault("docker.project", "compose")
	v.SetDefault("docker.self_container", "")
	v.SetDefault("docker.probe_timeout_sec", 3)

	// Filesystem defaults
	v.SetDefault("paths.graph_root", "/data/graphs")
	v.SetDefault("paths.osm_source_dir", "/data/sources/osm")
	v.SetDefault("paths.config_template", "")

	v.SetDefault("builder.command", []string{"docker", "exec", "valhalla", "build_graph.sh"})

	// Task log defaults
	v.SetDefault("logs.max_size", 2_000_000)
	v.SetDefault("logs.trim_to", 1_000_000)
	v.SetDefault("logs.flush_lines", 25)
	v.SetDefault("logs.preview_head", 40)
	v.SetDefault("logs.preview_tail", 40)
	v.SetDefault("logs.stale_after_sec", 600)

	v.SetDefault("diagnostics.command", []string{})

	v.SetDefault("timezone", "Europe/Paris")
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("GR")                               // Prefix for environment variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // Replace dots with underscores in env vars
	v.AutomaticEnv()                                   // Read environment variables

	return v
}

func readConfig(v *viper.Viper, path string) (*GRConfig, error) {
	var config GRConfig

	if err := v.ReadInConfig(); err != nil {
		log.Warn().
			Str("path", path).
			Msg("Could not read config file")
		return nil, err
	}
	if err := v.Unmarshal(&config); err != nil {
		log.Warn().
			Str("path", path).
			Msg("Could not unmarshall config")
		return nil, err
	}

	return &config, nil
}

// GetDatabaseURL returns a formatted database connection string
func (c *GRConfig) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// Level parses the configured log level, defaulting to info
func (c *GRConfig) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(c.LogLevel)))
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Location returns the system timezone used to interpret scheduled submissions
func (c *GRConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		log.Warn().Err(err).Str("timezone", c.Timezone).Msg("Unknown timezone, falling back to UTC")
		return time.UTC
	}
	return loc
}

// StaleAfter is the quiet period after which a building task is flagged as possibly dead
func (c *GRConfig) StaleAfter() time.Duration {
	return time.Duration(c.Logs.StaleAfterSec) * time.Second
}

// ProbeTimeout bounds the self-identification probe against the container runtime
func (c *GRConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.Docker.ProbeTimeoutSec) * time.Second
}
