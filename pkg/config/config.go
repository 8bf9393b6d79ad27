// Copyright 2025 The fawa Authors
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

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/fawa-io/filapi/pkg/digest"
	"github.com/fawa-io/filapi/pkg/fwlog"
)

// Catalog drivers understood by the server.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

type Config struct {
	Addr           string        `mapstructure:"addr"`
	CertFile       string        `mapstructure:"certFile"`
	KeyFile        string        `mapstructure:"keyFile"`
	LogLevel       string        `mapstructure:"logLevel"`
	StorageDir     string        `mapstructure:"storageDir"`
	HashAlgorithm  string        `mapstructure:"hashAlgorithm"`
	TransactionTTL time.Duration `mapstructure:"transactionTTL"`
	ReapInterval   time.Duration `mapstructure:"reapInterval"`
	MaxFileSize    int64         `mapstructure:"maxFileSize"`
	MaxChunkSize   int64         `mapstructure:"maxChunkSize"`
	Catalog        CatalogConfig `mapstructure:"catalog"`
	Mirror         MirrorConfig  `mapstructure:"mirror"`
}

// CatalogConfig selects the metadata catalog backend.
type CatalogConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	DSN       string `mapstructure:"dsn"`
	RedisAddr string `mapstructure:"redisAddr"`
}

// MirrorConfig enables copying published blobs to a MinIO bucket. The mirror
// is disabled while Endpoint is empty.
type MirrorConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"accessKeyID"`
	SecretAccessKey string `mapstructure:"secretAccessKey"`
	Bucket          string `mapstructure:"bucket"`
	UseSSL          bool   `mapstructure:"useSSL"`
}

// Enabled reports whether a mirror endpoint is configured.
func (m MirrorConfig) Enabled() bool {
	return m.Endpoint != ""
}

var (
	once sync.Once

	mu sync.RWMutex

	config Config

	global = viper.New()
)

// InitConfig loads the process configuration from the command line,
// environment and config file exactly once, then watches the file.
func InitConfig() error {
	var initErr error
	once.Do(func() {
		initErr = LoadAndWatch()
	})
	return initErr
}

// Get returns a copy of the current configuration.
func Get() Config {
	mu.RLock()
	defer mu.RUnlock()
	return config
}

func LoadAndWatch() error {
	cfg, err := Load(global, pflag.CommandLine, os.Args[1:])
	if err != nil {
		return err
	}

	mu.Lock()
	config = cfg
	mu.Unlock()

	if global.ConfigFileUsed() == "" {
		return nil
	}

	// Only logLevel is applied live; everything else is wired at startup.
	global.OnConfigChange(func(e fsnotify.Event) {
		fwlog.Infof("config file %s changed, reloading", e.Name)

		var next Config
		if err := global.Unmarshal(&next); err != nil {
			fwlog.Errorf("Error while reloading config: %v", err)
			return
		}

		mu.Lock()
		config = next
		mu.Unlock()

		newLogLevel, err := fwlog.ParseLevel(next.LogLevel)
		if err != nil {
			fwlog.Warnf("New log level in config is invalid: %v. Keeping previous level.", err)
			return
		}
		fwlog.SetLevel(newLogLevel)
		fwlog.Infof("Log level reloaded successfully to: %s", next.LogLevel)
	})
	global.WatchConfig()

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", "127.0.0.1:8080")
	v.SetDefault("certFile", "")
	v.SetDefault("keyFile", "")
	v.SetDefault("logLevel", "info")
	v.SetDefault("storageDir", "./instance/files")
	v.SetDefault("hashAlgorithm", digest.SHA256)
	v.SetDefault("transactionTTL", time.Hour)
	v.SetDefault("reapInterval", 5*time.Minute)
	v.SetDefault("maxFileSize", int64(0))
	v.SetDefault("maxChunkSize", int64(32<<20))
	v.SetDefault("catalog.driver", DriverSQLite)
	v.SetDefault("catalog.path", "./instance/filapi.sqlite")
	v.SetDefault("catalog.dsn", "")
	v.SetDefault("catalog.redisAddr", "localhost:6379")
	v.SetDefault("mirror.endpoint", "")
	v.SetDefault("mirror.accessKeyID", "")
	v.SetDefault("mirror.secretAccessKey", "")
	v.SetDefault("mirror.bucket", "filapi")
	v.SetDefault("mirror.useSSL", false)
}

// Load builds a Config from flags in args, FILAPI_* environment variables,
// the config file and defaults, in that order of precedence.
func Load(v *viper.Viper, fs *pflag.FlagSet, args []string) (Config, error) {
	configFile := fs.String("config", "", "Path to the config file (default: ./config.yaml or /etc/filapi/config.yaml).")
	fs.String("addr", "", "HTTP service address (e.g., '127.0.0.1:8080')")
	fs.String("certFile", "", "Path to the TLS certificate file.")
	fs.String("keyFile", "", "Path to the TLS private key file.")
	fs.String("logLevel", "", "Log level: debug, info, warn, error.")
	fs.String("storageDir", "", "Directory holding blobs and in-flight uploads.")
	fs.String("hashAlgorithm", "", "Content hash: md5, sha256 or blake3.")
	fs.String("catalog.driver", "", "Metadata catalog: memory, sqlite, redis or postgres.")
	fs.String("catalog.path", "", "SQLite database file.")
	fs.String("catalog.dsn", "", "Postgres connection string.")
	fs.String("catalog.redisAddr", "", "Redis/Dragonfly address.")
	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("failed to parse flags: %w", err)
	}

	setDefaults(v)

	// bind only flags given explicitly so empty flag defaults never shadow
	// the config file
	var bindErr error
	fs.Visit(func(f *pflag.Flag) {
		if err := v.BindPFlag(f.Name, f); err != nil && bindErr == nil {
			bindErr = err
		}
	})
	if bindErr != nil {
		return Config{}, fmt.Errorf("failed to bind pflags: %w", bindErr)
	}

	v.SetEnvPrefix("FILAPI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if *configFile != "" {
		v.SetConfigFile(*configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/filapi/")
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			fwlog.Infof("Config file not found, using flags, environment and defaults.")
		} else {
			return Config{}, fmt.Errorf("fatal error config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("the configuration cannot be decoded into the struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.StorageDir) == "" {
		return errors.New("config: storageDir is required")
	}
	if _, err := digest.New(c.HashAlgorithm); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.TransactionTTL <= 0 {
		return fmt.Errorf("config: transactionTTL must be positive, got %s", c.TransactionTTL)
	}
	if c.ReapInterval < 0 {
		return fmt.Errorf("config: reapInterval must not be negative, got %s", c.ReapInterval)
	}
	if c.MaxFileSize < 0 || c.MaxChunkSize < 0 {
		return errors.New("config: size limits must not be negative")
	}
	switch c.Catalog.Driver {
	case DriverMemory, DriverRedis:
	case DriverSQLite:
		if c.Catalog.Path == "" {
			return errors.New("config: catalog.path is required for sqlite")
		}
	case DriverPostgres:
		if c.Catalog.DSN == "" {
			return errors.New("config: catalog.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config: unknown catalog driver %q", c.Catalog.Driver)
	}
	if c.Mirror.Enabled() && c.Mirror.Bucket == "" {
		return errors.New("config: mirror.bucket is required when mirror.endpoint is set")
	}
	return nil
}
