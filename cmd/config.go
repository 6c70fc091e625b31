package main

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dgduncan/go-sw-cache/caches"
)

const (
	keyBackend             = "backend"
	keyLogLevel            = "log_level"
	keyListen              = "listen"
	keyManifest            = "manifest"
	keyAPIBase             = "api_base"
	keyOrigin              = "origin"
	keyAppShell            = "app_shell"
	keyNetworkTimeout      = "network_timeout"
	keyPrecacheConcurrency = "precache_concurrency"
	keyItemExpiration      = "item_expiration"
	keySQLitePath          = "sqlite.path"
	keyPostgresDSN         = "postgres.dsn"
	keyDynamoTable         = "dynamodb.table"
	keyDynamoRegion        = "dynamodb.region"
	keyDynamoEndpoint      = "dynamodb.endpoint"
	keyDynamoCreateTable   = "dynamodb.create_table"

	defaultBackend = "sqlite"
	envPrefix      = "SWCACHE"
)

type settings struct {
	Backend             string        `mapstructure:"backend"`
	LogLevel            string        `mapstructure:"log_level"`
	Listen              string        `mapstructure:"listen"`
	Manifest            string        `mapstructure:"manifest"`
	APIBase             string        `mapstructure:"api_base"`
	Origin              string        `mapstructure:"origin"`
	AppShell            string        `mapstructure:"app_shell"`
	NetworkTimeout      time.Duration `mapstructure:"network_timeout"`
	PrecacheConcurrency int           `mapstructure:"precache_concurrency"`
	// ItemExpiration is the backend row lifetime, separate from route bounds.
	ItemExpiration time.Duration `mapstructure:"item_expiration"`

	SQLite struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"sqlite"`

	Postgres struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"postgres"`

	DynamoDB struct {
		Table       string `mapstructure:"table"`
		Region      string `mapstructure:"region"`
		Endpoint    string `mapstructure:"endpoint"`
		CreateTable bool   `mapstructure:"create_table"`
	} `mapstructure:"dynamodb"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(keyBackend, defaultBackend)
	v.SetDefault(keyLogLevel, "info")
	v.SetDefault(keyListen, "127.0.0.1:8118")
	v.SetDefault(keyManifest, "")
	v.SetDefault(keyAPIBase, "http://localhost:8000/api/v1")
	v.SetDefault(keyOrigin, "http://localhost:5173/")
	v.SetDefault(keyAppShell, "/index.html")
	v.SetDefault(keyNetworkTimeout, time.Duration(0))
	v.SetDefault(keyPrecacheConcurrency, 4)
	v.SetDefault(keyItemExpiration, caches.DefaultExpiredDuration)
	v.SetDefault(keySQLitePath, "swcache.db")
	v.SetDefault(keyPostgresDSN, "")
	v.SetDefault(keyDynamoTable, "")
	v.SetDefault(keyDynamoRegion, "us-east-1")
	v.SetDefault(keyDynamoEndpoint, "")
	v.SetDefault(keyDynamoCreateTable, false)
}

// readConfig layers defaults, the optional file and SWCACHE_* variables.
// Bound flags take precedence over all three.
func readConfig(v *viper.Viper, file string) error {
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file == "" {
		return nil
	}

	v.SetConfigFile(file)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", file, err)
	}
	return nil
}

func loadSettings(v *viper.Viper) (*settings, error) {
	var s settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := s.validate(); err != nil {
		return nil, err
	}

	return &s, nil
}

func (s *settings) validate() error {
	var errs []error

	switch s.Backend {
	case "memory":
	case "sqlite":
		if s.SQLite.Path == "" {
			errs = append(errs, caches.ValidationError{Reason: "sqlite.path is required"})
		}
	case "postgres":
		if s.Postgres.DSN == "" {
			errs = append(errs, caches.ValidationError{Reason: "postgres.dsn is required"})
		}
	case "dynamodb":
		if s.DynamoDB.Table == "" {
			errs = append(errs, caches.ValidationError{Reason: "dynamodb.table is required"})
		}
	default:
		errs = append(errs, caches.ValidationError{Reason: fmt.Sprintf("unknown backend %q", s.Backend)})
	}

	if s.NetworkTimeout < 0 {
		errs = append(errs, caches.ValidationError{Reason: "network_timeout must not be negative"})
	}

	return errors.Join(errs...)
}

func (s *settings) urls() (api, origin *url.URL, err error) {
	api, err = parseAbsolute(keyAPIBase, s.APIBase)
	if err != nil {
		return nil, nil, err
	}

	origin, err = parseAbsolute(keyOrigin, s.Origin)
	if err != nil {
		return nil, nil, err
	}

	return api, origin, nil
}

func parseAbsolute(key, raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, caches.ValidationError{Reason: fmt.Sprintf("%s must be an absolute url, got %q", key, raw)}
	}
	return u, nil
}
