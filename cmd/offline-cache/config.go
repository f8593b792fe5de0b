package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	offlinecache "github.com/eyojana/offline-cache"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "OFFLINE_CACHE_"

type Config struct {
	Origin              string   `yaml:"origin" env:"ORIGIN"`
	Host                string   `yaml:"host" env:"HOST"`
	Port                int      `yaml:"port" env:"PORT"`
	DB                  string   `yaml:"db" env:"DB"`
	LogFile             string   `yaml:"logFile" env:"LOG_FILE"`
	Generation          string   `yaml:"generation" env:"GENERATION"`
	StaticCache         string   `yaml:"staticCache" env:"STATIC_CACHE"`
	DynamicCache        string   `yaml:"dynamicCache" env:"DYNAMIC_CACHE"`
	Manifest            []string `yaml:"manifest" env:"MANIFEST" envSeparator:","`
	OfflinePage         string   `yaml:"offlinePage" env:"OFFLINE_PAGE"`
	StoreErrorResponses bool     `yaml:"storeErrorResponses" env:"STORE_ERROR_RESPONSES"`
	InstallAttempts     int      `yaml:"installAttempts" env:"INSTALL_ATTEMPTS"`

	Notifications NotificationsConfig `yaml:"notifications" envPrefix:"NOTIFICATIONS_"`
	Sync          SyncConfig          `yaml:"sync" envPrefix:"SYNC_"`
}

type NotificationsConfig struct {
	Permission       string   `yaml:"permission" env:"PERMISSION"`
	OpenCommand      []string `yaml:"openCommand" env:"OPEN_COMMAND" envSeparator:" "`
	AllowCrossOrigin bool     `yaml:"allowCrossOrigin" env:"ALLOW_CROSS_ORIGIN"`
}

type SyncConfig struct {
	Tag         string        `yaml:"tag" env:"TAG"`
	Endpoint    string        `yaml:"endpoint" env:"ENDPOINT"`
	Interval    time.Duration `yaml:"interval" env:"INTERVAL"`
	MaxAttempts int           `yaml:"maxAttempts" env:"MAX_ATTEMPTS"`
	Backoff     time.Duration `yaml:"backoff" env:"BACKOFF"`
}

func defaultConfig() Config {
	return Config{
		Port:        8080,
		DB:          "cache.db",
		Generation:  offlinecache.DefaultGeneration,
		Manifest:    append([]string(nil), offlinecache.DefaultManifest...),
		OfflinePage: offlinecache.DefaultOfflinePage,
		Notifications: NotificationsConfig{
			Permission: "default",
		},
		Sync: SyncConfig{
			Tag:         offlinecache.DefaultSyncTag,
			Endpoint:    offlinecache.DefaultSyncEndpoint,
			Interval:    30 * time.Second,
			MaxAttempts: 3,
			Backoff:     5 * time.Second,
		},
	}
}

// loadConfig reads the config file (if any), then overlays variables from
// .env and the environment.
func loadConfig(filename string) (Config, error) {
	config := defaultConfig()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	// a missing .env file is fine
	_ = godotenv.Load()
	if err := env.ParseWithOptions(&config, env.Options{Prefix: envPrefix}); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	return config, nil
}

func (c Config) originURL() (url.URL, error) {
	if c.Origin == "" {
		return url.URL{}, errors.New("please specify origin")
	}
	u, err := url.Parse(c.Origin)
	if err != nil {
		return url.URL{}, fmt.Errorf("parse origin: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return url.URL{}, fmt.Errorf("origin %q is not an absolute URL", c.Origin)
	}
	if u.Path != "" && u.Path != "/" {
		return url.URL{}, fmt.Errorf("origin %q has a path", c.Origin)
	}
	u.Path = ""
	return *u, nil
}

func (c Config) dbFilename() string {
	if c.DB == "memory" {
		return "file::memory:?cache=shared"
	}
	return c.DB
}
