// Package config holds process bootstrap settings read from the environment
// and the sectioned BBS settings read from the TOML configuration file.
package config

import (
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

// Settings are process-level settings. They locate the configuration file
// and the data directory before the BBS settings can be read.
type Settings struct {
	ConfigPath string `envconfig:"CONFIG" default:"/etc/x84/x84.toml"`
	DataPath   string `envconfig:"DATA_PATH" default:"/var/lib/x84"`
	LogPath    string `envconfig:"LOG_PATH" default:""`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`
}

var Cfg Settings

// Process reads X84_* environment variables into Cfg.
func Process() error {
	return envconfig.Process("X84", &Cfg)
}

func Load() {
	if err := Process(); err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
}

// DataFile resolves name relative to the data directory unless it is
// already absolute.
func DataFile(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(Cfg.DataPath, name)
}

// Duration parses s, returning fallback when s is empty or invalid.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}
