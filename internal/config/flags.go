package config

import (
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	apperrors "github.com/leggler/PV-Aggregator/internal/errors"
)

// EnvPrefix prefixes environment overrides, e.g. PVAGG_SERVER_LISTEN.
const EnvPrefix = "PVAGG"

// flag name -> configuration key
var overrideKeys = map[string]string{
	"config":        "config",
	"listen":        "server.listen",
	"health-mode":   "server.health_mode",
	"interval":      "poll.interval",
	"log-level":     "log.level",
	"status":        "status.enabled",
	"status-listen": "status.listen",
	"state":         "state.enabled",
	"state-db":      "state.db_path",
}

// RegisterFlags defines the override flags on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", DefaultPath, "Path to the YAML configuration file")
	fs.String("listen", "", "Modbus TCP listen address (overrides server.listen)")
	fs.String("health-mode", "", "Health register mode: fresh_reads or connected_devices")
	fs.Duration("interval", 0, "Delay between rounds (overrides poll.interval)")
	fs.String("log-level", "", "Log level: debug, info, warn, error")
	fs.Bool("status", false, "Enable the HTTP status report")
	fs.String("status-listen", "", "HTTP status listen address")
	fs.Bool("state", false, "Persist last known good values")
	fs.String("state-db", "", "Path of the state database")
}

// LoadWithFlags resolves the configuration path from flags or the
// environment, loads the file and applies explicitly set overrides before
// validating. fs must already be parsed.
func LoadWithFlags(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for name, key := range overrideKeys {
		if f := fs.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, apperrors.Wrapf(apperrors.ErrInvalidConfig, err, "bind flag %s", name)
			}
		}
	}

	path := v.GetString("config")
	if path == "" {
		path = DefaultPath
	}
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}

	if v.IsSet("server.listen") {
		cfg.Server.Listen = v.GetString("server.listen")
	}
	if v.IsSet("server.health_mode") {
		cfg.Server.HealthMode = v.GetString("server.health_mode")
	}
	if v.IsSet("poll.interval") {
		cfg.Poll.Interval = v.GetDuration("poll.interval")
	}
	if v.IsSet("log.level") {
		cfg.Log.Level = v.GetString("log.level")
	}
	if v.IsSet("status.enabled") {
		cfg.Status.Enabled = v.GetBool("status.enabled")
	}
	if v.IsSet("status.listen") {
		cfg.Status.Listen = v.GetString("status.listen")
	}
	if v.IsSet("state.enabled") {
		cfg.State.Enabled = v.GetBool("state.enabled")
	}
	if v.IsSet("state.db_path") {
		cfg.State.DBPath = v.GetString("state.db_path")
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
