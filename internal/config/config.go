// Package config loads the optional YAML defaults file for partclone-nbd and
// merges it with command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Mode selects which transport partclone-nbd runs.
type Mode int

const (
	// ModeServer serves the image to remote NBD clients over TCP.
	ModeServer Mode = iota
	// ModeClient attaches the image to a local kernel NBD device.
	ModeClient
)

// Defaults is the shape of the optional --config YAML file: it supplies
// fallback values for any command-line flag the operator did not set
// explicitly. Every field mirrors one CLI flag from the distilled spec's
// flag table.
type Defaults struct {
	// Port is the TCP listen port used in server mode.
	Port int `yaml:"port"`

	// Device is the kernel NBD device node used in client mode (e.g.
	// "/dev/nbd0").
	Device string `yaml:"device"`

	// ElemsPerCache is the number of bitmap words per prefix-sum cache
	// bucket (the bitmap package's bucket size, "-x").
	ElemsPerCache uint64 `yaml:"elems_per_cache"`

	// LogFile is the path log output is written to, in addition to
	// stderr. A value of the form "syslog:<tag>" routes to the local
	// syslog daemon instead of a file.
	LogFile string `yaml:"log_file"`

	// Quiet raises the console log sink's minimum level to warn.
	Quiet bool `yaml:"quiet"`

	// Debug lowers the minimum log level to debug.
	Debug bool `yaml:"debug"`
}

// Config is the fully resolved, validated configuration used to start
// partclone-nbd: CLI flags layered over an optional Defaults file.
type Config struct {
	Mode Mode

	ImagePath string

	Port          int
	Device        string
	ElemsPerCache uint64

	LogFile string
	Quiet   bool
	Debug   bool
}

// LoadDefaults reads and validates the optional YAML defaults file at path.
// It returns a zero Defaults, nil when path is empty: the file is entirely
// optional, per the distilled spec's CLI design.
func LoadDefaults(path string) (Defaults, error) {
	if path == "" {
		return Defaults{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Defaults{}, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var d Defaults
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Defaults{}, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}
	return d, nil
}

// Merge layers flags (as explicitly set by the operator) over d, producing
// a Config. set reports, for each flag name, whether the operator passed it
// explicitly on the command line; flags not in set fall back to d's value
// when d provides one.
func Merge(d Defaults, flags Config, set map[string]bool) Config {
	cfg := flags

	if !set["port"] && d.Port != 0 {
		cfg.Port = d.Port
	}
	if !set["device"] && d.Device != "" {
		cfg.Device = d.Device
	}
	if !set["elems-per-cache"] && d.ElemsPerCache != 0 {
		cfg.ElemsPerCache = d.ElemsPerCache
	}
	if !set["log-file"] && d.LogFile != "" {
		cfg.LogFile = d.LogFile
	}
	if !set["quiet"] && d.Quiet {
		cfg.Quiet = true
	}
	if !set["debug"] && d.Debug {
		cfg.Debug = true
	}

	return cfg
}

// Validate checks that cfg is complete enough to start the server.
func Validate(cfg Config) error {
	var errs []error

	if cfg.ImagePath == "" {
		errs = append(errs, errors.New("an image path is required"))
	}

	switch cfg.Mode {
	case ModeServer:
		if cfg.Port <= 0 || cfg.Port > 65535 {
			errs = append(errs, fmt.Errorf("port %d out of range [1, 65535]", cfg.Port))
		}
	case ModeClient:
		if cfg.Device == "" {
			errs = append(errs, errors.New("device is required in client mode"))
		}
	default:
		errs = append(errs, errors.New("exactly one of server-mode or client-mode is required"))
	}

	if cfg.Quiet && cfg.Debug {
		errs = append(errs, errors.New("quiet and debug are mutually exclusive"))
	}

	return errors.Join(errs...)
}
