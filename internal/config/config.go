// Package config implements the launch-time configuration surface
// described in §6 of the spec. Loading is done through
// github.com/spf13/viper, reading BITBUCKET_-prefixed environment
// variables and an optional YAML file, the way gcsfuse loads its own
// mount configuration. Parsing of FUSE-mount-specific command-line
// flags remains out of scope (§1); this package only produces the
// Options struct that the rest of the core consumes.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Options mirrors the table in §6.
type Options struct {
	DisableWriteback  bool          `mapstructure:"disable-writeback"`
	StorageDir        string        `mapstructure:"storagedir"`
	CallStatFile      string        `mapstructure:"callstat"`
	AttributeTimeout  time.Duration `mapstructure:"attribute-timeout"`
	DisableCache      bool          `mapstructure:"disable-cache"`
	EnableFsync       bool          `mapstructure:"enable-fsync"`
	EnableXattr       bool          `mapstructure:"enable-xattr"`
	BackgroundForget  bool          `mapstructure:"bg-forget"`
	EnableFlush       bool          `mapstructure:"enable-flush"`
	VerifyDirectories bool          `mapstructure:"verify-directories"`
	LogFile           string        `mapstructure:"logfile"`
	LogLevel          string        `mapstructure:"loglevel"`
	InodeTableSize    int           `mapstructure:"inode-table-size"`
}

// Defaults returns the option set used when nothing else is
// configured.
func Defaults() Options {
	return Options{
		AttributeTimeout: time.Second,
		LogLevel:         "info",
		InodeTableSize:   1024,
	}
}

// Load reads options from an optional file (empty path skips it),
// environment variables prefixed BITBUCKET_, and finally Defaults for
// anything left unset.
func Load(path string) (Options, error) {
	v := viper.New()
	d := Defaults()
	v.SetDefault("disable-writeback", d.DisableWriteback)
	v.SetDefault("storagedir", d.StorageDir)
	v.SetDefault("callstat", d.CallStatFile)
	v.SetDefault("attribute-timeout", d.AttributeTimeout)
	v.SetDefault("disable-cache", d.DisableCache)
	v.SetDefault("enable-fsync", d.EnableFsync)
	v.SetDefault("enable-xattr", d.EnableXattr)
	v.SetDefault("bg-forget", d.BackgroundForget)
	v.SetDefault("enable-flush", d.EnableFlush)
	v.SetDefault("verify-directories", d.VerifyDirectories)
	v.SetDefault("logfile", d.LogFile)
	v.SetDefault("loglevel", d.LogLevel)
	v.SetDefault("inode-table-size", d.InodeTableSize)

	v.SetEnvPrefix("bitbucket")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Options{}, err
		}
	}

	var opts Options
	if err := v.Unmarshal(&opts); err != nil {
		return Options{}, err
	}
	return opts, nil
}
