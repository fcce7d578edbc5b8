// Package cfg defines the mount-time configuration surface and binds it to
// cobra flags and viper, mirroring gcsfuse's cfg.BindFlags/cfg.Config split
// between command-line flags and an optional YAML config file.
package cfg

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the fully resolved set of mount options, populated by BindFlags
// plus viper.Unmarshal against either flags alone or a config file overlay.
type Config struct {
	Password string `mapstructure:"password"`

	Foreground bool `mapstructure:"foreground"`

	Uid     uint32 `mapstructure:"uid"`
	Gid     uint32 `mapstructure:"gid"`
	DirMode uint32 `mapstructure:"dir-mode"`

	LogFile     string `mapstructure:"log-file"`
	LogFormat   string `mapstructure:"log-format"`
	LogSeverity string `mapstructure:"log-severity"`

	MetricsAddr string `mapstructure:"metrics-addr"`
}

// BindFlags registers every Config field as a persistent flag and binds it
// into viper under the same key, so that a later viper.Unmarshal(&Config{})
// reflects either the flag value or a config-file override.
func BindFlags(flags *pflag.FlagSet) error {
	flags.String("password", "", "Database encryption password (prefer OBFUSFS_PASSWORD env var)")
	flags.Bool("foreground", false, "Run in the foreground instead of daemonizing")
	flags.Uint32("uid", 0, "Owning uid given to directories created by this mount")
	flags.Uint32("gid", 0, "Owning gid given to directories created by this mount")
	flags.Uint32("dir-mode", 0o755, "Permission bits reported for directories with no stored mode")
	flags.String("log-file", "", "Path to the log file; empty logs to stderr")
	flags.String("log-format", "json", "Log output format: text or json")
	flags.String("log-severity", "INFO", "Minimum log severity: TRACE, DEBUG, INFO, WARNING, ERROR, OFF")
	flags.String("metrics-addr", "", "Address to serve Prometheus metrics on; empty disables it")

	for _, name := range []string{
		"password", "foreground", "uid", "gid", "dir-mode",
		"log-file", "log-format", "log-severity", "metrics-addr",
	} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			return fmt.Errorf("cfg: binding %s: %w", name, err)
		}
	}
	return nil
}
