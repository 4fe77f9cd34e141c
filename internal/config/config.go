// Package config loads the daemon's key-value configuration file (§6 of
// the specification): an INI-style file with [general] and [suspend]
// sections, read with github.com/spf13/viper the way caramis-oasis-core's
// command tree binds viper to a cobra flag set — CLI flags, when present,
// override file values, which override the documented defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every tunable named in spec.md §6, with its documented
// default already applied.
type Config struct {
	WaitIdleMs            int64 `mapstructure:"wait_idle_ms"`
	WaitIdleGranularityMs int64 `mapstructure:"wait_idle_granularity_ms"`
	WaitSuspendResponseMs int64 `mapstructure:"wait_suspend_response_ms"`
	WaitPrepareSuspendMs  int64 `mapstructure:"wait_prepare_suspend_ms"`
	AfterResumeIdleMs     int64 `mapstructure:"after_resume_idle_ms"`
	WaitAlarmsS           int64 `mapstructure:"wait_alarms_s"`
	SuspendWithCharger    bool  `mapstructure:"suspend_with_charger"`
	DisableRTCAlarms      bool  `mapstructure:"disable_rtc_alarms"`
	VisualLedsSuspend     bool  `mapstructure:"visual_leds_suspend"`
	FastHalt              bool  `mapstructure:"fasthalt"`
	Debug                 int   `mapstructure:"debug"`
}

// Defaults returns the documented defaults (spec.md §6) prior to any file
// or flag overrides.
func Defaults() Config {
	return Config{
		WaitIdleMs:            500,
		WaitIdleGranularityMs: 100,
		WaitSuspendResponseMs: 30000,
		WaitPrepareSuspendMs:  5000,
		AfterResumeIdleMs:     1000,
		WaitAlarmsS:           5,
		SuspendWithCharger:    false,
		DisableRTCAlarms:      false,
		VisualLedsSuspend:     false,
		FastHalt:              false,
		Debug:                 0,
	}
}

func (c Config) WaitIdle() time.Duration            { return time.Duration(c.WaitIdleMs) * time.Millisecond }
func (c Config) WaitIdleGranularity() time.Duration { return time.Duration(c.WaitIdleGranularityMs) * time.Millisecond }
func (c Config) WaitSuspendResponse() time.Duration { return time.Duration(c.WaitSuspendResponseMs) * time.Millisecond }
func (c Config) WaitPrepareSuspend() time.Duration  { return time.Duration(c.WaitPrepareSuspendMs) * time.Millisecond }
func (c Config) AfterResumeIdle() time.Duration     { return time.Duration(c.AfterResumeIdleMs) * time.Millisecond }
func (c Config) WaitAlarms() time.Duration          { return time.Duration(c.WaitAlarmsS) * time.Second }

// BindFlags registers the subset of Config exposed as CLI overrides on fs,
// and binds them into v so that a flag set on the command line wins over
// the config file, which wins over the struct defaults above.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) {
	fs.Int64("wait-idle-ms", 0, "override suspend.wait_idle_ms")
	fs.Int64("wait-suspend-response-ms", 0, "override suspend.wait_suspend_response_ms")
	fs.Int64("wait-prepare-suspend-ms", 0, "override suspend.wait_prepare_suspend_ms")
	fs.Bool("suspend-with-charger", false, "override suspend.suspend_with_charger")
	fs.Bool("disable-rtc-alarms", false, "override suspend.disable_rtc_alarms")
	fs.Int("debug", 0, "override general.debug")

	_ = v.BindPFlag("suspend.wait_idle_ms", fs.Lookup("wait-idle-ms"))
	_ = v.BindPFlag("suspend.wait_suspend_response_ms", fs.Lookup("wait-suspend-response-ms"))
	_ = v.BindPFlag("suspend.wait_prepare_suspend_ms", fs.Lookup("wait-prepare-suspend-ms"))
	_ = v.BindPFlag("suspend.suspend_with_charger", fs.Lookup("suspend-with-charger"))
	_ = v.BindPFlag("suspend.disable_rtc_alarms", fs.Lookup("disable-rtc-alarms"))
	_ = v.BindPFlag("general.debug", fs.Lookup("debug"))
}

// Load reads path (an INI file with [general]/[suspend] sections) through
// viper, merging it over Defaults(). A missing file is not an error: the
// daemon runs on defaults, matching the source's tolerance of a missing
// config (config.c logs and continues).
func Load(v *viper.Viper, path string) (Config, error) {
	def := Defaults()
	v.SetConfigType("ini")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
			}
		}
	}

	setDefault(v, "suspend.wait_idle_ms", def.WaitIdleMs)
	setDefault(v, "suspend.wait_idle_granularity_ms", def.WaitIdleGranularityMs)
	setDefault(v, "general.debug", def.Debug)
	setDefault(v, "suspend.wait_suspend_response_ms", def.WaitSuspendResponseMs)
	setDefault(v, "suspend.wait_prepare_suspend_ms", def.WaitPrepareSuspendMs)
	setDefault(v, "suspend.after_resume_idle_ms", def.AfterResumeIdleMs)
	setDefault(v, "suspend.wait_alarms_s", def.WaitAlarmsS)
	setDefault(v, "suspend.suspend_with_charger", def.SuspendWithCharger)
	setDefault(v, "suspend.disable_rtc_alarms", def.DisableRTCAlarms)
	setDefault(v, "suspend.visual_leds_suspend", def.VisualLedsSuspend)
	setDefault(v, "suspend.fasthalt", def.FastHalt)

	out := def
	out.WaitIdleMs = v.GetInt64("suspend.wait_idle_ms")
	out.WaitIdleGranularityMs = v.GetInt64("suspend.wait_idle_granularity_ms")
	out.Debug = v.GetInt("general.debug")
	out.WaitSuspendResponseMs = v.GetInt64("suspend.wait_suspend_response_ms")
	out.WaitPrepareSuspendMs = v.GetInt64("suspend.wait_prepare_suspend_ms")
	out.AfterResumeIdleMs = v.GetInt64("suspend.after_resume_idle_ms")
	out.WaitAlarmsS = v.GetInt64("suspend.wait_alarms_s")
	out.SuspendWithCharger = v.GetBool("suspend.suspend_with_charger")
	out.DisableRTCAlarms = v.GetBool("suspend.disable_rtc_alarms")
	out.VisualLedsSuspend = v.GetBool("suspend.visual_leds_suspend")
	out.FastHalt = v.GetBool("suspend.fasthalt")
	return out, nil
}

func setDefault(v *viper.Viper, key string, val any) {
	if !v.IsSet(key) {
		v.SetDefault(key, val)
	}
}
