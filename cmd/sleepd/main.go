// Command sleepd runs the power-management daemon: the five core
// components (spec.md §4), the IPC translation layer, and the
// single-threaded event loop that hosts the alarm heartbeat.
//
// The IPC bus transport and the platform HAL are named external
// collaborators (spec.md §1: "IPC bus routing/subscription plumbing"
// and "Platform HAL" are both consumed, not implemented, here); this
// binary wires the only implementation available in this module,
// internal/hal.Sim, since no production transport or platform HAL ships
// with it. A real deployment supplies both by building against
// internal/daemon directly instead of this command.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joeycumines/sleepd/internal/clock"
	"github.com/joeycumines/sleepd/internal/config"
	"github.com/joeycumines/sleepd/internal/corelog"
	"github.com/joeycumines/sleepd/internal/daemon"
	"github.com/joeycumines/sleepd/internal/hal"
	"github.com/joeycumines/sleepd/internal/ipc"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		foreground bool
		logLevel   string
		storePath  string
		legacyPath string
		stateDir   string
	)
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "sleepd",
		Short: "power-management and suspend daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := corelog.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			w := os.Stderr
			corelog.Init(level, w)
			if !foreground {
				corelog.Root().Info().Log("starting in background mode; logging continues to stderr")
			}

			cfg, err := config.Load(v, configPath)
			if err != nil {
				return fmt.Errorf("sleepd: %w", err)
			}

			sim := hal.NewSim(time.Now())
			core, err := daemon.New(daemon.Options{
				Config:          cfg,
				RTC:             sim,
				Suspend:         sim,
				Display:         sim,
				Transport:       noopTransport{},
				AlarmStorePath:  storePath,
				LegacyAlarmPath: legacyPath,
				TimeSaverPath:   clock.DefaultTimeSaverPath(stateDir),
			})
			if err != nil {
				return fmt.Errorf("sleepd: %w", err)
			}
			defer func() { _ = core.Close() }()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			corelog.Root().Info().Log("sleepd running")
			err = core.Run(ctx)
			corelog.Root().Info().Log("sleepd stopped")
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to the [general]/[suspend] key-value configuration file")
	flags.BoolVar(&foreground, "foreground", false, "stay attached to the controlling terminal instead of detaching")
	flags.StringVar(&logLevel, "log-level", "INFO", "log level: DEBUG, INFO, WARN, or ERROR")
	flags.StringVar(&storePath, "alarm-store", "/var/lib/sleepd/alarms.db", "path to the durable alarm table")
	flags.StringVar(&legacyPath, "legacy-alarms", "", "path to the legacy alarms.xml file, empty to disable")
	flags.StringVar(&stateDir, "state-dir", "/var/lib/sleepd", "directory holding the time_saver wall-clock persistence file")
	config.BindFlags(v, flags)

	return cmd
}

// noopTransport is the IPC bus stand-in for this binary: Subscribe and
// Broadcast/Send are all no-ops, since no production transport ships in
// this module (spec.md §1 names IPC bus routing/subscription plumbing
// as an excluded external collaborator). A real deployment supplies its
// own ipc.Transport and constructs internal/daemon.Core directly rather
// than running this command.
type noopTransport struct{}

func (noopTransport) Send(clientID, method string, payload any) {}
func (noopTransport) Broadcast(method string, payload any)      {}
func (noopTransport) Subscribe(clientID string)                 {}
func (noopTransport) Unsubscribe(clientID string)               {}

var _ ipc.Transport = noopTransport{}
