package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/godbus/dbus/v5"

	"github.com/powerprofiles/daemon/internal/actions"
	"github.com/powerprofiles/daemon/internal/config"
	"github.com/powerprofiles/daemon/internal/dbusiface"
	"github.com/powerprofiles/daemon/internal/drivers"
	"github.com/powerprofiles/daemon/internal/engine"
	"github.com/powerprofiles/daemon/internal/state"
	"github.com/powerprofiles/daemon/internal/storage"
	"github.com/powerprofiles/daemon/internal/upower"
)

// DaemonConfig holds the configuration for the daemon command.
type DaemonConfig struct {
	Config         string
	StateFile      string
	Database       string
	BlockedDrivers []string
	BlockedActions []string
	DisableUpower  bool
	DisableLogind  bool
	Verbose        bool
}

// stringList collects the values of a repeatable flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// defaultCandidates is the probe order. Drivers come before actions; within
// a driver kind the first successful probe wins, so the hardware-specific
// drivers precede the fallbacks.
func defaultCandidates() []engine.Candidate {
	return []engine.Candidate{
		drivers.NewIntelPstate,
		drivers.NewAMDPstate,
		drivers.NewPlaceholder,
		drivers.NewFake,
		drivers.NewPlatformProfile,
		actions.NewTrickleCharge,
		actions.NewAMDGPUPanelPower,
		actions.NewAMDGPUDPM,
	}
}

// engineSink breaks the construction cycle between the engine and the power
// monitor. The monitor is created first and the engine attached right after;
// events only start flowing once the engine has started.
type engineSink struct {
	eng *engine.Engine
}

func (s *engineSink) PowerSourceChanged(onBattery bool) { s.eng.PowerSourceChanged(onBattery) }
func (s *engineSink) PowerSourceUnknown()               { s.eng.PowerSourceUnknown() }
func (s *engineSink) BatteryLevelChanged(pct float64)   { s.eng.BatteryLevelChanged(pct) }
func (s *engineSink) PrepareForSleep(entering bool)     { s.eng.PrepareForSleep(entering) }

func runDaemon(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("daemon", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cfg := &DaemonConfig{}
	var blockDrivers, blockActions stringList

	fs.StringVar(&cfg.Config, "config", "", "Path to config file (default: /etc/power-profiles-daemon/config.toml)")
	fs.StringVar(&cfg.StateFile, "state-file", "", "Path to the persisted profile state file (default: /var/lib/power-profiles-daemon/state.ini)")
	fs.StringVar(&cfg.Database, "database", "", "Path to the transition history database (default: /var/lib/power-profiles-daemon/history.db)")
	fs.Var(&blockDrivers, "block-driver", "Driver name to never probe (repeatable)")
	fs.Var(&blockActions, "block-action", "Action name to never probe (repeatable)")
	fs.BoolVar(&cfg.DisableUpower, "disable-upower", false, "Skip the UPower battery/power-source integration")
	fs.BoolVar(&cfg.DisableLogind, "disable-logind", false, "Skip the logind suspend integration")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "Enable debug logging")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: power-profiles-daemon daemon [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	cfg.BlockedDrivers = blockDrivers
	cfg.BlockedActions = blockActions

	// Track which flags were explicitly set so boolean config values can be
	// overridden with --flag=false.
	explicitFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicitFlags[f.Name] = true
	})

	fileCfg, err := config.Load(cfg.Config)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	mergeDaemonConfig(cfg, fileCfg, explicitFlags)

	engine.Verbose = cfg.Verbose

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to connect to system bus: %v\n", err)
		return 1
	}
	defer conn.Close()

	// The transition history is an audit trail, not a dependency: when the
	// database cannot be opened or written the daemon runs without it.
	var recorder engine.Recorder
	if store, err := storage.NewSQLiteStore(cfg.Database); err != nil {
		fmt.Fprintf(stderr, "Warning: transition history disabled: %v\n", err)
	} else {
		defer store.Close()
		if err := store.ProbeWrite(); err != nil {
			fmt.Fprintf(stderr, "Warning: transition history disabled: %v\n", err)
		} else {
			recorder = store
		}
	}

	svc := dbusiface.New(conn, dbusiface.NewPolkitAuthority(conn))
	sink := &engineSink{}
	power := upower.New(sink, cfg.DisableUpower, cfg.DisableLogind)

	fatal := make(chan error, 1)
	eng := engine.New(engine.Options{
		Candidates:     defaultCandidates(),
		BlockedDrivers: cfg.BlockedDrivers,
		BlockedActions: cfg.BlockedActions,
		Notifier:       svc,
		Watcher:        svc,
		Store:          state.NewStore(cfg.StateFile),
		Recorder:       recorder,
		Power:          power,
		Version:        Version,
		OnFatal: func(err error) {
			select {
			case fatal <- err:
			default:
			}
		},
	})
	sink.eng = eng
	svc.Bind(eng)

	if err := svc.Start(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if err := eng.Start(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		svc.Stop()
		return 1
	}

	fmt.Fprintf(stdout, "Daemon started, active profile: %s\n", eng.ActiveProfile())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	ret := 0
	select {
	case sig := <-sigCh:
		fmt.Fprintf(stdout, "Received signal %v, stopping...\n", sig)
	case err := <-fatal:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		ret = 1
	}

	// The engine notifies through the service while stopping, so it goes
	// down first.
	eng.Stop()
	svc.Stop()
	return ret
}

// mergeDaemonConfig applies file values under CLI flags. String flags win
// when non-empty, list flags are concatenated, boolean flags win only when
// explicitly set on the command line.
func mergeDaemonConfig(cfg *DaemonConfig, fileCfg *config.Config, explicitFlags map[string]bool) {
	if cfg.StateFile == "" {
		cfg.StateFile = fileCfg.StateFile
	}
	if cfg.Database == "" {
		cfg.Database = fileCfg.Database
	}
	cfg.BlockedDrivers = append(append([]string{}, fileCfg.BlockedDrivers...), cfg.BlockedDrivers...)
	cfg.BlockedActions = append(append([]string{}, fileCfg.BlockedActions...), cfg.BlockedActions...)
	if !explicitFlags["disable-upower"] {
		cfg.DisableUpower = fileCfg.DisableUpower
	}
	if !explicitFlags["disable-logind"] {
		cfg.DisableLogind = fileCfg.DisableLogind
	}
	if !explicitFlags["verbose"] {
		cfg.Verbose = fileCfg.Verbose
	}
}
