package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gdamore/tcell"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/bartgrantham/gofmtx/bus"
	"github.com/bartgrantham/gofmtx/config"
	"github.com/bartgrantham/gofmtx/console"
	"github.com/bartgrantham/gofmtx/logging"
	"github.com/bartgrantham/gofmtx/si4713"
	"github.com/bartgrantham/gofmtx/statusapi"
	"github.com/bartgrantham/gofmtx/supervisor"
	"github.com/bartgrantham/gofmtx/telemetry"
	"github.com/bartgrantham/gofmtx/uecp"
)

const (
	exitStart     = 1
	exitRecovery  = 2
	serialTimeout = 200 * time.Millisecond
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

type flags struct {
	cfg      string
	envFile  string
	backend  string
	console  bool
	font     string
	apiPort  int
	logFile  string
	logLevel string
}

var opts flags

var rootCmd = &cobra.Command{
	Use:           "gofmtx",
	Short:         "run an SI4713 FM transmitter",
	Long:          `Tune, key and supervise an SI4713 FM transmitter with RDS from a YAML station config.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return run(ctx, cancel, opts)
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&opts.cfg, "cfg", "config.yaml", "station config file")
	f.StringVar(&opts.envFile, "env-file", ".env", "environment file, skipped if missing")
	f.StringVar(&opts.backend, "backend", "", "bus backend [auto|periph|serial|sim]")
	f.BoolVar(&opts.console, "console", false, "draw the status console on this terminal")
	f.StringVar(&opts.font, "font", "", "FIGlet .flf font for the console frequency")
	f.IntVar(&opts.apiPort, "api-port", 0, "serve the status API on this port")
	f.StringVar(&opts.logFile, "log-file", "", "also log to this rotating file")
	f.StringVar(&opts.logLevel, "log-level", "", "log level [debug|info|warn|error]")
}

// load reads the config file and lays the environment and the command line
// over it. The supervisor reloads through it too, so overrides survive a
// hot reload.
func (o flags) load(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if o.backend != "" {
		cfg.Hardware.Backend = o.backend
	}
	if o.apiPort != 0 {
		cfg.API.Enabled = true
		cfg.API.Port = o.apiPort
	}
	if o.logFile != "" {
		cfg.Log.File = o.logFile
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	config.Normalize(cfg)
	return cfg, nil
}

func run(ctx context.Context, cancel context.CancelFunc, o flags) error {
	if err := config.LoadEnv(o.envFile); err != nil {
		return &exitError{exitStart, err}
	}
	cfg, err := o.load(o.cfg)
	if err != nil {
		return &exitError{exitStart, err}
	}

	var stderr io.Writer = os.Stderr
	if o.console {
		stderr = io.Discard
	}
	log, closer, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Stderr:     stderr,
	})
	if err != nil {
		return &exitError{exitStart, err}
	}
	defer closer.Close()
	slog.SetDefault(log)

	hw := cfg.Hardware
	t, err := bus.Open(bus.Config{
		Backend:    hw.Backend,
		I2CBus:     hw.I2CBus,
		ResetPin:   hw.ResetPin,
		SerialPort: hw.SerialPort,
		SerialBaud: hw.SerialBaud,
		Timeout:    serialTimeout,
	})
	if err != nil {
		return &exitError{exitStart, errors.Wrap(err, "open bus")}
	}
	chip := si4713.New(t, uint16(hw.I2CAddr), log)
	defer chip.Close()
	log.Info("transmitter", "chip", chip.String(), "bus", t.String(), "config", cfg.Path)

	status := telemetry.NewStatus()
	hooks := telemetry.Multi{status}

	var dec *uecp.Decoder
	sopts := supervisor.Options{Hooks: hooks, Log: log, Load: o.load}
	if cfg.UECP.Enabled {
		dec = uecp.NewDecoder(chip, hooks, log)
		chip.OnReset(dec.Reset)
		sopts.UECP = dec
	}
	sup := supervisor.New(chip, cfg, sopts)

	var scr tcell.Screen
	if o.console {
		if scr, err = openScreen(); err != nil {
			return &exitError{exitStart, err}
		}
		defer scr.Fini()
	}

	if err := sup.Start(ctx); err != nil {
		if errors.Is(err, supervisor.ErrRecoveryExhausted) {
			return &exitError{exitRecovery, err}
		}
		return &exitError{exitStart, errors.Wrap(err, "start")}
	}
	if rev, err := chip.ReadRevision(ctx); err == nil {
		log.Info("chip revision", "part", rev.Part, "rev", string(rune(rev.ChipRev)))
	}

	if dec != nil {
		srv := uecp.NewServer(dec, cfg.UECP.Host, cfg.UECP.Port, log)
		srv.UDP, srv.TCP = cfg.UECP.UDP, cfg.UECP.TCP
		if err := srv.Start(ctx); err != nil {
			sup.Stop()
			return &exitError{exitStart, err}
		}
		defer srv.Wait()
	}

	if cfg.API.Enabled {
		api := statusapi.New(cfg.API, status, log)
		go func() {
			if err := api.Run(ctx); err != nil {
				log.Error("status api stopped", "err", err)
			}
		}()
	}

	if scr != nil {
		fonts, err := loadFonts(o.font)
		if err != nil {
			log.Warn("console font", "err", err)
		}
		c := console.New(scr, status, fonts)
		go func() {
			if err := c.Run(ctx); errors.Is(err, console.ErrQuit) {
				cancel()
			}
		}()
	}

	if err := sup.Run(ctx); err != nil {
		cancel()
		if errors.Is(err, supervisor.ErrRecoveryExhausted) {
			return &exitError{exitRecovery, err}
		}
		return &exitError{exitStart, err}
	}
	log.Info("stopped")
	return nil
}

func openScreen() (tcell.Screen, error) {
	scr, err := tcell.NewScreen()
	if err != nil {
		return nil, errors.Wrap(err, "couldn't open screen")
	}
	if err := scr.Init(); err != nil {
		return nil, errors.Wrap(err, "couldn't init screen")
	}
	scr.Clear()
	return scr, nil
}

func loadFonts(path string) (console.Fonts, error) {
	if path == "" {
		return console.Fonts{}, nil
	}
	f, err := console.LoadFIGfont(path)
	if err != nil {
		return console.Fonts{}, err
	}
	return console.Fonts{Big: f}, nil
}
