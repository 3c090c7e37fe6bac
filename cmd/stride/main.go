// stride records walking sessions from an accelerometer and streams a
// summary to a relay. By default it runs an interactive terminal UI;
// --headless records one session and exits.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/stride-relay/stride/internal/clock"
	"github.com/stride-relay/stride/internal/config"
	"github.com/stride-relay/stride/internal/device"
	"github.com/stride-relay/stride/internal/engine"
	"github.com/stride-relay/stride/internal/sensor"
	"github.com/stride-relay/stride/internal/transport"
	"github.com/stride-relay/stride/internal/tui"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		endpoint   string
		token      string
		headless   bool
		duration   time.Duration
		logPath    string
	)

	flagSet := pflag.NewFlagSet("stride", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to yaml config (defaults built in)")
	flagSet.StringVar(&endpoint, "url", "", "telemetry endpoint, ws(s):// or tcp:// for MQTT (overrides config)")
	flagSet.StringVar(&token, "token", "", "auth token for the relay (overrides config)")
	flagSet.BoolVar(&headless, "headless", false, "record one session without the UI")
	flagSet.DurationVar(&duration, "duration", 0, "headless session length; 0 runs until interrupted")
	flagSet.StringVar(&logPath, "log", "", "append logs to this file")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if endpoint != "" {
		cfg.Transport.Endpoint = endpoint
	}
	if token != "" {
		cfg.Transport.AuthToken = token
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	closeLog, err := setupLogging(logPath, headless)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dev := device.Identify(ctx)
	dialer, err := transport.DialerFor(cfg.Transport.Endpoint, cfg.Transport, dev)
	if err != nil {
		return err
	}
	clk := clock.Real()
	eng, err := engine.New(engine.Options{
		Config:        cfg,
		Clock:         clk,
		Feed:          sensor.NewSimulator(clk, cfg.Sensor, cfg.Detector.Gravity),
		Dialer:        dialer,
		ShutdownGrace: engine.DefaultShutdownGrace,
	})
	if err != nil {
		return err
	}
	log.Printf("[stride] device %s (%s)", dev, dev.Platform)

	runCtx, cancelRun := context.WithCancel(ctx)
	runErr := make(chan error, 1)
	go func() { runErr <- eng.Run(runCtx) }()

	if headless {
		err = runHeadless(ctx, eng, duration)
	} else {
		p := tea.NewProgram(tui.New(ctx, eng), tea.WithAltScreen(), tea.WithContext(ctx))
		_, err = p.Run()
		if errors.Is(err, tea.ErrProgramKilled) {
			err = nil
		}
	}

	cancelRun()
	if rerr := <-runErr; err == nil {
		err = rerr
	}
	return err
}

// setupLogging sends logs to path when given. Without a path the UI owns
// the terminal, so logs are discarded unless running headless.
func setupLogging(path string, headless bool) (func(), error) {
	if path == "" {
		if !headless {
			log.SetOutput(io.Discard)
		}
		return func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	log.SetOutput(f)
	return func() { f.Close() }, nil
}

func runHeadless(ctx context.Context, eng *engine.Engine, duration time.Duration) error {
	if err := eng.StartSession(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	var deadline <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		deadline = timer.C
	}
	progress := time.NewTicker(5 * time.Second)
	defer progress.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-deadline:
			break loop
		case <-progress.C:
			if v, err := eng.View(ctx); err == nil && v.Snapshot != nil {
				log.Printf("[stride] %s steps, %ds, link %s",
					humanize.Comma(int64(v.Snapshot.Steps)), v.Snapshot.DurationSeconds, v.Connection)
			}
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.StopSession(stopCtx); err != nil {
		return fmt.Errorf("stop session: %w", err)
	}
	v, err := eng.View(stopCtx)
	if err != nil {
		return err
	}
	if v.Snapshot != nil {
		fmt.Printf("session %s: %s steps in %ds\n",
			v.Snapshot.SessionID, humanize.Comma(int64(v.Snapshot.Steps)), v.Snapshot.DurationSeconds)
	}
	return nil
}
