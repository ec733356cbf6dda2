package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"go2tv.app/pwgrab/capture"
)

var version = "dev"

func rootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "pwgrab",
		Short: "Capture a Wayland screen through the desktop portal",
		Long: `pwgrab negotiates a screen stream through xdg-desktop-portal, captures
raw frames over PipeWire and writes them to a file or stdout. The pixel
format and dimensions are whatever the compositor settles on; they are
logged once the stream negotiates.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.Uint32("fps", 60, "requested frame rate")
	flags.Bool("cursor", false, "embed the cursor into captured frames")
	flags.Int("queue-depth", 4, "frame queue depth before oldest frames are dropped")
	flags.Duration("duration", 0, "stop after this long (0 = until interrupted)")
	flags.Uint64("frames", 0, "stop after this many frames (0 = unlimited)")
	flags.StringP("output", "o", "", "write raw frames to this file ('-' for stdout)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "console", "log format (console, json)")
	flags.String("config", "", "config file path")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("PWGRAB")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if cfg := v.GetString("config"); cfg != "" {
			v.SetConfigFile(cfg)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("read config: %w", err)
			}
		}
		return nil
	}

	return cmd
}

func newLogger(level, format string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	cfg := zap.NewProductionConfig()
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	// Frames may be going to stdout; keep diagnostics on stderr.
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

func openOutput(path string) (io.WriteCloser, error) {
	switch path {
	case "":
		return nil, nil
	case "-":
		return os.Stdout, nil
	default:
		return os.Create(path)
	}
}

func run(v *viper.Viper) error {
	logger, err := newLogger(v.GetString("log-level"), v.GetString("log-format"))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	out, err := openOutput(v.GetString("output"))
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	if out != nil && out != os.Stdout {
		defer func() { _ = out.Close() }()
	}

	c, err := capture.New(capture.Options{
		FPS:        v.GetUint32("fps"),
		ShowCursor: v.GetBool("cursor"),
		QueueDepth: v.GetInt("queue-depth"),
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("open capture session: %w", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.Start(); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	var deadline <-chan time.Time
	if d := v.GetDuration("duration"); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		deadline = t.C
	}

	maxFrames := v.GetUint64("frames")
	var captured uint64
	var bytesOut uint64
	started := time.Now()
	formatLogged := false

loop:
	for {
		select {
		case frame, ok := <-c.Frames():
			if !ok {
				break loop
			}
			if !formatLogged {
				if info, ok := c.Format(); ok {
					logger.Info("capturing",
						zap.Stringer("format", info.Format),
						zap.Uint32("width", info.Width),
						zap.Uint32("height", info.Height),
					)
					formatLogged = true
				}
			}
			captured++
			if out != nil {
				n, err := out.Write(frame.Data)
				if err != nil {
					return fmt.Errorf("write frame: %w", err)
				}
				bytesOut += uint64(n)
			}
			if maxFrames > 0 && captured >= maxFrames {
				break loop
			}
		case <-interrupt:
			logger.Info("interrupted")
			break loop
		case <-deadline:
			break loop
		}
	}

	err = c.Stop()

	elapsed := time.Since(started)
	logger.Info("capture finished",
		zap.Uint64("frames", captured),
		zap.Uint64("bytes", bytesOut),
		zap.Duration("elapsed", elapsed),
		zap.Float64("fps", float64(captured)/elapsed.Seconds()),
	)

	if err != nil && !errors.Is(err, capture.ErrCancelled) {
		return err
	}
	return nil
}
