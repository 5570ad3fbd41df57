package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiliankoe/neuroquip/internal/ai"
	"github.com/kiliankoe/neuroquip/internal/ai/ollama"
	"github.com/kiliankoe/neuroquip/internal/ai/openai"
	"github.com/kiliankoe/neuroquip/internal/config"
	"github.com/kiliankoe/neuroquip/internal/coordinator"
	"github.com/kiliankoe/neuroquip/internal/decision"
	"github.com/kiliankoe/neuroquip/internal/detect"
	"github.com/kiliankoe/neuroquip/internal/game"
	"github.com/kiliankoe/neuroquip/internal/monitor"
	"github.com/kiliankoe/neuroquip/internal/neuro"
	"github.com/kiliankoe/neuroquip/internal/surface/browser"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tcnksm/go-input"
	"golang.org/x/sync/errgroup"
)

const version = "v0.1.0-dev"

func main() {
	// zerolog setup (human-friendly console)
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("neuroquip stopped")
		os.Exit(1)
	}
}

type flags struct {
	room     string
	wsURL    string
	source   string
	monitor  string
	logLevel string
	headed   bool
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:           "neuroquip",
		Short:         "Let a Neuro SDK agent play Quiplash 2 on jackbox.tv",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			override(cmd, &cfg, f)
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := setLevel(cfg.LogLevel); err != nil {
				return err
			}
			room, err := roomCode(cfg.RoomCode)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, room)
		},
	}
	cmd.SetVersionTemplate("neuroquip {{.Version}}\n")
	fl := cmd.Flags()
	fl.StringVar(&f.room, "room", "", "room code to join (prompted when empty)")
	fl.StringVar(&f.wsURL, "ws-url", "", "Neuro SDK websocket URL (overrides NEURO_SDK_WS_URL)")
	fl.StringVar(&f.source, "source", "", "decision source: neuro, openai or ollama")
	fl.StringVar(&f.monitor, "monitor", "", "address for the status monitor, e.g. :8080")
	fl.StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	fl.BoolVar(&f.headed, "headed", false, "show the browser window")
	return cmd
}

func override(cmd *cobra.Command, cfg *config.Config, f flags) {
	fl := cmd.Flags()
	if fl.Changed("room") {
		cfg.RoomCode = f.room
	}
	if fl.Changed("ws-url") {
		cfg.NeuroURL = f.wsURL
	}
	if fl.Changed("source") {
		cfg.Source = f.source
	}
	if fl.Changed("monitor") {
		cfg.MonitorAddr = f.monitor
	}
	if fl.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if f.headed {
		cfg.Headless = false
	}
}

func setLevel(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "log level %q", level)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

func roomCode(code string) (string, error) {
	if code == "" {
		ui := &input.UI{Writer: os.Stdout, Reader: os.Stdin}
		answer, err := ui.Ask("Enter room code", &input.Options{
			Required:  true,
			Loop:      true,
			HideOrder: true,
			ValidateFunc: func(s string) error {
				_, err := config.ValidateRoomCode(s)
				return err
			},
		})
		if err != nil {
			return "", errors.Wrap(err, "read room code")
		}
		code = answer
	}
	return config.ValidateRoomCode(code)
}

// source is a decision agent with its own receive loop.
type source interface {
	decision.Agent
	Run(ctx context.Context) error
}

func connect(ctx context.Context, cfg config.Config) (source, error) {
	var p ai.Provider
	switch cfg.Source {
	case config.SourceNeuro:
		c, err := neuro.Dial(ctx, cfg.NeuroURL, game.GameName, cfg.HandshakeTimeout)
		if err != nil {
			return nil, errors.Wrap(err, "neuro not connected")
		}
		return c, nil
	case config.SourceOpenAI:
		p = openai.New(cfg.OpenAIKey, cfg.OpenAIBaseURL)
	case config.SourceOllama:
		p = ollama.New(cfg.OllamaHost)
	default:
		return nil, errors.Errorf("unknown decision source %q", cfg.Source)
	}
	log.Info().Str("source", cfg.Source).Str("model", cfg.Model()).Msg("using stand-in decision source")
	return ai.NewAgent(p, ai.Config{Model: cfg.Model(), MaxAttempts: cfg.AIMaxAttempts}), nil
}

func run(ctx context.Context, cfg config.Config, room string) error {
	agent, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	br, err := browser.Launch(ctx, browser.Options{
		BaseURL:   cfg.BaseURL,
		Headless:  cfg.Headless,
		Timeout:   cfg.SurfaceTimeout,
		UserAgent: browser.DefaultUserAgent,
		Controls:  browser.Quiplash2(),
	})
	if err != nil {
		_ = agent.Close()
		return err
	}
	defer br.Close()

	sess := game.NewSession(room)
	channel := decision.NewChannel(agent, sess)
	opts := coordinator.DefaultOptions()
	opts.PollInterval = cfg.PollInterval
	opts.DecisionTimeout = cfg.DecisionTimeout
	coord := coordinator.New(sess, detect.New(br, detect.DefaultOptions()), channel, br, opts)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MonitorAddr != "" {
		mon := monitor.New(cfg.MonitorAddr, sess)
		coord.SetObserver(mon)
		g.Go(func() error { return mon.Run(gctx) })
	}
	g.Go(func() error { return agent.Run(gctx) })
	g.Go(func() error { return coord.Run(gctx) })

	log.Info().Str("room", room).Str("source", cfg.Source).Msg("bridge started")
	err = g.Wait()
	if errors.Is(err, neuro.ErrShutdownRequested) {
		return nil
	}
	return err
}
