package config

import (
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

const (
	SourceNeuro  = "neuro"
	SourceOpenAI = "openai"
	SourceOllama = "ollama"
)

var ErrInvalidRoomCode = errors.New("room code must be 4 letters")

type Config struct {
	NeuroURL         string        `env:"NEURO_SDK_WS_URL" envDefault:"ws://localhost:8000"`
	Source           string        `env:"DECISION_SOURCE" envDefault:"neuro"`
	BaseURL          string        `env:"BASE_URL" envDefault:"https://jackbox.tv/"`
	RoomCode         string        `env:"ROOM_CODE"`
	PollInterval     time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	DecisionTimeout  time.Duration `env:"DECISION_TIMEOUT" envDefault:"2m"`
	SurfaceTimeout   time.Duration `env:"SURFACE_TIMEOUT" envDefault:"10s"`
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"5s"`
	Headless         bool          `env:"HEADLESS" envDefault:"true"`
	MonitorAddr      string        `env:"MONITOR_ADDR"`
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"info"`

	OpenAIKey     string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL"`
	OllamaHost    string `env:"OLLAMA_HOST" envDefault:"http://localhost:11434"`
	AIModel       string `env:"AI_MODEL"`
	AIMaxAttempts int    `env:"AI_MAX_ATTEMPTS" envDefault:"3"`
}

// FromEnv loads an optional .env file and then the process environment.
// Variables already set in the environment win over the file.
func FromEnv() (Config, error) {
	_ = godotenv.Load()
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, errors.Wrap(err, "parse environment")
	}
	return c, nil
}

// Validate checks the settings that have no safe fallback.
func (c Config) Validate() error {
	switch c.Source {
	case SourceNeuro, SourceOpenAI, SourceOllama:
	default:
		return errors.Errorf("unknown decision source %q", c.Source)
	}
	if c.PollInterval <= 0 || c.DecisionTimeout <= 0 || c.SurfaceTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	return nil
}

// Model returns the configured model or a default for the stand-in source.
func (c Config) Model() string {
	if c.AIModel != "" {
		return c.AIModel
	}
	if c.Source == SourceOllama {
		return "llama3.1"
	}
	return "gpt-4o-mini"
}

// ValidateRoomCode normalises a room code to upper case and checks it is
// exactly four ASCII letters.
func ValidateRoomCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 4 {
		return "", errors.Wrapf(ErrInvalidRoomCode, "got %q", code)
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return "", errors.Wrapf(ErrInvalidRoomCode, "got %q", code)
		}
	}
	return code, nil
}
