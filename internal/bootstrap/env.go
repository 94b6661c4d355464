package bootstrap

import (
	"errors"
	"log/slog"
	"time"
)

const (
	defaultAssistantTimeout = 30 * time.Second
	defaultListenAddr       = ":8080"
)

// ConfigFromEnv builds a Config from environment lookups. Binaries pass
// os.Getenv. PARAM_PREFIX is the only required variable; a malformed
// duration falls back to its default with a warning.
func ConfigFromEnv(getenv func(string) string, logger *slog.Logger) (Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	env := envReader{getenv: getenv, logger: logger}

	cfg := Config{
		Backend:          env.string("STORE_BACKEND", BackendDynamoDB),
		StateTable:       getenv("STATE_TABLE"),
		SQLitePath:       getenv("SQLITE_PATH"),
		ParamPrefix:      getenv("PARAM_PREFIX"),
		GeminiBaseURL:    getenv("GEMINI_BASE_URL"),
		AssistantTimeout: env.duration("ASSISTANT_TIMEOUT", defaultAssistantTimeout),
		PollInterval:     env.duration("POLL_INTERVAL", 0),
		ListenAddr:       env.string("LISTEN_ADDR", defaultListenAddr),
	}
	if cfg.ParamPrefix == "" {
		return Config{}, errors.New("bootstrap: PARAM_PREFIX is required")
	}
	return cfg, nil
}

type envReader struct {
	getenv func(string) string
	logger *slog.Logger
}

func (e envReader) string(key, def string) string {
	if v := e.getenv(key); v != "" {
		return v
	}
	return def
}

func (e envReader) duration(key string, def time.Duration) time.Duration {
	v := e.getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.logger.Warn("invalid duration, using default", "key", key, "value", v, "default", def.String())
		return def
	}
	return d
}
