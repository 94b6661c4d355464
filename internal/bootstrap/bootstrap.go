// Package bootstrap builds the configuration, store backend and assistant
// shared by the Lambda and live-server binaries. It reads the environment
// only through the lookup function the binaries hand to ConfigFromEnv.
package bootstrap

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"taskflow-agent/internal/assistant"
	"taskflow-agent/internal/integrations/gemini"
	"taskflow-agent/internal/integrations/paramstore"
	"taskflow-agent/internal/store"
)

const (
	BackendDynamoDB = "dynamodb"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

type Config struct {
	Backend          string
	StateTable       string
	SQLitePath       string
	ParamPrefix      string
	GeminiBaseURL    string
	AssistantTimeout time.Duration
	PollInterval     time.Duration
	// ListenAddr is only used by the live server.
	ListenAddr string
}

// Store opens the configured backend. The returned close function releases
// backend resources and is never nil.
func Store(cfg Config, awsCfg aws.Config, logger *slog.Logger) (store.Store, func() error, error) {
	opts := []store.Option{store.WithLogger(logger)}
	if cfg.PollInterval > 0 {
		opts = append(opts, store.WithPollInterval(cfg.PollInterval))
	}
	noop := func() error { return nil }

	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendDynamoDB:
		if cfg.StateTable == "" {
			return nil, nil, errors.New("bootstrap: state table is required for the dynamodb backend")
		}
		st, err := store.NewDynamoDB(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable, opts...)
		if err != nil {
			return nil, nil, err
		}
		return st, noop, nil
	case BackendSQLite:
		if cfg.SQLitePath == "" {
			return nil, nil, errors.New("bootstrap: sqlite path is required for the sqlite backend")
		}
		st, err := store.OpenSQLite(cfg.SQLitePath, opts...)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	case BackendMemory:
		return store.NewMemory(opts...), noop, nil
	default:
		return nil, nil, fmt.Errorf("bootstrap: unknown store backend %q", cfg.Backend)
	}
}

// Assistant builds the Gemini-backed bridge. Credentials are fetched from
// SSM on first use.
func Assistant(cfg Config, awsCfg aws.Config, logger *slog.Logger) (*assistant.Bridge, error) {
	params, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, err
	}
	timeout := cfg.AssistantTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	opts := []gemini.Option{gemini.WithHTTPClient(&http.Client{Timeout: timeout})}
	if cfg.GeminiBaseURL != "" {
		opts = append(opts, gemini.WithBaseURL(cfg.GeminiBaseURL))
	}
	client, err := gemini.NewClient(params, cfg.ParamPrefix, opts...)
	if err != nil {
		return nil, err
	}
	return assistant.NewBridge(client, assistant.WithLogger(logger))
}
