package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	solace "github.com/solace-health/solace-go"
)

const requestTimeout = 15 * time.Second

// authedConfig loads the config and checks that credentials are present.
func authedConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		return nil, errors.New("not signed in. Run 'solace init <token> --user-id <id>' first")
	}
	return cfg, nil
}

func newClient(cfg *Config) *solace.Client {
	opts := []solace.ClientOption{solace.WithClientLogger(logger)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, solace.WithBaseURL(cfg.Default.BaseURL))
	}
	return solace.NewClient(cfg.Auth.Token, opts...)
}

func newRealtime(client *solace.Client, autoReconnect bool) *solace.RealtimeClient {
	return client.Realtime(&solace.RealtimeConfig{
		AutoReconnect: autoReconnect,
		Logger:        logger,
	})
}

// sessionOptions maps the [default] section onto session options.
func sessionOptions(cfg *Config) ([]solace.SessionOption, error) {
	opts := []solace.SessionOption{solace.WithLogger(logger)}
	if cfg.Default.PageSize > 0 {
		opts = append(opts, solace.WithPageSize(cfg.Default.PageSize))
	}
	if cfg.Default.ConfirmTimeout != "" {
		d, err := time.ParseDuration(cfg.Default.ConfirmTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid default.confirm_timeout: %w", err)
		}
		opts = append(opts, solace.WithConfirmTimeout(d))
	}
	return opts, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// apiError formats API failures the way the server reported them.
func apiError(err error) error {
	var apiErr *solace.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("API error (%d): %s", apiErr.Status, apiErr.Error())
	}
	return fmt.Errorf("request failed: %w", err)
}

// maskKey shows the first 6 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
