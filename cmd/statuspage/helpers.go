package main

import (
	"fmt"
	"os"
	"time"

	statuspage "github.com/c0der-nb/status-page"
	"go.uber.org/zap"
)

// getClient creates a client backed by the session file in ~/.statuspage.
func getClient() *statuspage.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	path, err := statuspage.DefaultSessionPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to locate session file: %v\n", err)
		os.Exit(1)
	}

	log := newLogger()
	opts := []statuspage.ClientOption{
		statuspage.WithSessionStore(statuspage.NewFileSessionStore(path)),
		statuspage.WithLogger(log),
		statuspage.WithOnSessionExpired(func(err error) {
			fmt.Fprintln(os.Stderr, "Session expired. Run 'statuspage login <email>' again.")
			log.Debug("session expired", zap.Error(err))
		}),
	}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, statuspage.WithBaseURL(cfg.Default.BaseURL))
	}
	if d, ok := parseDuration(cfg.Default.Timeout); ok {
		opts = append(opts, statuspage.WithTimeout(d))
	}
	return statuspage.NewClient(opts...)
}

// realtimeConfig maps the [realtime] section onto a RealtimeConfig.
func realtimeConfig() *statuspage.RealtimeConfig {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	rc := &statuspage.RealtimeConfig{
		MaxReconnectAttempts: cfg.Realtime.MaxReconnectAttempts,
	}
	if d, ok := parseDuration(cfg.Realtime.ReconnectDelay); ok {
		rc.ReconnectDelay = d
	}
	if d, ok := parseDuration(cfg.Realtime.HeartbeatInterval); ok {
		rc.HeartbeatInterval = d
	}
	return rc
}

func parseDuration(s string) (time.Duration, bool) {
	if s == "" {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, false
	}
	return d, true
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 16 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
