package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/teamroster/chatsync"
)

// sessionFrom builds the engine session from the [auth] section.
func sessionFrom(cfg *Config) (chatsync.Session, error) {
	sess := chatsync.Session{
		CompanyID: strings.TrimSpace(cfg.Auth.CompanyID),
		UserID:    strings.TrimSpace(cfg.Auth.UserID),
		UserName:  strings.TrimSpace(cfg.Auth.UserName),
		Token:     strings.TrimSpace(cfg.Auth.Token),
	}
	var missing []string
	for _, f := range []struct{ name, val string }{
		{"auth.company_id", sess.CompanyID},
		{"auth.user_id", sess.UserID},
		{"auth.user_name", sess.UserName},
		{"auth.token", sess.Token},
	} {
		if f.val == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return sess, fmt.Errorf("%w: missing %s (run 'chatsync init')", chatsync.ErrMissingSession, strings.Join(missing, ", "))
	}
	return sess, nil
}

// engineConfig maps the [default] section onto engine settings.
func engineConfig(cfg *Config) chatsync.Config {
	return chatsync.Config{
		BaseURL:    cfg.Default.BaseURL,
		GatewayURL: cfg.Default.GatewayURL,
	}
}

// getClient creates a REST client from the effective configuration.
func getClient() (*chatsync.Client, *Config, error) {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Default.BaseURL == "" {
		return nil, nil, fmt.Errorf("no base URL. Run 'chatsync config set default.base_url <url>' first")
	}
	sess, err := sessionFrom(cfg)
	if err != nil {
		return nil, nil, err
	}
	return chatsync.NewClient(sess.Token, chatsync.WithBaseURL(cfg.Default.BaseURL)), cfg, nil
}

// newLogger writes human-readable logs in development and JSON otherwise.
// Logs go to stderr so command output stays pipeable.
func newLogger(cfg *Config) zerolog.Logger {
	level := zerolog.InfoLevel
	if lvl, err := zerolog.ParseLevel(os.Getenv("CHATSYNC_LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		level = lvl
	}
	if verbose {
		level = zerolog.DebugLevel
	}

	var logger zerolog.Logger
	if cfg.Default.Environment == "" || cfg.Default.Environment == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stderr).
			With().
			Timestamp().
			Logger()
	}
	return logger.Level(level)
}

func parseRoomID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid room id %q", s)
	}
	return id, nil
}

// formatMessage renders one message line for terminal output.
func formatMessage(m chatsync.ChatMessage) string {
	at := "--:--"
	if !m.CreatedAt.IsZero() {
		at = m.CreatedAt.Local().Format("15:04")
	}
	text := m.Visible()
	switch {
	case m.IsDeleted:
		text = "(deleted)"
	case m.Type == chatsync.MessageImage || m.Type == chatsync.MessageFile:
		text = fmt.Sprintf("[%s] %s %s", strings.ToLower(string(m.Type)), m.FileName, m.FileURL)
	case m.Type == chatsync.MessageSystem:
		return fmt.Sprintf("[%s] * %s", at, text)
	}
	return fmt.Sprintf("[%s] #%d %s: %s", at, m.ID, m.SenderName, text)
}

// maskKey shows the first and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
