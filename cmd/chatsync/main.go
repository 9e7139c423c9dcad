package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds endpoint settings.
type ConfigDefault struct {
	BaseURL     string `toml:"base_url"`
	GatewayURL  string `toml:"gateway_url"`
	Environment string `toml:"environment"`
}

// ConfigAuth holds the session identity handed over by the auth service.
type ConfigAuth struct {
	CompanyID string `toml:"company_id"`
	UserID    string `toml:"user_id"`
	UserName  string `toml:"user_name"`
	Token     string `toml:"token"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadEffectiveConfig is loadConfig with CHATSYNC_* environment overrides
// applied. It is what commands that talk to the server use; config set
// writes only what is in the file.
func loadEffectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// envKeys maps environment variables to config keys.
var envKeys = []struct {
	env string
	key string
}{
	{"CHATSYNC_BASE_URL", "default.base_url"},
	{"CHATSYNC_GATEWAY_URL", "default.gateway_url"},
	{"CHATSYNC_ENV", "default.environment"},
	{"CHATSYNC_COMPANY_ID", "auth.company_id"},
	{"CHATSYNC_USER_ID", "auth.user_id"},
	{"CHATSYNC_USER_NAME", "auth.user_name"},
	{"CHATSYNC_TOKEN", "auth.token"},
}

func applyEnvOverrides(cfg *Config) {
	for _, e := range envKeys {
		if v := strings.TrimSpace(os.Getenv(e.env)); v != "" {
			_ = setConfigValue(cfg, e.key, v)
		}
	}
}

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "gateway_url":
			cfg.Default.GatewayURL = value
		case "environment":
			cfg.Default.Environment = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "company_id":
			cfg.Auth.CompanyID = value
		case "user_id":
			cfg.Auth.UserID = value
		case "user_name":
			cfg.Auth.UserName = value
		case "token":
			cfg.Auth.Token = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Team chat sync CLI",
	Long:  "Command-line client for the team chat service.\nList rooms, read history, send messages, and watch a room live.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// A .env file in the working directory is optional.
		_ = godotenv.Load()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
