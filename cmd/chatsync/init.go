package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initCompany    string
	initUser       string
	initName       string
	initToken      string
	initBaseURL    string
	initGatewayURL string
)

func init() {
	initCmd.Flags().StringVar(&initCompany, "company", "", "Company ID (required)")
	initCmd.Flags().StringVar(&initUser, "user", "", "User ID (required)")
	initCmd.Flags().StringVar(&initName, "name", "", "Display name (required)")
	initCmd.Flags().StringVar(&initToken, "token", "", "Bearer token (required)")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "REST base URL")
	initCmd.Flags().StringVar(&initGatewayURL, "gateway-url", "", "Messaging gateway URL")
	for _, f := range []string{"company", "user", "name", "token"} {
		_ = initCmd.MarkFlagRequired(f)
	}
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Store the session identity in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI by storing your company, user, display name and token in the local configuration file.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth = ConfigAuth{
			CompanyID: initCompany,
			UserID:    initUser,
			UserName:  initName,
			Token:     initToken,
		}
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if initGatewayURL != "" {
			cfg.Default.GatewayURL = initGatewayURL
		}
		if cfg.Default.Environment == "" {
			cfg.Default.Environment = "production"
		}

		if _, err := sessionFrom(cfg); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Session saved to %s\n", path)
		return nil
	},
}
