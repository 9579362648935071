package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initUserID    string
	initFirstName string
	initLastName  string
	initRole      string
	initBaseURL   string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "your participant id (required)")
	initCmd.Flags().StringVar(&initFirstName, "first-name", "", "display first name")
	initCmd.Flags().StringVar(&initLastName, "last-name", "", "display last name")
	initCmd.Flags().StringVar(&initRole, "role", "user", "user or psychologist")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "API base URL")
	_ = initCmd.MarkFlagRequired("user-id")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store credentials in ~/.solace/config.toml",
	Long:  "Initialize the Solace CLI by storing your access token and participant profile in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		settings := map[string]string{
			"auth.token":      args[0],
			"auth.user_id":    initUserID,
			"auth.first_name": initFirstName,
			"auth.last_name":  initLastName,
			"auth.role":       initRole,
		}
		if initBaseURL != "" {
			settings["default.base_url"] = initBaseURL
		}
		for key, value := range settings {
			if err := setConfigValue(cfg, key, value); err != nil {
				return err
			}
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Credentials saved to %s\n", path)
		return nil
	},
}
