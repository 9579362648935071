package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and service status",
	Long:  "Display the current configuration, check API health and try the live channel.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:     %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:     (not set)")
		}
		self := cfg.Self()
		fmt.Printf("  User:      %s (%s)\n", valueOrDefault(self.ID, "(not set)"), valueOrDefault(string(self.Role), "-"))
		if self.FirstName != "" || self.LastName != "" {
			fmt.Printf("  Name:      %s\n", self.DisplayName())
		}

		if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		client := newClient(cfg)

		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		if err := client.Health(ctx); err != nil {
			fmt.Printf("  API:       UNHEALTHY (%v)\n", err)
		} else {
			fmt.Println("  API:       HEALTHY")
		}

		rt := newRealtime(client, false)
		if err := rt.Connect(ctx, cfg.Auth.UserID); err != nil {
			fmt.Printf("  Realtime:  UNAVAILABLE (%v)\n", err)
			return nil
		}
		defer rt.Disconnect()
		if err := rt.Ping(ctx); err != nil {
			fmt.Printf("  Realtime:  CONNECTED, ping failed (%v)\n", err)
			return nil
		}
		fmt.Println("  Realtime:  CONNECTED")
		return nil
	},
}
