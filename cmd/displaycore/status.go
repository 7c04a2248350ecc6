package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/masjidconnect/displaycore"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, stored state and backend reachability",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Device:")
		fmt.Printf("  Screen ID:  %s\n", valueOrDefault(cfg.Device.ScreenID, "(not set)"))
		fmt.Printf("  Masjid ID:  %s\n", valueOrDefault(cfg.Device.MasjidID, "(not set)"))
		fmt.Printf("  API Key:    %s\n", valueOrDefault(maskKey(cfg.Device.APIKey), "(not set)"))
		fmt.Printf("  Signing:    %v\n", cfg.Device.CommandSecret != "")

		fmt.Println()
		fmt.Println("Endpoints:")
		fmt.Printf("  Base URL:   %s\n", valueOrDefault(cfg.Endpoints.BaseURL, "(not set)"))
		fmt.Printf("  Stream URL: %s\n", valueOrDefault(cfg.Endpoints.StreamURL, "(pull sync only)"))

		store, closeStore, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Printf("Stored state (%s):\n", valueOrDefault(cfg.Storage.Backend, "file"))
		for _, d := range []displaycore.SyncDomain{displaycore.DomainContent, displaycore.DomainPrayerTimes, displaycore.DomainEvents} {
			data, err := store.Get(ctx, "sync:"+string(d))
			switch {
			case errors.Is(err, displaycore.ErrNotFound):
				fmt.Printf("  %-12s (none)\n", d)
			case err != nil:
				fmt.Printf("  %-12s error: %v\n", d, err)
			default:
				fmt.Printf("  %-12s %d bytes\n", d, len(data))
			}
		}
		if a, err := storedAlert(ctx, store); err == nil && a != nil {
			fmt.Printf("  alert        %q expires %s\n", a.Title, a.ExpiresAt.Format(time.RFC3339))
		} else {
			fmt.Println("  alert        (none)")
		}

		creds, err := credentials(cfg)
		if err != nil || cfg.Endpoints.BaseURL == "" {
			return nil
		}
		fmt.Println()
		fmt.Println("Backend:")
		client := displaycore.NewClient(creds, displaycore.WithBaseURL(cfg.Endpoints.BaseURL))
		markers, err := client.FetchSyncMarkers(ctx)
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		for d, m := range markers {
			fmt.Printf("  %-12s last modified %s\n", d, m)
		}
		return nil
	},
}
