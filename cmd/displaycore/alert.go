package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/masjidconnect/displaycore"
)

// alertKey is where AlertManager persists its snapshot.
const alertKey = "alert:current"

func init() {
	rootCmd.AddCommand(alertCmd)
	alertCmd.AddCommand(alertShowCmd)
	alertCmd.AddCommand(alertClearCmd)
}

var alertCmd = &cobra.Command{
	Use:   "alert",
	Short: "Inspect or clear the persisted emergency alert",
}

var alertShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the persisted alert",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store displaycore.Store) error {
			a, err := storedAlert(ctx, store)
			if err != nil {
				return err
			}
			if a == nil {
				fmt.Println("No persisted alert.")
				return nil
			}
			fmt.Printf("ID:       %s\n", a.ID)
			fmt.Printf("Title:    %s\n", a.Title)
			fmt.Printf("Message:  %s\n", a.Message)
			fmt.Printf("Scheme:   %s\n", valueOrDefault(a.ColorScheme, "(default)"))
			fmt.Printf("Expires:  %s\n", a.ExpiresAt.Format(time.RFC3339))
			if !a.ExpiresAt.After(time.Now()) {
				fmt.Println("Status:   expired, will be discarded on next start")
			}
			return nil
		})
	},
}

var alertClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the persisted alert so it is not restored on next start",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store displaycore.Store) error {
			if err := store.Delete(ctx, alertKey); err != nil {
				return fmt.Errorf("cannot delete alert: %w", err)
			}
			fmt.Println("Persisted alert cleared.")
			return nil
		})
	},
}

func withStore(fn func(ctx context.Context, store displaycore.Store) error) error {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return fn(ctx, store)
}

// storedAlert returns the persisted alert, or nil when there is none.
func storedAlert(ctx context.Context, store displaycore.Store) (*displaycore.Alert, error) {
	data, err := store.Get(ctx, alertKey)
	if errors.Is(err, displaycore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read alert: %w", err)
	}
	var a displaycore.Alert
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("stored alert is corrupt: %w", err)
	}
	return &a, nil
}
