package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().String("masjid", "", "Masjid ID this screen belongs to")
	initCmd.Flags().String("base-url", "", "Backend API base URL")
	initCmd.Flags().String("stream-url", "", "Push channel URL (ws://, wss:// or https:// for SSE)")
}

var initCmd = &cobra.Command{
	Use:   "init <api-key> <screen-id>",
	Short: "Store the device identity in ~/.displaycore/config.toml",
	Long:  "Initialize displaycore by storing the screen's API key and ID in the local configuration file.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Device.APIKey = args[0]
		cfg.Device.ScreenID = args[1]
		if v, _ := cmd.Flags().GetString("masjid"); v != "" {
			cfg.Device.MasjidID = v
		}
		if v, _ := cmd.Flags().GetString("base-url"); v != "" {
			cfg.Endpoints.BaseURL = v
		}
		if v, _ := cmd.Flags().GetString("stream-url"); v != "" {
			cfg.Endpoints.StreamURL = v
		}
		if cfg.Storage.Backend == "" {
			cfg.Storage.Backend = "file"
		}
		if cfg.Log.Level == "" {
			cfg.Log.Level = "info"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Device identity saved to %s\n", path)
		return nil
	},
}
