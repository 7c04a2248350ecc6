package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/masjidconnect/displaycore"
)

const commandDedupWindow = 10 * time.Minute

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Bool("no-push", false, "Disable the push channel and rely on pull sync and heartbeat")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the connectivity daemon",
	Long:  "Open the push channel, start scheduled sync and the heartbeat, and handle alerts and remote commands until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		creds, err := credentials(cfg)
		if err != nil {
			return err
		}
		if cfg.Endpoints.BaseURL == "" {
			return fmt.Errorf("endpoints.base_url is not set")
		}

		logger := displaycore.NewLogger(cfg.Log)
		store, closeStore, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		streamURL := cfg.Endpoints.StreamURL
		if noPush, _ := cmd.Flags().GetBool("no-push"); noPush {
			streamURL = ""
		}

		router := displaycore.NewCommandRouter(commandDedupWindow, nil)
		core, err := displaycore.New(displaycore.Config{
			Credentials:   displaycore.StaticCredentials(creds),
			BaseURL:       cfg.Endpoints.BaseURL,
			StreamURL:     streamURL,
			Store:         store,
			Executor:      router,
			CommandSecret: cfg.Device.CommandSecret,
			Intervals:     cfg.intervals(),
			HTTP2:         cfg.Endpoints.HTTP2,
			Logger:        logger,
		})
		if err != nil {
			return err
		}
		registerCommands(router, core, stop)

		core.Alerts.AddListener(func(a *displaycore.Alert) {
			if a == nil {
				logger.Info().Msg("no active alert")
				return
			}
			logger.Info().Str("id", a.ID).Str("title", a.Title).Str("scheme", a.ColorScheme).
				Time("expires_at", a.ExpiresAt).Msg("active alert")
		})
		core.On(displaycore.EventOrientationChanged, func(_ string, payload any) {
			logger.Info().Interface("orientation", payload).Msg("orientation changed")
		})

		if err := core.Start(ctx); err != nil {
			core.Close()
			return err
		}
		logger.Info().Str("screen_id", creds.ScreenID).Msg("displaycore running")

		<-ctx.Done()
		logger.Info().Msg("shutting down")
		core.Close()
		return nil
	},
}

// registerCommands maps the remote command types this host can execute.
func registerCommands(r *displaycore.CommandRouter, core *displaycore.Core, shutdown func()) {
	refresh := func(ctx context.Context, _ displaycore.Command) error {
		for _, res := range core.Sync.ForceRefresh(ctx) {
			if res.Err != nil && !res.FromCache {
				return fmt.Errorf("refresh %s: %w", res.Domain, res.Err)
			}
		}
		return nil
	}
	r.Handle(displaycore.CommandReloadContent, refresh)
	r.Handle(displaycore.CommandClearCache, refresh)
	r.Handle(displaycore.CommandRestartApp, func(context.Context, displaycore.Command) error {
		// the supervisor restarts the process once it exits
		time.AfterFunc(time.Second, shutdown)
		return nil
	})
}
