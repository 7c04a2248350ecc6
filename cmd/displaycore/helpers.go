package main

import (
	"fmt"
	"path/filepath"

	"github.com/masjidconnect/displaycore"
)

// openStore builds the Store selected by [storage].
func openStore(cfg *Config) (displaycore.Store, func(), error) {
	switch cfg.Storage.Backend {
	case "memory":
		return displaycore.NewMemoryStore(), func() {}, nil
	case "redis":
		rc := displaycore.DefaultRedisConfig()
		if cfg.Storage.RedisAddr != "" {
			rc.Addr = cfg.Storage.RedisAddr
		}
		rc.Password = cfg.Storage.RedisPassword
		rc.DB = cfg.Storage.RedisDB
		if cfg.Storage.RedisPrefix != "" {
			rc.Prefix = cfg.Storage.RedisPrefix
		}
		s := displaycore.NewRedisStore(rc)
		return s, func() { _ = s.Close() }, nil
	case "", "file":
		dir := cfg.Storage.Dir
		if dir == "" {
			base, err := configDir()
			if err != nil {
				return nil, nil, err
			}
			dir = filepath.Join(base, "state")
		}
		s, err := displaycore.NewFileStore(dir)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// credentials returns the device identity or an error naming what is missing.
func credentials(cfg *Config) (displaycore.Credentials, error) {
	creds := displaycore.Credentials{
		APIKey:   cfg.Device.APIKey,
		ScreenID: cfg.Device.ScreenID,
		MasjidID: cfg.Device.MasjidID,
	}
	if !creds.Valid() {
		return creds, fmt.Errorf("no device identity. Run 'displaycore init <api-key> <screen-id>' first")
	}
	return creds, nil
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
