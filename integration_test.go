//go:build integration

package displaycore_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/masjidconnect/displaycore"
)

// helpers ---------------------------------------------------------------

func testCredentials(t *testing.T) displaycore.Credentials {
	t.Helper()
	creds := displaycore.Credentials{
		APIKey:   os.Getenv("DISPLAYCORE_API_KEY_TEST"),
		ScreenID: os.Getenv("DISPLAYCORE_SCREEN_ID_TEST"),
		MasjidID: os.Getenv("DISPLAYCORE_MASJID_ID_TEST"),
	}
	if !creds.Valid() {
		t.Fatal("DISPLAYCORE_API_KEY_TEST and DISPLAYCORE_SCREEN_ID_TEST environment variables are required")
	}
	return creds
}

func testBaseURL(t *testing.T) string {
	t.Helper()
	v := os.Getenv("DISPLAYCORE_BASE_URL_TEST")
	if v == "" {
		t.Fatal("DISPLAYCORE_BASE_URL_TEST environment variable is required")
	}
	return v
}

func newClient(t *testing.T) *displaycore.Client {
	t.Helper()
	return displaycore.NewClient(testCredentials(t), displaycore.WithBaseURL(testBaseURL(t)))
}

// =======================================================================
// Group 1: HTTP sync API
// =======================================================================

func TestIntegration_Sync_FetchDomains(t *testing.T) {
	client := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, d := range []displaycore.SyncDomain{displaycore.DomainContent, displaycore.DomainPrayerTimes, displaycore.DomainEvents} {
		data, err := client.FetchDomain(ctx, d)
		if err != nil {
			t.Fatalf("FetchDomain(%s) returned error: %v", d, err)
		}
		if len(data) == 0 {
			t.Errorf("FetchDomain(%s) returned an empty body", d)
		}
		t.Logf("FetchDomain %s — %d bytes", d, len(data))
	}
}

func TestIntegration_Sync_Markers(t *testing.T) {
	client := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	markers, err := client.FetchSyncMarkers(ctx)
	if err != nil {
		t.Fatalf("FetchSyncMarkers returned error: %v", err)
	}
	t.Logf("sync markers — %v", markers)
}

func TestIntegration_Sync_SmartSkip(t *testing.T) {
	engine := displaycore.NewSyncEngine(newClient(t))
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	first := engine.SyncContent(ctx)
	if first.Err != nil {
		t.Fatalf("first SyncContent returned error: %v", first.Err)
	}
	second := engine.SyncContent(ctx)
	if second.Err != nil {
		t.Fatalf("second SyncContent returned error: %v", second.Err)
	}
	t.Logf("smart sync — first fromCache=%v second fromCache=%v", first.FromCache, second.FromCache)
}

func TestIntegration_Heartbeat(t *testing.T) {
	client := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := client.SendHeartbeat(ctx, &displaycore.HeartbeatRequest{Status: "online"})
	if err != nil {
		t.Fatalf("SendHeartbeat returned error: %v", err)
	}
	t.Logf("heartbeat — %d queued commands", len(resp.Commands))
}

// =======================================================================
// Group 2: Push channel
// =======================================================================

func TestIntegration_Push_Opens(t *testing.T) {
	streamURL := os.Getenv("DISPLAYCORE_STREAM_URL_TEST")
	if streamURL == "" {
		t.Skip("DISPLAYCORE_STREAM_URL_TEST not set")
	}
	creds := testCredentials(t)

	m := displaycore.NewManager()
	defer m.Cleanup()
	opened := make(chan struct{}, 1)
	m.AddStatusListener(func(s displaycore.ConnectionState) {
		if s.Status == displaycore.StatusOpen {
			select {
			case opened <- struct{}{}:
			default:
			}
		}
	})

	if err := m.Initialize(displaycore.Endpoint{URL: streamURL, ScreenID: creds.ScreenID, APIKey: creds.APIKey}); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}
	select {
	case <-opened:
	case <-time.After(20 * time.Second):
		t.Fatalf("push channel never opened: %+v", m.Status())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.Reconnect(ctx); err != nil {
		t.Fatalf("Reconnect returned error: %v", err)
	}
	t.Logf("push channel — status=%s", m.Status().Status)
}

// =======================================================================
// Group 3: Full core
// =======================================================================

func TestIntegration_Core_StartAndCleanup(t *testing.T) {
	core, err := displaycore.New(displaycore.Config{
		Credentials: displaycore.StaticCredentials(testCredentials(t)),
		BaseURL:     testBaseURL(t),
		StreamURL:   os.Getenv("DISPLAYCORE_STREAM_URL_TEST"),
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	defer core.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := core.Start(ctx); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	results := core.Sync.SyncAll(ctx)
	for _, r := range results {
		if r.Err != nil && !errors.Is(r.Err, displaycore.ErrSyncInProgress) {
			t.Errorf("SyncAll %s failed: %v", r.Domain, r.Err)
		}
	}

	core.Cleanup()
	if s := core.Manager.Status().Status; s != displaycore.StatusDisconnected {
		t.Errorf("expected disconnected after cleanup, got %s", s)
	}
}
