package displaycore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsIdentityHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_, _ = w.Write([]byte(`{"success":true,"data":{"slides":[]}}`))
	}))
	defer srv.Close()

	c := NewClient(testCreds, WithBaseURL(srv.URL+"/"))
	data, err := c.FetchDomain(context.Background(), DomainContent)
	require.NoError(t, err)
	assert.JSONEq(t, `{"slides":[]}`, string(data))

	assert.Equal(t, "Bearer key-1", got.Get("Authorization"))
	assert.Equal(t, "screen-1", got.Get("X-Screen-ID"))
	assert.Equal(t, "masjid-1", got.Get("X-Masjid-ID"))
	assert.Equal(t, "application/json", got.Get("Accept"))

	c.SetCredentials(Credentials{APIKey: "key-2", ScreenID: "screen-2"})
	_, err = c.FetchDomain(context.Background(), DomainEvents)
	require.NoError(t, err)
	assert.Equal(t, "Bearer key-2", got.Get("Authorization"))
	assert.Empty(t, got.Get("X-Masjid-ID"))
}

func TestClientConditionalRequests(t *testing.T) {
	var full, notModified atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			notModified.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		full.Add(1)
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(`{"fajr":"05:10"}`))
	}))
	defer srv.Close()

	c := NewClient(testCreds, WithBaseURL(srv.URL))
	ctx := context.Background()

	first, err := c.FetchDomain(ctx, DomainPrayerTimes)
	require.NoError(t, err)
	second, err := c.FetchDomain(ctx, DomainPrayerTimes)
	require.NoError(t, err)
	assert.JSONEq(t, string(first), string(second))
	assert.Equal(t, int32(1), full.Load())
	assert.Equal(t, int32(1), notModified.Load())

	c.ClearCache()
	_, err = c.FetchDomain(ctx, DomainPrayerTimes)
	require.NoError(t, err)
	assert.Equal(t, int32(2), full.Load())
}

func TestClientAPIErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   APIError
	}{
		{"nested error object", http.StatusUnauthorized, `{"success":false,"error":{"code":"INVALID_KEY","message":"api key revoked"}}`,
			APIError{StatusCode: 401, Code: "INVALID_KEY", Message: "api key revoked"}},
		{"flat fields", http.StatusBadRequest, `{"code":"BAD_SCREEN","message":"unknown screen"}`,
			APIError{StatusCode: 400, Code: "BAD_SCREEN", Message: "unknown screen"}},
		{"string error", http.StatusForbidden, `{"error":"screen disabled"}`,
			APIError{StatusCode: 403, Message: "screen disabled"}},
		{"no body", http.StatusBadGateway, ``,
			APIError{StatusCode: 502, Message: "Bad Gateway"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(testCreds, WithBaseURL(srv.URL)).FetchDomain(context.Background(), DomainContent)
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.want, *apiErr)
		})
	}
}

func TestClientRejectsUnknownDomain(t *testing.T) {
	_, err := NewClient(testCreds).FetchDomain(context.Background(), DomainHeartbeat)
	assert.Error(t, err)
}

func TestUnwrapData(t *testing.T) {
	assert.JSONEq(t, `{"a":1}`, string(unwrapData([]byte(`{"success":true,"data":{"a":1}}`))))
	assert.JSONEq(t, `[1,2]`, string(unwrapData([]byte(`{"success":true,"data":[1,2]}`))))
	assert.JSONEq(t, `{"data":{"a":1}}`, string(unwrapData([]byte(`{"data":{"a":1}}`))), "no success flag")
	assert.Equal(t, `[1]`, string(unwrapData([]byte(`[1]`))))
}

func TestSyncMarkersUnmarshal(t *testing.T) {
	var m SyncMarkers
	require.NoError(t, json.Unmarshal([]byte(`{"content":"2026-03-01T10:00:00Z","prayerTimes":1772359200,"events":null}`), &m))
	assert.Equal(t, SyncMarkers{
		DomainContent:     "2026-03-01T10:00:00Z",
		DomainPrayerTimes: "1772359200",
	}, m)

	assert.Error(t, json.Unmarshal([]byte(`[]`), &m))
}

func TestClientHeartbeat(t *testing.T) {
	var got HeartbeatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got.Status == "empty" {
			return
		}
		_, _ = w.Write([]byte(`{"commands":[{"commandId":"c1","type":"CLEAR_CACHE"}]}`))
	}))
	defer srv.Close()
	c := NewClient(testCreds, WithBaseURL(srv.URL))

	resp, err := c.SendHeartbeat(context.Background(), &HeartbeatRequest{Status: "online", Acks: []CommandAck{{CommandID: "c0", Success: true}}})
	require.NoError(t, err)
	require.Len(t, resp.Commands, 1)
	assert.Equal(t, CommandClearCache, resp.Commands[0].Type)
	require.Len(t, got.Acks, 1)
	assert.Equal(t, "c0", got.Acks[0].CommandID)

	resp, err = c.SendHeartbeat(context.Background(), &HeartbeatRequest{Status: "empty"})
	require.NoError(t, err)
	assert.Empty(t, resp.Commands)
}
