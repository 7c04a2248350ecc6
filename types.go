package displaycore

import (
	"encoding/json"
	"math"
	"time"
)

// ============================================================================
// Connection Types
// ============================================================================

// ConnectionStatus is the lifecycle position of the push channel.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusOpen         ConnectionStatus = "open"
	StatusClosed       ConnectionStatus = "closed"
)

// ConnectionState is a snapshot of the push channel owned by the Manager.
type ConnectionState struct {
	Status              ConnectionStatus `json:"status"`
	URL                 string           `json:"url"`
	ReconnectAttempts   int              `json:"reconnectAttempts"`
	ConsecutiveFailures int              `json:"consecutiveFailures"`
	LastEventAt         time.Time        `json:"lastEventAt,omitempty"`
	LastError           string           `json:"lastError,omitempty"`
}

// Credentials identify this display to the backend.
type Credentials struct {
	APIKey   string `json:"apiKey"`
	ScreenID string `json:"screenId"`
	MasjidID string `json:"masjidId"`
}

// Valid reports whether the credentials can authenticate a connection.
func (c Credentials) Valid() bool {
	return c.APIKey != "" && c.ScreenID != ""
}

// CredentialSource is the identity store collaborator. Credentials must be
// available synchronously; OnLogout returns an unsubscribe function.
type CredentialSource interface {
	Credentials() Credentials
	OnLogout(func()) func()
}

// StaticCredentials is a CredentialSource that never logs out.
type StaticCredentials Credentials

func (s StaticCredentials) Credentials() Credentials { return Credentials(s) }
func (s StaticCredentials) OnLogout(func()) func()   { return func() {} }

// ============================================================================
// Alert Types
// ============================================================================

// Alert actions that route setAlert to the clear path.
const (
	AlertActionClear = "clear"
	AlertActionHide  = "hide"
)

// AlertTiming carries server-computed timing; Remaining is in milliseconds.
type AlertTiming struct {
	Remaining int64 `json:"remaining"`
}

// Alert is an emergency alert. As an inbound payload every field except
// Title and Message is optional.
type Alert struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Message     string       `json:"message"`
	Category    string       `json:"category,omitempty"`
	Urgency     string       `json:"urgency,omitempty"`
	Color       string       `json:"color,omitempty"`
	ColorScheme string       `json:"colorScheme,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	ExpiresAt   time.Time    `json:"expiresAt"`
	RemainingMs *int64       `json:"remainingMs,omitempty"`
	Timing      *AlertTiming `json:"timing,omitempty"`
	MasjidID    string       `json:"masjidId,omitempty"`
	Action      string       `json:"action,omitempty"`
}

// maxRemainingMs is the largest millisecond count a time.Duration can hold.
const maxRemainingMs = int64(math.MaxInt64 / int64(time.Millisecond))

// remaining returns the server-supplied relative duration, if any. Values a
// Duration cannot represent are ignored so expiresAt applies instead.
func (a *Alert) remaining() (time.Duration, bool) {
	var ms int64
	switch {
	case a.RemainingMs != nil:
		ms = *a.RemainingMs
	case a.Timing != nil && a.Timing.Remaining != 0:
		ms = a.Timing.Remaining
	default:
		return 0, false
	}
	if ms > maxRemainingMs || ms < -maxRemainingMs {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// ============================================================================
// Command Types
// ============================================================================

// Known remote command types. Execution is owned by the Executor.
const (
	CommandReloadContent     = "RELOAD_CONTENT"
	CommandRestartApp        = "RESTART_APP"
	CommandClearCache        = "CLEAR_CACHE"
	CommandForceUpdate       = "FORCE_UPDATE"
	CommandUpdateSettings    = "UPDATE_SETTINGS"
	CommandCaptureScreenshot = "CAPTURE_SCREENSHOT"
	CommandFactoryReset      = "FACTORY_RESET"
)

// Command is a remote instruction delivered over push or heartbeat.
type Command struct {
	CommandID string          `json:"commandId"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Signature string          `json:"signature,omitempty"`
}

// CommandAck reports the outcome of a command.
type CommandAck struct {
	CommandID  string    `json:"commandId"`
	Type       string    `json:"type,omitempty"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	ExecutedAt time.Time `json:"executedAt"`
}

// ============================================================================
// Sync Types
// ============================================================================

// SyncDomain names an independently synchronized content domain.
type SyncDomain string

const (
	DomainContent     SyncDomain = "content"
	DomainPrayerTimes SyncDomain = "prayerTimes"
	DomainEvents      SyncDomain = "events"
	DomainHeartbeat   SyncDomain = "heartbeat"
)

// SyncDomainStatus is the per-domain sync lifecycle.
type SyncDomainStatus struct {
	LastSyncedAt time.Time `json:"lastSyncedAt,omitempty"`
	IsLoading    bool      `json:"isLoading"`
	Error        string    `json:"error,omitempty"`
}

// SyncResult is returned by every per-domain sync call. Failures are carried
// in Err rather than returned, so one domain never aborts another.
type SyncResult struct {
	Domain    SyncDomain      `json:"domain"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Err       error           `json:"-"`
	FromCache bool            `json:"fromCache"`
}

// DeviceMetrics is the liveness payload reported with every heartbeat.
type DeviceMetrics struct {
	UptimeSeconds  int64            `json:"uptimeSeconds"`
	Goroutines     int              `json:"goroutines"`
	HeapAllocBytes uint64           `json:"heapAllocBytes"`
	PushStatus     ConnectionStatus `json:"pushStatus"`
	LastSyncAt     time.Time        `json:"lastSyncAt,omitempty"`
}

// HeartbeatRequest is the body of the heartbeat POST.
type HeartbeatRequest struct {
	Status  string        `json:"status"`
	Metrics DeviceMetrics `json:"metrics"`
	Acks    []CommandAck  `json:"acks,omitempty"`
}

// HeartbeatResponse may carry commands queued while push was degraded.
type HeartbeatResponse struct {
	Commands []Command `json:"commands,omitempty"`
}
