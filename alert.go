package displaycore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultAlertLifetime applies when a payload has no expiresAt.
	DefaultAlertLifetime = 30 * time.Minute
	// WildcardAlertID clears whatever alert is current.
	WildcardAlertID = "*"

	storeTimeout = 5 * time.Second
)

// AlertOption configures an AlertManager.
type AlertOption func(*AlertManager)

func WithAlertStore(s Store) AlertOption {
	return func(a *AlertManager) { a.store = s }
}

func WithAlertClock(c Clock) AlertOption {
	return func(a *AlertManager) { a.clock = c }
}

func WithAlertLogger(l zerolog.Logger) AlertOption {
	return func(a *AlertManager) { a.logger = l.With().Str("component", "alerts").Logger() }
}

// WithAlertLifetime overrides DefaultAlertLifetime.
func WithAlertLifetime(d time.Duration) AlertOption {
	return func(a *AlertManager) { a.lifetime = d }
}

// ============================================================================
// Alert Lifecycle Manager
// ============================================================================

// AlertManager owns the single current emergency alert: its expiration
// timer, its persisted snapshot and its subscribers. The timer and the
// snapshot are always changed together under one lock.
type AlertManager struct {
	store    Store
	clock    Clock
	logger   zerolog.Logger
	lifetime time.Duration
	newID    func() string

	mu           sync.Mutex
	current      *Alert
	timer        Timer
	gen          uint64
	listeners    map[int]func(*Alert)
	nextListener int
}

// NewAlertManager creates the manager and restores any persisted alert that
// has not yet expired.
func NewAlertManager(opts ...AlertOption) *AlertManager {
	a := &AlertManager{
		store:     NewMemoryStore(),
		clock:     SystemClock(),
		logger:    zerolog.Nop(),
		lifetime:  DefaultAlertLifetime,
		newID:     func() string { return "alert-" + uuid.NewString() },
		listeners: make(map[int]func(*Alert)),
	}
	for _, opt := range opts {
		opt(a)
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	a.restore(ctx)
	return a
}

// normalizeAlert fills defaults and computes the time to expiry. A
// server-supplied relative duration wins over expiresAt so device clock
// drift does not shorten or extend the alert.
func normalizeAlert(p Alert, now time.Time, lifetime time.Duration, newID func() string) (Alert, time.Duration) {
	if p.ID == "" {
		p.ID = newID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.ExpiresAt.IsZero() {
		p.ExpiresAt = now.Add(lifetime)
	}
	if p.ColorScheme == "" && p.Color != "" {
		if scheme, ok := InferColorScheme(p.Color); ok {
			p.ColorScheme = scheme
		}
	}

	delay, ok := p.remaining()
	if ok {
		// persist a deadline on the local clock so a restore agrees with it
		p.ExpiresAt = now.Add(delay)
	} else {
		delay = p.ExpiresAt.Sub(now)
	}
	return p, delay
}

// SetAlert validates, normalizes, schedules, persists and broadcasts p.
// Payloads with action "clear" or "hide" clear instead. Invalid payloads are
// logged and rejected with ErrInvalidAlert without touching state.
func (a *AlertManager) SetAlert(ctx context.Context, p Alert) error {
	if p.Action == AlertActionClear || p.Action == AlertActionHide {
		a.ClearAlert(ctx, p.ID)
		return nil
	}
	if p.Title == "" || p.Message == "" {
		a.logger.Warn().Str("id", p.ID).Bool("has_title", p.Title != "").
			Bool("has_message", p.Message != "").Msg("dropping alert without title or message")
		return ErrInvalidAlert
	}

	alert, delay := normalizeAlert(p, a.clock.Now(), a.lifetime, a.newID)
	if delay <= 0 {
		a.logger.Info().Str("id", alert.ID).Msg("alert already expired, clearing")
		a.ClearAlert(ctx, "")
		return nil
	}

	a.mu.Lock()
	a.stopTimerLocked()
	gen := a.gen
	a.timer = a.clock.AfterFunc(delay, func() { a.expire(gen) })
	a.current = &alert
	a.persistLocked(ctx, alert, delay)
	listeners := a.listenersLocked()
	a.mu.Unlock()

	a.logger.Info().Str("id", alert.ID).Str("title", alert.Title).Dur("expires_in", delay).Msg("alert set")
	a.notify(listeners, &alert)
	return nil
}

// ClearAlert clears the current alert. A non-empty id other than
// WildcardAlertID that does not match the current alert is a no-op; it
// reports whether anything was cleared.
func (a *AlertManager) ClearAlert(ctx context.Context, id string) bool {
	a.mu.Lock()
	if id != "" && id != WildcardAlertID && (a.current == nil || a.current.ID != id) {
		a.mu.Unlock()
		return false
	}
	a.stopTimerLocked()
	a.current = nil
	a.deleteSnapshot(ctx)
	listeners := a.listenersLocked()
	a.mu.Unlock()

	a.logger.Info().Str("id", id).Msg("alert cleared")
	a.notify(listeners, nil)
	return true
}

// Current returns a copy of the current alert, or nil.
func (a *AlertManager) Current() *Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return nil
	}
	cp := *a.current
	return &cp
}

// AddListener calls cb with the current alert (or nil) and on every change.
func (a *AlertManager) AddListener(cb func(*Alert)) (unsubscribe func()) {
	a.mu.Lock()
	a.nextListener++
	id := a.nextListener
	a.listeners[id] = cb
	var cur *Alert
	if a.current != nil {
		cp := *a.current
		cur = &cp
	}
	a.mu.Unlock()

	a.notify([]func(*Alert){cb}, cur)
	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

// HandleEvent is the push-channel handler for alert events.
func (a *AlertManager) HandleEvent(ev Event) {
	var p Alert
	if err := ev.Decode(&p); err != nil {
		a.logger.Warn().Err(err).Str("event", ev.Type).Msg("dropping malformed alert payload")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	_ = a.SetAlert(ctx, p)
}

// Close stops the expiration timer and drops listeners. The persisted
// snapshot is kept for the next start.
func (a *AlertManager) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopTimerLocked()
	a.listeners = make(map[int]func(*Alert))
}

func (a *AlertManager) expire(gen uint64) {
	a.mu.Lock()
	if gen != a.gen || a.current == nil {
		a.mu.Unlock()
		return
	}
	id := a.current.ID
	a.timer = nil
	a.gen++
	a.current = nil
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	a.deleteSnapshot(ctx)
	cancel()
	listeners := a.listenersLocked()
	a.mu.Unlock()

	a.logger.Info().Str("id", id).Msg("alert expired")
	a.notify(listeners, nil)
}

func (a *AlertManager) restore(ctx context.Context) {
	data, err := a.store.Get(ctx, keyCurrentAlert)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			a.logger.Warn().Err(err).Msg("cannot read persisted alert")
		}
		return
	}

	var snap Alert
	if err := json.Unmarshal(data, &snap); err != nil || snap.Title == "" || snap.Message == "" {
		a.logger.Warn().Err(err).Msg("discarding corrupt alert snapshot")
		a.deleteSnapshot(ctx)
		return
	}
	if !snap.ExpiresAt.After(a.clock.Now()) {
		a.logger.Debug().Str("id", snap.ID).Msg("persisted alert already expired")
		a.deleteSnapshot(ctx)
		return
	}

	snap.RemainingMs = nil
	snap.Timing = nil
	snap.Action = ""
	a.logger.Info().Str("id", snap.ID).Time("expires_at", snap.ExpiresAt).Msg("restoring persisted alert")
	_ = a.SetAlert(ctx, snap)
}

func (a *AlertManager) stopTimerLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.gen++
}

func (a *AlertManager) persistLocked(ctx context.Context, alert Alert, delay time.Duration) {
	snap := alert
	snap.RemainingMs = nil
	snap.Timing = &AlertTiming{Remaining: delay.Milliseconds()}
	data, err := json.Marshal(snap)
	if err == nil {
		err = a.store.Set(ctx, keyCurrentAlert, data)
	}
	if err != nil {
		a.logger.Warn().Err(fmt.Errorf("persist alert: %w", err)).Msg("alert will not survive restart")
	}
}

func (a *AlertManager) deleteSnapshot(ctx context.Context) {
	if err := a.store.Delete(ctx, keyCurrentAlert); err != nil {
		a.logger.Warn().Err(err).Msg("cannot remove alert snapshot")
	}
}

func (a *AlertManager) listenersLocked() []func(*Alert) {
	out := make([]func(*Alert), 0, len(a.listeners))
	for _, l := range a.listeners {
		out = append(out, l)
	}
	return out
}

func (a *AlertManager) notify(listeners []func(*Alert), alert *Alert) {
	for _, l := range listeners {
		var cp *Alert
		if alert != nil {
			v := *alert
			cp = &v
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					a.logger.Error().Interface("panic", r).Msg("alert listener panicked")
				}
			}()
			l(cp)
		}()
	}
}
