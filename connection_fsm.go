package displaycore

import (
	"time"
)

// ============================================================================
// Connection Policy
// ============================================================================

// ConnectionPolicy holds the retry and health parameters of one push channel.
type ConnectionPolicy struct {
	Name      string
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxAttempts caps consecutive reconnect attempts; 0 means unlimited.
	MaxAttempts int
	// FailureWarnThreshold is the consecutive-failure count past which the
	// channel is reported as degraded.
	FailureWarnThreshold int
	// HeartbeatTimeout is the longest silence an Open connection may have
	// and still count as healthy.
	HeartbeatTimeout time.Duration
	// VerifyRetries, VerifyDelay and VerifyWindow govern Reconnect's check
	// that the fresh connection actually opened.
	VerifyRetries int
	VerifyDelay   time.Duration
	VerifyWindow  time.Duration
	DialTimeout   time.Duration
}

// AlertChannelPolicy never stops retrying: life-safety alerts take priority
// over bandwidth.
func AlertChannelPolicy() ConnectionPolicy {
	return ConnectionPolicy{
		Name:                 "alert-channel",
		BaseDelay:            time.Second,
		MaxDelay:             30 * time.Second,
		MaxAttempts:          0,
		FailureWarnThreshold: 5,
		HeartbeatTimeout:     30 * time.Second,
		VerifyRetries:        3,
		VerifyDelay:          2 * time.Second,
		VerifyWindow:         5 * time.Second,
		DialTimeout:          15 * time.Second,
	}
}

// DefaultConnectionPolicy is AlertChannelPolicy with a capped attempt count.
func DefaultConnectionPolicy() ConnectionPolicy {
	p := AlertChannelPolicy()
	p.Name = "default"
	p.MaxAttempts = 10
	return p
}

// Backoff returns the delay before reconnect attempt n (zero based):
// BaseDelay * 2^n, capped at MaxDelay.
func (p ConnectionPolicy) Backoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > 30 {
		return p.MaxDelay
	}
	d := p.BaseDelay << uint(n)
	if d <= 0 || d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func (p ConnectionPolicy) unlimited() bool { return p.MaxAttempts <= 0 }

// ============================================================================
// Decision Core
// ============================================================================

type connInputKind int

const (
	inInitialize connInputKind = iota
	inReconnect
	inOpened
	inFailed
	inRetryDue
	inCleanup
)

type connInput struct {
	kind connInputKind
	err  error
	now  time.Time
	gen  uint64
	conn Conn
}

type connEffectKind int

const (
	effCloseConn connEffectKind = iota
	effCancelRetry
	effResetAttachments
	effDial
	effScheduleRetry
	effAttachHandlers
	effWarnDegraded
	effGiveUp
	effNotify
)

type connEffect struct {
	kind  connEffectKind
	delay time.Duration
}

// decide is the pure transition function of the Connection Manager. It
// never performs I/O; the Manager executes the returned effects in order.
func decide(s ConnectionState, in connInput, p ConnectionPolicy) (ConnectionState, []connEffect) {
	switch in.kind {
	case inInitialize:
		if s.Status == StatusOpen || s.Status == StatusConnecting {
			return s, nil
		}
		s.Status = StatusConnecting
		return s, []connEffect{{kind: effCancelRetry}, {kind: effCloseConn}, {kind: effDial}, {kind: effNotify}}

	case inReconnect:
		s.Status = StatusConnecting
		s.ReconnectAttempts = 0
		return s, []connEffect{
			{kind: effCloseConn},
			{kind: effCancelRetry},
			{kind: effResetAttachments},
			{kind: effDial},
			{kind: effNotify},
		}

	case inOpened:
		if s.Status != StatusConnecting {
			return s, []connEffect{{kind: effCloseConn}}
		}
		s.Status = StatusOpen
		s.ReconnectAttempts = 0
		s.ConsecutiveFailures = 0
		s.LastEventAt = in.now
		s.LastError = ""
		return s, []connEffect{{kind: effAttachHandlers}, {kind: effNotify}}

	case inFailed:
		if s.Status == StatusDisconnected || s.Status == StatusClosed {
			return s, nil
		}
		s.Status = StatusClosed
		if in.err != nil {
			s.LastError = in.err.Error()
		}
		s.ConsecutiveFailures++
		effects := []connEffect{{kind: effCloseConn}, {kind: effResetAttachments}}
		if s.ConsecutiveFailures == p.FailureWarnThreshold+1 {
			effects = append(effects, connEffect{kind: effWarnDegraded})
		}
		if p.unlimited() || s.ReconnectAttempts < p.MaxAttempts {
			delay := p.Backoff(s.ReconnectAttempts)
			s.ReconnectAttempts++
			effects = append(effects, connEffect{kind: effScheduleRetry, delay: delay})
		} else {
			effects = append(effects, connEffect{kind: effGiveUp})
		}
		return s, append(effects, connEffect{kind: effNotify})

	case inRetryDue:
		if s.Status != StatusClosed {
			return s, nil
		}
		s.Status = StatusConnecting
		return s, []connEffect{{kind: effDial}, {kind: effNotify}}

	case inCleanup:
		s.Status = StatusDisconnected
		s.ReconnectAttempts = 0
		s.ConsecutiveFailures = 0
		return s, []connEffect{
			{kind: effCloseConn},
			{kind: effCancelRetry},
			{kind: effResetAttachments},
			{kind: effNotify},
		}
	}
	return s, nil
}
