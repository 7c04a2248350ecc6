package displaycore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const commandTimeout = 30 * time.Second

// Executor performs the concrete action for a command type.
type Executor interface {
	Execute(ctx context.Context, cmd Command) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, cmd Command) error

func (f ExecutorFunc) Execute(ctx context.Context, cmd Command) error { return f(ctx, cmd) }

// Acknowledger delivers command outcomes back to the backend.
type Acknowledger interface {
	Acknowledge(ctx context.Context, ack CommandAck) error
}

// AcknowledgerFunc adapts a function to Acknowledger.
type AcknowledgerFunc func(ctx context.Context, ack CommandAck) error

func (f AcknowledgerFunc) Acknowledge(ctx context.Context, ack CommandAck) error { return f(ctx, ack) }

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

func WithAcknowledger(a Acknowledger) DispatcherOption {
	return func(d *Dispatcher) { d.acker = a }
}

// WithCommandSecret requires every command to carry a valid signature.
func WithCommandSecret(secret string) DispatcherOption {
	return func(d *Dispatcher) { d.secret = secret }
}

func WithDispatcherClock(c Clock) DispatcherOption {
	return func(d *Dispatcher) { d.clock = c }
}

func WithDispatcherLogger(l zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l.With().Str("component", "commands").Logger() }
}

// ============================================================================
// Command Dispatcher
// ============================================================================

// Dispatcher runs inbound remote commands through an Executor and
// acknowledges the outcome. Deduplication belongs to the Executor.
type Dispatcher struct {
	executor Executor
	acker    Acknowledger
	secret   string
	clock    Clock
	logger   zerolog.Logger
}

// NewDispatcher creates a Dispatcher around exec.
func NewDispatcher(exec Executor, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		executor: exec,
		clock:    SystemClock(),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle executes cmd and returns its acknowledgement. Commands without an
// id get a generated one so the ack can be correlated. Execution failures,
// panics included, become failed acks and are never returned.
func (d *Dispatcher) Handle(ctx context.Context, cmd Command) CommandAck {
	// signatures cover the command as received, before defaults are filled in
	verified := d.secret == "" || VerifyCommandSignature(cmd, d.secret)
	if cmd.CommandID == "" {
		cmd.CommandID = "cmd-" + uuid.NewString()
	}
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = d.clock.Now()
	}
	log := d.logger.With().Str("command_id", cmd.CommandID).Str("type", cmd.Type).Logger()

	var err error
	if !verified {
		err = ErrInvalidSignature
	} else {
		err = d.execute(ctx, cmd)
	}

	ack := CommandAck{
		CommandID:  cmd.CommandID,
		Type:       cmd.Type,
		Success:    err == nil,
		ExecutedAt: d.clock.Now(),
	}
	if err != nil {
		ack.Error = err.Error()
		log.Error().Err(err).Msg("command failed")
	} else {
		log.Info().Msg("command executed")
	}

	if d.acker != nil {
		if aerr := d.acker.Acknowledge(ctx, ack); aerr != nil {
			log.Warn().Err(aerr).Msg("cannot deliver acknowledgement")
		}
	}
	return ack
}

// HandleEvent is the push-channel handler for remote commands.
func (d *Dispatcher) HandleEvent(ev Event) {
	var cmd Command
	if err := ev.Decode(&cmd); err != nil {
		d.logger.Warn().Err(err).Msg("dropping malformed command")
		return
	}
	if cmd.Type == "" || cmd.Type == EventRemoteCommand {
		// the frame's own discriminator is not the command type
		var wrapped struct {
			CommandType string `json:"commandType"`
		}
		if ev.Decode(&wrapped) == nil && wrapped.CommandType != "" {
			cmd.Type = wrapped.CommandType
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	d.Handle(ctx, cmd)
}

func (d *Dispatcher) execute(ctx context.Context, cmd Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command panicked: %v", r)
		}
	}()
	if d.executor == nil {
		return ErrUnknownCommand
	}
	return d.executor.Execute(ctx, cmd)
}

// ============================================================================
// CommandRouter
// ============================================================================

// CommandRouter is an Executor that maps command types to functions and
// suppresses a command id seen again within the dedup window.
type CommandRouter struct {
	clock  Clock
	window time.Duration

	mu       sync.Mutex
	handlers map[string]ExecutorFunc
	seen     map[string]time.Time
}

// NewCommandRouter creates a router with the given dedup window.
func NewCommandRouter(window time.Duration, clock Clock) *CommandRouter {
	if clock == nil {
		clock = SystemClock()
	}
	return &CommandRouter{
		clock:    clock,
		window:   window,
		handlers: make(map[string]ExecutorFunc),
		seen:     make(map[string]time.Time),
	}
}

// Handle maps cmdType to fn.
func (r *CommandRouter) Handle(cmdType string, fn ExecutorFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[cmdType] = fn
}

// Execute runs the function mapped to cmd.Type. A duplicate id within the
// window returns nil without running anything.
func (r *CommandRouter) Execute(ctx context.Context, cmd Command) error {
	now := r.clock.Now()

	r.mu.Lock()
	for id, at := range r.seen {
		if now.Sub(at) >= r.window {
			delete(r.seen, id)
		}
	}
	if _, dup := r.seen[cmd.CommandID]; dup {
		r.mu.Unlock()
		return nil
	}
	fn, ok := r.handlers[cmd.Type]
	if ok {
		r.seen[cmd.CommandID] = now
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Type)
	}
	return fn(ctx, cmd)
}
