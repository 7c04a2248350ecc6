package displaycore

import (
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Handler Registry
// ============================================================================

type registration struct {
	id        int
	eventType string
	handler   HandlerFunc
}

// Registry maps event types to handlers and keeps them attached to whatever
// connection the Manager currently holds. Each registration is attached to
// the live connection at most once.
type Registry struct {
	logger zerolog.Logger

	mu       sync.Mutex
	next     int
	regs     map[string]map[int]*registration
	conn     Conn
	attached map[int]func()
	router   func()
}

// NewRegistry creates a Registry bound to m's connection lifecycle.
func NewRegistry(m *Manager, logger zerolog.Logger) *Registry {
	r := &Registry{
		logger:   logger.With().Str("component", "registry").Logger(),
		regs:     make(map[string]map[int]*registration),
		attached: make(map[int]func()),
	}
	if m != nil {
		m.addWatcher(r)
	}
	return r
}

// Register adds h for eventType. Registering EventMessage adds a catch-all
// handler for untyped frames. If a connection is live the handler is
// attached now, otherwise when the connection next opens.
func (r *Registry) Register(eventType string, h HandlerFunc) (unregister func()) {
	r.mu.Lock()
	r.next++
	reg := &registration{id: r.next, eventType: eventType, handler: h}
	if r.regs[eventType] == nil {
		r.regs[eventType] = make(map[int]*registration)
	}
	r.regs[eventType][reg.id] = reg
	if r.conn != nil {
		r.attachLocked(reg)
	}
	r.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { r.unregister(reg) }) }
}

func (r *Registry) unregister(reg *registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.regs[reg.eventType], reg.id)
	if len(r.regs[reg.eventType]) == 0 {
		delete(r.regs, reg.eventType)
	}
	if remove, ok := r.attached[reg.id]; ok {
		remove()
		delete(r.attached, reg.id)
	}
}

// HandlerCount returns how many handlers are registered for eventType.
func (r *Registry) HandlerCount(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.regs[eventType])
}

// AttachedCount returns how many of eventType's handlers are attached to the
// live connection.
func (r *Registry) AttachedCount(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id := range r.regs[eventType] {
		if _, ok := r.attached[id]; ok {
			n++
		}
	}
	return n
}

// Clear drops every registration and attachment.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detachLocked()
	r.regs = make(map[string]map[int]*registration)
}

// attachLocked attaches reg to r.conn unless it is already attached.
// Catch-all handlers are served by the untyped router rather than the conn.
func (r *Registry) attachLocked(reg *registration) {
	if _, ok := r.attached[reg.id]; ok {
		return
	}
	if reg.eventType == EventMessage {
		r.attached[reg.id] = func() {}
		return
	}
	r.attached[reg.id] = r.conn.AddHandler(reg.eventType, reg.handler)
}

func (r *Registry) detachLocked() {
	for id, remove := range r.attached {
		remove()
		delete(r.attached, id)
	}
	if r.router != nil {
		r.router()
		r.router = nil
	}
	r.conn = nil
}

func (r *Registry) connOpened(conn Conn) {
	if conn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != conn {
		r.detachLocked()
		r.conn = conn
	}
	if r.router == nil {
		r.router = conn.AddHandler(EventMessage, r.routeUntyped)
	}
	n := 0
	for _, byID := range r.regs {
		for _, reg := range byID {
			if _, ok := r.attached[reg.id]; !ok {
				r.attachLocked(reg)
				n++
			}
		}
	}
	r.logger.Debug().Int("attached", n).Msg("handlers attached to new connection")
}

func (r *Registry) connReset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detachLocked()
}

// routeUntyped dispatches a frame that arrived without an explicit type.
// When handlers for the inferred type are already attached the frame is
// skipped, since those handlers receive the typed copy.
func (r *Registry) routeUntyped(ev Event) {
	inferred := inferEventType(ev.Data)

	r.mu.Lock()
	specificAttached := false
	var specific, generic []HandlerFunc
	if inferred != "" && inferred != EventMessage {
		for id, reg := range r.regs[inferred] {
			specific = append(specific, reg.handler)
			if _, ok := r.attached[id]; ok {
				specificAttached = true
			}
		}
	}
	for _, reg := range r.regs[EventMessage] {
		generic = append(generic, reg.handler)
	}
	r.mu.Unlock()

	if specificAttached {
		r.logger.Debug().Str("type", inferred).Msg("untyped frame skipped, typed handlers attached")
		return
	}

	routed := ev
	if inferred != "" {
		routed.Type = inferred
	}
	targets := generic
	if len(targets) == 0 {
		targets = specific
	}
	if len(targets) == 0 {
		r.logger.Debug().Str("type", inferred).Msg("untyped frame has no handlers")
		return
	}
	for _, h := range targets {
		safeHandle(r.logger, h, routed)
	}
}
