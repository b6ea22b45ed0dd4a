package stream

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// Event is one inbound message. Key is the channel key of the connection that
// delivered it.
type Event struct {
	Type string
	Key  string
	Data json.RawMessage
}

type Handler func(Event)

type StateHandler func(state State, err error)

// Conn is one open push connection. Read must return once ctx is done.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, key string) (Conn, error)
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type ManagerOptions struct {
	Dialer      Dialer
	DialTimeout time.Duration
	Logger      logrus.FieldLogger
}

// Manager owns zero or one push connection matching the current channel key.
// It never retries on its own; callers reconnect by calling Connect again.
//
// Handlers run on the connection's reader goroutine and must not call Connect
// or Disconnect synchronously.
type Manager struct {
	dialer      Dialer
	dialTimeout time.Duration
	logger      logrus.FieldLogger

	// connectMu serializes Connect and Disconnect.
	connectMu sync.Mutex

	mu             sync.Mutex
	state          State
	lastErr        error
	current        *session
	listeners      map[string][]listener
	stateListeners []stateListener
	nextID         uint64
}

type listener struct {
	id      uint64
	handler Handler
}

type stateListener struct {
	id      uint64
	handler StateHandler
}

type session struct {
	key    string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closed     atomic.Bool
	dispatchMu sync.Mutex
}

func newSession(key string) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		key:    key,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// stop cancels the session and waits for any in-flight dispatch. Once it
// returns the session's handlers are never invoked again.
func (s *session) stop() {
	s.closed.Store(true)
	s.cancel()
	s.dispatchMu.Lock()
	// Wait out an in-flight dispatch.
	s.dispatchMu.Unlock()
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Dialer == nil {
		return nil, errors.New("dialer is required")
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 15 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{
		dialer:      opts.Dialer,
		dialTimeout: dialTimeout,
		logger:      logger.WithField("component", "stream"),
		state:       StateDisconnected,
		listeners:   map[string][]listener{},
	}, nil
}

// Connect opens a connection for key, replacing any connection for a different
// key. It returns once the attempt has started; progress is reported through
// state listeners. An empty key disconnects.
func (m *Manager) Connect(key string) {
	key = strings.TrimSpace(key)
	if key == "" {
		m.Disconnect()
		return
	}
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	if m.current != nil && m.current.key == key && (m.state == StateConnecting || m.state == StateConnected) {
		m.mu.Unlock()
		return
	}
	old := m.current
	m.current = nil
	m.mu.Unlock()
	if old != nil {
		old.stop()
		m.logger.WithField("key", old.key).Info("stream closed for key change")
	}

	sess := newSession(key)
	m.mu.Lock()
	m.current = sess
	m.mu.Unlock()
	m.setState(sess, StateConnecting, nil)
	go m.run(sess)
}

// Disconnect closes the current connection. It is idempotent, and no handler
// runs for the closed connection after it returns.
func (m *Manager) Disconnect() {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	old := m.current
	m.current = nil
	changed := m.state != StateDisconnected
	m.state = StateDisconnected
	m.lastErr = nil
	m.mu.Unlock()
	if old != nil {
		old.stop()
	}
	if changed {
		m.logger.Info("stream disconnected")
		m.notifyState(StateDisconnected, nil)
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the transport error behind StateError.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Key returns the channel key of the current connection, or "".
func (m *Manager) Key() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.key
}

// AddEventListener registers handler for events of eventType. The returned
// function removes it.
func (m *Manager) AddEventListener(eventType string, handler Handler) func() {
	if handler == nil {
		return func() {}
	}
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners[eventType] = append(m.listeners[eventType], listener{id: id, handler: handler})
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		current := m.listeners[eventType]
		for i, l := range current {
			if l.id == id {
				next := make([]listener, 0, len(current)-1)
				next = append(next, current[:i]...)
				next = append(next, current[i+1:]...)
				m.listeners[eventType] = next
				return
			}
		}
	}
}

func (m *Manager) AddStateListener(handler StateHandler) func() {
	if handler == nil {
		return func() {}
	}
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.stateListeners = append(m.stateListeners, stateListener{id: id, handler: handler})
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, l := range m.stateListeners {
			if l.id == id {
				m.stateListeners = append(m.stateListeners[:i:i], m.stateListeners[i+1:]...)
				return
			}
		}
	}
}

func (m *Manager) run(s *session) {
	defer close(s.done)
	logger := m.logger.WithField("key", s.key)

	dialCtx, cancel := context.WithTimeout(s.ctx, m.dialTimeout)
	conn, err := m.dialer.Dial(dialCtx, s.key)
	cancel()
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		logger.WithError(err).Warn("stream connect failed")
		m.setState(s, StateError, err)
		return
	}
	defer func() {
		_ = conn.Close()
	}()
	if s.ctx.Err() != nil {
		return
	}
	logger.Info("stream connected")
	m.setState(s, StateConnected, nil)

	for {
		data, err := conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			logger.WithError(err).Warn("stream connection lost")
			m.setState(s, StateError, err)
			s.cancel()
			return
		}
		m.dispatch(s, data)
	}
}

func (m *Manager) dispatch(s *session, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || strings.TrimSpace(env.Type) == "" {
		m.logger.WithField("key", s.key).WithField("bytes", len(data)).Warn("dropping malformed stream message")
		return
	}
	m.mu.Lock()
	registered := m.listeners[env.Type]
	handlers := make([]Handler, 0, len(registered))
	for _, l := range registered {
		handlers = append(handlers, l.handler)
	}
	m.mu.Unlock()
	if len(handlers) == 0 {
		return
	}

	event := Event{Type: env.Type, Key: s.key, Data: env.Data}
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	for _, handler := range handlers {
		if s.closed.Load() {
			return
		}
		m.invoke(handler, event)
	}
}

func (m *Manager) invoke(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithField("type", event.Type).WithField("panic", r).Error("stream handler panicked")
		}
	}()
	handler(event)
}

// setState applies a transition reported by s, unless s has been replaced.
func (m *Manager) setState(s *session, state State, err error) {
	m.mu.Lock()
	if m.current != s || m.state == state && err == nil {
		m.mu.Unlock()
		return
	}
	m.state = state
	m.lastErr = err
	m.mu.Unlock()
	m.notifyState(state, err)
}

func (m *Manager) notifyState(state State, err error) {
	m.mu.Lock()
	handlers := make([]StateHandler, 0, len(m.stateListeners))
	for _, l := range m.stateListeners {
		handlers = append(handlers, l.handler)
	}
	m.mu.Unlock()
	for _, handler := range handlers {
		handler(state, err)
	}
}
