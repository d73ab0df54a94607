package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ErrNoAuthenticatedConnection is returned by Emit when no editor
// connection has completed the auth handshake; the owning
// transaction/saga simply remains WaitingForAck.
var ErrNoAuthenticatedConnection = errors.New("channel: no authenticated connection")

// Authenticator is the subset of internal/auth.Authenticator the
// channel needs, kept as an interface so tests don't need bcrypt.
type Authenticator interface {
	Verify(token string) error
}

// Manager owns every connection from the (at most one expected, but
// not enforced) editor client, and is the single point through which
// the transaction coordinator and saga coordinator emit commands and
// receive acks, always through a non-blocking enqueue.
type Manager struct {
	log  *logrus.Entry
	auth Authenticator

	HeartbeatInterval time.Duration
	HeartbeatGrace    time.Duration

	mu    sync.RWMutex
	conns map[string]*connection

	ackMu  sync.RWMutex
	onAck  func(Ack)

	upgrader websocket.Upgrader
}

// Config configures a Manager.
type Config struct {
	Auth              Authenticator
	HeartbeatInterval time.Duration
	HeartbeatGrace    time.Duration
	Logger            *logrus.Entry
}

// New constructs a Manager. Call OnAck before accepting connections so
// no inbound ack is dispatched to a nil handler.
func New(cfg Config) *Manager {
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	hi := cfg.HeartbeatInterval
	if hi <= 0 {
		hi = 30 * time.Second
	}
	hg := cfg.HeartbeatGrace
	if hg <= 0 {
		hg = 10 * time.Second
	}
	return &Manager{
		log:               log.WithField("component", "channel"),
		auth:              cfg.Auth,
		HeartbeatInterval: hi,
		HeartbeatGrace:    hg,
		conns:             make(map[string]*connection),
		upgrader:          websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// OnAck registers the callback invoked for every inbound, successfully
// decoded acknowledgment frame, on whichever connection's read loop
// received it. The callback must not block.
func (m *Manager) OnAck(fn func(Ack)) {
	m.ackMu.Lock()
	defer m.ackMu.Unlock()
	m.onAck = fn
}

// ServeHTTP upgrades an HTTP request to a websocket connection and runs
// its read/write/heartbeat loops until it closes. It is the handler
// the out-of-scope HTTP collaborator mounts at the channel path.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.WithError(err).Warn("channel: upgrade failed")
		return
	}
	conn := newConnection(uuid.NewString(), ws, m, m.log)
	m.mu.Lock()
	m.conns[conn.id] = conn
	m.mu.Unlock()

	go conn.writePump()
	go conn.heartbeatLoop(m.HeartbeatInterval, m.HeartbeatGrace)
	m.readLoop(conn)
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.conns, id)
	m.mu.Unlock()
}

func (m *Manager) readLoop(c *connection) {
	defer c.close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.log.WithError(err).Debug("channel: read loop exiting")
			return
		}
		m.dispatch(c, data)
	}
}

func (m *Manager) dispatch(c *connection, data []byte) {
	typ, err := parseFrameType(data)
	if err != nil {
		c.log.WithError(err).Warn("channel: dropping unparseable frame")
		return
	}

	switch {
	case typ == typeAuth:
		m.handleAuth(c, data)
	case typ == typeHeartbeat:
		c.markAlive()
	case c.State() != Authenticated:
		c.log.WithField("type", typ).Warn("channel: dropping frame from unauthenticated connection")
	case isAckKind(typ):
		m.handleAck(data)
	default:
		c.log.WithField("type", typ).Warn("channel: unrecognized frame type, dropping")
	}
}

func (m *Manager) handleAuth(c *connection, data []byte) {
	var af authFrame
	if err := json.Unmarshal(data, &af); err != nil {
		c.log.WithError(err).Warn("channel: malformed auth frame")
		return
	}
	if m.auth != nil {
		if err := m.auth.Verify(af.Token); err != nil {
			c.log.Warn("channel: auth rejected")
			c.close()
			return
		}
	}
	c.setAuthenticated()
	c.markAlive()
	reply, _ := json.Marshal(map[string]string{"type": typeSuccess})
	c.enqueue(reply)
}

func (m *Manager) handleAck(data []byte) {
	var ack Ack
	if err := json.Unmarshal(data, &ack); err != nil {
		m.log.WithError(err).Warn("channel: malformed ack frame")
		return
	}
	m.ackMu.RLock()
	fn := m.onAck
	m.ackMu.RUnlock()
	if fn != nil {
		fn(ack)
	}
}

// Emit sends cmd to an authenticated connection; commands are never
// sent to a connection that has not completed the auth handshake. If
// none is available, ErrNoAuthenticatedConnection is returned and the
// caller's transaction/saga remains WaitingForAck until reconnection.
func (m *Manager) Emit(cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("channel: encode command: %w", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.conns {
		if c.State() == Authenticated {
			if c.enqueue(data) {
				return nil
			}
		}
	}
	return ErrNoAuthenticatedConnection
}

// HasAuthenticatedConnection reports whether at least one editor
// connection is ready to receive commands, used to decide whether a
// re-emit pass on reconnection is worth attempting.
func (m *Manager) HasAuthenticatedConnection() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.conns {
		if c.State() == Authenticated {
			return true
		}
	}
	return false
}
