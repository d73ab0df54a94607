package channel

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// State is a connection's position in its auth state machine:
// Unauthenticated -> Authenticated, transitioned by a valid auth frame.
type State string

const (
	Unauthenticated State = "Unauthenticated"
	Authenticated   State = "Authenticated"
)

// connection wraps one editor websocket connection: its auth state,
// a buffered outbound queue drained by a writer goroutine, and
// heartbeat bookkeeping.
type connection struct {
	id  string
	ws  *websocket.Conn
	log *logrus.Entry

	mgr *Manager

	mu    sync.RWMutex
	state State

	send chan []byte
	done chan struct{}

	closeOnce sync.Once

	lastPong time.Time
}

func newConnection(id string, ws *websocket.Conn, mgr *Manager, log *logrus.Entry) *connection {
	return &connection{
		id:       id,
		ws:       ws,
		mgr:      mgr,
		log:      log.WithField("conn_id", id),
		state:    Unauthenticated,
		send:     make(chan []byte, 64),
		done:     make(chan struct{}),
		lastPong: time.Now(),
	}
}

func (c *connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *connection) setAuthenticated() {
	c.mu.Lock()
	c.state = Authenticated
	c.mu.Unlock()
}

// enqueue queues data for the writer goroutine. It never blocks: a
// full buffer indicates a stalled connection, which the heartbeat
// timeout will close shortly, so the frame is dropped and false is
// returned; the command itself stays owned by its WaitingForAck
// transaction.
func (c *connection) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		c.log.Warn("channel: send buffer full, dropping frame for stalled connection")
		return false
	}
}

func (c *connection) writePump() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.WithError(err).Debug("channel: write failed")
				c.close()
				return
			}
		}
	}
}

func (c *connection) heartbeatLoop(interval, grace time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.RLock()
			last := c.lastPong
			c.mu.RUnlock()
			if time.Since(last) > interval+grace {
				c.log.Warn("channel: heartbeat grace window exceeded, closing connection")
				c.close()
				return
			}
			data, _ := json.Marshal(map[string]string{"type": typeHeartbeat})
			c.enqueue(data)
		}
	}
}

func (c *connection) markAlive() {
	c.mu.Lock()
	c.lastPong = time.Now()
	c.mu.Unlock()
}

// close is called concurrently from readLoop's defer, writePump on a
// write error, and heartbeatLoop on grace-window expiry; sync.Once
// keeps exactly one of them actually close c.done and the socket.
func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
		c.mgr.remove(c.id)
	})
}
