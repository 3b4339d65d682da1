// Package relay fans messages out to the extension's open endpoints (content
// script tabs and the popup), each attached as a websocket subscriber.
package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	DefaultSendBuffer   = 32
	DefaultWriteTimeout = 5 * time.Second
)

// Conn is the part of *websocket.Conn the pool writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// Broadcaster delivers one payload to every subscriber.
type Broadcaster interface {
	Broadcast(data []byte)
}

// ConnectionPool tracks subscribers and delivers to each through its own
// bounded queue. A subscriber whose queue is full or whose write fails is
// dropped; the others are unaffected.
type ConnectionPool struct {
	name         string
	mu           sync.Mutex
	clients      map[Conn]*poolClient
	sendBuffer   int
	writeTimeout time.Duration
}

var _ Broadcaster = &ConnectionPool{}

type poolClient struct {
	id        string
	conn      Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewConnectionPool(name string) *ConnectionPool {
	return &ConnectionPool{
		name:         name,
		clients:      map[Conn]*poolClient{},
		sendBuffer:   DefaultSendBuffer,
		writeTimeout: DefaultWriteTimeout,
	}
}

// Add registers conn and returns its subscriber id.
func (cp *ConnectionPool) Add(conn Conn) string {
	if cp == nil || conn == nil {
		return ""
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if c, ok := cp.clients[conn]; ok {
		return c.id
	}
	buf := cp.sendBuffer
	if buf <= 0 {
		buf = 1
	}
	c := &poolClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, buf),
		done: make(chan struct{}),
	}
	cp.clients[conn] = c
	go cp.writeLoop(c)
	return c.id
}

func (cp *ConnectionPool) Remove(conn Conn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	c, ok := cp.clients[conn]
	if ok {
		delete(cp.clients, conn)
	}
	cp.mu.Unlock()
	if ok {
		c.close()
		return
	}
	_ = conn.Close()
}

func (cp *ConnectionPool) Broadcast(data []byte) {
	if cp == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for conn, c := range cp.clients {
		if !c.enqueue(data) {
			log.Warn().Str("component", "relay").Str("pool", cp.name).Str("subscriber", c.id).
				Msg("subscriber send buffer full, dropping connection")
			delete(cp.clients, conn)
			c.close()
		}
	}
}

// SendToOne queues data for a single subscriber. Unknown connections are ignored.
func (cp *ConnectionPool) SendToOne(conn Conn, data []byte) {
	if cp == nil || conn == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	c, ok := cp.clients[conn]
	if !ok {
		return
	}
	if !c.enqueue(data) {
		log.Warn().Str("component", "relay").Str("pool", cp.name).Str("subscriber", c.id).
			Msg("subscriber send buffer full, dropping connection")
		delete(cp.clients, conn)
		c.close()
	}
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.clients)
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	clients := cp.clients
	cp.clients = map[Conn]*poolClient{}
	cp.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (cp *ConnectionPool) writeLoop(c *poolClient) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if cp.writeTimeout > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(cp.writeTimeout))
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("component", "relay").Str("pool", cp.name).Str("subscriber", c.id).
					Msg("ws write failed, dropping connection")
				cp.drop(c)
				return
			}
		}
	}
}

func (cp *ConnectionPool) drop(c *poolClient) {
	cp.mu.Lock()
	if cur, ok := cp.clients[c.conn]; ok && cur == c {
		delete(cp.clients, c.conn)
	}
	cp.mu.Unlock()
	c.close()
}

func (c *poolClient) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *poolClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
