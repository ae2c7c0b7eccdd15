// Package admin exposes small operator-facing diagnostics surfaces on top
// of the dispatch engine's internal state. ScreeningLogger streams the Key
// Pool Manager's screening/pick log ring buffer (spec.md §3's Key
// Screening Record, §4.5's screening log) to connected clients over a
// WebSocket, grounded on the teacher's
// internal/logging/websocket_logger.go broadcast/cleanup shape — adapted
// from a logrus-hook fan-out to a poll-the-ring-buffer fan-out, since the
// Key Pool Manager records screenings synchronously rather than emitting
// them onto a channel.
package admin

import (
	"net/http"
	"sync"
	"time"

	"aikeyproxy/internal/keypool"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	defaultMaxConnections  = 50
	defaultIdleTimeout     = 30 * time.Minute
	defaultCleanupInterval = 2 * time.Minute
	defaultPollInterval    = 2 * time.Second
	defaultBacklog         = 50
)

// ScreeningLogger fans out newly recorded keypool.ScreeningRecord entries
// to any number of connected WebSocket clients.
type ScreeningLogger struct {
	keys *keypool.Manager

	mu      sync.RWMutex
	clients map[*websocket.Conn]*clientInfo
	stopCh  chan struct{}

	maxConnections  int
	idleTimeout     time.Duration
	cleanupInterval time.Duration
	pollInterval    time.Duration

	lastSeen time.Time
}

type clientInfo struct {
	lastActivity time.Time
	connected    time.Time
}

// NewScreeningLogger builds a logger over the given Key Pool Manager.
func NewScreeningLogger(keys *keypool.Manager) *ScreeningLogger {
	return &ScreeningLogger{
		keys:            keys,
		clients:         make(map[*websocket.Conn]*clientInfo),
		stopCh:          make(chan struct{}),
		maxConnections:  defaultMaxConnections,
		idleTimeout:     defaultIdleTimeout,
		cleanupInterval: defaultCleanupInterval,
		pollInterval:    defaultPollInterval,
	}
}

// Start launches the poll-and-broadcast and idle-cleanup goroutines.
func (s *ScreeningLogger) Start() {
	go s.pollLoop()
	go s.cleanupLoop()
}

// Stop terminates both goroutines and closes every connected client.
func (s *ScreeningLogger) Stop() {
	close(s.stopCh)

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		conn.Close()
	}
	s.clients = make(map[*websocket.Conn]*clientInfo)
}

func (s *ScreeningLogger) pollLoop() {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.broadcastNew()
		case <-s.stopCh:
			return
		}
	}
}

func (s *ScreeningLogger) broadcastNew() {
	records := s.keys.RecentScreening(defaultBacklog)
	var fresh []keypool.ScreeningRecord
	for _, rec := range records {
		if rec.Time.After(s.lastSeen) {
			fresh = append(fresh, rec)
		}
	}
	if len(fresh) == 0 {
		return
	}
	s.lastSeen = fresh[len(fresh)-1].Time
	s.broadcast(fresh)
}

func (s *ScreeningLogger) broadcast(records []keypool.ScreeningRecord) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for conn, info := range s.clients {
		if err := conn.WriteJSON(records); err != nil {
			log.WithError(err).Debug("admin: screening websocket write failed, dropping client")
			go s.removeClient(conn)
			continue
		}
		info.lastActivity = time.Now()
	}
}

func (s *ScreeningLogger) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanupIdle()
		case <-s.stopCh:
			return
		}
	}
}

func (s *ScreeningLogger) cleanupIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for conn, info := range s.clients {
		if now.Sub(info.lastActivity) > s.idleTimeout {
			delete(s.clients, conn)
			conn.Close()
		}
	}
}

func (s *ScreeningLogger) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[conn]; ok {
		delete(s.clients, conn)
		conn.Close()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleWebSocket upgrades the connection, sends the current backlog, and
// registers the client for future broadcasts.
func (s *ScreeningLogger) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Warn("admin: screening websocket upgrade failed")
		return
	}

	s.mu.Lock()
	if len(s.clients) >= s.maxConnections {
		s.mu.Unlock()
		conn.WriteJSON(gin.H{"error": "too many connected diagnostics clients"})
		conn.Close()
		return
	}
	now := time.Now()
	s.clients[conn] = &clientInfo{lastActivity: now, connected: now}
	s.mu.Unlock()

	backlog := s.keys.RecentScreening(defaultBacklog)
	_ = conn.WriteJSON(backlog)

	// Drain incoming frames until the client disconnects; this endpoint is
	// broadcast-only, so any inbound message (including pings) just keeps
	// the connection's idle clock from expiring.
	go func() {
		defer s.removeClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			s.mu.Lock()
			if info, ok := s.clients[conn]; ok {
				info.lastActivity = time.Now()
			}
			s.mu.Unlock()
		}
	}()
}
