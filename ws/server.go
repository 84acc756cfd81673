package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"

	"github.com/taxfold/jobqueue/id"
	"github.com/taxfold/jobqueue/stream"
)

// ServerConfig bounds the transport.
type ServerConfig struct {
	// MaxConnectionsPerUser caps concurrent connections per user.
	MaxConnectionsPerUser int
	// MaxMessageSize caps inbound frame size in bytes.
	MaxMessageSize int
	// HeartbeatInterval is how often the reaper scans for stale
	// connections. A connection with no pong for twice this interval
	// is closed.
	HeartbeatInterval time.Duration
}

// DefaultServerConfig returns the transport defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxConnectionsPerUser: 5,
		MaxMessageSize:        64 * 1024,
		HeartbeatInterval:     30 * time.Second,
	}
}

// Server upgrades HTTP requests to notification stream connections.
type Server struct {
	auth   *Authenticator
	broker *stream.Broker
	cfg    ServerConfig
	logger *slog.Logger

	mu      sync.Mutex
	conns   map[string]*Conn
	perUser map[string]int

	stopOnce sync.Once
	stop     chan struct{}
}

// NewServer creates a WebSocket server over the broker. The reaper
// starts with the server and runs until Close.
func NewServer(auth *Authenticator, broker *stream.Broker, cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		auth:    auth,
		broker:  broker,
		cfg:     cfg,
		logger:  logger,
		conns:   make(map[string]*Conn),
		perUser: make(map[string]int),
		stop:    make(chan struct{}),
	}
	go s.reapLoop()
	return s
}

// ServeHTTP implements http.Handler: authenticate, enforce the per-user
// connection cap, upgrade, subscribe, and confirm.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ident, err := s.auth.Authenticate(r)
	if err != nil {
		s.logger.Info("connection rejected", slog.String("error", err.Error()))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if !s.reserveSlot(ident.UserID) {
		limitErr := &ConnectionLimitError{UserID: ident.UserID, Limit: s.cfg.MaxConnectionsPerUser}
		s.logger.Info("connection rejected", slog.String("error", limitErr.Error()))
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	codec := negotiateCodec(r.URL.Query().Get("encoding"))

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.releaseSlot(ident.UserID)
		s.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	connID := id.NewConnectionID()
	c := &Conn{
		id:       connID,
		netConn:  netConn,
		codec:    codec,
		identity: ident,
		sub:      s.broker.Subscribe(connID, ident.UserID, ident.OrganizationID),
		logger:   s.logger,
		onClose:  s.drop,
	}
	c.touch()

	s.mu.Lock()
	s.conns[connID.String()] = c
	s.mu.Unlock()

	if err := c.send(&Frame{
		Op:             OpConnect,
		ConnectionID:   connID.String(),
		UserID:         ident.UserID,
		OrganizationID: ident.OrganizationID,
		Encoding:       codec.Name(),
	}); err != nil {
		c.close()
		return
	}

	s.logger.Info("connection established",
		slog.String("connection_id", connID.String()),
		slog.String("user_id", ident.UserID),
		slog.String("organization_id", ident.OrganizationID),
		slog.String("encoding", codec.Name()),
	)

	go c.writeLoop()
	go c.readLoop(s.cfg.MaxMessageSize)
}

// Connections returns the number of live connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops the reaper and closes every connection.
func (s *Server) Close(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })

	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	return ctx.Err()
}

// reserveSlot takes one connection slot for the user if under the cap.
func (s *Server) reserveSlot(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MaxConnectionsPerUser > 0 && s.perUser[userID] >= s.cfg.MaxConnectionsPerUser {
		return false
	}
	s.perUser[userID]++
	return true
}

func (s *Server) releaseSlot(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.perUser[userID] > 0 {
		s.perUser[userID]--
	}
	if s.perUser[userID] == 0 {
		delete(s.perUser, userID)
	}
}

// drop removes a closed connection from the bookkeeping and the broker.
func (s *Server) drop(c *Conn) {
	s.broker.Unsubscribe(c.id)

	s.mu.Lock()
	delete(s.conns, c.id.String())
	s.mu.Unlock()
	s.releaseSlot(c.identity.UserID)
}

// heartbeat sends a protocol ping to every live connection. The client
// answers with a pong that refreshes its liveness stamp; a failed write
// closes just that connection.
func (s *Server) heartbeat() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if err := c.send(&Frame{Op: OpPing}); err != nil {
			s.logger.Debug("heartbeat write failed",
				slog.String("connection_id", c.id.String()),
				slog.String("error", err.Error()),
			)
			c.close()
		}
	}
}

// reapLoop pings all connections on a fixed interval and closes those
// whose heartbeat has gone quiet for twice the interval, along with
// connections whose token has expired.
func (s *Server) reapLoop() {
	interval := s.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultServerConfig().HeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		s.heartbeat()

		now := time.Now()
		cutoff := now.Add(-2 * interval)

		s.mu.Lock()
		var doomed []*Conn
		for _, c := range s.conns {
			if c.stale(cutoff) {
				doomed = append(doomed, c)
				continue
			}
			if exp := c.identity.ExpiresAt; !exp.IsZero() && now.After(exp) {
				doomed = append(doomed, c)
			}
		}
		s.mu.Unlock()

		for _, c := range doomed {
			s.logger.Info("reaping stale connection",
				slog.String("connection_id", c.id.String()),
				slog.String("user_id", c.identity.UserID),
			)
			c.sendError("CONNECTION_STALE", "no heartbeat received")
			c.close()
		}
	}
}
