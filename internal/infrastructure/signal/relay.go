package signal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"castroom/internal/core/domain"
	"castroom/internal/core/services"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RelayConfig tunes connection keepalive and per-connection flow control.
type RelayConfig struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MessagesPerSecond float64
	Burst             int
	MaxMessageSize    int64
	AllowedOrigins    []string
}

// RelayMetrics receives relay counters.
type RelayMetrics interface {
	ConnectionOpened()
	ConnectionClosed()
	SignalRouted(t domain.SignalType)
	SignalDropped(reason string)
}

type nopRelayMetrics struct{}

func (nopRelayMetrics) ConnectionOpened()              {}
func (nopRelayMetrics) ConnectionClosed()              {}
func (nopRelayMetrics) SignalRouted(domain.SignalType) {}
func (nopRelayMetrics) SignalDropped(string)           {}

// Relay routes signaling between the host and viewers of each room. It keeps
// no state beyond live connections.
type Relay struct {
	cfg       RelayConfig
	validator services.TokenValidator
	metrics   RelayMetrics
	upgrader  websocket.Upgrader
	logger    *zap.SugaredLogger

	mu      sync.RWMutex
	conns   map[string]*relayConn
	hosts   map[domain.RoomID]string
	viewers map[domain.RoomID]map[string]bool
}

type relayConn struct {
	id      string
	userID  domain.UserID
	ws      *websocket.Conn
	send    chan domain.Signal
	limiter *rate.Limiter

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *relayConn) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func NewRelay(cfg RelayConfig, validator services.TokenValidator, metrics RelayMetrics, logger *zap.SugaredLogger) *Relay {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 100
	}
	if metrics == nil {
		metrics = nopRelayMetrics{}
	}

	r := &Relay{
		cfg:       cfg,
		validator: validator,
		metrics:   metrics,
		logger:    logger,
		conns:     make(map[string]*relayConn),
		hosts:     make(map[domain.RoomID]string),
		viewers:   make(map[domain.RoomID]map[string]bool),
	}
	r.upgrader = websocket.Upgrader{
		CheckOrigin:     r.checkOrigin,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return r
}

func (r *Relay) checkOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range r.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func bearerToken(req *http.Request) string {
	if token := req.URL.Query().Get("token"); token != "" {
		return token
	}
	parts := strings.SplitN(req.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && parts[0] == "Bearer" {
		return parts[1]
	}
	return ""
}

// HandleWebSocket authenticates and serves one relay connection.
func (r *Relay) HandleWebSocket(w http.ResponseWriter, req *http.Request) {
	claims, err := r.validator.ValidateToken(bearerToken(req))
	if err != nil {
		r.logger.Infow("rejected signaling connection", "remote_addr", req.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	c := &relayConn{
		id:      uuid.NewString(),
		userID:  claims.UserID,
		ws:      ws,
		send:    make(chan domain.Signal, 64),
		limiter: rate.NewLimiter(rate.Limit(r.cfg.MessagesPerSecond), r.cfg.Burst),
		closed:  make(chan struct{}),
	}

	r.mu.Lock()
	r.conns[c.id] = c
	r.mu.Unlock()
	r.metrics.ConnectionOpened()
	r.logger.Infow("peer connected via WebSocket", "peer_id", c.id, "user_id", c.userID)

	go r.writePump(c)
	r.readPump(c)

	r.cleanup(c)
	r.metrics.ConnectionClosed()
	r.logger.Infow("peer disconnected", "peer_id", c.id, "user_id", c.userID)
}

func (r *Relay) readPump(c *relayConn) {
	defer c.close()

	if r.cfg.MaxMessageSize > 0 {
		c.ws.SetReadLimit(r.cfg.MaxMessageSize)
	}
	c.ws.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))
	})

	for {
		var sig domain.Signal
		if err := c.ws.ReadJSON(&sig); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Infow("error reading message from peer", "peer_id", c.id, "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))

		if !c.limiter.Allow() {
			r.metrics.SignalDropped("rate_limited")
			r.reply(c, sig.RoomID, "rate limit exceeded")
			continue
		}

		sig.From = c.id
		if err := r.handle(c, sig); err != nil {
			r.metrics.SignalDropped(string(sig.Type))
			r.logger.Infow("error handling message from peer",
				"peer_id", c.id,
				"type", sig.Type,
				"room_id", sig.RoomID,
				"error", err,
			)
			r.reply(c, sig.RoomID, err.Error())
		}
	}
}

func (r *Relay) writePump(c *relayConn) {
	ticker := time.NewTicker(r.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case sig := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
			if err := c.ws.WriteJSON(sig); err != nil {
				r.logger.Infow("error writing to peer", "peer_id", c.id, "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.closed:
			c.ws.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (r *Relay) handle(c *relayConn, sig domain.Signal) error {
	if sig.RoomID == "" {
		return fmt.Errorf("room_id is required")
	}

	switch sig.Type {
	case domain.SignalRegisterHost:
		r.mu.Lock()
		defer r.mu.Unlock()
		if current, ok := r.hosts[sig.RoomID]; ok && current != c.id {
			if _, alive := r.conns[current]; alive {
				return fmt.Errorf("room already has a host")
			}
		}
		r.hosts[sig.RoomID] = c.id
		r.logger.Infow("host registered", "room_id", sig.RoomID, "peer_id", c.id, "user_id", c.userID)
		return nil

	case domain.SignalJoin:
		r.mu.Lock()
		host, ok := r.hosts[sig.RoomID]
		if !ok {
			r.mu.Unlock()
			return fmt.Errorf("room has no active host")
		}
		if r.viewers[sig.RoomID] == nil {
			r.viewers[sig.RoomID] = make(map[string]bool)
		}
		r.viewers[sig.RoomID][c.id] = true
		r.mu.Unlock()
		return r.forward(host, sig)

	case domain.SignalOffer, domain.SignalAnswer:
		if err := validateSDP(sig.SDP); err != nil {
			return fmt.Errorf("invalid SDP in %s: %w", sig.Type, err)
		}
		if sig.To == "" {
			return fmt.Errorf("%s requires a target peer", sig.Type)
		}
		return r.forward(sig.To, sig)

	case domain.SignalLeave:
		if sig.To != "" {
			return r.forward(sig.To, sig)
		}
		r.leaveRoom(c.id, sig.RoomID)
		return nil

	case domain.SignalHostLeft:
		if sig.To == "" {
			return fmt.Errorf("host_left requires a target peer")
		}
		r.mu.Lock()
		if set := r.viewers[sig.RoomID]; set != nil {
			delete(set, sig.To)
		}
		r.mu.Unlock()
		return r.forward(sig.To, sig)

	default:
		return fmt.Errorf("unknown message type: %s", sig.Type)
	}
}

// leaveRoom drops peerID from roomID and tells the other side.
func (r *Relay) leaveRoom(peerID string, roomID domain.RoomID) {
	r.mu.Lock()
	var notify []string
	var sig domain.Signal
	if r.hosts[roomID] == peerID {
		delete(r.hosts, roomID)
		for viewer := range r.viewers[roomID] {
			notify = append(notify, viewer)
		}
		delete(r.viewers, roomID)
		sig = domain.Signal{Type: domain.SignalHostLeft, RoomID: roomID, From: peerID}
	} else if r.viewers[roomID][peerID] {
		delete(r.viewers[roomID], peerID)
		if host, ok := r.hosts[roomID]; ok {
			notify = append(notify, host)
		}
		sig = domain.Signal{Type: domain.SignalLeave, RoomID: roomID, From: peerID}
	}
	r.mu.Unlock()

	for _, id := range notify {
		if err := r.forward(id, sig); err != nil {
			r.logger.Debugw("failed to notify peer", "peer_id", id, "error", err)
		}
	}
}

func (r *Relay) cleanup(c *relayConn) {
	r.mu.Lock()
	delete(r.conns, c.id)
	var rooms []domain.RoomID
	for roomID, host := range r.hosts {
		if host == c.id {
			rooms = append(rooms, roomID)
		}
	}
	for roomID, set := range r.viewers {
		if set[c.id] {
			rooms = append(rooms, roomID)
		}
	}
	r.mu.Unlock()

	for _, roomID := range rooms {
		r.leaveRoom(c.id, roomID)
	}
}

func (r *Relay) forward(to string, sig domain.Signal) error {
	r.mu.RLock()
	target, ok := r.conns[to]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("peer %s not connected", to)
	}

	select {
	case target.send <- sig:
		r.metrics.SignalRouted(sig.Type)
		r.logger.Debugw("routed signal",
			"type", sig.Type,
			"room_id", sig.RoomID,
			"from_peer", sig.From,
			"to_peer", to,
			"sdp_length", len(sig.SDP),
		)
		return nil
	case <-target.closed:
		return fmt.Errorf("peer %s is closing", to)
	default:
		return fmt.Errorf("peer %s is not keeping up", to)
	}
}

func (r *Relay) reply(c *relayConn, roomID domain.RoomID, message string) {
	select {
	case c.send <- domain.Signal{Type: domain.SignalError, RoomID: roomID, Message: message}:
	default:
	}
}

// validateSDP validates SDP format
func validateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("SDP cannot be empty")
	}
	if !strings.HasPrefix(sdp, "v=") {
		return fmt.Errorf("invalid SDP format: must start with 'v='")
	}
	for _, field := range []string{"o=", "s=", "t="} {
		if !strings.Contains(sdp, field) {
			return fmt.Errorf("invalid SDP format: missing required field '%s'", field)
		}
	}
	return nil
}

// Connections returns the number of live connections.
func (r *Relay) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Relay) HealthCheck(w http.ResponseWriter, req *http.Request) {
	r.mu.RLock()
	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": len(r.conns),
		"rooms":       len(r.hosts),
	}
	r.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
