package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mariokehl/gymportal-access/internal/audit"
	"github.com/mariokehl/gymportal-access/internal/infrastructure/config"
	"github.com/mariokehl/gymportal-access/internal/infrastructure/logging"
)

// Live feed message types.
const (
	FeedTypeAttempt = "attempt"
	FeedTypePing    = "ping"
	FeedTypePong    = "pong"
	FeedTypeError   = "error"

	// feedSendBuffer is how many messages a client may fall behind before
	// it is disconnected.
	feedSendBuffer = 64

	defaultFeedPing      = 30 * time.Second
	defaultFeedWriteWait = 10 * time.Second
)

// FeedEntry is the front desk view of one recorded attempt. The client
// address, user agent and identifier stay in the access log.
type FeedEntry struct {
	ID           string    `json:"id"`
	DeviceNumber int       `json:"device_number"`
	MemberID     string    `json:"member_id,omitempty"`
	Method       string    `json:"method"`
	Service      string    `json:"service"`
	Granted      bool      `json:"granted"`
	Reason       string    `json:"reason,omitempty"`
	Category     string    `json:"category,omitempty"`
	At           time.Time `json:"at"`
}

func newFeedEntry(a *audit.Attempt) *FeedEntry {
	e := &FeedEntry{
		ID:           a.ID,
		DeviceNumber: a.DeviceNumber,
		MemberID:     a.MemberID,
		Method:       string(a.Method),
		Service:      a.Service,
		Granted:      a.Granted,
		At:           a.CreatedAt,
	}
	if !a.Granted {
		e.Reason = string(a.DenialReason)
		e.Category = string(audit.Categorize(a.DenialReason))
	}
	return e
}

// feedMessage is the envelope for every frame in either direction.
type feedMessage struct {
	Type    string     `json:"type"`
	ID      string     `json:"id,omitempty"`
	Attempt *FeedEntry `json:"attempt,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// Hub fans recorded attempts out to the live feed clients of each tenant.
// It implements audit.Observer.
//
// Thread Safety:
//   - All methods are safe for concurrent use. ObserveAttempt never blocks:
//     a client whose buffer is full is disconnected instead.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	mu      sync.RWMutex
	tenants map[string]map[*feedClient]struct{}
	evicted atomic.Uint64
}

// feedClient is one connected feed. It only ever receives events of the
// tenant its ticket was issued for.
type feedClient struct {
	tenantID string
	conn     *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newFeedClient(tenantID string, conn *websocket.Conn) *feedClient {
	return &feedClient{tenantID: tenantID, conn: conn, send: make(chan []byte, feedSendBuffer)}
}

// offer queues data without blocking. It reports false when the buffer is
// full. Offers to a shut client are discarded.
func (c *feedClient) offer(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// shut closes the send channel once, which ends the write pump.
func (c *feedClient) shut() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

var feedUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The single-use ticket authenticates the connection, not the origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewHub creates a live feed hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		tenants: make(map[string]map[*feedClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	all := h.tenants
	h.tenants = make(map[string]map[*feedClient]struct{})
	h.mu.Unlock()

	for _, set := range all {
		for c := range set {
			c.shut()
		}
	}
}

// ObserveAttempt sends the attempt to the feed clients of its tenant.
func (h *Hub) ObserveAttempt(_ context.Context, a *audit.Attempt) {
	data, err := json.Marshal(feedMessage{Type: FeedTypeAttempt, Attempt: newFeedEntry(a)})
	if err != nil {
		h.logger.Error("encoding feed entry failed", "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*feedClient, 0, len(h.tenants[a.TenantID]))
	for c := range h.tenants[a.TenantID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.offer(data) {
			h.evicted.Add(1)
			h.logger.Warn("disconnecting slow feed client", "tenant_id", c.tenantID)
			h.remove(c)
		}
	}
}

// ClientCount returns the number of connected clients across all tenants.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.tenants {
		n += len(set)
	}
	return n
}

// Evicted returns how many clients were disconnected for falling behind.
func (h *Hub) Evicted() uint64 {
	return h.evicted.Load()
}

func (h *Hub) add(c *feedClient) {
	h.mu.Lock()
	set, ok := h.tenants[c.tenantID]
	if !ok {
		set = make(map[*feedClient]struct{})
		h.tenants[c.tenantID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("feed client connected", "tenant_id", c.tenantID)
}

// remove detaches c and shuts it. Calling it twice is harmless.
func (h *Hub) remove(c *feedClient) {
	h.mu.Lock()
	if set, ok := h.tenants[c.tenantID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.tenants, c.tenantID)
		}
	}
	h.mu.Unlock()
	c.shut()
}

// handleFeed upgrades to the live access feed. The ticket comes from
// POST /admin/tenants/{tenant}/feed/ticket and selects the tenant.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		writeUnauthorized(w, "ticket query parameter is required")
		return
	}
	tenantID, ok := s.tickets.consume(ticket)
	if !ok {
		writeUnauthorized(w, "invalid or expired ticket")
		return
	}

	conn, err := feedUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("feed upgrade failed", "tenant_id", tenantID, "error", err)
		return
	}

	c := newFeedClient(tenantID, conn)
	s.hub.add(c)
	go s.hub.writeLoop(c)
	go s.hub.readLoop(c)
}

// readLoop answers application pings and detects disconnects. The feed is
// otherwise read-only.
func (h *Hub) readLoop(c *feedClient) {
	defer func() {
		h.remove(c)
		c.conn.Close() //nolint:errcheck // Closing a dead connection
	}()

	idle := h.pingInterval() + h.writeWait()
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(idle)) }

	c.conn.SetReadLimit(int64(h.cfg.MaxMessageSize))
	extend() //nolint:errcheck // Read errors surface below
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("feed read ended", "tenant_id", c.tenantID, "error", err)
			}
			return
		}
		extend() //nolint:errcheck // Read errors surface on the next read

		var in feedMessage
		switch {
		case json.Unmarshal(data, &in) != nil:
			h.reply(c, feedMessage{Type: FeedTypeError, Error: "invalid JSON message"})
		case in.Type == FeedTypePing:
			h.reply(c, feedMessage{Type: FeedTypePong, ID: in.ID})
		default:
			h.reply(c, feedMessage{Type: FeedTypeError, ID: in.ID, Error: "unsupported message type: " + in.Type})
		}
	}
}

// writeLoop drains the send channel and keeps the connection alive with
// protocol pings. It ends when the client is shut or a write fails.
func (h *Hub) writeLoop(c *feedClient) {
	ping := time.NewTicker(h.pingInterval())
	writeWait := h.writeWait()
	defer func() {
		ping.Stop()
		c.conn.Close() //nolint:errcheck // Closing after the last write
	}()

	write := func(kind int, data []byte) error {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return err
		}
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				write(websocket.CloseMessage, nil) //nolint:errcheck // Best effort goodbye
				return
			}
			if err := write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) pingInterval() time.Duration {
	if h.cfg.PingInterval <= 0 {
		return defaultFeedPing
	}
	return time.Duration(h.cfg.PingInterval) * time.Second
}

func (h *Hub) writeWait() time.Duration {
	if h.cfg.PongTimeout <= 0 {
		return defaultFeedWriteWait
	}
	return time.Duration(h.cfg.PongTimeout) * time.Second
}

func (h *Hub) reply(c *feedClient, msg feedMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.offer(data)
}
