package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/orchd/orchd/internal/common/logger"
	"github.com/orchd/orchd/internal/events/bus"
	"github.com/orchd/orchd/internal/identity"
	"github.com/orchd/orchd/internal/ledger"
	"github.com/orchd/orchd/internal/store"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the browser client is same-origin behind the platform proxy
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient is one connected socket with its frozen agent allowlist.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	// allow is the set of agent names this socket may see; nil means all
	// (system scope and admins).
	allow map[string]bool
}

func (c *wsClient) permitted(agent string) bool {
	if c.allow == nil {
		return true
	}
	return c.allow[agent]
}

// Hub fans activity events out to WebSocket subscribers. Each socket's
// allowlist is computed at connect time from the caller's accessible agents,
// so a broadcast never leaks activity across tenants.
type Hub struct {
	store  *store.Store
	bus    bus.EventBus
	logger *logger.Logger

	mu      sync.Mutex
	clients map[*wsClient]bool
}

// NewHub creates the event hub.
func NewHub(st *store.Store, eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		store:   st,
		bus:     eventBus,
		logger:  log,
		clients: make(map[*wsClient]bool),
	}
}

// Run subscribes to the activity subject and broadcasts until the context
// ends.
func (h *Hub) Run(ctx context.Context) error {
	sub, err := h.bus.Subscribe(bus.SubjectActivity, func(ctx context.Context, event *bus.Event) error {
		h.broadcast(event)
		return nil
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	return sub.Unsubscribe()
}

func (h *Hub) broadcast(event *bus.Event) {
	var activity ledger.ActivityEvent
	if err := json.Unmarshal(event.Data, &activity); err != nil {
		h.logger.Error("Malformed activity event", zap.Error(err))
		return
	}
	payload, err := json.Marshal(gin.H{"type": "activity", "data": activity})
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if !client.permitted(activity.Agent) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			// slow consumer: drop the socket rather than block the fan-out
			close(client.send)
			delete(h.clients, client)
		}
	}
}

// allowlistFor freezes the caller's visible agent set. Reconnecting after a
// permission change picks up the new set.
func (h *Hub) allowlistFor(ctx context.Context, ident identity.Identity) (map[string]bool, error) {
	switch ident.Scope {
	case identity.ScopeSystem:
		return nil, nil
	case identity.ScopeAgent:
		targets, err := h.store.PermittedTargets(ctx, ident.AgentName)
		if err != nil {
			return nil, err
		}
		allow := map[string]bool{ident.AgentName: true}
		for _, target := range targets {
			allow[target] = true
		}
		return allow, nil
	default:
		if ident.Admin {
			return nil, nil
		}
		agents, err := h.store.ListAccessibleAgents(ctx, ident.UserID, false)
		if err != nil {
			return nil, err
		}
		allow := make(map[string]bool, len(agents))
		for _, agent := range agents {
			allow[agent.Name] = true
		}
		return allow, nil
	}
}

// HandleWS upgrades the connection and streams permitted activity events.
func (h *Hub) HandleWS(c *gin.Context) {
	ident := callerIdentity(c)
	allow, err := h.allowlistFor(c.Request.Context(), ident)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}
	client := &wsClient{
		conn:  conn,
		send:  make(chan []byte, wsSendBuffer),
		allow: allow,
	}

	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	go h.writePump(client)
	h.readPump(client)
}

func (h *Hub) readPump(client *wsClient) {
	defer h.drop(client)
	client.conn.SetReadLimit(1024)
	_ = client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		// inbound frames are ignored; reading detects the close
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(client *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) drop(client *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
	_ = client.conn.Close()
}
