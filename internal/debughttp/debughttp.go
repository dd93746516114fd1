// Package debughttp serves a read-only snapshot of the proxy's mirrored
// topology and live agent registrations over a WebSocket, for operators
// inspecting a running proxy. The feed is output-only: there is no
// client->server protocol, just periodic snapshots.
package debughttp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/godbus/dbus/v5"

	"github.com/tiiuae/ghaf-dbus-proxy/internal/agent"
	"github.com/tiiuae/ghaf-dbus-proxy/internal/topology"
)

const (
	writeWait      = 10 * time.Second
	snapshotPeriod = 5 * time.Second
	maxMessageSize = 512
)

// ObjectView is the wire shape of one mirrored object.
type ObjectView struct {
	Path       dbus.ObjectPath `json:"path"`
	Interfaces []string        `json:"interfaces"`
}

// AgentView is the wire shape of one agent registration.
type AgentView struct {
	ManagerInterface string `json:"manager_interface"`
	Owner            string `json:"owner"`
	Role             string `json:"role"`
}

// Snapshot is the message sent to every connected debug client.
type Snapshot struct {
	Type    string       `json:"type"`
	Objects []ObjectView `json:"objects"`
	Agents  []AgentView  `json:"agents"`
}

// Handler serves /debug/topology as a WebSocket feed of periodic
// snapshots.
type Handler struct {
	topology *topology.Engine
	registry *agent.Registry
	logger   *slog.Logger

	connsMu sync.RWMutex
	conns   map[*websocket.Conn]struct{}
}

// New creates a debug HTTP handler backed by the given engine and
// registry.
func New(topo *topology.Engine, registry *agent.Registry, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		topology: topo,
		registry: registry,
		logger:   logger,
		conns:    make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the request to a WebSocket and streams snapshots
// until the client disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		h.logger.Error("debug websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)
	LogPeer(r.Context(), h.logger)

	h.connsMu.Lock()
	h.conns[conn] = struct{}{}
	h.connsMu.Unlock()

	defer func() {
		h.connsMu.Lock()
		delete(h.conns, conn)
		h.connsMu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	if err := h.sendSnapshot(ctx, conn); err != nil {
		return
	}

	ticker := time.NewTicker(snapshotPeriod)
	defer ticker.Stop()

	// Drain/ignore anything the client sends; this endpoint is read-only
	// but must still consume incoming frames to notice a closed socket.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.sendSnapshot(ctx, conn); err != nil {
				return
			}
		}
	}
}

func (h *Handler) sendSnapshot(ctx context.Context, conn *websocket.Conn) error {
	snap := Snapshot{Type: "snapshot"}

	if h.topology != nil {
		for _, obj := range h.topology.Snapshot() {
			snap.Objects = append(snap.Objects, ObjectView{Path: obj.Path, Interfaces: obj.Interfaces})
		}
	}
	if h.registry != nil {
		for _, reg := range h.registry.Snapshot() {
			snap.Agents = append(snap.Agents, AgentView{
				ManagerInterface: reg.Rule.ManagerInterface,
				Owner:            reg.Owner,
				Role:             reg.Role.String(),
			})
		}
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
