package websocket

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/davidmoltin/record-automation/internal/api/rest/middleware"
	"github.com/davidmoltin/record-automation/pkg/logger"
)

// Handler handles WebSocket connections
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

// NewHandler creates a new WebSocket handler. Browser origins are checked
// against allowedOrigins; "*" allows any origin.
func NewHandler(hub *Hub, allowedOrigins []string, log *logger.Logger) *Handler {
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: log,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, a := range allowed {
			if a == "*" || a == origin || a == u.Host {
				return true
			}
		}
		return false
	}
}

// HandleWebSocket upgrades the request and streams execution updates.
// ?execution_id= or ?rule_id= narrows the initial subscription; without
// either the client receives every execution.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.hub.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	operator := "anonymous"
	if claims := middleware.GetClaims(r.Context()); claims != nil {
		operator = claims.Subject
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", logger.Err(err))
		return
	}

	client := NewClient(h.hub, conn, operator, h.logger)

	query := r.URL.Query()
	switch {
	case query.Get("execution_id") != "":
		client.Subscribe(executionPrefix+query.Get("execution_id"), Filters{})
	case query.Get("rule_id") != "":
		client.Subscribe(rulePrefix+query.Get("rule_id"), Filters{})
	default:
		client.Subscribe(ChannelExecutions, Filters{})
	}

	select {
	case h.hub.register <- client:
	case <-h.hub.ctx.Done():
		conn.Close()
		return
	}

	client.Start()

	h.logger.Info("websocket connection established",
		logger.String("client_id", client.id),
		logger.String("operator", operator),
		logger.String("remote_addr", r.RemoteAddr),
	)
}

// HandleStats returns WebSocket statistics
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(h.hub.GetStats())
}
