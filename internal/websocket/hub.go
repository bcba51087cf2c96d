package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/davidmoltin/record-automation/internal/models"
	"github.com/davidmoltin/record-automation/pkg/logger"
	"github.com/davidmoltin/record-automation/pkg/metrics"
)

const redisChannel = "automation:executions"

// Hub maintains the set of active clients and fans execution updates out to them.
// It implements engine.ExecutionObserver.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *envelope
	outbound   chan *envelope

	// Redis fans updates out to the other API instances
	redisClient *redis.Client
	redisPubSub *redis.PubSub
	instanceID  string

	// rule of each live execution so log events can be filtered by rule
	ruleOf   map[string]string
	ruleOfMu sync.Mutex

	logger *logger.Logger
	mu     sync.RWMutex

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// envelope is the unit carried through the hub and over Redis
type envelope struct {
	Origin      string   `json:"origin"`
	Message     *Message `json:"message"`
	RuleID      string   `json:"rule_id,omitempty"`
	ExecutionID string   `json:"execution_id"`
	Status      string   `json:"status,omitempty"`
}

// NewHub creates a new Hub. redisClient may be nil for a single instance.
func NewHub(redisClient *redis.Client, log *logger.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())

	return &Hub{
		clients:     make(map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *envelope, 256),
		outbound:    make(chan *envelope, 256),
		redisClient: redisClient,
		instanceID:  uuid.New().String(),
		ruleOf:      make(map[string]string),
		logger:      log.WithComponent("websocket_hub"),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start starts the hub
func (h *Hub) Start() error {
	if h.redisClient != nil {
		h.redisPubSub = h.redisClient.Subscribe(h.ctx, redisChannel)
		if _, err := h.redisPubSub.Receive(h.ctx); err != nil {
			h.redisPubSub.Close()
			h.redisPubSub = nil
			return err
		}
		go h.handleRedisPubSub()
		go h.publishLoop()
	}

	go h.run()

	h.logger.Info("WebSocket hub started", logger.String("instance_id", h.instanceID))
	return nil
}

// Stop disconnects every client and stops the hub
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		h.cancel()

		if h.redisPubSub != nil {
			h.redisPubSub.Close()
		}

		h.mu.Lock()
		for client := range h.clients {
			client.cancel()
			delete(h.clients, client)
			metrics.WebsocketClients.Dec()
		}
		h.mu.Unlock()

		h.logger.Info("WebSocket hub stopped")
	})
}

func (h *Hub) run() {
	for {
		select {
		case <-h.ctx.Done():
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case env := <-h.broadcast:
			h.deliver(env)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client] = true
	metrics.WebsocketClients.Inc()

	h.logger.Info("client registered",
		logger.String("client_id", client.id),
		logger.String("operator", client.operator),
		logger.Int("total_clients", len(h.clients)),
	)
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	metrics.WebsocketClients.Dec()

	h.logger.Info("client unregistered",
		logger.String("client_id", client.id),
		logger.Int("total_clients", len(h.clients)),
	)
}

// deliver sends an envelope to every local client whose subscriptions match
func (h *Hub) deliver(env *envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	data, err := env.Message.ToJSON()
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", logger.Err(err))
		return
	}

	sent := 0
	for client := range h.clients {
		if !client.wants(env) {
			continue
		}
		select {
		case client.send <- data:
			sent++
		default:
			h.logger.Warn("client send channel full, closing connection", logger.String("client_id", client.id))
			go client.Close()
		}
	}

	h.logger.Debug("broadcast message sent",
		logger.String("type", string(env.Message.Type)),
		logger.String("execution_id", env.ExecutionID),
		logger.Int("recipients", sent),
	)
}

// broadcastLocal queues an envelope for local clients without blocking
func (h *Hub) broadcastLocal(env *envelope) {
	select {
	case h.broadcast <- env:
	default:
		h.logger.Warn("broadcast channel full, dropping message", logger.String("execution_id", env.ExecutionID))
	}
}

// Broadcast sends a message to local clients and, through Redis, to other instances
func (h *Hub) Broadcast(env *envelope) {
	if h.ctx.Err() != nil {
		return
	}
	env.Origin = h.instanceID
	h.broadcastLocal(env)

	if h.redisPubSub == nil {
		return
	}
	select {
	case h.outbound <- env:
	default:
		h.logger.Warn("redis outbound channel full, dropping message", logger.String("execution_id", env.ExecutionID))
	}
}

func (h *Hub) publishLoop() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case env := <-h.outbound:
			data, err := json.Marshal(env)
			if err != nil {
				h.logger.Error("failed to marshal broadcast message for Redis", logger.Err(err))
				continue
			}
			if err := h.redisClient.Publish(h.ctx, redisChannel, data).Err(); err != nil && h.ctx.Err() == nil {
				h.logger.Error("failed to publish to Redis", logger.Err(err))
			}
		}
	}
}

func (h *Hub) handleRedisPubSub() {
	ch := h.redisPubSub.Channel()

	for {
		select {
		case <-h.ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.receiveRemote(msg.Payload)
		}
	}
}

// receiveRemote delivers an envelope published by another instance
func (h *Hub) receiveRemote(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		h.logger.Error("failed to unmarshal Redis message", logger.Err(err))
		return
	}
	// our own publications were already delivered locally
	if env.Origin == h.instanceID || env.Message == nil {
		return
	}
	h.broadcastLocal(&env)
}

// ExecutionUpdated streams an execution.updated message
func (h *Hub) ExecutionUpdated(exec *models.Execution) {
	data := NewExecutionEventData(exec)

	h.ruleOfMu.Lock()
	if exec.IsTerminal() {
		delete(h.ruleOf, data.ExecutionID)
	} else {
		h.ruleOf[data.ExecutionID] = data.RuleID
	}
	h.ruleOfMu.Unlock()

	message, err := NewMessage(MessageTypeExecutionUpdated, data)
	if err != nil {
		h.logger.Error("failed to create execution event message", logger.Err(err))
		return
	}
	h.Broadcast(&envelope{
		Message:     message,
		RuleID:      data.RuleID,
		ExecutionID: data.ExecutionID,
		Status:      data.Status,
	})
}

// LogEntryAppended streams an execution.log message
func (h *Hub) LogEntryAppended(entry *models.ExecutionLogEntry) {
	data := NewLogEventData(entry)

	h.ruleOfMu.Lock()
	ruleID := h.ruleOf[data.ExecutionID]
	h.ruleOfMu.Unlock()

	message, err := NewMessage(MessageTypeExecutionLog, data)
	if err != nil {
		h.logger.Error("failed to create log event message", logger.Err(err))
		return
	}
	h.Broadcast(&envelope{
		Message:     message,
		RuleID:      ruleID,
		ExecutionID: data.ExecutionID,
	})
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetStats returns hub statistics
func (h *Hub) GetStats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"instance_id":   h.instanceID,
		"total_clients": len(h.clients),
		"distributed":   h.redisPubSub != nil,
		"queued":        len(h.broadcast),
	}
}
