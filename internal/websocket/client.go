package websocket

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/davidmoltin/record-automation/pkg/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Clients only send subscription requests
	maxMessageSize = 64 * 1024
)

// Client represents a WebSocket client connection
type Client struct {
	id            string
	operator      string
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]Filters
	mu            sync.RWMutex
	logger        *logger.Logger
	ctx           context.Context
	cancel        context.CancelFunc
	closeOnce     sync.Once
}

// NewClient creates a new WebSocket client
func NewClient(hub *Hub, conn *websocket.Conn, operator string, log *logger.Logger) *Client {
	ctx, cancel := context.WithCancel(hub.ctx)
	id := uuid.New().String()

	return &Client{
		id:            id,
		operator:      operator,
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]Filters),
		logger:        log.With(logger.String("client_id", id), logger.String("operator", operator)),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start starts the client's read and write goroutines
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

// Close closes the client connection. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
	})
}

// Subscribe adds a subscription for the client
func (c *Client) Subscribe(channel string, filters Filters) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.subscriptions[channel] = filters

	c.logger.Debug("client subscribed to channel",
		logger.String("channel", channel),
		logger.Any("filters", filters),
	)
}

// Unsubscribe removes a subscription for the client
func (c *Client) Unsubscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.subscriptions, channel)
}

// IsSubscribed checks if the client is subscribed to a channel
func (c *Client) IsSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, exists := c.subscriptions[channel]
	return exists
}

// wants reports whether any subscription matches the envelope
func (c *Client) wants(env *envelope) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for channel, filters := range c.subscriptions {
		switch {
		case channel == ChannelExecutions:
		case strings.HasPrefix(channel, executionPrefix):
			if strings.TrimPrefix(channel, executionPrefix) != env.ExecutionID {
				continue
			}
		case strings.HasPrefix(channel, rulePrefix):
			if env.RuleID == "" || strings.TrimPrefix(channel, rulePrefix) != env.RuleID {
				continue
			}
		default:
			continue
		}
		if filters.matches(env) {
			return true
		}
	}
	return false
}

func (f Filters) matches(env *envelope) bool {
	if f.empty() {
		return true
	}
	if len(f.RuleIDs) > 0 && !contains(f.RuleIDs, env.RuleID) {
		return false
	}
	if len(f.ExecutionIDs) > 0 && !contains(f.ExecutionIDs, env.ExecutionID) {
		return false
	}
	// log entries carry no execution status
	if len(f.Statuses) > 0 && env.Status != "" && !contains(f.Statuses, env.Status) {
		return false
	}
	return true
}

// readPump reads subscription requests until the connection fails
func (c *Client) readPump() {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, messageData, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", logger.Err(err))
			}
			return
		}

		c.handleMessage(messageData)
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

// handleMessage processes incoming messages from the client
func (c *Client) handleMessage(data []byte) {
	msg, err := ParseMessage(data)
	if err != nil {
		c.sendError("PARSE_ERROR", "Invalid message format")
		return
	}

	switch msg.Type {
	case MessageTypePing:
		c.reply(MessageTypePong, nil)

	case MessageTypeSubscribe, MessageTypeUnsubscribe:
		var subData SubscriptionData
		if err := json.Unmarshal(msg.Data, &subData); err != nil || !validChannel(subData.Channel) {
			c.sendError("INVALID_SUBSCRIPTION", "Invalid subscription data")
			return
		}
		if msg.Type == MessageTypeSubscribe {
			c.Subscribe(subData.Channel, subData.Filters)
			c.reply(MessageTypeSubscribed, map[string]string{"channel": subData.Channel})
			return
		}
		c.Unsubscribe(subData.Channel)
		c.reply(MessageTypeUnsubscribed, map[string]string{"channel": subData.Channel})

	default:
		c.sendError("UNKNOWN_TYPE", "Unknown message type")
	}
}

func validChannel(channel string) bool {
	switch {
	case channel == ChannelExecutions:
		return true
	case strings.HasPrefix(channel, executionPrefix):
		return len(channel) > len(executionPrefix)
	case strings.HasPrefix(channel, rulePrefix):
		return len(channel) > len(rulePrefix)
	}
	return false
}

func (c *Client) sendError(code, message string) {
	c.reply(MessageTypeError, ErrorData{Code: code, Message: message})
}

// reply queues a control message for this client only
func (c *Client) reply(msgType MessageType, data interface{}) {
	msg, err := NewMessage(msgType, data)
	if err != nil {
		return
	}
	payload, _ := msg.ToJSON()
	select {
	case c.send <- payload:
	default:
		c.logger.Warn("send channel full, dropping message", logger.String("type", string(msgType)))
	}
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
