package stream

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/echobridge/echobridge/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// Close codes for agent sockets.
const (
	CloseUnauthorized = 4001
	CloseKicked       = 4003
)

// Client represents a single WebSocket subscriber on a topic.
type Client struct {
	ID    string
	topic string

	conn    *websocket.Conn
	send    chan []byte
	manager *Manager
	gateway MeetingGateway
	logger  *logger.Logger

	mu              sync.RWMutex
	name            string
	participantType string
	agentName       string
	sendClosed      bool
}

// NewClient creates a client for an accepted WebSocket connection.
func NewClient(id, topic string, conn *websocket.Conn, manager *Manager, gateway MeetingGateway, log *logger.Logger) *Client {
	return &Client{
		ID:              id,
		topic:           topic,
		conn:            conn,
		send:            make(chan []byte, 256),
		manager:         manager,
		gateway:         gateway,
		participantType: "human",
		logger:          log.WithFields(zap.String("client_id", id), zap.String("topic", topic)),
	}
}

// SetIdentity tags the connection with participant metadata.
func (c *Client) SetIdentity(name, participantType, agentName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name != "" {
		c.name = name
	}
	if participantType != "" {
		c.participantType = participantType
	}
	if agentName != "" {
		c.agentName = agentName
	}
}

// AgentName returns the agent name this connection authenticated as, if any.
func (c *Client) AgentName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentName
}

// trySend queues data for the write pump without blocking. Returns false
// when the buffer is full or the send channel is closed.
func (c *Client) trySend(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sendClosed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend closes the send channel exactly once. The write pump then
// closes the underlying connection.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

// closeWithCode sends a close frame with the given code and closes the
// connection. WriteControl is safe to call concurrently with the write pump.
func (c *Client) closeWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.conn.Close()
}

// clientMessage is the envelope for client-to-server messages.
type clientMessage struct {
	Type            string `json:"type"`
	Name            string `json:"name"`
	ParticipantType string `json:"participant_type"`
	AgentName       string `json:"agent_name"`
	Text            string `json:"text"`
	FromName        string `json:"from_name"`
	Response        string `json:"response"`
}

// ReadPump pumps messages from the WebSocket connection into the manager
// and the meeting gateway.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.manager.Unsubscribe(c.topic, c)
		c.conn.Close()
		c.broadcastLeft()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("WebSocket read error", zap.Error(err))
			}
			break
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Warn("Failed to parse client message", zap.Error(err))
			continue
		}
		c.handleMessage(ctx, &msg, message)
	}
}

// handleMessage processes an incoming client message.
func (c *Client) handleMessage(ctx context.Context, msg *clientMessage, raw []byte) {
	switch msg.Type {
	case "identify":
		name := msg.Name
		if name == "" {
			name = "Unknown"
		}
		participantType := msg.ParticipantType
		if participantType == "" {
			participantType = "human"
		}
		c.SetIdentity(name, participantType, msg.AgentName)
		c.manager.Broadcast(c.topic, map[string]interface{}{
			"type":             "participant_joined",
			"name":             name,
			"participant_type": participantType,
		})

	case "transcript_chunk":
		// Host relays live transcript chunks to observers.
		var payload map[string]interface{}
		if err := json.Unmarshal(raw, &payload); err == nil {
			c.manager.Broadcast(c.topic, payload)
		}

	case "directive":
		code, ok := c.meetingCode()
		if !ok {
			return
		}
		from := msg.FromName
		if from == "" {
			from = "Host"
		}
		if err := c.gateway.AddDirective(ctx, code, msg.Text, from); err != nil {
			c.logger.Error("Failed to add directive",
				zap.String("meeting_code", code),
				zap.Error(err))
		}

	case "human_message":
		code, ok := c.meetingCode()
		if !ok {
			return
		}
		from := msg.FromName
		if from == "" {
			from = "Host"
		}
		c.gateway.AddHumanMessage(code, msg.Text, from)

	case "external_agent_response":
		code, ok := c.meetingCode()
		if !ok {
			return
		}
		if !c.gateway.SubmitExternalResponse(code, msg.AgentName, msg.Response) {
			c.logger.Warn("No pending external turn for agent",
				zap.String("meeting_code", code),
				zap.String("agent_name", msg.AgentName))
		}
	}
}

// meetingCode extracts the meeting code when this client is on a meeting
// topic. Directives and responses are ignored on room and session topics.
func (c *Client) meetingCode() (string, bool) {
	code, ok := strings.CutPrefix(c.topic, "meeting:")
	return code, ok && c.gateway != nil
}

// broadcastLeft announces a participant departure for identified clients.
func (c *Client) broadcastLeft() {
	c.mu.RLock()
	name := c.name
	participantType := c.participantType
	c.mu.RUnlock()
	if name == "" {
		return
	}
	c.manager.Broadcast(c.topic, map[string]interface{}{
		"type":             "participant_left",
		"name":             name,
		"participant_type": participantType,
	})
}

// WritePump pumps broadcast data to the WebSocket connection. Each event
// goes out as its own text frame so clients can JSON-decode frames
// directly.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
