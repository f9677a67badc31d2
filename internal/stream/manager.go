// Package stream provides the WebSocket layer for live meeting and
// transcript broadcasting. Connections subscribe to a topic key
// ("meeting:<code>", "room:<code>" or "session:<id>") and receive every
// event broadcast on that topic as a flat JSON object with a "type" field.
package stream

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/echobridge/echobridge/internal/common/logger"
)

// MeetingGateway is implemented by the meeting service. The stream layer
// forwards client-to-server messages on meeting sockets through it.
type MeetingGateway interface {
	// AddDirective records a host directive for a live meeting.
	AddDirective(ctx context.Context, code, text, from string) error

	// AddHumanMessage queues a human message for the next agent turn.
	AddHumanMessage(code, text, from string)

	// SubmitExternalResponse resolves a pending external agent turn.
	// Returns false when no turn is waiting for that agent.
	SubmitExternalResponse(code, agentName, response string) bool
}

// TokenVerifier authenticates agent sockets connecting with ?token=.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (agentName string, err error)
}

// Manager tracks WebSocket subscribers per topic and broadcasts events to
// them. Kicked agents are remembered per topic until the topic empties.
type Manager struct {
	mu     sync.RWMutex
	topics map[string]map[*Client]bool
	kicked map[string]map[string]bool

	logger *logger.Logger
}

// NewManager creates a stream manager.
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		topics: make(map[string]map[*Client]bool),
		kicked: make(map[string]map[string]bool),
		logger: log.WithFields(zap.String("component", "stream_manager")),
	}
}

// Subscribe adds a client to a topic's broadcast list.
func (m *Manager) Subscribe(topic string, client *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.topics[topic]; !ok {
		m.topics[topic] = make(map[*Client]bool)
	}
	m.topics[topic][client] = true

	m.logger.Debug("Client subscribed",
		zap.String("topic", topic),
		zap.String("client_id", client.ID))
}

// Unsubscribe removes a client from a topic. When the topic has no
// subscribers left its kick set is dropped as well.
func (m *Manager) Unsubscribe(topic string, client *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(topic, client)
}

func (m *Manager) removeLocked(topic string, client *Client) {
	clients, ok := m.topics[topic]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	client.closeSend()
	if len(clients) == 0 {
		delete(m.topics, topic)
		delete(m.kicked, topic)
	}
}

// Broadcast sends a payload to every subscriber of a topic. Connections
// whose send buffer is full are treated as dead and removed after the pass.
func (m *Manager) Broadcast(topic string, payload map[string]interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error("Failed to marshal broadcast payload",
			zap.String("topic", topic),
			zap.Error(err))
		return
	}

	m.mu.RLock()
	snapshot := make([]*Client, 0, len(m.topics[topic]))
	for client := range m.topics[topic] {
		snapshot = append(snapshot, client)
	}
	m.mu.RUnlock()

	var dead []*Client
	for _, client := range snapshot {
		if !client.trySend(data) {
			dead = append(dead, client)
		}
	}

	if len(dead) > 0 {
		m.mu.Lock()
		for _, client := range dead {
			m.removeLocked(topic, client)
		}
		m.mu.Unlock()
	}
}

// BroadcastToMeeting sends a payload on the meeting:<code> topic.
func (m *Manager) BroadcastToMeeting(code string, payload map[string]interface{}) {
	m.Broadcast("meeting:"+code, payload)
}

// BroadcastToRoom sends a payload on the room:<code> topic.
func (m *Manager) BroadcastToRoom(code string, payload map[string]interface{}) {
	m.Broadcast("room:"+code, payload)
}

// BroadcastToSession sends a payload on the session:<id> topic.
func (m *Manager) BroadcastToSession(id string, payload map[string]interface{}) {
	m.Broadcast("session:"+id, payload)
}

// SubscriberCount returns the number of subscribers on a topic.
func (m *Manager) SubscriberCount(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.topics[topic])
}

// KickAgent adds an agent to the topic's kick set and force-closes its
// connection. Subsequent connect attempts for that name are refused.
func (m *Manager) KickAgent(topic, agentName string) {
	m.mu.Lock()
	if _, ok := m.kicked[topic]; !ok {
		m.kicked[topic] = make(map[string]bool)
	}
	m.kicked[topic][agentName] = true

	var target *Client
	for client := range m.topics[topic] {
		if client.AgentName() == agentName {
			target = client
			break
		}
	}
	m.mu.Unlock()

	if target != nil {
		target.closeWithCode(CloseKicked, "kicked")
		m.Unsubscribe(topic, target)
	}

	m.logger.Info("Agent kicked",
		zap.String("topic", topic),
		zap.String("agent_name", agentName))
}

// IsKicked reports whether an agent has been kicked from a topic.
func (m *Manager) IsKicked(topic, agentName string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.kicked[topic][agentName]
}
