package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echobridge/echobridge/internal/common/logger"
)

type stubGateway struct {
	mu         sync.Mutex
	directives []string
	humanMsgs  []string
	responses  []string
	hasPending bool
}

func (g *stubGateway) AddDirective(ctx context.Context, code, text, from string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.directives = append(g.directives, fmt.Sprintf("%s|%s|%s", code, from, text))
	return nil
}

func (g *stubGateway) AddHumanMessage(code, text, from string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.humanMsgs = append(g.humanMsgs, fmt.Sprintf("%s|%s|%s", code, from, text))
}

func (g *stubGateway) SubmitExternalResponse(code, agentName, response string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.responses = append(g.responses, fmt.Sprintf("%s|%s|%s", code, agentName, response))
	return g.hasPending
}

type stubVerifier struct {
	name string
	err  error
}

func (v *stubVerifier) VerifyToken(ctx context.Context, token string) (string, error) {
	return v.name, v.err
}

func newTestServer(t *testing.T, gateway MeetingGateway, verifier TokenVerifier) (*Manager, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	manager := NewManager(log)
	handler := NewHandler(manager, gateway, verifier, log)

	router := gin.New()
	handler.RegisterRoutes(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return manager, srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &payload))
	return payload
}

func waitForSubscribers(t *testing.T, manager *Manager, topic string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if manager.SubscriberCount(topic) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("topic %s never reached %d subscribers", topic, want)
}

func TestIdentifyBroadcastsParticipantJoined(t *testing.T) {
	gateway := &stubGateway{}
	manager, srv := newTestServer(t, gateway, &stubVerifier{})

	observer := dial(t, wsURL(srv, "/api/stream/room/STANDX-0101"))
	participant := dial(t, wsURL(srv, "/api/stream/room/STANDX-0101"))
	waitForSubscribers(t, manager, "room:STANDX-0101", 2)

	require.NoError(t, participant.WriteJSON(map[string]interface{}{
		"type":             "identify",
		"name":             "Dana",
		"participant_type": "human",
	}))

	payload := readJSON(t, observer)
	assert.Equal(t, "participant_joined", payload["type"])
	assert.Equal(t, "Dana", payload["name"])
	assert.Equal(t, "human", payload["participant_type"])
}

func TestBroadcastReachesAllTopicSubscribers(t *testing.T) {
	m, srv := newTestServer(t, &stubGateway{}, &stubVerifier{})

	a := dial(t, wsURL(srv, "/api/stream/meeting/PLANX-0202"))
	b := dial(t, wsURL(srv, "/api/stream/meeting/PLANX-0202"))
	other := dial(t, wsURL(srv, "/api/stream/meeting/OTHER-0303"))
	waitForSubscribers(t, m, "meeting:PLANX-0202", 2)
	waitForSubscribers(t, m, "meeting:OTHER-0303", 1)

	m.BroadcastToMeeting("PLANX-0202", map[string]interface{}{
		"type": "agent_thinking",
		"name": "Scout",
	})

	for _, conn := range []*websocket.Conn{a, b} {
		payload := readJSON(t, conn)
		assert.Equal(t, "agent_thinking", payload["type"])
		assert.Equal(t, "Scout", payload["name"])
	}

	other.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, _, err := other.ReadMessage()
	assert.Error(t, err, "other topic must not receive the event")
}

func TestEachEventArrivesAsOwnFrame(t *testing.T) {
	m, srv := newTestServer(t, &stubGateway{}, &stubVerifier{})

	conn := dial(t, wsURL(srv, "/api/stream/meeting/RAPID-0404"))
	waitForSubscribers(t, m, "meeting:RAPID-0404", 1)

	// Fire a burst without waiting for reads so events queue up in the
	// client's send buffer. Every event must still arrive as a complete
	// JSON document in its own frame.
	for i := 0; i < 5; i++ {
		m.BroadcastToMeeting("RAPID-0404", map[string]interface{}{
			"type": "agent_message",
			"seq":  i,
		})
	}

	for i := 0; i < 5; i++ {
		payload := readJSON(t, conn)
		assert.Equal(t, "agent_message", payload["type"])
		assert.Equal(t, float64(i), payload["seq"])
	}
}

func TestMeetingSocketForwardsToGateway(t *testing.T) {
	gateway := &stubGateway{hasPending: true}
	manager, srv := newTestServer(t, gateway, &stubVerifier{})

	conn := dial(t, wsURL(srv, "/api/stream/meeting/STANDX-0101"))
	waitForSubscribers(t, manager, "meeting:STANDX-0101", 1)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "directive", "text": "wrap it up", "from_name": "Ana",
	}))
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "human_message", "text": "hello agents",
	}))
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "external_agent_response", "agent_name": "Scout", "response": "done",
	}))

	assert.Eventually(t, func() bool {
		gateway.mu.Lock()
		defer gateway.mu.Unlock()
		return len(gateway.directives) == 1 && len(gateway.humanMsgs) == 1 && len(gateway.responses) == 1
	}, 2*time.Second, 10*time.Millisecond)

	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	assert.Equal(t, "STANDX-0101|Ana|wrap it up", gateway.directives[0])
	assert.Equal(t, "STANDX-0101|Host|hello agents", gateway.humanMsgs[0], "missing from_name defaults to Host")
	assert.Equal(t, "STANDX-0101|Scout|done", gateway.responses[0])
}

func TestAgentSocketBadTokenClosedUnauthorized(t *testing.T) {
	verifier := &stubVerifier{err: fmt.Errorf("unknown token")}
	_, srv := newTestServer(t, &stubGateway{}, verifier)

	conn := dial(t, wsURL(srv, "/api/stream/meeting/STANDX-0101?token=scribe_sk_bogus"))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close error, got %v", err)
	assert.Equal(t, CloseUnauthorized, closeErr.Code)
}

func TestKickedAgentClosedAndRefused(t *testing.T) {
	verifier := &stubVerifier{name: "Scout"}
	manager, srv := newTestServer(t, &stubGateway{}, verifier)

	agent := dial(t, wsURL(srv, "/api/stream/meeting/STANDX-0101?token=scribe_sk_good"))
	// The observer keeps the topic alive; the kick set is dropped once a
	// topic has no subscribers left.
	dial(t, wsURL(srv, "/api/stream/meeting/STANDX-0101"))
	waitForSubscribers(t, manager, "meeting:STANDX-0101", 2)

	manager.KickAgent("meeting:STANDX-0101", "Scout")

	agent.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := agent.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close error, got %v", err)
	assert.Equal(t, CloseKicked, closeErr.Code)

	assert.True(t, manager.IsKicked("meeting:STANDX-0101", "Scout"))

	// Reconnect attempt for the same name is refused with the same code.
	retry := dial(t, wsURL(srv, "/api/stream/meeting/STANDX-0101?token=scribe_sk_good"))
	retry.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = retry.ReadMessage()
	closeErr, ok = err.(*websocket.CloseError)
	require.True(t, ok, "expected close error, got %v", err)
	assert.Equal(t, CloseKicked, closeErr.Code)
}

func TestObserverSocketIgnoresMeetingMessages(t *testing.T) {
	gateway := &stubGateway{}
	manager, srv := newTestServer(t, gateway, &stubVerifier{})

	conn := dial(t, wsURL(srv, "/api/stream/room/STANDX-0101"))
	waitForSubscribers(t, manager, "room:STANDX-0101", 1)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "directive", "text": "ignored on room topics",
	}))

	time.Sleep(100 * time.Millisecond)
	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	assert.Empty(t, gateway.directives)
}
