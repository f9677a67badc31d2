package meeting

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echobridge/echobridge/internal/ai"
	"github.com/echobridge/echobridge/internal/common/config"
	"github.com/echobridge/echobridge/internal/common/logger"
	"github.com/echobridge/echobridge/internal/db"
)

// scriptedProvider answers each agent (keyed by the request model) from a
// queue of canned responses, falling back to a fixed response when the
// queue runs dry.
type scriptedProvider struct {
	mu       sync.Mutex
	scripts  map[string][]string
	fallback string
	delay    time.Duration
}

func (p *scriptedProvider) GenerateText(ctx context.Context, req ai.Request) (string, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if queue := p.scripts[req.Model]; len(queue) > 0 {
		response := queue[0]
		p.scripts[req.Model] = queue[1:]
		return response, nil
	}
	if p.fallback != "" {
		return p.fallback, nil
	}
	return "[PASS]", nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

type recordedEvent struct {
	at      time.Time
	payload map[string]interface{}
}

// recordingBroadcaster captures every broadcast with a timestamp.
type recordingBroadcaster struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recordingBroadcaster) record(payload map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{at: time.Now(), payload: payload})
}

func (r *recordingBroadcaster) BroadcastToMeeting(code string, payload map[string]interface{}) {
	r.record(payload)
}
func (r *recordingBroadcaster) BroadcastToRoom(code string, payload map[string]interface{}) {
	r.record(payload)
}
func (r *recordingBroadcaster) BroadcastToSession(id string, payload map[string]interface{}) {
	r.record(payload)
}

func (r *recordingBroadcaster) ofType(eventType string) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []recordedEvent
	for _, e := range r.events {
		if e.payload["type"] == eventType {
			matched = append(matched, e)
		}
	}
	return matched
}

func (r *recordingBroadcaster) hasEvent(eventType string) bool {
	return len(r.ofType(eventType)) > 0
}

func testSettings() config.MeetingConfig {
	return config.MeetingConfig{
		CooldownSecondsDefault: 0,
		MaxRoundsDefault:       3,
		ExternalTurnTimeout:    1,
		StopGrace:              2,
		MaxContextMessages:     30,
		MemorySnippetChars:     3000,
		RecentNotesLimit:       3,
		IdlePassMultiplier:     2,
		MaxAgents:              8,
	}
}

type meetingFixture struct {
	service     *Service
	store       *Store
	broadcaster *recordingBroadcaster
	registry    *Registry
}

func newMeetingFixture(t *testing.T, provider ai.Provider, settings config.MeetingConfig) *meetingFixture {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	broadcaster := &recordingBroadcaster{}
	registry := NewRegistry()
	store := NewStore(database)
	service := NewService(store, registry, provider, broadcaster, nil, nil, settings, "http://localhost:8000", log)

	return &meetingFixture{
		service:     service,
		store:       store,
		broadcaster: broadcaster,
		registry:    registry,
	}
}

func (f *meetingFixture) waitClosed(t *testing.T, code string, timeout time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.registry.Get(code) == nil
	}, timeout, 10*time.Millisecond, "meeting did not finalize in time")
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }
func boolPtr(v bool) *bool        { return &v }

func TestMeetingAllPassClosesIdle(t *testing.T) {
	f := newMeetingFixture(t, &scriptedProvider{}, testSettings())
	ctx := context.Background()

	created, _, err := f.service.Create(ctx, CreateRequest{
		Topic: "Roadmap",
		Agents: []Agent{
			{Name: "A", Type: AgentInternal, Model: "A"},
			{Name: "B", Type: AgentInternal, Model: "B"},
		},
		CooldownSeconds: floatPtr(0.1),
		MaxRounds:       intPtr(3),
	}, "Host", "")
	require.NoError(t, err)

	f.waitClosed(t, created.Code, 5*time.Second)

	room, err := f.store.GetRoom(ctx, created.Code)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, room.Status)
	assert.Contains(t, room.TranscriptLog, "[System]: Meeting started. Topic: Roadmap")

	session, err := f.store.Session(ctx, created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "complete", session.Status)

	ended := f.broadcaster.ofType("meeting_ended")
	require.Len(t, ended, 1)
	assert.LessOrEqual(t, ended[0].payload["rounds"].(int), 3)

	// Exactly one completion event per meeting.
	var completions int
	require.NoError(t, f.store.db.Get(&completions,
		`SELECT COUNT(*) FROM session_events WHERE session_id = ? AND event_type = 'session.complete'`,
		created.SessionID))
	assert.Equal(t, 1, completions)

	// Persisted sequence numbers are dense 1..N, and every broadcast
	// message matches a stored row.
	messages, err := f.store.Messages(ctx, created.RoomID)
	require.NoError(t, err)
	stored := make(map[int]string, len(messages))
	for i, msg := range messages {
		assert.Equal(t, i+1, msg.Sequence)
		stored[msg.Sequence] = msg.Content
	}
	for _, e := range f.broadcaster.ofType("meeting_message") {
		seq := e.payload["sequence_number"].(int)
		assert.Equal(t, stored[seq], e.payload["content"])
	}
}

func TestMentionPriorityReordersNextRound(t *testing.T) {
	provider := &scriptedProvider{scripts: map[string][]string{
		"A": {"Let's ask @C about this."},
		"C": {"[PASS]", "My answer."},
	}}
	f := newMeetingFixture(t, provider, testSettings())
	ctx := context.Background()

	created, _, err := f.service.Create(ctx, CreateRequest{
		Topic: "Priorities",
		Agents: []Agent{
			{Name: "A", Type: AgentInternal, Model: "A"},
			{Name: "B", Type: AgentInternal, Model: "B"},
			{Name: "C", Type: AgentInternal, Model: "C"},
		},
		MaxRounds: intPtr(2),
	}, "Host", "")
	require.NoError(t, err)

	f.waitClosed(t, created.Code, 5*time.Second)

	// Round 1 runs in creation order, round 2 schedules the mentioned
	// agent first.
	var thinking []string
	for _, e := range f.broadcaster.ofType("agent_thinking") {
		thinking = append(thinking, e.payload["agent_name"].(string))
	}
	require.Equal(t, []string{"A", "B", "C", "C", "A", "B"}, thinking)

	messages, err := f.store.Messages(ctx, created.RoomID)
	require.NoError(t, err)
	var spoken []string
	for _, msg := range messages {
		if msg.MessageType == MessageTypeMessage && msg.SenderType == "agent" {
			spoken = append(spoken, msg.SenderName)
		}
	}
	assert.Equal(t, []string{"A", "C"}, spoken)
}

func TestExternalTurnTimesOut(t *testing.T) {
	f := newMeetingFixture(t, &scriptedProvider{}, testSettings())
	ctx := context.Background()

	created, _, err := f.service.Create(ctx, CreateRequest{
		Topic: "Standup",
		Agents: []Agent{
			{Name: "Internal", Type: AgentInternal, Model: "Internal"},
			{Name: "External", Type: AgentExternal},
		},
		MaxRounds: intPtr(3),
	}, "Host", "")
	require.NoError(t, err)

	f.waitClosed(t, created.Code, 10*time.Second)

	var timedOut bool
	for _, e := range f.broadcaster.ofType("meeting_message") {
		if content, _ := e.payload["content"].(string); strings.Contains(content, "External timed out") {
			timedOut = true
		}
	}
	assert.True(t, timedOut, "expected a timeout status message")

	// Timeout notices are broadcast but never persisted.
	messages, err := f.store.Messages(ctx, created.RoomID)
	require.NoError(t, err)
	for _, msg := range messages {
		assert.NotContains(t, msg.Content, "timed out")
	}

	room, err := f.store.GetRoom(ctx, created.Code)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, room.Status)
}

func TestExternalResponseLandsInTranscript(t *testing.T) {
	f := newMeetingFixture(t, &scriptedProvider{}, testSettings())
	ctx := context.Background()

	created, _, err := f.service.Create(ctx, CreateRequest{
		Topic: "Handoff",
		Agents: []Agent{
			{Name: "Internal", Type: AgentInternal, Model: "Internal"},
			{Name: "External", Type: AgentExternal},
		},
		MaxRounds: intPtr(2),
	}, "Host", "")
	require.NoError(t, err)

	// Answer the first turn request, then let later ones time out.
	go func() {
		for i := 0; i < 500; i++ {
			if f.broadcaster.hasEvent("turn_request") {
				f.service.Respond(created.Code, "External", "ok")
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	f.waitClosed(t, created.Code, 10*time.Second)

	room, err := f.store.GetRoom(ctx, created.Code)
	require.NoError(t, err)
	assert.Contains(t, room.TranscriptLog, "[External]: ok")

	messages, err := f.store.Messages(ctx, created.RoomID)
	require.NoError(t, err)
	var found bool
	for _, msg := range messages {
		if msg.SenderName == "External" && msg.Content == "ok" {
			found = true
			assert.Equal(t, MessageTypeMessage, msg.MessageType)
		}
	}
	assert.True(t, found)
}

func TestDynamicJoinMidMeeting(t *testing.T) {
	provider := &scriptedProvider{fallback: "Still thinking about the topic.", delay: 50 * time.Millisecond}
	settings := testSettings()
	settings.MaxRoundsDefault = 20
	f := newMeetingFixture(t, provider, settings)
	ctx := context.Background()

	created, _, err := f.service.Create(ctx, CreateRequest{
		Topic:     "Expansion",
		Agents:    []Agent{{Name: "A", Type: AgentInternal, Model: "A"}},
		AutoStart: boolPtr(false),
	}, "Host", "")
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, created.Status)

	require.NoError(t, f.service.Start(ctx, created.Code))
	require.Eventually(t, func() bool {
		o := f.registry.Get(created.Code)
		return o != nil && o.Status() == StatusActive
	}, 2*time.Second, 10*time.Millisecond)

	result, err := f.service.Join(ctx, created.Code, "B")
	require.NoError(t, err)
	assert.Equal(t, "B", result.AgentName)

	// Joining twice is rejected.
	_, err = f.service.Join(ctx, created.Code, "B")
	assert.ErrorIs(t, err, ErrAlreadyParticipant)

	// The scheduler picks B up on a following round.
	require.Eventually(t, func() bool {
		for _, e := range f.broadcaster.ofType("turn_request") {
			if e.payload["agent_name"] == "B" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, f.service.Stop(created.Code))
	f.waitClosed(t, created.Code, 5*time.Second)

	room, err := f.store.GetRoom(ctx, created.Code)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, room.Status)
	assert.Contains(t, room.TranscriptLog, "[System]: B has joined the meeting.")
}

func TestArtifactResponsesRenderAsMarkdown(t *testing.T) {
	provider := &scriptedProvider{scripts: map[string][]string{
		"A": {"[ARTIFACT] # Findings\n- one\n- two"},
	}}
	f := newMeetingFixture(t, provider, testSettings())
	ctx := context.Background()

	created, _, err := f.service.Create(ctx, CreateRequest{
		Topic:     "Research",
		Agents:    []Agent{{Name: "A", Type: AgentInternal, Model: "A"}},
		MaxRounds: intPtr(1),
	}, "Host", "")
	require.NoError(t, err)

	f.waitClosed(t, created.Code, 5*time.Second)

	messages, err := f.store.Messages(ctx, created.RoomID)
	require.NoError(t, err)
	var artifact *Message
	for _, msg := range messages {
		if msg.MessageType == MessageTypeArtifact {
			artifact = msg
		}
	}
	require.NotNil(t, artifact)
	assert.Equal(t, ContentTypeMarkdown, artifact.ContentType)
	assert.Equal(t, "# Findings\n- one\n- two", artifact.Content)
}

func TestCooldownSpacesTurns(t *testing.T) {
	provider := &scriptedProvider{fallback: "More thoughts."}
	f := newMeetingFixture(t, provider, testSettings())
	ctx := context.Background()

	created, _, err := f.service.Create(ctx, CreateRequest{
		Topic: "Pacing",
		Agents: []Agent{
			{Name: "A", Type: AgentInternal, Model: "A"},
			{Name: "B", Type: AgentInternal, Model: "B"},
		},
		CooldownSeconds: floatPtr(0.2),
		MaxRounds:       intPtr(1),
	}, "Host", "")
	require.NoError(t, err)

	f.waitClosed(t, created.Code, 5*time.Second)

	// B's thinking indicator must trail A's message by at least the
	// cooldown, minus scheduler slack.
	var aSpoke time.Time
	for _, e := range f.broadcaster.ofType("meeting_message") {
		if e.payload["sender_name"] == "A" && e.payload["message_type"] == MessageTypeMessage {
			aSpoke = e.at
		}
	}
	require.False(t, aSpoke.IsZero())

	for _, e := range f.broadcaster.ofType("agent_thinking") {
		if e.payload["agent_name"] == "B" {
			assert.GreaterOrEqual(t, e.at.Sub(aSpoke), 150*time.Millisecond)
		}
	}
}

func TestGatewayDirectiveAndHumanMessage(t *testing.T) {
	provider := &scriptedProvider{fallback: "Noted.", delay: 50 * time.Millisecond}
	settings := testSettings()
	settings.MaxRoundsDefault = 20
	f := newMeetingFixture(t, provider, settings)
	ctx := context.Background()

	created, _, err := f.service.Create(ctx, CreateRequest{
		Topic:  "Steering",
		Agents: []Agent{{Name: "A", Type: AgentInternal, Model: "A"}},
	}, "Host", "")
	require.NoError(t, err)

	require.NoError(t, f.service.AddDirective(ctx, created.Code, "Focus on costs", "Host"))
	f.service.AddHumanMessage(created.Code, "What about Q3?", "Host")

	require.Eventually(t, func() bool {
		messages, err := f.store.Messages(ctx, created.RoomID)
		if err != nil {
			return false
		}
		var directive, human bool
		for _, msg := range messages {
			if msg.MessageType == MessageTypeDirective && msg.Content == "Focus on costs" {
				directive = true
			}
			if msg.SenderType == "human" && msg.Content == "What about Q3?" {
				human = true
			}
		}
		return directive && human
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, f.service.Stop(created.Code))
	f.waitClosed(t, created.Code, 5*time.Second)

	// Gateway calls for a finished meeting are rejected or dropped.
	assert.ErrorIs(t, f.service.AddDirective(ctx, created.Code, "too late", "Host"), ErrNoActiveMeeting)
	assert.False(t, f.service.SubmitExternalResponse(created.Code, "A", "too late"))
}

func TestPauseBlocksTurnsUntilResume(t *testing.T) {
	provider := &scriptedProvider{fallback: "Progress.", delay: 20 * time.Millisecond}
	settings := testSettings()
	settings.MaxRoundsDefault = 50
	f := newMeetingFixture(t, provider, settings)
	ctx := context.Background()

	created, _, err := f.service.Create(ctx, CreateRequest{
		Topic:  "Throttle",
		Agents: []Agent{{Name: "A", Type: AgentInternal, Model: "A"}},
	}, "Host", "")
	require.NoError(t, err)

	o := f.registry.Get(created.Code)
	require.NotNil(t, o)
	require.Eventually(t, func() bool { return o.Status() == StatusActive }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.service.Pause(created.Code))
	require.Equal(t, StatusPaused, o.Status())

	// Pausing again is a state error; the meeting is no longer active.
	assert.ErrorIs(t, f.service.Pause(created.Code), ErrNotActive)
	require.Equal(t, StatusPaused, o.Status())

	before := len(f.broadcaster.ofType("agent_thinking"))
	time.Sleep(200 * time.Millisecond)
	after := len(f.broadcaster.ofType("agent_thinking"))
	// At most the turn already in flight completes; no new turns start.
	assert.LessOrEqual(t, after-before, 1)

	require.NoError(t, f.service.Resume(created.Code))
	require.Eventually(t, func() bool {
		return len(f.broadcaster.ofType("agent_thinking")) > after
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.service.Stop(created.Code))
	f.waitClosed(t, created.Code, 5*time.Second)
}
