package meeting

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/echobridge/echobridge/internal/ai"
	"github.com/echobridge/echobridge/internal/common/config"
	"github.com/echobridge/echobridge/internal/common/logger"
	"github.com/echobridge/echobridge/internal/wall"
)

const artifactPrefix = "[ARTIFACT]"
const passToken = "[PASS]"

type humanNote struct {
	text string
	from string
}

// OrchestratorParams bundles the dependencies of a meeting orchestrator.
type OrchestratorParams struct {
	RoomID    string
	Code      string
	SessionID string
	Config    Config
	HostName  string
	Settings  config.MeetingConfig

	Store       *Store
	Provider    ai.Provider
	Broadcaster Broadcaster
	Interpreter Interpreter
	WallPosts   *wall.Store
	Logger      *logger.Logger

	// OnClose runs once after finalization, used to drop the orchestrator
	// from the registry.
	OnClose func()
}

// Orchestrator drives one live meeting: it walks agents through rounds of
// turns, relays host input, persists every message before broadcasting it
// and finalizes the session when the meeting ends.
type Orchestrator struct {
	RoomID    string
	Code      string
	SessionID string

	topic    string
	task     string
	hostName string

	maxRounds int
	cooldown  time.Duration
	settings  config.MeetingConfig

	store       *Store
	provider    ai.Provider
	broadcaster Broadcaster
	interpreter Interpreter
	wallPosts   *wall.Store
	logger      *logger.Logger
	onClose     func()

	mu            sync.Mutex
	status        string
	agents        []Agent
	personas      map[string]string
	memoryContext string
	recentNotes   []string
	messages      []*Message
	directives    []string
	humanQueue    []humanNote
	sequence      int
	currentRound  int
	external      map[string]chan string
	stopRequested bool
	resumeCh      chan struct{}

	stopCh       chan struct{}
	done         chan struct{}
	cancel       context.CancelFunc
	finalizeOnce sync.Once
}

// NewOrchestrator builds an orchestrator in the waiting state.
func NewOrchestrator(p OrchestratorParams) *Orchestrator {
	maxRounds := p.Config.MaxRounds
	if maxRounds <= 0 {
		maxRounds = p.Settings.MaxRoundsDefault
	}
	cooldown := time.Duration(p.Config.CooldownSeconds * float64(time.Second))

	resumed := make(chan struct{})
	close(resumed)

	return &Orchestrator{
		RoomID:      p.RoomID,
		Code:        p.Code,
		SessionID:   p.SessionID,
		topic:       p.Config.Topic,
		task:        p.Config.TaskDescription,
		hostName:    p.HostName,
		maxRounds:   maxRounds,
		cooldown:    cooldown,
		settings:    p.Settings,
		store:       p.Store,
		provider:    p.Provider,
		broadcaster: p.Broadcaster,
		interpreter: p.Interpreter,
		wallPosts:   p.WallPosts,
		logger:      p.Logger.WithMeeting(p.Code),
		onClose:     p.OnClose,
		status:      StatusWaiting,
		agents:      append([]Agent(nil), p.Config.Agents...),
		personas:    make(map[string]string),
		external:    make(map[string]chan string),
		resumeCh:    resumed,
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start loads the meeting's context and launches the orchestration loop.
// Only a waiting meeting can start.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.status != StatusWaiting {
		status := o.status
		o.mu.Unlock()
		return fmt.Errorf("meeting cannot start from status '%s'", status)
	}
	o.mu.Unlock()

	o.loadPersonas(ctx)
	o.loadSeriesContext(ctx)

	runCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	go o.run(runCtx)
	return nil
}

func (o *Orchestrator) loadPersonas(ctx context.Context) {
	o.mu.Lock()
	agents := append([]Agent(nil), o.agents...)
	o.mu.Unlock()

	for _, agent := range agents {
		if agent.SocketID == "" {
			continue
		}
		name, prompt, err := o.store.SocketPersona(ctx, agent.SocketID)
		if err != nil {
			o.logger.Warn("Failed to load socket persona",
				zap.String("socket_id", agent.SocketID),
				zap.Error(err))
			continue
		}
		o.mu.Lock()
		o.personas[agent.Name] = socketPersonaBlock(name, prompt)
		o.mu.Unlock()
	}
}

func (o *Orchestrator) loadSeriesContext(ctx context.Context) {
	memory, err := o.store.MemoryContext(ctx, o.SessionID)
	if err != nil {
		o.logger.Warn("Failed to load series memory", zap.Error(err))
	}
	if max := o.settings.MemorySnippetChars; max > 0 {
		if runes := []rune(memory); len(runes) > max {
			memory = string(runes[:max])
		}
	}

	notes, err := o.store.RecentNotes(ctx, o.SessionID, o.settings.RecentNotesLimit)
	if err != nil {
		o.logger.Warn("Failed to load recent notes", zap.Error(err))
	}

	o.mu.Lock()
	o.memoryContext = memory
	o.recentNotes = notes
	o.mu.Unlock()
}

func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.done)
	defer o.finalize()

	o.setStatus(StatusActive)
	if err := o.store.UpdateRoomStatus(ctx, o.Code, StatusActive); err != nil {
		o.logger.Error("Failed to mark room active", zap.Error(err))
	}

	o.addStatus(ctx, "Meeting started. Topic: "+o.topic, true)
	if o.task != "" {
		o.addStatus(ctx, "Task: "+o.task, true)
	}

	consecutivePasses := 0
	idleThreshold := o.agentCount() * o.settings.IdlePassMultiplier

	for o.round() < o.maxRounds && !o.stopped() {
		if !o.awaitResume(ctx) {
			return
		}

		o.mu.Lock()
		o.currentRound++
		mentioned := scanMentions(o.messages, o.agents)
		order := turnOrder(append([]Agent(nil), o.agents...), mentioned)
		o.mu.Unlock()

		roundHadResponse := false
		for _, agent := range order {
			if o.stopped() {
				return
			}
			if !o.awaitResume(ctx) {
				return
			}

			// Human messages land between agent turns, not just between
			// rounds, and keep the meeting from going idle.
			if o.drainHumanQueue(ctx) > 0 {
				consecutivePasses = 0
			}

			o.broadcaster.BroadcastToMeeting(o.Code, map[string]interface{}{
				"type":       "agent_thinking",
				"agent_name": agent.Name,
			})

			response := o.runTurn(ctx, agent)

			o.broadcaster.BroadcastToMeeting(o.Code, map[string]interface{}{
				"type":       "agent_done",
				"agent_name": agent.Name,
			})

			if response != "" {
				if strings.HasPrefix(response, artifactPrefix) {
					content := strings.TrimSpace(strings.TrimPrefix(response, artifactPrefix))
					o.addMessage(ctx, agent.Name, "agent", MessageTypeArtifact, content, ContentTypeMarkdown, true)
				} else {
					o.addMessage(ctx, agent.Name, "agent", MessageTypeMessage, response, ContentTypePlain, true)
				}
				roundHadResponse = true
				consecutivePasses = 0

				if o.cooldown > 0 && !o.stopped() {
					o.sleep(ctx, o.cooldown)
				}
			} else {
				consecutivePasses++
			}
		}

		if !roundHadResponse && consecutivePasses >= idleThreshold {
			o.addStatus(ctx, "All agents have passed. Meeting ending due to idle.", true)
			return
		}
	}
}

// runTurn produces one agent's contribution, or "" when the agent passed,
// errored or timed out.
func (o *Orchestrator) runTurn(ctx context.Context, agent Agent) string {
	if agent.Type == AgentExternal {
		return o.runExternalTurn(ctx, agent)
	}

	o.mu.Lock()
	system := systemPrompt(agent, o.topic, o.task, o.personas[agent.Name], o.memoryContext, o.recentNotes, o.directives)
	conversation := conversationContext(o.messages, o.settings.MaxContextMessages)
	o.mu.Unlock()

	response, err := o.provider.GenerateText(ctx, ai.Request{
		SystemPrompt: system,
		UserPrompt:   fmt.Sprintf("Conversation so far:\n%s\n\nIt's your turn to speak.", conversation),
		Model:        agent.Model,
		Temperature:  0.7,
		MaxTokens:    512,
	})
	if err != nil {
		o.logger.Error("Agent turn failed",
			zap.String("agent_name", agent.Name),
			zap.Error(err))
		o.addStatus(ctx, fmt.Sprintf("Error getting response from %s: %s", agent.Name, truncate(err.Error(), 100)), true)
		return ""
	}

	response = strings.TrimSpace(response)
	if response == "" || response == passToken {
		return ""
	}
	return response
}

// runExternalTurn broadcasts a turn request and waits for the agent to
// answer over the stream or the respond endpoint. A timed-out turn leaves
// a status message that is broadcast but not persisted.
func (o *Orchestrator) runExternalTurn(ctx context.Context, agent Agent) string {
	ch := make(chan string, 1)

	o.mu.Lock()
	o.external[agent.Name] = ch
	conversation := conversationContext(o.messages, o.settings.MaxContextMessages)
	directives := append([]string{}, o.directives...)
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.external, agent.Name)
		o.mu.Unlock()
	}()

	o.broadcaster.BroadcastToMeeting(o.Code, map[string]interface{}{
		"type":         "turn_request",
		"agent_name":   agent.Name,
		"topic":        o.topic,
		"conversation": conversation,
		"directives":   directives,
	})

	timeout := o.settings.ExternalTurnTimeoutDuration()
	select {
	case response := <-ch:
		response = strings.TrimSpace(response)
		if response == "" || response == passToken {
			return ""
		}
		return response
	case <-time.After(timeout):
		o.addStatus(ctx, fmt.Sprintf("%s timed out (%ds). Skipping turn.", agent.Name, int(timeout.Seconds())), false)
		return ""
	case <-o.stopCh:
		return ""
	case <-ctx.Done():
		return ""
	}
}

// SubmitExternalResponse resolves a pending external turn. Returns false
// when no turn is waiting for that agent.
func (o *Orchestrator) SubmitExternalResponse(agentName, response string) bool {
	o.mu.Lock()
	ch, ok := o.external[agentName]
	o.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- response:
		return true
	default:
		return false
	}
}

// AddDirective records a host directive. It is injected into every future
// agent prompt and logged as a meeting message.
func (o *Orchestrator) AddDirective(ctx context.Context, text, from string) {
	o.mu.Lock()
	o.directives = append(o.directives, text)
	o.mu.Unlock()
	o.addMessage(ctx, from, "human", MessageTypeDirective, text, ContentTypePlain, true)
}

// AddHumanMessage queues a human message for injection before the next
// agent turn.
func (o *Orchestrator) AddHumanMessage(text, from string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.humanQueue = append(o.humanQueue, humanNote{text: text, from: from})
}

// AddAgent adds an agent to a running meeting. Duplicate names are ignored.
func (o *Orchestrator) AddAgent(ctx context.Context, agent Agent) bool {
	o.mu.Lock()
	for _, a := range o.agents {
		if a.Name == agent.Name {
			o.mu.Unlock()
			return false
		}
	}
	o.agents = append(o.agents, agent)
	o.mu.Unlock()

	if agent.SocketID != "" {
		name, prompt, err := o.store.SocketPersona(ctx, agent.SocketID)
		if err == nil {
			o.mu.Lock()
			o.personas[agent.Name] = socketPersonaBlock(name, prompt)
			o.mu.Unlock()
		}
	}

	o.addStatus(ctx, agent.Name+" has joined the meeting.", true)
	return true
}

// Pause halts the loop before the next turn. Only an active meeting can
// pause.
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status != StatusActive {
		return ErrNotActive
	}
	o.status = StatusPaused
	o.resumeCh = make(chan struct{})
	return nil
}

// Resume releases a paused meeting.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status == StatusPaused {
		o.status = StatusActive
		close(o.resumeCh)
	}
}

// Stop requests a graceful stop and waits for the loop to finalize. When
// the loop does not finish within the grace period it is cancelled; the
// finalizer still runs.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.stopRequested {
		o.stopRequested = true
		close(o.stopCh)
		if o.status == StatusPaused {
			o.status = StatusActive
			close(o.resumeCh)
		}
	}
	o.mu.Unlock()

	select {
	case <-o.done:
	case <-time.After(o.settings.StopGraceDuration()):
		if o.cancel != nil {
			o.cancel()
		}
		<-o.done
	}
}

// Status returns the current meeting status.
func (o *Orchestrator) Status() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Topic returns the meeting topic.
func (o *Orchestrator) Topic() string { return o.topic }

// TaskDescription returns the optional task framing.
func (o *Orchestrator) TaskDescription() string { return o.task }

// Directives returns a copy of the accumulated host directives.
func (o *Orchestrator) Directives() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string{}, o.directives...)
}

// ConversationContext renders the current conversation the way agents see
// it, for external agents polling instead of streaming.
func (o *Orchestrator) ConversationContext() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return conversationContext(o.messages, o.settings.MaxContextMessages)
}

// State reports the live meeting state.
func (o *Orchestrator) State() map[string]interface{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make([]string, 0, len(o.agents))
	for _, a := range o.agents {
		names = append(names, a.Name)
	}
	return map[string]interface{}{
		"status":          o.status,
		"current_round":   o.currentRound,
		"max_rounds":      o.maxRounds,
		"message_count":   len(o.messages),
		"agents":          names,
		"directive_count": len(o.directives),
	}
}

// addMessage appends a message with the next sequence number, persists it
// when asked and broadcasts it. Persistence happens before the broadcast
// so a delivered event is always durable.
func (o *Orchestrator) addMessage(ctx context.Context, sender, senderType, messageType, content, contentType string, persist bool) *Message {
	o.mu.Lock()
	o.sequence++
	msg := &Message{
		ID:          uuid.New().String(),
		RoomID:      o.RoomID,
		SenderName:  sender,
		SenderType:  senderType,
		MessageType: messageType,
		Content:     content,
		ContentType: contentType,
		Sequence:    o.sequence,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	o.messages = append(o.messages, msg)
	o.mu.Unlock()

	if persist {
		if err := o.store.InsertMessage(ctx, msg); err != nil {
			o.logger.Error("Failed to persist meeting message",
				zap.String("message_type", messageType),
				zap.Error(err))
		}
	}

	o.broadcaster.BroadcastToMeeting(o.Code, msg.broadcastPayload())
	return msg
}

func (o *Orchestrator) addStatus(ctx context.Context, content string, persist bool) {
	o.addMessage(ctx, "System", "system", MessageTypeStatus, content, ContentTypePlain, persist)
}

func (o *Orchestrator) drainHumanQueue(ctx context.Context) int {
	o.mu.Lock()
	queue := o.humanQueue
	o.humanQueue = nil
	o.mu.Unlock()

	for _, note := range queue {
		o.addMessage(ctx, note.from, "human", MessageTypeMessage, note.text, ContentTypePlain, true)
	}
	return len(queue)
}

func (o *Orchestrator) setStatus(status string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status = status
}

func (o *Orchestrator) stopped() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopRequested
}

func (o *Orchestrator) round() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentRound
}

func (o *Orchestrator) agentCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.agents)
}

// awaitResume blocks while the meeting is paused. Returns false when the
// meeting should exit instead of continuing.
func (o *Orchestrator) awaitResume(ctx context.Context) bool {
	o.mu.Lock()
	ch := o.resumeCh
	o.mu.Unlock()

	select {
	case <-ch:
	case <-o.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
	return !o.stopped()
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-o.stopCh:
	case <-ctx.Done():
	}
}

func truncate(s string, max int) string {
	if runes := []rune(s); len(runes) > max {
		return string(runes[:max])
	}
	return s
}
