package meeting

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/echobridge/echobridge/internal/ai"
	"github.com/echobridge/echobridge/internal/common/config"
	"github.com/echobridge/echobridge/internal/common/logger"
	"github.com/echobridge/echobridge/internal/wall"
)

// Service errors mapped onto HTTP statuses by the handler.
var (
	ErrNotAgentMeeting    = errors.New("not an agent meeting")
	ErrMeetingClosed      = errors.New("meeting is already closed")
	ErrAlreadyParticipant = errors.New("already a participant in this meeting")
	ErrNoActiveMeeting    = errors.New("no active meeting found for this room")
	ErrNoPendingTurn      = errors.New("no pending turn for this agent")
	ErrNotActive          = errors.New("meeting is not active")
)

// Service is the meeting application layer. It owns meeting creation,
// lifecycle control and the gateway the stream layer forwards host input
// through.
type Service struct {
	store       *Store
	registry    *Registry
	provider    ai.Provider
	broadcaster Broadcaster
	interpreter Interpreter
	wallPosts   *wall.Store
	settings    config.MeetingConfig
	baseURL     string
	logger      *logger.Logger
}

// NewService creates the meeting service. Interpreter and wallPosts may be
// nil; the corresponding finalization steps are skipped.
func NewService(
	store *Store,
	registry *Registry,
	provider ai.Provider,
	broadcaster Broadcaster,
	interpreter Interpreter,
	wallPosts *wall.Store,
	settings config.MeetingConfig,
	baseURL string,
	log *logger.Logger,
) *Service {
	return &Service{
		store:       store,
		registry:    registry,
		provider:    provider,
		broadcaster: broadcaster,
		interpreter: interpreter,
		wallPosts:   wallPosts,
		settings:    settings,
		baseURL:     strings.TrimRight(baseURL, "/"),
		logger:      log.WithFields(zap.String("component", "meeting_service")),
	}
}

// CreateRequest describes a meeting to create. Zero-valued knobs fall back
// to the configured defaults.
type CreateRequest struct {
	Topic           string   `json:"topic"`
	TaskDescription string   `json:"task_description"`
	Agents          []Agent  `json:"agents"`
	CooldownSeconds *float64 `json:"cooldown_seconds"`
	MaxRounds       *int     `json:"max_rounds"`
	Title           string   `json:"title"`
	AutoStart       *bool    `json:"auto_start"`
}

// Create sets up a meeting room, announces it on the wall and, unless
// auto-start is disabled, launches the orchestration loop. When no agents
// are given the creator joins as a lone external participant.
func (s *Service) Create(ctx context.Context, req CreateRequest, creatorName, creatorKeyID string) (*CreatedMeeting, string, error) {
	agents := req.Agents
	if len(agents) == 0 {
		agents = []Agent{{Name: creatorName, Type: AgentExternal}}
	}
	for i := range agents {
		if agents[i].Type == "" {
			agents[i].Type = AgentInternal
		}
	}

	cooldown := s.settings.CooldownSecondsDefault
	if req.CooldownSeconds != nil {
		cooldown = *req.CooldownSeconds
	}
	maxRounds := s.settings.MaxRoundsDefault
	if req.MaxRounds != nil {
		maxRounds = *req.MaxRounds
	}

	cfg := Config{
		Topic:           req.Topic,
		TaskDescription: req.TaskDescription,
		Agents:          agents,
		CooldownSeconds: cooldown,
		MaxRounds:       maxRounds,
	}

	created, err := s.store.CreateMeeting(ctx, cfg, creatorName, req.Title)
	if err != nil {
		return nil, "", err
	}
	joinURL := s.baseURL + "/meeting/" + created.Code

	if s.wallPosts != nil {
		if err := s.announceMeeting(ctx, created, req.TaskDescription, joinURL, creatorName, creatorKeyID); err != nil {
			s.logger.Warn("Failed to announce meeting on wall",
				zap.String("code", created.Code),
				zap.Error(err))
		}
	}

	autoStart := true
	if req.AutoStart != nil {
		autoStart = *req.AutoStart
	}
	if autoStart {
		if err := s.Start(ctx, created.Code); err != nil {
			return nil, "", fmt.Errorf("failed to auto-start meeting: %w", err)
		}
		created.Status = StatusActive
	}

	return created, joinURL, nil
}

// announceMeeting posts the join code on the agent wall so other agents
// can discover and join the meeting.
func (s *Service) announceMeeting(ctx context.Context, created *CreatedMeeting, task, joinURL, creatorName, creatorKeyID string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "I just created a meeting: **%s**\n\n", created.Topic)
	fmt.Fprintf(&b, "Join code: `%s`\n", created.Code)
	if task != "" {
		fmt.Fprintf(&b, "Task: %s\n", task)
	}
	fmt.Fprintf(&b, "\nJoin: %s", joinURL)
	fmt.Fprintf(&b, "\nAPI: `POST /api/v1/meetings/%s/join`", created.Code)

	_, err := s.wallPosts.Create(ctx, creatorName, creatorKeyID, b.String(), wall.PostTypePost, nil)
	return err
}

// Start launches the orchestration loop for a waiting meeting.
func (s *Service) Start(ctx context.Context, code string) error {
	room, err := s.store.GetRoom(ctx, code)
	if err != nil {
		return err
	}
	if room.Mode != "agent_meeting" {
		return ErrNotAgentMeeting
	}
	if room.Status != StatusWaiting {
		return fmt.Errorf("meeting cannot start from status '%s'", room.Status)
	}

	orchestrator := NewOrchestrator(OrchestratorParams{
		RoomID:      room.ID,
		Code:        room.Code,
		SessionID:   room.SessionID,
		Config:      room.Config,
		HostName:    room.HostName,
		Settings:    s.settings,
		Store:       s.store,
		Provider:    s.provider,
		Broadcaster: s.broadcaster,
		Interpreter: s.interpreter,
		WallPosts:   s.wallPosts,
		Logger:      s.logger,
		OnClose:     func() { s.registry.Remove(room.Code) },
	})

	if err := s.registry.Register(orchestrator); err != nil {
		return err
	}
	if err := orchestrator.Start(ctx); err != nil {
		s.registry.Remove(room.Code)
		return err
	}

	s.logger.Info("Meeting started",
		zap.String("code", room.Code),
		zap.String("topic", room.Config.Topic),
		zap.Int("agents", len(room.Config.Agents)))
	return nil
}

// JoinResult is returned when an agent joins a meeting.
type JoinResult struct {
	Code          string `json:"code"`
	AgentName     string `json:"agent_name"`
	MeetingStatus string `json:"meeting_status"`
	Topic         string `json:"topic"`
}

// Join adds an external agent to a meeting. A running meeting picks the
// agent up on the next round.
func (s *Service) Join(ctx context.Context, code, agentName string) (*JoinResult, error) {
	room, err := s.store.GetRoom(ctx, code)
	if err != nil {
		return nil, err
	}
	if room.Mode != "agent_meeting" {
		return nil, ErrNotAgentMeeting
	}
	if room.Status == StatusClosed {
		return nil, ErrMeetingClosed
	}
	for _, p := range room.Participants {
		if p.Name == agentName {
			return nil, ErrAlreadyParticipant
		}
	}

	agent := Agent{Name: agentName, Type: AgentExternal}
	if err := s.store.AddExternalParticipant(ctx, room, agent); err != nil {
		return nil, err
	}

	if o := s.registry.Get(code); o != nil {
		if status := o.Status(); status == StatusActive || status == StatusPaused {
			o.AddAgent(ctx, agent)
		}
	}

	return &JoinResult{
		Code:          code,
		AgentName:     agentName,
		MeetingStatus: room.Status,
		Topic:         room.Config.Topic,
	}, nil
}

// Events returns the session activity feed, newest first.
func (s *Service) Events(ctx context.Context, since string, limit int) ([]*SessionEvent, error) {
	return s.store.SessionEvents(ctx, since, limit)
}

// List lists agent meetings, optionally filtered by status.
func (s *Service) List(ctx context.Context, status string) ([]*Summary, error) {
	return s.store.ListMeetings(ctx, status)
}

// Get loads a meeting room by code.
func (s *Service) Get(ctx context.Context, code string) (*Room, error) {
	room, err := s.store.GetRoom(ctx, code)
	if err != nil {
		return nil, err
	}
	if room.Mode != "agent_meeting" {
		return nil, ErrNotAgentMeeting
	}
	return room, nil
}

// Respond submits an external agent's answer to its pending turn.
func (s *Service) Respond(code, agentName, response string) error {
	o := s.registry.Get(code)
	if o == nil {
		return ErrNoActiveMeeting
	}
	if !o.SubmitExternalResponse(agentName, response) {
		return ErrNoPendingTurn
	}
	return nil
}

// ContextSnapshot returns the live conversation context for agents polling
// instead of streaming.
func (s *Service) ContextSnapshot(code string) (map[string]interface{}, error) {
	o := s.registry.Get(code)
	if o == nil {
		return nil, ErrNoActiveMeeting
	}
	return map[string]interface{}{
		"topic":            o.Topic(),
		"task_description": o.TaskDescription(),
		"directives":       o.Directives(),
		"conversation":     o.ConversationContext(),
		"state":            o.State(),
	}, nil
}

// Pause pauses a running meeting before its next turn. Pausing a meeting
// that is not active is an error; resuming a non-paused one is not.
func (s *Service) Pause(code string) error {
	o := s.registry.Get(code)
	if o == nil {
		return ErrNoActiveMeeting
	}
	return o.Pause()
}

// Resume releases a paused meeting.
func (s *Service) Resume(code string) error {
	o := s.registry.Get(code)
	if o == nil {
		return ErrNoActiveMeeting
	}
	o.Resume()
	return nil
}

// Stop gracefully ends a running meeting and waits for finalization.
func (s *Service) Stop(code string) error {
	o := s.registry.Get(code)
	if o == nil {
		return ErrNoActiveMeeting
	}
	o.Stop()
	return nil
}

// Shutdown stops every live meeting in parallel and waits for them to
// finalize. Used on server shutdown so running meetings still write their
// transcripts.
func (s *Service) Shutdown() {
	var g errgroup.Group
	for _, o := range s.registry.All() {
		o := o
		g.Go(func() error {
			o.Stop()
			return nil
		})
	}
	g.Wait()
}

// AddDirective implements the stream gateway: host directives arriving on
// a meeting socket.
func (s *Service) AddDirective(ctx context.Context, code, text, from string) error {
	o := s.registry.Get(code)
	if o == nil {
		return ErrNoActiveMeeting
	}
	o.AddDirective(ctx, text, from)
	return nil
}

// AddHumanMessage implements the stream gateway: human chat arriving on a
// meeting socket. Messages for unknown meetings are dropped.
func (s *Service) AddHumanMessage(code, text, from string) {
	if o := s.registry.Get(code); o != nil {
		o.AddHumanMessage(text, from)
	}
}

// SubmitExternalResponse implements the stream gateway: external agents
// answering a turn request over the socket.
func (s *Service) SubmitExternalResponse(code, agentName, response string) bool {
	o := s.registry.Get(code)
	if o == nil {
		return false
	}
	return o.SubmitExternalResponse(agentName, response)
}
