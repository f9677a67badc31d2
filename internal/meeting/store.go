package meeting

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ErrRoomNotFound is returned when no room matches a code.
var ErrRoomNotFound = errors.New("room not found")

// Room statuses map onto session statuses when they change together.
var sessionStatusFor = map[string]string{
	"recording":      "recording",
	StatusActive:     "recording",
	StatusProcessing: "processing",
	StatusClosed:     "complete",
}

// Store persists rooms, sessions, participants and meeting messages.
// Queries are written with ? placeholders and rebound for the active
// driver, so the same store runs on sqlite and postgres.
type Store struct {
	db *sqlx.DB
}

// NewStore creates a meeting store.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// GenerateRoomCode builds a join code of the form PREFIX-MMDD. The prefix
// is the first four characters of the title uppercased with spaces turned
// into X, or four random hex characters when the title is too short.
func GenerateRoomCode(title string, now time.Time) string {
	date := now.UTC().Format("0102")
	var prefix string
	if runes := []rune(title); len(runes) >= 4 {
		prefix = strings.ReplaceAll(strings.ToUpper(string(runes[:4])), " ", "X")
	} else {
		prefix = strings.ToUpper(uuid.New().String()[:4])
	}
	return prefix + "-" + date
}

func (s *Store) uniqueRoomCode(ctx context.Context, title string) (string, error) {
	code := GenerateRoomCode(title, time.Now())
	var existing string
	err := s.db.GetContext(ctx, &existing, s.db.Rebind(`SELECT id FROM rooms WHERE code = ?`), code)
	if errors.Is(err, sql.ErrNoRows) {
		return code, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to check room code: %w", err)
	}
	// Collision: disambiguate with one random hex character.
	return code + strings.ToUpper(uuid.New().String()[:1]), nil
}

// CreatedMeeting is returned from CreateMeeting.
type CreatedMeeting struct {
	RoomID    string  `json:"room_id"`
	Code      string  `json:"code"`
	SessionID string  `json:"session_id"`
	Status    string  `json:"status"`
	HostName  string  `json:"host_name"`
	Topic     string  `json:"topic"`
	Agents    []Agent `json:"agents"`
	CreatedAt string  `json:"created_at"`
}

// CreateMeeting creates an agent meeting room, its session and its
// participant rows in one shot.
func (s *Store) CreateMeeting(ctx context.Context, cfg Config, hostName, title string) (*CreatedMeeting, error) {
	roomID := uuid.New().String()
	sessionID := uuid.New().String()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	effectiveTitle := title
	if effectiveTitle == "" {
		topic := cfg.Topic
		if runes := []rune(topic); len(runes) > 50 {
			topic = string(runes[:50])
		}
		effectiveTitle = "Agent Meeting: " + topic
	}

	code, err := s.uniqueRoomCode(ctx, effectiveTitle)
	if err != nil {
		return nil, err
	}

	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode meeting config: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// The room is created without a session first, then linked.
	if _, err := tx.ExecContext(ctx, tx.Rebind(
		`INSERT INTO rooms (id, code, session_id, host_name, status, mode, meeting_config, created_at)
		 VALUES (?, ?, NULL, ?, 'waiting', 'agent_meeting', ?, ?)`),
		roomID, code, hostName, string(configJSON), now,
	); err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(
		`INSERT INTO sessions (id, title, context, room_id, host_name, created_at)
		 VALUES (?, ?, 'working_session', ?, ?, ?)`),
		sessionID, effectiveTitle, roomID, hostName, now,
	); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(
		`UPDATE rooms SET session_id = ? WHERE id = ?`), sessionID, roomID,
	); err != nil {
		return nil, fmt.Errorf("failed to link session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(
		`INSERT INTO room_participants (id, room_id, name, participant_type, connected_at)
		 VALUES (?, ?, ?, 'human', ?)`),
		uuid.New().String(), roomID, hostName, now,
	); err != nil {
		return nil, fmt.Errorf("failed to add host participant: %w", err)
	}

	for _, agent := range cfg.Agents {
		persona, err := json.Marshal(agent)
		if err != nil {
			return nil, fmt.Errorf("failed to encode agent config: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO room_participants (id, room_id, name, participant_type, is_external, persona_config, connected_at)
			 VALUES (?, ?, ?, 'agent', ?, ?, ?)`),
			uuid.New().String(), roomID, agent.Name, agent.Type == AgentExternal, string(persona), now,
		); err != nil {
			return nil, fmt.Errorf("failed to add agent participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit meeting: %w", err)
	}

	return &CreatedMeeting{
		RoomID:    roomID,
		Code:      code,
		SessionID: sessionID,
		Status:    StatusWaiting,
		HostName:  hostName,
		Topic:     cfg.Topic,
		Agents:    cfg.Agents,
		CreatedAt: now,
	}, nil
}

// GetRoom loads a room by code with its participants.
func (s *Store) GetRoom(ctx context.Context, code string) (*Room, error) {
	var row roomRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT * FROM rooms WHERE code = ?`), code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load room: %w", err)
	}

	room := row.toRoom()
	if err := s.db.SelectContext(ctx, &room.Participants, s.db.Rebind(
		`SELECT * FROM room_participants WHERE room_id = ? ORDER BY connected_at ASC`), room.ID,
	); err != nil {
		return nil, fmt.Errorf("failed to load participants: %w", err)
	}
	return room, nil
}

// ListMeetings lists agent meeting rooms, optionally filtered by status.
// Without a filter only joinable meetings (waiting, active, paused) are
// returned. Newest first.
func (s *Store) ListMeetings(ctx context.Context, status string) ([]*Summary, error) {
	query := `SELECT r.code, r.status, r.host_name, r.created_at, r.meeting_config,
	                 COALESCE(s.id, '') AS session_id, COALESCE(s.title, '') AS title
	          FROM rooms r LEFT JOIN sessions s ON s.room_id = r.id
	          WHERE r.mode = 'agent_meeting'`
	args := []interface{}{}
	if status != "" {
		query += ` AND r.status = ?`
		args = append(args, status)
	} else {
		query += ` AND r.status IN ('waiting', 'active', 'paused')`
	}
	query += ` ORDER BY r.created_at DESC`

	var rows []struct {
		Code          string `db:"code"`
		Status        string `db:"status"`
		HostName      string `db:"host_name"`
		CreatedAt     string `db:"created_at"`
		MeetingConfig string `db:"meeting_config"`
		SessionID     string `db:"session_id"`
		Title         string `db:"title"`
	}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list meetings: %w", err)
	}

	summaries := make([]*Summary, 0, len(rows))
	for _, r := range rows {
		var cfg Config
		_ = json.Unmarshal([]byte(r.MeetingConfig), &cfg)
		names := make([]string, 0, len(cfg.Agents))
		for _, a := range cfg.Agents {
			names = append(names, a.Name)
		}
		maxRounds := cfg.MaxRounds
		if maxRounds == 0 {
			maxRounds = 20
		}
		summaries = append(summaries, &Summary{
			Code:      r.Code,
			Status:    r.Status,
			HostName:  r.HostName,
			SessionID: r.SessionID,
			Title:     r.Title,
			Topic:     cfg.Topic,
			Agents:    names,
			MaxRounds: maxRounds,
			CreatedAt: r.CreatedAt,
		})
	}
	return summaries, nil
}

// AddExternalParticipant records a newly joined external agent on the room
// and appends it to the stored meeting config.
func (s *Store) AddExternalParticipant(ctx context.Context, room *Room, agent Agent) error {
	persona, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("failed to encode agent config: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	room.Config.Agents = append(room.Config.Agents, agent)
	configJSON, err := json.Marshal(room.Config)
	if err != nil {
		return fmt.Errorf("failed to encode meeting config: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind(
		`INSERT INTO room_participants (id, room_id, name, participant_type, is_external, persona_config, connected_at)
		 VALUES (?, ?, ?, 'agent', 1, ?, ?)`),
		uuid.New().String(), room.ID, agent.Name, string(persona), now,
	); err != nil {
		return fmt.Errorf("failed to add participant: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(
		`UPDATE rooms SET meeting_config = ? WHERE id = ?`), string(configJSON), room.ID,
	); err != nil {
		return fmt.Errorf("failed to update meeting config: %w", err)
	}
	return tx.Commit()
}

// UpdateRoomStatus updates a room's status and, when the status maps onto
// a session status, the linked session as well.
func (s *Store) UpdateRoomStatus(ctx context.Context, code, status string) error {
	var row roomRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT * FROM rooms WHERE code = ?`), code)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRoomNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load room: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE rooms SET status = ? WHERE code = ?`), status, code,
	); err != nil {
		return fmt.Errorf("failed to update room status: %w", err)
	}

	if sessionStatus, ok := sessionStatusFor[status]; ok && row.SessionID.Valid {
		if _, err := s.db.ExecContext(ctx, s.db.Rebind(
			`UPDATE sessions SET status = ? WHERE id = ?`), sessionStatus, row.SessionID.String,
		); err != nil {
			return fmt.Errorf("failed to update session status: %w", err)
		}
	}
	return nil
}

// InsertMessage persists a meeting message.
func (s *Store) InsertMessage(ctx context.Context, msg *Message) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO meeting_messages
		 (id, room_id, sender_name, sender_type, message_type, content, content_type, sequence_number, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		msg.ID, msg.RoomID, msg.SenderName, msg.SenderType, msg.MessageType,
		msg.Content, msg.ContentType, msg.Sequence, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert meeting message: %w", err)
	}
	return nil
}

// Messages returns a room's persisted messages in sequence order.
func (s *Store) Messages(ctx context.Context, roomID string) ([]*Message, error) {
	var messages []*Message
	err := s.db.SelectContext(ctx, &messages, s.db.Rebind(
		`SELECT * FROM meeting_messages WHERE room_id = ? ORDER BY sequence_number ASC`), roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load meeting messages: %w", err)
	}
	return messages, nil
}

// Session loads a session row by id.
func (s *Store) Session(ctx context.Context, id string) (*Session, error) {
	var session Session
	err := s.db.GetContext(ctx, &session, s.db.Rebind(`SELECT * FROM sessions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return &session, nil
}

// FinalizeTranscript stores the finished transcript on the session, marks
// it complete and mirrors the transcript onto the room.
func (s *Store) FinalizeTranscript(ctx context.Context, sessionID, roomID, transcript string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE sessions SET transcript = ?, status = 'complete' WHERE id = ?`), transcript, sessionID,
	); err != nil {
		return fmt.Errorf("failed to store transcript: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE rooms SET transcript_log = ? WHERE id = ?`), transcript, roomID,
	); err != nil {
		return fmt.Errorf("failed to store transcript log: %w", err)
	}
	return nil
}

// MemoryContext returns the series memory document for a session, or ""
// when the session has no series or the series has no memory yet.
func (s *Store) MemoryContext(ctx context.Context, sessionID string) (string, error) {
	var memory string
	err := s.db.GetContext(ctx, &memory, s.db.Rebind(
		`SELECT sr.memory_document FROM sessions s
		 JOIN series sr ON sr.id = s.series_id
		 WHERE s.id = ?`), sessionID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load series memory: %w", err)
	}
	return memory, nil
}

// RecentNotes returns formatted manual notes from the most recent other
// sessions in the same series.
func (s *Store) RecentNotes(ctx context.Context, sessionID string, limit int) ([]string, error) {
	var rows []struct {
		Title       string `db:"title"`
		ManualNotes string `db:"manual_notes"`
	}
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT title, manual_notes FROM sessions
		 WHERE series_id = (SELECT series_id FROM sessions WHERE id = ?)
		   AND series_id IS NOT NULL
		   AND id != ?
		   AND manual_notes != ''
		 ORDER BY created_at DESC LIMIT ?`),
		sessionID, sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent notes: %w", err)
	}

	notes := make([]string, 0, len(rows))
	for _, r := range rows {
		text := r.ManualNotes
		if runes := []rune(text); len(runes) > 500 {
			text = string(runes[:500])
		}
		notes = append(notes, fmt.Sprintf("From '%s': %s", r.Title, text))
	}
	return notes, nil
}

// SocketPersona returns a socket's name and system prompt.
func (s *Store) SocketPersona(ctx context.Context, socketID string) (name, prompt string, err error) {
	var row struct {
		Name         string `db:"name"`
		SystemPrompt string `db:"system_prompt"`
	}
	err = s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT name, system_prompt FROM sockets WHERE id = ?`), socketID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to load socket: %w", err)
	}
	return row.Name, row.SystemPrompt, nil
}

// InsertSessionEvent records a lifecycle event for the activity feed.
func (s *Store) InsertSessionEvent(ctx context.Context, eventType, sessionID, sessionContext, title string, interpretations int) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO session_events (id, event_type, session_id, context, title, interpretations_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		uuid.New().String(), eventType, sessionID, sessionContext, title,
		interpretations, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session event: %w", err)
	}
	return nil
}

// SessionEvent is one row of the activity feed.
type SessionEvent struct {
	ID                   string `db:"id" json:"id"`
	EventType            string `db:"event_type" json:"event_type"`
	SessionID            string `db:"session_id" json:"session_id"`
	Context              string `db:"context" json:"context"`
	Title                string `db:"title" json:"title"`
	InterpretationsCount int    `db:"interpretations_count" json:"interpretations_count"`
	CreatedAt            string `db:"created_at" json:"created_at"`
}

// SessionEvents returns up to limit events newest first, restricted to
// events after the RFC3339 timestamp since when it is non-empty.
func (s *Store) SessionEvents(ctx context.Context, since string, limit int) ([]*SessionEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `SELECT id, event_type, session_id, context, title, interpretations_count, created_at
	          FROM session_events`
	args := []interface{}{}
	if since != "" {
		query += ` WHERE created_at > ?`
		args = append(args, since)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	var events []*SessionEvent
	if err := s.db.SelectContext(ctx, &events, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list session events: %w", err)
	}
	return events, nil
}

// CountInterpretations counts a session's stored interpretations.
func (s *Store) CountInterpretations(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, s.db.Rebind(
		`SELECT COUNT(*) FROM interpretations WHERE session_id = ?`), sessionID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to count interpretations: %w", err)
	}
	return count, nil
}

// PrimaryInterpretation returns the most recent primary interpretation for
// a session, or "" when none exists.
func (s *Store) PrimaryInterpretation(ctx context.Context, sessionID string) (string, error) {
	var markdown string
	err := s.db.GetContext(ctx, &markdown, s.db.Rebind(
		`SELECT output_markdown FROM interpretations
		 WHERE session_id = ? AND is_primary = 1
		 ORDER BY created_at DESC LIMIT 1`), sessionID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load primary interpretation: %w", err)
	}
	return markdown, nil
}
