// Package meeting implements agent meeting rooms: creation, joining and
// the turn-based orchestration loop that drives AI agents through a
// structured discussion and finalizes it into a session transcript.
package meeting

import (
	"context"
	"database/sql"
	"encoding/json"
)

// Room statuses.
const (
	StatusWaiting    = "waiting"
	StatusActive     = "active"
	StatusPaused     = "paused"
	StatusProcessing = "processing"
	StatusClosed     = "closed"
)

// Agent types.
const (
	AgentInternal = "internal"
	AgentExternal = "external"
)

// Message types.
const (
	MessageTypeMessage   = "message"
	MessageTypeArtifact  = "artifact"
	MessageTypeDirective = "directive"
	MessageTypeStatus    = "status"
)

// Content types.
const (
	ContentTypePlain    = "text/plain"
	ContentTypeMarkdown = "text/markdown"
)

// Agent is a meeting participant configuration. Internal agents are driven
// by the configured AI provider; external agents answer turn requests over
// the WebSocket stream or the respond endpoint.
type Agent struct {
	Name          string `json:"name"`
	Type          string `json:"type"`
	SocketID      string `json:"socket_id,omitempty"`
	PersonaPrompt string `json:"persona_prompt,omitempty"`
	Model         string `json:"model,omitempty"`
}

// Config is the meeting configuration stored on the room.
type Config struct {
	Topic           string  `json:"topic"`
	TaskDescription string  `json:"task_description"`
	Agents          []Agent `json:"agents"`
	CooldownSeconds float64 `json:"cooldown_seconds"`
	MaxRounds       int     `json:"max_rounds"`
}

// Message is a single meeting transcript entry. Sequence numbers are
// dense per room, starting at 1.
type Message struct {
	ID          string `db:"id" json:"id"`
	RoomID      string `db:"room_id" json:"room_id"`
	SenderName  string `db:"sender_name" json:"sender_name"`
	SenderType  string `db:"sender_type" json:"sender_type"`
	MessageType string `db:"message_type" json:"message_type"`
	Content     string `db:"content" json:"content"`
	ContentType string `db:"content_type" json:"content_type"`
	Sequence    int    `db:"sequence_number" json:"sequence_number"`
	CreatedAt   string `db:"created_at" json:"created_at"`
}

func (m *Message) broadcastPayload() map[string]interface{} {
	return map[string]interface{}{
		"type":            "meeting_message",
		"id":              m.ID,
		"room_id":         m.RoomID,
		"sender_name":     m.SenderName,
		"sender_type":     m.SenderType,
		"message_type":    m.MessageType,
		"content":         m.Content,
		"content_type":    m.ContentType,
		"sequence_number": m.Sequence,
		"created_at":      m.CreatedAt,
	}
}

// Participant is a room membership row.
type Participant struct {
	ID         string `db:"id" json:"id"`
	RoomID     string `db:"room_id" json:"-"`
	Name       string `db:"name" json:"name"`
	Type       string `db:"participant_type" json:"type"`
	IsExternal bool   `db:"is_external" json:"is_external"`
	Persona    string `db:"persona_config" json:"-"`
	JoinedAt   string `db:"connected_at" json:"connected_at"`
}

// Room is a meeting room with its parsed configuration.
type Room struct {
	ID            string
	Code          string
	SessionID     string
	HostName      string
	Status        string
	Mode          string
	Config        Config
	TranscriptLog string
	CreatedAt     string
	Participants  []*Participant
}

type roomRow struct {
	ID            string         `db:"id"`
	Code          string         `db:"code"`
	SessionID     sql.NullString `db:"session_id"`
	HostName      string         `db:"host_name"`
	Status        string         `db:"status"`
	Mode          string         `db:"mode"`
	MeetingConfig string         `db:"meeting_config"`
	TranscriptLog string         `db:"transcript_log"`
	CreatedAt     string         `db:"created_at"`
}

func (r *roomRow) toRoom() *Room {
	room := &Room{
		ID:            r.ID,
		Code:          r.Code,
		HostName:      r.HostName,
		Status:        r.Status,
		Mode:          r.Mode,
		TranscriptLog: r.TranscriptLog,
		CreatedAt:     r.CreatedAt,
	}
	if r.SessionID.Valid {
		room.SessionID = r.SessionID.String
	}
	if r.MeetingConfig != "" {
		_ = json.Unmarshal([]byte(r.MeetingConfig), &room.Config)
	}
	return room
}

// Session is the recording attached to a room.
type Session struct {
	ID          string         `db:"id"`
	Title       string         `db:"title"`
	Context     string         `db:"context"`
	Status      string         `db:"status"`
	Transcript  string         `db:"transcript"`
	ManualNotes string         `db:"manual_notes"`
	SeriesID    sql.NullString `db:"series_id"`
	RoomID      sql.NullString `db:"room_id"`
	HostName    string         `db:"host_name"`
	CreatedAt   string         `db:"created_at"`
}

// Summary is a meeting listing entry.
type Summary struct {
	Code      string   `json:"code"`
	Status    string   `json:"status"`
	HostName  string   `json:"host_name"`
	SessionID string   `json:"session_id"`
	Title     string   `json:"title"`
	Topic     string   `json:"topic"`
	Agents    []string `json:"agents"`
	MaxRounds int      `json:"max_rounds"`
	CreatedAt string   `json:"created_at"`
}

// Broadcaster delivers meeting events to live subscribers. The stream
// package provides both a direct in-process implementation and a
// bus-backed one for multi-instance deployments.
type Broadcaster interface {
	BroadcastToMeeting(code string, payload map[string]interface{})
	BroadcastToRoom(code string, payload map[string]interface{})
	BroadcastToSession(id string, payload map[string]interface{})
}

// Interpreter generates meeting notes from a finished session transcript.
// Implemented by the interpret service.
type Interpreter interface {
	AutoInterpret(ctx context.Context, sessionID string) (markdown string, err error)
}
