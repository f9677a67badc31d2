// Package interpret turns finished session transcripts into structured
// meeting notes with the configured AI provider. The generated notes are
// stored as the session's primary interpretation.
package interpret

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/echobridge/echobridge/internal/ai"
	"github.com/echobridge/echobridge/internal/common/logger"
)

// notesPrompt is the system prompt for auto-generated meeting notes.
const notesPrompt = `You are an expert meeting note-taker. Your job is to produce comprehensive, well-structured notes from a meeting transcript.

CONTEXT: {context}

Analyze the transcript and produce notes in this format:

## Summary
A concise 2-3 sentence overview of what this meeting/conversation was about, what was discussed, and the key outcomes.

## Key Discussion Points
Organize the substantive content by topic. For each topic:
- What was discussed
- Key arguments or perspectives shared
- Any data, numbers, or specifics mentioned

## Decisions Made
If any decisions were reached, list them clearly:
1. **[Decision]** - Rationale and who drove it.

If no clear decisions were made, omit this section.

## Action Items
If any tasks or follow-ups were identified:
- [ ] **[Task]** - Owner: [Name or "unassigned"] - Due: [Date or "TBD"]

If no action items, omit this section.

## Open Questions
Any unresolved questions or topics that need follow-up.

If no open questions, omit this section.

RULES:
- Adapt your note style to the content. A lecture gets different treatment than a standup.
- Be direct and specific. Don't pad with filler language.
- Capture exact names, numbers, dates, and commitments mentioned.
- If the transcript is short or casual, keep notes proportionally brief.
- Omit sections that have no relevant content rather than writing "None" or "N/A".
- If MANUAL NOTES are provided, treat them as the primary source of user intent. Structure your output around what the human highlighted. Use the transcript for verbatim supporting details.`

const memoryHint = "\n\nYou have access to a Meeting Memory document from previous sessions in this series. Use it for context: reference prior decisions, note action item progress, and connect themes across meetings."

// Service generates and stores interpretations.
type Service struct {
	db       *sqlx.DB
	provider ai.Provider
	logger   *logger.Logger
}

// NewService creates the interpretation service.
func NewService(db *sqlx.DB, provider ai.Provider, log *logger.Logger) *Service {
	return &Service{
		db:       db,
		provider: provider,
		logger:   log.WithFields(zap.String("component", "interpret")),
	}
}

// AutoInterpret generates meeting notes for a session and stores them as
// its primary interpretation, demoting any previous primary. Returns ""
// without error when the session has no transcript.
func (s *Service) AutoInterpret(ctx context.Context, sessionID string) (string, error) {
	var session struct {
		Context     string `db:"context"`
		Transcript  string `db:"transcript"`
		ManualNotes string `db:"manual_notes"`
	}
	err := s.db.GetContext(ctx, &session, s.db.Rebind(
		`SELECT context, transcript, manual_notes FROM sessions WHERE id = ?`), sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("session not found: %s", sessionID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load session: %w", err)
	}
	if strings.TrimSpace(session.Transcript) == "" {
		return "", nil
	}

	prompt := strings.Replace(notesPrompt, "{context}", session.Context, 1)

	memory, err := s.memoryContext(ctx, sessionID)
	if err != nil {
		s.logger.Warn("Failed to load series memory", zap.Error(err))
	}
	if memory != "" {
		prompt += memoryHint
	}

	output, err := s.provider.GenerateText(ctx, ai.Request{
		SystemPrompt: prompt,
		UserPrompt:   buildUserContent(session.Transcript, memory, session.ManualNotes),
		Temperature:  0.3,
		MaxTokens:    4096,
	})
	if err != nil {
		return "", fmt.Errorf("interpretation call failed: %w", err)
	}

	if err := s.storePrimary(ctx, sessionID, output); err != nil {
		return "", err
	}
	return output, nil
}

func (s *Service) memoryContext(ctx context.Context, sessionID string) (string, error) {
	var memory string
	err := s.db.GetContext(ctx, &memory, s.db.Rebind(
		`SELECT sr.memory_document FROM sessions s
		 JOIN series sr ON sr.id = s.series_id
		 WHERE s.id = ?`), sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return memory, err
}

func (s *Service) storePrimary(ctx context.Context, sessionID, output string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Only one primary interpretation per session.
	if _, err := tx.ExecContext(ctx, tx.Rebind(
		`UPDATE interpretations SET is_primary = 0 WHERE session_id = ? AND is_primary = 1`),
		sessionID,
	); err != nil {
		return fmt.Errorf("failed to demote primary interpretation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(
		`INSERT INTO interpretations
		 (id, session_id, source_type, source_name, model, output_markdown, is_primary, created_at)
		 VALUES (?, ?, 'system', 'EchoBridge', ?, ?, 1, ?)`),
		uuid.New().String(), sessionID, s.provider.Name(), output,
		time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("failed to store interpretation: %w", err)
	}
	return tx.Commit()
}

// buildUserContent layers manual notes and series memory ahead of the
// transcript.
func buildUserContent(transcript, memory, manualNotes string) string {
	var parts []string
	if manualNotes != "" {
		parts = append(parts,
			"MANUAL NOTES (written by the human during the meeting, primary signal for structure):\n"+manualNotes,
			"---")
	}
	if memory != "" {
		parts = append(parts,
			"MEETING MEMORY (context from previous meetings):\n"+memory,
			"---")
	}
	parts = append(parts, "TRANSCRIPT:\n"+transcript)
	return strings.Join(parts, "\n\n")
}
