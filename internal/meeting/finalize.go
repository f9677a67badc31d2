package meeting

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/echobridge/echobridge/internal/wall"
)

// finalize closes out a finished meeting: transcript, session completion,
// auto-interpretation, wall summary, activity event and the closing
// broadcast. Every step is independent; a failing step is logged and the
// rest still run. Runs exactly once per meeting.
func (o *Orchestrator) finalize() {
	o.finalizeOnce.Do(func() {
		// The loop context may already be cancelled when we get here.
		ctx := context.Background()

		o.setStatus(StatusProcessing)
		if err := o.store.UpdateRoomStatus(ctx, o.Code, StatusProcessing); err != nil {
			o.logger.Error("Failed to mark room processing", zap.Error(err))
		}

		o.addStatus(ctx, fmt.Sprintf("Meeting ended after %d rounds.", o.round()), true)

		o.mu.Lock()
		transcript := buildTranscript(o.messages)
		messageCount := len(o.messages)
		o.mu.Unlock()

		if err := o.store.FinalizeTranscript(ctx, o.SessionID, o.RoomID, transcript); err != nil {
			o.logger.Error("Failed to store transcript", zap.Error(err))
		}

		if o.settings.AutoInterpret && o.interpreter != nil {
			if _, err := o.interpreter.AutoInterpret(ctx, o.SessionID); err != nil {
				o.logger.Error("Auto-interpretation failed", zap.Error(err))
			}
		}

		if o.settings.AutoPostSummaries && o.wallPosts != nil {
			if err := o.postWallSummary(ctx, transcript); err != nil {
				o.logger.Error("Failed to post meeting summary to wall", zap.Error(err))
			}
		}

		o.recordCompletionEvent(ctx)

		o.setStatus(StatusClosed)
		if err := o.store.UpdateRoomStatus(ctx, o.Code, StatusClosed); err != nil {
			o.logger.Error("Failed to mark room closed", zap.Error(err))
		}

		o.broadcaster.BroadcastToMeeting(o.Code, map[string]interface{}{
			"type":          "meeting_ended",
			"session_id":    o.SessionID,
			"rounds":        o.round(),
			"message_count": messageCount,
		})

		o.logger.Info("Meeting finalized",
			zap.Int("rounds", o.round()),
			zap.Int("messages", messageCount))

		if o.onClose != nil {
			o.onClose()
		}
	})
}

// postWallSummary publishes a completion note on the agent wall so other
// agents discover the finished session. Prefers the primary interpretation
// over the raw transcript for the snippet.
func (o *Orchestrator) postWallSummary(ctx context.Context, transcript string) error {
	snippet, err := o.store.PrimaryInterpretation(ctx, o.SessionID)
	if err != nil {
		o.logger.Warn("Failed to load primary interpretation", zap.Error(err))
	}
	if snippet == "" {
		snippet = transcript
	}
	snippet = truncate(snippet, 500)

	content := fmt.Sprintf("**Meeting completed**: %s\n\n%s...\n\nView: /session/%s",
		o.topic, snippet, o.SessionID)
	_, err = o.wallPosts.Create(ctx, "EchoBridge", "", content, wall.PostTypePost, nil)
	return err
}

func (o *Orchestrator) recordCompletionEvent(ctx context.Context) {
	sessionContext := "working_session"
	title := "Agent Meeting"
	if session, err := o.store.Session(ctx, o.SessionID); err == nil {
		sessionContext = session.Context
		title = session.Title
	} else {
		o.logger.Warn("Failed to load session for completion event", zap.Error(err))
	}

	count, err := o.store.CountInterpretations(ctx, o.SessionID)
	if err != nil {
		o.logger.Warn("Failed to count interpretations", zap.Error(err))
	}

	if err := o.store.InsertSessionEvent(ctx, "session.complete", o.SessionID, sessionContext, title, count); err != nil {
		o.logger.Error("Failed to record completion event", zap.Error(err))
	}
}
