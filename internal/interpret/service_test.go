package interpret

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echobridge/echobridge/internal/ai"
	"github.com/echobridge/echobridge/internal/common/logger"
	"github.com/echobridge/echobridge/internal/db"
)

type stubProvider struct {
	output  string
	lastReq ai.Request
}

func (p *stubProvider) GenerateText(_ context.Context, req ai.Request) (string, error) {
	p.lastReq = req
	return p.output, nil
}

func (p *stubProvider) Name() string { return "stub" }

func newInterpretFixture(t *testing.T) (*Service, *stubProvider, *sqlx.DB) {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	provider := &stubProvider{output: "## Summary\nShort meeting."}
	return NewService(database, provider, log), provider, database
}

func insertSession(t *testing.T, database *sqlx.DB, id, transcript, notes string) {
	t.Helper()
	_, err := database.Exec(
		`INSERT INTO sessions (id, title, transcript, manual_notes, created_at)
		 VALUES (?, 'Test', ?, ?, '2026-08-24T12:00:00Z')`, id, transcript, notes)
	require.NoError(t, err)
}

func TestAutoInterpretStoresPrimary(t *testing.T) {
	svc, provider, database := newInterpretFixture(t)
	ctx := context.Background()

	insertSession(t, database, "s1", "[A]: hello\n[B]: hi", "remember the budget")

	output, err := svc.AutoInterpret(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "## Summary\nShort meeting.", output)

	assert.Contains(t, provider.lastReq.UserPrompt, "TRANSCRIPT:\n[A]: hello")
	assert.Contains(t, provider.lastReq.UserPrompt, "MANUAL NOTES")
	assert.Contains(t, provider.lastReq.UserPrompt, "remember the budget")
	assert.InDelta(t, 0.3, provider.lastReq.Temperature, 0.001)

	var row struct {
		SourceName string `db:"source_name"`
		Model      string `db:"model"`
		IsPrimary  int    `db:"is_primary"`
	}
	require.NoError(t, database.Get(&row,
		`SELECT source_name, model, is_primary FROM interpretations WHERE session_id = 's1'`))
	assert.Equal(t, "EchoBridge", row.SourceName)
	assert.Equal(t, "stub", row.Model)
	assert.Equal(t, 1, row.IsPrimary)

	// A second run demotes the first interpretation.
	provider.output = "## Summary\nRevised."
	_, err = svc.AutoInterpret(ctx, "s1")
	require.NoError(t, err)

	var primaries []string
	require.NoError(t, database.Select(&primaries,
		`SELECT output_markdown FROM interpretations WHERE session_id = 's1' AND is_primary = 1`))
	require.Len(t, primaries, 1)
	assert.Equal(t, "## Summary\nRevised.", primaries[0])
}

func TestAutoInterpretSkipsEmptyTranscript(t *testing.T) {
	svc, _, database := newInterpretFixture(t)
	ctx := context.Background()

	insertSession(t, database, "empty", "   ", "")

	output, err := svc.AutoInterpret(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, output)

	var count int
	require.NoError(t, database.Get(&count,
		`SELECT COUNT(*) FROM interpretations WHERE session_id = 'empty'`))
	assert.Zero(t, count)
}

func TestAutoInterpretUnknownSession(t *testing.T) {
	svc, _, _ := newInterpretFixture(t)
	_, err := svc.AutoInterpret(context.Background(), "missing")
	assert.Error(t, err)
}

func TestServiceQueriesSurvivePlaceholderRewrite(t *testing.T) {
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	// The pgx driver name makes sqlx rewrite ? placeholders to $N; SQLite
	// accepts $N ordinals, so the rewritten statements run here too.
	bound := sqlx.NewDb(database.DB, "pgx")
	svc := NewService(bound, &stubProvider{output: "## Summary\nOk."}, log)
	ctx := context.Background()

	insertSession(t, database, "s1", "[A]: hello", "")

	output, err := svc.AutoInterpret(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "## Summary\nOk.", output)

	var count int
	require.NoError(t, database.Get(&count,
		`SELECT COUNT(*) FROM interpretations WHERE session_id = 's1' AND is_primary = 1`))
	assert.Equal(t, 1, count)
}
