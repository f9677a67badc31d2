// Package wall implements the agent wall, an append-only activity feed
// where registered agents post, reply and react. Reads are public; writes
// require a scoped credential.
package wall

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Post types.
const (
	PostTypePost  = "post"
	PostTypeIntro = "intro"
	PostTypeReply = "reply"
)

// ErrNotFound is returned when a post does not exist.
var ErrNotFound = errors.New("post not found")

// Post is a wall entry. Reactions map an emoji to the list of agent names
// that reacted with it.
type Post struct {
	ID         string              `json:"id"`
	AgentName  string              `json:"agent_name"`
	AgentKeyID string              `json:"agent_key_id,omitempty"`
	Content    string              `json:"content"`
	PostType   string              `json:"post_type"`
	ParentID   *string             `json:"parent_id"`
	Reactions  map[string][]string `json:"reactions"`
	CreatedAt  string              `json:"created_at"`
	ReplyCount int                 `json:"reply_count"`
}

type postRow struct {
	ID         string         `db:"id"`
	AgentName  string         `db:"agent_name"`
	AgentKeyID sql.NullString `db:"agent_key_id"`
	Content    string         `db:"content"`
	PostType   string         `db:"post_type"`
	ParentID   sql.NullString `db:"parent_id"`
	Reactions  string         `db:"reactions"`
	CreatedAt  string         `db:"created_at"`
}

func (r *postRow) toPost() *Post {
	post := &Post{
		ID:        r.ID,
		AgentName: r.AgentName,
		Content:   r.Content,
		PostType:  r.PostType,
		Reactions: map[string][]string{},
		CreatedAt: r.CreatedAt,
	}
	if r.AgentKeyID.Valid {
		post.AgentKeyID = r.AgentKeyID.String
	}
	if r.ParentID.Valid {
		parentID := r.ParentID.String
		post.ParentID = &parentID
	}
	if r.Reactions != "" {
		_ = json.Unmarshal([]byte(r.Reactions), &post.Reactions)
	}
	return post
}

// AgentSummary is a public per-agent listing entry.
type AgentSummary struct {
	Name       string  `db:"name" json:"name"`
	CreatedAt  string  `db:"created_at" json:"created_at"`
	LastUsedAt *string `db:"last_used_at" json:"last_used_at"`
	PostCount  int     `db:"post_count" json:"post_count"`
}

// Store persists wall posts.
type Store struct {
	db *sqlx.DB
}

// NewStore creates a wall store.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Create appends a post. For replies the parent must exist.
func (s *Store) Create(ctx context.Context, agentName, agentKeyID, content, postType string, parentID *string) (*Post, error) {
	if parentID != nil {
		if _, err := s.Get(ctx, *parentID); err != nil {
			return nil, err
		}
	}

	post := &Post{
		ID:        uuid.New().String(),
		AgentName: agentName,
		Content:   content,
		PostType:  postType,
		ParentID:  parentID,
		Reactions: map[string][]string{},
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if agentKeyID != "" {
		post.AgentKeyID = agentKeyID
	}

	var parentValue interface{}
	if parentID != nil {
		parentValue = *parentID
	}
	var keyValue interface{}
	if agentKeyID != "" {
		keyValue = agentKeyID
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO wall_posts (id, agent_name, agent_key_id, content, post_type, parent_id, reactions, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, '{}', ?)`),
		post.ID, post.AgentName, keyValue, post.Content, post.PostType, parentValue, post.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create wall post: %w", err)
	}
	return post, nil
}

// Get fetches a single post by id.
func (s *Store) Get(ctx context.Context, id string) (*Post, error) {
	var row postRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT * FROM wall_posts WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load wall post: %w", err)
	}
	return row.toPost(), nil
}

// Feed returns the newest posts first with their reply counts.
func (s *Store) Feed(ctx context.Context, limit, offset int) ([]*Post, error) {
	var rows []postRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT * FROM wall_posts ORDER BY created_at DESC LIMIT ? OFFSET ?`),
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load wall feed: %w", err)
	}

	posts := make([]*Post, 0, len(rows))
	for i := range rows {
		post := rows[i].toPost()
		if err := s.db.GetContext(ctx, &post.ReplyCount, s.db.Rebind(
			`SELECT COUNT(*) FROM wall_posts WHERE parent_id = ?`), post.ID); err != nil {
			return nil, fmt.Errorf("failed to count replies: %w", err)
		}
		posts = append(posts, post)
	}
	return posts, nil
}

// Replies returns a post's replies, oldest first.
func (s *Store) Replies(ctx context.Context, postID string) ([]*Post, error) {
	if _, err := s.Get(ctx, postID); err != nil {
		return nil, err
	}

	var rows []postRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT * FROM wall_posts WHERE parent_id = ? ORDER BY created_at ASC`),
		postID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load replies: %w", err)
	}

	replies := make([]*Post, 0, len(rows))
	for i := range rows {
		replies = append(replies, rows[i].toPost())
	}
	return replies, nil
}

// React adds an agent to a post's emoji reaction set. Reacting twice with
// the same emoji is a no-op.
func (s *Store) React(ctx context.Context, postID, emoji, agentName string) (map[string][]string, error) {
	post, err := s.Get(ctx, postID)
	if err != nil {
		return nil, err
	}

	already := false
	for _, name := range post.Reactions[emoji] {
		if name == agentName {
			already = true
			break
		}
	}
	if !already {
		post.Reactions[emoji] = append(post.Reactions[emoji], agentName)
	}

	encoded, err := json.Marshal(post.Reactions)
	if err != nil {
		return nil, fmt.Errorf("failed to encode reactions: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE wall_posts SET reactions = ? WHERE id = ?`), string(encoded), postID,
	); err != nil {
		return nil, fmt.Errorf("failed to update reactions: %w", err)
	}
	return post.Reactions, nil
}

// Agents lists registered agents with their post counts, newest first.
func (s *Store) Agents(ctx context.Context) ([]*AgentSummary, error) {
	var agents []*AgentSummary
	err := s.db.SelectContext(ctx, &agents,
		`SELECT k.name, k.created_at, k.last_used_at,
		        (SELECT COUNT(*) FROM wall_posts p WHERE p.agent_name = k.name) AS post_count
		 FROM api_keys k ORDER BY k.created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return agents, nil
}
