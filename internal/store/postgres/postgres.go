// Package postgres is the chat.Store backed by PostgreSQL through pgxpool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pelusa-v/pelusa-messenger/internal/chat"
)

const (
	conversationColumns = `id, type, COALESCE(title, ''), participant_ids, created_at, last_message_at`
	messageColumns      = `id, conversation_id, sender_id, content, kind, attachment_url, created_at, viewed_by`
	profileColumns      = `id, first_name, last_name, avatar_url, is_active`
)

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Connect opens and pings a pool.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// mapError translates driver errors into chat sentinel errors.
func mapError(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, chat.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503": // foreign_key_violation
			return fmt.Errorf("%s: %w", what, chat.ErrNotFound)
		case "23505", "23514": // unique_violation, check_violation
			return fmt.Errorf("%s: %w: %s", what, chat.ErrInvalid, pgErr.Message)
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}

func scanConversation(row pgx.Row) (chat.Conversation, error) {
	var c chat.Conversation
	var kind string
	err := row.Scan(&c.ID, &kind, &c.Title, &c.ParticipantIDs, &c.CreatedAt, &c.LastMessageAt)
	c.Kind = chat.ConversationKind(kind)
	return c, err
}

func scanMessage(row pgx.Row) (chat.Message, error) {
	var m chat.Message
	var kind string
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &kind, &m.AttachmentURL, &m.CreatedAt, &m.ViewedBy)
	m.Kind = chat.MessageKind(kind)
	if m.ViewedBy == nil {
		m.ViewedBy = []string{}
	}
	return m, err
}

func scanProfile(row pgx.Row) (chat.Profile, error) {
	var p chat.Profile
	err := row.Scan(&p.ID, &p.FirstName, &p.LastName, &p.AvatarURL, &p.IsActive)
	return p, err
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (T, error), what string) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", what, err)
	}
	return out, nil
}

func (s *Store) FindConversations(ctx context.Context, q chat.ConversationQuery) ([]chat.Conversation, error) {
	members := q.Members
	if members == nil {
		members = []string{}
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE ($1 = '' OR type = $1) AND participant_ids @> $2::text[]
		ORDER BY last_message_at DESC, id
	`, string(q.Kind), members)
	if err != nil {
		return nil, mapError(err, "query conversations")
	}
	return collect(rows, scanConversation, "conversation")
}

func (s *Store) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	c, err := scanConversation(s.db.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if err != nil {
		return chat.Conversation{}, mapError(err, "get conversation "+id)
	}
	return c, nil
}

func (s *Store) InsertConversation(ctx context.Context, c chat.Conversation) (chat.Conversation, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.LastMessageAt.IsZero() {
		c.LastMessageAt = now
	}
	var title any
	if c.Title != "" {
		title = c.Title
	}
	saved, err := scanConversation(s.db.QueryRow(ctx, `
		INSERT INTO conversations (id, type, title, participant_ids, created_at, last_message_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+conversationColumns,
		c.ID, string(c.Kind), title, c.ParticipantIDs, c.CreatedAt, c.LastMessageAt,
	))
	if err != nil {
		return chat.Conversation{}, mapError(err, "insert conversation")
	}
	return saved, nil
}

func (s *Store) TouchConversation(ctx context.Context, id string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE conversations SET last_message_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return mapError(err, "touch conversation "+id)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("touch conversation %s: %w", id, chat.ErrNotFound)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, q chat.MessageQuery) ([]chat.Message, error) {
	var where []string
	var args []any
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if q.ConversationID != "" {
		add("conversation_id = $%d", q.ConversationID)
	}
	if q.ExcludeSender != "" {
		add("sender_id <> $%d", q.ExcludeSender)
	}
	if q.NotViewedBy != "" {
		add("NOT (viewed_by @> ARRAY[$%d::text])", q.NotViewedBy)
	}
	query := `SELECT ` + messageColumns + ` FROM messages`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC, id`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "query messages")
	}
	return collect(rows, scanMessage, "message")
}

func (s *Store) GetMessage(ctx context.Context, id string) (chat.Message, error) {
	m, err := scanMessage(s.db.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if err != nil {
		return chat.Message{}, mapError(err, "get message "+id)
	}
	return m, nil
}

func (s *Store) InsertMessage(ctx context.Context, m chat.Message) (chat.Message, error) {
	if m.Kind == "" {
		m.Kind = chat.MessageText
	}
	if !m.Kind.Valid() {
		return chat.Message{}, fmt.Errorf("message kind %q: %w", m.Kind, chat.ErrInvalid)
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	saved, err := scanMessage(s.db.QueryRow(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, content, kind, attachment_url, created_at, viewed_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+messageColumns,
		m.ID, m.ConversationID, m.SenderID, m.Content, string(m.Kind), m.AttachmentURL, m.CreatedAt,
		chat.MergeViewers(m.SenderID, m.ViewedBy),
	))
	if err != nil {
		return chat.Message{}, mapError(err, "insert message")
	}
	return saved, nil
}

// AddViewer appends viewerID in one statement. Row locks serialize concurrent
// viewers, so every union survives.
func (s *Store) AddViewer(ctx context.Context, messageIDs []string, viewerID string) ([]chat.Message, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		UPDATE messages
		SET viewed_by = CASE WHEN viewed_by @> ARRAY[$2::text] THEN viewed_by ELSE array_append(viewed_by, $2::text) END
		WHERE id = ANY($1) AND sender_id <> $2
		RETURNING `+messageColumns,
		messageIDs, viewerID,
	)
	if err != nil {
		return nil, mapError(err, "add viewer")
	}
	return collect(rows, scanMessage, "message")
}

func (s *Store) LatestMessages(ctx context.Context, conversationIDs []string) (map[string]chat.Message, error) {
	out := make(map[string]chat.Message, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT ON (conversation_id) `+messageColumns+`
		FROM messages
		WHERE conversation_id = ANY($1)
		ORDER BY conversation_id, created_at DESC, id DESC
	`, conversationIDs)
	if err != nil {
		return nil, mapError(err, "query latest messages")
	}
	msgs, err := collect(rows, scanMessage, "message")
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		out[m.ConversationID] = m
	}
	return out, nil
}

func (s *Store) ListProfiles(ctx context.Context, q chat.ProfileQuery) ([]chat.Profile, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+profileColumns+`
		FROM profiles
		WHERE ($1::text[] IS NULL OR id = ANY($1)) AND ($2 = '' OR id <> $2)
		ORDER BY id
	`, q.IDs, q.ExcludeID)
	if err != nil {
		return nil, mapError(err, "query profiles")
	}
	return collect(rows, scanProfile, "profile")
}

func (s *Store) GetProfile(ctx context.Context, id string) (chat.Profile, error) {
	p, err := scanProfile(s.db.QueryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = $1`, id))
	if err != nil {
		return chat.Profile{}, mapError(err, "get profile "+id)
	}
	return p, nil
}

func (s *Store) SetActive(ctx context.Context, userID string, active bool) (chat.Profile, error) {
	p, err := scanProfile(s.db.QueryRow(ctx, `
		UPDATE profiles SET is_active = $2 WHERE id = $1
		RETURNING `+profileColumns, userID, active))
	if err != nil {
		return chat.Profile{}, mapError(err, "set active "+userID)
	}
	return p, nil
}

func (s *Store) UpdateProfile(ctx context.Context, userID string, u chat.ProfileUpdate) (chat.Profile, error) {
	p, err := scanProfile(s.db.QueryRow(ctx, `
		UPDATE profiles SET
			first_name = COALESCE($2, first_name),
			last_name = COALESCE($3, last_name),
			avatar_url = COALESCE($4, avatar_url)
		WHERE id = $1
		RETURNING `+profileColumns, userID, u.FirstName, u.LastName, u.AvatarURL))
	if err != nil {
		return chat.Profile{}, mapError(err, "update profile "+userID)
	}
	return p, nil
}

// UpsertProfile creates or replaces a profile row.
func (s *Store) UpsertProfile(ctx context.Context, p chat.Profile) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO profiles (id, first_name, last_name, avatar_url, is_active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			avatar_url = EXCLUDED.avatar_url,
			is_active = EXCLUDED.is_active
	`, p.ID, p.FirstName, p.LastName, p.AvatarURL, p.IsActive)
	if err != nil {
		return mapError(err, "upsert profile "+p.ID)
	}
	return nil
}

var _ chat.Store = (*Store)(nil)
