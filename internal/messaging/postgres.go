// internal/messaging/postgres.go

package messaging

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Migrations creates the chat schema. Message ids use the C collation so
// the database orders them the same way the client does.
var Migrations = []string{
	`CREATE TABLE IF NOT EXISTS chat_users (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		handle TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS chats (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL CHECK (type IN ('direct', 'group')),
		name TEXT NOT NULL DEFAULT '',
		photo_url TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		last_activity_at TIMESTAMPTZ NOT NULL,
		last_message JSONB,
		archived BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS chat_participants (
		chat_id TEXT NOT NULL REFERENCES chats(id),
		user_id TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		handle TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		is_admin BOOLEAN NOT NULL DEFAULT FALSE,
		joined_at TIMESTAMPTZ NOT NULL,
		last_read_at TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
		unread_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (chat_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_participants_user ON chat_participants(user_id)`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		id TEXT COLLATE "C" NOT NULL,
		chat_id TEXT NOT NULL REFERENCES chats(id),
		sender_id TEXT NOT NULL,
		sender_name TEXT NOT NULL DEFAULT '',
		sender_handle TEXT NOT NULL DEFAULT '',
		sender_avatar TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		reply_to_id TEXT NOT NULL DEFAULT '',
		image_url TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (chat_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_messages_order ON chat_messages(chat_id, created_at DESC, id DESC)`,
	`CREATE TABLE IF NOT EXISTS chat_typing (
		chat_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (chat_id, user_id)
	)`,
}

// typingTTL bounds how long a typing flag survives without a refresh.
const typingTTL = 30 * time.Second

// Migrate applies Migrations in order.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for i, stmt := range Migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "migration %d", i)
		}
	}
	return nil
}

// PostgresBackend stores chats in PostgreSQL and pushes changes through a
// watermill feed.
type PostgresBackend struct {
	db   *sqlx.DB
	feed *WatermillFeed
}

func NewPostgresBackend(db *sqlx.DB, pub message.Publisher, sub message.Subscriber) *PostgresBackend {
	b := &PostgresBackend{db: db}
	b.feed = NewWatermillFeed(pub, sub, b)
	return b
}

func (b *PostgresBackend) Close() error {
	return b.feed.Close()
}

type messageRow struct {
	ID           string    `db:"id"`
	ChatID       string    `db:"chat_id"`
	SenderID     string    `db:"sender_id"`
	SenderName   string    `db:"sender_name"`
	SenderHandle string    `db:"sender_handle"`
	SenderAvatar string    `db:"sender_avatar"`
	Body         string    `db:"body"`
	Kind         string    `db:"kind"`
	Status       string    `db:"status"`
	ReplyToID    string    `db:"reply_to_id"`
	ImageURL     string    `db:"image_url"`
	CreatedAt    time.Time `db:"created_at"`
}

const messageColumns = `id, chat_id, sender_id, sender_name, sender_handle, sender_avatar,
	body, kind, status, reply_to_id, image_url, created_at`

func (r messageRow) toMessage() Message {
	return Message{
		ID:             r.ID,
		ConversationID: r.ChatID,
		SenderID:       r.SenderID,
		Sender: UserInfo{
			ID:          r.SenderID,
			DisplayName: r.SenderName,
			Handle:      r.SenderHandle,
			AvatarURL:   r.SenderAvatar,
		},
		Body:      r.Body,
		Kind:      MessageKind(r.Kind),
		CreatedAt: r.CreatedAt.UTC(),
		Status:    MessageStatus(r.Status),
		ReplyToID: r.ReplyToID,
		ImageURL:  r.ImageURL,
	}
}

type chatRow struct {
	ID             string    `db:"id"`
	Type           string    `db:"type"`
	Name           string    `db:"name"`
	PhotoURL       string    `db:"photo_url"`
	CreatedBy      string    `db:"created_by"`
	CreatedAt      time.Time `db:"created_at"`
	LastActivityAt time.Time `db:"last_activity_at"`
	LastMessage    []byte    `db:"last_message"`
	Archived       bool      `db:"archived"`
}

type participantRow struct {
	ChatID      string    `db:"chat_id"`
	UserID      string    `db:"user_id"`
	DisplayName string    `db:"display_name"`
	Handle      string    `db:"handle"`
	AvatarURL   string    `db:"avatar_url"`
	IsAdmin     bool      `db:"is_admin"`
	JoinedAt    time.Time `db:"joined_at"`
	LastReadAt  time.Time `db:"last_read_at"`
	UnreadCount int       `db:"unread_count"`
}

const chatColumns = `id, type, name, photo_url, created_by, created_at, last_activity_at, last_message, archived`

// FetchMessages pages strictly before the cursor using a row comparison on
// the (created_at, id) index.
func (b *PostgresBackend) FetchMessages(ctx context.Context, chatID string, before *Cursor, limit int) ([]Message, error) {
	var rows []messageRow
	var err error
	if before == nil {
		err = b.db.SelectContext(ctx, &rows, `
			SELECT `+messageColumns+`
			FROM chat_messages
			WHERE chat_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, chatID, limit)
	} else {
		err = b.db.SelectContext(ctx, &rows, `
			SELECT `+messageColumns+`
			FROM chat_messages
			WHERE chat_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, chatID, before.Timestamp, before.MessageID, limit)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select messages")
	}
	return toMessages(rows), nil
}

func toMessages(rows []messageRow) []Message {
	out := make([]Message, 0, len(rows))
	for _, r := range rows {
		m := r.toMessage()
		if err := m.Validate(); err != nil {
			log.Debug().Err(err).Str("component", "chat_postgres").Str("message_id", r.ID).Msg("dropping malformed message row")
			continue
		}
		out = append(out, m)
	}
	return out
}

func (b *PostgresBackend) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	chats, err := b.loadChats(ctx, []string{chatID})
	if err != nil {
		return nil, err
	}
	if len(chats) == 0 {
		return nil, ErrChatNotFound
	}
	return &chats[0], nil
}

// loadChats reads chats and their participants in two queries.
func (b *PostgresBackend) loadChats(ctx context.Context, ids []string) ([]Chat, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []chatRow
	if err := b.db.SelectContext(ctx, &rows, `SELECT `+chatColumns+` FROM chats WHERE id = ANY($1) ORDER BY id`, pq.Array(ids)); err != nil {
		return nil, errors.Wrap(err, "select chats")
	}
	var prows []participantRow
	if err := b.db.SelectContext(ctx, &prows, `
		SELECT chat_id, user_id, display_name, handle, avatar_url, is_admin, joined_at, last_read_at, unread_count
		FROM chat_participants
		WHERE chat_id = ANY($1)
		ORDER BY joined_at, user_id`, pq.Array(ids)); err != nil {
		return nil, errors.Wrap(err, "select participants")
	}

	byChat := make(map[string][]participantRow, len(rows))
	for _, p := range prows {
		byChat[p.ChatID] = append(byChat[p.ChatID], p)
	}

	out := make([]Chat, 0, len(rows))
	for _, r := range rows {
		c := Chat{
			ID:             r.ID,
			Type:           ChatType(r.Type),
			Name:           r.Name,
			PhotoURL:       r.PhotoURL,
			CreatedBy:      r.CreatedBy,
			CreatedAt:      r.CreatedAt.UTC(),
			LastActivityAt: r.LastActivityAt.UTC(),
			Archived:       r.Archived,
			UnreadCounts:   make(map[string]int),
		}
		if len(r.LastMessage) > 0 {
			var lm LastMessage
			if err := json.Unmarshal(r.LastMessage, &lm); err == nil {
				c.LastMessage = &lm
			}
		}
		for _, p := range byChat[r.ID] {
			c.Participants = append(c.Participants, Participant{
				UserInfo: UserInfo{
					ID:          p.UserID,
					DisplayName: p.DisplayName,
					Handle:      p.Handle,
					AvatarURL:   p.AvatarURL,
				},
				IsAdmin:    p.IsAdmin,
				JoinedAt:   p.JoinedAt.UTC(),
				LastReadAt: p.LastReadAt.UTC(),
			})
			c.UnreadCounts[p.UserID] = p.UnreadCount
		}
		out = append(out, c)
	}
	return out, nil
}

// WriteMessage upserts by id so a retried write never duplicates.
func (b *PostgresBackend) WriteMessage(ctx context.Context, m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	var inserted bool
	err := b.db.QueryRowContext(ctx, `
		INSERT INTO chat_messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (chat_id, id) DO UPDATE
		SET body = EXCLUDED.body, status = EXCLUDED.status, image_url = EXCLUDED.image_url
		RETURNING (xmax = 0)`,
		m.ID, m.ConversationID, m.SenderID, m.Sender.DisplayName, m.Sender.Handle, m.Sender.AvatarURL,
		m.Body, string(m.Kind), string(m.Status), m.ReplyToID, m.ImageURL, m.CreatedAt,
	).Scan(&inserted)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23503" {
			return ErrChatNotFound
		}
		return errors.Wrap(err, "insert message")
	}

	kind := ChangeModified
	if inserted {
		kind = ChangeAdded
	}
	b.publish(b.feed.PublishChange(m.ConversationID, Change{Message: m, Kind: kind}))
	return nil
}

func (b *PostgresBackend) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	var row messageRow
	err := b.db.GetContext(ctx, &row, `
		DELETE FROM chat_messages WHERE chat_id = $1 AND id = $2
		RETURNING `+messageColumns, chatID, messageID)
	if err == sql.ErrNoRows {
		return ErrMessageNotFound
	}
	if err != nil {
		return errors.Wrap(err, "delete message")
	}
	b.publish(b.feed.PublishChange(chatID, Change{Message: row.toMessage(), Kind: ChangeRemoved}))
	return nil
}

// UpdateLastMessage runs the denormalized last-message update and the unread
// increments in one transaction.
func (b *PostgresBackend) UpdateLastMessage(ctx context.Context, chatID string, m Message) error {
	lm, err := json.Marshal(LastMessage{
		ID:        m.ID,
		SenderID:  m.SenderID,
		Preview:   m.Preview(),
		Kind:      m.Kind,
		CreatedAt: m.CreatedAt,
	})
	if err != nil {
		return errors.Wrap(err, "marshal last message")
	}

	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	var current time.Time
	if err := tx.GetContext(ctx, &current, `SELECT last_activity_at FROM chats WHERE id = $1 FOR UPDATE`, chatID); err != nil {
		if err == sql.ErrNoRows {
			return ErrChatNotFound
		}
		return errors.Wrap(err, "lock chat")
	}
	if m.CreatedAt.Before(current) {
		// an out-of-order write must not move the preview backwards
		lm = nil
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE chats
		SET last_message = COALESCE($2::jsonb, last_message),
		    last_activity_at = GREATEST(last_activity_at, $3)
		WHERE id = $1`, chatID, nullableJSON(lm), m.CreatedAt); err != nil {
		return errors.Wrap(err, "update chat")
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE chat_participants SET unread_count = unread_count + 1
		WHERE chat_id = $1 AND user_id <> $2`, chatID, m.SenderID); err != nil {
		return errors.Wrap(err, "increment unread")
	}
	var members []string
	if err := tx.SelectContext(ctx, &members, `SELECT user_id FROM chat_participants WHERE chat_id = $1`, chatID); err != nil {
		return errors.Wrap(err, "select members")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit")
	}

	b.publish(b.feed.SignalChats(members...))
	return nil
}

func nullableJSON(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return string(b)
}

func (b *PostgresBackend) UpdateReadState(ctx context.Context, chatID, userID string, lastReadAt time.Time) error {
	res, err := b.db.ExecContext(ctx, `
		UPDATE chat_participants
		SET last_read_at = GREATEST(last_read_at, $3), unread_count = 0
		WHERE chat_id = $1 AND user_id = $2`, chatID, userID, lastReadAt)
	if err != nil {
		return errors.Wrap(err, "update read state")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotParticipant
	}
	b.publish(b.feed.SignalChats(userID))
	return nil
}

func (b *PostgresBackend) SetTyping(ctx context.Context, chatID, userID string, typing bool) error {
	var err error
	if typing {
		_, err = b.db.ExecContext(ctx, `
			INSERT INTO chat_typing (chat_id, user_id, updated_at) VALUES ($1, $2, NOW())
			ON CONFLICT (chat_id, user_id) DO UPDATE SET updated_at = NOW()`, chatID, userID)
	} else {
		_, err = b.db.ExecContext(ctx, `DELETE FROM chat_typing WHERE chat_id = $1 AND user_id = $2`, chatID, userID)
	}
	if err != nil {
		return errors.Wrap(err, "set typing")
	}
	b.publish(b.feed.SignalTyping(chatID))
	return nil
}

func (b *PostgresBackend) CreateChat(ctx context.Context, chat *Chat) error {
	if chat.ID == "" {
		chat.ID = NewMessageID()
	}
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = nowUTC()
	}
	if chat.LastActivityAt.IsZero() {
		chat.LastActivityAt = chat.CreatedAt
	}
	if err := chat.Validate(); err != nil {
		return errors.Wrap(ErrInvalidChat, err.Error())
	}

	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO chats (id, type, name, photo_url, created_by, created_at, last_activity_at, archived)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		chat.ID, string(chat.Type), chat.Name, chat.PhotoURL, chat.CreatedBy, chat.CreatedAt, chat.LastActivityAt, chat.Archived)
	if err != nil {
		return errors.Wrap(err, "insert chat")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrInvalidChat, "chat %s already exists", chat.ID)
	}
	for _, p := range chat.Participants {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chat_participants (chat_id, user_id, display_name, handle, avatar_url, is_admin, joined_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			chat.ID, p.ID, p.DisplayName, p.Handle, p.AvatarURL, p.IsAdmin, p.JoinedAt); err != nil {
			return errors.Wrap(err, "insert participant")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit")
	}

	b.publish(b.feed.SignalChats(chat.ParticipantIDs()...))
	return nil
}

func (b *PostgresBackend) FindDirectChat(ctx context.Context, userA, userB string) (*Chat, error) {
	var id string
	err := b.db.GetContext(ctx, &id, `
		SELECT c.id FROM chats c
		JOIN chat_participants a ON a.chat_id = c.id AND a.user_id = $1
		JOIN chat_participants b ON b.chat_id = c.id AND b.user_id = $2
		WHERE c.type = 'direct'
		LIMIT 1`, userA, userB)
	if err == sql.ErrNoRows {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "find direct chat")
	}
	return b.GetChat(ctx, id)
}

func (b *PostgresBackend) UpdateChat(ctx context.Context, chatID string, upd ChatUpdate) error {
	res, err := b.db.ExecContext(ctx, `
		UPDATE chats SET name = COALESCE($2, name), photo_url = COALESCE($3, photo_url)
		WHERE id = $1`, chatID, upd.Name, upd.PhotoURL)
	if err != nil {
		return errors.Wrap(err, "update chat")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrChatNotFound
	}
	return b.signalMembers(ctx, chatID)
}

func (b *PostgresBackend) RemoveParticipant(ctx context.Context, chatID, userID string) error {
	var members []string
	if err := b.db.SelectContext(ctx, &members, `SELECT user_id FROM chat_participants WHERE chat_id = $1`, chatID); err != nil {
		return errors.Wrap(err, "select members")
	}

	res, err := b.db.ExecContext(ctx, `DELETE FROM chat_participants WHERE chat_id = $1 AND user_id = $2`, chatID, userID)
	if err != nil {
		return errors.Wrap(err, "remove participant")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotParticipant
	}
	if _, err := b.db.ExecContext(ctx, `
		UPDATE chats SET archived = TRUE
		WHERE id = $1 AND NOT EXISTS (SELECT 1 FROM chat_participants WHERE chat_id = $1)`, chatID); err != nil {
		return errors.Wrap(err, "archive chat")
	}

	b.publish(b.feed.SignalChats(members...))
	return nil
}

func (b *PostgresBackend) signalMembers(ctx context.Context, chatID string) error {
	var members []string
	if err := b.db.SelectContext(ctx, &members, `SELECT user_id FROM chat_participants WHERE chat_id = $1`, chatID); err != nil {
		return errors.Wrap(err, "select members")
	}
	b.publish(b.feed.SignalChats(members...))
	return nil
}

func (b *PostgresBackend) GetProfiles(ctx context.Context, ids []string) (map[string]UserInfo, error) {
	out := make(map[string]UserInfo, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []UserInfo
	if err := b.db.SelectContext(ctx, &rows, `
		SELECT id, display_name, handle, avatar_url FROM chat_users WHERE id = ANY($1)`, pq.Array(ids)); err != nil {
		return nil, errors.Wrap(err, "select profiles")
	}
	for _, u := range rows {
		out[u.ID] = u
	}
	return out, nil
}

// UpsertProfile stores the authoritative display profile of a user.
func (b *PostgresBackend) UpsertProfile(ctx context.Context, u UserInfo) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO chat_users (id, display_name, handle, avatar_url, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE
		SET display_name = EXCLUDED.display_name, handle = EXCLUDED.handle,
		    avatar_url = EXCLUDED.avatar_url, updated_at = NOW()`,
		u.ID, u.DisplayName, u.Handle, u.AvatarURL)
	return errors.Wrap(err, "upsert profile")
}

func (b *PostgresBackend) WatchMessages(ctx context.Context, chatID string, since time.Time, fn func([]Change)) (Subscription, error) {
	return b.feed.WatchMessages(ctx, chatID, since, fn)
}

func (b *PostgresBackend) WatchTyping(ctx context.Context, chatID string, fn func([]string)) (Subscription, error) {
	return b.feed.WatchTyping(ctx, chatID, fn)
}

func (b *PostgresBackend) WatchChats(ctx context.Context, userID string, fn func([]Chat)) (Subscription, error) {
	return b.feed.WatchChats(ctx, userID, fn)
}

func (b *PostgresBackend) messagesSince(ctx context.Context, chatID string, since time.Time) ([]Message, error) {
	var rows []messageRow
	if err := b.db.SelectContext(ctx, &rows, `
		SELECT `+messageColumns+`
		FROM chat_messages
		WHERE chat_id = $1 AND created_at >= $2
		ORDER BY created_at, id`, chatID, since); err != nil {
		return nil, errors.Wrap(err, "select live window")
	}
	return toMessages(rows), nil
}

func (b *PostgresBackend) typingUsers(ctx context.Context, chatID string) ([]string, error) {
	var ids []string
	err := b.db.SelectContext(ctx, &ids, `
		SELECT user_id FROM chat_typing
		WHERE chat_id = $1 AND updated_at > $2
		ORDER BY user_id`, chatID, time.Now().Add(-typingTTL))
	return ids, errors.Wrap(err, "select typing")
}

func (b *PostgresBackend) chatsFor(ctx context.Context, userID string) ([]Chat, error) {
	var ids []string
	if err := b.db.SelectContext(ctx, &ids, `SELECT chat_id FROM chat_participants WHERE user_id = $1`, userID); err != nil {
		return nil, errors.Wrap(err, "select chat ids")
	}
	return b.loadChats(ctx, ids)
}

// publish logs feed failures; the write itself already succeeded.
func (b *PostgresBackend) publish(err error) {
	if err != nil {
		log.Warn().Err(err).Str("component", "chat_postgres").Msg("feed publish failed")
	}
}
