package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// uniqueViolation is the Postgres error code for unique constraint failures.
const uniqueViolation = "23505"

// Postgres implements Gateway on top of a PostgreSQL database.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a Postgres gateway backed by the given database handle.
// The handle is owned by the caller; run migrations before first use.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Open connects to Postgres with the given DSN and verifies the connection.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres ping: %w", err)
	}
	return db, nil
}

// ---------------------------------------------------------------------------
// Identities
// ---------------------------------------------------------------------------

const identityColumns = `id, nickname, password_hash, role, message_count,
	nickname_color, is_muted, muted_until, created_at`

func scanIdentity(row *sql.Row) (*Identity, error) {
	var (
		ident      Identity
		mutedUntil sql.NullTime
	)
	err := row.Scan(&ident.ID, &ident.Nickname, &ident.PasswordHash, &ident.Role,
		&ident.MessageCount, &ident.NicknameColor, &ident.IsMuted, &mutedUntil,
		&ident.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan identity: %w", err)
	}
	if mutedUntil.Valid {
		t := mutedUntil.Time
		ident.MutedUntil = &t
	}
	return &ident, nil
}

// CreateIdentity inserts a new identity with the default role and color.
func (p *Postgres) CreateIdentity(ctx context.Context, nickname, passwordHash string) (*Identity, error) {
	id := uuid.New().String()
	const query = `
		INSERT INTO users (id, nickname, password_hash, role, nickname_color)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + identityColumns

	row := p.db.QueryRowContext(ctx, query, id, nickname, passwordHash, RoleUser, DefaultNicknameColor)
	ident, err := scanIdentity(row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return nil, ErrNicknameTaken
		}
		return nil, err
	}
	return ident, nil
}

// GetIdentity fetches an identity by ID.
func (p *Postgres) GetIdentity(ctx context.Context, id string) (*Identity, error) {
	const query = `SELECT ` + identityColumns + ` FROM users WHERE id = $1`
	return scanIdentity(p.db.QueryRowContext(ctx, query, id))
}

// GetIdentityByNickname fetches an identity by its unique nickname.
func (p *Postgres) GetIdentityByNickname(ctx context.Context, nickname string) (*Identity, error) {
	const query = `SELECT ` + identityColumns + ` FROM users WHERE nickname = $1`
	return scanIdentity(p.db.QueryRowContext(ctx, query, nickname))
}

// SetMuted marks an identity muted until the given time.
func (p *Postgres) SetMuted(ctx context.Context, id string, until time.Time) error {
	return p.exec(ctx, `UPDATE users SET is_muted = TRUE, muted_until = $2 WHERE id = $1`, id, until)
}

// ClearMuted removes the mute flags from an identity.
func (p *Postgres) ClearMuted(ctx context.Context, id string) error {
	return p.exec(ctx, `UPDATE users SET is_muted = FALSE, muted_until = NULL WHERE id = $1`, id)
}

// SetRole updates an identity's role.
func (p *Postgres) SetRole(ctx context.Context, id, role string) error {
	if !ValidRoles[role] {
		return fmt.Errorf("store: invalid role %q", role)
	}
	return p.exec(ctx, `UPDATE users SET role = $2 WHERE id = $1`, id, role)
}

// SetNickname renames an identity. The nickname's uniqueness is enforced by
// the database; a collision maps to ErrNicknameTaken.
func (p *Postgres) SetNickname(ctx context.Context, id, nickname string) error {
	err := p.exec(ctx, `UPDATE users SET nickname = $2 WHERE id = $1`, id, nickname)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		return ErrNicknameTaken
	}
	return err
}

// ListIdentities returns every identity ordered by nickname.
func (p *Postgres) ListIdentities(ctx context.Context) ([]Identity, error) {
	const query = `SELECT ` + identityColumns + ` FROM users ORDER BY nickname`
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list identities: %w", err)
	}
	defer rows.Close()

	var idents []Identity
	for rows.Next() {
		var (
			ident      Identity
			mutedUntil sql.NullTime
		)
		if err := rows.Scan(&ident.ID, &ident.Nickname, &ident.PasswordHash, &ident.Role,
			&ident.MessageCount, &ident.NicknameColor, &ident.IsMuted, &mutedUntil,
			&ident.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan identity: %w", err)
		}
		if mutedUntil.Valid {
			t := mutedUntil.Time
			ident.MutedUntil = &t
		}
		idents = append(idents, ident)
	}
	return idents, rows.Err()
}

// PromoteIfRole moves an identity from one role to another only if it still
// holds the expected role. The guard lives in the WHERE clause, so two
// concurrent callers cannot both win.
func (p *Postgres) PromoteIfRole(ctx context.Context, id, from, to string) (bool, error) {
	if !ValidRoles[to] {
		return false, fmt.Errorf("store: invalid role %q", to)
	}
	res, err := p.db.ExecContext(ctx, `UPDATE users SET role = $3 WHERE id = $1 AND role = $2`, id, from, to)
	if err != nil {
		return false, fmt.Errorf("store: promote: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: promote: %w", err)
	}
	return n == 1, nil
}

// SetNicknameColor updates an identity's display color.
func (p *Postgres) SetNicknameColor(ctx context.Context, id, color string) error {
	return p.exec(ctx, `UPDATE users SET nickname_color = $2 WHERE id = $1`, id, color)
}

// IncrementMessageCount bumps the counter in a single statement so that
// concurrent posts from the same identity cannot lose updates.
func (p *Postgres) IncrementMessageCount(ctx context.Context, id string) (int64, error) {
	const query = `UPDATE users SET message_count = message_count + 1 WHERE id = $1 RETURNING message_count`
	var count int64
	err := p.db.QueryRowContext(ctx, query, id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("store: increment message count: %w", err)
	}
	return count, nil
}

// ---------------------------------------------------------------------------
// Rooms
// ---------------------------------------------------------------------------

// CreateGroup inserts a room; duplicates are no-ops (first writer wins).
func (p *Postgres) CreateGroup(ctx context.Context, name string) error {
	return p.execIdempotent(ctx, `INSERT INTO groups (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name)
}

// FindGroup returns a room and its member set, or ErrNotFound.
func (p *Postgres) FindGroup(ctx context.Context, name string) (*Room, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT TRUE FROM groups WHERE name = $1`, name).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find group: %w", err)
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT identity_id FROM group_members WHERE group_name = $1`, name)
	if err != nil {
		return nil, fmt.Errorf("store: group members: %w", err)
	}
	defer rows.Close()

	room := &Room{Name: name}
	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return nil, fmt.Errorf("store: scan member: %w", err)
		}
		room.Members = append(room.Members, member)
	}
	return room, rows.Err()
}

// ListGroups returns all room names ordered alphabetically.
func (p *Postgres) ListGroups(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT name FROM groups ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: list groups: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("store: scan group: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// AddMember records durable room membership; duplicates are no-ops.
func (p *Postgres) AddMember(ctx context.Context, room, identityID string) error {
	return p.execIdempotent(ctx, `
		INSERT INTO group_members (group_name, identity_id)
		VALUES ($1, $2)
		ON CONFLICT (group_name, identity_id) DO NOTHING`, room, identityID)
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// AppendMessage persists a message. The database assigns the ID and the
// commit timestamp, which defines the room's broadcast order.
func (p *Postgres) AppendMessage(ctx context.Context, msg *Message) (*Message, error) {
	const query = `
		INSERT INTO messages (author, text, room, file_url, file_name)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''))
		RETURNING id, timestamp`

	persisted := *msg
	err := p.db.QueryRowContext(ctx, query,
		msg.Author, msg.Text, msg.Room, msg.FileURL, msg.FileName,
	).Scan(&persisted.ID, &persisted.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("store: append message: %w", err)
	}
	return &persisted, nil
}

// MessagesSince returns a room's messages at or after t0, oldest first.
// Ties on timestamp are broken by insertion order.
func (p *Postgres) MessagesSince(ctx context.Context, room string, t0 time.Time) ([]Message, error) {
	const query = `
		SELECT id, author, text, room, timestamp,
		       COALESCE(file_url, ''), COALESCE(file_name, '')
		FROM messages
		WHERE room = $1 AND timestamp >= $2
		ORDER BY timestamp ASC, id ASC`

	rows, err := p.db.QueryContext(ctx, query, room, t0)
	if err != nil {
		return nil, fmt.Errorf("store: messages since: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Author, &m.Text, &m.Room, &m.Timestamp,
			&m.FileURL, &m.FileName); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// exec runs a keyed update and maps "no rows affected" to ErrNotFound.
func (p *Postgres) exec(ctx context.Context, query string, args ...interface{}) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: exec: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// execIdempotent runs an insert where zero affected rows is a legitimate
// outcome (ON CONFLICT DO NOTHING).
func (p *Postgres) execIdempotent(ctx context.Context, query string, args ...interface{}) error {
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: exec: %w", err)
	}
	return nil
}
