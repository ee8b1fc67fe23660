package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// UpsertUser records the display name of a user known from a verified token
// or an out-of-band directory.
func (s *PostgresStore) UpsertUser(ctx context.Context, userID, displayName string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET display_name=EXCLUDED.display_name
	`, userID, displayName)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, created_at FROM users WHERE id=$1`, userID).
		Scan(&user.ID, &user.DisplayName, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

// UserNames resolves display names for the given IDs. Unknown users are
// absent from the result.
func (s *PostgresStore) UserNames(ctx context.Context, userIDs []string) (map[string]string, error) {
	names := make(map[string]string, len(userIDs))
	if len(userIDs) == 0 {
		return names, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, display_name FROM users WHERE id = ANY($1)`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve user names: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan user name: %w", err)
		}
		names[id] = name
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user names: %w", err)
	}
	return names, nil
}

// CreateRoom inserts the room and its creator as OWNER in one transaction.
func (s *PostgresStore) CreateRoom(ctx context.Context, room Room) (Room, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Room{}, fmt.Errorf("begin create room: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.QueryRowContext(ctx, `
		INSERT INTO rooms (id, name, created_by)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`, room.ID, room.Name, room.CreatedBy).Scan(&room.CreatedAt); err != nil {
		return Room{}, fmt.Errorf("insert room: %w", err)
	}
	owner := Member{RoomID: room.ID, UserID: room.CreatedBy, Role: RoleOwner}
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO room_members (room_id, user_id, role)
		VALUES ($1, $2, $3)
		RETURNING joined_at
	`, owner.RoomID, owner.UserID, owner.Role).Scan(&owner.JoinedAt); err != nil {
		return Room{}, fmt.Errorf("insert room owner: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Room{}, fmt.Errorf("commit create room: %w", err)
	}
	room.Members = []Member{owner}
	return room, nil
}

func (s *PostgresStore) GetRoom(ctx context.Context, roomID string) (Room, error) {
	var room Room
	err := s.db.QueryRowContext(ctx, `SELECT id, name, created_by, created_at FROM rooms WHERE id=$1`, roomID).
		Scan(&room.ID, &room.Name, &room.CreatedBy, &room.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, fmt.Errorf("get room: %w", err)
	}
	members, err := s.ListMembers(ctx, roomID)
	if err != nil {
		return Room{}, err
	}
	room.Members = members
	return room, nil
}

// ListRoomsForUser returns the rooms the user is a member of, newest first.
func (s *PostgresStore) ListRoomsForUser(ctx context.Context, userID string) ([]Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.name, r.created_by, r.created_at
		FROM rooms r
		JOIN room_members m ON m.room_id = r.id
		WHERE m.user_id = $1
		ORDER BY r.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	items := make([]Room, 0)
	for rows.Next() {
		var item Room
		if err := rows.Scan(&item.ID, &item.Name, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}
	return items, nil
}

// DeleteRoom removes the room with its members, files, snapshots and chat.
func (s *PostgresStore) DeleteRoom(ctx context.Context, roomID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete room: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM chat_messages WHERE room_id=$1`,
		`DELETE FROM file_snapshots WHERE room_id=$1`,
		`DELETE FROM files WHERE room_id=$1`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, roomID); err != nil {
			return fmt.Errorf("delete room contents: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM rooms WHERE id=$1`, roomID)
	if err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete room: %w", err)
	}
	return nil
}

// AddMember returns ErrConflict when the user already belongs to the room.
func (s *PostgresStore) AddMember(ctx context.Context, roomID, userID, role string) (Member, error) {
	member := Member{RoomID: roomID, UserID: userID, Role: role}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO room_members (room_id, user_id, role)
		VALUES ($1, $2, $3)
		RETURNING joined_at
	`, roomID, userID, role).Scan(&member.JoinedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return Member{}, ErrConflict
	}
	if err != nil {
		return Member{}, fmt.Errorf("add member: %w", err)
	}
	return member, nil
}

func (s *PostgresStore) RemoveMember(ctx context.Context, roomID, userID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM room_members WHERE room_id=$1 AND user_id=$2`, roomID, userID)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MemberRole returns ErrNotFound when the user is not a member.
func (s *PostgresStore) MemberRole(ctx context.Context, roomID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `SELECT role FROM room_members WHERE room_id=$1 AND user_id=$2`, roomID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read member role: %w", err)
	}
	return role, nil
}

// ListMembers returns members in join order with display names resolved.
func (s *PostgresStore) ListMembers(ctx context.Context, roomID string) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.room_id, m.user_id, coalesce(u.display_name, ''), m.role, m.joined_at
		FROM room_members m
		LEFT JOIN users u ON u.id = m.user_id
		WHERE m.room_id = $1
		ORDER BY m.joined_at ASC, m.user_id ASC
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	items := make([]Member, 0)
	for rows.Next() {
		var item Member
		if err := rows.Scan(&item.RoomID, &item.UserID, &item.Name, &item.Role, &item.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetFileByName(ctx context.Context, roomID, name string) (File, error) {
	var item File
	err := s.db.QueryRowContext(ctx, `
		SELECT id, room_id, name, language, content, created_at, updated_at
		FROM files
		WHERE room_id=$1 AND name=$2
	`, roomID, name).Scan(&item.ID, &item.RoomID, &item.Name, &item.Language, &item.Content, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return File{}, ErrNotFound
	}
	if err != nil {
		return File{}, fmt.Errorf("get file: %w", err)
	}
	return item, nil
}

// UpsertFileByName is last-writer-wins on (room_id, name). item.ID is used
// only when the row is created.
func (s *PostgresStore) UpsertFileByName(ctx context.Context, item File) (File, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO files (id, room_id, name, language, content)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (room_id, name) DO UPDATE
		SET language=EXCLUDED.language, content=EXCLUDED.content, updated_at=NOW()
		RETURNING id, created_at, updated_at
	`, item.ID, item.RoomID, item.Name, item.Language, item.Content).Scan(&item.ID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return File{}, fmt.Errorf("upsert file: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListFiles(ctx context.Context, roomID string) ([]File, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, name, language, created_at, updated_at
		FROM files
		WHERE room_id=$1
		ORDER BY name ASC
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	items := make([]File, 0)
	for rows.Next() {
		var item File
		if err := rows.Scan(&item.ID, &item.RoomID, &item.Name, &item.Language, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate files: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DeleteFileByName(ctx context.Context, roomID, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete file: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM files WHERE room_id=$1 AND name=$2`, roomID, name)
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM file_snapshots WHERE room_id=$1 AND file_id=$2`, roomID, name); err != nil {
		return fmt.Errorf("delete file snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete file: %w", err)
	}
	return nil
}

// LoadSnapshot returns ErrNotFound when the document was never flushed.
func (s *PostgresStore) LoadSnapshot(ctx context.Context, roomID, fileID string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM file_snapshots WHERE room_id=$1 AND file_id=$2`, roomID, fileID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return data, nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, roomID, fileID string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_snapshots (room_id, file_id, snapshot)
		VALUES ($1, $2, $3)
		ON CONFLICT (room_id, file_id) DO UPDATE SET snapshot=EXCLUDED.snapshot, updated_at=NOW()
	`, roomID, fileID, data)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// InsertChatMessage assigns created_at on the server and returns it.
func (s *PostgresStore) InsertChatMessage(ctx context.Context, msg ChatMessage) (ChatMessage, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO chat_messages (id, room_id, user_id, text)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, msg.ID, msg.RoomID, msg.UserID, msg.Text).Scan(&msg.CreatedAt)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("insert chat message: %w", err)
	}
	return msg, nil
}

// ListRecentChatMessages returns the newest limit messages of a room in
// creation order, oldest first.
func (s *PostgresStore) ListRecentChatMessages(ctx context.Context, roomID string, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, user_id, text, created_at
		FROM (
			SELECT id, room_id, user_id, text, created_at
			FROM chat_messages
			WHERE room_id=$1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC, id ASC
	`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()

	items := make([]ChatMessage, 0)
	for rows.Next() {
		var item ChatMessage
		if err := rows.Scan(&item.ID, &item.RoomID, &item.UserID, &item.Text, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	return items, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
