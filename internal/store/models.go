package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

const (
	RoleOwner  = "OWNER"
	RoleEditor = "EDITOR"
	RoleViewer = "VIEWER"
)

type User struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
}

type Room struct {
	ID        string
	Name      string
	CreatedBy string
	CreatedAt time.Time
	Members   []Member
}

type Member struct {
	RoomID   string
	UserID   string
	Name     string
	Role     string
	JoinedAt time.Time
}

type File struct {
	ID        string
	RoomID    string
	Name      string
	Language  string
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type ChatMessage struct {
	ID        string
	RoomID    string
	UserID    string
	Text      string
	CreatedAt time.Time
}
