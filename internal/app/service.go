package app

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"coderoom/api/internal/auth"
	"coderoom/api/internal/collab"
	"coderoom/api/internal/config"
	"coderoom/api/internal/gitrepo"
	"coderoom/api/internal/rbac"
	"coderoom/api/internal/search"
	"coderoom/api/internal/store"
	"coderoom/api/internal/util"

	"go.uber.org/zap"
)

type Session struct {
	UserID string
}

type FileContent struct {
	Content  string `json:"content"`
	Language string `json:"language"`
}

type dataStore interface {
	Ping(context.Context) error
	UpsertUser(context.Context, string, string) error
	GetUser(context.Context, string) (store.User, error)
	CreateRoom(context.Context, store.Room) (store.Room, error)
	GetRoom(context.Context, string) (store.Room, error)
	ListRoomsForUser(context.Context, string) ([]store.Room, error)
	DeleteRoom(context.Context, string) error
	AddMember(context.Context, string, string, string) (store.Member, error)
	RemoveMember(context.Context, string, string) error
	MemberRole(context.Context, string, string) (string, error)
	ListMembers(context.Context, string) ([]store.Member, error)
	GetFileByName(context.Context, string, string) (store.File, error)
	UpsertFileByName(context.Context, store.File) (store.File, error)
	ListFiles(context.Context, string) ([]store.File, error)
	DeleteFileByName(context.Context, string, string) error
}

type gitService interface {
	History(string, string, int) ([]gitrepo.Commit, error)
	FileAt(string, string, string) (string, error)
	DeleteRoom(string) error
}

type searchService interface {
	Search(search.Query) search.Response
	IndexFile(search.FileRecord)
	DeleteFile(string)
}

// roomCleaner removes room data kept outside Postgres.
type roomCleaner interface {
	DeleteRoom(context.Context, string) error
}

// liveRooms ends what is still connected to a room when it is deleted or a
// member loses access.
type liveRooms interface {
	CloseRoom(roomID string)
	DropUser(ctx context.Context, roomID, userID string)
}

type readinessCheck struct {
	name  string
	check func(context.Context) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	git      gitService
	search   searchService
	verifier *auth.Verifier
	cleaners []roomCleaner
	live     liveRooms
	checks   []readinessCheck
	logger   *zap.Logger
}

func New(cfg config.Config, dataStore *store.PostgresStore, gitService *gitrepo.Service, searchService *search.Service, logger *zap.Logger) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		git:      gitService,
		search:   searchService,
		verifier: auth.NewVerifier(cfg.JWTSecret),
		logger:   logger.Named("app"),
	}
}

// AddRoomCleaner registers an extra store to purge when a room is deleted.
func (s *Service) AddRoomCleaner(c roomCleaner) {
	s.cleaners = append(s.cleaners, c)
}

// SetLiveRooms registers the sockets and sessions to end on room deletion
// and member removal.
func (s *Service) SetLiveRooms(l liveRooms) {
	s.live = l
}

// AddReadinessCheck registers a dependency reported by /api/ready next to the
// database.
func (s *Service) AddReadinessCheck(name string, check func(context.Context) error) {
	s.checks = append(s.checks, readinessCheck{name: name, check: check})
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	userID, err := s.verifier.Verify(token)
	if err != nil {
		return Session{}, err
	}
	return Session{UserID: userID}, nil
}

func (s *Service) Me(ctx context.Context, session Session) (store.User, error) {
	user, err := s.store.GetUser(ctx, session.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return store.User{ID: session.UserID}, nil
	}
	return user, err
}

func (s *Service) UpdateProfile(ctx context.Context, session Session, displayName string) (store.User, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return store.User{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "displayName is required", nil)
	}
	if err := s.store.UpsertUser(ctx, session.UserID, displayName); err != nil {
		return store.User{}, err
	}
	return s.store.GetUser(ctx, session.UserID)
}

func (s *Service) CreateRoom(ctx context.Context, session Session, name string) (store.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Room{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	return s.store.CreateRoom(ctx, store.Room{
		ID:        util.NewID("room"),
		Name:      name,
		CreatedBy: session.UserID,
	})
}

func (s *Service) ListRooms(ctx context.Context, session Session) ([]store.Room, error) {
	return s.store.ListRoomsForUser(ctx, session.UserID)
}

func (s *Service) GetRoom(ctx context.Context, session Session, roomID string) (store.Room, error) {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return store.Room{}, err
	}
	if !isMember(room.Members, session.UserID) {
		return store.Room{}, errForbidden
	}
	return room, nil
}

func (s *Service) Participants(ctx context.Context, session Session, roomID string) ([]store.Member, error) {
	if _, err := s.authorize(ctx, roomID, session.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListMembers(ctx, roomID)
}

// JoinRoom adds the caller to an existing room as an EDITOR.
func (s *Service) JoinRoom(ctx context.Context, session Session, roomID string) (store.Member, error) {
	if _, err := s.store.GetRoom(ctx, roomID); err != nil {
		return store.Member{}, err
	}
	member, err := s.store.AddMember(ctx, roomID, session.UserID, store.RoleEditor)
	if errors.Is(err, store.ErrConflict) {
		return store.Member{}, domainError(http.StatusConflict, "ALREADY_MEMBER", "Already a member of this room", nil)
	}
	return member, err
}

func (s *Service) LeaveRoom(ctx context.Context, session Session, roomID string) error {
	role, err := s.store.MemberRole(ctx, roomID, session.UserID)
	if err != nil {
		return err
	}
	if rbac.Normalize(role) == rbac.RoleOwner {
		return domainError(http.StatusUnprocessableEntity, "OWNER_CANNOT_LEAVE", "The owner must delete the room instead of leaving", nil)
	}
	if err := s.store.RemoveMember(ctx, roomID, session.UserID); err != nil {
		return err
	}
	s.dropUser(ctx, roomID, session.UserID)
	return nil
}

func (s *Service) RemoveMember(ctx context.Context, session Session, roomID, userID string) error {
	if _, err := s.authorize(ctx, roomID, session.UserID, rbac.ActionRemoveMember); err != nil {
		return err
	}
	if userID == session.UserID {
		return domainError(http.StatusUnprocessableEntity, "CANNOT_REMOVE_SELF", "The owner cannot remove themselves", nil)
	}
	if err := s.store.RemoveMember(ctx, roomID, userID); err != nil {
		return err
	}
	s.dropUser(ctx, roomID, userID)
	return nil
}

func (s *Service) dropUser(ctx context.Context, roomID, userID string) {
	if s.live != nil {
		s.live.DropUser(ctx, roomID, userID)
	}
}

// DeleteRoom removes the room and everything stored for it. Live sessions
// are closed first so no flush writes the room's files back. Failures outside
// Postgres are logged; the room itself is already gone by then.
func (s *Service) DeleteRoom(ctx context.Context, session Session, roomID string) error {
	if _, err := s.authorize(ctx, roomID, session.UserID, rbac.ActionDeleteRoom); err != nil {
		return err
	}
	files, err := s.store.ListFiles(ctx, roomID)
	if err != nil {
		return err
	}
	if s.live != nil {
		s.live.CloseRoom(roomID)
	}
	if err := s.store.DeleteRoom(ctx, roomID); err != nil {
		return err
	}
	for _, f := range files {
		s.search.DeleteFile(f.ID)
	}
	if err := s.git.DeleteRoom(roomID); err != nil {
		s.logger.Warn("delete room history", zap.String("roomId", roomID), zap.Error(err))
	}
	for _, c := range s.cleaners {
		if err := c.DeleteRoom(ctx, roomID); err != nil {
			s.logger.Warn("delete room data", zap.String("roomId", roomID), zap.Error(err))
		}
	}
	return nil
}

// RoomAccess resolves the caller's role in roomID. Rooms that were never
// created through the API are open: anyone may edit them.
func (s *Service) RoomAccess(ctx context.Context, roomID, userID string) (rbac.Role, error) {
	role, err := s.store.MemberRole(ctx, roomID, userID)
	if err == nil {
		return rbac.Normalize(role), nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	if _, err := s.store.GetRoom(ctx, roomID); err == nil {
		return "", errForbidden
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	return rbac.RoleEditor, nil
}

func (s *Service) authorize(ctx context.Context, roomID, userID string, action rbac.Action) (rbac.Role, error) {
	role, err := s.RoomAccess(ctx, roomID, userID)
	if err != nil {
		return "", err
	}
	if !rbac.Can(role, action) {
		return "", errForbidden
	}
	return role, nil
}

// GetFile returns the stored content of a file, or empty plaintext when the
// file has never been saved.
func (s *Service) GetFile(ctx context.Context, session Session, roomID, name string) (FileContent, error) {
	if _, err := s.authorize(ctx, roomID, session.UserID, rbac.ActionRead); err != nil {
		return FileContent{}, err
	}
	file, err := s.store.GetFileByName(ctx, roomID, name)
	if errors.Is(err, store.ErrNotFound) {
		return FileContent{Content: "", Language: collab.DefaultLanguage}, nil
	}
	if err != nil {
		return FileContent{}, err
	}
	return FileContent{Content: file.Content, Language: file.Language}, nil
}

func (s *Service) SaveFile(ctx context.Context, session Session, roomID, name string, input FileContent) (store.File, error) {
	if _, err := s.authorize(ctx, roomID, session.UserID, rbac.ActionEdit); err != nil {
		return store.File{}, err
	}
	language := strings.TrimSpace(input.Language)
	if language == "" {
		language = collab.LanguageFor(name)
	}
	file, err := s.store.UpsertFileByName(ctx, store.File{
		ID:       util.NewID("file"),
		RoomID:   roomID,
		Name:     name,
		Language: language,
		Content:  input.Content,
	})
	if err != nil {
		return store.File{}, err
	}
	s.search.IndexFile(search.FileRecord{
		ID:       file.ID,
		RoomID:   file.RoomID,
		Name:     file.Name,
		Language: file.Language,
		Content:  file.Content,
	})
	return file, nil
}

func (s *Service) ListFiles(ctx context.Context, session Session, roomID string) ([]store.File, error) {
	if _, err := s.authorize(ctx, roomID, session.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListFiles(ctx, roomID)
}

func (s *Service) DeleteFile(ctx context.Context, session Session, roomID, name string) error {
	if _, err := s.authorize(ctx, roomID, session.UserID, rbac.ActionEdit); err != nil {
		return err
	}
	file, err := s.store.GetFileByName(ctx, roomID, name)
	if err != nil {
		return err
	}
	if err := s.store.DeleteFileByName(ctx, roomID, name); err != nil {
		return err
	}
	s.search.DeleteFile(file.ID)
	return nil
}

// Search is scoped to one room when q.RoomID is set; the caller must be able
// to read it.
func (s *Service) Search(ctx context.Context, session Session, q search.Query) (search.Response, error) {
	if q.RoomID == "" {
		return search.Response{}, domainError(http.StatusBadRequest, "INVALID_QUERY", "roomId is required", nil)
	}
	if _, err := s.authorize(ctx, q.RoomID, session.UserID, rbac.ActionRead); err != nil {
		return search.Response{}, err
	}
	return s.search.Search(q), nil
}

func (s *Service) FileHistory(ctx context.Context, session Session, roomID, name string, limit int) ([]gitrepo.Commit, error) {
	if _, err := s.authorize(ctx, roomID, session.UserID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.git.History(roomID, name, limit)
}

func (s *Service) FileAt(ctx context.Context, session Session, roomID, name, hash string) (FileContent, error) {
	if _, err := s.authorize(ctx, roomID, session.UserID, rbac.ActionRead); err != nil {
		return FileContent{}, err
	}
	content, err := s.git.FileAt(roomID, name, hash)
	if err != nil {
		return FileContent{}, err
	}
	return FileContent{Content: content, Language: collab.LanguageFor(name)}, nil
}

func isMember(members []store.Member, userID string) bool {
	for _, m := range members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}
