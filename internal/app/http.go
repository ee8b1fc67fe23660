package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"coderoom/api/internal/chat"
	"coderoom/api/internal/collab"
	"coderoom/api/internal/search"
	"coderoom/api/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type HTTPServer struct {
	service    *Service
	sessions   *collab.Manager
	rooms      *chat.Coordinator
	upgrader   websocket.Upgrader
	corsOrigin string
	logger     *zap.Logger
}

func NewHTTPServer(service *Service, sessions *collab.Manager, rooms *chat.Coordinator, corsOrigin string, logger *zap.Logger) *HTTPServer {
	service.SetLiveRooms(liveSockets{sessions: sessions, rooms: rooms})
	return &HTTPServer{
		service:  service,
		sessions: sessions,
		rooms:    rooms,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		corsOrigin: corsOrigin,
		logger:     logger.Named("http"),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)

	r.Options("/*", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/api/health", s.handleHealth)
	r.Head("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Head("/api/ready", s.handleReady)

	r.Get("/ws", s.handleRoomSocket)
	r.Get("/sync/{roomId}/{fileName}", s.handleSyncSocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireSession)

		r.Get("/me", s.handleMe)
		r.Put("/me", s.handleUpdateMe)

		r.Get("/rooms", s.handleListRooms)
		r.Post("/rooms", s.handleCreateRoom)
		r.Get("/rooms/{roomId}", s.handleGetRoom)
		r.Delete("/rooms/{roomId}", s.handleDeleteRoom)
		r.Post("/rooms/{roomId}/join", s.handleJoinRoom)
		r.Post("/rooms/{roomId}/leave", s.handleLeaveRoom)
		r.Get("/rooms/{roomId}/participants", s.handleParticipants)
		r.Delete("/rooms/{roomId}/members/{userId}", s.handleRemoveMember)
		r.Get("/rooms/{roomId}/files", s.handleListFiles)

		r.Get("/files/{roomId}/file/{fileName}", s.handleGetFile)
		r.Post("/files/{roomId}/file/{fileName}", s.handleSaveFile)
		r.Delete("/files/{roomId}/file/{fileName}", s.handleDeleteFile)
		r.Get("/files/{roomId}/file/{fileName}/history", s.handleFileHistory)
		r.Get("/files/{roomId}/file/{fileName}/history/{hash}", s.handleFileAt)

		r.Get("/search", s.handleSearch)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	for _, c := range s.service.checks {
		if err := c.check(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[c.name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[c.name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := s.service.Me(r.Context(), sessionFrom(r))
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": user.ID, "displayName": user.DisplayName})
}

func (s *HTTPServer) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DisplayName string `json:"displayName"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	user, err := s.service.UpdateProfile(r.Context(), sessionFrom(r), body.DisplayName)
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": user.ID, "displayName": user.DisplayName})
}

func (s *HTTPServer) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.service.ListRooms(r.Context(), sessionFrom(r))
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(rooms))
	for _, room := range rooms {
		items = append(items, roomJSON(room))
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": items})
}

func (s *HTTPServer) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	room, err := s.service.CreateRoom(r.Context(), sessionFrom(r), body.Name)
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, roomJSON(room))
}

func (s *HTTPServer) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.service.GetRoom(r.Context(), sessionFrom(r), chi.URLParam(r, "roomId"))
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, roomJSON(room))
}

func (s *HTTPServer) handleDeleteRoom(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteRoom(r.Context(), sessionFrom(r), chi.URLParam(r, "roomId")); err != nil {
		s.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	member, err := s.service.JoinRoom(r.Context(), sessionFrom(r), chi.URLParam(r, "roomId"))
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, memberJSON(member))
}

func (s *HTTPServer) handleLeaveRoom(w http.ResponseWriter, r *http.Request) {
	if err := s.service.LeaveRoom(r.Context(), sessionFrom(r), chi.URLParam(r, "roomId")); err != nil {
		s.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleParticipants(w http.ResponseWriter, r *http.Request) {
	members, err := s.service.Participants(r.Context(), sessionFrom(r), chi.URLParam(r, "roomId"))
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(members))
	for _, m := range members {
		items = append(items, memberJSON(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"participants": items})
}

func (s *HTTPServer) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	err := s.service.RemoveMember(r.Context(), sessionFrom(r), chi.URLParam(r, "roomId"), chi.URLParam(r, "userId"))
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.service.ListFiles(r.Context(), sessionFrom(r), chi.URLParam(r, "roomId"))
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(files))
	for _, f := range files {
		items = append(items, map[string]any{
			"id":        f.ID,
			"name":      f.Name,
			"language":  f.Language,
			"updatedAt": f.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": items})
}

func (s *HTTPServer) handleGetFile(w http.ResponseWriter, r *http.Request) {
	name, ok := fileParam(w, r)
	if !ok {
		return
	}
	content, err := s.service.GetFile(r.Context(), sessionFrom(r), chi.URLParam(r, "roomId"), name)
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, content)
}

func (s *HTTPServer) handleSaveFile(w http.ResponseWriter, r *http.Request) {
	name, ok := fileParam(w, r)
	if !ok {
		return
	}
	var body FileContent
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	file, err := s.service.SaveFile(r.Context(), sessionFrom(r), chi.URLParam(r, "roomId"), name, body)
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        file.ID,
		"name":      file.Name,
		"language":  file.Language,
		"updatedAt": file.UpdatedAt,
	})
}

func (s *HTTPServer) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	name, ok := fileParam(w, r)
	if !ok {
		return
	}
	if err := s.service.DeleteFile(r.Context(), sessionFrom(r), chi.URLParam(r, "roomId"), name); err != nil {
		s.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleFileHistory(w http.ResponseWriter, r *http.Request) {
	name, ok := fileParam(w, r)
	if !ok {
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer", nil)
			return
		}
		limit = parsed
	}
	commits, err := s.service.FileHistory(r.Context(), sessionFrom(r), chi.URLParam(r, "roomId"), name, limit)
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commits": commits})
}

func (s *HTTPServer) handleFileAt(w http.ResponseWriter, r *http.Request) {
	name, ok := fileParam(w, r)
	if !ok {
		return
	}
	content, err := s.service.FileAt(r.Context(), sessionFrom(r), chi.URLParam(r, "roomId"), name, chi.URLParam(r, "hash"))
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, content)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := search.Query{
		Text:     strings.TrimSpace(query.Get("q")),
		RoomID:   query.Get("roomId"),
		Language: query.Get("language"),
	}
	q.Limit, _ = strconv.Atoi(query.Get("limit"))
	q.Offset, _ = strconv.Atoi(query.Get("offset"))
	if q.Text == "" {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "q is required", nil)
		return
	}
	if q.RoomID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", "roomId is required", nil)
		return
	}
	resp, err := s.service.Search(r.Context(), sessionFrom(r), q)
	if err != nil {
		s.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeError(w, status, code, message, details)
}

type sessionKey struct{}

// requireSession rejects requests without a valid bearer token and stores the
// caller on the request context.
func (s *HTTPServer) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		session, err := s.service.SessionFromToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, session)))
	})
}

func sessionFrom(r *http.Request) Session {
	session, _ := r.Context().Value(sessionKey{}).(Session)
	return session
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// fileParam returns the unescaped file name route parameter. Names may carry
// an escaped slash for nested paths.
func fileParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	name, err := url.PathUnescape(chi.URLParam(r, "fileName"))
	if err != nil || strings.TrimSpace(name) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_FILE_NAME", "Invalid file name", nil)
		return "", false
	}
	return name, true
}

func roomJSON(room store.Room) map[string]any {
	members := make([]map[string]any, 0, len(room.Members))
	for _, m := range room.Members {
		members = append(members, memberJSON(m))
	}
	return map[string]any{
		"id":        room.ID,
		"name":      room.Name,
		"createdBy": room.CreatedBy,
		"createdAt": room.CreatedAt,
		"members":   members,
	}
}

func memberJSON(m store.Member) map[string]any {
	return map[string]any{
		"userId":   m.UserID,
		"name":     m.Name,
		"role":     m.Role,
		"joinedAt": m.JoinedAt,
	}
}
