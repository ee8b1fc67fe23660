package app

import (
	"context"
	"errors"
	"net/http"

	"coderoom/api/internal/auth"
	"coderoom/api/internal/chat"
	"coderoom/api/internal/collab"
	"coderoom/api/internal/rbac"
	"coderoom/api/internal/wsconn"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// closeForbidden is sent on the sync socket when the caller is not a member of
// a room that has a member list.
const closeForbidden = 4003

// liveSockets closes the document sessions and chat subscriptions of a room.
type liveSockets struct {
	sessions *collab.Manager
	rooms    *chat.Coordinator
}

func (l liveSockets) CloseRoom(roomID string) {
	l.sessions.CloseRoom(roomID)
	l.rooms.CloseRoom(roomID)
}

func (l liveSockets) DropUser(ctx context.Context, roomID, userID string) {
	collab.Dispatch(l.sessions.DropUser(roomID, userID))
	chat.Dispatch(l.rooms.RemoveUser(ctx, roomID, userID))
}

// upgrade accepts the socket and then verifies the token from the query
// string. Verification happens after the upgrade so a failure can be reported
// with a close code the client can read.
func (s *HTTPServer) upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, Session, bool) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return nil, Session{}, false
	}
	session, err := s.service.SessionFromToken(r.URL.Query().Get("token"))
	if err != nil {
		s.logger.Debug("rejecting socket", zap.String("path", r.URL.Path), zap.Error(err))
		wsconn.Reject(ws, auth.CloseCode(err), err.Error())
		return nil, Session{}, false
	}
	return ws, session, true
}

// handleRoomSocket serves the chat and room presence channel.
func (s *HTTPServer) handleRoomSocket(w http.ResponseWriter, r *http.Request) {
	ws, session, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	conn := wsconn.New(ws, session.UserID, websocket.TextMessage, s.logger)
	conn.Run(func(data []byte) {
		chat.Dispatch(s.rooms.Handle(ctx, conn, data))
	})
	chat.Dispatch(s.rooms.Disconnect(ctx, conn))
}

// handleSyncSocket attaches the socket to the live session of one document.
func (s *HTTPServer) handleSyncSocket(w http.ResponseWriter, r *http.Request) {
	key := collab.Key{RoomID: chi.URLParam(r, "roomId")}
	name, ok := fileParam(w, r)
	if !ok {
		return
	}
	key.FileName = name

	ws, session, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	role, err := s.service.RoomAccess(ctx, key.RoomID, session.UserID)
	if err != nil {
		if errors.Is(err, errForbidden) {
			wsconn.Reject(ws, closeForbidden, "forbidden")
			return
		}
		s.logger.Error("resolve room access", zap.Stringer("key", key), zap.Error(err))
		wsconn.Reject(ws, websocket.CloseInternalServerErr, "server error")
		return
	}

	conn := wsconn.New(ws, session.UserID, websocket.BinaryMessage, s.logger)
	doc, greeting, err := s.sessions.Attach(ctx, key, conn, !rbac.Can(role, rbac.ActionEdit))
	if err != nil {
		wsconn.Reject(ws, websocket.CloseTryAgainLater, err.Error())
		return
	}
	collab.Dispatch(greeting)
	conn.Run(func(data []byte) {
		collab.Dispatch(doc.Handle(conn, data))
	})
	collab.Dispatch(s.sessions.Detach(key, conn))
}
