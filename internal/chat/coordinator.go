// Package chat routes room membership, chat and participant presence over the
// room socket. The Coordinator owns the room to subscriber map; it never
// touches a socket and returns the frames to send instead.
package chat

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"coderoom/api/internal/store"
	"coderoom/api/internal/util"

	"go.uber.org/zap"
)

const (
	TypeJoin     = "room:join"
	TypeLeave    = "room:leave"
	TypeSend     = "chat:send"
	TypeHistory  = "chat:history"
	TypeReceive  = "chat:receive"
	TypePresence = "room:presence"
)

const DefaultHistoryLimit = 50

// Peer is one authenticated room socket.
type Peer interface {
	ID() string
	UserID() string
	Open() bool
	Send(data []byte) bool
}

type Delivery struct {
	To   Peer
	Data []byte
}

func Dispatch(deliveries []Delivery) {
	for _, d := range deliveries {
		d.To.Send(d.Data)
	}
}

type Store interface {
	InsertChatMessage(ctx context.Context, msg store.ChatMessage) (store.ChatMessage, error)
	ListRecentChatMessages(ctx context.Context, roomID string, limit int) ([]store.ChatMessage, error)
	UserNames(ctx context.Context, userIDs []string) (map[string]string, error)
}

// Broker fans chat out to other server processes.
type Broker interface {
	Publish(ctx context.Context, roomID string, payload []byte) error
}

type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type roomPayload struct {
	RoomID string `json:"roomId"`
	Text   string `json:"text"`
}

type Message struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"roomId"`
	UserID     string    `json:"userId"`
	SenderName string    `json:"senderName"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"createdAt"`
}

type History struct {
	RoomID   string    `json:"roomId"`
	Messages []Message `json:"messages"`
}

type Participant struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

type Presence struct {
	RoomID       string        `json:"roomId"`
	Participants []Participant `json:"participants"`
}

type Options struct {
	HistoryLimit int
	Broker       Broker
	Logger       *zap.Logger
	Now          func() time.Time
}

type Coordinator struct {
	store        Store
	broker       Broker
	historyLimit int
	logger       *zap.Logger
	now          func() time.Time

	mu    sync.Mutex
	rooms map[string]map[string]Peer
}

func NewCoordinator(st Store, opts Options) *Coordinator {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		store:        st,
		broker:       opts.Broker,
		historyLimit: opts.HistoryLimit,
		logger:       opts.Logger.Named("chat"),
		now:          opts.Now,
		rooms:        make(map[string]map[string]Peer),
	}
}

// Handle processes one text frame from peer. Anything it cannot make sense of
// is dropped without a reply and the socket stays open.
func (c *Coordinator) Handle(ctx context.Context, peer Peer, raw []byte) []Delivery {
	if peer.UserID() == "" {
		return nil
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Debug("ignoring malformed envelope", zap.String("connId", peer.ID()), zap.Error(err))
		return nil
	}
	var payload roomPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			c.logger.Debug("ignoring malformed payload", zap.String("type", env.Type), zap.Error(err))
			return nil
		}
	}
	payload.RoomID = strings.TrimSpace(payload.RoomID)
	if payload.RoomID == "" {
		return nil
	}

	switch env.Type {
	case TypeJoin:
		return c.join(ctx, peer, payload.RoomID)
	case TypeLeave:
		return c.leave(ctx, peer, payload.RoomID)
	case TypeSend:
		if strings.TrimSpace(payload.Text) == "" {
			return nil
		}
		return c.send(ctx, peer, payload.RoomID, payload.Text)
	default:
		c.logger.Debug("ignoring unknown message type", zap.String("type", env.Type))
		return nil
	}
}

func (c *Coordinator) join(ctx context.Context, peer Peer, roomID string) []Delivery {
	c.mu.Lock()
	subs, ok := c.rooms[roomID]
	if !ok {
		subs = make(map[string]Peer)
		c.rooms[roomID] = subs
	}
	subs[peer.ID()] = peer
	c.mu.Unlock()

	history, err := c.history(ctx, roomID)
	if err != nil {
		c.logger.Warn("load chat history", zap.String("roomId", roomID), zap.Error(err))
		history = []Message{}
	}
	out := []Delivery{{To: peer, Data: encode(TypeHistory, History{RoomID: roomID, Messages: history})}}
	return append(out, c.presence(ctx, roomID)...)
}

func (c *Coordinator) leave(ctx context.Context, peer Peer, roomID string) []Delivery {
	if !c.unsubscribe(peer, roomID) {
		return nil
	}
	return c.presence(ctx, roomID)
}

func (c *Coordinator) unsubscribe(peer Peer, roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs, ok := c.rooms[roomID]
	if !ok {
		return false
	}
	if _, ok := subs[peer.ID()]; !ok {
		return false
	}
	delete(subs, peer.ID())
	if len(subs) == 0 {
		delete(c.rooms, roomID)
	}
	return true
}

// send persists and broadcasts a chat message. A failed write is logged and
// the message is still delivered.
func (c *Coordinator) send(ctx context.Context, peer Peer, roomID, text string) []Delivery {
	msg := store.ChatMessage{
		ID:        util.NewID("msg"),
		RoomID:    roomID,
		UserID:    peer.UserID(),
		Text:      text,
		CreatedAt: c.now().UTC(),
	}
	if saved, err := c.store.InsertChatMessage(ctx, msg); err != nil {
		c.logger.Error("persist chat message", zap.String("roomId", roomID), zap.Error(err))
	} else {
		msg = saved
	}

	names := c.names(ctx, []string{msg.UserID})
	data := encode(TypeReceive, toMessage(msg, names))

	if c.broker != nil {
		if err := c.broker.Publish(ctx, roomID, data); err != nil {
			c.logger.Warn("publish chat message", zap.String("roomId", roomID), zap.Error(err))
		}
	}
	return c.fanout(roomID, data)
}

// Remote delivers a frame published for roomID by another process.
func (c *Coordinator) Remote(roomID string, data []byte) []Delivery {
	return c.fanout(roomID, data)
}

// Disconnect drops peer from every room it joined and tells the remaining
// subscribers who is still there.
func (c *Coordinator) Disconnect(ctx context.Context, peer Peer) []Delivery {
	c.mu.Lock()
	var left []string
	for roomID, subs := range c.rooms {
		if _, ok := subs[peer.ID()]; !ok {
			continue
		}
		delete(subs, peer.ID())
		if len(subs) == 0 {
			delete(c.rooms, roomID)
			continue
		}
		left = append(left, roomID)
	}
	c.mu.Unlock()

	var out []Delivery
	for _, roomID := range left {
		out = append(out, c.presence(ctx, roomID)...)
	}
	return out
}

// CloseRoom unsubscribes every socket from roomID. The sockets stay open for
// the other rooms they joined.
func (c *Coordinator) CloseRoom(roomID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.rooms[roomID])
	delete(c.rooms, roomID)
	return n
}

// RemoveUser unsubscribes the sockets of userID from roomID and tells the
// remaining subscribers who is still there.
func (c *Coordinator) RemoveUser(ctx context.Context, roomID, userID string) []Delivery {
	c.mu.Lock()
	subs := c.rooms[roomID]
	removed := 0
	for id, peer := range subs {
		if peer.UserID() == userID {
			delete(subs, id)
			removed++
		}
	}
	if len(subs) == 0 {
		delete(c.rooms, roomID)
	}
	c.mu.Unlock()

	if removed == 0 {
		return nil
	}
	return c.presence(ctx, roomID)
}

// Subscribers is the number of sockets joined to roomID.
func (c *Coordinator) Subscribers(roomID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rooms[roomID])
}

func (c *Coordinator) history(ctx context.Context, roomID string) ([]Message, error) {
	items, err := c.store.ListRecentChatMessages(ctx, roomID, c.historyLimit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.UserID)
	}
	names := c.names(ctx, ids)
	out := make([]Message, 0, len(items))
	for _, item := range items {
		out = append(out, toMessage(item, names))
	}
	return out, nil
}

func (c *Coordinator) presence(ctx context.Context, roomID string) []Delivery {
	peers := c.subscribers(roomID)
	if len(peers) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(peers))
	ids := make([]string, 0, len(peers))
	for _, p := range peers {
		if !seen[p.UserID()] {
			seen[p.UserID()] = true
			ids = append(ids, p.UserID())
		}
	}
	sort.Strings(ids)
	names := c.names(ctx, ids)
	participants := make([]Participant, 0, len(ids))
	for _, id := range ids {
		participants = append(participants, Participant{UserID: id, Name: displayName(names, id)})
	}
	return deliver(peers, encode(TypePresence, Presence{RoomID: roomID, Participants: participants}))
}

func (c *Coordinator) fanout(roomID string, data []byte) []Delivery {
	return deliver(c.subscribers(roomID), data)
}

func (c *Coordinator) subscribers(roomID string) []Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.rooms[roomID]
	out := make([]Peer, 0, len(subs))
	for _, p := range subs {
		out = append(out, p)
	}
	return out
}

func (c *Coordinator) names(ctx context.Context, ids []string) map[string]string {
	if len(ids) == 0 {
		return nil
	}
	names, err := c.store.UserNames(ctx, ids)
	if err != nil {
		c.logger.Warn("resolve display names", zap.Error(err))
		return nil
	}
	return names
}

func deliver(peers []Peer, data []byte) []Delivery {
	out := make([]Delivery, 0, len(peers))
	for _, p := range peers {
		if p.Open() {
			out = append(out, Delivery{To: p, Data: data})
		}
	}
	return out
}

func toMessage(m store.ChatMessage, names map[string]string) Message {
	return Message{
		ID:         m.ID,
		RoomID:     m.RoomID,
		UserID:     m.UserID,
		SenderName: displayName(names, m.UserID),
		Text:       m.Text,
		CreatedAt:  m.CreatedAt,
	}
}

func displayName(names map[string]string, userID string) string {
	if name := strings.TrimSpace(names[userID]); name != "" {
		return name
	}
	return userID
}

func encode(typ string, payload any) []byte {
	body, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	data, err := json.Marshal(Envelope{Type: typ, Payload: body})
	if err != nil {
		panic(err)
	}
	return data
}
