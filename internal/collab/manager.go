// Package collab runs live document sessions. A session owns the merge
// engine for one (room, file) key, relays operations and presence between
// the sockets attached to it, and persists the document while anyone is
// editing.
package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"coderoom/api/internal/crdt"
	"coderoom/api/internal/gitrepo"
	"coderoom/api/internal/search"
	"coderoom/api/internal/store"

	"go.uber.org/zap"
)

// ServerReplica is the replica ID the server uses when it seeds a document
// from plain file content. Seeding is deterministic, so two seeds of the same
// content produce identical operations.
const ServerReplica = "server"

// Key identifies one shared document.
type Key struct {
	RoomID   string
	FileName string
}

func (k Key) String() string { return k.RoomID + "/" + k.FileName }

// Peer is one socket attached to a document.
type Peer interface {
	ID() string
	UserID() string
	Send(data []byte) bool
	Close()
}

// Delivery is an encoded frame addressed to one peer.
type Delivery struct {
	To   Peer
	Data []byte
}

// Dispatch hands every delivery to its peer.
func Dispatch(deliveries []Delivery) {
	for _, d := range deliveries {
		d.To.Send(d.Data)
	}
}

// Replica is the merge engine a session drives. *crdt.Doc implements it.
type Replica interface {
	Insert(pos int, text string) []crdt.Op
	Merge(ops []crdt.Op) ([]crdt.Op, error)
	Diff(vector crdt.Vector) []crdt.Op
	Vector() crdt.Vector
	Materialize() string
	ExportSnapshot() ([]byte, error)
	ImportSnapshot(data []byte) error
	Empty() bool
}

type SnapshotStore interface {
	LoadSnapshot(ctx context.Context, roomID, fileID string) ([]byte, error)
	SaveSnapshot(ctx context.Context, roomID, fileID string, data []byte) error
}

type ContentStore interface {
	GetFileByName(ctx context.Context, roomID, name string) (store.File, error)
	UpsertFileByName(ctx context.Context, item store.File) (store.File, error)
}

type History interface {
	CommitFile(roomID, fileName, content, author, message string) (gitrepo.Commit, bool, error)
}

type Indexer interface {
	IndexFile(rec search.FileRecord)
}

type Options struct {
	FlushInterval   time.Duration
	FlushAttempts   int
	HydrateAttempts int
	HydrateBackoff  time.Duration
	// IdleGrace delays the final flush after the last peer leaves so a quick
	// reconnect keeps the session. Zero unloads immediately.
	IdleGrace  time.Duration
	History    History
	Indexer    Indexer
	NewReplica func(replicaID string) Replica
	Logger     *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.FlushInterval <= 0 {
		o.FlushInterval = 2 * time.Second
	}
	if o.FlushAttempts <= 0 {
		o.FlushAttempts = 3
	}
	if o.HydrateAttempts <= 0 {
		o.HydrateAttempts = 3
	}
	if o.HydrateBackoff <= 0 {
		o.HydrateBackoff = 200 * time.Millisecond
	}
	if o.NewReplica == nil {
		o.NewReplica = func(id string) Replica { return crdt.New(id) }
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Manager is the only place sessions are created or evicted, which keeps at
// most one live session per key.
type Manager struct {
	snapshots SnapshotStore
	content   ContentStore
	opts      Options
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[Key]*Session
	closed   bool
}

func NewManager(snapshots SnapshotStore, content ContentStore, opts Options) *Manager {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		snapshots: snapshots,
		content:   content,
		opts:      opts,
		logger:    opts.Logger.Named("collab"),
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[Key]*Session),
	}
}

var ErrShuttingDown = errors.New("session manager is shutting down")

// Attach joins peer to the session for key, creating and hydrating it when
// none is live. Concurrent attachers for a new key wait for the one
// hydration instead of starting their own. The returned deliveries greet the
// peer with the server's version vector and current presence.
func (m *Manager) Attach(ctx context.Context, key Key, peer Peer, readOnly bool) (*Session, []Delivery, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, nil, ErrShuttingDown
	}
	s, ok := m.sessions[key]
	if !ok {
		s = newSession(m, key)
		m.sessions[key] = s
	}
	s.addPeer(peer, readOnly)
	m.mu.Unlock()

	if !ok {
		s.hydrate(m.ctx)
		s.activate()
	}

	select {
	case <-s.ready:
	case <-ctx.Done():
		m.Detach(key, peer)
		return nil, nil, ctx.Err()
	}
	return s, s.greeting(peer), nil
}

// Detach removes peer and returns the presence removal for the remaining
// peers. When the last peer leaves, the session is flushed one final time and
// evicted in the background.
func (m *Manager) Detach(key Key, peer Peer) []Delivery {
	m.mu.Lock()
	s, ok := m.sessions[key]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	deliveries, last := s.removePeer(peer)
	if last {
		if m.opts.IdleGrace > 0 {
			s.scheduleFinalize(m.opts.IdleGrace)
		} else {
			go m.finalize(s)
		}
	}
	return deliveries
}

// Lookup returns the live session for key, if any.
func (m *Manager) Lookup(key Key) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	return s, ok
}

// Len is the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// finalize stops the flush loop, writes the document out and evicts the
// session unless a peer attached in the meantime.
func (m *Manager) finalize(s *Session) {
	if !s.beginFinalFlush() {
		return
	}
	for {
		s.finalFlush(m.ctx)

		m.mu.Lock()
		reattached, dirty := s.settle()
		if reattached {
			m.mu.Unlock()
			m.logger.Debug("session reattached during final flush", zap.Stringer("key", s.key))
			return
		}
		if !dirty {
			if m.sessions[s.key] == s {
				delete(m.sessions, s.key)
			}
			m.mu.Unlock()
			m.logger.Debug("session unloaded", zap.Stringer("key", s.key))
			return
		}
		m.mu.Unlock()
	}
}

// CloseRoom evicts every session of roomID without a final flush and closes
// the sockets attached to them. Call it before the room's rows are deleted:
// it waits out any flush in progress, and nothing of the room is written
// afterwards.
func (m *Manager) CloseRoom(roomID string) {
	m.mu.Lock()
	var closing []*Session
	for key, s := range m.sessions {
		if key.RoomID == roomID {
			closing = append(closing, s)
			delete(m.sessions, key)
		}
	}
	m.mu.Unlock()

	for _, s := range closing {
		peers := s.discard()
		for _, peer := range peers {
			peer.Close()
		}
		m.logger.Debug("session closed with its room", zap.Stringer("key", s.key), zap.Int("peers", len(peers)))
	}
}

// DropUser detaches and closes every socket userID has open on documents of
// roomID, so a removed member loses edit access at once. The returned
// deliveries carry the presence removals for everyone else.
func (m *Manager) DropUser(roomID, userID string) []Delivery {
	m.mu.Lock()
	var sessions []*Session
	for key, s := range m.sessions {
		if key.RoomID == roomID {
			sessions = append(sessions, s)
		}
	}
	m.mu.Unlock()

	var deliveries []Delivery
	for _, s := range sessions {
		for _, peer := range s.peersOf(userID) {
			deliveries = append(deliveries, m.Detach(s.key, peer)...)
			peer.Close()
		}
	}
	return deliveries
}

// Shutdown refuses new attaches, then flushes and evicts every session.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.claimForShutdown()
			s.finalFlush(ctx)
		}(s)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		return ctx.Err()
	}
}

// backoff waits before retry attempt n (1-based) and reports whether the
// context is still live.
func backoff(ctx context.Context, base time.Duration, attempt int) bool {
	delay := base << (attempt - 1)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
