package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"coderoom/api/internal/awareness"
	"coderoom/api/internal/crdt"
	"coderoom/api/internal/search"
	"coderoom/api/internal/store"
	"coderoom/api/internal/util"

	"go.uber.org/zap"
)

type State int32

const (
	StateUnloaded State = iota
	StateHydrating
	StateActive
	StateFlushing
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "UNLOADED"
	case StateHydrating:
		return "HYDRATING"
	case StateActive:
		return "ACTIVE"
	case StateFlushing:
		return "FLUSHING"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type attachment struct {
	peer     Peer
	readOnly bool
	color    string
}

// Session is the live state of one document. All engine and presence access
// happens under mu; store and socket I/O never does.
type Session struct {
	key    Key
	m      *Manager
	logger *zap.Logger
	ready  chan struct{}

	// flushMu orders flushes so an older document never overwrites a newer
	// one. It is taken before mu.
	flushMu sync.Mutex

	mu         sync.Mutex
	state      State
	doc        Replica
	presence   *awareness.Map
	peers      map[string]*attachment
	joined     int
	dirty      bool
	lastAuthor string
	stop       context.CancelFunc
	loopDone   chan struct{}
	idle       *time.Timer
	discarded  bool
}

func newSession(m *Manager, key Key) *Session {
	return &Session{
		key:      key,
		m:        m,
		logger:   m.logger.With(zap.String("room", key.RoomID), zap.String("file", key.FileName)),
		ready:    make(chan struct{}),
		state:    StateHydrating,
		doc:      m.opts.NewReplica(ServerReplica),
		presence: awareness.New(),
		peers:    make(map[string]*attachment),
	}
}

func (s *Session) Key() Key { return s.key }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Text returns the current materialized document.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Materialize()
}

// Peers is the number of attached sockets.
func (s *Session) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *Session) addPeer(peer Peer, readOnly bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
	if _, ok := s.peers[peer.ID()]; ok {
		return
	}
	s.peers[peer.ID()] = &attachment{peer: peer, readOnly: readOnly, color: awareness.ColorFor(s.joined)}
	s.joined++
}

// removePeer reports whether peer was the last one attached.
func (s *Session) removePeer(peer Peer) ([]Delivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[peer.ID()]; !ok {
		return nil, false
	}
	delete(s.peers, peer.ID())
	var deliveries []Delivery
	if removal, ok := s.presence.Remove(peer.ID()); ok {
		deliveries = s.broadcastLocked("", Frame{Type: FrameAwareness, Awareness: []awareness.State{removal}})
	}
	return deliveries, len(s.peers) == 0
}

func (s *Session) peersOf(userID string) []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Peer
	for _, att := range s.peers {
		if att.peer.UserID() == userID {
			out = append(out, att.peer)
		}
	}
	return out
}

// discard drops the session for good: pending edits are never written and
// later flushes do nothing. It returns the peers that were attached.
func (s *Session) discard() []Peer {
	s.stopLoop()
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discarded = true
	s.dirty = false
	s.state = StateUnloaded
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
	peers := make([]Peer, 0, len(s.peers))
	for _, att := range s.peers {
		peers = append(peers, att.peer)
	}
	s.peers = make(map[string]*attachment)
	s.presence = awareness.New()
	return peers
}

func (s *Session) hydrate(ctx context.Context) {
	attempts := s.m.opts.HydrateAttempts
	for attempt := 1; attempt <= attempts; attempt++ {
		err := s.hydrateOnce(ctx)
		if err == nil {
			return
		}
		s.logger.Warn("hydration attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt == attempts || !backoff(ctx, s.m.opts.HydrateBackoff, attempt) {
			break
		}
	}
	s.logger.Warn("hydration failed, session continues with an empty document")
}

func (s *Session) hydrateOnce(ctx context.Context) error {
	data, err := s.m.snapshots.LoadSnapshot(ctx, s.key.RoomID, s.key.FileName)
	switch {
	case err == nil:
		s.mu.Lock()
		if !s.doc.Empty() {
			s.mu.Unlock()
			return nil
		}
		importErr := s.doc.ImportSnapshot(data)
		if importErr != nil {
			// Start over from a clean replica; the import may have applied
			// part of the snapshot before failing.
			s.doc = s.m.opts.NewReplica(ServerReplica)
		}
		s.mu.Unlock()
		if importErr == nil {
			return nil
		}
		// A corrupt snapshot will not improve with retries, so the file
		// content becomes the document and the next flush replaces it.
		s.logger.Error("discarding unreadable snapshot", zap.Error(importErr))
		return s.seedFromContent(ctx)
	case errors.Is(err, store.ErrNotFound):
		return s.seedFromContent(ctx)
	default:
		return fmt.Errorf("load snapshot: %w", err)
	}
}

func (s *Session) seedFromContent(ctx context.Context) error {
	file, err := s.m.content.GetFileByName(ctx, s.key.RoomID, s.key.FileName)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load file content: %w", err)
	}
	if file.Content == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.Empty() {
		s.doc.Insert(0, file.Content)
		s.dirty = true
	}
	return nil
}

// activate marks hydration complete and starts the flush loop.
func (s *Session) activate() {
	s.mu.Lock()
	if !s.discarded {
		s.state = StateActive
		s.startLoopLocked()
	}
	s.mu.Unlock()
	close(s.ready)
}

func (s *Session) startLoopLocked() {
	ctx, cancel := context.WithCancel(s.m.ctx)
	s.stop = cancel
	s.loopDone = make(chan struct{})
	go s.flushLoop(ctx, s.loopDone)
}

func (s *Session) stopLoop() {
	s.mu.Lock()
	stop, done := s.stop, s.loopDone
	s.stop = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}
}

func (s *Session) flushLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.m.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.flush(ctx, false); err != nil {
				s.logger.Warn("flush failed, retrying next tick", zap.Error(err))
			}
		}
	}
}

// flush writes the document to the content store and snapshot store when it
// changed since the last successful flush. A final flush also commits the
// content to room history and refreshes the search index.
func (s *Session) flush(ctx context.Context, final bool) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	s.mu.Lock()
	if !s.dirty || s.discarded {
		s.mu.Unlock()
		return nil
	}
	text := s.doc.Materialize()
	snapshot, err := s.doc.ExportSnapshot()
	author := s.lastAuthor
	s.dirty = false
	s.mu.Unlock()

	if err != nil {
		s.markDirty()
		return fmt.Errorf("export snapshot: %w", err)
	}
	file, err := s.m.content.UpsertFileByName(ctx, store.File{
		ID:       util.NewID("file"),
		RoomID:   s.key.RoomID,
		Name:     s.key.FileName,
		Language: LanguageFor(s.key.FileName),
		Content:  text,
	})
	if err != nil {
		s.markDirty()
		return err
	}
	if err := s.m.snapshots.SaveSnapshot(ctx, s.key.RoomID, s.key.FileName, snapshot); err != nil {
		s.markDirty()
		return err
	}
	if !final {
		return nil
	}

	if h := s.m.opts.History; h != nil {
		if author == "" {
			author = ServerReplica
		}
		commit, changed, err := h.CommitFile(s.key.RoomID, s.key.FileName, text, author, "")
		if err != nil {
			s.logger.Warn("history commit failed", zap.Error(err))
		} else if changed {
			s.logger.Debug("history commit", zap.String("hash", commit.Hash))
		}
	}
	if idx := s.m.opts.Indexer; idx != nil {
		idx.IndexFile(search.FileRecord{
			ID:       file.ID,
			RoomID:   file.RoomID,
			Name:     file.Name,
			Language: file.Language,
			Content:  text,
		})
	}
	return nil
}

func (s *Session) markDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

// beginFinalFlush moves an ACTIVE session with no peers to FLUSHING and stops
// its loop. It reports false when a peer came back or another finalizer got
// there first.
func (s *Session) beginFinalFlush() bool {
	s.mu.Lock()
	if len(s.peers) > 0 || s.state != StateActive {
		s.mu.Unlock()
		return false
	}
	s.state = StateFlushing
	s.mu.Unlock()
	s.stopLoop()
	return true
}

// claimForShutdown stops the loop of an ACTIVE session and moves it to
// FLUSHING so a pending finalizer leaves it alone. A session a finalizer
// already claimed is flushed again anyway; flushMu keeps the two in order.
func (s *Session) claimForShutdown() {
	s.mu.Lock()
	if s.state == StateActive {
		s.state = StateFlushing
	}
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
	s.mu.Unlock()
	s.stopLoop()
}

func (s *Session) finalFlush(ctx context.Context) {
	attempts := s.m.opts.FlushAttempts
	for attempt := 1; attempt <= attempts; attempt++ {
		err := s.flush(ctx, true)
		if err == nil {
			return
		}
		s.logger.Warn("final flush failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt == attempts || !backoff(ctx, s.m.opts.HydrateBackoff, attempt) {
			return
		}
	}
}

// settle runs under the manager lock after a final flush. A session that
// regained peers goes back to ACTIVE with a fresh loop; one that was edited
// during the flush reports dirty so the caller flushes again; otherwise it
// is UNLOADED and the caller evicts it.
func (s *Session) settle() (reattached, dirty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.peers) > 0 {
		s.state = StateActive
		s.startLoopLocked()
		return true, false
	}
	if s.dirty {
		return false, true
	}
	s.state = StateUnloaded
	return false, false
}

func (s *Session) scheduleFinalize(grace time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idle != nil {
		s.idle.Stop()
	}
	s.idle = time.AfterFunc(grace, func() { s.m.finalize(s) })
}

// greeting is what a newly attached peer receives: the server's version
// vector, so the peer can reply with the operations the server lacks, and
// the presence of everyone already attached.
func (s *Session) greeting(peer Peer) []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	deliveries := []Delivery{{To: peer, Data: mustEncode(Frame{Type: FrameSync1, Vector: s.doc.Vector()})}}
	if s.presence.Len() > 0 {
		deliveries = append(deliveries, Delivery{To: peer, Data: mustEncode(Frame{Type: FrameAwareness, Awareness: s.presence.Snapshot()})})
	}
	return deliveries
}

// Handle processes one frame from peer. Undecodable frames and frames from
// peers no longer attached are ignored. Rejected operations are logged and
// the rest of the batch still applies.
func (s *Session) Handle(peer Peer, data []byte) []Delivery {
	frame, err := DecodeFrame(data)
	if err != nil {
		s.logger.Debug("ignoring frame", zap.String("connId", peer.ID()), zap.Error(err))
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	att, ok := s.peers[peer.ID()]
	if !ok {
		return nil
	}

	switch frame.Type {
	case FrameSync1:
		return []Delivery{{To: peer, Data: mustEncode(Frame{Type: FrameSync2, Ops: s.doc.Diff(frame.Vector)})}}

	case FrameSync2, FrameUpdate:
		if att.readOnly {
			return nil
		}
		applied, err := s.doc.Merge(frame.Ops)
		var mergeErr *crdt.MergeError
		if errors.As(err, &mergeErr) {
			held := 0
			for _, r := range mergeErr.Rejected {
				if r.Held {
					held++
				}
			}
			fields := []zap.Field{
				zap.String("connId", peer.ID()),
				zap.Int("held", held),
				zap.Int("dropped", len(mergeErr.Rejected)-held),
				zap.Int("applied", len(applied)),
			}
			if held == len(mergeErr.Rejected) {
				s.logger.Debug("operations waiting on dependencies", fields...)
			} else {
				s.logger.Warn("rejected operations", append(fields, zap.Error(err))...)
			}
		}
		if len(applied) == 0 {
			return nil
		}
		s.dirty = true
		s.lastAuthor = peer.UserID()
		return s.relayLocked(peer.ID(), frame.Ops, applied)

	case FrameAwareness:
		changed := make([]awareness.State, 0, len(frame.Awareness))
		for _, st := range frame.Awareness {
			// A peer only speaks for itself.
			st.ConnID = peer.ID()
			st.UserID = peer.UserID()
			st.Removed = false
			if st.Color == "" {
				st.Color = att.color
			}
			if s.presence.Apply(st) {
				changed = append(changed, st)
			}
		}
		if len(changed) == 0 {
			return nil
		}
		return s.broadcastLocked(peer.ID(), Frame{Type: FrameAwareness, Awareness: changed})
	}
	return nil
}

// relayLocked broadcasts applied operations. Those that arrived in sent go
// to every peer but the sender; those released from the held buffer by this
// frame may have come from any peer, so everyone gets them.
func (s *Session) relayLocked(from string, sent, applied []crdt.Op) []Delivery {
	inFrame := make(map[crdt.ID]struct{}, len(sent))
	for _, op := range sent {
		inFrame[op.ID] = struct{}{}
	}
	var own, released []crdt.Op
	for _, op := range applied {
		if _, ok := inFrame[op.ID]; ok {
			own = append(own, op)
		} else {
			released = append(released, op)
		}
	}
	var deliveries []Delivery
	if len(own) > 0 {
		deliveries = s.broadcastLocked(from, Frame{Type: FrameUpdate, Ops: own})
	}
	if len(released) > 0 {
		deliveries = append(deliveries, s.broadcastLocked("", Frame{Type: FrameUpdate, Ops: released})...)
	}
	return deliveries
}

// broadcastLocked addresses f to every peer except the one with ID except.
func (s *Session) broadcastLocked(except string, f Frame) []Delivery {
	if len(s.peers) == 0 || (len(s.peers) == 1 && s.peers[except] != nil) {
		return nil
	}
	data := mustEncode(f)
	deliveries := make([]Delivery, 0, len(s.peers))
	for id, att := range s.peers {
		if id == except {
			continue
		}
		deliveries = append(deliveries, Delivery{To: att.peer, Data: data})
	}
	return deliveries
}
