package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"coderoom/api/internal/awareness"
	"coderoom/api/internal/crdt"
	"coderoom/api/internal/gitrepo"
	"coderoom/api/internal/search"
	"coderoom/api/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	id     string
	userID string
	closed atomic.Bool

	mu     sync.Mutex
	frames []Frame
}

func newPeer(id string) *fakePeer { return &fakePeer{id: id, userID: "user-" + id} }

func (p *fakePeer) ID() string     { return p.id }
func (p *fakePeer) UserID() string { return p.userID }
func (p *fakePeer) Close()         { p.closed.Store(true) }

func (p *fakePeer) Send(data []byte) bool {
	f, err := DecodeFrame(data)
	if err != nil {
		panic(err)
	}
	p.mu.Lock()
	p.frames = append(p.frames, f)
	p.mu.Unlock()
	return true
}

func (p *fakePeer) received() []Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Frame(nil), p.frames...)
}

type fakeStore struct {
	mu        sync.Mutex
	snapshots map[string][]byte
	files     map[string]store.File
	loadDelay   time.Duration
	upsertDelay time.Duration
	loadErr     error
	saveErr     error
	loads       atomic.Int32
	upserts     atomic.Int32
	saves       atomic.Int32
}

func newFakeStore() *fakeStore {
	return &fakeStore{snapshots: map[string][]byte{}, files: map[string]store.File{}}
}

func (f *fakeStore) LoadSnapshot(ctx context.Context, roomID, fileID string) ([]byte, error) {
	f.loads.Add(1)
	if f.loadDelay > 0 {
		time.Sleep(f.loadDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	data, ok := f.snapshots[roomID+"/"+fileID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return data, nil
}

func (f *fakeStore) SaveSnapshot(ctx context.Context, roomID, fileID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saves.Add(1)
	f.snapshots[roomID+"/"+fileID] = append([]byte(nil), data...)
	return nil
}

func (f *fakeStore) GetFileByName(ctx context.Context, roomID, name string) (store.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[roomID+"/"+name]
	if !ok {
		return store.File{}, store.ErrNotFound
	}
	return file, nil
}

func (f *fakeStore) UpsertFileByName(ctx context.Context, item store.File) (store.File, error) {
	f.upserts.Add(1)
	if f.upsertDelay > 0 {
		time.Sleep(f.upsertDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.files[item.RoomID+"/"+item.Name]; ok {
		item.ID = existing.ID
	}
	f.files[item.RoomID+"/"+item.Name] = item
	return item, nil
}

func (f *fakeStore) file(roomID, name string) (store.File, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[roomID+"/"+name]
	return file, ok
}

type fakeHistory struct {
	mu      sync.Mutex
	commits []string
}

func (h *fakeHistory) CommitFile(roomID, fileName, content, author, message string) (gitrepo.Commit, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commits = append(h.commits, author+":"+content)
	return gitrepo.Commit{Hash: fmt.Sprintf("%07d", len(h.commits))}, true, nil
}

type fakeIndexer struct {
	mu      sync.Mutex
	records []search.FileRecord
}

func (i *fakeIndexer) IndexFile(rec search.FileRecord) {
	i.mu.Lock()
	i.records = append(i.records, rec)
	i.mu.Unlock()
}

func newTestManager(t *testing.T, st *fakeStore, opts Options) *Manager {
	t.Helper()
	if opts.FlushInterval == 0 {
		opts.FlushInterval = time.Hour
	}
	if opts.HydrateBackoff == 0 {
		opts.HydrateBackoff = time.Millisecond
	}
	m := NewManager(st, st, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

var testKey = Key{RoomID: "room-1", FileName: "main.go"}

// update builds an update frame carrying ops produced on a client replica.
func update(ops []crdt.Op) []byte {
	return mustEncode(Frame{Type: FrameUpdate, Ops: ops})
}

func framesOfType(frames []Frame, typ FrameType) []Frame {
	var out []Frame
	for _, f := range frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func TestConcurrentAttachCreatesOneSession(t *testing.T) {
	st := newFakeStore()
	st.loadDelay = 50 * time.Millisecond
	m := newTestManager(t, st, Options{})

	const n = 8
	sessions := make([]*Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, _, err := m.Attach(context.Background(), testKey, newPeer(fmt.Sprintf("c%d", i)), false)
			assert.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, m.Len())
	assert.EqualValues(t, 1, st.loads.Load())
	for _, s := range sessions {
		assert.Same(t, sessions[0], s)
	}
	assert.Equal(t, n, sessions[0].Peers())
	assert.Equal(t, StateActive, sessions[0].State())
}

func TestAttachGreetsWithVectorAndPresence(t *testing.T) {
	m := newTestManager(t, newFakeStore(), Options{})
	a, b := newPeer("a"), newPeer("b")

	sa, greeting, err := m.Attach(context.Background(), testKey, a, false)
	require.NoError(t, err)
	require.Len(t, greeting, 1)
	Dispatch(greeting)
	assert.Equal(t, FrameSync1, a.received()[0].Type)

	Dispatch(sa.Handle(a, mustEncode(Frame{Type: FrameAwareness, Awareness: []awareness.State{{Clock: 1, Name: "Ada"}}})))

	_, greeting, err = m.Attach(context.Background(), testKey, b, false)
	require.NoError(t, err)
	require.Len(t, greeting, 2)
	Dispatch(greeting)
	presence := framesOfType(b.received(), FrameAwareness)
	require.Len(t, presence, 1)
	require.Len(t, presence[0].Awareness, 1)
	assert.Equal(t, "a", presence[0].Awareness[0].ConnID)
	assert.Equal(t, "user-a", presence[0].Awareness[0].UserID)
	assert.Equal(t, awareness.Palette[0], presence[0].Awareness[0].Color)
}

func TestHydrateFailureLeavesEmptyActiveSession(t *testing.T) {
	st := newFakeStore()
	st.loadErr = errors.New("connection refused")
	m := newTestManager(t, st, Options{HydrateAttempts: 2})

	s, _, err := m.Attach(context.Background(), testKey, newPeer("a"), false)
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.loads.Load())
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, "", s.Text())
}

func TestHydrateSeedsFromFileContent(t *testing.T) {
	st := newFakeStore()
	st.files["room-1/main.go"] = store.File{ID: "file_1", RoomID: "room-1", Name: "main.go", Content: "package main\n"}
	m := newTestManager(t, st, Options{})

	s, _, err := m.Attach(context.Background(), testKey, newPeer("a"), false)
	require.NoError(t, err)
	assert.Equal(t, "package main\n", s.Text())
}

func TestHydrateRestoresSnapshot(t *testing.T) {
	st := newFakeStore()
	doc := crdt.New("client")
	doc.Insert(0, "from snapshot")
	data, err := doc.ExportSnapshot()
	require.NoError(t, err)
	st.snapshots["room-1/main.go"] = data
	st.files["room-1/main.go"] = store.File{Content: "stale content"}
	m := newTestManager(t, st, Options{})

	s, _, err := m.Attach(context.Background(), testKey, newPeer("a"), false)
	require.NoError(t, err)
	assert.Equal(t, "from snapshot", s.Text())
}

func TestCorruptSnapshotFallsBackToFileContent(t *testing.T) {
	st := newFakeStore()
	st.snapshots["room-1/main.go"] = []byte("not a snapshot")
	st.files["room-1/main.go"] = store.File{ID: "file_1", RoomID: "room-1", Name: "main.go", Content: "package main\n"}
	m := newTestManager(t, st, Options{})

	s, _, err := m.Attach(context.Background(), testKey, newPeer("a"), false)
	require.NoError(t, err)
	assert.Equal(t, "package main\n", s.Text())
	assert.EqualValues(t, 1, st.loads.Load())

	// The next flush replaces the unreadable snapshot.
	require.NoError(t, s.flush(context.Background(), false))
	data, err := st.LoadSnapshot(context.Background(), "room-1", "main.go")
	require.NoError(t, err)
	restored := crdt.New("check")
	require.NoError(t, restored.ImportSnapshot(data))
	assert.Equal(t, "package main\n", restored.Materialize())
}

func TestUpdatesBroadcastToOtherPeers(t *testing.T) {
	m := newTestManager(t, newFakeStore(), Options{})
	a, b := newPeer("a"), newPeer("b")
	s, _, err := m.Attach(context.Background(), testKey, a, false)
	require.NoError(t, err)
	_, _, err = m.Attach(context.Background(), testKey, b, false)
	require.NoError(t, err)

	client := crdt.New("a")
	deliveries := s.Handle(a, update(client.Insert(0, "hi")))
	require.Len(t, deliveries, 1)
	assert.Same(t, b, deliveries[0].To)
	Dispatch(deliveries)

	updates := framesOfType(b.received(), FrameUpdate)
	require.Len(t, updates, 1)
	mirror := crdt.New("b")
	_, err = mirror.Merge(updates[0].Ops)
	require.NoError(t, err)
	assert.Equal(t, "hi", mirror.Materialize())
	assert.Equal(t, "hi", s.Text())

	// A duplicate update changes nothing and is not rebroadcast.
	assert.Empty(t, s.Handle(a, update(client.Diff(crdt.Vector{}))))
}

func TestLateJoinerConvergesAfterLiveUpdate(t *testing.T) {
	m := newTestManager(t, newFakeStore(), Options{})
	a, p := newPeer("a"), newPeer("p")
	s, _, err := m.Attach(context.Background(), testKey, a, false)
	require.NoError(t, err)
	writer := crdt.New("a")
	s.Handle(a, update(writer.Insert(0, "abcd")))

	_, greeting, err := m.Attach(context.Background(), testKey, p, false)
	require.NoError(t, err)
	Dispatch(greeting)
	joiner := crdt.New("p")

	// The live edit reaches the joiner before its catch-up exchange.
	Dispatch(s.Handle(a, update(writer.Insert(0, "X"))))
	live := framesOfType(p.received(), FrameUpdate)
	require.Len(t, live, 1)
	_, err = joiner.Merge(live[0].Ops)
	require.Error(t, err)
	assert.Empty(t, joiner.Vector())
	assert.Equal(t, 1, joiner.Held())

	Dispatch(s.Handle(p, mustEncode(Frame{Type: FrameSync1, Vector: joiner.Vector()})))
	reply := framesOfType(p.received(), FrameSync2)
	require.Len(t, reply, 1)
	_, err = joiner.Merge(reply[0].Ops)
	require.NoError(t, err)

	assert.Equal(t, "Xabcd", s.Text())
	assert.Equal(t, s.Text(), joiner.Materialize())
	assert.Equal(t, s.doc.Vector(), joiner.Vector())
	assert.Zero(t, joiner.Held())
}

func TestHeldOpsAreRelayedOnceTheirDependencyArrives(t *testing.T) {
	m := newTestManager(t, newFakeStore(), Options{})
	a, b := newPeer("a"), newPeer("b")
	s, _, err := m.Attach(context.Background(), testKey, a, false)
	require.NoError(t, err)
	_, _, err = m.Attach(context.Background(), testKey, b, false)
	require.NoError(t, err)

	writer := crdt.New("w")
	first := writer.Insert(0, "ab")
	second := writer.Insert(2, "c")

	// b relays the later edit in its own frame before a delivers the earlier ones.
	assert.Empty(t, s.Handle(b, update(second)))
	assert.Equal(t, "", s.Text())

	Dispatch(s.Handle(a, update(first)))
	assert.Equal(t, "abc", s.Text())

	toA := framesOfType(a.received(), FrameUpdate)
	require.Len(t, toA, 1)
	require.Len(t, toA[0].Ops, 1)
	assert.Equal(t, second[0].ID, toA[0].Ops[0].ID)

	mirror := crdt.New("b")
	for _, f := range framesOfType(b.received(), FrameUpdate) {
		_, err := mirror.Merge(f.Ops)
		require.NoError(t, err)
	}
	assert.Equal(t, "abc", mirror.Materialize())
}

func TestSync1RepliesWithMissingOps(t *testing.T) {
	m := newTestManager(t, newFakeStore(), Options{})
	a, b := newPeer("a"), newPeer("b")
	s, _, err := m.Attach(context.Background(), testKey, a, false)
	require.NoError(t, err)
	s.Handle(a, update(crdt.New("a").Insert(0, "abc")))

	_, _, err = m.Attach(context.Background(), testKey, b, false)
	require.NoError(t, err)
	deliveries := s.Handle(b, mustEncode(Frame{Type: FrameSync1, Vector: crdt.Vector{}}))
	require.Len(t, deliveries, 1)
	Dispatch(deliveries)

	reply := framesOfType(b.received(), FrameSync2)
	require.Len(t, reply, 1)
	assert.Len(t, reply[0].Ops, 3)
}

func TestReadOnlyPeerCannotEdit(t *testing.T) {
	m := newTestManager(t, newFakeStore(), Options{})
	viewer := newPeer("v")
	s, _, err := m.Attach(context.Background(), testKey, viewer, true)
	require.NoError(t, err)

	assert.Empty(t, s.Handle(viewer, update(crdt.New("v").Insert(0, "nope"))))
	assert.Equal(t, "", s.Text())
}

func TestRejectedOpsDoNotBlockValidOnes(t *testing.T) {
	m := newTestManager(t, newFakeStore(), Options{})
	a := newPeer("a")
	s, _, err := m.Attach(context.Background(), testKey, a, false)
	require.NoError(t, err)

	ops := crdt.New("a").Insert(0, "ok")
	orphan := crdt.Op{
		Kind:   crdt.OpInsert,
		ID:     crdt.ID{Replica: "z", Clock: 9},
		Seq:    1,
		Origin: crdt.ID{Replica: "y", Clock: 8},
		Value:  "x",
	}
	s.Handle(a, update(append(ops, orphan)))
	assert.Equal(t, "ok", s.Text())
}

func TestMalformedFramesAreIgnored(t *testing.T) {
	m := newTestManager(t, newFakeStore(), Options{})
	a := newPeer("a")
	s, _, err := m.Attach(context.Background(), testKey, a, false)
	require.NoError(t, err)

	assert.Empty(t, s.Handle(a, []byte{0xff, 0x00}))
	assert.Empty(t, s.Handle(a, mustEncode(Frame{Type: "bogus"})))
	assert.Empty(t, s.Handle(newPeer("stranger"), update(crdt.New("x").Insert(0, "x"))))
}

func TestDetachBroadcastsPresenceRemoval(t *testing.T) {
	m := newTestManager(t, newFakeStore(), Options{})
	a, b := newPeer("a"), newPeer("b")
	s, _, err := m.Attach(context.Background(), testKey, a, false)
	require.NoError(t, err)
	_, _, err = m.Attach(context.Background(), testKey, b, false)
	require.NoError(t, err)
	s.Handle(a, mustEncode(Frame{Type: FrameAwareness, Awareness: []awareness.State{{Clock: 1}}}))

	deliveries := m.Detach(testKey, a)
	require.Len(t, deliveries, 1)
	Dispatch(deliveries)
	presence := framesOfType(b.received(), FrameAwareness)
	require.Len(t, presence, 1)
	assert.True(t, presence[0].Awareness[0].Removed)
	assert.Equal(t, "a", presence[0].Awareness[0].ConnID)
}

func TestPeriodicFlushPersistsContentAndSnapshot(t *testing.T) {
	st := newFakeStore()
	m := newTestManager(t, st, Options{FlushInterval: 10 * time.Millisecond})
	a := newPeer("a")
	s, _, err := m.Attach(context.Background(), testKey, a, false)
	require.NoError(t, err)
	s.Handle(a, update(crdt.New("a").Insert(0, "print(1)")))

	key := Key{RoomID: "room-1", FileName: "main.go"}
	require.Eventually(t, func() bool {
		f, ok := st.file(key.RoomID, key.FileName)
		return ok && f.Content == "print(1)"
	}, 2*time.Second, 10*time.Millisecond)

	f, _ := st.file(key.RoomID, key.FileName)
	assert.Equal(t, "go", f.Language)
	assert.NotEmpty(t, f.ID)

	data, err := st.LoadSnapshot(context.Background(), key.RoomID, key.FileName)
	require.NoError(t, err)
	restored := crdt.New("check")
	require.NoError(t, restored.ImportSnapshot(data))
	assert.Equal(t, "print(1)", restored.Materialize())

	// Nothing changed, so later ticks do not write again.
	saves := st.saves.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, saves, st.saves.Load())
}

func TestLastDetachFlushesCommitsAndEvicts(t *testing.T) {
	st := newFakeStore()
	hist := &fakeHistory{}
	idx := &fakeIndexer{}
	m := newTestManager(t, st, Options{History: hist, Indexer: idx})
	a := newPeer("a")
	s, _, err := m.Attach(context.Background(), testKey, a, false)
	require.NoError(t, err)
	s.Handle(a, update(crdt.New("a").Insert(0, "done")))

	m.Detach(testKey, a)
	require.Eventually(t, func() bool { return m.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateUnloaded, s.State())

	f, ok := st.file("room-1", "main.go")
	require.True(t, ok)
	assert.Equal(t, "done", f.Content)

	hist.mu.Lock()
	assert.Equal(t, []string{"user-a:done"}, hist.commits)
	hist.mu.Unlock()
	idx.mu.Lock()
	require.Len(t, idx.records, 1)
	assert.Equal(t, "done", idx.records[0].Content)
	idx.mu.Unlock()

	// The next attach hydrates a fresh session from the snapshot.
	s2, _, err := m.Attach(context.Background(), testKey, newPeer("b"), false)
	require.NoError(t, err)
	assert.NotSame(t, s, s2)
	assert.Equal(t, "done", s2.Text())
}

func TestFailedFlushKeepsDocumentDirty(t *testing.T) {
	st := newFakeStore()
	st.saveErr = errors.New("disk full")
	m := newTestManager(t, st, Options{})
	a := newPeer("a")
	s, _, err := m.Attach(context.Background(), testKey, a, false)
	require.NoError(t, err)
	s.Handle(a, update(crdt.New("a").Insert(0, "keep")))

	require.Error(t, s.flush(context.Background(), false))
	st.mu.Lock()
	st.saveErr = nil
	st.mu.Unlock()
	require.NoError(t, s.flush(context.Background(), false))
	assert.EqualValues(t, 1, st.saves.Load())
}

func TestReattachWithinIdleGraceKeepsSession(t *testing.T) {
	st := newFakeStore()
	m := newTestManager(t, st, Options{IdleGrace: 200 * time.Millisecond})
	a := newPeer("a")
	s, _, err := m.Attach(context.Background(), testKey, a, false)
	require.NoError(t, err)
	s.Handle(a, update(crdt.New("a").Insert(0, "x")))

	m.Detach(testKey, a)
	s2, _, err := m.Attach(context.Background(), testKey, newPeer("a2"), false)
	require.NoError(t, err)
	assert.Same(t, s, s2)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, StateActive, s.State())
	assert.EqualValues(t, 1, st.loads.Load())
}

func TestShutdownFlushesAndRefusesAttach(t *testing.T) {
	st := newFakeStore()
	m := NewManager(st, st, Options{FlushInterval: time.Hour})
	a := newPeer("a")
	s, _, err := m.Attach(context.Background(), testKey, a, false)
	require.NoError(t, err)
	s.Handle(a, update(crdt.New("a").Insert(0, "bye")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	f, ok := st.file("room-1", "main.go")
	require.True(t, ok)
	assert.Equal(t, "bye", f.Content)

	_, _, err = m.Attach(context.Background(), testKey, newPeer("b"), false)
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestShutdownWaitsForRunningFinalFlush(t *testing.T) {
	st := newFakeStore()
	st.upsertDelay = 100 * time.Millisecond
	hist := &fakeHistory{}
	m := NewManager(st, st, Options{FlushInterval: time.Hour, History: hist})
	a := newPeer("a")
	s, _, err := m.Attach(context.Background(), testKey, a, false)
	require.NoError(t, err)
	s.Handle(a, update(crdt.New("a").Insert(0, "last words")))

	m.Detach(testKey, a)
	require.Eventually(t, func() bool { return st.upserts.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	f, ok := st.file("room-1", "main.go")
	require.True(t, ok)
	assert.Equal(t, "last words", f.Content)
	assert.EqualValues(t, 1, st.upserts.Load())
	assert.EqualValues(t, 1, st.saves.Load())
	hist.mu.Lock()
	assert.Len(t, hist.commits, 1)
	hist.mu.Unlock()
}

func TestCloseRoomDiscardsSessionsWithoutWriting(t *testing.T) {
	st := newFakeStore()
	hist := &fakeHistory{}
	m := newTestManager(t, st, Options{History: hist})
	a, b := newPeer("a"), newPeer("b")
	s, _, err := m.Attach(context.Background(), testKey, a, false)
	require.NoError(t, err)
	other := Key{RoomID: "room-2", FileName: "main.go"}
	_, _, err = m.Attach(context.Background(), other, b, false)
	require.NoError(t, err)
	s.Handle(a, update(crdt.New("a").Insert(0, "gone")))

	m.CloseRoom("room-1")
	assert.True(t, a.closed.Load())
	assert.False(t, b.closed.Load())
	assert.Equal(t, 1, m.Len())
	_, ok := m.Lookup(testKey)
	assert.False(t, ok)
	assert.Equal(t, StateUnloaded, s.State())

	// The closed socket detaching and later flushes write nothing.
	m.Detach(testKey, a)
	assert.Empty(t, s.Handle(a, update(crdt.New("a2").Insert(0, "late"))))
	require.NoError(t, s.flush(context.Background(), true))
	_, ok = st.file("room-1", "main.go")
	assert.False(t, ok)
	assert.Zero(t, st.saves.Load())
	hist.mu.Lock()
	assert.Empty(t, hist.commits)
	hist.mu.Unlock()
}

func TestDropUserClosesOnlyTheirSockets(t *testing.T) {
	m := newTestManager(t, newFakeStore(), Options{})
	a, b := newPeer("a"), newPeer("b")
	s, _, err := m.Attach(context.Background(), testKey, a, false)
	require.NoError(t, err)
	_, _, err = m.Attach(context.Background(), testKey, b, false)
	require.NoError(t, err)
	s.Handle(a, mustEncode(Frame{Type: FrameAwareness, Awareness: []awareness.State{{Clock: 1}}}))

	Dispatch(m.DropUser("room-1", "user-a"))
	assert.True(t, a.closed.Load())
	assert.False(t, b.closed.Load())
	assert.Equal(t, 1, s.Peers())
	presence := framesOfType(b.received(), FrameAwareness)
	require.NotEmpty(t, presence)
	assert.True(t, presence[len(presence)-1].Awareness[0].Removed)

	// The removed user can no longer edit through the old socket.
	assert.Empty(t, s.Handle(a, update(crdt.New("a").Insert(0, "sneaky"))))
	assert.Equal(t, "", s.Text())
	assert.Empty(t, m.DropUser("room-1", "nobody"))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "HYDRATING", StateHydrating.String())
	assert.Equal(t, "State(9)", State(9).String())
}
