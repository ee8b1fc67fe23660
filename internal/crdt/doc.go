package crdt

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

type element struct {
	id      ID
	seq     uint64
	origin  ID
	value   string
	deleted bool
}

// maxHeld bounds the operations kept waiting for a missing dependency.
const maxHeld = 1 << 16

// Doc is one replica of a shared text. It is not safe for concurrent use;
// callers serialize access.
type Doc struct {
	replica string
	clock   uint64
	seq     uint64
	elems   []*element
	index   map[ID]*element
	deletes map[ID]Op
	held    map[ID]Op
	vector  Vector
	visible int
}

// New returns an empty document owned by replica. The replica ID must be
// unique among all replicas that will ever exchange operations.
func New(replica string) *Doc {
	if replica == "" {
		panic("crdt: replica id must not be empty")
	}
	return &Doc{
		replica: replica,
		index:   make(map[ID]*element),
		deletes: make(map[ID]Op),
		held:    make(map[ID]Op),
		vector:  make(Vector),
	}
}

func (d *Doc) Replica() string { return d.replica }

// Len is the number of visible runes.
func (d *Doc) Len() int { return d.visible }

// Empty reports whether the document has never applied any operation.
func (d *Doc) Empty() bool {
	return len(d.elems) == 0 && len(d.deletes) == 0
}

// Vector returns a copy of the version vector.
func (d *Doc) Vector() Vector { return d.vector.Clone() }

// Materialize returns the visible text.
func (d *Doc) Materialize() string {
	var b strings.Builder
	b.Grow(d.visible)
	for _, e := range d.elems {
		if !e.deleted {
			b.WriteString(e.value)
		}
	}
	return b.String()
}

// IDAt returns the ID of the visible rune at pos.
func (d *Doc) IDAt(pos int) (ID, bool) {
	if pos < 0 || pos >= d.visible {
		return ID{}, false
	}
	seen := 0
	for _, e := range d.elems {
		if e.deleted {
			continue
		}
		if seen == pos {
			return e.id, true
		}
		seen++
	}
	return ID{}, false
}

// Insert places text before the visible rune at pos and returns the
// operations to replicate. pos is clamped to [0, Len()].
func (d *Doc) Insert(pos int, text string) []Op {
	if text == "" {
		return nil
	}
	if pos < 0 {
		pos = 0
	}
	if pos > d.visible {
		pos = d.visible
	}
	origin := Start
	if pos > 0 {
		origin, _ = d.IDAt(pos - 1)
	}

	ops := make([]Op, 0, utf8.RuneCountInString(text))
	for _, r := range text {
		id, seq := d.tick()
		op := Op{Kind: OpInsert, ID: id, Seq: seq, Origin: origin, Value: string(r)}
		if err := d.integrate(op); err != nil {
			panic(fmt.Sprintf("crdt: local insert failed: %v", err))
		}
		ops = append(ops, op)
		origin = op.ID
	}
	return ops
}

// Delete tombstones the element with the given ID. Deleting an element twice
// is allowed and yields a second, harmless operation.
func (d *Doc) Delete(id ID) (Op, error) {
	if _, ok := d.index[id]; !ok {
		return Op{}, fmt.Errorf("%w: %s", ErrUnknownDependency, id)
	}
	opID, seq := d.tick()
	op := Op{Kind: OpDelete, ID: opID, Seq: seq, Target: id}
	if err := d.integrate(op); err != nil {
		return Op{}, err
	}
	return op, nil
}

// DeleteRange tombstones n visible runes starting at pos.
func (d *Doc) DeleteRange(pos, n int) []Op {
	if n <= 0 || pos < 0 || pos >= d.visible {
		return nil
	}
	targets := make([]ID, 0, n)
	seen := 0
	for _, e := range d.elems {
		if e.deleted {
			continue
		}
		if seen >= pos && seen < pos+n {
			targets = append(targets, e.id)
		}
		seen++
		if seen >= pos+n {
			break
		}
	}
	ops := make([]Op, 0, len(targets))
	for _, id := range targets {
		op, err := d.Delete(id)
		if err != nil {
			continue
		}
		ops = append(ops, op)
	}
	return ops
}

// Merge integrates remote operations. Already-applied operations are skipped
// and the rest are applied in causal order whatever order they arrive in. An
// operation is applied only once its origin or target is known and every
// earlier operation of its replica has been applied; until then it is held
// and retried by later Merge calls, and reported as held in a *MergeError.
// Malformed operations are dropped. The returned slice holds the operations
// that changed state, in the order they were applied, including previously
// held ones that this call unblocked.
func (d *Doc) Merge(ops []Op) ([]Op, error) {
	var (
		applied  []Op
		rejected []Rejection
		pending  = make([]Op, 0, len(ops)+len(d.held))
		queued   = make(map[ID]struct{}, len(ops))
	)
	for _, op := range ops {
		if err := op.validate(); err != nil {
			rejected = append(rejected, Rejection{Op: op, Err: err})
			continue
		}
		if d.seen(op.ID) {
			continue
		}
		if _, dup := queued[op.ID]; dup {
			continue
		}
		queued[op.ID] = struct{}{}
		pending = append(pending, op)
	}
	for id, op := range d.held {
		if _, dup := queued[id]; dup {
			delete(d.held, id)
			continue
		}
		pending = append(pending, op)
	}

	for len(pending) > 0 {
		var deferred []Op
		progress := false
		for _, op := range pending {
			if d.seen(op.ID) {
				delete(d.held, op.ID)
				continue
			}
			if op.Seq < d.vector.next(op.ID.Replica) {
				delete(d.held, op.ID)
				rejected = append(rejected, Rejection{Op: op, Err: fmt.Errorf("%w: %s reuses sequence %d", ErrInvalidOp, op.ID, op.Seq)})
				continue
			}
			if !d.ready(op) {
				deferred = append(deferred, op)
				continue
			}
			delete(d.held, op.ID)
			if err := d.integrate(op); err != nil {
				rejected = append(rejected, Rejection{Op: op, Err: err})
				continue
			}
			applied = append(applied, op)
			progress = true
		}
		pending = deferred
		if !progress {
			break
		}
	}
	for _, op := range pending {
		if _, fresh := queued[op.ID]; !fresh {
			continue
		}
		held := len(d.held) < maxHeld
		if held {
			d.held[op.ID] = op
		}
		rejected = append(rejected, Rejection{Op: op, Err: d.missing(op), Held: held})
	}
	if len(rejected) > 0 {
		return applied, &MergeError{Rejected: rejected}
	}
	return applied, nil
}

// Held is the number of operations waiting for a dependency.
func (d *Doc) Held() int { return len(d.held) }

// Diff returns every operation not covered by vector in Lamport order, which
// is a causal order, so the result merges in a single pass.
func (d *Doc) Diff(vector Vector) []Op {
	var ops []Op
	for _, e := range d.elems {
		if vector.Covers(e.id.Replica, e.seq) {
			continue
		}
		ops = append(ops, Op{Kind: OpInsert, ID: e.id, Seq: e.seq, Origin: e.origin, Value: e.value})
	}
	for _, op := range d.deletes {
		if vector.Covers(op.ID.Replica, op.Seq) {
			continue
		}
		ops = append(ops, op)
	}
	sortCausal(ops)
	return ops
}

func sortCausal(ops []Op) {
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].ID.Clock != ops[j].ID.Clock {
			return ops[i].ID.Clock < ops[j].ID.Clock
		}
		return ops[i].ID.Replica < ops[j].ID.Replica
	})
}

func (d *Doc) tick() (ID, uint64) {
	d.clock++
	d.seq++
	return ID{Replica: d.replica, Clock: d.clock}, d.seq
}

func (d *Doc) seen(id ID) bool {
	if _, ok := d.index[id]; ok {
		return true
	}
	_, ok := d.deletes[id]
	return ok
}

func (d *Doc) ready(op Op) bool {
	if op.Seq != d.vector.next(op.ID.Replica) {
		return false
	}
	dep := dependencyOf(op)
	if dep.IsZero() {
		return true
	}
	_, ok := d.index[dep]
	return ok
}

func (d *Doc) missing(op Op) error {
	if want := d.vector.next(op.ID.Replica); op.Seq != want {
		return fmt.Errorf("%w: %s waits for sequence %d of %s", ErrUnknownDependency, op.ID, want, op.ID.Replica)
	}
	return fmt.Errorf("%w: %s", ErrUnknownDependency, dependencyOf(op))
}

func dependencyOf(op Op) ID {
	if op.Kind == OpDelete {
		return op.Target
	}
	return op.Origin
}

func (d *Doc) integrate(op Op) error {
	switch op.Kind {
	case OpInsert:
		idx := 0
		if !op.Origin.IsZero() {
			at := d.indexOf(op.Origin)
			if at < 0 {
				return fmt.Errorf("%w: %s", ErrUnknownDependency, op.Origin)
			}
			idx = at + 1
		}
		for idx < len(d.elems) && outranks(d.elems[idx].id, op.ID) {
			idx++
		}
		e := &element{id: op.ID, seq: op.Seq, origin: op.Origin, value: op.Value}
		d.elems = append(d.elems, nil)
		copy(d.elems[idx+1:], d.elems[idx:])
		d.elems[idx] = e
		d.index[op.ID] = e
		d.visible++
	case OpDelete:
		e, ok := d.index[op.Target]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownDependency, op.Target)
		}
		if !e.deleted {
			e.deleted = true
			d.visible--
		}
		d.deletes[op.ID] = op
	default:
		return fmt.Errorf("%w: kind %s", ErrInvalidOp, op.Kind)
	}
	d.vector[op.ID.Replica] = op.Seq
	if op.ID.Replica == d.replica && op.Seq > d.seq {
		d.seq = op.Seq
	}
	if op.ID.Clock > d.clock {
		d.clock = op.ID.Clock
	}
	return nil
}

func (d *Doc) indexOf(id ID) int {
	for i, e := range d.elems {
		if e.id == id {
			return i
		}
	}
	return -1
}
