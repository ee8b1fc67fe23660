package crdt

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// Snapshot format tags. The first byte of an exported snapshot names the
// encoding of the rest; changing these values breaks stored snapshots.
const (
	formatCBORZstd byte = 1

	snapshotVersion = 2
	maxSnapshotSize = 64 << 20
)

var ErrBadSnapshot = errors.New("bad snapshot")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("crdt: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{MaxArrayElements: 1 << 24}.DecMode()
	if err != nil {
		panic("crdt: CBOR decoder initialization failed: " + err.Error())
	}
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("crdt: zstd encoder initialization failed: " + err.Error())
	}
	decoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxSnapshotSize))
	if err != nil {
		panic("crdt: zstd decoder initialization failed: " + err.Error())
	}
}

type snapshot struct {
	Version  int               `cbor:"v"`
	Clock    uint64            `cbor:"c"`
	Elements []snapshotElement `cbor:"e"`
	Deletes  []Op              `cbor:"d"`
	Held     []Op              `cbor:"h,omitempty"`
}

type snapshotElement struct {
	ID      ID     `cbor:"id"`
	Seq     uint64 `cbor:"s"`
	Origin  ID     `cbor:"o"`
	Value   string `cbor:"v"`
	Deleted bool   `cbor:"x"`
}

// ExportSnapshot serializes the full replica state, tombstones and causal
// metadata included.
func (d *Doc) ExportSnapshot() ([]byte, error) {
	snap := snapshot{
		Version:  snapshotVersion,
		Clock:    d.clock,
		Elements: make([]snapshotElement, 0, len(d.elems)),
		Deletes:  make([]Op, 0, len(d.deletes)),
	}
	for _, e := range d.elems {
		snap.Elements = append(snap.Elements, snapshotElement{
			ID:      e.id,
			Seq:     e.seq,
			Origin:  e.origin,
			Value:   e.value,
			Deleted: e.deleted,
		})
	}
	for _, op := range d.deletes {
		snap.Deletes = append(snap.Deletes, op)
	}
	sortCausal(snap.Deletes)
	for _, op := range d.held {
		snap.Held = append(snap.Held, op)
	}
	sortCausal(snap.Held)

	raw, err := encMode.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	out := make([]byte, 1, 1+len(raw)/2)
	out[0] = formatCBORZstd
	return encoder.EncodeAll(raw, out), nil
}

// ImportSnapshot merges an exported snapshot into the document. Importing
// into an empty document reproduces the exporter's state exactly; importing
// into a non-empty one behaves like merging every operation the snapshot
// summarizes.
func (d *Doc) ImportSnapshot(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty", ErrBadSnapshot)
	}
	if data[0] != formatCBORZstd {
		return fmt.Errorf("%w: unknown format %d", ErrBadSnapshot, data[0])
	}
	raw, err := decoder.DecodeAll(data[1:], nil)
	if err != nil {
		return fmt.Errorf("%w: decompress: %v", ErrBadSnapshot, err)
	}
	var snap snapshot
	if err := decMode.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrBadSnapshot, err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrBadSnapshot, snap.Version)
	}

	ops := make([]Op, 0, len(snap.Elements)+len(snap.Deletes))
	for _, e := range snap.Elements {
		ops = append(ops, Op{Kind: OpInsert, ID: e.ID, Seq: e.Seq, Origin: e.Origin, Value: e.Value})
	}
	ops = append(ops, snap.Deletes...)
	sortCausal(ops)
	if _, err := d.Merge(ops); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	// Held operations stay held; their missing dependencies may still arrive.
	_, _ = d.Merge(snap.Held)
	if snap.Clock > d.clock {
		d.clock = snap.Clock
	}
	return nil
}
