package collab

import (
	"fmt"

	"coderoom/api/internal/awareness"
	"coderoom/api/internal/crdt"

	"github.com/fxamacker/cbor/v2"
)

type FrameType string

const (
	// FrameSync1 carries the sender's version vector and asks for a FrameSync2
	// holding every operation the sender lacks.
	FrameSync1     FrameType = "sync1"
	FrameSync2     FrameType = "sync2"
	FrameUpdate    FrameType = "update"
	FrameAwareness FrameType = "awareness"
)

// Frame is one binary message on the document sync socket.
type Frame struct {
	Type      FrameType         `cbor:"t"`
	Vector    crdt.Vector       `cbor:"vv,omitempty"`
	Ops       []crdt.Op         `cbor:"ops,omitempty"`
	Awareness []awareness.State `cbor:"aw,omitempty"`
}

var (
	frameEnc cbor.EncMode
	frameDec cbor.DecMode
)

func init() {
	var err error
	frameEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("collab: CBOR encoder initialization failed: " + err.Error())
	}
	frameDec, err = cbor.DecOptions{
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 16,
		MaxNestedLevels:  16,
	}.DecMode()
	if err != nil {
		panic("collab: CBOR decoder initialization failed: " + err.Error())
	}
}

func EncodeFrame(f Frame) ([]byte, error) {
	data, err := frameEnc.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	return data, nil
}

func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := frameDec.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	switch f.Type {
	case FrameSync1, FrameSync2, FrameUpdate, FrameAwareness:
		return f, nil
	default:
		return Frame{}, fmt.Errorf("decode frame: unknown type %q", f.Type)
	}
}

func mustEncode(f Frame) []byte {
	data, err := EncodeFrame(f)
	if err != nil {
		panic(err)
	}
	return data
}
