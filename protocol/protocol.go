// Package protocol defines the wire format spoken between a sync endpoint and
// its clients: a small frame envelope with a message-kind tag, the sync
// payloads (state summaries and binary deltas), and the presence payloads
// (awareness entry updates). The encoding uses protobuf wire primitives
// (varints and length-delimited bytes) without generated message types, so a
// frame can be decoded incrementally with strict bounds checking.
package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// frame kinds, the first varint of every frame
const (
	FrameKindSync     = uint64(0)
	FrameKindPresence = uint64(1)
)

// sync sub kinds
const (
	// SyncStep1 carries the sender's state summary and implicitly requests
	// the receiver's missing operations
	SyncKindStep1 = uint64(0)
	// SyncStep2 carries the delta computed against a previously received summary
	SyncKindStep2 = uint64(1)
	// SyncKindUpdate carries an unsolicited delta
	SyncKindUpdate = uint64(2)
)

const AgentIdByteCount = 16

// pre-size cap for decoded collections, the count prefixes are peer controlled
const decodeSizeHint = 64

// Message is one decoded frame payload.
// The concrete types are *SyncStep1, *SyncStep2, *SyncUpdate and *Presence.
type Message interface {
	frameKind() uint64
}

type SyncStep1 struct {
	Summary []byte
}

func (self *SyncStep1) frameKind() uint64 {
	return FrameKindSync
}

type SyncStep2 struct {
	Delta []byte
}

func (self *SyncStep2) frameKind() uint64 {
	return FrameKindSync
}

type SyncUpdate struct {
	Delta []byte
}

func (self *SyncUpdate) frameKind() uint64 {
	return FrameKindSync
}

// EntryUpdate is one awareness row change. An empty State means the entry was
// removed. State bytes are opaque to this package (msgpack encoded upstream).
type EntryUpdate struct {
	ClientId []byte
	Clock    uint64
	State    []byte
}

type Presence struct {
	Updates []EntryUpdate
}

func (self *Presence) frameKind() uint64 {
	return FrameKindPresence
}

func EncodeFrame(message Message) ([]byte, error) {
	switch v := message.(type) {
	case *SyncStep1:
		b := protowire.AppendVarint(nil, FrameKindSync)
		b = protowire.AppendVarint(b, SyncKindStep1)
		b = protowire.AppendBytes(b, v.Summary)
		return b, nil
	case *SyncStep2:
		b := protowire.AppendVarint(nil, FrameKindSync)
		b = protowire.AppendVarint(b, SyncKindStep2)
		b = protowire.AppendBytes(b, v.Delta)
		return b, nil
	case *SyncUpdate:
		b := protowire.AppendVarint(nil, FrameKindSync)
		b = protowire.AppendVarint(b, SyncKindUpdate)
		b = protowire.AppendBytes(b, v.Delta)
		return b, nil
	case *Presence:
		b := protowire.AppendVarint(nil, FrameKindPresence)
		b = protowire.AppendVarint(b, uint64(len(v.Updates)))
		for _, update := range v.Updates {
			if len(update.ClientId) != AgentIdByteCount {
				return nil, fmt.Errorf("client id must be %d bytes: %d", AgentIdByteCount, len(update.ClientId))
			}
			b = protowire.AppendBytes(b, update.ClientId)
			b = protowire.AppendVarint(b, update.Clock)
			b = protowire.AppendBytes(b, update.State)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown message type: %T", v)
	}
}

func RequireEncodeFrame(message Message) []byte {
	b, err := EncodeFrame(message)
	if err != nil {
		panic(err)
	}
	return b
}

func DecodeFrame(b []byte) (Message, error) {
	kind, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, fmt.Errorf("frame kind: %w", protowire.ParseError(n))
	}
	b = b[n:]

	switch kind {
	case FrameKindSync:
		return decodeSync(b)
	case FrameKindPresence:
		return decodePresence(b)
	default:
		return nil, fmt.Errorf("unknown frame kind: %d", kind)
	}
}

func decodeSync(b []byte) (Message, error) {
	sub, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, fmt.Errorf("sync kind: %w", protowire.ParseError(n))
	}
	b = b[n:]

	payload, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, fmt.Errorf("sync payload: %w", protowire.ParseError(n))
	}
	if n != len(b) {
		return nil, fmt.Errorf("sync payload: %d trailing bytes", len(b)-n)
	}

	switch sub {
	case SyncKindStep1:
		return &SyncStep1{Summary: payload}, nil
	case SyncKindStep2:
		return &SyncStep2{Delta: payload}, nil
	case SyncKindUpdate:
		return &SyncUpdate{Delta: payload}, nil
	default:
		return nil, fmt.Errorf("unknown sync kind: %d", sub)
	}
}

func decodePresence(b []byte) (Message, error) {
	count, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, fmt.Errorf("presence count: %w", protowire.ParseError(n))
	}
	b = b[n:]

	// each update is at least a client id, a clock byte and a state length
	if uint64(len(b)) < count {
		return nil, fmt.Errorf("presence count %d exceeds payload", count)
	}

	updates := make([]EntryUpdate, 0, min(count, decodeSizeHint))
	for i := uint64(0); i < count; i += 1 {
		clientId, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("presence client id: %w", protowire.ParseError(n))
		}
		if len(clientId) != AgentIdByteCount {
			return nil, fmt.Errorf("presence client id must be %d bytes: %d", AgentIdByteCount, len(clientId))
		}
		b = b[n:]

		clock, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("presence clock: %w", protowire.ParseError(n))
		}
		b = b[n:]

		state, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("presence state: %w", protowire.ParseError(n))
		}
		b = b[n:]

		updates = append(updates, EntryUpdate{
			ClientId: clientId,
			Clock:    clock,
			State:    state,
		})
	}
	if 0 < len(b) {
		return nil, fmt.Errorf("presence payload: %d trailing bytes", len(b))
	}

	return &Presence{Updates: updates}, nil
}
