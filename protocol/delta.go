package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// op kinds
const (
	OpKindInsert = uint64(0)
	OpKindDelete = uint64(1)
)

// Op is one replicated content operation. Agent ids are raw 16 byte ids.
// Origin and Target reference other ops as (agent, seq) pairs where an empty
// agent means the document head (inserts only).
type Op struct {
	Kind  uint64
	Agent []byte
	Seq   uint64

	// insert fields
	Ts          uint64
	OriginAgent []byte
	OriginSeq   uint64
	Value       string

	// delete fields
	TargetAgent []byte
	TargetSeq   uint64
}

// SummaryEntry is one agent's contiguous high water mark.
type SummaryEntry struct {
	Agent []byte
	Seq   uint64
}

func EncodeDelta(ops []Op) ([]byte, error) {
	b := protowire.AppendVarint(nil, uint64(len(ops)))
	for i := range ops {
		op := &ops[i]
		if len(op.Agent) != AgentIdByteCount {
			return nil, fmt.Errorf("op agent must be %d bytes: %d", AgentIdByteCount, len(op.Agent))
		}
		b = protowire.AppendVarint(b, op.Kind)
		b = protowire.AppendBytes(b, op.Agent)
		b = protowire.AppendVarint(b, op.Seq)
		switch op.Kind {
		case OpKindInsert:
			if len(op.OriginAgent) != 0 && len(op.OriginAgent) != AgentIdByteCount {
				return nil, fmt.Errorf("op origin agent must be empty or %d bytes: %d", AgentIdByteCount, len(op.OriginAgent))
			}
			b = protowire.AppendVarint(b, op.Ts)
			b = protowire.AppendBytes(b, op.OriginAgent)
			b = protowire.AppendVarint(b, op.OriginSeq)
			b = protowire.AppendBytes(b, []byte(op.Value))
		case OpKindDelete:
			if len(op.TargetAgent) != AgentIdByteCount {
				return nil, fmt.Errorf("op target agent must be %d bytes: %d", AgentIdByteCount, len(op.TargetAgent))
			}
			b = protowire.AppendBytes(b, op.TargetAgent)
			b = protowire.AppendVarint(b, op.TargetSeq)
		default:
			return nil, fmt.Errorf("unknown op kind: %d", op.Kind)
		}
	}
	return b, nil
}

func RequireEncodeDelta(ops []Op) []byte {
	b, err := EncodeDelta(ops)
	if err != nil {
		panic(err)
	}
	return b
}

// DeltaOpCount reads the op count prefix without decoding the ops.
func DeltaOpCount(b []byte) (int, error) {
	count, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, fmt.Errorf("op count: %w", protowire.ParseError(n))
	}
	return int(count), nil
}

func DecodeDelta(b []byte) ([]Op, error) {
	count, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, fmt.Errorf("op count: %w", protowire.ParseError(n))
	}
	b = b[n:]

	if uint64(len(b)) < count {
		return nil, fmt.Errorf("op count %d exceeds payload", count)
	}

	ops := make([]Op, 0, min(count, decodeSizeHint))
	for i := uint64(0); i < count; i += 1 {
		var op Op

		kind, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("op kind: %w", protowire.ParseError(n))
		}
		b = b[n:]
		op.Kind = kind

		agent, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("op agent: %w", protowire.ParseError(n))
		}
		if len(agent) != AgentIdByteCount {
			return nil, fmt.Errorf("op agent must be %d bytes: %d", AgentIdByteCount, len(agent))
		}
		b = b[n:]
		op.Agent = agent

		seq, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("op seq: %w", protowire.ParseError(n))
		}
		b = b[n:]
		op.Seq = seq

		switch kind {
		case OpKindInsert:
			ts, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("op ts: %w", protowire.ParseError(n))
			}
			b = b[n:]
			op.Ts = ts

			originAgent, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("op origin agent: %w", protowire.ParseError(n))
			}
			if len(originAgent) != 0 && len(originAgent) != AgentIdByteCount {
				return nil, fmt.Errorf("op origin agent must be empty or %d bytes: %d", AgentIdByteCount, len(originAgent))
			}
			b = b[n:]
			if 0 < len(originAgent) {
				op.OriginAgent = originAgent
			}

			originSeq, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("op origin seq: %w", protowire.ParseError(n))
			}
			b = b[n:]
			op.OriginSeq = originSeq

			value, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("op value: %w", protowire.ParseError(n))
			}
			b = b[n:]
			op.Value = string(value)
		case OpKindDelete:
			targetAgent, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("op target agent: %w", protowire.ParseError(n))
			}
			if len(targetAgent) != AgentIdByteCount {
				return nil, fmt.Errorf("op target agent must be %d bytes: %d", AgentIdByteCount, len(targetAgent))
			}
			b = b[n:]
			op.TargetAgent = targetAgent

			targetSeq, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("op target seq: %w", protowire.ParseError(n))
			}
			b = b[n:]
			op.TargetSeq = targetSeq
		default:
			return nil, fmt.Errorf("unknown op kind: %d", kind)
		}

		ops = append(ops, op)
	}
	if 0 < len(b) {
		return nil, fmt.Errorf("delta payload: %d trailing bytes", len(b))
	}
	return ops, nil
}

func EncodeSummary(entries []SummaryEntry) ([]byte, error) {
	b := protowire.AppendVarint(nil, uint64(len(entries)))
	for _, entry := range entries {
		if len(entry.Agent) != AgentIdByteCount {
			return nil, fmt.Errorf("summary agent must be %d bytes: %d", AgentIdByteCount, len(entry.Agent))
		}
		b = protowire.AppendBytes(b, entry.Agent)
		b = protowire.AppendVarint(b, entry.Seq)
	}
	return b, nil
}

func RequireEncodeSummary(entries []SummaryEntry) []byte {
	b, err := EncodeSummary(entries)
	if err != nil {
		panic(err)
	}
	return b
}

func DecodeSummary(b []byte) ([]SummaryEntry, error) {
	count, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, fmt.Errorf("summary count: %w", protowire.ParseError(n))
	}
	b = b[n:]

	if uint64(len(b)) < count {
		return nil, fmt.Errorf("summary count %d exceeds payload", count)
	}

	entries := make([]SummaryEntry, 0, min(count, decodeSizeHint))
	for i := uint64(0); i < count; i += 1 {
		agent, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("summary agent: %w", protowire.ParseError(n))
		}
		if len(agent) != AgentIdByteCount {
			return nil, fmt.Errorf("summary agent must be %d bytes: %d", AgentIdByteCount, len(agent))
		}
		b = b[n:]

		seq, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("summary seq: %w", protowire.ParseError(n))
		}
		b = b[n:]

		entries = append(entries, SummaryEntry{
			Agent: agent,
			Seq:   seq,
		})
	}
	if 0 < len(b) {
		return nil, fmt.Errorf("summary payload: %d trailing bytes", len(b))
	}
	return entries, nil
}
