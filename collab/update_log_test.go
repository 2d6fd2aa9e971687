package collab

import (
	mathrand "math/rand"
	"slices"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/commonpad/collab/protocol"
)

func TestUpdateLogLocalEditing(t *testing.T) {
	log := NewUpdateLog(NewId())
	assert.Equal(t, log.Content(), "")
	assert.Equal(t, log.Len(), 0)

	log.InsertText(0, "hello")
	assert.Equal(t, log.Content(), "hello")
	assert.Equal(t, log.Len(), 5)

	log.InsertText(5, " world")
	log.InsertText(0, ">> ")
	assert.Equal(t, log.Content(), ">> hello world")

	log.DeleteText(0, 3)
	assert.Equal(t, log.Content(), "hello world")

	// positions clamp to the visible range
	log.InsertText(-5, "[")
	log.InsertText(1000, "]")
	assert.Equal(t, log.Content(), "[hello world]")

	log.DeleteText(11, 1000)
	assert.Equal(t, log.Content(), "[hello worl")
	log.DeleteText(-2, 3)
	assert.Equal(t, log.Content(), "hello worl")

	// degenerate edits produce nothing to broadcast
	assert.Equal(t, OpCount(log.InsertText(0, "")), 0)
	assert.Equal(t, OpCount(log.DeleteText(3, 0)), 0)
	assert.Equal(t, OpCount(log.DeleteText(100, 5)), 0)
	assert.Equal(t, log.Content(), "hello worl")
}

func TestUpdateLogRuneSafety(t *testing.T) {
	log := NewUpdateLog(NewId())

	log.InsertText(0, "héllo")
	assert.Equal(t, log.Len(), 5)

	log.InsertText(5, " 漢字🙂")
	assert.Equal(t, log.Content(), "héllo 漢字🙂")
	assert.Equal(t, log.Len(), 9)

	log.DeleteText(1, 1)
	assert.Equal(t, log.Content(), "hllo 漢字🙂")

	log.DeleteText(5, 2)
	assert.Equal(t, log.Content(), "hllo 🙂")
}

func TestUpdateLogOutOfOrder(t *testing.T) {
	a := NewUpdateLog(NewId())
	delta := a.InsertText(0, "abc")

	ops, err := protocol.DecodeDelta(delta)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(ops), 3)

	b := NewUpdateLog(NewId())

	// the tail op arrives first and parks until its dependencies land
	tail := protocol.RequireEncodeDelta(ops[2:])
	result, err := b.ApplyRemote(tail)
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Integrated, 0)
	assert.Equal(t, result.Deferred, 1)
	assert.Equal(t, result.Advanced(), true)
	assert.Equal(t, b.Content(), "")
	assert.Equal(t, b.PendingCount(), 1)

	head := protocol.RequireEncodeDelta(ops[:2])
	result, err = b.ApplyRemote(head)
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Integrated, 3)
	assert.Equal(t, result.Deferred, 0)
	assert.Equal(t, b.Content(), "abc")
	assert.Equal(t, b.PendingCount(), 0)

	// replays are no-ops
	result, err = b.ApplyRemote(tail)
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Duplicate, 1)
	assert.Equal(t, result.Advanced(), false)
	assert.Equal(t, result.Changed, false)
	assert.Equal(t, b.Content(), "abc")
	assert.Equal(t, b.Seq(a.Agent()), uint64(3))
}

func TestUpdateLogConcurrentInserts(t *testing.T) {
	a := NewUpdateLog(NewId())
	b := NewUpdateLog(NewId())

	// both type at the head of an empty document without seeing each other
	deltaA := a.InsertText(0, "ab")
	deltaB := b.InsertText(0, "xy")

	_, err := a.ApplyRemote(deltaB)
	assert.Equal(t, err, nil)
	_, err = b.ApplyRemote(deltaA)
	assert.Equal(t, err, nil)

	// both converge, and each typed run stays contiguous
	assert.Equal(t, a.Content(), b.Content())
	assert.Equal(t, len(a.Content()), 4)
	assert.Equal(t, strings.Contains(a.Content(), "ab"), true)
	assert.Equal(t, strings.Contains(a.Content(), "xy"), true)
}

func TestUpdateLogInsertAfterTombstone(t *testing.T) {
	a := NewUpdateLog(NewId())
	base := a.InsertText(0, "abc")

	b := NewUpdateLog(NewId())
	c := NewUpdateLog(NewId())
	d := NewUpdateLog(NewId())
	for _, log := range []*UpdateLog{b, c, d} {
		_, err := log.ApplyRemote(base)
		assert.Equal(t, err, nil)
	}

	// b and c both delete "b" while d types after it
	deltaB := b.DeleteText(1, 1)
	deltaC := c.DeleteText(1, 1)
	deltaD := d.InsertText(2, "d")

	for _, log := range []*UpdateLog{a, b, c, d} {
		for _, delta := range [][]byte{deltaD, deltaC, deltaB} {
			_, err := log.ApplyRemote(delta)
			assert.Equal(t, err, nil)
		}
	}

	// the tombstone keeps d's insert anchored
	for _, log := range []*UpdateLog{a, b, c, d} {
		assert.Equal(t, log.Content(), "adc")
	}

	// the second delete of the same atom integrates without a visible change
	e := NewUpdateLog(NewId())
	_, err := e.ApplyRemote(base)
	assert.Equal(t, err, nil)
	result, err := e.ApplyRemote(deltaB)
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Changed, true)
	result, err = e.ApplyRemote(deltaC)
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Integrated, 1)
	assert.Equal(t, result.Changed, false)
}

func TestUpdateLogDiffSince(t *testing.T) {
	a := NewUpdateLog(NewId())
	b := NewUpdateLog(NewId())

	a.InsertText(0, "shared base")
	syncLogs(t, a, b)
	assert.Equal(t, b.Content(), "shared base")

	b.DeleteText(0, 7)
	b.InsertText(0, "the ")
	a.InsertText(a.Len(), "line")
	syncLogs(t, a, b)
	assert.Equal(t, a.Content(), b.Content())

	// a fully synced peer gets an empty diff
	diff, err := a.DiffSince(b.Summary())
	assert.Equal(t, err, nil)
	assert.Equal(t, OpCount(diff), 0)

	// an empty summary gets the full history
	full, err := a.DiffSince(protocol.RequireEncodeSummary(nil))
	assert.Equal(t, err, nil)
	fresh := NewUpdateLog(NewId())
	_, err = fresh.ApplyRemote(full)
	assert.Equal(t, err, nil)
	assert.Equal(t, fresh.Content(), a.Content())
	assert.Equal(t, fresh.PendingCount(), 0)
}

func TestUpdateLogConvergence(t *testing.T) {
	replicaCount := 4
	roundCount := 8
	editsPerRound := 3

	logs := make([]*UpdateLog, replicaCount)
	for i := range logs {
		logs[i] = NewUpdateLog(NewId())
	}

	allDeltas := [][]byte{}
	for range roundCount {
		roundDeltas := [][]byte{}
		for _, log := range logs {
			for range editsPerRound {
				delta := randomEdit(log)
				if 0 < OpCount(delta) {
					roundDeltas = append(roundDeltas, delta)
				}
			}
		}
		allDeltas = append(allDeltas, roundDeltas...)

		// a lossy partial exchange so later edits build on mixed state
		for _, log := range logs {
			for _, delta := range roundDeltas {
				if mathrand.Intn(2) == 0 {
					_, err := log.ApplyRemote(delta)
					assert.Equal(t, err, nil)
				}
			}
		}
	}

	// deliver the full history to every replica, shuffled, with a duplicate
	for _, log := range logs {
		deltas := slices.Clone(allDeltas)
		deltas = append(deltas, allDeltas[mathrand.Intn(len(allDeltas))])
		mathrand.Shuffle(len(deltas), func(i int, j int) {
			deltas[i], deltas[j] = deltas[j], deltas[i]
		})
		for _, delta := range deltas {
			_, err := log.ApplyRemote(delta)
			assert.Equal(t, err, nil)
		}
	}

	reference := NewUpdateLog(NewId())
	deltas := slices.Clone(allDeltas)
	mathrand.Shuffle(len(deltas), func(i int, j int) {
		deltas[i], deltas[j] = deltas[j], deltas[i]
	})
	for _, delta := range deltas {
		_, err := reference.ApplyRemote(delta)
		assert.Equal(t, err, nil)
	}

	assert.Equal(t, reference.PendingCount(), 0)
	for _, log := range logs {
		assert.Equal(t, log.PendingCount(), 0)
		assert.Equal(t, log.Content(), reference.Content())
	}
}

func TestUpdateLogRejects(t *testing.T) {
	agent := NewId()

	log := NewUpdateLog(NewId())
	_, err := log.ApplyRemote([]byte{0x01, 0xff})
	assert.Equal(t, IsProtocolError(err), true)

	apply := func(op protocol.Op) error {
		_, err := log.ApplyRemote(protocol.RequireEncodeDelta([]protocol.Op{op}))
		return err
	}

	err = apply(protocol.Op{
		Kind:  protocol.OpKindInsert,
		Agent: agent.Bytes(),
		Seq:   0,
		Ts:    1,
		Value: "x",
	})
	assert.Equal(t, IsProtocolError(err), true)

	err = apply(protocol.Op{
		Kind:  protocol.OpKindInsert,
		Agent: agent.Bytes(),
		Seq:   1,
		Ts:    1,
		Value: "xy",
	})
	assert.Equal(t, IsProtocolError(err), true)

	err = apply(protocol.Op{
		Kind:        protocol.OpKindInsert,
		Agent:       agent.Bytes(),
		Seq:         1,
		Ts:          1,
		OriginAgent: agent.Bytes(),
		OriginSeq:   1,
		Value:       "x",
	})
	assert.Equal(t, IsProtocolError(err), true)

	err = apply(protocol.Op{
		Kind:        protocol.OpKindDelete,
		Agent:       agent.Bytes(),
		Seq:         1,
		TargetAgent: agent.Bytes(),
		TargetSeq:   0,
	})
	assert.Equal(t, IsProtocolError(err), true)

	// nothing above touched the log
	assert.Equal(t, log.Content(), "")
	assert.Equal(t, log.Seq(agent), uint64(0))
	assert.Equal(t, log.PendingCount(), 0)

	// an op that rewrites an integrated op of the same id is rejected
	good := protocol.Op{
		Kind:  protocol.OpKindInsert,
		Agent: agent.Bytes(),
		Seq:   1,
		Ts:    1,
		Value: "x",
	}
	err = apply(good)
	assert.Equal(t, err, nil)
	assert.Equal(t, log.Content(), "x")

	evil := good
	evil.Value = "y"
	err = apply(evil)
	assert.Equal(t, IsApplyError(err), true)
	assert.Equal(t, log.Content(), "x")
}

func syncLogs(t *testing.T, a *UpdateLog, b *UpdateLog) {
	for {
		ab, err := a.DiffSince(b.Summary())
		assert.Equal(t, err, nil)
		ba, err := b.DiffSince(a.Summary())
		assert.Equal(t, err, nil)
		if OpCount(ab) == 0 && OpCount(ba) == 0 {
			return
		}
		_, err = b.ApplyRemote(ab)
		assert.Equal(t, err, nil)
		_, err = a.ApplyRemote(ba)
		assert.Equal(t, err, nil)
	}
}

func randomEdit(log *UpdateLog) []byte {
	alphabet := []rune("abcdefghijklmnopqrstuvwxyz0123456789")
	if 0 < log.Len() && mathrand.Intn(4) == 0 {
		pos := mathrand.Intn(log.Len())
		n := 1 + mathrand.Intn(3)
		return log.DeleteText(pos, n)
	}
	pos := mathrand.Intn(log.Len() + 1)
	runes := make([]rune, 1+mathrand.Intn(3))
	for i := range runes {
		runes[i] = alphabet[mathrand.Intn(len(alphabet))]
	}
	return log.InsertText(pos, string(runes))
}
