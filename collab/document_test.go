package collab

import (
	"context"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/commonpad/collab/protocol"
)

func recvFrame(t *testing.T, conn *Conn) protocol.Message {
	select {
	case frame := <-conn.send:
		message, err := protocol.DecodeFrame(frame)
		assert.Equal(t, err, nil)
		return message
	default:
		t.Fatal("expected a frame")
		return nil
	}
}

func assertNoFrame(t *testing.T, conn *Conn) {
	select {
	case <-conn.send:
		t.Fatal("expected no frame")
	default:
	}
}

func drainConn(t *testing.T, conn *Conn) {
	for {
		select {
		case frame := <-conn.send:
			_, err := protocol.DecodeFrame(frame)
			assert.Equal(t, err, nil)
		default:
			return
		}
	}
}

func syncStep1Frame(summary []byte) []byte {
	return protocol.RequireEncodeFrame(&protocol.SyncStep1{
		Summary: summary,
	})
}

func syncUpdateFrame(delta []byte) []byte {
	return protocol.RequireEncodeFrame(&protocol.SyncUpdate{
		Delta: delta,
	})
}

func presenceFrame(clientId Id, clock uint64, entry *Entry) []byte {
	update := protocol.EntryUpdate{
		ClientId: clientId.Bytes(),
		Clock:    clock,
	}
	if entry != nil {
		update.State = RequireEncodeEntry(entry)
	}
	return protocol.RequireEncodeFrame(&protocol.Presence{
		Updates: []protocol.EntryUpdate{update},
	})
}

func TestDocumentAttachHandshake(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistryWithDefaults(nil)
	defer registry.Close()

	conn := NewConnWithDefaults(ctx, nil, Participant{})
	document, err := registry.ResolveAttach("notes/a", conn)
	assert.Equal(t, err, nil)
	assert.Equal(t, conn.State(), ConnStateHandshaking)

	// the attach opener carries our summary
	message := recvFrame(t, conn)
	step1, ok := message.(*protocol.SyncStep1)
	assert.Equal(t, ok, true)
	known, err := SummaryMap(step1.Summary)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(known), 0)
	assertNoFrame(t, conn)

	// the client answers with its own summary and becomes synced
	clientLog := NewUpdateLog(NewId())
	clientDelta := clientLog.InsertText(0, "hi")
	err = conn.handleFrame(syncStep1Frame(clientLog.Summary()))
	assert.Equal(t, err, nil)
	assert.Equal(t, conn.State(), ConnStateSynced)

	message = recvFrame(t, conn)
	step2, ok := message.(*protocol.SyncStep2)
	assert.Equal(t, ok, true)
	assert.Equal(t, OpCount(step2.Delta), 0)

	// the client pushes what the server was missing
	err = conn.handleFrame(syncUpdateFrame(clientDelta))
	assert.Equal(t, err, nil)
	assert.Equal(t, document.Content(), "hi")
}

func TestDocumentBroadcastFanout(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistryWithDefaults(nil)
	defer registry.Close()

	a := NewConnWithDefaults(ctx, nil, Participant{})
	b := NewConnWithDefaults(ctx, nil, Participant{})
	c := NewConnWithDefaults(ctx, nil, Participant{})

	document, err := registry.ResolveAttach("pad", a)
	assert.Equal(t, err, nil)
	_, err = registry.ResolveAttach("pad", b)
	assert.Equal(t, err, nil)
	_, err = registry.ResolveAttach("pad", c)
	assert.Equal(t, err, nil)
	for _, conn := range []*Conn{a, b, c} {
		drainConn(t, conn)
	}

	clientLog := NewUpdateLog(NewId())
	d1 := clientLog.InsertText(0, "one")
	d2 := clientLog.InsertText(3, " two")

	err = a.handleFrame(syncUpdateFrame(d1))
	assert.Equal(t, err, nil)
	err = a.handleFrame(syncUpdateFrame(d2))
	assert.Equal(t, err, nil)
	assert.Equal(t, document.Content(), "one two")

	// the originator hears nothing, everyone else gets the deltas verbatim
	// and in order
	assertNoFrame(t, a)
	for _, conn := range []*Conn{b, c} {
		update, ok := recvFrame(t, conn).(*protocol.SyncUpdate)
		assert.Equal(t, ok, true)
		assert.Equal(t, update.Delta, d1)
		update, ok = recvFrame(t, conn).(*protocol.SyncUpdate)
		assert.Equal(t, ok, true)
		assert.Equal(t, update.Delta, d2)
		assertNoFrame(t, conn)
	}

	// a duplicate delivery advances nothing and stays silent
	err = a.handleFrame(syncUpdateFrame(d1))
	assert.Equal(t, err, nil)
	for _, conn := range []*Conn{a, b, c} {
		assertNoFrame(t, conn)
	}

	// an embedder edit fans out to every connection
	document.InsertText(7, "!")
	assert.Equal(t, document.Content(), "one two!")
	for _, conn := range []*Conn{a, b, c} {
		_, ok := recvFrame(t, conn).(*protocol.SyncUpdate)
		assert.Equal(t, ok, true)
	}
}

func TestDocumentAckedSkip(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistryWithDefaults(nil)
	defer registry.Close()

	a := NewConnWithDefaults(ctx, nil, Participant{})
	b := NewConnWithDefaults(ctx, nil, Participant{})
	_, err := registry.ResolveAttach("pad", a)
	assert.Equal(t, err, nil)
	document, err := registry.ResolveAttach("pad", b)
	assert.Equal(t, err, nil)
	drainConn(t, a)
	drainConn(t, b)

	// a and b share history the server has not seen yet
	seed := NewUpdateLog(NewId())
	seedDelta := seed.InsertText(0, "seed")

	// b announces it already holds the seed ops
	err = b.handleFrame(syncStep1Frame(seed.Summary()))
	assert.Equal(t, err, nil)
	_, ok := recvFrame(t, b).(*protocol.SyncStep2)
	assert.Equal(t, ok, true)

	// when a delivers them, b is not sent a redundant copy
	err = a.handleFrame(syncUpdateFrame(seedDelta))
	assert.Equal(t, err, nil)
	assert.Equal(t, document.Content(), "seed")
	assertNoFrame(t, b)
}

func TestDocumentOutOfOrderFanout(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistryWithDefaults(nil)
	defer registry.Close()

	a := NewConnWithDefaults(ctx, nil, Participant{})
	b := NewConnWithDefaults(ctx, nil, Participant{})
	_, err := registry.ResolveAttach("pad", a)
	assert.Equal(t, err, nil)
	document, err := registry.ResolveAttach("pad", b)
	assert.Equal(t, err, nil)
	drainConn(t, a)
	drainConn(t, b)

	clientLog := NewUpdateLog(NewId())
	delta := clientLog.InsertText(0, "abc")
	ops, err := protocol.DecodeDelta(delta)
	assert.Equal(t, err, nil)
	tail := protocol.RequireEncodeDelta(ops[2:])
	head := protocol.RequireEncodeDelta(ops[:2])

	// the tail parks server side but still fans out
	err = a.handleFrame(syncUpdateFrame(tail))
	assert.Equal(t, err, nil)
	assert.Equal(t, document.Content(), "")
	update, ok := recvFrame(t, b).(*protocol.SyncUpdate)
	assert.Equal(t, ok, true)
	assert.Equal(t, update.Delta, tail)

	// the parked tail's high water marks are not knowledge: the filler
	// must still reach b when it arrives
	err = a.handleFrame(syncUpdateFrame(head))
	assert.Equal(t, err, nil)
	assert.Equal(t, document.Content(), "abc")
	update, ok = recvFrame(t, b).(*protocol.SyncUpdate)
	assert.Equal(t, ok, true)
	assert.Equal(t, update.Delta, head)
	assertNoFrame(t, a)
	assertNoFrame(t, b)

	// everything b heard rebuilds the document
	replica := NewUpdateLog(NewId())
	for _, received := range [][]byte{tail, head} {
		_, err := replica.ApplyRemote(received)
		assert.Equal(t, err, nil)
	}
	assert.Equal(t, replica.Content(), "abc")
	assert.Equal(t, replica.PendingCount(), 0)
}

func TestDocumentSlowConnDropped(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistryWithDefaults(nil)
	defer registry.Close()

	a := NewConnWithDefaults(ctx, nil, Participant{})

	slowSettings := DefaultConnSettings()
	slowSettings.SendBufferSize = 1
	slow := NewConn(ctx, nil, Participant{}, slowSettings)

	document, err := registry.ResolveAttach("pad", a)
	assert.Equal(t, err, nil)
	_, err = registry.ResolveAttach("pad", slow)
	assert.Equal(t, err, nil)
	drainConn(t, a)
	// the slow conn never drains: its buffer still holds the attach opener

	clientLog := NewUpdateLog(NewId())
	err = a.handleFrame(syncUpdateFrame(clientLog.InsertText(0, "x")))
	assert.Equal(t, err, nil)

	// the stalled receiver is dropped, the edit and the other conn are fine
	assert.Equal(t, document.Content(), "x")
	assert.Equal(t, document.ConnCount(), 1)
	assert.Equal(t, slow.State(), ConnStateClosed)
	assert.Equal(t, a.State(), ConnStateSynced)

	err = a.handleFrame(syncUpdateFrame(clientLog.InsertText(1, "y")))
	assert.Equal(t, err, nil)
	assert.Equal(t, document.Content(), "xy")
}

func TestDocumentMidHandshakeDelta(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistryWithDefaults(nil)
	defer registry.Close()

	a := NewConnWithDefaults(ctx, nil, Participant{})
	_, err := registry.ResolveAttach("pad", a)
	assert.Equal(t, err, nil)
	drainConn(t, a)
	aLog := NewUpdateLog(NewId())
	err = a.handleFrame(syncStep1Frame(aLog.Summary()))
	assert.Equal(t, err, nil)
	drainConn(t, a)

	// b attaches and receives the opener, but has not asked for its diff yet
	b := NewConnWithDefaults(ctx, nil, Participant{})
	_, err = registry.ResolveAttach("pad", b)
	assert.Equal(t, err, nil)
	_, ok := recvFrame(t, b).(*protocol.SyncStep1)
	assert.Equal(t, ok, true)

	// a's edit lands in the middle of b's handshake
	d1 := aLog.InsertText(0, "mid")
	err = a.handleFrame(syncUpdateFrame(d1))
	assert.Equal(t, err, nil)

	// b sees it immediately as a broadcast
	update, ok := recvFrame(t, b).(*protocol.SyncUpdate)
	assert.Equal(t, ok, true)
	assert.Equal(t, update.Delta, d1)

	// and the late diff answer carries it as well, so either path converges
	bLog := NewUpdateLog(NewId())
	err = b.handleFrame(syncStep1Frame(bLog.Summary()))
	assert.Equal(t, err, nil)
	step2, ok := recvFrame(t, b).(*protocol.SyncStep2)
	assert.Equal(t, ok, true)
	assert.Equal(t, OpCount(step2.Delta), 3)
}

func TestDocumentPresenceFlow(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistryWithDefaults(nil)
	defer registry.Close()

	a := NewConn(ctx, nil, Participant{
		ParticipantId: "u1",
		Name:          "ada",
		Color:         "#ff0000",
	}, DefaultConnSettings())
	b := NewConnWithDefaults(ctx, nil, Participant{})

	document, err := registry.ResolveAttach("pad", a)
	assert.Equal(t, err, nil)
	_, err = registry.ResolveAttach("pad", b)
	assert.Equal(t, err, nil)
	drainConn(t, a)
	drainConn(t, b)

	// a publishes presence. everyone hears it, the originator included,
	// with the resolved seat and the authenticated identity stamped in.
	ca := NewId()
	err = a.handleFrame(presenceFrame(ca, 1, &Entry{
		Name:   "impostor",
		Cursor: &CaretPos{Index: 0},
	}))
	assert.Equal(t, err, nil)
	assert.Equal(t, a.ClientId(), ca)

	for _, conn := range []*Conn{a, b} {
		presence, ok := recvFrame(t, conn).(*protocol.Presence)
		assert.Equal(t, ok, true)
		assert.Equal(t, len(presence.Updates), 1)
		entry, err := DecodeEntry(presence.Updates[0].State)
		assert.Equal(t, err, nil)
		assert.Equal(t, entry.ParticipantId, "u1")
		assert.Equal(t, entry.Name, "ada")
		assert.Equal(t, entry.Color, "#ff0000")
		assert.Equal(t, *entry.Editor, true)
	}
	assert.Equal(t, document.IsEditor(ca), true)

	// a may not speak for other client ids
	err = a.handleFrame(presenceFrame(NewId(), 2, testEntry("spoof")))
	assert.Equal(t, IsProtocolError(err), true)

	// a late joiner gets the presence snapshot with its opener
	c := NewConnWithDefaults(ctx, nil, Participant{})
	_, err = registry.ResolveAttach("pad", c)
	assert.Equal(t, err, nil)
	_, ok := recvFrame(t, c).(*protocol.SyncStep1)
	assert.Equal(t, ok, true)
	snapshot, ok := recvFrame(t, c).(*protocol.Presence)
	assert.Equal(t, ok, true)
	assert.Equal(t, len(snapshot.Updates), 1)
	assert.Equal(t, RequireIdFromBytes(snapshot.Updates[0].ClientId), ca)
}

func TestDocumentDetachRemovesPresence(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistryWithDefaults(nil)
	defer registry.Close()

	a := NewConnWithDefaults(ctx, nil, Participant{})
	b := NewConnWithDefaults(ctx, nil, Participant{})
	document, err := registry.ResolveAttach("pad", a)
	assert.Equal(t, err, nil)
	_, err = registry.ResolveAttach("pad", b)
	assert.Equal(t, err, nil)

	ca := NewId()
	cb := NewId()
	err = a.handleFrame(presenceFrame(ca, 1, testEntry("a")))
	assert.Equal(t, err, nil)
	err = b.handleFrame(presenceFrame(cb, 1, testEntry("b")))
	assert.Equal(t, err, nil)
	assert.Equal(t, document.PresenceCount(), 2)
	drainConn(t, a)
	drainConn(t, b)

	a.Close()
	assert.Equal(t, document.ConnCount(), 1)
	assert.Equal(t, document.PresenceCount(), 1)

	// the removal reaches the remaining connections
	presence, ok := recvFrame(t, b).(*protocol.Presence)
	assert.Equal(t, ok, true)
	assert.Equal(t, len(presence.Updates), 1)
	assert.Equal(t, RequireIdFromBytes(presence.Updates[0].ClientId), ca)
	assert.Equal(t, len(presence.Updates[0].State), 0)
}

func TestDocumentEditorGate(t *testing.T) {
	ctx := context.Background()
	settings := DefaultDocumentSettings()
	settings.EditorCap = 1
	registry := NewRegistry(nil, settings)
	defer registry.Close()

	a := NewConnWithDefaults(ctx, nil, Participant{})
	b := NewConnWithDefaults(ctx, nil, Participant{})
	document, err := registry.ResolveAttach("pad", a)
	assert.Equal(t, err, nil)
	_, err = registry.ResolveAttach("pad", b)
	assert.Equal(t, err, nil)

	ca := NewId()
	cb := NewId()
	err = a.handleFrame(presenceFrame(ca, 1, testEntry("a")))
	assert.Equal(t, err, nil)
	err = b.handleFrame(presenceFrame(cb, 1, testEntry("b")))
	assert.Equal(t, err, nil)
	assert.Equal(t, document.IsEditor(ca), true)
	assert.Equal(t, document.IsEditor(cb), false)
	drainConn(t, a)
	drainConn(t, b)

	// a delta from the seatless participant is dropped without error
	bLog := NewUpdateLog(NewId())
	blockedDelta := bLog.InsertText(0, "blocked")
	err = b.handleFrame(syncUpdateFrame(blockedDelta))
	assert.Equal(t, err, nil)
	assert.Equal(t, document.Content(), "")
	assertNoFrame(t, a)

	// the seated participant edits freely
	aLog := NewUpdateLog(NewId())
	err = a.handleFrame(syncUpdateFrame(aLog.InsertText(0, "ok")))
	assert.Equal(t, err, nil)
	assert.Equal(t, document.Content(), "ok")
	drainConn(t, b)

	// a connection that never published presence syncs as a plain replica
	c := NewConnWithDefaults(ctx, nil, Participant{})
	_, err = registry.ResolveAttach("pad", c)
	assert.Equal(t, err, nil)
	drainConn(t, c)
	cLog := NewUpdateLog(NewId())
	err = c.handleFrame(syncStep1Frame(cLog.Summary()))
	assert.Equal(t, err, nil)
	step2, ok := recvFrame(t, c).(*protocol.SyncStep2)
	assert.Equal(t, ok, true)
	_, err = cLog.ApplyRemote(step2.Delta)
	assert.Equal(t, err, nil)
	err = c.handleFrame(syncUpdateFrame(cLog.InsertText(cLog.Len(), "?")))
	assert.Equal(t, err, nil)
	assert.Equal(t, document.Content(), "ok?")

	// the freed seat promotes the waiting participant, whose edits then land
	a.Close()
	assert.Equal(t, document.IsEditor(cb), true)
	drainConn(t, b)
	err = b.handleFrame(syncUpdateFrame(blockedDelta))
	assert.Equal(t, err, nil)
	content := document.Content()
	assert.Equal(t, len(content), 10)
	assert.Equal(t, strings.Contains(content, "blocked"), true)
	assert.Equal(t, strings.Contains(content, "ok?"), true)
}

type panicStorage struct{}

func (self *panicStorage) LoadInitialState(documentName string) ([]byte, error) {
	return nil, nil
}

func (self *panicStorage) StoreDelta(documentName string, delta []byte) {
	panic("storage exploded")
}

func TestDocumentStorageHook(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	registry := NewRegistryWithDefaults(storage)

	a := NewConnWithDefaults(ctx, nil, Participant{})
	_, err := registry.ResolveAttach("pad", a)
	assert.Equal(t, err, nil)
	drainConn(t, a)

	clientLog := NewUpdateLog(NewId())
	err = a.handleFrame(syncUpdateFrame(clientLog.InsertText(0, "persisted")))
	assert.Equal(t, err, nil)
	assert.Equal(t, storage.Content("pad"), "persisted")
	registry.Close()

	// a fresh registry over the same storage loads the prior state
	registry2 := NewRegistryWithDefaults(storage)
	defer registry2.Close()
	b := NewConnWithDefaults(ctx, nil, Participant{})
	document, err := registry2.ResolveAttach("pad", b)
	assert.Equal(t, err, nil)
	assert.Equal(t, document.Content(), "persisted")

	// a panicking storage hook cannot take the document down
	registry3 := NewRegistryWithDefaults(&panicStorage{})
	defer registry3.Close()
	c := NewConnWithDefaults(ctx, nil, Participant{})
	document3, err := registry3.ResolveAttach("pad", c)
	assert.Equal(t, err, nil)
	drainConn(t, c)
	full, err := clientLog.DiffSince(protocol.RequireEncodeSummary(nil))
	assert.Equal(t, err, nil)
	err = c.handleFrame(syncUpdateFrame(full))
	assert.Equal(t, err, nil)
	err = c.handleFrame(syncUpdateFrame(clientLog.InsertText(9, "!")))
	assert.Equal(t, err, nil)
	assert.Equal(t, document3.Content(), "persisted!")
	assert.Equal(t, c.State(), ConnStateSynced)
}
