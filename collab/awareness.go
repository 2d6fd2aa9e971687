package collab

import (
	"slices"

	"github.com/vmihailenco/msgpack/v5"

	"golang.org/x/exp/maps"

	"github.com/commonpad/collab/protocol"
)

// CaretPos is a rune index into the visible content.
type CaretPos struct {
	Index int `msgpack:"index"`
}

// CaretSpan is a half open rune range [Start, End).
type CaretSpan struct {
	Start int `msgpack:"start"`
	End   int `msgpack:"end"`
}

// Entry is one participant's ephemeral presence state, msgpack on the wire.
// Clients publish their claim; the table stamps the resolved editor seat into
// every entry it hands out, so a client never sees an unresolved flag.
type Entry struct {
	ParticipantId string     `msgpack:"participant_id"`
	Name          string     `msgpack:"name"`
	Color         string     `msgpack:"color"`
	Cursor        *CaretPos  `msgpack:"cursor,omitempty"`
	Selection     *CaretSpan `msgpack:"selection,omitempty"`
	// editor seat claim. nil or true asks for a seat, false opts out.
	Editor *bool `msgpack:"editor,omitempty"`
}

// WantsEditor is whether the entry claims an editor seat.
// An absent flag counts as a claim.
func (self *Entry) WantsEditor() bool {
	return self.Editor == nil || *self.Editor
}

func DecodeEntry(state []byte) (*Entry, error) {
	entry := &Entry{}
	if err := msgpack.Unmarshal(state, entry); err != nil {
		return nil, WrapProtocolError("bad presence entry", err)
	}
	return entry, nil
}

func EncodeEntry(entry *Entry) ([]byte, error) {
	return msgpack.Marshal(entry)
}

func RequireEncodeEntry(entry *Entry) []byte {
	state, err := EncodeEntry(entry)
	if err != nil {
		panic(err)
	}
	return state
}

type awarenessRow struct {
	entry *Entry
	clock uint64
	// server assigned join order, stable across entry updates
	joinSeq uint64
	// derived editor seat, stamped into outgoing entries
	editor bool
}

// Awareness is the presence table for one document: client id to entry, with
// last write wins clocks per row and the editor cap derivation over the rows.
// Not safe for concurrent use. The owning document serializes all access.
type Awareness struct {
	editorCap   int
	nextJoinSeq uint64
	rows        map[Id]*awarenessRow
	// removal clocks, so a late update cannot resurrect a removed row.
	// a removal wins clock ties.
	removed map[Id]uint64
}

func NewAwareness(editorCap int) *Awareness {
	return &Awareness{
		editorCap: editorCap,
		rows:      map[Id]*awarenessRow{},
		removed:   map[Id]uint64{},
	}
}

// Apply merges one update into the table. A nil entry removes the row.
// Stale clocks are ignored. The return is whether the table changed.
// Apply does not re-derive editor seats; callers run ResolveEditors after a
// batch of applies.
func (self *Awareness) Apply(clientId Id, clock uint64, entry *Entry) bool {
	if entry == nil {
		row, ok := self.rows[clientId]
		if !ok || clock < row.clock {
			if self.removed[clientId] < clock {
				self.removed[clientId] = clock
			}
			return false
		}
		delete(self.rows, clientId)
		self.removed[clientId] = clock
		return true
	}

	if row, ok := self.rows[clientId]; ok {
		if clock < row.clock {
			return false
		}
		row.entry = entry
		row.clock = clock
		return true
	}

	if removedClock, ok := self.removed[clientId]; ok && clock <= removedClock {
		return false
	}
	self.nextJoinSeq += 1
	self.rows[clientId] = &awarenessRow{
		entry:   entry,
		clock:   clock,
		joinSeq: self.nextJoinSeq,
	}
	return true
}

// Remove drops a row unconditionally, for connection detach.
func (self *Awareness) Remove(clientId Id) bool {
	row, ok := self.rows[clientId]
	if !ok {
		return false
	}
	delete(self.rows, clientId)
	if self.removed[clientId] < row.clock {
		self.removed[clientId] = row.clock
	}
	return true
}

/*
ResolveEditors re-derives every row's editor seat from current table state:
walk rows in join order and seat the first editorCap rows whose claim is not
an explicit opt out. Every other row is forced out of its seat. The return is
the client ids whose seat flipped, which the caller folds into the broadcast
set so cap side effects reach everyone, the originator included.
*/
func (self *Awareness) ResolveEditors() []Id {
	flipped := []Id{}
	seated := 0
	for _, clientId := range self.rowsInJoinOrder() {
		row := self.rows[clientId]
		editor := row.entry.WantsEditor() && seated < self.editorCap
		if editor {
			seated += 1
		}
		if row.editor != editor {
			row.editor = editor
			flipped = append(flipped, clientId)
		}
	}
	return flipped
}

// IsEditor is whether the client currently holds a resolved editor seat.
func (self *Awareness) IsEditor(clientId Id) bool {
	row, ok := self.rows[clientId]
	return ok && row.editor
}

// HasEntry is whether the client has published presence at all.
func (self *Awareness) HasEntry(clientId Id) bool {
	_, ok := self.rows[clientId]
	return ok
}

func (self *Awareness) Len() int {
	return len(self.rows)
}

// EditorIds returns the seated clients in join order.
func (self *Awareness) EditorIds() []Id {
	editorIds := []Id{}
	for _, clientId := range self.rowsInJoinOrder() {
		if self.rows[clientId].editor {
			editorIds = append(editorIds, clientId)
		}
	}
	return editorIds
}

// Snapshot exports every row for the attach time presence snapshot,
// in join order, with resolved editor seats stamped in.
func (self *Awareness) Snapshot() []protocol.EntryUpdate {
	updates := []protocol.EntryUpdate{}
	for _, clientId := range self.rowsInJoinOrder() {
		updates = append(updates, self.updateFor(clientId))
	}
	return updates
}

// Updates exports the given rows for broadcast, resolved seats stamped in.
// Removed rows export as removal updates.
func (self *Awareness) Updates(clientIds []Id) []protocol.EntryUpdate {
	updates := []protocol.EntryUpdate{}
	seen := map[Id]bool{}
	for _, clientId := range clientIds {
		if seen[clientId] {
			continue
		}
		seen[clientId] = true
		updates = append(updates, self.updateFor(clientId))
	}
	return updates
}

func (self *Awareness) updateFor(clientId Id) protocol.EntryUpdate {
	row, ok := self.rows[clientId]
	if !ok {
		return protocol.EntryUpdate{
			ClientId: clientId.Bytes(),
			Clock:    self.removed[clientId],
		}
	}
	stamped := *row.entry
	editor := row.editor
	stamped.Editor = &editor
	return protocol.EntryUpdate{
		ClientId: clientId.Bytes(),
		Clock:    row.clock,
		State:    RequireEncodeEntry(&stamped),
	}
}

func (self *Awareness) rowsInJoinOrder() []Id {
	rows := maps.Keys(self.rows)
	slices.SortFunc(rows, func(a Id, b Id) int {
		if self.rows[a].joinSeq < self.rows[b].joinSeq {
			return -1
		}
		return 1
	})
	return rows
}
