package collab

import (
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"

	"github.com/commonpad/collab/protocol"
)

const DefaultEditorCap = 5

type DocumentSettings struct {
	// editor seats per document
	EditorCap int
	// how long an empty document lingers before it is destroyed
	IdleExpireTimeout time.Duration
}

func DefaultDocumentSettings() *DocumentSettings {
	return &DocumentSettings{
		EditorCap:         DefaultEditorCap,
		IdleExpireTimeout: 30 * time.Second,
	}
}

/*
Document is the authoritative state of one document: the update log, the
presence table, and the attached connections. All mutation runs under
`stateLock`, so activity within one document is serialized while separate
documents proceed fully in parallel. Broadcast never blocks the mutating
path: a connection whose send buffer is full is dropped from the document
instead of stalling the others.
*/
type Document struct {
	registry *Registry
	name     string
	storage  Storage
	settings *DocumentSettings

	stateLock sync.Mutex
	log       *UpdateLog
	awareness *Awareness
	conns     map[*Conn]bool
	clients   map[Id]*Conn
	// bumped on every attach. an idle expire only fires for the
	// generation it was scheduled in.
	attachGeneration uint64
	closed           bool
}

func newDocument(registry *Registry, name string, storage Storage, settings *DocumentSettings) *Document {
	document := &Document{
		registry:  registry,
		name:      name,
		storage:   storage,
		settings:  settings,
		log:       NewUpdateLog(NewId()),
		awareness: NewAwareness(settings.EditorCap),
		conns:     map[*Conn]bool{},
		clients:   map[Id]*Conn{},
	}
	document.loadInitialState()
	return document
}

// runs before the document is shared, so no lock.
// a storage failure starts the document empty rather than failing creation.
func (self *Document) loadInitialState() {
	if self.storage == nil {
		return
	}
	HandleError(func() {
		prior, err := self.storage.LoadInitialState(self.name)
		if err != nil {
			glog.Warningf("[doc]%s load = %s\n", self.name, err)
			return
		}
		if len(prior) == 0 {
			return
		}
		if _, err := self.log.ApplyRemote(prior); err != nil {
			glog.Warningf("[doc]%s load apply = %s\n", self.name, err)
		}
	})
}

func (self *Document) Name() string {
	return self.name
}

// Attach registers a connection and sends it the handshake opener: our state
// summary and the current presence snapshot. The return is false when the
// document was already destroyed, in which case the caller re-resolves.
func (self *Document) Attach(conn *Conn) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return false
	}

	self.attachGeneration += 1
	self.conns[conn] = true
	conn.setDocument(self)

	// handshake step 1: let the peer compute what we are missing
	self.sendLocked(conn, protocol.RequireEncodeFrame(&protocol.SyncStep1{
		Summary: self.log.Summary(),
	}))
	if 0 < self.awareness.Len() {
		self.sendLocked(conn, protocol.RequireEncodeFrame(&protocol.Presence{
			Updates: self.awareness.Snapshot(),
		}))
	}

	glog.Infof("[doc]%s attach (%d conns)\n", self.name, len(self.conns))
	return true
}

func (self *Document) Detach(conn *Conn) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.detachLocked(conn)
}

func (self *Document) detachLocked(conn *Conn) {
	if !self.conns[conn] {
		return
	}
	delete(self.conns, conn)

	clientId := conn.ClientId()
	if !clientId.IsZero() {
		delete(self.clients, clientId)
		if self.awareness.Remove(clientId) {
			flipped := self.awareness.ResolveEditors()
			self.broadcastPresenceLocked(self.awareness.Updates(append([]Id{clientId}, flipped...)))
		}
	}

	glog.Infof("[doc]%s detach (%d conns)\n", self.name, len(self.conns))

	if len(self.conns) == 0 && self.registry != nil && !self.closed {
		generation := self.attachGeneration
		time.AfterFunc(self.settings.IdleExpireTimeout, func() {
			self.registry.expireIfIdle(self.name, self, generation)
		})
		glog.V(1).Infof("[doc]%s idle, expire in %s\n", self.name, self.settings.IdleExpireTimeout)
	}
}

// ApplyDelta integrates a delta from one connection and fans it out verbatim
// to every other connection. A delta from a connection whose participant
// holds no editor seat is dropped without touching the log; presence traffic
// is unaffected by the seat.
func (self *Document) ApplyDelta(source *Conn, delta []byte) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if source != nil {
		clientId := source.ClientId()
		if !clientId.IsZero() && self.awareness.HasEntry(clientId) && !self.awareness.IsEditor(clientId) {
			glog.Infof("[doc]%s drop delta from non editor %s\n", self.name, clientId)
			return nil
		}
	}

	result, err := self.log.ApplyRemote(delta)
	if err != nil {
		return err
	}
	// acked marks are contiguous knowledge. a delta that parked ops has
	// gaps, so its high water marks must not settle into acked summaries:
	// the filler ops still have to fan out when they arrive.
	settle := result.Deferred == 0
	if source != nil && settle {
		source.mergeAcked(result.Coverage)
	}
	if !result.Advanced() {
		glog.V(2).Infof("[doc]%s stale delta\n", self.name)
		return nil
	}

	self.broadcastDeltaLocked(source, delta, result.Coverage, settle)
	self.storeDeltaLocked(delta)
	return nil
}

// InsertText applies a local edit and fans the delta out to every connection.
func (self *Document) InsertText(pos int, text string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.localDeltaLocked(self.log.InsertText(pos, text))
}

// DeleteText applies a local edit and fans the delta out to every connection.
func (self *Document) DeleteText(pos int, n int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.localDeltaLocked(self.log.DeleteText(pos, n))
}

func (self *Document) localDeltaLocked(delta []byte) {
	if OpCount(delta) == 0 {
		return
	}
	agent := self.log.Agent()
	coverage := map[Id]uint64{
		agent: self.log.Seq(agent),
	}
	self.broadcastDeltaLocked(nil, delta, coverage, true)
	self.storeDeltaLocked(delta)
}

// HandshakeDiff answers a peer summary with the delta of everything the peer
// is missing, and records the peer's knowledge for re-send avoidance.
func (self *Document) HandshakeDiff(conn *Conn, peerSummary []byte) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	known, err := SummaryMap(peerSummary)
	if err != nil {
		return err
	}
	diff, err := self.log.DiffSince(peerSummary)
	if err != nil {
		return err
	}

	conn.mergeAcked(known)
	self.sendLocked(conn, protocol.RequireEncodeFrame(&protocol.SyncStep2{
		Delta: diff,
	}))
	// after the reply the peer holds everything we hold
	conn.mergeAcked(self.log.SummaryCoverage())
	return nil
}

/*
ApplyPresence merges presence updates from one connection. A connection
speaks only for itself: the first update binds the connection's client id,
and every later update must carry the same id. The applied entries, plus any
rows whose editor seat the cap flipped as a side effect, broadcast to every
connection, the originator included.
*/
func (self *Document) ApplyPresence(source *Conn, updates []protocol.EntryUpdate) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	changedIds := []Id{}
	for _, update := range updates {
		clientId, err := IdFromBytes(update.ClientId)
		if err != nil {
			return WrapProtocolError("bad presence client id", err)
		}
		if source != nil {
			if err := self.bindClientLocked(source, clientId); err != nil {
				return err
			}
		}

		if len(update.State) == 0 {
			if self.awareness.Apply(clientId, update.Clock, nil) {
				changedIds = append(changedIds, clientId)
			}
			continue
		}

		entry, err := DecodeEntry(update.State)
		if err != nil {
			return err
		}
		if source != nil {
			// the authenticated identity overrides self reported fields
			participant := source.Participant()
			participant.Stamp(entry)
		}
		if self.awareness.Apply(clientId, update.Clock, entry) {
			changedIds = append(changedIds, clientId)
		}
	}

	changedIds = append(changedIds, self.awareness.ResolveEditors()...)
	self.broadcastPresenceLocked(self.awareness.Updates(changedIds))
	return nil
}

func (self *Document) bindClientLocked(conn *Conn, clientId Id) error {
	if clientId.IsZero() {
		return NewProtocolError("zero presence client id")
	}
	bound := conn.ClientId()
	if bound == clientId {
		return nil
	}
	if !bound.IsZero() {
		return NewProtocolErrorf("presence for foreign client id: %s", clientId)
	}
	if _, ok := self.clients[clientId]; ok {
		return NewProtocolErrorf("client id already bound: %s", clientId)
	}
	conn.setClientId(clientId)
	self.clients[clientId] = conn
	return nil
}

func (self *Document) broadcastDeltaLocked(source *Conn, delta []byte, coverage map[Id]uint64, settle bool) {
	frame := protocol.RequireEncodeFrame(&protocol.SyncUpdate{
		Delta: delta,
	})
	for _, conn := range maps.Keys(self.conns) {
		if conn == source {
			continue
		}
		if conn.ackedCovers(coverage) {
			glog.V(2).Infof("[doc]%s covered ->%s\n", self.name, conn.ClientId())
			continue
		}
		if settle {
			conn.mergeAcked(coverage)
		}
		self.sendLocked(conn, frame)
	}
}

func (self *Document) broadcastPresenceLocked(updates []protocol.EntryUpdate) {
	if len(updates) == 0 {
		return
	}
	frame := protocol.RequireEncodeFrame(&protocol.Presence{
		Updates: updates,
	})
	for _, conn := range maps.Keys(self.conns) {
		self.sendLocked(conn, frame)
	}
}

// sendLocked enqueues a frame for one connection. A full send buffer means
// the receiver stopped draining; the connection is dropped so it cannot
// stall the document.
func (self *Document) sendLocked(conn *Conn, frame []byte) {
	if conn.enqueueFrame(frame) {
		return
	}
	glog.Infof("[doc]%s drop slow conn %s\n", self.name, conn.ClientId())
	self.detachLocked(conn)
	conn.closeTransport()
}

func (self *Document) storeDeltaLocked(delta []byte) {
	if self.storage == nil {
		return
	}
	HandleError(func() {
		self.storage.StoreDelta(self.name, delta)
	})
}

// closeIfIdle marks the document destroyed if it is still empty and no
// attach happened since the expire was scheduled.
func (self *Document) closeIfIdle(generation uint64) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed || 0 < len(self.conns) || self.attachGeneration != generation {
		return false
	}
	self.closed = true
	return true
}

func (self *Document) close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if !self.closed {
		self.closed = true
	}
	for _, conn := range maps.Keys(self.conns) {
		conn.closeTransport()
	}
	self.conns = map[*Conn]bool{}
	self.clients = map[Id]*Conn{}
	glog.Infof("[doc]%s close\n", self.name)
}

func (self *Document) Content() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.log.Content()
}

func (self *Document) ConnCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.conns)
}

func (self *Document) PresenceCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.awareness.Len()
}

func (self *Document) IsEditor(clientId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.awareness.IsEditor(clientId)
}
