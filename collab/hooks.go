package collab

import (
	"sync"

	"github.com/golang/glog"

	"github.com/commonpad/collab/protocol"
)

// Participant is the already authenticated identity bound to a connection.
// The engine performs no credential validation. See Identity for how a
// participant is resolved from a request.
type Participant struct {
	ParticipantId string `json:"participant_id"`
	Name          string `json:"name"`
	Color         string `json:"color,omitempty"`
}

// Stamp overwrites an entry's self reported identity fields with the
// authenticated ones. A zero participant stamps nothing, and a participant
// without a color keeps the entry's own.
func (self *Participant) Stamp(entry *Entry) {
	if self.ParticipantId == "" {
		return
	}
	entry.ParticipantId = self.ParticipantId
	entry.Name = self.Name
	if self.Color != "" {
		entry.Color = self.Color
	}
}

// Storage is the optional persistence hook. The engine calls LoadInitialState
// exactly once when a document is created, before any connection attaches,
// and hands every applied delta to StoreDelta. When and how to checkpoint
// beyond that is the implementation's business.
type Storage interface {
	// LoadInitialState returns the prior delta for a document, or nil for
	// a document with no stored state.
	LoadInitialState(documentName string) ([]byte, error)
	StoreDelta(documentName string, delta []byte)
}

// MemoryStorage folds stored deltas into one update log per document, so a
// reload gets a single compacted delta instead of the raw delta history.
type MemoryStorage struct {
	stateLock sync.Mutex
	logs      map[string]*UpdateLog
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		logs: map[string]*UpdateLog{},
	}
}

func (self *MemoryStorage) LoadInitialState(documentName string) ([]byte, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	log, ok := self.logs[documentName]
	if !ok {
		return nil, nil
	}
	return log.DiffSince(protocol.RequireEncodeSummary(nil))
}

func (self *MemoryStorage) StoreDelta(documentName string, delta []byte) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	log, ok := self.logs[documentName]
	if !ok {
		log = NewUpdateLog(NewId())
		self.logs[documentName] = log
	}
	if _, err := log.ApplyRemote(delta); err != nil {
		// the document validated the delta before handing it over
		glog.Warningf("[store]%s apply = %s\n", documentName, err)
	}
}

// Content renders the stored document, for tools and tests.
func (self *MemoryStorage) Content(documentName string) string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	log, ok := self.logs[documentName]
	if !ok {
		return ""
	}
	return log.Content()
}
