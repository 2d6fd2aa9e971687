package collab

import (
	"fmt"
	"slices"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// Registry is the single source of truth for live documents: name to
// instance, with effectively once creation and the idle grace destroy.
// At most one document instance exists per name at any time.
type Registry struct {
	storage  Storage
	settings *DocumentSettings

	stateLock sync.Mutex
	documents map[string]*Document
	closed    bool
}

func NewRegistryWithDefaults(storage Storage) *Registry {
	return NewRegistry(storage, DefaultDocumentSettings())
}

func NewRegistry(storage Storage, settings *DocumentSettings) *Registry {
	return &Registry{
		storage:   storage,
		settings:  settings,
		documents: map[string]*Document{},
	}
}

// Resolve returns the live document for a name, creating it on first
// reference. Concurrent first references race to exactly one instance.
// A closed registry resolves nothing.
func (self *Registry) Resolve(name string) *Document {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return nil
	}
	if document, ok := self.documents[name]; ok {
		return document
	}
	document := newDocument(self, name, self.storage, self.settings)
	self.documents[name] = document
	glog.Infof("[registry]create %s (%d docs)\n", name, len(self.documents))
	return document
}

// ResolveAttach resolves and attaches in one step, retrying the narrow race
// where a resolved document is destroyed before the attach lands.
func (self *Registry) ResolveAttach(name string, conn *Conn) (*Document, error) {
	for {
		document := self.Resolve(name)
		if document == nil {
			return nil, fmt.Errorf("registry closed")
		}
		if document.Attach(conn) {
			return document, nil
		}
	}
}

// expireIfIdle destroys a document that stayed empty through its grace
// period. The generation check makes a stale timer a no-op.
func (self *Registry) expireIfIdle(name string, document *Document, generation uint64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.documents[name] != document {
		return
	}
	if !document.closeIfIdle(generation) {
		return
	}
	delete(self.documents, name)
	glog.Infof("[registry]expire %s (%d docs)\n", name, len(self.documents))
}

func (self *Registry) Count() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.documents)
}

func (self *Registry) Names() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	names := maps.Keys(self.documents)
	slices.Sort(names)
	return names
}

// Close tears down every document and its connections.
func (self *Registry) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return
	}
	self.closed = true
	for _, document := range self.documents {
		document.close()
	}
	self.documents = map[string]*Document{}
	glog.Infof("[registry]close\n")
}
