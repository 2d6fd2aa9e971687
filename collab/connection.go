package collab

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/commonpad/collab/protocol"
)

type ConnState string

const (
	ConnStateConnecting  ConnState = "connecting"
	ConnStateHandshaking ConnState = "handshaking"
	ConnStateSynced      ConnState = "synced"
	ConnStateClosed      ConnState = "closed"
)

type ConnSettings struct {
	SendBufferSize int
	ReadLimit      ByteCount
	PingTimeout    time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
}

func DefaultConnSettings() *ConnSettings {
	return &ConnSettings{
		SendBufferSize: 32,
		ReadLimit:      kib(256),
		PingTimeout:    20 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
	}
}

/*
Conn services one websocket for its document lifetime:

	Connecting -> Handshaking -> Synced -> Closed

Handshaking starts at attach, Synced on the first valid sync message, Closed
on transport error, protocol violation, or apply failure. Every failure mode
closes only this connection; the document and its other connections never
notice beyond the detach.

Outbound frames flow through a buffered send channel drained by a single
write pump, which gives each receiver FIFO delivery of whatever the document
generated. The channel is never closed; the context ends the pump.
*/
type Conn struct {
	ctx    context.Context
	cancel context.CancelFunc

	ws          *websocket.Conn
	participant Participant
	settings    *ConnSettings

	send chan []byte

	// guarded by the owning document's stateLock
	acked map[Id]uint64

	stateLock sync.Mutex
	state     ConnState
	clientId  Id
	document  *Document
}

func NewConnWithDefaults(
	ctx context.Context,
	ws *websocket.Conn,
	participant Participant,
) *Conn {
	return NewConn(ctx, ws, participant, DefaultConnSettings())
}

func NewConn(
	ctx context.Context,
	ws *websocket.Conn,
	participant Participant,
	settings *ConnSettings,
) *Conn {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Conn{
		ctx:         cancelCtx,
		cancel:      cancel,
		ws:          ws,
		participant: participant,
		settings:    settings,
		send:        make(chan []byte, settings.SendBufferSize),
		acked:       map[Id]uint64{},
		state:       ConnStateConnecting,
	}
}

// Run services the connection until it closes. The caller attaches the
// connection to a document first, so nothing arrives before the document is
// bound.
func (self *Conn) Run() {
	defer self.Close()

	go self.writePump()
	self.readPump()
}

func (self *Conn) writePump() {
	defer self.Close()

	for {
		select {
		case <-self.ctx.Done():
			return
		case frame := <-self.send:
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				// a websocket write deadline cannot be recovered
				glog.Infof("[cs]%s-> error = %s\n", self.ClientId(), err)
				return
			}
			glog.V(2).Infof("[cs]%s->\n", self.ClientId())
		case <-time.After(self.settings.PingTimeout):
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}

func (self *Conn) readPump() {
	defer self.Close()

	self.ws.SetReadLimit(self.settings.ReadLimit)
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, frame, err := self.ws.ReadMessage()
		if err != nil {
			glog.Infof("[cr]%s<- error = %s\n", self.ClientId(), WrapTransportError(err))
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if 0 == len(frame) {
				// ping
				glog.V(2).Infof("[cr]ping %s<-\n", self.ClientId())
				continue
			}
			if err := self.handleFrame(frame); err != nil {
				glog.Infof("[cr]%s<- error = %s\n", self.ClientId(), err)
				return
			}
			glog.V(2).Infof("[cr]%s<-\n", self.ClientId())
		default:
			glog.Infof("[cr]%s<- error = non binary message %d\n", self.ClientId(), messageType)
			return
		}
	}
}

func (self *Conn) handleFrame(frame []byte) error {
	document := self.Document()
	if document == nil {
		return NewProtocolError("message before attach")
	}

	message, err := protocol.DecodeFrame(frame)
	if err != nil {
		return WrapProtocolError("bad frame", err)
	}

	switch v := message.(type) {
	case *protocol.SyncStep1:
		if err := document.HandshakeDiff(self, v.Summary); err != nil {
			return err
		}
		self.markSynced()
		return nil
	case *protocol.SyncStep2:
		if err := document.ApplyDelta(self, v.Delta); err != nil {
			return err
		}
		self.markSynced()
		return nil
	case *protocol.SyncUpdate:
		if err := document.ApplyDelta(self, v.Delta); err != nil {
			return err
		}
		self.markSynced()
		return nil
	case *protocol.Presence:
		// presence does not complete the handshake
		return document.ApplyPresence(self, v.Updates)
	default:
		return NewProtocolErrorf("unhandled message type: %T", message)
	}
}

// enqueueFrame hands a frame to the write pump without blocking.
// The return is false when the buffer is full.
// Callers hold the owning document's stateLock.
func (self *Conn) enqueueFrame(frame []byte) bool {
	select {
	case self.send <- frame:
		return true
	default:
		return false
	}
}

// mergeAcked raises the peer's known high water marks.
// Callers hold the owning document's stateLock.
func (self *Conn) mergeAcked(coverage map[Id]uint64) {
	for agent, seq := range coverage {
		if self.acked[agent] < seq {
			self.acked[agent] = seq
		}
	}
}

// ackedCovers is whether the peer already holds every op the coverage names.
// Callers hold the owning document's stateLock.
func (self *Conn) ackedCovers(coverage map[Id]uint64) bool {
	for agent, seq := range coverage {
		if self.acked[agent] < seq {
			return false
		}
	}
	return true
}

func (self *Conn) Participant() Participant {
	return self.participant
}

func (self *Conn) ClientId() Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.clientId
}

// set by the document when the first presence update binds the client id
func (self *Conn) setClientId(clientId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.clientId = clientId
}

func (self *Conn) Document() *Document {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.document
}

// set by the document during attach
func (self *Conn) setDocument(document *Document) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.document = document
	if self.state == ConnStateConnecting {
		self.state = ConnStateHandshaking
	}
}

func (self *Conn) State() ConnState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *Conn) markSynced() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.state == ConnStateHandshaking {
		self.state = ConnStateSynced
	}
}

func (self *Conn) Close() {
	self.closeTransport()
	if document := self.Document(); document != nil {
		document.Detach(self)
	}
}

// closeTransport tears the transport down without detaching, for paths that
// already hold the document's stateLock.
func (self *Conn) closeTransport() {
	self.cancel()
	if self.ws != nil {
		self.ws.Close()
	}
	self.stateLock.Lock()
	self.state = ConnStateClosed
	self.stateLock.Unlock()
}
