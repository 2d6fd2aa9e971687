package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

type ServerSettings struct {
	ConnSettings       *ConnSettings
	DocumentSettings   *DocumentSettings
	WsHandshakeTimeout time.Duration
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		ConnSettings:       DefaultConnSettings(),
		DocumentSettings:   DefaultDocumentSettings(),
		WsHandshakeTimeout: 2 * time.Second,
	}
}

// Server exposes the document registry over websockets. One route per
// concern: `GET /sync/{document}` upgrades and services a sync connection,
// `GET /status` reports liveness.
//
// Origin checks are left open. The gateway fronting the engine owns origin
// and credential policy (see Identity).
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	registry *Registry
	identity Identity
	settings *ServerSettings

	startTime time.Time
	upgrader  *websocket.Upgrader
}

func NewServerWithDefaults(ctx context.Context, storage Storage, identity Identity) *Server {
	return NewServer(ctx, storage, identity, DefaultServerSettings())
}

func NewServer(
	ctx context.Context,
	storage Storage,
	identity Identity,
	settings *ServerSettings,
) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Server{
		ctx:       cancelCtx,
		cancel:    cancel,
		registry:  NewRegistry(storage, settings.DocumentSettings),
		identity:  identity,
		settings:  settings,
		startTime: time.Now(),
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: settings.WsHandshakeTimeout,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (self *Server) Registry() *Registry {
	return self.registry
}

func (self *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/sync/{document}", self.syncHandler).Methods(http.MethodGet)
	router.HandleFunc("/status", self.statusHandler).Methods(http.MethodGet)
	return router
}

func (self *Server) syncHandler(w http.ResponseWriter, r *http.Request) {
	documentName := mux.Vars(r)["document"]
	if documentName == "" {
		http.Error(w, "missing document", http.StatusBadRequest)
		return
	}

	var participant Participant
	if self.identity != nil {
		var err error
		participant, err = self.identity.Resolve(r)
		if err != nil {
			glog.Infof("[server]%s auth error = %s\n", documentName, err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrade already wrote the http error
		glog.Infof("[server]%s upgrade error = %s\n", documentName, err)
		return
	}

	conn := NewConn(self.ctx, ws, participant, self.settings.ConnSettings)
	if _, err := self.registry.ResolveAttach(documentName, conn); err != nil {
		glog.Infof("[server]%s attach error = %s\n", documentName, err)
		conn.Close()
		return
	}

	// the handler goroutine becomes the read pump
	conn.Run()
}

func (self *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	type StatusResult struct {
		Status        string `json:"status"`
		Host          string `json:"host,omitempty"`
		UptimeSeconds int64  `json:"uptime_seconds"`
		DocumentCount int    `json:"document_count"`
	}

	host, _ := os.Hostname()
	result := &StatusResult{
		Status:        "ok",
		Host:          host,
		UptimeSeconds: int64(time.Since(self.startTime) / time.Second),
		DocumentCount: self.registry.Count(),
	}

	responseJson, err := json.Marshal(result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(responseJson)
}

// Close tears down every document and connection. Safe to call more than once.
func (self *Server) Close() {
	self.cancel()
	self.registry.Close()
}
