package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/gorilla/websocket"

	"github.com/commonpad/collab/collab"
	"github.com/commonpad/collab/protocol"
)

const SyncctlVersion = "0.1.0"

const DefaultSyncUrl = "ws://127.0.0.1:8090"

const syncTimeout = 15 * time.Second
const writeTimeout = 10 * time.Second
const pingTimeout = 20 * time.Second

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(`Commonpad sync control.

The default url is:
    url: %s

Usage:
    syncctl watch --doc=<doc> [--url=<url>] [--jwt=<jwt>]
    syncctl append --doc=<doc> <text> [--url=<url>] [--jwt=<jwt>]
    syncctl presence --doc=<doc> --name=<name> [--color=<color>] [--observer]
        [--url=<url>] [--jwt=<jwt>]

Options:
    -h --help        Show this screen.
    --version        Show version.
    --doc=<doc>      Document name.
    --url=<url>      Sync server url [default: %s].
    --jwt=<jwt>      Participant JWT. Prompts when omitted.
    --name=<name>    Presence display name.
    --color=<color>  Presence display color.
    --observer       Claim an observer seat instead of an editor seat.`,
		DefaultSyncUrl,
		DefaultSyncUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SyncctlVersion)
	if err != nil {
		panic(err)
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if append_, _ := opts.Bool("append"); append_ {
		appendText(opts)
	} else if presence_, _ := opts.Bool("presence"); presence_ {
		presence(opts)
	}
}

// watch follows a document: print the content after every remote change and
// every presence event, until the connection drops.
func watch(opts docopt.Opts) {
	client := requireDial(opts)
	defer client.close()

	if err := client.handshake(); err != nil {
		panic(err)
	}
	Out.Printf("%s", client.log.Content())

	for {
		message, err := client.read(0)
		if err != nil {
			Err.Printf("read error = %s", err)
			return
		}
		switch v := message.(type) {
		case *protocol.SyncStep1:
			diff, err := client.log.DiffSince(v.Summary)
			if err != nil {
				panic(err)
			}
			if err := client.send(&protocol.SyncStep2{Delta: diff}); err != nil {
				panic(err)
			}
		case *protocol.SyncStep2:
			client.applyPrint(v.Delta)
		case *protocol.SyncUpdate:
			client.applyPrint(v.Delta)
		case *protocol.Presence:
			printPresence(v)
		}
	}
}

// appendText adds text at the end of the document and waits for the server
// to take it.
func appendText(opts docopt.Opts) {
	text, _ := opts.String("<text>")

	client := requireDial(opts)
	defer client.close()

	if err := client.handshake(); err != nil {
		panic(err)
	}

	delta := client.log.InsertText(client.log.Len(), text)
	if err := client.send(&protocol.SyncUpdate{Delta: delta}); err != nil {
		panic(err)
	}
	// round trip so the edit is applied before we hang up
	if err := client.handshake(); err != nil {
		panic(err)
	}
	Out.Printf("%s", client.log.Content())
}

// presence joins the document as a named participant and prints the seat the
// server resolved for it.
func presence(opts docopt.Opts) {
	name, _ := opts.String("--name")
	var color string
	if colorAny := opts["--color"]; colorAny != nil {
		color = colorAny.(string)
	}

	client := requireDial(opts)
	defer client.close()

	if err := client.handshake(); err != nil {
		panic(err)
	}

	clientId := collab.NewId()
	entry := &collab.Entry{
		Name:  name,
		Color: color,
	}
	if observer_, _ := opts.Bool("--observer"); observer_ {
		editor := false
		entry.Editor = &editor
	}

	err := client.send(&protocol.Presence{
		Updates: []protocol.EntryUpdate{{
			ClientId: clientId.Bytes(),
			Clock:    1,
			State:    collab.RequireEncodeEntry(entry),
		}},
	})
	if err != nil {
		panic(err)
	}

	// the rebroadcast carries the resolved seat
	for {
		message, err := client.read(syncTimeout)
		if err != nil {
			panic(err)
		}
		presenceMessage, ok := message.(*protocol.Presence)
		if !ok {
			continue
		}
		for i := range presenceMessage.Updates {
			update := &presenceMessage.Updates[i]
			if !bytes.Equal(update.ClientId, clientId.Bytes()) {
				continue
			}
			resolved, err := collab.DecodeEntry(update.State)
			if err != nil {
				panic(err)
			}
			Out.Printf("%s %s", resolved.Name, seatName(resolved))
			return
		}
	}
}

func printPresence(message *protocol.Presence) {
	for i := range message.Updates {
		update := &message.Updates[i]
		clientId, err := collab.IdFromBytes(update.ClientId)
		if err != nil {
			continue
		}
		if 0 == len(update.State) {
			Out.Printf("[presence]%s left", clientId)
			continue
		}
		entry, err := collab.DecodeEntry(update.State)
		if err != nil {
			continue
		}
		Out.Printf("[presence]%s %s (%s)", clientId, entry.Name, seatName(entry))
	}
}

func seatName(entry *collab.Entry) string {
	if entry.Editor != nil && *entry.Editor {
		return "editor"
	}
	return "observer"
}

func requireDial(opts docopt.Opts) *syncClient {
	documentName, _ := opts.String("--doc")
	url, _ := opts.String("--url")
	jwt := resolveJwt(opts)

	client, err := dialSync(context.Background(), url, documentName, jwt)
	if err != nil {
		panic(err)
	}
	return client
}

func resolveJwt(opts docopt.Opts) string {
	if jwtAny := opts["--jwt"]; jwtAny != nil {
		return jwtAny.(string)
	}
	fmt.Print("Enter JWT (empty for anonymous): ")
	jwtBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		panic(err)
	}
	fmt.Printf("\n")
	return strings.TrimSpace(string(jwtBytes))
}

// syncClient is the client half of the sync protocol: one websocket, one
// replica, pings to keep the server read deadline alive.
type syncClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	ws  *websocket.Conn
	log *collab.UpdateLog

	writeLock sync.Mutex
}

func dialSync(ctx context.Context, url string, documentName string, jwt string) (*syncClient, error) {
	cancelCtx, cancel := context.WithCancel(ctx)

	wsUrl := fmt.Sprintf("%s/sync/%s", strings.TrimSuffix(url, "/"), documentName)

	header := http.Header{}
	if jwt != "" {
		header.Set("Authorization", fmt.Sprintf("Bearer %s", jwt))
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
	ws, _, err := dialer.DialContext(cancelCtx, wsUrl, header)
	if err != nil {
		cancel()
		return nil, err
	}

	client := &syncClient{
		ctx:    cancelCtx,
		cancel: cancel,
		ws:     ws,
		log:    collab.NewUpdateLog(collab.Id{}),
	}
	go client.runPings()
	return client, nil
}

func (self *syncClient) close() {
	self.cancel()
	self.ws.Close()
}

func (self *syncClient) send(message protocol.Message) error {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()
	self.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return self.ws.WriteMessage(websocket.BinaryMessage, protocol.RequireEncodeFrame(message))
}

func (self *syncClient) sendPing() error {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()
	self.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return self.ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0))
}

func (self *syncClient) runPings() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(pingTimeout):
			if err := self.sendPing(); err != nil {
				return
			}
		}
	}
}

// read returns the next protocol frame, skipping keepalives. A zero timeout
// blocks until the server sends something.
func (self *syncClient) read(timeout time.Duration) (protocol.Message, error) {
	for {
		if timeout == 0 {
			self.ws.SetReadDeadline(time.Time{})
		} else {
			self.ws.SetReadDeadline(time.Now().Add(timeout))
		}
		messageType, frame, err := self.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType != websocket.BinaryMessage || 0 == len(frame) {
			continue
		}
		return protocol.DecodeFrame(frame)
	}
}

// handshake runs the two step sync exchange. The server sends its step 1 at
// attach; we send ours, reply to theirs, and finish when their reply lands.
// Running it again later acts as a barrier on everything sent before.
func (self *syncClient) handshake() error {
	err := self.send(&protocol.SyncStep1{Summary: self.log.Summary()})
	if err != nil {
		return err
	}
	for {
		message, err := self.read(syncTimeout)
		if err != nil {
			return err
		}
		switch v := message.(type) {
		case *protocol.SyncStep1:
			diff, err := self.log.DiffSince(v.Summary)
			if err != nil {
				return err
			}
			if err := self.send(&protocol.SyncStep2{Delta: diff}); err != nil {
				return err
			}
		case *protocol.SyncStep2:
			if _, err := self.log.ApplyRemote(v.Delta); err != nil {
				return err
			}
			return nil
		case *protocol.SyncUpdate:
			if _, err := self.log.ApplyRemote(v.Delta); err != nil {
				return err
			}
		case *protocol.Presence:
			// not part of sync
		}
	}
}

func (self *syncClient) applyPrint(delta []byte) {
	result, err := self.log.ApplyRemote(delta)
	if err != nil {
		panic(err)
	}
	if result.Changed {
		Out.Printf("%s", self.log.Content())
	}
}
