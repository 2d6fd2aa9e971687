package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"github.com/commonpad/collab/collab"
)

const SyncdVersion = "0.1.0"

func main() {
	usage := `Commonpad sync daemon.

Serves the document sync protocol over websockets. Credentials are
terminated by the gateway in front of this daemon; syncd only reads the
participant claims out of the forwarded JWT.

Usage:
    syncd serve [--port=<port>] [--doc_expire=<seconds>] [--editor_cap=<n>]
        [--anon] [-v=<level>]

Options:
    -h --help               Show this screen.
    --version               Show version.
    -p --port=<port>        Listen port [default: 8090].
    --doc_expire=<seconds>  Destroy idle documents after this long [default: 30].
    --editor_cap=<n>        Concurrent editor seats per document [default: 5].
    --anon                  Mint guest identities instead of reading JWTs.
    -v=<level>              Log verbosity [default: 0].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SyncdVersion)
	if err != nil {
		panic(err)
	}

	initGlog(opts)

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func initGlog(opts docopt.Opts) {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	if v, err := opts.Int("-v"); err == nil {
		flag.Set("v", strconv.Itoa(v))
	}
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		cancel()
	}()

	settings := collab.DefaultServerSettings()
	if docExpire, err := opts.Int("--doc_expire"); err == nil {
		settings.DocumentSettings.IdleExpireTimeout = time.Duration(docExpire) * time.Second
	}
	if editorCap, err := opts.Int("--editor_cap"); err == nil {
		settings.DocumentSettings.EditorCap = editorCap
	}

	var identity collab.Identity
	if anon_, _ := opts.Bool("--anon"); anon_ {
		identity = collab.NewAnonIdentity()
	} else {
		identity = collab.NewJwtIdentityWithDefaults(cancelCtx)
	}

	server := collab.NewServer(cancelCtx, collab.NewMemoryStorage(), identity, settings)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: server.Handler(),
	}

	go func() {
		defer cancel()
		err := httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			glog.Errorf("[syncd]listen error = %s\n", err)
		}
	}()

	fmt.Printf("syncd %s on *:%d\n", SyncdVersion, port)

	select {
	case <-cancelCtx.Done():
	}

	httpServer.Shutdown(cancelCtx)
	server.Close()

	os.Exit(0)
}
