// Command codemoded runs the code-mode execution service: the session
// control HTTP surface and the session WebSocket peer surface, both backed
// by one in-memory session.Store.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/codemode-dev/codemode/internal/codemode"
	"github.com/codemode-dev/codemode/internal/session/inmem"
	"github.com/codemode-dev/codemode/internal/telemetry"
	transporthttp "github.com/codemode-dev/codemode/internal/transport/http"
	"github.com/codemode-dev/codemode/internal/transport/ws"
	"github.com/google/uuid"
	"goa.design/clue/log"
)

// version is the value reported by GET /health. Set at build time via
// -ldflags "-X main.version=...", left as "dev" otherwise.
var version = "dev"

func main() {
	var (
		hostF            = flag.String("host", "localhost", "Server host")
		portF            = flag.String("port", "8080", "HTTP/WebSocket port")
		dbgF             = flag.Bool("debug", false, "Log request and response bodies")
		callbackTimeoutF = flag.Duration("callback-timeout", 30*time.Second, "Cross-process callback round trip deadline")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	addr := net.JoinHostPort(*hostF, *portF)
	u := &url.URL{Scheme: "http", Host: addr}

	logger := telemetry.NewClueLogger()
	tracer := telemetry.NewClueTracer()
	metrics := telemetry.NewClueMetrics()
	store := inmem.New(func() *codemode.CodeMode {
		cm := codemode.New(codemode.DefaultDialer, nil)
		cm.BindTelemetry(tracer, metrics)
		return cm
	})

	httpSrv := transporthttp.New(store, logger, version, uuid.NewString)
	wsSrv := ws.New(store, logger, *callbackTimeoutF)

	mux := http.NewServeMux()
	mux.Handle("/", httpSrv.Handler())
	mux.HandleFunc("/ws", wsSrv.Handler())

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	handleHTTPServer(ctx, u, mux, &wg, errc)

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	wg.Wait()
	log.Printf(ctx, "exited")
}

func handleHTTPServer(ctx context.Context, u *url.URL, handler http.Handler, wg *sync.WaitGroup, errc chan error) {
	srv := &http.Server{Addr: u.Host, Handler: handler, ReadHeaderTimeout: 60 * time.Second}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			log.Printf(ctx, "HTTP server listening on %q", u.Host)
			errc <- srv.ListenAndServe()
		}()

		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server at %q", u.Host)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf(ctx, "failed to shutdown: %v", err)
		}
	}()
}
