// Command esworker is a standalone stand-in Worker process: it serves the
// compile/evaluate/shut_down HTTP surface a dispatcher talks to, simulates
// work with a fixed delay, and reports outcomes back to a running
// evaluation server over RPC. There is no real compiler or sandbox behind
// it — useful for exercising the dispatcher and retry paths without a full
// judging toolchain.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CNITV/cms/internal/rpc"
	"github.com/CNITV/cms/internal/workerclient"
)

func main() {
	listenAddr := flag.String("listen", ":9101", "address to listen on for dispatcher requests")
	serverURL := flag.String("server", "http://127.0.0.1:9000", "evaluation server base URL to report outcomes to")
	delay := flag.Duration("delay", 500*time.Millisecond, "simulated compile/evaluate delay")
	failureRate := flag.Float64("failure-rate", 0.0, "fraction of jobs to report as failed, in [0,1]")
	flag.Parse()

	report := rpc.NewClient(*serverURL)
	fw := workerclient.NewFakeWorker(report, *delay, *failureRate)

	httpServer := &http.Server{Addr: *listenAddr, Handler: fw.Handler()}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("esworker listening on %s, reporting to %s", *listenAddr, *serverURL)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "esworker: %v\n", err)
			os.Exit(1)
		}
	}()

	<-sigCtx.Done()
	log.Print("esworker shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}
