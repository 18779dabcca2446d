// Command answerd-stub serves a scripted answer backend for local
// development. Frontend and client work can run against it in place of
// the production answer pipeline.
package main

import (
	"flag"
	"net/http"
	"time"

	"github.com/answergrid/answerstream/internal/logging"
	"github.com/answergrid/answerstream/internal/stub"
)

func main() {
	addr := flag.String("addr", ":8787", "listen address")
	logLevel := flag.String("log-level", "INFO", "log level (DEBUG|INFO|WARN|ERROR)")
	flag.Parse()

	logging.Init(logging.Config{
		Level:  logging.ParseLevel(*logLevel),
		Pretty: true,
	})

	server := stub.NewServer()

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logging.Info().Str("addr", *addr).Msg("answerd-stub listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Fatal().Err(err).Msg("server failed")
	}
}
