// Package testutil provides helpers for the end-to-end test suites.
package testutil

import (
	"net/http/httptest"

	"github.com/answergrid/answerstream/internal/stub"
)

// TestServer runs the stub answer backend on an ephemeral port.
type TestServer struct {
	BaseURL string
	Stub    *stub.Server

	httpServer *httptest.Server
}

// NewTestServer starts a stub backend.
func NewTestServer() *TestServer {
	s := stub.NewServer()
	httpServer := httptest.NewServer(s.Router())
	return &TestServer{
		BaseURL:    httpServer.URL,
		Stub:       s,
		httpServer: httpServer,
	}
}

// Close shuts the server down.
func (s *TestServer) Close() {
	s.httpServer.Close()
}
