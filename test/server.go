package test

import (
	"context"
	"net/http"
	"net/http/httptest"

	"github.com/go-logr/logr"

	"github.com/pgillich/textrpc/internal/model"
)

// TestServer is a gateway or worker command running on an httptest listener.
type TestServer struct {
	testServer *httptest.Server
	addr       string
	ctx        context.Context //nolint:containedctx // test
	cancel     context.CancelFunc
	done       chan error
	started    chan struct{}
}

func NewTestServer(ctx context.Context) *TestServer {
	server := &TestServer{
		testServer: httptest.NewUnstartedServer(nil),
		done:       make(chan error, 1),
		started:    make(chan struct{}),
	}
	server.addr = server.testServer.Listener.Addr().String()
	server.ctx, server.cancel = context.WithCancel(ctx)

	return server
}

// Runner replaces the real listener, so the command serves on the already bound test address.
func (s *TestServer) Runner() model.ServerRunner {
	return func(h http.Handler, shutdown <-chan struct{}, addr string, log logr.Logger) {
		log = log.WithValues("testAddr", s.addr, "addr", addr)
		s.testServer.Config.Handler = h
		s.testServer.Start()
		log.Info("TestServer started")
		close(s.started)
		<-shutdown
		s.testServer.Close()
		log.Info("TestServer closed")
	}
}

func (s *TestServer) URL(path string) string {
	return "http://" + s.addr + path
}
