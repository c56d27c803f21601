package internal

import (
	"context"
	"net/http"
	"time"

	"emperror.dev/errors"
	"github.com/go-logr/logr"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// RunServer is the production model.ServerRunner. It blocks until shutdown is closed.
func RunServer(h http.Handler, shutdown <-chan struct{}, addr string, log logr.Logger) {
	server := &http.Server{
		Handler:           h,
		Addr:              addr,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		<-shutdown
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "Server shutdown error")
		}
	}()

	log.Info("Server listen", "addr", addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		log.Error(err, "Server exit error")
	} else {
		log.Info("Server exit")
	}
}
