// Package api exposes the Statix HTTP and WebSocket surface.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GustavPetterssonBjorklund/Statix/pkg/config"
	"github.com/GustavPetterssonBjorklund/Statix/pkg/identity"
	"github.com/GustavPetterssonBjorklund/Statix/pkg/nodeauth"
	"github.com/GustavPetterssonBjorklund/Statix/pkg/roster"
	"github.com/GustavPetterssonBjorklund/Statix/pkg/store"
)

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = config.DefaultPruneInterval
)

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log      logrus.FieldLogger
	cfg      *config.Config
	store    store.Store
	identity *identity.Service
	nodeAuth *nodeauth.Service
	roster   roster.Roster
	version  string

	httpServer *http.Server
	wg         sync.WaitGroup
	done       chan struct{}
}

// NewServer creates the API server over its collaborating services.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
	st store.Store,
	idSvc *identity.Service,
	nodeSvc *nodeauth.Service,
	rosterSvc roster.Roster,
	version string,
) Server {
	return &server{
		log:      log.WithField("component", "api"),
		cfg:      cfg,
		store:    st,
		identity: idSvc,
		nodeAuth: nodeSvc,
		roster:   rosterSvc,
		version:  version,
		done:     make(chan struct{}),
	}
}

// Start binds the listener and serves until Stop.
func (s *server) Start(ctx context.Context) error {
	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Expired-credential cleanup runs for the server's lifetime.
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.store.PruneExpired(ctx); err != nil {
					s.log.WithError(err).
						Warn("Failed to prune expired credentials")
				}
			case <-s.done:
				return
			}
		}
	}()

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Server.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}
