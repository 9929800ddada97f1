package ingress

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/archbuild/coordinator/pkg/bus"
	"github.com/archbuild/coordinator/pkg/log"
	"github.com/archbuild/coordinator/pkg/metrics"
	"github.com/archbuild/coordinator/pkg/signing"
	"github.com/archbuild/coordinator/pkg/state"
	"github.com/archbuild/coordinator/pkg/types"
)

// registryClient is the slice of *registry.Client the ingress needs,
// narrowed to an interface so handler tests don't have to hit the AUR RPC
// or clone a real git repository.
type registryClient interface {
	Info(ctx context.Context, packages []types.Package) ([]types.PackageData, error)
	ProbePKGBUILD(ctx context.Context, url string) (types.PackageData, error)
}

// Server is the coordinator's HTTP surface: package tracking, artifact
// intake, signing-key handout, and a read-only mirror of the repository.
type Server struct {
	bus      *bus.Broker
	store    *state.Store
	registry registryClient
	keys     *signing.KeyPair
	repoDir  string
	logger   zerolog.Logger

	handler http.Handler
}

// New creates a Server. Run must be called to start it.
func New(b *bus.Broker, s *state.Store, r registryClient, keys *signing.KeyPair, repoDir string) *Server {
	srv := &Server{
		bus:      b,
		store:    s,
		registry: r,
		keys:     keys,
		repoDir:  repoDir,
		logger:   log.WithComponent("ingress"),
	}
	srv.handler = srv.withMetrics(srv.routes())
	return srv
}

func (srv *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", srv.handleStatus)
	mux.HandleFunc("POST /packages/add", srv.handleAddPackages)
	mux.HandleFunc("POST /packages/add-url", srv.handleAddPackageURL)
	mux.HandleFunc("POST /packages/remove", srv.handleRemovePackages)
	mux.HandleFunc("POST /packages/rebuild", srv.handleRebuildPackages)
	mux.HandleFunc("POST /artifacts", srv.handleArtifacts)
	mux.HandleFunc("GET /key", srv.handleKey)
	mux.Handle("GET /repo/", http.StripPrefix("/repo/", http.FileServer(http.Dir(srv.repoDir))))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", metrics.HealthHandler())
	mux.HandleFunc("GET /ready", metrics.ReadyHandler())
	mux.HandleFunc("GET /live", metrics.LivenessHandler())
	return mux
}

// Run starts the HTTP server on the given port and blocks until ctx is
// cancelled, at which point it shuts down gracefully.
func (srv *Server) Run(ctx context.Context, port int) error {
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           srv.handler,
		ReadHeaderTimeout: 5 * time.Second,
		// No ReadTimeout/WriteTimeout: POST /artifacts accepts
		// unbounded uploads and must not be cut off mid-transfer.
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		srv.logger.Info().Int("port", port).Msg("starting http ingress")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			srv.logger.Warn().Err(err).Msg("ingress did not shut down cleanly")
		}
		<-errCh
		srv.logger.Info().Msg("stopped ingress")
		return nil
	case err := <-errCh:
		return err
	}
}
