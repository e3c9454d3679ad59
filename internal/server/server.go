// Package server assembles the relay and serves it over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/10yihang/pwarelay/internal/admin"
	"github.com/10yihang/pwarelay/internal/cache"
	"github.com/10yihang/pwarelay/internal/clients"
	"github.com/10yihang/pwarelay/internal/config"
	"github.com/10yihang/pwarelay/internal/engine"
	"github.com/10yihang/pwarelay/internal/engine/badger"
	"github.com/10yihang/pwarelay/internal/engine/memory"
	"github.com/10yihang/pwarelay/internal/lifecycle"
	"github.com/10yihang/pwarelay/internal/metrics"
	"github.com/10yihang/pwarelay/internal/network"
	"github.com/10yihang/pwarelay/internal/queue"
	"github.com/10yihang/pwarelay/internal/relay"
	"github.com/10yihang/pwarelay/internal/router"
	"github.com/10yihang/pwarelay/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// OpenEngine opens the storage engine named by cfg.Engine.
func OpenEngine(cfg config.Config) (engine.Engine, error) {
	switch cfg.Engine {
	case "memory":
		return memory.NewStore(), nil
	case "badger", "":
		return badger.NewStore(filepath.Join(cfg.DataDir, "cache"), badger.DefaultOptions())
	default:
		return nil, fmt.Errorf("unknown engine %q", cfg.Engine)
	}
}

// Options replaces network-facing parts, mainly for tests.
type Options struct {
	Fetcher   cache.Fetcher
	Dialer    relay.Dialer
	Scheduler relay.Scheduler

	// Generation numbers this runtime. Zero uses the start time.
	Generation uint64
}

// Server is one relay process.
type Server struct {
	cfg config.Config

	store    *cache.Store
	queue    *queue.Queue
	registry *clients.Registry
	worker   *worker.Worker
	socket   *relay.Manager
	runtime  *lifecycle.Runtime
	ctrl     *lifecycle.Controller
	router   *router.Router
	handler  http.Handler
}

// New wires every component over eng. The caller owns eng.
func New(cfg config.Config, eng engine.Engine, opts Options) *Server {
	origin := cfg.Origin()
	if opts.Fetcher == nil {
		opts.Fetcher = network.NewClient(cfg.FetchTimeout, nil)
	}
	if opts.Generation == 0 {
		opts.Generation = uint64(time.Now().UnixNano())
	}

	s := &Server{cfg: cfg}
	s.store = cache.NewStore(eng, opts.Fetcher, cache.Config{
		Prefix:  cfg.CachePrefix,
		Version: cfg.CacheVersion,
		Origin:  origin,
	})
	s.queue = queue.New(s.store, origin)
	s.registry = clients.NewRegistry()

	assets := cfg.StaticAssets()
	s.worker = worker.New(worker.Config{
		Store:          s.store,
		Queue:          s.queue,
		Registry:       s.registry,
		Assets:         assets,
		OriginPatterns: cfg.OriginPatterns,
	})
	s.socket = relay.NewManager(relay.Config{
		URL:            cfg.SocketURL,
		ReconnectDelay: cfg.ReconnectDelay,
		Dialer:         opts.Dialer,
		Scheduler:      opts.Scheduler,
	}, s.worker)
	s.worker.Attach(s.socket)

	s.runtime = lifecycle.NewRuntime(opts.Generation, s.registry)
	s.ctrl = lifecycle.NewController(s.store, s.registry, s.runtime, lifecycle.Options{
		Assets:      assets,
		SkipWaiting: cfg.SkipWaiting,
	})
	s.router = router.New(s.store, opts.Fetcher, s.runtime, router.Config{
		Origin:      origin,
		APIPrefix:   cfg.APIPrefix,
		WorkerPath:  cfg.WorkerPath,
		OfflinePage: cfg.OfflinePage,
	})
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog)
	r.Use(middleware.Recoverer)

	r.Route(s.cfg.WorkerPath, func(r chi.Router) {
		r.Get("/ws", s.worker.ServePage)
		r.Post("/sync", s.handleSync)
		r.Get("/status", s.handleStatus)
	})
	r.Handle("/*", s.router)
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Runtime returns the lifecycle runtime.
func (s *Server) Runtime() *lifecycle.Runtime {
	return s.runtime
}

// Socket returns the backend connection manager.
func (s *Server) Socket() *relay.Manager {
	return s.socket
}

// Worker returns the page-facing worker.
func (s *Server) Worker() *worker.Worker {
	return s.worker
}

type statusResponse struct {
	worker.Status

	Generation uint64           `json:"generation"`
	Phase      string           `json:"phase"`
	Active     bool             `json:"active"`
	Partitions cache.Partitions `json:"partitions"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.worker.Status(r.Context())
	if err != nil {
		log.Warn().Err(err).Msg("status failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:     st,
		Generation: s.runtime.Generation(),
		Phase:      s.runtime.Phase().String(),
		Active:     s.runtime.Active(),
		Partitions: s.store.Partitions(),
	})
}

// handleSync is the background-sync signal: drain the queue now.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.worker.Drain(r.Context())
	if err != nil {
		log.Warn().Err(err).Msg("sync drain failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write json response")
	}
}

// Run listens on cfg.HTTPAddr and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.HTTPAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the relay on ln: HTTP, the lifecycle, the backend socket and
// the optional admin console and metrics exporter. It returns after a
// graceful shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	httpSrv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Info().Str("addr", ln.Addr().String()).Str("origin", s.cfg.OriginURL).Msg("relay listening")
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	var adminSrv *admin.Server
	if s.cfg.AdminAddr != "" {
		adminSrv = admin.NewServer(s.cfg.AdminAddr, admin.NewHandler(admin.Deps{
			Store:    s.store,
			Queue:    s.queue,
			Registry: s.registry,
			Worker:   s.worker,
			Socket:   s.socket,
		}))
		g.Go(func() error {
			if err := adminSrv.Start(); err != nil && gctx.Err() == nil {
				return fmt.Errorf("admin console: %w", err)
			}
			return nil
		})
	}

	var exporter *metrics.Exporter
	if s.cfg.MetricsAddr != "" {
		exporter = metrics.NewExporter(s.cfg.MetricsAddr)
		g.Go(exporter.Start)
	}

	g.Go(func() error {
		if err := s.runtime.Run(gctx, s.ctrl); err != nil && gctx.Err() == nil {
			log.Error().Err(err).Msg("lifecycle failed, requests pass through uncached")
		}
		return nil
	})

	if s.cfg.SocketURL != "" {
		s.socket.Connect()
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpSrv.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("http shutdown")
		}
		if adminSrv != nil {
			if err := adminSrv.Stop(); err != nil {
				log.Warn().Err(err).Msg("admin shutdown")
			}
		}
		if exporter != nil {
			if err := exporter.Stop(sctx); err != nil {
				log.Warn().Err(err).Msg("metrics shutdown")
			}
		}
		s.socket.Close()
		s.worker.Close()
		return nil
	})

	return g.Wait()
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			log.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Str("source", ww.Header().Get(router.SourceHeader)).
				Dur("duration", time.Since(start)).
				Msg("request")
		}()
		next.ServeHTTP(ww, r)
	})
}
