// Package embed starts a watchd server inside a Go program.
package embed

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/l-dswatch/mvcc"
	"github.com/l-dswatch/mvcc/backend"
	"github.com/l-dswatch/version"
	"github.com/l-dswatch/watch"
	"github.com/l-dswatch/watch/watchhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	MetricsPath = "/metrics"
	VersionPath = "/version"

	shutdownTimeout = 5 * time.Second
)

// Server is a running watchd server.
type Server struct {
	cfg *Config
	lg  *zap.Logger

	be      backend.Backend
	ws      *watch.WatcherSet
	kv      *mvcc.WatchableStore
	handler *watchhttp.Handler

	ln  net.Listener
	srv *http.Server

	errc      chan error
	closeOnce sync.Once
}

// StartServer opens the data dir of cfg and starts serving on its listen
// address. The caller must Close the returned server.
func StartServer(cfg *Config, lg *zap.Logger) (_ *Server, err error) {
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	if lg == nil {
		lg = zap.NewNop()
	}
	s := &Server{cfg: cfg, lg: lg, errc: make(chan error, 1)}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	s.be, err = backend.New(backend.BackendConfig{
		Dir:      cfg.DataDir,
		MmapSize: cfg.BackendMmapSize,
		Logger:   lg,
	})
	if err != nil {
		return nil, err
	}
	lg.Info(
		"opened backend",
		zap.String("data-dir", cfg.DataDir),
		zap.String("size", humanize.Bytes(uint64(s.be.Size()))),
	)

	s.ws = watch.NewWatcherSet(lg, watch.WatcherSetConfig{MaxSweepInterval: cfg.MaxSweepInterval})
	if s.kv, err = mvcc.NewWatchableStore(lg, s.be, s.ws); err != nil {
		return nil, err
	}
	s.handler = watchhttp.NewHandler(s.kv, watchhttp.HandlerConfig{
		DefaultTimeout: cfg.DefaultWatchTimeout,
		MaxTimeout:     cfg.MaxWatchTimeout,
		MemberID:       cfg.MemberID,
		Logger:         lg,
	})

	if s.ln, err = net.Listen("tcp", cfg.ListenAddr); err != nil {
		return nil, err
	}
	s.srv = &http.Server{
		Handler:  s.newMux(),
		ErrorLog: zap.NewStdLog(lg),
	}
	go func() {
		if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errc <- err
		}
	}()

	lg.Info(
		"serving watch requests",
		zap.String("name", cfg.Name),
		zap.String("address", s.ln.Addr().String()),
		zap.String("version", version.Version),
		zap.Int64("revision", s.kv.Rev()),
		zap.Duration("default-watch-timeout", cfg.DefaultWatchTimeout),
		zap.Duration("max-watch-timeout", cfg.MaxWatchTimeout),
	)
	return s, nil
}

func (s *Server) newMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(watchhttp.WatchPrefix, s.handler)
	mux.Handle(watchhttp.WatchStatsPath, s.handler)
	mux.Handle(watchhttp.KVPrefix, s.handler)
	mux.Handle(MetricsPath, promhttp.Handler())
	mux.HandleFunc(VersionPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(version.Get())
	})
	return mux
}

// Addr returns the address the server listens on.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Store returns the store served by s.
func (s *Server) Store() *mvcc.WatchableStore { return s.kv }

// Err returns a channel receiving a fatal serve error.
func (s *Server) Err() <-chan error { return s.errc }

// Close answers pending watches, stops serving and closes the backend.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		if s.handler != nil {
			s.handler.Close()
		}
		if s.srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := s.srv.Shutdown(ctx); err != nil {
				s.lg.Warn("failed to shut down http server", zap.Error(err))
			}
			cancel()
		} else if s.ln != nil {
			s.ln.Close()
		}
		if s.ws != nil {
			s.ws.Stop()
		}
		if s.be != nil {
			if err := s.be.Close(); err != nil {
				s.lg.Warn("failed to close backend", zap.Error(err))
			}
		}
		s.lg.Info("closed server", zap.String("name", s.cfg.Name))
	})
}
