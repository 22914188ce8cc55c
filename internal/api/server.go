package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/cors"
	"github.com/shirou/gopsutil/process"

	"github.com/rjboer/GoFFT/internal/engine"
	"github.com/rjboer/GoFFT/internal/logging"
)

// Version is reported by /api/status.
const Version = "1.0.0"

const shutdownTimeout = 2 * time.Second

// Analyzer is the engine surface the gateway drives.
type Analyzer interface {
	Start() bool
	Stop() bool
	Summary() engine.Summary
	Raw() engine.Raw
	UpdateSettings(patch map[string]any) error
	Status() engine.Status
	Subscribe() (<-chan engine.Summary, func())
}

// Server exposes the analysis engine over HTTP.
type Server struct {
	analyzer Analyzer
	logger   logging.Logger
	started  time.Time
	proc     *process.Process
	handler  http.Handler
	srv      *http.Server
	closing  chan struct{} // closed when shutdown begins
}

// NewServer builds the HTTP gateway for analyzer listening on addr.
func NewServer(addr string, analyzer Analyzer, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Server{
		analyzer: analyzer,
		logger:   logger.With(logging.Field{Key: "subsystem", Value: "api"}),
		started:  time.Now(),
		closing:  make(chan struct{}),
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = proc
	} else {
		s.logger.Warn("process stats unavailable", logging.Field{Key: "error", Value: err})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/fft/start", s.handleStart)
	mux.HandleFunc("POST /api/fft/stop", s.handleStop)
	mux.HandleFunc("GET /api/fft/data", s.handleData)
	mux.HandleFunc("GET /api/fft/raw", s.handleRaw)
	mux.HandleFunc("POST /api/fft/settings", s.handleSettings)
	mux.HandleFunc("GET /api/fft/live", s.handleLive)
	mux.HandleFunc("GET /api/status", s.handleStatus)

	s.handler = cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(mux)
	s.srv = &http.Server{Addr: addr, Handler: s.handler, ReadHeaderTimeout: 5 * time.Second}
	var once sync.Once
	// streaming handlers never go idle on their own
	s.srv.RegisterOnShutdown(func() { once.Do(func() { close(s.closing) }) })
	return s
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler { return s.handler }

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		errCh <- s.srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http gateway listening", logging.Field{Key: "addr", Value: ln.Addr().String()})
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve %s: %w", ln.Addr(), err)
	}
	if err := <-errCh; err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
