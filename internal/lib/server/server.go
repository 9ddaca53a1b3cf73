package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zebbra/counter-service/internal/lib/counter"
	"github.com/zebbra/counter-service/internal/lib/events"
	"go.uber.org/zap"
)

// DefaultMaxErrors is the error count above which /health reports unhealthy.
const DefaultMaxErrors = 100

var corsMethods = []string{http.MethodGet, http.MethodHead, http.MethodPost}

// Config configures a Server. MaxErrors is used as given, 0 means unhealthy
// after the first error.
type Config struct {
	ListenAddr      string
	Counter         *counter.Counter
	Notifier        events.Notifier
	ErrorCounter    *counter.Counter
	MaxErrors       int64
	Gatherer        prometheus.Gatherer
	Logger          *zap.SugaredLogger
	ShutdownTimeout time.Duration
}

// Server serves the counter over HTTP.
type Server struct {
	listenAddr      string
	counter         *counter.Counter
	notifier        events.Notifier
	errorCounter    *counter.Counter
	maxErrors       int64
	gatherer        prometheus.Gatherer
	logger          *zap.SugaredLogger
	shutdownTimeout time.Duration
}

type incrementResponse struct {
	Count int64 `json:"count"`
}

func New(cfg Config) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "0.0.0.0:5000"
	}
	if cfg.Counter == nil {
		cfg.Counter = new(counter.Counter)
	}
	if cfg.Notifier == nil {
		cfg.Notifier = events.Nop{}
	}
	if cfg.ErrorCounter == nil {
		cfg.ErrorCounter = new(counter.Counter)
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	return &Server{
		listenAddr:      cfg.ListenAddr,
		counter:         cfg.Counter,
		notifier:        cfg.Notifier,
		errorCounter:    cfg.ErrorCounter,
		maxErrors:       cfg.MaxErrors,
		gatherer:        cfg.Gatherer,
		logger:          cfg.Logger,
		shutdownTimeout: cfg.ShutdownTimeout,
	}
}

// Handler returns the routes wrapped in CORS, panic recovery and request logging.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/increment", s.increment).Methods(http.MethodPost)
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(zap.NewStdLog(s.logger.Desugar())),
	)

	return handlers.CustomLoggingHandler(io.Discard, recovery(allowAnyOrigin(r)), s.logRequest)
}

// allowAnyOrigin marks every response as readable from any origin and lets
// preflights ask for any request header.
func allowAnyOrigin(next http.Handler) http.Handler {
	cors := corsHandler(next, nil)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")

		requested := r.Header.Get("Access-Control-Request-Headers")
		if r.Method == http.MethodOptions && requested != "" {
			corsHandler(next, strings.Split(requested, ",")).ServeHTTP(w, r)
			return
		}

		cors.ServeHTTP(w, r)
	})
}

func corsHandler(next http.Handler, headers []string) http.Handler {
	return handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods(corsMethods),
		handlers.AllowedHeaders(headers),
	)(next)
}

// Run listens on the configured address until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listenAddr)

	if err != nil {
		return fmt.Errorf("net.Listen: addr=%s, %w", s.listenAddr, err)
	}

	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infow("[http] Start listening", "address", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http.Serve: %w", err)
	case <-ctx.Done():
	}

	s.logger.Infof("[http] Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http.Shutdown: %w", err)
	}

	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http.Serve: %w", err)
	}

	return nil
}

func (s *Server) increment(w http.ResponseWriter, r *http.Request) {
	count := s.counter.Inc()
	s.notifier.Notify(count)

	s.writeJSON(w, http.StatusOK, incrementResponse{Count: count})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.errorCounter.Get() > s.maxErrors {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "Unhealthy")
		return
	}

	fmt.Fprint(w, "OK")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Errorw("[http] Error encoding response", "error", err)
	}
}

func (s *Server) logRequest(_ io.Writer, p handlers.LogFormatterParams) {
	s.logger.Debugw("[http] Request",
		"method", p.Request.Method,
		"path", p.URL.Path,
		"status", p.StatusCode,
		"size", p.Size,
		"duration", time.Since(p.TimeStamp),
		"remote", p.Request.RemoteAddr,
	)
}
