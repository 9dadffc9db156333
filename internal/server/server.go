// Package server wires the registry, router and AI coordinator behind the
// framed TCP listener and the HTTP listener, and owns their lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/petchat/internal/ai"
	"github.com/Tyrowin/petchat/internal/protocol"
	"github.com/Tyrowin/petchat/internal/storage"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server: closed")

// usageSaveTimeout bounds persisting usage counters during Shutdown.
const usageSaveTimeout = 5 * time.Second

// Store is the optional persistence collaborator.
type Store interface {
	Recorder
	ai.History
	ai.MemorySink
	LoadUsage(ctx context.Context) (map[string]int64, error)
	SaveUsage(ctx context.Context, counters map[string]int64) error
	ListUsers(ctx context.Context) ([]storage.User, error)
	AddMemory(ctx context.Context, mem storage.Memory) (storage.Memory, error)
	ListMemories(ctx context.Context, ownerID string) ([]storage.Memory, error)
	DeleteMemory(ctx context.Context, id string) error
	ClearMemories(ctx context.Context, ownerID string) (int64, error)
	Close() error
}

// UsageMirror is a shared copy of the token counters that the admin
// endpoints can read back.
type UsageMirror interface {
	ai.UsageMirror
	Usage(ctx context.Context, conversationID string) (int64, error)
	Snapshot(ctx context.Context) (map[string]int64, error)
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAnalyzer enables AI analysis with the given provider.
func WithAnalyzer(analyzer ai.Analyzer) Option {
	return func(s *Server) { s.analyzer = analyzer }
}

// WithStore enables persistence of users, chat history, memories and
// usage counters.
func WithStore(store Store) Option {
	return func(s *Server) { s.store = store }
}

// WithUsageMirror mirrors every token usage increment.
func WithUsageMirror(mirror UsageMirror) Option {
	return func(s *Server) { s.mirror = mirror }
}

// WithRegistry replaces the server's registry.
func WithRegistry(registry *Registry) Option {
	return func(s *Server) {
		if registry != nil {
			s.registry = registry
		}
	}
}

// Server hosts the chat core.
type Server struct {
	cfg         Config
	logger      *slog.Logger
	registry    *Registry
	router      *Router
	sessions    *ai.SessionStore
	coordinator *ai.Coordinator
	analyzer    ai.Analyzer
	store       Store
	recorder    Recorder
	mirror      UsageMirror
	sweeper     *sessionSweeper
	framer      protocol.Framer
	upgrader    websocket.Upgrader

	startOnce sync.Once
	runCtx    context.Context
	runCancel context.CancelFunc

	mu           sync.Mutex
	listener     net.Listener
	httpServer   *http.Server
	peers        map[*peer]struct{}
	shuttingDown bool
	wg           sync.WaitGroup
}

// New wires a server from cfg. Nothing is started until Serve or
// ListenAndServe.
func New(cfg Config, opts ...Option) *Server {
	cfg = sanitizeConfig(cfg)
	s := &Server{
		cfg:      cfg,
		logger:   slog.Default(),
		registry: NewRegistry(),
		framer:   protocol.ChecksumFramer(cfg.MaxMessageSize),
		peers:    make(map[*peer]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "server"))

	s.sessions = ai.NewSessionStore(cfg.AI.MaxTurns)
	s.router = NewRouter(s.registry, s.logger)
	s.router.context = s.sessions

	coordOpts := ai.Options{
		Workers:     cfg.AI.Workers,
		QueueSize:   cfg.AI.QueueSize,
		CallTimeout: cfg.AI.Timeout,
		Logger:      s.logger,
	}
	if s.mirror != nil {
		coordOpts.Mirror = s.mirror
	}
	if s.store != nil {
		s.recorder = s.store
		s.router.recorder = s.store
		coordOpts.History = s.store
		coordOpts.Memories = s.store
	}
	s.coordinator = ai.NewCoordinator(s.sessions, s.analyzer, s.router, coordOpts)
	if s.analyzer != nil {
		s.router.analysis = s.coordinator
	}
	s.sweeper = newSessionSweeper(s.sessions, cfg.AI.SweepInterval, cfg.AI.SessionTimeout, s.logger)

	origins := newOriginPolicy(cfg.AllowedOrigins, s.logger)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     origins.checkOrigin,
	}
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	return s
}

// Registry exposes the client registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Router exposes the router.
func (s *Server) Router() *Router {
	return s.router
}

// Sessions exposes the AI session store.
func (s *Server) Sessions() *ai.SessionStore {
	return s.sessions
}

// start launches the AI workers and the sweeper once and restores usage
// counters from the store.
func (s *Server) start(ctx context.Context) {
	s.startOnce.Do(func() {
		if s.store != nil {
			loadCtx, cancel := context.WithTimeout(ctx, usageSaveTimeout)
			counters, err := s.store.LoadUsage(loadCtx)
			cancel()
			if err != nil {
				s.logger.WarnContext(ctx, "Failed to load token usage", slog.Any("error", err))
			} else {
				s.sessions.SeedUsage(counters)
			}
		}
		if s.analyzer != nil {
			s.coordinator.Start(s.runCtx)
		}
		s.sweeper.Start(s.runCtx)
	})
}

func (s *Server) runContext() context.Context {
	return s.runCtx
}

// ListenAndServe binds ListenAddr and serves until ctx is cancelled or
// Shutdown is called. A bind failure is returned immediately.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts framed TCP connections on ln, one goroutine each.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.closing() {
		_ = ln.Close()
		return ErrServerClosed
	}
	s.start(ctx)

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "Chat server listening", slog.String("addr", ln.Addr().String()))

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var backoff time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if s.closing() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				s.logger.WarnContext(ctx, "Accept error; retrying", slog.Any("error", err), slog.Duration("backoff", backoff))
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0

		go s.serveTCP(s.runCtx, nc)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}

// ListenAndServeHTTP serves the WebSocket gateway and admin endpoints on
// HTTPAddr until Shutdown.
func (s *Server) ListenAndServeHTTP(ctx context.Context) error {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return ErrServerClosed
	}
	httpServer := CreateServer(s.cfg.HTTPAddr, s.Routes())
	s.httpServer = httpServer
	s.mu.Unlock()

	s.start(ctx)
	return StartServer(httpServer, s.logger)
}

// Addr returns the TCP listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// DisconnectUser closes the user's connection. Cleanup, including the
// offline announcement, runs in that connection's handler.
func (s *Server) DisconnectUser(userID string) bool {
	entry, ok := s.registry.Get(userID)
	if !ok {
		return false
	}
	if err := entry.Conn.Close(); err != nil && !isExpectedCloseError(err) {
		s.logger.Warn("Error closing connection", slog.String("user_id", userID), slog.Any("error", err))
	}
	s.logger.Info("Disconnected user", slog.String("user_id", userID))
	return true
}

// Stats reports routing, registry and AI counters.
func (s *Server) Stats() map[string]int64 {
	routed, aiRequests := s.router.Counters()
	stats := map[string]int64{
		"messages_routed": routed,
		"ai_requests":     aiRequests,
		"online_users":    int64(s.registry.Len()),
		"sessions":        int64(s.sessions.Len()),
	}
	var tokens int64
	for _, n := range s.sessions.AllUsage() {
		tokens += n
	}
	stats["tokens_used"] = tokens
	for k, v := range s.coordinator.Stats() {
		stats["ai_jobs_"+k] = v
	}
	return stats
}

func (s *Server) closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuttingDown
}

// track registers a live connection for Shutdown. It fails once shutdown
// has begun.
func (s *Server) track(p *peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown {
		return false
	}
	s.peers[p] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(p *peer) {
	s.mu.Lock()
	_, ok := s.peers[p]
	delete(s.peers, p)
	s.mu.Unlock()
	if ok {
		s.wg.Done()
	}
}

// Shutdown stops accepting connections, closes every open connection and
// waits for their handlers, then stops the AI workers and persists usage
// counters. It returns context.DeadlineExceeded if handlers or workers do
// not finish within timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return nil
	}
	s.shuttingDown = true
	ln := s.listener
	httpServer := s.httpServer
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	s.logger.Info("Initiating server shutdown...", slog.Int("connections", len(peers)))
	deadline := time.Now().Add(timeout)

	if ln != nil {
		if err := ln.Close(); err != nil && !isExpectedCloseError(err) {
			s.logger.Warn("Error closing listener", slog.Any("error", err))
		}
	}

	var errs []error
	if httpServer != nil {
		if err := ShutdownServer(httpServer, timeout, s.logger); err != nil {
			errs = append(errs, err)
		}
	}

	for _, p := range peers {
		_ = p.conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("All connections closed")
	case <-time.After(time.Until(deadline)):
		s.logger.Warn("Shutdown timeout reached, some connections may still be open")
		errs = append(errs, context.DeadlineExceeded)
	}

	s.sweeper.Stop()
	if err := s.coordinator.Stop(max(time.Until(deadline), 0)); err != nil {
		errs = append(errs, err)
	}
	s.runCancel()

	if s.store != nil {
		s.persistUsage()
		if err := s.store.Close(); err != nil {
			s.logger.Warn("Error closing store", slog.Any("error", err))
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("Server shutdown completed successfully")
	return nil
}

func (s *Server) persistUsage() {
	ctx, cancel := context.WithTimeout(context.Background(), usageSaveTimeout)
	defer cancel()
	if err := s.store.SaveUsage(ctx, s.sessions.AllUsage()); err != nil {
		s.logger.Warn("Failed to persist token usage", slog.Any("error", err))
	}
}
