// Package daemonserver implements DaemonServer (§4.6): the loopback HTTP
// surface, lifecycle state machine, idle-timeout, and ensureGraph lazy
// init. It owns the process-wide Project registry, the LockRegistry, the
// set of active FileWatchers, and the active Persona (§3's Ownership
// note).
//
// Grounded on tarsy's pkg/api/server.go: a typed Server struct with
// Set*Service wiring methods and a setupRoutes() that registers every
// endpoint once, built on github.com/labstack/echo/v5, with Start/Shutdown
// wrapping an *http.Server around s.echo the same way tarsy's Server does.
package daemonserver

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/kgraphd/kgraphd/internal/graphstore"
	"github.com/kgraphd/kgraphd/internal/ingestion"
	"github.com/kgraphd/kgraphd/internal/lockregistry"
	"github.com/kgraphd/kgraphd/internal/logsink"
	"github.com/kgraphd/kgraphd/internal/tools"
	"github.com/kgraphd/kgraphd/internal/version"
	"github.com/kgraphd/kgraphd/internal/watcher"
)

// State is a DaemonServer lifecycle state (§4.6).
type State int32

const (
	StateStarting State = iota
	StateReady
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Project mirrors the Project entity (§3).
type Project struct {
	ID           string
	Path         string
	DisplayName  string
	CreatedAt    time.Time
	IncludeGlobs []string
	ExcludeGlobs []string
	Status       string // active | excluded
}

// Persona mirrors the Persona entity (§3).
type Persona struct {
	ID          string
	Name        string
	Color       string
	Language    string
	Persona     string
	Description string
	IsDefault   bool
}

// GraphConnector lazily opens the GraphStore connection on first need,
// implementing ensureGraph()'s idempotent-lazy-init contract.
type GraphConnector func(ctx context.Context) (*graphstore.Store, error)

// Options configures a Server.
type Options struct {
	Port         int
	IdleTimeout  time.Duration // default 10m
	DrainTimeout time.Duration // default 20m, applied to each lock
	ConfigDir    string
	ConnectGraph GraphConnector
}

func (o *Options) setDefaults() {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 10 * time.Minute
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 20 * time.Minute
	}
}

// Server is the DaemonServer.
type Server struct {
	opts       Options
	echo       *echo.Echo
	httpServer *http.Server
	locks      *lockregistry.Registry
	logs       *logsink.Sink
	tools      *tools.Registry

	state        atomic.Int32
	startedAt    time.Time
	requestCount atomic.Int64
	lastActivity atomic.Int64 // unix nanos

	idleMu    sync.Mutex
	idleTimer *time.Timer
	drainOnce sync.Once

	projMu   sync.RWMutex
	projects map[string]*Project

	watchMu  sync.RWMutex
	watchers map[string]*watcher.Watcher

	personaMu     sync.RWMutex
	personas      map[string]*Persona
	activePersona string

	graphMu sync.Mutex
	graph   *graphstore.Store

	ingestor *ingestion.Ingestor
}

// NewServer constructs a Server and registers all routes, mirroring
// tarsy's NewServer(cfg, ...) → s.setupRoutes() shape.
func NewServer(opts Options, locks *lockregistry.Registry, logs *logsink.Sink, toolRegistry *tools.Registry) *Server {
	opts.setDefaults()
	e := echo.New()

	s := &Server{
		opts:     opts,
		echo:     e,
		locks:    locks,
		logs:     logs,
		tools:    toolRegistry,
		projects: make(map[string]*Project),
		watchers: make(map[string]*watcher.Watcher),
		personas: make(map[string]*Persona),
	}
	s.state.Store(int32(StateStarting))
	s.setupRoutes()
	s.resetIdleTimer()
	return s
}

// SetIngestor wires the IncrementalIngestor used by POST /queue-file-change
// and project ingest tools.
func (s *Server) SetIngestor(ig *ingestion.Ingestor) {
	s.ingestor = ig
}

// corsMiddleware allows any local tool (editor plugins, kgraphctl, browser
// dashboards on other ports) to call the loopback daemon, mirroring the
// §6 CORS note (origin:true, GET/POST/DELETE).
func corsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("Access-Control-Allow-Origin", "*")
			h.Set("Access-Control-Allow-Methods", "GET,POST,DELETE")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			if c.Request().Method == http.MethodOptions {
				return c.NoContent(http.StatusNoContent)
			}
			return next(c)
		}
	}
}

func (s *Server) setupRoutes() {
	s.echo.Use(middleware.BodyLimit(8 * 1024 * 1024))
	s.echo.Use(corsMiddleware())
	s.echo.Use(s.activityMiddleware)

	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/status", s.handleStatus)
	s.echo.GET("/projects", s.handleProjects)
	s.echo.GET("/watchers", s.handleWatchers)
	s.echo.GET("/tools", s.handleListTools)
	s.echo.POST("/tool/:name", s.handleInvokeTool)
	s.echo.POST("/queue-file-change", s.handleQueueFileChange)
	s.echo.POST("/shutdown", s.handleShutdown)
	s.echo.GET("/logs", s.handleLogs)
	s.echo.GET("/logs/stream", s.handleLogsStream)
	s.echo.GET("/persona/active", s.handlePersonaActive)
	s.echo.GET("/persona/list", s.handlePersonaList)
	s.echo.POST("/persona/set", s.handlePersonaSet)
	s.echo.POST("/persona/create", s.handlePersonaCreate)
	s.echo.POST("/persona/delete", s.handlePersonaDelete)
}

// activityMiddleware resets the idle timer and bumps requestCount on
// every request, per §4.6/§5's "every HTTP request resets the idle
// timer" rule.
func (s *Server) activityMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		s.requestCount.Add(1)
		s.lastActivity.Store(time.Now().UnixNano())
		s.resetIdleTimer()
		return next(c)
	}
}

func (s *Server) resetIdleTimer() {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(s.opts.IdleTimeout, func() {
		s.BeginDrain(context.Background())
	})
}

// Start binds the loopback port and transitions starting → ready.
func (s *Server) Start(addr string) error {
	s.startedAt = time.Now()
	s.state.Store(int32(StateReady))
	s.httpServer = &http.Server{Addr: addr, Handler: s.echo}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// BeginDrain transitions ready → draining → stopped: waits for the
// ingestion and embedding locks to drain (bounded by DrainTimeout), tears
// down watchers, then closes the socket (§4.6).
func (s *Server) BeginDrain(ctx context.Context) {
	s.drainOnce.Do(func() {
		s.state.Store(int32(StateDraining))

		s.locks.WaitForUnlock(lockregistry.Ingestion, s.opts.DrainTimeout)
		s.locks.WaitForUnlock(lockregistry.Embedding, s.opts.DrainTimeout)

		s.watchMu.Lock()
		for _, w := range s.watchers {
			w.Stop()
		}
		s.watchMu.Unlock()

		s.state.Store(int32(StateStopped))
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	})
}

// ensureGraph lazily, idempotently opens the GraphStore connection.
func (s *Server) ensureGraph(ctx context.Context) (*graphstore.Store, error) {
	s.graphMu.Lock()
	defer s.graphMu.Unlock()
	if s.graph != nil {
		return s.graph, nil
	}
	if s.opts.ConnectGraph == nil {
		return nil, fmt.Errorf("daemonserver: no graph connector configured")
	}
	store, err := s.opts.ConnectGraph(ctx)
	if err != nil {
		return nil, err
	}
	s.graph = store
	return store, nil
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now(),
	})
}

func (s *Server) handleStatus(c *echo.Context) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := time.Since(s.startedAt)
	s.projMu.RLock()
	projectCount := len(s.projects)
	s.projMu.RUnlock()
	s.watchMu.RLock()
	watcherCount := len(s.watchers)
	s.watchMu.RUnlock()

	return c.JSON(http.StatusOK, map[string]any{
		"status":          State(s.state.Load()).String(),
		"pid":             os.Getpid(),
		"port":            s.opts.Port,
		"uptime_ms":       uptime.Milliseconds(),
		"uptime_human":    uptime.String(),
		"started_at":      s.startedAt,
		"last_activity":   time.Unix(0, s.lastActivity.Load()),
		"request_count":   s.requestCount.Load(),
		"idle_timeout_ms": s.opts.IdleTimeout.Milliseconds(),
		"brain": map[string]any{
			"connected":        s.graph != nil,
			"projects":         projectCount,
			"watchers":         watcherCount,
			"ingestion_status": lockStatus(s.locks, lockregistry.Ingestion),
			"embedding_status": lockStatus(s.locks, lockregistry.Embedding),
		},
		"tools": map[string]any{
			"count": len(s.toolsOrEmpty()),
		},
		"memory": map[string]any{
			"rss_mb":       float64(mem.Sys) / (1 << 20),
			"heap_used_mb": float64(mem.HeapInuse) / (1 << 20),
		},
		"version": version.Full(),
	})
}

func (s *Server) toolsOrEmpty() []tools.Definition {
	if s.tools == nil {
		return nil
	}
	return s.tools.List()
}

func lockStatus(locks *lockregistry.Registry, name string) any {
	return locks.GetStatus(name)
}
