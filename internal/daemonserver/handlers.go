package daemonserver

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/kgraphd/kgraphd/internal/tools"
	"github.com/kgraphd/kgraphd/internal/watcher"
)

func (s *Server) handleProjects(c *echo.Context) error {
	s.projMu.RLock()
	defer s.projMu.RUnlock()
	out := make([]*Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	return c.JSON(http.StatusOK, map[string]any{"projects": out})
}

// Projects returns a snapshot of the process-wide project registry, for
// tool handlers (list_brain_projects) that need it outside an HTTP request.
func (s *Server) Projects() []*Project {
	s.projMu.RLock()
	defer s.projMu.RUnlock()
	out := make([]*Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	return out
}

// Project looks up one project by id.
func (s *Server) Project(id string) (*Project, bool) {
	s.projMu.RLock()
	defer s.projMu.RUnlock()
	p, ok := s.projects[id]
	return p, ok
}

// RegisterProject adds a project to the registry, called by cmd/kgraphd
// during startup.
func (s *Server) RegisterProject(p *Project) {
	s.projMu.Lock()
	defer s.projMu.Unlock()
	s.projects[p.ID] = p
}

func (s *Server) handleWatchers(c *echo.Context) error {
	s.watchMu.RLock()
	defer s.watchMu.RUnlock()
	names := make([]string, 0, len(s.watchers))
	for id := range s.watchers {
		names = append(names, id)
	}
	return c.JSON(http.StatusOK, map[string]any{"watchers": names})
}

// AttachWatcher registers and starts a FileWatcher for a project, keyed by
// project ID so BeginDrain can stop every watcher on shutdown.
func (s *Server) AttachWatcher(projectID string, w *watcher.Watcher) error {
	if err := w.Start(); err != nil {
		return fmt.Errorf("daemonserver: start watcher for %s: %w", projectID, err)
	}
	s.watchMu.Lock()
	s.watchers[projectID] = w
	s.watchMu.Unlock()
	return nil
}

func (s *Server) handleListTools(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"tools": s.toolsOrEmpty()})
}

type invokeToolRequest struct {
	Args map[string]any `json:"args"`
}

func (s *Server) handleInvokeTool(c *echo.Context) error {
	name := c.Param("name")
	if s.tools == nil || !s.tools.Has(name) {
		return c.JSON(http.StatusNotFound, map[string]any{"error": "unknown tool: " + name})
	}
	var req invokeToolRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": err.Error()})
	}
	result := s.tools.InvokeOne(c.Request().Context(), tools.Call{Name: name, Args: req.Args})
	status := http.StatusOK
	if !result.Success {
		status = http.StatusInternalServerError
	}
	return c.JSON(status, result)
}

type queueFileChangeRequest struct {
	ProjectID string `json:"project_id"`
	Path      string `json:"path"`
	Change    string `json:"change"` // created | updated | deleted
}

// handleQueueFileChange lets an external caller (editor plugin, CI hook)
// report a file change out-of-band from the FileWatcher's own fsnotify
// subscription, folding it through the same debounce/coalesce path.
func (s *Server) handleQueueFileChange(c *echo.Context) error {
	var req queueFileChangeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": err.Error()})
	}
	if s.ingestor == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"error": "ingestor not configured"})
	}
	s.watchMu.RLock()
	w, ok := s.watchers[req.ProjectID]
	s.watchMu.RUnlock()
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]any{"error": "no watcher for project: " + req.ProjectID})
	}
	w.QueueExternalChange(req.Path, req.Change)
	return c.JSON(http.StatusAccepted, map[string]any{"status": "queued"})
}

// handleShutdown triggers the drain sequence asynchronously so the HTTP
// response can be returned before the socket closes underneath it.
func (s *Server) handleShutdown(c *echo.Context) error {
	go s.BeginDrain(context.Background())
	return c.JSON(http.StatusAccepted, map[string]any{"status": "draining"})
}

func (s *Server) handleLogs(c *echo.Context) error {
	n := 100
	if raw := c.QueryParam("lines"); raw != "" {
		fmt.Sscanf(raw, "%d", &n)
	}
	logs := s.logs.Recent(n)
	return c.JSON(http.StatusOK, map[string]any{
		"log_file":       s.logs.Path(),
		"total_lines":    s.logs.TotalLines(),
		"returned_lines": len(logs),
		"logs":           logs,
	})
}

// handleLogsStream serves GET /logs/stream as Server-Sent Events, backed
// by logsink.Sink.Subscribe's catch-up-then-live channel.
func (s *Server) handleLogsStream(c *echo.Context) error {
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	flusher, _ := resp.Writer.(http.Flusher)
	ch, unsubscribe := s.logs.Subscribe(c.RealIP()+"-"+fmt.Sprint(time.Now().UnixNano()), 50)
	defer unsubscribe()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	w := bufio.NewWriter(resp)
	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			w.Flush()
			if flusher != nil {
				flusher.Flush()
			}
		case line, ok := <-ch:
			if !ok {
				return nil
			}
			fmt.Fprintf(w, "data: %s %s\n\n", line.Timestamp.Format(time.RFC3339), line.Text)
			w.Flush()
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func (s *Server) handlePersonaActive(c *echo.Context) error {
	s.personaMu.RLock()
	defer s.personaMu.RUnlock()
	p, ok := s.personas[s.activePersona]
	if !ok {
		return c.JSON(http.StatusOK, map[string]any{"persona": nil})
	}
	return c.JSON(http.StatusOK, map[string]any{"persona": p})
}

func (s *Server) handlePersonaList(c *echo.Context) error {
	s.personaMu.RLock()
	defer s.personaMu.RUnlock()
	out := make([]*Persona, 0, len(s.personas))
	for _, p := range s.personas {
		out = append(out, p)
	}
	return c.JSON(http.StatusOK, map[string]any{"personas": out})
}

type personaSetRequest struct {
	Identifier string `json:"identifier"`
}

func (s *Server) handlePersonaSet(c *echo.Context) error {
	var req personaSetRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": err.Error()})
	}
	s.personaMu.Lock()
	defer s.personaMu.Unlock()
	if _, ok := s.personas[req.Identifier]; !ok {
		return c.JSON(http.StatusNotFound, map[string]any{"error": "unknown persona: " + req.Identifier})
	}
	s.activePersona = req.Identifier
	return c.JSON(http.StatusOK, map[string]any{"active": req.Identifier})
}

func (s *Server) handlePersonaCreate(c *echo.Context) error {
	var p Persona
	if err := c.Bind(&p); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": err.Error()})
	}
	if p.ID == "" {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": "id is required"})
	}
	s.personaMu.Lock()
	defer s.personaMu.Unlock()
	s.personas[p.ID] = &p
	return c.JSON(http.StatusCreated, map[string]any{"persona": &p})
}

type personaDeleteRequest struct {
	Name string `json:"name"`
}

func (s *Server) handlePersonaDelete(c *echo.Context) error {
	var req personaDeleteRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": err.Error()})
	}
	s.personaMu.Lock()
	defer s.personaMu.Unlock()
	if p, ok := s.personas[req.Name]; ok && p.IsDefault {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": "cannot delete the default persona"})
	}
	delete(s.personas, req.Name)
	if s.activePersona == req.Name {
		s.activePersona = ""
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "deleted"})
}
