package daemonserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgraphd/kgraphd/internal/lockregistry"
	"github.com/kgraphd/kgraphd/internal/logsink"
	"github.com/kgraphd/kgraphd/internal/masking"
	"github.com/kgraphd/kgraphd/internal/tools"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	locks := lockregistry.New()
	sink, err := logsink.Open(t.TempDir() + "/daemon.log")
	require.NoError(t, err)
	t.Cleanup(func() { sink.Close() })
	reg := tools.New(locks, masking.New(masking.DefaultMaskers()))
	return NewServer(Options{Port: 0, IdleTimeout: time.Hour}, locks, sink, reg)
}

func TestHealthEndpointReturnsOK(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusEndpointReportsStartingState(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"starting"`)
}

func TestInvokeUnknownToolReturns404(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/tool/does-not-exist", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPersonaLifecycle(t *testing.T) {
	s := newTestServer(t)
	s.personas["default"] = &Persona{ID: "default", Name: "Default", IsDefault: true}
	s.activePersona = "default"

	req := httptest.NewRequest(http.MethodGet, "/persona/active", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Default")
}

func TestRegisterProjectIsVisibleInListing(t *testing.T) {
	s := newTestServer(t)
	s.RegisterProject(&Project{ID: "p1", Path: "/tmp/p1", DisplayName: "P1"})

	req := httptest.NewRequest(http.MethodGet, "/projects", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "P1")
}

func TestBeginDrainIsIdempotent(t *testing.T) {
	s := newTestServer(t)
	s.opts.DrainTimeout = 50 * time.Millisecond
	s.BeginDrain(context.Background())
	s.BeginDrain(context.Background()) // must not panic or double-close
	assert.Equal(t, StateStopped, State(s.state.Load()))
}
