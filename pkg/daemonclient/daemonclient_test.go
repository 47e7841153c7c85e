package daemonclient

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParsePort(t *testing.T, url string) int {
	t.Helper()
	idx := strings.LastIndex(url, ":")
	require.Greater(t, idx, -1)
	port, err := strconv.Atoi(url[idx+1:])
	require.NoError(t, err)
	return port
}

func TestEnsureDaemonRunningReturnsClientWhenAlreadyHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	port := mustParsePort(t, srv.URL)
	outcome, err := EnsureDaemonRunning(context.Background(), Options{Port: port})
	require.NoError(t, err)
	assert.Equal(t, "client", outcome.Role)
}

func TestEnsureDaemonRunningSpawnsWhenPortFree(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	freePort := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	spawned := false
	opts := Options{
		Port:           freePort,
		StartupTimeout: 300 * time.Millisecond,
		Spawn: func() error {
			spawned = true
			return nil
		},
	}
	_, err = EnsureDaemonRunning(context.Background(), opts)
	// Spawn doesn't actually bind freePort in this test, so health never
	// arrives; we only assert the bind-then-spawn path was taken.
	assert.Error(t, err)
	assert.True(t, spawned)
}

func TestAcquireLockAndSpawnRemovesStaleLock(t *testing.T) {
	dir := t.TempDir()
	path := lockPath(dir)
	require.NoError(t, os.WriteFile(path, []byte("12345"), 0o644))
	staleTime := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(path, staleTime, staleTime))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	freePort := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	spawned := false
	opts := Options{
		Port:           freePort,
		ConfigDir:      dir,
		StartupTimeout: 200 * time.Millisecond,
		Spawn: func() error {
			spawned = true
			return nil
		},
	}
	_, err = acquireLockAndSpawn(context.Background(), opts)
	assert.Error(t, err) // no real server comes up, but the stale lock must not block the attempt
	assert.True(t, spawned)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "lock file should be removed after the attempt")
}

func TestWritePIDFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WritePIDFile(dir))
	data, err := os.ReadFile(dir + "/daemon.pid")
	require.NoError(t, err)
	pid, err := strconv.Atoi(string(data))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}
