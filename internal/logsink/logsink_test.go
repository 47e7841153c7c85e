package logsink

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAppendsAndTracksRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	s.Write("hello")
	s.Write("world")

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "hello")
	assert.Contains(t, string(content), "world")

	recent := s.Recent(10)
	require.Len(t, recent, 2)
	assert.Equal(t, "hello", recent[0].Text)
	assert.Equal(t, "world", recent[1].Text)
}

func TestRecentBoundedByCatchupLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < catchupLimit+50; i++ {
		s.Write("line")
	}
	assert.Len(t, s.Recent(10000), catchupLimit)
}

func TestSubscribeReceivesCatchupThenLiveLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	s.Write("before-subscribe")
	ch, unsubscribe := s.Subscribe("sub-1", 10)
	defer unsubscribe()

	select {
	case l := <-ch:
		assert.Equal(t, "before-subscribe", l.Text)
	case <-time.After(time.Second):
		t.Fatal("expected catch-up line")
	}

	s.Write("after-subscribe")
	select {
	case l := <-ch:
		assert.Equal(t, "after-subscribe", l.Text)
	case <-time.After(time.Second):
		t.Fatal("expected live line")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	ch, unsubscribe := s.Subscribe("sub-2", 0)
	unsubscribe()

	_, ok := <-ch
	assert.False(t, ok)
}
