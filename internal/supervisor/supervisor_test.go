package supervisor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gamedepot/internal/artifact"
)

// writeEntrypoint installs a shell script as the game server entrypoint so
// tests can run under /bin/sh instead of a real game runtime.
func writeEntrypoint(t *testing.T, store *artifact.Store, gameID int64, version, script string) string {
	t.Helper()
	dir := store.VersionDir(gameID, version)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, artifact.ServerEntrypoint), []byte(script), 0o755))
	return dir
}

func newTestManager(t *testing.T, store *artifact.Store, onExit func(int64)) *Manager {
	t.Helper()
	m := NewManager(Config{
		Runtime:     "/bin/sh",
		StartPort:   9000,
		StartupWait: 50 * time.Millisecond,
		StopGrace:   2 * time.Second,
	}, store, onExit)
	t.Cleanup(m.ShutdownAll)
	return m
}

func TestManager_SpawnAndStop(t *testing.T) {
	store := artifact.NewStore(t.TempDir())
	writeEntrypoint(t, store, 7, "1.0.0", "exec sleep 5\n")
	m := newTestManager(t, store, nil)

	port, err := m.Spawn(1, 7, "Tetris", "1.0.0", []string{"alice", "bob"})
	require.NoError(t, err)
	assert.Equal(t, 9000, port)
	assert.True(t, m.Running(1))

	port, err = m.Spawn(2, 7, "Tetris", "1.0.0", []string{"carol", "dave"})
	require.NoError(t, err)
	assert.Equal(t, 9001, port)
	assert.Equal(t, 2, m.Count())

	assert.True(t, m.Stop(1))
	assert.False(t, m.Running(1))
	assert.True(t, m.Running(2))

	m.ShutdownAll()
	assert.Equal(t, 0, m.Count())
}

func TestManager_SpawnPassesArgs(t *testing.T) {
	store := artifact.NewStore(t.TempDir())
	dir := writeEntrypoint(t, store, 3, "2.1.0", "echo \"$@\" > args.txt\nexec sleep 5\n")
	m := newTestManager(t, store, nil)

	port, err := m.Spawn(5, 3, "Space Race", "2.1.0", []string{"alice", "bob"})
	require.NoError(t, err)

	args, err := os.ReadFile(filepath.Join(dir, "args.txt"))
	require.NoError(t, err)
	assert.Equal(t,
		"--port 9000 --room-id 5 --players alice,bob --game-name Space Race",
		strings.TrimSpace(string(args)))
	assert.Equal(t, 9000, port)
}

func TestManager_MissingEntrypoint(t *testing.T) {
	store := artifact.NewStore(t.TempDir())
	m := newTestManager(t, store, nil)

	_, err := m.Spawn(1, 42, "Ghost", "1.0.0", []string{"alice"})
	require.ErrorIs(t, err, ErrNoEntrypoint)
	assert.False(t, m.Running(1))

	// A refused spawn must not burn a port.
	writeEntrypoint(t, store, 42, "1.0.0", "exec sleep 5\n")
	port, err := m.Spawn(1, 42, "Ghost", "1.0.0", []string{"alice"})
	require.NoError(t, err)
	assert.Equal(t, 9000, port)
}

func TestManager_EarlyExitIsError(t *testing.T) {
	store := artifact.NewStore(t.TempDir())
	writeEntrypoint(t, store, 7, "1.0.0", "exit 3\n")

	exits := make(chan int64, 1)
	m := NewManager(Config{
		Runtime:     "/bin/sh",
		StartPort:   9000,
		StartupWait: 300 * time.Millisecond,
		StopGrace:   time.Second,
	}, store, func(roomID int64) { exits <- roomID })

	_, err := m.Spawn(1, 7, "Tetris", "1.0.0", []string{"alice"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited during startup")
	assert.False(t, m.Running(1))

	select {
	case id := <-exits:
		t.Fatalf("exit callback ran for room %d after a failed start", id)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestManager_ExitCallbackFiresOnGameOver(t *testing.T) {
	store := artifact.NewStore(t.TempDir())
	writeEntrypoint(t, store, 7, "1.0.0", "exec sleep 1\n")

	exits := make(chan int64, 1)
	m := newTestManager(t, store, func(roomID int64) { exits <- roomID })

	_, err := m.Spawn(9, 7, "Tetris", "1.0.0", []string{"alice", "bob"})
	require.NoError(t, err)

	select {
	case id := <-exits:
		assert.Equal(t, int64(9), id)
	case <-time.After(5 * time.Second):
		t.Fatal("exit callback never ran")
	}
	assert.False(t, m.Running(9))
}

func TestManager_StopUnknownRoom(t *testing.T) {
	m := newTestManager(t, artifact.NewStore(t.TempDir()), nil)
	assert.False(t, m.Stop(123))
}

func TestManager_SpawnCurrentLink(t *testing.T) {
	store := artifact.NewStore(t.TempDir())
	writeEntrypoint(t, store, 7, "1.0.0", "exec sleep 5\n")
	require.NoError(t, store.SetCurrent(7, "1.0.0"))
	m := newTestManager(t, store, nil)

	port, err := m.Spawn(1, 7, "Tetris", "", []string{"alice"})
	require.NoError(t, err)
	assert.Equal(t, 9000, port)
	assert.True(t, m.Running(1))
}
