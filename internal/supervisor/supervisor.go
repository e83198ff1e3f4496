// Package supervisor spawns one game server child process per room and
// tracks it until exit.
package supervisor

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gamedepot/internal/artifact"
)

// ErrNoEntrypoint is returned by Spawn when the version directory has no
// game server entrypoint.
var ErrNoEntrypoint = errors.New("game server entrypoint not found")

// Defaults applied by NewManager for zero Config fields.
const (
	DefaultRuntime     = "python3"
	DefaultStartPort   = 9000
	defaultStartupWait = 500 * time.Millisecond
	defaultStopGrace   = 5 * time.Second
)

// Config controls how children are launched and stopped.
type Config struct {
	Runtime     string        // interpreter for game entrypoints
	StartPort   int           // first port handed to a child
	StartupWait time.Duration // how long Spawn waits before declaring success
	StopGrace   time.Duration // SIGTERM to SIGKILL escalation window
}

// Manager supervises game server processes. Ports are allocated from a
// monotonic counter and never reused within a process lifetime.
type Manager struct {
	cfg       Config
	artifacts *artifact.Store
	onExit    func(roomID int64)

	mu        sync.Mutex
	nextPort  int
	processes map[int64]*process
}

type process struct {
	cmd       *exec.Cmd
	port      int
	gameID    int64
	startedAt time.Time

	done     chan struct{} // closed when the child has exited
	reaped   chan struct{} // closed when monitor has finished cleaning up
	decided  chan struct{} // closed once Spawn has reported success or failure
	accepted bool          // valid after decided is closed
}

// NewManager creates a Manager. onExit, when non-nil, is called with the
// room id after an accepted child exits.
func NewManager(cfg Config, artifacts *artifact.Store, onExit func(roomID int64)) *Manager {
	if cfg.Runtime == "" {
		cfg.Runtime = DefaultRuntime
	}
	if cfg.StartPort <= 0 {
		cfg.StartPort = DefaultStartPort
	}
	if cfg.StartupWait <= 0 {
		cfg.StartupWait = defaultStartupWait
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	return &Manager{
		cfg:       cfg,
		artifacts: artifacts,
		onExit:    onExit,
		nextPort:  cfg.StartPort,
		processes: make(map[int64]*process),
	}
}

// Spawn starts the game server for a room and returns the port it was told
// to listen on. An empty version runs whatever the game's current link
// points at. A child that exits within the startup wait is treated as a
// failed start.
func (m *Manager) Spawn(roomID, gameID int64, gameName, version string, players []string) (int, error) {
	if version == "" {
		version = artifact.CurrentLinkName
	}
	versionDir := m.artifacts.VersionDir(gameID, version)
	entrypoint := filepath.Join(versionDir, artifact.ServerEntrypoint)
	if _, err := os.Stat(entrypoint); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrNoEntrypoint, entrypoint)
	}

	port := m.allocatePort()
	slog.Info("spawning game server", "roomID", roomID, "gameID", gameID, "port", port)

	var stdout, stderr bytes.Buffer
	cmd := exec.Command(m.cfg.Runtime, entrypoint,
		"--port", strconv.Itoa(port),
		"--room-id", strconv.FormatInt(roomID, 10),
		"--players", strings.Join(players, ","),
		"--game-name", gameName,
	)
	cmd.Dir = versionDir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting game server for room %d: %w", roomID, err)
	}

	p := &process{
		cmd:       cmd,
		port:      port,
		gameID:    gameID,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		reaped:    make(chan struct{}),
		decided:   make(chan struct{}),
	}
	m.mu.Lock()
	m.processes[roomID] = p
	m.mu.Unlock()

	go m.monitor(roomID, p, &stdout, &stderr)

	// Give the child a moment to open its socket. A child gone this fast
	// never served anything.
	select {
	case <-p.done:
		close(p.decided)
		return 0, fmt.Errorf("game server for room %d exited during startup", roomID)
	case <-time.After(m.cfg.StartupWait):
		p.accepted = true
		close(p.decided)
	}

	slog.Info("game server started", "roomID", roomID, "port", port)
	return port, nil
}

// monitor waits for the child to exit, logs its output, and drops it from
// the table. For accepted children the exit callback runs last, so the
// room can be closed once its game is over.
func (m *Manager) monitor(roomID int64, p *process, stdout, stderr *bytes.Buffer) {
	waitErr := p.cmd.Wait()
	close(p.done)
	<-p.decided

	if out := stdout.String(); out != "" {
		slog.Debug("game server stdout", "roomID", roomID, "output", out)
	}
	if out := stderr.String(); out != "" {
		slog.Warn("game server stderr", "roomID", roomID, "output", out)
	}
	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}
	if waitErr != nil && code < 0 {
		slog.Error("waiting for game server", "roomID", roomID, "error", waitErr)
	}
	slog.Info("game server exited", "roomID", roomID, "code", code,
		"uptime", time.Since(p.startedAt).Round(time.Millisecond))

	m.mu.Lock()
	delete(m.processes, roomID)
	m.mu.Unlock()

	if p.accepted && m.onExit != nil {
		m.onExit(roomID)
	}
	close(p.reaped)
}

// Stop terminates the room's game server, escalating to SIGKILL after the
// grace period. Reports whether a server was running for the room.
func (m *Manager) Stop(roomID int64) bool {
	m.mu.Lock()
	p, ok := m.processes[roomID]
	m.mu.Unlock()
	if !ok {
		return false
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		slog.Debug("signalling game server", "roomID", roomID, "error", err)
	}
	select {
	case <-p.reaped:
	case <-time.After(m.cfg.StopGrace):
		slog.Warn("game server ignored SIGTERM, killing", "roomID", roomID)
		if err := p.cmd.Process.Kill(); err != nil {
			slog.Debug("killing game server", "roomID", roomID, "error", err)
		}
		<-p.reaped
	}
	slog.Info("game server stopped", "roomID", roomID)
	return true
}

// Running reports whether a game server is running for the room.
func (m *Manager) Running(roomID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.processes[roomID]
	return ok
}

// Count returns the number of running game servers.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.processes)
}

// ShutdownAll stops every running game server concurrently and returns
// when all have exited.
func (m *Manager) ShutdownAll() {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.processes))
	for id := range m.processes {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	if len(ids) == 0 {
		return
	}
	slog.Info("stopping all game servers", "count", len(ids))

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			m.Stop(id)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) allocatePort() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	port := m.nextPort
	m.nextPort++
	return port
}
