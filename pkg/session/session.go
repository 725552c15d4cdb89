// Package session manages named long-lived agent sessions: optional boot
// processes, liveness tracking, and graceful shutdown.
package session

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/buildkite/shellwords"

	"conductor/pkg/config"
	"conductor/pkg/logx"
	"conductor/pkg/store"
)

// ErrNotActive is returned when an operation targets a session that is not
// currently active.
var ErrNotActive = errors.New("session is not active")

// Manager owns session lifecycle. Session records live in the store; boot
// processes started by this process are additionally tracked in memory so
// they can be signaled and reaped directly.
type Manager struct {
	st     *store.Store
	cfg    *config.Settings
	logger *logx.Logger

	mu    sync.Mutex
	procs map[string]*bootProc
}

// bootProc is a tracked boot process. The reaper goroutine is the only caller
// of Wait; everyone else observes exit through done.
type bootProc struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// NewManager creates a session manager over the given store.
func NewManager(st *store.Store, cfg *config.Settings) *Manager {
	return &Manager{
		st:     st,
		cfg:    cfg,
		logger: logx.NewLogger("session"),
		procs:  map[string]*bootProc{},
	}
}

// Create activates a named session. When a boot command template is
// configured, it is rendered and started detached in its own process group;
// otherwise the session is record-only and exists for prompt routing.
// Creating an already-active session returns the existing record with
// created=false.
func (m *Manager) Create(name string) (rec *store.SessionRecord, created bool, err error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, false, errors.New("session name cannot be empty")
	}

	if existing, gerr := m.st.GetSession(name); gerr == nil && existing.Status == store.SessionActive {
		return existing, false, nil
	}

	if m.cfg.SessionBootCommand == "" {
		rec, err = m.st.UpsertSession(name, store.SessionActive, nil, "")
		if err != nil {
			return nil, false, err
		}
		return rec, true, nil
	}

	command := strings.ReplaceAll(m.cfg.SessionBootCommand, "{session_name}", name)
	command = strings.ReplaceAll(command, "{session_name_quoted}", shellwords.Quote(name))

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = m.cfg.Workdir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return nil, false, fmt.Errorf("failed to start boot command for session %s: %w", name, err)
	}
	pid := cmd.Process.Pid

	// The active record must land before the reaper can observe an exit,
	// or a fast-exiting boot command would stay marked active.
	rec, err = m.st.UpsertSession(name, store.SessionActive, &pid, "")
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, false, err
	}

	proc := &bootProc{cmd: cmd, done: make(chan struct{})}
	m.mu.Lock()
	m.procs[name] = proc
	m.mu.Unlock()
	go m.reap(name, proc)

	m.logger.Info("session %s: boot process started (pid %d)", name, pid)
	return rec, true, nil
}

func (m *Manager) reap(name string, proc *bootProc) {
	err := proc.cmd.Wait()
	close(proc.done)

	m.mu.Lock()
	tracked := m.procs[name] == proc
	if tracked {
		delete(m.procs, name)
	}
	m.mu.Unlock()

	// A Stop call already owns the state transition.
	if !tracked {
		return
	}
	if err != nil {
		m.logger.Warn("session %s: boot process exited: %v", name, err)
	} else {
		m.logger.Info("session %s: boot process exited", name)
	}
	if _, uerr := m.st.UpsertSession(name, store.SessionInactive, nil, ""); uerr != nil {
		m.logger.Error("session %s: failed to mark inactive: %v", name, uerr)
	}
}

// Stop deactivates a session. A tracked boot process gets SIGTERM, a grace
// period, then SIGKILL. A recorded pid from a previous run gets a best-effort
// SIGTERM; a dead process is not an error.
func (m *Manager) Stop(name string) (*store.SessionRecord, error) {
	rec, err := m.st.GetSession(name)
	if err != nil {
		return nil, err
	}
	if rec.Status != store.SessionActive {
		return nil, fmt.Errorf("session '%s': %w", name, ErrNotActive)
	}

	m.mu.Lock()
	proc := m.procs[name]
	delete(m.procs, name)
	m.mu.Unlock()

	switch {
	case proc != nil:
		m.terminate(name, proc)
	case rec.PID != nil:
		if err := syscall.Kill(*rec.PID, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			m.logger.Warn("session %s: failed to signal pid %d: %v", name, *rec.PID, err)
		}
	}

	return m.st.UpsertSession(name, store.SessionInactive, nil, "")
}

func (m *Manager) terminate(name string, proc *bootProc) {
	if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		m.logger.Debug("session %s: SIGTERM failed: %v", name, err)
	}

	select {
	case <-proc.done:
	case <-time.After(m.cfg.SessionStopTimeout):
		m.logger.Warn("session %s: boot process did not exit within %s, killing",
			name, m.cfg.SessionStopTimeout)
		_ = proc.cmd.Process.Kill()
		<-proc.done
	}
}

// IsActive reports whether the named session exists and is active.
func (m *Manager) IsActive(name string) bool {
	rec, err := m.st.GetSession(name)
	return err == nil && rec.Status == store.SessionActive
}

// List returns all known session records.
func (m *Manager) List() ([]store.SessionRecord, error) {
	return m.st.ListSessions()
}

// Shutdown stops every tracked boot process. Used during process exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	names := make([]string, 0, len(m.procs))
	for name := range m.procs {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		if _, err := m.Stop(name); err != nil && !errors.Is(err, ErrNotActive) {
			m.logger.Warn("session %s: stop during shutdown failed: %v", name, err)
		}
	}
}
