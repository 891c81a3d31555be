// Package fuji is the safety gate: hot-reloadable policy management and
// risk evaluation of candidate actions.
package fuji

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/veritas-os/veritas/internal/fsx"
	"github.com/veritas-os/veritas/internal/model"
)

// EventFunc receives manager lifecycle events (policy_reloaded,
// policy_reload_failed) for the event stream.
type EventFunc func(name string, data map[string]any)

// Manager owns the active FujiPolicy. Readers get an atomic snapshot;
// reloads are serialized by a single mutex and never fail open: a policy
// that does not parse or validate leaves the previous one in place.
type Manager struct {
	path    string
	logger  *slog.Logger
	onEvent EventFunc

	reloadMu sync.Mutex
	policy   atomic.Pointer[model.FujiPolicy]
	mtime    atomic.Int64 // unix nanos of the file behind the active policy
}

// NewManager loads the policy at path. A missing or invalid file at startup
// is fatal for the caller.
func NewManager(path string, logger *slog.Logger, onEvent EventFunc) (*Manager, error) {
	m := &Manager{
		path:    path,
		logger:  logger.With("component", "fuji"),
		onEvent: onEvent,
	}
	policy, mtime, err := readPolicyFile(path)
	if err != nil {
		return nil, err
	}
	m.policy.Store(policy)
	m.mtime.Store(mtime.UnixNano())
	m.logger.Info("policy loaded", "version", policy.Version, "path", path)
	return m, nil
}

// Current returns the active policy, reloading first if the file mtime
// changed since the last read. Callers must not mutate the result.
func (m *Manager) Current() *model.FujiPolicy {
	if info, err := os.Stat(m.path); err == nil && info.ModTime().UnixNano() != m.mtime.Load() {
		m.Reload()
	}
	return m.policy.Load()
}

// Reload re-reads the policy file. On any failure the previous policy
// stays active and a policy_reload_failed event is emitted.
func (m *Manager) Reload() {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	// Another reloader may have finished while this one waited.
	if info, err := os.Stat(m.path); err == nil && info.ModTime().UnixNano() == m.mtime.Load() {
		return
	}

	policy, mtime, err := readPolicyFile(m.path)
	if err != nil {
		m.logger.Error("policy reload failed, keeping previous policy", "error", err)
		m.emit("policy_reload_failed", map[string]any{
			"error":          err.Error(),
			"active_version": m.policy.Load().Version,
		})
		return
	}
	m.policy.Store(policy)
	m.mtime.Store(mtime.UnixNano())
	m.logger.Info("policy reloaded", "version", policy.Version)
	m.emit("policy_reloaded", map[string]any{"version": policy.Version})
}

// Set validates policy, persists it atomically, and publishes it.
func (m *Manager) Set(policy model.FujiPolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}

	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	if err := fsx.WriteJSON(m.path, &policy); err != nil {
		return model.E(model.KindTransientIO, "policy write failed", err)
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return model.E(model.KindTransientIO, "policy stat failed", err)
	}
	m.policy.Store(&policy)
	m.mtime.Store(info.ModTime().UnixNano())
	m.logger.Info("policy updated", "version", policy.Version, "updated_by", policy.UpdatedBy)
	m.emit("policy_reloaded", map[string]any{"version": policy.Version})
	return nil
}

// Watch reloads on filesystem change notifications until ctx is done. It
// supplements the per-call mtime check so long-idle deployments still pick
// up edits promptly. Errors are logged, never fatal.
func (m *Manager) Watch(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Warn("policy watcher unavailable, relying on mtime checks", "error", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(m.path); err != nil {
		m.logger.Warn("policy watcher could not watch file", "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				m.Reload()
				// Atomic replaces drop the watch on the old inode.
				_ = watcher.Add(m.path)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("policy watcher error", "error", err)
		}
	}
}

// MaxLogSize implements the trust log's policy view.
func (m *Manager) MaxLogSize() int64 {
	return m.Current().LogRetention.MaxLogSize
}

// RedactBeforeLog implements the trust log's policy view.
func (m *Manager) RedactBeforeLog() bool {
	return m.Current().LogRetention.RedactBeforeLog
}

func (m *Manager) emit(name string, data map[string]any) {
	if m.onEvent != nil {
		m.onEvent(name, data)
	}
}

// readPolicyFile opens the file once and stats and reads through the same
// descriptor, so the parsed content always matches the recorded mtime.
func readPolicyFile(path string) (*model.FujiPolicy, time.Time, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from validated config
	if err != nil {
		return nil, time.Time{}, model.E(model.KindPolicyError, fmt.Sprintf("policy file %s unreadable", path), err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, time.Time{}, model.E(model.KindPolicyError, "policy fstat failed", err)
	}
	data, err := io.ReadAll(io.LimitReader(f, 10<<20))
	if err != nil {
		return nil, time.Time{}, model.E(model.KindPolicyError, "policy read failed", err)
	}

	var policy model.FujiPolicy
	if err := json.Unmarshal(data, &policy); err != nil {
		return nil, time.Time{}, model.E(model.KindPolicyError, "policy parse failed", err)
	}
	if err := policy.Validate(); err != nil {
		return nil, time.Time{}, err
	}
	return &policy, info.ModTime(), nil
}
