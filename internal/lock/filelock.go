// Package lock implements file-based mutual exclusion with a staleness window.
// Locks are never renewed; a lock older than its staleness window is treated
// as abandoned and may be reclaimed.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"breakout-trader/internal/clock"
)

// State classifies a lock file as seen by one owner.
type State string

const (
	StateAbsent     State = "ABSENT"
	StateHeldBySelf State = "HELD_BY_SELF"
	StateFresh      State = "FRESH"
	StateStale      State = "STALE"
)

// Owner is the content of a lock file.
type Owner struct {
	ID         string    `json:"owner_id"`
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquired_at"`
}

var (
	errHeld    = errors.New("lock held")
	errChanged = errors.New("lock changed during reclaim")
)

// FileLock is an exclusive lock on a single path.
type FileLock struct {
	fs        afero.Fs
	path      string
	self      Owner
	staleness time.Duration
	clock     clock.Clock

	mu   sync.Mutex
	held bool
}

// NewFileLock creates a lock handle for path owned by ownerID.
func NewFileLock(fs afero.Fs, path, ownerID string, staleness time.Duration, clk clock.Clock) *FileLock {
	host, _ := os.Hostname()
	if clk == nil {
		clk = clock.Real{}
	}
	return &FileLock{
		fs:        fs,
		path:      path,
		self:      Owner{ID: ownerID, PID: os.Getpid(), Host: host},
		staleness: staleness,
		clock:     clk,
	}
}

// Path returns the lock file path.
func (l *FileLock) Path() string {
	return l.path
}

// Inspect reads the lock file and classifies it.
func (l *FileLock) Inspect() (State, *Owner, error) {
	data, err := afero.ReadFile(l.fs, l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return StateAbsent, nil, nil
		}
		return "", nil, err
	}

	var owner Owner
	if jerr := json.Unmarshal(data, &owner); jerr != nil || owner.ID == "" {
		// A crash between create and write leaves an unreadable file; age it by mtime.
		info, serr := l.fs.Stat(l.path)
		if serr != nil {
			if errors.Is(serr, os.ErrNotExist) {
				return StateAbsent, nil, nil
			}
			return "", nil, serr
		}
		if l.clock.Now().Sub(info.ModTime()) > l.staleness {
			return StateStale, nil, nil
		}
		return StateFresh, nil, nil
	}

	if owner.ID == l.self.ID {
		return StateHeldBySelf, &owner, nil
	}
	if l.clock.Now().Sub(owner.AcquiredAt) > l.staleness {
		return StateStale, &owner, nil
	}
	return StateFresh, &owner, nil
}

// TryAcquire attempts to take the lock once. It returns the state observed
// before acquisition and errHeld-wrapped errors when another owner holds it.
func (l *FileLock) TryAcquire() (State, *Owner, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, owner, err := l.Inspect()
	if err != nil {
		return state, owner, err
	}

	switch state {
	case StateHeldBySelf:
		l.held = true
		return state, owner, nil
	case StateFresh:
		return state, owner, errHeld
	case StateStale:
		if err := l.reclaim(owner); err != nil {
			return state, owner, err
		}
	}

	if err := l.create(); err != nil {
		if errors.Is(err, os.ErrExist) {
			// lost the race to another creator
			_, winner, _ := l.Inspect()
			return StateFresh, winner, errHeld
		}
		return state, owner, err
	}
	l.held = true
	return state, owner, nil
}

// reclaim moves a stale lock aside by atomic rename, then verifies the
// tombstone is the lock that was judged stale.
func (l *FileLock) reclaim(stale *Owner) error {
	tombstone := fmt.Sprintf("%s.stale.%s", l.path, uuid.NewString())
	if err := l.fs.Rename(l.path, tombstone); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return errHeld
	}

	data, err := afero.ReadFile(l.fs, tombstone)
	if err == nil && stale != nil {
		var moved Owner
		if json.Unmarshal(data, &moved) == nil && (moved.ID != stale.ID || !moved.AcquiredAt.Equal(stale.AcquiredAt)) {
			// another instance reclaimed first; put its lock back
			if _, statErr := l.fs.Stat(l.path); errors.Is(statErr, os.ErrNotExist) {
				_ = l.fs.Rename(tombstone, l.path)
			}
			return errChanged
		}
	}
	_ = l.fs.Remove(tombstone)
	return nil
}

func (l *FileLock) create() error {
	if err := l.fs.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return err
	}
	f, err := l.fs.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	l.self.AcquiredAt = l.clock.Now().UTC()
	data, err := json.Marshal(l.self)
	if err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Verify re-reads the lock file and reports whether this owner still holds it.
func (l *FileLock) Verify() (bool, State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, _, err := l.Inspect()
	if err != nil {
		return false, state, err
	}
	ok := l.held && state == StateHeldBySelf
	if !ok {
		l.held = false
	}
	return ok, state, nil
}

// Held reports the last known ownership without touching the filesystem.
func (l *FileLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Release removes the lock file if and only if this owner holds it.
func (l *FileLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return nil
	}
	l.held = false

	state, _, err := l.Inspect()
	if err != nil {
		return err
	}
	if state != StateHeldBySelf {
		return nil
	}
	if err := l.fs.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// IsHeld reports whether err means another owner holds the lock.
func IsHeld(err error) bool {
	return errors.Is(err, errHeld) || errors.Is(err, errChanged)
}
