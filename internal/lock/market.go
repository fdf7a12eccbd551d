package lock

import (
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"breakout-trader/internal/clock"
	apperrors "breakout-trader/internal/errors"
)

// Status is a point-in-time view of one market lock.
type Status struct {
	Market string `json:"market"`
	Path   string `json:"path"`
	State  State  `json:"state"`
	Owner  *Owner `json:"owner,omitempty"`
	Held   bool   `json:"held"`
}

// MarketLocks guards the canonical markets owned by one process. Locks are
// scoped to the canonical market, never to an execution identity.
type MarketLocks struct {
	fs        afero.Fs
	dir       string
	ownerID   string
	staleness time.Duration
	clock     clock.Clock
	logger    zerolog.Logger

	locks map[string]*FileLock
}

// NewMarketLocks creates a lock set rooted at dir with a fresh owner id.
func NewMarketLocks(fs afero.Fs, dir string, staleness time.Duration, clk clock.Clock, logger zerolog.Logger) *MarketLocks {
	return &MarketLocks{
		fs:        fs,
		dir:       dir,
		ownerID:   uuid.NewString(),
		staleness: staleness,
		clock:     clk,
		logger:    logger.With().Str("component", "market_lock").Logger(),
		locks:     make(map[string]*FileLock),
	}
}

// OwnerID returns this process's lock owner id.
func (m *MarketLocks) OwnerID() string {
	return m.ownerID
}

// PathFor returns the lock file of a canonical market.
func PathFor(dir, market string) string {
	return filepath.Join(dir, strings.ToUpper(market)+".lock")
}

func (m *MarketLocks) lockFor(market string) *FileLock {
	market = strings.ToUpper(market)
	if l, ok := m.locks[market]; ok {
		return l
	}
	l := NewFileLock(m.fs, PathFor(m.dir, market), m.ownerID, m.staleness, m.clock)
	m.locks[market] = l
	return l
}

// Acquire takes the lock of one canonical market. A fresh lock held by
// another owner fails closed.
func (m *MarketLocks) Acquire(market string) error {
	market = strings.ToUpper(market)
	l := m.lockFor(market)

	state, owner, err := l.TryAcquire()
	ownerID := ""
	if owner != nil {
		ownerID = owner.ID
	}
	if err != nil {
		if IsHeld(err) {
			m.logger.Error().Str("market", market).Str("state", string(state)).Str("owner", ownerID).Msg("Market lock held by another instance")
			return apperrors.NewLockError(market, string(state), ownerID, apperrors.ErrLockHeld)
		}
		return apperrors.NewLockError(market, string(state), ownerID, err)
	}

	if state == StateStale {
		m.logger.Warn().Str("market", market).Str("previous_owner", ownerID).Msg("Reclaimed stale market lock")
	} else {
		m.logger.Info().Str("market", market).Str("owner", m.ownerID).Msg("Market lock acquired")
	}
	return nil
}

// AcquireAll takes every market lock or none: on the first failure all locks
// taken so far are released.
func (m *MarketLocks) AcquireAll(markets []string) error {
	sorted := append([]string(nil), markets...)
	sort.Strings(sorted)
	for _, market := range sorted {
		if err := m.Acquire(market); err != nil {
			if rerr := m.ReleaseAll(); rerr != nil {
				err = apperrors.Append(err, rerr)
			}
			return err
		}
	}
	return nil
}

// Verify re-reads every held lock. It returns the markets whose ownership was lost.
func (m *MarketLocks) Verify() ([]string, error) {
	var lost []string
	var errs error
	for _, market := range m.markets() {
		l := m.locks[market]
		if !l.Held() {
			lost = append(lost, market)
			continue
		}
		ok, state, err := l.Verify()
		if err != nil {
			errs = apperrors.Append(errs, apperrors.NewLockError(market, string(state), "", err))
			continue
		}
		if !ok {
			m.logger.Error().Str("market", market).Str("state", string(state)).Msg("Market lock lost")
			lost = append(lost, market)
		}
	}
	return lost, errs
}

// HeldAll reports whether every registered market lock is held.
func (m *MarketLocks) HeldAll() bool {
	if len(m.locks) == 0 {
		return false
	}
	for _, l := range m.locks {
		if !l.Held() {
			return false
		}
	}
	return true
}

// Held reports whether this process holds the lock of market.
func (m *MarketLocks) Held(market string) bool {
	l, ok := m.locks[strings.ToUpper(market)]
	return ok && l.Held()
}

// ReleaseAll removes every lock this process owns.
func (m *MarketLocks) ReleaseAll() error {
	var errs error
	for _, market := range m.markets() {
		if err := m.locks[market].Release(); err != nil {
			errs = apperrors.Append(errs, apperrors.NewLockError(market, "", m.ownerID, err))
			continue
		}
	}
	return errs
}

// Status inspects the lock file of each market without taking it.
func (m *MarketLocks) Status(markets []string) ([]Status, error) {
	out := make([]Status, 0, len(markets))
	for _, market := range markets {
		market = strings.ToUpper(market)
		l := m.lockFor(market)
		state, owner, err := l.Inspect()
		if err != nil {
			return nil, err
		}
		out = append(out, Status{Market: market, Path: l.Path(), State: state, Owner: owner, Held: l.Held()})
	}
	return out, nil
}

func (m *MarketLocks) markets() []string {
	out := make([]string, 0, len(m.locks))
	for market := range m.locks {
		out = append(out, market)
	}
	sort.Strings(out)
	return out
}
