// Package session leases exclusive, verified access to the one shared
// browser context.
//
// The browser is an externally mutable singleton: a person or another
// process can close or navigate the window at any time. Manager caches the
// last bound context for a short TTL and re-probes it before handing it out
// again; anything that fails the probe is dropped and rediscovered by a full
// scan.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fentz26/cadence/internal/models"
)

// ErrResourceNotFound is returned when no context matching the pattern
// exists even after one materialize-and-rescan attempt.
var ErrResourceNotFound = errors.New("no browser context matches pattern")

// ErrNotFound is returned by a Locator when a scan finds nothing.
var ErrNotFound = errors.New("not found")

// Locator is the automation collaborator the manager drives.
type Locator interface {
	// Locate scans every open context and returns the locator of one whose
	// current address matches pattern, or ErrNotFound.
	Locate(ctx context.Context, pattern string) (string, error)
	// Probe reports whether locator is still open at an address matching pattern.
	Probe(ctx context.Context, locator, pattern string) (bool, error)
	// Bind brings locator to the foreground.
	Bind(ctx context.Context, locator string) error
	// Open directs a default context to address.
	Open(ctx context.Context, address string) error
}

// Config holds manager tuning.
type Config struct {
	TTL         time.Duration `yaml:"ttl"`
	SettleDelay time.Duration `yaml:"settle_delay"`
}

// DefaultConfig returns a 5s freshness window and a 3s settle delay.
func DefaultConfig() Config {
	return Config{TTL: 5 * time.Second, SettleDelay: 3 * time.Second}
}

// Manager hands out at most one valid SessionHandle at a time.
type Manager struct {
	locator Locator
	cfg     Config
	logger  *slog.Logger

	mu         sync.Mutex
	cached     *models.SessionHandle
	generation uint64

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager creates a manager over locator.
func NewManager(locator Locator, cfg Config, logger *slog.Logger) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		locator: locator,
		cfg:     cfg,
		logger:  logger.With("component", "session"),
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// Acquire returns a handle bound to a context matching pattern.
func (m *Manager) Acquire(ctx context.Context, pattern string) (models.SessionHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.fastPath(ctx, pattern); ok {
		return h, nil
	}

	loc, err := m.locator.Locate(ctx, pattern)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return models.SessionHandle{}, fmt.Errorf("scan contexts: %w", err)
	}
	if errors.Is(err, ErrNotFound) {
		address := CanonicalAddress(pattern)
		m.logger.InfoContext(ctx, "no matching context, opening one", "pattern", pattern, "address", address)
		if err := m.locator.Open(ctx, address); err != nil {
			return models.SessionHandle{}, fmt.Errorf("%w: open %s: %v", ErrResourceNotFound, address, err)
		}
		if err := m.sleep(ctx, m.cfg.SettleDelay); err != nil {
			return models.SessionHandle{}, err
		}
		loc, err = m.locator.Locate(ctx, pattern)
		if errors.Is(err, ErrNotFound) {
			return models.SessionHandle{}, fmt.Errorf("%w: %s", ErrResourceNotFound, pattern)
		}
		if err != nil {
			return models.SessionHandle{}, fmt.Errorf("rescan contexts: %w", err)
		}
	}

	if err := m.locator.Bind(ctx, loc); err != nil {
		return models.SessionHandle{}, fmt.Errorf("bind %s: %w", loc, err)
	}
	m.generation++
	h := models.SessionHandle{
		Locator:        loc,
		Pattern:        pattern,
		LastVerifiedAt: m.now(),
		Generation:     m.generation,
	}
	m.cached = &h
	m.logger.DebugContext(ctx, "bound context", "locator", loc, "pattern", pattern, "generation", h.Generation)
	return h, nil
}

// fastPath reuses the cached handle when it is fresh, for the same pattern,
// and still passes a probe. Any miss invalidates the cache.
func (m *Manager) fastPath(ctx context.Context, pattern string) (models.SessionHandle, bool) {
	if m.cached == nil {
		return models.SessionHandle{}, false
	}
	h := *m.cached
	now := m.now()
	if h.Pattern != pattern || now.Sub(h.LastVerifiedAt) >= m.cfg.TTL {
		m.invalidate()
		return models.SessionHandle{}, false
	}
	ok, err := m.locator.Probe(ctx, h.Locator, pattern)
	if err != nil || !ok {
		m.logger.InfoContext(ctx, "cached context drifted, rescanning", "locator", h.Locator, "pattern", pattern, "error", err)
		m.invalidate()
		return models.SessionHandle{}, false
	}
	if err := m.locator.Bind(ctx, h.Locator); err != nil {
		m.invalidate()
		return models.SessionHandle{}, false
	}
	m.cached.LastVerifiedAt = now
	return *m.cached, true
}

// Verify probes handle without touching the cache.
func (m *Manager) Verify(ctx context.Context, h models.SessionHandle) bool {
	ok, err := m.locator.Probe(ctx, h.Locator, h.Pattern)
	return err == nil && ok
}

// Valid reports whether h is the current lease.
func (m *Manager) Valid(h models.SessionHandle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cached != nil && m.cached.Generation == h.Generation
}

// Current returns the cached handle, if any.
func (m *Manager) Current() (models.SessionHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached == nil {
		return models.SessionHandle{}, false
	}
	return *m.cached, true
}

// Clear drops the cached handle unconditionally.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidate()
}

func (m *Manager) invalidate() {
	if m.cached != nil {
		m.generation++
	}
	m.cached = nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
