package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBrowser is an in-memory set of tabs keyed by locator.
type fakeBrowser struct {
	tabs       map[string]string // locator -> address
	order      []string
	openTarget string // "ignore" makes Open a no-op
	locates    int
	probes     int
	binds      []string
	opened     []string
	next       int
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{tabs: make(map[string]string)}
}

func (f *fakeBrowser) add(id, address string) {
	f.tabs[id] = address
	f.order = append(f.order, id)
}

func (f *fakeBrowser) Locate(ctx context.Context, pattern string) (string, error) {
	f.locates++
	for _, id := range f.order {
		if addr, ok := f.tabs[id]; ok && MatchAddress(addr, pattern) {
			return id, nil
		}
	}
	return "", ErrNotFound
}

func (f *fakeBrowser) Probe(ctx context.Context, locator, pattern string) (bool, error) {
	f.probes++
	addr, ok := f.tabs[locator]
	return ok && MatchAddress(addr, pattern), nil
}

func (f *fakeBrowser) Bind(ctx context.Context, locator string) error {
	if _, ok := f.tabs[locator]; !ok {
		return errors.New("no such tab")
	}
	f.binds = append(f.binds, locator)
	return nil
}

func (f *fakeBrowser) Open(ctx context.Context, address string) error {
	f.opened = append(f.opened, address)
	if f.openTarget == "ignore" {
		return nil
	}
	f.next++
	f.add("opened-"+string(rune('0'+f.next)), address)
	return nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time           { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager(t *testing.T, b *fakeBrowser) (*Manager, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, time.October, 21, 12, 0, 0, 0, time.UTC)}
	m := NewManager(b, Config{TTL: 5 * time.Second}, nil)
	m.now = c.now
	m.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return m, c
}

func TestAcquire_FullScanFindsExistingContext(t *testing.T) {
	b := newFakeBrowser()
	b.add("tab-1", "https://news.test/today")
	b.add("tab-2", "https://www.example.com/feed")
	m, _ := newTestManager(t, b)

	h, err := m.Acquire(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, "tab-2", h.Locator)
	assert.Equal(t, "example.com", h.Pattern)
	assert.Equal(t, []string{"tab-2"}, b.binds)
	assert.True(t, m.Valid(h))
}

func TestAcquire_FastPathWithinTTL(t *testing.T) {
	b := newFakeBrowser()
	b.add("tab-1", "https://example.com/")
	m, c := newTestManager(t, b)

	h1, err := m.Acquire(context.Background(), "example.com")
	require.NoError(t, err)
	require.Equal(t, 1, b.locates)

	c.advance(2 * time.Second)
	h2, err := m.Acquire(context.Background(), "example.com")
	require.NoError(t, err)

	assert.Equal(t, 1, b.locates, "fast path must not rescan")
	assert.Equal(t, 1, b.probes)
	assert.Equal(t, h1.Generation, h2.Generation)
	assert.Equal(t, c.t, h2.LastVerifiedAt)
}

func TestAcquire_FastPathProbeFailureRescans(t *testing.T) {
	b := newFakeBrowser()
	b.add("tab-1", "https://example.com/")
	b.add("tab-2", "https://example.com/inbox")
	m, c := newTestManager(t, b)

	h1, err := m.Acquire(context.Background(), "example.com")
	require.NoError(t, err)
	require.Equal(t, "tab-1", h1.Locator)

	// Someone navigated tab-1 away.
	b.tabs["tab-1"] = "https://elsewhere.test/"
	c.advance(time.Second)

	h2, err := m.Acquire(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, "tab-2", h2.Locator)
	assert.Equal(t, 2, b.locates)
	assert.False(t, m.Valid(h1), "stale handle must be invalidated")
	assert.True(t, m.Valid(h2))
}

func TestVerify_ExpiredDriftedHandleForcesFullScan(t *testing.T) {
	b := newFakeBrowser()
	b.add("tab-1", "https://example.com/")
	m, c := newTestManager(t, b)

	h, err := m.Acquire(context.Background(), "example.com")
	require.NoError(t, err)

	c.advance(10 * time.Second)
	b.tabs["tab-1"] = "https://other.test/"
	assert.False(t, m.Verify(context.Background(), h))
	assert.True(t, m.Valid(h), "Verify must not mutate the cache")

	b.add("tab-9", "https://example.com/home")
	h2, err := m.Acquire(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, "tab-9", h2.Locator)
	assert.Equal(t, 2, b.locates)
	assert.False(t, m.Valid(h))
}

func TestAcquire_PatternChangeInvalidatesCache(t *testing.T) {
	b := newFakeBrowser()
	b.add("tab-1", "https://example.com/")
	b.add("tab-2", "https://other.test/")
	m, _ := newTestManager(t, b)

	h1, err := m.Acquire(context.Background(), "example.com")
	require.NoError(t, err)
	h2, err := m.Acquire(context.Background(), "other.test")
	require.NoError(t, err)

	assert.Equal(t, "tab-2", h2.Locator)
	assert.False(t, m.Valid(h1))
	assert.True(t, m.Valid(h2))
}

func TestAcquire_MaterializesAndRescansOnce(t *testing.T) {
	b := newFakeBrowser()
	b.add("tab-1", "about:blank")
	m, _ := newTestManager(t, b)

	h, err := m.Acquire(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com"}, b.opened)
	assert.Equal(t, 2, b.locates)
	assert.True(t, MatchAddress(b.tabs[h.Locator], "example.com"))
}

func TestAcquire_NotFoundAfterMaterialize(t *testing.T) {
	b := newFakeBrowser()
	b.openTarget = "ignore"
	m, _ := newTestManager(t, b)

	_, err := m.Acquire(context.Background(), "example.com")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrResourceNotFound))
	assert.Equal(t, 2, b.locates, "rescan exactly once")
	assert.Len(t, b.opened, 1)
}

func TestClear_DropsHandle(t *testing.T) {
	b := newFakeBrowser()
	b.add("tab-1", "https://example.com/")
	m, _ := newTestManager(t, b)

	h, err := m.Acquire(context.Background(), "example.com")
	require.NoError(t, err)
	m.Clear()

	assert.False(t, m.Valid(h))
	_, ok := m.Current()
	assert.False(t, ok)

	_, err = m.Acquire(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, b.locates)
}

func TestMatchAddress(t *testing.T) {
	cases := []struct {
		address, pattern string
		want             bool
	}{
		{"https://example.com/", "example.com", true},
		{"https://www.example.com/in/jane", "example.com/in/", true},
		{"https://www.example.com/feed", "example.com/in/", false},
		{"https://notexample.com/", "example.com", false},
		{"about:blank", "example.com", false},
		{"https://EXAMPLE.com/x", "https://example.com", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MatchAddress(tc.address, tc.pattern), "%s vs %s", tc.address, tc.pattern)
	}
}
