package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newTestLedger(t *testing.T, opts Options) (*Ledger, *fakeClock) {
	t.Helper()
	store, err := OpenBadger(InMemoryBadgerConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := &fakeClock{now: time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)}
	opts.Clock = clock.Now
	l, err := New(store, opts)
	require.NoError(t, err)
	return l, clock
}

func windowOf(t *testing.T, ws []WindowStatus, kind WindowKind) WindowStatus {
	t.Helper()
	for _, w := range ws {
		if w.Kind == kind {
			return w
		}
	}
	t.Fatalf("window %s not present in %+v", kind, ws)
	return WindowStatus{}
}

func TestFreeTierDailyLimit(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, Options{})

	for i := 0; i < 5; i++ {
		d, err := l.Consume(ctx, "alice", TierFree, 1)
		require.NoError(t, err)
		require.True(t, d.Allowed, "consumption %d", i+1)
	}
	d, err := l.Consume(ctx, "alice", TierFree, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, WindowDaily, d.DeniedBy)

	usage, err := l.Status(ctx, "alice", TierFree)
	require.NoError(t, err)
	assert.Equal(t, 0, windowOf(t, usage.Windows, WindowDaily).Remaining)
	assert.Equal(t, 45, windowOf(t, usage.Windows, WindowMonthly).Remaining)
	assert.Equal(t, 0, usage.Effective)
}

func TestDailyDeniedBeforeMonthlyTouched(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, Options{Limits: Limits{FreeDaily: 1, FreeMonthly: 10}})

	_, err := l.Consume(ctx, "bob", TierFree, 1)
	require.NoError(t, err)
	d, err := l.Consume(ctx, "bob", TierFree, 1)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	assert.Equal(t, WindowDaily, d.DeniedBy)

	usage, err := l.Status(ctx, "bob", TierFree)
	require.NoError(t, err)
	assert.Equal(t, 9, windowOf(t, usage.Windows, WindowMonthly).Remaining)
}

func TestMonthlyDenialKeepsDailyDecrement(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, Options{Limits: Limits{FreeDaily: 5, FreeMonthly: 2}})

	for i := 0; i < 2; i++ {
		d, err := l.Consume(ctx, "carol", TierFree, 1)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := l.Consume(ctx, "carol", TierFree, 1)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	assert.Equal(t, WindowMonthly, d.DeniedBy)

	usage, err := l.Status(ctx, "carol", TierFree)
	require.NoError(t, err)
	assert.Equal(t, 2, windowOf(t, usage.Windows, WindowDaily).Remaining)
	assert.Equal(t, 0, windowOf(t, usage.Windows, WindowMonthly).Remaining)
}

func TestTwoPhaseDoesNotWasteDaily(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, Options{Limits: Limits{FreeDaily: 5, FreeMonthly: 2}, TwoPhase: true})

	for i := 0; i < 2; i++ {
		_, err := l.Consume(ctx, "dave", TierFree, 1)
		require.NoError(t, err)
	}
	d, err := l.Consume(ctx, "dave", TierFree, 1)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	assert.Equal(t, WindowMonthly, d.DeniedBy)

	usage, err := l.Status(ctx, "dave", TierFree)
	require.NoError(t, err)
	assert.Equal(t, 3, windowOf(t, usage.Windows, WindowDaily).Remaining)
}

func TestDayRolloverUsesReferenceTimezone(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestLedger(t, Options{Limits: Limits{FreeDaily: 1}})

	// 23:30 in Cairo (UTC+2 in January).
	clock.Set(time.Date(2026, 1, 15, 21, 30, 0, 0, time.UTC))
	d, err := l.Consume(ctx, "erin", TierFree, 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = l.Consume(ctx, "erin", TierFree, 1)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	// 00:30 on the 16th in Cairo, still the 15th in UTC.
	clock.Set(time.Date(2026, 1, 15, 22, 30, 0, 0, time.UTC))
	d, err = l.Consume(ctx, "erin", TierFree, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	usage, err := l.Status(ctx, "erin", TierFree)
	require.NoError(t, err)
	assert.Equal(t, 48, windowOf(t, usage.Windows, WindowMonthly).Remaining)
}

func TestConsumptionAfterExpiryStartsFreshWindow(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestLedger(t, Options{})

	require.NoError(t, l.Grant(ctx, "frank", 1))
	d, err := l.Consume(ctx, "frank", TierPaid, 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	expiresAt := d.Windows[0].ExpiresAt

	d, err = l.Consume(ctx, "frank", TierPaid, 1)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	clock.Set(expiresAt.Add(time.Nanosecond))
	d, err = l.Consume(ctx, "frank", TierPaid, 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	assert.Equal(t, 100, d.Windows[0].Limit)
	assert.Equal(t, 99, d.Windows[0].Remaining)
}

func TestPaidTierMonthlyOnly(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, Options{Limits: Limits{PaidMonthly: 3}})

	for i := 0; i < 3; i++ {
		d, err := l.Consume(ctx, "gina", TierPaid, 1)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := l.Consume(ctx, "gina", TierPaid, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, WindowMonthly, d.DeniedBy)

	usage, err := l.Status(ctx, "gina", TierPaid)
	require.NoError(t, err)
	require.Len(t, usage.Windows, 1)
	assert.Equal(t, 0, usage.Effective)
}

func TestGrantThenStatus(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, Options{})

	_, err := l.Consume(ctx, "hank", TierFree, 1)
	require.NoError(t, err)
	require.NoError(t, l.Grant(ctx, "hank", 20))

	for _, tier := range []Tier{TierFree, TierPaid} {
		usage, err := l.Status(ctx, "hank", tier)
		require.NoError(t, err)
		for _, w := range usage.Windows {
			assert.Equal(t, 20, w.Remaining, "%s/%s", tier, w.Kind)
			assert.Equal(t, 20, w.Limit, "%s/%s", tier, w.Kind)
		}
	}
}

func TestAdjust(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, Options{})

	require.NoError(t, l.Adjust(ctx, "ivy", AdjustSubtract, 3))
	usage, err := l.Status(ctx, "ivy", TierPaid)
	require.NoError(t, err)
	assert.Equal(t, 0, usage.Effective)

	require.NoError(t, l.Adjust(ctx, "ivy", AdjustAdd, 4))
	require.NoError(t, l.Adjust(ctx, "ivy", AdjustAdd, 2))
	usage, err = l.Status(ctx, "ivy", TierPaid)
	require.NoError(t, err)
	assert.Equal(t, 6, usage.Windows[0].Remaining)
	assert.Equal(t, 6, usage.Windows[0].Limit)

	require.NoError(t, l.Adjust(ctx, "ivy", AdjustSubtract, 10))
	usage, err = l.Status(ctx, "ivy", TierFree)
	require.NoError(t, err)
	assert.Equal(t, 0, usage.Effective)

	require.NoError(t, l.Adjust(ctx, "ivy", AdjustSet, 7))
	usage, err = l.Status(ctx, "ivy", TierFree)
	require.NoError(t, err)
	assert.Equal(t, 7, usage.Effective)

	require.Error(t, l.Adjust(ctx, "ivy", AdjustOp("multiply"), 2))
}

func TestStatusDoesNotWrite(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, Options{})

	usage, err := l.Status(ctx, "jade", TierFree)
	require.NoError(t, err)
	assert.Equal(t, 5, usage.Effective)

	records, err := l.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestListDecodesKeys(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, Options{})

	_, err := l.Consume(ctx, "user/with slash", TierFree, 1)
	require.NoError(t, err)
	_, err = l.Consume(ctx, "other", TierPaid, 1)
	require.NoError(t, err)

	records, err := l.List(ctx, "user/with slash")
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, r := range records {
		assert.Equal(t, "user/with slash", r.Identity)
		assert.Equal(t, TierFree, r.Tier)
	}
	all, err := l.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestConcurrentConsumeNeverOverdraws(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, Options{Limits: Limits{PaidMonthly: 10}})

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Consume(ctx, "kate", TierPaid, 1)
			if assert.NoError(t, err) && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(10), allowed.Load())

	usage, err := l.Status(ctx, "kate", TierPaid)
	require.NoError(t, err)
	assert.Equal(t, 0, usage.Effective)
}

type brokenStore struct{ Store }

var errDiskGone = errors.New("disk gone")

func (brokenStore) Get(context.Context, string) (Window, bool, error) {
	return Window{}, false, errDiskGone
}

func (brokenStore) Update(context.Context, func(Txn) error) error { return errDiskGone }

func TestStorageFailureIsNotADenial(t *testing.T) {
	l, err := New(brokenStore{}, Options{})
	require.NoError(t, err)

	d, err := l.Consume(context.Background(), "leo", TierFree, 1)
	require.ErrorIs(t, err, errDiskGone)
	assert.False(t, d.Allowed)
	assert.Empty(t, d.DeniedBy)

	_, err = l.Status(context.Background(), "leo", TierFree)
	require.ErrorIs(t, err, errDiskGone)
}

func TestConsumeValidatesInput(t *testing.T) {
	l, _ := newTestLedger(t, Options{})
	_, err := l.Consume(context.Background(), " ", TierFree, 1)
	require.Error(t, err)
	_, err = l.Consume(context.Background(), "x", TierFree, 0)
	require.Error(t, err)
}

func TestParseTier(t *testing.T) {
	assert.Equal(t, TierPaid, ParseTier("pro"))
	assert.Equal(t, TierPaid, ParseTier("PAID"))
	assert.Equal(t, TierFree, ParseTier(""))
	assert.Equal(t, TierFree, ParseTier("enterprise-trial"))
}
