package clients

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTouchAssignsIDAndFocus(t *testing.T) {
	r := NewRegistry()

	first := r.Touch("", "http://localhost:8090/", "simplecrew-v1")
	require.NotEmpty(t, first.ID)
	assert.True(t, first.Focused)
	assert.Equal(t, "simplecrew-v1", first.Controller)

	second := r.Touch("tab-2", "http://localhost:8090/pockets", "")
	assert.True(t, second.Focused)
	assert.Empty(t, second.Controller)

	got, ok := r.Get(first.ID)
	require.True(t, ok)
	assert.False(t, got.Focused)
	assert.Equal(t, 2, r.Len())
}

func TestTouchKeepsControllerWhenUncontrolledNavigation(t *testing.T) {
	r := NewRegistry()
	r.Touch("tab-1", "http://localhost/", "simplecrew-v1")
	again := r.Touch("tab-1", "http://localhost/savings", "")

	assert.Equal(t, "simplecrew-v1", again.Controller)
	assert.Equal(t, "http://localhost/savings", again.URL)
}

func TestClaimControlsEveryClient(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	r.Touch("tab-1", "http://localhost/", "simplecrew-v1")
	r.Touch("tab-2", "http://localhost/", "")

	n, err := r.Claim(ctx, "simplecrew-v2")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	all, err := r.MatchAll(ctx)
	require.NoError(t, err)
	for _, c := range all {
		assert.Equal(t, "simplecrew-v2", c.Controller, c.ID)
	}
}

func TestMatchAllOrdersByLastSeen(t *testing.T) {
	r := NewRegistry()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	r.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	r.Touch("old", "http://localhost/", "")
	r.Touch("new", "http://localhost/", "")

	all, err := r.MatchAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "new", all[0].ID)
}

func TestFocusUnknownClient(t *testing.T) {
	_, err := NewRegistry().Focus(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownClient)
}

func TestOpenWindowCreatesFocusedClient(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	r.Touch("tab-1", "http://localhost/", "")

	opened, err := r.OpenWindow(ctx, "http://localhost/", "simplecrew-v1")
	require.NoError(t, err)
	assert.True(t, opened.Focused)
	assert.NotEqual(t, "tab-1", opened.ID)

	old, _ := r.Get("tab-1")
	assert.False(t, old.Focused)
}

func TestTouchEvictsOldestBeyondMaxClients(t *testing.T) {
	r := NewRegistryWithLimits(Limits{MaxClients: 100})
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	r.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}

	first := r.Touch("", "http://localhost:8090/", "")
	for i := 0; i < 10000; i++ {
		r.Touch("", "http://localhost:8090/", "")
	}
	assert.Equal(t, 100, r.Len())

	_, ok := r.Get(first.ID)
	assert.False(t, ok, "oldest client should be evicted")

	latest := r.Touch("tab-latest", "http://localhost:8090/pockets", "simplecrew-v1")
	got, ok := r.Get(latest.ID)
	require.True(t, ok)
	assert.True(t, got.Focused)
	assert.Equal(t, 100, r.Len())
}

func TestIdleClientsArePruned(t *testing.T) {
	ctx := context.Background()
	r := NewRegistryWithLimits(Limits{IdleTTL: time.Hour})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	r.Touch("closed-tab", "http://localhost:8090/", "simplecrew-v1")
	now = now.Add(30 * time.Minute)
	r.Touch("open-tab", "http://localhost:8090/savings", "simplecrew-v1")
	now = now.Add(45 * time.Minute)

	all, err := r.MatchAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "open-tab", all[0].ID)

	n, err := r.Claim(ctx, "simplecrew-v2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	now = now.Add(2 * time.Hour)
	revived := r.Touch("closed-tab", "http://localhost:8090/", "")
	assert.Equal(t, "closed-tab", revived.ID)
	assert.Equal(t, 1, r.Len())
}
