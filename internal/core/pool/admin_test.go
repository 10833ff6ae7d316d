package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/keyproxy/internal/core/domain"
)

func TestParseKeyList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a", []string{"a"}},
		{"a,b c\nd\r\n\te,,", []string{"a", "b", "c", "d", "e"}},
		{"  , \n ", nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseKeyList(tt.in), "ParseKeyList(%q)", tt.in)
	}
}

func TestAdd(t *testing.T) {
	ctx := context.Background()
	p, _, clock := newTestPool(t, DefaultConfig())

	require.NoError(t, p.Add(ctx, "AIzaKEY1"))
	assert.ErrorIs(t, p.Add(ctx, "AIzaKEY1"), ErrKeyExists)
	assert.ErrorIs(t, p.Add(ctx, ""), ErrInvalidKey)
	assert.ErrorIs(t, p.Add(ctx, "two words"), ErrInvalidKey)

	c, err := p.Get(ctx, "AIzaKEY1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAvailable, c.Status)
	assert.Equal(t, 1.0, c.HealthScore)
	assert.Equal(t, domain.ReasonInitial, c.Reason)
	assert.True(t, c.CreatedAt.Equal(clock.Now()))
	assert.Nil(t, c.QuotaRemaining)
	assert.Nil(t, c.LastUsedAt)
}

func TestBulkAdd(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestPool(t, DefaultConfig(), "existing")

	res, err := p.BulkAdd(ctx, ParseKeyList("k1, k2\nexisting k1\n"))
	require.NoError(t, err)
	assert.Equal(t, BulkResult{Added: 2, Duplicate: 2}, res)

	res, err = p.BulkAdd(ctx, []string{"k3", "", "bad\tkey"})
	require.NoError(t, err)
	assert.Equal(t, BulkResult{Added: 1, Invalid: 2}, res)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestPool(t, DefaultConfig(), "k1")

	_, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Delete(ctx, "k1"), "delete works whatever the status")

	_, err = p.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.ErrorIs(t, p.Delete(ctx, "k1"), ErrKeyNotFound)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestPool(t, DefaultConfig(), "k1", "k2", "k3")

	c, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, p.UpdateKey(ctx, c.ID, Outcome{Code: 401, Next: domain.StatusDisabled, Reason: domain.ReasonInvalidAuth}))

	all, err := p.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, domain.StatusAvailable, all[0].Status)
	assert.Equal(t, domain.StatusAvailable, all[1].Status)
	assert.Equal(t, domain.StatusDisabled, all[2].Status)
	assert.Equal(t, c.ID, all[2].ID)

	counts, err := p.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[domain.StatusAvailable])
	assert.Equal(t, 1, counts[domain.StatusDisabled])
	assert.Equal(t, 0, counts[domain.StatusInUse])
}

func TestReactivate(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestPool(t, DefaultConfig(), "k1")

	c, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, p.Reactivate(ctx, "k1"), ErrInvalidTransition, "in-use keys stay locked")

	require.NoError(t, p.UpdateKey(ctx, c.ID, Outcome{Code: 400, Next: domain.StatusDisabled, Reason: domain.ReasonBadRequest}))
	require.NoError(t, p.Reactivate(ctx, "k1"))

	got, err := p.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAvailable, got.Status)
	assert.Equal(t, domain.ReasonManualReactivate, got.Reason)
	assert.Equal(t, ReactivatedHealth, got.HealthScore)

	require.NoError(t, p.Reactivate(ctx, "k1"), "reactivating an available key is a no-op")
	assert.ErrorIs(t, p.Reactivate(ctx, "ghost"), ErrKeyNotFound)
}

func TestReactivate_ClearsCooldown(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestPool(t, DefaultConfig(), "k1")

	c, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, p.UpdateKey(ctx, c.ID, Outcome{Code: 429, Next: domain.StatusCoolingDown, Cooldown: time.Hour}))
	require.NoError(t, p.Reactivate(ctx, "k1"))

	got, err := p.GetBestKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, "k1", got.ID)
	assert.Nil(t, got.CooldownUntil)
}

func TestSummarizeMasksKeys(t *testing.T) {
	ctx := context.Background()
	p, _, clock := newTestPool(t, DefaultConfig(), "AIzaSyABCDEF1234")

	c, err := p.Get(ctx, "AIzaSyABCDEF1234")
	require.NoError(t, err)
	assert.Equal(t, "...1234", c.Summarize(clock.Now(), false).Key)
	assert.Equal(t, "AIzaSyABCDEF1234", c.Summarize(clock.Now(), true).Key)
}
