package ownership_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/topicmesh/broker/errs"
	"github.com/topicmesh/broker/internal/metastore"
	"github.com/topicmesh/broker/internal/ownership"
)

func newRegistry() *ownership.Registry {
	return ownership.New(metastore.NewMemory(), nil)
}

func TestTryAcquireThenConflict(t *testing.T) {
	ctx := context.Background()
	r := newRegistry()

	claim, err := r.TryAcquire(ctx, "0x0_0x7fffffff", "broker-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "broker-a", claim.Owner)

	_, err = r.TryAcquire(ctx, "0x0_0x7fffffff", "broker-b", time.Minute)
	require.Error(t, err)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))
}

func TestLookupUnownedBundle(t *testing.T) {
	ctx := context.Background()
	r := newRegistry()

	_, err := r.Lookup(ctx, "0x0_0x7fffffff")
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestRenewExtendsClaim(t *testing.T) {
	ctx := context.Background()
	r := newRegistry()

	claim, err := r.TryAcquire(ctx, "b1", "broker-a", 20*time.Millisecond)
	require.NoError(t, err)

	renewed, err := r.Renew(ctx, "b1", claim.Version, time.Minute)
	require.NoError(t, err)
	assert.True(t, renewed.ExpiresAt.After(claim.ExpiresAt))

	time.Sleep(30 * time.Millisecond)
	_, err = r.Lookup(ctx, "b1")
	require.NoError(t, err, "renewed claim should still be live past the original TTL")
}

func TestReleaseFreesTheBundle(t *testing.T) {
	ctx := context.Background()
	r := newRegistry()

	claim, err := r.TryAcquire(ctx, "b1", "broker-a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, r.Release(ctx, "b1", claim.Version))

	other, err := r.TryAcquire(ctx, "b1", "broker-b", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "broker-b", other.Owner)
}

func TestClaimExpiresAndCanBeReacquired(t *testing.T) {
	ctx := context.Background()
	r := newRegistry()

	_, err := r.TryAcquire(ctx, "b1", "broker-a", 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	claim, err := r.TryAcquire(ctx, "b1", "broker-b", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "broker-b", claim.Owner)
}

func TestListReturnsAllLiveClaims(t *testing.T) {
	ctx := context.Background()
	r := newRegistry()
	_, err := r.TryAcquire(ctx, "b1", "broker-a", time.Minute)
	require.NoError(t, err)
	_, err = r.TryAcquire(ctx, "b2", "broker-b", time.Minute)
	require.NoError(t, err)

	claims, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, claims, 2)
}

func TestWatchReportsAcquireAndRelease(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := newRegistry()

	events, stop, err := r.Watch(ctx)
	require.NoError(t, err)
	defer stop()

	claim, err := r.TryAcquire(ctx, "b1", "broker-a", time.Minute)
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, metastore.EventPut, ev.Type)
		assert.Equal(t, "broker-a", ev.Claim.Owner)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for acquire event")
	}

	require.NoError(t, r.Release(ctx, "b1", claim.Version))

	select {
	case ev := <-events:
		assert.Equal(t, metastore.EventDelete, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for release event")
	}
}
