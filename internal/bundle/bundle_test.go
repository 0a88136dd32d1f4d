package bundle_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/topicmesh/broker/internal/bundle"
	"github.com/topicmesh/broker/internal/metastore"
	"github.com/topicmesh/broker/internal/ownership"
	"github.com/topicmesh/broker/internal/ring"
)

func newManager() (*bundle.Manager, *ownership.Registry) {
	m, reg, _ := newManagerWithStore()
	return m, reg
}

func newManagerWithStore() (*bundle.Manager, *ownership.Registry, metastore.Store) {
	store := metastore.NewMemory()
	reg := ownership.New(store, nil)
	return bundle.New(store, reg, nil), reg, store
}

func TestTransitionDefaultsToStable(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager()
	rec, err := m.Transition(ctx, "0x0_0x7fffffff")
	require.NoError(t, err)
	assert.Equal(t, bundle.StateStable, rec.State)
}

func TestUnloadReleasesClaimAndClearsRecord(t *testing.T) {
	ctx := context.Background()
	m, reg := newManager()

	claim, err := reg.TryAcquire(ctx, "0x0_0x7fffffff", "broker-a", time.Minute)
	require.NoError(t, err)

	require.NoError(t, m.Unload(ctx, "0x0_0x7fffffff", claim.Version))

	_, err = reg.Lookup(ctx, "0x0_0x7fffffff")
	require.Error(t, err)

	rec, err := m.Transition(ctx, "0x0_0x7fffffff")
	require.NoError(t, err)
	assert.Equal(t, bundle.StateStable, rec.State)
}

func TestSplitRecordsSubBundlesAndReleasesParent(t *testing.T) {
	ctx := context.Background()
	m, reg := newManager()

	parent := ring.Bundle{Lo: 0, Hi: 100}
	claim, err := reg.TryAcquire(ctx, parent.Name(), "broker-a", time.Minute)
	require.NoError(t, err)

	lower, upper, err := m.Split(ctx, "tenant/ns", parent, claim.Version)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), lower.Lo)
	assert.Equal(t, uint32(50), upper.Lo)

	_, err = reg.Lookup(ctx, parent.Name())
	require.Error(t, err, "parent claim should be released after split")

	rec, err := m.Transition(ctx, parent.Name())
	require.NoError(t, err)
	assert.Equal(t, bundle.StateSplitting, rec.State)
	assert.Equal(t, lower.Name(), rec.SubLower)
	assert.Equal(t, upper.Name(), rec.SubUpper)
}

func TestResolveRedirectPicksCorrectSubBundle(t *testing.T) {
	ctx := context.Background()
	m, reg := newManager()

	parent := ring.Bundle{Lo: 0, Hi: 100}
	claim, err := reg.TryAcquire(ctx, parent.Name(), "broker-a", time.Minute)
	require.NoError(t, err)

	_, _, err = m.Split(ctx, "tenant/ns", parent, claim.Version)
	require.NoError(t, err)

	redirectLow, ok, err := m.ResolveRedirect(ctx, parent.Name(), 10)
	require.NoError(t, err)
	assert.True(t, ok)

	redirectHigh, ok, err := m.ResolveRedirect(ctx, parent.Name(), 75)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.NotEqual(t, redirectLow, redirectHigh)
}

// TestResolveRedirectComposesAcrossRepeatedSplits covers splitting an
// already-split sub-bundle again: resolution for the original parent's
// hash range must chase the chain down to the correct grandchild leaf
// bundle rather than stopping at the once-split child.
func TestResolveRedirectComposesAcrossRepeatedSplits(t *testing.T) {
	ctx := context.Background()
	m, reg := newManager()

	parent := ring.Bundle{Lo: 0, Hi: 100}
	claim, err := reg.TryAcquire(ctx, parent.Name(), "broker-a", time.Minute)
	require.NoError(t, err)
	_, upper, err := m.Split(ctx, "tenant/ns", parent, claim.Version)
	require.NoError(t, err)
	assert.Equal(t, uint32(50), upper.Lo)

	// Split the upper sub-bundle again.
	upperClaim, err := reg.TryAcquire(ctx, upper.Name(), "broker-b", time.Minute)
	require.NoError(t, err)
	lower2, upper2, err := m.Split(ctx, "tenant/ns", upper, upperClaim.Version)
	require.NoError(t, err)
	assert.Equal(t, uint32(75), upper2.Lo)

	// A hash that falls in the original parent's upper half, and the
	// grandchild upper half, must resolve all the way down to upper2.
	redirect, ok, err := m.ResolveRedirect(ctx, parent.Name(), 90)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, upper2.Name(), redirect)

	// A hash in the once-split grandchild's lower half resolves to lower2,
	// not to the stale once-split upper bundle.
	redirect, ok, err = m.ResolveRedirect(ctx, parent.Name(), 60)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, lower2.Name(), redirect)
}

// TestSplitInsertsBoundaryIntoNamespaceDescriptor covers the CAS update
// of the namespace bundles descriptor: once a descriptor exists for the
// namespace, Split must insert the new midpoint boundary into it rather
// than leaving it to the parallel transition record alone.
func TestSplitInsertsBoundaryIntoNamespaceDescriptor(t *testing.T) {
	ctx := context.Background()
	m, reg, store := newManagerWithStore()

	_, err := store.Put(ctx, "bundle-config/tenant/ns", []byte("0,4294967295"), "")
	require.NoError(t, err)

	parent := ring.Bundle{Lo: 0, Hi: 100}
	claim, err := reg.TryAcquire(ctx, parent.Name(), "broker-a", time.Minute)
	require.NoError(t, err)

	_, upper, err := m.Split(ctx, "tenant/ns", parent, claim.Version)
	require.NoError(t, err)

	entry, err := store.Get(ctx, "bundle-config/tenant/ns")
	require.NoError(t, err)
	assert.Contains(t, string(entry.Value), "50")
	assert.Equal(t, uint32(50), upper.Lo)
}

func TestResolveRedirectFalseWhenStable(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager()
	_, ok, err := m.ResolveRedirect(ctx, "0x0_0x7fffffff", 10)
	require.NoError(t, err)
	assert.False(t, ok)
}
