package metastore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/topicmesh/broker/errs"
	"github.com/topicmesh/broker/internal/metastore"
)

func TestPutCreateThenConflict(t *testing.T) {
	ctx := context.Background()
	s := metastore.NewMemory()

	e, err := s.Put(ctx, "bundles/a", []byte("v1"), "")
	require.NoError(t, err)
	assert.NotEmpty(t, e.Version)

	_, err = s.Put(ctx, "bundles/a", []byte("v2"), "")
	require.Error(t, err)
	assert.Equal(t, errs.KindAlreadyExists, errs.KindOf(err))
}

func TestPutCASSucceedsAndFails(t *testing.T) {
	ctx := context.Background()
	s := metastore.NewMemory()

	created, err := s.Put(ctx, "bundles/a", []byte("v1"), "")
	require.NoError(t, err)

	updated, err := s.Put(ctx, "bundles/a", []byte("v2"), created.Version)
	require.NoError(t, err)
	assert.NotEqual(t, created.Version, updated.Version)

	_, err = s.Put(ctx, "bundles/a", []byte("v3"), created.Version)
	require.Error(t, err)
	assert.Equal(t, errs.KindPreconditionFailed, errs.KindOf(err))
}

func TestDeleteRequiresVersionMatch(t *testing.T) {
	ctx := context.Background()
	s := metastore.NewMemory()
	created, err := s.Put(ctx, "bundles/a", []byte("v1"), "")
	require.NoError(t, err)

	err = s.Delete(ctx, "bundles/a", "wrong-version")
	require.Error(t, err)
	assert.Equal(t, errs.KindPreconditionFailed, errs.KindOf(err))

	err = s.Delete(ctx, "bundles/a", created.Version)
	require.NoError(t, err)

	_, err = s.Get(ctx, "bundles/a")
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestEphemeralLifecycleAndExpiry(t *testing.T) {
	ctx := context.Background()
	s := metastore.NewMemory()

	e, err := s.CreateEphemeral(ctx, "ownership/bundle-1", []byte("owner-a"), 20*time.Millisecond)
	require.NoError(t, err)

	_, err = s.CreateEphemeral(ctx, "ownership/bundle-1", []byte("owner-b"), time.Second)
	require.Error(t, err)
	assert.Equal(t, errs.KindAlreadyExists, errs.KindOf(err))

	renewed, err := s.RenewEphemeral(ctx, "ownership/bundle-1", e.Version, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("owner-a"), renewed.Value)

	time.Sleep(2 * time.Second)
	_, err = s.RenewEphemeral(ctx, "ownership/bundle-1", renewed.Version, nil, time.Second)
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestEphemeralExpiresWithoutRenewal(t *testing.T) {
	ctx := context.Background()
	s := metastore.NewMemory()

	_, err := s.CreateEphemeral(ctx, "ownership/bundle-1", []byte("owner-a"), 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	_, err = s.Get(ctx, "ownership/bundle-1")
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))

	// a fresh claimant can now acquire it.
	_, err = s.CreateEphemeral(ctx, "ownership/bundle-1", []byte("owner-b"), time.Second)
	require.NoError(t, err)
}

func TestListFiltersByPrefix(t *testing.T) {
	ctx := context.Background()
	s := metastore.NewMemory()
	_, _ = s.Put(ctx, "bundles/a", []byte("1"), "")
	_, _ = s.Put(ctx, "bundles/b", []byte("2"), "")
	_, _ = s.Put(ctx, "clusters/a", []byte("3"), "")

	entries, err := s.List(ctx, "bundles/")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestWatchDeliversInitialAndSubsequentEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := metastore.NewMemory()
	_, err := s.Put(ctx, "bundles/a", []byte("1"), "")
	require.NoError(t, err)

	w, err := s.Watch(ctx, "bundles/")
	require.NoError(t, err)
	defer w.Stop()

	initial := <-w.Events()
	assert.Equal(t, metastore.EventPut, initial.Type)
	assert.Equal(t, "bundles/a", initial.Entry.Key)

	_, err = s.Put(ctx, "bundles/b", []byte("2"), "")
	require.NoError(t, err)

	select {
	case ev := <-w.Events():
		assert.Equal(t, "bundles/b", ev.Entry.Key)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for watch event")
	}
}
