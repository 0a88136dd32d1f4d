package metastore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	k8sfake "k8s.io/client-go/kubernetes/fake"

	"github.com/topicmesh/broker/errs"
	"github.com/topicmesh/broker/internal/metastore"
)

func TestKubernetesStorePutGetDelete(t *testing.T) {
	client := k8sfake.NewSimpleClientset()
	s := metastore.NewKubernetes(client, "topicmesh")
	ctx := context.Background()

	created, err := s.Put(ctx, "bundles/tenant/cluster-a/ns1", []byte("payload"), "")
	require.NoError(t, err)
	assert.Equal(t, "bundles/tenant/cluster-a/ns1", created.Key)

	got, err := s.Get(ctx, "bundles/tenant/cluster-a/ns1")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got.Value)

	_, err = s.Put(ctx, "bundles/tenant/cluster-a/ns1", []byte("x"), "")
	require.Error(t, err)
	assert.Equal(t, errs.KindAlreadyExists, errs.KindOf(err))

	updated, err := s.Put(ctx, "bundles/tenant/cluster-a/ns1", []byte("payload2"), created.Version)
	require.NoError(t, err)
	assert.NotEqual(t, created.Version, updated.Version)

	err = s.Delete(ctx, "bundles/tenant/cluster-a/ns1", "stale-version")
	require.Error(t, err)
	assert.Equal(t, errs.KindPreconditionFailed, errs.KindOf(err))

	require.NoError(t, s.Delete(ctx, "bundles/tenant/cluster-a/ns1", updated.Version))

	_, err = s.Get(ctx, "bundles/tenant/cluster-a/ns1")
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestKubernetesStoreEphemeralLease(t *testing.T) {
	client := k8sfake.NewSimpleClientset()
	s := metastore.NewKubernetes(client, "topicmesh")
	ctx := context.Background()

	e, err := s.CreateEphemeral(ctx, "ownership/0x0_0x7fffffff", []byte("broker-1"), time.Minute)
	require.NoError(t, err)
	assert.True(t, e.Ephemeral)

	_, err = s.CreateEphemeral(ctx, "ownership/0x0_0x7fffffff", []byte("broker-2"), time.Minute)
	require.Error(t, err)
	assert.Equal(t, errs.KindAlreadyExists, errs.KindOf(err))

	renewed, err := s.RenewEphemeral(ctx, "ownership/0x0_0x7fffffff", e.Version, nil, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []byte("broker-1"), renewed.Value)
}

func TestKubernetesStoreListFiltersByPrefix(t *testing.T) {
	client := k8sfake.NewSimpleClientset()
	s := metastore.NewKubernetes(client, "topicmesh")
	ctx := context.Background()

	_, err := s.Put(ctx, "bundles/a", []byte("1"), "")
	require.NoError(t, err)
	_, err = s.Put(ctx, "bundles/b", []byte("2"), "")
	require.NoError(t, err)
	_, err = s.Put(ctx, "clusters/a", []byte("3"), "")
	require.NoError(t, err)

	entries, err := s.List(ctx, "bundles/")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
