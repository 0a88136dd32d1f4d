package lookup_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/topicmesh/broker/internal/bundle"
	"github.com/topicmesh/broker/internal/lookup"
	"github.com/topicmesh/broker/internal/metastore"
	"github.com/topicmesh/broker/internal/ownership"
)

func newEngine(self string, candidates []string) *lookup.Engine {
	store := metastore.NewMemory()
	reg := ownership.New(store, nil)
	mgr := bundle.New(store, reg, nil)
	loadStore := lookup.NewLoadReportStore(time.Minute)
	for _, c := range candidates {
		loadStore.Update(lookup.LoadReport{Broker: c, BundleCount: 0, TimestampNS: time.Now().UnixNano()})
	}
	return lookup.New(store, reg, mgr, loadStore, nil, lookup.Config{
		SelfAddress:        self,
		DefaultBundleCount: 4,
		Candidates:         func() []string { return candidates },
	}, nil)
}

func TestLookupNonAuthoritativeOnUnownedBundleRedirectsToSelf(t *testing.T) {
	ctx := context.Background()
	e := newEngine("broker-a:6650", []string{"broker-a:6650"})

	res, err := e.Lookup(ctx, "persistent://tenant/cluster/ns1/events", false)
	require.NoError(t, err)
	assert.Equal(t, lookup.OutcomeRedirect, res.Outcome)
	assert.True(t, res.Authoritative)
	assert.Equal(t, "broker-a:6650", res.BrokerAddress)
}

func TestLookupAuthoritativeOnUnownedBundleAssignsToSelf(t *testing.T) {
	ctx := context.Background()
	e := newEngine("broker-a:6650", []string{"broker-a:6650"})

	res, err := e.Lookup(ctx, "persistent://tenant/cluster/ns1/events", true)
	require.NoError(t, err)
	assert.Equal(t, lookup.OutcomeConnect, res.Outcome)
	assert.Equal(t, "broker-a:6650", res.BrokerAddress)
}

func TestLookupReturnsConnectForAlreadyOwnedBundle(t *testing.T) {
	ctx := context.Background()
	e := newEngine("broker-a:6650", []string{"broker-a:6650"})

	first, err := e.Lookup(ctx, "persistent://tenant/cluster/ns1/events", true)
	require.NoError(t, err)
	require.Equal(t, lookup.OutcomeConnect, first.Outcome)

	second, err := e.Lookup(ctx, "persistent://tenant/cluster/ns1/events", false)
	require.NoError(t, err)
	assert.Equal(t, lookup.OutcomeConnect, second.Outcome)
	assert.Equal(t, "broker-a:6650", second.BrokerAddress)
}

func TestLookupDefersToLeastLoadedCandidate(t *testing.T) {
	ctx := context.Background()
	store := metastore.NewMemory()
	reg := ownership.New(store, nil)
	mgr := bundle.New(store, reg, nil)
	loadStore := lookup.NewLoadReportStore(time.Minute)
	loadStore.Update(lookup.LoadReport{Broker: "broker-a:6650", BundleCount: 5, TimestampNS: time.Now().UnixNano()})
	loadStore.Update(lookup.LoadReport{Broker: "broker-b:6650", BundleCount: 1, TimestampNS: time.Now().UnixNano()})

	e := lookup.New(store, reg, mgr, loadStore, nil, lookup.Config{
		SelfAddress:        "broker-a:6650",
		DefaultBundleCount: 4,
		Candidates:         func() []string { return []string{"broker-a:6650", "broker-b:6650"} },
	}, nil)

	res, err := e.Lookup(ctx, "persistent://tenant/cluster/ns1/events", true)
	require.NoError(t, err)
	assert.Equal(t, lookup.OutcomeRedirect, res.Outcome)
	assert.Equal(t, "broker-b:6650", res.BrokerAddress)
}

func TestLookupRejectsMalformedTopic(t *testing.T) {
	ctx := context.Background()
	e := newEngine("broker-a:6650", []string{"broker-a:6650"})
	_, err := e.Lookup(ctx, "not-a-topic", true)
	require.Error(t, err)
}
