package topicname_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/topicmesh/broker/errs"
	"github.com/topicmesh/broker/internal/topicname"
)

func TestParsePersistent(t *testing.T) {
	n, err := topicname.Parse("persistent://tenant/cluster-a/ns1/events")
	require.NoError(t, err)
	assert.Equal(t, topicname.Persistent, n.Domain)
	assert.Equal(t, "tenant", n.Property)
	assert.Equal(t, "cluster-a", n.Cluster)
	assert.Equal(t, "ns1", n.Namespace)
	assert.Equal(t, "events", n.Local)
	assert.False(t, n.IsPartition())
	assert.False(t, n.IsGlobal())
}

func TestParseNonPersistentAndGlobal(t *testing.T) {
	n, err := topicname.Parse("non-persistent://tenant/cluster-a/global/events")
	require.NoError(t, err)
	assert.Equal(t, topicname.NonPersistent, n.Domain)
	assert.True(t, n.IsGlobal())
}

func TestParsePartitionSuffix(t *testing.T) {
	n, err := topicname.Parse("persistent://tenant/cluster-a/ns1/events-partition-3")
	require.NoError(t, err)
	assert.Equal(t, "events", n.Local)
	assert.True(t, n.IsPartition())
	assert.Equal(t, 3, n.Partition)
}

func TestParseRejectsMissingPrefix(t *testing.T) {
	_, err := topicname.Parse("tenant/cluster-a/ns1/events")
	require.Error(t, err)
	assert.Equal(t, errs.KindInvalidMessage, errs.KindOf(err))
}

func TestParseRejectsTooFewSegments(t *testing.T) {
	_, err := topicname.Parse("persistent://tenant/cluster-a/ns1")
	require.Error(t, err)
}

func TestParseRejectsEmptySegment(t *testing.T) {
	_, err := topicname.Parse("persistent://tenant//ns1/events")
	require.Error(t, err)
}

func TestStringRoundTrip(t *testing.T) {
	raw := "persistent://tenant/cluster-a/ns1/events-partition-2"
	n, err := topicname.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, n.String())
}

func TestCanonicalIncludesPartition(t *testing.T) {
	n, err := topicname.Parse("persistent://tenant/cluster-a/ns1/events-partition-2")
	require.NoError(t, err)
	assert.Equal(t, "tenant/cluster-a/ns1/events-partition-2", n.Canonical())

	whole, err := topicname.Parse("persistent://tenant/cluster-a/ns1/events")
	require.NoError(t, err)
	assert.Equal(t, "tenant/cluster-a/ns1/events", whole.Canonical())
}

func TestNamespaceKey(t *testing.T) {
	n, err := topicname.Parse("persistent://tenant/cluster-a/ns1/events")
	require.NoError(t, err)
	assert.Equal(t, "tenant/cluster-a/ns1", n.NamespaceKey())
}

func TestWithPartitionAndWithout(t *testing.T) {
	n, err := topicname.Parse("persistent://tenant/cluster-a/ns1/events")
	require.NoError(t, err)
	p := n.WithPartition(7)
	assert.True(t, p.IsPartition())
	assert.Equal(t, 7, p.Partition)

	back := p.WithoutPartition()
	assert.False(t, back.IsPartition())
	assert.Equal(t, n.String(), back.String())
}
