package lookup_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	k8sfake "k8s.io/client-go/kubernetes/fake"

	"github.com/topicmesh/broker/internal/lookup"
)

func TestNewLeaderElectorStartsUnelected(t *testing.T) {
	client := k8sfake.NewSimpleClientset()
	le, err := lookup.NewLeaderElector(client.CoordinationV1(), "topicmesh", "lookup-leader", "broker-a:6650", nil)
	require.NoError(t, err)

	assert.False(t, le.IsLeader())
	assert.Empty(t, le.LeaderIdentity())
}
