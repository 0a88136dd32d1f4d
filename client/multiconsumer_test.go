package client_test

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/topicmesh/broker/client"
	"github.com/topicmesh/broker/internal/wire"
)

func TestMultiConsumerStaticTopicsFanIn(t *testing.T) {
	addr, stop := startServer(t)
	defer stop()

	c := client.New(client.Config{SeedAddress: addr}, nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	topics := []string{
		"persistent://tenant/cluster/ns1/fanin-a",
		"persistent://tenant/cluster/ns1/fanin-b",
	}

	mc, err := c.NewMultiConsumer(ctx, client.MultiConsumerConfig{
		Topics:       topics,
		Subscription: "sub-fanin",
		Type:         wire.SubscriptionExclusive,
		QueueSize:    4,
	})
	require.NoError(t, err)
	defer mc.Close(ctx)

	for _, topic := range topics {
		producer, err := c.NewProducer(ctx, client.ProducerConfig{Topic: topic})
		require.NoError(t, err)
		_, err = producer.Send(ctx, []byte("from-"+topic))
		require.NoError(t, err)
		require.NoError(t, producer.Close(ctx))
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		topic, msg, err := mc.Receive(ctx)
		require.NoError(t, err)
		seen[topic] = true
		require.NoError(t, mc.Ack(ctx, msg.ID))
	}
	assert.Len(t, seen, 2)
}

func TestMultiConsumerFansOutAcrossPartitions(t *testing.T) {
	addr, srv, stop := startServerWithBroker(t)
	defer stop()

	topics := map[string]int32{
		"persistent://tenant/cluster/ns1/part-a": 1,
		"persistent://tenant/cluster/ns1/part-b": 2,
		"persistent://tenant/cluster/ns1/part-c": 3,
	}
	names := make([]string, 0, len(topics))
	for topic, n := range topics {
		srv.SetPartitions(topic, n)
		names = append(names, topic)
	}

	c := client.New(client.Config{SeedAddress: addr}, nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mc, err := c.NewMultiConsumer(ctx, client.MultiConsumerConfig{
		Topics:       names,
		Subscription: "sub-partitioned-fanin",
		Type:         wire.SubscriptionShared,
		QueueSize:    16,
	})
	require.NoError(t, err)
	defer mc.Close(ctx)

	// 3 topics with {1,2,3} partitions must yield 6 distinct sub-consumer
	// streams, each independently addressable by the key mc.Receive
	// reports. A keyless Send round-robins deterministically, so sending
	// exactly n messages to an n-partition producer touches every
	// partition once.
	total := 0
	for topic, n := range topics {
		producer, err := c.NewProducer(ctx, client.ProducerConfig{Topic: topic})
		require.NoError(t, err)
		for i := int32(0); i < n; i++ {
			_, err = producer.Send(ctx, []byte("x"))
			require.NoError(t, err)
		}
		require.NoError(t, producer.Close(ctx))
		total += int(n)
	}

	seenKeys := map[string]bool{}
	for i := 0; i < total; i++ {
		key, msg, err := mc.Receive(ctx)
		require.NoError(t, err)
		seenKeys[key] = true
		require.NoError(t, mc.Ack(ctx, msg.ID))
	}
	assert.Len(t, seenKeys, 6)
}

func TestMultiConsumerPatternDiscovery(t *testing.T) {
	addr, stop := startServer(t)
	defer stop()

	c := client.New(client.Config{SeedAddress: addr}, nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	known := []string{"persistent://tenant/cluster/ns1/pt.one"}

	lister := func(ctx context.Context, namespaceKey string) ([]string, error) {
		mu.Lock()
		defer mu.Unlock()
		out := make([]string, len(known))
		copy(out, known)
		return out, nil
	}

	mc, err := c.NewMultiConsumer(ctx, client.MultiConsumerConfig{
		Pattern:         regexp.MustCompile(`^persistent://tenant/cluster/ns1/pt\..*$`),
		NamespaceKey:    "tenant/cluster/ns1",
		DiscoveryPeriod: 50 * time.Millisecond,
		Lister:          lister,
		Subscription:    "sub-pattern",
		Type:            wire.SubscriptionExclusive,
		QueueSize:       4,
	})
	require.NoError(t, err)
	defer mc.Close(ctx)

	mu.Lock()
	known = append(known, "persistent://tenant/cluster/ns1/pt.two")
	mu.Unlock()

	require.Eventually(t, func() bool {
		producer, err := c.NewProducer(ctx, client.ProducerConfig{Topic: "persistent://tenant/cluster/ns1/pt.two"})
		if err != nil {
			return false
		}
		defer producer.Close(ctx)
		_, err = producer.Send(ctx, []byte("hi"))
		return err == nil
	}, 2*time.Second, 50*time.Millisecond)

	topic, _, err := mc.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "persistent://tenant/cluster/ns1/pt.two", topic)
}
