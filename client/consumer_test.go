package client_test

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/topicmesh/broker/client"
	"github.com/topicmesh/broker/errs"
	"github.com/topicmesh/broker/internal/broker"
	"github.com/topicmesh/broker/internal/bundle"
	"github.com/topicmesh/broker/internal/lookup"
	"github.com/topicmesh/broker/internal/metastore"
	"github.com/topicmesh/broker/internal/ownership"
	"github.com/topicmesh/broker/internal/wire"
)

func startServer(t *testing.T) (string, func()) {
	t.Helper()
	addr, _, stop := startServerWithBroker(t)
	return addr, stop
}

func startServerWithBroker(t *testing.T) (string, *broker.Server, func()) {
	t.Helper()
	store := metastore.NewMemory()
	reg := ownership.New(store, nil)
	mgr := bundle.New(store, reg, nil)
	loadStore := lookup.NewLoadReportStore(time.Minute)
	self := "127.0.0.1:0"
	loadStore.Update(lookup.LoadReport{Broker: self, TimestampNS: time.Now().UnixNano()})
	engine := lookup.New(store, reg, mgr, loadStore, nil, lookup.Config{
		SelfAddress:        self,
		DefaultBundleCount: 4,
		Candidates:         func() []string { return []string{self} },
	}, nil)
	srv := broker.New(engine, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx, ln) }()

	return ln.Addr().String(), srv, func() { cancel(); ln.Close() }
}

func TestProducerConsumerEndToEnd(t *testing.T) {
	addr, stop := startServer(t)
	defer stop()

	c := client.New(client.Config{SeedAddress: addr}, nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	topic := "persistent://tenant/cluster/ns1/events"

	consumer, err := c.NewConsumer(ctx, client.ConsumerConfig{
		Topic:        topic,
		Subscription: "sub-1",
		Type:         wire.SubscriptionExclusive,
	})
	require.NoError(t, err)
	defer consumer.Close(ctx)

	producer, err := c.NewProducer(ctx, client.ProducerConfig{Topic: topic})
	require.NoError(t, err)
	defer producer.Close(ctx)

	res, err := producer.Send(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.MessageID)

	msg, err := consumer.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), msg.Payload)

	require.NoError(t, consumer.Ack(ctx, msg.ID))
}

func TestProducerConcurrentSendsRespectBackpressure(t *testing.T) {
	addr, stop := startServer(t)
	defer stop()

	c := client.New(client.Config{SeedAddress: addr}, nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	topic := "persistent://tenant/cluster/ns1/bulk"
	producer, err := c.NewProducer(ctx, client.ProducerConfig{Topic: topic, MaxPendingMessages: 2})
	require.NoError(t, err)
	defer producer.Close(ctx)

	var wg sync.WaitGroup
	errCh := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := producer.Send(ctx, []byte("msg"))
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}
}

func TestProducerRejectsOversizedMessage(t *testing.T) {
	addr, stop := startServer(t)
	defer stop()

	c := client.New(client.Config{SeedAddress: addr}, nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	topic := "persistent://tenant/cluster/ns1/oversize"
	producer, err := c.NewProducer(ctx, client.ProducerConfig{Topic: topic, MaxMessageSize: 16})
	require.NoError(t, err)
	defer producer.Close(ctx)

	_, err = producer.Send(ctx, make([]byte, 17))
	require.Error(t, err)
}

func TestProducerPartitionedRoutesAndBatches(t *testing.T) {
	addr, srv, stop := startServerWithBroker(t)
	defer stop()

	topic := "persistent://tenant/cluster/ns1/partitioned"
	srv.SetPartitions(topic, 3)

	c := client.New(client.Config{SeedAddress: addr}, nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	producer, err := c.NewProducer(ctx, client.ProducerConfig{
		Topic:               topic,
		BatchingMaxMessages: 10,
	})
	require.NoError(t, err)
	defer producer.Close(ctx)

	res, err := producer.SendWithKey(ctx, "order-42", []byte("a"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.MessageID)

	res2, err := producer.SendWithKey(ctx, "order-42", []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, strings.SplitN(res.MessageID, ":", 2)[0], strings.SplitN(res2.MessageID, ":", 2)[0],
		"same key must route to the same partition's producer")
}

func TestConsumerCumulativeAckOnExclusiveSubscription(t *testing.T) {
	addr, stop := startServer(t)
	defer stop()

	c := client.New(client.Config{SeedAddress: addr}, nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	topic := "persistent://tenant/cluster/ns1/cumulative"
	consumer, err := c.NewConsumer(ctx, client.ConsumerConfig{
		Topic:        topic,
		Subscription: "sub-cumulative",
		Type:         wire.SubscriptionExclusive,
	})
	require.NoError(t, err)
	defer consumer.Close(ctx)

	producer, err := c.NewProducer(ctx, client.ProducerConfig{Topic: topic})
	require.NoError(t, err)
	defer producer.Close(ctx)

	for i := 0; i < 3; i++ {
		_, err := producer.Send(ctx, []byte("msg"))
		require.NoError(t, err)
	}

	var first, last string
	for i := 0; i < 3; i++ {
		msg, err := consumer.Receive(ctx)
		require.NoError(t, err)
		if i == 0 {
			first = msg.ID
		}
		last = msg.ID
	}

	// Acking only the last message should, on an Exclusive subscription,
	// cumulatively ack everything delivered before it too.
	require.NoError(t, consumer.Ack(ctx, last))
	err = consumer.Ack(ctx, first)
	require.Error(t, err, "the first message is already covered by the cumulative ack")
	assert.True(t, errs.Matches(err, errs.KindNotFound))
}
