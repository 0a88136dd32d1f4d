// MultiConsumer composes N per-topic Consumers into one fair-merged,
// application-visible stream with shared-queue backpressure and, in
// pattern mode, periodic rediscovery of the topics under a namespace
// that match a regular expression.
//
// The pause/resume watermark and the "new item available" wakeup both
// use the close-and-replace channel idiom rather than sync.Cond, so
// waits remain select-friendly and ctx-cancelable.
package client

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/topicmesh/broker/errs"
	"github.com/topicmesh/broker/internal/topicname"
	"github.com/topicmesh/broker/internal/wire"
)

// DefaultAggregatedQueueSize is the shared queue size used when
// MultiConsumerConfig.QueueSize is unset.
const DefaultAggregatedQueueSize = 1000

// TopicLister fetches the current set of raw topic names that exist
// under namespaceKey, for pattern-mode rediscovery.
type TopicLister func(ctx context.Context, namespaceKey string) ([]string, error)

// DefaultPatternAutoDiscoveryPeriod is how often pattern-mode rediscovery
// runs when MultiConsumerConfig.DiscoveryPeriod is unset.
const DefaultPatternAutoDiscoveryPeriod = 2 * time.Second

// MultiConsumerConfig configures a MultiConsumer. Either Topics is a
// fixed, non-empty list, or Pattern is set for dynamic discovery; not
// both.
type MultiConsumerConfig struct {
	Topics []string

	Pattern         *regexp.Regexp
	NamespaceKey    string
	DiscoveryPeriod time.Duration
	Lister          TopicLister

	Subscription string
	Type         wire.SubscriptionType

	QueueSize            int
	SubReceiverQueueSize int32
	AckTimeout           time.Duration
}

type aggregatedMessage struct {
	topic string
	msg   Message
}

// MultiConsumer fans in messages from multiple single-topic Consumers.
// A logical topic that is itself partitioned expands into one
// sub-Consumer per partition, so the number of sub-consumers is always
// >= the number of logical topics.
type MultiConsumer struct {
	client *Client
	cfg    MultiConsumerConfig

	mu     sync.Mutex
	queue  []aggregatedMessage
	paused map[string]bool
	// subs is keyed by sub-consumer key: the logical topic name itself
	// when unpartitioned, or its per-partition internal topic name
	// (topicname.Name.WithPartition(i).String()) otherwise.
	subs map[string]*Consumer
	// subKeysByTopic tracks which sub-consumer keys belong to which
	// logical topic, so pattern-mode rediscovery can unsubscribe an
	// entire (possibly multi-partition) logical topic at once.
	subKeysByTopic map[string][]string
	ackIndex       map[string]string

	notify chan struct{}
	resume chan struct{}
	stop   chan struct{}
	closed bool

	log *logrus.Entry
}

// NewMultiConsumer subscribes to cfg.Topics (static mode) or runs one
// synchronous discovery pass and starts the periodic rediscovery loop
// (pattern mode).
func (c *Client) NewMultiConsumer(ctx context.Context, cfg MultiConsumerConfig) (*MultiConsumer, error) {
	if cfg.QueueSize <= 1 {
		cfg.QueueSize = DefaultAggregatedQueueSize
	}
	if cfg.DiscoveryPeriod <= 0 {
		cfg.DiscoveryPeriod = DefaultPatternAutoDiscoveryPeriod
	}

	mc := &MultiConsumer{
		client:         c,
		cfg:            cfg,
		paused:         make(map[string]bool),
		subs:           make(map[string]*Consumer),
		subKeysByTopic: make(map[string][]string),
		ackIndex:       make(map[string]string),
		notify:         make(chan struct{}),
		resume:         make(chan struct{}),
		stop:           make(chan struct{}),
		log:            c.log.WithField("component", "multiconsumer"),
	}

	if cfg.Pattern != nil {
		if err := mc.rediscover(ctx); err != nil {
			return nil, err
		}
		go mc.discoveryLoop()
		return mc, nil
	}

	for _, topic := range cfg.Topics {
		if err := mc.subscribeTopic(ctx, topic); err != nil {
			mc.Close(context.Background())
			return nil, err
		}
	}
	return mc, nil
}

// subscribeTopic resolves topic's partition count and subscribes one
// sub-Consumer per partition (or, unpartitioned, exactly one), so a
// logical topic with N partitions contributes N entries to the fair
// merge rather than one.
func (mc *MultiConsumer) subscribeTopic(ctx context.Context, topic string) error {
	subKeys, err := mc.subTopicKeys(ctx, topic)
	if err != nil {
		return errs.Wrap(errs.KindServiceNotReady, err, "resolving partitions for multi-consumer topic %q", topic)
	}

	built := make([]string, 0, len(subKeys))
	for _, subKey := range subKeys {
		sub, err := mc.client.NewConsumer(ctx, ConsumerConfig{
			Topic:             subKey,
			Subscription:      mc.cfg.Subscription,
			Type:              mc.cfg.Type,
			ReceiverQueueSize: mc.cfg.SubReceiverQueueSize,
			AckTimeout:        mc.cfg.AckTimeout,
		})
		if err != nil {
			for _, k := range built {
				mc.unsubscribeKey(k)
			}
			return errs.Wrap(errs.KindServiceNotReady, err, "subscribing multi-consumer sub-topic %q", subKey)
		}

		mc.mu.Lock()
		mc.subs[subKey] = sub
		mc.mu.Unlock()

		go mc.pumpLoop(subKey, sub)
		built = append(built, subKey)
	}

	mc.mu.Lock()
	mc.subKeysByTopic[topic] = built
	mc.mu.Unlock()
	return nil
}

// subTopicKeys returns the sub-consumer keys topic expands into: itself
// for an unpartitioned topic, or one per-partition internal topic name
// per partition.
func (mc *MultiConsumer) subTopicKeys(ctx context.Context, topic string) ([]string, error) {
	partitions, err := mc.client.partitionCount(ctx, topic)
	if err != nil {
		return nil, err
	}
	if partitions <= 0 {
		return []string{topic}, nil
	}

	name, err := topicname.Parse(topic)
	if err != nil {
		return nil, err
	}
	keys := make([]string, partitions)
	for i := int32(0); i < partitions; i++ {
		keys[i] = name.WithPartition(int(i)).String()
	}
	return keys, nil
}

// unsubscribeTopic tears down every sub-consumer belonging to the
// logical topic name.
func (mc *MultiConsumer) unsubscribeTopic(topic string) {
	mc.mu.Lock()
	keys := mc.subKeysByTopic[topic]
	delete(mc.subKeysByTopic, topic)
	mc.mu.Unlock()

	for _, key := range keys {
		mc.unsubscribeKey(key)
	}
}

func (mc *MultiConsumer) unsubscribeKey(subKey string) {
	mc.mu.Lock()
	sub, ok := mc.subs[subKey]
	delete(mc.subs, subKey)
	delete(mc.paused, subKey)
	mc.mu.Unlock()
	if ok {
		_ = sub.Close(context.Background())
	}
}

// pumpLoop pulls messages out of one sub-consumer and into the shared
// aggregated queue, pausing (without calling Receive) whenever the
// shared queue is at capacity.
func (mc *MultiConsumer) pumpLoop(topic string, sub *Consumer) {
	for {
		if !mc.waitWhileAggregatorPaused(topic) {
			return
		}

		msg, err := sub.Receive(mc.stopContext())
		if err != nil {
			return
		}

		mc.enqueue(topic, msg)
	}
}

// stopContext derives a context that is canceled when the MultiConsumer
// is closed, so sub-consumer Receive calls unblock promptly on Close.
func (mc *MultiConsumer) stopContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-mc.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}

func (mc *MultiConsumer) waitWhileAggregatorPaused(topic string) bool {
	for {
		mc.mu.Lock()
		if mc.closed {
			mc.mu.Unlock()
			return false
		}
		if !mc.paused[topic] {
			mc.mu.Unlock()
			return true
		}
		resume := mc.resume
		mc.mu.Unlock()
		select {
		case <-resume:
		case <-mc.stop:
			return false
		}
	}
}

func (mc *MultiConsumer) enqueue(topic string, msg Message) {
	mc.mu.Lock()
	if mc.closed {
		mc.mu.Unlock()
		return
	}
	mc.queue = append(mc.queue, aggregatedMessage{topic: topic, msg: msg})
	mc.ackIndex[msg.ID] = topic
	if len(mc.queue) >= mc.cfg.QueueSize {
		mc.paused[topic] = true
	}
	close(mc.notify)
	mc.notify = make(chan struct{})
	mc.mu.Unlock()
}

// Receive returns the next aggregated message and the topic it was
// delivered from.
func (mc *MultiConsumer) Receive(ctx context.Context) (string, Message, error) {
	for {
		mc.mu.Lock()
		if len(mc.queue) > 0 {
			item := mc.queue[0]
			mc.queue = mc.queue[1:]
			if len(mc.queue) <= mc.cfg.QueueSize/2 {
				mc.resumeAllLocked()
			}
			mc.mu.Unlock()
			return item.topic, item.msg, nil
		}
		if mc.closed {
			mc.mu.Unlock()
			return "", Message{}, errs.New(errs.KindDisconnected, "multi-consumer closed")
		}
		notify := mc.notify
		mc.mu.Unlock()

		select {
		case <-notify:
		case <-ctx.Done():
			return "", Message{}, errs.Wrap(errs.KindTimeout, ctx.Err(), "receive")
		}
	}
}

// resumeAllLocked clears every pause flag and wakes every pump loop
// waiting on mc.resume. Callers must hold mc.mu.
func (mc *MultiConsumer) resumeAllLocked() {
	for topic := range mc.paused {
		mc.paused[topic] = false
	}
	close(mc.resume)
	mc.resume = make(chan struct{})
}

// Ack acknowledges messageID against whichever sub-consumer delivered it.
// Cumulative ack is unsupported at this layer.
func (mc *MultiConsumer) Ack(ctx context.Context, messageID string) error {
	mc.mu.Lock()
	topic, ok := mc.ackIndex[messageID]
	if ok {
		delete(mc.ackIndex, messageID)
	}
	sub := mc.subs[topic]
	mc.mu.Unlock()

	if !ok || sub == nil {
		return errs.New(errs.KindNotFound, "no sub-consumer tracks message %q", messageID)
	}
	return sub.ack(ctx, messageID, false)
}

// RedeliverUnacknowledged groups messageIDs by the sub-topic that
// delivered them and asks each sub-consumer's broker connection to
// redeliver its subset.
func (mc *MultiConsumer) RedeliverUnacknowledged(messageIDs []string) {
	byTopic := make(map[string][]string)
	mc.mu.Lock()
	for _, id := range messageIDs {
		if topic, ok := mc.ackIndex[id]; ok {
			byTopic[topic] = append(byTopic[topic], id)
		}
	}
	mc.mu.Unlock()

	for topic, ids := range byTopic {
		mc.mu.Lock()
		sub := mc.subs[topic]
		mc.mu.Unlock()
		if sub == nil {
			continue
		}
		_ = sub.conn.SendFire(wire.CmdRedeliverUnacknowledged, &wire.RedeliverUnacknowledged{
			ConsumerID: sub.consumerID,
			MessageIDs: ids,
		}, nil)
	}
}

// discoveryLoop re-runs rediscover every cfg.DiscoveryPeriod until Close.
func (mc *MultiConsumer) discoveryLoop() {
	ticker := time.NewTicker(mc.cfg.DiscoveryPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-mc.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), mc.cfg.DiscoveryPeriod)
			if err := mc.rediscover(ctx); err != nil {
				mc.log.WithError(err).Warn("pattern rediscovery failed")
			}
			cancel()
		}
	}
}

// rediscover fetches the current topic list, filters it against
// cfg.Pattern, and atomically subscribes newly-matching topics and
// unsubscribes no-longer-matching ones.
func (mc *MultiConsumer) rediscover(ctx context.Context) error {
	topics, err := mc.cfg.Lister(ctx, mc.cfg.NamespaceKey)
	if err != nil {
		return errs.Wrap(errs.KindServiceNotReady, err, "listing topics for pattern rediscovery")
	}

	matched := make(map[string]bool, len(topics))
	for _, t := range topics {
		if mc.cfg.Pattern.MatchString(t) {
			matched[t] = true
		}
	}

	mc.mu.Lock()
	var toAdd, toRemove []string
	for t := range matched {
		if _, ok := mc.subKeysByTopic[t]; !ok {
			toAdd = append(toAdd, t)
		}
	}
	for t := range mc.subKeysByTopic {
		if !matched[t] {
			toRemove = append(toRemove, t)
		}
	}
	mc.mu.Unlock()

	for _, t := range toRemove {
		mc.unsubscribeTopic(t)
	}
	for _, t := range toAdd {
		if err := mc.subscribeTopic(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// Close unsubscribes every sub-consumer and stops discovery.
func (mc *MultiConsumer) Close(ctx context.Context) error {
	mc.mu.Lock()
	if mc.closed {
		mc.mu.Unlock()
		return nil
	}
	mc.closed = true
	close(mc.stop)
	close(mc.resume)
	close(mc.notify)
	subs := make([]*Consumer, 0, len(mc.subs))
	for _, s := range mc.subs {
		subs = append(subs, s)
	}
	mc.mu.Unlock()

	var firstErr error
	for _, s := range subs {
		if err := s.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
