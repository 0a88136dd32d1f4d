// Consumer subscribes to one topic, grants the broker flow-control
// permits bounding how many message frames it is allowed to push ahead
// of acknowledgment, tracks delivered-but-unacknowledged messages (at
// both the individual-message and the owning-frame granularity, since a
// batched SEND expands into several logical messages sharing one
// frame), and periodically asks the broker to redeliver any frame that
// has sat unacked past AckTimeout.
//
// The incoming message queue follows a bounded-channel-plus-drain-loop
// shape.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/topicmesh/broker/errs"
	"github.com/topicmesh/broker/internal/connpool"
	"github.com/topicmesh/broker/internal/wire"
)

// DefaultReceiverQueueSize is how many message frames a Consumer allows
// the broker to push before acknowledgment.
const DefaultReceiverQueueSize = 1000

// DefaultAckTimeout is how long a delivered message may remain unacked
// before the consumer asks for it to be redelivered.
const DefaultAckTimeout = 30 * time.Second

// DefaultMaxUnackedMessagesPerConsumer bounds, in frame units, how many
// unacknowledged deliveries a Consumer ever has outstanding at once,
// when ConsumerConfig.MaxUnackedMessagesPerConsumer is unset.
const DefaultMaxUnackedMessagesPerConsumer = 50000

// Message is one delivered, application-visible message. For a batched
// SEND, each sub-entry becomes its own Message with an ID of the form
// "<frame-message-id>-<index>".
type Message struct {
	ID         string
	Payload    []byte
	Properties map[string]string
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Topic             string
	Subscription      string
	Type              wire.SubscriptionType
	Name              string
	ReceiverQueueSize int32
	AckTimeout        time.Duration

	// MaxUnackedMessagesPerConsumer bounds, in frame units, outstanding
	// unacknowledged deliveries; flow-control permits are never granted
	// past this bound.
	MaxUnackedMessagesPerConsumer int32
}

// Consumer receives messages from one topic subscription.
type Consumer struct {
	client       *Client
	topic        string
	subscription string
	subType      wire.SubscriptionType
	consumerID   uint64
	conn         *connpool.Connection

	receiverQueueSize int32
	ackTimeout        time.Duration
	maxUnacked        int32

	incoming chan Message

	mu sync.Mutex
	// unacked tracks each delivered sub-entry's delivery time, keyed by
	// its application-visible message ID.
	unacked map[string]time.Time
	// unackedOrder preserves delivery order for cumulative-ack cut
	// points and ack-timeout scans.
	unackedOrder []string
	// frameOf maps a sub-entry's message ID back to the wire frame
	// (the broker-assigned message_id) it was delivered in, the unit the
	// broker itself tracks for ack/redeliver.
	frameOf map[string]string
	// frameRemaining counts how many of a frame's sub-entries are still
	// un-individually-acked; the wire-level Ack only fires once it hits
	// zero, since the broker has no notion of a batch's sub-entries.
	frameRemaining map[string]int
	closed         bool

	redeliverLimiter *rate.Limiter
	stop             chan struct{}
	stopOnce         sync.Once

	log *logrus.Entry
}

// NewConsumer resolves cfg.Topic's owning broker and subscribes.
func (c *Client) NewConsumer(ctx context.Context, cfg ConsumerConfig) (*Consumer, error) {
	if cfg.ReceiverQueueSize <= 0 {
		cfg.ReceiverQueueSize = DefaultReceiverQueueSize
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.MaxUnackedMessagesPerConsumer <= 0 {
		cfg.MaxUnackedMessagesPerConsumer = DefaultMaxUnackedMessagesPerConsumer
	}
	if cfg.Name == "" {
		cfg.Name = "consumer-" + uuid.NewString()
	}

	addr, err := c.lookupTopic(ctx, cfg.Topic)
	if err != nil {
		return nil, err
	}
	conn, err := c.pool.Get(ctx, addr)
	if err != nil {
		return nil, err
	}

	consumerID := c.dispatcher.nextEntityID()
	cons := &Consumer{
		client:            c,
		topic:             cfg.Topic,
		subscription:      cfg.Subscription,
		subType:           cfg.Type,
		consumerID:        consumerID,
		conn:              conn,
		receiverQueueSize: cfg.ReceiverQueueSize,
		ackTimeout:        cfg.AckTimeout,
		maxUnacked:        cfg.MaxUnackedMessagesPerConsumer,
		incoming:          make(chan Message, cfg.ReceiverQueueSize),
		unacked:           make(map[string]time.Time),
		frameOf:           make(map[string]string),
		frameRemaining:    make(map[string]int),
		redeliverLimiter:  rate.NewLimiter(rate.Every(time.Second), 1),
		stop:              make(chan struct{}),
		log:               c.log.WithFields(logrus.Fields{"component": "consumer", "topic": cfg.Topic, "subscription": cfg.Subscription}),
	}
	c.dispatcher.registerConsumer(consumerID, cons)

	reqID := conn.NextRequestID()
	_, err = conn.SendRequest(ctx, reqID, wire.CmdSubscribe, &wire.Subscribe{
		RequestID:    reqID,
		ConsumerID:   consumerID,
		Topic:        cfg.Topic,
		Subscription: cfg.Subscription,
		Type:         cfg.Type,
		ConsumerName: cfg.Name,
	}, nil)
	if err != nil {
		c.dispatcher.unregisterConsumer(consumerID)
		return nil, err
	}

	initialPermits := cfg.ReceiverQueueSize
	if initialPermits > cfg.MaxUnackedMessagesPerConsumer {
		initialPermits = cfg.MaxUnackedMessagesPerConsumer
	}
	if err := cons.grantPermits(initialPermits); err != nil {
		c.dispatcher.unregisterConsumer(consumerID)
		return nil, err
	}

	go cons.redeliveryLoop()
	return cons, nil
}

func (c *Consumer) grantPermits(n int32) error {
	if n <= 0 {
		return nil
	}
	return c.conn.SendFire(wire.CmdFlow, &wire.Flow{ConsumerID: c.consumerID, Permits: n}, nil)
}

// Receive blocks until a message is available, ctx is canceled, or the
// consumer is closed.
func (c *Consumer) Receive(ctx context.Context) (Message, error) {
	select {
	case msg, ok := <-c.incoming:
		if !ok {
			return Message{}, errs.New(errs.KindDisconnected, "consumer closed")
		}
		return msg, nil
	case <-c.stop:
		return Message{}, errs.New(errs.KindDisconnected, "consumer closed")
	case <-ctx.Done():
		return Message{}, errs.Wrap(errs.KindTimeout, ctx.Err(), "receive")
	case <-c.conn.Done():
		return Message{}, errs.New(errs.KindDisconnected, "consumer connection closed")
	}
}

// Ack acknowledges messageID. Exclusive and Failover subscriptions ack
// cumulatively (acking messageID also acks everything delivered before
// it); Shared subscriptions ack individually, since a shared
// subscription's consumers do not see a single total delivery order.
func (c *Consumer) Ack(ctx context.Context, messageID string) error {
	cumulative := c.subType == wire.SubscriptionExclusive || c.subType == wire.SubscriptionFailover
	return c.ack(ctx, messageID, cumulative)
}

// AckCumulative acknowledges messageID and every message delivered
// before it, regardless of subscription type.
func (c *Consumer) AckCumulative(ctx context.Context, messageID string) error {
	return c.ack(ctx, messageID, true)
}

// ack resolves messageID to its owning wire frame and, once every
// sub-entry of that frame (and, for a cumulative ack, every frame
// delivered before it) has been locally acked, sends the single
// frame-level wire Ack the broker actually tracks, then re-grants the
// permits those completed frames free up.
func (c *Consumer) ack(ctx context.Context, messageID string, cumulative bool) error {
	c.mu.Lock()
	frame, ok := c.frameOf[messageID]
	if !ok {
		c.mu.Unlock()
		return errs.New(errs.KindNotFound, "message %q is not outstanding", messageID)
	}

	var wireFrame string
	var grant int32
	if !cumulative {
		delete(c.unacked, messageID)
		c.removeFromOrderLocked(messageID)
		delete(c.frameOf, messageID)
		c.frameRemaining[frame]--
		if c.frameRemaining[frame] <= 0 {
			delete(c.frameRemaining, frame)
			wireFrame = frame
			grant = 1
		}
	} else {
		cut := len(c.unackedOrder)
		for i, id := range c.unackedOrder {
			if id == messageID {
				cut = i + 1
				break
			}
		}
		completedFrames := make(map[string]bool)
		for _, id := range c.unackedOrder[:cut] {
			f := c.frameOf[id]
			completedFrames[f] = true
			delete(c.unacked, id)
			delete(c.frameOf, id)
		}
		c.unackedOrder = c.unackedOrder[cut:]
		for f := range completedFrames {
			delete(c.frameRemaining, f)
			grant++
		}
		wireFrame = frame
	}
	c.mu.Unlock()

	if wireFrame == "" {
		// every other sub-entry of this frame is still outstanding; the
		// broker is not told anything until the whole frame is clear.
		return nil
	}

	ackType := wire.AckIndividual
	if cumulative {
		ackType = wire.AckCumulative
	}
	if err := c.conn.SendFire(wire.CmdAck, &wire.Ack{
		ConsumerID: c.consumerID,
		Type:       ackType,
		MessageIDs: []string{wireFrame},
	}, nil); err != nil {
		return err
	}
	return c.grantPermits(grant)
}

func (c *Consumer) removeFromOrderLocked(id string) {
	for i, existing := range c.unackedOrder {
		if existing == id {
			c.unackedOrder = append(c.unackedOrder[:i], c.unackedOrder[i+1:]...)
			return
		}
	}
}

// Close unsubscribes, stops the redelivery loop, and unblocks any
// pending Receive. The incoming queue itself is left unclosed here: it
// is only ever closed by the connection's own read-loop goroutine (via
// onCloseConsumer/onReachedEndOfTopic), since closing it concurrently
// with that goroutine's in-flight onMessage send would race.
func (c *Consumer) Close(ctx context.Context) error {
	c.mu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.stop) })
	if alreadyClosed {
		return nil
	}
	defer c.client.dispatcher.unregisterConsumer(c.consumerID)

	reqID := c.conn.NextRequestID()
	_, err := c.conn.SendRequest(ctx, reqID, wire.CmdCloseConsumer, &wire.CloseConsumer{
		RequestID:  reqID,
		ConsumerID: c.consumerID,
	}, nil)
	return err
}

// onMessage expands a delivered frame into its logical sub-entries (a
// non-batched frame expands to exactly one) and pushes each onto the
// incoming queue, recording per-sub-entry and per-frame unacked state.
func (c *Consumer) onMessage(msg *wire.Message, payload []byte) {
	entries := expandMessage(msg, payload)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	now := time.Now()
	c.frameRemaining[msg.MessageID] = len(entries)
	for _, e := range entries {
		c.unacked[e.ID] = now
		c.unackedOrder = append(c.unackedOrder, e.ID)
		c.frameOf[e.ID] = msg.MessageID
	}
	c.mu.Unlock()

	for _, e := range entries {
		select {
		case c.incoming <- e:
		case <-c.stop:
			return
		}
	}
}

// expandMessage decodes a batched frame's [4-byte length][payload]...
// sub-entry format (the format client/producer.go's batching layer
// writes) into N logical Messages; a non-batched frame (NumMessages <=
// 1) yields its single payload unchanged.
func expandMessage(msg *wire.Message, payload []byte) []Message {
	if msg.NumMessages <= 1 {
		return []Message{{ID: msg.MessageID, Payload: payload, Properties: msg.Properties}}
	}
	out := make([]Message, 0, msg.NumMessages)
	offset := 0
	for idx := 0; offset+4 <= len(payload); idx++ {
		n := int(payload[offset])<<24 | int(payload[offset+1])<<16 | int(payload[offset+2])<<8 | int(payload[offset+3])
		offset += 4
		if n < 0 || offset+n > len(payload) {
			break
		}
		out = append(out, Message{
			ID:         fmt.Sprintf("%s-%d", msg.MessageID, idx),
			Payload:    payload[offset : offset+n],
			Properties: msg.Properties,
		})
		offset += n
	}
	return out
}

func (c *Consumer) onCloseConsumer(*wire.CloseConsumer) {
	c.mu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()
	if !alreadyClosed {
		close(c.incoming)
	}
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Consumer) onReachedEndOfTopic(*wire.ReachedEndOfTopic) {
	c.log.Info("reached end of topic")
	c.mu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()
	if !alreadyClosed {
		close(c.incoming)
	}
	c.stopOnce.Do(func() { close(c.stop) })
}

// redeliveryLoop periodically scans for frames that have sat unacked
// past ackTimeout and asks the broker to redeliver them, pacing
// requests with redeliverLimiter so a large unacked backlog cannot
// flood the broker with repeated redelivery asks.
func (c *Consumer) redeliveryLoop() {
	ticker := time.NewTicker(c.ackTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			expired := c.expiredFrames()
			if len(expired) == 0 {
				continue
			}
			if !c.redeliverLimiter.Allow() {
				continue
			}
			_ = c.conn.SendFire(wire.CmdRedeliverUnacknowledged, &wire.RedeliverUnacknowledged{
				ConsumerID: c.consumerID,
				MessageIDs: expired,
			}, nil)
		}
	}
}

// expiredFrames returns the distinct wire frame IDs (the granularity the
// broker's own unacked tracking understands) with at least one sub-entry
// that has sat unacked past ackTimeout.
func (c *Consumer) expiredFrames() []string {
	deadline := time.Now().Add(-c.ackTimeout)
	c.mu.Lock()
	defer c.mu.Unlock()
	frames := make(map[string]bool)
	for id, deliveredAt := range c.unacked {
		if deliveredAt.Before(deadline) {
			frames[c.frameOf[id]] = true
		}
	}
	if len(frames) == 0 {
		return nil
	}
	expired := make([]string, 0, len(frames))
	for f := range frames {
		expired = append(expired, f)
	}
	return expired
}
