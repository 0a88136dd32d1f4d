package broker

import (
	"sync"

	"github.com/topicmesh/broker/internal/wire"
)

// deliverable is one message queued for delivery to a subscription's
// consumer(s).
type deliverable struct {
	messageID   string
	payload     []byte
	properties  map[string]string
	checksum    uint32
	numMessages int32
}

// subscription fans a topic's messages out to its consumer(s): Exclusive
// and Failover route every message to a single active consumer, Shared
// round-robins across all of them.
type subscription struct {
	subType wire.SubscriptionType

	mu        sync.Mutex
	consumers []*consumerHandle
	nextRR    int
}

func newSubscription(subType wire.SubscriptionType) *subscription {
	return &subscription{subType: subType}
}

func (s *subscription) addConsumer(c *consumerHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumers = append(s.consumers, c)
}

func (s *subscription) removeConsumer(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.consumers {
		if c.id == id {
			s.consumers = append(s.consumers[:i], s.consumers[i+1:]...)
			return
		}
	}
}

func (s *subscription) deliver(msg deliverable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.consumers) == 0 {
		return
	}
	switch s.subType {
	case wire.SubscriptionShared:
		s.nextRR = s.nextRR % len(s.consumers)
		s.consumers[s.nextRR].enqueue(msg)
		s.nextRR++
	default: // Exclusive, Failover: single active consumer is consumers[0].
		s.consumers[0].enqueue(msg)
	}
}

// consumerHandle is one consumer's flow-controlled delivery queue, plus
// the in-flight (delivered-but-unacked) messages that RedeliverUnacknowledged
// can push back onto the front of the queue.
type consumerHandle struct {
	id   uint64
	sess *session

	mu           sync.Mutex
	permits      int32
	queue        []deliverable
	unackedOrder []string
	unacked      map[string]deliverable
}

func newConsumerHandle(id uint64, sess *session) *consumerHandle {
	return &consumerHandle{id: id, sess: sess, unacked: make(map[string]deliverable)}
}

func (c *consumerHandle) addPermits(n int32) {
	c.mu.Lock()
	c.permits += n
	c.mu.Unlock()
	c.pump()
}

func (c *consumerHandle) enqueue(msg deliverable) {
	c.mu.Lock()
	c.queue = append(c.queue, msg)
	c.mu.Unlock()
	c.pump()
}

func (c *consumerHandle) pump() {
	for {
		c.mu.Lock()
		if c.permits <= 0 || len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		msg := c.queue[0]
		c.queue = c.queue[1:]
		c.permits--
		if _, seen := c.unacked[msg.messageID]; !seen {
			c.unackedOrder = append(c.unackedOrder, msg.messageID)
		}
		c.unacked[msg.messageID] = msg
		c.mu.Unlock()
		c.sess.pushMessage(c.id, msg)
	}
}

// ack removes messageID (and, for a cumulative ack, every message
// delivered before it) from the unacked set.
func (c *consumerHandle) ack(messageID string, cumulative bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !cumulative {
		delete(c.unacked, messageID)
		for i, id := range c.unackedOrder {
			if id == messageID {
				c.unackedOrder = append(c.unackedOrder[:i], c.unackedOrder[i+1:]...)
				break
			}
		}
		return
	}
	cut := len(c.unackedOrder)
	for i, id := range c.unackedOrder {
		delete(c.unacked, id)
		if id == messageID {
			cut = i + 1
			break
		}
	}
	c.unackedOrder = c.unackedOrder[cut:]
}

// redeliver re-queues the named unacked messages (or, if messageIDs is
// empty, every currently unacked message) at the front of the delivery
// queue, preserving their original delivery order, and resumes pumping.
func (c *consumerHandle) redeliver(messageIDs []string) {
	c.mu.Lock()
	var ids []string
	if len(messageIDs) == 0 {
		ids = append(ids, c.unackedOrder...)
	} else {
		seen := make(map[string]bool, len(messageIDs))
		for _, id := range messageIDs {
			seen[id] = true
		}
		for _, id := range c.unackedOrder {
			if seen[id] {
				ids = append(ids, id)
			}
		}
	}
	resend := make([]deliverable, 0, len(ids))
	for _, id := range ids {
		if msg, ok := c.unacked[id]; ok {
			resend = append(resend, msg)
			delete(c.unacked, id)
		}
	}
	kept := c.unackedOrder[:0:0]
	redelivering := make(map[string]bool, len(ids))
	for _, id := range ids {
		redelivering[id] = true
	}
	for _, id := range c.unackedOrder {
		if !redelivering[id] {
			kept = append(kept, id)
		}
	}
	c.unackedOrder = kept
	c.queue = append(resend, c.queue...)
	c.mu.Unlock()
	c.pump()
}
