// Package client implements the producer, single-topic consumer, and
// multi-topic/pattern consumer on top of the internal connection pool
// and wire protocol.
package client

import (
	"sync"
	"sync/atomic"

	"github.com/topicmesh/broker/internal/connpool"
	"github.com/topicmesh/broker/internal/wire"
)

// producerPushHandler receives the asynchronous replies to a producer's
// SEND frames, which are not correlated by request id (see
// internal/connpool's extractRequestID) but by producer id.
type producerPushHandler interface {
	onSendReceipt(*wire.SendReceipt)
	onSendError(*wire.SendError)
}

// consumerPushHandler receives the asynchronous pushes addressed to one
// consumer id.
type consumerPushHandler interface {
	onMessage(msg *wire.Message, payload []byte)
	onCloseConsumer(*wire.CloseConsumer)
	onReachedEndOfTopic(*wire.ReachedEndOfTopic)
}

// dispatcher demultiplexes push frames arriving on any pooled connection
// to the producer or consumer they belong to, by producer/consumer id.
// One dispatcher is shared by every Producer/Consumer built on the same
// connpool.Pool, since a single physical connection may carry traffic
// for several of each at once.
type dispatcher struct {
	nextID uint64

	mu        sync.RWMutex
	producers map[uint64]producerPushHandler
	consumers map[uint64]consumerPushHandler
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		producers: make(map[uint64]producerPushHandler),
		consumers: make(map[uint64]consumerPushHandler),
	}
}

func (d *dispatcher) nextEntityID() uint64 {
	return atomic.AddUint64(&d.nextID, 1)
}

func (d *dispatcher) registerProducer(id uint64, h producerPushHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.producers[id] = h
}

func (d *dispatcher) unregisterProducer(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.producers, id)
}

func (d *dispatcher) registerConsumer(id uint64, h consumerPushHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consumers[id] = h
}

func (d *dispatcher) unregisterConsumer(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.consumers, id)
}

// handle is registered as the connpool.PushHandler for every connection
// in the shared pool.
func (d *dispatcher) handle(cmdType wire.CommandType, cmd interface{}, payload []byte) {
	switch cmdType {
	case wire.CmdSendReceipt:
		c := cmd.(*wire.SendReceipt)
		if h := d.producerFor(c.ProducerID); h != nil {
			h.onSendReceipt(c)
		}
	case wire.CmdSendError:
		c := cmd.(*wire.SendError)
		if h := d.producerFor(c.ProducerID); h != nil {
			h.onSendError(c)
		}
	case wire.CmdMessage:
		c := cmd.(*wire.Message)
		if h := d.consumerFor(c.ConsumerID); h != nil {
			h.onMessage(c, payload)
		}
	case wire.CmdCloseConsumer:
		c := cmd.(*wire.CloseConsumer)
		if h := d.consumerFor(c.ConsumerID); h != nil {
			h.onCloseConsumer(c)
		}
	case wire.CmdReachedEndOfTopic:
		c := cmd.(*wire.ReachedEndOfTopic)
		if h := d.consumerFor(c.ConsumerID); h != nil {
			h.onReachedEndOfTopic(c)
		}
	}
}

func (d *dispatcher) producerFor(id uint64) producerPushHandler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.producers[id]
}

func (d *dispatcher) consumerFor(id uint64) consumerPushHandler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.consumers[id]
}

// pushHandlerFor adapts a dispatcher into a connpool.PushHandler.
func pushHandlerFor(d *dispatcher) connpool.PushHandler {
	return d.handle
}
