// Producer publishes to one (possibly partitioned) topic: for a
// partitioned topic it fans out into N per-partition sub-producers
// behind a router (key-hash or round-robin), each handling its own
// topic resolution, sequence-id assignment for dedup, batching, and a
// bounded pending-send queue so a slow or wedged broker applies
// backpressure to callers instead of unbounded buffering.
//
// In-flight sends are tracked in a registry keyed by sequence id, pruned
// under a mutex as each send's response arrives.
package client

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/topicmesh/broker/errs"
	"github.com/topicmesh/broker/internal/connpool"
	"github.com/topicmesh/broker/internal/topicname"
	"github.com/topicmesh/broker/internal/wire"
)

// DefaultMaxPendingMessages bounds how many sends may be in flight
// (written but not yet acknowledged) before Send blocks.
const DefaultMaxPendingMessages = 1000

// DefaultMaxMessageSize is the largest payload Send accepts, reserving
// headroom in wire.MaxFrameSize for the command envelope and, for
// batches, sibling entries sharing the same frame.
const DefaultMaxMessageSize = wire.MaxFrameSize - 64*1024

// DefaultBatchingMaxMessages is how many pending sends accumulate into
// one SEND frame before a batch flushes, when ProducerConfig.BatchingMaxMessages
// is unset.
const DefaultBatchingMaxMessages = 1

// DefaultBatchingMaxPublishDelay is the longest a partially-filled batch
// waits for more messages before flushing anyway.
const DefaultBatchingMaxPublishDelay = 10 * time.Millisecond

// SendResult is the outcome of one successfully acknowledged send.
type SendResult struct {
	MessageID string
}

// ProducerConfig configures a Producer.
type ProducerConfig struct {
	Topic              string
	Name               string
	MaxPendingMessages int

	// MaxMessageSize overrides DefaultMaxMessageSize.
	MaxMessageSize int
	// BatchingMaxMessages caps how many sends one SEND frame carries;
	// <= 1 disables batching (every Send flushes immediately).
	BatchingMaxMessages int
	// BatchingMaxPublishDelay caps how long a partially-filled batch
	// waits for more messages before flushing anyway.
	BatchingMaxPublishDelay time.Duration
}

// Producer publishes messages to one topic, partitioned or not.
type Producer struct {
	topic string

	subs   []*subProducer
	nextRR uint64
}

// NewProducer resolves cfg.Topic's partition count and builds either a
// single producer (non-partitioned) or one sub-producer per partition
// plus a router: a message with a key routes to hash(key) mod N,
// otherwise partitions are chosen round-robin.
func (c *Client) NewProducer(ctx context.Context, cfg ProducerConfig) (*Producer, error) {
	partitions, err := c.partitionCount(ctx, cfg.Topic)
	if err != nil {
		return nil, err
	}

	if partitions <= 0 {
		sp, err := c.newSubProducer(ctx, cfg, cfg.Topic)
		if err != nil {
			return nil, err
		}
		return &Producer{topic: cfg.Topic, subs: []*subProducer{sp}}, nil
	}

	name, err := topicname.Parse(cfg.Topic)
	if err != nil {
		return nil, err
	}

	subs := make([]*subProducer, 0, partitions)
	for i := int32(0); i < partitions; i++ {
		partitionTopic := name.WithPartition(int(i)).String()
		sp, err := c.newSubProducer(ctx, cfg, partitionTopic)
		if err != nil {
			for _, built := range subs {
				_ = built.close(context.Background())
			}
			return nil, errs.Wrap(errs.KindServiceNotReady, err, "creating partition %d producer for %q", i, cfg.Topic)
		}
		subs = append(subs, sp)
	}
	return &Producer{topic: cfg.Topic, subs: subs}, nil
}

// Send publishes payload with no routing key (round-robin across
// partitions, if any) and blocks until the broker acknowledges it.
func (p *Producer) Send(ctx context.Context, payload []byte) (SendResult, error) {
	return p.SendWithKey(ctx, "", payload)
}

// SendWithKey publishes payload, routed by key to partition
// hash(key) mod N when the topic is partitioned and key is non-empty;
// an empty key (or a non-partitioned topic) round-robins.
func (p *Producer) SendWithKey(ctx context.Context, key string, payload []byte) (SendResult, error) {
	sp := p.route(key)
	return sp.send(ctx, payload)
}

func (p *Producer) route(key string) *subProducer {
	if len(p.subs) == 1 {
		return p.subs[0]
	}
	if key != "" {
		h := fnv.New32a()
		_, _ = h.Write([]byte(key))
		return p.subs[h.Sum32()%uint32(len(p.subs))]
	}
	idx := atomic.AddUint64(&p.nextRR, 1) - 1
	return p.subs[idx%uint64(len(p.subs))]
}

// Close unregisters every partition's sub-producer from the broker.
func (p *Producer) Close(ctx context.Context) error {
	var firstErr error
	for _, sp := range p.subs {
		if err := sp.close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// subProducer is a single-partition (or non-partitioned) producer: one
// broker connection, one producer id, one monotone sequence number, and
// its own batching buffer.
type subProducer struct {
	client *Client
	topic  string
	name   string

	conn       *connpool.Connection
	producerID uint64

	seq int64

	maxMessageSize          int
	batchingMaxMessages     int
	batchingMaxPublishDelay time.Duration

	// sem bounds the number of sends in flight (written but not yet
	// acknowledged); send acquires a slot before writing and releases it
	// once the broker responds, applying backpressure instead of
	// buffering without bound.
	sem chan struct{}

	mu      sync.Mutex
	pending map[int64]chan sendOutcome
	batch   *pendingBatch

	log *logrus.Entry
}

// pendingBatch accumulates Send calls bound for a single flush: each
// buffered entry is length-prefixed into one concatenated payload, and
// the whole batch is sent as a single SEND frame sharing one sequence
// id, with per-entry outcomes fanned back out once the broker responds.
type pendingBatch struct {
	entries []batchEntry
	size    int
	timer   *time.Timer
}

type batchEntry struct {
	payload []byte
	result  chan sendOutcome
}

type sendOutcome struct {
	messageID string
	err       error
}

func (c *Client) newSubProducer(ctx context.Context, cfg ProducerConfig, topic string) (*subProducer, error) {
	if cfg.MaxPendingMessages <= 0 {
		cfg.MaxPendingMessages = DefaultMaxPendingMessages
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.BatchingMaxMessages <= 0 {
		cfg.BatchingMaxMessages = DefaultBatchingMaxMessages
	}
	if cfg.BatchingMaxPublishDelay <= 0 {
		cfg.BatchingMaxPublishDelay = DefaultBatchingMaxPublishDelay
	}
	name := cfg.Name
	if name == "" {
		name = "producer-" + uuid.NewString()
	}

	addr, err := c.lookupTopic(ctx, topic)
	if err != nil {
		return nil, err
	}
	conn, err := c.pool.Get(ctx, addr)
	if err != nil {
		return nil, err
	}

	producerID := c.dispatcher.nextEntityID()
	sp := &subProducer{
		client:                  c,
		topic:                   topic,
		name:                    name,
		conn:                    conn,
		producerID:              producerID,
		seq:                     -1,
		maxMessageSize:          cfg.MaxMessageSize,
		batchingMaxMessages:     cfg.BatchingMaxMessages,
		batchingMaxPublishDelay: cfg.BatchingMaxPublishDelay,
		sem:                     make(chan struct{}, cfg.MaxPendingMessages),
		pending:                 make(map[int64]chan sendOutcome),
		log:                     c.log.WithFields(logrus.Fields{"component": "producer", "topic": topic}),
	}
	c.dispatcher.registerProducer(producerID, sp)

	reqID := conn.NextRequestID()
	res, err := conn.SendRequest(ctx, reqID, wire.CmdProducer, &wire.Producer{
		RequestID:    reqID,
		ProducerID:   producerID,
		Topic:        topic,
		ProducerName: name,
	}, nil)
	if err != nil {
		c.dispatcher.unregisterProducer(producerID)
		return nil, err
	}
	success, ok := res.Command.(*wire.ProducerSuccess)
	if !ok {
		c.dispatcher.unregisterProducer(producerID)
		return nil, errs.New(errs.KindInvalidMessage, "unexpected response registering producer")
	}
	sp.name = success.ProducerName
	sp.seq = success.LastSequenceID
	return sp, nil
}

// send enqueues payload into the current batch (flushing immediately if
// batching is disabled, the batch just filled, or adding payload would
// overflow the current batch; a payload larger than the maximum message
// size is rejected), and blocks until the broker acknowledges it or ctx
// is canceled.
func (sp *subProducer) send(ctx context.Context, payload []byte) (SendResult, error) {
	if sp.batchingMaxMessages <= 1 {
		if len(payload) > sp.maxMessageSize {
			return SendResult{}, errs.New(errs.KindInvalidMessage, "message size %d exceeds max %d", len(payload), sp.maxMessageSize)
		}
		return sp.sendOne(ctx, payload)
	}

	select {
	case sp.sem <- struct{}{}:
	case <-ctx.Done():
		return SendResult{}, errs.Wrap(errs.KindTimeout, ctx.Err(), "send blocked on backpressure")
	}
	released := false
	release := func() {
		if !released {
			released = true
			<-sp.sem
		}
	}
	defer release()

	ch := make(chan sendOutcome, 1)
	if err := sp.enqueueBatch(payload, ch); err != nil {
		return SendResult{}, err
	}

	select {
	case out := <-ch:
		if out.err != nil {
			return SendResult{}, out.err
		}
		return SendResult{MessageID: out.messageID}, nil
	case <-ctx.Done():
		return SendResult{}, errs.Wrap(errs.KindTimeout, ctx.Err(), "awaiting send acknowledgment")
	case <-sp.conn.Done():
		return SendResult{}, errs.New(errs.KindDisconnected, "producer connection closed before acknowledgment")
	}
}

// enqueueBatch appends (payload, result) to the in-progress batch,
// flushing it immediately if this entry fills it or would overflow the
// frame's pre-compression size limit, and otherwise arming a timer that
// flushes after batchingMaxPublishDelay if nothing else does first.
func (sp *subProducer) enqueueBatch(payload []byte, result chan sendOutcome) error {
	sp.mu.Lock()
	entrySize := 4 + len(payload)
	if sp.batch != nil && sp.batch.size+entrySize > sp.maxMessageSize {
		sp.flushLocked()
	}
	if sp.batch == nil {
		sp.batch = &pendingBatch{}
		sp.batch.timer = time.AfterFunc(sp.batchingMaxPublishDelay, func() {
			sp.mu.Lock()
			sp.flushLocked()
			sp.mu.Unlock()
		})
	}
	if len(sp.batch.entries) == 0 && entrySize > sp.maxMessageSize {
		sp.mu.Unlock()
		return errs.New(errs.KindInvalidMessage, "message size %d exceeds max %d", len(payload), sp.maxMessageSize)
	}
	sp.batch.entries = append(sp.batch.entries, batchEntry{payload: payload, result: result})
	sp.batch.size += entrySize
	flush := len(sp.batch.entries) >= sp.batchingMaxMessages
	if flush {
		sp.flushLocked()
	}
	sp.mu.Unlock()
	return nil
}

// flushLocked sends the in-progress batch as one SEND frame and clears
// it. Callers must hold sp.mu.
func (sp *subProducer) flushLocked() {
	batch := sp.batch
	sp.batch = nil
	if batch == nil || len(batch.entries) == 0 {
		return
	}
	batch.timer.Stop()

	seq := atomic.AddInt64(&sp.seq, 1)
	sp.pending[seq] = make(chan sendOutcome, 1)
	resultCh := sp.pending[seq]

	payload := encodeBatch(batch.entries)
	go func() {
		err := sp.conn.SendFire(wire.CmdSend, &wire.Send{
			ProducerID:  sp.producerID,
			SequenceID:  seq,
			NumMessages: int32(len(batch.entries)),
		}, payload)
		if err != nil {
			sp.mu.Lock()
			delete(sp.pending, seq)
			sp.mu.Unlock()
			for _, e := range batch.entries {
				e.result <- sendOutcome{err: err}
			}
			return
		}
		out := <-resultCh
		for _, e := range batch.entries {
			e.result <- out
		}
	}()
}

// encodeBatch concatenates entries as [4-byte BE length][payload]...,
// the sub-entry format a Consumer's batch expansion decodes.
func encodeBatch(entries []batchEntry) []byte {
	total := 0
	for _, e := range entries {
		total += 4 + len(e.payload)
	}
	out := make([]byte, 0, total)
	var lenBuf [4]byte
	for _, e := range entries {
		lenBuf[0] = byte(len(e.payload) >> 24)
		lenBuf[1] = byte(len(e.payload) >> 16)
		lenBuf[2] = byte(len(e.payload) >> 8)
		lenBuf[3] = byte(len(e.payload))
		out = append(out, lenBuf[:]...)
		out = append(out, e.payload...)
	}
	return out
}

// sendOne writes a single, unbatched SEND frame directly and blocks for
// its acknowledgment, bypassing the batching buffer entirely.
func (sp *subProducer) sendOne(ctx context.Context, payload []byte) (SendResult, error) {
	select {
	case sp.sem <- struct{}{}:
	case <-ctx.Done():
		return SendResult{}, errs.Wrap(errs.KindTimeout, ctx.Err(), "send blocked on backpressure")
	}

	seq := atomic.AddInt64(&sp.seq, 1)
	ch := make(chan sendOutcome, 1)
	sp.mu.Lock()
	sp.pending[seq] = ch
	sp.mu.Unlock()
	defer func() {
		sp.mu.Lock()
		delete(sp.pending, seq)
		sp.mu.Unlock()
		<-sp.sem
	}()

	if err := sp.conn.SendFire(wire.CmdSend, &wire.Send{
		ProducerID:  sp.producerID,
		SequenceID:  seq,
		NumMessages: 1,
	}, payload); err != nil {
		return SendResult{}, err
	}

	select {
	case out := <-ch:
		if out.err != nil {
			return SendResult{}, out.err
		}
		return SendResult{MessageID: out.messageID}, nil
	case <-ctx.Done():
		return SendResult{}, errs.Wrap(errs.KindTimeout, ctx.Err(), "awaiting send acknowledgment")
	case <-sp.conn.Done():
		return SendResult{}, errs.New(errs.KindDisconnected, "producer connection closed before acknowledgment")
	}
}

// close unregisters the sub-producer from the broker.
func (sp *subProducer) close(ctx context.Context) error {
	defer sp.client.dispatcher.unregisterProducer(sp.producerID)
	reqID := sp.conn.NextRequestID()
	_, err := sp.conn.SendRequest(ctx, reqID, wire.CmdCloseProducer, &wire.CloseProducer{
		RequestID:  reqID,
		ProducerID: sp.producerID,
	}, nil)
	return err
}

func (sp *subProducer) onSendReceipt(r *wire.SendReceipt) {
	sp.mu.Lock()
	ch, ok := sp.pending[r.SequenceID]
	sp.mu.Unlock()
	if ok {
		ch <- sendOutcome{messageID: r.MessageID}
	}
}

func (sp *subProducer) onSendError(e *wire.SendError) {
	sp.mu.Lock()
	ch, ok := sp.pending[e.SequenceID]
	sp.mu.Unlock()
	if ok {
		ch <- sendOutcome{err: errs.New(errs.Kind(e.ErrorKind), "%s", e.Message)}
	}
}
