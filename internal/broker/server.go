// Package broker wires the lookup engine, bundle transition state
// machine, and wire protocol codec together into the server side of a
// client connection: CONNECT handshake, LOOKUP resolution, and an
// in-memory producer/consumer relay (durable storage is explicitly out
// of scope — this relay exists only to give PRODUCER/SEND/SUBSCRIBE/ACK
// a concrete, testable effect).
//
// One goroutine per connection, a per-request logger, and a
// dispatch-by-type loop driving typed handler methods.
package broker

import (
	"bufio"
	"context"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/topicmesh/broker/errs"
	"github.com/topicmesh/broker/internal/lookup"
	"github.com/topicmesh/broker/internal/wire"
)

// Server accepts client connections and dispatches their command frames.
type Server struct {
	engine *lookup.Engine
	log    *logrus.Entry

	mu     sync.Mutex
	topics map[string]*topicState

	partitionsMu sync.Mutex
	partitions   map[string]int32
}

// New constructs a Server around engine.
func New(engine *lookup.Engine, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		engine:     engine,
		log:        log.WithField("component", "broker"),
		topics:     make(map[string]*topicState),
		partitions: make(map[string]int32),
	}
}

// SetPartitions records that topic is a partitioned topic with n
// partitions, so a subsequent PARTITIONED_TOPIC_METADATA request answers
// accordingly. Administrative partition assignment otherwise belongs to
// a surface this core does not implement; tests and operators call this
// directly to exercise the partitioned-topic paths.
func (s *Server) SetPartitions(topic string, n int32) {
	s.partitionsMu.Lock()
	defer s.partitionsMu.Unlock()
	s.partitions[topic] = n
}

func (s *Server) partitionsFor(topic string) int32 {
	s.partitionsMu.Lock()
	defer s.partitionsMu.Unlock()
	return s.partitions[topic]
}

// Serve accepts connections on ln until ctx is canceled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errs.Wrap(errs.KindTransient, err, "accept connection")
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	sess := &session{server: s, conn: conn, log: s.log.WithField("remote", conn.RemoteAddr().String())}
	sess.run(ctx, bufio.NewReader(conn))
}

func (s *Server) topic(name string) *topicState {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topics[name]
	if !ok {
		t = newTopicState()
		s.topics[name] = t
	}
	return t
}

// topicState holds the in-memory relay state for one topic: producer
// sequence-id dedup bookkeeping and named subscriptions.
type topicState struct {
	mu   sync.Mutex
	subs map[string]*subscription

	// lastSeqByProducer dedups resent SEND frames against each
	// producer's sequence id.
	lastSeqByProducer map[string]int64
}

func newTopicState() *topicState {
	return &topicState{
		subs:              make(map[string]*subscription),
		lastSeqByProducer: make(map[string]int64),
	}
}

// duplicate reports whether sequenceID has already been seen for
// producerName on this topic, and records it if not.
func (t *topicState) duplicate(producerName string, sequenceID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.lastSeqByProducer[producerName]
	if ok && sequenceID <= last {
		return true
	}
	t.lastSeqByProducer[producerName] = sequenceID
	return false
}

// lastSequenceID returns the last sequence id recorded for producerName,
// or -1 if this producer name has never sent on this topic, so a
// reconnecting producer with a stable name resumes numbering instead of
// restarting from scratch.
func (t *topicState) lastSequenceID(producerName string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.lastSeqByProducer[producerName]; ok {
		return last
	}
	return -1
}

func (t *topicState) subscription(name string, subType wire.SubscriptionType) *subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub, ok := t.subs[name]
	if !ok {
		sub = newSubscription(subType)
		t.subs[name] = sub
	}
	return sub
}

func (t *topicState) deliver(msg deliverable) {
	t.mu.Lock()
	subs := make([]*subscription, 0, len(t.subs))
	for _, sub := range t.subs {
		subs = append(subs, sub)
	}
	t.mu.Unlock()
	for _, sub := range subs {
		sub.deliver(msg)
	}
}
