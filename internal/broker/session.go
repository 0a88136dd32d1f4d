package broker

import (
	"bufio"
	"context"
	"fmt"
	"hash/crc32"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/topicmesh/broker/errs"
	"github.com/topicmesh/broker/internal/lookup"
	"github.com/topicmesh/broker/internal/wire"
)

type producerState struct {
	topic string
	name  string
}

type consumerState struct {
	handle *consumerHandle
	topic  *topicState
	sub    string
}

// session is one client connection's dispatch loop and local bookkeeping.
type session struct {
	server *Server
	conn   net.Conn
	log    *logrus.Entry

	writeMu sync.Mutex

	mu        sync.Mutex
	producers map[uint64]*producerState
	consumers map[uint64]*consumerState
}

func (s *session) run(ctx context.Context, r *bufio.Reader) {
	s.producers = make(map[uint64]*producerState)
	s.consumers = make(map[uint64]*consumerState)

	cmdType, cmdBytes, _, err := wire.ReadFrame(r)
	if err != nil {
		s.log.WithError(err).Debug("connection closed before CONNECT")
		return
	}
	if cmdType != wire.CmdConnect {
		s.log.Warn("first frame was not CONNECT")
		return
	}
	if _, err := wire.DecodeCommand(cmdType, cmdBytes); err != nil {
		s.log.WithError(err).Warn("malformed CONNECT")
		return
	}
	if err := s.writeFrame(wire.CmdConnected, &wire.Connected{ServerVersion: "topicmesh", ProtocolVersion: 1}, nil); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		cmdType, cmdBytes, payload, err := wire.ReadFrame(r)
		if err != nil {
			s.log.WithError(err).Debug("session read loop ended")
			return
		}
		cmd, err := wire.DecodeCommand(cmdType, cmdBytes)
		if err != nil {
			s.log.WithError(err).Warn("dropping undecodable frame")
			continue
		}
		s.dispatch(ctx, cmdType, cmd, payload)
	}
}

func (s *session) dispatch(ctx context.Context, cmdType wire.CommandType, cmd interface{}, payload []byte) {
	switch cmdType {
	case wire.CmdLookup:
		s.handleLookup(ctx, cmd.(*wire.Lookup))
	case wire.CmdPartitionedTopicMetadata:
		s.handlePartitionedTopicMetadata(cmd.(*wire.PartitionedTopicMetadata))
	case wire.CmdProducer:
		s.handleProducer(cmd.(*wire.Producer))
	case wire.CmdSend:
		s.handleSend(cmd.(*wire.Send), payload)
	case wire.CmdSubscribe:
		s.handleSubscribe(cmd.(*wire.Subscribe))
	case wire.CmdFlow:
		s.handleFlow(cmd.(*wire.Flow))
	case wire.CmdAck:
		s.handleAck(cmd.(*wire.Ack))
	case wire.CmdRedeliverUnacknowledged:
		s.handleRedeliver(cmd.(*wire.RedeliverUnacknowledged))
	case wire.CmdCloseProducer:
		s.handleCloseProducer(cmd.(*wire.CloseProducer))
	case wire.CmdCloseConsumer:
		s.handleCloseConsumer(cmd.(*wire.CloseConsumer))
	default:
		s.log.WithField("command_type", cmdType).Warn("unhandled command type")
	}
}

func (s *session) handleLookup(ctx context.Context, cmd *wire.Lookup) {
	res, err := s.server.engine.Lookup(ctx, cmd.Topic, cmd.Authoritative)
	if err != nil {
		s.writeError(cmd.RequestID, err)
		return
	}
	resp := &wire.LookupResponse{RequestID: cmd.RequestID, Authoritative: res.Authoritative, BrokerAddress: res.BrokerAddress}
	switch res.Outcome {
	case lookup.OutcomeConnect:
		resp.Type = wire.LookupConnect
	case lookup.OutcomeRedirect:
		resp.Type = wire.LookupRedirect
	default:
		resp.Type = wire.LookupFailed
	}
	_ = s.writeFrame(wire.CmdLookupResponse, resp, nil)
}

func (s *session) handlePartitionedTopicMetadata(cmd *wire.PartitionedTopicMetadata) {
	_ = s.writeFrame(wire.CmdPartitionedTopicMetadataResponse, &wire.PartitionedTopicMetadataResponse{
		RequestID:  cmd.RequestID,
		Partitions: s.server.partitionsFor(cmd.Topic),
	}, nil)
}

func (s *session) handleProducer(cmd *wire.Producer) {
	name := cmd.ProducerName
	if name == "" {
		name = "producer-" + uuid.NewString()
	}
	s.mu.Lock()
	s.producers[cmd.ProducerID] = &producerState{topic: cmd.Topic, name: name}
	s.mu.Unlock()

	lastSeq := s.server.topic(cmd.Topic).lastSequenceID(name)
	_ = s.writeFrame(wire.CmdProducerSuccess, &wire.ProducerSuccess{
		RequestID:      cmd.RequestID,
		ProducerName:   name,
		LastSequenceID: lastSeq,
	}, nil)
}

func (s *session) handleSend(cmd *wire.Send, payload []byte) {
	s.mu.Lock()
	p, ok := s.producers[cmd.ProducerID]
	s.mu.Unlock()
	if !ok {
		s.writeError(0, errs.New(errs.KindInvalidMessage, "send from unknown producer %d", cmd.ProducerID))
		return
	}

	t := s.server.topic(p.topic)
	if t.duplicate(p.name, cmd.SequenceID) {
		_ = s.writeFrame(wire.CmdSendReceipt, &wire.SendReceipt{
			ProducerID: cmd.ProducerID,
			SequenceID: cmd.SequenceID,
			MessageID:  fmt.Sprintf("%s:%d", p.name, cmd.SequenceID),
		}, nil)
		return
	}

	messageID := fmt.Sprintf("%s:%d", p.name, cmd.SequenceID)
	t.deliver(deliverable{
		messageID:   messageID,
		payload:     payload,
		checksum:    crc32.ChecksumIEEE(payload),
		numMessages: cmd.NumMessages,
	})

	_ = s.writeFrame(wire.CmdSendReceipt, &wire.SendReceipt{
		ProducerID: cmd.ProducerID,
		SequenceID: cmd.SequenceID,
		MessageID:  messageID,
	}, nil)
}

func (s *session) handleSubscribe(cmd *wire.Subscribe) {
	t := s.server.topic(cmd.Topic)
	sub := t.subscription(cmd.Subscription, cmd.Type)
	handle := newConsumerHandle(cmd.ConsumerID, s)
	sub.addConsumer(handle)

	s.mu.Lock()
	s.consumers[cmd.ConsumerID] = &consumerState{handle: handle, topic: t, sub: cmd.Subscription}
	s.mu.Unlock()

	_ = s.writeFrame(wire.CmdSuccess, &wire.Success{RequestID: cmd.RequestID}, nil)
}

func (s *session) handleFlow(cmd *wire.Flow) {
	s.mu.Lock()
	c, ok := s.consumers[cmd.ConsumerID]
	s.mu.Unlock()
	if !ok {
		return
	}
	c.handle.addPermits(cmd.Permits)
}

func (s *session) handleAck(cmd *wire.Ack) {
	s.mu.Lock()
	c, ok := s.consumers[cmd.ConsumerID]
	s.mu.Unlock()
	if !ok {
		return
	}
	cumulative := cmd.Type == wire.AckCumulative
	for _, id := range cmd.MessageIDs {
		c.handle.ack(id, cumulative)
	}
}

func (s *session) handleRedeliver(cmd *wire.RedeliverUnacknowledged) {
	s.mu.Lock()
	c, ok := s.consumers[cmd.ConsumerID]
	s.mu.Unlock()
	if !ok {
		return
	}
	c.handle.redeliver(cmd.MessageIDs)
}

func (s *session) handleCloseProducer(cmd *wire.CloseProducer) {
	s.mu.Lock()
	delete(s.producers, cmd.ProducerID)
	s.mu.Unlock()
	_ = s.writeFrame(wire.CmdSuccess, &wire.Success{RequestID: cmd.RequestID}, nil)
}

func (s *session) handleCloseConsumer(cmd *wire.CloseConsumer) {
	s.mu.Lock()
	c, ok := s.consumers[cmd.ConsumerID]
	delete(s.consumers, cmd.ConsumerID)
	s.mu.Unlock()
	if ok {
		c.topic.mu.Lock()
		for _, sub := range c.topic.subs {
			sub.removeConsumer(cmd.ConsumerID)
		}
		c.topic.mu.Unlock()
	}
	_ = s.writeFrame(wire.CmdSuccess, &wire.Success{RequestID: cmd.RequestID}, nil)
}

func (s *session) pushMessage(consumerID uint64, msg deliverable) {
	_ = s.writeFrame(wire.CmdMessage, &wire.Message{
		ConsumerID:  consumerID,
		MessageID:   msg.messageID,
		Properties:  msg.properties,
		Checksum:    msg.checksum,
		NumMessages: msg.numMessages,
	}, msg.payload)
}

func (s *session) writeError(requestID uint64, err error) {
	_ = s.writeFrame(wire.CmdError, &wire.Error{
		RequestID: requestID,
		Kind:      string(errs.KindOf(err)),
		Message:   err.Error(),
	}, nil)
}

func (s *session) writeFrame(cmdType wire.CommandType, cmd interface{}, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wire.WriteFrame(s.conn, cmdType, cmd, payload)
}
