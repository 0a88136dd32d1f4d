// Package wire implements the client/broker binary protocol: a
// length-prefixed frame carrying a tagged command, with an optional raw
// message payload trailing the command for SEND and MESSAGE frames.
//
// The 4-byte big-endian length header is built directly on
// encoding/binary — the minimal, correct tool for a framing concern this
// specific, rather than a decorative dependency wrapping it. Command and
// metadata payloads, however, are structured data and are encoded with
// vmihailenco/msgpack/v5 instead of a second hand-rolled struct encoder.
package wire

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/topicmesh/broker/errs"
)

// MaxFrameSize is the largest frame this protocol will read or write.
const MaxFrameSize = 5 * 1024 * 1024

// CommandType tags the kind of command carried by a frame.
type CommandType uint16

// Command type tags, one per wire command.
const (
	CmdConnect CommandType = iota + 1
	CmdConnected
	CmdLookup
	CmdLookupResponse
	CmdPartitionedTopicMetadata
	CmdPartitionedTopicMetadataResponse
	CmdProducer
	CmdProducerSuccess
	CmdSend
	CmdSendReceipt
	CmdSendError
	CmdSubscribe
	CmdSuccess
	CmdFlow
	CmdMessage
	CmdAck
	CmdRedeliverUnacknowledged
	CmdCloseProducer
	CmdCloseConsumer
	CmdError
	CmdReachedEndOfTopic
)

// Frame is a single protocol frame: a tagged command plus, for SEND and
// MESSAGE, the raw application payload that follows the command.
type Frame struct {
	Type    CommandType
	Command interface{}
	Payload []byte
}

// WriteFrame encodes cmd as a tagged, msgpack-serialized command,
// appends payload (if non-empty), and writes the whole thing to w as one
// length-prefixed frame.
func WriteFrame(w io.Writer, cmdType CommandType, cmd interface{}, payload []byte) error {
	body, err := msgpack.Marshal(cmd)
	if err != nil {
		return errs.Wrap(errs.KindInvalidMessage, err, "encode command %d", cmdType)
	}

	// frame layout: [u16 type][u32 command-length][command][payload]
	total := 2 + 4 + len(body) + len(payload)
	if total > MaxFrameSize {
		return errs.New(errs.KindInvalidMessage, "frame size %d exceeds max %d", total, MaxFrameSize)
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(total))
	if _, err := w.Write(header); err != nil {
		return errs.Wrap(errs.KindDisconnected, err, "write frame header")
	}

	buf := make([]byte, 2+4)
	binary.BigEndian.PutUint16(buf[0:2], uint16(cmdType))
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(body)))
	if _, err := w.Write(buf); err != nil {
		return errs.Wrap(errs.KindDisconnected, err, "write frame prefix")
	}
	if _, err := w.Write(body); err != nil {
		return errs.Wrap(errs.KindDisconnected, err, "write frame command")
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return errs.Wrap(errs.KindDisconnected, err, "write frame payload")
		}
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r and returns its raw
// command type, command bytes, and trailing payload. Callers use
// DecodeCommand to unmarshal the command bytes into the concrete struct
// matching Type.
func ReadFrame(r *bufio.Reader) (cmdType CommandType, cmdBytes, payload []byte, err error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, nil, errs.Wrap(errs.KindDisconnected, err, "read frame header")
	}
	total := binary.BigEndian.Uint32(header)
	if total > MaxFrameSize {
		return 0, nil, nil, errs.New(errs.KindInvalidMessage, "frame size %d exceeds max %d", total, MaxFrameSize)
	}
	if total < 6 {
		return 0, nil, nil, errs.New(errs.KindInvalidMessage, "frame size %d too small for prefix", total)
	}

	prefix := make([]byte, 6)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return 0, nil, nil, errs.Wrap(errs.KindDisconnected, err, "read frame prefix")
	}
	cmdType = CommandType(binary.BigEndian.Uint16(prefix[0:2]))
	cmdLen := binary.BigEndian.Uint32(prefix[2:6])

	remaining := total - 6
	if uint32(cmdLen) > remaining {
		return 0, nil, nil, errs.New(errs.KindInvalidMessage, "command length %d exceeds frame remainder %d", cmdLen, remaining)
	}

	cmdBytes = make([]byte, cmdLen)
	if _, err := io.ReadFull(r, cmdBytes); err != nil {
		return 0, nil, nil, errs.Wrap(errs.KindDisconnected, err, "read frame command")
	}

	payloadLen := remaining - cmdLen
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, nil, errs.Wrap(errs.KindDisconnected, err, "read frame payload")
		}
	}
	return cmdType, cmdBytes, payload, nil
}

// DecodeCommand unmarshals cmdBytes into a fresh instance of the struct
// registered for cmdType, or returns errs.KindInvalidMessage for an
// unrecognized type.
func DecodeCommand(cmdType CommandType, cmdBytes []byte) (interface{}, error) {
	target := newCommand(cmdType)
	if target == nil {
		return nil, errs.New(errs.KindInvalidMessage, "unknown command type %d", cmdType)
	}
	if err := msgpack.Unmarshal(cmdBytes, target); err != nil {
		return nil, errs.Wrap(errs.KindInvalidMessage, err, "decode command %d", cmdType)
	}
	return target, nil
}

func newCommand(cmdType CommandType) interface{} {
	switch cmdType {
	case CmdConnect:
		return &Connect{}
	case CmdConnected:
		return &Connected{}
	case CmdLookup:
		return &Lookup{}
	case CmdLookupResponse:
		return &LookupResponse{}
	case CmdPartitionedTopicMetadata:
		return &PartitionedTopicMetadata{}
	case CmdPartitionedTopicMetadataResponse:
		return &PartitionedTopicMetadataResponse{}
	case CmdProducer:
		return &Producer{}
	case CmdProducerSuccess:
		return &ProducerSuccess{}
	case CmdSend:
		return &Send{}
	case CmdSendReceipt:
		return &SendReceipt{}
	case CmdSendError:
		return &SendError{}
	case CmdSubscribe:
		return &Subscribe{}
	case CmdSuccess:
		return &Success{}
	case CmdFlow:
		return &Flow{}
	case CmdMessage:
		return &Message{}
	case CmdAck:
		return &Ack{}
	case CmdRedeliverUnacknowledged:
		return &RedeliverUnacknowledged{}
	case CmdCloseProducer:
		return &CloseProducer{}
	case CmdCloseConsumer:
		return &CloseConsumer{}
	case CmdError:
		return &Error{}
	case CmdReachedEndOfTopic:
		return &ReachedEndOfTopic{}
	default:
		return nil
	}
}
