// Package connpool implements the connection pool: up to
// MaxConnectionsPerHost physical connections (one by default) per
// distinct broker address, shared across every producer and consumer
// that currently needs them, with request/response correlation
// multiplexed over each connection and a bounded number of concurrent
// in-flight lookups.
//
// Each pool entry is an in-process wrapper around a single outbound
// connection, handing back typed responses to callers, dialed on first
// use; a failed dial is returned to the caller and not retried with
// backoff — a slot table of raw net.Conn handshake futures rather than
// a single shared client, since this protocol is a bespoke binary
// frame, not gRPC.
package connpool

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/topicmesh/broker/errs"
	"github.com/topicmesh/broker/internal/wire"
)

// PushHandler receives frames that are not responses to a pending
// request: MESSAGE, SEND_RECEIPT, SEND_ERROR, CLOSE_PRODUCER,
// CLOSE_CONSUMER, REACHED_END_OF_TOPIC. The client producer/consumer
// layer registers one to demultiplex these by producer/consumer id.
type PushHandler func(cmdType wire.CommandType, cmd interface{}, payload []byte)

// CommandResult is a decoded response frame delivered to a waiting caller.
type CommandResult struct {
	Type    wire.CommandType
	Command interface{}
	Payload []byte
}

// Connection is a single, shared, physical connection to one broker
// address, handling the CONNECT handshake, request/response correlation,
// and dispatch of unsolicited push frames.
type Connection struct {
	logicalAddr  string
	physicalAddr string

	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex

	nextRequestID uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan CommandResult

	pushHandler PushHandler

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error

	log *logrus.Entry
}

// Dial opens a new physical connection to physicalAddr, completes the
// CONNECT/CONNECTED handshake, and starts its read loop. logicalAddr is
// recorded for logging/metrics only; the pool, not the Connection,
// decides how logical addresses map to physical ones.
func Dial(ctx context.Context, logicalAddr, physicalAddr string, dialer *net.Dialer, pushHandler PushHandler, log *logrus.Entry) (*Connection, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if dialer == nil {
		dialer = &net.Dialer{Timeout: 10 * time.Second}
	}

	conn, err := dialer.DialContext(ctx, "tcp", physicalAddr)
	if err != nil {
		return nil, errs.Wrap(errs.KindDisconnected, err, "dial %s", physicalAddr)
	}

	c := &Connection{
		logicalAddr:  logicalAddr,
		physicalAddr: physicalAddr,
		conn:         conn,
		reader:       bufio.NewReader(conn),
		pending:      make(map[uint64]chan CommandResult),
		pushHandler:  pushHandler,
		closed:       make(chan struct{}),
		log:          log.WithFields(logrus.Fields{"component": "connpool", "logical": logicalAddr, "physical": physicalAddr}),
	}

	if err := c.handshake(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

func (c *Connection) handshake(ctx context.Context) error {
	if err := wire.WriteFrame(c.conn, wire.CmdConnect, &wire.Connect{
		ClientVersion:   "topicmesh-client",
		ProtocolVersion: 1,
	}, nil); err != nil {
		return err
	}

	type result struct {
		err error
	}
	done := make(chan result, 1)
	go func() {
		cmdType, cmdBytes, _, err := wire.ReadFrame(c.reader)
		if err != nil {
			done <- result{err: err}
			return
		}
		if cmdType != wire.CmdConnected {
			done <- result{err: errs.New(errs.KindDisconnected, "expected CONNECTED, got command type %d", cmdType)}
			return
		}
		if _, err := wire.DecodeCommand(cmdType, cmdBytes); err != nil {
			done <- result{err: err}
			return
		}
		done <- result{}
	}()

	select {
	case r := <-done:
		return r.err
	case <-ctx.Done():
		return errs.Wrap(errs.KindTimeout, ctx.Err(), "handshake with %s", c.physicalAddr)
	}
}

// NextRequestID returns a fresh, monotonically increasing request id
// scoped to this connection.
func (c *Connection) NextRequestID() uint64 {
	return atomic.AddUint64(&c.nextRequestID, 1)
}

// SendRequest writes a request frame tagged with requestID and blocks
// until the matching response frame arrives, ctx is canceled, or the
// connection closes.
func (c *Connection) SendRequest(ctx context.Context, requestID uint64, cmdType wire.CommandType, cmd interface{}, payload []byte) (CommandResult, error) {
	ch := make(chan CommandResult, 1)
	c.pendingMu.Lock()
	c.pending[requestID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, requestID)
		c.pendingMu.Unlock()
	}()

	if err := c.writeFrame(cmdType, cmd, payload); err != nil {
		return CommandResult{}, err
	}

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return CommandResult{}, errs.Wrap(errs.KindTimeout, ctx.Err(), "awaiting response to request %d", requestID)
	case <-c.closed:
		return CommandResult{}, c.err()
	}
}

// SendFire writes a frame with no corresponding correlated response
// (e.g. SEND, ACK, FLOW); any eventual reply arrives through pushHandler.
func (c *Connection) SendFire(cmdType wire.CommandType, cmd interface{}, payload []byte) error {
	return c.writeFrame(cmdType, cmd, payload)
}

func (c *Connection) writeFrame(cmdType wire.CommandType, cmd interface{}, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return c.err()
	default:
	}
	return wire.WriteFrame(c.conn, cmdType, cmd, payload)
}

func (c *Connection) readLoop() {
	for {
		cmdType, cmdBytes, payload, err := wire.ReadFrame(c.reader)
		if err != nil {
			c.close(err)
			return
		}
		cmd, err := wire.DecodeCommand(cmdType, cmdBytes)
		if err != nil {
			c.log.WithError(err).Warn("dropping undecodable frame")
			continue
		}

		if requestID, ok := extractRequestID(cmdType, cmd); ok {
			c.pendingMu.Lock()
			ch, found := c.pending[requestID]
			c.pendingMu.Unlock()
			if found {
				ch <- CommandResult{Type: cmdType, Command: cmd, Payload: payload}
				continue
			}
		}

		if c.pushHandler != nil {
			c.pushHandler(cmdType, cmd, payload)
		}
	}
}

func extractRequestID(cmdType wire.CommandType, cmd interface{}) (uint64, bool) {
	switch cmdType {
	case wire.CmdLookupResponse:
		return cmd.(*wire.LookupResponse).RequestID, true
	case wire.CmdPartitionedTopicMetadataResponse:
		return cmd.(*wire.PartitionedTopicMetadataResponse).RequestID, true
	case wire.CmdProducerSuccess:
		return cmd.(*wire.ProducerSuccess).RequestID, true
	case wire.CmdSuccess:
		return cmd.(*wire.Success).RequestID, true
	case wire.CmdError:
		return cmd.(*wire.Error).RequestID, true
	default:
		return 0, false
	}
}

// Close shuts down the connection's socket and unblocks every pending
// request with an error.
func (c *Connection) Close() error {
	_ = c.conn.Close()
	c.close(errs.New(errs.KindDisconnected, "connection to %s closed", c.physicalAddr))
	return nil
}

func (c *Connection) close(cause error) {
	c.closeOnce.Do(func() {
		c.closeErr = cause
		close(c.closed)
		c.pendingMu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
		c.log.WithError(cause).Info("connection closed")
	})
}

func (c *Connection) err() error {
	if c.closeErr != nil {
		return c.closeErr
	}
	return errs.New(errs.KindDisconnected, "connection to %s closed", c.physicalAddr)
}

// Done reports a channel closed when this connection has shut down.
func (c *Connection) Done() <-chan struct{} { return c.closed }
