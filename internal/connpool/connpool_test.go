package connpool_test

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/topicmesh/broker/internal/connpool"
	"github.com/topicmesh/broker/internal/wire"
)

// fakeBroker accepts one connection, completes the CONNECT handshake,
// then answers every Lookup it receives with a Connect-type response
// addressed to itself.
func fakeBroker(t *testing.T, addr string) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)

		cmdType, _, _, err := wire.ReadFrame(r)
		if err != nil || cmdType != wire.CmdConnect {
			return
		}
		if err := wire.WriteFrame(conn, wire.CmdConnected, &wire.Connected{ServerVersion: "test", ProtocolVersion: 1}, nil); err != nil {
			return
		}

		for {
			cmdType, cmdBytes, _, err := wire.ReadFrame(r)
			if err != nil {
				return
			}
			if cmdType != wire.CmdLookup {
				continue
			}
			decoded, err := wire.DecodeCommand(cmdType, cmdBytes)
			if err != nil {
				return
			}
			req := decoded.(*wire.Lookup)
			_ = wire.WriteFrame(conn, wire.CmdLookupResponse, &wire.LookupResponse{
				RequestID:     req.RequestID,
				Type:          wire.LookupConnect,
				BrokerAddress: addr,
				Authoritative: true,
			}, nil)
		}
	}()
	return ln
}

func TestPoolGetDialsAndHandshakes(t *testing.T) {
	ln := fakeBroker(t, "127.0.0.1:17650")
	defer ln.Close()

	p := connpool.New(connpool.Config{}, nil)
	defer p.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := p.Get(ctx, "127.0.0.1:17650")
	require.NoError(t, err)
	require.NotNil(t, conn)
}

func TestPoolReusesConnectionForSameLogicalAddress(t *testing.T) {
	ln := fakeBroker(t, "127.0.0.1:17651")
	defer ln.Close()

	p := connpool.New(connpool.Config{}, nil)
	defer p.CloseAll()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c1, err := p.Get(ctx, "127.0.0.1:17651")
	require.NoError(t, err)
	c2, err := p.Get(ctx, "127.0.0.1:17651")
	require.NoError(t, err)
	assert.Same(t, c1, c2)
}

func TestSendRequestCorrelatesResponse(t *testing.T) {
	ln := fakeBroker(t, "127.0.0.1:17652")
	defer ln.Close()

	p := connpool.New(connpool.Config{}, nil)
	defer p.CloseAll()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := p.Get(ctx, "127.0.0.1:17652")
	require.NoError(t, err)

	reqID := conn.NextRequestID()
	res, err := conn.SendRequest(ctx, reqID, wire.CmdLookup, &wire.Lookup{RequestID: reqID, Topic: "persistent://a/b/c/d"}, nil)
	require.NoError(t, err)
	assert.Equal(t, wire.CmdLookupResponse, res.Type)
	resp := res.Command.(*wire.LookupResponse)
	assert.Equal(t, reqID, resp.RequestID)
	assert.Equal(t, "127.0.0.1:17652", resp.BrokerAddress)
}

func TestAcquireLookupSlotBoundsConcurrency(t *testing.T) {
	p := connpool.New(connpool.Config{MaxInFlightLookups: 1}, nil)

	ctx := context.Background()
	release, err := p.AcquireLookupSlot(ctx)
	require.NoError(t, err)

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = p.AcquireLookupSlot(shortCtx)
	require.Error(t, err, "second acquire should block until the first is released")

	release()
}

func TestEvictForcesRedial(t *testing.T) {
	ln := fakeBroker(t, "127.0.0.1:17653")
	defer ln.Close()

	p := connpool.New(connpool.Config{}, nil)
	defer p.CloseAll()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c1, err := p.Get(ctx, "127.0.0.1:17653")
	require.NoError(t, err)
	p.Evict("127.0.0.1:17653")

	c2, err := p.Get(ctx, "127.0.0.1:17653")
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
}
