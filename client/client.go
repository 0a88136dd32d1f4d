package client

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/topicmesh/broker/errs"
	"github.com/topicmesh/broker/internal/connpool"
	"github.com/topicmesh/broker/internal/wire"
)

// DefaultMaxLookupRedirects bounds how many times a single topic lookup
// may be redirected before failing, so the redirect chain always
// terminates.
const DefaultMaxLookupRedirects = 5

// Client is the shared entry point producers and consumers are built
// from: one connection pool, one push-frame dispatcher, and the lookup
// bootstrapping logic used to resolve a topic to its owning broker.
type Client struct {
	pool       *connpool.Pool
	dispatcher *dispatcher

	seedAddr            string
	maxLookupRedirects  int
	log                 *logrus.Entry
}

// Config configures a Client.
type Config struct {
	// SeedAddress is any broker address in the cluster used to bootstrap
	// the first lookup; subsequent lookups follow redirects.
	SeedAddress string
	// Resolver optionally maps a logical broker address to a physical
	// dial target.
	Resolver              connpool.Resolver
	Dialer                *net.Dialer
	MaxLookupRedirects    int
	MaxInFlightLookups    int64
	// MaxConnectionsPerHost bounds how many physical connections the pool
	// keeps open per logical broker address; a random one is picked per
	// request to spread load.
	MaxConnectionsPerHost int
}

// New constructs a Client.
func New(cfg Config, log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	d := newDispatcher()
	pool := connpool.New(connpool.Config{
		Resolver:              cfg.Resolver,
		Dialer:                cfg.Dialer,
		PushHandler:           pushHandlerFor(d),
		MaxInFlightLookups:    cfg.MaxInFlightLookups,
		MaxConnectionsPerHost: cfg.MaxConnectionsPerHost,
	}, log)

	maxRedirects := cfg.MaxLookupRedirects
	if maxRedirects <= 0 {
		maxRedirects = DefaultMaxLookupRedirects
	}

	return &Client{
		pool:               pool,
		dispatcher:         d,
		seedAddr:           cfg.SeedAddress,
		maxLookupRedirects: maxRedirects,
		log:                log.WithField("component", "client"),
	}
}

// Close releases every pooled connection.
func (c *Client) Close() { c.pool.CloseAll() }

// lookupTopic resolves topic to the address of the broker a client
// should CONNECT+PRODUCE/SUBSCRIBE against, following LOOKUP redirects
// up to the configured bound.
func (c *Client) lookupTopic(ctx context.Context, topic string) (string, error) {
	addr := c.seedAddr
	authoritative := false

	for attempt := 0; attempt < c.maxLookupRedirects; attempt++ {
		release, err := c.pool.AcquireLookupSlot(ctx)
		if err != nil {
			return "", err
		}
		conn, err := c.pool.Get(ctx, addr)
		release()
		if err != nil {
			return "", err
		}

		reqID := conn.NextRequestID()
		res, err := conn.SendRequest(ctx, reqID, wire.CmdLookup, &wire.Lookup{
			RequestID:     reqID,
			Topic:         topic,
			Authoritative: authoritative,
		}, nil)
		if err != nil {
			return "", err
		}

		switch res.Type {
		case wire.CmdLookupResponse:
			resp := res.Command.(*wire.LookupResponse)
			switch resp.Type {
			case wire.LookupConnect:
				return resp.BrokerAddress, nil
			case wire.LookupRedirect:
				addr = resp.BrokerAddress
				authoritative = resp.Authoritative
				continue
			default:
				return "", errs.New(errs.KindServiceNotReady, "lookup of %q failed", topic)
			}
		case wire.CmdError:
			e := res.Command.(*wire.Error)
			return "", errs.New(errs.Kind(e.Kind), "lookup of %q: %s", topic, e.Message)
		default:
			return "", errs.New(errs.KindInvalidMessage, "unexpected response type %d to lookup", res.Type)
		}
	}
	return "", errs.New(errs.KindTooManyRequests, "exceeded %d lookup redirects for topic %q", c.maxLookupRedirects, topic)
}

// partitionCount resolves topic's bootstrap broker and asks how many
// partitions it has; zero means topic is not partitioned.
func (c *Client) partitionCount(ctx context.Context, topic string) (int32, error) {
	conn, err := c.pool.Get(ctx, c.seedAddr)
	if err != nil {
		return 0, err
	}
	reqID := conn.NextRequestID()
	res, err := conn.SendRequest(ctx, reqID, wire.CmdPartitionedTopicMetadata, &wire.PartitionedTopicMetadata{
		RequestID: reqID,
		Topic:     topic,
	}, nil)
	if err != nil {
		return 0, err
	}
	resp, ok := res.Command.(*wire.PartitionedTopicMetadataResponse)
	if !ok {
		return 0, errs.New(errs.KindInvalidMessage, "unexpected response type %d to partitioned-topic-metadata", res.Type)
	}
	return resp.Partitions, nil
}

func defaultBackoff(attempt int) time.Duration {
	d := time.Duration(attempt+1) * 100 * time.Millisecond
	if d > 5*time.Second {
		return 5 * time.Second
	}
	return d
}
