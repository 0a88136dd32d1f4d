package connpool

import (
	"context"
	"math/rand"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/topicmesh/broker/errs"
)

// DefaultMaxConnectionsPerHost is the slot count per logical address used
// when Config.MaxConnectionsPerHost is unset.
const DefaultMaxConnectionsPerHost = 1

// Resolver maps a logical broker address (as returned by a lookup) to
// the physical address that should actually be dialed. Most deployments
// have logical == physical; the distinction exists for setups that place
// a proxy or service mesh sidecar between client and broker.
type Resolver func(logicalAddr string) (physicalAddr string, err error)

// Pool is the Connection Pool: keyed by logical broker address, each key
// holds up to MaxConnectionsPerHost slots (a random slot is chosen per
// request to spread load), plus a semaphore bounding concurrent
// in-flight lookup requests across the whole pool so a burst of cold
// lookups cannot exhaust file descriptors or overwhelm a single broker.
type Pool struct {
	resolve     Resolver
	dialer      *net.Dialer
	pushHandler PushHandler
	log         *logrus.Entry

	maxConnsPerHost int

	lookupSem *semaphore.Weighted

	mu    sync.Mutex
	hosts map[string][]*slot
}

type slot struct {
	mu   sync.Mutex
	conn *Connection
	// connecting is non-nil while a Dial for this slot is in flight, so
	// concurrent callers for the same slot await the same attempt
	// instead of each dialing their own connection.
	connecting chan struct{}
	err        error
}

// Config holds Pool construction parameters.
type Config struct {
	Resolver             Resolver
	Dialer               *net.Dialer
	PushHandler          PushHandler
	MaxInFlightLookups   int64
	MaxConnectionsPerHost int
}

// New constructs a Pool. A nil Resolver treats every logical address as
// its own physical address.
func New(cfg Config, log *logrus.Entry) *Pool {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	resolve := cfg.Resolver
	if resolve == nil {
		resolve = func(logical string) (string, error) { return logical, nil }
	}
	maxInFlight := cfg.MaxInFlightLookups
	if maxInFlight <= 0 {
		maxInFlight = 64
	}
	maxConnsPerHost := cfg.MaxConnectionsPerHost
	if maxConnsPerHost <= 0 {
		maxConnsPerHost = DefaultMaxConnectionsPerHost
	}
	return &Pool{
		resolve:         resolve,
		dialer:          cfg.Dialer,
		pushHandler:     cfg.PushHandler,
		log:             log.WithField("component", "connpool"),
		maxConnsPerHost: maxConnsPerHost,
		lookupSem:       semaphore.NewWeighted(maxInFlight),
		hosts:           make(map[string][]*slot),
	}
}

// slotsFor returns (lazily allocating) the fixed-size slot table for
// logicalAddr, without dialing any of them.
func (p *Pool) slotsFor(logicalAddr string) []*slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	slots, ok := p.hosts[logicalAddr]
	if !ok {
		slots = make([]*slot, p.maxConnsPerHost)
		for i := range slots {
			slots[i] = &slot{}
		}
		p.hosts[logicalAddr] = slots
	}
	return slots
}

// Get returns a Connection for logicalAddr, picking a random slot out of
// up to MaxConnectionsPerHost to spread load, dialing and handshaking a
// new connection for that slot if none exists yet or the previous one
// has closed.
func (p *Pool) Get(ctx context.Context, logicalAddr string) (*Connection, error) {
	slots := p.slotsFor(logicalAddr)
	s := slots[rand.Intn(len(slots))]

	s.mu.Lock()
	if s.conn != nil {
		select {
		case <-s.conn.Done():
			// stale; fall through and redial.
			s.conn = nil
		default:
			conn := s.conn
			s.mu.Unlock()
			return conn, nil
		}
	}
	if s.connecting == nil {
		s.connecting = make(chan struct{})
		s.mu.Unlock()

		physical, err := p.resolve(logicalAddr)
		if err != nil {
			s.mu.Lock()
			s.err = err
			close(s.connecting)
			s.connecting = nil
			s.mu.Unlock()
			return nil, err
		}

		conn, dialErr := Dial(ctx, logicalAddr, physical, p.dialer, p.pushHandler, p.log)

		s.mu.Lock()
		s.conn, s.err = conn, dialErr
		close(s.connecting)
		s.connecting = nil
		s.mu.Unlock()

		if dialErr != nil {
			return nil, dialErr
		}
		return conn, nil
	}

	waiting := s.connecting
	s.mu.Unlock()

	select {
	case <-waiting:
	case <-ctx.Done():
		return nil, errs.Wrap(errs.KindTimeout, ctx.Err(), "awaiting connection to %s", logicalAddr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn, s.err
}

// AcquireLookupSlot blocks until a bounded lookup slot is free, capping
// concurrent in-flight lookups. Callers must call the returned release
// function exactly once.
func (p *Pool) AcquireLookupSlot(ctx context.Context) (release func(), err error) {
	if err := p.lookupSem.Acquire(ctx, 1); err != nil {
		return nil, errs.Wrap(errs.KindTimeout, err, "acquire lookup slot")
	}
	return func() { p.lookupSem.Release(1) }, nil
}

// CloseAll closes every pooled connection.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, slots := range p.hosts {
		for _, s := range slots {
			s.mu.Lock()
			if s.conn != nil {
				_ = s.conn.Close()
			}
			s.mu.Unlock()
		}
		delete(p.hosts, addr)
	}
}

// Evict drops every pooled connection slot for logicalAddr (if any)
// without closing them, used when a caller has already observed one
// dead.
func (p *Pool) Evict(logicalAddr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.hosts, logicalAddr)
}
