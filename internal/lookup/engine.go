// Package lookup implements the lookup engine: resolving a topic name to
// the broker that owns (or should own) its bundle, and redirecting when it
// does not. The engine does not count redirects; the client bounds how
// many it follows (client.DefaultMaxLookupRedirects).
//
// The request-handling shape is one logger per request and a single
// resolve-then-respond method; cross-cluster redirection for global
// namespaces follows the same "remote discovery" idea as federated
// service discovery.
package lookup

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/topicmesh/broker/errs"
	"github.com/topicmesh/broker/internal/bundle"
	"github.com/topicmesh/broker/internal/metastore"
	"github.com/topicmesh/broker/internal/ownership"
	"github.com/topicmesh/broker/internal/ring"
	"github.com/topicmesh/broker/internal/topicname"
)

// Outcome is the shape of a lookup resolution, mirroring wire.LookupType.
type Outcome int

const (
	OutcomeConnect Outcome = iota
	OutcomeRedirect
	OutcomeFailed
)

// Result is the Lookup Engine's answer to one lookup request.
type Result struct {
	Outcome       Outcome
	BrokerAddress string
	Authoritative bool
}

const bundleConfigPrefix = "bundle-config/"

// Engine resolves topic lookups against the Ownership Registry and
// Bundle Transition State Machine, deferring unowned-bundle assignment
// to the cluster's elected leader.
type Engine struct {
	store     metastore.Store
	registry  *ownership.Registry
	bundles   *bundle.Manager
	loadStore *LoadReportStore
	leader    *LeaderElector

	selfAddress        string
	claimTTL           time.Duration
	defaultBundleCount int

	// Candidates lists every broker address eligible for a new bundle
	// assignment, including selfAddress. Tests supply a static list;
	// production wires this to the broker registry.
	Candidates func() []string

	log *logrus.Entry
}

// Config holds Engine construction parameters.
type Config struct {
	SelfAddress        string
	ClaimTTL           time.Duration
	DefaultBundleCount int
	Candidates         func() []string
}

// New constructs a Lookup Engine. leader may be nil, in which case this
// broker always behaves as if it were leader (suitable for a
// single-broker deployment or tests).
func New(store metastore.Store, registry *ownership.Registry, bundles *bundle.Manager, loadStore *LoadReportStore, leader *LeaderElector, cfg Config, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.ClaimTTL == 0 {
		cfg.ClaimTTL = ownership.DefaultClaimTTL
	}
	if cfg.DefaultBundleCount == 0 {
		cfg.DefaultBundleCount = 16
	}
	candidates := cfg.Candidates
	if candidates == nil {
		candidates = func() []string { return []string{cfg.SelfAddress} }
	}
	return &Engine{
		store:              store,
		registry:           registry,
		bundles:            bundles,
		loadStore:          loadStore,
		leader:             leader,
		selfAddress:        cfg.SelfAddress,
		claimTTL:           cfg.ClaimTTL,
		defaultBundleCount: cfg.DefaultBundleCount,
		Candidates:         candidates,
		log:                log.WithField("component", "lookup"),
	}
}

// Lookup resolves topic to the broker that owns (or should own) it.
func (e *Engine) Lookup(ctx context.Context, rawTopic string, authoritative bool) (Result, error) {
	name, err := topicname.Parse(rawTopic)
	if err != nil {
		return Result{}, err
	}
	log := e.log.WithFields(logrus.Fields{"topic": rawTopic, "authoritative": authoritative})

	bundles, err := e.bundlesFor(ctx, name.NamespaceKey())
	if err != nil {
		return Result{}, err
	}

	hash := ring.HashOf(name.Canonical())
	b, err := ring.BundleFor(hash, bundles)
	if err != nil {
		return Result{}, err
	}
	bundleName := b.Name()

	if redirectName, ok, err := e.bundles.ResolveRedirect(ctx, bundleName, hash); err != nil {
		return Result{}, err
	} else if ok {
		log.WithField("redirect_bundle", redirectName).Debug("bundle mid-split, redirecting to sub-bundle")
		bundleName = redirectName
	}

	claim, err := e.registry.Lookup(ctx, bundleName)
	if err == nil {
		if claim.Owner == e.selfAddress {
			return Result{Outcome: OutcomeConnect, BrokerAddress: claim.Owner, Authoritative: true}, nil
		}
		return Result{Outcome: OutcomeRedirect, BrokerAddress: claim.Owner, Authoritative: true}, nil
	}
	if !errs.Matches(err, errs.KindNotFound) {
		return Result{}, err
	}

	// bundle is unowned.
	if !authoritative {
		target := e.selfAddress
		if e.leader != nil {
			if id := e.leader.LeaderIdentity(); id != "" {
				target = id
			}
		}
		log.WithField("redirect_to", target).Debug("unowned bundle, redirecting for authoritative assignment")
		return Result{Outcome: OutcomeRedirect, BrokerAddress: target, Authoritative: true}, nil
	}

	// authoritative=true against an unowned bundle: per the fixed
	// resolution of this case (see the ledger's open-question section),
	// only the leader may assign it, to bound the redirect chain to one
	// hop rather than letting every broker race to acquire.
	if e.leader != nil && !e.leader.IsLeader() {
		leaderID := e.leader.LeaderIdentity()
		if leaderID == "" {
			return Result{Outcome: OutcomeFailed}, errs.New(errs.KindServiceNotReady, "no lookup leader elected yet")
		}
		return Result{Outcome: OutcomeRedirect, BrokerAddress: leaderID, Authoritative: true}, nil
	}

	assignee, ok := e.loadStore.LeastLoaded(e.Candidates())
	if !ok {
		return Result{Outcome: OutcomeFailed}, errs.New(errs.KindServiceNotReady, "no candidate brokers available")
	}

	if assignee != e.selfAddress {
		log.WithField("assignee", assignee).Debug("deferring bundle assignment to least-loaded peer")
		return Result{Outcome: OutcomeRedirect, BrokerAddress: assignee, Authoritative: true}, nil
	}

	if _, err := e.registry.TryAcquire(ctx, bundleName, e.selfAddress, e.claimTTL); err != nil {
		if errs.Matches(err, errs.KindConflict) {
			claim, lookupErr := e.registry.Lookup(ctx, bundleName)
			if lookupErr != nil {
				return Result{}, lookupErr
			}
			if claim.Owner == e.selfAddress {
				return Result{Outcome: OutcomeConnect, BrokerAddress: claim.Owner, Authoritative: true}, nil
			}
			return Result{Outcome: OutcomeRedirect, BrokerAddress: claim.Owner, Authoritative: true}, nil
		}
		return Result{}, err
	}
	log.Info("assigned previously unowned bundle to self")
	return Result{Outcome: OutcomeConnect, BrokerAddress: e.selfAddress, Authoritative: true}, nil
}

func (e *Engine) bundlesFor(ctx context.Context, namespaceKey string) (ring.Bundles, error) {
	key := bundleConfigPrefix + namespaceKey
	entry, err := e.store.Get(ctx, key)
	if err == nil {
		boundaries, parseErr := decodeBoundaries(entry.Value)
		if parseErr != nil {
			return ring.Bundles{}, parseErr
		}
		return ring.Validate(boundaries)
	}
	if !errs.Matches(err, errs.KindNotFound) {
		return ring.Bundles{}, err
	}

	defaults, err := ring.Default(e.defaultBundleCount)
	if err != nil {
		return ring.Bundles{}, err
	}
	if _, putErr := e.store.Put(ctx, key, encodeBoundaries(defaults.Boundaries), ""); putErr != nil && !errs.Matches(putErr, errs.KindAlreadyExists) {
		return ring.Bundles{}, putErr
	}
	return defaults, nil
}

func encodeBoundaries(boundaries []uint32) []byte {
	parts := make([]string, len(boundaries))
	for i, b := range boundaries {
		parts[i] = strconv.FormatUint(uint64(b), 10)
	}
	return []byte(strings.Join(parts, ","))
}

func decodeBoundaries(raw []byte) ([]uint32, error) {
	fields := strings.Split(string(raw), ",")
	out := make([]uint32, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.ParseUint(f, 10, 32)
		if err != nil {
			return nil, errs.Wrap(errs.KindInvalidBundles, err, "parse bundle boundary %q", f)
		}
		out = append(out, uint32(n))
	}
	return out, nil
}
