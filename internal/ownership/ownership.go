// Package ownership implements the ownership registry: the
// at-most-one-owner claim over each bundle, backed by an ephemeral
// metastore entry so a crashed or partitioned broker's claims are
// automatically released.
//
// It keeps a per-key registry of live claims and prunes entries as their
// backing resource disappears, the same shape a registry of live
// watchers uses to prune entries as the watched resource disappears;
// here the "key" is a bundle name and the "resource" is the ephemeral
// claim itself.
package ownership

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/topicmesh/broker/errs"
	"github.com/topicmesh/broker/internal/metastore"
)

const keyPrefix = "ownership/"

// DefaultClaimTTL is how long a claim survives without renewal before
// another broker may treat the bundle as unowned.
const DefaultClaimTTL = 30 * time.Second

// Claim describes a bundle's current ownership.
type Claim struct {
	Bundle    string
	Owner     string
	Version   string
	ExpiresAt time.Time
}

// Registry is the Ownership Registry: a thin, logged wrapper around a
// metastore.Store scoped to the ownership/ key prefix.
type Registry struct {
	store metastore.Store
	log   *logrus.Entry
}

// New constructs a Registry over store.
func New(store metastore.Store, log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{store: store, log: log.WithField("component", "ownership")}
}

func claimKey(bundle string) string { return keyPrefix + bundle }

// TryAcquire attempts to claim bundle for owner. It fails with
// errs.KindConflict if another broker already holds a live claim.
func (r *Registry) TryAcquire(ctx context.Context, bundle, owner string, ttl time.Duration) (Claim, error) {
	entry, err := r.store.CreateEphemeral(ctx, claimKey(bundle), []byte(owner), ttl)
	if err != nil {
		if errs.Matches(err, errs.KindAlreadyExists) {
			r.log.WithFields(logrus.Fields{"bundle": bundle, "owner": owner}).Debug("bundle already owned")
			return Claim{}, errs.New(errs.KindConflict, "bundle %q already owned", bundle)
		}
		return Claim{}, err
	}
	r.log.WithFields(logrus.Fields{"bundle": bundle, "owner": owner}).Info("acquired bundle ownership")
	return entryToClaim(bundle, entry), nil
}

// Renew extends an existing claim. version must match the claim's
// current version (from a prior TryAcquire/Renew/Lookup), guarding
// against renewing a claim lost to and reacquired by another broker.
func (r *Registry) Renew(ctx context.Context, bundle, version string, ttl time.Duration) (Claim, error) {
	entry, err := r.store.RenewEphemeral(ctx, claimKey(bundle), version, nil, ttl)
	if err != nil {
		return Claim{}, err
	}
	return entryToClaim(bundle, entry), nil
}

// Release voluntarily gives up a claim, e.g. before a graceful unload.
func (r *Registry) Release(ctx context.Context, bundle, version string) error {
	err := r.store.Delete(ctx, claimKey(bundle), version)
	if err != nil {
		return err
	}
	r.log.WithField("bundle", bundle).Info("released bundle ownership")
	return nil
}

// Lookup returns the current owner of bundle, or errs.KindNotFound if
// the bundle is unowned (no claim, or the claim's lease has expired).
func (r *Registry) Lookup(ctx context.Context, bundle string) (Claim, error) {
	entry, err := r.store.Get(ctx, claimKey(bundle))
	if err != nil {
		return Claim{}, err
	}
	return entryToClaim(bundle, entry), nil
}

// List returns every currently live claim.
func (r *Registry) List(ctx context.Context) ([]Claim, error) {
	entries, err := r.store.List(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}
	claims := make([]Claim, 0, len(entries))
	for _, e := range entries {
		claims = append(claims, entryToClaim(e.Key[len(keyPrefix):], e))
	}
	return claims, nil
}

// Event mirrors metastore.Event at the ownership layer, reporting
// acquisitions and releases (including lease expiry) of any bundle.
type Event struct {
	Type  metastore.EventType
	Claim Claim
}

// Watch subscribes to ownership changes across every bundle.
func (r *Registry) Watch(ctx context.Context) (<-chan Event, func(), error) {
	w, err := r.store.Watch(ctx, keyPrefix)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		for ev := range w.Events() {
			bundle := ev.Entry.Key[len(keyPrefix):]
			select {
			case out <- Event{Type: ev.Type, Claim: entryToClaim(bundle, ev.Entry)}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, w.Stop, nil
}

func entryToClaim(bundle string, e metastore.Entry) Claim {
	return Claim{
		Bundle:    bundle,
		Owner:     string(e.Value),
		Version:   e.Version,
		ExpiresAt: e.ExpiresAt,
	}
}
