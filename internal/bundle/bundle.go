// Package bundle implements the bundle transition state machine: the
// unload and split operations that change which bundles exist and who
// may claim them, always recording the new state durably before
// releasing the old ownership claim so a crash mid-transition never
// leaves a bundle with no record at all.
//
// Each transition records an explicit state per bundle in the metadata
// store and only advances it after the triggering write is durable — the same
// durable-write-before-release discipline a reconcile loop uses when
// tracking a watched object's state.
package bundle

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/topicmesh/broker/errs"
	"github.com/topicmesh/broker/internal/metastore"
	"github.com/topicmesh/broker/internal/ownership"
	"github.com/topicmesh/broker/internal/ring"
)

const transitionPrefix = "transitions/"

// bundleConfigPrefix mirrors the Lookup Engine's namespace bundles
// descriptor key (internal/lookup's bundleConfigPrefix); Split CASes
// against the same key so a broker resolving a lookup on the Lookup
// Engine's side observes the new boundary the moment the split commits.
const bundleConfigPrefix = "bundle-config/"

// maxSplitResolutionDepth bounds how many times ResolveRedirect will
// chase a chain of splits-of-splits before giving up, so a corrupt or
// cyclic transition record can never hang a lookup.
const maxSplitResolutionDepth = 32

// State is a bundle's transition status, recorded durably so every
// broker observing the metadata store agrees on it.
type State string

const (
	// StateStable means no transition is in progress.
	StateStable State = "stable"
	// StateUnloading means the owning broker is draining connections
	// and will release its claim; the bundle remains otherwise unchanged.
	StateUnloading State = "unloading"
	// StateSplitting means the bundle's range is being replaced by two
	// sub-bundles; lookups for the parent range must redirect to
	// whichever sub-bundle now covers the requested hash.
	StateSplitting State = "splitting"
)

// Record is the durable transition record for a single bundle.
type Record struct {
	Bundle    string
	State     State
	Version   string
	SubLower  string
	SubUpper  string
	UpdatedAt time.Time
}

// Manager drives bundle transitions on top of an Ownership Registry and
// the raw metastore (for transition records, which outlive any single
// ownership claim).
type Manager struct {
	store    metastore.Store
	registry *ownership.Registry
	log      *logrus.Entry
}

// New constructs a Manager.
func New(store metastore.Store, registry *ownership.Registry, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{store: store, registry: registry, log: log.WithField("component", "bundle")}
}

func transitionKey(bundle string) string { return transitionPrefix + bundle }

// Transition returns the current transition record for bundle, defaulting
// to StateStable if none has ever been recorded.
func (m *Manager) Transition(ctx context.Context, bundle string) (Record, error) {
	entry, err := m.store.Get(ctx, transitionKey(bundle))
	if err != nil {
		if errs.Matches(err, errs.KindNotFound) {
			return Record{Bundle: bundle, State: StateStable}, nil
		}
		return Record{}, err
	}
	return decodeRecord(bundle, entry), nil
}

// Unload begins releasing ownership of bundle, currently held under
// claimVersion. The transition record is written (CAS against any prior
// record) before the ownership claim is released, so a crash between the
// two leaves the bundle durably marked "unloading" rather than silently
// still owned.
func (m *Manager) Unload(ctx context.Context, bundle, claimVersion string) error {
	if err := m.writeRecord(ctx, bundle, Record{Bundle: bundle, State: StateUnloading}); err != nil {
		return err
	}
	if err := m.registry.Release(ctx, bundle, claimVersion); err != nil {
		return err
	}
	if err := m.clearRecord(ctx, bundle); err != nil {
		m.log.WithError(err).WithField("bundle", bundle).Warn("failed to clear transition record after unload")
	}
	m.log.WithField("bundle", bundle).Info("bundle unloaded")
	return nil
}

// Split replaces bundle with two sub-bundles at its hash-range midpoint.
// For split safety, the split record (naming both sub-bundles) is
// written durably first; only then is the namespace bundles descriptor
// updated (CAS on its policies version, inserting the new midpoint
// boundary, so every broker's next policies watch sees the same bundle
// layout) and finally the parent's ownership claim is released,
// guaranteeing that any broker which observes the parent claim gone
// also observes where its range went.
func (m *Manager) Split(ctx context.Context, namespaceKey string, parent ring.Bundle, claimVersion string) (lower, upper ring.Bundle, err error) {
	lower, upper = ring.Split(parent)
	name := parent.Name()

	record := Record{
		Bundle:   name,
		State:    StateSplitting,
		SubLower: lower.Name(),
		SubUpper: upper.Name(),
	}
	if err := m.writeRecord(ctx, name, record); err != nil {
		return ring.Bundle{}, ring.Bundle{}, err
	}
	if err := m.insertBoundary(ctx, namespaceKey, uint32(upper.Lo)); err != nil {
		return ring.Bundle{}, ring.Bundle{}, err
	}
	if err := m.registry.Release(ctx, name, claimVersion); err != nil {
		return ring.Bundle{}, ring.Bundle{}, err
	}
	m.log.WithFields(logrus.Fields{"bundle": name, "lower": lower.Name(), "upper": upper.Name()}).Info("bundle split")
	return lower, upper, nil
}

// insertBoundary CASes the namespace's bundles descriptor, inserting
// boundary if it is not already present, retrying on concurrent writers
// until it either lands the write or exhausts its retry budget.
func (m *Manager) insertBoundary(ctx context.Context, namespaceKey string, boundary uint32) error {
	key := bundleConfigPrefix + namespaceKey
	for attempt := 0; attempt < maxSplitResolutionDepth; attempt++ {
		entry, err := m.store.Get(ctx, key)
		if err != nil {
			if errs.Matches(err, errs.KindNotFound) {
				// no descriptor persisted yet; the Lookup Engine writes the
				// default on first read, so there is nothing to CAS against.
				return nil
			}
			return err
		}
		boundaries, err := decodeBoundaries(entry.Value)
		if err != nil {
			return err
		}
		if contains(boundaries, boundary) {
			return nil
		}
		boundaries = append(boundaries, boundary)
		if _, err := ring.Validate(boundaries); err != nil {
			return err
		}
		_, err = m.store.Put(ctx, key, encodeBoundaries(boundaries), entry.Version)
		if err == nil {
			return nil
		}
		if !errs.Matches(err, errs.KindPreconditionFailed) && !errs.Matches(err, errs.KindConflict) {
			return err
		}
	}
	return errs.New(errs.KindConflict, "exceeded retries CASing bundles descriptor for namespace %q", namespaceKey)
}

func contains(boundaries []uint32, b uint32) bool {
	for _, existing := range boundaries {
		if existing == b {
			return true
		}
	}
	return false
}

// ResolveRedirect reports whether bundle is mid-split and, if so, which
// leaf sub-bundle name covers hash, composing across repeated splits: if
// the chosen sub-bundle has itself since been split, resolution
// continues into its own transition record rather than stopping one
// level down — used by the Lookup Engine to redirect a request that
// arrived for a bundle no longer being served.
func (m *Manager) ResolveRedirect(ctx context.Context, bundle string, hash uint32) (string, bool, error) {
	current := bundle
	redirected := false
	for i := 0; i < maxSplitResolutionDepth; i++ {
		rec, err := m.Transition(ctx, current)
		if err != nil {
			return "", false, err
		}
		if rec.State != StateSplitting {
			break
		}
		lowerBundle, err := parseBundleName(rec.SubLower)
		if err != nil {
			return "", false, err
		}
		if hash < lowerBundle.Hi {
			current = rec.SubLower
		} else {
			current = rec.SubUpper
		}
		redirected = true
	}
	return current, redirected, nil
}

func (m *Manager) writeRecord(ctx context.Context, bundle string, rec Record) error {
	payload := encodeRecord(rec)
	existing, err := m.store.Get(ctx, transitionKey(bundle))
	if err != nil {
		if !errs.Matches(err, errs.KindNotFound) {
			return err
		}
		_, err = m.store.Put(ctx, transitionKey(bundle), payload, "")
		return err
	}
	_, err = m.store.Put(ctx, transitionKey(bundle), payload, existing.Version)
	return err
}

func (m *Manager) clearRecord(ctx context.Context, bundle string) error {
	existing, err := m.store.Get(ctx, transitionKey(bundle))
	if err != nil {
		if errs.Matches(err, errs.KindNotFound) {
			return nil
		}
		return err
	}
	return m.store.Delete(ctx, transitionKey(bundle), existing.Version)
}

func encodeRecord(rec Record) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s", rec.State, rec.SubLower, rec.SubUpper))
}

func decodeRecord(bundle string, entry metastore.Entry) Record {
	var state, lower, upper string
	parts := splitPipe(string(entry.Value))
	if len(parts) == 3 {
		state, lower, upper = parts[0], parts[1], parts[2]
	}
	return Record{
		Bundle:   bundle,
		State:    State(state),
		Version:  entry.Version,
		SubLower: lower,
		SubUpper: upper,
	}
}

func splitPipe(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func parseBundleName(name string) (ring.Bundle, error) {
	return ring.ParseName(name)
}

// encodeBoundaries and decodeBoundaries must stay byte-compatible with
// the Lookup Engine's own boundary codec, since both read and CAS the
// same bundle-config/<namespace> metastore entry.
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
