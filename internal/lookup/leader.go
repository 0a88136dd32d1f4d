package lookup

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	coordinationv1client "k8s.io/client-go/kubernetes/typed/coordination/v1"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"
)

// LeaderElector designates a single broker as leader for the cluster,
// the only broker permitted to assign a newly-claimed, previously-unowned
// bundle. Built directly on k8s.io/client-go/tools/leaderelection, the
// standard package for this kind of single-writer designation.
type LeaderElector struct {
	identity string

	mu             sync.RWMutex
	isLeader       bool
	leaderIdentity string

	elector *leaderelection.LeaderElector
	log     *logrus.Entry
}

// NewLeaderElector constructs an elector that contends for leadership
// using a Lease named leaseName in namespace, identifying itself as
// identity (this broker's address).
func NewLeaderElector(leases coordinationv1client.LeasesGetter, namespace, leaseName, identity string, log *logrus.Entry) (*LeaderElector, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	le := &LeaderElector{identity: identity, log: log.WithField("component", "leader-election")}

	lock, err := resourcelock.New(
		resourcelock.LeasesResourceLock,
		namespace,
		leaseName,
		nil,
		leases,
		resourcelock.ResourceLockConfig{Identity: identity},
	)
	if err != nil {
		return nil, err
	}

	elector, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock:          lock,
		LeaseDuration: 15 * time.Second,
		RenewDeadline: 10 * time.Second,
		RetryPeriod:   2 * time.Second,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(ctx context.Context) {
				le.mu.Lock()
				le.isLeader = true
				le.leaderIdentity = identity
				le.mu.Unlock()
				le.log.Info("became lookup leader")
			},
			OnStoppedLeading: func() {
				le.mu.Lock()
				le.isLeader = false
				le.mu.Unlock()
				le.log.Info("stopped being lookup leader")
			},
			OnNewLeader: func(newIdentity string) {
				le.mu.Lock()
				le.leaderIdentity = newIdentity
				le.mu.Unlock()
				if newIdentity != identity {
					le.log.WithField("leader", newIdentity).Info("observed new lookup leader")
				}
			},
		},
	})
	if err != nil {
		return nil, err
	}
	le.elector = elector
	return le, nil
}

// Run blocks, contending for and renewing leadership until ctx is
// canceled. Callers typically run it in its own goroutine.
func (le *LeaderElector) Run(ctx context.Context) {
	le.elector.Run(ctx)
}

// IsLeader reports whether this broker currently holds leadership.
func (le *LeaderElector) IsLeader() bool {
	le.mu.RLock()
	defer le.mu.RUnlock()
	return le.isLeader
}

// LeaderIdentity returns the identity of the broker currently believed to
// be leader, or "" if none has been observed yet.
func (le *LeaderElector) LeaderIdentity() string {
	le.mu.RLock()
	defer le.mu.RUnlock()
	return le.leaderIdentity
}
