// Package topicname parses and formats topic names of the form
// `{persistent|non-persistent}://property/cluster/namespace/local`,
// including partitioned-topic suffixes and the reserved
// global-namespace sentinel.
package topicname

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/topicmesh/broker/errs"
)

// Domain is the persistence domain prefix of a topic name.
type Domain string

const (
	// Persistent topics are backed by durable storage (outside this
	// core's scope, but the name grammar still distinguishes the two
	// domains).
	Persistent Domain = "persistent"
	// NonPersistent topics are not backed by durable storage.
	NonPersistent Domain = "non-persistent"

	// GlobalNamespace is the sentinel namespace name whose bundles are
	// looked up across every cluster in the federation rather than
	// scoped to the caller's own cluster.
	GlobalNamespace = "global"

	partitionInfix = "-partition-"
)

// Name is a fully parsed topic name.
type Name struct {
	Domain    Domain
	Property  string
	Cluster   string
	Namespace string
	Local     string

	// Partition is the partition index for a partitioned-topic's
	// internal name, or -1 if this name is not a partition of a
	// partitioned topic.
	Partition int
}

// IsGlobal reports whether this topic's namespace is the reserved
// global-namespace sentinel.
func (n Name) IsGlobal() bool { return n.Namespace == GlobalNamespace }

// IsPartition reports whether this name addresses one partition of a
// partitioned topic rather than the partitioned topic itself.
func (n Name) IsPartition() bool { return n.Partition >= 0 }

// NamespaceKey returns the `property/cluster/namespace` triple that
// bundles are assigned within.
func (n Name) NamespaceKey() string {
	return fmt.Sprintf("%s/%s/%s", n.Property, n.Cluster, n.Namespace)
}

// Canonical returns the byte string hashed onto the bundle ring: the
// full `property/cluster/namespace/local` path, including any partition
// suffix folded into Local so that each partition lands in its own
// bundle independently.
func (n Name) Canonical() string {
	local := n.Local
	if n.IsPartition() {
		local = fmt.Sprintf("%s%s%d", local, partitionInfix, n.Partition)
	}
	return fmt.Sprintf("%s/%s/%s/%s", n.Property, n.Cluster, n.Namespace, local)
}

// String reconstructs the full `domain://property/cluster/namespace/local`
// topic name, including any partition suffix.
func (n Name) String() string {
	local := n.Local
	if n.IsPartition() {
		local = fmt.Sprintf("%s%s%d", local, partitionInfix, n.Partition)
	}
	return fmt.Sprintf("%s://%s/%s/%s/%s", n.Domain, n.Property, n.Cluster, n.Namespace, local)
}

// Parse parses a fully-qualified topic name string. It recognizes and
// strips a trailing "-partition-<N>" suffix, populating Partition
// accordingly; names without the suffix get Partition == -1.
func Parse(raw string) (Name, error) {
	domain, rest, err := splitDomain(raw)
	if err != nil {
		return Name{}, err
	}

	parts := strings.SplitN(rest, "/", 4)
	if len(parts) != 4 {
		return Name{}, errs.New(errs.KindInvalidMessage, "topic name %q must have property/cluster/namespace/local", raw)
	}
	property, cluster, namespace, local := parts[0], parts[1], parts[2], parts[3]
	if property == "" || cluster == "" || namespace == "" || local == "" {
		return Name{}, errs.New(errs.KindInvalidMessage, "topic name %q has an empty path segment", raw)
	}

	partition := -1
	if idx := strings.LastIndex(local, partitionInfix); idx >= 0 {
		suffix := local[idx+len(partitionInfix):]
		if n, convErr := strconv.Atoi(suffix); convErr == nil && n >= 0 {
			local = local[:idx]
			partition = n
		}
	}

	return Name{
		Domain:    domain,
		Property:  property,
		Cluster:   cluster,
		Namespace: namespace,
		Local:     local,
		Partition: partition,
	}, nil
}

func splitDomain(raw string) (Domain, string, error) {
	switch {
	case strings.HasPrefix(raw, "persistent://"):
		return Persistent, strings.TrimPrefix(raw, "persistent://"), nil
	case strings.HasPrefix(raw, "non-persistent://"):
		return NonPersistent, strings.TrimPrefix(raw, "non-persistent://"), nil
	default:
		return "", "", errs.New(errs.KindInvalidMessage, "topic name %q missing a recognized persistent:// or non-persistent:// prefix", raw)
	}
}

// WithPartition returns a copy of n addressing the given partition index.
func (n Name) WithPartition(partition int) Name {
	n.Partition = partition
	return n
}

// WithoutPartition returns a copy of n addressing the partitioned topic as
// a whole, stripping any partition index.
func (n Name) WithoutPartition() Name {
	n.Partition = -1
	return n
}
