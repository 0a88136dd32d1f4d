// Command topicmesh-admin is a cobra-based operator CLI for inspecting
// and driving the metadata store directly: listing registered brokers,
// listing and forcing transitions on bundle ownership claims, and
// resolving which bundle a topic currently hashes to.
//
// One root command, persistent --kubeconfig/--namespace flags, and a
// cobra subcommand per resource.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/topicmesh/broker/errs"
	"github.com/topicmesh/broker/internal/bundle"
	"github.com/topicmesh/broker/internal/metastore"
	"github.com/topicmesh/broker/internal/ownership"
	"github.com/topicmesh/broker/internal/ring"
	"github.com/topicmesh/broker/internal/topicname"
)

const (
	brokerRegistryPrefix = "brokers/"
	bundleConfigPrefix   = "bundle-config/"
	defaultBundleCount   = 16
)

// env bundles the constructed clients every subcommand operates
// against, assembled once in the root command's PersistentPreRunE.
type env struct {
	store    metastore.Store
	registry *ownership.Registry
	bundles  *bundle.Manager
}

func main() {
	var kubeconfigPath string
	var namespace string
	var e env

	root := &cobra.Command{
		Use:          "topicmesh-admin",
		Short:        "Inspect and operate on topicmesh's metadata store",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			restConfig, err := loadKubeConfig(kubeconfigPath)
			if err != nil {
				return fmt.Errorf("load kube config: %w", err)
			}
			clientset, err := kubernetes.NewForConfig(restConfig)
			if err != nil {
				return fmt.Errorf("build kubernetes client: %w", err)
			}

			store := metastore.NewKubernetes(clientset, namespace)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			store.Start(ctx)
			if !store.WaitForCacheSync(ctx) {
				return fmt.Errorf("failed to sync metadata store caches")
			}

			e = env{
				store:    store,
				registry: ownership.New(store, nil),
				bundles:  bundle.New(store, ownership.New(store, nil), nil),
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&kubeconfigPath, "kubeconfig", "", "path to kubeconfig; empty uses in-cluster config")
	root.PersistentFlags().StringVar(&namespace, "namespace", "topicmesh", "kubernetes namespace holding the metadata store's ConfigMaps/Leases")

	root.AddCommand(brokersCmd(&e), bundlesCmd(&e))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadKubeConfig(path string) (*rest.Config, error) {
	if path != "" {
		return clientcmd.BuildConfigFromFlags("", path)
	}
	return rest.InClusterConfig()
}

func brokersCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{Use: "brokers", Short: "Inspect registered brokers"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every broker currently registered in the metadata store",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := e.store.List(cmd.Context(), brokerRegistryPrefix)
			if err != nil {
				return err
			}
			sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
			for _, entry := range entries {
				fmt.Printf("%s\texpires=%s\n", string(entry.Value), entry.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		},
	})
	return cmd
}

func bundlesCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{Use: "bundles", Short: "Inspect and operate on bundle ownership"}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every bundle with a live ownership claim",
		RunE: func(cmd *cobra.Command, args []string) error {
			claims, err := e.registry.List(cmd.Context())
			if err != nil {
				return err
			}
			sort.Slice(claims, func(i, j int) bool { return claims[i].Bundle < claims[j].Bundle })
			for _, c := range claims {
				fmt.Printf("%s\towner=%s\texpires=%s\n", c.Bundle, c.Owner, c.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "lookup <topic>",
		Short: "Resolve which bundle a topic hashes to, and its current owner if any",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := topicname.Parse(args[0])
			if err != nil {
				return err
			}
			bundles, err := bundlesFor(cmd.Context(), e.store, name.NamespaceKey())
			if err != nil {
				return err
			}
			hash := ring.HashOf(name.Canonical())
			b, err := ring.BundleFor(hash, bundles)
			if err != nil {
				return err
			}
			fmt.Printf("bundle=%s hash=0x%08x\n", b.Name(), hash)

			claim, err := e.registry.Lookup(cmd.Context(), b.Name())
			if err != nil {
				if errs.Matches(err, errs.KindNotFound) {
					fmt.Println("owner=<unowned>")
					return nil
				}
				return err
			}
			fmt.Printf("owner=%s expires=%s\n", claim.Owner, claim.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "unload <bundle>",
		Short: "Release a bundle's ownership claim, forcing its next lookup to be reassigned",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			claim, err := e.registry.Lookup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := e.bundles.Unload(cmd.Context(), args[0], claim.Version); err != nil {
				return err
			}
			fmt.Printf("unloaded %s (was owned by %s)\n", args[0], claim.Owner)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "split <namespace-key> <bundle>",
		Short: "Split a bundle into two sub-bundles at its hash-range midpoint",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			namespaceKey, bundleName := args[0], args[1]
			claim, err := e.registry.Lookup(cmd.Context(), bundleName)
			if err != nil {
				return err
			}
			parent, err := ring.ParseName(bundleName)
			if err != nil {
				return err
			}
			lower, upper, err := e.bundles.Split(cmd.Context(), namespaceKey, parent, claim.Version)
			if err != nil {
				return err
			}
			fmt.Printf("split %s into %s and %s\n", bundleName, lower.Name(), upper.Name())
			return nil
		},
	})

	return cmd
}

// bundlesFor mirrors the Lookup Engine's own bundlesFor, reading the
// namespace's persisted bundle boundaries (or the default descriptor if
// none has ever been written) without requiring a running broker.
func bundlesFor(ctx context.Context, store metastore.Store, namespaceKey string) (ring.Bundles, error) {
	entry, err := store.Get(ctx, bundleConfigPrefix+namespaceKey)
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
	return ring.Default(defaultBundleCount)
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
