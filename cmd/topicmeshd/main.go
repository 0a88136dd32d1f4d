// Command topicmeshd runs one broker: a client-facing listener serving
// the wire protocol (internal/wire, internal/broker), the Lookup Engine
// and leader election that resolve bundle ownership, and an
// inter-broker load-report gRPC listener peers use to pick the
// least-loaded broker when assigning a previously unowned bundle.
//
// Flags are parsed via pkg/flags, the admin server is brought up before
// the rest of the process, and shutdown is signal-driven and graceful.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/topicmesh/broker/internal/broker"
	"github.com/topicmesh/broker/internal/bundle"
	"github.com/topicmesh/broker/internal/lookup"
	"github.com/topicmesh/broker/internal/metastore"
	"github.com/topicmesh/broker/internal/ownership"
	"github.com/topicmesh/broker/pkg/admin"
	"github.com/topicmesh/broker/pkg/flags"
)

// brokerRegistryPrefix namespaces this broker's self-registration entry
// in the metadata store, which doubles as the Lookup Engine's candidate
// list for unowned-bundle assignment.
const brokerRegistryPrefix = "brokers/"

func main() {
	cmd := flag.NewFlagSet("topicmeshd", flag.ExitOnError)

	addr := cmd.String("addr", ":6650", "address to serve client connections on")
	selfAddress := cmd.String("self-address", "", "address advertised to clients and peer brokers (defaults to -addr)")
	metricsAddr := cmd.String("metrics-addr", ":9996", "address to serve /metrics, /ready, /ping on")
	loadReportAddr := cmd.String("load-report-addr", ":6651", "address the inter-broker load-report gRPC service listens on")
	kubeconfigPath := cmd.String("kubeconfig", "", "path to kubeconfig; empty uses in-cluster config")
	namespace := cmd.String("namespace", "topicmesh", "kubernetes namespace holding the metadata store's ConfigMaps/Leases")
	leaseName := cmd.String("leader-lease-name", "topicmesh-lookup-leader", "name of the Lease contended for lookup leadership")
	claimTTL := cmd.Duration("claim-ttl", ownership.DefaultClaimTTL, "bundle ownership claim TTL")
	defaultBundleCount := cmd.Int("default-bundle-count", 16, "bundle count assigned the first time a namespace is seen")
	enablePprof := cmd.Bool("enable-pprof", false, "enable pprof endpoints on the admin server")

	flags.ConfigureAndParse(cmd, os.Args[1:])

	if *selfAddress == "" {
		*selfAddress = *addr
	}

	ready := false
	adminServer := admin.NewServer(*metricsAddr, *enablePprof, &ready)
	go func() {
		log.Infof("starting admin server on %s", *metricsAddr)
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("admin server error: %s", err)
		}
	}()

	restConfig, err := loadKubeConfig(*kubeconfigPath)
	if err != nil {
		log.Fatalf("failed to load kube config: %s", err)
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		log.Fatalf("failed to build kubernetes client: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := metastore.NewKubernetes(clientset, *namespace)
	store.Start(ctx)
	if !store.WaitForCacheSync(ctx) {
		log.Fatal("failed to sync metadata store caches")
	}

	registry := ownership.New(store, log.WithField("component", "ownership"))
	bundles := bundle.New(store, registry, log.WithField("component", "bundle"))

	loadStore := lookup.NewLoadReportStore(time.Minute)
	loadStore.Update(lookup.LoadReport{Broker: *selfAddress, TimestampNS: time.Now().UnixNano()})

	elector, err := lookup.NewLeaderElector(clientset.CoordinationV1(), *namespace, *leaseName, *selfAddress, log.WithField("component", "leader-election"))
	if err != nil {
		log.Fatalf("failed to build leader elector: %s", err)
	}
	go elector.Run(ctx)

	if err := registerBroker(ctx, store, *selfAddress, *claimTTL); err != nil {
		log.Fatalf("failed to register broker in metadata store: %s", err)
	}
	go renewBrokerRegistration(ctx, store, *selfAddress, *claimTTL, log.WithField("component", "broker-registry"))

	engine := lookup.New(store, registry, bundles, loadStore, elector, lookup.Config{
		SelfAddress:        *selfAddress,
		ClaimTTL:           *claimTTL,
		DefaultBundleCount: *defaultBundleCount,
		Candidates:         candidatesFunc(store, log.WithField("component", "broker-registry")),
	}, log.WithField("component", "lookup"))

	srv := broker.New(engine, log.WithField("component", "broker"))

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("failed to listen on %s: %s", *addr, err)
	}

	grpcServer := grpc.NewServer()
	lookup.RegisterLoadReportServer(grpcServer, lookup.NewLoadReportServer(loadStore))
	loadLn, err := net.Listen("tcp", *loadReportAddr)
	if err != nil {
		log.Fatalf("failed to listen on %s: %s", *loadReportAddr, err)
	}
	go func() {
		log.Infof("starting load-report gRPC server on %s", *loadReportAddr)
		if err := grpcServer.Serve(loadLn); err != nil {
			log.Errorf("load-report server error: %s", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Infof("starting broker server on %s", *addr)
		if err := srv.Serve(ctx, ln); err != nil {
			log.Errorf("broker server error: %s", err)
		}
	}()

	ready = true
	<-stop

	log.Info("shutting down")
	cancel()
	grpcServer.GracefulStop()
	_ = adminServer.Shutdown(context.Background())
}

// loadKubeConfig uses an explicit kubeconfig path if given, else falls
// back to in-cluster config.
func loadKubeConfig(path string) (*rest.Config, error) {
	if path != "" {
		return clientcmd.BuildConfigFromFlags("", path)
	}
	return rest.InClusterConfig()
}

func registerBroker(ctx context.Context, store metastore.Store, address string, ttl time.Duration) error {
	_, err := store.CreateEphemeral(ctx, brokerRegistryPrefix+address, []byte(address), ttl)
	return err
}

// renewBrokerRegistration keeps this broker's self-registration entry
// alive at roughly a third of its TTL, the same cadence the Ownership
// Registry's own claims would be renewed at.
func renewBrokerRegistration(ctx context.Context, store metastore.Store, address string, ttl time.Duration, log *log.Entry) {
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entry, err := store.Get(ctx, brokerRegistryPrefix+address)
			if err != nil {
				if err := registerBroker(ctx, store, address, ttl); err != nil {
					log.WithError(err).Warn("failed to re-register broker after registration lapsed")
				}
				continue
			}
			if _, err := store.RenewEphemeral(ctx, brokerRegistryPrefix+address, entry.Version, entry.Value, ttl); err != nil {
				log.WithError(err).Warn("failed to renew broker registration")
			}
		}
	}
}

// candidatesFunc lists every broker currently registered in the
// metadata store, used by the Lookup Engine to pick an assignee for a
// newly claimed bundle.
func candidatesFunc(store metastore.Store, log *log.Entry) func() []string {
	return func() []string {
		entries, err := store.List(context.Background(), brokerRegistryPrefix)
		if err != nil {
			log.WithError(err).Warn("failed to list broker registry")
			return nil
		}
		out := make([]string, 0, len(entries))
		for _, e := range entries {
			out = append(out, string(e.Value))
		}
		return out
	}
}
