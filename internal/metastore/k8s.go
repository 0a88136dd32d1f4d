package metastore

import (
	"context"
	"encoding/base64"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	coordinationv1 "k8s.io/api/coordination/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"

	"github.com/topicmesh/broker/errs"
)

// valueAnnotation holds an ephemeral Lease's opaque payload, base64
// encoded, since Lease has no arbitrary-bytes field of its own.
const valueAnnotation = "topicmesh.io/value"

// keyLabel records the original, unsanitized store key on both ConfigMaps
// and Leases so list/watch can recover it from the sanitized object name.
const keyLabel = "topicmesh.io/key"

// originalKeyAnnotation holds the unsanitized store key, since a k8s
// object name is a lossy, length-bounded encoding of it.
const originalKeyAnnotation = "topicmesh.io/original-key"

// k8sStore is the production Store: a typed client-go clientset for
// reads and writes, and a SharedIndexInformer per resource kind whose
// events feed Watch. Get and List query the API server directly.
//
// Regular entries are Kubernetes ConfigMaps (resourceVersion as Version,
// BinaryData["value"] as the payload). Ephemeral entries are Leases
// (RenewTime + LeaseDurationSeconds as the deadline, an annotation as the
// payload), mirroring client-go/tools/leaderelection/resourcelock's use
// of Lease for session-scoped claims.
type k8sStore struct {
	client    kubernetes.Interface
	namespace string

	factory  informers.SharedInformerFactory
	cmLister cache.SharedIndexInformer
	lsLister cache.SharedIndexInformer

	mu       sync.Mutex
	watchers map[*k8sWatch]struct{}
}

// NewKubernetes constructs a Store backed by ConfigMaps and Leases in
// namespace. Callers must call Start and wait for WaitForCacheSync before
// issuing requests.
func NewKubernetes(client kubernetes.Interface, namespace string) *k8sStore {
	factory := informers.NewSharedInformerFactoryWithOptions(client, 10*time.Minute, informers.WithNamespace(namespace))
	s := &k8sStore{
		client:    client,
		namespace: namespace,
		factory:   factory,
		cmLister:  factory.Core().V1().ConfigMaps().Informer(),
		lsLister:  factory.Coordination().V1().Leases().Informer(),
		watchers:  make(map[*k8sWatch]struct{}),
	}
	s.cmLister.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    func(obj interface{}) { s.dispatchConfigMap(obj, EventPut) },
		UpdateFunc: func(_, obj interface{}) { s.dispatchConfigMap(obj, EventPut) },
		DeleteFunc: func(obj interface{}) { s.dispatchConfigMap(obj, EventDelete) },
	})
	s.lsLister.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    func(obj interface{}) { s.dispatchLease(obj, EventPut) },
		UpdateFunc: func(_, obj interface{}) { s.dispatchLease(obj, EventPut) },
		DeleteFunc: func(obj interface{}) { s.dispatchLease(obj, EventDelete) },
	})
	return s
}

// Start begins the underlying informers. ctx cancellation stops them.
func (s *k8sStore) Start(ctx context.Context) {
	s.factory.Start(ctx.Done())
}

// WaitForCacheSync blocks until the initial list of ConfigMaps and Leases
// has been delivered to the local indexer, per cache.InformerSynced.
func (s *k8sStore) WaitForCacheSync(ctx context.Context) bool {
	return cache.WaitForCacheSync(ctx.Done(),
		s.cmLister.HasSynced,
		s.lsLister.HasSynced,
	)
}

func sanitizeName(key string) string {
	r := strings.NewReplacer("/", ".", ":", "_")
	name := "tm-" + strings.ToLower(r.Replace(key))
	if len(name) <= 253 {
		return name
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return fmt.Sprintf("tm-%x", h.Sum64())
}

func (s *k8sStore) Get(ctx context.Context, key string) (Entry, error) {
	cm, err := s.client.CoreV1().ConfigMaps(s.namespace).Get(ctx, sanitizeName(key), metav1.GetOptions{})
	if err == nil {
		return configMapToEntry(key, cm), nil
	}
	if !apierrors.IsNotFound(err) {
		return Entry{}, errs.Wrap(errs.KindTransient, err, "get key %q", key)
	}

	lease, err := s.client.CoordinationV1().Leases(s.namespace).Get(ctx, sanitizeName(key), metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return Entry{}, errs.New(errs.KindNotFound, "key %q not found", key)
		}
		return Entry{}, errs.Wrap(errs.KindTransient, err, "get key %q", key)
	}
	e := leaseToEntry(key, lease)
	if e.Ephemeral && !e.ExpiresAt.IsZero() && time.Now().After(e.ExpiresAt) {
		return Entry{}, errs.New(errs.KindNotFound, "key %q not found (lease expired)", key)
	}
	return e, nil
}

func (s *k8sStore) Put(ctx context.Context, key string, value []byte, expectedVersion string) (Entry, error) {
	name := sanitizeName(key)
	if expectedVersion == "" {
		cm := &corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{
				Name:        name,
				Namespace:   s.namespace,
				Labels:      map[string]string{keyLabel: sanitizeLabel(key)},
				Annotations: map[string]string{originalKeyAnnotation: key},
			},
			BinaryData: map[string][]byte{"value": value},
		}
		created, err := s.client.CoreV1().ConfigMaps(s.namespace).Create(ctx, cm, metav1.CreateOptions{})
		if err != nil {
			if apierrors.IsAlreadyExists(err) {
				return Entry{}, errs.New(errs.KindAlreadyExists, "key %q already exists", key)
			}
			return Entry{}, errs.Wrap(errs.KindTransient, err, "create key %q", key)
		}
		return configMapToEntry(key, created), nil
	}

	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:            name,
			Namespace:       s.namespace,
			ResourceVersion: expectedVersion,
			Labels:          map[string]string{keyLabel: sanitizeLabel(key)},
			Annotations:     map[string]string{originalKeyAnnotation: key},
		},
		BinaryData: map[string][]byte{"value": value},
	}
	updated, err := s.client.CoreV1().ConfigMaps(s.namespace).Update(ctx, cm, metav1.UpdateOptions{})
	if err != nil {
		if apierrors.IsConflict(err) {
			return Entry{}, errs.New(errs.KindPreconditionFailed, "version mismatch for key %q", key)
		}
		if apierrors.IsNotFound(err) {
			return Entry{}, errs.New(errs.KindNotFound, "key %q not found", key)
		}
		return Entry{}, errs.Wrap(errs.KindTransient, err, "update key %q", key)
	}
	return configMapToEntry(key, updated), nil
}

func (s *k8sStore) Delete(ctx context.Context, key, expectedVersion string) error {
	opts := metav1.DeleteOptions{}
	if expectedVersion != "" {
		opts.Preconditions = &metav1.Preconditions{ResourceVersion: &expectedVersion}
	}
	err := s.client.CoreV1().ConfigMaps(s.namespace).Delete(ctx, sanitizeName(key), opts)
	if apierrors.IsNotFound(err) {
		err = s.client.CoordinationV1().Leases(s.namespace).Delete(ctx, sanitizeName(key), opts)
	}
	if err == nil {
		return nil
	}
	if apierrors.IsNotFound(err) {
		return errs.New(errs.KindNotFound, "key %q not found", key)
	}
	if apierrors.IsConflict(err) {
		return errs.New(errs.KindPreconditionFailed, "version mismatch for key %q", key)
	}
	return errs.Wrap(errs.KindTransient, err, "delete key %q", key)
}

func (s *k8sStore) CreateEphemeral(ctx context.Context, key string, value []byte, ttl time.Duration) (Entry, error) {
	now := metav1.NewMicroTime(time.Now())
	seconds := int32(ttl.Seconds())
	lease := &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{
			Name:      sanitizeName(key),
			Namespace: s.namespace,
			Labels: map[string]string{keyLabel: sanitizeLabel(key)},
			Annotations: map[string]string{
				valueAnnotation:       base64.StdEncoding.EncodeToString(value),
				originalKeyAnnotation: key,
			},
		},
		Spec: coordinationv1.LeaseSpec{
			RenewTime:            &now,
			LeaseDurationSeconds: &seconds,
		},
	}
	created, err := s.client.CoordinationV1().Leases(s.namespace).Create(ctx, lease, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			if _, getErr := s.Get(ctx, key); getErr == nil {
				return Entry{}, errs.New(errs.KindAlreadyExists, "ephemeral key %q already held", key)
			}
			// The existing Lease has expired: take it over, CAS on its resourceVersion.
			current, getErr := s.client.CoordinationV1().Leases(s.namespace).Get(ctx, lease.Name, metav1.GetOptions{})
			if getErr != nil {
				return Entry{}, errs.Wrap(errs.KindTransient, getErr, "create ephemeral key %q", key)
			}
			lease.ResourceVersion = current.ResourceVersion
			updated, updErr := s.client.CoordinationV1().Leases(s.namespace).Update(ctx, lease, metav1.UpdateOptions{})
			if apierrors.IsConflict(updErr) {
				return Entry{}, errs.New(errs.KindAlreadyExists, "ephemeral key %q already held", key)
			} else if updErr != nil {
				return Entry{}, errs.Wrap(errs.KindTransient, updErr, "create ephemeral key %q", key)
			}
			return leaseToEntry(key, updated), nil
		}
		return Entry{}, errs.Wrap(errs.KindTransient, err, "create ephemeral key %q", key)
	}
	return leaseToEntry(key, created), nil
}

func (s *k8sStore) RenewEphemeral(ctx context.Context, key, version string, value []byte, ttl time.Duration) (Entry, error) {
	current, err := s.client.CoordinationV1().Leases(s.namespace).Get(ctx, sanitizeName(key), metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return Entry{}, errs.New(errs.KindNotFound, "ephemeral key %q not found", key)
		}
		return Entry{}, errs.Wrap(errs.KindTransient, err, "renew ephemeral key %q", key)
	}
	if current.ResourceVersion != version {
		return Entry{}, errs.New(errs.KindPreconditionFailed, "version mismatch renewing %q", key)
	}

	now := metav1.NewMicroTime(time.Now())
	seconds := int32(ttl.Seconds())
	current.Spec.RenewTime = &now
	current.Spec.LeaseDurationSeconds = &seconds
	if value != nil {
		if current.Annotations == nil {
			current.Annotations = map[string]string{}
		}
		current.Annotations[valueAnnotation] = base64.StdEncoding.EncodeToString(value)
	}

	updated, err := s.client.CoordinationV1().Leases(s.namespace).Update(ctx, current, metav1.UpdateOptions{})
	if err != nil {
		if apierrors.IsConflict(err) {
			return Entry{}, errs.New(errs.KindPreconditionFailed, "version mismatch renewing %q", key)
		}
		return Entry{}, errs.Wrap(errs.KindTransient, err, "renew ephemeral key %q", key)
	}
	return leaseToEntry(key, updated), nil
}

func (s *k8sStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	var out []Entry
	cms, err := s.client.CoreV1().ConfigMaps(s.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, err, "list keys under %q", prefix)
	}
	for i := range cms.Items {
		key := originalKey(&cms.Items[i].ObjectMeta)
		if strings.HasPrefix(key, prefix) {
			out = append(out, configMapToEntry(key, &cms.Items[i]))
		}
	}
	leases, err := s.client.CoordinationV1().Leases(s.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, err, "list keys under %q", prefix)
	}
	now := time.Now()
	for i := range leases.Items {
		key := originalKey(&leases.Items[i].ObjectMeta)
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		e := leaseToEntry(key, &leases.Items[i])
		if e.Ephemeral && !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

type k8sWatch struct {
	prefix string
	ch     chan Event
	once   sync.Once
	stop   func()
}

func (w *k8sWatch) Events() <-chan Event { return w.ch }
func (w *k8sWatch) Stop()                { w.once.Do(w.stop) }

func (s *k8sStore) Watch(ctx context.Context, prefix string) (Watch, error) {
	w := &k8sWatch{prefix: prefix, ch: make(chan Event, 256)}
	s.mu.Lock()
	w.stop = func() {
		s.mu.Lock()
		delete(s.watchers, w)
		s.mu.Unlock()
		close(w.ch)
	}
	s.watchers[w] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		w.Stop()
	}()
	return w, nil
}

func (s *k8sStore) dispatchConfigMap(obj interface{}, eventType EventType) {
	cm, ok := obj.(*corev1.ConfigMap)
	if !ok {
		if tomb, ok := obj.(cache.DeletedFinalStateUnknown); ok {
			cm, ok = tomb.Obj.(*corev1.ConfigMap)
			if !ok {
				return
			}
		} else {
			return
		}
	}
	key := originalKey(&cm.ObjectMeta)
	s.broadcast(Event{Type: eventType, Entry: configMapToEntry(key, cm)})
}

func (s *k8sStore) dispatchLease(obj interface{}, eventType EventType) {
	lease, ok := obj.(*coordinationv1.Lease)
	if !ok {
		if tomb, ok := obj.(cache.DeletedFinalStateUnknown); ok {
			lease, ok = tomb.Obj.(*coordinationv1.Lease)
			if !ok {
				return
			}
		} else {
			return
		}
	}
	key := originalKey(&lease.ObjectMeta)
	entry := leaseToEntry(key, lease)
	if eventType == EventPut && entry.Ephemeral && !entry.ExpiresAt.IsZero() && time.Now().After(entry.ExpiresAt) {
		eventType = EventDelete
	}
	s.broadcast(Event{Type: eventType, Entry: entry})
}

func (s *k8sStore) broadcast(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for w := range s.watchers {
		if !strings.HasPrefix(ev.Entry.Key, w.prefix) {
			continue
		}
		select {
		case w.ch <- ev:
		default:
		}
	}
}

func sanitizeLabel(key string) string {
	// Kubernetes label values are capped at 63 characters; store the
	// sanitized object name itself (already collision-resistant) so
	// originalKey can be recovered via a reverse index if ever needed,
	// while List/Watch here recover the key from annotations instead.
	name := sanitizeName(key)
	if len(name) > 63 {
		return name[:63]
	}
	return name
}

func originalKey(meta *metav1.ObjectMeta) string {
	if meta.Annotations != nil {
		if k, ok := meta.Annotations[originalKeyAnnotation]; ok {
			return k
		}
	}
	return meta.Name
}

func configMapToEntry(key string, cm *corev1.ConfigMap) Entry {
	return Entry{Key: key, Value: cm.BinaryData["value"], Version: cm.ResourceVersion}
}

func leaseToEntry(key string, lease *coordinationv1.Lease) Entry {
	e := Entry{Key: key, Version: lease.ResourceVersion, Ephemeral: true}
	if v, ok := lease.Annotations[valueAnnotation]; ok {
		if decoded, err := base64.StdEncoding.DecodeString(v); err == nil {
			e.Value = decoded
		}
	}
	if lease.Spec.RenewTime != nil && lease.Spec.LeaseDurationSeconds != nil {
		e.ExpiresAt = lease.Spec.RenewTime.Time.Add(time.Duration(*lease.Spec.LeaseDurationSeconds) * time.Second)
	}
	return e
}
