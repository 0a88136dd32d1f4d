package metastore

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/topicmesh/broker/errs"
)

// memoryStore is a pure in-memory Store, without a backing Kubernetes
// API: it is meant for unit tests of callers of Store, not as a
// production implementation.
type memoryStore struct {
	mu       sync.Mutex
	entries  map[string]Entry
	version  int64
	watchers map[*memoryWatch]struct{}
}

// NewMemory constructs an in-memory Store suitable for tests.
func NewMemory() Store {
	return &memoryStore{
		entries:  make(map[string]Entry),
		watchers: make(map[*memoryWatch]struct{}),
	}
}

func (s *memoryStore) nextVersion() string {
	s.version++
	return strconv.FormatInt(s.version, 10)
}

func (s *memoryStore) Get(_ context.Context, key string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(key)
}

func (s *memoryStore) getLocked(key string) (Entry, error) {
	e, ok := s.entries[key]
	if !ok {
		return Entry{}, errs.New(errs.KindNotFound, "key %q not found", key)
	}
	if e.Ephemeral && !e.ExpiresAt.IsZero() && time.Now().After(e.ExpiresAt) {
		delete(s.entries, key)
		s.notifyLocked(Event{Type: EventDelete, Entry: e})
		return Entry{}, errs.New(errs.KindNotFound, "key %q not found", key)
	}
	return e, nil
}

func (s *memoryStore) Put(_ context.Context, key string, value []byte, expectedVersion string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.getLocked(key)
	exists := err == nil

	if expectedVersion == "" {
		if exists {
			return Entry{}, errs.New(errs.KindAlreadyExists, "key %q already exists", key)
		}
	} else {
		if !exists {
			return Entry{}, errs.New(errs.KindNotFound, "key %q not found", key)
		}
		if existing.Version != expectedVersion {
			return Entry{}, errs.New(errs.KindPreconditionFailed, "version mismatch for key %q: have %s, want %s", key, existing.Version, expectedVersion)
		}
	}

	e := Entry{Key: key, Value: append([]byte(nil), value...), Version: s.nextVersion()}
	s.entries[key] = e
	s.notifyLocked(Event{Type: EventPut, Entry: e})
	return e, nil
}

func (s *memoryStore) Delete(_ context.Context, key, expectedVersion string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.getLocked(key)
	if err != nil {
		return err
	}
	if expectedVersion != "" && existing.Version != expectedVersion {
		return errs.New(errs.KindPreconditionFailed, "version mismatch for key %q: have %s, want %s", key, existing.Version, expectedVersion)
	}
	delete(s.entries, key)
	s.notifyLocked(Event{Type: EventDelete, Entry: existing})
	return nil
}

func (s *memoryStore) CreateEphemeral(_ context.Context, key string, value []byte, ttl time.Duration) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getLocked(key); err == nil {
		return Entry{}, errs.New(errs.KindAlreadyExists, "ephemeral key %q already held", key)
	}
	e := Entry{
		Key:       key,
		Value:     append([]byte(nil), value...),
		Version:   s.nextVersion(),
		Ephemeral: true,
		ExpiresAt: time.Now().Add(ttl),
	}
	s.entries[key] = e
	s.notifyLocked(Event{Type: EventPut, Entry: e})
	return e, nil
}

func (s *memoryStore) RenewEphemeral(_ context.Context, key, version string, value []byte, ttl time.Duration) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.getLocked(key)
	if err != nil {
		return Entry{}, err
	}
	if existing.Version != version {
		return Entry{}, errs.New(errs.KindPreconditionFailed, "version mismatch renewing %q: have %s, want %s", key, existing.Version, version)
	}
	newValue := existing.Value
	if value != nil {
		newValue = append([]byte(nil), value...)
	}
	e := Entry{
		Key:       key,
		Value:     newValue,
		Version:   s.nextVersion(),
		Ephemeral: true,
		ExpiresAt: time.Now().Add(ttl),
	}
	s.entries[key] = e
	s.notifyLocked(Event{Type: EventPut, Entry: e})
	return e, nil
}

func (s *memoryStore) List(_ context.Context, prefix string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	now := time.Now()
	for k, e := range s.entries {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if e.Ephemeral && !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

type memoryWatch struct {
	prefix string
	ch     chan Event
	once   sync.Once
	stop   func()
}

func (w *memoryWatch) Events() <-chan Event { return w.ch }
func (w *memoryWatch) Stop()                { w.once.Do(w.stop) }

func (s *memoryStore) Watch(ctx context.Context, prefix string) (Watch, error) {
	s.mu.Lock()
	w := &memoryWatch{prefix: prefix, ch: make(chan Event, 64)}
	w.stop = func() {
		s.mu.Lock()
		delete(s.watchers, w)
		s.mu.Unlock()
		close(w.ch)
	}
	s.watchers[w] = struct{}{}

	// deliver initial state before releasing the lock, matching
	// cache.SharedIndexInformer's "initial list then stream" contract.
	for k, e := range s.entries {
		if strings.HasPrefix(k, prefix) {
			select {
			case w.ch <- Event{Type: EventPut, Entry: e}:
			default:
			}
		}
	}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		w.Stop()
	}()
	return w, nil
}

func (s *memoryStore) notifyLocked(ev Event) {
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
