package engine

import (
	"context"
	"strings"
	"sync"

	"github.com/OneOfOne/xxhash"
	"golang.org/x/sync/errgroup"

	"github.com/flowbroker/flowbroker/cmn/cos"
	"github.com/flowbroker/flowbroker/cmn/mono"
	"github.com/flowbroker/flowbroker/event"
	"github.com/flowbroker/flowbroker/store"
)

// SystemStreamName is the reserved stream carrying cluster control
// traffic (spec §4.H, §3 GLOSSARY "Stream"). original_source's
// engine/mod.rs treats it as a stream like any other, distinguished only
// by name and by the kind of payloads it carries; flowbroker keeps that.
const SystemStreamName = "$system"

// SystemNamespace is the namespace prefix cluster traffic is stamped
// with so SystemStreamName's own glob subscriptions can select it.
const SystemNamespace = "$system/**"

// Config holds the spec §6 "recognized options", process-wide and
// immutable once the controller starts.
type Config struct {
	ListenPort       uint16
	DataDir          string
	DefaultNamespace string
	MaxEvents        uint64
	MaxCachedEvents  int
	MaxCacheMemory   cos.Quantity
	ClusterAddresses []string
	LocalActor       event.ActorID
}

// StoreFactory builds (or opens) the segment store for a named stream.
// Injected so embedders can choose BuntStore, MemStore, or their own.
type StoreFactory func(streamName string) (store.Store, error)

// Controller owns the named-stream registry and allocates connection
// ids (spec §4.H).
type Controller struct {
	cfg          Config
	storeFactory StoreFactory

	mu      sync.Mutex // guards registry lookup/insert only (spec §5)
	streams map[string]*Stream

	connIDs *mono.CounterWriter

	globCache *globCache
}

func NewController(cfg Config, factory StoreFactory) *Controller {
	c := &Controller{
		cfg:          cfg,
		storeFactory: factory,
		streams:      make(map[string]*Stream),
		connIDs:      mono.NewCounterWriter(0),
		globCache:    newGlobCache(cfg.MaxCachedEvents),
	}
	return c
}

// NextConnectionID allocates a connection id via atomic fetch-and-add
// (spec §5 "Shared mutable state").
func (c *Controller) NextConnectionID() uint64 { return c.connIDs.IncrementAndGet(1) }

// StreamByName resolves (creating on first use) the named stream's
// engine. The registry mutex is held only for the lookup/insert itself;
// store construction for a brand-new stream happens outside the lock so
// a slow store open never blocks unrelated lookups.
func (c *Controller) StreamByName(name string) (*Stream, error) {
	c.mu.Lock()
	s, ok := c.streams[name]
	c.mu.Unlock()
	if ok {
		return s, nil
	}

	st, err := c.storeFactory(name)
	if err != nil {
		return nil, cos.NewStorageError("open-stream", err)
	}
	candidate := NewStream(name, c.cfg.LocalActor, st)

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.streams[name]; ok {
		_ = st.Close()
		return existing, nil
	}
	c.streams[name] = candidate
	return candidate, nil
}

// System returns the reserved cluster-control stream.
func (c *Controller) System() (*Stream, error) { return c.StreamByName(SystemStreamName) }

// StreamForNamespace resolves the stream that owns namespace. The
// mapping from a produce/consume namespace to a stream name is left
// unspecified by spec.md (Open Question, resolved in DESIGN.md): a
// namespace's leading path segment names its stream, falling back to
// Config.DefaultNamespace when namespace has none. A leading "/" (the
// form used throughout the wire protocol's own examples) is stripped
// before segmenting, so "/orders/created" and "orders/created" resolve
// to the same stream.
func (c *Controller) StreamForNamespace(namespace string) (*Stream, error) {
	if strings.HasPrefix(namespace, "$system") {
		return c.System()
	}
	trimmed := strings.TrimPrefix(namespace, "/")
	name := trimmed
	if idx := strings.IndexByte(trimmed, '/'); idx >= 0 {
		name = trimmed[:idx]
	}
	if name == "" {
		name = c.cfg.DefaultNamespace
	}
	return c.StreamByName(name)
}

// Streams returns a snapshot of every currently registered stream name.
func (c *Controller) Streams() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.streams))
	for name := range c.streams {
		out = append(out, name)
	}
	return out
}

// Shutdown closes every registered stream concurrently (spec §5:
// "Graceful shutdown: stop accepting new connections... flush store,
// exit") and returns the first error encountered, if any. It does not
// itself stop accepting new connections — that's the embedder's listener
// loop, out of scope per spec §1.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	streams := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, s := range streams {
		s := s
		g.Go(s.Close)
	}
	return g.Wait()
}

// MatchGlobCached is MatchGlob with memoization, backing the
// max_cached_events config knob: repeated (pattern, namespace) checks —
// the common case for a long-lived cursor re-testing the same pattern
// against a stream of distinct namespaces — skip the segment walk.
func (c *Controller) MatchGlobCached(pattern, namespace string) bool {
	return c.globCache.match(pattern, namespace)
}

// globCache is a bounded memoization table for MatchGlob results, keyed
// by an xxhash of pattern+namespace. It evicts arbitrarily (map
// iteration order) once full rather than tracking real LRU order —
// adequate for a best-effort cache whose only job is cutting down
// repeated segment walks, not guaranteeing hit rate.
type globCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[uint64]bool
}

func newGlobCache(capacity int) *globCache {
	if capacity <= 0 {
		capacity = 4096
	}
	return &globCache{capacity: capacity, entries: make(map[uint64]bool, capacity)}
}

func (g *globCache) match(pattern, namespace string) bool {
	key := xxhash.Checksum64([]byte(pattern + "\x00" + namespace))

	g.mu.Lock()
	if v, ok := g.entries[key]; ok {
		g.mu.Unlock()
		return v
	}
	g.mu.Unlock()

	result := event.MatchGlob(pattern, namespace)

	g.mu.Lock()
	if len(g.entries) >= g.capacity {
		for k := range g.entries {
			delete(g.entries, k)
			break
		}
	}
	g.entries[key] = result
	g.mu.Unlock()

	return result
}
