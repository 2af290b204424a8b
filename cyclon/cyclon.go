// Package cyclon implements the gossip-flavoured peer sampler the
// repair orchestrator draws random partners from: a bounded descriptor
// cache with age-based eviction, seeded from a known-hosts list and
// fed by neighbourhood-change notifications. The shuffle exchange
// itself is pluggable; the cache accepts descriptor batches from any
// gossip transport.
package cyclon

import (
	"math/rand"
	"sync"
	"time"
)

// PeerID names a peer in the overlay.
type PeerID string

// Descriptor is one cache entry: a peer and the age of the knowledge
// about it, in cycles.
type Descriptor struct {
	ID  PeerID
	Age int
}

// Config controls the sampler cache.
type Config struct {
	// CacheSize bounds the number of descriptors kept. Default: 20.
	CacheSize int

	// ShuffleLength is the number of descriptors offered per shuffle.
	// Default: 8.
	ShuffleLength int

	// CycleInterval is the period between ageing cycles. Default: 30s.
	CycleInterval time.Duration

	// MaxAge evicts descriptors not refreshed for more than this many
	// cycles.
	// Default: 10.
	MaxAge int
}

// DefaultConfig returns the stock sampler configuration.
func DefaultConfig() Config {
	return Config{
		CacheSize:     20,
		ShuffleLength: 8,
		CycleInterval: 30 * time.Second,
		MaxAge:        10,
	}
}

func (c *Config) applyDefaults() {
	if c.CacheSize <= 0 {
		c.CacheSize = 20
	}
	if c.ShuffleLength <= 0 {
		c.ShuffleLength = 8
	}
	if c.CycleInterval <= 0 {
		c.CycleInterval = 30 * time.Second
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 10
	}
}

// Cache is the sampler state. All methods are safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	cfg     Config
	self    PeerID
	entries map[PeerID]*Descriptor
	rng     *rand.Rand
}

// New returns a cache for the given node, bootstrapped from the
// known-hosts list.
func New(self PeerID, cfg Config, knownHosts []PeerID) *Cache {
	cfg.applyDefaults()
	c := &Cache{
		cfg:     cfg,
		self:    self,
		entries: make(map[PeerID]*Descriptor),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, h := range knownHosts {
		c.add(h, 0)
	}
	return c
}

// SeedRand replaces the random source, for deterministic tests.
func (c *Cache) SeedRand(seed int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rng = rand.New(rand.NewSource(seed))
}

// add inserts or refreshes a descriptor under c.mu. The own id is
// never cached. A full cache evicts its oldest entry.
func (c *Cache) add(id PeerID, age int) {
	if id == c.self || id == "" {
		return
	}
	if d, ok := c.entries[id]; ok {
		if age < d.Age {
			d.Age = age
		}
		return
	}
	if len(c.entries) >= c.cfg.CacheSize {
		c.evictOldest()
	}
	c.entries[id] = &Descriptor{ID: id, Age: age}
}

func (c *Cache) evictOldest() {
	var oldest PeerID
	oldestAge := -1
	for id, d := range c.entries {
		if d.Age > oldestAge {
			oldest, oldestAge = id, d.Age
		}
	}
	if oldestAge >= 0 {
		delete(c.entries, oldest)
	}
}

// AddNeighbour feeds a fresh descriptor, typically from a
// predecessor/successor change notification.
func (c *Cache) AddNeighbour(id PeerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.add(id, 0)
}

// RemoveNeighbour drops a peer known to be gone.
func (c *Cache) RemoveNeighbour(id PeerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Ingest merges a shuffle reply: descriptors learned from a peer,
// their ages taken as-is.
func (c *Cache) Ingest(batch []Descriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range batch {
		c.add(d.ID, d.Age)
	}
}

// Offer picks up to ShuffleLength random descriptors to hand to a
// shuffle partner, with this node's own fresh descriptor in front.
func (c *Cache) Offer() []Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := []Descriptor{{ID: c.self, Age: 0}}
	for _, d := range c.shuffledLocked() {
		if len(out) >= c.cfg.ShuffleLength {
			break
		}
		out = append(out, *d)
	}
	return out
}

// Tick runs one ageing cycle: every descriptor ages by one and entries
// past MaxAge are evicted. Returns the number evicted.
func (c *Cache) Tick() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for id, d := range c.entries {
		d.Age++
		if d.Age > c.cfg.MaxAge {
			delete(c.entries, id)
			evicted++
		}
	}
	return evicted
}

// RandomPeer returns a uniformly random cached peer.
func (c *Cache) RandomPeer() (PeerID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return "", false
	}
	pick := c.rng.Intn(len(c.entries))
	for id := range c.entries {
		if pick == 0 {
			return id, true
		}
		pick--
	}
	return "", false
}

// Len returns the number of cached descriptors.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Peers returns a snapshot of the cached peer ids in random order.
func (c *Cache) Peers() []PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PeerID, 0, len(c.entries))
	for _, d := range c.shuffledLocked() {
		out = append(out, d.ID)
	}
	return out
}

// shuffledLocked returns the descriptors in random order; c.mu held.
func (c *Cache) shuffledLocked() []*Descriptor {
	out := make([]*Descriptor, 0, len(c.entries))
	for _, d := range c.entries {
		out = append(out, d)
	}
	c.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
