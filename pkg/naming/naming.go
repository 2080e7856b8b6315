// Package naming mints collision-free names of the shape
// <PREFIX>_YYYYMMDD_<12 hex>_<2 hex>.
//
// The 12-hex block encodes (epoch_ms & ((1<<wrapBits)-1)) << 8 | nodeID, so
// two nodes can never mint the same block in the same millisecond. The 2-hex
// suffix is an in-process same-day counter; if 256 names are minted inside
// one millisecond the generator waits for the next tick rather than repeat a
// suffix. Given a fixed (prefix, nodeID, wrapBits, clock) the output sequence
// is fully deterministic.
package naming

import (
	"fmt"
	"sync"
	"time"

	"github.com/datavision/easystore/pkg/sharding"
)

const (
	// DefaultWrapBits keeps the masked millisecond count inside the 12-hex
	// block's 40 bits of headroom above the node ID.
	DefaultWrapBits = 40

	// ContainerPrefix is the prefix used for container identifiers.
	ContainerPrefix = "C"
)

// Config configures a Generator.
type Config struct {
	// Prefix is the leading tag, ASCII letters and digits only.
	Prefix string

	// NodeID distinguishes generators minting in the same millisecond.
	NodeID uint8

	// WrapBits is the width of the millisecond field. Zero selects
	// DefaultWrapBits. Must not exceed DefaultWrapBits.
	WrapBits uint8

	// Now overrides the clock. Nil means time.Now. The generator calls it
	// repeatedly when waiting out a counter wrap, so a fake clock must
	// eventually advance.
	Now func() time.Time
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Prefix == "" {
		return fmt.Errorf("naming: prefix must not be empty")
	}
	for _, r := range c.Prefix {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return fmt.Errorf("naming: prefix %q must be ASCII letters and digits only", c.Prefix)
		}
	}
	if c.WrapBits > DefaultWrapBits {
		return fmt.Errorf("naming: wrap bits %d exceeds maximum %d", c.WrapBits, DefaultWrapBits)
	}
	return nil
}

// Generator mints names. Safe for concurrent use.
type Generator struct {
	prefix   string
	nodeID   uint8
	wrapMask uint64
	now      func() time.Time

	mu      sync.Mutex
	day     string
	counter uint64
	lastMs  int64
}

// New creates a Generator from cfg.
func New(cfg Config) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	wrapBits := cfg.WrapBits
	if wrapBits == 0 {
		wrapBits = DefaultWrapBits
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Generator{
		prefix:   cfg.Prefix,
		nodeID:   cfg.NodeID,
		wrapMask: (1 << wrapBits) - 1,
		now:      now,
	}, nil
}

// Next mints one name. The day counter resets at UTC midnight; the 2-hex
// suffix is the counter mod 256, and a wrap within a single millisecond
// blocks until the clock ticks over.
func (g *Generator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	t := g.now().UTC()
	day := t.Format("20060102")
	if day != g.day {
		g.day = day
		g.counter = 0
	}

	ms := t.UnixMilli()
	suffix := g.counter & 0xff
	if g.counter > 0 && suffix == 0 && ms == g.lastMs {
		// 256 names in one millisecond: wait for the next tick so the
		// (ms, suffix) pair stays unique.
		for ms == g.lastMs {
			t = g.now().UTC()
			ms = t.UnixMilli()
		}
	}
	g.lastMs = ms
	g.counter++

	block := ((uint64(ms) & g.wrapMask) << 8) | uint64(g.nodeID)
	return fmt.Sprintf("%s_%s_%012x_%02x", g.prefix, day, block, suffix)
}

// Assignment mints a name and derives the shard the routing key hashes to.
// When routingKey is empty the minted name itself is the routing key, so
// files named by the generator still spread over the shard space.
func (g *Generator) Assignment(routingKey string, bits uint8) (name string, shard uint64) {
	name = g.Next()
	if routingKey == "" {
		routingKey = name
	}
	return name, sharding.Hash(routingKey, bits)
}
