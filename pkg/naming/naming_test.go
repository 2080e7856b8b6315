package naming

import (
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datavision/easystore/pkg/sharding"
)

// fakeClock advances by step on every reading.
type fakeClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.t
	c.t = c.t.Add(c.step)
	return t
}

func newGenerator(t *testing.T, cfg Config) *Generator {
	t.Helper()
	g, err := New(cfg)
	require.NoError(t, err)
	return g
}

func TestNextShape(t *testing.T) {
	clock := &fakeClock{
		t:    time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC),
		step: time.Millisecond,
	}
	g := newGenerator(t, Config{Prefix: "IMG", NodeID: 0x6F, Now: clock.now})

	name := g.Next()
	assert.Regexp(t, regexp.MustCompile(`^IMG_20250115_[0-9a-f]{12}_[0-9a-f]{2}$`), name)
}

func TestNextDeterministic(t *testing.T) {
	base := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	mk := func() *Generator {
		clock := &fakeClock{t: base, step: time.Millisecond}
		return newGenerator(t, Config{Prefix: "C", NodeID: 7, Now: clock.now})
	}

	g1, g2 := mk(), mk()
	for i := 0; i < 50; i++ {
		assert.Equal(t, g1.Next(), g2.Next())
	}
}

func TestNextEncodesMillisAndNode(t *testing.T) {
	base := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: base, step: time.Millisecond}
	g := newGenerator(t, Config{Prefix: "C", NodeID: 0xAB, Now: clock.now})

	name := g.Next()

	ms := uint64(base.UnixMilli())
	block := ((ms & ((1 << DefaultWrapBits) - 1)) << 8) | 0xAB
	want := fmt.Sprintf("C_20250115_%012x_00", block)
	assert.Equal(t, want, name)
}

func TestCounterIncrementsWithinDay(t *testing.T) {
	clock := &fakeClock{
		t:    time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC),
		step: time.Millisecond,
	}
	g := newGenerator(t, Config{Prefix: "C", NodeID: 1, Now: clock.now})

	for i := 0; i < 5; i++ {
		name := g.Next()
		assert.Equal(t, fmt.Sprintf("%02x", i), name[len(name)-2:])
	}
}

func TestCounterWrapsMod256(t *testing.T) {
	clock := &fakeClock{
		t:    time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC),
		step: time.Millisecond,
	}
	g := newGenerator(t, Config{Prefix: "C", NodeID: 1, Now: clock.now})

	var last string
	for i := 0; i < 257; i++ {
		last = g.Next()
	}
	assert.Equal(t, "00", last[len(last)-2:])
}

func TestCounterResetsAtMidnight(t *testing.T) {
	clock := &fakeClock{
		t:    time.Date(2025, 1, 15, 23, 59, 59, int(999*time.Millisecond), time.UTC),
		step: time.Second,
	}
	g := newGenerator(t, Config{Prefix: "C", NodeID: 1, Now: clock.now})

	first := g.Next()
	assert.Contains(t, first, "_20250115_")
	assert.Equal(t, "00", first[len(first)-2:])

	second := g.Next()
	assert.Contains(t, second, "_20250116_")
	assert.Equal(t, "00", second[len(second)-2:])
}

func TestWrapWithinMillisecondWaitsForNextTick(t *testing.T) {
	// A clock frozen inside one millisecond for 256 mints, stepping only by
	// microseconds: the 257th mint must spin until the millisecond advances.
	clock := &fakeClock{
		t:    time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC),
		step: time.Microsecond,
	}
	g := newGenerator(t, Config{Prefix: "C", NodeID: 1, Now: clock.now})

	names := make(map[string]bool)
	for i := 0; i < 300; i++ {
		name := g.Next()
		assert.False(t, names[name], "duplicate name %s", name)
		names[name] = true
	}
}

func TestUniqueUnderConcurrency(t *testing.T) {
	g := newGenerator(t, Config{Prefix: "C", NodeID: 1})

	const workers = 8
	const perWorker = 200

	var mu sync.Mutex
	names := make(map[string]bool)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			local := make([]string, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, g.Next())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, name := range local {
				assert.False(t, names[name], "duplicate name %s", name)
				names[name] = true
			}
		}()
	}
	wg.Wait()

	assert.Len(t, names, workers*perWorker)
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{Prefix: "IMG"}, false},
		{"valid digits", Config{Prefix: "C2"}, false},
		{"empty prefix", Config{Prefix: ""}, true},
		{"underscore", Config{Prefix: "A_B"}, true},
		{"unicode", Config{Prefix: "Ä"}, true},
		{"space", Config{Prefix: "A B"}, true},
		{"wrap bits too wide", Config{Prefix: "C", WrapBits: 48}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.cfg)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAssignment(t *testing.T) {
	clock := &fakeClock{
		t:    time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC),
		step: time.Millisecond,
	}
	g := newGenerator(t, Config{Prefix: "IMG", NodeID: 1, Now: clock.now})

	name, shard := g.Assignment("hello", 3)
	assert.Regexp(t, `^IMG_20250115_`, name)
	assert.Equal(t, uint64(6), shard) // pinned: Hash("hello", 3)

	// Empty routing key falls back to the minted name.
	name2, shard2 := g.Assignment("", 8)
	assert.Equal(t, sharding.Hash(name2, 8), shard2)
}
