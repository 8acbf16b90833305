package testutil

import (
	"fmt"
	"sync"
)

// SequentialGenerator returns "<prefix>-1", "<prefix>-2", ... for keys and
// outbox entry ids.
//
// Unlike reconcile.FixedGenerator it never runs out, and it can be reset
// so the same scenario produces byte-identical snapshots on every run.
//
// Thread-safety: all methods are safe for concurrent use via internal mutex.
type SequentialGenerator struct {
	mu     sync.Mutex
	prefix string
	seq    int64
}

// NewSequentialGenerator creates a generator. An empty prefix is "key".
func NewSequentialGenerator(prefix string) *SequentialGenerator {
	if prefix == "" {
		prefix = "key"
	}
	return &SequentialGenerator{prefix: prefix}
}

// Generate returns the next key.
func (g *SequentialGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return fmt.Sprintf("%s-%d", g.prefix, g.seq)
}

// Current returns how many keys were generated.
func (g *SequentialGenerator) Current() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seq
}

// Reset restarts the sequence. The next key is "<prefix>-1".
func (g *SequentialGenerator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq = 0
}
