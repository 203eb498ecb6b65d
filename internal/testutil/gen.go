package testutil

import (
	"fmt"
	"sync"
)

// FixedGenerator returns predetermined ids in order, enabling
// deterministic assertions on generated task and batch ids.
//
// Panics when the tokens are exhausted: a test drawing more ids than it
// scripted is a test bug.
type FixedGenerator struct {
	mu     sync.Mutex
	tokens []string
	idx    int
}

// NewFixedGenerator creates a generator that returns tokens in order.
func NewFixedGenerator(tokens ...string) *FixedGenerator {
	return &FixedGenerator{tokens: tokens}
}

// Generate returns the next token.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.idx >= len(g.tokens) {
		panic("testutil: FixedGenerator exhausted")
	}
	token := g.tokens[g.idx]
	g.idx++
	return token
}

// SeqGenerator returns "prefix-1", "prefix-2", ... without a scripted
// bound, for tests that only need stable, readable ids.
type SeqGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSeqGenerator creates a sequential generator.
func NewSeqGenerator(prefix string) *SeqGenerator {
	return &SeqGenerator{prefix: prefix}
}

// Generate returns the next id.
func (g *SeqGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
