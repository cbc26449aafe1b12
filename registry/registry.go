// Package registry implements the process-wide message & impl table: the single structure mapping (message,
// receiver-type) pairs to specializations, versioned by a monotonic
// generation counter inline caches compare themselves against.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/wudi/sigil/values"
)

// SpecKind identifies what a Spec dispatches to.
type SpecKind byte

const (
	SpecBlock SpecKind = iota
	SpecNative
	SpecPrimitive
	SpecProperty
	SpecConstant
)

// Spec is a single (message, type) -> implementation entry.
type Spec struct {
	Kind SpecKind

	// SpecBlock / SpecNative: the callable value (Block or Native).
	Callable values.Value

	// SpecPrimitive: the primitive opcode tag.
	PrimitiveOp uint32

	// SpecProperty: the record field key to read.
	PropertyKey string

	// SpecConstant: the value itself.
	Constant values.Value

	// LocalOffset is set when this entry's source equals the registering
	// caller's source, enabling the local-call fast path.
	LocalOffset    int
	HasLocalOffset bool
}

type key struct {
	message string
	recv    string
}

// MessageTable is the global (message x receiver-type) -> Spec map. All
// reads go through Generation()/Lookup (acquire semantics via the mutex);
// all writes go through Define (release semantics: generation is bumped
// after the table mutation is visible under the lock).
type MessageTable struct {
	mu         sync.RWMutex
	specs      map[key]Spec
	generation atomic.Uint64
}

// NewMessageTable constructs an empty table at generation 0.
func NewMessageTable() *MessageTable {
	return &MessageTable{specs: make(map[key]Spec)}
}

// Generation returns the current specs-generation, read with acquire
// ordering.
func (t *MessageTable) Generation() uint64 {
	return t.generation.Load()
}

// Define registers spec for (message, receiverType), bumping the
// generation by exactly one. Concurrent writers are
// serialized by the table-wide mutex; the generation increment happens
// while still holding the lock so the bump is itself part of the
// release-ordered write.
func (t *MessageTable) Define(message, receiverType string, spec Spec) {
	t.mu.Lock()
	t.specs[key{message, receiverType}] = spec
	t.generation.Add(1)
	t.mu.Unlock()
}

// Lookup resolves (message, receiverType) -> Spec. The slow-path SEND
// handler uses Resolve, which also reports the generation.
func (t *MessageTable) Lookup(message, receiverType string) (Spec, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.specs[key{message, receiverType}]
	return s, ok
}

// BlockSpecializations returns every SpecBlock entry currently registered
// for message, keyed by receiver type. Used to detect whether a message
// qualifies for a MATCHSEND_BLOCK polymorphic inline cache (2-4 block
// specializations sharing one caller source).
func (t *MessageTable) BlockSpecializations(message string) map[string]Spec {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Spec)
	for k, s := range t.specs {
		if k.message == message && s.Kind == SpecBlock {
			out[k.recv] = s
		}
	}
	return out
}

// Resolve mirrors Lookup but also returns the generation observed at the
// moment of the read, atomically with respect to concurrent Define calls,
// so a caller can fill an inline cache slot without a second, possibly
// stale Generation() call racing a writer.
func (t *MessageTable) Resolve(message, receiverType string) (Spec, uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.specs[key{message, receiverType}]
	return s, t.generation.Load(), ok
}
