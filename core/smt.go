package core

// Lazy Sparse Merkle Tree (C2): a flat address -> leaf-value-hash map with
// a single dirty flag, committed to one root hash only when Root() is
// called. The root must be identical no matter what order Update/Delete
// calls were issued in, so the commitment is a single incremental
// SHA-256 over the ascending-address-sorted (address‖value_hash) stream
// rather than a binary tree reduction. Order-independence falls out of
// sorting by address before hashing.

import "sync"

// SMT is the lazy Sparse Merkle Tree over account addresses.
type SMT struct {
	mu     sync.RWMutex
	leaves map[Address]Hash
	dirty  bool
	root   Hash
}

// NewSMT returns an empty tree. The root of an empty tree is the all-zero
// hash.
func NewSMT() *SMT {
	return &SMT{leaves: make(map[Address]Hash)}
}

// Update sets the leaf value-hash for addr, marking the tree dirty. The
// root is not recomputed until Root() is next called.
func (t *SMT) Update(addr Address, valueHash Hash) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.leaves[addr] = valueHash
	t.dirty = true
}

// Delete removes addr's leaf entirely. The Ledger never calls it, since
// accounts persist once touched.
func (t *SMT) Delete(addr Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.leaves[addr]; ok {
		delete(t.leaves, addr)
		t.dirty = true
	}
}

// BatchUpdate applies many leaf updates before the next Root() call, such
// as all leaf updates of one committed transaction or of a full rebuild.
func (t *SMT) BatchUpdate(updates map[Address]Hash) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for addr, vh := range updates {
		t.leaves[addr] = vh
	}
	if len(updates) > 0 {
		t.dirty = true
	}
}

// Root returns the current commitment, recomputing it if any leaf has
// changed since the last call. The result is byte-identical regardless of
// the order in which Update/BatchUpdate calls were made, since the
// reduction always walks leaves in canonical ascending-address order.
func (t *SMT) Root() Hash {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.dirty {
		return t.root
	}
	t.root = t.computeRoot()
	t.dirty = false
	return t.root
}

func (t *SMT) computeRoot() Hash {
	if len(t.leaves) == 0 {
		return Hash{}
	}
	addrs := make([]Address, 0, len(t.leaves))
	for a := range t.leaves {
		addrs = append(addrs, a)
	}
	addrs = SortAddresses(addrs)

	parts := make([][]byte, 0, len(addrs)*2)
	for _, a := range addrs {
		vh := t.leaves[a]
		parts = append(parts, a.Bytes(), vh.Bytes())
	}
	return SumHash(parts...)
}

// Get returns the leaf value-hash for addr, if present.
func (t *SMT) Get(addr Address) (Hash, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	vh, ok := t.leaves[addr]
	return vh, ok
}

// Len reports the number of populated leaves, mainly for diagnostics and
// tests.
func (t *SMT) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.leaves)
}
