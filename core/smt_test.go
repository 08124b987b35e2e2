package core

import "testing"

func TestEmptySMTRootIsZero(t *testing.T) {
	tree := NewSMT()
	if !tree.Root().IsZero() {
		t.Fatalf("empty tree root must be all-zero, got %s", tree.Root())
	}
}

func TestSMTOrderIndependence(t *testing.T) {
	addrs := []Address{{0x01}, {0x02}, {0x03}}
	hashes := []Hash{{0xaa}, {0xbb}, {0xcc}}

	forward := NewSMT()
	for i := range addrs {
		forward.Update(addrs[i], hashes[i])
	}

	backward := NewSMT()
	for i := len(addrs) - 1; i >= 0; i-- {
		backward.Update(addrs[i], hashes[i])
	}

	if forward.Root() != backward.Root() {
		t.Fatalf("root must not depend on update order: %s != %s", forward.Root(), backward.Root())
	}
}

func TestSMTUpdateOverwritesLeaf(t *testing.T) {
	tree := NewSMT()
	addr := Address{0x01}
	tree.Update(addr, Hash{0x01})
	r1 := tree.Root()
	tree.Update(addr, Hash{0x02})
	r2 := tree.Root()
	if r1 == r2 {
		t.Fatalf("root must change when a leaf's value hash changes")
	}
	vh, ok := tree.Get(addr)
	if !ok || vh != (Hash{0x02}) {
		t.Fatalf("leaf value not updated")
	}
}

func TestSMTBatchUpdateEquivalence(t *testing.T) {
	addrs := []Address{{0x01}, {0x02}}
	hashes := []Hash{{0xaa}, {0xbb}}

	sequential := NewSMT()
	for i := range addrs {
		sequential.Update(addrs[i], hashes[i])
	}

	batched := NewSMT()
	batched.BatchUpdate(map[Address]Hash{addrs[0]: hashes[0], addrs[1]: hashes[1]})

	if sequential.Root() != batched.Root() {
		t.Fatalf("batch update must produce the same root as sequential updates")
	}
}

func TestSMTDeleteRemovesLeaf(t *testing.T) {
	tree := NewSMT()
	addr := Address{0x01}
	tree.Update(addr, Hash{0x01})
	tree.Delete(addr)
	if tree.Len() != 0 {
		t.Fatalf("leaf not removed, len=%d", tree.Len())
	}
	if !tree.Root().IsZero() {
		t.Fatalf("root must return to zero once all leaves are gone")
	}
}
