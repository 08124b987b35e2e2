package core

import (
	"bytes"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "store")
	s, err := OpenStore(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStorePutGetDelete(t *testing.T) {
	s := openTestStore(t)

	if err := s.Put(CFAccounts, []byte("addr1"), []byte("value1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.Get(CFAccounts, []byte("addr1"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, []byte("value1")) {
		t.Fatalf("got %q want %q", got, "value1")
	}

	if err := s.Delete(CFAccounts, []byte("addr1")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(CFAccounts, []byte("addr1")); err != ErrNotFound {
		t.Fatalf("want ErrNotFound after delete, got %v", err)
	}
}

func TestStoreColumnFamilyIsolation(t *testing.T) {
	s := openTestStore(t)

	if err := s.Put(CFAccounts, []byte("k"), []byte("from-accounts")); err != nil {
		t.Fatalf("put accounts: %v", err)
	}
	if err := s.Put(CFUTXOs, []byte("k"), []byte("from-utxos")); err != nil {
		t.Fatalf("put utxos: %v", err)
	}

	a, err := s.Get(CFAccounts, []byte("k"))
	if err != nil {
		t.Fatalf("get accounts: %v", err)
	}
	u, err := s.Get(CFUTXOs, []byte("k"))
	if err != nil {
		t.Fatalf("get utxos: %v", err)
	}
	if bytes.Equal(a, u) {
		t.Fatalf("same key in different column families must not collide")
	}
}

func TestStoreIterateAscendingOrder(t *testing.T) {
	s := openTestStore(t)

	keys := [][]byte{[]byte("c"), []byte("a"), []byte("b")}
	for _, k := range keys {
		if err := s.Put(CFBlocks, k, []byte("v")); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	it, err := s.Iterate(CFBlocks)
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	defer it.Close()

	var got []string
	for it.Next() {
		got = append(got, string(it.Key()))
	}
	if err := it.Error(); err != nil {
		t.Fatalf("iterator error: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestStoreBatchAtomicAcrossColumnFamilies(t *testing.T) {
	s := openTestStore(t)

	batch := s.NewBatch()
	batch.Put(CFAccounts, []byte("a"), []byte("1"))
	batch.Put(CFUTXOs, []byte("u"), []byte("2"))
	if err := batch.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := s.Get(CFAccounts, []byte("a")); err != nil {
		t.Fatalf("accounts write missing: %v", err)
	}
	if _, err := s.Get(CFUTXOs, []byte("u")); err != nil {
		t.Fatalf("utxos write missing: %v", err)
	}
}
