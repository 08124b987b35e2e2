package core

// Key-Value Store (C1): a column-family oriented persistent store backed
// by github.com/cockroachdb/pebble. Pebble has no native column-family
// concept, so each CF is realised as a one-byte key prefix, giving
// accounts, UTXOs, blocks, and metadata disjoint key ranges within a
// single embedded engine instance.

import (
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/sirupsen/logrus"
)

// ColumnFamily identifies one of the fixed logical namespaces a store is
// partitioned into.
type ColumnFamily byte

const (
	CFAccounts         ColumnFamily = 0x01
	CFUTXOs            ColumnFamily = 0x02
	CFContractStorage  ColumnFamily = 0x03
	CFMerkleNodes      ColumnFamily = 0x04 // reserved; unused by the lazy SMT
	CFBlocks           ColumnFamily = 0x05
	CFReceipts         ColumnFamily = 0x06
	CFMetadata         ColumnFamily = 0x07
)

// Well-known metadata keys.
var (
	MetaKeyStateRoot        = []byte("state_root")
	MetaKeyHeight           = []byte("height")
	MetaKeySnapshotManifest = []byte("snapshot_manifest")
	MetaKeyFeeSchedule      = []byte("fee_schedule")
)

// KVStore is the interface the Ledger and Snapshot Codec depend on. It is intentionally narrow: point get/put/delete,
// forward iteration within a CF, and atomic batches spanning CFs.
type KVStore interface {
	Get(cf ColumnFamily, key []byte) ([]byte, error)
	Put(cf ColumnFamily, key, value []byte) error
	Delete(cf ColumnFamily, key []byte) error
	Has(cf ColumnFamily, key []byte) (bool, error)
	Iterate(cf ColumnFamily) (CFIterator, error)
	NewBatch() Batch
	Close() error
}

// CFIterator walks a column family in ascending key-byte order, the
// ordering deterministic snapshot export depends on.
type CFIterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Close() error
}

// Batch accumulates writes across column families for one atomic commit:
// every Ledger-level commit is a single atomic batch spanning every
// column family it touches.
type Batch interface {
	Put(cf ColumnFamily, key, value []byte)
	Delete(cf ColumnFamily, key []byte)
	Commit() error
}

// ErrNotFound is returned by Get/point lookups when the key is absent.
var ErrNotFound = pebble.ErrNotFound

// Store is the pebble-backed KVStore implementation.
type Store struct {
	db  *pebble.DB
	log *logrus.Entry
}

// OpenStore opens (or creates) a pebble database at dir.
func OpenStore(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &Store{db: db, log: logrus.WithField("component", "kvstore")}, nil
}

func cfKey(cf ColumnFamily, key []byte) []byte {
	out := make([]byte, 1+len(key))
	out[0] = byte(cf)
	copy(out[1:], key)
	return out
}

func (s *Store) Get(cf ColumnFamily, key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(cfKey(cf, key))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(v))
	copy(out, v)
	_ = closer.Close()
	return out, nil
}

func (s *Store) Put(cf ColumnFamily, key, value []byte) error {
	return s.db.Set(cfKey(cf, key), value, pebble.Sync)
}

func (s *Store) Delete(cf ColumnFamily, key []byte) error {
	return s.db.Delete(cfKey(cf, key), pebble.Sync)
}

func (s *Store) Has(cf ColumnFamily, key []byte) (bool, error) {
	_, closer, err := s.db.Get(cfKey(cf, key))
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_ = closer.Close()
	return true, nil
}

func (s *Store) Iterate(cf ColumnFamily) (CFIterator, error) {
	lower := []byte{byte(cf)}
	upper := []byte{byte(cf) + 1}
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	return &pebbleIterator{it: it, started: false, prefixLen: 1}, nil
}

type pebbleIterator struct {
	it        *pebble.Iterator
	started   bool
	prefixLen int
}

func (p *pebbleIterator) Next() bool {
	if !p.started {
		p.started = true
		return p.it.First()
	}
	return p.it.Next()
}

func (p *pebbleIterator) Key() []byte {
	k := p.it.Key()
	return k[p.prefixLen:]
}

func (p *pebbleIterator) Value() []byte {
	v := p.it.Value()
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

func (p *pebbleIterator) Error() error { return p.it.Error() }
func (p *pebbleIterator) Close() error { return p.it.Close() }

func (s *Store) NewBatch() Batch {
	return &pebbleBatch{b: s.db.NewBatch()}
}

type pebbleBatch struct {
	b   *pebble.Batch
	err error
}

func (pb *pebbleBatch) Put(cf ColumnFamily, key, value []byte) {
	if pb.err != nil {
		return
	}
	pb.err = pb.b.Set(cfKey(cf, key), value, nil)
}

func (pb *pebbleBatch) Delete(cf ColumnFamily, key []byte) {
	if pb.err != nil {
		return
	}
	pb.err = pb.b.Delete(cfKey(cf, key), nil)
}

func (pb *pebbleBatch) Commit() error {
	if pb.err != nil {
		return pb.err
	}
	return pb.b.Commit(pebble.Sync)
}

func (s *Store) Close() error { return s.db.Close() }
