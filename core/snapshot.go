package core

// Snapshot Codec (C3): full-state export/import for fast-sync. The wire
// format is a header (height, state root at that height, timestamp)
// followed by the `accounts` column family and the `utxos` column family
// in ascending key order, followed by a trailing copy of the root for
// import-side verification, the whole stream compressed with zstd.
//
// go-ethereum/rlp (already load-bearing for C1/C4 records) encodes the
// fixed-shape header and trailing root; klauspost/compress/zstd provides
// the dictionary-free stream compression.

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/klauspost/compress/zstd"
)

// SnapshotErrorKind enumerates the import-side failure taxonomy: each
// one aborts the import entirely, leaving the destination ledger's
// store untouched.
type SnapshotErrorKind string

const (
	SnapshotDecompressionFailed SnapshotErrorKind = "DecompressionFailed"
	SnapshotDecodeFailed        SnapshotErrorKind = "DecodeFailed"
	SnapshotRootMismatch        SnapshotErrorKind = "RootMismatch"
)

// SnapshotError is returned by ImportSnapshot when the stream cannot be
// consumed or fails its post-import root check.
type SnapshotError struct {
	Kind   SnapshotErrorKind
	Detail string
}

func (e *SnapshotError) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Detail) }

type rlpSnapshotHeader struct {
	Height         uint64
	StateRootAtH   []byte
	Timestamp      uint64
	AccountCount   uint64
	UTXOCount      uint64
}

type rlpSnapshotAccount struct {
	Key   []byte
	Value []byte
}

type rlpSnapshotUTXO struct {
	Key   []byte
	Value []byte
}

// ExportSnapshot writes a compressed, self-describing dump of the
// `accounts` and `utxos` column families at the ledger's current height
// to w.
func ExportSnapshot(l *Ledger, w io.Writer) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("snapshot: new zstd writer: %w", err)
	}
	defer zw.Close()

	root := l.StateRoot()
	header := rlpSnapshotHeader{
		Height:       l.Height(),
		StateRootAtH: root.Bytes(),
	}

	accIt, err := l.store.Iterate(CFAccounts)
	if err != nil {
		return err
	}
	defer accIt.Close()
	var accounts []rlpSnapshotAccount
	for accIt.Next() {
		accounts = append(accounts, rlpSnapshotAccount{Key: append([]byte(nil), accIt.Key()...), Value: append([]byte(nil), accIt.Value()...)})
	}
	if err := accIt.Error(); err != nil {
		return err
	}

	utxoIt, err := l.store.Iterate(CFUTXOs)
	if err != nil {
		return err
	}
	defer utxoIt.Close()
	var utxos []rlpSnapshotUTXO
	for utxoIt.Next() {
		utxos = append(utxos, rlpSnapshotUTXO{Key: append([]byte(nil), utxoIt.Key()...), Value: append([]byte(nil), utxoIt.Value()...)})
	}
	if err := utxoIt.Error(); err != nil {
		return err
	}

	header.AccountCount = uint64(len(accounts))
	header.UTXOCount = uint64(len(utxos))

	if err := rlp.Encode(zw, header); err != nil {
		return fmt.Errorf("snapshot: encode header: %w", err)
	}
	for _, a := range accounts {
		if err := rlp.Encode(zw, a); err != nil {
			return fmt.Errorf("snapshot: encode account: %w", err)
		}
	}
	for _, u := range utxos {
		if err := rlp.Encode(zw, u); err != nil {
			return fmt.Errorf("snapshot: encode utxo: %w", err)
		}
	}
	// Trailing root, independent of the header copy, so import can
	// detect truncation as well as corruption.
	if err := rlp.Encode(zw, root.Bytes()); err != nil {
		return fmt.Errorf("snapshot: encode trailing root: %w", err)
	}
	return nil
}

// ImportSnapshot reads a stream produced by ExportSnapshot into dst: it
// writes every account and UTXO entry of the stream into dst's `accounts`
// and `utxos` column families and replaces dst's Sparse Merkle Tree with
// one built from the snapshot's accounts. Entries already in dst under
// keys the snapshot does not contain are not removed. The header root must
// match both the trailing copy and the rebuilt tree's root; all of these
// checks run before the single store batch is committed, so a failed
// import writes nothing.
func ImportSnapshot(dst *Ledger, r io.Reader) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return &SnapshotError{Kind: SnapshotDecompressionFailed, Detail: err.Error()}
	}
	defer zr.Close()

	stream := rlp.NewStream(zr, 0)

	var header rlpSnapshotHeader
	if err := stream.Decode(&header); err != nil {
		return &SnapshotError{Kind: SnapshotDecodeFailed, Detail: fmt.Sprintf("header: %v", err)}
	}

	batch := dst.store.NewBatch()
	smtUpdates := make(map[Address]Hash)

	for i := uint64(0); i < header.AccountCount; i++ {
		var a rlpSnapshotAccount
		if err := stream.Decode(&a); err != nil {
			return &SnapshotError{Kind: SnapshotDecodeFailed, Detail: fmt.Sprintf("account %d: %v", i, err)}
		}
		batch.Put(CFAccounts, a.Key, a.Value)
		acc, err := DecodeAccount(a.Value)
		if err != nil {
			return &SnapshotError{Kind: SnapshotDecodeFailed, Detail: fmt.Sprintf("account %d value: %v", i, err)}
		}
		smtUpdates[acc.Address] = acc.ValueHash()
	}
	for i := uint64(0); i < header.UTXOCount; i++ {
		var u rlpSnapshotUTXO
		if err := stream.Decode(&u); err != nil {
			return &SnapshotError{Kind: SnapshotDecodeFailed, Detail: fmt.Sprintf("utxo %d: %v", i, err)}
		}
		batch.Put(CFUTXOs, u.Key, u.Value)
	}

	var trailingRoot []byte
	if err := stream.Decode(&trailingRoot); err != nil {
		return &SnapshotError{Kind: SnapshotDecodeFailed, Detail: fmt.Sprintf("trailing root: %v", err)}
	}
	if !bytes.Equal(header.StateRootAtH, trailingRoot) {
		return &SnapshotError{Kind: SnapshotRootMismatch, Detail: "header root does not match trailing root"}
	}

	rebuilt := NewSMT()
	rebuilt.BatchUpdate(smtUpdates)
	got := rebuilt.Root()
	want := HashFromBytes(header.StateRootAtH)
	if got != want {
		return &SnapshotError{Kind: SnapshotRootMismatch, Detail: fmt.Sprintf("rebuilt root %s != snapshot root %s", got, want)}
	}

	batch.Put(CFMetadata, MetaKeyHeight, beUint64Bytes(header.Height))
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreError, err)
	}

	dst.smt = rebuilt
	dst.height = header.Height
	return nil
}
