package core

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"path/filepath"
	"testing"
)

func TestSnapshotExportImportRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sender := AddressFromPublicKey(pub)
	srcDir := filepath.Join(t.TempDir(), "src")
	src, err := NewLedger(LedgerConfig{
		StorePath:       srcDir,
		FeeSchedule:     DefaultFeeSchedule(),
		GenesisAccounts: []Account{{Address: sender, Balance: U128FromUint64(1_000_000)}},
	})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	defer src.Close()

	to := Address{0x02}
	tx := signedTransfer(t, pub, priv, 0, to, DefaultFeeSchedule().MinFee(400, 0))
	if _, err := src.ApplyTransaction(context.Background(), BlockContext{Number: 1, Timestamp: 1_700_000_000}, tx); err != nil {
		t.Fatalf("apply: %v", err)
	}

	var buf bytes.Buffer
	if err := ExportSnapshot(src, &buf); err != nil {
		t.Fatalf("export: %v", err)
	}

	dstDir := filepath.Join(t.TempDir(), "dst")
	dst, err := NewLedger(LedgerConfig{StorePath: dstDir, FeeSchedule: DefaultFeeSchedule()})
	if err != nil {
		t.Fatalf("new dst ledger: %v", err)
	}
	defer dst.Close()

	if err := ImportSnapshot(dst, bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("import: %v", err)
	}

	if dst.StateRoot() != src.StateRoot() {
		t.Fatalf("imported root %s != exported root %s", dst.StateRoot(), src.StateRoot())
	}
	if dst.Height() != src.Height() {
		t.Fatalf("imported height %d != exported height %d", dst.Height(), src.Height())
	}

	gotAcc, err := dst.GetAccount(sender)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	wantAcc, err := src.GetAccount(sender)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if gotAcc != wantAcc {
		t.Fatalf("imported account mismatch: got %+v want %+v", gotAcc, wantAcc)
	}
}

func TestSnapshotImportDecompressionFailure(t *testing.T) {
	dstDir := filepath.Join(t.TempDir(), "dst")
	dst, err := NewLedger(LedgerConfig{StorePath: dstDir, FeeSchedule: DefaultFeeSchedule()})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	defer dst.Close()

	err = ImportSnapshot(dst, bytes.NewReader([]byte("not a valid zstd stream")))
	se, ok := err.(*SnapshotError)
	if !ok || se.Kind != SnapshotDecompressionFailed {
		t.Fatalf("want DecompressionFailed, got %v", err)
	}
}

func TestSnapshotImportCorruptedStreamFails(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sender := AddressFromPublicKey(pub)
	srcDir := filepath.Join(t.TempDir(), "src")
	src, err := NewLedger(LedgerConfig{
		StorePath:       srcDir,
		FeeSchedule:     DefaultFeeSchedule(),
		GenesisAccounts: []Account{{Address: sender, Balance: U128FromUint64(1_000_000)}},
	})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	defer src.Close()

	var buf bytes.Buffer
	if err := ExportSnapshot(src, &buf); err != nil {
		t.Fatalf("export: %v", err)
	}

	// Corrupt a byte in the middle of the compressed stream. Depending on
	// where it lands, the import fails at decompression, at decoding, or
	// at the root check; any of these must reject the snapshot.
	corrupted := buf.Bytes()
	if len(corrupted) > 20 {
		corrupted[len(corrupted)/2] ^= 0xff
	}

	dstDir := filepath.Join(t.TempDir(), "dst")
	dst, err := NewLedger(LedgerConfig{StorePath: dstDir, FeeSchedule: DefaultFeeSchedule()})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	defer dst.Close()

	err = ImportSnapshot(dst, bytes.NewReader(corrupted))
	if err == nil {
		t.Fatalf("expected import of corrupted snapshot to fail")
	}
}
