package core

import (
	"context"
	"crypto/ed25519"
	"path/filepath"
	"testing"
)

func newTestLedger(t *testing.T, genesisBalance uint64, pub ed25519.PublicKey) *Ledger {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "ledger")
	sender := AddressFromPublicKey(pub)
	cfg := LedgerConfig{
		StorePath:   dir,
		FeeSchedule: DefaultFeeSchedule(),
		GenesisAccounts: []Account{
			{Address: sender, Balance: U128FromUint64(genesisBalance)},
		},
	}
	l, err := NewLedger(cfg)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func signedTransfer(t *testing.T, pub ed25519.PublicKey, priv ed25519.PrivateKey, nonce uint64, to Address, fee U128) *Transaction {
	t.Helper()
	sender := AddressFromPublicKey(pub)
	tx := &Transaction{
		Nonce:        nonce,
		Sender:       sender,
		SenderPubKey: pub,
		Reads:        []Address{sender, to},
		Writes:       []Address{sender, to},
		Fee:          fee,
	}
	tx.Signature = ed25519.Sign(priv, canonicalTxBytes(tx))
	return tx
}

//-------------------------------------------------------------
// Single account-only transfer
//-------------------------------------------------------------

func TestApplyTransactionSuccess(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	l := newTestLedger(t, 1_000_000, pub)
	to := Address{0x02}

	tx := signedTransfer(t, pub, priv, 0, to, DefaultFeeSchedule().MinFee(400, 0))

	receipt, err := l.ApplyTransaction(context.Background(), BlockContext{Number: 1, Timestamp: 1_700_000_000}, tx)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if receipt.Status != StatusSuccess {
		t.Fatalf("want success, got %v (%s)", receipt.Status, receipt.FailureDetail)
	}

	sender, err := l.GetAccount(AddressFromPublicKey(pub))
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if sender.Nonce != 1 {
		t.Fatalf("nonce not incremented: %d", sender.Nonce)
	}
}

func TestApplyTransactionNonceMismatchRejected(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	l := newTestLedger(t, 1_000_000, pub)
	to := Address{0x02}

	tx := signedTransfer(t, pub, priv, 5, to, DefaultFeeSchedule().MinFee(200, 0))

	_, err = l.ApplyTransaction(context.Background(), BlockContext{Number: 1, Timestamp: 1_700_000_000}, tx)
	te, ok := err.(*TxError)
	if !ok || te.Kind != ErrNonceMismatch {
		t.Fatalf("want NonceMismatch, got %v", err)
	}

	sender, _ := l.GetAccount(AddressFromPublicKey(pub))
	if sender.Nonce != 0 {
		t.Fatalf("state must be untouched on a validation error, nonce=%d", sender.Nonce)
	}
}

func TestApplyTransactionWritesMustIncludeSender(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	l := newTestLedger(t, 1_000_000, pub)
	sender := AddressFromPublicKey(pub)
	other := Address{0x09}

	tx := &Transaction{
		Nonce:        0,
		Sender:       sender,
		SenderPubKey: pub,
		Reads:        []Address{sender},
		Writes:       []Address{other}, // deliberately excludes sender
		Fee:          DefaultFeeSchedule().MinFee(200, 0),
	}
	tx.Signature = ed25519.Sign(priv, canonicalTxBytes(tx))

	_, err = l.ApplyTransaction(context.Background(), BlockContext{Number: 1, Timestamp: 1_700_000_000}, tx)
	te, ok := err.(*TxError)
	if !ok || te.Kind != ErrInvalidAccessSet {
		t.Fatalf("want InvalidAccessSet, got %v", err)
	}
}

func TestApplyTransactionInsufficientFunds(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	l := newTestLedger(t, 10, pub) // far less than any viable output+fee
	sender := AddressFromPublicKey(pub)
	to := Address{0x02}

	tx := &Transaction{
		Nonce:        0,
		Sender:       sender,
		SenderPubKey: pub,
		Outputs:      []UTXODraft{{Amount: U128FromUint64(1_000_000), Owner: to}},
		Reads:        []Address{sender, to},
		Writes:       []Address{sender, to},
		Fee:          DefaultFeeSchedule().MinFee(400, 0),
	}
	tx.Signature = ed25519.Sign(priv, canonicalTxBytes(tx))

	_, err = l.ApplyTransaction(context.Background(), BlockContext{Number: 1, Timestamp: 1_700_000_000}, tx)
	te, ok := err.(*TxError)
	if !ok || te.Kind != ErrInsufficientFunds {
		t.Fatalf("want InsufficientFunds, got %v", err)
	}
}

func TestApplyTransactionBadSignatureRejected(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	l := newTestLedger(t, 1_000_000, pub)
	sender := AddressFromPublicKey(pub)

	tx := &Transaction{
		Nonce:        0,
		Sender:       sender,
		SenderPubKey: pub,
		Reads:        []Address{sender},
		Writes:       []Address{sender},
		Fee:          DefaultFeeSchedule().MinFee(200, 0),
		Signature:    []byte{1, 2, 3, 4},
	}

	_, err = l.ApplyTransaction(context.Background(), BlockContext{Number: 1, Timestamp: 1_700_000_000}, tx)
	te, ok := err.(*TxError)
	if !ok || te.Kind != ErrInvalidSignature {
		t.Fatalf("want InvalidSignature, got %v", err)
	}
}

func TestApplyBlockTransactionsSkipsBadSignatureButAppliesRest(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	l := newTestLedger(t, 1_000_000, pub)
	sender := AddressFromPublicKey(pub)
	to := Address{0x02}

	good := signedTransfer(t, pub, priv, 0, to, DefaultFeeSchedule().MinFee(400, 0))
	bad := &Transaction{
		Nonce:        1,
		Sender:       sender,
		SenderPubKey: pub,
		Reads:        []Address{sender},
		Writes:       []Address{sender},
		Fee:          DefaultFeeSchedule().MinFee(200, 0),
		Signature:    []byte{0xde, 0xad},
	}

	results := l.ApplyBlockTransactions(context.Background(), BlockContext{Number: 1, Timestamp: 1_700_000_000}, []*Transaction{good, bad})
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Err != nil {
		t.Fatalf("good tx should have applied: %v", results[0].Err)
	}
	te, ok := results[1].Err.(*TxError)
	if !ok || te.Kind != ErrInvalidSignature {
		t.Fatalf("bad tx should fail with InvalidSignature, got %v", results[1].Err)
	}
}

func TestLedgerPersistsReceiptAndBlockHeader(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	l := newTestLedger(t, 1_000_000, pub)
	to := Address{0x02}

	tx := signedTransfer(t, pub, priv, 0, to, DefaultFeeSchedule().MinFee(400, 0))
	receipt, err := l.ApplyTransaction(context.Background(), BlockContext{Number: 1, Timestamp: 1_700_000_000}, tx)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	got, ok, err := l.GetReceipt(receipt.TxHash)
	if err != nil {
		t.Fatalf("get receipt: %v", err)
	}
	if !ok {
		t.Fatalf("receipt for %s not persisted", receipt.TxHash)
	}
	if got.StateRootAfter != receipt.StateRootAfter || got.Status != receipt.Status {
		t.Fatalf("persisted receipt %+v does not match returned receipt %+v", got, receipt)
	}

	header, ok, err := l.GetBlockHeader(l.Height())
	if err != nil {
		t.Fatalf("get block header: %v", err)
	}
	if !ok {
		t.Fatalf("block header at height %d not persisted", l.Height())
	}
	if header.StateRoot != receipt.StateRootAfter {
		t.Fatalf("header state root %s != receipt state root %s", header.StateRoot, receipt.StateRootAfter)
	}
}

func TestLedgerRebuildSMTAfterReopen(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	dir := filepath.Join(t.TempDir(), "ledger")
	sender := AddressFromPublicKey(pub)
	cfg := LedgerConfig{
		StorePath:       dir,
		FeeSchedule:     DefaultFeeSchedule(),
		GenesisAccounts: []Account{{Address: sender, Balance: U128FromUint64(1_000_000)}},
	}
	l1, err := NewLedger(cfg)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	to := Address{0x02}
	tx := signedTransfer(t, pub, priv, 0, to, DefaultFeeSchedule().MinFee(400, 0))
	if _, err := l1.ApplyTransaction(context.Background(), BlockContext{Number: 1, Timestamp: 1_700_000_000}, tx); err != nil {
		t.Fatalf("apply: %v", err)
	}
	root1 := l1.StateRoot()
	if err := l1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	l2, err := NewLedger(LedgerConfig{StorePath: dir, FeeSchedule: DefaultFeeSchedule()})
	if err != nil {
		t.Fatalf("reopen ledger: %v", err)
	}
	defer l2.Close()
	if l2.StateRoot() != root1 {
		t.Fatalf("rebuilt root %s != original root %s", l2.StateRoot(), root1)
	}
}
