package core

// Ledger (C4): the hybrid UTxO/account state machine. State lives in
// the pebble-based KVStore; the in-memory Sparse Merkle Tree is rebuilt
// from the persisted accounts column family at open time rather than
// replayed from a write-ahead log. Transactions are validated and
// applied one at a time through an explicit multi-step protocol
// (signature, access set, nonce, fee, balances, optional contract call,
// commit) instead of an undifferentiated per-block apply pass.

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// LedgerConfig holds everything NewLedger needs to open or bootstrap a
// store: where it lives on disk, the fee schedule to charge against, and
// an optional genesis account/UTXO set for a fresh store.
type LedgerConfig struct {
	StorePath       string
	FeeSchedule     FeeSchedule
	GenesisAccounts []Account
	GenesisUTXOs    []UTXO
	MaxWorkers      int
}

// Ledger ties together the column-family store, the lazy SMT, the fee
// schedule and the WASM engine behind the single ApplyTransaction entry
// point.
//
// mu guards contract deployment, which touches an address outside any
// declared access set. Genesis bootstrap and the SMT rebuild take no lock:
// NewLedger runs them before the Ledger is returned to any caller.
// ApplyTransaction itself takes no ledger-wide lock: the Scheduler
// only ever runs conflict-free groups concurrently, so two in-flight
// transactions never read or write the same address, and height is
// updated atomically.
type Ledger struct {
	mu sync.RWMutex

	store  KVStore
	smt    *SMT
	fees   FeeSchedule
	engine *Engine
	sched  *Scheduler

	height uint64 // accessed via sync/atomic
	log    *logrus.Entry
}

// NewLedger opens the store at cfg.StorePath, loads or writes the genesis
// fee schedule and accounts/UTXOs into the metadata/accounts/utxos column
// families, and rebuilds the Sparse Merkle Tree from the persisted
// `accounts` CF: the SMT is never persisted itself, only rederived from
// account state each time the process starts.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	store, err := OpenStore(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}
	l := &Ledger{
		store:  store,
		smt:    NewSMT(),
		fees:   cfg.FeeSchedule,
		engine: NewEngine(),
		sched:  NewScheduler(cfg.MaxWorkers),
		log:    logrus.WithField("component", "ledger"),
	}

	existing, err := store.Has(CFMetadata, MetaKeyFeeSchedule)
	if err != nil {
		return nil, err
	}
	if !existing {
		if err := l.bootstrapGenesis(cfg); err != nil {
			return nil, err
		}
	} else {
		raw, err := store.Get(CFMetadata, MetaKeyFeeSchedule)
		if err != nil {
			return nil, err
		}
		l.fees = DecodeFeeSchedule(raw)
		if hb, err := store.Get(CFMetadata, MetaKeyHeight); err == nil && len(hb) == 8 {
			l.height = beUint64(hb)
		}
	}

	if err := l.rebuildSMT(); err != nil {
		return nil, err
	}
	l.log.WithField("height", l.height).Info("ledger opened")
	return l, nil
}

func (l *Ledger) bootstrapGenesis(cfg LedgerConfig) error {
	batch := l.store.NewBatch()
	batch.Put(CFMetadata, MetaKeyFeeSchedule, cfg.FeeSchedule.Encode())
	batch.Put(CFMetadata, MetaKeyHeight, beUint64Bytes(0))
	for _, acc := range cfg.GenesisAccounts {
		batch.Put(CFAccounts, acc.Address[:], EncodeAccount(acc))
	}
	for _, u := range cfg.GenesisUTXOs {
		batch.Put(CFUTXOs, u.ID.Bytes(), EncodeUTXO(u))
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("bootstrap genesis: %w", err)
	}
	return nil
}

// rebuildSMT re-derives the in-memory Sparse Merkle Tree from the
// on-disk accounts column family. Run once at open time and again after
// a snapshot import, since the SMT itself is never persisted.
func (l *Ledger) rebuildSMT() error {
	it, err := l.store.Iterate(CFAccounts)
	if err != nil {
		return err
	}
	defer it.Close()

	updates := make(map[Address]Hash)
	for it.Next() {
		acc, err := DecodeAccount(it.Value())
		if err != nil {
			return fmt.Errorf("rebuild smt: decode account: %w", err)
		}
		updates[acc.Address] = acc.ValueHash()
	}
	if err := it.Error(); err != nil {
		return err
	}
	l.smt.BatchUpdate(updates)
	l.smt.Root() // force materialization so StateRoot() is cheap afterwards
	return nil
}

// StateRoot returns the current Sparse Merkle Tree root.
func (l *Ledger) StateRoot() Hash {
	return l.smt.Root()
}

// Height returns the last committed block height.
func (l *Ledger) Height() uint64 {
	return atomic.LoadUint64(&l.height)
}

// GetAccount returns the account record for addr, or the zero-value
// account with IsZero()-true balance/nonce if it has never been touched.
func (l *Ledger) GetAccount(addr Address) (Account, error) {
	return l.getAccountLocked(addr)
}

func (l *Ledger) getAccountLocked(addr Address) (Account, error) {
	raw, err := l.store.Get(CFAccounts, addr[:])
	if err == ErrNotFound {
		return Account{Address: addr}, nil
	}
	if err != nil {
		return Account{}, err
	}
	return DecodeAccount(raw)
}

// getAccountSnapshot implements ledgerView for the Bridge.
func (l *Ledger) getAccountSnapshot(addr Address) (Account, bool) {
	acc, err := l.GetAccount(addr)
	if err != nil {
		return Account{}, false
	}
	return acc, true
}

func (l *Ledger) getStorageSnapshot(contract Address, key []byte) ([]byte, bool) {
	raw, err := l.store.Get(CFContractStorage, storageCFKey(contract, key))
	if err != nil {
		return nil, false
	}
	return raw, true
}

func storageCFKey(contract Address, key []byte) []byte {
	out := make([]byte, 20+len(key))
	copy(out, contract[:])
	copy(out[20:], key)
	return out
}

// GetUTXO returns the unspent output identified by id.
func (l *Ledger) GetUTXO(id UTXOID) (UTXO, bool, error) {
	raw, err := l.store.Get(CFUTXOs, id.Bytes())
	if err == ErrNotFound {
		return UTXO{}, false, nil
	}
	if err != nil {
		return UTXO{}, false, err
	}
	u, err := DecodeUTXO(raw)
	return u, true, err
}

// ApplyTransaction runs the full validate/execute/commit protocol for a
// single transaction. Validation errors (signature, access set, nonce,
// fee, funds, missing/unowned inputs) leave state untouched. Contract
// errors still consume the declared fee and increment the nonce,
// producing a Failure receipt.
func (l *Ledger) ApplyTransaction(ctx context.Context, blockCtx BlockContext, tx *Transaction) (Receipt, error) {
	plan, err := l.prepareTransaction(ctx, blockCtx, tx)
	if err != nil {
		return Receipt{}, err
	}
	return l.commitPlan(plan)
}

// TxPlan is the output of validating and (optionally) executing one
// transaction: a ready-to-commit batch, the pending Sparse Merkle Tree
// leaf updates it implies, and a receipt missing only its post-commit
// state root. Producing a TxPlan touches no shared mutable ledger state
// beyond read-only store lookups, so the Scheduler may build TxPlans for
// an entire conflict-free group concurrently; committing them must still
// happen strictly in canonical input order: workers compute proposed
// leaf-hash updates, the committer applies them.
type TxPlan struct {
	tx         *Transaction
	batch      Batch
	smtUpdates map[Address]Hash
	receipt    Receipt
	blockCtx   BlockContext
}

// prepareTransaction performs every validation and execution step up to
// and including contract execution, without committing anything: the
// returned batch and smtUpdates are inert until commitPlan applies them.
// Validation errors are returned as *TxError with a nil plan; fatal store
// errors are wrapped in ErrStoreError, also with a nil plan. blockCtx is
// the caller-supplied block identity; it is surfaced to WASM contracts
// verbatim through ExecutionContext and is never derived from the
// ledger's own height counter or the wall clock.
func (l *Ledger) prepareTransaction(ctx context.Context, blockCtx BlockContext, tx *Transaction) (*TxPlan, error) {
	txHash := tx.Hash()

	// Step 1: signature verification over the canonical, signature-
	// excluding tx bytes (the preimage of the tx hash).
	if len(tx.SenderPubKey) == 0 || !tx.SenderPubKey.Verify(canonicalTxBytes(tx), tx.Signature) {
		return nil, newTxError(ErrInvalidSignature, "signature does not verify for tx %s", txHash)
	}
	if AddressFromPublicKey(tx.SenderPubKey) != tx.Sender {
		return nil, newTxError(ErrInvalidSignature, "sender address does not match public key")
	}

	// Step 2: writes must include the sender.
	if _, ok := tx.WriteSet()[tx.Sender]; !ok {
		return nil, newTxError(ErrInvalidAccessSet, "write set must include sender %s", tx.Sender)
	}

	sender, err := l.getAccountLocked(tx.Sender)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreError, err)
	}

	// Step 3: nonce check.
	if tx.Nonce != sender.Nonce {
		return nil, newTxError(ErrNonceMismatch, "have %d want %d", tx.Nonce, sender.Nonce)
	}

	// Step 4: minimum fee.
	minFee := l.fees.MinFee(len(EncodeTransaction(tx)), tx.GasLimit)
	if tx.Fee.Cmp(minFee) < 0 {
		return nil, newTxError(ErrFeeTooLow, "fee %s below minimum %s", tx.Fee, minFee)
	}

	// Step 5: verify UTxO inputs exist and are owned by the sender, and
	// total input+balance covers outputs+fee.
	var inputTotal U128
	for _, id := range tx.Inputs {
		u, ok, err := l.getUTXOLocked(id)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreError, err)
		}
		if !ok {
			return nil, newTxError(ErrInputNotFound, "input %s not found", id)
		}
		if u.Owner != tx.Sender {
			return nil, newTxError(ErrInputNotOwned, "input %s not owned by sender", id)
		}
		inputTotal, err = inputTotal.Add(u.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreError, err)
		}
	}

	var outputTotal U128
	for _, out := range tx.Outputs {
		var err error
		outputTotal, err = outputTotal.Add(out.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreError, err)
		}
	}
	required, err := outputTotal.Add(tx.Fee)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreError, err)
	}
	available, err := sender.Balance.Add(inputTotal)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreError, err)
	}
	if available.Cmp(required) < 0 {
		return nil, newTxError(ErrInsufficientFunds, "have %s need %s", available, required)
	}

	// From here on the transaction is committed: nonce and fee always
	// apply, even if the optional contract call fails.
	batch := l.store.NewBatch()
	smtUpdates := make(map[Address]Hash)

	newBalance, err := sender.Balance.Add(inputTotal)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreError, err)
	}
	newBalance, err = newBalance.Sub(required)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreError, err)
	}
	sender.Balance = newBalance
	sender.Nonce++

	for _, id := range tx.Inputs {
		batch.Delete(CFUTXOs, id.Bytes())
	}
	for i, out := range tx.Outputs {
		u := UTXO{ID: UTXOID{TxHash: txHash, OutputIndex: uint32(i)}, Amount: out.Amount, Owner: out.Owner, ScriptHash: out.ScriptHash}
		batch.Put(CFUTXOs, u.ID.Bytes(), EncodeUTXO(u))
	}

	receipt := Receipt{TxHash: txHash, Status: StatusSuccess}

	// Step 6 (optional): contract call through the Runtime-State Bridge.
	if tx.ProgramID != nil {
		code, ok := l.getCodeLocked(*tx.ProgramID)
		if !ok {
			receipt.Status = StatusFailure
			receipt.FailureKind = FailureWasmTrap
			receipt.FailureDetail = "no code at program address"
		} else {
			bridge := NewBridge(l, tx.Reads, tx.Writes)
			execCtx := ExecutionContext{
				ContractAddress: *tx.ProgramID,
				Caller:          tx.Sender,
				Value:           U128{},
				GasLimit:        tx.GasLimit,
				BlockNumber:     blockCtx.Number,
				Timestamp:       blockCtx.Timestamp,
			}
			gas := NewGasMeter(tx.GasLimit)
			result := l.engine.Execute(code, execCtx, gas, bridge)
			receipt.GasUsed = result.GasUsed
			if aborted, abortErr := bridge.Aborted(); aborted {
				receipt.Status = StatusFailure
				receipt.FailureKind = FailureInvalidAccessSetInternal
				receipt.FailureDetail = abortErr.Error()
			} else if !result.Success {
				receipt.Status = StatusFailure
				receipt.FailureKind = result.Kind
				receipt.FailureDetail = result.Detail
			} else {
				receipt.Logs = bridge.Logs()
				if err := l.mergeBridge(batch, smtUpdates, bridge); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrStoreError, err)
				}
			}
		}
	}

	batch.Put(CFAccounts, sender.Address[:], EncodeAccount(sender))
	smtUpdates[sender.Address] = sender.ValueHash()

	return &TxPlan{tx: tx, batch: batch, smtUpdates: smtUpdates, receipt: receipt, blockCtx: blockCtx}, nil
}

// commitPlan applies a prepared TxPlan: it bumps height, commits the
// batch atomically to C1, folds the plan's leaf updates into C2 in one
// shot, and fills in the receipt's post-commit state root. Must be
// called strictly in canonical (original input) order for transactions
// drawn from the same conflict-free group, even though preparing those
// same transactions may have happened concurrently.
func (l *Ledger) commitPlan(plan *TxPlan) (Receipt, error) {
	newHeight := atomic.AddUint64(&l.height, 1)
	plan.batch.Put(CFMetadata, MetaKeyHeight, beUint64Bytes(newHeight))

	if err := plan.batch.Commit(); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrStoreError, err)
	}
	l.smt.BatchUpdate(plan.smtUpdates)
	plan.receipt.StateRootAfter = l.smt.Root()

	// The receipt and its block header both need the post-commit state
	// root, which only exists once the account/UTXO batch above has
	// landed and the SMT has folded in this transaction's leaf updates;
	// that makes them an unavoidable second atomic write rather than
	// part of the first batch.
	if err := l.recordReceiptAndHeader(newHeight, plan.blockCtx.Timestamp, plan.receipt); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrStoreError, err)
	}
	return plan.receipt, nil
}

// recordReceiptAndHeader persists the receipt (keyed by tx hash, per spec
// §6) and a block header (keyed by height) recording the state root
// reached at that height, so GetReceipt/GetBlockHeader can serve them
// without replaying the ledger. timestamp is the caller-supplied block
// timestamp from the same BlockContext that was surfaced to any contract
// executed while preparing this plan.
func (l *Ledger) recordReceiptAndHeader(height, timestamp uint64, r Receipt) error {
	batch := l.store.NewBatch()
	batch.Put(CFReceipts, r.TxHash[:], EncodeReceipt(r))
	header := BlockHeader{Height: height, Timestamp: timestamp, StateRoot: r.StateRootAfter}
	batch.Put(CFBlocks, beUint64Bytes(height), EncodeBlockHeader(header))
	return batch.Commit()
}

// GetReceipt returns the persisted receipt for txHash, if any.
func (l *Ledger) GetReceipt(txHash Hash) (Receipt, bool, error) {
	raw, err := l.store.Get(CFReceipts, txHash[:])
	if err == ErrNotFound {
		return Receipt{}, false, nil
	}
	if err != nil {
		return Receipt{}, false, err
	}
	r, err := DecodeReceipt(raw)
	return r, err == nil, err
}

// GetBlockHeader returns the persisted header recorded at height, if any.
func (l *Ledger) GetBlockHeader(height uint64) (BlockHeader, bool, error) {
	raw, err := l.store.Get(CFBlocks, beUint64Bytes(height))
	if err == ErrNotFound {
		return BlockHeader{}, false, nil
	}
	if err != nil {
		return BlockHeader{}, false, err
	}
	h, err := DecodeBlockHeader(raw)
	return h, err == nil, err
}

func (l *Ledger) getUTXOLocked(id UTXOID) (UTXO, bool, error) {
	raw, err := l.store.Get(CFUTXOs, id.Bytes())
	if err == ErrNotFound {
		return UTXO{}, false, nil
	}
	if err != nil {
		return UTXO{}, false, err
	}
	u, err := DecodeUTXO(raw)
	return u, true, err
}

func (l *Ledger) getCodeLocked(addr Address) ([]byte, bool) {
	raw, err := l.store.Get(CFContractStorage, codeKey(addr))
	if err != nil {
		return nil, false
	}
	return raw, true
}

func codeKey(addr Address) []byte {
	out := make([]byte, 21)
	out[0] = 0xff
	copy(out[1:], addr[:])
	return out
}

// DeployContract stores code for addr directly; there is no on-chain
// compilation step, only raw WASM module storage.
func (l *Ledger) DeployContract(addr Address, code []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.Put(CFContractStorage, codeKey(addr), code)
}

func (l *Ledger) mergeBridge(batch Batch, smtUpdates map[Address]Hash, b *Bridge) error {
	for sk, val := range b.StorageWrites() {
		var addr Address
		copy(addr[:], sk.contract[:])
		batch.Put(CFContractStorage, storageCFKey(addr, []byte(sk.key)), val)
	}
	for addr, delta := range b.BalanceDeltas() {
		acc, err := l.getAccountLocked(addr)
		if err != nil {
			return err
		}
		bal, err := acc.Balance.Add(delta.credit)
		if err != nil {
			return err
		}
		bal, err = bal.Sub(delta.debit)
		if err != nil {
			return err
		}
		acc.Balance = bal
		batch.Put(CFAccounts, addr[:], EncodeAccount(acc))
		smtUpdates[addr] = acc.ValueHash()
	}
	return nil
}

// ApplyBlockTransactions verifies every signature concurrently before
// scheduling any transaction for execution, then schedules the surviving
// transactions into conflict-free groups and applies them through the
// Scheduler. Results are returned in the original input order; entries
// whose signature failed up-front carry an ErrInvalidSignature TxError
// without ever reaching the Ledger's account/UTXO state.
func (l *Ledger) ApplyBlockTransactions(ctx context.Context, blockCtx BlockContext, txs []*Transaction) []TxResult {
	sigOK := make([]bool, len(txs))
	var wg sync.WaitGroup
	for i, tx := range txs {
		wg.Add(1)
		go func(i int, tx *Transaction) {
			defer wg.Done()
			sigOK[i] = len(tx.SenderPubKey) > 0 && tx.SenderPubKey.Verify(canonicalTxBytes(tx), tx.Signature)
		}(i, tx)
	}
	wg.Wait()

	toSchedule := make([]*Transaction, 0, len(txs))
	scheduledIdx := make([]int, 0, len(txs))
	results := make([]TxResult, len(txs))
	for i, tx := range txs {
		if !sigOK[i] {
			results[i] = TxResult{Index: i, Tx: tx, Err: newTxError(ErrInvalidSignature, "signature does not verify for tx %s", tx.Hash())}
			continue
		}
		toSchedule = append(toSchedule, tx)
		scheduledIdx = append(scheduledIdx, i)
	}

	prepare := func(ctx context.Context, tx *Transaction) (*TxPlan, error) {
		return l.prepareTransaction(ctx, blockCtx, tx)
	}
	scheduled := l.sched.Run(ctx, toSchedule, prepare, l.commitPlan)
	for j, r := range scheduled {
		i := scheduledIdx[j]
		r.Index = i
		results[i] = r
	}
	return results
}

// Close releases the underlying store.
func (l *Ledger) Close() error {
	return l.store.Close()
}

func beUint64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v >> (8 * i))
	}
	return b
}

func beUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
