package core

// Runtime-State Bridge (C7): a buffered transactional view over the
// Ledger that a single WASM invocation reads and writes through. Every
// storage write, balance delta, and emitted log is buffered in memory
// first and only merged into the Ledger once the call succeeds; a
// failed or aborted call discards the buffer untouched. Tracks
// per-(contract,key) storage, per-address balance deltas, an ordered
// log list, and enforces the transaction's declared read/write access
// sets on every operation.

import "fmt"

// ledgerView is the minimal read surface the bridge needs from the
// Ledger; satisfied by *Ledger.
type ledgerView interface {
	getAccountSnapshot(addr Address) (Account, bool)
	getStorageSnapshot(contract Address, key []byte) ([]byte, bool)
}

// Bridge buffers the effects of one transaction's contract call. Nothing
// is visible to the underlying ledger until the Ledger merges the buffer
// (Ledger.mergeBridge) after a successful (status 0) execution.
type Bridge struct {
	ledger ledgerView

	reads  map[Address]struct{}
	writes map[Address]struct{}

	storage map[storageKey][]byte
	deltas  map[Address]balanceDelta
	logs    []Log

	aborted    bool
	abortErr   error
}

type storageKey struct {
	contract Address
	key      string
}

type balanceDelta struct {
	credit U128
	debit  U128
}

// NewBridge constructs a Bridge scoped to one transaction's declared
// access sets.
func NewBridge(ledger ledgerView, reads, writes []Address) *Bridge {
	return &Bridge{
		ledger:  ledger,
		reads:   toSet(reads),
		writes:  toSet(writes),
		storage: make(map[storageKey][]byte),
		deltas:  make(map[Address]balanceDelta),
	}
}

// Aborted reports whether an access-set or other irrecoverable violation
// occurred; once true, the bridge's buffer must be discarded rather than
// merged.
func (b *Bridge) Aborted() (bool, error) { return b.aborted, b.abortErr }

func (b *Bridge) abort(err error) {
	if !b.aborted {
		b.aborted = true
		b.abortErr = err
	}
}

func (b *Bridge) canRead(addr Address) bool {
	_, r := b.reads[addr]
	_, w := b.writes[addr]
	return r || w
}

func (b *Bridge) canWrite(addr Address) bool {
	_, w := b.writes[addr]
	return w
}

// StorageRead returns the value last written for (contract,key) in this
// transaction's buffer, falling back to the committed ledger state. A
// read outside both declared sets aborts the bridge.
func (b *Bridge) StorageRead(contract Address, key []byte) ([]byte, error) {
	if !b.canRead(contract) {
		err := newTxError(ErrInvalidAccessSet, "read of %s outside declared access sets", contract)
		b.abort(err)
		return nil, err
	}
	sk := storageKey{contract: contract, key: string(key)}
	if v, ok := b.storage[sk]; ok {
		return v, nil
	}
	if v, ok := b.ledger.getStorageSnapshot(contract, key); ok {
		return v, nil
	}
	return nil, nil
}

// StorageWrite buffers a write for (contract,key). Writing to an address
// not in the declared write set aborts the bridge with InvalidAccessSet.
func (b *Bridge) StorageWrite(contract Address, key, value []byte) error {
	if !b.canWrite(contract) {
		err := newTxError(ErrInvalidAccessSet, "write of %s outside declared write set", contract)
		b.abort(err)
		return err
	}
	sk := storageKey{contract: contract, key: string(key)}
	buf := make([]byte, len(value))
	copy(buf, value)
	b.storage[sk] = buf
	return nil
}

// BalanceOf returns the effective balance of addr: the committed ledger
// balance adjusted by any buffered credits/debits from this transaction.
func (b *Bridge) BalanceOf(addr Address) (U128, error) {
	if !b.canRead(addr) {
		err := newTxError(ErrInvalidAccessSet, "balance read of %s outside declared access sets", addr)
		b.abort(err)
		return U128{}, err
	}
	acc, _ := b.ledger.getAccountSnapshot(addr)
	bal := acc.Balance
	if d, ok := b.deltas[addr]; ok {
		var err error
		bal, err = bal.Add(d.credit)
		if err != nil {
			return U128{}, err
		}
		bal, err = bal.Sub(d.debit)
		if err != nil {
			return U128{}, fmt.Errorf("balance underflow for %s: %w", addr, err)
		}
	}
	return bal, nil
}

// Transfer buffers a value transfer from `from` to `to`. Both ends must
// be in the transaction's write set. A debit that would underflow the
// effective balance returns false without mutating the buffer, so an
// insufficient-balance transfer is reported to the caller rather than
// aborting the whole call.
func (b *Bridge) Transfer(from, to Address, amount U128) (bool, error) {
	if !b.canWrite(from) || !b.canWrite(to) {
		err := newTxError(ErrInvalidAccessSet, "transfer %s->%s outside declared write set", from, to)
		b.abort(err)
		return false, err
	}
	fromBal, err := b.BalanceOf(from)
	if err != nil {
		return false, err
	}
	if fromBal.Cmp(amount) < 0 {
		return false, nil
	}
	fd := b.deltas[from]
	fd.debit, err = fd.debit.Add(amount)
	if err != nil {
		return false, err
	}
	b.deltas[from] = fd

	td := b.deltas[to]
	td.credit, err = td.credit.Add(amount)
	if err != nil {
		return false, err
	}
	b.deltas[to] = td
	return true, nil
}

// EmitLog appends a log entry to the transaction's buffered receipt.
func (b *Bridge) EmitLog(l Log) { b.logs = append(b.logs, l) }

// Logs returns the buffered log list in emission order.
func (b *Bridge) Logs() []Log { return b.logs }

// StorageWrites returns the buffered (contract,key)->value writes, for
// the Ledger to merge into contract_storage on success.
func (b *Bridge) StorageWrites() map[storageKey][]byte { return b.storage }

// BalanceDeltas returns the buffered per-address credit/debit pairs.
func (b *Bridge) BalanceDeltas() map[Address]balanceDelta { return b.deltas }
