// Package core implements the execution core: the hybrid UTxO/account
// ledger, the lazy Sparse Merkle commitment, the deterministic WASM
// runtime, the parallel scheduler and the runtime-state bridge that ties
// them together.
package core

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sort"
)

// Hash is the 32-byte output of the canonical hash function (SHA-256)
// used throughout the core for state roots, transaction ids and block
// hashes.
type Hash [32]byte

func (h Hash) String() string   { return hex.EncodeToString(h[:]) }
func (h Hash) IsZero() bool     { return h == Hash{} }
func (h Hash) Bytes() []byte    { return h[:] }
func HashFromBytes(b []byte) Hash {
	var h Hash
	copy(h[:], b)
	return h
}

// SumHash computes the canonical hash of the concatenation of its
// arguments.
func SumHash(parts ...[]byte) Hash {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Address is a 20-byte account identifier derived from the last 20 bytes
// of the SHA-256 hash of an Ed25519 public key.
type Address [20]byte

func (a Address) String() string { return hex.EncodeToString(a[:]) }
func (a Address) IsZero() bool   { return a == Address{} }
func (a Address) Bytes() []byte  { return a[:] }

// AddressFromPublicKey derives the canonical Address for an Ed25519
// public key: the last 20 bytes of SHA-256(pubkey).
func AddressFromPublicKey(pub ed25519.PublicKey) Address {
	sum := sha256.Sum256(pub)
	var addr Address
	copy(addr[:], sum[len(sum)-20:])
	return addr
}

// AddressLess provides the canonical ascending byte-order comparator
// used by the Sparse Merkle Tree and by snapshot export.
func AddressLess(a, b Address) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// SortAddresses returns addrs sorted in canonical ascending byte order.
// The input is not mutated.
func SortAddresses(addrs []Address) []Address {
	out := make([]Address, len(addrs))
	copy(out, addrs)
	sort.Slice(out, func(i, j int) bool { return AddressLess(out[i], out[j]) })
	return out
}

// U128 is a fixed 16-byte big-endian encoding of an unsigned 128-bit
// integer. Arithmetic is performed via math/big and re-encoded, with
// overflow/underflow reported as errors rather than silently wrapping.
type U128 [16]byte

var ErrU128Overflow = errors.New("u128: overflow")
var ErrU128Underflow = errors.New("u128: underflow")

func U128FromUint64(v uint64) U128 {
	var out U128
	big.NewInt(0).SetUint64(v).FillBytes(out[:])
	return out
}

func (u U128) big() *big.Int {
	return new(big.Int).SetBytes(u[:])
}

func u128FromBig(v *big.Int) (U128, error) {
	var out U128
	if v.Sign() < 0 {
		return out, ErrU128Underflow
	}
	b := v.Bytes()
	if len(b) > 16 {
		return out, ErrU128Overflow
	}
	copy(out[16-len(b):], b)
	return out, nil
}

func (u U128) Add(v U128) (U128, error) {
	return u128FromBig(new(big.Int).Add(u.big(), v.big()))
}

func (u U128) Sub(v U128) (U128, error) {
	return u128FromBig(new(big.Int).Sub(u.big(), v.big()))
}

func (u U128) Cmp(v U128) int { return u.big().Cmp(v.big()) }

func (u U128) IsZero() bool { return u == U128{} }

func (u U128) String() string { return u.big().String() }

// UTXOID identifies a transaction output: the hash of the transaction
// that created it and the index of the output within that transaction.
type UTXOID struct {
	TxHash      Hash
	OutputIndex uint32
}

func (id UTXOID) Bytes() []byte {
	b := make([]byte, 36)
	copy(b[:32], id.TxHash[:])
	b[32] = byte(id.OutputIndex >> 24)
	b[33] = byte(id.OutputIndex >> 16)
	b[34] = byte(id.OutputIndex >> 8)
	b[35] = byte(id.OutputIndex)
	return b
}

func (id UTXOID) String() string {
	return fmt.Sprintf("%s:%d", id.TxHash, id.OutputIndex)
}

// UTXO is an unspent transaction output.
type UTXO struct {
	ID         UTXOID
	Amount     U128
	Owner      Address
	ScriptHash Hash
}

// UTXODraft is a not-yet-created output attached to a transaction.
type UTXODraft struct {
	Amount     U128
	Owner      Address
	ScriptHash Hash
}

// Account is the mutable per-address record held in the `accounts`
// column family and mirrored (as a value-hash leaf) in the Sparse
// Merkle Tree.
type Account struct {
	Address     Address
	Balance     U128
	Nonce       uint64
	CodeHash    Hash
	StorageRoot Hash
}

// ValueHash returns the deterministic leaf hash fed into the Sparse
// Merkle Tree for this account: SHA-256 of its fixed encoding.
func (a Account) ValueHash() Hash {
	return SumHash(EncodeAccount(a))
}

// Transaction is a signed state transition request.
type Transaction struct {
	Nonce        uint64
	Sender       Address
	SenderPubKey ed25519.PublicKey
	Inputs       []UTXOID
	Outputs      []UTXODraft
	Reads        []Address
	Writes       []Address
	ProgramID    *Address
	Data         []byte
	GasLimit     uint64
	Fee          U128
	Signature    []byte
}

// ReadSet / WriteSet return the transaction's declared access sets as
// lookup-friendly maps, used by the conflict predicate and the bridge.
func (t *Transaction) ReadSet() map[Address]struct{} {
	return toSet(t.Reads)
}

func (t *Transaction) WriteSet() map[Address]struct{} {
	return toSet(t.Writes)
}

func toSet(addrs []Address) map[Address]struct{} {
	m := make(map[Address]struct{}, len(addrs))
	for _, a := range addrs {
		m[a] = struct{}{}
	}
	return m
}

// Hash returns the canonical, domain-separated transaction hash used as
// the transaction id: SHA-256 of canonicalTxBytes, the same bytes the
// sender signs. It excludes the Signature field.
func (t *Transaction) Hash() Hash {
	return SumHash(canonicalTxBytes(t))
}

// Status is the outcome discriminant of a Receipt.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailure
)

// FailureKind names the reason a transaction's contract call failed. It
// is only meaningful when Status == StatusFailure.
type FailureKind string

const (
	FailureNone                     FailureKind = ""
	FailureOutOfGas                 FailureKind = "OutOfGas"
	FailureWasmTrap                 FailureKind = "WasmTrap"
	FailureContractRevert           FailureKind = "ContractRevert"
	FailureMemoryAccessViolation    FailureKind = "MemoryAccessViolation"
	FailureStackOverflow            FailureKind = "StackOverflow"
	FailureInvalidAccessSetInternal FailureKind = "InvalidAccessSet"
)

// Receipt records the immutable outcome of applying a transaction.
type Receipt struct {
	TxHash         Hash
	Status         Status
	FailureKind    FailureKind
	FailureDetail  string
	GasUsed        uint64
	Logs           []Log
	StateRootAfter Hash
}

// Log is emitted during WASM execution and collected into receipts.
type Log struct {
	ContractAddress Address
	Topics          []Hash
	Data            []byte
}

// BlockHeader carries the post-block state root and a reference to the
// parent block.
type BlockHeader struct {
	Height     uint64
	ParentHash Hash
	Timestamp  uint64
	StateRoot  Hash
	TxRoot     Hash
}

// Block is an ordered list of transactions plus its header.
type Block struct {
	Header       BlockHeader
	Transactions []*Transaction
}

func (b *Block) Hash() Hash {
	return SumHash(EncodeBlockHeader(b.Header))
}

// BlockContext carries the externally-supplied block identity (the
// number and timestamp a caller is assembling or replaying) into
// ApplyTransaction/ApplyBlockTransactions. It is the only source for
// ExecutionContext's BlockNumber/Timestamp fields: the ledger never
// samples the wall clock or derives a contract-visible timestamp from
// its own internal height counter.
type BlockContext struct {
	Number    uint64
	Timestamp uint64
}

// ExecutionContext is surfaced to WASM contracts through host imports;
// none of its fields may be sampled from wall-clock or hidden state,
// they derive solely from the immutable block header and the calling
// transaction.
type ExecutionContext struct {
	ContractAddress Address
	Caller          Address
	Value           U128
	GasLimit        uint64
	BlockNumber     uint64
	Timestamp       uint64
}

// ErrorKind enumerates the Ledger's rejection/failure taxonomy.
type ErrorKind string

const (
	ErrInvalidSignature  ErrorKind = "InvalidSignature"
	ErrInvalidAccessSet  ErrorKind = "InvalidAccessSet"
	ErrNonceMismatch     ErrorKind = "NonceMismatch"
	ErrFeeTooLow         ErrorKind = "FeeTooLow"
	ErrInsufficientFunds ErrorKind = "InsufficientFunds"
	ErrInputNotFound     ErrorKind = "InputNotFound"
	ErrInputNotOwned     ErrorKind = "InputNotOwned"
	ErrWasmError         ErrorKind = "WasmError"
	ErrStoreError        ErrorKind = "StoreError"
)

// Error lets an ErrorKind be wrapped with %w and matched with errors.Is.
func (k ErrorKind) Error() string { return string(k) }

// TxError is a non-fatal validation rejection: the transaction was
// dropped and no state was mutated.
type TxError struct {
	Kind   ErrorKind
	Detail string
}

func (e *TxError) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func newTxError(kind ErrorKind, format string, args ...interface{}) *TxError {
	return &TxError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}
