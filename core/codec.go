package core

// Fixed binary codec for ledger records and snapshot streams, built on
// github.com/ethereum/go-ethereum/rlp. RLP gives a compact, deterministic,
// self-describing encoding for every persisted record instead of
// hand-rolling one, while keeping full control over which fields
// participate in a hash (canonicalTxBytes excludes the signature
// explicitly rather than relying on struct-tag tricks).

import (
	"crypto/ed25519"

	"github.com/ethereum/go-ethereum/rlp"
)

// rlpAccount / rlpUTXO / rlpTransaction / rlpReceipt / rlpBlockHeader are
// RLP-friendly mirrors of the public structs: RLP cannot encode fixed-size
// byte arrays inside arbitrary struct shapes as cleanly as slices, and it
// has no notion of our U128/Hash/Address value types, so each is
// flattened to byte slices for the wire and reconstructed on decode.

type rlpUTXOID struct {
	TxHash      []byte
	OutputIndex uint32
}

type rlpAccount struct {
	Address     []byte
	Balance     []byte
	Nonce       uint64
	CodeHash    []byte
	StorageRoot []byte
}

func EncodeAccount(a Account) []byte {
	b, err := rlp.EncodeToBytes(rlpAccount{
		Address:     a.Address[:],
		Balance:     a.Balance[:],
		Nonce:       a.Nonce,
		CodeHash:    a.CodeHash[:],
		StorageRoot: a.StorageRoot[:],
	})
	if err != nil {
		panic(err) // encoding of fixed-shape data cannot fail
	}
	return b
}

func DecodeAccount(data []byte) (Account, error) {
	var r rlpAccount
	if err := rlp.DecodeBytes(data, &r); err != nil {
		return Account{}, err
	}
	var a Account
	copy(a.Address[:], r.Address)
	copy(a.Balance[:], r.Balance)
	a.Nonce = r.Nonce
	copy(a.CodeHash[:], r.CodeHash)
	copy(a.StorageRoot[:], r.StorageRoot)
	return a, nil
}

type rlpUTXO struct {
	TxHash      []byte
	OutputIndex uint32
	Amount      []byte
	Owner       []byte
	ScriptHash  []byte
}

func EncodeUTXO(u UTXO) []byte {
	b, err := rlp.EncodeToBytes(rlpUTXO{
		TxHash:      u.ID.TxHash[:],
		OutputIndex: u.ID.OutputIndex,
		Amount:      u.Amount[:],
		Owner:       u.Owner[:],
		ScriptHash:  u.ScriptHash[:],
	})
	if err != nil {
		panic(err)
	}
	return b
}

func DecodeUTXO(data []byte) (UTXO, error) {
	var r rlpUTXO
	if err := rlp.DecodeBytes(data, &r); err != nil {
		return UTXO{}, err
	}
	var u UTXO
	copy(u.ID.TxHash[:], r.TxHash)
	u.ID.OutputIndex = r.OutputIndex
	copy(u.Amount[:], r.Amount)
	copy(u.Owner[:], r.Owner)
	copy(u.ScriptHash[:], r.ScriptHash)
	return u, nil
}

type rlpOutputDraft struct {
	Amount     []byte
	Owner      []byte
	ScriptHash []byte
}

type rlpTransaction struct {
	Nonce        uint64
	Sender       []byte
	SenderPubKey []byte
	Inputs       []rlpUTXOID
	Outputs      []rlpOutputDraft
	Reads        [][]byte
	Writes       [][]byte
	HasProgramID bool
	ProgramID    []byte
	Data         []byte
	GasLimit     uint64
	Fee          []byte
}

func toRLPTx(t *Transaction) rlpTransaction {
	r := rlpTransaction{
		Nonce:        t.Nonce,
		Sender:       t.Sender[:],
		SenderPubKey: []byte(t.SenderPubKey),
		Data:         t.Data,
		GasLimit:     t.GasLimit,
		Fee:          t.Fee[:],
	}
	for _, in := range t.Inputs {
		r.Inputs = append(r.Inputs, rlpUTXOID{TxHash: in.TxHash[:], OutputIndex: in.OutputIndex})
	}
	for _, out := range t.Outputs {
		r.Outputs = append(r.Outputs, rlpOutputDraft{Amount: out.Amount[:], Owner: out.Owner[:], ScriptHash: out.ScriptHash[:]})
	}
	for _, a := range t.Reads {
		r.Reads = append(r.Reads, a[:])
	}
	for _, a := range t.Writes {
		r.Writes = append(r.Writes, a[:])
	}
	if t.ProgramID != nil {
		r.HasProgramID = true
		r.ProgramID = t.ProgramID[:]
	}
	return r
}

// canonicalTxBytes returns the domain-separated, signature-excluding
// encoding that is both hashed for the transaction id and signed by the
// sender.
func canonicalTxBytes(t *Transaction) []byte {
	b, err := rlp.EncodeToBytes(toRLPTx(t))
	if err != nil {
		panic(err)
	}
	return append([]byte("aethercore-tx-v1:"), b...)
}

// EncodeTransaction serializes the full transaction, signature included,
// for persistence in the `blocks` column family.
func EncodeTransaction(t *Transaction) []byte {
	r := toRLPTx(t)
	// rlp skips unexported fields, embedded ones included, so the body
	// travels in a named field.
	full := struct {
		Tx        rlpTransaction
		Signature []byte
	}{r, t.Signature}
	b, err := rlp.EncodeToBytes(full)
	if err != nil {
		panic(err)
	}
	return b
}

func DecodeTransaction(data []byte) (*Transaction, error) {
	var wire struct {
		Tx        rlpTransaction
		Signature []byte
	}
	if err := rlp.DecodeBytes(data, &wire); err != nil {
		return nil, err
	}
	full := struct {
		rlpTransaction
		Signature []byte
	}{wire.Tx, wire.Signature}
	t := &Transaction{
		Nonce:        full.Nonce,
		SenderPubKey: ed25519.PublicKey(full.SenderPubKey),
		Data:         full.Data,
		GasLimit:     full.GasLimit,
		Signature:    full.Signature,
	}
	copy(t.Sender[:], full.Sender)
	copy(t.Fee[:], full.Fee)
	for _, in := range full.Inputs {
		var id UTXOID
		copy(id.TxHash[:], in.TxHash)
		id.OutputIndex = in.OutputIndex
		t.Inputs = append(t.Inputs, id)
	}
	for _, out := range full.Outputs {
		var d UTXODraft
		copy(d.Amount[:], out.Amount)
		copy(d.Owner[:], out.Owner)
		copy(d.ScriptHash[:], out.ScriptHash)
		t.Outputs = append(t.Outputs, d)
	}
	for _, a := range full.Reads {
		var addr Address
		copy(addr[:], a)
		t.Reads = append(t.Reads, addr)
	}
	for _, a := range full.Writes {
		var addr Address
		copy(addr[:], a)
		t.Writes = append(t.Writes, addr)
	}
	if full.HasProgramID {
		var addr Address
		copy(addr[:], full.ProgramID)
		t.ProgramID = &addr
	}
	return t, nil
}

type rlpLog struct {
	ContractAddress []byte
	Topics          [][]byte
	Data            []byte
}

type rlpReceipt struct {
	TxHash         []byte
	Status         uint8
	FailureKind    string
	FailureDetail  string
	GasUsed        uint64
	Logs           []rlpLog
	StateRootAfter []byte
}

func EncodeReceipt(r Receipt) []byte {
	rr := rlpReceipt{
		TxHash:         r.TxHash[:],
		Status:         uint8(r.Status),
		FailureKind:    string(r.FailureKind),
		FailureDetail:  r.FailureDetail,
		GasUsed:        r.GasUsed,
		StateRootAfter: r.StateRootAfter[:],
	}
	for _, l := range r.Logs {
		var rl rlpLog
		rl.ContractAddress = l.ContractAddress[:]
		rl.Data = l.Data
		for _, t := range l.Topics {
			rl.Topics = append(rl.Topics, t[:])
		}
		rr.Logs = append(rr.Logs, rl)
	}
	b, err := rlp.EncodeToBytes(rr)
	if err != nil {
		panic(err)
	}
	return b
}

func DecodeReceipt(data []byte) (Receipt, error) {
	var rr rlpReceipt
	if err := rlp.DecodeBytes(data, &rr); err != nil {
		return Receipt{}, err
	}
	var r Receipt
	copy(r.TxHash[:], rr.TxHash)
	r.Status = Status(rr.Status)
	r.FailureKind = FailureKind(rr.FailureKind)
	r.FailureDetail = rr.FailureDetail
	r.GasUsed = rr.GasUsed
	copy(r.StateRootAfter[:], rr.StateRootAfter)
	for _, rl := range rr.Logs {
		var l Log
		copy(l.ContractAddress[:], rl.ContractAddress)
		l.Data = rl.Data
		for _, t := range rl.Topics {
			var h Hash
			copy(h[:], t)
			l.Topics = append(l.Topics, h)
		}
		r.Logs = append(r.Logs, l)
	}
	return r, nil
}

type rlpBlockHeader struct {
	Height     uint64
	ParentHash []byte
	Timestamp  uint64
	StateRoot  []byte
	TxRoot     []byte
}

func EncodeBlockHeader(h BlockHeader) []byte {
	b, err := rlp.EncodeToBytes(rlpBlockHeader{
		Height:     h.Height,
		ParentHash: h.ParentHash[:],
		Timestamp:  h.Timestamp,
		StateRoot:  h.StateRoot[:],
		TxRoot:     h.TxRoot[:],
	})
	if err != nil {
		panic(err)
	}
	return b
}

func DecodeBlockHeader(data []byte) (BlockHeader, error) {
	var r rlpBlockHeader
	if err := rlp.DecodeBytes(data, &r); err != nil {
		return BlockHeader{}, err
	}
	var h BlockHeader
	h.Height = r.Height
	copy(h.ParentHash[:], r.ParentHash)
	h.Timestamp = r.Timestamp
	copy(h.StateRoot[:], r.StateRoot)
	copy(h.TxRoot[:], r.TxRoot)
	return h, nil
}
