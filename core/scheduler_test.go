package core

import (
	"context"
	"sync"
	"testing"
)

func txWith(reads, writes []Address) *Transaction {
	return &Transaction{Reads: reads, Writes: writes}
}

func TestConflictsWriteWrite(t *testing.T) {
	a := txWith(nil, []Address{{0x01}})
	b := txWith(nil, []Address{{0x01}})
	if !conflicts(a, b) {
		t.Fatalf("overlapping write sets must conflict")
	}
}

func TestConflictsWriteRead(t *testing.T) {
	a := txWith(nil, []Address{{0x01}})
	b := txWith([]Address{{0x01}}, nil)
	if !conflicts(a, b) {
		t.Fatalf("a write and a read of the same address must conflict")
	}
}

func TestConflictsDisjoint(t *testing.T) {
	a := txWith(nil, []Address{{0x01}})
	b := txWith(nil, []Address{{0x02}})
	if conflicts(a, b) {
		t.Fatalf("disjoint access sets must not conflict")
	}
}

func TestBuildGroupsGreedy(t *testing.T) {
	tx1 := txWith(nil, []Address{{0x01}})
	tx2 := txWith(nil, []Address{{0x02}}) // disjoint from tx1: same group
	tx3 := txWith(nil, []Address{{0x01}}) // conflicts with tx1: new group

	groups := buildGroups([]*Transaction{tx1, tx2, tx3})
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	if len(groups[0].txs) != 2 {
		t.Fatalf("first group should contain tx1 and tx2, got %d txs", len(groups[0].txs))
	}
	if len(groups[1].txs) != 1 {
		t.Fatalf("second group should contain only tx3, got %d txs", len(groups[1].txs))
	}
}

func TestSchedulerRunPreservesOrderAndAppliesEveryTx(t *testing.T) {
	txs := []*Transaction{
		txWith(nil, []Address{{0x01}}),
		txWith(nil, []Address{{0x02}}),
		txWith(nil, []Address{{0x01}}), // conflicts with the first
	}

	var mu sync.Mutex
	prepared, committed := 0, 0
	var commitOrder []Hash
	prepare := func(ctx context.Context, tx *Transaction) (*TxPlan, error) {
		mu.Lock()
		prepared++
		mu.Unlock()
		return &TxPlan{tx: tx, receipt: Receipt{TxHash: tx.Hash()}}, nil
	}
	commit := func(plan *TxPlan) (Receipt, error) {
		mu.Lock()
		committed++
		commitOrder = append(commitOrder, plan.receipt.TxHash)
		mu.Unlock()
		return plan.receipt, nil
	}

	sched := NewScheduler(4)
	results := sched.Run(context.Background(), txs, prepare, commit)

	if prepared != len(txs) {
		t.Fatalf("prepared %d transactions, want %d", prepared, len(txs))
	}
	if committed != len(txs) {
		t.Fatalf("committed %d transactions, want %d", committed, len(txs))
	}
	if len(results) != len(txs) {
		t.Fatalf("got %d results, want %d", len(results), len(txs))
	}
	for i, r := range results {
		if r.Tx != txs[i] {
			t.Fatalf("result %d out of order", i)
		}
	}

	wantOrder := make([]Hash, len(txs))
	for i, tx := range txs {
		wantOrder[i] = tx.Hash()
	}
	if len(commitOrder) != len(wantOrder) {
		t.Fatalf("commit order length %d, want %d", len(commitOrder), len(wantOrder))
	}
	for i := range wantOrder {
		if commitOrder[i] != wantOrder[i] {
			t.Fatalf("commits must land in canonical input order even though the first group prepares tx1/tx2 concurrently: commit %d = %s, want %s", i, commitOrder[i], wantOrder[i])
		}
	}
}
