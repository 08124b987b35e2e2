package core

// Parallel Scheduler (C6). Conflict grouping: conflict(a,b) holds when
// either transaction's write set intersects the other's write or read
// set. Groups of mutually conflict-free transactions are executed
// concurrently by a bounded worker pool; group results are then folded
// into the Ledger strictly in original input order, so the observable
// outcome never depends on goroutine scheduling.
//
// The worker pool uses the same bounded-slots-guarded-by-a-semaphore
// idea as a pool of reusable connections, just repurposed from idle
// network connections to idle executor slots.

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// TxResult pairs a transaction with the outcome of applying it.
type TxResult struct {
	Index   int
	Tx      *Transaction
	Receipt Receipt
	Err     error
}

// group is a maximal run of transactions with no pairwise conflicts,
// preserving their original relative order.
type group struct {
	indices []int
	txs     []*Transaction
}

// conflicts reports whether a and b may not run concurrently.
func conflicts(a, b *Transaction) bool {
	aw, ar := a.WriteSet(), a.ReadSet()
	bw, br := b.WriteSet(), b.ReadSet()
	for addr := range aw {
		if _, ok := bw[addr]; ok {
			return true
		}
		if _, ok := br[addr]; ok {
			return true
		}
	}
	for addr := range bw {
		if _, ok := ar[addr]; ok {
			return true
		}
	}
	return false
}

// buildGroups performs a greedy O(n) grouping: walk transactions in
// order, tracking the union of the current group's write and read sets;
// a transaction starts a new group whenever it conflicts with anything
// already placed in the current group.
func buildGroups(txs []*Transaction) []group {
	var groups []group
	var current group

	// groupWrites/groupReads accumulate every address written or read by
	// the current group, so each transaction is checked against the
	// group's combined access sets rather than every prior transaction
	// individually.
	var groupWrites map[Address]struct{}
	var groupReads map[Address]struct{}

	startGroup := func() {
		if len(current.txs) > 0 {
			groups = append(groups, current)
		}
		current = group{}
		groupWrites = make(map[Address]struct{})
		groupReads = make(map[Address]struct{})
	}
	startGroup()

	for i, tx := range txs {
		w, r := tx.WriteSet(), tx.ReadSet()
		conflict := false
		for addr := range w {
			if _, ok := groupWrites[addr]; ok {
				conflict = true
				break
			}
			if _, ok := groupReads[addr]; ok {
				conflict = true
				break
			}
		}
		if !conflict {
			for addr := range r {
				if _, ok := groupWrites[addr]; ok {
					conflict = true
					break
				}
			}
		}
		if conflict {
			startGroup()
		}
		current.indices = append(current.indices, i)
		current.txs = append(current.txs, tx)
		for addr := range w {
			groupWrites[addr] = struct{}{}
		}
		for addr := range r {
			groupReads[addr] = struct{}{}
		}
	}
	if len(current.txs) > 0 {
		groups = append(groups, current)
	}
	return groups
}

// Scheduler runs groups of conflict-free transactions against an apply
// function using a bounded worker pool.
type Scheduler struct {
	maxWorkers int
	log        *zap.SugaredLogger
}

// NewScheduler returns a Scheduler bounded to maxWorkers concurrent
// executions per group. maxWorkers <= 0 means unbounded (one goroutine
// per transaction in the group).
func NewScheduler(maxWorkers int) *Scheduler {
	return &Scheduler{maxWorkers: maxWorkers, log: zap.NewNop().Sugar()}
}

// SetLogger overrides the scheduler's structured logger.
func (s *Scheduler) SetLogger(l *zap.SugaredLogger) { s.log = l }

// PrepareFunc validates and (if applicable) executes a single
// transaction, returning a plan ready to commit. It touches no shared
// mutable ledger state, so it is safe to call concurrently for every
// transaction in a conflict-free group.
type PrepareFunc func(ctx context.Context, tx *Transaction) (*TxPlan, error)

// CommitFunc applies a previously prepared plan to the ledger. It MUST be
// invoked strictly in canonical (original input) order within a group,
// even though PrepareFunc ran concurrently.
type CommitFunc func(plan *TxPlan) (Receipt, error)

// Run schedules txs into conflict-free groups. Within each group, every
// transaction is prepared concurrently (bounded by maxWorkers); the
// resulting plans are then committed strictly in the group's original
// relative order before the next group starts, so the observable
// commit/state-root sequence never depends on goroutine scheduling.
func (s *Scheduler) Run(ctx context.Context, txs []*Transaction, prepare PrepareFunc, commit CommitFunc) []TxResult {
	results := make([]TxResult, len(txs))
	groups := buildGroups(txs)
	s.log.Debugw("scheduled groups", "tx_count", len(txs), "group_count", len(groups))

	for gi, g := range groups {
		s.log.Debugw("running group", "group_index", gi, "size", len(g.txs))
		s.runGroup(ctx, g, prepare, commit, results)
	}
	return results
}

func (s *Scheduler) runGroup(ctx context.Context, g group, prepare PrepareFunc, commit CommitFunc, results []TxResult) {
	plans := make([]*TxPlan, len(g.txs))
	errs := make([]error, len(g.txs))

	sem := make(chan struct{}, s.workerLimit(len(g.txs)))
	var wg sync.WaitGroup
	for i, tx := range g.txs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, tx *Transaction) {
			defer wg.Done()
			defer func() { <-sem }()
			plans[i], errs[i] = prepare(ctx, tx)
		}(i, tx)
	}
	wg.Wait()

	// Commit phase: strictly sequential, in the group's original relative
	// order (g.indices is monotonically increasing by construction).
	for i, idx := range g.indices {
		tx := g.txs[i]
		if errs[i] != nil {
			results[idx] = TxResult{Index: idx, Tx: tx, Err: errs[i]}
			continue
		}
		receipt, err := commit(plans[i])
		results[idx] = TxResult{Index: idx, Tx: tx, Receipt: receipt, Err: err}
	}
}

func (s *Scheduler) workerLimit(groupSize int) int {
	if s.maxWorkers <= 0 || s.maxWorkers > groupSize {
		return groupSize
	}
	return s.maxWorkers
}
