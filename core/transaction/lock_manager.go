package transaction

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arvindsrinivasan/btreestore/internal/common"
	"github.com/arvindsrinivasan/btreestore/pkg/metrics"
)

// lockRequest is one transaction's position in a RID's wait queue.
type lockRequest struct {
	txnID     ID
	exclusive bool
	granted   bool
}

// lockRequestQueue is the FIFO of lock requests against a single RID,
// plus a condition variable requesters wait on.
type lockRequestQueue struct {
	requests []*lockRequest
	cond     *sync.Cond

	upgrading ID // NoUpgrade unless a transaction is mid-upgrade
}

// NoUpgrade is the sentinel meaning "no transaction is currently
// upgrading this RID's lock."
const NoUpgrade ID = -1

// LockManager implements two-phase locking with deadlock detection via
// a periodically rebuilt wait-for graph, following the original
// lock_manager.cpp method-for-method: LockShared, LockExclusive,
// LockUpgrade, Unlock, plus a background cycle-detection loop built on
// buildWaitForGraph/addEdge/hasCycle/removeTxnEdges.
type LockManager struct {
	mu       sync.Mutex
	table    map[RID]*lockRequestQueue
	waitFor  map[ID][]ID // txnID -> txnIDs it is waiting on
	registry map[ID]*Transaction

	enabled bool
	stop    chan struct{}
	done    chan struct{}

	detectionInterval time.Duration

	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewLockManager constructs a lock manager and starts its background
// cycle-detection goroutine running every interval.
func NewLockManager(interval time.Duration, log *zap.Logger, m *metrics.Metrics) *LockManager {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	lm := &LockManager{
		table:             make(map[RID]*lockRequestQueue),
		waitFor:           make(map[ID][]ID),
		registry:          make(map[ID]*Transaction),
		enabled:           true,
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
		detectionInterval: interval,
		log:               log,
		metrics:           m,
	}
	go lm.runCycleDetection()
	return lm
}

// Register makes txn visible to the deadlock detector so it can be
// aborted and woken if it ends up on a cycle. Callers should Register
// a transaction before issuing its first lock request and Unregister
// it after ReleaseAll.
func (lm *LockManager) Register(txn *Transaction) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.registry[txn.ID()] = txn
}

// Unregister removes txn from the deadlock detector's registry.
func (lm *LockManager) Unregister(txn *Transaction) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	delete(lm.registry, txn.ID())
}

// Stop halts the background deadlock detector. It must be called
// exactly once.
func (lm *LockManager) Stop() {
	close(lm.stop)
	<-lm.done
}

func (lm *LockManager) queueFor(rid RID) *lockRequestQueue {
	q, ok := lm.table[rid]
	if !ok {
		q = &lockRequestQueue{cond: sync.NewCond(&lm.mu), upgrading: NoUpgrade}
		lm.table[rid] = q
	}
	return q
}

// checkAbort aborts txn if it has already been marked Aborted by the
// deadlock detector while it was waiting.
func checkAbort(txn *Transaction) error {
	if txn.State() == Aborted {
		return &AbortError{TxnID: txn.ID(), Reason: AbortReasonDeadlock}
	}
	return nil
}

// LockShared acquires a shared lock on rid for txn, blocking until
// granted, aborted by the deadlock detector, or already held.
func (lm *LockManager) LockShared(txn *Transaction, rid RID) error {
	if txn.IsolationLevel() == ReadUncommitted {
		txn.Abort()
		return &AbortError{TxnID: txn.ID(), Reason: AbortReasonLockSharedOnReadUncommitted}
	}
	if txn.State() == Shrinking {
		txn.Abort()
		return &AbortError{TxnID: txn.ID(), Reason: AbortReasonLockOnShrinking}
	}
	if txn.holdsShared(rid) || txn.holdsExclusive(rid) {
		return nil
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	q := lm.queueFor(rid)
	req := &lockRequest{txnID: txn.ID()}
	q.requests = append(q.requests, req)

	for !lm.canGrantShared(q, req) {
		lm.log.Debug("blocking on shared lock",
			zap.Int64("txn_id", int64(txn.ID())),
			zap.Int64("goroutine", common.GoID()))
		q.cond.Wait()
		if err := checkAbort(txn); err != nil {
			lm.removeRequest(q, req)
			q.cond.Broadcast()
			return err
		}
	}
	req.granted = true
	txn.recordSharedLock(rid)
	return nil
}

func (lm *LockManager) canGrantShared(q *lockRequestQueue, req *lockRequest) bool {
	for _, r := range q.requests {
		if r == req {
			return true
		}
		if r.exclusive {
			return false
		}
	}
	return true
}

// LockExclusive acquires an exclusive lock on rid for txn, blocking
// until granted or aborted.
func (lm *LockManager) LockExclusive(txn *Transaction, rid RID) error {
	if txn.State() == Shrinking {
		txn.Abort()
		return &AbortError{TxnID: txn.ID(), Reason: AbortReasonLockOnShrinking}
	}
	if txn.holdsExclusive(rid) {
		return nil
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	q := lm.queueFor(rid)
	req := &lockRequest{txnID: txn.ID(), exclusive: true}
	q.requests = append(q.requests, req)

	for !lm.canGrantExclusive(q, req) {
		lm.log.Debug("blocking on exclusive lock",
			zap.Int64("txn_id", int64(txn.ID())),
			zap.Int64("goroutine", common.GoID()))
		q.cond.Wait()
		if err := checkAbort(txn); err != nil {
			lm.removeRequest(q, req)
			q.cond.Broadcast()
			return err
		}
	}
	req.granted = true
	txn.recordExclusiveLock(rid)
	return nil
}

func (lm *LockManager) canGrantExclusive(q *lockRequestQueue, req *lockRequest) bool {
	return q.requests[0] == req
}

// canGrantUpgrade reports whether every other request on q has been
// released, independent of req's position in the queue: an upgrader
// can already be sitting anywhere (e.g. at the head, as the first
// transaction to have taken the shared lock), so checking queue
// position the way canGrantExclusive does would let the upgrade
// through while other shared holders are still granted. This mirrors
// lock_manager.cpp's upgrade wait, which drops the upgrader's own
// shared count then waits for every remaining shared/exclusive count
// on the row to reach zero.
func (lm *LockManager) canGrantUpgrade(q *lockRequestQueue, req *lockRequest) bool {
	for _, r := range q.requests {
		if r == req {
			continue
		}
		if r.granted {
			return false
		}
	}
	return true
}

// LockUpgrade upgrades txn's shared lock on rid to exclusive. Only one
// transaction may upgrade a given RID at a time; a second upgrader is
// aborted immediately rather than queued.
func (lm *LockManager) LockUpgrade(txn *Transaction, rid RID) error {
	if txn.State() == Shrinking {
		txn.Abort()
		return &AbortError{TxnID: txn.ID(), Reason: AbortReasonLockOnShrinking}
	}

	lm.mu.Lock()

	q := lm.queueFor(rid)
	if q.upgrading != NoUpgrade {
		lm.mu.Unlock()
		txn.Abort()
		return &AbortError{TxnID: txn.ID(), Reason: AbortReasonUpgradeConflict}
	}
	q.upgrading = txn.ID()

	var req *lockRequest
	for _, r := range q.requests {
		if r.txnID == txn.ID() {
			req = r
			break
		}
	}
	if req == nil {
		req = &lockRequest{txnID: txn.ID()}
		q.requests = append(q.requests, req)
	}
	req.exclusive = true
	req.granted = false

	for !lm.canGrantUpgrade(q, req) {
		lm.log.Debug("blocking on lock upgrade",
			zap.Int64("txn_id", int64(txn.ID())),
			zap.Int64("goroutine", common.GoID()))
		q.cond.Wait()
		if err := checkAbort(txn); err != nil {
			lm.removeRequest(q, req)
			q.upgrading = NoUpgrade
			q.cond.Broadcast()
			lm.mu.Unlock()
			return err
		}
	}
	req.granted = true
	q.upgrading = NoUpgrade
	lm.mu.Unlock()

	txn.forgetLock(rid)
	txn.recordExclusiveLock(rid)
	return nil
}

func (lm *LockManager) removeRequest(q *lockRequestQueue, req *lockRequest) {
	for i, r := range q.requests {
		if r == req {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			return
		}
	}
}

// Unlock releases txn's lock on rid. Under RepeatableRead, this also
// moves the transaction from Growing to Shrinking (strict 2PL: once a
// lock is released, no further locks may be acquired). Under
// ReadCommitted only releasing an exclusive lock does so; shared locks
// can be dropped early without leaving the Growing phase.
func (lm *LockManager) Unlock(txn *Transaction, rid RID) error {
	if txn.State() == Growing && (txn.IsolationLevel() == RepeatableRead ||
		(txn.IsolationLevel() == ReadCommitted && txn.holdsExclusive(rid))) {
		txn.setState(Shrinking)
	}

	lm.mu.Lock()
	q, ok := lm.table[rid]
	if ok {
		for i, r := range q.requests {
			if r.txnID == txn.ID() {
				q.requests = append(q.requests[:i], q.requests[i+1:]...)
				break
			}
		}
		q.cond.Broadcast()
	}
	lm.mu.Unlock()

	txn.forgetLock(rid)
	return nil
}

// ReleaseAll releases every lock txn holds, for use at commit/abort.
func (lm *LockManager) ReleaseAll(txn *Transaction) {
	shared, exclusive := lm.heldRIDs(txn)
	for _, rid := range shared {
		_ = lm.Unlock(txn, rid)
	}
	for _, rid := range exclusive {
		_ = lm.Unlock(txn, rid)
	}
}

func (lm *LockManager) heldRIDs(txn *Transaction) (shared, exclusive []RID) {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	for rid := range txn.sharedLockSet {
		shared = append(shared, rid)
	}
	for rid := range txn.exclusiveLockSet {
		exclusive = append(exclusive, rid)
	}
	return shared, exclusive
}

// GetEdgeList returns the current wait-for graph as a flat list of
// (waiter, holder) pairs, for test introspection.
func (lm *LockManager) GetEdgeList() [][2]ID {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.buildWaitForGraph()
	var edges [][2]ID
	for from, tos := range lm.waitFor {
		for _, to := range tos {
			edges = append(edges, [2]ID{from, to})
		}
	}
	return edges
}

func (lm *LockManager) addEdge(from, to ID) {
	for _, existing := range lm.waitFor[from] {
		if existing == to {
			return
		}
	}
	lm.waitFor[from] = append(lm.waitFor[from], to)
}

// buildWaitForGraph rebuilds the wait-for graph from the current lock
// table: every ungranted request waits on every granted request
// already holding that RID.
func (lm *LockManager) buildWaitForGraph() {
	lm.waitFor = make(map[ID][]ID)
	for _, q := range lm.table {
		var granted, waiting []ID
		for _, r := range q.requests {
			if r.granted {
				granted = append(granted, r.txnID)
			} else {
				waiting = append(waiting, r.txnID)
			}
		}
		for _, w := range waiting {
			for _, g := range granted {
				if w != g {
					lm.addEdge(w, g)
				}
			}
		}
	}
}

// hasCycle runs a DFS from every node, visiting successors in
// ascending txn id order (matching the deterministic victim selection
// of the original implementation), and reports the youngest
// (numerically largest) txn id on any cycle found.
func (lm *LockManager) hasCycle() (ID, bool) {
	nodes := make([]ID, 0, len(lm.waitFor))
	for n := range lm.waitFor {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

	visited := make(map[ID]bool)
	onStack := make(map[ID]bool)

	var victim ID
	found := false

	var dfs func(ID, []ID) bool
	dfs = func(n ID, path []ID) bool {
		visited[n] = true
		onStack[n] = true
		path = append(path, n)

		successors := append([]ID{}, lm.waitFor[n]...)
		sort.Slice(successors, func(i, j int) bool { return successors[i] < successors[j] })

		for _, s := range successors {
			if onStack[s] {
				// The cycle is the tail of path starting at s.
				max := s
				for i := len(path) - 1; i >= 0 && path[i] != s; i-- {
					if path[i] > max {
						max = path[i]
					}
				}
				victim = max
				found = true
				return true
			}
			if !visited[s] {
				if dfs(s, path) {
					return true
				}
			}
		}
		onStack[n] = false
		return false
	}

	for _, n := range nodes {
		if found {
			break
		}
		if !visited[n] {
			if dfs(n, nil) {
				break
			}
		}
	}
	return victim, found
}

func (lm *LockManager) removeTxnEdges(id ID) {
	delete(lm.waitFor, id)
	for from, tos := range lm.waitFor {
		filtered := tos[:0]
		for _, to := range tos {
			if to != id {
				filtered = append(filtered, to)
			}
		}
		lm.waitFor[from] = filtered
	}
}

// runCycleDetection periodically rebuilds the wait-for graph and
// aborts the youngest transaction in any cycle until the graph is
// acyclic, then clears it.
func (lm *LockManager) runCycleDetection() {
	defer close(lm.done)
	ticker := time.NewTicker(lm.detectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-lm.stop:
			return
		case <-ticker.C:
			lm.mu.Lock()
			lm.buildWaitForGraph()
			for {
				victim, found := lm.hasCycle()
				if !found {
					break
				}
				lm.removeTxnEdges(victim)
				lm.abortTransaction(victim)
			}
			lm.waitFor = make(map[ID][]ID)
			lm.mu.Unlock()
		}
	}
}

func (lm *LockManager) abortTransaction(id ID) {
	txn := lm.registry[id]
	if txn == nil {
		return
	}
	txn.Abort()
	lm.metrics.RecordDeadlockDetected()
	lm.log.Warn("aborted transaction to break deadlock", zap.Int64("txn_id", int64(id)))
	for _, q := range lm.table {
		q.cond.Broadcast()
	}
}
